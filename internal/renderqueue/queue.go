// Package renderqueue provides a single-flight FIFO queue for render jobs.
//
// At most one job body runs at a time and jobs run in submission order. This
// is the one point of serialization for everything that writes rendered
// output, so two overlapping renders of a project can never interleave.
package renderqueue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/conneroisu/docserve/internal/errors"
	"github.com/conneroisu/docserve/internal/render"
)

// Job is a deferred unit of render work.
type Job func(ctx context.Context) render.Result

type request struct {
	job    Job
	result chan render.Result
}

// Queue runs jobs one at a time in FIFO order. The zero value is not usable;
// call New.
type Queue struct {
	ctx context.Context

	mu      sync.Mutex
	pending []request
	// draining is set while the worker goroutine exists; inFlight only
	// while it is executing a job it has already taken off pending.
	draining bool
	inFlight bool
	stats    Stats
}

// Stats reports queue activity for health endpoints.
type Stats struct {
	Queued    int
	Running   bool
	Completed int64
	Failed    int64
	LastRun   time.Duration
}

// New creates a queue whose jobs receive ctx.
func New(ctx context.Context) *Queue {
	return &Queue{ctx: ctx}
}

// Enqueue appends job and returns a channel that receives exactly the result
// of this job once it has run.
func (q *Queue) Enqueue(job Job) <-chan render.Result {
	req := request{job: job, result: make(chan render.Result, 1)}

	q.mu.Lock()
	q.pending = append(q.pending, req)
	start := !q.draining
	q.draining = true
	q.mu.Unlock()

	if start {
		go q.drain()
	}
	return req.result
}

// Submit enqueues job and waits for its result. If ctx ends first Submit
// returns ctx.Err(); the job still runs in its turn.
func (q *Queue) Submit(ctx context.Context, job Job) (render.Result, error) {
	ch := q.Enqueue(job)
	select {
	case res := <-ch:
		return res, nil
	case <-ctx.Done():
		return render.Result{}, ctx.Err()
	}
}

// Pending returns the number of jobs queued or running.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.pending)
	if q.inFlight {
		n++
	}
	return n
}

// Stats returns a snapshot of queue statistics.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.stats
	s.Queued = len(q.pending)
	s.Running = q.inFlight
	return s
}

func (q *Queue) drain() {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.draining = false
			q.mu.Unlock()
			return
		}
		req := q.pending[0]
		q.pending[0] = request{}
		q.pending = q.pending[1:]
		q.inFlight = true
		q.mu.Unlock()

		start := time.Now()
		res := q.run(req.job)

		q.mu.Lock()
		q.inFlight = false
		q.stats.LastRun = time.Since(start)
		if res.Err != nil {
			q.stats.Failed++
		} else {
			q.stats.Completed++
		}
		q.mu.Unlock()

		req.result <- res
	}
}

// run executes job, converting a panic into a failed result so that the
// queue keeps draining.
func (q *Queue) run(job Job) (res render.Result) {
	defer func() {
		if r := recover(); r != nil {
			res = render.Result{
				Err: errors.NewRenderError(errors.CodeRenderPanic, "render job panicked", fmt.Errorf("%v", r)),
			}
		}
	}()
	return job(q.ctx)
}
