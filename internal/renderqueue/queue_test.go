package renderqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	serveerrors "github.com/conneroisu/docserve/internal/errors"
	"github.com/conneroisu/docserve/internal/render"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueRunsJobsInOrderWithoutOverlap(t *testing.T) {
	q := New(context.Background())

	var (
		mu      sync.Mutex
		trace   []string
		running int32
		overlap int32
	)
	record := func(s string) {
		mu.Lock()
		trace = append(trace, s)
		mu.Unlock()
	}
	job := func(name string, d time.Duration) Job {
		return func(ctx context.Context) render.Result {
			if atomic.AddInt32(&running, 1) > 1 {
				atomic.StoreInt32(&overlap, 1)
			}
			record(name + ":start")
			time.Sleep(d)
			record(name + ":end")
			atomic.AddInt32(&running, -1)
			return render.Result{Inputs: []string{name}}
		}
	}

	a := q.Enqueue(job("A", 50*time.Millisecond))
	b := q.Enqueue(job("B", 0))
	c := q.Enqueue(job("C", 10*time.Millisecond))

	resB := <-b
	assert.Equal(t, []string{"B"}, resB.Inputs, "each caller receives its own job's result")
	resA := <-a
	assert.Equal(t, []string{"A"}, resA.Inputs)
	resC := <-c
	assert.Equal(t, []string{"C"}, resC.Inputs)

	assert.Zero(t, atomic.LoadInt32(&overlap))
	assert.Equal(t, []string{"A:start", "A:end", "B:start", "B:end", "C:start", "C:end"}, trace)
}

func TestQueueSecondResultResolvesAfterItsOwnJob(t *testing.T) {
	q := New(context.Background())
	releaseA := make(chan struct{})
	var bDone atomic.Bool

	a := q.Enqueue(func(ctx context.Context) render.Result {
		<-releaseA
		return render.Result{}
	})
	b := q.Enqueue(func(ctx context.Context) render.Result {
		time.Sleep(20 * time.Millisecond)
		bDone.Store(true)
		return render.Result{}
	})

	close(releaseA)
	<-a
	<-b
	assert.True(t, bDone.Load())
}

func TestQueueFailureDoesNotAffectNextJob(t *testing.T) {
	q := New(context.Background())
	boom := errors.New("exit status 1")

	failing := q.Enqueue(func(ctx context.Context) render.Result {
		return render.Result{Err: boom}
	})
	next := q.Enqueue(func(ctx context.Context) render.Result {
		return render.Result{Inputs: []string{"ok"}}
	})

	assert.ErrorIs(t, (<-failing).Err, boom)
	res := <-next
	assert.NoError(t, res.Err)
	assert.Equal(t, []string{"ok"}, res.Inputs)

	stats := q.Stats()
	assert.Equal(t, int64(1), stats.Failed)
	assert.Equal(t, int64(1), stats.Completed)
}

func TestQueuePanicIsolated(t *testing.T) {
	q := New(context.Background())

	panicking := q.Enqueue(func(ctx context.Context) render.Result {
		panic("converter crashed")
	})
	next := q.Enqueue(func(ctx context.Context) render.Result {
		return render.Result{}
	})

	res := <-panicking
	require.Error(t, res.Err)
	assert.True(t, serveerrors.IsType(res.Err, serveerrors.ErrorTypeRender))
	assert.NoError(t, (<-next).Err)
}

func TestQueueSubmit(t *testing.T) {
	q := New(context.Background())

	res, err := q.Submit(context.Background(), func(ctx context.Context) render.Result {
		return render.Result{Inputs: []string{"a.qmd"}}
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a.qmd"}, res.Inputs)
}

func TestQueueSubmitWaiterCancelled(t *testing.T) {
	q := New(context.Background())
	release := make(chan struct{})
	var ran atomic.Bool

	blocker := q.Enqueue(func(ctx context.Context) render.Result {
		<-release
		return render.Result{}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := q.Submit(ctx, func(ctx context.Context) render.Result {
		ran.Store(true)
		return render.Result{}
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	<-blocker
	assert.Eventually(t, ran.Load, time.Second, 5*time.Millisecond, "abandoned jobs still run in turn")
	assert.Eventually(t, func() bool { return q.Pending() == 0 }, time.Second, 5*time.Millisecond)
}

func TestQueuePassesContextToJobs(t *testing.T) {
	type key struct{}
	ctx := context.WithValue(context.Background(), key{}, "session")
	q := New(ctx)

	res, err := q.Submit(context.Background(), func(ctx context.Context) render.Result {
		v, _ := ctx.Value(key{}).(string)
		return render.Result{Inputs: []string{v}}
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"session"}, res.Inputs)
}

// A job the worker has not yet taken counts once, as queued.
func TestQueuePendingCountsWaitingJobOnce(t *testing.T) {
	q := New(context.Background())
	release := make(chan struct{})

	blocker := q.Enqueue(func(ctx context.Context) render.Result {
		<-release
		return render.Result{}
	})
	assert.Eventually(t, func() bool { return q.Stats().Running }, time.Second, time.Millisecond)
	assert.Equal(t, 1, q.Pending())
	assert.Equal(t, 0, q.Stats().Queued)

	second := q.Enqueue(func(ctx context.Context) render.Result { return render.Result{} })
	assert.Equal(t, 2, q.Pending())
	assert.Equal(t, 1, q.Stats().Queued)

	close(release)
	<-blocker
	<-second
	assert.Eventually(t, func() bool { return q.Pending() == 0 && !q.Stats().Running }, time.Second, time.Millisecond)

	// Freeze the gap between Enqueue and the worker taking the job.
	q.mu.Lock()
	q.draining = true
	q.mu.Unlock()

	waiting := q.Enqueue(func(ctx context.Context) render.Result { return render.Result{} })
	assert.Equal(t, 1, q.Pending())
	stats := q.Stats()
	assert.Equal(t, 1, stats.Queued)
	assert.False(t, stats.Running)

	go q.drain()
	<-waiting
	assert.Eventually(t, func() bool { return q.Pending() == 0 }, time.Second, time.Millisecond)
}
