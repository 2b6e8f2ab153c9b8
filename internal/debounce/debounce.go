// Package debounce coalesces bursts of notifications into a single trailing
// delivery.
package debounce

import (
	"sync"
	"time"
)

// MergeFunc combines the pending batch with a new notification.
type MergeFunc[T any] func(pending, next T) T

// Debouncer delivers the merged payload of a burst of Notify calls once no
// call has arrived for the configured window.
//
// State is explicit: the pending batch and the timer that will deliver it.
// Each Notify stops the timer and schedules a new one. Deliveries are
// serialized, so the handler never runs concurrently with itself.
type Debouncer[T any] struct {
	window  time.Duration
	merge   MergeFunc[T]
	handler func(T)

	mu         sync.Mutex
	pending    T
	hasPending bool
	timer      *time.Timer
	generation uint64
	stopped    bool

	deliverMu sync.Mutex
	inflight  sync.WaitGroup
}

// New creates a Debouncer. handler receives each merged batch.
func New[T any](window time.Duration, merge MergeFunc[T], handler func(T)) *Debouncer[T] {
	return &Debouncer[T]{
		window:  window,
		merge:   merge,
		handler: handler,
	}
}

// Notify merges v into the pending batch and restarts the quiescence window.
func (d *Debouncer[T]) Notify(v T) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}

	if d.hasPending {
		d.pending = d.merge(d.pending, v)
	} else {
		d.pending = v
		d.hasPending = true
	}

	if d.timer != nil {
		d.timer.Stop()
	}
	d.generation++
	gen := d.generation
	d.timer = time.AfterFunc(d.window, func() { d.fire(gen) })
}

// fire runs when the window for generation gen expires. A timer whose
// generation is stale lost a race with a later Notify and does nothing.
func (d *Debouncer[T]) fire(gen uint64) {
	batch, ok := d.take(gen)
	if !ok {
		return
	}
	d.deliver(batch)
}

func (d *Debouncer[T]) take(gen uint64) (T, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var zero T
	if gen != d.generation || !d.hasPending || d.stopped {
		return zero, false
	}
	batch := d.pending
	d.pending = zero
	d.hasPending = false
	d.timer = nil
	d.inflight.Add(1)
	return batch, true
}

func (d *Debouncer[T]) deliver(batch T) {
	defer d.inflight.Done()
	d.deliverMu.Lock()
	defer d.deliverMu.Unlock()
	d.handler(batch)
}

// Flush delivers any pending batch immediately and waits for it.
func (d *Debouncer[T]) Flush() {
	d.mu.Lock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	gen := d.generation
	d.mu.Unlock()

	if batch, ok := d.take(gen); ok {
		d.deliver(batch)
	}
}

// Pending reports whether a batch is waiting for delivery.
func (d *Debouncer[T]) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.hasPending
}

// Stop abandons any pending batch, rejects further notifications and waits
// for an in-flight delivery to finish.
func (d *Debouncer[T]) Stop() {
	d.mu.Lock()
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	var zero T
	d.pending = zero
	d.hasPending = false
	d.mu.Unlock()

	d.inflight.Wait()
}
