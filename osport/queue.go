// Package osport provides the agent's operating-system primitives: a
// bounded event queue, one-shot timers and a bounded buffer pool.
//
// Producers on any goroutine may Send to a Queue and start Timers; only
// the agent worker Receives.
package osport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// DefaultQueueCapacity is the event queue depth used by the agent.
const DefaultQueueCapacity = 10

var (
	// ErrQueueFull is returned by Send when the queue is at capacity.
	ErrQueueFull = errors.New("event queue full")
	// ErrQueueClosed is returned after Close.
	ErrQueueClosed = errors.New("event queue closed")
	// ErrInvalidCapacity is returned by NewQueue for a capacity below 1.
	ErrInvalidCapacity = errors.New("queue capacity must be positive")
)

// Queue is a fixed-capacity FIFO. Send never blocks.
type Queue[E any] struct {
	mu      sync.RWMutex
	ch      chan E
	closed  bool
	dropped atomic.Uint64
}

// NewQueue creates a queue holding at most capacity events.
func NewQueue[E any](capacity int) (*Queue[E], error) {
	if capacity < 1 {
		return nil, ErrInvalidCapacity
	}
	return &Queue[E]{ch: make(chan E, capacity)}, nil
}

// Send enqueues e. A full queue drops e, counts the drop and returns
// ErrQueueFull.
func (q *Queue[E]) Send(e E) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.ch <- e:
		return nil
	default:
		q.dropped.Add(1)
		return ErrQueueFull
	}
}

// Receive blocks until an event is available or ctx is done. After Close
// the remaining events are still delivered, then ErrQueueClosed.
func (q *Queue[E]) Receive(ctx context.Context) (E, error) {
	var zero E
	select {
	case e, ok := <-q.ch:
		if !ok {
			return zero, ErrQueueClosed
		}
		return e, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// TryReceive returns the next event without blocking.
func (q *Queue[E]) TryReceive() (E, bool) {
	select {
	case e, ok := <-q.ch:
		return e, ok
	default:
		var zero E
		return zero, false
	}
}

// Close stops accepting events. Idempotent.
func (q *Queue[E]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
}

// Len returns the number of queued events.
func (q *Queue[E]) Len() int { return len(q.ch) }

// Cap returns the queue capacity.
func (q *Queue[E]) Cap() int { return cap(q.ch) }

// Dropped returns the number of events rejected by Send.
func (q *Queue[E]) Dropped() uint64 { return q.dropped.Load() }
