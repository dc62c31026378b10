// Package mpmcqueue implements a bounded multi-producer/multi-consumer
// blocking queue with explicit Close semantics. It is built on
// sync.Mutex and sync.Cond rather than a Go channel because a closed
// channel cannot distinguish "drained and closed" from "still has
// buffered items", and because Close must be able to wake senders
// blocked on a full queue, not just receivers — something a channel
// close cannot do without a second signaling channel. See spec.md's
// Concurrency Model (C3) for the semantics this implements.
package mpmcqueue

import (
	"context"
	"sync"

	"github.com/memhive/memhive/pkg/collections"
	"github.com/memhive/memhive/pkg/errors"
)

// Queue is a bounded FIFO safe for concurrent Push and Pop from any
// number of goroutines. The zero value is not usable; construct with
// New. Storage is a collections.RingBuffer, so Push/Pop never reslice
// or reallocate once capacity is reached.
type Queue[T any] struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond
	ring     *collections.RingBuffer[T]
	closed   bool
}

// New returns an empty Queue bounded at capacity items. A non-positive
// capacity is treated as 1, matching spec.md's "every queue is bounded".
func New[T any](capacity int) *Queue[T] {
	if capacity <= 0 {
		capacity = 1
	}
	q := &Queue[T]{ring: collections.NewRingBuffer[T](capacity)}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)
	return q
}

// Push blocks until there is room for v, v is enqueued, ctx is
// cancelled, or the queue is closed. Pushing to a closed queue returns
// errors.ErrClosedQueue immediately.
func (q *Queue[T]) Push(ctx context.Context, v T) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.ring.IsFull() && !q.closed {
		if !q.waitWithContext(ctx, q.notFull) {
			return ctx.Err()
		}
	}
	if q.closed {
		return errors.ErrClosedQueue
	}
	q.ring.Push(v)
	q.notEmpty.Signal()
	return nil
}

// TryPush enqueues v without blocking. It reports false if the queue is
// full (not an error: the caller decides whether to retry or drop) and
// returns errors.ErrClosedQueue if the queue is closed.
func (q *Queue[T]) TryPush(v T) (ok bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false, errors.ErrClosedQueue
	}
	if !q.ring.Push(v) {
		return false, nil
	}
	q.notEmpty.Signal()
	return true, nil
}

// Pop blocks until an item is available, ctx is cancelled, or the queue
// is closed and drained. A closed-but-nonempty queue is still drainable:
// Pop keeps returning buffered items until empty, then returns
// errors.ErrClosedQueue, matching spec.md's "Close lets in-flight items
// finish delivery."
func (q *Queue[T]) Pop(ctx context.Context) (T, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	for q.ring.IsEmpty() {
		if q.closed {
			return zero, errors.ErrClosedQueue
		}
		if !q.waitWithContext(ctx, q.notEmpty) {
			return zero, ctx.Err()
		}
	}
	v, _ := q.ring.Pop()
	q.notFull.Signal()
	return v, nil
}

// TryPop removes and returns an item without blocking. ok is false if
// the queue is empty but open; err is errors.ErrClosedQueue if the queue
// is closed and drained.
func (q *Queue[T]) TryPop() (v T, ok bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	v, ok = q.ring.Pop()
	if !ok {
		if q.closed {
			return v, false, errors.ErrClosedQueue
		}
		return v, false, nil
	}
	q.notFull.Signal()
	return v, true, nil
}

// Close marks the queue closed and wakes every blocked Push and Pop.
// Close is idempotent: closing an already-closed queue is a no-op.
// Items already buffered remain poppable until drained.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		q.notEmpty.Broadcast()
		q.notFull.Broadcast()
	}
	q.mu.Unlock()
}

// Closed reports whether Close has been called.
func (q *Queue[T]) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Len reports the number of buffered items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ring.Len()
}

// waitWithContext waits on cond, honoring ctx cancellation. It must be
// called with q.mu held; it returns false (without re-acquiring
// consistency guarantees beyond the caller's own defer Unlock) if ctx
// was done first. Because sync.Cond has no context-aware wait, a helper
// goroutine broadcasts when ctx is cancelled so Wait returns and can
// re-check.
func (q *Queue[T]) waitWithContext(ctx context.Context, cond *sync.Cond) bool {
	if ctx.Err() != nil {
		return false
	}
	done := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		cond.Broadcast()
		q.mu.Unlock()
		close(done)
	})
	defer stop()
	cond.Wait()
	select {
	case <-done:
		return ctx.Err() == nil
	default:
		return true
	}
}
