// Package workerpool implements the bounded worker pool of spec.md §5: the
// event/dispatch goroutine never performs blocking filesystem or process
// I/O directly, it submits that work here instead. Grounded on the
// teacher's channel-of-funcs pool (core/pool.go), generalized with
// golang.org/x/sync/semaphore so callers can wait for a submitted task's
// result via a future rather than fire-and-forget.
package workerpool

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// DefaultSize is the default worker pool size of spec.md §5.
const DefaultSize = 20

// Pool is a fixed-capacity pool of concurrent task slots.
type Pool struct {
	sem *semaphore.Weighted
}

// New constructs a Pool with the given capacity (concurrent task slots).
func New(size int) *Pool {
	if size <= 0 {
		size = DefaultSize
	}
	return &Pool{sem: semaphore.NewWeighted(int64(size))}
}

// A Future resolves to a task's return value once it completes.
type Future[T any] struct {
	done chan struct{}
	val  T
	err  error
}

// Wait blocks until the task completes or ctx is cancelled.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Submit runs fn on a pool worker, blocking the caller only long enough to
// acquire a slot (respecting ctx), and returns a Future for its result.
// This is how the single dispatch path stays non-blocking: it calls Submit
// and moves on, observing completion later via the Future or ignoring it
// entirely (as the cache-write path does once its result is handed back to
// the caller inside a CacheMiss).
func Submit[T any](ctx context.Context, p *Pool, fn func(context.Context) (T, error)) *Future[T] {
	fut := &Future[T]{done: make(chan struct{})}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		fut.err = err
		close(fut.done)
		return fut
	}
	go func() {
		defer p.sem.Release(1)
		defer close(fut.done)
		fut.val, fut.err = fn(ctx)
	}()
	return fut
}
