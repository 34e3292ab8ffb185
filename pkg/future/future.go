// Package future adapts the engine's completion primitive into a
// single-resolution, chainable handle. It holds no engine logic of its own;
// every method delegates to the shared core.
package future

import (
	"context"
	"sync"

	"unitwork/pkg/domain"
)

// Void is the result type of operations that complete without a value.
type Void = struct{}

// Future resolves exactly once with a value or an error.
type Future[T any] struct {
	once sync.Once
	done chan struct{}
	v    T
	err  error
}

// New returns an unresolved future and the completion that settles it. The
// completion may be invoked from any goroutine; only the first invocation
// counts.
func New[T any]() (*Future[T], domain.Completion[T]) {
	f := &Future[T]{done: make(chan struct{})}
	return f, func(v T, err error) {
		f.once.Do(func() {
			f.v, f.err = v, err
			close(f.done)
		})
	}
}

// Resolved returns an already-settled future.
func Resolved[T any](v T) *Future[T] {
	f, complete := New[T]()
	complete(v, nil)
	return f
}

// Failed returns an already-failed future.
func Failed[T any](err error) *Future[T] {
	f, complete := New[T]()
	var zero T
	complete(zero, err)
	return f
}

// Done is closed when the future settles.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// Await blocks the calling goroutine until the future settles or ctx ends.
// Engine goroutines never call Await; it exists for the caller's edge.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.v, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// TryGet returns the outcome without waiting; ok is false while unresolved.
func (f *Future[T]) TryGet() (v T, err error, ok bool) {
	select {
	case <-f.done:
		return f.v, f.err, true
	default:
		var zero T
		return zero, nil, false
	}
}

// Then chains fn onto f's successful outcome, producing a new future.
// Failures propagate without invoking fn.
func Then[T, U any](f *Future[T], fn func(T) (U, error)) *Future[U] {
	out, complete := New[U]()
	go func() {
		<-f.done
		if f.err != nil {
			var zero U
			complete(zero, f.err)
			return
		}
		complete(fn(f.v))
	}()
	return out
}
