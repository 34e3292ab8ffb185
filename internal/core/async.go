package core

import (
	"context"

	"unitwork/pkg/domain"
)

// schedule is the single internal asynchronous primitive: run fn on its own
// goroutine and deliver its one outcome (value or failure) to done. Both
// public calling conventions are adapters over this function; no engine logic
// may branch on which adapter scheduled the work.
//
// The goroutine stands in for the driver's I/O-completion thread: fn is the
// only place the engine is allowed to wait on driver completions.
func schedule[T any](ctx context.Context, fn func(context.Context) (T, error), done domain.Completion[T]) {
	if err := ctx.Err(); err != nil {
		var zero T
		done(zero, err)
		return
	}
	go func() {
		v, err := fn(ctx)
		done(v, err)
	}()
}

// immediate delivers an already-known outcome through the completion without
// suspension. Used by operations that only touch in-memory state.
func immediate[T any](v T, err error, done domain.Completion[T]) {
	done(v, err)
}

// await turns a completion-shaped call into a plain return. It must only be
// used inside a scheduled goroutine (never on a caller's goroutine), which is
// what keeps the calling thread non-blocking.
func await[T any](call func(done domain.Completion[T])) (T, error) {
	type outcome struct {
		v   T
		err error
	}
	ch := make(chan outcome, 1)
	call(func(v T, err error) { ch <- outcome{v, err} })
	out := <-ch
	return out.v, out.err
}
