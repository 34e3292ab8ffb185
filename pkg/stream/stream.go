// Package stream adapts the engine's completion primitive into a finite,
// non-restartable lazy sequence. A single outcome becomes a one-element (or
// error) stream; multi-row query results are produced as the driver delivers
// them, with the next row requested only after the previous one is consumed.
package stream

import (
	"context"
	"errors"

	"unitwork/pkg/domain"
)

// ErrExhausted is returned by Next after the stream has ended.
var ErrExhausted = errors.New("stream: exhausted")

// Void is the element type of operations that complete without a value.
type Void = struct{}

// Stream is a pull-paced sequence of values. It is not safe for concurrent
// pulls and cannot be restarted.
type Stream[T any] struct {
	next    func(ctx context.Context) (T, bool, error)
	closefn func() error
	done    bool
}

// Next returns the following element; ok is false once the stream ends.
func (s *Stream[T]) Next(ctx context.Context) (v T, ok bool, err error) {
	if s.done {
		var zero T
		return zero, false, nil
	}
	v, ok, err = s.next(ctx)
	if !ok || err != nil {
		s.done = true
	}
	return v, ok, err
}

// Collect drains the stream into a slice.
func (s *Stream[T]) Collect(ctx context.Context) ([]T, error) {
	defer func() { _ = s.Close() }()
	var out []T
	for {
		v, ok, err := s.Next(ctx)
		if err != nil {
			return out, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, v)
	}
}

// One returns the stream's single element, erroring when it is empty or
// holds more than one.
func (s *Stream[T]) One(ctx context.Context) (T, error) {
	defer func() { _ = s.Close() }()
	v, ok, err := s.Next(ctx)
	var zero T
	if err != nil {
		return zero, err
	}
	if !ok {
		return zero, ErrExhausted
	}
	if _, more, err := s.Next(ctx); err != nil {
		return zero, err
	} else if more {
		return zero, errors.New("stream: more than one element")
	}
	return v, nil
}

// Close releases the stream's underlying resources.
func (s *Stream[T]) Close() error {
	s.done = true
	if s.closefn != nil {
		return s.closefn()
	}
	return nil
}

// FromCompletion wraps one asynchronous outcome as a one-element stream. The
// call is issued immediately; the outcome is delivered on first pull.
func FromCompletion[T any](call func(done domain.Completion[T])) *Stream[T] {
	type outcome struct {
		v   T
		err error
	}
	ch := make(chan outcome, 1)
	call(func(v T, err error) { ch <- outcome{v, err} })
	delivered := false
	return &Stream[T]{
		next: func(ctx context.Context) (T, bool, error) {
			var zero T
			if delivered {
				return zero, false, nil
			}
			select {
			case out := <-ch:
				delivered = true
				if out.err != nil {
					return zero, false, out.err
				}
				return out.v, true, nil
			case <-ctx.Done():
				return zero, false, ctx.Err()
			}
		},
	}
}

// FromRows wraps a driver row source; backpressure is inherent because each
// row is fetched on demand.
func FromRows(rs domain.RowSource) *Stream[domain.Row] {
	return &Stream[domain.Row]{
		next:    rs.Next,
		closefn: rs.Close,
	}
}

// Of returns a fixed, already-materialized stream (tests and defaults).
func Of[T any](values ...T) *Stream[T] {
	i := 0
	return &Stream[T]{
		next: func(context.Context) (T, bool, error) {
			var zero T
			if i >= len(values) {
				return zero, false, nil
			}
			v := values[i]
			i++
			return v, true, nil
		},
	}
}
