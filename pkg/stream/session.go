package stream

import (
	"context"

	"unitwork/internal/core"
	"unitwork/pkg/domain"
)

// Session exposes a unit of work through the stream calling convention. It
// is a stateless translation layer over the shared engine session; single
// outcomes surface as one-element streams.
type Session struct {
	core *core.Session
}

// Wrap adapts an engine session.
func Wrap(s *core.Session) *Session { return &Session{core: s} }

// Find yields the managed instance, or an empty stream when the row is
// absent.
func (s *Session) Find(ctx context.Context, typeName string, key any) *Stream[any] {
	st := FromCompletion(func(done domain.Completion[any]) {
		s.core.Find(ctx, typeName, key, done)
	})
	// An absent row is an empty stream, not a nil element.
	inner := st.next
	st.next = func(ctx context.Context) (any, bool, error) {
		v, ok, err := inner(ctx)
		if ok && v == nil {
			return nil, false, nil
		}
		return v, ok, err
	}
	return st
}

// Persist schedules the object and its persist-cascade closure for insert.
func (s *Session) Persist(obj any) *Stream[Void] {
	return FromCompletion(func(done domain.Completion[Void]) {
		s.core.Persist(obj, done)
	})
}

// Remove schedules the object and its remove-cascade closure for deletion.
func (s *Session) Remove(obj any) *Stream[Void] {
	return FromCompletion(func(done domain.Completion[Void]) {
		s.core.Remove(obj, done)
	})
}

// Merge yields the managed copy of the given object.
func (s *Session) Merge(ctx context.Context, obj any) *Stream[any] {
	return FromCompletion(func(done domain.Completion[any]) {
		s.core.Merge(ctx, obj, done)
	})
}

// Refresh re-reads the object's row, discarding in-memory changes.
func (s *Session) Refresh(ctx context.Context, obj any) *Stream[Void] {
	return FromCompletion(func(done domain.Completion[Void]) {
		s.core.Refresh(ctx, obj, done)
	})
}

// Lock applies the requested lock mode to a managed object.
func (s *Session) Lock(ctx context.Context, obj any, mode domain.LockMode) *Stream[Void] {
	return FromCompletion(func(done domain.Completion[Void]) {
		s.core.Lock(ctx, obj, mode, done)
	})
}

// Detach releases the object from tracking.
func (s *Session) Detach(obj any) *Stream[Void] {
	return FromCompletion(func(done domain.Completion[Void]) {
		s.core.Detach(obj, done)
	})
}

// SetReadOnly excludes a managed object from dirty checking and flush, or
// puts it back under management.
func (s *Session) SetReadOnly(obj any, readOnly bool) *Stream[Void] {
	return FromCompletion(func(done domain.Completion[Void]) {
		s.core.SetReadOnly(obj, readOnly, done)
	})
}

// Flush synchronizes the persistence context with the database.
func (s *Session) Flush(ctx context.Context) *Stream[Void] {
	return FromCompletion(func(done domain.Completion[Void]) {
		s.core.Flush(ctx, done)
	})
}

// Query yields rows as the driver delivers them; the next row is requested
// only after the previous one is consumed downstream.
func (s *Session) Query(ctx context.Context, sql string, args ...any) *Stream[domain.Row] {
	return FromRows(s.core.Query(ctx, sql, args...))
}

// WithTransaction runs work inside a database transaction; commit implies a
// flush. work may drain streams from this session.
func (s *Session) WithTransaction(ctx context.Context, work func(ctx context.Context) error) *Stream[Void] {
	return FromCompletion(func(done domain.Completion[Void]) {
		s.core.WithTransaction(ctx, work, done)
	})
}

// Contains reports whether the object is currently managed.
func (s *Session) Contains(obj any) bool { return s.core.Contains(obj) }

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.core.ID() }

// State returns the session's lifecycle state.
func (s *Session) State() core.SessionState { return s.core.State() }

// Close ends the unit of work.
func (s *Session) Close() error { return s.core.Close() }
