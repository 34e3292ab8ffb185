package future

import (
	"context"

	"unitwork/internal/core"
	"unitwork/pkg/domain"
)

// Session exposes a unit of work through the future calling convention. It
// is a stateless translation layer over the shared engine session.
type Session struct {
	core *core.Session
}

// Wrap adapts an engine session.
func Wrap(s *core.Session) *Session { return &Session{core: s} }

// Find resolves to the managed instance, or nil when the row is absent.
func (s *Session) Find(ctx context.Context, typeName string, key any) *Future[any] {
	f, complete := New[any]()
	s.core.Find(ctx, typeName, key, complete)
	return f
}

// Persist schedules the object and its persist-cascade closure for insert.
func (s *Session) Persist(obj any) *Future[Void] {
	f, complete := New[Void]()
	s.core.Persist(obj, complete)
	return f
}

// Remove schedules the object and its remove-cascade closure for deletion.
func (s *Session) Remove(obj any) *Future[Void] {
	f, complete := New[Void]()
	s.core.Remove(obj, complete)
	return f
}

// Merge resolves to the managed copy of the given object.
func (s *Session) Merge(ctx context.Context, obj any) *Future[any] {
	f, complete := New[any]()
	s.core.Merge(ctx, obj, complete)
	return f
}

// Refresh re-reads the object's row, discarding in-memory changes.
func (s *Session) Refresh(ctx context.Context, obj any) *Future[Void] {
	f, complete := New[Void]()
	s.core.Refresh(ctx, obj, complete)
	return f
}

// Lock applies the requested lock mode to a managed object.
func (s *Session) Lock(ctx context.Context, obj any, mode domain.LockMode) *Future[Void] {
	f, complete := New[Void]()
	s.core.Lock(ctx, obj, mode, complete)
	return f
}

// Detach releases the object from tracking.
func (s *Session) Detach(obj any) *Future[Void] {
	f, complete := New[Void]()
	s.core.Detach(obj, complete)
	return f
}

// SetReadOnly excludes a managed object from dirty checking and flush, or
// puts it back under management.
func (s *Session) SetReadOnly(obj any, readOnly bool) *Future[Void] {
	f, complete := New[Void]()
	s.core.SetReadOnly(obj, readOnly, complete)
	return f
}

// Flush synchronizes the persistence context with the database.
func (s *Session) Flush(ctx context.Context) *Future[Void] {
	f, complete := New[Void]()
	s.core.Flush(ctx, complete)
	return f
}

// Query resolves to all rows of a caller-supplied statement. The future
// convention collects; use the stream convention for row-at-a-time paging.
func (s *Session) Query(ctx context.Context, sql string, args ...any) *Future[[]domain.Row] {
	f, complete := New[[]domain.Row]()
	go func() {
		rs := s.core.Query(ctx, sql, args...)
		defer func() { _ = rs.Close() }()
		var rows []domain.Row
		for {
			row, ok, err := rs.Next(ctx)
			if err != nil {
				complete(nil, err)
				return
			}
			if !ok {
				complete(rows, nil)
				return
			}
			rows = append(rows, row)
		}
	}()
	return f
}

// WithTransaction runs work inside a database transaction; commit implies a
// flush. work may await futures from this session.
func (s *Session) WithTransaction(ctx context.Context, work func(ctx context.Context) error) *Future[Void] {
	f, complete := New[Void]()
	s.core.WithTransaction(ctx, work, complete)
	return f
}

// Contains reports whether the object is currently managed.
func (s *Session) Contains(obj any) bool { return s.core.Contains(obj) }

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.core.ID() }

// State returns the session's lifecycle state.
func (s *Session) State() core.SessionState { return s.core.State() }

// Close ends the unit of work.
func (s *Session) Close() error { return s.core.Close() }
