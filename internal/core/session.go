package core

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"unitwork/pkg/domain"
)

// SessionState is the lifecycle state of one unit of work.
type SessionState int

const (
	// SessionActive accepts operations; a session is active immediately on
	// open, no separate begin step is required for non-transactional use.
	SessionActive SessionState = iota
	// SessionFlushing is entered for the duration of one flush and returns
	// to active on success.
	SessionFlushing
	// SessionFlushFailed is entered when a flush fails after statements were
	// sent; partial plan execution cannot be assumed consistent, so only
	// rollback and close are accepted.
	SessionFlushFailed
	// SessionFailed is terminal: an unrecoverable error or rollback ended
	// the unit of work.
	SessionFailed
	// SessionClosed is terminal: every further operation fails with
	// ErrSessionClosed.
	SessionClosed
)

func (s SessionState) String() string {
	switch s {
	case SessionActive:
		return "active"
	case SessionFlushing:
		return "flushing"
	case SessionFlushFailed:
		return "flushing-failed"
	case SessionFailed:
		return "failed"
	case SessionClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is one unit of work: the exclusive owner of a persistence context.
// Its in-memory operations complete synchronously through their completion;
// operations touching the database suspend only at driver boundaries and
// never block the calling goroutine.
//
// A session must not be used from two concurrent call chains. The state
// field is the one exception: completions fire on driver goroutines, so
// state transitions go through small critical sections.
type Session struct {
	id       string
	factory  *Factory
	pc       *Context
	driver   domain.Driver
	logger   *slog.Logger
	metrics  MetricsRecorder
	journal  JournalSink
	flushSeq uint64

	mu    sync.Mutex
	state SessionState
	// exec is the current statement target: the driver, or the open
	// transaction inside WithTransaction.
	exec domain.Executor
	tx   domain.Tx
}

func newSession(f *Factory) *Session {
	id := uuid.NewString()
	return &Session{
		id:      id,
		factory: f,
		pc:      newContext(f.registry),
		driver:  f.driver,
		logger:  f.logger.With("session", id[:8]),
		metrics: f.metrics,
		journal: f.journal,
		state:   SessionActive,
		exec:    f.driver,
	}
}

// ID returns the session's unique identifier (used in journal records).
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// require verifies the session is in one of the given states.
func (s *Session) require(states ...SessionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == SessionClosed {
		return domain.ErrSessionClosed
	}
	for _, st := range states {
		if s.state == st {
			return nil
		}
	}
	return fmt.Errorf("%w: session is %s", domain.ErrInvalidState, s.state)
}

func (s *Session) transition(from, to SessionState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != from {
		return false
	}
	s.state = to
	return true
}

func (s *Session) setState(to SessionState) {
	s.mu.Lock()
	s.state = to
	s.mu.Unlock()
}

// Persist schedules an object (and its persist-cascade closure) for insert.
// Purely in-memory; the completion fires before Persist returns.
func (s *Session) Persist(obj any, done domain.Completion[struct{}]) {
	immediate(struct{}{}, s.persist(obj), done)
}

func (s *Session) persist(obj any) error {
	if err := s.require(SessionActive); err != nil {
		return err
	}
	t, ok := s.pc.registry.TypeOf(obj)
	if !ok {
		return fmt.Errorf("persist: unmapped type %T", obj)
	}
	targets, err := s.pc.resolveCascade(obj, t, domain.CascadePersist)
	if err != nil {
		return fmt.Errorf("persist: %w", err)
	}
	for _, tgt := range targets {
		if e, tracked := s.pc.LookupLive(tgt.Obj); tracked {
			if e.State == EntryRemoved {
				// Persisting a removed entity resurrects it.
				e.State = EntryManaged
			}
			continue
		}
		id, has := s.pc.identityOf(tgt.Type, tgt.Obj)
		if !has {
			id = domain.Identity{Type: tgt.Type.Name, Key: s.pc.nextPendingKey()}
		}
		if _, err := s.pc.Register(id, tgt.Type, tgt.Obj, EntryManaged); err != nil {
			return err
		}
	}
	return nil
}

// Remove schedules a managed object (and its remove-cascade closure) for
// deletion. Removing a never-inserted entity simply forgets it.
func (s *Session) Remove(obj any, done domain.Completion[struct{}]) {
	immediate(struct{}{}, s.remove(obj), done)
}

func (s *Session) remove(obj any) error {
	if err := s.require(SessionActive); err != nil {
		return err
	}
	e, tracked := s.pc.LookupLive(obj)
	if !tracked {
		return fmt.Errorf("remove: %w: object is not managed", domain.ErrInvalidState)
	}
	targets, err := s.pc.resolveCascade(obj, e.Type, domain.CascadeRemove)
	if err != nil {
		return fmt.Errorf("remove: %w", err)
	}
	for _, tgt := range targets {
		te, ok := s.pc.LookupLive(tgt.Obj)
		if !ok {
			continue
		}
		if te.pendingInsert {
			s.pc.Forget(te.ID)
			continue
		}
		te.State = EntryRemoved
	}
	return nil
}

// Detach releases an object from tracking without touching the database.
func (s *Session) Detach(obj any, done domain.Completion[struct{}]) {
	immediate(struct{}{}, s.detach(obj), done)
}

func (s *Session) detach(obj any) error {
	if err := s.require(SessionActive, SessionFlushFailed); err != nil {
		return err
	}
	e, tracked := s.pc.LookupLive(obj)
	if !tracked {
		return nil
	}
	s.pc.Forget(e.ID)
	return nil
}

// Contains reports whether the object is currently managed.
func (s *Session) Contains(obj any) bool {
	e, ok := s.pc.LookupLive(obj)
	return ok && (e.State == EntryManaged || e.State == EntryReadOnly)
}

// SetReadOnly excludes a managed object from dirty checking and flush, or
// puts it back under management. Read-only entries still resolve through
// Find.
func (s *Session) SetReadOnly(obj any, readOnly bool, done domain.Completion[struct{}]) {
	immediate(struct{}{}, s.setReadOnly(obj, readOnly), done)
}

func (s *Session) setReadOnly(obj any, readOnly bool) error {
	if err := s.require(SessionActive); err != nil {
		return err
	}
	e, tracked := s.pc.LookupLive(obj)
	if !tracked {
		return fmt.Errorf("set read-only: %w: object is not managed", domain.ErrInvalidState)
	}
	switch {
	case readOnly && e.State == EntryManaged:
		if e.pendingInsert {
			return fmt.Errorf("set read-only: %w: %s has no persisted row", domain.ErrInvalidState, e.ID)
		}
		e.State = EntryReadOnly
	case !readOnly && e.State == EntryReadOnly:
		e.State = EntryManaged
	}
	return nil
}

// Find loads an entity by key. A managed identity resolves to its live
// instance without a round trip; an absent row completes with (nil, nil).
func (s *Session) Find(ctx context.Context, typeName string, key any, done domain.Completion[any]) {
	if err := s.require(SessionActive); err != nil {
		immediate[any](nil, err, done)
		return
	}
	t, ok := s.pc.registry.Type(typeName)
	if !ok {
		immediate[any](nil, fmt.Errorf("find: unknown entity type %s", typeName), done)
		return
	}
	id := domain.Identity{Type: t.Name, Key: key}
	if e, hit := s.pc.Lookup(id); hit {
		if e.State == EntryRemoved {
			immediate[any](nil, nil, done)
			return
		}
		immediate(e.Live, nil, done)
		return
	}
	schedule(ctx, func(ctx context.Context) (any, error) {
		return s.loadInto(ctx, t, key, false)
	}, done)
}

// loadInto performs the select round trip and registers the materialized row
// as a managed entry. Runs on a scheduled goroutine only.
func (s *Session) loadInto(ctx context.Context, t *domain.EntityType, key any, forUpdate bool) (any, error) {
	row, found, err := s.selectRow(ctx, t, key, forUpdate)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	obj := t.New()
	t.ID.Field.Set(obj, row[t.ID.Field.Column])
	for _, f := range t.Fields {
		f.Set(obj, row[f.Column])
	}
	version := int64(0)
	if t.Version != nil {
		version = toInt64(row[t.Version.Column])
		t.Version.Set(obj, version)
	}
	snapshot := make(map[string]any, len(row))
	for col, v := range row {
		if col == t.ID.Field.Column {
			continue
		}
		if t.Version != nil && col == t.Version.Column {
			continue
		}
		snapshot[col] = v
	}
	id := domain.Identity{Type: t.Name, Key: row[t.ID.Field.Column]}
	e, err := s.pc.RegisterLoaded(id, t, obj, snapshot, version)
	if err != nil {
		return nil, err
	}
	return e.Live, nil
}

func (s *Session) currentExec() domain.Executor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exec
}

func (s *Session) selectRow(ctx context.Context, t *domain.EntityType, key any, forUpdate bool) (domain.Row, bool, error) {
	rs := s.currentExec().Query(ctx, selectStatement(t, key, forUpdate))
	defer func() { _ = rs.Close() }()
	row, ok, err := rs.Next(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("load %s: %w", t.Name, err)
	}
	return row, ok, nil
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}

// Refresh re-reads a managed entity's row, overwriting in-memory changes and
// resetting the snapshot and version.
func (s *Session) Refresh(ctx context.Context, obj any, done domain.Completion[struct{}]) {
	if err := s.require(SessionActive); err != nil {
		immediate(struct{}{}, err, done)
		return
	}
	e, tracked := s.pc.LookupLive(obj)
	if !tracked || e.pendingInsert {
		immediate(struct{}{}, fmt.Errorf("refresh: %w: object has no persisted row", domain.ErrInvalidState), done)
		return
	}
	targets, err := s.pc.resolveCascade(obj, e.Type, domain.CascadeRefresh)
	if err != nil {
		immediate(struct{}{}, fmt.Errorf("refresh: %w", err), done)
		return
	}
	schedule(ctx, func(ctx context.Context) (struct{}, error) {
		for _, tgt := range targets {
			te, ok := s.pc.LookupLive(tgt.Obj)
			if !ok || te.pendingInsert {
				continue
			}
			if err := s.refreshEntry(ctx, te); err != nil {
				return struct{}{}, err
			}
		}
		return struct{}{}, nil
	}, done)
}

func (s *Session) refreshEntry(ctx context.Context, e *Entry) error {
	t := e.Type
	row, found, err := s.selectRow(ctx, t, e.ID.Key, false)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("refresh %s: row no longer exists", e.ID)
	}
	for _, f := range t.Fields {
		f.Set(e.Live, row[f.Column])
	}
	snapshot := make(map[string]any, len(row))
	for col, v := range row {
		if col == t.ID.Field.Column {
			continue
		}
		if t.Version != nil && col == t.Version.Column {
			continue
		}
		snapshot[col] = v
	}
	e.Snapshot = snapshot
	if t.Version != nil {
		e.Version = toInt64(row[t.Version.Column])
		t.Version.Set(e.Live, e.Version)
	}
	e.Children = s.pc.collectChildren(t, e.Live)
	e.dirtyHint = false
	return nil
}

// Merge copies the state of a detached (or transient) object into the unit
// of work and completes with the managed copy. The argument itself is never
// adopted.
func (s *Session) Merge(ctx context.Context, obj any, done domain.Completion[any]) {
	if err := s.require(SessionActive); err != nil {
		immediate[any](nil, err, done)
		return
	}
	t, ok := s.pc.registry.TypeOf(obj)
	if !ok {
		immediate[any](nil, fmt.Errorf("merge: unmapped type %T", obj), done)
		return
	}
	schedule(ctx, func(ctx context.Context) (any, error) {
		visited := make(map[any]any)
		return s.mergeOne(ctx, t, obj, visited)
	}, done)
}

// mergeOne merges a single object and recurses along merge-cascading
// associations. Runs on a scheduled goroutine; visited maps each source
// object to its managed copy so cyclic graphs terminate.
func (s *Session) mergeOne(ctx context.Context, t *domain.EntityType, obj any, visited map[any]any) (any, error) {
	if managed, seen := visited[obj]; seen {
		return managed, nil
	}
	var managed any
	if e, tracked := s.pc.LookupLive(obj); tracked {
		managed = e.Live
	} else if id, has := s.pc.identityOf(t, obj); has {
		if e, hit := s.pc.Lookup(id); hit {
			managed = e.Live
		} else {
			loaded, err := s.loadInto(ctx, t, id.Key, false)
			if err != nil {
				return nil, err
			}
			managed = loaded
		}
	}
	if managed == nil {
		// Transient or vanished row: merge behaves like persist of a copy.
		managed = t.New()
		key := t.ID.Field.Get(obj)
		id := domain.Identity{Type: t.Name, Key: key}
		if isZeroKey(key) {
			id.Key = s.pc.nextPendingKey()
		} else {
			t.ID.Field.Set(managed, key)
		}
		if _, err := s.pc.Register(id, t, managed, EntryManaged); err != nil {
			return nil, err
		}
	}
	visited[obj] = managed
	if managed != obj {
		for _, f := range t.Fields {
			f.Set(managed, f.Get(obj))
		}
		if e, ok := s.pc.LookupLive(managed); ok {
			e.dirtyHint = true
		}
	}
	for _, a := range t.Associations {
		if !a.Cascade.Includes(domain.CascadeMerge) {
			continue
		}
		target, _ := s.pc.registry.Type(a.Target)
		for _, child := range a.Collect(obj) {
			if child == nil {
				continue
			}
			if _, err := s.mergeOne(ctx, target, child, visited); err != nil {
				return nil, err
			}
		}
	}
	return managed, nil
}

// Lock applies the requested lock mode to a managed entity.
func (s *Session) Lock(ctx context.Context, obj any, mode domain.LockMode, done domain.Completion[struct{}]) {
	if err := s.require(SessionActive); err != nil {
		immediate(struct{}{}, err, done)
		return
	}
	e, tracked := s.pc.LookupLive(obj)
	if !tracked || e.State != EntryManaged {
		immediate(struct{}{}, fmt.Errorf("lock: %w: object is not managed", domain.ErrInvalidState), done)
		return
	}
	switch mode {
	case domain.LockOptimistic, domain.LockForceIncrement:
		if !e.Versioned() {
			immediate(struct{}{}, fmt.Errorf("lock: %s carries no version column", e.Type.Name), done)
			return
		}
		if mode == domain.LockForceIncrement {
			e.forceIncrement = true
		}
		immediate(struct{}{}, nil, done)
	case domain.LockPessimistic:
		schedule(ctx, func(ctx context.Context) (struct{}, error) {
			_, found, err := s.selectRow(ctx, e.Type, e.ID.Key, true)
			if err != nil {
				return struct{}{}, err
			}
			if !found {
				return struct{}{}, domain.StaleStateError{Identity: e.ID, ExpectedVersion: e.Version}
			}
			return struct{}{}, nil
		}, done)
	default:
		immediate(struct{}{}, fmt.Errorf("lock: unknown mode %d", mode), done)
	}
}

// Query runs caller-supplied SQL and returns its pull-paced row source.
func (s *Session) Query(ctx context.Context, sql string, args ...any) domain.RowSource {
	if err := s.require(SessionActive); err != nil {
		return errRowSource{err: err}
	}
	return s.currentExec().Query(ctx, domain.Statement{Kind: domain.StatementSelect, SQL: sql, Args: args})
}

type errRowSource struct{ err error }

func (e errRowSource) Next(context.Context) (domain.Row, bool, error) { return nil, false, e.err }
func (e errRowSource) Close() error                                   { return nil }

// Flush synchronizes the persistence context with the database. Planning
// failures abort before any statement is sent and leave the session active;
// execution failures leave it flushing-failed.
func (s *Session) Flush(ctx context.Context, done domain.Completion[struct{}]) {
	if !s.transition(SessionActive, SessionFlushing) {
		immediate(struct{}{}, s.require(SessionActive), done)
		return
	}
	schedule(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.runFlush(ctx)
	}, func(v struct{}, err error) {
		if err == nil {
			s.setState(SessionActive)
		}
		done(v, err)
	})
}

// runFlush builds and executes the plan. Must run on a scheduled goroutine.
// On execution failure the session moves to flushing-failed before the error
// propagates.
func (s *Session) runFlush(ctx context.Context) error {
	start := time.Now()
	plan, err := buildPlan(s.pc)
	if err != nil {
		// No statement was sent; the unit of work is still consistent.
		s.setState(SessionActive)
		s.metrics.ObserveFlush(time.Since(start), 0, err)
		return err
	}
	if plan.Empty() {
		s.metrics.ObserveFlush(time.Since(start), 0, nil)
		return nil
	}
	s.logger.Debug("flush plan built", "actions", len(plan.Actions))
	x := &executor{exec: s.currentExec(), pc: s.pc, logger: s.logger, metrics: s.metrics}
	err = x.run(ctx, plan)
	s.metrics.ObserveFlush(time.Since(start), len(plan.Actions), err)
	if err != nil {
		if ctx.Err() != nil {
			// Cancellation mid-flush: statements already sent cannot be
			// un-sent, so the unit of work is unrecoverable.
			s.setState(SessionFailed)
		} else {
			s.setState(SessionFlushFailed)
		}
		s.logger.Warn("flush failed", "error", err)
		return err
	}
	s.appendJournal(ctx, plan, start)
	return nil
}

func (s *Session) appendJournal(ctx context.Context, plan *Plan, at time.Time) {
	if s.journal == nil {
		return
	}
	s.flushSeq++
	rec := journalRecord(s.id, s.flushSeq, at.UTC(), plan)
	if err := s.journal.Append(ctx, rec); err != nil {
		s.logger.Warn("journal append failed", "error", err)
	}
}

// WithTransaction runs work inside a database transaction. Commit implies a
// flush first; any flush or commit failure rolls back and fails the session.
// work runs on a scheduled goroutine and may await session operations.
func (s *Session) WithTransaction(ctx context.Context, work func(ctx context.Context) error, done domain.Completion[struct{}]) {
	if err := s.require(SessionActive); err != nil {
		immediate(struct{}{}, err, done)
		return
	}
	schedule(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.runTransaction(ctx, work)
	}, done)
}

func (s *Session) runTransaction(ctx context.Context, work func(ctx context.Context) error) error {
	tx, err := await(func(done domain.Completion[domain.Tx]) {
		s.driver.Begin(ctx, done)
	})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	s.mu.Lock()
	s.exec = tx
	s.tx = tx
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.exec = s.driver
		s.tx = nil
		s.mu.Unlock()
	}()

	fail := func(cause error) error {
		if _, rbErr := await(func(done domain.Completion[struct{}]) {
			tx.Rollback(ctx, done)
		}); rbErr != nil {
			s.logger.Warn("rollback failed", "error", rbErr)
		}
		s.setState(SessionFailed)
		return cause
	}

	if err := work(ctx); err != nil {
		return fail(err)
	}
	if !s.transition(SessionActive, SessionFlushing) {
		return fail(fmt.Errorf("commit: %w: session is %s", domain.ErrInvalidState, s.State()))
	}
	if err := s.runFlush(ctx); err != nil {
		return fail(fmt.Errorf("flush before commit: %w", err))
	}
	s.setState(SessionActive)
	if _, err := await(func(done domain.Completion[struct{}]) {
		tx.Commit(ctx, done)
	}); err != nil {
		return fail(fmt.Errorf("commit: %w", err))
	}
	return nil
}

// Close ends the unit of work and discards the persistence context. Closing
// twice fails with ErrSessionClosed; the underlying driver belongs to the
// factory and stays open.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == SessionClosed {
		s.mu.Unlock()
		return domain.ErrSessionClosed
	}
	tx := s.tx
	s.state = SessionClosed
	s.tx = nil
	s.exec = s.driver
	s.mu.Unlock()
	if tx != nil {
		tx.Rollback(context.Background(), func(struct{}, error) {})
	}
	s.pc = newContext(s.factory.registry)
	return nil
}
