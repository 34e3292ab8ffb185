// Package memory provides an in-memory driver that interprets the
// structured statement mirror. It backs the engine's tests and the demo
// command with the same completion-shaped contract as the SQL drivers.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"unitwork/pkg/domain"
)

// state holds every table's rows keyed by stringified primary key.
type state struct {
	tables    map[string]*table
	sequences map[string]int64
	autoinc   map[string]int64
}

type table struct {
	keyColumn string
	rows      map[string]domain.Row
}

func newState() *state {
	return &state{
		tables:    make(map[string]*table),
		sequences: make(map[string]int64),
		autoinc:   make(map[string]int64),
	}
}

func (s *state) clone() *state {
	next := newState()
	for name, t := range s.tables {
		ct := &table{keyColumn: t.keyColumn, rows: make(map[string]domain.Row, len(t.rows))}
		for k, row := range t.rows {
			copied := make(domain.Row, len(row))
			for col, v := range row {
				copied[col] = v
			}
			ct.rows[k] = copied
		}
		next.tables[name] = ct
	}
	for k, v := range s.sequences {
		next.sequences[k] = v
	}
	for k, v := range s.autoinc {
		next.autoinc[k] = v
	}
	return next
}

func (s *state) tableFor(stmt domain.Statement) *table {
	t, ok := s.tables[stmt.Table]
	if !ok {
		t = &table{keyColumn: stmt.KeyColumn, rows: make(map[string]domain.Row)}
		s.tables[stmt.Table] = t
	}
	if t.keyColumn == "" {
		t.keyColumn = stmt.KeyColumn
	}
	return t
}

func keyString(v any) string { return fmt.Sprint(v) }

// Driver is the in-memory implementation of the driver contract. Every call
// completes on its own goroutine, mirroring the I/O-completion-thread shape
// of the SQL drivers.
type Driver struct {
	mu sync.Mutex
	st *state
}

var _ domain.Driver = (*Driver)(nil)

// New returns an empty in-memory driver.
func New() *Driver {
	return &Driver{st: newState()}
}

// Rows returns a sorted copy of a table's rows (test helper).
func (d *Driver) Rows(tableName string) []domain.Row {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.st.tables[tableName]
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(t.rows))
	for k := range t.rows {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]domain.Row, 0, len(keys))
	for _, k := range keys {
		row := make(domain.Row, len(t.rows[k]))
		for col, v := range t.rows[k] {
			row[col] = v
		}
		out = append(out, row)
	}
	return out
}

// Seed inserts a row directly, bypassing the statement path (test helper).
func (d *Driver) Seed(tableName, keyColumn string, row domain.Row) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.st.tables[tableName]
	if !ok {
		t = &table{keyColumn: keyColumn, rows: make(map[string]domain.Row)}
		d.st.tables[tableName] = t
	}
	t.rows[keyString(row[keyColumn])] = row
}

func (d *Driver) ExecOne(ctx context.Context, stmt domain.Statement, done domain.Completion[domain.ExecResult]) {
	go func() {
		d.mu.Lock()
		res, err := apply(d.st, stmt)
		d.mu.Unlock()
		done(res, err)
	}()
}

func (d *Driver) ExecBatch(ctx context.Context, stmts []domain.Statement, done domain.Completion[[]domain.ExecResult]) {
	go func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		results := make([]domain.ExecResult, 0, len(stmts))
		for _, stmt := range stmts {
			res, err := apply(d.st, stmt)
			if err != nil {
				done(nil, err)
				return
			}
			results = append(results, res)
		}
		done(results, nil)
	}()
}

func (d *Driver) Query(ctx context.Context, stmt domain.Statement) domain.RowSource {
	d.mu.Lock()
	rows, err := query(d.st, stmt)
	d.mu.Unlock()
	return &rowSource{rows: rows, err: err}
}

func (d *Driver) Begin(ctx context.Context, done domain.Completion[domain.Tx]) {
	go func() {
		d.mu.Lock()
		snapshot := d.st.clone()
		d.mu.Unlock()
		done(&tx{driver: d, st: snapshot}, nil)
	}()
}

func (d *Driver) Close(ctx context.Context) error { return nil }

// tx applies statements to a cloned state and swaps it in on commit, so
// uncommitted writes never surface to concurrent readers.
type tx struct {
	driver *Driver
	mu     sync.Mutex
	st     *state
	ended  bool
}

var _ domain.Tx = (*tx)(nil)

func (t *tx) ExecOne(ctx context.Context, stmt domain.Statement, done domain.Completion[domain.ExecResult]) {
	go func() {
		t.mu.Lock()
		res, err := apply(t.st, stmt)
		t.mu.Unlock()
		done(res, err)
	}()
}

func (t *tx) ExecBatch(ctx context.Context, stmts []domain.Statement, done domain.Completion[[]domain.ExecResult]) {
	go func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		results := make([]domain.ExecResult, 0, len(stmts))
		for _, stmt := range stmts {
			res, err := apply(t.st, stmt)
			if err != nil {
				done(nil, err)
				return
			}
			results = append(results, res)
		}
		done(results, nil)
	}()
}

func (t *tx) Query(ctx context.Context, stmt domain.Statement) domain.RowSource {
	t.mu.Lock()
	rows, err := query(t.st, stmt)
	t.mu.Unlock()
	return &rowSource{rows: rows, err: err}
}

func (t *tx) Commit(ctx context.Context, done domain.Completion[struct{}]) {
	go func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.ended {
			done(struct{}{}, fmt.Errorf("memory: transaction already ended"))
			return
		}
		t.ended = true
		t.driver.mu.Lock()
		t.driver.st = t.st
		t.driver.mu.Unlock()
		done(struct{}{}, nil)
	}()
}

func (t *tx) Rollback(ctx context.Context, done domain.Completion[struct{}]) {
	go func() {
		t.mu.Lock()
		t.ended = true
		t.mu.Unlock()
		done(struct{}{}, nil)
	}()
}

// apply interprets one structured statement against the state.
func apply(st *state, stmt domain.Statement) (domain.ExecResult, error) {
	switch stmt.Kind {
	case domain.StatementSequence:
		st.sequences[stmt.Returning]++
		return domain.ExecResult{GeneratedKey: st.sequences[stmt.Returning]}, nil
	case domain.StatementInsert:
		return applyInsert(st, stmt)
	case domain.StatementUpdate:
		return applyUpdate(st, stmt)
	case domain.StatementDelete:
		return applyDelete(st, stmt)
	default:
		return domain.ExecResult{}, fmt.Errorf("memory: cannot execute %s statement", stmt.Kind)
	}
}

func applyInsert(st *state, stmt domain.Statement) (domain.ExecResult, error) {
	t := st.tableFor(stmt)
	row := make(domain.Row, len(stmt.Columns)+1)
	for i, col := range stmt.Columns {
		row[col] = stmt.Args[i]
	}
	var generated any
	if stmt.Returning != "" {
		st.autoinc[stmt.Table]++
		generated = st.autoinc[stmt.Table]
		row[stmt.KeyColumn] = generated
	}
	key, ok := row[stmt.KeyColumn]
	if !ok {
		return domain.ExecResult{}, fmt.Errorf("memory: insert into %s carries no key", stmt.Table)
	}
	ks := keyString(key)
	if _, exists := t.rows[ks]; exists {
		return domain.ExecResult{}, domain.ConstraintViolationError{
			Constraint: stmt.Table + "_pkey",
			Err:        fmt.Errorf("duplicate key %v", key),
		}
	}
	t.rows[ks] = row
	return domain.ExecResult{RowsAffected: 1, GeneratedKey: generated}, nil
}

func applyUpdate(st *state, stmt domain.Statement) (domain.ExecResult, error) {
	t := st.tableFor(stmt)
	row, ok := matchRow(t, stmt)
	if !ok {
		return domain.ExecResult{RowsAffected: 0}, nil
	}
	for i, col := range stmt.Columns {
		row[col] = stmt.Args[i]
	}
	if stmt.Version != nil {
		row[stmt.Version.Column] = stmt.Version.Value + 1
	}
	return domain.ExecResult{RowsAffected: 1}, nil
}

func applyDelete(st *state, stmt domain.Statement) (domain.ExecResult, error) {
	t := st.tableFor(stmt)
	row, ok := matchRow(t, stmt)
	if !ok {
		return domain.ExecResult{RowsAffected: 0}, nil
	}
	delete(t.rows, keyString(row[stmt.KeyColumn]))
	return domain.ExecResult{RowsAffected: 1}, nil
}

// matchRow finds the row satisfying the key and version predicates.
func matchRow(t *table, stmt domain.Statement) (domain.Row, bool) {
	key, ok := stmt.Key[t.keyColumn]
	if !ok {
		return nil, false
	}
	row, ok := t.rows[keyString(key)]
	if !ok {
		return nil, false
	}
	if stmt.Version != nil {
		if current, _ := row[stmt.Version.Column].(int64); current != stmt.Version.Value {
			return nil, false
		}
	}
	return row, true
}

func query(st *state, stmt domain.Statement) ([]domain.Row, error) {
	if stmt.Kind != domain.StatementSelect || len(stmt.Key) == 0 {
		return nil, fmt.Errorf("memory: only structured by-key selects are supported")
	}
	t, ok := st.tables[stmt.Table]
	if !ok {
		return nil, nil
	}
	row, ok := matchRow(t, stmt)
	if !ok {
		return nil, nil
	}
	copied := make(domain.Row, len(row))
	for col, v := range row {
		copied[col] = v
	}
	return []domain.Row{copied}, nil
}

// rowSource serves pre-materialized rows; pull pacing is trivial here but
// keeps the contract identical to the SQL drivers.
type rowSource struct {
	rows []domain.Row
	i    int
	err  error
}

func (r *rowSource) Next(ctx context.Context) (domain.Row, bool, error) {
	if r.err != nil {
		return nil, false, r.err
	}
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if r.i >= len(r.rows) {
		return nil, false, nil
	}
	row := r.rows[r.i]
	r.i++
	return row, true, nil
}

func (r *rowSource) Close() error { return nil }
