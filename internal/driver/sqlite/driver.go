// Package sqlite adapts the engine's driver contract onto a SQLite database
// using the pure-Go modernc driver. SQLite has no sequences and no row
// locks, so sequence fetches go through a generator table and FOR UPDATE is
// stripped.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"unitwork/pkg/domain"
)

const sequenceTable = `CREATE TABLE IF NOT EXISTS unitwork_sequences (
	name TEXT PRIMARY KEY,
	value INTEGER NOT NULL
)`

// Driver runs statements against SQLite. Every call completes on its own
// goroutine; the caller is never blocked on database I/O.
type Driver struct {
	db *sql.DB
}

var _ domain.Driver = (*Driver)(nil)

// Open opens (or creates) the database at path and prepares the sequence
// generator table.
func Open(path string) (*Driver, error) {
	if path == "" {
		path = "unitwork.db"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(sequenceTable); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create sequence table: %w", err)
	}
	return &Driver{db: db}, nil
}

// DB exposes the underlying handle for schema setup in tests and tools.
func (d *Driver) DB() *sql.DB { return d.db }

var placeholder = regexp.MustCompile(`\$\d+`)

// rewrite converts engine SQL ($n placeholders, optional FOR UPDATE) into
// the SQLite dialect. Generated statements list placeholders in argument
// order, so positional ? substitution is safe.
func rewrite(sqlText string) string {
	out := placeholder.ReplaceAllString(sqlText, "?")
	return strings.TrimSuffix(out, " FOR UPDATE")
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "constraint") {
		return domain.ConstraintViolationError{Err: err}
	}
	if errors.Is(err, sql.ErrConnDone) || strings.Contains(msg, "unable to open") {
		return domain.ConnectionError{Err: err}
	}
	return err
}

func (d *Driver) ExecOne(ctx context.Context, stmt domain.Statement, done domain.Completion[domain.ExecResult]) {
	go func() { done(execOne(ctx, d.db, stmt)) }()
}

func (d *Driver) ExecBatch(ctx context.Context, stmts []domain.Statement, done domain.Completion[[]domain.ExecResult]) {
	go func() {
		results := make([]domain.ExecResult, 0, len(stmts))
		for _, stmt := range stmts {
			res, err := execOne(ctx, d.db, stmt)
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
	return &rowSource{ctx: ctx, q: d.db, stmt: stmt}
}

func (d *Driver) Begin(ctx context.Context, done domain.Completion[domain.Tx]) {
	go func() {
		sqlTx, err := d.db.BeginTx(ctx, nil)
		if err != nil {
			done(nil, domain.ConnectionError{Err: err})
			return
		}
		done(&tx{tx: sqlTx}, nil)
	}()
}

func (d *Driver) Close(ctx context.Context) error { return d.db.Close() }

// querier is the subset of sql.DB and sql.Tx the adapter needs.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func execOne(ctx context.Context, q querier, stmt domain.Statement) (domain.ExecResult, error) {
	if stmt.Kind == domain.StatementSequence {
		return nextSequence(ctx, q, stmt.Returning)
	}
	if stmt.Kind == domain.StatementInsert && stmt.Returning != "" {
		var key int64
		err := q.QueryRowContext(ctx, rewrite(stmt.SQL), stmt.Args...).Scan(&key)
		if err != nil {
			return domain.ExecResult{}, classify(err)
		}
		return domain.ExecResult{RowsAffected: 1, GeneratedKey: key}, nil
	}
	res, err := q.ExecContext(ctx, rewrite(stmt.SQL), stmt.Args...)
	if err != nil {
		return domain.ExecResult{}, classify(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return domain.ExecResult{}, err
	}
	return domain.ExecResult{RowsAffected: affected}, nil
}

// nextSequence emulates a database sequence with an upsert on the generator
// table.
func nextSequence(ctx context.Context, q querier, name string) (domain.ExecResult, error) {
	var value int64
	err := q.QueryRowContext(ctx, `INSERT INTO unitwork_sequences (name, value) VALUES (?, 1)
		ON CONFLICT(name) DO UPDATE SET value = value + 1
		RETURNING value`, name).Scan(&value)
	if err != nil {
		return domain.ExecResult{}, classify(err)
	}
	return domain.ExecResult{GeneratedKey: value}, nil
}

type tx struct {
	tx *sql.Tx
}

var _ domain.Tx = (*tx)(nil)

func (t *tx) ExecOne(ctx context.Context, stmt domain.Statement, done domain.Completion[domain.ExecResult]) {
	go func() { done(execOne(ctx, t.tx, stmt)) }()
}

func (t *tx) ExecBatch(ctx context.Context, stmts []domain.Statement, done domain.Completion[[]domain.ExecResult]) {
	go func() {
		results := make([]domain.ExecResult, 0, len(stmts))
		for _, stmt := range stmts {
			res, err := execOne(ctx, t.tx, stmt)
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
	return &rowSource{ctx: ctx, q: t.tx, stmt: stmt}
}

func (t *tx) Commit(ctx context.Context, done domain.Completion[struct{}]) {
	go func() { done(struct{}{}, classify(t.tx.Commit())) }()
}

func (t *tx) Rollback(ctx context.Context, done domain.Completion[struct{}]) {
	go func() { done(struct{}{}, classify(t.tx.Rollback())) }()
}

// rowSource opens the underlying query lazily on first pull and then hands
// out one row per Next call.
type rowSource struct {
	ctx     context.Context
	q       querier
	stmt    domain.Statement
	rows    *sql.Rows
	columns []string
	failed  error
}

func (r *rowSource) Next(ctx context.Context) (domain.Row, bool, error) {
	if r.failed != nil {
		return nil, false, r.failed
	}
	if r.rows == nil {
		rows, err := r.q.QueryContext(r.ctx, rewrite(r.stmt.SQL), r.stmt.Args...)
		if err != nil {
			r.failed = classify(err)
			return nil, false, r.failed
		}
		cols, err := rows.Columns()
		if err != nil {
			_ = rows.Close()
			r.failed = err
			return nil, false, err
		}
		r.rows, r.columns = rows, cols
	}
	if !r.rows.Next() {
		if err := r.rows.Err(); err != nil {
			r.failed = classify(err)
			return nil, false, r.failed
		}
		return nil, false, nil
	}
	values := make([]any, len(r.columns))
	ptrs := make([]any, len(r.columns))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := r.rows.Scan(ptrs...); err != nil {
		r.failed = err
		return nil, false, err
	}
	row := make(domain.Row, len(r.columns))
	for i, col := range r.columns {
		row[col] = values[i]
	}
	return row, true, nil
}

func (r *rowSource) Close() error {
	if r.rows != nil {
		return r.rows.Close()
	}
	return nil
}
