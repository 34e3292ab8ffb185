// Package postgres runs engine statements against PostgreSQL over a pgx
// connection pool. Statement batches use the pgx batch protocol so one flush
// window is one network round trip.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"unitwork/pkg/domain"
)

// Driver executes statements on a pgx pool. Every call completes on its own
// goroutine; the caller is never blocked on network I/O.
type Driver struct {
	pool *pgxpool.Pool
}

var _ domain.Driver = (*Driver)(nil)

// Open connects to the database at dsn and verifies the connection.
func Open(ctx context.Context, dsn string) (*Driver, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Driver{pool: pool}, nil
}

// Pool exposes the underlying pool for schema setup in tests and tools.
func (d *Driver) Pool() *pgxpool.Pool { return d.pool }

// classify maps SQLSTATE classes onto the engine's error taxonomy:
// 23xxx is an integrity violation, 08xxx a connection failure.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "23"):
			return domain.ConstraintViolationError{Constraint: pgErr.ConstraintName, Err: err}
		case strings.HasPrefix(pgErr.Code, "08"):
			return domain.ConnectionError{Err: err}
		}
	}
	return err
}

// exec is the shared query surface of pool, conn, and tx.
type exec interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

func execOne(ctx context.Context, q exec, stmt domain.Statement) (domain.ExecResult, error) {
	if returnsKey(stmt) {
		var key int64
		if err := q.QueryRow(ctx, stmt.SQL, stmt.Args...).Scan(&key); err != nil {
			return domain.ExecResult{}, classify(err)
		}
		return domain.ExecResult{RowsAffected: 1, GeneratedKey: key}, nil
	}
	tag, err := q.Exec(ctx, stmt.SQL, stmt.Args...)
	if err != nil {
		return domain.ExecResult{}, classify(err)
	}
	return domain.ExecResult{RowsAffected: tag.RowsAffected()}, nil
}

// returnsKey reports whether the statement produces a generated value the
// executor must scan: a RETURNING insert or a sequence fetch.
func returnsKey(stmt domain.Statement) bool {
	switch stmt.Kind {
	case domain.StatementSequence:
		return true
	case domain.StatementInsert:
		return stmt.Returning != ""
	}
	return false
}

func execBatch(ctx context.Context, q exec, stmts []domain.Statement) ([]domain.ExecResult, error) {
	batch := &pgx.Batch{}
	for _, stmt := range stmts {
		batch.Queue(stmt.SQL, stmt.Args...)
	}
	br := q.SendBatch(ctx, batch)
	defer func() { _ = br.Close() }()
	results := make([]domain.ExecResult, 0, len(stmts))
	for _, stmt := range stmts {
		if returnsKey(stmt) {
			var key int64
			if err := br.QueryRow().Scan(&key); err != nil {
				return nil, classify(err)
			}
			results = append(results, domain.ExecResult{RowsAffected: 1, GeneratedKey: key})
			continue
		}
		tag, err := br.Exec()
		if err != nil {
			return nil, classify(err)
		}
		results = append(results, domain.ExecResult{RowsAffected: tag.RowsAffected()})
	}
	return results, nil
}

func (d *Driver) ExecOne(ctx context.Context, stmt domain.Statement, done domain.Completion[domain.ExecResult]) {
	go func() { done(execOne(ctx, d.pool, stmt)) }()
}

func (d *Driver) ExecBatch(ctx context.Context, stmts []domain.Statement, done domain.Completion[[]domain.ExecResult]) {
	go func() { done(execBatch(ctx, d.pool, stmts)) }()
}

func (d *Driver) Query(ctx context.Context, stmt domain.Statement) domain.RowSource {
	return &rowSource{ctx: ctx, q: d.pool, stmt: stmt}
}

func (d *Driver) Begin(ctx context.Context, done domain.Completion[domain.Tx]) {
	go func() {
		pgTx, err := d.pool.Begin(ctx)
		if err != nil {
			done(nil, domain.ConnectionError{Err: err})
			return
		}
		done(&tx{tx: pgTx}, nil)
	}()
}

func (d *Driver) Close(ctx context.Context) error {
	d.pool.Close()
	return nil
}

type tx struct {
	tx pgx.Tx
}

var _ domain.Tx = (*tx)(nil)

func (t *tx) ExecOne(ctx context.Context, stmt domain.Statement, done domain.Completion[domain.ExecResult]) {
	go func() { done(execOne(ctx, t.tx, stmt)) }()
}

func (t *tx) ExecBatch(ctx context.Context, stmts []domain.Statement, done domain.Completion[[]domain.ExecResult]) {
	go func() { done(execBatch(ctx, t.tx, stmts)) }()
}

func (t *tx) Query(ctx context.Context, stmt domain.Statement) domain.RowSource {
	return &rowSource{ctx: ctx, q: t.tx, stmt: stmt}
}

func (t *tx) Commit(ctx context.Context, done domain.Completion[struct{}]) {
	go func() { done(struct{}{}, classify(t.tx.Commit(ctx))) }()
}

func (t *tx) Rollback(ctx context.Context, done domain.Completion[struct{}]) {
	go func() { done(struct{}{}, classify(t.tx.Rollback(ctx))) }()
}

// rowSource opens the query on first pull and then yields one row per Next
// call, which keeps the driver's fetch pace bound to the consumer's.
type rowSource struct {
	ctx    context.Context
	q      exec
	stmt   domain.Statement
	rows   pgx.Rows
	names  []string
	failed error
}

func (r *rowSource) Next(ctx context.Context) (domain.Row, bool, error) {
	if r.failed != nil {
		return nil, false, r.failed
	}
	if r.rows == nil {
		rows, err := r.q.Query(r.ctx, r.stmt.SQL, r.stmt.Args...)
		if err != nil {
			r.failed = classify(err)
			return nil, false, r.failed
		}
		r.rows = rows
		for _, fd := range rows.FieldDescriptions() {
			r.names = append(r.names, fd.Name)
		}
	}
	if !r.rows.Next() {
		if err := r.rows.Err(); err != nil {
			r.failed = classify(err)
			return nil, false, r.failed
		}
		return nil, false, nil
	}
	values, err := r.rows.Values()
	if err != nil {
		r.failed = err
		return nil, false, err
	}
	row := make(domain.Row, len(r.names))
	for i, name := range r.names {
		row[name] = values[i]
	}
	return row, true, nil
}

func (r *rowSource) Close() error {
	if r.rows != nil {
		r.rows.Close()
	}
	return nil
}
