package domain

import "context"

// StatementKind tags the operation a Statement performs.
type StatementKind string

const (
	StatementInsert   StatementKind = "insert"
	StatementUpdate   StatementKind = "update"
	StatementDelete   StatementKind = "delete"
	StatementSelect   StatementKind = "select"
	StatementSequence StatementKind = "sequence"
)

// Statement is one planned database operation. SQL drivers execute the SQL
// text; the in-memory driver interprets the structured mirror instead, so the
// two stay in lockstep without an SQL parser.
type Statement struct {
	Kind StatementKind
	SQL  string
	Args []any

	// Structured mirror of the statement.
	Table     string
	Columns   []string       // value columns, order matches the Args prefix
	KeyColumn string         // primary-key column of Table
	Key       map[string]any // key predicate for update/delete/select
	// Version, when set, adds an optimistic predicate: the statement must
	// only affect a row whose version column equals Value.
	Version *VersionPredicate
	// Returning is the column whose database-generated value the driver must
	// report back (generated keys), or the sequence name for
	// StatementSequence.
	Returning string
}

// VersionPredicate is the optimistic-lock clause of a versioned statement.
type VersionPredicate struct {
	Column string
	Value  int64
}

// ExecResult is the single outcome of one executed statement.
type ExecResult struct {
	RowsAffected int64
	GeneratedKey any
}

// Row is one result row keyed by column name.
type Row map[string]any

// RowSource is a finite, non-restartable sequence of rows. Next is pull
// paced: the driver fetches the following row only when asked, which is the
// backpressure contract for the stream calling convention.
type RowSource interface {
	Next(ctx context.Context) (Row, bool, error)
	Close() error
}

// Completion receives the single outcome of an asynchronous driver call. It
// is invoked from the driver's completion goroutine; implementations must not
// block it.
type Completion[T any] func(T, error)

// Executor is the statement-execution surface shared by a connection and a
// transaction. All calls return immediately; outcomes arrive via completion.
type Executor interface {
	// ExecOne runs a single statement.
	ExecOne(ctx context.Context, stmt Statement, done Completion[ExecResult])
	// ExecBatch runs structurally identical statements as one round trip,
	// preserving their relative order, and reports one result per statement.
	ExecBatch(ctx context.Context, stmts []Statement, done Completion[[]ExecResult])
	// Query starts a multi-row read and returns its pull-paced row source.
	Query(ctx context.Context, stmt Statement) RowSource
}

// Tx is an open database transaction.
type Tx interface {
	Executor
	Commit(ctx context.Context, done Completion[struct{}])
	Rollback(ctx context.Context, done Completion[struct{}])
}

// Driver is the non-blocking database collaborator. Implementations own the
// goroutines that perform I/O; no method blocks the caller.
type Driver interface {
	Executor
	Begin(ctx context.Context, done Completion[Tx])
	Close(ctx context.Context) error
}
