package core

import (
	"fmt"
	"strings"

	"unitwork/pkg/domain"
)

// Statement text uses $n placeholders (pgx native). The sqlite adapter
// rewrites them to ?; the memory adapter interprets the structured mirror and
// ignores the text entirely.

// insertStatement renders an insert action. Returning names the key column
// when the database assigns it on insert.
func insertStatement(a *Action, returning string) domain.Statement {
	cols := a.columnsOf()
	args := make([]any, 0, len(cols))
	ph := make([]string, 0, len(cols))
	for i, col := range cols {
		args = append(args, a.Values[col])
		ph = append(ph, fmt.Sprintf("$%d", i+1))
	}
	sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		a.Type.Table, strings.Join(cols, ", "), strings.Join(ph, ", "))
	if returning != "" {
		sql += " RETURNING " + returning
	}
	return domain.Statement{
		Kind:      domain.StatementInsert,
		SQL:       sql,
		Args:      args,
		Table:     a.Type.Table,
		Columns:   cols,
		KeyColumn: a.Type.ID.Field.Column,
		Returning: returning,
	}
}

// updateStatement renders an update action; versioned types get the
// optimistic predicate and the version bump in the SET list.
func updateStatement(a *Action) domain.Statement {
	cols := a.columnsOf()
	args := make([]any, 0, len(cols)+3)
	sets := make([]string, 0, len(cols)+1)
	n := 0
	for _, col := range cols {
		n++
		sets = append(sets, fmt.Sprintf("%s = $%d", col, n))
		args = append(args, a.Values[col])
	}
	var version *domain.VersionPredicate
	if a.ExpectVersion >= 0 {
		n++
		sets = append(sets, fmt.Sprintf("%s = $%d", a.Type.Version.Column, n))
		args = append(args, a.NextVersion)
	}
	n++
	where := fmt.Sprintf("%s = $%d", a.Type.ID.Field.Column, n)
	args = append(args, a.Identity.Key)
	if a.ExpectVersion >= 0 {
		n++
		where += fmt.Sprintf(" AND %s = $%d", a.Type.Version.Column, n)
		args = append(args, a.ExpectVersion)
		version = &domain.VersionPredicate{Column: a.Type.Version.Column, Value: a.ExpectVersion}
	}
	return domain.Statement{
		Kind:      domain.StatementUpdate,
		SQL:       fmt.Sprintf("UPDATE %s SET %s WHERE %s", a.Type.Table, strings.Join(sets, ", "), where),
		Args:      args,
		Table:     a.Type.Table,
		Columns:   cols,
		KeyColumn: a.Type.ID.Field.Column,
		Key:       map[string]any{a.Type.ID.Field.Column: a.Identity.Key},
		Version:   version,
	}
}

// deleteStatement renders a delete action with the optimistic predicate when
// the type is versioned.
func deleteStatement(a *Action) domain.Statement {
	args := []any{a.Identity.Key}
	where := fmt.Sprintf("%s = $1", a.Type.ID.Field.Column)
	var version *domain.VersionPredicate
	if a.ExpectVersion >= 0 {
		where += fmt.Sprintf(" AND %s = $2", a.Type.Version.Column)
		args = append(args, a.ExpectVersion)
		version = &domain.VersionPredicate{Column: a.Type.Version.Column, Value: a.ExpectVersion}
	}
	return domain.Statement{
		Kind:      domain.StatementDelete,
		SQL:       fmt.Sprintf("DELETE FROM %s WHERE %s", a.Type.Table, where),
		Args:      args,
		Table:     a.Type.Table,
		KeyColumn: a.Type.ID.Field.Column,
		Key:       map[string]any{a.Type.ID.Field.Column: a.Identity.Key},
		Version:   version,
	}
}

// selectStatement renders a by-key load of every mapped column.
func selectStatement(t *domain.EntityType, key any, forUpdate bool) domain.Statement {
	cols := selectColumns(t)
	sql := fmt.Sprintf("SELECT %s FROM %s WHERE %s = $1",
		strings.Join(cols, ", "), t.Table, t.ID.Field.Column)
	if forUpdate {
		sql += " FOR UPDATE"
	}
	return domain.Statement{
		Kind:      domain.StatementSelect,
		SQL:       sql,
		Args:      []any{key},
		Table:     t.Table,
		Columns:   cols,
		KeyColumn: t.ID.Field.Column,
		Key:       map[string]any{t.ID.Field.Column: key},
	}
}

// selectColumns lists every column the engine reads for a type: key, mapped
// fields, owning foreign keys, and the version column.
func selectColumns(t *domain.EntityType) []string {
	cols := []string{t.ID.Field.Column}
	for _, f := range t.Fields {
		cols = append(cols, f.Column)
	}
	for _, a := range t.Associations {
		if a.Owning() {
			cols = append(cols, a.FKColumn)
		}
	}
	if t.Version != nil {
		cols = append(cols, t.Version.Column)
	}
	return cols
}

// sequenceStatement renders a round-trip key fetch. SQL databases with real
// sequences run the text; others interpret the structured form against their
// generator mechanism.
func sequenceStatement(a *Action) domain.Statement {
	return domain.Statement{
		Kind:      domain.StatementSequence,
		SQL:       fmt.Sprintf("SELECT nextval('%s')", a.Type.ID.Sequence),
		Table:     a.Type.Table,
		Returning: a.Type.ID.Sequence,
	}
}
