package core

import (
	"context"
	"fmt"
	"log/slog"

	"unitwork/pkg/domain"
)

// executor runs one flush plan against a statement executor (connection or
// transaction). It is built fresh per flush and runs entirely on the
// scheduled flush goroutine: actions execute one at a time, awaiting each
// driver completion before the next round trip.
type executor struct {
	exec    domain.Executor
	pc      *Context
	logger  *slog.Logger
	metrics MetricsRecorder
}

// run executes the plan strictly in order across dependencies, coalescing
// adjacent same-shape independent actions into batches. The first failure
// aborts the remaining plan.
func (x *executor) run(ctx context.Context, plan *Plan) error {
	i := 0
	for i < len(plan.Actions) {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("flush cancelled: %w", err)
		}
		j := x.batchEnd(plan, i)
		var err error
		if j-i > 1 {
			err = x.runBatch(ctx, plan.Actions[i:j])
		} else {
			err = x.runOne(ctx, plan.Actions[i])
		}
		if err != nil {
			return err
		}
		i = j
	}
	return nil
}

// batchEnd extends a window of structurally identical actions starting at i,
// stopping at the first action that differs in shape or depends on a member
// of the window. Relative order inside the window is preserved by the batch.
func (x *executor) batchEnd(plan *Plan, i int) int {
	first := plan.Actions[i]
	if first.Kind == ActionIDFetch {
		return i + 1
	}
	x.resolveForShape(first)
	j := i + 1
	for j < len(plan.Actions) {
		a := plan.Actions[j]
		x.resolveForShape(a)
		if !sameShape(first, a) || dependsOnWindow(a, i, j) {
			break
		}
		j++
	}
	return j
}

// resolveForShape completes an insert's column set once its generated key is
// known, so the shape comparison sees final columns.
func (x *executor) resolveForShape(a *Action) {
	if a.Kind != ActionInsert {
		return
	}
	idCol := a.Type.ID.Field.Column
	if _, ok := a.Values[idCol]; !ok && !a.entry.ID.Pending() {
		a.Values[idCol] = a.entry.ID.Key
	}
}

func dependsOnWindow(a *Action, start, end int) bool {
	for _, d := range a.deps {
		if d >= start && d < end {
			return true
		}
	}
	return false
}

func (x *executor) runOne(ctx context.Context, a *Action) error {
	stmt, err := x.statement(a)
	if err != nil {
		return err
	}
	res, err := await(func(done domain.Completion[domain.ExecResult]) {
		x.exec.ExecOne(ctx, stmt, done)
	})
	if err != nil {
		return fmt.Errorf("execute %s: %w", a.describe(), err)
	}
	x.metrics.ObserveAction(a.Kind.String())
	return x.applyResult(a, res)
}

func (x *executor) runBatch(ctx context.Context, actions []*Action) error {
	stmts := make([]domain.Statement, len(actions))
	for i, a := range actions {
		stmt, err := x.statement(a)
		if err != nil {
			return err
		}
		stmts[i] = stmt
	}
	results, err := await(func(done domain.Completion[[]domain.ExecResult]) {
		x.exec.ExecBatch(ctx, stmts, done)
	})
	if err != nil {
		return fmt.Errorf("execute batch of %d %s actions: %w", len(actions), actions[0].Kind, err)
	}
	if len(results) != len(actions) {
		return fmt.Errorf("driver returned %d results for a batch of %d", len(results), len(actions))
	}
	x.metrics.ObserveBatch(len(actions))
	for i, a := range actions {
		x.metrics.ObserveAction(a.Kind.String())
		if err := x.applyResult(a, results[i]); err != nil {
			return err
		}
	}
	return nil
}

// statement renders an action into its final driver statement, resolving any
// pending key placeholders. Placeholders left pending here indicate a
// planner ordering bug, which is worth failing loudly over.
func (x *executor) statement(a *Action) (domain.Statement, error) {
	if err := resolveValues(a); err != nil {
		return domain.Statement{}, err
	}
	switch a.Kind {
	case ActionIDFetch:
		return sequenceStatement(a), nil
	case ActionInsert:
		returning := ""
		if a.entry.ID.Pending() {
			returning = a.Type.ID.Field.Column
		}
		return insertStatement(a, returning), nil
	case ActionUpdate:
		a.Identity = a.entry.ID
		return updateStatement(a), nil
	case ActionDelete:
		return deleteStatement(a), nil
	default:
		return domain.Statement{}, fmt.Errorf("unknown action kind %d", a.Kind)
	}
}

func resolveValues(a *Action) error {
	for col, v := range a.Values {
		pv, ok := v.(pendingValue)
		if !ok {
			continue
		}
		if pv.entry.ID.Pending() {
			return fmt.Errorf("internal: %s.%s still pending when %s executes", a.Type.Name, col, a.describe())
		}
		a.Values[col] = pv.entry.ID.Key
	}
	return nil
}

// applyResult synchronizes the entry table with a successful statement:
// generated keys rekey their entries, snapshots refresh to the just-written
// values, versions advance, deletes complete the forget.
func (x *executor) applyResult(a *Action, res domain.ExecResult) error {
	e := a.entry
	switch a.Kind {
	case ActionIDFetch, ActionInsert:
		if e.ID.Pending() {
			if res.GeneratedKey == nil {
				return fmt.Errorf("%s: driver returned no generated key", a.describe())
			}
			next := domain.Identity{Type: a.Type.Name, Key: res.GeneratedKey}
			x.pc.rekey(e.ID, next)
			a.Type.ID.Field.Set(e.Live, res.GeneratedKey)
		}
		if a.Kind == ActionIDFetch {
			return nil
		}
		e.pendingInsert = false
		e.Version = a.NextVersion
		if a.Type.Version != nil {
			a.Type.Version.Set(e.Live, a.NextVersion)
		}
		e.Snapshot = snapshotFromValues(a)
		e.Children = x.pc.collectChildren(a.Type, e.Live)
		x.logger.Debug("inserted", "identity", e.ID.String())
	case ActionUpdate:
		if a.ExpectVersion >= 0 && res.RowsAffected == 0 {
			x.metrics.ObserveStale()
			return domain.StaleStateError{Identity: e.ID, ExpectedVersion: a.ExpectVersion}
		}
		if e.Snapshot == nil {
			e.Snapshot = make(map[string]any)
		}
		for col, v := range a.Values {
			e.Snapshot[col] = v
		}
		if a.ExpectVersion >= 0 {
			e.Version = a.NextVersion
			a.Type.Version.Set(e.Live, a.NextVersion)
		}
		e.forceIncrement = false
		e.dirtyHint = false
		e.Children = x.pc.collectChildren(a.Type, e.Live)
		x.logger.Debug("updated", "identity", e.ID.String(), "columns", len(a.Values))
	case ActionDelete:
		if a.ExpectVersion >= 0 && res.RowsAffected == 0 {
			x.metrics.ObserveStale()
			return domain.StaleStateError{Identity: e.ID, ExpectedVersion: a.ExpectVersion}
		}
		x.pc.Forget(e.ID)
		x.logger.Debug("deleted", "identity", e.ID.String())
	}
	return nil
}

// snapshotFromValues copies an insert's written values into a fresh
// snapshot, excluding the key column.
func snapshotFromValues(a *Action) map[string]any {
	snap := make(map[string]any, len(a.Values))
	idCol := a.Type.ID.Field.Column
	for col, v := range a.Values {
		if col == idCol {
			continue
		}
		snap[col] = v
	}
	return snap
}
