package core

import (
	"fmt"
	"sort"

	"unitwork/pkg/domain"
)

// ActionKind tags one planned atomic database operation.
type ActionKind int

const (
	// ActionIDFetch runs a round-trip identifier generation (sequence or
	// generator table) ahead of the insert that needs the key.
	ActionIDFetch ActionKind = iota
	ActionInsert
	ActionUpdate
	ActionDelete
)

func (k ActionKind) String() string {
	switch k {
	case ActionIDFetch:
		return "idfetch"
	case ActionInsert:
		return "insert"
	case ActionUpdate:
		return "update"
	case ActionDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Action is a planned, atomic database operation. Actions are value objects
// built fresh by each flush and never survive it.
type Action struct {
	Kind     ActionKind
	Type     *domain.EntityType
	Identity domain.Identity
	// Values holds the full column set for inserts and the delta for
	// updates; values may be pendingValue placeholders resolved at execution
	// time.
	Values map[string]any
	// ExpectVersion is the optimistic predicate (-1 when unversioned).
	ExpectVersion int64
	// NextVersion is the version written by a versioned insert or update.
	NextVersion int64

	// fkRefs maps foreign-key columns to the identity they reference, for
	// dependency-edge construction.
	fkRefs map[string]domain.Identity
	// depIDs are same-kind identity-level dependencies recorded while the
	// planner builds the delete graph.
	depIDs []domain.Identity
	// deps are plan positions this action must follow; the executor checks
	// them when coalescing batches.
	deps []int
	// entry is the context entry this action synchronizes.
	entry *Entry
}

// columnsOf returns the action's value columns in a stable order; the batch
// coalescing shape check and generated SQL both use it.
func (a *Action) columnsOf() []string {
	cols := make([]string, 0, len(a.Values))
	for col := range a.Values {
		cols = append(cols, col)
	}
	sort.Strings(cols)
	return cols
}

// sameShape reports whether two actions can share one batched statement:
// same kind, same table, same column set, same version handling.
func sameShape(a, b *Action) bool {
	if a.Kind != b.Kind || a.Type != b.Type {
		return false
	}
	if (a.ExpectVersion >= 0) != (b.ExpectVersion >= 0) {
		return false
	}
	ac, bc := a.columnsOf(), b.columnsOf()
	if len(ac) != len(bc) {
		return false
	}
	for i := range ac {
		if ac[i] != bc[i] {
			return false
		}
	}
	return true
}

func (a *Action) describe() string {
	return fmt.Sprintf("%s %s", a.Kind, a.Identity)
}
