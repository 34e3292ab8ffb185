package core

import (
	"unitwork/pkg/domain"
)

// EntryState is the lifecycle tag of one managed object within a unit of
// work.
type EntryState int

// An object with no entry at all is transient: the context only ever tracks
// objects some operation has introduced.
const (
	// EntryManaged marks an object tracked for dirty checking and flush.
	EntryManaged EntryState = iota
	// EntryRemoved marks an object scheduled for deletion; the entry is
	// forgotten only after its delete action executes.
	EntryRemoved
	// EntryDetached marks an object released from tracking.
	EntryDetached
	// EntryReadOnly marks an object excluded from dirty checking and flush.
	EntryReadOnly
)

func (s EntryState) String() string {
	switch s {
	case EntryManaged:
		return "managed"
	case EntryRemoved:
		return "removed"
	case EntryDetached:
		return "detached"
	case EntryReadOnly:
		return "read-only"
	default:
		return "unknown"
	}
}

// Entry is the per-unit-of-work record of one managed object: identity,
// state tag, the snapshot used for dirty diffing, and the optimistic version.
//
// Live is a non-owning reference: the context tracks metadata about the
// caller's object but never controls its lifetime, and traversal always goes
// through the identity-keyed table rather than the object graph.
type Entry struct {
	ID    domain.Identity
	Type  *domain.EntityType
	State EntryState
	Live  any

	// Snapshot holds the last persisted column values; nil for entries whose
	// insert has not executed yet.
	Snapshot map[string]any
	// Children records, per orphan-owning association, the child identities
	// present when the snapshot was taken.
	Children map[string][]domain.Identity

	Version int64

	// pendingInsert is set from registration until the insert action
	// succeeds.
	pendingInsert bool
	// forceIncrement schedules a version bump at next flush even when no
	// column changed (optimistic force-increment lock).
	forceIncrement bool
	// dirtyHint is set by MarkDirty; the flush still performs a field diff,
	// the hint only widens the scan to entries the caller touched.
	dirtyHint bool
}

// Versioned reports whether the entry's type carries an optimistic version
// column.
func (e *Entry) Versioned() bool { return e.Type.Version != nil }
