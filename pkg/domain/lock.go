package domain

// LockMode selects the locking behavior of Session.Lock.
type LockMode int

const (
	// LockOptimistic validates that the entity is versioned; the version
	// predicate is checked by the flush as usual.
	LockOptimistic LockMode = iota
	// LockForceIncrement schedules a version bump at the next flush even if
	// no column changed.
	LockForceIncrement
	// LockPessimistic takes a database row lock immediately via
	// SELECT ... FOR UPDATE (dialect permitting).
	LockPessimistic
)

func (m LockMode) String() string {
	switch m {
	case LockOptimistic:
		return "optimistic"
	case LockForceIncrement:
		return "force-increment"
	case LockPessimistic:
		return "pessimistic"
	default:
		return "unknown"
	}
}
