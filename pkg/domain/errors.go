package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for state-machine misuse.
var (
	// ErrSessionClosed is returned by every operation issued after Close.
	ErrSessionClosed = errors.New("unitwork: session is closed")
	// ErrInvalidState is returned when an operation is issued in a session
	// state that does not permit it (e.g. a second flush while one runs).
	ErrInvalidState = errors.New("unitwork: operation not valid in current session state")
	// ErrPoolExhausted is returned when the driver gate's wait queue is full.
	ErrPoolExhausted = errors.New("unitwork: connection pool exhausted")
)

// IdentityConflictError reports a second managed instance registered for an
// identity already present in the persistence context.
type IdentityConflictError struct {
	Identity Identity
}

func (e IdentityConflictError) Error() string {
	return fmt.Sprintf("unitwork: identity %s already managed by this unit of work", e.Identity)
}

// UnresolvableCycleError reports an insert dependency cycle with no nullable
// foreign-key edge to break it.
type UnresolvableCycleError struct {
	Identities []Identity
}

func (e UnresolvableCycleError) Error() string {
	return fmt.Sprintf("unitwork: unresolvable foreign-key cycle among %d entities", len(e.Identities))
}

// StaleStateError reports an optimistic-lock failure: a versioned update or
// delete affected zero rows.
type StaleStateError struct {
	Identity        Identity
	ExpectedVersion int64
}

func (e StaleStateError) Error() string {
	return fmt.Sprintf("unitwork: stale state for %s (expected version %d)", e.Identity, e.ExpectedVersion)
}

// ConstraintViolationError wraps a driver-reported integrity failure.
type ConstraintViolationError struct {
	Constraint string
	Err        error
}

func (e ConstraintViolationError) Error() string {
	if e.Constraint != "" {
		return fmt.Sprintf("unitwork: constraint %s violated: %v", e.Constraint, e.Err)
	}
	return fmt.Sprintf("unitwork: constraint violated: %v", e.Err)
}

func (e ConstraintViolationError) Unwrap() error { return e.Err }

// ConnectionError wraps a pool or transport failure between the engine and
// the database.
type ConnectionError struct {
	Err error
}

func (e ConnectionError) Error() string {
	return fmt.Sprintf("unitwork: connection failure: %v", e.Err)
}

func (e ConnectionError) Unwrap() error { return e.Err }
