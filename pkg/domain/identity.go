package domain

import "fmt"

// Identity names one managed row: the entity type plus its primary key.
// Key must be comparable; it is used as a map key inside the persistence
// context.
type Identity struct {
	Type string
	Key  any
}

// PendingKey is a placeholder primary key for a new entity whose real key is
// produced later (by a sequence round trip or by the database on insert).
// Each pending key is unique within its unit of work.
type PendingKey struct {
	Seq uint64
}

// Pending reports whether the identity still awaits a generated key.
func (id Identity) Pending() bool {
	_, ok := id.Key.(PendingKey)
	return ok
}

func (id Identity) String() string {
	if id.Pending() {
		return fmt.Sprintf("%s#pending-%d", id.Type, id.Key.(PendingKey).Seq)
	}
	return fmt.Sprintf("%s#%v", id.Type, id.Key)
}
