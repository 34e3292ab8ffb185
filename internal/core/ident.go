package core

import (
	"fmt"

	"github.com/google/uuid"

	"unitwork/pkg/domain"
)

// generateLocalKey produces a key for strategies that need no database round
// trip, or reports that the key must come from the database instead.
//
// Returns (key, true) when a key was produced locally, (nil, false) when the
// strategy defers to the database (sequence, table, identity).
func generateLocalKey(t *domain.EntityType) (any, bool, error) {
	switch t.ID.Strategy {
	case domain.IDUUID:
		return uuid.NewString(), true, nil
	case domain.IDCustom:
		key, err := t.ID.Generate()
		if err != nil {
			return nil, false, fmt.Errorf("generate key for %s: %w", t.Name, err)
		}
		return key, true, nil
	case domain.IDAssigned:
		return nil, false, fmt.Errorf("%s: assigned-key entity persisted without a key", t.Name)
	default:
		return nil, false, nil
	}
}
