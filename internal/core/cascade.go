package core

import (
	"fmt"

	"unitwork/pkg/domain"
)

// cascadeTarget is one (object, operation) pair produced by cascade
// resolution.
type cascadeTarget struct {
	Obj  any
	Type *domain.EntityType
	Op   domain.Cascade
}

// resolveCascade walks the association graph depth-first from root and
// returns the root plus every reachable object whose association policy
// includes op, in visit order. A visited set keyed on the live object makes
// traversal terminate on cyclic graphs; each object is visited at most once.
func (c *Context) resolveCascade(root any, t *domain.EntityType, op domain.Cascade) ([]cascadeTarget, error) {
	visited := make(map[any]struct{})
	var out []cascadeTarget

	var walk func(obj any, et *domain.EntityType) error
	walk = func(obj any, et *domain.EntityType) error {
		if _, seen := visited[obj]; seen {
			return nil
		}
		visited[obj] = struct{}{}
		out = append(out, cascadeTarget{Obj: obj, Type: et, Op: op})
		for _, a := range et.Associations {
			if !a.Cascade.Includes(op) {
				continue
			}
			target, ok := c.registry.Type(a.Target)
			if !ok {
				return fmt.Errorf("association %s.%s: unknown target %s", et.Name, a.Name, a.Target)
			}
			for _, child := range a.Collect(obj) {
				if child == nil {
					continue
				}
				if err := walk(child, target); err != nil {
					return err
				}
			}
		}
		return nil
	}
	if err := walk(root, t); err != nil {
		return nil, err
	}
	return out, nil
}

// orphanIdentities compares an entry's recorded child identities against the
// live object's current ones and returns the children dropped from
// exclusively-owning associations. Those receive a remove even without an
// explicit request.
func (c *Context) orphanIdentities(e *Entry) []domain.Identity {
	if e.Children == nil {
		return nil
	}
	current := c.collectChildren(e.Type, e.Live)
	var orphans []domain.Identity
	for assoc, before := range e.Children {
		now := make(map[domain.Identity]struct{})
		for _, id := range current[assoc] {
			now[id] = struct{}{}
		}
		for _, id := range before {
			if _, still := now[id]; !still {
				orphans = append(orphans, id)
			}
		}
	}
	sortIdentities(c.registry, orphans)
	return orphans
}
