package core

import (
	"fmt"
	"sort"

	"unitwork/pkg/domain"
)

// Plan is the ordered sequence of actions one flush executes. Order is:
// round-trip id fetches, inserts in dependency order, updates, foreign-key
// fixups from cycle breaking, deletes in reverse dependency order. Updates
// always follow inserts, so an update that references a freshly inserted row
// needs no explicit edge.
type Plan struct {
	Actions []*Action
}

// Empty reports whether the flush has nothing to do.
func (p *Plan) Empty() bool { return len(p.Actions) == 0 }

// buildPlan turns the context's dirty, new, and removed entries into an
// ordered plan. Planning detects IdentityConflict-free state by construction;
// its own failure modes (UnresolvableCycle, extraction errors) abort the
// flush before any statement is sent.
func buildPlan(c *Context) (*Plan, error) {
	if err := scanOrphans(c); err != nil {
		return nil, err
	}
	if err := assignLocalKeys(c); err != nil {
		return nil, err
	}

	var idFetches, inserts, updates, deletes []*Action
	for _, e := range c.entriesInOrder() {
		switch {
		case e.State == EntryManaged && e.pendingInsert:
			fetch, insert, err := planInsert(c, e)
			if err != nil {
				return nil, err
			}
			if fetch != nil {
				idFetches = append(idFetches, fetch)
			}
			inserts = append(inserts, insert)
		case e.State == EntryManaged:
			update, err := planUpdate(c, e)
			if err != nil {
				return nil, err
			}
			if update != nil {
				updates = append(updates, update)
			}
		case e.State == EntryRemoved:
			deletes = append(deletes, planDelete(e))
		}
	}

	orderedInserts, fixups, err := orderInserts(c, inserts)
	if err != nil {
		return nil, err
	}
	orderedDeletes := orderDeletes(c, deletes)
	sortActions(c.registry, idFetches)
	sortActions(c.registry, updates)

	plan := &Plan{}
	plan.Actions = append(plan.Actions, idFetches...)
	plan.Actions = append(plan.Actions, orderedInserts...)
	plan.Actions = append(plan.Actions, updates...)
	plan.Actions = append(plan.Actions, fixups...)
	plan.Actions = append(plan.Actions, orderedDeletes...)
	wireDependencies(plan)
	return plan, nil
}

// scanOrphans marks children dropped from exclusively-owning associations as
// removed, cascading removal per their own policies.
func scanOrphans(c *Context) error {
	for _, e := range c.entriesInOrder() {
		if e.State != EntryManaged || e.pendingInsert {
			continue
		}
		for _, orphan := range c.orphanIdentities(e) {
			oe, ok := c.Lookup(orphan)
			if !ok || oe.State == EntryRemoved {
				continue
			}
			targets, err := c.resolveCascade(oe.Live, oe.Type, domain.CascadeRemove)
			if err != nil {
				return err
			}
			for _, t := range targets {
				if te, ok := c.LookupLive(t.Obj); ok && te.State == EntryManaged {
					te.State = EntryRemoved
				}
			}
		}
	}
	return nil
}

// assignLocalKeys rekeys every pending new entry whose strategy needs no
// round trip, before any extraction runs, so foreign keys and dependency
// edges see the final identities.
func assignLocalKeys(c *Context) error {
	for _, e := range c.entriesInOrder() {
		if e.State != EntryManaged || !e.pendingInsert || !e.ID.Pending() {
			continue
		}
		if e.Type.ID.Strategy.RoundTrip() || e.Type.ID.Strategy == domain.IDIdentity {
			continue
		}
		key, local, err := generateLocalKey(e.Type)
		if err != nil {
			return err
		}
		if !local {
			continue
		}
		next := domain.Identity{Type: e.Type.Name, Key: key}
		c.rekey(e.ID, next)
		e.Type.ID.Field.Set(e.Live, key)
	}
	return nil
}

// planInsert builds the insert action for a new entry, scheduling a
// round-trip key fetch when the strategy requires one. Database-assigned
// (identity) keys arrive with the insert result.
func planInsert(c *Context, e *Entry) (fetch, insert *Action, err error) {
	t := e.Type
	if e.ID.Pending() && t.ID.Strategy.RoundTrip() {
		fetch = &Action{Kind: ActionIDFetch, Type: t, Identity: e.ID, ExpectVersion: -1, entry: e}
	}
	values, err := c.extract(t, e.Live)
	if err != nil {
		return nil, nil, err
	}
	if !e.ID.Pending() {
		values[t.ID.Field.Column] = e.ID.Key
	}
	insert = &Action{
		Kind:          ActionInsert,
		Type:          t,
		Identity:      e.ID,
		Values:        values,
		ExpectVersion: -1,
		fkRefs:        collectFKRefs(c, t, e.Live),
		entry:         e,
	}
	if t.Version != nil {
		insert.Values[t.Version.Column] = int64(0)
		insert.NextVersion = 0
	}
	return fetch, insert, nil
}

// planUpdate diffs a managed entry and builds its partial update, or nil when
// the entry is clean and no version bump was requested.
func planUpdate(c *Context, e *Entry) (*Action, error) {
	delta, err := c.dirtyColumns(e)
	if err != nil {
		return nil, err
	}
	if len(delta) == 0 && !e.forceIncrement {
		return nil, nil
	}
	a := &Action{
		Kind:          ActionUpdate,
		Type:          e.Type,
		Identity:      e.ID,
		Values:        delta,
		ExpectVersion: -1,
		fkRefs:        collectFKRefs(c, e.Type, e.Live),
		entry:         e,
	}
	if e.Versioned() {
		a.ExpectVersion = e.Version
		a.NextVersion = e.Version + 1
	}
	return a, nil
}

func planDelete(e *Entry) *Action {
	a := &Action{
		Kind:          ActionDelete,
		Type:          e.Type,
		Identity:      e.ID,
		ExpectVersion: -1,
		entry:         e,
	}
	if e.Versioned() {
		a.ExpectVersion = e.Version
	}
	return a
}

// collectFKRefs maps each owning foreign-key column to the identity it
// references, for dependency edges between actions of the same flush.
func collectFKRefs(c *Context, t *domain.EntityType, obj any) map[string]domain.Identity {
	var refs map[string]domain.Identity
	for _, a := range t.Associations {
		if !a.Owning() {
			continue
		}
		child := firstChild(a, obj)
		if child == nil {
			continue
		}
		target, _ := c.registry.Type(a.Target)
		if id, ok := c.identityOf(target, child); ok {
			if refs == nil {
				refs = make(map[string]domain.Identity)
			}
			refs[a.FKColumn] = id
		}
	}
	return refs
}

// orderInserts topologically sorts insert actions so every referenced row's
// insert precedes every referencing row's insert. Cycles are broken through a
// nullable foreign-key edge: the dependent insert drops that column and a
// fixup update sets it after all inserts; a cycle with no nullable edge is
// unresolvable.
func orderInserts(c *Context, inserts []*Action) (ordered, fixups []*Action, err error) {
	index := make(map[domain.Identity]int, len(inserts))
	for i, a := range inserts {
		index[a.Identity] = i
	}
	for {
		ordered, cycle := kahn(c.registry, inserts, insertDeps(inserts, index))
		if cycle == nil {
			return ordered, fixups, nil
		}
		fixup, broke := breakCycle(c, inserts, index, cycle)
		if !broke {
			ids := make([]domain.Identity, 0, len(cycle))
			for _, i := range cycle {
				ids = append(ids, inserts[i].Identity)
			}
			sortIdentities(c.registry, ids)
			return nil, nil, domain.UnresolvableCycleError{Identities: ids}
		}
		fixups = append(fixups, fixup)
	}
}

// insertDeps computes, per insert, the indexes of inserts it must follow.
func insertDeps(inserts []*Action, index map[domain.Identity]int) [][]int {
	deps := make([][]int, len(inserts))
	for i, a := range inserts {
		for _, ref := range a.fkRefs {
			if j, ok := index[ref]; ok && j != i {
				deps[i] = append(deps[i], j)
			}
		}
	}
	return deps
}

// breakCycle picks the first nullable foreign-key edge within the cycle (in
// deterministic order) and converts it into a deferred fixup update.
func breakCycle(c *Context, inserts []*Action, index map[domain.Identity]int, cycle []int) (*Action, bool) {
	inCycle := make(map[int]struct{}, len(cycle))
	for _, i := range cycle {
		inCycle[i] = struct{}{}
	}
	members := append([]int(nil), cycle...)
	sort.Slice(members, func(x, y int) bool {
		return actionLess(c.registry, inserts[members[x]], inserts[members[y]])
	})
	for _, i := range members {
		a := inserts[i]
		for _, assoc := range a.Type.Associations {
			if !assoc.Owning() || !assoc.Nullable {
				continue
			}
			ref, ok := a.fkRefs[assoc.FKColumn]
			if !ok {
				continue
			}
			j, inPlan := index[ref]
			if !inPlan {
				continue
			}
			if _, cyclic := inCycle[j]; !cyclic {
				continue
			}
			deferred := a.Values[assoc.FKColumn]
			delete(a.Values, assoc.FKColumn)
			delete(a.fkRefs, assoc.FKColumn)
			fixup := &Action{
				Kind:          ActionUpdate,
				Type:          a.Type,
				Identity:      a.Identity,
				Values:        map[string]any{assoc.FKColumn: deferred},
				ExpectVersion: -1,
				entry:         a.entry,
			}
			return fixup, true
		}
	}
	return nil, false
}

// orderDeletes sorts delete actions so referencing rows are deleted before
// the rows they reference. References come from the stored snapshots, which
// mirror the database's current foreign keys.
func orderDeletes(c *Context, deletes []*Action) []*Action {
	index := make(map[domain.Identity]int, len(deletes))
	for i, a := range deletes {
		index[a.Identity] = i
	}
	deps := make([][]int, len(deletes))
	for i, a := range deletes {
		for _, assoc := range a.Type.Associations {
			if !assoc.Owning() {
				continue
			}
			key, ok := a.entry.Snapshot[assoc.FKColumn]
			if !ok || key == nil {
				continue
			}
			ref := domain.Identity{Type: assoc.Target, Key: key}
			if j, exists := index[ref]; exists && j != i {
				// The referenced row's delete waits for this one.
				deps[j] = append(deps[j], i)
				deletes[j].depIDs = append(deletes[j].depIDs, a.Identity)
			}
		}
	}
	// Delete graphs derived from existing rows cannot cycle unless the
	// database already holds a cycle of non-null foreign keys; fall back to
	// declaration order for any leftover.
	ordered, leftover := kahn(c.registry, deletes, deps)
	if leftover != nil {
		rest := make([]*Action, 0, len(leftover))
		for _, i := range leftover {
			rest = append(rest, deletes[i])
		}
		sortActions(c.registry, rest)
		ordered = append(ordered, rest...)
	}
	return ordered
}

// kahn runs a deterministic topological sort: among ready actions the
// tie-break is type declaration order, then key text. Returns the ordered
// actions and, when the sort stalls, the indexes still blocked (a cycle).
func kahn(registry *domain.Registry, actions []*Action, deps [][]int) ([]*Action, []int) {
	n := len(actions)
	blocked := make([]int, n)
	dependents := make([][]int, n)
	for i, ds := range deps {
		seen := make(map[int]struct{}, len(ds))
		for _, j := range ds {
			if _, dup := seen[j]; dup {
				continue
			}
			seen[j] = struct{}{}
			blocked[i]++
			dependents[j] = append(dependents[j], i)
		}
	}
	var ready []int
	for i := 0; i < n; i++ {
		if blocked[i] == 0 {
			ready = append(ready, i)
		}
	}
	ordered := make([]*Action, 0, n)
	done := make([]bool, n)
	for len(ready) > 0 {
		sort.Slice(ready, func(x, y int) bool {
			return actionLess(registry, actions[ready[x]], actions[ready[y]])
		})
		i := ready[0]
		ready = ready[1:]
		done[i] = true
		ordered = append(ordered, actions[i])
		for _, j := range dependents[i] {
			blocked[j]--
			if blocked[j] == 0 {
				ready = append(ready, j)
			}
		}
	}
	if len(ordered) == n {
		return ordered, nil
	}
	var cycle []int
	for i := 0; i < n; i++ {
		if !done[i] {
			cycle = append(cycle, i)
		}
	}
	return ordered, cycle
}

func actionLess(registry *domain.Registry, a, b *Action) bool {
	if a.Type.Ordinal() != b.Type.Ordinal() {
		return a.Type.Ordinal() < b.Type.Ordinal()
	}
	return fmt.Sprint(a.Identity.Key) < fmt.Sprint(b.Identity.Key)
}

func sortActions(registry *domain.Registry, actions []*Action) {
	sort.SliceStable(actions, func(i, j int) bool {
		return actionLess(registry, actions[i], actions[j])
	})
}

// wireDependencies records, per plan position, the earlier positions each
// action depends on; the executor consults these when coalescing batches.
func wireDependencies(p *Plan) {
	insertPos := make(map[domain.Identity]int, len(p.Actions))
	deletePos := make(map[domain.Identity]int, len(p.Actions))
	for i, a := range p.Actions {
		switch a.Kind {
		case ActionInsert, ActionIDFetch:
			insertPos[a.Identity] = i
		case ActionDelete:
			deletePos[a.Identity] = i
		}
	}
	for i, a := range p.Actions {
		for _, ref := range a.fkRefs {
			if j, ok := insertPos[ref]; ok && j < i {
				a.deps = append(a.deps, j)
			}
		}
		for _, ref := range a.depIDs {
			if j, ok := deletePos[ref]; ok && j < i {
				a.deps = append(a.deps, j)
			}
		}
		if a.Kind == ActionInsert {
			// An insert follows its own id fetch.
			for j := 0; j < i; j++ {
				prior := p.Actions[j]
				if prior.Kind == ActionIDFetch && prior.entry == a.entry {
					a.deps = append(a.deps, j)
				}
			}
		}
	}
}
