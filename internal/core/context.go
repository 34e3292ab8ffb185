package core

import (
	"fmt"
	"reflect"
	"sort"

	"unitwork/pkg/domain"
)

// pendingValue is a column value standing in for a key that will only exist
// once another entity's insert (or id fetch) has executed. It references the
// entry rather than an identity so it survives rekeying. The executor
// resolves it just before sending the statement.
type pendingValue struct {
	entry *Entry
}

// Context is the Entity Entry Table plus its bookkeeping for one unit of
// work. It is exclusively owned by its session and is not locked: §5's
// single-call-chain discipline is a caller obligation.
type Context struct {
	registry *domain.Registry
	entries  map[domain.Identity]*Entry
	byLive   map[any]*Entry
	order    []domain.Identity

	pendingSeq uint64
	flushing   bool
}

func newContext(registry *domain.Registry) *Context {
	return &Context{
		registry: registry,
		entries:  make(map[domain.Identity]*Entry),
		byLive:   make(map[any]*Entry),
	}
}

// nextPendingKey mints a unit-of-work-unique placeholder key.
func (c *Context) nextPendingKey() domain.PendingKey {
	c.pendingSeq++
	return domain.PendingKey{Seq: c.pendingSeq}
}

// identityOf derives the identity of a live object: a tracked entry wins,
// otherwise the object's assigned key, otherwise absent.
func (c *Context) identityOf(t *domain.EntityType, obj any) (domain.Identity, bool) {
	if e, ok := c.byLive[obj]; ok {
		return e.ID, true
	}
	key := t.ID.Field.Get(obj)
	if isZeroKey(key) {
		return domain.Identity{}, false
	}
	return domain.Identity{Type: t.Name, Key: key}, true
}

func isZeroKey(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	return rv.IsZero()
}

// Register introduces an object under management. A second registration of
// the same identity with a different live instance fails with
// IdentityConflict; re-registering the same instance returns its entry.
func (c *Context) Register(id domain.Identity, t *domain.EntityType, live any, state EntryState) (*Entry, error) {
	if existing, ok := c.entries[id]; ok {
		if existing.Live != live {
			return nil, domain.IdentityConflictError{Identity: id}
		}
		return existing, nil
	}
	e := &Entry{
		ID:            id,
		Type:          t,
		State:         state,
		Live:          live,
		pendingInsert: state == EntryManaged && id.Pending(),
	}
	if state == EntryManaged && !id.Pending() {
		// Assigned-key new entities are still pending until their insert
		// runs; a snapshot marks already-persisted rows instead.
		e.pendingInsert = true
	}
	c.entries[id] = e
	c.byLive[live] = e
	c.order = append(c.order, id)
	return e, nil
}

// RegisterLoaded introduces a row materialized from the database: managed,
// not pending, snapshot already taken.
func (c *Context) RegisterLoaded(id domain.Identity, t *domain.EntityType, live any, snapshot map[string]any, version int64) (*Entry, error) {
	e, err := c.Register(id, t, live, EntryManaged)
	if err != nil {
		return nil, err
	}
	e.pendingInsert = false
	e.Snapshot = snapshot
	e.Version = version
	e.Children = c.collectChildren(t, live)
	return e, nil
}

// Lookup returns the entry for an identity, if present.
func (c *Context) Lookup(id domain.Identity) (*Entry, bool) {
	e, ok := c.entries[id]
	return e, ok
}

// LookupLive returns the entry tracking a live object, if any.
func (c *Context) LookupLive(obj any) (*Entry, bool) {
	e, ok := c.byLive[obj]
	return e, ok
}

// MarkDirty widens the next flush's dirty scan to the given identity.
func (c *Context) MarkDirty(id domain.Identity) error {
	e, ok := c.entries[id]
	if !ok {
		return fmt.Errorf("mark dirty: %w: %s not managed", domain.ErrInvalidState, id)
	}
	e.dirtyHint = true
	return nil
}

// MarkRemoved tags an entry for deletion. The entry survives until the
// delete action executes, then Forget drops it.
func (c *Context) MarkRemoved(id domain.Identity) error {
	e, ok := c.entries[id]
	if !ok {
		return fmt.Errorf("mark removed: %w: %s not managed", domain.ErrInvalidState, id)
	}
	e.State = EntryRemoved
	return nil
}

// Snapshot returns a copy of the stored snapshot for an identity.
func (c *Context) Snapshot(id domain.Identity) (map[string]any, bool) {
	e, ok := c.entries[id]
	if !ok || e.Snapshot == nil {
		return nil, false
	}
	out := make(map[string]any, len(e.Snapshot))
	for k, v := range e.Snapshot {
		out[k] = v
	}
	return out, true
}

// Forget drops an entry from the table entirely. The live object is left
// untouched.
func (c *Context) Forget(id domain.Identity) {
	e, ok := c.entries[id]
	if !ok {
		return
	}
	e.State = EntryDetached
	delete(c.entries, id)
	delete(c.byLive, e.Live)
	for i, oid := range c.order {
		if oid == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

// rekey replaces a pending identity with its generated key, keeping
// registration order.
func (c *Context) rekey(old, next domain.Identity) {
	e, ok := c.entries[old]
	if !ok {
		return
	}
	delete(c.entries, old)
	e.ID = next
	c.entries[next] = e
	for i, oid := range c.order {
		if oid == old {
			c.order[i] = next
			break
		}
	}
}

// entriesInOrder returns entries in registration order. Registration order
// feeds the planner's deterministic tie-break.
func (c *Context) entriesInOrder() []*Entry {
	out := make([]*Entry, 0, len(c.entries))
	for _, id := range c.order {
		if e, ok := c.entries[id]; ok {
			out = append(out, e)
		}
	}
	return out
}

// extract computes the current column values of a live object: mapped fields
// plus owning-association foreign keys. Keys of children whose insert has not
// run yet appear as pendingValue placeholders.
func (c *Context) extract(t *domain.EntityType, obj any) (map[string]any, error) {
	values := make(map[string]any, len(t.Fields)+len(t.Associations))
	for _, f := range t.Fields {
		values[f.Column] = f.Get(obj)
	}
	for _, a := range t.Associations {
		if !a.Owning() {
			continue
		}
		child := firstChild(a, obj)
		if child == nil {
			if !a.Nullable {
				return nil, fmt.Errorf("%s.%s: non-nullable association has no target", t.Name, a.Name)
			}
			values[a.FKColumn] = nil
			continue
		}
		target, _ := c.registry.Type(a.Target)
		fk, err := c.foreignKeyValue(target, child)
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", t.Name, a.Name, err)
		}
		values[a.FKColumn] = fk
	}
	return values, nil
}

func firstChild(a domain.Association, obj any) any {
	for _, child := range a.Collect(obj) {
		if child != nil {
			return child
		}
	}
	return nil
}

// foreignKeyValue resolves the key a foreign-key column must carry for the
// given related object.
func (c *Context) foreignKeyValue(target *domain.EntityType, child any) (any, error) {
	if e, ok := c.byLive[child]; ok {
		if e.pendingInsert || e.ID.Pending() {
			return pendingValue{entry: e}, nil
		}
		return e.ID.Key, nil
	}
	key := target.ID.Field.Get(child)
	if isZeroKey(key) {
		return nil, fmt.Errorf("referenced %s instance has no key and is not managed", target.Name)
	}
	return key, nil
}

// collectChildren records the identities currently reachable through each
// orphan-owning association, for later orphan detection.
func (c *Context) collectChildren(t *domain.EntityType, obj any) map[string][]domain.Identity {
	var out map[string][]domain.Identity
	for _, a := range t.Associations {
		if !a.OrphanRemoval {
			continue
		}
		var ids []domain.Identity
		target, _ := c.registry.Type(a.Target)
		for _, child := range a.Collect(obj) {
			if child == nil {
				continue
			}
			if id, ok := c.identityOf(target, child); ok {
				ids = append(ids, id)
			}
		}
		if out == nil {
			out = make(map[string][]domain.Identity)
		}
		out[a.Name] = ids
	}
	return out
}

// dirtyColumns returns the per-column delta between the live object and the
// stored snapshot. A field-by-field diff, so partial updates stay partial.
func (c *Context) dirtyColumns(e *Entry) (map[string]any, error) {
	current, err := c.extract(e.Type, e.Live)
	if err != nil {
		return nil, err
	}
	delta := make(map[string]any)
	for col, cur := range current {
		prev, had := e.Snapshot[col]
		if !had || !valueEqual(prev, cur) {
			delta[col] = cur
		}
	}
	return delta, nil
}

// valueEqual compares snapshot and live values; pending placeholders are
// always a change.
func valueEqual(prev, cur any) bool {
	if _, pending := cur.(pendingValue); pending {
		return false
	}
	return reflect.DeepEqual(prev, cur)
}

// sortIdentities orders identities by type declaration order then key text:
// the stable tie-break used everywhere ordering must be deterministic.
func sortIdentities(registry *domain.Registry, ids []domain.Identity) {
	sort.SliceStable(ids, func(i, j int) bool {
		ti, _ := registry.Type(ids[i].Type)
		tj, _ := registry.Type(ids[j].Type)
		if ti.Ordinal() != tj.Ordinal() {
			return ti.Ordinal() < tj.Ordinal()
		}
		return fmt.Sprint(ids[i].Key) < fmt.Sprint(ids[j].Key)
	})
}
