package domain

import (
	"fmt"
	"reflect"
)

// Cascade is a bitset of operation kinds an association propagates.
type Cascade uint8

const (
	CascadePersist Cascade = 1 << iota
	CascadeRemove
	CascadeRefresh
	CascadeMerge

	CascadeNone Cascade = 0
	CascadeAll          = CascadePersist | CascadeRemove | CascadeRefresh | CascadeMerge
)

// Includes reports whether the policy covers the given operation kind.
func (c Cascade) Includes(op Cascade) bool { return c&op != 0 }

// IDStrategy selects how primary keys are produced for new entities.
type IDStrategy int

const (
	// IDAssigned expects the caller to set the key before persist.
	IDAssigned IDStrategy = iota
	// IDUUID generates a random UUID string before insert, no round trip.
	IDUUID
	// IDSequence fetches the next value of a database sequence; requires a
	// round trip scheduled ahead of dependent inserts.
	IDSequence
	// IDTable increments a row in a generator table; requires a round trip.
	IDTable
	// IDIdentity lets the database assign the key on insert; the generated
	// key is read back from the insert result.
	IDIdentity
	// IDCustom delegates to the Generate func on IDSpec.
	IDCustom
)

// RoundTrip reports whether the strategy needs a database round trip before
// the owning insert can carry its key.
func (s IDStrategy) RoundTrip() bool { return s == IDSequence || s == IDTable }

// Field maps one persisted, non-key attribute to a column. Get and Set work
// against the caller's live object; the engine never reflects over objects
// beyond registry construction.
type Field struct {
	Name   string
	Column string
	Get    func(obj any) any
	Set    func(obj any, v any)
}

// IDSpec describes the primary-key field and generation strategy of a type.
type IDSpec struct {
	Field    Field
	Strategy IDStrategy
	// Sequence is the database sequence (IDSequence) or generator-table row
	// name (IDTable).
	Sequence string
	// Generate produces a key for IDCustom.
	Generate func() (any, error)
}

// Association declares a relationship reachable from this type.
//
// The owning side carries FKColumn, the column on this type's table holding
// the target's key; the inverse (collection) side leaves FKColumn empty and
// is traversed only for cascades and orphan removal.
type Association struct {
	Name          string
	Target        string
	Cascade       Cascade
	OrphanRemoval bool
	FKColumn      string
	Nullable      bool
	// Collect returns the live related objects (zero or one for an owning
	// side, any number for a collection side). Nil entries are skipped.
	Collect func(obj any) []any
}

// Owning reports whether this side holds the foreign-key column.
func (a Association) Owning() bool { return a.FKColumn != "" }

// EntityType is the resolved mapping metadata for one persisted type. It is
// built once via NewRegistry and treated as immutable afterwards.
type EntityType struct {
	Name         string
	Table        string
	New          func() any
	ID           IDSpec
	Fields       []Field
	Version      *Field
	Associations []Association

	// ordinal is the declaration position inside the registry, used as the
	// deterministic tie-break for flush ordering.
	ordinal int
}

// Ordinal returns the type's declaration position within its registry.
func (t *EntityType) Ordinal() int { return t.ordinal }

// Registry is the immutable set of entity types for one factory. It resolves
// types by name and by the dynamic type of a live object.
type Registry struct {
	byName  map[string]*EntityType
	byGo    map[reflect.Type]*EntityType
	ordered []*EntityType
}

// NewRegistry validates and freezes the given metadata. Declaration order is
// significant: it is the first-level tie-break for flush ordering.
func NewRegistry(types ...EntityType) (*Registry, error) {
	r := &Registry{
		byName: make(map[string]*EntityType, len(types)),
		byGo:   make(map[reflect.Type]*EntityType, len(types)),
	}
	for i := range types {
		t := types[i]
		if t.Name == "" || t.Table == "" {
			return nil, fmt.Errorf("entity type %d: name and table are required", i)
		}
		if t.New == nil {
			return nil, fmt.Errorf("entity type %s: constructor is required", t.Name)
		}
		if t.ID.Field.Column == "" || t.ID.Field.Get == nil || t.ID.Field.Set == nil {
			return nil, fmt.Errorf("entity type %s: id field mapping is incomplete", t.Name)
		}
		if t.ID.Strategy == IDCustom && t.ID.Generate == nil {
			return nil, fmt.Errorf("entity type %s: custom id strategy needs a generator", t.Name)
		}
		if t.ID.Strategy.RoundTrip() && t.ID.Sequence == "" {
			return nil, fmt.Errorf("entity type %s: sequence name required for round-trip id strategy", t.Name)
		}
		if _, dup := r.byName[t.Name]; dup {
			return nil, fmt.Errorf("entity type %s declared twice", t.Name)
		}
		goType := reflect.TypeOf(t.New())
		if goType == nil {
			return nil, fmt.Errorf("entity type %s: constructor returned nil", t.Name)
		}
		t.ordinal = i
		r.byName[t.Name] = &t
		r.byGo[goType] = &t
		r.ordered = append(r.ordered, &t)
	}
	for _, t := range r.ordered {
		for _, a := range t.Associations {
			if _, ok := r.byName[a.Target]; !ok {
				return nil, fmt.Errorf("entity type %s: association %s targets unknown type %s", t.Name, a.Name, a.Target)
			}
			if a.Collect == nil {
				return nil, fmt.Errorf("entity type %s: association %s has no collector", t.Name, a.Name)
			}
		}
	}
	return r, nil
}

// Type resolves metadata by entity-type name.
func (r *Registry) Type(name string) (*EntityType, bool) {
	t, ok := r.byName[name]
	return t, ok
}

// TypeOf resolves metadata from a live object's dynamic type.
func (r *Registry) TypeOf(obj any) (*EntityType, bool) {
	t, ok := r.byGo[reflect.TypeOf(obj)]
	return t, ok
}

// Types returns all registered types in declaration order.
func (r *Registry) Types() []*EntityType {
	out := make([]*EntityType, len(r.ordered))
	copy(out, r.ordered)
	return out
}
