package core

import (
	"errors"
	"reflect"
	"testing"

	"unitwork/pkg/domain"
)

func TestPlanInsertsFollowForeignKeyOrder(t *testing.T) {
	reg := libraryRegistry(t)
	c := newContext(reg)

	a := &author{ID: 7, Name: "ann"}
	b := &book{ID: 3, Title: "maps", Author: a}
	// Registration order is reversed on purpose: the dependency edge, not
	// registration order, must drive the plan.
	mustRegister(t, c, reg, "Book", int64(3), b)
	mustRegister(t, c, reg, "Author", int64(7), a)

	plan, err := buildPlan(c)
	if err != nil {
		t.Fatalf("build plan: %v", err)
	}
	want := []string{"insert Author#7", "insert Book#3"}
	if got := planKinds(plan); !reflect.DeepEqual(got, want) {
		t.Fatalf("plan order = %v, want %v", got, want)
	}
}

func TestPlanTieBreakIsDeterministic(t *testing.T) {
	reg := libraryRegistry(t)
	c := newContext(reg)

	// Same type, no dependencies, registered out of key order.
	mustRegister(t, c, reg, "Author", int64(2), &author{ID: 2, Name: "b"})
	mustRegister(t, c, reg, "Author", int64(1), &author{ID: 1, Name: "a"})

	plan, err := buildPlan(c)
	if err != nil {
		t.Fatalf("build plan: %v", err)
	}
	want := []string{"insert Author#1", "insert Author#2"}
	if got := planKinds(plan); !reflect.DeepEqual(got, want) {
		t.Fatalf("plan order = %v, want %v", got, want)
	}
}

func TestPlanBreaksCycleThroughNullableEdge(t *testing.T) {
	reg := cycleRegistry(t, true)
	c := newContext(reg)

	d := &dept{ID: 1, Name: "eng"}
	e := &emp{ID: 2, Name: "sam", Dept: d}
	d.Head = e
	mustRegister(t, c, reg, "Dept", int64(1), d)
	mustRegister(t, c, reg, "Emp", int64(2), e)

	plan, err := buildPlan(c)
	if err != nil {
		t.Fatalf("build plan: %v", err)
	}
	want := []string{"insert Dept#1", "insert Emp#2", "update Dept#1"}
	if got := planKinds(plan); !reflect.DeepEqual(got, want) {
		t.Fatalf("plan order = %v, want %v", got, want)
	}
	first := plan.Actions[0]
	if _, carries := first.Values["head_id"]; carries {
		t.Fatalf("broken edge column still present on the insert: %v", first.Values)
	}
	fixup := plan.Actions[2]
	if _, ok := fixup.Values["head_id"]; !ok {
		t.Fatalf("fixup update misses the deferred column: %v", fixup.Values)
	}
}

func TestPlanRejectsUnresolvableCycle(t *testing.T) {
	reg := cycleRegistry(t, false)
	c := newContext(reg)

	d := &dept{ID: 1, Name: "eng"}
	e := &emp{ID: 2, Name: "sam", Dept: d}
	d.Head = e
	mustRegister(t, c, reg, "Dept", int64(1), d)
	mustRegister(t, c, reg, "Emp", int64(2), e)

	_, err := buildPlan(c)
	var cycleErr domain.UnresolvableCycleError
	if !errors.As(err, &cycleErr) {
		t.Fatalf("err = %v, want UnresolvableCycleError", err)
	}
	if len(cycleErr.Identities) != 2 {
		t.Fatalf("cycle members = %v, want 2", cycleErr.Identities)
	}
}

func TestPlanDeletesReferencingRowsFirst(t *testing.T) {
	reg := libraryRegistry(t)
	c := newContext(reg)

	a := &author{ID: 7, Name: "ann"}
	b := &book{ID: 3, Title: "maps", Author: a}
	mustRegisterLoaded(t, c, reg, "Author", int64(7), a, map[string]any{"name": "ann"})
	mustRegisterLoaded(t, c, reg, "Book", int64(3), b, map[string]any{"title": "maps", "author_id": int64(7)})

	// Removal requested parent-first; execution must still delete the
	// referencing book before the author.
	if err := c.MarkRemoved(domain.Identity{Type: "Author", Key: int64(7)}); err != nil {
		t.Fatalf("mark removed: %v", err)
	}
	if err := c.MarkRemoved(domain.Identity{Type: "Book", Key: int64(3)}); err != nil {
		t.Fatalf("mark removed: %v", err)
	}

	plan, err := buildPlan(c)
	if err != nil {
		t.Fatalf("build plan: %v", err)
	}
	want := []string{"delete Book#3", "delete Author#7"}
	if got := planKinds(plan); !reflect.DeepEqual(got, want) {
		t.Fatalf("plan order = %v, want %v", got, want)
	}
}

func TestPlanRemovesOrphanedChildren(t *testing.T) {
	reg := libraryRegistry(t)
	c := newContext(reg)

	a := &author{ID: 7, Name: "ann"}
	b := &book{ID: 3, Title: "maps", Author: a}
	a.Books = []*book{b}
	mustRegisterLoaded(t, c, reg, "Book", int64(3), b, map[string]any{"title": "maps", "author_id": int64(7)})
	mustRegisterLoaded(t, c, reg, "Author", int64(7), a, map[string]any{"name": "ann"})

	// Dropping the book from the owning collection orphans it.
	a.Books = nil

	plan, err := buildPlan(c)
	if err != nil {
		t.Fatalf("build plan: %v", err)
	}
	want := []string{"delete Book#3"}
	if got := planKinds(plan); !reflect.DeepEqual(got, want) {
		t.Fatalf("plan order = %v, want %v", got, want)
	}
}

func TestPlanUpdatesOnlyDirtyColumns(t *testing.T) {
	reg := libraryRegistry(t)
	c := newContext(reg)

	b := &book{ID: 3, Title: "maps"}
	mustRegisterLoaded(t, c, reg, "Book", int64(3), b, map[string]any{"title": "maps", "author_id": nil})

	b.Title = "atlases"

	plan, err := buildPlan(c)
	if err != nil {
		t.Fatalf("build plan: %v", err)
	}
	if len(plan.Actions) != 1 || plan.Actions[0].Kind != ActionUpdate {
		t.Fatalf("plan = %v, want one update", planKinds(plan))
	}
	wantDelta := map[string]any{"title": "atlases"}
	if !reflect.DeepEqual(plan.Actions[0].Values, wantDelta) {
		t.Fatalf("update delta = %v, want %v", plan.Actions[0].Values, wantDelta)
	}
}

func TestPlanIsEmptyForCleanEntries(t *testing.T) {
	reg := libraryRegistry(t)
	c := newContext(reg)

	b := &book{ID: 3, Title: "maps"}
	mustRegisterLoaded(t, c, reg, "Book", int64(3), b, map[string]any{"title": "maps", "author_id": nil})

	plan, err := buildPlan(c)
	if err != nil {
		t.Fatalf("build plan: %v", err)
	}
	if !plan.Empty() {
		t.Fatalf("plan = %v, want empty", planKinds(plan))
	}
}

func TestCascadeResolutionTerminatesOnCyclicGraph(t *testing.T) {
	reg := libraryRegistry(t)
	c := newContext(reg)

	a := &author{ID: 7, Name: "ann"}
	b := &book{ID: 3, Title: "maps", Author: a}
	a.Books = []*book{b}

	at, _ := reg.Type("Author")
	targets, err := c.resolveCascade(a, at, domain.CascadePersist)
	if err != nil {
		t.Fatalf("resolve cascade: %v", err)
	}
	if len(targets) != 2 {
		t.Fatalf("targets = %d, want 2 (each object visited once)", len(targets))
	}
}

func TestRegisterConflictingInstanceFails(t *testing.T) {
	reg := libraryRegistry(t)
	c := newContext(reg)

	mustRegister(t, c, reg, "Author", int64(7), &author{ID: 7, Name: "ann"})
	at, _ := reg.Type("Author")
	_, err := c.Register(domain.Identity{Type: "Author", Key: int64(7)}, at, &author{ID: 7, Name: "imposter"}, EntryManaged)
	var conflict domain.IdentityConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("err = %v, want IdentityConflictError", err)
	}
}
