package core

import (
	"testing"

	"unitwork/pkg/domain"
)

// Shared mapping fixtures. author/book use caller-assigned keys so planner
// tests run without a driver; order/line exercise generated keys against the
// in-memory driver.

type author struct {
	ID    int64
	Name  string
	Books []*book
}

type book struct {
	ID     int64
	Title  string
	Author *author
}

func int64Key(get func(any) int64, set func(any, int64)) domain.Field {
	return domain.Field{
		Name:   "ID",
		Column: "id",
		Get:    func(obj any) any { return get(obj) },
		Set: func(obj any, v any) {
			if n, ok := v.(int64); ok {
				set(obj, n)
			}
		},
	}
}

func libraryRegistry(t *testing.T) *domain.Registry {
	t.Helper()
	reg, err := domain.NewRegistry(
		domain.EntityType{
			Name:  "Author",
			Table: "authors",
			New:   func() any { return &author{} },
			ID: domain.IDSpec{
				Field: int64Key(
					func(obj any) int64 { return obj.(*author).ID },
					func(obj any, v int64) { obj.(*author).ID = v },
				),
				Strategy: domain.IDAssigned,
			},
			Fields: []domain.Field{{
				Name:   "Name",
				Column: "name",
				Get:    func(obj any) any { return obj.(*author).Name },
				Set:    func(obj any, v any) { obj.(*author).Name = v.(string) },
			}},
			Associations: []domain.Association{{
				Name:          "Books",
				Target:        "Book",
				Cascade:       domain.CascadeAll,
				OrphanRemoval: true,
				Collect: func(obj any) []any {
					a := obj.(*author)
					out := make([]any, 0, len(a.Books))
					for _, b := range a.Books {
						out = append(out, b)
					}
					return out
				},
			}},
		},
		domain.EntityType{
			Name:  "Book",
			Table: "books",
			New:   func() any { return &book{} },
			ID: domain.IDSpec{
				Field: int64Key(
					func(obj any) int64 { return obj.(*book).ID },
					func(obj any, v int64) { obj.(*book).ID = v },
				),
				Strategy: domain.IDAssigned,
			},
			Fields: []domain.Field{{
				Name:   "Title",
				Column: "title",
				Get:    func(obj any) any { return obj.(*book).Title },
				Set:    func(obj any, v any) { obj.(*book).Title = v.(string) },
			}},
			Associations: []domain.Association{{
				Name:     "Author",
				Target:   "Author",
				Cascade:  domain.CascadePersist,
				FKColumn: "author_id",
				Nullable: true,
				Collect: func(obj any) []any {
					if b := obj.(*book); b.Author != nil {
						return []any{b.Author}
					}
					return nil
				},
			}},
		},
	)
	if err != nil {
		t.Fatalf("build library registry: %v", err)
	}
	return reg
}

// dept and emp reference each other: dept.head -> emp, emp.dept -> dept.

type dept struct {
	ID   int64
	Name string
	Head *emp
}

type emp struct {
	ID   int64
	Name string
	Dept *dept
}

// cycleRegistry builds the mutually referencing pair; headNullable controls
// whether the dept.head edge can be deferred to break insert cycles.
func cycleRegistry(t *testing.T, headNullable bool) *domain.Registry {
	t.Helper()
	reg, err := domain.NewRegistry(
		domain.EntityType{
			Name:  "Dept",
			Table: "depts",
			New:   func() any { return &dept{} },
			ID: domain.IDSpec{
				Field: int64Key(
					func(obj any) int64 { return obj.(*dept).ID },
					func(obj any, v int64) { obj.(*dept).ID = v },
				),
				Strategy: domain.IDAssigned,
			},
			Fields: []domain.Field{{
				Name:   "Name",
				Column: "name",
				Get:    func(obj any) any { return obj.(*dept).Name },
				Set:    func(obj any, v any) { obj.(*dept).Name = v.(string) },
			}},
			Associations: []domain.Association{{
				Name:     "Head",
				Target:   "Emp",
				Cascade:  domain.CascadePersist,
				FKColumn: "head_id",
				Nullable: headNullable,
				Collect: func(obj any) []any {
					if d := obj.(*dept); d.Head != nil {
						return []any{d.Head}
					}
					return nil
				},
			}},
		},
		domain.EntityType{
			Name:  "Emp",
			Table: "emps",
			New:   func() any { return &emp{} },
			ID: domain.IDSpec{
				Field: int64Key(
					func(obj any) int64 { return obj.(*emp).ID },
					func(obj any, v int64) { obj.(*emp).ID = v },
				),
				Strategy: domain.IDAssigned,
			},
			Fields: []domain.Field{{
				Name:   "Name",
				Column: "name",
				Get:    func(obj any) any { return obj.(*emp).Name },
				Set:    func(obj any, v any) { obj.(*emp).Name = v.(string) },
			}},
			Associations: []domain.Association{{
				Name:     "Dept",
				Target:   "Dept",
				Cascade:  domain.CascadePersist,
				FKColumn: "dept_id",
				Collect: func(obj any) []any {
					if e := obj.(*emp); e.Dept != nil {
						return []any{e.Dept}
					}
					return nil
				},
			}},
		},
	)
	if err != nil {
		t.Fatalf("build cycle registry: %v", err)
	}
	return reg
}

// shelf and tome both draw keys from database sequences, exercising the
// round-trip id-fetch path and key substitution into dependent inserts.

type shelf struct {
	ID    int64
	Label string
	Tomes []*tome
}

type tome struct {
	ID    int64
	Title string
	Shelf *shelf
}

func archiveRegistry(t *testing.T) *domain.Registry {
	t.Helper()
	reg, err := domain.NewRegistry(
		domain.EntityType{
			Name:  "Shelf",
			Table: "shelves",
			New:   func() any { return &shelf{} },
			ID: domain.IDSpec{
				Field: int64Key(
					func(obj any) int64 { return obj.(*shelf).ID },
					func(obj any, v int64) { obj.(*shelf).ID = v },
				),
				Strategy: domain.IDSequence,
				Sequence: "shelf_seq",
			},
			Fields: []domain.Field{{
				Name:   "Label",
				Column: "label",
				Get:    func(obj any) any { return obj.(*shelf).Label },
				Set:    func(obj any, v any) { obj.(*shelf).Label = v.(string) },
			}},
			Associations: []domain.Association{{
				Name:    "Tomes",
				Target:  "Tome",
				Cascade: domain.CascadePersist,
				Collect: func(obj any) []any {
					s := obj.(*shelf)
					out := make([]any, 0, len(s.Tomes))
					for _, tm := range s.Tomes {
						out = append(out, tm)
					}
					return out
				},
			}},
		},
		domain.EntityType{
			Name:  "Tome",
			Table: "tomes",
			New:   func() any { return &tome{} },
			ID: domain.IDSpec{
				Field: int64Key(
					func(obj any) int64 { return obj.(*tome).ID },
					func(obj any, v int64) { obj.(*tome).ID = v },
				),
				Strategy: domain.IDSequence,
				Sequence: "tome_seq",
			},
			Fields: []domain.Field{{
				Name:   "Title",
				Column: "title",
				Get:    func(obj any) any { return obj.(*tome).Title },
				Set:    func(obj any, v any) { obj.(*tome).Title = v.(string) },
			}},
			Associations: []domain.Association{{
				Name:     "Shelf",
				Target:   "Shelf",
				FKColumn: "shelf_id",
				Collect: func(obj any) []any {
					if tm := obj.(*tome); tm.Shelf != nil {
						return []any{tm.Shelf}
					}
					return nil
				},
			}},
		},
	)
	if err != nil {
		t.Fatalf("build archive registry: %v", err)
	}
	return reg
}

// order and line exercise generated keys and versioning end to end.

type order struct {
	ID      string
	Ref     string
	Version int64
	Lines   []*line
}

type line struct {
	ID    int64
	SKU   string
	Qty   int64
	Order *order
}

func shopRegistry(t *testing.T) *domain.Registry {
	t.Helper()
	reg, err := domain.NewRegistry(
		domain.EntityType{
			Name:  "Order",
			Table: "orders",
			New:   func() any { return &order{} },
			ID: domain.IDSpec{
				Field: domain.Field{
					Name:   "ID",
					Column: "id",
					Get:    func(obj any) any { return obj.(*order).ID },
					Set:    func(obj any, v any) { obj.(*order).ID = v.(string) },
				},
				Strategy: domain.IDUUID,
			},
			Fields: []domain.Field{{
				Name:   "Ref",
				Column: "ref",
				Get:    func(obj any) any { return obj.(*order).Ref },
				Set:    func(obj any, v any) { obj.(*order).Ref = v.(string) },
			}},
			Version: &domain.Field{
				Name:   "Version",
				Column: "version",
				Get:    func(obj any) any { return obj.(*order).Version },
				Set: func(obj any, v any) {
					if n, ok := v.(int64); ok {
						obj.(*order).Version = n
					}
				},
			},
			Associations: []domain.Association{{
				Name:          "Lines",
				Target:        "Line",
				Cascade:       domain.CascadeAll,
				OrphanRemoval: true,
				Collect: func(obj any) []any {
					o := obj.(*order)
					out := make([]any, 0, len(o.Lines))
					for _, l := range o.Lines {
						out = append(out, l)
					}
					return out
				},
			}},
		},
		domain.EntityType{
			Name:  "Line",
			Table: "lines",
			New:   func() any { return &line{} },
			ID: domain.IDSpec{
				Field: int64Key(
					func(obj any) int64 { return obj.(*line).ID },
					func(obj any, v int64) { obj.(*line).ID = v },
				),
				Strategy: domain.IDIdentity,
			},
			Fields: []domain.Field{
				{
					Name:   "SKU",
					Column: "sku",
					Get:    func(obj any) any { return obj.(*line).SKU },
					Set:    func(obj any, v any) { obj.(*line).SKU = v.(string) },
				},
				{
					Name:   "Qty",
					Column: "qty",
					Get:    func(obj any) any { return obj.(*line).Qty },
					Set: func(obj any, v any) {
						if n, ok := v.(int64); ok {
							obj.(*line).Qty = n
						}
					},
				},
			},
			Associations: []domain.Association{{
				Name:     "Order",
				Target:   "Order",
				FKColumn: "order_id",
				Collect: func(obj any) []any {
					if l := obj.(*line); l.Order != nil {
						return []any{l.Order}
					}
					return nil
				},
			}},
		},
	)
	if err != nil {
		t.Fatalf("build shop registry: %v", err)
	}
	return reg
}

func mustRegister(t *testing.T, c *Context, reg *domain.Registry, typeName string, key any, live any) *Entry {
	t.Helper()
	et, ok := reg.Type(typeName)
	if !ok {
		t.Fatalf("unknown type %s", typeName)
	}
	e, err := c.Register(domain.Identity{Type: typeName, Key: key}, et, live, EntryManaged)
	if err != nil {
		t.Fatalf("register %s: %v", typeName, err)
	}
	return e
}

func mustRegisterLoaded(t *testing.T, c *Context, reg *domain.Registry, typeName string, key any, live any, snapshot map[string]any) *Entry {
	t.Helper()
	et, ok := reg.Type(typeName)
	if !ok {
		t.Fatalf("unknown type %s", typeName)
	}
	e, err := c.RegisterLoaded(domain.Identity{Type: typeName, Key: key}, et, live, snapshot, 0)
	if err != nil {
		t.Fatalf("register loaded %s: %v", typeName, err)
	}
	return e
}

func planKinds(p *Plan) []string {
	out := make([]string, 0, len(p.Actions))
	for _, a := range p.Actions {
		out = append(out, a.describe())
	}
	return out
}
