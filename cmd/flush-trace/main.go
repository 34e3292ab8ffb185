// Command flush-trace exercises the unit-of-work engine end to end: it
// persists a small order graph, mutates it across several flushes, and prints
// the flush journal and metric counts at the end. The backing database is
// selected via environment variables so the same trace runs against the
// in-memory, SQLite, or Postgres driver.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"

	"unitwork"
	"unitwork/internal/driver"
	"unitwork/internal/driver/memory"
	"unitwork/internal/driver/postgres"
	"unitwork/internal/driver/sqlite"
	"unitwork/internal/journal"
	"unitwork/internal/metrics"
	"unitwork/pkg/domain"
)

type config struct {
	Driver      string `env:"UNITWORK_DRIVER" envDefault:"memory"`
	SQLitePath  string `env:"UNITWORK_SQLITE_PATH" envDefault:"flush-trace.db"`
	PostgresDSN string `env:"UNITWORK_POSTGRES_DSN"`
	MaxInFlight int    `env:"UNITWORK_MAX_IN_FLIGHT" envDefault:"8"`
	MaxWaiting  int    `env:"UNITWORK_MAX_WAITING" envDefault:"32"`
	Debug       bool   `env:"UNITWORK_DEBUG"`
}

// Order is the demo aggregate root: UUID keyed, versioned, owning its lines
// through a cascading, orphan-removing collection.
type Order struct {
	ID      string
	Ref     string
	Version int64
	Lines   []*OrderLine
}

// OrderLine carries the foreign key back to its order; the database assigns
// its key on insert.
type OrderLine struct {
	ID    int64
	SKU   string
	Qty   int64
	Order *Order
}

func demoRegistry() (*domain.Registry, error) {
	return domain.NewRegistry(
		domain.EntityType{
			Name:  "Order",
			Table: "orders",
			New:   func() any { return &Order{} },
			ID: domain.IDSpec{
				Field: domain.Field{
					Name:   "ID",
					Column: "id",
					Get:    func(obj any) any { return obj.(*Order).ID },
					Set:    func(obj any, v any) { obj.(*Order).ID = v.(string) },
				},
				Strategy: domain.IDUUID,
			},
			Fields: []domain.Field{{
				Name:   "Ref",
				Column: "ref",
				Get:    func(obj any) any { return obj.(*Order).Ref },
				Set:    func(obj any, v any) { obj.(*Order).Ref = v.(string) },
			}},
			Version: &domain.Field{
				Name:   "Version",
				Column: "version",
				Get:    func(obj any) any { return obj.(*Order).Version },
				Set:    func(obj any, v any) { obj.(*Order).Version = asInt64(v) },
			},
			Associations: []domain.Association{{
				Name:          "Lines",
				Target:        "OrderLine",
				Cascade:       domain.CascadeAll,
				OrphanRemoval: true,
				Collect: func(obj any) []any {
					o := obj.(*Order)
					out := make([]any, 0, len(o.Lines))
					for _, l := range o.Lines {
						out = append(out, l)
					}
					return out
				},
			}},
		},
		domain.EntityType{
			Name:  "OrderLine",
			Table: "order_lines",
			New:   func() any { return &OrderLine{} },
			ID: domain.IDSpec{
				Field: domain.Field{
					Name:   "ID",
					Column: "id",
					Get:    func(obj any) any { return obj.(*OrderLine).ID },
					Set:    func(obj any, v any) { obj.(*OrderLine).ID = asInt64(v) },
				},
				Strategy: domain.IDIdentity,
			},
			Fields: []domain.Field{
				{
					Name:   "SKU",
					Column: "sku",
					Get:    func(obj any) any { return obj.(*OrderLine).SKU },
					Set:    func(obj any, v any) { obj.(*OrderLine).SKU = v.(string) },
				},
				{
					Name:   "Qty",
					Column: "qty",
					Get:    func(obj any) any { return obj.(*OrderLine).Qty },
					Set:    func(obj any, v any) { obj.(*OrderLine).Qty = asInt64(v) },
				},
			},
			Associations: []domain.Association{{
				Name:     "Order",
				Target:   "Order",
				FKColumn: "order_id",
				Collect: func(obj any) []any {
					if l := obj.(*OrderLine); l.Order != nil {
						return []any{l.Order}
					}
					return nil
				},
			}},
		},
	)
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}

func main() {
	if err := run(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "flush-trace:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	var cfg config
	if err := env.Parse(&cfg); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: level}))

	base, err := openDriver(ctx, cfg)
	if err != nil {
		return err
	}
	gated := driver.Gated(base, driver.GateConfig{
		MaxInFlight: cfg.MaxInFlight,
		MaxWaiting:  cfg.MaxWaiting,
	})

	archive := journal.NewMemoryArchive()
	sink := journal.NewSink(archive, "")

	promReg := prometheus.NewRegistry()
	recorder := metrics.NewPrometheusRecorder(promReg)

	registry, err := demoRegistry()
	if err != nil {
		return fmt.Errorf("build registry: %w", err)
	}
	factory, err := unitwork.New(unitwork.Config{
		Driver:   gated,
		Registry: registry,
		Logger:   logger,
		Metrics:  recorder,
		Journal:  sink,
	})
	if err != nil {
		return err
	}
	defer func() { _ = factory.Close(ctx) }()

	if err := trace(ctx, factory, logger); err != nil {
		return err
	}
	if err := printJournal(ctx, archive); err != nil {
		return err
	}
	return printMetrics(promReg)
}

func openDriver(ctx context.Context, cfg config) (domain.Driver, error) {
	switch cfg.Driver {
	case "memory":
		return memory.New(), nil
	case "sqlite":
		drv, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		for _, ddl := range demoDDL {
			if _, err := drv.DB().Exec(ddl); err != nil {
				return nil, fmt.Errorf("apply schema: %w", err)
			}
		}
		return drv, nil
	case "postgres":
		drv, err := postgres.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		for _, ddl := range demoDDL {
			if _, err := drv.Pool().Exec(ctx, ddl); err != nil {
				return nil, fmt.Errorf("apply schema: %w", err)
			}
		}
		return drv, nil
	default:
		return nil, fmt.Errorf("unknown driver %s", cfg.Driver)
	}
}

var demoDDL = []string{
	`CREATE TABLE IF NOT EXISTS orders (
		id TEXT PRIMARY KEY,
		ref TEXT NOT NULL,
		version BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS order_lines (
		id INTEGER PRIMARY KEY,
		sku TEXT NOT NULL,
		qty BIGINT NOT NULL,
		order_id TEXT REFERENCES orders(id)
	)`,
}

// trace runs the demo unit of work: insert a graph, update it, shrink it,
// then read it back through a second session.
func trace(ctx context.Context, factory *unitwork.Factory, logger *slog.Logger) error {
	session, err := factory.Futures()
	if err != nil {
		return err
	}
	defer func() { _ = session.Close() }()

	order := &Order{Ref: "ord-1001"}
	order.Lines = []*OrderLine{
		{SKU: "widget", Qty: 2, Order: order},
		{SKU: "gadget", Qty: 1, Order: order},
	}
	if _, err := session.Persist(order).Await(ctx); err != nil {
		return fmt.Errorf("persist: %w", err)
	}
	if _, err := session.Flush(ctx).Await(ctx); err != nil {
		return fmt.Errorf("flush inserts: %w", err)
	}
	logger.Info("inserted order graph", "order", order.ID, "lines", len(order.Lines))

	order.Lines[0].Qty = 3
	if _, err := session.Flush(ctx).Await(ctx); err != nil {
		return fmt.Errorf("flush update: %w", err)
	}
	logger.Info("updated line quantity", "sku", order.Lines[0].SKU, "qty", order.Lines[0].Qty)

	// Dropping a line from the collection orphans it; the next flush deletes
	// its row.
	order.Lines = order.Lines[:1]
	if _, err := session.Flush(ctx).Await(ctx); err != nil {
		return fmt.Errorf("flush orphan removal: %w", err)
	}
	logger.Info("removed orphaned line", "remaining", len(order.Lines))

	reader, err := factory.Streams()
	if err != nil {
		return err
	}
	defer func() { _ = reader.Close() }()
	loaded, err := reader.Find(ctx, "Order", order.ID).One(ctx)
	if err != nil {
		return fmt.Errorf("find: %w", err)
	}
	logger.Info("reloaded order", "ref", loaded.(*Order).Ref, "version", loaded.(*Order).Version)
	return nil
}

func printJournal(ctx context.Context, archive journal.Archive) error {
	keys, err := archive.List(ctx, "flush/")
	if err != nil {
		return err
	}
	fmt.Printf("journal: %d flushes\n", len(keys))
	for _, key := range keys {
		data, err := archive.Get(ctx, key)
		if err != nil {
			return err
		}
		var rec unitwork.JournalRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}
		for _, a := range rec.Actions {
			fmt.Printf("  #%d %-7s %-9s %s\n", rec.Seq, a.Kind, a.Entity, a.Identity)
		}
	}
	return nil
}

func printMetrics(reg *prometheus.Registry) error {
	families, err := reg.Gather()
	if err != nil {
		return err
	}
	for _, f := range families {
		fmt.Printf("metric %s: %d series\n", f.GetName(), len(f.GetMetric()))
	}
	return nil
}
