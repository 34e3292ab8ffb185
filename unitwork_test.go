package unitwork

import (
	"context"
	"errors"
	"testing"
	"time"

	"unitwork/internal/driver"
	"unitwork/internal/driver/memory"
	"unitwork/internal/journal"
	"unitwork/pkg/domain"
	"unitwork/pkg/stream"
)

type task struct {
	ID    int64
	Title string
	Done  bool
}

func taskRegistry(t *testing.T) *domain.Registry {
	t.Helper()
	reg, err := domain.NewRegistry(domain.EntityType{
		Name:  "Task",
		Table: "tasks",
		New:   func() any { return &task{} },
		ID: domain.IDSpec{
			Field: domain.Field{
				Name:   "ID",
				Column: "id",
				Get:    func(obj any) any { return obj.(*task).ID },
				Set: func(obj any, v any) {
					if n, ok := v.(int64); ok {
						obj.(*task).ID = n
					}
				},
			},
			Strategy: domain.IDIdentity,
		},
		Fields: []domain.Field{
			{
				Name:   "Title",
				Column: "title",
				Get:    func(obj any) any { return obj.(*task).Title },
				Set:    func(obj any, v any) { obj.(*task).Title = v.(string) },
			},
			{
				Name:   "Done",
				Column: "done",
				Get:    func(obj any) any { return obj.(*task).Done },
				Set:    func(obj any, v any) { obj.(*task).Done = v.(bool) },
			},
		},
	})
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}
	return reg
}

func newFactory(t *testing.T) (*Factory, *journal.Sink, *ExpvarMetrics) {
	t.Helper()
	sink := journal.NewSink(journal.NewMemoryArchive(), "flush")
	metrics := NewExpvarMetrics("")
	f, err := New(Config{
		Driver:   driver.Gated(memory.New(), driver.GateConfig{MaxInFlight: 4}),
		Registry: taskRegistry(t),
		Metrics:  metrics,
		Journal:  sink,
	})
	if err != nil {
		t.Fatalf("new factory: %v", err)
	}
	t.Cleanup(func() { _ = f.Close(context.Background()) })
	return f, sink, metrics
}

func TestFuturesRoundtrip(t *testing.T) {
	ctx := context.Background()
	f, sink, metrics := newFactory(t)

	s, err := f.Futures()
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	defer func() { _ = s.Close() }()

	first := &task{Title: "write tests"}
	second := &task{Title: "ship"}
	_ = s.Persist(first)
	_ = s.Persist(second)
	if _, err := s.Flush(ctx).Await(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if first.ID == 0 || second.ID == 0 || first.ID == second.ID {
		t.Fatalf("generated keys = %d, %d", first.ID, second.ID)
	}
	if !s.Contains(first) {
		t.Fatal("flushed object not managed")
	}

	got, err := s.Find(ctx, "Task", first.ID).Await(ctx)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got != any(first) {
		t.Fatalf("find returned %v, want the managed instance", got)
	}

	records, err := sink.Replay(ctx, s.ID())
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(records) != 1 || len(records[0].Actions) != 2 {
		t.Fatalf("journal = %+v, want one record with two actions", records)
	}

	snap := metrics.Snapshot()
	if snap.Flushes != 1 {
		t.Fatalf("flushes = %d, want 1", snap.Flushes)
	}
	if snap.Actions["insert"] != 2 {
		t.Fatalf("insert actions = %d, want 2", snap.Actions["insert"])
	}
}

func TestStreamsFindYieldsZeroOrOne(t *testing.T) {
	ctx := context.Background()
	f, _, _ := newFactory(t)

	s, err := f.Streams()
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	defer func() { _ = s.Close() }()

	created := &task{Title: "one"}
	if _, err := s.Persist(created).Collect(ctx); err != nil {
		t.Fatalf("persist: %v", err)
	}
	if _, err := s.Flush(ctx).Collect(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	got, err := s.Find(ctx, "Task", created.ID).One(ctx)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.(*task).Title != "one" {
		t.Fatalf("found %v", got)
	}

	if _, err := s.Find(ctx, "Task", int64(9999)).One(ctx); !errors.Is(err, stream.ErrExhausted) {
		t.Fatalf("absent find = %v, want ErrExhausted", err)
	}
}

func TestJournalRecordsEachFlush(t *testing.T) {
	ctx := context.Background()
	f, sink, _ := newFactory(t)

	s, err := f.Futures()
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	defer func() { _ = s.Close() }()

	created := &task{Title: "journal me"}
	_ = s.Persist(created)
	if _, err := s.Flush(ctx).Await(ctx); err != nil {
		t.Fatalf("first flush: %v", err)
	}
	created.Done = true
	if _, err := s.Flush(ctx).Await(ctx); err != nil {
		t.Fatalf("second flush: %v", err)
	}

	records, err := sink.Replay(ctx, s.ID())
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("records = %d, want 2", len(records))
	}
	if records[0].Actions[0].Kind != "insert" {
		t.Fatalf("first record = %+v", records[0].Actions)
	}
	if records[1].Actions[0].Kind != "update" {
		t.Fatalf("second record = %+v", records[1].Actions)
	}
	for _, rec := range records {
		if time.Since(rec.At) > time.Minute {
			t.Fatalf("record timestamp %v looks stale", rec.At)
		}
	}
}

func TestFactoryCloseIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f, _, _ := newFactory(t)
	if err := f.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := f.Close(ctx); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if _, err := f.Futures(); err == nil {
		t.Fatal("session opened on a closed factory")
	}
}
