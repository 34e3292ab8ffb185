package journal

import (
	"context"
	"testing"
	"time"

	"unitwork/internal/core"
)

func record(session string, seq uint64) core.JournalRecord {
	return core.JournalRecord{
		Session: session,
		Seq:     seq,
		At:      time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Actions: []core.JournalAction{
			{Kind: "insert", Entity: "Order", Identity: "Order#1", Columns: []string{"ref"}},
		},
	}
}

func TestSinkAppendsAndReplaysInOrder(t *testing.T) {
	ctx := context.Background()
	sink := NewSink(NewMemoryArchive(), "")

	for seq := uint64(1); seq <= 3; seq++ {
		if err := sink.Append(ctx, record("s1", seq)); err != nil {
			t.Fatalf("append %d: %v", seq, err)
		}
	}
	if err := sink.Append(ctx, record("s2", 1)); err != nil {
		t.Fatalf("append other session: %v", err)
	}

	records, err := sink.Replay(ctx, "s1")
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("records = %d, want 3", len(records))
	}
	for i, rec := range records {
		if rec.Seq != uint64(i+1) {
			t.Fatalf("record %d has seq %d, want %d", i, rec.Seq, i+1)
		}
		if len(rec.Actions) != 1 || rec.Actions[0].Identity != "Order#1" {
			t.Fatalf("record %d actions = %v", i, rec.Actions)
		}
	}
}

func TestSinkRefusesDuplicateSequence(t *testing.T) {
	ctx := context.Background()
	sink := NewSink(NewMemoryArchive(), "")
	if err := sink.Append(ctx, record("s1", 1)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := sink.Append(ctx, record("s1", 1)); err == nil {
		t.Fatal("duplicate append succeeded")
	}
}

func TestFSArchiveRoundtrip(t *testing.T) {
	ctx := context.Background()
	archive, err := NewFSArchive(t.TempDir())
	if err != nil {
		t.Fatalf("new archive: %v", err)
	}

	if err := archive.Put(ctx, "flush/s1/00000001.json", []byte(`{"seq":1}`)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := archive.Put(ctx, "flush/s1/00000001.json", nil); err == nil {
		t.Fatal("overwrite succeeded")
	}

	data, err := archive.Get(ctx, "flush/s1/00000001.json")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(data) != `{"seq":1}` {
		t.Fatalf("data = %s", data)
	}

	keys, err := archive.List(ctx, "flush/s1/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(keys) != 1 || keys[0] != "flush/s1/00000001.json" {
		t.Fatalf("keys = %v", keys)
	}
}

func TestFSArchiveRejectsTraversal(t *testing.T) {
	ctx := context.Background()
	archive, err := NewFSArchive(t.TempDir())
	if err != nil {
		t.Fatalf("new archive: %v", err)
	}
	if err := archive.Put(ctx, "../escape", []byte("x")); err == nil {
		t.Fatal("traversal key accepted")
	}
	if err := archive.Put(ctx, "/absolute", []byte("x")); err == nil {
		t.Fatal("absolute key accepted")
	}
}
