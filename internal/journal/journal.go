// Package journal archives flush records to a blob backend. One record is
// one object, keyed by session and flush sequence, so an archive can be
// replayed in order per session.
package journal

import (
	"context"
	"encoding/json"
	"fmt"

	"unitwork/internal/core"
)

// Archive is the storage backend a sink writes to.
type Archive interface {
	// Put stores an object under key, failing if the key already exists.
	Put(ctx context.Context, key string, data []byte) error
	// Get returns the object stored under key.
	Get(ctx context.Context, key string) ([]byte, error)
	// List returns the keys under prefix in lexical order.
	List(ctx context.Context, prefix string) ([]string, error)
}

// Sink writes one JSON object per executed flush plan.
type Sink struct {
	archive Archive
	prefix  string
}

var _ core.JournalSink = (*Sink)(nil)

// NewSink returns a sink writing under prefix (default "flush").
func NewSink(archive Archive, prefix string) *Sink {
	if prefix == "" {
		prefix = "flush"
	}
	return &Sink{archive: archive, prefix: prefix}
}

// Key returns the object key for a session's nth flush. Sequence numbers are
// zero padded so lexical listing order is flush order.
func (s *Sink) Key(session string, seq uint64) string {
	return fmt.Sprintf("%s/%s/%08d.json", s.prefix, session, seq)
}

func (s *Sink) Append(ctx context.Context, rec core.JournalRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode flush record: %w", err)
	}
	if err := s.archive.Put(ctx, s.Key(rec.Session, rec.Seq), data); err != nil {
		return fmt.Errorf("archive flush record: %w", err)
	}
	return nil
}

// Replay reads a session's records back in flush order.
func (s *Sink) Replay(ctx context.Context, session string) ([]core.JournalRecord, error) {
	keys, err := s.archive.List(ctx, s.prefix+"/"+session+"/")
	if err != nil {
		return nil, err
	}
	records := make([]core.JournalRecord, 0, len(keys))
	for _, key := range keys {
		data, err := s.archive.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		var rec core.JournalRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("decode %s: %w", key, err)
		}
		records = append(records, rec)
	}
	return records, nil
}
