package core

import (
	"context"
	"time"
)

// JournalSink receives a record of every successfully executed flush plan.
// Sinks are optional; append failures are logged, never surfaced to the
// flushing caller.
type JournalSink interface {
	Append(ctx context.Context, rec JournalRecord) error
}

// JournalRecord describes one executed flush.
type JournalRecord struct {
	Session string          `json:"session"`
	Seq     uint64          `json:"seq"`
	At      time.Time       `json:"at"`
	Actions []JournalAction `json:"actions"`
}

// JournalAction is the journal view of one executed action.
type JournalAction struct {
	Kind     string   `json:"kind"`
	Entity   string   `json:"entity"`
	Identity string   `json:"identity"`
	Columns  []string `json:"columns,omitempty"`
}

func journalRecord(session string, seq uint64, now time.Time, plan *Plan) JournalRecord {
	rec := JournalRecord{Session: session, Seq: seq, At: now, Actions: make([]JournalAction, 0, len(plan.Actions))}
	for _, a := range plan.Actions {
		rec.Actions = append(rec.Actions, JournalAction{
			Kind:     a.Kind.String(),
			Entity:   a.Type.Name,
			Identity: a.entry.ID.String(),
			Columns:  a.columnsOf(),
		})
	}
	return rec
}
