package core

import (
	"expvar"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// MetricsRecorder receives engine-level measurements. Implementations must
// be safe for concurrent use across sessions.
type MetricsRecorder interface {
	// ObserveFlush records one completed flush attempt.
	ObserveFlush(d time.Duration, actions int, err error)
	// ObserveAction counts one executed action by kind.
	ObserveAction(kind string)
	// ObserveBatch records the size of one coalesced batch round trip.
	ObserveBatch(size int)
	// ObserveStale counts one optimistic-lock failure.
	ObserveStale()
}

// NopMetrics discards all measurements.
type NopMetrics struct{}

func (NopMetrics) ObserveFlush(time.Duration, int, error) {}
func (NopMetrics) ObserveAction(string)                   {}
func (NopMetrics) ObserveBatch(int)                       {}
func (NopMetrics) ObserveStale()                          {}

var expvarSeq uint64

// ExpvarMetrics publishes aggregate flush counters via expvar, for
// deployments that prefer process-local metrics without external
// dependencies.
type ExpvarMetrics struct {
	name string

	mu          sync.Mutex
	flushes     int64
	flushErrors int64
	flushMS     float64
	actions     map[string]int64
	batches     int64
	batchedRows int64
	stale       int64
}

// ExpvarMetricsSnapshot is a read-only view of the recorded counters.
type ExpvarMetricsSnapshot struct {
	Flushes     int64            `json:"flushes_total"`
	FlushErrors int64            `json:"flush_errors_total"`
	FlushMS     float64          `json:"flush_ms_total"`
	Actions     map[string]int64 `json:"actions_total"`
	Batches     int64            `json:"batches_total"`
	BatchedRows int64            `json:"batched_rows_total"`
	Stale       int64            `json:"stale_failures_total"`
}

// NewExpvarMetrics constructs a recorder and publishes it under the supplied
// name. When name is empty, a unique identifier is generated.
func NewExpvarMetrics(name string) *ExpvarMetrics {
	if name == "" {
		id := atomic.AddUint64(&expvarSeq, 1)
		name = fmt.Sprintf("unitwork_metrics_%d", id)
	}
	m := &ExpvarMetrics{name: name, actions: make(map[string]int64)}
	expvar.Publish(name, expvar.Func(func() any { return m.Snapshot() }))
	return m
}

// Name returns the expvar export name.
func (m *ExpvarMetrics) Name() string { return m.name }

func (m *ExpvarMetrics) ObserveFlush(d time.Duration, actions int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flushes++
	m.flushMS += float64(d) / float64(time.Millisecond)
	if err != nil {
		m.flushErrors++
	}
}

func (m *ExpvarMetrics) ObserveAction(kind string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actions[kind]++
}

func (m *ExpvarMetrics) ObserveBatch(size int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches++
	m.batchedRows += int64(size)
}

func (m *ExpvarMetrics) ObserveStale() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stale++
}

// Snapshot returns an immutable copy of the aggregated counters.
func (m *ExpvarMetrics) Snapshot() ExpvarMetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	actions := make(map[string]int64, len(m.actions))
	for k, v := range m.actions {
		actions[k] = v
	}
	return ExpvarMetricsSnapshot{
		Flushes:     m.flushes,
		FlushErrors: m.flushErrors,
		FlushMS:     m.flushMS,
		Actions:     actions,
		Batches:     m.batches,
		BatchedRows: m.batchedRows,
		Stale:       m.stale,
	}
}
