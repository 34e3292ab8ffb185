package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecorderCountsOutcomes(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec := NewPrometheusRecorder(reg)

	rec.ObserveFlush(5*time.Millisecond, 4, nil)
	rec.ObserveFlush(time.Millisecond, 1, errors.New("boom"))
	rec.ObserveAction("insert")
	rec.ObserveAction("insert")
	rec.ObserveAction("delete")
	rec.ObserveBatch(3)
	rec.ObserveStale()

	if got := testutil.ToFloat64(rec.flushes.WithLabelValues("ok")); got != 1 {
		t.Fatalf("ok flushes = %v, want 1", got)
	}
	if got := testutil.ToFloat64(rec.flushes.WithLabelValues("error")); got != 1 {
		t.Fatalf("error flushes = %v, want 1", got)
	}
	if got := testutil.ToFloat64(rec.actions.WithLabelValues("insert")); got != 2 {
		t.Fatalf("insert actions = %v, want 2", got)
	}
	if got := testutil.ToFloat64(rec.staleTotal); got != 1 {
		t.Fatalf("stale = %v, want 1", got)
	}
}

func TestRecorderRegistersAllCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewPrometheusRecorder(reg)
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	// Histograms and counter vecs surface only after observation, but the
	// plain counter is visible immediately.
	found := false
	for _, f := range families {
		if f.GetName() == "unitwork_stale_failures_total" {
			found = true
		}
	}
	if !found {
		t.Fatal("stale counter not registered")
	}
}
