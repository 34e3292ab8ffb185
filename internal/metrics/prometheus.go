// Package metrics exports engine measurements to a Prometheus registry.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"unitwork/internal/core"
)

// PrometheusRecorder implements the engine's metrics contract on top of an
// explicitly supplied registry, so callers control exposure and lifecycle.
type PrometheusRecorder struct {
	flushes    *prometheus.CounterVec
	flushTime  prometheus.Histogram
	flushSize  prometheus.Histogram
	actions    *prometheus.CounterVec
	batchSize  prometheus.Histogram
	staleTotal prometheus.Counter
}

var _ core.MetricsRecorder = (*PrometheusRecorder)(nil)

// NewPrometheusRecorder builds a recorder and registers its collectors on reg.
func NewPrometheusRecorder(reg *prometheus.Registry) *PrometheusRecorder {
	r := &PrometheusRecorder{
		flushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "unitwork_flushes_total",
			Help: "Completed flush attempts by outcome.",
		}, []string{"outcome"}),
		flushTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "unitwork_flush_duration_seconds",
			Help:    "Wall time per flush attempt.",
			Buckets: prometheus.DefBuckets,
		}),
		flushSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "unitwork_flush_actions",
			Help:    "Planned actions per flush.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "unitwork_actions_total",
			Help: "Executed actions by kind.",
		}, []string{"kind"}),
		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "unitwork_batch_size",
			Help:    "Statements per coalesced batch round trip.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
		staleTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "unitwork_stale_failures_total",
			Help: "Optimistic-lock failures observed at flush.",
		}),
	}
	reg.MustRegister(r.flushes, r.flushTime, r.flushSize, r.actions, r.batchSize, r.staleTotal)
	return r
}

func (r *PrometheusRecorder) ObserveFlush(d time.Duration, actions int, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	r.flushes.WithLabelValues(outcome).Inc()
	r.flushTime.Observe(d.Seconds())
	r.flushSize.Observe(float64(actions))
}

func (r *PrometheusRecorder) ObserveAction(kind string) {
	r.actions.WithLabelValues(kind).Inc()
}

func (r *PrometheusRecorder) ObserveBatch(size int) {
	r.batchSize.Observe(float64(size))
}

func (r *PrometheusRecorder) ObserveStale() {
	r.staleTotal.Inc()
}
