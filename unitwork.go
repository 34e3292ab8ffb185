// Package unitwork is the entry point of the asynchronous unit-of-work
// engine. A Factory owns the shared driver, metadata registry, and
// observability wiring; each session it opens is one exclusive persistence
// context, exposed through either the future or the stream calling
// convention.
package unitwork

import (
	"context"
	"log/slog"

	"unitwork/internal/core"
	"unitwork/pkg/domain"
	"unitwork/pkg/future"
	"unitwork/pkg/stream"
)

// Config wires a factory's collaborators. Driver and Registry are required;
// everything else has a working default.
type Config struct {
	Driver   domain.Driver
	Registry *domain.Registry
	Logger   *slog.Logger
	Metrics  MetricsRecorder
	Journal  JournalSink
}

// Aliases re-export the engine types a caller needs without reaching into
// internal packages.
type (
	MetricsRecorder = core.MetricsRecorder
	NopMetrics      = core.NopMetrics
	ExpvarMetrics   = core.ExpvarMetrics
	JournalSink     = core.JournalSink
	JournalRecord   = core.JournalRecord
	JournalAction   = core.JournalAction
	SessionState    = core.SessionState
)

const (
	SessionActive      = core.SessionActive
	SessionFlushing    = core.SessionFlushing
	SessionFlushFailed = core.SessionFlushFailed
	SessionFailed      = core.SessionFailed
	SessionClosed      = core.SessionClosed
)

// NewExpvarMetrics constructs the process-local expvar recorder.
func NewExpvarMetrics(name string) *ExpvarMetrics { return core.NewExpvarMetrics(name) }

// Factory produces sessions sharing one driver and registry.
type Factory struct {
	core *core.Factory
}

// New validates the configuration and returns a ready factory.
func New(cfg Config) (*Factory, error) {
	f, err := core.NewFactory(core.FactoryConfig{
		Driver:   cfg.Driver,
		Registry: cfg.Registry,
		Logger:   cfg.Logger,
		Metrics:  cfg.Metrics,
		Journal:  cfg.Journal,
	})
	if err != nil {
		return nil, err
	}
	return &Factory{core: f}, nil
}

// Registry returns the immutable metadata registry.
func (f *Factory) Registry() *domain.Registry { return f.core.Registry() }

// Futures opens a session speaking the future calling convention.
func (f *Factory) Futures() (*future.Session, error) {
	s, err := f.core.OpenSession()
	if err != nil {
		return nil, err
	}
	return future.Wrap(s), nil
}

// Streams opens a session speaking the stream calling convention.
func (f *Factory) Streams() (*stream.Session, error) {
	s, err := f.core.OpenSession()
	if err != nil {
		return nil, err
	}
	return stream.Wrap(s), nil
}

// Close tears the factory down, closing the shared driver. Idempotent.
func (f *Factory) Close(ctx context.Context) error { return f.core.Close(ctx) }
