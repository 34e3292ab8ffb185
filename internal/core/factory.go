package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	"unitwork/pkg/domain"
)

// FactoryConfig wires the collaborators of one session factory. Driver and
// Registry are required; everything else has a working default.
type FactoryConfig struct {
	Driver   domain.Driver
	Registry *domain.Registry
	Logger   *slog.Logger
	Metrics  MetricsRecorder
	Journal  JournalSink
}

// Factory produces sessions sharing one driver, registry, and observability
// wiring. It is constructed once, passed explicitly, and closed once; there
// is no ambient process-wide instance.
type Factory struct {
	driver   domain.Driver
	registry *domain.Registry
	logger   *slog.Logger
	metrics  MetricsRecorder
	journal  JournalSink
	closed   atomic.Bool
}

// NewFactory validates the configuration and returns a ready factory.
func NewFactory(cfg FactoryConfig) (*Factory, error) {
	if cfg.Driver == nil {
		return nil, errors.New("unitwork: factory requires a driver")
	}
	if cfg.Registry == nil {
		return nil, errors.New("unitwork: factory requires a metadata registry")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = NopMetrics{}
	}
	return &Factory{
		driver:   cfg.Driver,
		registry: cfg.Registry,
		logger:   logger,
		metrics:  metrics,
		journal:  cfg.Journal,
	}, nil
}

// Registry returns the immutable metadata registry.
func (f *Factory) Registry() *domain.Registry { return f.registry }

// OpenSession starts a new unit of work. Each session exclusively owns its
// persistence context; sessions from one factory may run concurrently.
func (f *Factory) OpenSession() (*Session, error) {
	if f.closed.Load() {
		return nil, fmt.Errorf("open session: %w", domain.ErrSessionClosed)
	}
	return newSession(f), nil
}

// Close tears the factory down, closing the shared driver. Idempotent.
func (f *Factory) Close(ctx context.Context) error {
	if f.closed.Swap(true) {
		return nil
	}
	if err := f.driver.Close(ctx); err != nil {
		return fmt.Errorf("close driver: %w", err)
	}
	return nil
}
