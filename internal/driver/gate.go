// Package driver holds the adapters that satisfy the engine's driver
// contract, plus the shared admission gate that bounds how many calls are in
// flight against any of them.
package driver

import (
	"context"
	"sync/atomic"

	"golang.org/x/time/rate"

	"unitwork/pkg/domain"
)

// GateConfig bounds a gated driver. Zero values fall back to the defaults
// applied by Gated.
type GateConfig struct {
	// MaxInFlight is the number of driver calls allowed to run at once.
	MaxInFlight int
	// MaxWaiting is the number of calls allowed to queue for a slot before
	// further callers are rejected outright.
	MaxWaiting int
	// ReadRetries is how many times an idempotent read retries admission
	// after a rejection. Writes are never retried.
	ReadRetries int
	// RetryRate paces read retries.
	RetryRate rate.Limit
}

const (
	defaultInFlight    = 8
	defaultWaiting     = 32
	defaultReadRetries = 3
	defaultRetryRate   = rate.Limit(20)
)

// Gate admits driver calls up to a fixed concurrency with a bounded wait
// queue. Overflowing the queue fails fast; only reads, which have not been
// sent and are idempotent, are retried, paced by a rate limiter.
type Gate struct {
	inner    domain.Driver
	slots    chan struct{}
	waiting  atomic.Int64
	maxWait  int64
	retries  int
	limiter  *rate.Limiter
	rejected atomic.Uint64
}

var _ domain.Driver = (*Gate)(nil)

// Gated wraps a driver with an admission gate.
func Gated(inner domain.Driver, cfg GateConfig) *Gate {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = defaultInFlight
	}
	if cfg.MaxWaiting <= 0 {
		cfg.MaxWaiting = defaultWaiting
	}
	if cfg.ReadRetries <= 0 {
		cfg.ReadRetries = defaultReadRetries
	}
	if cfg.RetryRate <= 0 {
		cfg.RetryRate = defaultRetryRate
	}
	return &Gate{
		inner:   inner,
		slots:   make(chan struct{}, cfg.MaxInFlight),
		maxWait: int64(cfg.MaxWaiting),
		retries: cfg.ReadRetries,
		limiter: rate.NewLimiter(cfg.RetryRate, 1),
	}
}

// Rejected reports how many calls the gate has turned away.
func (g *Gate) Rejected() uint64 { return g.rejected.Load() }

// acquire takes a slot, queueing up to the wait bound.
func (g *Gate) acquire(ctx context.Context) error {
	select {
	case g.slots <- struct{}{}:
		return nil
	default:
	}
	if g.waiting.Add(1) > g.maxWait {
		g.waiting.Add(-1)
		g.rejected.Add(1)
		return domain.ErrPoolExhausted
	}
	defer g.waiting.Add(-1)
	select {
	case g.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// acquireRead is acquire plus the idempotent-read retry loop.
func (g *Gate) acquireRead(ctx context.Context) error {
	err := g.acquire(ctx)
	for attempt := 0; err == domain.ErrPoolExhausted && attempt < g.retries; attempt++ {
		if werr := g.limiter.Wait(ctx); werr != nil {
			return werr
		}
		err = g.acquire(ctx)
	}
	return err
}

func (g *Gate) release() { <-g.slots }

func (g *Gate) ExecOne(ctx context.Context, stmt domain.Statement, done domain.Completion[domain.ExecResult]) {
	go func() {
		if err := g.acquire(ctx); err != nil {
			done(domain.ExecResult{}, err)
			return
		}
		g.inner.ExecOne(ctx, stmt, func(res domain.ExecResult, err error) {
			g.release()
			done(res, err)
		})
	}()
}

func (g *Gate) ExecBatch(ctx context.Context, stmts []domain.Statement, done domain.Completion[[]domain.ExecResult]) {
	go func() {
		if err := g.acquire(ctx); err != nil {
			done(nil, err)
			return
		}
		g.inner.ExecBatch(ctx, stmts, func(res []domain.ExecResult, err error) {
			g.release()
			done(res, err)
		})
	}()
}

// Query holds a slot for the life of the row source; admission happens on the
// first pull so the retry loop never blocks the caller.
func (g *Gate) Query(ctx context.Context, stmt domain.Statement) domain.RowSource {
	return &gatedRows{gate: g, ctx: ctx, stmt: stmt}
}

// Begin pins a slot for the whole transaction; statements inside it pass
// through unguarded since the connection is already held.
func (g *Gate) Begin(ctx context.Context, done domain.Completion[domain.Tx]) {
	go func() {
		if err := g.acquire(ctx); err != nil {
			done(nil, err)
			return
		}
		g.inner.Begin(ctx, func(inner domain.Tx, err error) {
			if err != nil {
				g.release()
				done(nil, err)
				return
			}
			done(&gatedTx{Tx: inner, gate: g}, nil)
		})
	}()
}

func (g *Gate) Close(ctx context.Context) error { return g.inner.Close(ctx) }

type gatedTx struct {
	domain.Tx
	gate     *Gate
	released atomic.Bool
}

func (t *gatedTx) end() {
	if t.released.CompareAndSwap(false, true) {
		t.gate.release()
	}
}

func (t *gatedTx) Commit(ctx context.Context, done domain.Completion[struct{}]) {
	t.Tx.Commit(ctx, func(v struct{}, err error) {
		t.end()
		done(v, err)
	})
}

func (t *gatedTx) Rollback(ctx context.Context, done domain.Completion[struct{}]) {
	t.Tx.Rollback(ctx, func(v struct{}, err error) {
		t.end()
		done(v, err)
	})
}

type gatedRows struct {
	gate     *Gate
	ctx      context.Context
	stmt     domain.Statement
	inner    domain.RowSource
	admitted bool
	closed   bool
	failed   error
}

func (r *gatedRows) Next(ctx context.Context) (domain.Row, bool, error) {
	if r.failed != nil {
		return nil, false, r.failed
	}
	if r.closed {
		return nil, false, nil
	}
	if !r.admitted {
		if err := r.gate.acquireRead(ctx); err != nil {
			r.failed = err
			return nil, false, err
		}
		r.admitted = true
		r.inner = r.gate.inner.Query(r.ctx, r.stmt)
	}
	return r.inner.Next(ctx)
}

func (r *gatedRows) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	if !r.admitted {
		return nil
	}
	err := r.inner.Close()
	r.gate.release()
	return err
}
