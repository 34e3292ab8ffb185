package driver

import (
	"context"
	"errors"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"unitwork/pkg/domain"
)

type stubDriver struct{}

func (stubDriver) ExecOne(ctx context.Context, stmt domain.Statement, done domain.Completion[domain.ExecResult]) {
	done(domain.ExecResult{RowsAffected: 1}, nil)
}

func (stubDriver) ExecBatch(ctx context.Context, stmts []domain.Statement, done domain.Completion[[]domain.ExecResult]) {
	done(make([]domain.ExecResult, len(stmts)), nil)
}

func (stubDriver) Query(ctx context.Context, stmt domain.Statement) domain.RowSource {
	return stubRows{}
}

func (stubDriver) Begin(ctx context.Context, done domain.Completion[domain.Tx]) {
	done(stubTx{}, nil)
}

func (stubDriver) Close(ctx context.Context) error { return nil }

type stubTx struct{ stubDriver }

func (stubTx) Commit(ctx context.Context, done domain.Completion[struct{}])   { done(struct{}{}, nil) }
func (stubTx) Rollback(ctx context.Context, done domain.Completion[struct{}]) { done(struct{}{}, nil) }

type stubRows struct{}

func (stubRows) Next(context.Context) (domain.Row, bool, error) { return nil, false, nil }
func (stubRows) Close() error                                   { return nil }

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestGateAdmitsAndReleases(t *testing.T) {
	g := Gated(stubDriver{}, GateConfig{MaxInFlight: 1})
	done := make(chan error, 1)
	g.ExecOne(context.Background(), domain.Statement{}, func(_ domain.ExecResult, err error) {
		done <- err
	})
	if err := <-done; err != nil {
		t.Fatalf("exec: %v", err)
	}
	waitFor(t, func() bool { return len(g.slots) == 0 }, "slot release")
}

func TestGateFailsFastWhenQueueFull(t *testing.T) {
	ctx := context.Background()
	g := Gated(stubDriver{}, GateConfig{MaxInFlight: 1, MaxWaiting: 1})

	if err := g.acquire(ctx); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	waiterErr := make(chan error, 1)
	go func() { waiterErr <- g.acquire(ctx) }()
	waitFor(t, func() bool { return g.waiting.Load() == 1 }, "queued waiter")

	if err := g.acquire(ctx); !errors.Is(err, domain.ErrPoolExhausted) {
		t.Fatalf("overflow acquire = %v, want ErrPoolExhausted", err)
	}
	if g.Rejected() != 1 {
		t.Fatalf("rejected = %d, want 1", g.Rejected())
	}

	g.release()
	if err := <-waiterErr; err != nil {
		t.Fatalf("queued waiter: %v", err)
	}
	g.release()
}

func TestGateRetriesReadsBeforeFailing(t *testing.T) {
	ctx := context.Background()
	g := Gated(stubDriver{}, GateConfig{
		MaxInFlight: 1,
		MaxWaiting:  1,
		ReadRetries: 2,
		RetryRate:   rate.Limit(1000),
	})

	if err := g.acquire(ctx); err != nil {
		t.Fatalf("occupy slot: %v", err)
	}
	waiterErr := make(chan error, 1)
	go func() { waiterErr <- g.acquire(ctx) }()
	waitFor(t, func() bool { return g.waiting.Load() == 1 }, "queued waiter")

	rs := g.Query(ctx, domain.Statement{})
	_, _, err := rs.Next(ctx)
	if !errors.Is(err, domain.ErrPoolExhausted) {
		t.Fatalf("read = %v, want ErrPoolExhausted after retries", err)
	}
	// Initial attempt plus two retries.
	if g.Rejected() != 3 {
		t.Fatalf("rejected = %d, want 3", g.Rejected())
	}

	g.release()
	if err := <-waiterErr; err != nil {
		t.Fatalf("queued waiter: %v", err)
	}
	g.release()
}

func TestGateTransactionPinsSlot(t *testing.T) {
	ctx := context.Background()
	g := Gated(stubDriver{}, GateConfig{MaxInFlight: 1})

	txCh := make(chan domain.Tx, 1)
	g.Begin(ctx, func(tx domain.Tx, err error) {
		if err != nil {
			t.Errorf("begin: %v", err)
		}
		txCh <- tx
	})
	tx := <-txCh
	if len(g.slots) != 1 {
		t.Fatalf("slot not pinned by transaction")
	}

	done := make(chan error, 1)
	tx.Commit(ctx, func(_ struct{}, err error) { done <- err })
	if err := <-done; err != nil {
		t.Fatalf("commit: %v", err)
	}
	waitFor(t, func() bool { return len(g.slots) == 0 }, "slot release after commit")
}
