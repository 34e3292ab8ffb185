package future

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestAwaitReturnsResolvedValue(t *testing.T) {
	f, complete := New[int]()
	go complete(42, nil)
	v, err := f.Await(context.Background())
	if err != nil || v != 42 {
		t.Fatalf("await = (%d, %v), want (42, nil)", v, err)
	}
}

func TestOnlyFirstCompletionCounts(t *testing.T) {
	f, complete := New[int]()
	complete(1, nil)
	complete(2, nil)
	v, err := f.Await(context.Background())
	if err != nil || v != 1 {
		t.Fatalf("await = (%d, %v), want (1, nil)", v, err)
	}
}

func TestAwaitHonoursContext(t *testing.T) {
	f, _ := New[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := f.Await(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("await = %v, want deadline exceeded", err)
	}
}

func TestTryGetBeforeAndAfterResolution(t *testing.T) {
	f, complete := New[string]()
	if _, _, ok := f.TryGet(); ok {
		t.Fatal("unresolved future reported a value")
	}
	complete("done", nil)
	v, err, ok := f.TryGet()
	if !ok || err != nil || v != "done" {
		t.Fatalf("tryget = (%q, %v, %v)", v, err, ok)
	}
}

func TestThenChainsOnSuccess(t *testing.T) {
	f, complete := New[int]()
	doubled := Then(f, func(v int) (int, error) { return v * 2, nil })
	complete(21, nil)
	v, err := doubled.Await(context.Background())
	if err != nil || v != 42 {
		t.Fatalf("then = (%d, %v), want (42, nil)", v, err)
	}
}

func TestThenPropagatesFailure(t *testing.T) {
	boom := errors.New("boom")
	chained := Then(Failed[int](boom), func(v int) (int, error) {
		t.Error("fn invoked on a failed future")
		return 0, nil
	})
	if _, err := chained.Await(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want the original failure", err)
	}
}
