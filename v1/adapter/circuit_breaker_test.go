package adapter

import (
	"context"
	"errors"
	"testing"
	"time"

	tallyerrors "github.com/mirkobrombin/go-tally/v1/errors"
)

// flakyStore fails every call while down is set.
type flakyStore struct {
	*InMemoryStore
	down  bool
	calls int
}

func (f *flakyStore) Add(ctx context.Context, key string, delta, seed int64) (int64, error) {
	f.calls++
	if f.down {
		return 0, tallyerrors.Unavailable("add", key, errors.New("connection refused"))
	}
	return f.InMemoryStore.Add(ctx, key, delta, seed)
}

func TestBreakerStoreStateTransitions(t *testing.T) {
	fs := &flakyStore{InMemoryStore: NewInMemoryStore(), down: true}
	cb := NewBreakerStore(fs, 2, 50*time.Millisecond)
	ctx := context.Background()

	if !cb.IsHealthy() {
		t.Fatal("expected healthy initially")
	}
	for i := 0; i < 2; i++ {
		if _, err := cb.Add(ctx, "k", 1, 0); !errors.Is(err, tallyerrors.ErrStoreUnavailable) {
			t.Fatalf("expected store error, got %v", err)
		}
	}
	if cb.IsHealthy() {
		t.Fatal("expected open after threshold reached")
	}

	_, err := cb.Add(ctx, "k", 1, 0)
	if !errors.Is(err, tallyerrors.ErrCircuitOpen) || !errors.Is(err, tallyerrors.ErrStoreUnavailable) {
		t.Fatalf("expected fast failure with ErrCircuitOpen, got %v", err)
	}
	if fs.calls != 2 {
		t.Fatalf("open circuit must not reach the store, calls %d", fs.calls)
	}

	time.Sleep(60 * time.Millisecond)
	fs.down = false
	if n, err := cb.Add(ctx, "k", 1, 0); err != nil || n != 1 {
		t.Fatalf("probe should pass: n %d err %v", n, err)
	}
	if !cb.IsHealthy() {
		t.Fatal("expected closed after successful probe")
	}
}

func TestBreakerStoreIgnoresDataErrors(t *testing.T) {
	s := NewInMemoryStore()
	cb := NewBreakerStore(s, 1, time.Minute)
	ctx := context.Background()
	_ = s.Set(ctx, "k", "not-a-number")

	for i := 0; i < 3; i++ {
		if _, err := cb.Add(ctx, "k", 1, 0); !errors.Is(err, tallyerrors.ErrNotInteger) {
			t.Fatalf("expected ErrNotInteger, got %v", err)
		}
	}
	if !cb.IsHealthy() {
		t.Fatal("data errors must not open the circuit")
	}
}

func TestBreakerStoreHalfOpenFailureReopens(t *testing.T) {
	fs := &flakyStore{InMemoryStore: NewInMemoryStore(), down: true}
	cb := NewBreakerStore(fs, 1, 20*time.Millisecond)
	ctx := context.Background()

	_, _ = cb.Add(ctx, "k", 1, 0)
	time.Sleep(30 * time.Millisecond)
	_, _ = cb.Add(ctx, "k", 1, 0) // failing probe
	if _, err := cb.Add(ctx, "k", 1, 0); !errors.Is(err, tallyerrors.ErrCircuitOpen) {
		t.Fatalf("expected circuit reopened, got %v", err)
	}
}
