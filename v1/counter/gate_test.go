package counter

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-tally/v1/adapter"
	tallyerrors "github.com/mirkobrombin/go-tally/v1/errors"
	"github.com/mirkobrombin/go-tally/v1/metrics"
)

func TestGateFailedPredicateScenarioB(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			c := New(s, "k")
			called := false
			ok, err := c.DecrementIf(ctx, Condition{}, func(context.Context, int64) error {
				called = true
				return nil
			})
			if err != nil || ok {
				t.Fatalf("expected condition not met, ok %v err %v", ok, err)
			}
			if called {
				t.Fatal("action must not run when the condition fails")
			}
			if v, _ := c.Value(ctx); v != 0 {
				t.Fatalf("counter not restored: %d", v)
			}
		})
	}
}

func TestGateAppliedRunsActionOnce(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			c := New(s, "k", WithStart(5))
			calls := 0
			var seen int64
			ok, err := c.DecrementIf(ctx, Condition{Delta: 2}, func(_ context.Context, v int64) error {
				calls++
				seen = v
				return nil
			})
			if err != nil || !ok {
				t.Fatalf("expected applied, ok %v err %v", ok, err)
			}
			if calls != 1 || seen != 3 {
				t.Fatalf("action calls %d value %d, want 1 and 3", calls, seen)
			}
			if v, _ := c.Value(ctx); v != 3 {
				t.Fatalf("value %d, want 3", v)
			}
		})
	}
}

func TestGateActionErrorIsNotCompensated(t *testing.T) {
	ctx := context.Background()
	c := New(adapter.NewInMemoryStore(), "k", WithStart(1))
	boom := errors.New("boom")
	ok, err := c.DecrementIf(ctx, Condition{}, func(context.Context, int64) error { return boom })
	if !ok || !errors.Is(err, boom) {
		t.Fatalf("expected applied with action error, ok %v err %v", ok, err)
	}
	if v, _ := c.Value(ctx); v != 0 {
		t.Fatalf("consumed unit must stay consumed, value %d", v)
	}
}

func TestGateCompensationFailed(t *testing.T) {
	ctx := context.Background()
	s := &failingStore{Store: adapter.NewInMemoryStore(), allow: 1}
	c := New(s, "k", WithMetrics())
	before := testutil.ToFloat64(metrics.CompensationFailures)

	called := false
	ok, err := c.DecrementIf(ctx, Condition{}, func(context.Context, int64) error {
		called = true
		return nil
	})
	if ok || called {
		t.Fatalf("gate must not apply, ok %v called %v", ok, called)
	}
	if !errors.Is(err, tallyerrors.ErrCompensationFailed) {
		t.Fatalf("expected ErrCompensationFailed, got %v", err)
	}
	if errors.Is(err, tallyerrors.ErrStoreUnavailable) {
		t.Fatal("compensation failure must be distinct from ErrStoreUnavailable")
	}
	var ce *tallyerrors.CompensationError
	if !errors.As(err, &ce) || ce.Delta != 1 || ce.Key != "k" {
		t.Fatalf("unexpected compensation error %#v", err)
	}
	if got := testutil.ToFloat64(metrics.CompensationFailures); got != before+1 {
		t.Fatalf("compensation failures metric %v, want %v", got, before+1)
	}
}

func TestGateDecrementFailureIsStoreUnavailable(t *testing.T) {
	c := New(&failingStore{Store: adapter.NewInMemoryStore()}, "k")
	_, err := c.DecrementIf(context.Background(), Condition{}, nil)
	if !errors.Is(err, tallyerrors.ErrStoreUnavailable) || errors.Is(err, tallyerrors.ErrCompensationFailed) {
		t.Fatalf("expected plain store error, got %v", err)
	}
}

// cancelStore cancels the caller's context once the first Add lands.
type cancelStore struct {
	adapter.Store
	cancel context.CancelFunc
}

func (c *cancelStore) Add(ctx context.Context, key string, delta, seed int64) (int64, error) {
	v, err := c.Store.Add(ctx, key, delta, seed)
	c.cancel()
	return v, err
}

func TestGateCompensatesAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c := New(&cancelStore{Store: adapter.NewInMemoryStore(), cancel: cancel}, "k")
	ok, err := c.DecrementIf(ctx, Condition{}, nil)
	if err != nil || ok {
		t.Fatalf("expected rejected gate, ok %v err %v", ok, err)
	}
	if v, _ := c.Value(context.Background()); v != 0 {
		t.Fatalf("value %d, want 0", v)
	}
}

func TestGateConcurrentTakeNeverOversells(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			stock := New(s, "stock", WithStart(10), WithBounds(0, 10))
			sold := New(s, "sold")
			var applied atomic.Int64
			var g errgroup.Group
			for i := 0; i < 30; i++ {
				g.Go(func() error {
					ok, err := stock.Take(ctx, 1, func(ctx context.Context, _ int64) error {
						_, err := sold.Increment(ctx, 1)
						return err
					})
					if ok {
						applied.Add(1)
					}
					return err
				})
			}
			if err := g.Wait(); err != nil {
				t.Fatalf("take: %v", err)
			}
			if applied.Load() != 10 {
				t.Fatalf("applied %d, want 10", applied.Load())
			}
			if v, _ := stock.Value(ctx); v != 0 {
				t.Fatalf("stock %d, want 0", v)
			}
			if v, _ := sold.Value(ctx); v != 10 {
				t.Fatalf("sold %d, want 10", v)
			}
		})
	}
}

func TestGiveRespectsUpperBound(t *testing.T) {
	ctx := context.Background()
	c := New(adapter.NewInMemoryStore(), "k", WithStart(9), WithBounds(0, 10))
	if ok, err := c.Give(ctx, 1, nil); err != nil || !ok {
		t.Fatalf("first give: ok %v err %v", ok, err)
	}
	if ok, err := c.Give(ctx, 1, nil); err != nil || ok {
		t.Fatalf("give past max should be rejected: ok %v err %v", ok, err)
	}
	if v, _ := c.Value(ctx); v != 10 {
		t.Fatalf("value %d, want 10", v)
	}

	unbounded := New(adapter.NewInMemoryStore(), "u")
	if ok, err := unbounded.Give(ctx, 3, nil); err != nil || !ok {
		t.Fatalf("unbounded give: ok %v err %v", ok, err)
	}
}

func TestConditionValidation(t *testing.T) {
	c := New(adapter.NewInMemoryStore(), "k")
	ctx := context.Background()
	if _, err := c.DecrementIf(ctx, Condition{Delta: -1}, nil); !errors.Is(err, tallyerrors.ErrConfiguration) {
		t.Fatalf("expected configuration error for negative delta, got %v", err)
	}
	if _, err := c.DecrementIf(ctx, Condition{Op: "=>"}, nil); !errors.Is(err, tallyerrors.ErrConfiguration) {
		t.Fatalf("expected configuration error for bad operator, got %v", err)
	}
	if v, _ := c.Value(ctx); v != 0 {
		t.Fatalf("invalid conditions must not touch the store, value %d", v)
	}
}

func TestOperators(t *testing.T) {
	cases := []struct {
		op   string
		v    int64
		want bool
	}{
		{"<", -1, true}, {"<", 0, false},
		{"<=", 0, true}, {"<=", 1, false},
		{">", 1, true}, {">", 0, false},
		{">=", 0, true}, {">=", -1, false},
		{"==", 0, true}, {"==", 1, false},
		{"!=", 1, true}, {"!=", 0, false},
	}
	for _, tc := range cases {
		op, err := ParseOperator(tc.op)
		if err != nil {
			t.Fatalf("parse %q: %v", tc.op, err)
		}
		if got := op.Holds(tc.v, 0); got != tc.want {
			t.Fatalf("%d %s 0 = %v, want %v", tc.v, tc.op, got, tc.want)
		}
	}
	if _, err := ParseOperator("~"); err == nil {
		t.Fatal("expected error for unknown operator")
	}
}
