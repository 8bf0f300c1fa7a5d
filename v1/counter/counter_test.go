package counter

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-tally/v1/adapter"
	tallyerrors "github.com/mirkobrombin/go-tally/v1/errors"
)

func newStores(t *testing.T) map[string]adapter.Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	sq, err := adapter.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("sqlite: %v", err)
	}
	t.Cleanup(func() { _ = sq.Close() })
	return map[string]adapter.Store{
		"memory": adapter.NewInMemoryStore(),
		"redis":  adapter.NewRedisStore(client),
		"sqlite": sq,
	}
}

// failingStore passes the first allow Add calls through and fails the rest.
type failingStore struct {
	adapter.Store
	mu    sync.Mutex
	allow int
}

func (f *failingStore) Add(ctx context.Context, key string, delta, seed int64) (int64, error) {
	f.mu.Lock()
	ok := f.allow > 0
	f.allow--
	f.mu.Unlock()
	if !ok {
		return 0, tallyerrors.Unavailable("add", key, errors.New("connection refused"))
	}
	return f.Store.Add(ctx, key, delta, seed)
}

func TestCounterIncrementSeedsStart(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			c := New(s, "order:1:stock", WithStart(10))
			if v, err := c.Value(ctx); err != nil || v != 10 {
				t.Fatalf("value of untouched counter: got %d err %v", v, err)
			}
			if v, err := c.Increment(ctx, 5); err != nil || v != 15 {
				t.Fatalf("increment: got %d err %v", v, err)
			}
			if v, err := c.Decrement(ctx, 1); err != nil || v != 14 {
				t.Fatalf("decrement: got %d err %v", v, err)
			}
			if v, _ := c.Value(ctx); v != 14 {
				t.Fatalf("value: got %d", v)
			}
		})
	}
}

func TestCounterConcurrentDecrementsScenarioA(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			c := New(s, "k", WithStart(10))
			results := make([]int64, 3)
			var g errgroup.Group
			for i := range results {
				i := i
				g.Go(func() error {
					v, err := c.Decrement(ctx, 1)
					results[i] = v
					return err
				})
			}
			if err := g.Wait(); err != nil {
				t.Fatalf("decrement: %v", err)
			}
			sort.Slice(results, func(i, j int) bool { return results[i] > results[j] })
			if results[0] != 9 || results[1] != 8 || results[2] != 7 {
				t.Fatalf("expected {9,8,7}, got %v", results)
			}
			if v, _ := c.Value(ctx); v != 7 {
				t.Fatalf("final value %d, want 7", v)
			}
		})
	}
}

func TestCounterNoLostUpdates(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			const start = 100
			c := New(s, "k", WithStart(start))
			deltas := []int64{3, -1, 7, -4, 2, 2, -9, 5, 1, -6, 4, 8}
			var sum int64
			for _, d := range deltas {
				sum += d
			}
			var g errgroup.Group
			for _, d := range deltas {
				d := d
				g.Go(func() error {
					_, err := c.Increment(ctx, d)
					return err
				})
			}
			if err := g.Wait(); err != nil {
				t.Fatalf("increment: %v", err)
			}
			if v, _ := c.Value(ctx); v != start+sum {
				t.Fatalf("final value %d, want %d", v, start+sum)
			}
		})
	}
}

func TestCounterResetScenarioD(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			const base = 1_000_000
			c := New(s, "k")
			const n = 200
			results := make([]int64, n)
			var g errgroup.Group
			for i := 0; i < n; i++ {
				i := i
				g.Go(func() error {
					v, err := c.Increment(ctx, 1)
					results[i] = v
					return err
				})
				if i == n/2 {
					g.Go(func() error { return c.Reset(ctx, base) })
				}
			}
			if err := g.Wait(); err != nil {
				t.Fatalf("ops: %v", err)
			}
			after := int64(0)
			for _, v := range results {
				if v > base {
					after++
				}
			}
			final, _ := c.Value(ctx)
			if final != base+after {
				t.Fatalf("final %d, want %d: a pre-reset increment was reapplied", final, base+after)
			}
		})
	}
}

func TestCounterStoreUnavailable(t *testing.T) {
	c := New(&failingStore{Store: adapter.NewInMemoryStore()}, "k")
	if _, err := c.Increment(context.Background(), 1); !errors.Is(err, tallyerrors.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
}

func TestCounterValueNotInteger(t *testing.T) {
	s := adapter.NewInMemoryStore()
	_ = s.Set(context.Background(), "k", "held-by-someone")
	c := New(s, "k")
	if _, err := c.Value(context.Background()); !errors.Is(err, tallyerrors.ErrNotInteger) {
		t.Fatalf("expected ErrNotInteger, got %v", err)
	}
}
