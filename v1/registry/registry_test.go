package registry

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/mirkobrombin/go-tally/v1/adapter"
	"github.com/mirkobrombin/go-tally/v1/config"
	"github.com/mirkobrombin/go-tally/v1/counter"
	tallyerrors "github.com/mirkobrombin/go-tally/v1/errors"
	"github.com/mirkobrombin/go-tally/v1/keys"
	"github.com/mirkobrombin/go-tally/v1/syncbus"
)

type product struct{ id string }

func (p product) TallyType() string { return "product" }
func (p product) TallyID() string   { return p.id }

func newRegistry(t *testing.T, opts ...Option) *Registry {
	t.Helper()
	r := New(adapter.NewInMemoryStore(), opts...)
	t.Cleanup(r.Close)
	if err := r.DeclareCounter("product", "stock", CounterConfig{Start: 5, Bounds: &counter.Bounds{Min: 0, Max: 5}}); err != nil {
		t.Fatalf("declare counter: %v", err)
	}
	if err := r.DeclareCounter("product", "views", CounterConfig{}); err != nil {
		t.Fatalf("declare counter: %v", err)
	}
	if err := r.DeclareLock("product", "restock", LockConfig{Timeout: time.Second, TTL: 5 * time.Second}); err != nil {
		t.Fatalf("declare lock: %v", err)
	}
	return r
}

func TestDeclarationErrors(t *testing.T) {
	r := newRegistry(t)
	cases := map[string]error{
		"duplicate counter":    r.DeclareCounter("product", "stock", CounterConfig{}),
		"lock on counter name": r.DeclareLock("product", "stock", LockConfig{}),
		"counter on lock name": r.DeclareCounter("product", "restock", CounterConfig{}),
		"empty name":           r.DeclareCounter("product", "", CounterConfig{}),
		"empty type":           r.DeclareLock("", "x", LockConfig{}),
		"min above max":        r.DeclareCounter("product", "bad", CounterConfig{Bounds: &counter.Bounds{Min: 2, Max: 1}}),
		"negative timeout":     r.DeclareLock("product", "slow", LockConfig{Timeout: -time.Second}),
		"negative ttl":         r.DeclareLock("product", "stale", LockConfig{TTL: -time.Second}),
	}
	for name, err := range cases {
		if !errors.Is(err, tallyerrors.ErrConfiguration) {
			t.Fatalf("%s: expected ErrConfiguration, got %v", name, err)
		}
	}
	if err := r.DeclareCounter("order", "stock", CounterConfig{}); err != nil {
		t.Fatalf("same name on another type should be allowed: %v", err)
	}
}

func TestUndeclaredIsConfigurationError(t *testing.T) {
	r := newRegistry(t)
	if _, err := r.Counter("product", "missing", "1"); !errors.Is(err, tallyerrors.ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
	if _, err := r.Lock("product", "stock", "1"); !errors.Is(err, tallyerrors.ErrConfiguration) {
		t.Fatalf("counter name used as lock should fail, got %v", err)
	}
	if _, err := r.Counter("product", "stock", ""); !errors.Is(err, tallyerrors.ErrConfiguration) {
		t.Fatalf("empty id should fail, got %v", err)
	}
}

func TestHandlesCarryDeclaredConfig(t *testing.T) {
	r := newRegistry(t, WithNamer(keys.NewNamer("shop")))
	c, err := r.Counter("product", "stock", "42")
	if err != nil {
		t.Fatalf("counter: %v", err)
	}
	if c.Key() != "shop:product:42:stock" || c.Start() != 5 {
		t.Fatalf("unexpected counter %q start %d", c.Key(), c.Start())
	}
	if b, ok := c.Bounds(); !ok || b.Max != 5 {
		t.Fatalf("bounds lost: %+v %v", b, ok)
	}
	l, err := r.Lock("product", "restock", "42")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if l.Key() != "shop:product:42:restock" || l.Timeout() != time.Second || l.TTL() != 5*time.Second {
		t.Fatalf("unexpected lock %q %s %s", l.Key(), l.Timeout(), l.TTL())
	}
}

func TestInstanceAndTypeLevelAreIndependent(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(t)
	one, _ := r.Counter("product", "views", "1")
	two, _ := r.Counter("product", "views", "2")
	all, _ := r.TypeCounter("product", "views")

	if _, err := one.Increment(ctx, 1); err != nil {
		t.Fatalf("increment: %v", err)
	}
	if _, err := all.Increment(ctx, 10); err != nil {
		t.Fatalf("increment: %v", err)
	}
	if v, _ := two.Value(ctx); v != 0 {
		t.Fatalf("entity 2 saw %d", v)
	}
	if v, _ := one.Value(ctx); v != 1 {
		t.Fatalf("entity 1 value %d", v)
	}
	if v, _ := all.Value(ctx); v != 10 {
		t.Fatalf("type-level value %d", v)
	}
	if lk, err := r.TypeLock("product", "restock"); err != nil || !strings.Contains(lk.Key(), "::") {
		t.Fatalf("type lock key %v %v", lk, err)
	}
}

func TestBindingAndEntity(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(t, WithBus(syncbus.NewInMemoryBus()))
	b := r.For(product{id: "7"})
	if b.String() != "product/7" {
		t.Fatalf("unexpected binding %s", b)
	}
	stock, err := b.Counter("stock")
	if err != nil {
		t.Fatalf("counter: %v", err)
	}
	ok, err := stock.Take(ctx, 5, nil)
	if err != nil || !ok {
		t.Fatalf("take: %v %v", ok, err)
	}
	if ok, _ := stock.Take(ctx, 1, nil); ok {
		t.Fatal("take past the lower bound applied")
	}
	restock, err := b.Lock("restock")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if err := restock.Do(ctx, func(ctx context.Context) error {
		return stock.Reset(ctx, 5)
	}); err != nil {
		t.Fatalf("restock: %v", err)
	}
	if v, _ := stock.Value(ctx); v != 5 {
		t.Fatalf("stock %d after restock", v)
	}
}

func TestListing(t *testing.T) {
	r := newRegistry(t)
	if got := r.Counters("product"); !reflect.DeepEqual(got, []string{"stock", "views"}) {
		t.Fatalf("counters %v", got)
	}
	if got := r.Locks("product"); !reflect.DeepEqual(got, []string{"restock"}) {
		t.Fatalf("locks %v", got)
	}
	if got := r.Counters("nope"); len(got) != 0 {
		t.Fatalf("unexpected counters %v", got)
	}
	if got := r.Types(); !reflect.DeepEqual(got, []string{"product"}) {
		t.Fatalf("types %v", got)
	}
}

func TestDeclareFromConfig(t *testing.T) {
	zero, ten := int64(0), int64(10)
	r := New(adapter.NewInMemoryStore())
	err := r.Declare(config.Declarations{
		Counters: []config.CounterDecl{{Type: "seat", Name: "free", Start: 10, Min: &zero, Max: &ten}},
		Locks:    []config.LockDecl{{Type: "seat", Name: "assign", Timeout: time.Second}},
	})
	if err != nil {
		t.Fatalf("declare: %v", err)
	}
	c, err := r.Counter("seat", "free", "a1")
	if err != nil {
		t.Fatalf("counter: %v", err)
	}
	if b, ok := c.Bounds(); !ok || b.Max != 10 || c.Start() != 10 {
		t.Fatalf("unexpected counter config %+v", b)
	}
	err = r.Declare(config.Declarations{Counters: []config.CounterDecl{{Type: "seat", Name: "free"}}})
	if !errors.Is(err, tallyerrors.ErrConfiguration) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
}

func TestHandleCacheReusesHandles(t *testing.T) {
	r := newRegistry(t, WithHandleCache(100))
	first, _ := r.Counter("product", "views", "1")
	r.handles.Wait()
	second, _ := r.Counter("product", "views", "1")
	if first != second {
		t.Fatal("expected the cached handle")
	}
	other, _ := r.Counter("product", "views", "2")
	if other == first {
		t.Fatal("different entities share a handle")
	}
}
