package presets

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	natsserver "github.com/nats-io/nats-server/v2/test"
	"github.com/rs/zerolog"

	"github.com/mirkobrombin/go-tally/v1/adapter"
	"github.com/mirkobrombin/go-tally/v1/config"
	tallyerrors "github.com/mirkobrombin/go-tally/v1/errors"
	"github.com/mirkobrombin/go-tally/v1/registry"
)

func exercise(t *testing.T, tl *Tally) {
	t.Helper()
	ctx := context.Background()
	c, err := tl.Registry.Counter("product", "stock", "1")
	if err != nil {
		t.Fatalf("counter: %v", err)
	}
	if v, err := c.Increment(ctx, 1); err != nil || v != c.Start()+1 {
		t.Fatalf("increment: %d %v", v, err)
	}
	l, err := tl.Registry.Lock("product", "restock", "1")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	ran := false
	if err := l.Do(ctx, func(context.Context) error { ran = true; return nil }); err != nil || !ran {
		t.Fatalf("do: %v ran %v", err, ran)
	}
}

func declare(t *testing.T, r *registry.Registry) {
	t.Helper()
	if err := r.DeclareCounter("product", "stock", registry.CounterConfig{Start: 3}); err != nil {
		t.Fatalf("declare: %v", err)
	}
	if err := r.DeclareLock("product", "restock", registry.LockConfig{}); err != nil {
		t.Fatalf("declare: %v", err)
	}
}

func testConfig(driver string) *config.Config {
	cfg := config.Default()
	cfg.Store.Driver = driver
	cfg.Counters = []config.CounterDecl{{Type: "product", Name: "stock", Start: 3}}
	cfg.Locks = []config.LockDecl{{Type: "product", Name: "restock", Timeout: time.Second}}
	return cfg
}

func TestNewInMemory(t *testing.T) {
	tl := NewInMemory()
	defer tl.Close()
	declare(t, tl.Registry)
	exercise(t, tl)
}

func TestNewRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	tl := NewRedis(RedisOptions{Addr: mr.Addr()})
	defer tl.Close()
	declare(t, tl.Registry)
	exercise(t, tl)
	if !mr.Exists("tally:product:1:stock") {
		t.Fatal("counter key not written to redis")
	}
}

func TestFromConfigDrivers(t *testing.T) {
	mr := miniredis.RunT(t)
	ns := natsserver.RunRandClientPortServer()
	defer ns.Shutdown()

	cases := map[string]func() *config.Config{
		"memory": func() *config.Config {
			cfg := testConfig(config.DriverMemory)
			cfg.Bus.Driver = config.BusMemory
			return cfg
		},
		"redis": func() *config.Config {
			cfg := testConfig(config.DriverRedis)
			cfg.Store.Redis.Addr = mr.Addr()
			cfg.Bus.Driver = config.BusRedis
			cfg.Store.Breaker.Threshold = 3
			return cfg
		},
		"sqlite+nats": func() *config.Config {
			cfg := testConfig(config.DriverSQLite)
			cfg.Store.SQLite.DSN = filepath.Join(t.TempDir(), "tally.db")
			cfg.Bus.Driver = config.BusNATS
			cfg.Bus.NATSURL = ns.ClientURL()
			return cfg
		},
	}
	for name, build := range cases {
		t.Run(name, func(t *testing.T) {
			tl, err := FromConfig(context.Background(), build(), zerolog.Nop())
			if err != nil {
				t.Fatalf("from config: %v", err)
			}
			defer tl.Close()
			exercise(t, tl)
		})
	}
}

func TestFromConfigBreakerWraps(t *testing.T) {
	cfg := testConfig(config.DriverMemory)
	cfg.Store.Breaker.Threshold = 2
	tl, err := FromConfig(context.Background(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("from config: %v", err)
	}
	defer tl.Close()
	if _, ok := tl.Store.(*adapter.BreakerStore); !ok {
		t.Fatalf("store %T is not wrapped by the breaker", tl.Store)
	}
}

func TestFromConfigRejectsBadDeclarations(t *testing.T) {
	cfg := testConfig(config.DriverMemory)
	cfg.Counters = append(cfg.Counters, config.CounterDecl{Type: "product", Name: "restock"})
	_, err := FromConfig(context.Background(), cfg, zerolog.Nop())
	if !errors.Is(err, tallyerrors.ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
}
