// Package presets wires a store, an optional release bus and a registry
// into a ready to use Tally.
package presets

import (
	"context"
	"errors"
	"fmt"

	nats "github.com/nats-io/nats.go"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/mirkobrombin/go-tally/v1/adapter"
	"github.com/mirkobrombin/go-tally/v1/config"
	"github.com/mirkobrombin/go-tally/v1/keys"
	"github.com/mirkobrombin/go-tally/v1/registry"
	"github.com/mirkobrombin/go-tally/v1/syncbus"
)

// RedisOptions configures the connection to Redis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// Tally bundles what a process needs to use counters and locks.
type Tally struct {
	Store    adapter.Store
	Bus      syncbus.Bus
	Registry *registry.Registry

	closers []func() error
}

// Close shuts down the registry, the bus and the store, in that order.
func (t *Tally) Close() error {
	t.Registry.Close()
	var errs []error
	for i := len(t.closers) - 1; i >= 0; i-- {
		if err := t.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NewInMemory returns a Tally that runs entirely in-process with an
// in-memory bus. Useful for tests and single-process deployments.
func NewInMemory(opts ...registry.Option) *Tally {
	store := adapter.NewInMemoryStore()
	bus := syncbus.NewInMemoryBus()
	opts = append([]registry.Option{registry.WithBus(bus)}, opts...)
	return &Tally{
		Store:    store,
		Bus:      bus,
		Registry: registry.New(store, opts...),
		closers:  []func() error{store.Close, bus.Close},
	}
}

// NewRedis returns a Tally using Redis as both the store and the release
// bus.
func NewRedis(opts RedisOptions, ropts ...registry.Option) *Tally {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	store := adapter.NewRedisStore(client)
	bus := syncbus.NewRedisBus(client)
	ropts = append([]registry.Option{registry.WithBus(bus)}, ropts...)
	return &Tally{
		Store:    store,
		Bus:      bus,
		Registry: registry.New(store, ropts...),
		closers:  []func() error{store.Close, bus.Close},
	}
}

// FromConfig builds a Tally from cfg and declares its counters and locks.
// Metrics are enabled on every handle; tracing is left to ropts.
func FromConfig(ctx context.Context, cfg *config.Config, logger zerolog.Logger, ropts ...registry.Option) (*Tally, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	t := &Tally{}
	fail := func(err error) (*Tally, error) {
		for i := len(t.closers) - 1; i >= 0; i-- {
			_ = t.closers[i]()
		}
		return nil, err
	}

	var client *redis.Client
	var store adapter.Store
	switch cfg.Store.Driver {
	case config.DriverMemory:
		store = adapter.NewInMemoryStore()
	case config.DriverRedis:
		client = redis.NewClient(&redis.Options{
			Addr:     cfg.Store.Redis.Addr,
			Password: cfg.Store.Redis.Password,
			DB:       cfg.Store.Redis.DB,
		})
		var ropt []adapter.RedisOption
		if cfg.Store.OpTimeout > 0 {
			ropt = append(ropt, adapter.WithTimeout(cfg.Store.OpTimeout))
		}
		store = adapter.NewRedisStore(client, ropt...)
	case config.DriverSQLite:
		s, err := adapter.NewSQLiteStore(cfg.Store.SQLite.DSN)
		if err != nil {
			return fail(err)
		}
		store = s
	case config.DriverPostgres:
		s, err := adapter.OpenPostgresStore(ctx, cfg.Store.Postgres.DSN)
		if err != nil {
			return fail(err)
		}
		store = s
	}
	t.closers = append(t.closers, store.Close)
	if cfg.Store.Breaker.Threshold > 0 {
		store = adapter.NewBreakerStore(store, cfg.Store.Breaker.Threshold, cfg.Store.Breaker.Cooldown)
	}
	t.Store = store

	switch cfg.Bus.Driver {
	case config.BusMemory:
		t.Bus = syncbus.NewInMemoryBus()
	case config.BusRedis:
		t.Bus = syncbus.NewRedisBus(client)
	case config.BusNATS:
		conn, err := nats.Connect(cfg.Bus.NATSURL, nats.Name("tally"))
		if err != nil {
			return fail(fmt.Errorf("tally/presets: connect nats: %w", err))
		}
		t.closers = append(t.closers, func() error { conn.Close(); return nil })
		t.Bus = syncbus.NewNATSBus(conn)
	}
	if t.Bus != nil {
		t.closers = append(t.closers, t.Bus.Close)
	}

	opts := []registry.Option{
		registry.WithNamer(keys.NewNamer(cfg.Prefix)),
		registry.WithLogger(logger),
		registry.WithMetrics(),
	}
	if t.Bus != nil {
		opts = append(opts, registry.WithBus(t.Bus))
	}
	t.Registry = registry.New(store, append(opts, ropts...)...)
	if err := t.Registry.Declare(cfg.Declarations()); err != nil {
		t.Registry.Close()
		return fail(err)
	}
	logger.Debug().
		Str("store", cfg.Store.Driver).
		Str("bus", cfg.Bus.Driver).
		Int("counters", len(cfg.Counters)).
		Int("locks", len(cfg.Locks)).
		Msg("tally ready")
	return t, nil
}
