// Package registry maps declared counter and lock names to their settings
// and hands back handles bound to entity identifiers.
//
// Declarations happen once at setup:
//
//	reg := registry.New(store)
//	_ = reg.DeclareCounter("product", "stock", registry.CounterConfig{Start: 10})
//	_ = reg.DeclareLock("order", "checkout", registry.LockConfig{TTL: 30 * time.Second})
//
// and call sites ask for a handle by entity:
//
//	stock, _ := reg.Counter("product", "stock", productID)
//	ok, err := stock.Take(ctx, 1, ship)
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/rs/zerolog"

	"github.com/mirkobrombin/go-tally/v1/adapter"
	"github.com/mirkobrombin/go-tally/v1/config"
	"github.com/mirkobrombin/go-tally/v1/counter"
	tallyerrors "github.com/mirkobrombin/go-tally/v1/errors"
	"github.com/mirkobrombin/go-tally/v1/keys"
	"github.com/mirkobrombin/go-tally/v1/lock"
	"github.com/mirkobrombin/go-tally/v1/syncbus"
)

// CounterConfig is the declared configuration of a counter.
type CounterConfig struct {
	Start  int64
	Bounds *counter.Bounds
}

// LockConfig is the declared configuration of a lock. Zero durations take
// the lock package defaults.
type LockConfig struct {
	Timeout       time.Duration
	TTL           time.Duration
	RetryInterval time.Duration
}

// Entity is anything with a type name and a stable identifier.
type Entity interface {
	TallyType() string
	TallyID() string
}

// Registry holds the declarations of every counter and lock. Counters and
// locks of one type share a namespace, since they share the key layout.
type Registry struct {
	store  adapter.Store
	namer  keys.Namer
	bus    syncbus.Bus
	logger zerolog.Logger

	metrics         bool
	tracing         bool
	handleCacheSize int64
	handles         *ristretto.Cache

	mu       sync.RWMutex
	counters map[string]map[string]CounterConfig
	locks    map[string]map[string]LockConfig
}

// Option configures a Registry.
type Option func(*Registry)

// WithNamer sets the key namer. The default uses keys.DefaultPrefix.
func WithNamer(n keys.Namer) Option {
	return func(r *Registry) {
		r.namer = n
	}
}

// WithBus is passed to every lock handed out.
func WithBus(bus syncbus.Bus) Option {
	return func(r *Registry) {
		r.bus = bus
	}
}

// WithLogger sets the logger passed to every counter and lock handle.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Registry) {
		r.logger = l
	}
}

// WithMetrics enables the metrics collectors on every handle.
func WithMetrics() Option {
	return func(r *Registry) {
		r.metrics = true
	}
}

// WithTracing enables OpenTelemetry spans on every handle.
func WithTracing() Option {
	return func(r *Registry) {
		r.tracing = true
	}
}

// WithHandleCache keeps up to n recently used handles so repeated lookups of
// the same entity return the same handle. Handles are cheap, so a miss only
// costs an allocation.
func WithHandleCache(n int64) Option {
	return func(r *Registry) {
		r.handleCacheSize = n
	}
}

// New returns an empty registry over store.
func New(store adapter.Store, opts ...Option) *Registry {
	r := &Registry{
		store:    store,
		namer:    keys.NewNamer(""),
		logger:   zerolog.Nop(),
		counters: make(map[string]map[string]CounterConfig),
		locks:    make(map[string]map[string]LockConfig),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.handleCacheSize > 0 {
		c, err := ristretto.NewCache(&ristretto.Config{
			NumCounters: r.handleCacheSize * 10,
			MaxCost:     r.handleCacheSize,
			BufferItems: 64,
		})
		if err != nil {
			r.logger.Warn().Err(err).Msg("handle cache disabled")
		} else {
			r.handles = c
		}
	}
	return r
}

// Close releases the handle cache. The store is owned by the caller.
func (r *Registry) Close() {
	if r.handles != nil {
		r.handles.Close()
	}
}

// Namer returns the key namer of the registry.
func (r *Registry) Namer() keys.Namer { return r.namer }

func (r *Registry) declared(typ, name string) bool {
	if _, ok := r.counters[typ][name]; ok {
		return true
	}
	_, ok := r.locks[typ][name]
	return ok
}

// DeclareCounter registers a counter named name on entities of type typ.
func (r *Registry) DeclareCounter(typ, name string, cfg CounterConfig) error {
	if typ == "" || name == "" {
		return tallyerrors.Configuration("counter needs a type and a name, got %q/%q", typ, name)
	}
	if cfg.Bounds != nil && cfg.Bounds.Min > cfg.Bounds.Max {
		return tallyerrors.Configuration("counter %s/%s: min %d is above max %d", typ, name, cfg.Bounds.Min, cfg.Bounds.Max)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.declared(typ, name) {
		return tallyerrors.Configuration("%s/%s is already declared", typ, name)
	}
	if r.counters[typ] == nil {
		r.counters[typ] = make(map[string]CounterConfig)
	}
	r.counters[typ][name] = cfg
	r.logger.Debug().Str("type", typ).Str("name", name).Int64("start", cfg.Start).Msg("counter declared")
	return nil
}

// DeclareLock registers a lock named name on entities of type typ.
func (r *Registry) DeclareLock(typ, name string, cfg LockConfig) error {
	if typ == "" || name == "" {
		return tallyerrors.Configuration("lock needs a type and a name, got %q/%q", typ, name)
	}
	if cfg.Timeout < 0 || cfg.RetryInterval < 0 || cfg.TTL < 0 {
		return tallyerrors.Configuration("lock %s/%s: durations must not be negative", typ, name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.declared(typ, name) {
		return tallyerrors.Configuration("%s/%s is already declared", typ, name)
	}
	if r.locks[typ] == nil {
		r.locks[typ] = make(map[string]LockConfig)
	}
	r.locks[typ][name] = cfg
	r.logger.Debug().Str("type", typ).Str("name", name).Dur("timeout", cfg.Timeout).Msg("lock declared")
	return nil
}

// Declare registers every declaration and stops at the first failure.
func (r *Registry) Declare(d config.Declarations) error {
	for _, c := range d.Counters {
		if err := c.Validate(); err != nil {
			return err
		}
		cfg := CounterConfig{Start: c.Start}
		if c.Min != nil && c.Max != nil {
			cfg.Bounds = &counter.Bounds{Min: *c.Min, Max: *c.Max}
		}
		if err := r.DeclareCounter(c.Type, c.Name, cfg); err != nil {
			return err
		}
	}
	for _, l := range d.Locks {
		if err := l.Validate(); err != nil {
			return err
		}
		cfg := LockConfig{Timeout: l.Timeout, TTL: l.TTL, RetryInterval: l.RetryInterval}
		if err := r.DeclareLock(l.Type, l.Name, cfg); err != nil {
			return err
		}
	}
	return nil
}

// Counter returns the counter name of the entity id of type typ.
func (r *Registry) Counter(typ, name, id string) (*counter.Counter, error) {
	if id == "" {
		return nil, tallyerrors.Configuration("counter %s/%s: empty entity id", typ, name)
	}
	return r.counter(typ, name, r.namer.Key(typ, id, name))
}

// TypeCounter returns the type-level counter name of typ.
func (r *Registry) TypeCounter(typ, name string) (*counter.Counter, error) {
	return r.counter(typ, name, r.namer.TypeKey(typ, name))
}

// Lock returns the lock name of the entity id of type typ.
func (r *Registry) Lock(typ, name, id string) (*lock.Lock, error) {
	if id == "" {
		return nil, tallyerrors.Configuration("lock %s/%s: empty entity id", typ, name)
	}
	return r.lock(typ, name, r.namer.Key(typ, id, name))
}

// TypeLock returns the type-level lock name of typ.
func (r *Registry) TypeLock(typ, name string) (*lock.Lock, error) {
	return r.lock(typ, name, r.namer.TypeKey(typ, name))
}

func (r *Registry) counter(typ, name, key string) (*counter.Counter, error) {
	r.mu.RLock()
	cfg, ok := r.counters[typ][name]
	r.mu.RUnlock()
	if !ok {
		return nil, tallyerrors.Configuration("counter %s/%s is not declared", typ, name)
	}
	if c, ok := r.cached("c|" + key).(*counter.Counter); ok {
		return c, nil
	}
	opts := []counter.Option{
		counter.WithStart(cfg.Start),
		counter.WithLogger(r.logger),
	}
	if cfg.Bounds != nil {
		opts = append(opts, counter.WithBounds(cfg.Bounds.Min, cfg.Bounds.Max))
	}
	if r.metrics {
		opts = append(opts, counter.WithMetrics())
	}
	if r.tracing {
		opts = append(opts, counter.WithTracing())
	}
	c := counter.New(r.store, key, opts...)
	r.cache("c|"+key, c)
	return c, nil
}

func (r *Registry) lock(typ, name, key string) (*lock.Lock, error) {
	r.mu.RLock()
	cfg, ok := r.locks[typ][name]
	r.mu.RUnlock()
	if !ok {
		return nil, tallyerrors.Configuration("lock %s/%s is not declared", typ, name)
	}
	if l, ok := r.cached("l|" + key).(*lock.Lock); ok {
		return l, nil
	}
	opts := []lock.Option{
		lock.WithTimeout(cfg.Timeout),
		lock.WithRetryInterval(cfg.RetryInterval),
		lock.WithLogger(r.logger),
	}
	if cfg.TTL > 0 {
		opts = append(opts, lock.WithTTL(cfg.TTL))
	}
	if r.bus != nil {
		opts = append(opts, lock.WithBus(r.bus))
	}
	if r.metrics {
		opts = append(opts, lock.WithMetrics())
	}
	if r.tracing {
		opts = append(opts, lock.WithTracing())
	}
	l := lock.New(r.store, key, opts...)
	r.cache("l|"+key, l)
	return l, nil
}

func (r *Registry) cached(key string) any {
	if r.handles == nil {
		return nil
	}
	v, _ := r.handles.Get(key)
	return v
}

func (r *Registry) cache(key string, v any) {
	if r.handles == nil {
		return
	}
	r.handles.Set(key, v, 1)
}

// Counters returns the counter names declared on typ, sorted.
func (r *Registry) Counters(typ string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedNames(r.counters[typ])
}

// Locks returns the lock names declared on typ, sorted.
func (r *Registry) Locks(typ string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedNames(r.locks[typ])
}

// Types returns every type with at least one declaration, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{})
	for t := range r.counters {
		seen[t] = struct{}{}
	}
	for t := range r.locks {
		seen[t] = struct{}{}
	}
	return sortedNames(seen)
}

func sortedNames[V any](m map[string]V) []string {
	names := make([]string, 0, len(m))
	for n := range m {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Binding is a registry view bound to one entity.
type Binding struct {
	reg *Registry
	typ string
	id  string
}

// Bind returns the view of the entity id of type typ.
func (r *Registry) Bind(typ, id string) Binding {
	return Binding{reg: r, typ: typ, id: id}
}

// For binds an Entity.
func (r *Registry) For(e Entity) Binding {
	return r.Bind(e.TallyType(), e.TallyID())
}

// Type returns the bound entity type.
func (b Binding) Type() string { return b.typ }

// ID returns the bound entity identifier.
func (b Binding) ID() string { return b.id }

// Counter returns the entity's instance counter declared as name.
func (b Binding) Counter(name string) (*counter.Counter, error) {
	return b.reg.Counter(b.typ, name, b.id)
}

// Lock returns the entity's instance lock declared as name.
func (b Binding) Lock(name string) (*lock.Lock, error) {
	return b.reg.Lock(b.typ, name, b.id)
}

// String returns "type/id".
func (b Binding) String() string { return fmt.Sprintf("%s/%s", b.typ, b.id) }
