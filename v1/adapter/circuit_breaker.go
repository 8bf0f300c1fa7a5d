package adapter

import (
	"context"
	"errors"
	"sync"
	"time"

	tallyerrors "github.com/mirkobrombin/go-tally/v1/errors"
)

type state int

const (
	stateClosed state = iota
	stateOpen
	stateHalfOpen
)

// BreakerStore decorates a Store with circuit breaker logic. After threshold
// consecutive store failures the circuit opens and calls fail fast with a
// StoreError caused by ErrCircuitOpen until cooldown has elapsed. A single
// probe is then let through to decide whether to close again.
//
// The breaker never retries: it only shortens the time it takes to report a
// store that is known to be down.
type BreakerStore struct {
	store     Store
	mu        sync.Mutex
	state     state
	failures  int
	threshold int
	cooldown  time.Duration
	lastFail  time.Time
}

// NewBreakerStore returns a new BreakerStore. A threshold below one is
// treated as one.
func NewBreakerStore(store Store, threshold int, cooldown time.Duration) *BreakerStore {
	if threshold < 1 {
		threshold = 1
	}
	return &BreakerStore{
		store:     store,
		threshold: threshold,
		cooldown:  cooldown,
		state:     stateClosed,
	}
}

// IsHealthy returns true if the circuit is closed or ready for a probe.
func (cb *BreakerStore) IsHealthy() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == stateOpen {
		return time.Since(cb.lastFail) > cb.cooldown
	}
	return true
}

// allow checks if a request should be allowed.
// It handles the transition from Open to Half-Open based on cooldown.
func (cb *BreakerStore) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case stateClosed:
		return true
	case stateOpen:
		if time.Since(cb.lastFail) > cb.cooldown {
			cb.state = stateHalfOpen
			return true
		}
		return false
	case stateHalfOpen:
		return false // one probe at a time
	}
	return false
}

// record updates the breaker with the outcome of a call. Only store failures
// count; data errors and caller cancellation say nothing about the store.
func (cb *BreakerStore) record(err error) {
	if err != nil && !errors.Is(err, tallyerrors.ErrStoreUnavailable) {
		err = nil
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err == nil {
		cb.state = stateClosed
		cb.failures = 0
		return
	}
	cb.lastFail = time.Now()
	cb.failures++
	if cb.state == stateHalfOpen || cb.failures >= cb.threshold {
		cb.state = stateOpen
	}
}

func rejected(op, key string) error {
	return tallyerrors.Unavailable(op, key, tallyerrors.ErrCircuitOpen)
}

// Add implements Store.Add with circuit breaker logic.
func (cb *BreakerStore) Add(ctx context.Context, key string, delta, seed int64) (int64, error) {
	if !cb.allow() {
		return 0, rejected("add", key)
	}
	n, err := cb.store.Add(ctx, key, delta, seed)
	cb.record(err)
	return n, err
}

// SetIfAbsent implements Store.SetIfAbsent with circuit breaker logic.
func (cb *BreakerStore) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if !cb.allow() {
		return false, rejected("setnx", key)
	}
	ok, err := cb.store.SetIfAbsent(ctx, key, value, ttl)
	cb.record(err)
	return ok, err
}

// Get implements Store.Get with circuit breaker logic.
func (cb *BreakerStore) Get(ctx context.Context, key string) (string, bool, error) {
	if !cb.allow() {
		return "", false, rejected("get", key)
	}
	v, ok, err := cb.store.Get(ctx, key)
	cb.record(err)
	return v, ok, err
}

// DeleteIfMatch implements Store.DeleteIfMatch with circuit breaker logic.
func (cb *BreakerStore) DeleteIfMatch(ctx context.Context, key, expected string) (bool, error) {
	if !cb.allow() {
		return false, rejected("delete", key)
	}
	ok, err := cb.store.DeleteIfMatch(ctx, key, expected)
	cb.record(err)
	return ok, err
}

// Set implements Store.Set with circuit breaker logic.
func (cb *BreakerStore) Set(ctx context.Context, key, value string) error {
	if !cb.allow() {
		return rejected("set", key)
	}
	err := cb.store.Set(ctx, key, value)
	cb.record(err)
	return err
}

// Close closes the wrapped store.
func (cb *BreakerStore) Close() error {
	return cb.store.Close()
}
