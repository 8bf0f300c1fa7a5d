package adapter

import (
	"context"
	"errors"
	"math"
	"strconv"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	tallyerrors "github.com/mirkobrombin/go-tally/v1/errors"
)

// Store is the backing atomic key-value store shared by every process that
// coordinates through counters and locks.
//
// Every method is a single round trip and is atomic with respect to
// concurrent callers. Failures reaching the store are reported as errors
// matching errors.ErrStoreUnavailable.
type Store interface {
	// Add adds delta to the integer stored at key and returns the new value.
	// When key is absent it is seeded with seed before adding, in the same
	// atomic operation.
	Add(ctx context.Context, key string, delta, seed int64) (int64, error)
	// SetIfAbsent stores value at key only if key does not exist. A positive
	// ttl is attached atomically. It reports whether this call created the key.
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Get returns the value stored at key. The boolean reports whether the key
	// exists.
	Get(ctx context.Context, key string) (string, bool, error)
	// DeleteIfMatch deletes key only if its current value equals expected. It
	// reports whether the key was deleted.
	DeleteIfMatch(ctx context.Context, key, expected string) (bool, error)
	// Set overwrites the value at key unconditionally and clears any expiry.
	Set(ctx context.Context, key, value string) error
	// Close releases the resources held by the store.
	Close() error
}

// Compile-time interface checks.
var (
	_ Store = (*InMemoryStore)(nil)
	_ Store = (*RedisStore)(nil)
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*PostgresStore)(nil)
	_ Store = (*BreakerStore)(nil)
)

type entry struct {
	value     string
	expiresAt time.Time
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// InMemoryStore is a process-local Store. Each operation runs as an atomic
// per-key compute on a concurrent map, so it honours the same guarantees as
// the remote stores within a single process.
type InMemoryStore struct {
	items *xsync.MapOf[string, entry]
}

// NewInMemoryStore returns a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{items: xsync.NewMapOf[string, entry]()}
}

// Add implements Store.Add.
func (s *InMemoryStore) Add(ctx context.Context, key string, delta, seed int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var (
		result int64
		opErr  error
	)
	now := time.Now()
	s.items.Compute(key, func(old entry, loaded bool) (entry, bool) {
		current := seed
		if loaded && !old.expired(now) {
			n, err := strconv.ParseInt(old.value, 10, 64)
			if err != nil || overflows(n, delta) {
				opErr = tallyerrors.ErrNotInteger
				return old, false
			}
			current = n
			result = current + delta
			return entry{value: strconv.FormatInt(result, 10), expiresAt: old.expiresAt}, false
		}
		if overflows(current, delta) {
			opErr = tallyerrors.ErrNotInteger
			return old, !loaded
		}
		result = current + delta
		return entry{value: strconv.FormatInt(result, 10)}, false
	})
	if opErr != nil {
		return 0, opErr
	}
	return result, nil
}

// SetIfAbsent implements Store.SetIfAbsent.
func (s *InMemoryStore) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	created := false
	now := time.Now()
	s.items.Compute(key, func(old entry, loaded bool) (entry, bool) {
		if loaded && !old.expired(now) {
			return old, false
		}
		created = true
		e := entry{value: value}
		if ttl > 0 {
			e.expiresAt = now.Add(ttl)
		}
		return e, false
	})
	return created, nil
}

// Get implements Store.Get.
func (s *InMemoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	e, ok := s.items.Load(key)
	if !ok {
		return "", false, nil
	}
	if e.expired(time.Now()) {
		s.evict(key)
		return "", false, nil
	}
	return e.value, true, nil
}

// DeleteIfMatch implements Store.DeleteIfMatch.
func (s *InMemoryStore) DeleteIfMatch(ctx context.Context, key, expected string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	deleted := false
	now := time.Now()
	s.items.Compute(key, func(old entry, loaded bool) (entry, bool) {
		if !loaded || old.expired(now) {
			return old, true
		}
		if old.value != expected {
			return old, false
		}
		deleted = true
		return old, true
	})
	return deleted, nil
}

// Set implements Store.Set.
func (s *InMemoryStore) Set(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.items.Store(key, entry{value: value})
	return nil
}

// Close implements Store.Close. It is a no-op.
func (s *InMemoryStore) Close() error { return nil }

// evict drops key only if it is still expired, so a concurrent re-creation
// survives.
func (s *InMemoryStore) evict(key string) {
	now := time.Now()
	s.items.Compute(key, func(old entry, loaded bool) (entry, bool) {
		return old, !loaded || old.expired(now)
	})
}

// classify maps a backend error to the module taxonomy. Deadlines become
// ErrTimeout, closed clients ErrConnectionClosed, and both are wrapped as a
// StoreError. Caller cancellation is returned unchanged.
func classify(op, key string, err error, closed error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, tallyerrors.ErrNotInteger):
		return err
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return tallyerrors.Unavailable(op, key, tallyerrors.ErrTimeout)
	case closed != nil && errors.Is(err, closed):
		return tallyerrors.Unavailable(op, key, tallyerrors.ErrConnectionClosed)
	default:
		return tallyerrors.Unavailable(op, key, err)
	}
}

// overflows reports whether n+delta falls outside the int64 range.
func overflows(n, delta int64) bool {
	return (delta > 0 && n > math.MaxInt64-delta) || (delta < 0 && n < math.MinInt64-delta)
}

// precheck returns the classified context error before any round trip.
func precheck(ctx context.Context, op, key string) error {
	return classify(op, key, ctx.Err(), nil)
}
