package adapter

import (
	"context"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	tallyerrors "github.com/mirkobrombin/go-tally/v1/errors"
)

const defaultRedisOpTimeout = 5 * time.Second

// addScript seeds an absent key before adding, so the first touch of a
// counter can't race another seeder.
//
// KEYS[1] = counter key
// ARGV[1] = delta
// ARGV[2] = seed
var addScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
    redis.call("SET", KEYS[1], ARGV[2])
end
return redis.call("INCRBY", KEYS[1], ARGV[1])
`)

var delScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`)

// RedisStore implements Store using a Redis backend. It accepts any
// UniversalClient, so single nodes, sentinels and clusters all work.
type RedisStore struct {
	client  redis.UniversalClient
	timeout time.Duration
}

// RedisOption configures a RedisStore.
type RedisOption func(*redisStoreOptions)

type redisStoreOptions struct {
	timeout time.Duration
}

// WithTimeout sets the operation timeout for Redis calls.
func WithTimeout(d time.Duration) RedisOption {
	return func(o *redisStoreOptions) {
		o.timeout = d
	}
}

// NewRedisStore returns a new RedisStore using the provided Redis client.
func NewRedisStore(client redis.UniversalClient, opts ...RedisOption) *RedisStore {
	o := redisStoreOptions{timeout: defaultRedisOpTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	return &RedisStore{client: client, timeout: o.timeout}
}

// Add implements Store.Add. A zero seed is a plain INCRBY; any other seed runs
// addScript.
func (s *RedisStore) Add(ctx context.Context, key string, delta, seed int64) (int64, error) {
	if err := precheck(ctx, "add", key); err != nil {
		return 0, err
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	var (
		n   int64
		err error
	)
	if seed == 0 {
		n, err = s.client.IncrBy(cctx, key, delta).Result()
	} else {
		n, err = addScript.Run(cctx, s.client, []string{key}, delta, seed).Int64()
	}
	if err != nil {
		return 0, s.classify("add", key, err)
	}
	return n, nil
}

// SetIfAbsent implements Store.SetIfAbsent using SET NX with an expiry.
func (s *RedisStore) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := precheck(ctx, "setnx", key); err != nil {
		return false, err
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	ok, err := s.client.SetNX(cctx, key, value, ttl).Result()
	if err != nil {
		return false, s.classify("setnx", key, err)
	}
	return ok, nil
}

// Get implements Store.Get.
func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	if err := precheck(ctx, "get", key); err != nil {
		return "", false, err
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	v, err := s.client.Get(cctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, s.classify("get", key, err)
	}
	return v, true, nil
}

// DeleteIfMatch implements Store.DeleteIfMatch with a compare-and-delete
// script.
func (s *RedisStore) DeleteIfMatch(ctx context.Context, key, expected string) (bool, error) {
	if err := precheck(ctx, "delete", key); err != nil {
		return false, err
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	n, err := delScript.Run(cctx, s.client, []string{key}, expected).Int64()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, s.classify("delete", key, err)
	}
	return n == 1, nil
}

// Set implements Store.Set.
func (s *RedisStore) Set(ctx context.Context, key, value string) error {
	if err := precheck(ctx, "set", key); err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.client.Set(cctx, key, value, 0).Err(); err != nil {
		return s.classify("set", key, err)
	}
	return nil
}

// Close closes the underlying Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) classify(op, key string, err error) error {
	if msg := err.Error(); strings.Contains(msg, "not an integer") || strings.Contains(msg, "would overflow") {
		return tallyerrors.ErrNotInteger
	}
	return classify(op, key, err, redis.ErrClosed)
}
