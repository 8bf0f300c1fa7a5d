package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-tally/v1/adapter"
	"github.com/mirkobrombin/go-tally/v1/counter"
	"github.com/mirkobrombin/go-tally/v1/lock"
)

var (
	concurrency = flag.Int("c", 50, "Concurrency")
	requests    = flag.Int("n", 100000, "Requests")
	target      = flag.String("target", "all", "Targets: memory, sqlite, redis, postgres")
	op          = flag.String("op", "incr", "Operation: incr, take, lock")
	redisAddr   = flag.String("redis-addr", "localhost:6379", "Redis Address")
	pgDSN       = flag.String("pg-dsn", os.Getenv("TALLY_BENCH_POSTGRES_DSN"), "PostgreSQL DSN")
)

func main() {
	flag.Parse()

	targets := strings.Split(*target, ",")
	if *target == "all" {
		targets = []string{"memory", "sqlite", "redis", "postgres"}
	}

	fmt.Printf("| %-10s | %-6s | %-10s | %-12s | %-8s |\n", "Store", "Op", "Ops/sec", "Avg Latency", "Errors")
	fmt.Println("|:---|:---|:---|:---|:---|")

	for _, t := range targets {
		runBenchmark(strings.TrimSpace(t))
	}
}

func openStore(ctx context.Context, name string) (adapter.Store, func(), error) {
	switch name {
	case "memory":
		return adapter.NewInMemoryStore(), func() {}, nil
	case "sqlite":
		dir, err := os.MkdirTemp("", "tally-bench")
		if err != nil {
			return nil, nil, err
		}
		s, err := adapter.NewSQLiteStore(filepath.Join(dir, "bench.db"))
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close(); _ = os.RemoveAll(dir) }, nil
	case "redis":
		s := adapter.NewRedisStore(redis.NewClient(&redis.Options{Addr: *redisAddr}))
		return s, func() { _ = s.Close() }, nil
	case "postgres":
		if *pgDSN == "" {
			return nil, nil, fmt.Errorf("no DSN, set -pg-dsn")
		}
		s, err := adapter.OpenPostgresStore(ctx, *pgDSN)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown target %s", name)
}

func runBenchmark(name string) {
	ctx := context.Background()
	store, cleanup, err := openStore(ctx, name)
	if err != nil {
		log.Printf("%s: %v", name, err)
		return
	}
	defer cleanup()

	key := fmt.Sprintf("tally:bench:%d:%s", time.Now().UnixNano(), *op)
	var fn func(ctx context.Context) error
	switch *op {
	case "incr":
		c := counter.New(store, key)
		fn = func(ctx context.Context) error { _, err := c.Increment(ctx, 1); return err }
	case "take":
		c := counter.New(store, key, counter.WithStart(int64(*requests/2)))
		fn = func(ctx context.Context) error { _, err := c.Take(ctx, 1, nil); return err }
	case "lock":
		l := lock.New(store, key, lock.WithTimeout(time.Minute), lock.WithRetryInterval(time.Millisecond))
		fn = func(ctx context.Context) error { return l.Do(ctx, func(context.Context) error { return nil }) }
	default:
		log.Printf("Unknown op: %s", *op)
		return
	}

	var wg sync.WaitGroup
	var ops, errs int64

	start := time.Now()
	chunk := *requests / *concurrency
	for i := 0; i < *concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < chunk; j++ {
				if err := fn(ctx); err != nil {
					atomic.AddInt64(&errs, 1)
					continue
				}
				atomic.AddInt64(&ops, 1)
			}
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)

	if ops == 0 {
		fmt.Printf("| %-10s | %-6s | %-10s | %-12s | %-8d |\n", name, *op, "ERROR", "-", errs)
		return
	}
	throughput := float64(ops) / elapsed.Seconds()
	avgLat := time.Duration(elapsed.Nanoseconds() / ops * int64(*concurrency))
	fmt.Printf("| %-10s | %-6s | %-10.0f | %-12s | %-8d |\n", name, *op, throughput, avgLat, errs)
}
