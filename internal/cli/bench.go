package cli

import (
	"context"
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-tally/v1/counter"
	"github.com/mirkobrombin/go-tally/v1/presets"
	"github.com/mirkobrombin/go-tally/v1/registry"
)

const benchType = "bench"

func (a *app) benchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Hammer the store concurrently and check nothing is lost",
		Long: WrapString(`Run --workers goroutines doing --ops operations each against a fresh
entity and verify the final state. Modes: counter (plain increments),
gate (take from a stock of half the operations, never below zero),
lock (read-modify-write under a lock).`),
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			workers, _ := cmd.Flags().GetInt("workers")
			ops, _ := cmd.Flags().GetInt("ops")
			mode, _ := cmd.Flags().GetString("mode")
			if workers <= 0 || ops <= 0 {
				return fmt.Errorf("workers and ops must be positive")
			}
			t, err := a.open(cmd)
			if err != nil {
				return err
			}
			id := uuid.NewString()
			start := time.Now()
			var summary string
			switch mode {
			case "counter":
				summary, err = benchCounter(cmd.Context(), t, id, workers, ops)
			case "gate":
				summary, err = benchGate(cmd.Context(), t, id, workers, ops)
			case "lock":
				summary, err = benchLock(cmd.Context(), t, id, workers, ops)
			default:
				return fmt.Errorf("unknown mode %q", mode)
			}
			if err != nil {
				return err
			}
			elapsed := time.Since(start)
			total := workers * ops
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d ops in %s (%.0f ops/s), %s\n",
				mode, total, elapsed.Round(time.Millisecond), float64(total)/elapsed.Seconds(), summary)
			return nil
		},
	}
	cmd.Flags().Int("workers", 8, "concurrent workers")
	cmd.Flags().Int("ops", 1000, "operations per worker")
	cmd.Flags().String("mode", "counter", "counter, gate or lock")
	return cmd
}

func ensureCounter(r *registry.Registry, name string, cfg registry.CounterConfig) error {
	if slices.Contains(r.Counters(benchType), name) {
		return nil
	}
	return r.DeclareCounter(benchType, name, cfg)
}

func fanOut(ctx context.Context, workers, ops int, op func(ctx context.Context) error) error {
	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for i := 0; i < ops; i++ {
				if err := op(ctx); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return g.Wait()
}

func benchCounter(ctx context.Context, t *presets.Tally, id string, workers, ops int) (string, error) {
	if err := ensureCounter(t.Registry, "ops", registry.CounterConfig{}); err != nil {
		return "", err
	}
	c, err := t.Registry.Counter(benchType, "ops", id)
	if err != nil {
		return "", err
	}
	before, err := c.Value(ctx)
	if err != nil {
		return "", err
	}
	err = fanOut(ctx, workers, ops, func(ctx context.Context) error {
		_, err := c.Increment(ctx, 1)
		return err
	})
	if err != nil {
		return "", err
	}
	got, err := c.Value(ctx)
	if err != nil {
		return "", err
	}
	want := before + int64(workers*ops)
	if got != want {
		return "", fmt.Errorf("lost updates: counter is %d, want %d", got, want)
	}
	return fmt.Sprintf("final value %d", got), nil
}

func benchGate(ctx context.Context, t *presets.Tally, id string, workers, ops int) (string, error) {
	stock := int64(workers * ops / 2)
	err := ensureCounter(t.Registry, "stock", registry.CounterConfig{
		Start:  stock,
		Bounds: &counter.Bounds{Min: 0, Max: stock},
	})
	if err != nil {
		return "", err
	}
	c, err := t.Registry.Counter(benchType, "stock", id)
	if err != nil {
		return "", err
	}
	var applied atomic.Int64
	err = fanOut(ctx, workers, ops, func(ctx context.Context) error {
		ok, err := c.Take(ctx, 1, nil)
		if ok {
			applied.Add(1)
		}
		return err
	})
	if err != nil {
		return "", err
	}
	left, err := c.Value(ctx)
	if err != nil {
		return "", err
	}
	if applied.Load() != c.Start() || left != 0 {
		return "", fmt.Errorf("oversold: %d takes applied from %d, %d left", applied.Load(), c.Start(), left)
	}
	return fmt.Sprintf("%d takes applied, %d rejected", applied.Load(), int64(workers*ops)-applied.Load()), nil
}

func benchLock(ctx context.Context, t *presets.Tally, id string, workers, ops int) (string, error) {
	if err := ensureCounter(t.Registry, "guarded", registry.CounterConfig{}); err != nil {
		return "", err
	}
	if !slices.Contains(t.Registry.Locks(benchType), "mutex") {
		err := t.Registry.DeclareLock(benchType, "mutex", registry.LockConfig{
			Timeout:       time.Minute,
			RetryInterval: time.Millisecond,
		})
		if err != nil {
			return "", err
		}
	}
	c, err := t.Registry.Counter(benchType, "guarded", id)
	if err != nil {
		return "", err
	}
	l, err := t.Registry.Lock(benchType, "mutex", id)
	if err != nil {
		return "", err
	}
	err = fanOut(ctx, workers, ops, func(ctx context.Context) error {
		return l.Do(ctx, func(ctx context.Context) error {
			// A read then a write; only the lock makes the pair atomic.
			v, err := c.Value(ctx)
			if err != nil {
				return err
			}
			return c.Reset(ctx, v+1)
		})
	})
	if err != nil {
		return "", err
	}
	got, err := c.Value(ctx)
	if err != nil {
		return "", err
	}
	want := c.Start() + int64(workers*ops)
	if got != want {
		return "", fmt.Errorf("mutual exclusion violated: counter is %d, want %d", got, want)
	}
	return fmt.Sprintf("final value %d", got), nil
}
