package counter

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mirkobrombin/go-tally/v1/adapter"
	tallyerrors "github.com/mirkobrombin/go-tally/v1/errors"
	"github.com/mirkobrombin/go-tally/v1/metrics"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-tally/v1/counter")

// Bounds are advisory limits of a counter. The store does not enforce them;
// Take and Give use them as gate thresholds.
type Bounds struct {
	Min int64
	Max int64
}

// Counter is an atomic integer bound to a single store key.
type Counter struct {
	store  adapter.Store
	key    string
	start  int64
	bounds *Bounds

	logger       zerolog.Logger
	metrics      bool
	traceEnabled bool
}

// Option configures a Counter.
type Option func(*Counter)

// WithStart sets the value the key is seeded with on first use.
func WithStart(start int64) Option {
	return func(c *Counter) {
		c.start = start
	}
}

// WithBounds sets advisory bounds used by Take and Give.
func WithBounds(min, max int64) Option {
	return func(c *Counter) {
		c.bounds = &Bounds{Min: min, Max: max}
	}
}

// WithLogger sets the logger used for gate decisions and failures.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Counter) {
		c.logger = l
	}
}

// WithMetrics enables the counters of the metrics package.
func WithMetrics() Option {
	return func(c *Counter) {
		c.metrics = true
	}
}

// WithTracing enables OpenTelemetry spans around store round trips.
func WithTracing() Option {
	return func(c *Counter) {
		c.traceEnabled = true
	}
}

// New returns a counter stored at key.
func New(store adapter.Store, key string, opts ...Option) *Counter {
	c := &Counter{
		store:  store,
		key:    key,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With().Str("counter", key).Logger()
	return c
}

// Key returns the store key of the counter.
func (c *Counter) Key() string { return c.key }

// Start returns the seed value applied on first use.
func (c *Counter) Start() int64 { return c.start }

// Bounds returns the advisory bounds, if any.
func (c *Counter) Bounds() (Bounds, bool) {
	if c.bounds == nil {
		return Bounds{}, false
	}
	return *c.bounds, true
}

// Increment atomically adds delta and returns the new value. An absent key
// is seeded with the start value in the same round trip.
func (c *Counter) Increment(ctx context.Context, delta int64) (int64, error) {
	return c.add(ctx, "increment", delta)
}

// Decrement is Increment(ctx, -delta).
func (c *Counter) Decrement(ctx context.Context, delta int64) (int64, error) {
	return c.add(ctx, "decrement", -delta)
}

// Reset overwrites the stored value. It is meant for recovery and
// administration, not for normal flow.
func (c *Counter) Reset(ctx context.Context, value int64) error {
	ctx, done := c.observe(ctx, "reset")
	err := c.store.Set(ctx, c.key, strconv.FormatInt(value, 10))
	done(err)
	if err == nil {
		c.logger.Info().Int64("value", value).Msg("counter reset")
	}
	return err
}

// Value reads the current value, or the start value if the key was never
// written. It must not be used to decide anything: another writer may have
// moved the counter before the caller acts.
func (c *Counter) Value(ctx context.Context) (int64, error) {
	ctx, done := c.observe(ctx, "value")
	v, ok, err := c.store.Get(ctx, c.key)
	if err != nil {
		done(err)
		return 0, err
	}
	if !ok {
		done(nil)
		return c.start, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		done(tallyerrors.ErrNotInteger)
		return 0, tallyerrors.ErrNotInteger
	}
	done(nil)
	return n, nil
}

func (c *Counter) add(ctx context.Context, op string, delta int64) (int64, error) {
	ctx, done := c.observe(ctx, op)
	n, err := c.store.Add(ctx, c.key, delta, c.start)
	done(err)
	if err != nil {
		return 0, err
	}
	return n, nil
}

// observe starts the span and returns the callback recording the outcome.
func (c *Counter) observe(ctx context.Context, op string) (context.Context, func(error)) {
	var span trace.Span
	var start time.Time
	if c.traceEnabled {
		ctx, span = tracer.Start(ctx, "Counter."+op, trace.WithAttributes(attribute.String("tally.key", c.key)))
		start = time.Now()
	}
	return ctx, func(err error) {
		if c.metrics {
			metrics.CounterOps.WithLabelValues(op).Inc()
			if errors.Is(err, tallyerrors.ErrStoreUnavailable) {
				metrics.StoreErrors.WithLabelValues(op).Inc()
			}
		}
		if err != nil {
			c.logger.Debug().Err(err).Str("op", op).Msg("counter operation failed")
		}
		if c.traceEnabled {
			span.SetAttributes(attribute.Int64("tally.latency_ms", time.Since(start).Milliseconds()))
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			span.End()
		}
	}
}
