package lock

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mirkobrombin/go-tally/v1/adapter"
	tallyerrors "github.com/mirkobrombin/go-tally/v1/errors"
	"github.com/mirkobrombin/go-tally/v1/metrics"
	"github.com/mirkobrombin/go-tally/v1/syncbus"
)

const (
	DefaultTimeout       = 5 * time.Second
	DefaultTTL           = 10 * time.Second
	DefaultRetryInterval = 100 * time.Millisecond
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-tally/v1/lock")

// State is the lifecycle position of an acquisition. An acquisition moves
// Idle, Acquiring, then Held or TimedOut; a held lease ends Released.
// A Lease only exists once the key is held, so Lease.State reports Held or
// Released. Acquiring and TimedOut are carried on the "state" field of the
// lock's debug logs, and a timed out acquisition returns a TimeoutError.
type State int32

const (
	Idle State = iota
	Acquiring
	Held
	Released
	TimedOut
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Acquiring:
		return "acquiring"
	case Held:
		return "held"
	case Released:
		return "released"
	case TimedOut:
		return "timed_out"
	}
	return "unknown"
}

// Lock is a distributed lock bound to one store key. It is safe for
// concurrent use; each acquisition gets its own Lease.
type Lock struct {
	store   adapter.Store
	key     string
	timeout time.Duration
	ttl     time.Duration
	retry   time.Duration
	bus     syncbus.Bus

	logger       zerolog.Logger
	metrics      bool
	traceEnabled bool
}

// Option configures a Lock.
type Option func(*Lock)

// WithTimeout bounds how long Acquire and Do wait for the lock.
func WithTimeout(d time.Duration) Option {
	return func(l *Lock) {
		l.timeout = d
	}
}

// WithTTL sets how long the store keeps the key if the holder never
// releases it. Zero disables expiry.
func WithTTL(d time.Duration) Option {
	return func(l *Lock) {
		l.ttl = d
	}
}

// WithRetryInterval sets the polling cadence while waiting.
func WithRetryInterval(d time.Duration) Option {
	return func(l *Lock) {
		l.retry = d
	}
}

// WithBus publishes releases on the bus and lets waiters wake up on them.
func WithBus(bus syncbus.Bus) Option {
	return func(l *Lock) {
		l.bus = bus
	}
}

// WithLogger sets the logger for contention, lost leases and release
// failures. The lock key is added to every entry.
func WithLogger(logger zerolog.Logger) Option {
	return func(l *Lock) {
		l.logger = logger
	}
}

// WithMetrics enables the lock collectors of the metrics package.
func WithMetrics() Option {
	return func(l *Lock) {
		l.metrics = true
	}
}

// WithTracing enables OpenTelemetry spans around acquire and release.
func WithTracing() Option {
	return func(l *Lock) {
		l.traceEnabled = true
	}
}

// New returns a lock stored at key. Non-positive timeout and retry interval
// fall back to the defaults.
func New(store adapter.Store, key string, opts ...Option) *Lock {
	l := &Lock{
		store:   store,
		key:     key,
		timeout: DefaultTimeout,
		ttl:     DefaultTTL,
		retry:   DefaultRetryInterval,
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.timeout <= 0 {
		l.timeout = DefaultTimeout
	}
	if l.retry <= 0 {
		l.retry = DefaultRetryInterval
	}
	if l.ttl < 0 {
		l.ttl = 0
	}
	l.logger = l.logger.With().Str("lock", key).Logger()
	return l
}

// Key, Timeout, TTL and RetryInterval report the effective settings.
func (l *Lock) Key() string                  { return l.key }
func (l *Lock) Timeout() time.Duration       { return l.timeout }
func (l *Lock) TTL() time.Duration           { return l.ttl }
func (l *Lock) RetryInterval() time.Duration { return l.retry }

func (l *Lock) unlockTopic() string { return "unlock:" + l.key }

// Lease is one successful acquisition of a Lock.
type Lease struct {
	lock     *Lock
	token    string
	acquired time.Time
	state    atomic.Int32
}

// Token returns the owner token stored at the lock key.
func (le *Lease) Token() string { return le.token }

// State returns Held from the moment the lease is returned until Release
// succeeds or finds the lease lost, then Released.
func (le *Lease) State() State { return State(le.state.Load()) }

// Release deletes the lock key if it still carries this lease's token. It
// returns false with a nil error when the lease had already been lost to
// TTL expiry, and false when called a second time. On a store error the
// lease stays held and Release may be called again.
func (le *Lease) Release(ctx context.Context) (bool, error) {
	l := le.lock
	if !le.state.CompareAndSwap(int32(Held), int32(Released)) {
		return false, nil
	}
	ctx, span := l.span(ctx, "Lock.release")
	ok, err := l.store.DeleteIfMatch(ctx, l.key, le.token)
	if err != nil {
		le.state.Store(int32(Held))
		l.storeError("release", err)
		endSpan(span, err)
		return false, err
	}
	held := time.Since(le.acquired)
	if l.metrics {
		metrics.LockHold.Observe(held.Seconds())
	}
	if !ok {
		if l.metrics {
			metrics.LockLost.Inc()
		}
		l.logger.Warn().
			Dur("held", held).
			Dur("ttl", l.ttl).
			Msg("lock expired before release, another holder may have run concurrently")
		endSpan(span, nil)
		return false, nil
	}
	if l.bus != nil {
		if perr := l.bus.Publish(ctx, l.unlockTopic()); perr != nil {
			l.logger.Debug().Err(perr).Msg("unlock notification failed")
		}
	}
	l.logger.Debug().Stringer("state", Released).Dur("held", held).Msg("lock released")
	endSpan(span, nil)
	return true, nil
}

// TryAcquire makes a single attempt without waiting. A nil lease with a nil
// error means the lock is held by someone else.
func (l *Lock) TryAcquire(ctx context.Context) (*Lease, error) {
	ctx, span := l.span(ctx, "Lock.try_acquire")
	lease, err := l.attempt(ctx)
	endSpan(span, err)
	if err != nil {
		return nil, err
	}
	if lease != nil {
		l.result("acquired")
	} else {
		l.result("busy")
	}
	return lease, nil
}

// Acquire waits up to the lock timeout for the key. It fails with an
// *errors.TimeoutError when the window is exhausted, with ctx.Err() when ctx
// ends first, and immediately with the store error when an attempt cannot
// reach the store.
func (l *Lock) Acquire(ctx context.Context) (*Lease, error) {
	ctx, span := l.span(ctx, "Lock.acquire")
	lease, err := l.acquire(ctx)
	endSpan(span, err)
	return lease, err
}

func (l *Lock) acquire(ctx context.Context) (*Lease, error) {
	start := time.Now()
	deadline := start.Add(l.timeout)
	l.logger.Debug().Stringer("state", Acquiring).Msg("acquiring lock")

	// Subscribe before the first attempt so a release between a failed
	// attempt and the wait is not missed.
	var wake chan struct{}
	if l.bus != nil {
		ch, err := l.bus.Subscribe(ctx, l.unlockTopic())
		if err != nil {
			l.logger.Debug().Err(err).Msg("unlock subscription failed, polling only")
		} else {
			wake = ch
			defer l.bus.Unsubscribe(context.Background(), l.unlockTopic(), ch)
		}
	}

	// One timer per acquisition, reset every round.
	timer := time.NewTimer(l.retry)
	defer timer.Stop()
	for attempts := 1; ; attempts++ {
		lease, err := l.attempt(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				l.result("canceled")
			} else {
				l.result("error")
			}
			return nil, err
		}
		if lease != nil {
			waited := time.Since(start)
			l.result("acquired")
			if l.metrics {
				metrics.LockWait.Observe(waited.Seconds())
			}
			l.logger.Debug().Stringer("state", Held).Int("attempts", attempts).Dur("waited", waited).Msg("lock acquired")
			return lease, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			waited := time.Since(start)
			l.result("timeout")
			l.logger.Debug().Stringer("state", TimedOut).Int("attempts", attempts).Dur("waited", waited).Msg("lock acquisition timed out")
			return nil, &tallyerrors.TimeoutError{Key: l.key, Waited: waited}
		}
		pause := l.retry
		if remaining < pause {
			pause = remaining
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(pause)
		select {
		case <-timer.C:
		case _, ok := <-wake:
			if !ok {
				wake = nil
			}
		case <-ctx.Done():
			l.result("canceled")
			return nil, ctx.Err()
		}
	}
}

// attempt is the only step the wait loop repeats. It never mutates a key
// held by someone else.
func (l *Lock) attempt(ctx context.Context) (*Lease, error) {
	token := uuid.NewString()
	ok, err := l.store.SetIfAbsent(ctx, l.key, token, l.ttl)
	if err != nil {
		l.storeError("acquire", err)
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	lease := &Lease{lock: l, token: token, acquired: time.Now()}
	lease.state.Store(int32(Held))
	return lease, nil
}

// Do acquires the lock, runs fn and releases the lock on every exit path,
// panics included. fn is never run if the lock is not acquired. The release
// outlives cancellation of ctx. fn's error wins over a release error.
func (l *Lock) Do(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	lease, err := l.Acquire(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_, rerr := lease.Release(context.WithoutCancel(ctx))
		if rerr != nil {
			l.logger.Error().Err(rerr).Msg("lock release failed, key stays held until its ttl")
			if err == nil {
				err = rerr
			}
		}
	}()
	return fn(ctx)
}

// Locked reports whether anyone holds the lock right now. The answer may be
// stale by the time the caller reads it.
func (l *Lock) Locked(ctx context.Context) (bool, error) {
	_, ok, err := l.store.Get(ctx, l.key)
	if err != nil {
		l.storeError("locked", err)
		return false, err
	}
	return ok, nil
}

// Holder returns the token of the current holder, if any.
func (l *Lock) Holder(ctx context.Context) (string, bool, error) {
	return l.store.Get(ctx, l.key)
}

func (l *Lock) result(r string) {
	if l.metrics {
		metrics.LockAcquires.WithLabelValues(r).Inc()
	}
}

func (l *Lock) storeError(op string, err error) {
	if l.metrics && errors.Is(err, tallyerrors.ErrStoreUnavailable) {
		metrics.StoreErrors.WithLabelValues("lock_" + op).Inc()
	}
}

func (l *Lock) span(ctx context.Context, name string) (context.Context, trace.Span) {
	if !l.traceEnabled {
		return ctx, nil
	}
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("tally.key", l.key),
		attribute.Int64("tally.timeout_ms", l.timeout.Milliseconds()),
	))
}

func endSpan(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
