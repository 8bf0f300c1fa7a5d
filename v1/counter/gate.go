package counter

import (
	"context"
	"fmt"
	"math"

	tallyerrors "github.com/mirkobrombin/go-tally/v1/errors"
	"github.com/mirkobrombin/go-tally/v1/metrics"
)

// Operator compares the post-update value of a gate with its threshold.
type Operator string

const (
	Less           Operator = "<"
	LessOrEqual    Operator = "<="
	Greater        Operator = ">"
	GreaterOrEqual Operator = ">="
	Equal          Operator = "=="
	NotEqual       Operator = "!="
)

// ParseOperator returns the operator spelled s.
func ParseOperator(s string) (Operator, error) {
	op := Operator(s)
	if !op.valid() {
		return "", tallyerrors.Configuration("unknown operator %q", s)
	}
	return op, nil
}

func (o Operator) valid() bool {
	switch o {
	case Less, LessOrEqual, Greater, GreaterOrEqual, Equal, NotEqual:
		return true
	}
	return false
}

// Holds reports whether value <op> threshold.
func (o Operator) Holds(value, threshold int64) bool {
	switch o {
	case Less:
		return value < threshold
	case LessOrEqual:
		return value <= threshold
	case Greater:
		return value > threshold
	case GreaterOrEqual:
		return value >= threshold
	case Equal:
		return value == threshold
	case NotEqual:
		return value != threshold
	}
	return false
}

// Condition describes a gate: move the counter by Delta, then require
// value <Op> Threshold. The zero Condition is a decrement of one that must
// stay at or above zero.
type Condition struct {
	Delta     int64
	Op        Operator
	Threshold int64
}

func (c Condition) normalize() (Condition, error) {
	if c.Delta == 0 {
		c.Delta = 1
	}
	if c.Op == "" {
		c.Op = GreaterOrEqual
	}
	if c.Delta < 0 {
		return c, tallyerrors.Configuration("gate delta must be positive, got %d", c.Delta)
	}
	if !c.Op.valid() {
		return c, tallyerrors.Configuration("unknown operator %q", string(c.Op))
	}
	return c, nil
}

func (c Condition) String() string {
	return fmt.Sprintf("value %s %d", c.Op, c.Threshold)
}

// Action runs when a gate's condition holds. It receives the post-update
// value of the counter.
type Action func(ctx context.Context, value int64) error

// DecrementIf decrements the counter by cond.Delta and runs action only if
// the returned value satisfies cond. If it doesn't, the decrement is rolled
// back with a compensating increment and action is skipped.
//
// It returns applied=false with a nil error when the condition was not met.
// An error returned by action is passed through with applied=true and is not
// compensated: the unit stays consumed. A failed rollback is returned as an
// *errors.CompensationError.
func (c *Counter) DecrementIf(ctx context.Context, cond Condition, action Action) (bool, error) {
	return c.gate(ctx, cond, -1, action)
}

// IncrementIf is the mirror of DecrementIf: it increments by cond.Delta,
// checks cond and compensates with a decrement when it fails. An empty Op
// means LessOrEqual.
func (c *Counter) IncrementIf(ctx context.Context, cond Condition, action Action) (bool, error) {
	if cond.Op == "" {
		cond.Op = LessOrEqual
	}
	return c.gate(ctx, cond, 1, action)
}

// Take consumes n units, keeping the counter at or above its lower bound
// (zero for an unbounded counter).
func (c *Counter) Take(ctx context.Context, n int64, action Action) (bool, error) {
	floor := int64(0)
	if c.bounds != nil {
		floor = c.bounds.Min
	}
	return c.DecrementIf(ctx, Condition{Delta: n, Op: GreaterOrEqual, Threshold: floor}, action)
}

// Give returns n units, keeping the counter at or below its upper bound.
// Without bounds the increment always applies.
func (c *Counter) Give(ctx context.Context, n int64, action Action) (bool, error) {
	ceiling := int64(math.MaxInt64)
	if c.bounds != nil {
		ceiling = c.bounds.Max
	}
	return c.IncrementIf(ctx, Condition{Delta: n, Op: LessOrEqual, Threshold: ceiling}, action)
}

func (c *Counter) gate(ctx context.Context, cond Condition, sign int64, action Action) (bool, error) {
	cond, err := cond.normalize()
	if err != nil {
		return false, err
	}
	delta := sign * cond.Delta
	value, err := c.add(ctx, "gate", delta)
	if err != nil {
		return false, err
	}

	if cond.Op.Holds(value, cond.Threshold) {
		c.outcome("applied")
		if action == nil {
			return true, nil
		}
		return true, action(ctx, value)
	}

	// The rollback must run even if the caller's context ended after the
	// decrement reached the store.
	rctx := context.WithoutCancel(ctx)
	restored, err := c.add(rctx, "compensate", -delta)
	if err != nil {
		c.outcome("compensation_failed")
		if c.metrics {
			metrics.CompensationFailures.Inc()
		}
		c.logger.Error().Err(err).
			Int64("delta", -delta).
			Int64("observed", value).
			Msg("gate compensation failed, counter left short")
		return false, &tallyerrors.CompensationError{Key: c.key, Delta: -delta, Cause: err}
	}
	c.outcome("rejected")
	c.logger.Debug().
		Int64("observed", value).
		Int64("restored", restored).
		Str("condition", cond.String()).
		Msg("gate condition not met")
	return false, nil
}

func (c *Counter) outcome(o string) {
	if c.metrics {
		metrics.GateOutcomes.WithLabelValues(o).Inc()
	}
}
