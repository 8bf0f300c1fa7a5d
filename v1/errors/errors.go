// Package errors defines the error taxonomy shared by counters, gates, locks
// and the registry.
package errors

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrStoreUnavailable matches every connectivity or transport failure
	// against the backing store. It is never retried by this module.
	ErrStoreUnavailable = errors.New("tally: store unavailable")
	// ErrLockTimeout is returned when a lock could not be acquired within its
	// acquisition window. Callers may retry with a fresh call.
	ErrLockTimeout = errors.New("tally: lock timeout")
	// ErrCompensationFailed is returned when a gate decremented a counter but
	// could not roll the decrement back. The counter is left short.
	ErrCompensationFailed = errors.New("tally: compensation failed")
	// ErrConfiguration is returned for duplicate, missing or invalid
	// declarations. It is raised at setup time.
	ErrConfiguration = errors.New("tally: configuration error")
	// ErrNotInteger is returned when a counter key holds a non-integer value.
	ErrNotInteger = errors.New("tally: value is not an integer")

	// ErrTimeout is the cause of a StoreError when the per-operation deadline
	// expired.
	ErrTimeout = errors.New("timeout")
	// ErrConnectionClosed is the cause of a StoreError when the underlying
	// client was already closed.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrCircuitOpen is the cause of a StoreError when a circuit breaker
	// rejected the call without reaching the store.
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// StoreError describes a failed round trip to the backing store.
type StoreError struct {
	Op  string
	Key string
	Err error
}

func (e *StoreError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("tally: store %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("tally: store %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// Is reports StoreError as ErrStoreUnavailable.
func (e *StoreError) Is(target error) bool { return target == ErrStoreUnavailable }

// Unavailable wraps err as a StoreError. A nil err yields nil and an error
// that already is a StoreError is returned unchanged.
func Unavailable(op, key string, err error) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Op: op, Key: key, Err: err}
}

// CompensationError is returned by a gate whose rollback failed. It matches
// ErrCompensationFailed only: the store failure that caused it is kept in
// Cause and is not part of the unwrap chain, so it can't be mistaken for an
// ordinary ErrStoreUnavailable.
type CompensationError struct {
	Key   string
	Delta int64
	Cause error
}

func (e *CompensationError) Error() string {
	return fmt.Sprintf("tally: compensation of %d on %q failed, counter left short: %v", e.Delta, e.Key, e.Cause)
}

func (e *CompensationError) Is(target error) bool { return target == ErrCompensationFailed }

// TimeoutError is returned when a lock acquisition window is exhausted.
type TimeoutError struct {
	Key    string
	Waited time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("tally: lock %q not acquired after %s", e.Key, e.Waited)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrLockTimeout }

// Configuration returns an error matching ErrConfiguration.
func Configuration(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}
