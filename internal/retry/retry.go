// Package retry provides the single bounded-backoff retry policy shared by
// the capacity resolver, threshold guard, and event emitter. Only errors
// marked Transient are retried; everything else returns immediately.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// transientError marks an error as retryable.
type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient wraps an error so the policy will retry it. A nil error stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err is marked retryable.
func IsTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}

// Policy is a bounded exponential backoff schedule.
type Policy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// Default matches the pipeline contract: 3 attempts with short backoff.
func Default() Policy {
	return Policy{Attempts: 3, BaseDelay: 50 * time.Millisecond, MaxDelay: 2 * time.Second}
}

// Do runs op, retrying transient failures up to Attempts times with
// exponential backoff. Context cancellation cuts the schedule short and is
// returned as the context's error. The returned error keeps the transient
// marker so callers can distinguish exhaustion from a fatal failure.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	delay := p.BaseDelay
	var last error

	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		last = op(ctx)
		if last == nil {
			return nil
		}
		if !IsTransient(last) {
			return last
		}
		if i == attempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		delay *= 2
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}

	return fmt.Errorf("retry: %d attempts exhausted: %w", attempts, last)
}
