// Package retry re-runs store operations that failed with a transient error,
// typically an optimistic update that lost a race with a concurrent writer.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/rbaliyan/sendpool/store"
)

// Policy configures retry behavior.
type Policy struct {
	// Attempts is the total number of tries including the first (default: 5).
	Attempts int

	// Backoff is the delay before the second try (default: 5ms).
	// It doubles after every failed try up to MaxBackoff.
	Backoff time.Duration

	// MaxBackoff caps the delay between tries (default: 200ms).
	MaxBackoff time.Duration

	// Jitter randomizes each delay by +/- the given fraction (default: 0.2).
	Jitter float64

	// Retryable decides whether an error is worth another try.
	// If nil, IsTransient is used.
	Retryable func(error) bool

	// OnRetry, if set, is called before sleeping with the failed try number
	// (starting at 1) and its error.
	OnRetry func(attempt int, err error)
}

// DefaultPolicy returns a Policy tuned for compare-and-swap contention.
func DefaultPolicy() Policy {
	return Policy{
		Attempts:   5,
		Backoff:    5 * time.Millisecond,
		MaxBackoff: 200 * time.Millisecond,
		Jitter:     0.2,
		Retryable:  IsTransient,
	}
}

// ErrExhausted is matched by the error returned when every try failed with a
// retryable error.
var ErrExhausted = errors.New("retry: attempts exhausted")

// ExhaustedError reports the last error after all tries were used.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry: gave up after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

func (e *ExhaustedError) Is(target error) bool { return target == ErrExhausted }

// Do runs fn until it succeeds, returns a non-retryable error, the context is
// done, or the policy runs out of attempts.
//
// Non-retryable errors and context errors are returned as is. Exhaustion is
// reported as *ExhaustedError wrapping the last error.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	p = p.normalize()

	var last error
	for attempt := 1; attempt <= p.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		last = fn(ctx)
		if last == nil {
			return nil
		}
		if !p.Retryable(last) {
			return last
		}
		if attempt == p.Attempts {
			break
		}

		if p.OnRetry != nil {
			p.OnRetry(attempt, last)
		}

		t := time.NewTimer(p.delay(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return &ExhaustedError{Attempts: p.Attempts, Last: last}
}

// Value is Do for functions returning a value.
func Value[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	var v T
	err := Do(ctx, p, func(ctx context.Context) error {
		var err error
		v, err = fn(ctx)
		return err
	})
	return v, err
}

// IsTransient reports whether err is a lost race or an aborted transaction.
// Errors can opt in or out by implementing Retryable() bool.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var r interface{ Retryable() bool }
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrTransactionFailed)
}

func (p Policy) normalize() Policy {
	d := DefaultPolicy()
	if p.Attempts <= 0 {
		p.Attempts = d.Attempts
	}
	if p.Backoff <= 0 {
		p.Backoff = d.Backoff
	}
	if p.MaxBackoff < p.Backoff {
		p.MaxBackoff = max(d.MaxBackoff, p.Backoff)
	}
	p.Jitter = min(max(p.Jitter, 0), 1)
	if p.Retryable == nil {
		p.Retryable = IsTransient
	}
	return p
}

// delay returns the sleep after the given failed attempt (1-based).
func (p Policy) delay(attempt int) time.Duration {
	d := p.Backoff
	for i := 1; i < attempt && d < p.MaxBackoff; i++ {
		d *= 2
	}
	d = min(d, p.MaxBackoff)
	if p.Jitter > 0 {
		spread := float64(d) * p.Jitter
		d = time.Duration(float64(d) - spread + rand.Float64()*2*spread)
	}
	return d
}
