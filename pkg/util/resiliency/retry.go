// Package resiliency provides bounded retries and circuit breaking for calls
// to external dependencies such as the chain RPC endpoint.
package resiliency

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrCircuitOpen is returned without calling the operation while the
	// breaker is open.
	ErrCircuitOpen = errors.New("circuit breaker open")

	// ErrExhausted is returned once every attempt failed transiently.
	ErrExhausted = errors.New("retries exhausted")
)

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Retrier runs operations with exponential backoff behind a circuit breaker.
type Retrier struct {
	policy  BackoffPolicy
	breaker *CircuitBreaker
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewRetrier creates a retrier. breaker may be nil.
func NewRetrier(policy BackoffPolicy, breaker *CircuitBreaker) *Retrier {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	return &Retrier{policy: policy, breaker: breaker, sleep: sleepContext}
}

// Do calls fn until it succeeds, returns a permanent error, the context ends
// or the attempt budget is spent. Permanent errors are returned unwrapped.
func (r *Retrier) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < r.policy.MaxAttempts; attempt++ {
		if r.breaker != nil && !r.breaker.Allow() {
			if lastErr != nil {
				return fmt.Errorf("%s: %w: %s (last error: %w)", op, ErrCircuitOpen, r.breaker.Name(), lastErr)
			}
			return fmt.Errorf("%s: %w: %s", op, ErrCircuitOpen, r.breaker.Name())
		}

		err := fn(ctx)
		if err == nil {
			r.success()
			return nil
		}
		var p *permanentError
		if errors.As(err, &p) {
			// The dependency answered; it is healthy even if the answer is no.
			r.success()
			return p.err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%s: %w", op, ctxErr)
		}

		r.failure()
		lastErr = err
		if attempt == r.policy.MaxAttempts-1 {
			break
		}
		if err := r.sleep(ctx, ComputeBackoff(r.policy, op, attempt)); err != nil {
			return fmt.Errorf("%s: %w (last error: %w)", op, err, lastErr)
		}
	}
	return fmt.Errorf("%s: %w after %d attempts: %w", op, ErrExhausted, r.policy.MaxAttempts, lastErr)
}

func (r *Retrier) success() {
	if r.breaker != nil {
		r.breaker.Success()
	}
}

func (r *Retrier) failure() {
	if r.breaker != nil {
		r.breaker.Failure()
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
