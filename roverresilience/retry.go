package roverresilience

import (
	"context"
	"fmt"
	"time"

	"github.com/roverfleet/commandqueue/rovercore"
)

// Retry runs fn up to maxAttempts times, sleeping between attempts per
// cfg.Delay(attempt), honoring context cancellation during both the call
// and the sleep. It returns nil on the first success, or a wrapped
// rovercore.ErrTimeout-style error once attempts are exhausted.
func Retry(ctx context.Context, cfg BackoffConfig, maxAttempts int, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
		}

		if attempt == maxAttempts-1 {
			break
		}

		delay := cfg.Delay(attempt)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return fmt.Errorf("max retry attempts (%d) exceeded: %w: %v", maxAttempts, rovercore.ErrTimeout, lastErr)
}

// RetryWithCircuitBreaker combines Retry with a CircuitBreaker so callers
// stop hammering a dependency that is already known to be failing.
func RetryWithCircuitBreaker(ctx context.Context, cfg BackoffConfig, maxAttempts int, cb *CircuitBreaker, fn func() error) error {
	return Retry(ctx, cfg, maxAttempts, func() error {
		return cb.Execute(ctx, fn)
	})
}
