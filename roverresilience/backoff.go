// Package roverresilience provides the retry-with-backoff and
// circuit-breaker primitives shared by the processor, acknowledgment
// tracker, and persistence layers.
package roverresilience

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// BackoffConfig mirrors the processor/ack retry knobs from the
// configuration table: an initial delay, a cap, and whether exponential
// growth is enabled at all (a flat delay is used when it is not).
type BackoffConfig struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Exponential  bool
}

// DefaultBackoffConfig matches the defaults referenced by Scenario C
// (retry_delay_ms=100, exponential_backoff=true).
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Exponential:  true,
	}
}

// Delay computes the wait before the next try, given the number of retries
// already made (the delay before the 2nd try is Delay(0)). When Exponential is false it
// returns InitialDelay unconditionally (flat delay), matching the "else
// flat delay" branch of the processor's retry rule.
//
// When exponential, the curve is delay · 2^attempt clamped at MaxDelay. We
// drive cenkalti/backoff's ExponentialBackOff with randomization disabled so
// the computed delay is deterministic and matches the `retry_delay_ms · 2^n`
// formula the processor contract specifies, reusing a maintained backoff
// implementation instead of hand-rolled float math.
func (c BackoffConfig) Delay(attempt int) time.Duration {
	if !c.Exponential {
		return c.InitialDelay
	}
	if attempt < 0 {
		attempt = 0
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.InitialDelay
	b.MaxInterval = c.MaxDelay
	b.Multiplier = 2.0
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0 // never give up based on elapsed time; caller owns the retry budget
	b.Reset()            // restart the curve from InitialInterval set above

	// The k-th NextBackOff returns InitialDelay·2^(k-1), so attempt+1 calls
	// yield InitialDelay·2^attempt.
	delay := c.InitialDelay
	for i := 0; i <= attempt; i++ {
		next := b.NextBackOff()
		if next == backoff.Stop {
			return c.MaxDelay
		}
		delay = next
	}
	if delay > c.MaxDelay {
		delay = c.MaxDelay
	}
	return delay
}
