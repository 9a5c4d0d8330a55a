package roverresilience

import (
	"context"
	"sync"
	"time"

	"github.com/roverfleet/commandqueue/rovercore"
)

// CircuitState is the state of a CircuitBreaker.
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures a CircuitBreaker.
type CircuitBreakerConfig struct {
	Name             string
	FailureThreshold int           // consecutive failures before opening
	SleepWindow      time.Duration // time spent open before probing half-open
	HalfOpenRequests int           // successes needed in half-open to close
	Logger           rovercore.Logger
}

// DefaultCircuitBreakerConfig matches the persistence-port retry/backoff
// defaults this codebase uses to protect the Redis-backed store and queue.
func DefaultCircuitBreakerConfig(name string) CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Name:             name,
		FailureThreshold: 5,
		SleepWindow:      30 * time.Second,
		HalfOpenRequests: 3,
		Logger:           rovercore.NoOpLogger{},
	}
}

// CircuitBreaker is a threshold-based three-state breaker: Closed allows
// all calls, Open rejects immediately once FailureThreshold consecutive
// failures are observed, and Half-Open admits a limited probe count before
// returning to Closed or Open.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu             sync.Mutex
	state          CircuitState
	consecutiveErr int
	openedAt       time.Time
	halfOpenOK     int
	halfOpenCalls  int
}

func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.Logger == nil {
		cfg.Logger = rovercore.NoOpLogger{}
	}
	return &CircuitBreaker{cfg: cfg, state: StateClosed}
}

// CanExecute reports whether the breaker would currently admit a call,
// transitioning Open→HalfOpen when the sleep window has elapsed.
func (cb *CircuitBreaker) CanExecute() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.canExecuteLocked()
}

func (cb *CircuitBreaker) canExecuteLocked() bool {
	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(cb.openedAt) >= cb.cfg.SleepWindow {
			cb.transition(StateHalfOpen)
			cb.halfOpenCalls = 0
			cb.halfOpenOK = 0
			return true
		}
		return false
	case StateHalfOpen:
		return cb.halfOpenCalls < cb.cfg.HalfOpenRequests
	default:
		return true
	}
}

// Execute runs fn under circuit-breaker protection.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	cb.mu.Lock()
	if !cb.canExecuteLocked() {
		cb.mu.Unlock()
		return rovercore.NewError(cb.cfg.Name, "circuit_open", "", rovercore.ErrCapacityExceeded)
	}
	if cb.state == StateHalfOpen {
		cb.halfOpenCalls++
	}
	cb.mu.Unlock()

	err := fn()

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err != nil {
		cb.recordFailureLocked()
		return err
	}
	cb.recordSuccessLocked()
	return nil
}

// ExecuteWithTimeout runs fn with both circuit-breaker protection and a
// deadline, for calls (Redis round-trips, handler invocations) that might
// hang past their budget.
func (cb *CircuitBreaker) ExecuteWithTimeout(ctx context.Context, timeout time.Duration, fn func() error) error {
	return cb.Execute(ctx, func() error {
		tctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		done := make(chan error, 1)
		go func() { done <- fn() }()
		select {
		case err := <-done:
			return err
		case <-tctx.Done():
			return tctx.Err()
		}
	})
}

func (cb *CircuitBreaker) recordFailureLocked() {
	switch cb.state {
	case StateHalfOpen:
		cb.transition(StateOpen)
		cb.openedAt = time.Now()
	case StateClosed:
		cb.consecutiveErr++
		if cb.consecutiveErr >= cb.cfg.FailureThreshold {
			cb.transition(StateOpen)
			cb.openedAt = time.Now()
		}
	}
}

func (cb *CircuitBreaker) recordSuccessLocked() {
	switch cb.state {
	case StateHalfOpen:
		cb.halfOpenOK++
		if cb.halfOpenOK >= cb.cfg.HalfOpenRequests {
			cb.transition(StateClosed)
			cb.consecutiveErr = 0
		}
	case StateClosed:
		cb.consecutiveErr = 0
	}
}

func (cb *CircuitBreaker) transition(to CircuitState) {
	if cb.state == to {
		return
	}
	cb.cfg.Logger.Info("circuit breaker state change", "name", cb.cfg.Name, "from", cb.state.String(), "to", to.String())
	cb.state = to
}

// GetState returns the current state as a label.
func (cb *CircuitBreaker) GetState() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state.String()
}

// Reset forces the breaker back to Closed, clearing counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.consecutiveErr = 0
	cb.halfOpenOK = 0
	cb.halfOpenCalls = 0
}
