package persistence

import (
	"context"
	"time"

	"github.com/roverfleet/commandqueue/rovercmd"
	"github.com/roverfleet/commandqueue/roverresilience"
)

// CircuitBreakerStore wraps a Store's write path with a CircuitBreaker,
// implementing §7's degraded-state requirement: once the underlying store
// (typically Redis) racks up enough consecutive failures, the breaker opens
// and further writes fail fast with ErrCapacityExceeded instead of hanging
// or retrying against a backend that is down. Get, LoadPending and
// CleanupOlderThan pass through directly — a degraded write path should
// not also block recovery or status queries.
type CircuitBreakerStore struct {
	Store
	breaker *roverresilience.CircuitBreaker
}

// NewCircuitBreakerStore wraps store with a breaker built from cfg.
func NewCircuitBreakerStore(store Store, cfg roverresilience.CircuitBreakerConfig) *CircuitBreakerStore {
	return &CircuitBreakerStore{Store: store, breaker: roverresilience.NewCircuitBreaker(cfg)}
}

// Breaker exposes the underlying CircuitBreaker so callers (the queue, in
// particular) can check CanExecute before admitting new submissions.
func (s *CircuitBreakerStore) Breaker() *roverresilience.CircuitBreaker { return s.breaker }

func (s *CircuitBreakerStore) Save(ctx context.Context, cmd *rovercmd.Command) error {
	return s.breaker.Execute(ctx, func() error { return s.Store.Save(ctx, cmd) })
}

func (s *CircuitBreakerStore) SaveBatch(ctx context.Context, cmds []*rovercmd.Command) error {
	return s.breaker.Execute(ctx, func() error { return s.Store.SaveBatch(ctx, cmds) })
}

func (s *CircuitBreakerStore) UpdateStatus(ctx context.Context, id string, status rovercmd.Status, result *rovercmd.Result, detail string) error {
	return s.breaker.Execute(ctx, func() error { return s.Store.UpdateStatus(ctx, id, status, result, detail) })
}

func (s *CircuitBreakerStore) SaveMetric(ctx context.Context, m Metric) error {
	return s.breaker.Execute(ctx, func() error { return s.Store.SaveMetric(ctx, m) })
}

func (s *CircuitBreakerStore) CleanupOlderThan(ctx context.Context, age time.Duration) (int, error) {
	return s.Store.CleanupOlderThan(ctx, age)
}

var _ Store = (*CircuitBreakerStore)(nil)
