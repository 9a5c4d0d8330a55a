package persistence

import (
	"context"
	"errors"
	"testing"

	"github.com/roverfleet/commandqueue/rovercmd"
	"github.com/roverfleet/commandqueue/roverresilience"
)

type failingStore struct {
	Store
	failSaves int
}

func (s *failingStore) Save(ctx context.Context, cmd *rovercmd.Command) error {
	if s.failSaves > 0 {
		s.failSaves--
		return errors.New("backend unavailable")
	}
	return s.Store.Save(ctx, cmd)
}

func breakerCfg() roverresilience.CircuitBreakerConfig {
	cfg := roverresilience.DefaultCircuitBreakerConfig("test")
	cfg.FailureThreshold = 2
	return cfg
}

func TestCircuitBreakerStore_OpensAfterConsecutiveFailuresAndRejects(t *testing.T) {
	inner := &failingStore{Store: NewMemoryStore(), failSaves: 2}
	s := NewCircuitBreakerStore(inner, breakerCfg())

	cmd := rovercmd.NewCommand("MoveForward", rovercmd.CategoryMovement, rovercmd.PriorityNormal, nil)
	if err := s.Save(context.Background(), cmd); err == nil {
		t.Fatal("Save() error = nil, want failure #1 to surface")
	}
	if err := s.Save(context.Background(), cmd); err == nil {
		t.Fatal("Save() error = nil, want failure #2 to surface and trip the breaker")
	}

	if s.Breaker().CanExecute() {
		t.Fatal("Breaker().CanExecute() = true, want false once FailureThreshold consecutive failures tripped it")
	}

	// A third call should be rejected by the breaker itself, not reach the
	// (by now healthy) inner store.
	if err := s.Save(context.Background(), cmd); err == nil {
		t.Fatal("Save() error = nil, want circuit-open rejection")
	}
}

func TestCircuitBreakerStore_PassesThroughOnSuccess(t *testing.T) {
	s := NewCircuitBreakerStore(NewMemoryStore(), breakerCfg())
	cmd := rovercmd.NewCommand("MoveForward", rovercmd.CategoryMovement, rovercmd.PriorityNormal, nil)

	if err := s.Save(context.Background(), cmd); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	got, err := s.Get(context.Background(), cmd.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.ID != cmd.ID {
		t.Errorf("Get() = %+v, want matching id to %+v", got, cmd)
	}
	if !s.Breaker().CanExecute() {
		t.Error("Breaker().CanExecute() = false, want true after a successful call")
	}
}

var _ Store = (*failingStore)(nil)
