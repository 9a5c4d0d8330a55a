package persistence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/roverfleet/commandqueue/rovercmd"
	"github.com/roverfleet/commandqueue/rovercore"
)

// MemoryStore is an in-process Store backed by a map plus an append-only
// history slice, grounded on the teacher's InMemoryStore
// (core/memory_store.go): a single mutex guarding both, acceptable for a
// single-process deployment or for tests. Writes serialize through
// writeTok, a buffered channel used as a FIFO mutex so concurrent savers
// queue in submission order without blocking readers, matching §5's
// "single writer queue; readers do not block" guarantee.
type MemoryStore struct {
	mu       sync.RWMutex
	commands map[string]*rovercmd.Command
	history  []HistoryEntry
	metrics  []Metric

	writeTok chan struct{}
}

func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		commands: make(map[string]*rovercmd.Command),
		writeTok: make(chan struct{}, 1),
	}
	s.writeTok <- struct{}{}
	return s
}

func (s *MemoryStore) acquireWrite(ctx context.Context) error {
	select {
	case <-s.writeTok:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *MemoryStore) releaseWrite() { s.writeTok <- struct{}{} }

func (s *MemoryStore) Save(ctx context.Context, cmd *rovercmd.Command) error {
	if err := s.acquireWrite(ctx); err != nil {
		return err
	}
	defer s.releaseWrite()

	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *cmd
	s.commands[cmd.ID] = &clone
	return nil
}

func (s *MemoryStore) SaveBatch(ctx context.Context, cmds []*rovercmd.Command) error {
	if err := s.acquireWrite(ctx); err != nil {
		return err
	}
	defer s.releaseWrite()

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cmd := range cmds {
		clone := *cmd
		s.commands[cmd.ID] = &clone
	}
	return nil
}

func (s *MemoryStore) UpdateStatus(ctx context.Context, id string, status rovercmd.Status, result *rovercmd.Result, detail string) error {
	if err := s.acquireWrite(ctx); err != nil {
		return err
	}
	defer s.releaseWrite()

	s.mu.Lock()
	defer s.mu.Unlock()
	cmd, ok := s.commands[id]
	if !ok {
		return rovercore.NewError("persistence.UpdateStatus", "not_found", id, rovercore.ErrNotFound)
	}
	cmd.Status = status
	if result != nil {
		cmd.Result = result
	}
	s.history = append(s.history, HistoryEntry{CommandID: id, Status: status, Timestamp: time.Now(), Detail: detail})
	return nil
}

func (s *MemoryStore) LoadPending(ctx context.Context) ([]*rovercmd.Command, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*rovercmd.Command
	for _, cmd := range s.commands {
		switch cmd.Status {
		case rovercmd.StatusPending, rovercmd.StatusQueued, rovercmd.StatusRetrying, rovercmd.StatusExecuting:
			clone := *cmd
			out = append(out, &clone)
		}
	}
	// priority-major (Emergency first), creation-minor
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*rovercmd.Command, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cmd, ok := s.commands[id]
	if !ok {
		return nil, rovercore.NewError("persistence.Get", "not_found", id, rovercore.ErrNotFound)
	}
	clone := *cmd
	return &clone, nil
}

func (s *MemoryStore) SaveMetric(ctx context.Context, m Metric) error {
	if err := s.acquireWrite(ctx); err != nil {
		return err
	}
	defer s.releaseWrite()

	s.mu.Lock()
	defer s.mu.Unlock()
	m.Timestamp = time.Now()
	s.metrics = append(s.metrics, m)
	return nil
}

func (s *MemoryStore) CleanupOlderThan(ctx context.Context, age time.Duration) (int, error) {
	if err := s.acquireWrite(ctx); err != nil {
		return 0, err
	}
	defer s.releaseWrite()

	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-age)
	deleted := 0
	for id, cmd := range s.commands {
		if cmd.Status.IsTerminal() && cmd.CompletedAt.Before(cutoff) {
			delete(s.commands, id)
			deleted++
		}
	}

	history := s.history[:0]
	for _, h := range s.history {
		if h.Timestamp.After(cutoff) {
			history = append(history, h)
		}
	}
	s.history = history

	metrics := s.metrics[:0]
	for _, m := range s.metrics {
		if m.Timestamp.After(cutoff) {
			metrics = append(metrics, m)
		}
	}
	s.metrics = metrics

	return deleted, nil
}

var _ Store = (*MemoryStore)(nil)
