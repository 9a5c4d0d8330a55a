// Package persistence implements the Persistence Port: a durable mirror of
// the priority queue and acknowledgment state, used for startup replay and
// for satisfying the durability guarantee in §4.2.
package persistence

import (
	"context"
	"time"

	"github.com/roverfleet/commandqueue/rovercmd"
)

// HistoryEntry is one append-only row recording a status transition.
type HistoryEntry struct {
	CommandID string
	Status    rovercmd.Status
	Timestamp time.Time
	Detail    string
}

// Metric is an append-only observability event (saveMetric in §4.2).
type Metric struct {
	Type      string
	Value     float64
	CmdType   string
	Priority  rovercmd.Priority
	Timestamp time.Time
}

// Store is the Persistence Port contract.
type Store interface {
	Save(ctx context.Context, cmd *rovercmd.Command) error
	SaveBatch(ctx context.Context, cmds []*rovercmd.Command) error
	UpdateStatus(ctx context.Context, id string, status rovercmd.Status, result *rovercmd.Result, detail string) error
	LoadPending(ctx context.Context) ([]*rovercmd.Command, error)
	Get(ctx context.Context, id string) (*rovercmd.Command, error)
	SaveMetric(ctx context.Context, m Metric) error
	CleanupOlderThan(ctx context.Context, age time.Duration) (int, error)
}
