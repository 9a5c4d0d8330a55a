package batch

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roverfleet/commandqueue/rovercmd"
	"github.com/roverfleet/commandqueue/rovercmd/persistence"
	"github.com/roverfleet/commandqueue/rovercmd/queue"
	"github.com/roverfleet/commandqueue/rovercore"
	"github.com/roverfleet/commandqueue/rovertelemetry"
)

// ExecMode selects how batch members are dispatched.
type ExecMode int

const (
	Sequential ExecMode = iota
	Parallel
	Mixed
)

// TxMode selects how member failures affect the batch's aggregate outcome.
type TxMode int

const (
	AllOrNothing TxMode = iota
	BestEffort
	StopOnError
	Isolated
)

// Status is the batch's own lifecycle, independent of any member's Status.
type Status int

const (
	StatusPending Status = iota
	StatusRunning
	StatusCompleted
	StatusPartiallyCompleted
	StatusFailed
	StatusRolledBack
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusCompleted:
		return "completed"
	case StatusPartiallyCompleted:
		return "partially_completed"
	case StatusFailed:
		return "failed"
	case StatusRolledBack:
		return "rolled_back"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

var (
	ErrBatchTooLarge       = errors.New("batch: member count exceeds max_batch_size")
	ErrDuplicateMember     = errors.New("batch: duplicate member command id")
	ErrNotReversible       = errors.New("batch: AllOrNothing with rollback requires every member type to have a registered compensating action")
	ErrNotPending          = errors.New("batch: executeBatch is only valid on a Pending batch")
	ErrParallelLimitExceeded = errors.New("batch: parallel mode member count exceeds the configured concurrency guard")
	ErrNotFound            = rovercore.ErrNotFound
)

// CompensatingActionSource is the capability the cancellation manager's
// registry provides; batch depends on this narrow interface rather than the
// concrete cancellation.Manager to avoid coupling rollback-plan generation
// to cancellation-specific state.
type CompensatingActionSource interface {
	HasCompensatingAction(cmdType string) bool
	GenerateInverse(ctx context.Context, cmd *rovercmd.Command) (*rovercmd.Command, error)
}

// RollbackStep is one entry of a batch's eagerly-generated rollback plan.
type RollbackStep struct {
	MemberID    string
	InverseType string
	Inverse     *rovercmd.Command
}

// Batch is the aggregate-of-commands unit §4.7 describes.
type Batch struct {
	ID          string
	Name        string
	Description string

	Members      []*rovercmd.Command
	Dependencies [][2]string // [from, to] member id pairs

	ExecMode ExecMode
	TxMode   TxMode
	Priority rovercmd.Priority
	Metadata map[string]string

	Status    Status
	Total     int
	Completed int
	Failed    int

	RollbackPlan []RollbackStep

	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time

	dag *DAG
}

// Config bounds batch size and concurrency per §4.7's validation rules.
type Config struct {
	MaxBatchSize           int
	ParallelExecutionLimit int
	MaxDependencyDepth     int
	MemberTimeout          time.Duration
	PollInterval           time.Duration

	Logger rovercore.ComponentAwareLogger
	Events rovertelemetry.EventSink
}

func DefaultConfig() Config {
	return Config{
		MaxBatchSize:           100,
		ParallelExecutionLimit: 50,
		MaxDependencyDepth:     10,
		MemberTimeout:          30 * time.Second,
		PollInterval:           20 * time.Millisecond,
		Logger:                 rovercore.NoOpLogger{},
		Events:                 rovertelemetry.NoOpSink{},
	}
}

// Executor is the Batch Executor component. Each member runs through the
// same queue + processor path a standalone command would: the executor
// enqueues the member and polls the Persistence Port for its terminal
// status, rather than re-implementing dispatch.
type Executor struct {
	cfg     Config
	queue   *queue.Queue
	store   persistence.Store
	actions CompensatingActionSource

	mu      sync.Mutex
	batches map[string]*Batch
}

func New(cfg Config, q *queue.Queue, store persistence.Store, actions CompensatingActionSource) *Executor {
	if cfg.Logger == nil {
		cfg.Logger = rovercore.NoOpLogger{}
	}
	if cfg.Events == nil {
		cfg.Events = rovertelemetry.NoOpSink{}
	}
	return &Executor{cfg: cfg, queue: q, store: store, actions: actions, batches: make(map[string]*Batch)}
}

// CreateBatch validates and stores a batch; it does not execute it.
func (e *Executor) CreateBatch(ctx context.Context, cmds []*rovercmd.Command, name, desc string, execMode ExecMode, txMode TxMode, deps [][2]string, priority rovercmd.Priority, metadata map[string]string, rollback bool) (*Batch, error) {
	if len(cmds) > e.cfg.MaxBatchSize {
		return nil, rovercore.NewError("batch.CreateBatch", "too_large", "", ErrBatchTooLarge)
	}
	ids := make(map[string]bool, len(cmds))
	memberIDs := make([]string, 0, len(cmds))
	for _, c := range cmds {
		if ids[c.ID] {
			return nil, rovercore.NewError("batch.CreateBatch", "duplicate_member", c.ID, ErrDuplicateMember)
		}
		ids[c.ID] = true
		memberIDs = append(memberIDs, c.ID)
	}

	if execMode == Parallel && len(cmds) > e.cfg.ParallelExecutionLimit {
		return nil, rovercore.NewError("batch.CreateBatch", "parallel_limit", "", ErrParallelLimitExceeded)
	}

	dag := NewDAG(memberIDs)
	for _, edge := range deps {
		if err := dag.AddDependency(edge[0], edge[1]); err != nil {
			return nil, rovercore.NewError("batch.CreateBatch", "bad_dependency", "", err)
		}
	}
	if err := dag.Validate(e.cfg.MaxDependencyDepth); err != nil {
		return nil, rovercore.NewError("batch.CreateBatch", "invalid_dag", "", err)
	}

	if txMode == AllOrNothing && rollback {
		for _, c := range cmds {
			if !e.actions.HasCompensatingAction(c.Type) {
				return nil, rovercore.NewError("batch.CreateBatch", "not_reversible", c.ID, ErrNotReversible)
			}
		}
	}

	b := &Batch{
		ID: uuid.NewString(), Name: name, Description: desc,
		Members: cmds, Dependencies: deps, ExecMode: execMode, TxMode: txMode,
		Priority: priority, Metadata: metadata, Status: StatusPending,
		Total: len(cmds), CreatedAt: time.Now(), dag: dag,
	}
	if rollback {
		b.RollbackPlan = e.generateRollbackPlan(ctx, cmds)
	}

	e.mu.Lock()
	e.batches[b.ID] = b
	e.mu.Unlock()
	return b, nil
}

// generateRollbackPlan walks members in reverse order, asking the
// compensating-action registry for an inverse command per §4.7's "generated
// eagerly pre-execution" rule.
func (e *Executor) generateRollbackPlan(ctx context.Context, cmds []*rovercmd.Command) []RollbackStep {
	plan := make([]RollbackStep, 0, len(cmds))
	for i := len(cmds) - 1; i >= 0; i-- {
		c := cmds[i]
		if !e.actions.HasCompensatingAction(c.Type) {
			continue
		}
		inverse, err := e.actions.GenerateInverse(ctx, c)
		if err != nil || inverse == nil {
			continue
		}
		plan = append(plan, RollbackStep{MemberID: c.ID, InverseType: inverse.Type, Inverse: inverse})
	}
	return plan
}

// ExecuteBatch drives a Pending batch to a terminal status; it rejects a
// batch that has already started, matching §4.7's idempotency contract.
func (e *Executor) ExecuteBatch(ctx context.Context, batchID string) (*Batch, error) {
	e.mu.Lock()
	b, ok := e.batches[batchID]
	if !ok {
		e.mu.Unlock()
		return nil, rovercore.NewError("batch.ExecuteBatch", "not_found", batchID, ErrNotFound)
	}
	if b.Status != StatusPending {
		e.mu.Unlock()
		return nil, rovercore.NewError("batch.ExecuteBatch", "not_pending", batchID, ErrNotPending)
	}
	b.Status = StatusRunning
	b.StartedAt = time.Now()
	e.mu.Unlock()

	byID := make(map[string]*rovercmd.Command, len(b.Members))
	for _, c := range b.Members {
		c.BatchID = b.ID
		byID[c.ID] = c
	}

	stopped := false
	switch b.ExecMode {
	case Sequential:
		order := b.dag.GetTopologicalOrder()
		if len(order) == 0 {
			order = idOrder(b.Members)
		}
		for _, id := range order {
			if stopped {
				b.dag.markStatus(id, NodeSkipped)
				continue
			}
			ok := e.runMember(ctx, b, byID[id])
			if !ok && (b.TxMode == StopOnError || b.TxMode == AllOrNothing) {
				stopped = true
			}
		}
	case Parallel:
		e.runLevel(ctx, b, byID, idOrder(b.Members))
	case Mixed:
		for _, level := range b.dag.GetExecutionLevels() {
			if stopped {
				for _, id := range level {
					b.dag.markStatus(id, NodeSkipped)
				}
				continue
			}
			levelFailed := e.runLevel(ctx, b, byID, level)
			if levelFailed && (b.TxMode == StopOnError || b.TxMode == AllOrNothing) {
				stopped = true
			}
		}
	}

	e.finalize(ctx, b)
	return b, nil
}

func idOrder(cmds []*rovercmd.Command) []string {
	out := make([]string, len(cmds))
	for i, c := range cmds {
		out[i] = c.ID
	}
	return out
}

// runLevel executes a set of mutually-parallel-safe members bounded by a
// semaphore of size ParallelExecutionLimit, the idiomatic Go pattern for
// capping fan-out (a buffered channel used as a counting semaphore). It
// reports whether any member in the level failed.
func (e *Executor) runLevel(ctx context.Context, b *Batch, byID map[string]*rovercmd.Command, ids []string) bool {
	sem := make(chan struct{}, e.cfg.ParallelExecutionLimit)
	var wg sync.WaitGroup
	var anyFailed atomicBool

	for _, id := range ids {
		cmd := byID[id]
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			if !e.runMember(ctx, b, cmd) {
				anyFailed.set(true)
			}
		}()
	}
	wg.Wait()
	return anyFailed.get()
}

// atomicBool is a tiny mutex-guarded flag; sync/atomic.Bool would do the
// same but this keeps the dependency surface to what the rest of the file
// already imports.
type atomicBool struct {
	mu sync.Mutex
	v  bool
}

func (a *atomicBool) set(v bool) {
	a.mu.Lock()
	a.v = a.v || v
	a.mu.Unlock()
}
func (a *atomicBool) get() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.v
}

// runMember enqueues one member and polls the Persistence Port for its
// terminal status, emitting a batch-progress event on completion. It
// returns whether the member succeeded.
func (e *Executor) runMember(ctx context.Context, b *Batch, cmd *rovercmd.Command) bool {
	b.dag.markStatus(cmd.ID, NodeRunning)

	if err := e.queue.Enqueue(cmd); err != nil {
		e.recordOutcome(b, cmd.ID, false)
		return false
	}

	memberCtx, cancel := context.WithTimeout(ctx, e.cfg.MemberTimeout)
	defer cancel()

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-memberCtx.Done():
			e.recordOutcome(b, cmd.ID, false)
			return false
		case <-ticker.C:
			stored, err := e.store.Get(ctx, cmd.ID)
			if err != nil || !stored.Status.IsTerminal() {
				continue
			}
			success := stored.Status == rovercmd.StatusCompleted
			e.recordOutcome(b, cmd.ID, success)
			return success
		}
	}
}

func (e *Executor) recordOutcome(b *Batch, memberID string, success bool) {
	e.mu.Lock()
	if success {
		b.Completed++
		b.dag.markStatus(memberID, NodeCompleted)
	} else {
		b.Failed++
		b.dag.markStatus(memberID, NodeFailed)
	}
	completed, failed, total := b.Completed, b.Failed, b.Total
	e.mu.Unlock()

	e.cfg.Events.Emit(context.Background(), rovertelemetry.Event{
		Type: rovertelemetry.EventBatch, ID: b.ID, Status: "progress",
		Timestamp: time.Now(),
		Extra: map[string]interface{}{
			"total": int64(total), "completed": int64(completed), "failed": int64(failed),
			"percent": float64(completed+failed) / float64(total) * 100,
		},
	})
}

// finalize computes the batch's terminal status from its transaction mode
// and, for AllOrNothing, executes the rollback plan on any failure.
func (e *Executor) finalize(ctx context.Context, b *Batch) {
	e.mu.Lock()
	completed, failed, total := b.Completed, b.Failed, b.Total
	txMode := b.TxMode
	e.mu.Unlock()

	var status Status
	switch txMode {
	case AllOrNothing:
		if failed > 0 {
			e.executeRollback(ctx, b)
			status = StatusRolledBack
		} else {
			status = StatusCompleted
		}
	default: // BestEffort, StopOnError, Isolated share the same aggregate derivation
		switch {
		case completed == total:
			status = StatusCompleted
		case completed == 0:
			status = StatusFailed
		default:
			status = StatusPartiallyCompleted
		}
	}

	e.mu.Lock()
	b.Status = status
	b.CompletedAt = time.Now()
	e.mu.Unlock()
}

// executeRollback runs the eagerly-generated inverse commands in plan order
// (members in reverse listed order, which is reverse completion order only
// for Sequential batches; the actual completion order of Parallel and Mixed
// members is not consulted), for members whose execution actually succeeded,
// enqueuing each one through the same queue + processor path runMember uses
// and waiting for it to reach a terminal status before returning — a
// rollback is only complete once its compensating actions actually finish,
// not once they are merely enqueued. It is best-effort: an inverse
// command's own failure is not retried or surfaced as a batch failure.
func (e *Executor) executeRollback(ctx context.Context, b *Batch) {
	e.cfg.Events.Emit(ctx, rovertelemetry.Event{
		Type: rovertelemetry.EventBatch, ID: b.ID, Status: "rollback_started",
		Timestamp: time.Now(),
	})

	for _, step := range b.RollbackPlan {
		if b.dag.status(step.MemberID) != NodeCompleted {
			continue
		}
		if step.Inverse == nil {
			continue
		}
		e.runInverse(ctx, step.Inverse)
	}

	e.cfg.Events.Emit(ctx, rovertelemetry.Event{
		Type: rovertelemetry.EventBatch, ID: b.ID, Status: "rollback_completed",
		Timestamp: time.Now(),
	})
}

// runInverse enqueues one rollback step's compensating command and polls the
// Persistence Port until it reaches a terminal status, mirroring runMember
// so a rollback step's completion is actually observed rather than
// fire-and-forget.
func (e *Executor) runInverse(ctx context.Context, cmd *rovercmd.Command) {
	if err := e.queue.Enqueue(cmd); err != nil {
		return
	}

	memberCtx, cancel := context.WithTimeout(ctx, e.cfg.MemberTimeout)
	defer cancel()

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-memberCtx.Done():
			return
		case <-ticker.C:
			stored, err := e.store.Get(ctx, cmd.ID)
			if err != nil || !stored.Status.IsTerminal() {
				continue
			}
			return
		}
	}
}

// CancelBatch cancels every not-yet-terminal member and marks the batch
// Cancelled.
func (e *Executor) CancelBatch(batchID string) error {
	e.mu.Lock()
	b, ok := e.batches[batchID]
	if !ok {
		e.mu.Unlock()
		return rovercore.NewError("batch.CancelBatch", "not_found", batchID, ErrNotFound)
	}
	members := append([]*rovercmd.Command(nil), b.Members...)
	e.mu.Unlock()

	for _, c := range members {
		if c.Status.IsTerminal() {
			continue
		}
		_ = e.queue.Cancel(c.ID)
	}

	e.mu.Lock()
	b.Status = StatusCancelled
	b.CompletedAt = time.Now()
	e.mu.Unlock()
	return nil
}

func (e *Executor) GetBatch(batchID string) (*Batch, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.batches[batchID]
	if !ok {
		return nil, rovercore.NewError("batch.GetBatch", "not_found", batchID, ErrNotFound)
	}
	return b, nil
}

// ListBatches returns batches matching filter (nil = everything), sorted by
// creation time.
func (e *Executor) ListBatches(filter func(*Batch) bool) []*Batch {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Batch, 0, len(e.batches))
	for _, b := range e.batches {
		if filter == nil || filter(b) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Stats reports aggregate counters across every batch this executor holds.
type Stats struct {
	TotalBatches int
	ByStatus     map[Status]int
}

func (e *Executor) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := Stats{TotalBatches: len(e.batches), ByStatus: make(map[Status]int)}
	for _, b := range e.batches {
		st.ByStatus[b.Status]++
	}
	return st
}
