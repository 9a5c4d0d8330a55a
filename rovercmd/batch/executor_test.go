package batch

import (
	"context"
	"testing"
	"time"

	"github.com/roverfleet/commandqueue/rovercmd"
	"github.com/roverfleet/commandqueue/rovercmd/persistence"
	"github.com/roverfleet/commandqueue/rovercmd/queue"
)

type fakeActionSource struct {
	reversible map[string]bool
}

func (f *fakeActionSource) HasCompensatingAction(cmdType string) bool {
	return f.reversible[cmdType]
}

func (f *fakeActionSource) GenerateInverse(ctx context.Context, cmd *rovercmd.Command) (*rovercmd.Command, error) {
	return rovercmd.NewCommand("Inverse-"+cmd.Type, cmd.Category, cmd.Priority, nil), nil
}

// startAutoCompleter stands in for a running Processor: it dequeues
// whatever the executor enqueues and immediately completes it, so batch
// tests can exercise the executor's polling loop without a full processor.
func startAutoCompleter(t *testing.T, q *queue.Queue, store *persistence.MemoryStore, fail map[string]bool) func() {
	t.Helper()
	stop := make(chan struct{})
	go func() {
		allowed := map[rovercmd.Priority]bool{
			rovercmd.PriorityEmergency: true, rovercmd.PriorityHigh: true,
			rovercmd.PriorityNormal: true, rovercmd.PriorityLow: true,
		}
		for {
			select {
			case <-stop:
				return
			default:
			}
			cmd := q.Dequeue(allowed)
			if cmd == nil {
				time.Sleep(5 * time.Millisecond)
				continue
			}
			status := rovercmd.StatusCompleted
			if fail[cmd.Type] {
				status = rovercmd.StatusFailed
			}
			_ = cmd.TransitionTo(status)
			_ = store.Save(context.Background(), cmd)
		}
	}()
	return func() { close(stop) }
}

func newTestExecutor(t *testing.T, actions CompensatingActionSource) (*Executor, *queue.Queue, *persistence.MemoryStore) {
	t.Helper()
	q := queue.New(queue.DefaultConfig())
	store := persistence.NewMemoryStore()
	cfg := DefaultConfig()
	cfg.PollInterval = 5 * time.Millisecond
	cfg.MemberTimeout = 2 * time.Second
	return New(cfg, q, store, actions), q, store
}

func TestExecutor_SequentialAllSucceed(t *testing.T) {
	ex, q, store := newTestExecutor(t, &fakeActionSource{})
	stop := startAutoCompleter(t, q, store, nil)
	defer stop()

	cmds := []*rovercmd.Command{
		rovercmd.NewCommand("MoveForward", rovercmd.CategoryMovement, rovercmd.PriorityNormal, nil),
		rovercmd.NewCommand("SensorRead", rovercmd.CategorySensorRead, rovercmd.PriorityNormal, nil),
	}
	b, err := ex.CreateBatch(context.Background(), cmds, "b1", "", Sequential, BestEffort, nil, rovercmd.PriorityNormal, nil, false)
	if err != nil {
		t.Fatalf("CreateBatch() error = %v", err)
	}

	result, err := ex.ExecuteBatch(context.Background(), b.ID)
	if err != nil {
		t.Fatalf("ExecuteBatch() error = %v", err)
	}
	if result.Status != StatusCompleted {
		t.Errorf("Status = %v, want Completed", result.Status)
	}
	if result.Completed != 2 || result.Failed != 0 {
		t.Errorf("Completed=%d Failed=%d, want 2/0", result.Completed, result.Failed)
	}
}

func TestExecutor_AllOrNothingRollsBackOnFailure(t *testing.T) {
	actions := &fakeActionSource{reversible: map[string]bool{"MoveForward": true, "SensorRead": true}}
	ex, q, store := newTestExecutor(t, actions)
	stop := startAutoCompleter(t, q, store, map[string]bool{"SensorRead": true})
	defer stop()

	cmds := []*rovercmd.Command{
		rovercmd.NewCommand("MoveForward", rovercmd.CategoryMovement, rovercmd.PriorityNormal, nil),
		rovercmd.NewCommand("SensorRead", rovercmd.CategorySensorRead, rovercmd.PriorityNormal, nil),
	}
	b, err := ex.CreateBatch(context.Background(), cmds, "b2", "", Sequential, AllOrNothing, nil, rovercmd.PriorityNormal, nil, true)
	if err != nil {
		t.Fatalf("CreateBatch() error = %v", err)
	}
	if len(b.RollbackPlan) != 2 {
		t.Fatalf("RollbackPlan len = %d, want 2", len(b.RollbackPlan))
	}

	result, err := ex.ExecuteBatch(context.Background(), b.ID)
	if err != nil {
		t.Fatalf("ExecuteBatch() error = %v", err)
	}
	if result.Status != StatusRolledBack {
		t.Errorf("Status = %v, want RolledBack", result.Status)
	}
}

func TestExecutor_AllOrNothingRollbackRequiresReversibility(t *testing.T) {
	ex, _, _ := newTestExecutor(t, &fakeActionSource{})

	cmds := []*rovercmd.Command{
		rovercmd.NewCommand("Firmware-Update", rovercmd.CategorySystem, rovercmd.PriorityHigh, nil),
	}
	_, err := ex.CreateBatch(context.Background(), cmds, "b3", "", Sequential, AllOrNothing, nil, rovercmd.PriorityNormal, nil, true)
	if err == nil {
		t.Fatal("CreateBatch() error = nil, want ErrNotReversible")
	}
}

func TestExecutor_MixedRespectsExecutionLevels(t *testing.T) {
	ex, q, store := newTestExecutor(t, &fakeActionSource{})
	stop := startAutoCompleter(t, q, store, nil)
	defer stop()

	root := rovercmd.NewCommand("MoveForward", rovercmd.CategoryMovement, rovercmd.PriorityNormal, nil)
	leaf := rovercmd.NewCommand("SensorRead", rovercmd.CategorySensorRead, rovercmd.PriorityNormal, nil)
	cmds := []*rovercmd.Command{root, leaf}
	deps := [][2]string{{root.ID, leaf.ID}}

	b, err := ex.CreateBatch(context.Background(), cmds, "b4", "", Mixed, BestEffort, deps, rovercmd.PriorityNormal, nil, false)
	if err != nil {
		t.Fatalf("CreateBatch() error = %v", err)
	}

	result, err := ex.ExecuteBatch(context.Background(), b.ID)
	if err != nil {
		t.Fatalf("ExecuteBatch() error = %v", err)
	}
	if result.Status != StatusCompleted {
		t.Errorf("Status = %v, want Completed", result.Status)
	}
}

func TestExecutor_ExecuteBatchRejectsNonPending(t *testing.T) {
	ex, q, store := newTestExecutor(t, &fakeActionSource{})
	stop := startAutoCompleter(t, q, store, nil)
	defer stop()

	cmds := []*rovercmd.Command{rovercmd.NewCommand("MoveForward", rovercmd.CategoryMovement, rovercmd.PriorityNormal, nil)}
	b, err := ex.CreateBatch(context.Background(), cmds, "b5", "", Sequential, BestEffort, nil, rovercmd.PriorityNormal, nil, false)
	if err != nil {
		t.Fatalf("CreateBatch() error = %v", err)
	}
	if _, err := ex.ExecuteBatch(context.Background(), b.ID); err != nil {
		t.Fatalf("first ExecuteBatch() error = %v", err)
	}
	if _, err := ex.ExecuteBatch(context.Background(), b.ID); err == nil {
		t.Fatal("second ExecuteBatch() error = nil, want ErrNotPending")
	}
}

func TestExecutor_BatchTooLargeRejected(t *testing.T) {
	ex, _, _ := newTestExecutor(t, &fakeActionSource{})
	ex.cfg.MaxBatchSize = 1

	cmds := []*rovercmd.Command{
		rovercmd.NewCommand("MoveForward", rovercmd.CategoryMovement, rovercmd.PriorityNormal, nil),
		rovercmd.NewCommand("SensorRead", rovercmd.CategorySensorRead, rovercmd.PriorityNormal, nil),
	}
	_, err := ex.CreateBatch(context.Background(), cmds, "b6", "", Sequential, BestEffort, nil, rovercmd.PriorityNormal, nil, false)
	if err == nil {
		t.Fatal("CreateBatch() error = nil, want ErrBatchTooLarge")
	}
}
