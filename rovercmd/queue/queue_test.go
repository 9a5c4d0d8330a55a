package queue

import (
	"testing"
	"time"

	"github.com/roverfleet/commandqueue/rovercmd"
)

func newCmd(cmdType string, prio rovercmd.Priority) *rovercmd.Command {
	return rovercmd.NewCommand(cmdType, rovercmd.CategoryMovement, prio, nil)
}

func allPriorities() map[rovercmd.Priority]bool {
	return map[rovercmd.Priority]bool{
		rovercmd.PriorityEmergency: true, rovercmd.PriorityHigh: true,
		rovercmd.PriorityNormal: true, rovercmd.PriorityLow: true,
	}
}

func TestQueue_DequeueRespectsPriorityOrder(t *testing.T) {
	q := New(DefaultConfig())
	low := newCmd("MoveForward", rovercmd.PriorityLow)
	emerg := newCmd("Emergency-Stop", rovercmd.PriorityEmergency)
	if err := q.Enqueue(low); err != nil {
		t.Fatalf("Enqueue(low) error = %v", err)
	}
	if err := q.Enqueue(emerg); err != nil {
		t.Fatalf("Enqueue(emerg) error = %v", err)
	}

	got := q.Dequeue(allPriorities())
	if got == nil || got.ID != emerg.ID {
		t.Fatalf("Dequeue() = %v, want emergency command first", got)
	}
}

func TestQueue_FIFOWithinPriority(t *testing.T) {
	q := New(DefaultConfig())
	first := newCmd("MoveForward", rovercmd.PriorityNormal)
	second := newCmd("MoveForward", rovercmd.PriorityNormal)
	_ = q.Enqueue(first)
	_ = q.Enqueue(second)

	got := q.Dequeue(allPriorities())
	if got.ID != first.ID {
		t.Errorf("Dequeue() = %s, want first-arrived %s", got.ID, first.ID)
	}
}

func TestQueue_DequeueHonorsAllowedSubset(t *testing.T) {
	q := New(DefaultConfig())
	low := newCmd("MoveForward", rovercmd.PriorityLow)
	_ = q.Enqueue(low)

	allowed := map[rovercmd.Priority]bool{rovercmd.PriorityHigh: true}
	if got := q.Dequeue(allowed); got != nil {
		t.Errorf("Dequeue() = %v, want nil when low priority not allowed", got)
	}
}

func TestQueue_EnqueueTransitionsToQueued(t *testing.T) {
	q := New(DefaultConfig())
	cmd := newCmd("MoveForward", rovercmd.PriorityNormal)
	if err := q.Enqueue(cmd); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if cmd.Status != rovercmd.StatusQueued {
		t.Errorf("Status = %v, want Queued", cmd.Status)
	}
}

func TestQueue_DequeueTransitionsToExecuting(t *testing.T) {
	q := New(DefaultConfig())
	cmd := newCmd("MoveForward", rovercmd.PriorityNormal)
	_ = q.Enqueue(cmd)

	got := q.Dequeue(allPriorities())
	if got.Status != rovercmd.StatusExecuting {
		t.Errorf("Status = %v, want Executing", got.Status)
	}
}

func TestQueue_PerPriorityCapacityEnforced(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPerPriority = map[rovercmd.Priority]int{rovercmd.PriorityLow: 1}
	q := New(cfg)

	if err := q.Enqueue(newCmd("MoveForward", rovercmd.PriorityLow)); err != nil {
		t.Fatalf("first Enqueue() error = %v", err)
	}
	if err := q.Enqueue(newCmd("MoveForward", rovercmd.PriorityLow)); err == nil {
		t.Fatal("second Enqueue() error = nil, want ErrPerPriorityFull")
	}
}

func TestQueue_GlobalCapacityEnforced(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxQueueSize = 1
	q := New(cfg)

	if err := q.Enqueue(newCmd("MoveForward", rovercmd.PriorityNormal)); err != nil {
		t.Fatalf("first Enqueue() error = %v", err)
	}
	if err := q.Enqueue(newCmd("SensorRead", rovercmd.PriorityHigh)); err == nil {
		t.Fatal("second Enqueue() error = nil, want ErrQueueFull")
	}
}

func TestQueue_CancelRemovesQueuedCommand(t *testing.T) {
	q := New(DefaultConfig())
	cmd := newCmd("MoveForward", rovercmd.PriorityNormal)
	_ = q.Enqueue(cmd)

	if err := q.Cancel(cmd.ID); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if cmd.Status != rovercmd.StatusCancelled {
		t.Errorf("Status = %v, want Cancelled", cmd.Status)
	}
	if got := q.Dequeue(allPriorities()); got != nil {
		t.Errorf("Dequeue() = %v, want nil after cancel", got)
	}
}

func TestQueue_CancelRejectsExecutingCommand(t *testing.T) {
	q := New(DefaultConfig())
	cmd := newCmd("MoveForward", rovercmd.PriorityNormal)
	_ = q.Enqueue(cmd)
	_ = q.Dequeue(allPriorities())

	if err := q.Cancel(cmd.ID); err == nil {
		t.Fatal("Cancel() error = nil, want an error for an executing (no longer queued) command")
	}
}

func TestQueue_RequeueIncrementsRetryCountAndReturnsToReady(t *testing.T) {
	q := New(DefaultConfig())
	cmd := newCmd("MoveForward", rovercmd.PriorityNormal)
	_ = q.Enqueue(cmd)
	_ = q.Dequeue(allPriorities())

	if err := q.Requeue(cmd, nil); err != nil {
		t.Fatalf("Requeue() error = %v", err)
	}
	if cmd.RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1", cmd.RetryCount)
	}
	if cmd.Status != rovercmd.StatusQueued {
		t.Errorf("Status = %v, want Queued after requeue", cmd.Status)
	}
}

func TestQueue_RequeueHonorsRetryThrottle(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RetryThrottle = NewMemoryRetryThrottle(0, time.Minute)
	q := New(cfg)
	cmd := newCmd("MoveForward", rovercmd.PriorityNormal)
	_ = q.Enqueue(cmd)
	_ = q.Dequeue(allPriorities())

	if err := q.Requeue(cmd, nil); err == nil {
		t.Fatal("Requeue() error = nil, want ErrGlobalRetryLimit")
	}
}

func TestQueue_RequeueCanChangePriority(t *testing.T) {
	q := New(DefaultConfig())
	cmd := newCmd("MoveForward", rovercmd.PriorityLow)
	_ = q.Enqueue(cmd)
	_ = q.Dequeue(allPriorities())

	high := rovercmd.PriorityHigh
	if err := q.Requeue(cmd, &high); err != nil {
		t.Fatalf("Requeue() error = %v", err)
	}
	if cmd.Priority != rovercmd.PriorityHigh {
		t.Errorf("Priority = %v, want High", cmd.Priority)
	}
}

func TestQueue_StatsReportsQueuedCounts(t *testing.T) {
	q := New(DefaultConfig())
	_ = q.Enqueue(newCmd("MoveForward", rovercmd.PriorityLow))
	_ = q.Enqueue(newCmd("SensorRead", rovercmd.PriorityHigh))

	st := q.Stats()
	if st.TotalQueued != 2 {
		t.Errorf("TotalQueued = %d, want 2", st.TotalQueued)
	}
	if st.ByPriority[rovercmd.PriorityHigh] != 1 {
		t.Errorf("ByPriority[High] = %d, want 1", st.ByPriority[rovercmd.PriorityHigh])
	}
}

func TestQueue_ShutdownRejectsFurtherEnqueue(t *testing.T) {
	q := New(DefaultConfig())
	q.Shutdown()

	if err := q.Enqueue(newCmd("MoveForward", rovercmd.PriorityNormal)); err == nil {
		t.Fatal("Enqueue() error = nil, want ErrShutdown after Shutdown()")
	}
}

type fakeBreaker struct{ open bool }

func (b fakeBreaker) CanExecute() bool { return !b.open }

func TestQueue_RejectsEnqueueWhenPersistenceBreakerOpen(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PersistenceBreaker = fakeBreaker{open: true}
	q := New(cfg)

	err := q.Enqueue(newCmd("MoveForward", rovercmd.PriorityNormal))
	if err == nil {
		t.Fatal("Enqueue() error = nil, want ErrDegraded while the persistence breaker is open")
	}
}

func TestQueue_AdmitsEnqueueWhenPersistenceBreakerClosed(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PersistenceBreaker = fakeBreaker{open: false}
	q := New(cfg)

	if err := q.Enqueue(newCmd("MoveForward", rovercmd.PriorityNormal)); err != nil {
		t.Fatalf("Enqueue() error = %v, want nil with a closed breaker", err)
	}
}

func TestMemoryRetryThrottle_WindowExpiry(t *testing.T) {
	th := NewMemoryRetryThrottle(1, 10*time.Millisecond)
	if !th.Allow() {
		t.Fatal("first Allow() = false, want true")
	}
	if th.Allow() {
		t.Fatal("second Allow() within window = true, want false")
	}
	time.Sleep(15 * time.Millisecond)
	if !th.Allow() {
		t.Error("Allow() after window expiry = false, want true")
	}
}
