package ack

import (
	"context"
	"testing"
	"time"

	"github.com/roverfleet/commandqueue/rovercmd"
)

func newCmd() *rovercmd.Command {
	return rovercmd.NewCommand("MoveForward", rovercmd.CategoryMovement, rovercmd.PriorityNormal, nil)
}

func TestTracker_CreateAckStartsPending(t *testing.T) {
	tr := New(DefaultConfig())
	cmd := newCmd()
	a := tr.CreateAck(cmd)

	if a.Status != AckPending {
		t.Errorf("Status = %v, want Pending", a.Status)
	}
	if a.CommandID != cmd.ID {
		t.Errorf("CommandID = %s, want %s", a.CommandID, cmd.ID)
	}
}

func TestTracker_AcknowledgeTransitionsAndIsIdempotent(t *testing.T) {
	tr := New(DefaultConfig())
	cmd := newCmd()
	tr.CreateAck(cmd)

	if err := tr.Acknowledge(cmd.ID); err != nil {
		t.Fatalf("Acknowledge() error = %v", err)
	}
	got, _ := tr.GetAck(cmd.ID)
	if got.Status != AckAcknowledged {
		t.Errorf("Status = %v, want Acknowledged", got.Status)
	}

	if err := tr.Acknowledge(cmd.ID); err != nil {
		t.Errorf("second Acknowledge() error = %v, want nil (idempotent)", err)
	}
}

func TestTracker_AcknowledgeUnknownIDFails(t *testing.T) {
	tr := New(DefaultConfig())
	if err := tr.Acknowledge("ghost"); err == nil {
		t.Fatal("Acknowledge() error = nil, want not-found error")
	}
}

func TestTracker_UpdateProgressRequiresAcknowledged(t *testing.T) {
	tr := New(DefaultConfig())
	cmd := newCmd()
	tr.CreateAck(cmd)

	if err := tr.UpdateProgress(context.Background(), cmd.ID, 0.5, "halfway"); err == nil {
		t.Fatal("UpdateProgress() error = nil, want invalid-state error before Acknowledge")
	}

	_ = tr.Acknowledge(cmd.ID)
	if err := tr.UpdateProgress(context.Background(), cmd.ID, 0.5, "halfway"); err != nil {
		t.Fatalf("UpdateProgress() error = %v", err)
	}
	got, _ := tr.GetAck(cmd.ID)
	if got.Status != AckInProgress || got.Progress != 0.5 {
		t.Errorf("got = %+v, want InProgress/0.5", got)
	}
}

func TestTracker_CompleteCachesResultAndUpdatesStats(t *testing.T) {
	tr := New(DefaultConfig())
	cmd := newCmd()
	tr.CreateAck(cmd)
	_ = tr.Acknowledge(cmd.ID)

	result := &rovercmd.Result{Success: true, ExecutionTimeMs: 42}
	if err := tr.Complete(cmd.ID, result); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	got, _ := tr.GetAck(cmd.ID)
	if got.Status != AckCompleted {
		t.Errorf("Status = %v, want Completed", got.Status)
	}
	cached, ok := tr.GetCachedResult(cmd.ID)
	if !ok || !cached.Success {
		t.Errorf("GetCachedResult() = %+v, %v, want cached success result", cached, ok)
	}
	if st := tr.Stats(); st.Completed != 1 {
		t.Errorf("Stats().Completed = %d, want 1", st.Completed)
	}
}

func TestTracker_CompleteWithFailureMarksAckFailed(t *testing.T) {
	tr := New(DefaultConfig())
	cmd := newCmd()
	tr.CreateAck(cmd)
	_ = tr.Acknowledge(cmd.ID)

	result := &rovercmd.Result{Success: false, ErrorKind: "handler_error"}
	_ = tr.Complete(cmd.ID, result)

	got, _ := tr.GetAck(cmd.ID)
	if got.Status != AckFailed {
		t.Errorf("Status = %v, want Failed", got.Status)
	}
	if st := tr.Stats(); st.Failed != 1 {
		t.Errorf("Stats().Failed = %d, want 1", st.Failed)
	}
}

func TestTracker_HandleTimeoutIgnoresTerminalAck(t *testing.T) {
	tr := New(DefaultConfig())
	cmd := newCmd()
	tr.CreateAck(cmd)
	_ = tr.Acknowledge(cmd.ID)
	_ = tr.Complete(cmd.ID, &rovercmd.Result{Success: true})

	if err := tr.HandleTimeout(cmd.ID); err != nil {
		t.Fatalf("HandleTimeout() error = %v", err)
	}
	got, _ := tr.GetAck(cmd.ID)
	if got.Status != AckCompleted {
		t.Errorf("Status = %v, want unchanged Completed", got.Status)
	}
}

func TestTracker_ResultCacheEvictsOverCapacity(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxCachedResults = 1
	tr := New(cfg)

	first := newCmd()
	tr.CreateAck(first)
	_ = tr.Acknowledge(first.ID)
	_ = tr.Complete(first.ID, &rovercmd.Result{Success: true})

	second := newCmd()
	tr.CreateAck(second)
	_ = tr.Acknowledge(second.ID)
	_ = tr.Complete(second.ID, &rovercmd.Result{Success: true})

	if _, ok := tr.GetCachedResult(first.ID); ok {
		t.Error("GetCachedResult(first) ok = true, want evicted under MaxCachedResults=1")
	}
	if _, ok := tr.GetCachedResult(second.ID); !ok {
		t.Error("GetCachedResult(second) ok = false, want most-recent retained")
	}
}

func TestTracker_AckTimeoutFiresAfterRetriesExhausted(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AckTimeout = 5 * time.Millisecond
	cfg.MaxAckRetries = 1
	cfg.Backoff.InitialDelay = 5 * time.Millisecond
	cfg.Backoff.MaxDelay = 10 * time.Millisecond

	timedOut := make(chan string, 1)
	cfg.OnTimeout = func(commandID string) { timedOut <- commandID }
	tr := New(cfg)

	cmd := newCmd()
	tr.CreateAck(cmd)

	select {
	case id := <-timedOut:
		if id != cmd.ID {
			t.Errorf("OnTimeout id = %s, want %s", id, cmd.ID)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("OnTimeout was not called within 500ms")
	}

	got, _ := tr.GetAck(cmd.ID)
	if got.Status != AckTimeout {
		t.Errorf("Status = %v, want Timeout", got.Status)
	}
}

func TestTracker_SweepRemovesExpiredTerminalAcks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ResultCacheTTL = 10 * time.Millisecond
	tr := New(cfg)

	cmd := newCmd()
	tr.CreateAck(cmd)
	_ = tr.Acknowledge(cmd.ID)
	_ = tr.Complete(cmd.ID, &rovercmd.Result{Success: true})

	time.Sleep(20 * time.Millisecond)
	tr.Sweep()

	if _, ok := tr.GetAck(cmd.ID); ok {
		t.Error("GetAck() ok = true after Sweep, want expired ack removed")
	}
	if _, ok := tr.GetCachedResult(cmd.ID); ok {
		t.Error("GetCachedResult() ok = true after Sweep, want expired cache entry removed")
	}
}
