package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"

	"github.com/roverfleet/commandqueue/rovercmd"
)

// newTestRedisStore starts an in-process fake Redis server so these tests
// exercise the real go-redis wire protocol without a live server, matching
// the teacher's setupTestRedis helper pattern.
func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run() error = %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewRedisStore(client, DefaultRedisStoreConfig()), mr
}

func newCmd(status rovercmd.Status) *rovercmd.Command {
	cmd := rovercmd.NewCommand("MoveForward", rovercmd.CategoryMovement, rovercmd.PriorityNormal, nil)
	cmd.Status = status
	return cmd
}

func TestRedisStore_SaveAndGetRoundTrips(t *testing.T) {
	s, _ := newTestRedisStore(t)
	ctx := context.Background()
	cmd := newCmd(rovercmd.StatusPending)

	if err := s.Save(ctx, cmd); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	got, err := s.Get(ctx, cmd.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.ID != cmd.ID || got.Type != cmd.Type {
		t.Errorf("Get() = %+v, want a round trip of %+v", got, cmd)
	}
}

func TestRedisStore_GetUnknownIDFails(t *testing.T) {
	s, _ := newTestRedisStore(t)
	if _, err := s.Get(context.Background(), "ghost"); err == nil {
		t.Fatal("Get() error = nil, want not-found error")
	}
}

func TestRedisStore_SavePendingCommandIsIndexed(t *testing.T) {
	s, _ := newTestRedisStore(t)
	ctx := context.Background()
	cmd := newCmd(rovercmd.StatusQueued)

	if err := s.Save(ctx, cmd); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	pending, err := s.LoadPending(ctx)
	if err != nil {
		t.Fatalf("LoadPending() error = %v", err)
	}
	if len(pending) != 1 || pending[0].ID != cmd.ID {
		t.Errorf("LoadPending() = %+v, want exactly the queued command", pending)
	}
}

func TestRedisStore_SaveTerminalCommandIsNotIndexedAsPending(t *testing.T) {
	s, _ := newTestRedisStore(t)
	ctx := context.Background()
	cmd := newCmd(rovercmd.StatusCompleted)

	if err := s.Save(ctx, cmd); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	pending, err := s.LoadPending(ctx)
	if err != nil {
		t.Fatalf("LoadPending() error = %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("LoadPending() = %+v, want empty for a terminal command", pending)
	}
}

func TestRedisStore_UpdateStatusMovesOutOfPendingIndex(t *testing.T) {
	s, _ := newTestRedisStore(t)
	ctx := context.Background()
	cmd := newCmd(rovercmd.StatusQueued)
	if err := s.Save(ctx, cmd); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	result := &rovercmd.Result{Success: true}
	if err := s.UpdateStatus(ctx, cmd.ID, rovercmd.StatusCompleted, result, "done"); err != nil {
		t.Fatalf("UpdateStatus() error = %v", err)
	}

	got, err := s.Get(ctx, cmd.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != rovercmd.StatusCompleted || !got.Result.Success {
		t.Errorf("got = %+v, want Completed with a success result", got)
	}
	pending, err := s.LoadPending(ctx)
	if err != nil {
		t.Fatalf("LoadPending() error = %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("LoadPending() = %+v, want empty after transitioning to Completed", pending)
	}
}

func TestRedisStore_SaveBatchIndexesOnlyPendingMembers(t *testing.T) {
	s, _ := newTestRedisStore(t)
	ctx := context.Background()
	cmds := []*rovercmd.Command{newCmd(rovercmd.StatusQueued), newCmd(rovercmd.StatusCompleted)}

	if err := s.SaveBatch(ctx, cmds); err != nil {
		t.Fatalf("SaveBatch() error = %v", err)
	}
	pending, err := s.LoadPending(ctx)
	if err != nil {
		t.Fatalf("LoadPending() error = %v", err)
	}
	if len(pending) != 1 || pending[0].ID != cmds[0].ID {
		t.Errorf("LoadPending() = %+v, want only the queued member", pending)
	}
}

func TestRedisStore_SaveMetricDoesNotError(t *testing.T) {
	s, _ := newTestRedisStore(t)
	err := s.SaveMetric(context.Background(), Metric{Type: "queue_depth", Value: 3, CmdType: "MoveForward", Priority: rovercmd.PriorityNormal})
	if err != nil {
		t.Fatalf("SaveMetric() error = %v", err)
	}
}

func TestRedisStore_CleanupOlderThanRemovesOldTerminalCommands(t *testing.T) {
	s, _ := newTestRedisStore(t)
	ctx := context.Background()

	old := newCmd(rovercmd.StatusCompleted)
	old.CompletedAt = time.Now().Add(-2 * time.Hour)
	if err := s.Save(ctx, old); err != nil {
		t.Fatalf("Save(old) error = %v", err)
	}

	recent := newCmd(rovercmd.StatusCompleted)
	recent.CompletedAt = time.Now()
	if err := s.Save(ctx, recent); err != nil {
		t.Fatalf("Save(recent) error = %v", err)
	}

	deleted, err := s.CleanupOlderThan(ctx, time.Hour)
	if err != nil {
		t.Fatalf("CleanupOlderThan() error = %v", err)
	}
	if deleted != 1 {
		t.Errorf("CleanupOlderThan() deleted = %d, want 1", deleted)
	}
	if _, err := s.Get(ctx, old.ID); err == nil {
		t.Error("Get(old) error = nil after cleanup, want not-found")
	}
	if _, err := s.Get(ctx, recent.ID); err != nil {
		t.Errorf("Get(recent) error = %v, want the recent command retained", err)
	}
}
