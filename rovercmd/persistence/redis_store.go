package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/roverfleet/commandqueue/rovercmd"
	"github.com/roverfleet/commandqueue/rovercore"
)

// RedisStoreConfig configures RedisStore's key layout and retention.
type RedisStoreConfig struct {
	KeyPrefix     string
	HistoryLen    int64 // max length of the capped history stream per command
	MetricsStream string

	Logger rovercore.Logger
}

func DefaultRedisStoreConfig() RedisStoreConfig {
	return RedisStoreConfig{
		KeyPrefix:     "rovercmd",
		HistoryLen:    200,
		MetricsStream: "rovercmd:metrics",
		Logger:        rovercore.NoOpLogger{},
	}
}

// RedisStore implements Store as one JSON hash entry per command plus a
// sorted set (priority-major, creation-minor score) for LoadPending, and a
// capped Redis stream per command for history — grounded on
// orchestration/redis_task_store.go's hash-per-entity layout and
// redis_execution_store.go's secondary-index pattern.
type RedisStore struct {
	client *redis.Client
	cfg    RedisStoreConfig
}

func NewRedisStore(client *redis.Client, cfg RedisStoreConfig) *RedisStore {
	if cfg.KeyPrefix == "" {
		cfg = DefaultRedisStoreConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = rovercore.NoOpLogger{}
	}
	return &RedisStore{client: client, cfg: cfg}
}

func (s *RedisStore) cmdKey(id string) string     { return fmt.Sprintf("%s:cmd:%s", s.cfg.KeyPrefix, id) }
func (s *RedisStore) historyKey(id string) string  { return fmt.Sprintf("%s:history:%s", s.cfg.KeyPrefix, id) }
func (s *RedisStore) pendingSetKey() string        { return fmt.Sprintf("%s:pending", s.cfg.KeyPrefix) }

// pendingScore encodes priority-major, creation-minor ordering into a
// single float64 sorted-set score for LoadPending's ZRevRange (highest score
// first): priority is scaled by 1e13, above any Unix-millisecond creation
// time, and the creation time is subtracted, so within a priority earlier
// commands have a higher score and come first. The score stays below 2^53
// and is therefore exact.
func pendingScore(cmd *rovercmd.Command) float64 {
	return float64(cmd.Priority)*1e13 - float64(cmd.CreatedAt.UnixMilli())
}

func (s *RedisStore) Save(ctx context.Context, cmd *rovercmd.Command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return rovercore.NewError("persistence.Save", "marshal", cmd.ID, err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.cmdKey(cmd.ID), data, 0)
	if isPendingStatus(cmd.Status) {
		pipe.ZAdd(ctx, s.pendingSetKey(), &redis.Z{Score: pendingScore(cmd), Member: cmd.ID})
	} else {
		pipe.ZRem(ctx, s.pendingSetKey(), cmd.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return rovercore.NewError("persistence.Save", "redis", cmd.ID, err)
	}
	return nil
}

func (s *RedisStore) SaveBatch(ctx context.Context, cmds []*rovercmd.Command) error {
	pipe := s.client.TxPipeline()
	for _, cmd := range cmds {
		data, err := json.Marshal(cmd)
		if err != nil {
			return rovercore.NewError("persistence.SaveBatch", "marshal", cmd.ID, err)
		}
		pipe.Set(ctx, s.cmdKey(cmd.ID), data, 0)
		if isPendingStatus(cmd.Status) {
			pipe.ZAdd(ctx, s.pendingSetKey(), &redis.Z{Score: pendingScore(cmd), Member: cmd.ID})
		}
	}
	_, err := pipe.Exec(ctx)
	if err != nil {
		return rovercore.NewError("persistence.SaveBatch", "redis", "", err)
	}
	return nil
}

func (s *RedisStore) UpdateStatus(ctx context.Context, id string, status rovercmd.Status, result *rovercmd.Result, detail string) error {
	cmd, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	cmd.Status = status
	if result != nil {
		cmd.Result = result
	}
	if err := s.Save(ctx, cmd); err != nil {
		return err
	}

	entry := HistoryEntry{CommandID: id, Status: status, Timestamp: time.Now(), Detail: detail}
	payload, _ := json.Marshal(entry)
	pipe := s.client.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: s.historyKey(id),
		MaxLen: s.cfg.HistoryLen,
		Approx: true,
		Values: map[string]interface{}{"entry": string(payload)},
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return rovercore.NewError("persistence.UpdateStatus", "history_append", id, err)
	}
	return nil
}

func (s *RedisStore) LoadPending(ctx context.Context) ([]*rovercmd.Command, error) {
	ids, err := s.client.ZRevRange(ctx, s.pendingSetKey(), 0, -1).Result()
	if err != nil {
		return nil, rovercore.NewError("persistence.LoadPending", "redis", "", err)
	}
	out := make([]*rovercmd.Command, 0, len(ids))
	for _, id := range ids {
		cmd, err := s.Get(ctx, id)
		if err != nil {
			continue // member present in the index but the hash expired or was purged
		}
		out = append(out, cmd)
	}
	return out, nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*rovercmd.Command, error) {
	data, err := s.client.Get(ctx, s.cmdKey(id)).Bytes()
	if err == redis.Nil {
		return nil, rovercore.NewError("persistence.Get", "not_found", id, rovercore.ErrNotFound)
	}
	if err != nil {
		return nil, rovercore.NewError("persistence.Get", "redis", id, err)
	}
	var cmd rovercmd.Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return nil, rovercore.NewError("persistence.Get", "unmarshal", id, err)
	}
	return &cmd, nil
}

func (s *RedisStore) SaveMetric(ctx context.Context, m Metric) error {
	m.Timestamp = time.Now()
	payload, err := json.Marshal(m)
	if err != nil {
		return rovercore.NewError("persistence.SaveMetric", "marshal", "", err)
	}
	return s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.cfg.MetricsStream,
		MaxLen: 10000,
		Approx: true,
		Values: map[string]interface{}{"metric": string(payload)},
	}).Err()
}

// CleanupOlderThan SCANs the keys matching `<KeyPrefix>:cmd:*` and deletes
// every terminal command completed before now-age together with its history
// stream, returning how many commands it deleted. No key carries a TTL; the
// metrics stream is not trimmed by age and is bounded only by the MaxLen cap
// SaveMetric applies.
func (s *RedisStore) CleanupOlderThan(ctx context.Context, age time.Duration) (int, error) {
	cutoff := time.Now().Add(-age)
	var cursor uint64
	deleted := 0
	pattern := s.cfg.KeyPrefix + ":cmd:*"
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return deleted, rovercore.NewError("persistence.CleanupOlderThan", "scan", "", err)
		}
		for _, key := range keys {
			data, err := s.client.Get(ctx, key).Bytes()
			if err != nil {
				continue
			}
			var cmd rovercmd.Command
			if err := json.Unmarshal(data, &cmd); err != nil {
				continue
			}
			if cmd.Status.IsTerminal() && cmd.CompletedAt.Before(cutoff) {
				s.client.Del(ctx, key, s.historyKey(cmd.ID))
				deleted++
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return deleted, nil
}

// isPendingStatus reports whether a command belongs in the pending-set
// index LoadPending reads: not yet terminal, and not a status the queue
// owns on its own (Cancelling/RollingBack are cancellation-manager-driven
// and have no queue entry to recover). Executing is included so a process
// restart can find commands a now-dead worker never finished, per §4.2's
// Recovery requirement.
func isPendingStatus(s rovercmd.Status) bool {
	switch s {
	case rovercmd.StatusPending, rovercmd.StatusQueued, rovercmd.StatusRetrying, rovercmd.StatusExecuting:
		return true
	default:
		return false
	}
}

var _ Store = (*RedisStore)(nil)
