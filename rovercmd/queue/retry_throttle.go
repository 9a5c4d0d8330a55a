package queue

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// RetryThrottle caps global retry admissions within a sliding time window.
// Allow is consulted — and counted — exactly once per requeue, fixing the
// double-counting bug the source implementation had (see DESIGN.md's Open
// Question resolution #1): this interface intentionally offers only one
// combined check-and-record method, so there is no separate "consult" step
// a caller could invoke twice.
type RetryThrottle interface {
	Allow() bool
}

// MemoryRetryThrottle is a deque of retry timestamps pruned to the
// configured window on every call.
type MemoryRetryThrottle struct {
	mu         sync.Mutex
	timestamps []time.Time
	maxRetries int
	window     time.Duration
}

func NewMemoryRetryThrottle(maxRetries int, window time.Duration) *MemoryRetryThrottle {
	return &MemoryRetryThrottle{maxRetries: maxRetries, window: window}
}

func (t *MemoryRetryThrottle) Allow() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-t.window)
	pruned := t.timestamps[:0]
	for _, ts := range t.timestamps {
		if ts.After(cutoff) {
			pruned = append(pruned, ts)
		}
	}
	t.timestamps = pruned

	if len(t.timestamps) >= t.maxRetries {
		return false
	}
	t.timestamps = append(t.timestamps, now)
	return true
}

// RedisRetryThrottle implements the same sliding-window cap against a
// Redis sorted set, scored by timestamp, so the throttle is shared across
// every process in a horizontally-scaled deployment — grounded on
// orchestration/redis_task_queue.go's go-redis usage pattern.
type RedisRetryThrottle struct {
	client     *redis.Client
	key        string
	maxRetries int
	window     time.Duration
}

func NewRedisRetryThrottle(client *redis.Client, key string, maxRetries int, window time.Duration) *RedisRetryThrottle {
	return &RedisRetryThrottle{client: client, key: key, maxRetries: maxRetries, window: window}
}

func (t *RedisRetryThrottle) Allow() bool {
	ctx := context.Background()
	now := time.Now()
	cutoff := now.Add(-t.window).UnixNano()

	pipe := t.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, t.key, "-inf", strconv.FormatInt(cutoff, 10))
	countCmd := pipe.ZCard(ctx, t.key)
	if _, err := pipe.Exec(ctx); err != nil {
		// Fail open on infra error: a retry throttle outage should not
		// permanently wedge the processor's retry path.
		return true
	}

	count, err := countCmd.Result()
	if err != nil {
		return true
	}
	if int(count) >= t.maxRetries {
		return false
	}

	member := uuid.NewString()
	t.client.ZAdd(ctx, t.key, &redis.Z{Score: float64(now.UnixNano()), Member: member})
	return true
}
