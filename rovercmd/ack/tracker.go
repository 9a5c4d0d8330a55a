// Package ack implements the Acknowledgment Tracker: a per-command
// in-flight tracking record distinct from the command's own status,
// carrying progress, ack-retry counters, and rolling latency statistics.
package ack

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roverfleet/commandqueue/rovercmd"
	"github.com/roverfleet/commandqueue/rovercore"
	"github.com/roverfleet/commandqueue/roverresilience"
	"github.com/roverfleet/commandqueue/rovertelemetry"
)

// AckStatus is the acknowledgment's own lifecycle, distinct from the
// command's Status.
type AckStatus int

const (
	AckPending AckStatus = iota
	AckAcknowledged
	AckInProgress
	AckCompleted
	AckFailed
	AckTimeout
	AckRetrying
)

func (s AckStatus) String() string {
	switch s {
	case AckPending:
		return "pending"
	case AckAcknowledged:
		return "acknowledged"
	case AckInProgress:
		return "in_progress"
	case AckCompleted:
		return "completed"
	case AckFailed:
		return "failed"
	case AckTimeout:
		return "timeout"
	case AckRetrying:
		return "retrying"
	default:
		return "unknown"
	}
}

func (s AckStatus) isTerminal() bool {
	return s == AckCompleted || s == AckFailed || s == AckTimeout
}

var (
	ErrNotFound            = rovercore.ErrNotFound
	ErrInvalidTransition   = errors.New("ack: progress update requires Acknowledged or InProgress")
)

// Acknowledgment is the 1:1 in-flight record for a Command.
type Acknowledgment struct {
	ID         string
	CommandID  string
	Status     AckStatus
	Progress   float64
	Message    string
	AckRetries int

	CreatedAt    time.Time
	AcknowledgedAt time.Time
	CompletedAt  time.Time

	Result *rovercmd.Result

	timeoutTimer *time.Timer
}

// Config bounds ack timing per the configuration table.
type Config struct {
	AckTimeout       time.Duration
	MaxAckRetries    int
	Backoff          roverresilience.BackoffConfig
	ResultCacheTTL   time.Duration
	MaxCachedResults int

	// SweepInterval is the cadence of the background Sweep() loop Run
	// starts, mirroring queue.Config's CleanupInterval.
	SweepInterval time.Duration

	Logger rovercore.ComponentAwareLogger
	Events rovertelemetry.EventSink

	// OnTimeout is invoked when an acknowledgment exhausts its ack-retry
	// budget; cmd/roverqueue wires it to a warning log.
	OnTimeout func(commandID string)
}

func DefaultConfig() Config {
	return Config{
		AckTimeout:       5 * time.Second,
		MaxAckRetries:    3,
		Backoff:          roverresilience.DefaultBackoffConfig(),
		ResultCacheTTL:   10 * time.Minute,
		MaxCachedResults: 1000,
		SweepInterval:    time.Minute,
		Logger:           rovercore.NoOpLogger{},
		Events:           rovertelemetry.NoOpSink{},
	}
}

// cachedResult is the LRU-by-completion-time cache entry.
type cachedResult struct {
	commandID   string
	result      *rovercmd.Result
	completedAt time.Time
	elem        *list.Element
}

// Tracker implements the Acknowledgment Tracker component.
type Tracker struct {
	cfg Config

	mu    sync.Mutex
	byCmd map[string]*Acknowledgment

	cacheMu  sync.Mutex
	cache    map[string]*cachedResult
	cacheLRU *list.List // front = most recently completed

	ackLatencyEMA      float64
	executionLatencyEMA float64
	completed, failed, timedOut int64

	cancel context.CancelFunc
	done   chan struct{}
}

const emaAlpha = 0.2

func New(cfg Config) *Tracker {
	if cfg.Logger == nil {
		cfg.Logger = rovercore.NoOpLogger{}
	}
	if cfg.Events == nil {
		cfg.Events = rovertelemetry.NoOpSink{}
	}
	return &Tracker{
		cfg:      cfg,
		byCmd:    make(map[string]*Acknowledgment),
		cache:    make(map[string]*cachedResult),
		cacheLRU: list.New(),
	}
}

// CreateAck allocates a tracking record for cmd and arms the ack-timeout
// timer. It emits no event; command_queued is emitted by queue.Enqueue.
func (t *Tracker) CreateAck(cmd *rovercmd.Command) *Acknowledgment {
	a := &Acknowledgment{
		ID:        uuid.NewString(),
		CommandID: cmd.ID,
		Status:    AckPending,
		CreatedAt: time.Now(),
	}

	t.mu.Lock()
	t.byCmd[cmd.ID] = a
	t.mu.Unlock()

	t.armTimeout(a, 0)
	return a
}

// armTimeout schedules the ack-pickup timeout, rescheduling itself with
// exponential backoff (per roverresilience.BackoffConfig) on each miss,
// until MaxAckRetries is exhausted.
func (t *Tracker) armTimeout(a *Acknowledgment, attempt int) {
	delay := t.cfg.AckTimeout
	if attempt > 0 {
		delay = t.cfg.Backoff.Delay(attempt)
	}
	a.timeoutTimer = time.AfterFunc(delay, func() {
		t.mu.Lock()
		current, ok := t.byCmd[a.CommandID]
		if !ok || current.Status != AckPending {
			t.mu.Unlock()
			return
		}
		current.AckRetries++
		if current.AckRetries > t.cfg.MaxAckRetries {
			current.Status = AckTimeout
			current.CompletedAt = time.Now()
			t.timedOut++
			t.mu.Unlock()
			if t.cfg.OnTimeout != nil {
				t.cfg.OnTimeout(a.CommandID)
			}
			return
		}
		t.mu.Unlock()
		t.armTimeout(current, current.AckRetries)
	})
}

// Acknowledge transitions Pending to Acknowledged, cancels the timeout
// timer, and records ack latency.
func (t *Tracker) Acknowledge(commandID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	a, ok := t.byCmd[commandID]
	if !ok {
		return rovercore.NewError("ack.Acknowledge", "not_found", commandID, ErrNotFound)
	}
	if a.Status != AckPending {
		return nil // already picked up; idempotent no-op
	}
	if a.timeoutTimer != nil {
		a.timeoutTimer.Stop()
	}
	a.Status = AckAcknowledged
	a.AcknowledgedAt = time.Now()
	t.recordEMA(&t.ackLatencyEMA, time.Since(a.CreatedAt).Seconds()*1000)
	return nil
}

// UpdateProgress requires Acknowledged/InProgress, transitioning the
// former to the latter, and emits a progress event.
func (t *Tracker) UpdateProgress(ctx context.Context, commandID string, progress float64, msg string) error {
	t.mu.Lock()
	a, ok := t.byCmd[commandID]
	if !ok {
		t.mu.Unlock()
		return rovercore.NewError("ack.UpdateProgress", "not_found", commandID, ErrNotFound)
	}
	if a.Status != AckAcknowledged && a.Status != AckInProgress {
		t.mu.Unlock()
		return rovercore.NewError("ack.UpdateProgress", "invalid_state", commandID, ErrInvalidTransition)
	}
	a.Status = AckInProgress
	a.Progress = progress
	a.Message = msg
	t.mu.Unlock()

	t.cfg.Events.Emit(ctx, rovertelemetry.Event{
		Type: rovertelemetry.EventCommandProgress, ID: commandID, Status: a.Status.String(),
		Timestamp: time.Now(), Extra: map[string]interface{}{"progress": progress, "message": msg},
	})
	return nil
}

// Complete marks the acknowledgment terminal, records execution latency,
// and caches the result for ResultCacheTTL / MaxCachedResults.
func (t *Tracker) Complete(commandID string, result *rovercmd.Result) error {
	t.mu.Lock()
	a, ok := t.byCmd[commandID]
	if !ok {
		t.mu.Unlock()
		return rovercore.NewError("ack.Complete", "not_found", commandID, ErrNotFound)
	}
	a.Status = AckCompleted
	a.Result = result
	a.CompletedAt = time.Now()
	execMs := int64(0)
	if result != nil {
		execMs = result.ExecutionTimeMs
		if !result.Success {
			a.Status = AckFailed
			t.failed++
		} else {
			t.completed++
		}
	} else {
		t.completed++
	}
	t.recordEMA(&t.executionLatencyEMA, float64(execMs))
	t.mu.Unlock()

	t.cacheResult(commandID, result)
	return nil
}

// HandleTimeout transitions a non-terminal acknowledgment to Timeout.
func (t *Tracker) HandleTimeout(commandID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	a, ok := t.byCmd[commandID]
	if !ok {
		return rovercore.NewError("ack.HandleTimeout", "not_found", commandID, ErrNotFound)
	}
	if a.Status.isTerminal() {
		return nil
	}
	a.Status = AckTimeout
	a.CompletedAt = time.Now()
	t.timedOut++
	return nil
}

// HandleRetry resets progress to 0 and marks the ack Retrying
// (non-terminal), mirroring the command's own Retrying transition.
func (t *Tracker) HandleRetry(commandID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	a, ok := t.byCmd[commandID]
	if !ok {
		return rovercore.NewError("ack.HandleRetry", "not_found", commandID, ErrNotFound)
	}
	a.Status = AckRetrying
	a.Progress = 0
	a.Message = ""
	return nil
}

func (t *Tracker) GetAck(commandID string) (*Acknowledgment, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	a, ok := t.byCmd[commandID]
	if !ok {
		return nil, false
	}
	clone := *a
	return &clone, true
}

func (t *Tracker) GetCachedResult(commandID string) (*rovercmd.Result, bool) {
	t.cacheMu.Lock()
	defer t.cacheMu.Unlock()
	entry, ok := t.cache[commandID]
	if !ok {
		return nil, false
	}
	return entry.result, true
}

func (t *Tracker) cacheResult(commandID string, result *rovercmd.Result) {
	t.cacheMu.Lock()
	defer t.cacheMu.Unlock()

	if existing, ok := t.cache[commandID]; ok {
		t.cacheLRU.Remove(existing.elem)
		delete(t.cache, commandID)
	}

	entry := &cachedResult{commandID: commandID, result: result, completedAt: time.Now()}
	entry.elem = t.cacheLRU.PushFront(entry)
	t.cache[commandID] = entry

	for t.cacheLRU.Len() > t.cfg.MaxCachedResults {
		oldest := t.cacheLRU.Back()
		if oldest == nil {
			break
		}
		ce := oldest.Value.(*cachedResult)
		t.cacheLRU.Remove(oldest)
		delete(t.cache, ce.commandID)
	}
}

// Run starts the background Sweep() loop on cfg.SweepInterval; it stops when
// ctx is cancelled, mirroring queue.Queue.Run's context-driven lifecycle so
// §4.3's "a background task sweeps acknowledgments" requirement is actually
// wired, not just implemented and unit-tested.
func (t *Tracker) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.done = make(chan struct{})
	go t.sweepLoop(ctx)
}

// Stop halts the background sweep started by Run.
func (t *Tracker) Stop() {
	if t.cancel != nil {
		t.cancel()
		<-t.done
	}
}

func (t *Tracker) sweepLoop(ctx context.Context) {
	defer close(t.done)
	ticker := time.NewTicker(t.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Sweep()
		}
	}
}

// Sweep purges cached results and tracking records older than ResultCacheTTL.
// Run calls it every SweepInterval.
func (t *Tracker) Sweep() {
	cutoff := time.Now().Add(-t.cfg.ResultCacheTTL)

	t.mu.Lock()
	for id, a := range t.byCmd {
		if a.Status.isTerminal() && !a.CompletedAt.IsZero() && a.CompletedAt.Before(cutoff) {
			delete(t.byCmd, id)
		}
	}
	t.mu.Unlock()

	t.cacheMu.Lock()
	defer t.cacheMu.Unlock()
	for el := t.cacheLRU.Back(); el != nil; {
		prev := el.Prev()
		ce := el.Value.(*cachedResult)
		if ce.completedAt.Before(cutoff) {
			t.cacheLRU.Remove(el)
			delete(t.cache, ce.commandID)
		}
		el = prev
	}
}

func (t *Tracker) recordEMA(acc *float64, sample float64) {
	if *acc == 0 {
		*acc = sample
		return
	}
	*acc = emaAlpha*sample + (1-emaAlpha)*(*acc)
}

// Stats reports rolling statistics for the observational contract.
type Stats struct {
	AckLatencyMsEMA       float64
	ExecutionLatencyMsEMA float64
	Completed             int64
	Failed                int64
	TimedOut              int64
}

func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Stats{
		AckLatencyMsEMA:       t.ackLatencyEMA,
		ExecutionLatencyMsEMA: t.executionLatencyEMA,
		Completed:             t.completed,
		Failed:                t.failed,
		TimedOut:              t.timedOut,
	}
}
