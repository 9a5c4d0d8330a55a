// Package queue implements the Priority Queue component: a priority-
// ordered, per-priority-capped, FIFO-within-priority store of ready work.
package queue

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/roverfleet/commandqueue/rovercmd"
	"github.com/roverfleet/commandqueue/rovercore"
	"github.com/roverfleet/commandqueue/rovertelemetry"
)

// Admission errors, checkable with errors.Is.
var (
	ErrQueueFull           = errors.New("queue: global capacity exceeded")
	ErrPerPriorityFull     = errors.New("queue: per-priority capacity exceeded")
	ErrGlobalRetryLimit    = errors.New("queue: global retry throttle exceeded")
	ErrShutdown            = rovercore.ErrShutdown
	ErrNotCancellable      = errors.New("queue: command not in a cancellable queue state")
	ErrDegraded            = errors.New("queue: persistence degraded, rejecting new submissions")
)

// PersistenceBreaker reports whether the persistence layer backing this
// queue is healthy enough to accept new work. *roverresilience.CircuitBreaker
// satisfies this directly; satisfied here as a narrow interface so the queue
// package doesn't need to import roverresilience for a single method.
type PersistenceBreaker interface {
	CanExecute() bool
}

// Config bounds the queue's capacity and maintenance cadence, matching the
// configuration table's queue-related knobs.
type Config struct {
	MaxQueueSize           int
	MaxPerPriority         map[rovercmd.Priority]int
	StaleCommandTimeout    time.Duration
	CleanupInterval        time.Duration
	RetryThrottle          RetryThrottle

	// PersistenceBreaker, when set, gates Enqueue: if persistence is
	// mandatory and its circuit breaker has opened, new submissions are
	// rejected with ErrDegraded rather than admitted with nowhere durable
	// to land, per §7. Nil means always admit (no persistence dependency
	// wired, e.g. the in-memory store).
	PersistenceBreaker PersistenceBreaker

	Logger rovercore.ComponentAwareLogger
	Events rovertelemetry.EventSink
}

// DefaultConfig matches the defaults implied by the spec's scenarios and
// configuration table.
func DefaultConfig() Config {
	return Config{
		MaxQueueSize: 1000,
		MaxPerPriority: map[rovercmd.Priority]int{
			rovercmd.PriorityEmergency: 100,
			rovercmd.PriorityHigh:      300,
			rovercmd.PriorityNormal:    400,
			rovercmd.PriorityLow:       200,
		},
		StaleCommandTimeout: 5 * time.Minute,
		CleanupInterval:     30 * time.Second,
		RetryThrottle:       NewMemoryRetryThrottle(100, time.Minute),
		Logger:              rovercore.NoOpLogger{},
		Events:              rovertelemetry.NoOpSink{},
	}
}

// entry wraps a command with its queue-arrival sequence. FIFO within a
// priority comes from appending to the bucket list under the queue lock
// (list order is arrival order, immune to clock skew); seq is recorded but
// not consulted for ordering.
type entry struct {
	cmd *rovercmd.Command
	seq uint64
}

// Queue is the Priority Queue component.
type Queue struct {
	cfg Config

	mu       sync.Mutex
	buckets  map[rovercmd.Priority]*list.List
	byID     map[string]*list.Element
	seqCounter uint64
	shutdown bool

	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a Queue ready to accept work; call Run to start the
// background maintenance sweep.
func New(cfg Config) *Queue {
	if cfg.Logger == nil {
		cfg.Logger = rovercore.NoOpLogger{}
	}
	if cfg.Events == nil {
		cfg.Events = rovertelemetry.NoOpSink{}
	}
	if cfg.RetryThrottle == nil {
		cfg.RetryThrottle = NewMemoryRetryThrottle(100, time.Minute)
	}
	q := &Queue{
		cfg:     cfg,
		buckets: make(map[rovercmd.Priority]*list.List),
		byID:    make(map[string]*list.Element),
	}
	for _, p := range rovercmd.Priorities {
		q.buckets[p] = list.New()
	}
	return q
}

// Run starts the background stale-command sweep; it stops when ctx is
// cancelled, mirroring the teacher worker pool's context-driven lifecycle.
func (q *Queue) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	q.done = make(chan struct{})
	go q.maintenanceLoop(ctx)
}

// Stop halts the background sweep.
func (q *Queue) Stop() {
	if q.cancel != nil {
		q.cancel()
		<-q.done
	}
}

func (q *Queue) maintenanceLoop(ctx context.Context) {
	defer close(q.done)
	ticker := time.NewTicker(q.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.sweepStale()
		}
	}
}

func (q *Queue) sweepStale() {
	now := time.Now()
	var expired []*rovercmd.Command

	q.mu.Lock()
	for _, p := range rovercmd.Priorities {
		bucket := q.buckets[p]
		var next *list.Element
		for el := bucket.Front(); el != nil; el = next {
			next = el.Next()
			e := el.Value.(*entry)
			if now.Sub(e.cmd.QueuedAt) > q.cfg.StaleCommandTimeout {
				bucket.Remove(el)
				delete(q.byID, e.cmd.ID)
				expired = append(expired, e.cmd)
			}
		}
	}
	q.mu.Unlock()

	for _, cmd := range expired {
		_ = cmd.TransitionTo(rovercmd.StatusTimeout)
		q.cfg.Events.Emit(context.Background(), rovertelemetry.Event{
			Type: rovertelemetry.EventCommandFailed, ID: cmd.ID, Status: cmd.Status.String(),
			Priority: cmd.Priority.String(), CmdType: cmd.Type, Timestamp: time.Now(),
			Extra: map[string]interface{}{"reason": "stale_command_timeout"},
		})
	}
}

// Enqueue admits cmd, stamping Queued status and the arrival sequence.
func (q *Queue) Enqueue(cmd *rovercmd.Command) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.shutdown {
		return rovercore.NewError("queue.Enqueue", "shutdown", cmd.ID, ErrShutdown)
	}
	if q.cfg.PersistenceBreaker != nil && !q.cfg.PersistenceBreaker.CanExecute() {
		return rovercore.NewError("queue.Enqueue", "degraded", cmd.ID, ErrDegraded)
	}
	if len(q.byID) >= q.cfg.MaxQueueSize {
		return rovercore.NewError("queue.Enqueue", "queue_full", cmd.ID, ErrQueueFull)
	}
	if cap, ok := q.cfg.MaxPerPriority[cmd.Priority]; ok && q.buckets[cmd.Priority].Len() >= cap {
		return rovercore.NewError("queue.Enqueue", "per_priority_full", cmd.ID, ErrPerPriorityFull)
	}

	if err := cmd.TransitionTo(rovercmd.StatusQueued); err != nil {
		return err
	}
	q.seqCounter++
	el := q.buckets[cmd.Priority].PushBack(&entry{cmd: cmd, seq: q.seqCounter})
	q.byID[cmd.ID] = el

	q.cfg.Events.Emit(context.Background(), rovertelemetry.Event{
		Type: rovertelemetry.EventCommandQueued, ID: cmd.ID, Status: cmd.Status.String(),
		Priority: cmd.Priority.String(), CmdType: cmd.Type, Timestamp: time.Now(),
	})
	return nil
}

// Dequeue returns the highest-priority, oldest-within-priority command
// whose priority is in allowed, transitioning it to Executing. Commands
// whose queue-wait has exceeded their own queue-timeout are discarded
// (Timeout) and scanning continues, per §4.1's failure semantics.
func (q *Queue) Dequeue(allowed map[rovercmd.Priority]bool) *rovercmd.Command {
	q.mu.Lock()
	for _, p := range rovercmd.Priorities {
		if !allowed[p] {
			continue
		}
		bucket := q.buckets[p]
		for el := bucket.Front(); el != nil; {
			e := el.Value.(*entry)
			next := el.Next()

			timedOut := e.cmd.QueueTimeoutMs > 0 &&
				time.Since(e.cmd.QueuedAt) > time.Duration(e.cmd.QueueTimeoutMs)*time.Millisecond
			if timedOut {
				bucket.Remove(el)
				delete(q.byID, e.cmd.ID)
				cmd := e.cmd
				q.mu.Unlock()
				_ = cmd.TransitionTo(rovercmd.StatusTimeout)
				q.cfg.Events.Emit(context.Background(), rovertelemetry.Event{
					Type: rovertelemetry.EventCommandFailed, ID: cmd.ID, Status: cmd.Status.String(),
					Priority: cmd.Priority.String(), CmdType: cmd.Type, Timestamp: time.Now(),
					Extra: map[string]interface{}{"reason": "queue_timeout"},
				})
				q.mu.Lock()
				el = next
				continue
			}

			bucket.Remove(el)
			delete(q.byID, e.cmd.ID)
			cmd := e.cmd
			q.mu.Unlock()
			_ = cmd.TransitionTo(rovercmd.StatusExecuting)
			q.cfg.Events.Emit(context.Background(), rovertelemetry.Event{
				Type: rovertelemetry.EventCommandStarted, ID: cmd.ID, Status: cmd.Status.String(),
				Priority: cmd.Priority.String(), CmdType: cmd.Type, Timestamp: time.Now(),
			})
			return cmd
		}
	}
	q.mu.Unlock()
	return nil
}

// Cancel removes a command in Pending/Queued/Retrying from the ready
// store. It refuses commands already dispatched (Executing or terminal).
func (q *Queue) Cancel(id string) error {
	q.mu.Lock()
	el, ok := q.byID[id]
	if !ok {
		q.mu.Unlock()
		return rovercore.NewError("queue.Cancel", "not_found", id, rovercore.ErrNotFound)
	}
	e := el.Value.(*entry)
	if e.cmd.Status != rovercmd.StatusQueued && e.cmd.Status != rovercmd.StatusPending && e.cmd.Status != rovercmd.StatusRetrying {
		q.mu.Unlock()
		return rovercore.NewError("queue.Cancel", "not_cancellable", id, ErrNotCancellable)
	}
	q.buckets[e.cmd.Priority].Remove(el)
	delete(q.byID, id)
	q.mu.Unlock()

	return e.cmd.TransitionTo(rovercmd.StatusCancelled)
}

// Requeue marks cmd Retrying, checks the global retry throttle exactly
// once, increments retry count and re-enqueues with an optional priority
// change. Exceeding the throttle surfaces as a terminal failure per §4.1.
func (q *Queue) Requeue(cmd *rovercmd.Command, newPriority *rovercmd.Priority) error {
	if !q.cfg.RetryThrottle.Allow() {
		return rovercore.NewError("queue.Requeue", "retry_throttled", cmd.ID, ErrGlobalRetryLimit)
	}

	if err := cmd.TransitionTo(rovercmd.StatusRetrying); err != nil {
		return err
	}
	cmd.RetryCount++
	if newPriority != nil {
		cmd.Priority = *newPriority
	}

	q.cfg.Events.Emit(context.Background(), rovertelemetry.Event{
		Type: rovertelemetry.EventCommandRetrying, ID: cmd.ID, Status: cmd.Status.String(),
		Priority: cmd.Priority.String(), CmdType: cmd.Type, Timestamp: time.Now(),
		Extra: map[string]interface{}{"retry_count": int64(cmd.RetryCount)},
	})

	return q.Enqueue(cmd)
}

// Complete records a terminal status and emits the completion event; it
// does not mutate queue bucket state since the command was already
// dequeued (owned by the processor at this point).
func (q *Queue) Complete(cmd *rovercmd.Command, result *rovercmd.Result) {
	cmd.Result = result
	q.cfg.Events.Emit(context.Background(), rovertelemetry.Event{
		Type: rovertelemetry.EventCommandCompleted, ID: cmd.ID, Status: cmd.Status.String(),
		Priority: cmd.Priority.String(), CmdType: cmd.Type, Timestamp: time.Now(),
		Extra: map[string]interface{}{"duration_ms": result.ExecutionTimeMs, "success": result.Success},
	})
}

// Shutdown rejects all future Enqueue calls.
func (q *Queue) Shutdown() {
	q.mu.Lock()
	q.shutdown = true
	q.mu.Unlock()
}

// SizeByPriority reports the current ready-queue depth per priority.
func (q *Queue) SizeByPriority() map[rovercmd.Priority]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[rovercmd.Priority]int, len(q.buckets))
	for p, b := range q.buckets {
		out[p] = b.Len()
	}
	return out
}

// Stats returns observational counters for the external status() call.
type Stats struct {
	TotalQueued  int
	ByPriority   map[rovercmd.Priority]int
}

func (q *Queue) Stats() Stats {
	byP := q.SizeByPriority()
	total := 0
	for _, n := range byP {
		total += n
	}
	return Stats{TotalQueued: total, ByPriority: byP}
}
