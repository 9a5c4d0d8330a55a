// Package processor implements the Processor (Scheduler): a concurrent
// dispatcher with per-priority concurrency caps, timeouts, and retries,
// grounded on the teacher's task worker pool (runWorker/processTask) but
// generalized from single-queue dispatch to priority-capped dispatch.
package processor

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roverfleet/commandqueue/rovercmd"
	"github.com/roverfleet/commandqueue/rovercmd/ack"
	"github.com/roverfleet/commandqueue/rovercmd/persistence"
	"github.com/roverfleet/commandqueue/rovercmd/queue"
	"github.com/roverfleet/commandqueue/rovercore"
	"github.com/roverfleet/commandqueue/roverresilience"
	"github.com/roverfleet/commandqueue/rovertelemetry"
)

// Handler is the per-command-type executor capability the spec's Handler
// boundary describes.
type Handler interface {
	CanHandle(cmd *rovercmd.Command) bool
	Handle(ctx context.Context, cmd *rovercmd.Command, progress ProgressFunc) (*rovercmd.Result, error)
}

// OnBeforeHandler, OnAfterHandler and OnErrorHandler are optional
// extension points a Handler may additionally implement.
type OnBeforeHandler interface {
	OnBefore(cmd *rovercmd.Command)
}
type OnAfterHandler interface {
	OnAfter(cmd *rovercmd.Command, result *rovercmd.Result)
}
type OnErrorHandler interface {
	OnError(cmd *rovercmd.Command, err error)
}

// ProgressFunc lets a handler report progress ∈ [0,1] with an optional
// message, routed into the acknowledgment tracker.
type ProgressFunc func(progress float64, msg string)

// Config bounds concurrency caps and timing, per the configuration table.
type Config struct {
	PerPriorityCap map[rovercmd.Priority]int
	GlobalCap      int

	DefaultExecutionTimeout time.Duration
	MaxRetries              int
	Backoff                 roverresilience.BackoffConfig

	IdleSleep        time.Duration
	HealthLogPeriod  time.Duration

	Logger rovercore.ComponentAwareLogger
	Events rovertelemetry.EventSink
}

// DefaultConfig matches §4.4's stated per-priority cap defaults
// (Emergency=3, High=2, Normal=1, Low=1).
func DefaultConfig() Config {
	return Config{
		PerPriorityCap: map[rovercmd.Priority]int{
			rovercmd.PriorityEmergency: 3,
			rovercmd.PriorityHigh:      2,
			rovercmd.PriorityNormal:    1,
			rovercmd.PriorityLow:       1,
		},
		GlobalCap:               10,
		DefaultExecutionTimeout: 30 * time.Second,
		MaxRetries:              3,
		Backoff:                 roverresilience.DefaultBackoffConfig(),
		IdleSleep:               20 * time.Millisecond,
		HealthLogPeriod:         30 * time.Second,
		Logger:                  rovercore.NoOpLogger{},
		Events:                  rovertelemetry.NoOpSink{},
	}
}

var ErrNoHandler = errors.New("processor: no handler registered for command type")

// Processor is the Scheduler component.
type Processor struct {
	cfg     Config
	q       *queue.Queue
	store   persistence.Store
	tracker *ack.Tracker

	handlersMu sync.RWMutex
	handlers   map[string]Handler
	defaultH   Handler

	inflightMu sync.Mutex
	inflight   map[rovercmd.Priority]int

	processed atomic.Int64
	failedCnt atomic.Int64

	paused atomic.Bool
	running atomic.Bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config, q *queue.Queue, store persistence.Store, tracker *ack.Tracker) *Processor {
	if cfg.Logger == nil {
		cfg.Logger = rovercore.NoOpLogger{}
	}
	if cfg.Events == nil {
		cfg.Events = rovertelemetry.NoOpSink{}
	}
	return &Processor{
		cfg:      cfg,
		q:        q,
		store:    store,
		tracker:  tracker,
		handlers: make(map[string]Handler),
		inflight: make(map[rovercmd.Priority]int),
	}
}

// RegisterHandler binds a command type to a handler. Rejected once the
// processor is running, matching the teacher's RegisterHandler guard.
func (p *Processor) RegisterHandler(cmdType string, h Handler) error {
	if p.running.Load() {
		return errors.New("processor: cannot register handler while running")
	}
	p.handlersMu.Lock()
	defer p.handlersMu.Unlock()
	p.handlers[cmdType] = h
	return nil
}

func (p *Processor) SetDefaultHandler(h Handler) { p.defaultH = h }

// Recover reloads pending commands from the Persistence Port and re-admits
// them to the queue, per §4.2's Recovery requirement. A command still
// marked Executing means the worker that owned it died with the process,
// so it can never reach a terminal status on its own; Recover fails it as
// a crash loss (retried through the normal retry budget, same as any other
// handler failure) instead of silently losing it. Call once before Start
// on a freshly-constructed Processor.
func (p *Processor) Recover(ctx context.Context) error {
	pending, err := p.store.LoadPending(ctx)
	if err != nil {
		return err
	}
	for _, cmd := range pending {
		if cmd.Status == rovercmd.StatusExecuting {
			p.recoverCrashed(ctx, cmd)
			continue
		}
		// Queue.Enqueue drives Status through its own TransitionTo(Queued)
		// call; a command reloaded already in Queued/Retrying has no live
		// queue entry behind it (the in-memory queue was lost with the
		// process), so it is re-admitted as if freshly submitted rather
		// than replayed through the normal state machine.
		if cmd.Status == rovercmd.StatusQueued || cmd.Status == rovercmd.StatusRetrying {
			cmd.Status = rovercmd.StatusPending
		}
		if err := p.q.Enqueue(cmd); err != nil {
			p.cfg.Logger.Warn("recovery: re-admit failed", "command_id", cmd.ID, "error", err.Error())
		}
	}
	return nil
}

// recoverCrashed treats a still-Executing command found at startup as a
// crash loss: it decides retry-or-terminal the same way a handler failure
// would, without ever invoking a handler for it.
func (p *Processor) recoverCrashed(ctx context.Context, cmd *rovercmd.Command) {
	p.decideRetryOrTerminal(ctx, cmd, rovercmd.StatusFailed, "crash_recovery", errors.New("process restarted while command was executing"))
}

// Start spawns the single dispatch loop. Unlike a plain worker pool
// pulling from a shared channel, dispatch here must additionally respect
// per-priority caps, so one loop computes the admitted priority set and
// spawns one goroutine per admitted command rather than N fixed workers.
func (p *Processor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.running.Store(true)

	p.wg.Add(2)
	go p.dispatchLoop(ctx)
	go p.healthLoop(ctx)
}

// Stop cancels the dispatch loop and waits for in-flight workers to drain.
func (p *Processor) Stop(ctx context.Context) {
	if p.cancel != nil {
		p.cancel()
	}
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	p.running.Store(false)
}

func (p *Processor) Pause()  { p.paused.Store(true) }
func (p *Processor) Resume() { p.paused.Store(false) }

func (p *Processor) dispatchLoop(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if p.paused.Load() {
			time.Sleep(p.cfg.IdleSleep)
			continue
		}

		allowed := p.availablePriorities()
		if len(allowed) == 0 {
			time.Sleep(p.cfg.IdleSleep)
			continue
		}

		cmd := p.q.Dequeue(allowed)
		if cmd == nil {
			time.Sleep(p.cfg.IdleSleep)
			continue
		}

		p.admit(cmd.Priority)
		p.wg.Add(1)
		go p.runWorker(ctx, cmd)
	}
}

// availablePriorities computes {p : inflight[p] < cap[p]} ∧
// inflight_total < global_cap, per §4.4 step 2.
func (p *Processor) availablePriorities() map[rovercmd.Priority]bool {
	p.inflightMu.Lock()
	defer p.inflightMu.Unlock()

	total := 0
	for _, n := range p.inflight {
		total += n
	}
	allowed := make(map[rovercmd.Priority]bool)
	if total >= p.cfg.GlobalCap {
		return allowed
	}
	for _, prio := range rovercmd.Priorities {
		cap := p.cfg.PerPriorityCap[prio]
		if p.inflight[prio] < cap {
			allowed[prio] = true
		}
	}
	return allowed
}

func (p *Processor) admit(prio rovercmd.Priority) {
	p.inflightMu.Lock()
	p.inflight[prio]++
	p.inflightMu.Unlock()
}

func (p *Processor) reap(prio rovercmd.Priority) {
	p.inflightMu.Lock()
	p.inflight[prio]--
	p.inflightMu.Unlock()
}

// runWorker drives one command through canExecute→onBefore→handle→onAfter,
// then notifies queue, tracker and event sink — grounded almost
// line-for-line on task_worker.go's processTask/executeHandler, including
// panic recovery.
func (p *Processor) runWorker(ctx context.Context, cmd *rovercmd.Command) {
	defer p.wg.Done()
	defer p.reap(cmd.Priority)

	tracked := p.tracker.CreateAck(cmd)
	_ = p.tracker.Acknowledge(cmd.ID)

	// Persist the dispatched (Executing) command so the terminal
	// UpdateStatus calls below, Recover and store readers find it.
	_ = p.store.Save(ctx, cmd)

	h := p.lookupHandler(cmd)
	if h == nil {
		p.fail(ctx, cmd, "preconditions", ErrNoHandler)
		return
	}
	if !h.CanHandle(cmd) {
		p.fail(ctx, cmd, "preconditions", errors.New("handler declined command"))
		return
	}

	if before, ok := h.(OnBeforeHandler); ok {
		before.OnBefore(cmd)
	}

	timeout := p.cfg.DefaultExecutionTimeout
	if cmd.ExecutionTimeoutMs > 0 {
		timeout = time.Duration(cmd.ExecutionTimeoutMs) * time.Millisecond
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	progressFn := func(progress float64, msg string) {
		_ = p.tracker.UpdateProgress(ctx, cmd.ID, progress, msg)
	}

	start := time.Now()
	result, err := p.invokeHandler(execCtx, h, cmd, progressFn)
	duration := time.Since(start)

	if after, ok := h.(OnAfterHandler); ok && result != nil {
		after.OnAfter(cmd, result)
	}

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			p.timeout(ctx, cmd, tracked)
			return
		}
		if onErr, ok := h.(OnErrorHandler); ok {
			onErr.OnError(cmd, err)
		}
		if result != nil && result.ErrorKind != "" {
			p.decideRetryOrTerminal(ctx, cmd, rovercmd.StatusFailed, result.ErrorKind, err)
			return
		}
		p.handleFailure(ctx, cmd, err)
		return
	}

	if result == nil {
		result = &rovercmd.Result{Success: true}
	}
	result.ExecutionTimeMs = duration.Milliseconds()

	_ = cmd.TransitionTo(rovercmd.StatusCompleted)
	p.q.Complete(cmd, result)
	_ = p.tracker.Complete(cmd.ID, result)
	_ = p.store.UpdateStatus(ctx, cmd.ID, cmd.Status, result, "")
	p.processed.Add(1)
}

// invokeHandler recovers from a handler panic, converting it into a Failed
// result with error kind "panic" instead of crashing the dispatch loop.
func (p *Processor) invokeHandler(ctx context.Context, h Handler, cmd *rovercmd.Command, progress ProgressFunc) (result *rovercmd.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.cfg.Logger.Error("handler panic", "command_id", cmd.ID, "panic", r, "stack", string(debug.Stack()))
			err = errors.New("panic")
			result = &rovercmd.Result{Success: false, ErrorKind: "panic"}
		}
	}()
	return h.Handle(ctx, cmd, progress)
}

func (p *Processor) lookupHandler(cmd *rovercmd.Command) Handler {
	p.handlersMu.RLock()
	h, ok := p.handlers[cmd.Type]
	p.handlersMu.RUnlock()
	if ok {
		return h
	}
	return p.defaultH
}

func (p *Processor) timeout(ctx context.Context, cmd *rovercmd.Command, a *ack.Acknowledgment) {
	_ = p.tracker.HandleTimeout(cmd.ID)
	p.decideRetryOrTerminal(ctx, cmd, rovercmd.StatusTimeout, "timeout", context.DeadlineExceeded)
}

func (p *Processor) handleFailure(ctx context.Context, cmd *rovercmd.Command, err error) {
	p.decideRetryOrTerminal(ctx, cmd, rovercmd.StatusFailed, "handler_error", err)
}

// decideRetryOrTerminal implements §4.4's retry rule: retry with backoff
// under budget, else the given terminal status (Failed for handler errors,
// Timeout for an expired execution deadline).
func (p *Processor) decideRetryOrTerminal(ctx context.Context, cmd *rovercmd.Command, terminal rovercmd.Status, reasonKind string, cause error) {
	maxRetries := cmd.MaxRetries
	if maxRetries == 0 {
		maxRetries = p.cfg.MaxRetries
	}

	if cmd.RetryCount < maxRetries {
		delay := p.cfg.Backoff.Delay(cmd.RetryCount)
		time.Sleep(delay)
		_ = p.tracker.HandleRetry(cmd.ID)
		if err := p.q.Requeue(cmd, nil); err != nil {
			p.terminalFail(ctx, cmd, terminal, reasonKind, cause)
		}
		return
	}
	p.terminalFail(ctx, cmd, terminal, reasonKind, cause)
}

func (p *Processor) terminalFail(ctx context.Context, cmd *rovercmd.Command, terminal rovercmd.Status, kind string, cause error) {
	_ = cmd.TransitionTo(terminal)
	result := &rovercmd.Result{Success: false, ErrorKind: kind, ErrorDetail: errString(cause)}
	p.q.Complete(cmd, result)
	_ = p.tracker.Complete(cmd.ID, result)
	_ = p.store.UpdateStatus(ctx, cmd.ID, cmd.Status, result, kind)
	p.failedCnt.Add(1)
}

func (p *Processor) fail(ctx context.Context, cmd *rovercmd.Command, kind string, cause error) {
	p.terminalFail(ctx, cmd, rovercmd.StatusFailed, kind, cause)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// healthLoop periodically logs {status, in-flight, processed-total,
// failed-total, queue size}, per §4.4's health monitor requirement.
func (p *Processor) healthLoop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.HealthLogPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := p.Status()
			p.cfg.Logger.Info("processor health",
				"paused", st.Paused, "inflight_total", st.InFlightTotal,
				"processed_total", st.ProcessedTotal, "failed_total", st.FailedTotal,
				"queue_size", st.QueueSize)
			rovertelemetry.Gauge("commandqueue.processor.inflight", float64(st.InFlightTotal))
			rovertelemetry.Gauge("commandqueue.processor.queue_size", float64(st.QueueSize))
		}
	}
}

// Status reports overall state + per-priority in-flight counts + totals.
type Status struct {
	Paused         bool
	InFlightByPrio map[rovercmd.Priority]int
	InFlightTotal  int
	ProcessedTotal int64
	FailedTotal    int64
	QueueSize      int
}

func (p *Processor) Status() Status {
	p.inflightMu.Lock()
	byPrio := make(map[rovercmd.Priority]int, len(p.inflight))
	total := 0
	for k, v := range p.inflight {
		byPrio[k] = v
		total += v
	}
	p.inflightMu.Unlock()

	return Status{
		Paused:         p.paused.Load(),
		InFlightByPrio: byPrio,
		InFlightTotal:  total,
		ProcessedTotal: p.processed.Load(),
		FailedTotal:    p.failedCnt.Load(),
		QueueSize:      p.q.Stats().TotalQueued,
	}
}
