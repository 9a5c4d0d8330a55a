// Package cancellation implements the Cancellation Manager: the
// safety-critical component driving a command's cancellation through
// validation, cleanup, and optional rollback, grounded on the teacher's
// human-in-the-loop controller/policy split (orchestration/hitl_controller.go,
// hitl_policy.go) generalized from plan-approval gating to command teardown.
package cancellation

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

// State is a node in §4.6's cancellation state machine.
type State int

const (
	StateRequested State = iota
	StateValidating
	StateCancelling
	StateCleaningUp
	StateRollingBack
	StateCompleted
	StateRejected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateRequested:
		return "requested"
	case StateValidating:
		return "validating"
	case StateCancelling:
		return "cancelling"
	case StateCleaningUp:
		return "cleaning_up"
	case StateRollingBack:
		return "rolling_back"
	case StateCompleted:
		return "completed"
	case StateRejected:
		return "rejected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s State) isTerminal() bool {
	return s == StateCompleted || s == StateRejected || s == StateFailed
}

var (
	ErrAlreadyInProgress = errors.New("cancellation: already in progress for this command")
	ErrNotFound          = rovercore.ErrNotFound
)

// Request is the cancellation request payload.
type Request struct {
	CommandID   string
	Force       bool
	Rollback    bool
	Reason      string
	RequesterID string
	ClientIP    string
}

// ValidationRule rejects a request with a reason, or lets it pass. Rules run
// in slice order and the first rejection wins, matching RuleBasedPolicy's
// ordered rule-checking in the teacher.
type ValidationRule func(cmd *rovercmd.Command, req Request) (reject bool, reason string)

// CleanupHandler releases one class of resource a cancelled command may
// hold. Handlers run in descending Priority order, each bounded by its own
// Timeout; a Critical handler's failure fails the cancellation unless
// req.Force is set.
type CleanupHandler struct {
	ResourceType string
	Fn           func(ctx context.Context, cmd *rovercmd.Command) error
	Priority     int
	Timeout      time.Duration
	Critical     bool
}

// CompensatingAction describes how to undo one command type's effects.
// Validate, if set, may skip the action for a given command instance.
type CompensatingAction struct {
	ActionType string
	Execute    func(ctx context.Context, cmd *rovercmd.Command) (*rovercmd.Command, error)
	Validate   func(cmd *rovercmd.Command) bool
}

// Record is one cancellation request's full audit trail, returned by
// GetActive/GetHistory.
type Record struct {
	ID          string
	CommandID   string
	State       State
	Force       bool
	Rollback    bool
	Reason      string
	RequesterID string
	ClientIP    string

	StartedAt   time.Time
	CompletedAt time.Time

	ValidationErrors []string
	CleanupLog       []string
	RollbackLog      []string
	FailureReason    string
}

// Config bounds cancellation timing and wires the audit/event sinks.
type Config struct {
	CancellationTimeout time.Duration
	HistoryLimit        int

	Logger rovercore.ComponentAwareLogger
	Events rovertelemetry.EventSink
	Audit  rovertelemetry.AuditSink
}

func DefaultConfig() Config {
	return Config{
		CancellationTimeout: 10 * time.Second,
		HistoryLimit:        500,
		Logger:              rovercore.NoOpLogger{},
		Events:              rovertelemetry.NoOpSink{},
		Audit:               rovertelemetry.NoOpAuditSink{},
	}
}

// Stats reports aggregate outcomes across every request handled.
type Stats struct {
	Total     int64
	Completed int64
	Rejected  int64
	Failed    int64
}

// Manager is the Cancellation Manager component.
type Manager struct {
	cfg   Config
	store persistence.Store
	queue *queue.Queue

	mu     sync.Mutex
	active map[string]*Record
	history []*Record

	rules []ValidationRule

	handlersMu sync.RWMutex
	handlers   []CleanupHandler

	actionsMu sync.RWMutex
	actions   map[string][]CompensatingAction

	stats Stats
}

// New builds a Manager with the three default safety rules from §4.6
// pre-registered: existence (checked by the caller via store.Get), terminal
// status, non-cancellable type, and the safety_critical flag.
func New(cfg Config, store persistence.Store, q *queue.Queue) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = rovercore.NoOpLogger{}
	}
	if cfg.Events == nil {
		cfg.Events = rovertelemetry.NoOpSink{}
	}
	if cfg.Audit == nil {
		cfg.Audit = rovertelemetry.NoOpAuditSink{}
	}
	m := &Manager{
		cfg:     cfg,
		store:   store,
		queue:   q,
		active:  make(map[string]*Record),
		actions: make(map[string][]CompensatingAction),
	}
	m.rules = []ValidationRule{
		terminalStatusRule,
		nonCancellableTypeRule,
		safetyCriticalRule,
	}
	return m
}

func terminalStatusRule(cmd *rovercmd.Command, req Request) (bool, string) {
	if cmd.Status.IsTerminal() {
		return true, "command already in a terminal state"
	}
	return false, ""
}

func nonCancellableTypeRule(cmd *rovercmd.Command, req Request) (bool, string) {
	if rovercmd.NonCancellableTypes[cmd.Type] && !req.Force {
		return true, "command type is non-cancellable without force"
	}
	return false, ""
}

func safetyCriticalRule(cmd *rovercmd.Command, req Request) (bool, string) {
	if cmd.SafetyCritical && !req.Force {
		return true, "command is safety-critical without force"
	}
	return false, ""
}

// AddValidationRule appends a caller-supplied safety rule run after the
// three defaults.
func (m *Manager) AddValidationRule(rule ValidationRule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append(m.rules, rule)
}

// RegisterCleanupHandler adds a handler, keeping the set sorted by
// descending priority so runCleanup always runs highest-first.
func (m *Manager) RegisterCleanupHandler(h CleanupHandler) {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	m.handlers = append(m.handlers, h)
	sort.SliceStable(m.handlers, func(i, j int) bool {
		return m.handlers[i].Priority > m.handlers[j].Priority
	})
}

// RegisterCompensatingAction adds an inverse-action for cmdType, appended in
// registration order (the order rollback will execute them in).
func (m *Manager) RegisterCompensatingAction(cmdType string, action CompensatingAction) {
	m.actionsMu.Lock()
	defer m.actionsMu.Unlock()
	m.actions[cmdType] = append(m.actions[cmdType], action)
}

// RequestCancellation drives the full state machine to a terminal outcome,
// bounded by cfg.CancellationTimeout, and always emits an audit entry.
func (m *Manager) RequestCancellation(ctx context.Context, req Request) (bool, string) {
	m.mu.Lock()
	if _, inProgress := m.active[req.CommandID]; inProgress {
		m.mu.Unlock()
		return false, ErrAlreadyInProgress.Error()
	}
	rec := &Record{
		ID: uuid.NewString(), CommandID: req.CommandID, State: StateRequested,
		Force: req.Force, Rollback: req.Rollback, Reason: req.Reason,
		RequesterID: req.RequesterID, ClientIP: req.ClientIP, StartedAt: time.Now(),
	}
	m.active[req.CommandID] = rec
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, m.cfg.CancellationTimeout)
	defer cancel()

	ok, reason := m.drive(ctx, rec, req)

	m.mu.Lock()
	delete(m.active, req.CommandID)
	rec.CompletedAt = time.Now()
	m.history = append(m.history, rec)
	if len(m.history) > m.cfg.HistoryLimit {
		m.history = m.history[len(m.history)-m.cfg.HistoryLimit:]
	}
	m.stats.Total++
	switch rec.State {
	case StateCompleted:
		m.stats.Completed++
	case StateRejected:
		m.stats.Rejected++
	case StateFailed:
		m.stats.Failed++
	}
	m.mu.Unlock()

	m.audit(ctx, rec)
	return ok, reason
}

func (m *Manager) drive(ctx context.Context, rec *Record, req Request) (bool, string) {
	rec.State = StateValidating
	cmd, err := m.store.Get(ctx, req.CommandID)
	if err != nil {
		rec.State = StateRejected
		rec.ValidationErrors = append(rec.ValidationErrors, "command not found")
		return false, "command not found"
	}

	m.mu.Lock()
	rules := append([]ValidationRule(nil), m.rules...)
	m.mu.Unlock()
	for _, rule := range rules {
		if reject, reason := rule(cmd, req); reject {
			rec.State = StateRejected
			rec.ValidationErrors = append(rec.ValidationErrors, reason)
			return false, reason
		}
	}

	rec.State = StateCancelling
	select {
	case <-ctx.Done():
		rec.State = StateFailed
		rec.FailureReason = "cancellation_timeout"
		return false, "cancellation timed out"
	default:
	}

	if cmd.Status == rovercmd.StatusPending || cmd.Status == rovercmd.StatusQueued || cmd.Status == rovercmd.StatusRetrying {
		if err := m.queue.Cancel(cmd.ID); err != nil {
			rec.State = StateFailed
			rec.FailureReason = err.Error()
			return false, err.Error()
		}
		_ = m.store.UpdateStatus(ctx, cmd.ID, rovercmd.StatusCancelled, nil, req.Reason)
		rec.State = StateCompleted
		return true, ""
	}

	// Executing: run cleanup, then optional rollback.
	rec.State = StateCleaningUp
	if err := cmd.TransitionTo(rovercmd.StatusCancelling); err == nil {
		_ = m.store.UpdateStatus(ctx, cmd.ID, rovercmd.StatusCancelling, nil, "cleanup started")
	}
	if failed, reason := m.runCleanup(ctx, cmd, req, rec); failed {
		rec.State = StateFailed
		rec.FailureReason = reason
		return false, reason
	}

	if req.Rollback {
		rec.State = StateRollingBack
		if err := cmd.TransitionTo(rovercmd.StatusRollingBack); err == nil {
			_ = m.store.UpdateStatus(ctx, cmd.ID, rovercmd.StatusRollingBack, nil, "rollback started")
		}
		m.runRollback(ctx, cmd, rec)
	}

	_ = cmd.TransitionTo(rovercmd.StatusCancelled)
	_ = m.store.UpdateStatus(ctx, cmd.ID, rovercmd.StatusCancelled, nil, req.Reason)
	rec.State = StateCompleted
	return true, ""
}

// runCleanup runs registered handlers highest-priority-first, each under its
// own timeout. A critical handler's failure fails cancellation unless
// req.Force; non-critical failures are logged only.
func (m *Manager) runCleanup(ctx context.Context, cmd *rovercmd.Command, req Request, rec *Record) (failed bool, reason string) {
	m.handlersMu.RLock()
	handlers := append([]CleanupHandler(nil), m.handlers...)
	m.handlersMu.RUnlock()

	for _, h := range handlers {
		hctx, cancel := context.WithTimeout(ctx, h.Timeout)
		err := h.Fn(hctx, cmd)
		cancel()
		if err != nil {
			rec.CleanupLog = append(rec.CleanupLog, h.ResourceType+": "+err.Error())
			if h.Critical && !req.Force {
				return true, "critical cleanup handler failed: " + h.ResourceType
			}
			continue
		}
		rec.CleanupLog = append(rec.CleanupLog, h.ResourceType+": ok")
	}
	return false, ""
}

// runRollback executes registered compensating actions in registration
// order, skipping any whose Validate predicate declines. Rollback is
// best-effort: action failures are logged but never fail the cancellation.
func (m *Manager) runRollback(ctx context.Context, cmd *rovercmd.Command, rec *Record) {
	m.actionsMu.RLock()
	actions := append([]CompensatingAction(nil), m.actions[cmd.Type]...)
	m.actionsMu.RUnlock()

	for _, a := range actions {
		if a.Validate != nil && !a.Validate(cmd) {
			rec.RollbackLog = append(rec.RollbackLog, a.ActionType+": skipped")
			continue
		}
		if _, err := a.Execute(ctx, cmd); err != nil {
			rec.RollbackLog = append(rec.RollbackLog, a.ActionType+": failed: "+err.Error())
			continue
		}
		rec.RollbackLog = append(rec.RollbackLog, a.ActionType+": ok")
	}
}

func (m *Manager) audit(ctx context.Context, rec *Record) {
	m.cfg.Audit.LogAction(ctx, rovertelemetry.AuditEntry{
		Action:     "cancel_command",
		Resource:   "command",
		ResourceID: rec.CommandID,
		UserID:     rec.RequesterID,
		IPAddress:  rec.ClientIP,
		Details: map[string]interface{}{
			"cancellation_id":  rec.ID,
			"state":            rec.State.String(),
			"force":            rec.Force,
			"rollback":         rec.Rollback,
			"reason":           rec.Reason,
			"validation_errors": rec.ValidationErrors,
			"cleanup_log":      rec.CleanupLog,
			"rollback_log":     rec.RollbackLog,
			"failure_reason":   rec.FailureReason,
			"duration_ms":      rec.CompletedAt.Sub(rec.StartedAt).Milliseconds(),
		},
	})

	m.cfg.Events.Emit(ctx, rovertelemetry.Event{
		Type: rovertelemetry.EventCancellation, ID: rec.CommandID, Status: rec.State.String(),
		Timestamp: time.Now(),
		Extra:     map[string]interface{}{"cancellation_id": rec.ID, "force": rec.Force},
	})
}

// GetActive returns a snapshot of in-flight cancellation requests.
func (m *Manager) GetActive() []*Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Record, 0, len(m.active))
	for _, r := range m.active {
		clone := *r
		out = append(out, &clone)
	}
	return out
}

// GetHistory returns completed cancellation records, optionally filtered by
// command id, most recent last, capped at limit (0 = cfg.HistoryLimit).
func (m *Manager) GetHistory(commandID string, limit int) []*Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = m.cfg.HistoryLimit
	}
	var out []*Record
	for _, r := range m.history {
		if commandID != "" && r.CommandID != commandID {
			continue
		}
		clone := *r
		out = append(out, &clone)
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// HasCompensatingAction reports whether any action is registered for
// cmdType, satisfying batch.CompensatingActionSource so the batch executor
// can share this registry for its own rollback-plan generation instead of
// keeping a second one.
func (m *Manager) HasCompensatingAction(cmdType string) bool {
	m.actionsMu.RLock()
	defer m.actionsMu.RUnlock()
	return len(m.actions[cmdType]) > 0
}

// GenerateInverse runs the first registered action for cmd.Type whose
// Validate predicate accepts cmd (or has none), returning its inverse
// command. It does not execute the inverse; the caller decides when.
func (m *Manager) GenerateInverse(ctx context.Context, cmd *rovercmd.Command) (*rovercmd.Command, error) {
	m.actionsMu.RLock()
	actions := append([]CompensatingAction(nil), m.actions[cmd.Type]...)
	m.actionsMu.RUnlock()

	for _, a := range actions {
		if a.Validate != nil && !a.Validate(cmd) {
			continue
		}
		return a.Execute(ctx, cmd)
	}
	return nil, errors.New("cancellation: no applicable compensating action for " + cmd.Type)
}
