// Package rovercmd defines the Command Model: the canonical in-memory
// entity every other component (queue, persistence, acknowledgment
// tracker, processor, cancellation manager, batch executor) operates on,
// plus the lifecycle state machine that bounds legal status transitions.
package rovercmd

import (
	"time"

	"github.com/google/uuid"
)

// Category is the closed set of command categories. Custom carries an
// open-ended type name in Command.CustomType, following the
// "closed-enum-plus-open-Custom-variant" design this module uses wherever
// the source dispatched dynamically by string.
type Category int

const (
	CategoryMovement Category = iota
	CategorySensorRead
	CategoryCalibration
	CategoryDiagnostic
	CategorySystem
	CategoryCustom
)

func (c Category) String() string {
	switch c {
	case CategoryMovement:
		return "movement"
	case CategorySensorRead:
		return "sensor-read"
	case CategoryCalibration:
		return "calibration"
	case CategoryDiagnostic:
		return "diagnostic"
	case CategorySystem:
		return "system"
	case CategoryCustom:
		return "custom"
	default:
		return "unknown"
	}
}

// Priority is a total order over the four admitted priority levels.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityEmergency
)

// Priorities lists all levels from highest to lowest, the order the
// processor and queue always scan in.
var Priorities = []Priority{PriorityEmergency, PriorityHigh, PriorityNormal, PriorityLow}

func (p Priority) String() string {
	switch p {
	case PriorityEmergency:
		return "emergency"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// Status is a node in the command lifecycle state machine (§4.5).
type Status int

const (
	StatusPending Status = iota
	StatusQueued
	StatusExecuting
	StatusCompleted
	StatusFailed
	StatusCancelled
	StatusRetrying
	StatusTimeout
	StatusCancelling
	StatusRollingBack
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusQueued:
		return "queued"
	case StatusExecuting:
		return "executing"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	case StatusRetrying:
		return "retrying"
	case StatusTimeout:
		return "timeout"
	case StatusCancelling:
		return "cancelling"
	case StatusRollingBack:
		return "rolling_back"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether no further transition is legal from s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout:
		return true
	default:
		return false
	}
}

// allowedTransitions is the adjacency table for §4.5's state diagram. Any
// transition not listed here is rejected by Command.TransitionTo,
// satisfying Testable Property 1 (status monotonicity) and Property 6
// (terminal stability).
var allowedTransitions = map[Status][]Status{
	StatusPending:     {StatusQueued, StatusCancelled},
	StatusQueued:      {StatusExecuting, StatusCancelled, StatusTimeout, StatusRetrying},
	StatusRetrying:    {StatusQueued, StatusCancelled, StatusFailed, StatusTimeout},
	StatusExecuting:   {StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout, StatusCancelling, StatusRetrying},
	StatusCancelling:  {StatusRollingBack, StatusCancelled, StatusFailed},
	StatusRollingBack: {StatusCancelled},
}

// NonCancellableTypes names command types that cannot be cancelled without
// force=true, shared by the cancellation manager and any boundary
// validator so there is one source of truth.
var NonCancellableTypes = map[string]bool{
	"Emergency-Stop":   true,
	"Firmware-Update":  true,
	"Reset":            true,
}

// Result is populated on a command's terminal transition.
type Result struct {
	Success         bool
	Payload         map[string]interface{}
	ErrorKind       string
	ErrorDetail     string
	ExecutionTimeMs int64
}

// Command is the unit of work flowing through every component in this
// module.
type Command struct {
	ID       string
	Type     string // concrete command type, e.g. "MoveForward"
	Category Category
	// CustomType names the concrete type when Category == CategoryCustom.
	CustomType string

	Priority Priority
	Status   Status

	Parameters map[string]interface{}

	SubmitterID   string
	SessionID     string
	CorrelationID string
	Labels        map[string]string
	// SafetyCritical prevents cancellation without force, same as a
	// NonCancellableTypes membership but settable per-instance.
	SafetyCritical bool
	// BatchID tags a command as a batch member; set by the batch executor.
	BatchID string

	QueueTimeoutMs     int64
	ExecutionTimeoutMs int64

	MaxRetries int
	RetryCount int

	CreatedAt   time.Time
	QueuedAt    time.Time
	StartedAt   time.Time
	CompletedAt time.Time

	Result *Result
}

// NewCommand allocates a Command in Pending status with a fresh id.
func NewCommand(cmdType string, category Category, priority Priority, params map[string]interface{}) *Command {
	if params == nil {
		params = make(map[string]interface{})
	}
	return &Command{
		ID:         uuid.NewString(),
		Type:       cmdType,
		Category:   category,
		Priority:   priority,
		Status:     StatusPending,
		Parameters: params,
		Labels:     make(map[string]string),
		MaxRetries: 3,
		CreatedAt:  time.Now(),
	}
}

// TransitionTo mutates Status if (Status, to) is a legal edge in
// allowedTransitions, stamping the matching timestamp. It rejects any
// out-of-graph request and any attempt to leave a terminal state.
func (c *Command) TransitionTo(to Status) error {
	if c.Status.IsTerminal() {
		return &TransitionError{From: c.Status, To: to, Reason: "terminal state"}
	}
	for _, allowed := range allowedTransitions[c.Status] {
		if allowed == to {
			c.Status = to
			c.stampTimestamp(to)
			return nil
		}
	}
	return &TransitionError{From: c.Status, To: to, Reason: "not in transition graph"}
}

func (c *Command) stampTimestamp(to Status) {
	now := time.Now()
	switch to {
	case StatusQueued:
		c.QueuedAt = now
	case StatusExecuting:
		c.StartedAt = now
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout:
		c.CompletedAt = now
	}
}

// IsNonCancellable reports whether this command's type/flags forbid
// cancellation absent force=true.
func (c *Command) IsNonCancellable() bool {
	return NonCancellableTypes[c.Type] || c.SafetyCritical
}

// TransitionError reports an out-of-graph status transition request.
type TransitionError struct {
	From, To Status
	Reason   string
}

func (e *TransitionError) Error() string {
	return "rovercmd: illegal transition " + e.From.String() + " -> " + e.To.String() + ": " + e.Reason
}
