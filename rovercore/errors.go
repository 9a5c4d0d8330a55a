package rovercore

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across the queue, processor, cancellation manager
// and batch executor. Some package-specific sentinels are aliases of these
// (e.g. queue.ErrShutdown); others, such as queue.ErrQueueFull, are
// independent values. Check with errors.Is.
var (
	// ErrNotFound indicates the referenced command, batch, acknowledgment or
	// cancellation record does not exist.
	ErrNotFound = errors.New("rovercore: not found")

	// ErrShutdown indicates the component has been stopped and no longer
	// accepts new work.
	ErrShutdown = errors.New("rovercore: shut down")

	// ErrInvalidTransition indicates a requested state transition is not in
	// the component's transition graph.
	ErrInvalidTransition = errors.New("rovercore: invalid state transition")

	// ErrAlreadyInProgress indicates a second concurrent operation was
	// attempted against an identifier that already has one in flight.
	ErrAlreadyInProgress = errors.New("rovercore: already in progress")

	// ErrTimeout indicates an operation exceeded its deadline.
	ErrTimeout = errors.New("rovercore: timeout")

	// ErrCapacityExceeded indicates a bounded resource (queue slot,
	// concurrency slot, batch size) is full.
	ErrCapacityExceeded = errors.New("rovercore: capacity exceeded")
)

// Error wraps a sentinel with operation, kind and identifier context,
// following the op/kind/id/err shape used across this codebase's error
// reporting so callers can both errors.Is against the sentinel and log a
// human-readable operation trail.
type Error struct {
	Op      string // the operation being attempted, e.g. "queue.Enqueue"
	Kind    string // a short machine-checkable classification
	ID      string // the command/batch/ack id involved, if any
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("%s: %s (id=%s): %v", e.Op, e.Message, e.ID, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds an Error, defaulting Message to the wrapped error's text
// when not given.
func NewError(op, kind, id string, err error) *Error {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return &Error{Op: op, Kind: kind, ID: id, Message: msg, Err: err}
}
