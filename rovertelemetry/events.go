package rovertelemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

// EventType enumerates the Event sink boundary's payload kinds.
type EventType string

const (
	EventCommandQueued    EventType = "command_queued"
	EventCommandStarted   EventType = "command_started"
	EventCommandProgress  EventType = "command_progress"
	EventCommandCompleted EventType = "command_completed"
	EventCommandFailed    EventType = "command_failed"
	EventCommandCancelled EventType = "command_cancelled"
	EventCommandRetrying  EventType = "command_retrying"
	EventQueueStatus      EventType = "queue_status"
	EventBatch            EventType = "batch_event"
	EventCancellation     EventType = "cancellation_event"
)

// Event is the payload every Event sink implementation receives. Every
// event carries timestamp, id, status, priority and type per the external
// interfaces contract; Extra carries event-specific detail (progress
// percentage, error kind, batch counters, ...).
type Event struct {
	Type      EventType
	Timestamp time.Time
	ID        string // command id, or batch id for batch_event
	Status    string
	Priority  string
	CmdType   string
	Extra     map[string]interface{}
}

// EventSink is the Event sink boundary: core components depend on this
// interface, never on a concrete transport.
type EventSink interface {
	Emit(ctx context.Context, event Event)
}

// OTelSink turns every lifecycle emission into a span event plus a
// counter/histogram, following this codebase's Emit<Noun><Verb> convention
// (see task_telemetry.go in the broader stack this module descends from)
// generalized from task lifecycle to command lifecycle.
type OTelSink struct{}

func NewOTelSink() *OTelSink { return &OTelSink{} }

func (s *OTelSink) Emit(ctx context.Context, event Event) {
	attrs := []attribute.KeyValue{
		attribute.String("command_id", event.ID),
		attribute.String("status", event.Status),
		attribute.String("priority", event.Priority),
		attribute.String("command_type", event.CmdType),
	}
	for k, v := range event.Extra {
		attrs = append(attrs, attribute.String(k, toString(v)))
	}

	AddSpanEvent(ctx, string(event.Type), attrs...)

	Counter("commandqueue."+string(event.Type),
		"priority", event.Priority,
		"command_type", event.CmdType,
	)

	if durMs, ok := event.Extra["duration_ms"].(int64); ok {
		Histogram("commandqueue.duration_ms", float64(durMs),
			"status", event.Status,
			"command_type", event.CmdType,
		)
	}
}

func toString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case error:
		return t.Error()
	default:
		return fmt.Sprintf("%v", v)
	}
}

// NoOpSink discards every event; the safe zero value for components under
// test or running without telemetry configured.
type NoOpSink struct{}

func (NoOpSink) Emit(context.Context, Event) {}

var (
	_ EventSink = (*OTelSink)(nil)
	_ EventSink = NoOpSink{}
)
