// Package rovercore provides the ambient abstractions shared by every
// command-queue package: structured logging, tracing/metrics ports, and the
// common error type. Domain packages depend on these interfaces, never on a
// concrete backend, so the same core can run headless in tests and wired to
// OpenTelemetry/Redis in production.
package rovercore

import "context"

// Logger is the structured logging port used throughout the command queue.
// Implementations must be safe for concurrent use.
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})

	DebugWithContext(ctx context.Context, msg string, fields ...interface{})
	InfoWithContext(ctx context.Context, msg string, fields ...interface{})
	WarnWithContext(ctx context.Context, msg string, fields ...interface{})
	ErrorWithContext(ctx context.Context, msg string, fields ...interface{})
}

// ComponentAwareLogger lets a component tag every line it emits with its own
// name, so a single sink can be shared across the queue, processor,
// cancellation manager, and batch executor without losing provenance.
type ComponentAwareLogger interface {
	Logger
	WithComponent(component string) Logger
}

// Span is the minimal tracing port the core needs: add an event, record an
// error, and close.
type Span interface {
	AddEvent(name string, attrs map[string]interface{})
	RecordError(err error)
	End()
}

// Telemetry is the tracing/metrics port; NoOpTelemetry is its only
// implementation in this module. Domain packages emit spans, metrics and
// events through rovertelemetry's EventSink and package-level helpers, not
// through this interface.
type Telemetry interface {
	StartSpan(ctx context.Context, name string) (context.Context, Span)
	RecordMetric(name string, value float64, labels map[string]string)
}

// NoOpLogger discards everything. It is the safe zero value injected into
// any component that isn't given a real logger.
type NoOpLogger struct{}

func (NoOpLogger) Debug(string, ...interface{}) {}
func (NoOpLogger) Info(string, ...interface{})  {}
func (NoOpLogger) Warn(string, ...interface{})  {}
func (NoOpLogger) Error(string, ...interface{}) {}

func (NoOpLogger) DebugWithContext(context.Context, string, ...interface{}) {}
func (NoOpLogger) InfoWithContext(context.Context, string, ...interface{})  {}
func (NoOpLogger) WarnWithContext(context.Context, string, ...interface{})  {}
func (NoOpLogger) ErrorWithContext(context.Context, string, ...interface{}) {}

func (l NoOpLogger) WithComponent(string) Logger { return l }

var _ ComponentAwareLogger = NoOpLogger{}

// NoOpSpan discards events and errors; used by NoOpTelemetry.
type NoOpSpan struct{}

func (NoOpSpan) AddEvent(string, map[string]interface{}) {}
func (NoOpSpan) RecordError(error)                       {}
func (NoOpSpan) End()                                    {}

// NoOpTelemetry is the safe zero value for Telemetry.
type NoOpTelemetry struct{}

func (NoOpTelemetry) StartSpan(ctx context.Context, _ string) (context.Context, Span) {
	return ctx, NoOpSpan{}
}
func (NoOpTelemetry) RecordMetric(string, float64, map[string]string) {}

var _ Telemetry = NoOpTelemetry{}
