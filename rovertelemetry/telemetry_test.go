package rovertelemetry

import (
	"context"
	"testing"
)

// fakeLogger records InfoWithContext calls for assertions; the other
// Logger methods are no-ops since LogAuditSink only calls InfoWithContext.
type fakeLogger struct {
	msgs []string
}

func (f *fakeLogger) Debug(string, ...interface{})                               {}
func (f *fakeLogger) Info(string, ...interface{})                                {}
func (f *fakeLogger) Warn(string, ...interface{})                                {}
func (f *fakeLogger) Error(string, ...interface{})                               {}
func (f *fakeLogger) DebugWithContext(context.Context, string, ...interface{})   {}
func (f *fakeLogger) InfoWithContext(ctx context.Context, msg string, fields ...interface{}) {
	f.msgs = append(f.msgs, msg)
}
func (f *fakeLogger) WarnWithContext(context.Context, string, ...interface{})  {}
func (f *fakeLogger) ErrorWithContext(context.Context, string, ...interface{}) {}

func TestCounterHistogramGauge_DoNotPanicWithoutSDK(t *testing.T) {
	Counter("test.counter", "priority", "high")
	Histogram("test.histogram", 12.5, "status", "completed")
	Gauge("test.gauge", 3, "queue", "main")
}

func TestAddSpanEventAndRecordSpanError_SafeWithoutActiveSpan(t *testing.T) {
	AddSpanEvent(context.Background(), "queued")
	RecordSpanError(context.Background(), nil)
}

func TestTraceID_EmptyWithoutActiveSpan(t *testing.T) {
	if got := TraceID(context.Background()); got != "" {
		t.Errorf("TraceID() = %q, want empty string with no active span", got)
	}
}

func TestNoOpSink_EmitIsSafe(t *testing.T) {
	var sink EventSink = NoOpSink{}
	sink.Emit(context.Background(), Event{Type: EventCommandQueued, ID: "c1"})
}

func TestOTelSink_EmitDoesNotPanic(t *testing.T) {
	sink := NewOTelSink()
	sink.Emit(context.Background(), Event{
		Type: EventCommandCompleted, ID: "c1", Status: "completed",
		Priority: "high", CmdType: "MoveForward",
		Extra: map[string]interface{}{"duration_ms": int64(150), "reason": "ok"},
	})
}

func TestNoOpAuditSink_LogActionIsSafe(t *testing.T) {
	var sink AuditSink = NoOpAuditSink{}
	sink.LogAction(context.Background(), AuditEntry{Action: "cancel"})
}

func TestLogAuditSink_LogActionWritesThroughLogger(t *testing.T) {
	logger := &fakeLogger{}
	sink := NewLogAuditSink(logger)

	sink.LogAction(context.Background(), AuditEntry{
		Action: "cancel_command", Resource: "command", ResourceID: "c1", UserID: "u1",
	})

	if len(logger.msgs) != 1 {
		t.Fatalf("logger.msgs = %v, want exactly one audit line", logger.msgs)
	}
}

func TestLogAuditSink_NilLoggerDefaultsToNoOp(t *testing.T) {
	sink := NewLogAuditSink(nil)
	sink.LogAction(context.Background(), AuditEntry{Action: "cancel_command"})
}
