package rovertelemetry

import (
	"context"

	"github.com/roverfleet/commandqueue/rovercore"
)

// AuditEntry is the payload the Audit sink boundary records for
// security-relevant actions — currently only cancellation requests, per
// §4.6's audit requirement, but open-ended for future privileged actions.
type AuditEntry struct {
	Action      string
	Resource    string
	ResourceID  string
	UserID      string
	Details     map[string]interface{}
	IPAddress   string
	UserAgent   string
}

// AuditSink is the Audit sink boundary.
type AuditSink interface {
	LogAction(ctx context.Context, entry AuditEntry)
}

// LogAuditSink writes audit entries through the structured logging port,
// the simplest faithful implementation of "append-only security log" when
// no dedicated audit store is wired in.
type LogAuditSink struct {
	logger rovercore.Logger
}

func NewLogAuditSink(logger rovercore.Logger) *LogAuditSink {
	if logger == nil {
		logger = rovercore.NoOpLogger{}
	}
	return &LogAuditSink{logger: logger}
}

func (s *LogAuditSink) LogAction(ctx context.Context, entry AuditEntry) {
	fields := []interface{}{
		"action", entry.Action,
		"resource", entry.Resource,
		"resource_id", entry.ResourceID,
		"user_id", entry.UserID,
	}
	if entry.IPAddress != "" {
		fields = append(fields, "ip", entry.IPAddress)
	}
	if entry.UserAgent != "" {
		fields = append(fields, "user_agent", entry.UserAgent)
	}
	for k, v := range entry.Details {
		fields = append(fields, k, v)
	}
	s.logger.InfoWithContext(ctx, "audit: "+entry.Action, fields...)
}

// NoOpAuditSink discards every entry.
type NoOpAuditSink struct{}

func (NoOpAuditSink) LogAction(context.Context, AuditEntry) {}

var (
	_ AuditSink = (*LogAuditSink)(nil)
	_ AuditSink = NoOpAuditSink{}
)
