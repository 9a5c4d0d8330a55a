package rovercore

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// LoggingConfig configures ProductionLogger construction.
type LoggingConfig struct {
	Level  string // debug enables Debug lines; any other value (info|warn|error) logs Info, Warn and Error
	Format string // json|text
	Output string // stdout|stderr
}

// DefaultLoggingConfig is a human-readable (text) stdout configuration at
// info level. cmd/roverqueue does not use it; its logging comes from
// config.Default, which selects JSON.
func DefaultLoggingConfig() LoggingConfig {
	return LoggingConfig{Level: "info", Format: "text", Output: "stdout"}
}

// ProductionLogger writes either structured JSON or human-readable lines,
// tagged with a service name and an optional component name, matching the
// dual-format logging every component in this codebase shares.
type ProductionLogger struct {
	level     string
	debug     bool
	service   string
	component string
	format    string
	output    io.Writer
}

// NewProductionLogger builds the root logger for a service. Call
// WithComponent to get a component-tagged child for an individual package
// (queue, processor, cancellation, batch).
func NewProductionLogger(cfg LoggingConfig, serviceName string) *ProductionLogger {
	out := io.Writer(os.Stdout)
	if cfg.Output == "stderr" {
		out = os.Stderr
	}
	level := strings.ToLower(cfg.Level)
	if level == "" {
		level = "info"
	}
	return &ProductionLogger{
		level:   level,
		debug:   level == "debug",
		service: serviceName,
		format:  cfg.Format,
		output:  out,
	}
}

func (p *ProductionLogger) WithComponent(component string) Logger {
	clone := *p
	clone.component = component
	return &clone
}

func (p *ProductionLogger) Debug(msg string, fields ...interface{}) {
	if p.debug {
		p.logEvent(context.Background(), "DEBUG", msg, fields)
	}
}
func (p *ProductionLogger) Info(msg string, fields ...interface{}) {
	p.logEvent(context.Background(), "INFO", msg, fields)
}
func (p *ProductionLogger) Warn(msg string, fields ...interface{}) {
	p.logEvent(context.Background(), "WARN", msg, fields)
}
func (p *ProductionLogger) Error(msg string, fields ...interface{}) {
	p.logEvent(context.Background(), "ERROR", msg, fields)
}

func (p *ProductionLogger) DebugWithContext(ctx context.Context, msg string, fields ...interface{}) {
	if p.debug {
		p.logEvent(ctx, "DEBUG", msg, fields)
	}
}
func (p *ProductionLogger) InfoWithContext(ctx context.Context, msg string, fields ...interface{}) {
	p.logEvent(ctx, "INFO", msg, fields)
}
func (p *ProductionLogger) WarnWithContext(ctx context.Context, msg string, fields ...interface{}) {
	p.logEvent(ctx, "WARN", msg, fields)
}
func (p *ProductionLogger) ErrorWithContext(ctx context.Context, msg string, fields ...interface{}) {
	p.logEvent(ctx, "ERROR", msg, fields)
}

// logEvent is the single formatting path both JSON and human-readable
// output flow through, fields passed as alternating key, value, key, value.
func (p *ProductionLogger) logEvent(ctx context.Context, level, msg string, fields []interface{}) {
	kv := pairUp(fields)
	timestamp := time.Now().Format(time.RFC3339)

	if p.format == "json" {
		entry := map[string]interface{}{
			"timestamp": timestamp,
			"level":     level,
			"service":   p.service,
			"message":   msg,
		}
		if p.component != "" {
			entry["component"] = p.component
		}
		if traceID := traceIDFromContext(ctx); traceID != "" {
			entry["trace_id"] = traceID
		}
		for k, v := range kv {
			entry[k] = v
		}
		if data, err := json.Marshal(entry); err == nil {
			fmt.Fprintln(p.output, string(data))
		}
		return
	}

	var b strings.Builder
	for k, v := range kv {
		fmt.Fprintf(&b, " %s=%v", k, v)
	}
	trace := ""
	if traceID := traceIDFromContext(ctx); traceID != "" {
		trace = fmt.Sprintf("[trace=%s] ", traceID)
	}
	component := p.component
	if component == "" {
		component = p.service
	}
	fmt.Fprintf(p.output, "%s [%s] [%s] %s%s%s\n", timestamp, level, component, trace, msg, b.String())
}

func pairUp(fields []interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(fields)/2)
	for i := 0; i+1 < len(fields); i += 2 {
		key := fmt.Sprintf("%v", fields[i])
		out[key] = fields[i+1]
	}
	return out
}

type traceIDKey struct{}

// WithTraceID stamps a trace id onto a context so loggers and event sinks
// downstream can correlate log lines with spans without importing otel.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey{}, traceID)
}

func traceIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(traceIDKey{}).(string)
	return v
}

var _ ComponentAwareLogger = (*ProductionLogger)(nil)
