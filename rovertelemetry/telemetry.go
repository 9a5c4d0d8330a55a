// Package rovertelemetry wires the command queue's Event sink and Audit
// sink boundaries to OpenTelemetry: every lifecycle emission becomes both a
// span event and a counter/histogram, following the progressive-disclosure
// API (package-level Counter/Histogram/Gauge, then AddSpanEvent/
// RecordSpanError for span-scoped detail) this codebase uses elsewhere.
package rovertelemetry

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/roverfleet/commandqueue"

var (
	tracer = otel.Tracer(instrumentationName)

	instrumentsOnce sync.Once
	instruments     *metricInstruments
)

// metricInstruments lazily creates and caches otel metric instruments,
// guarding creation with a double-checked read/write lock so hot paths
// (one Counter call per lifecycle event) only pay for a map lookup.
type metricInstruments struct {
	meter      metric.Meter
	mu         sync.RWMutex
	counters   map[string]metric.Int64Counter
	histograms map[string]metric.Float64Histogram
	gauges     map[string]metric.Float64Histogram // gauges recorded as histograms, see Gauge below
}

func instrumentsFor(meter metric.Meter) *metricInstruments {
	instrumentsOnce.Do(func() {
		instruments = &metricInstruments{
			meter:      meter,
			counters:   make(map[string]metric.Int64Counter),
			histograms: make(map[string]metric.Float64Histogram),
			gauges:     make(map[string]metric.Float64Histogram),
		}
	})
	return instruments
}

func meter() metric.Meter { return otel.Meter(instrumentationName) }

// Counter increments a named counter by 1, with label pairs supplied as
// alternating key/value strings (Counter("queue.enqueued", "priority", "high")).
func Counter(name string, labels ...string) {
	inst := instrumentsFor(meter())
	inst.mu.RLock()
	c, ok := inst.counters[name]
	inst.mu.RUnlock()
	if !ok {
		inst.mu.Lock()
		if c, ok = inst.counters[name]; !ok {
			var err error
			c, err = inst.meter.Int64Counter(name)
			if err == nil {
				inst.counters[name] = c
			}
		}
		inst.mu.Unlock()
	}
	if c == nil {
		return
	}
	c.Add(context.Background(), 1, metric.WithAttributes(attrsFromLabels(labels)...))
}

// Histogram records a value distribution (latencies, queue depths).
func Histogram(name string, value float64, labels ...string) {
	inst := instrumentsFor(meter())
	inst.mu.RLock()
	h, ok := inst.histograms[name]
	inst.mu.RUnlock()
	if !ok {
		inst.mu.Lock()
		if h, ok = inst.histograms[name]; !ok {
			var err error
			h, err = inst.meter.Float64Histogram(name)
			if err == nil {
				inst.histograms[name] = h
			}
		}
		inst.mu.Unlock()
	}
	if h == nil {
		return
	}
	h.Record(context.Background(), value, metric.WithAttributes(attrsFromLabels(labels)...))
}

// Gauge sets a point-in-time value (in-flight counts, queue sizes).
// Recorded as a histogram internally since synchronous gauges require
// callback registration this package's call sites don't need.
func Gauge(name string, value float64, labels ...string) {
	inst := instrumentsFor(meter())
	inst.mu.RLock()
	g, ok := inst.gauges[name]
	inst.mu.RUnlock()
	if !ok {
		inst.mu.Lock()
		if g, ok = inst.gauges[name]; !ok {
			var err error
			g, err = inst.meter.Float64Histogram(name)
			if err == nil {
				inst.gauges[name] = g
			}
		}
		inst.mu.Unlock()
	}
	if g == nil {
		return
	}
	g.Record(context.Background(), value, metric.WithAttributes(attrsFromLabels(labels)...))
}

func attrsFromLabels(labels []string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(labels)/2)
	for i := 0; i+1 < len(labels); i += 2 {
		attrs = append(attrs, attribute.String(labels[i], labels[i+1]))
	}
	return attrs
}

// StartSpan begins a span named for the operation; callers must End() it.
func StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name)
}

// AddSpanEvent attaches a named event to the active span, if any, matching
// the span-event-per-lifecycle-transition convention this codebase uses for
// queued/started/progress/completed/failed/cancelled transitions.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	if ctx == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.AddEvent(name, trace.WithAttributes(attrs...))
	}
}

// RecordSpanError records an error on the active span and marks it failed.
func RecordSpanError(ctx context.Context, err error) {
	if ctx == nil || err == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// TraceID returns the active span's trace id, or "" if none, for stamping
// onto log lines and command metadata.
func TraceID(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().HasTraceID() {
		return ""
	}
	return fmt.Sprintf("%s", span.SpanContext().TraceID())
}
