package rovertelemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

// Provider owns the process-wide tracer provider that this package's spans
// (and so AddSpanEvent/RecordSpanError) draw from. It installs no meter
// provider: Counter/Histogram/Gauge record to whatever otel global meter
// provider is set. Construction installs itself as the otel global tracer
// provider, mirroring the single-provider-per-
// process convention used across this codebase's telemetry wiring.
type Provider struct {
	traceProvider *sdktrace.TracerProvider
	shutdownOnce  sync.Once
}

// NewProvider builds a Provider exporting spans via the stdout exporter — the
// dependency-light exporter this module's go.mod carries, suited to local
// development and to environments where a collector sidecar tails stdout.
// Operators pointing at a real collector can swap the exporter without
// touching any call site, since every caller goes through the package-level
// helpers rather than holding a *Provider directly.
func NewProvider(serviceName string) (*Provider, error) {
	if serviceName == "" {
		return nil, fmt.Errorf("rovertelemetry: service name is required")
	}

	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("rovertelemetry: creating trace exporter: %w", err)
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String("1.0.0"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("rovertelemetry: building resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(2*time.Second)),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return &Provider{traceProvider: tp}, nil
}

// Shutdown flushes pending spans and stops the exporter. Safe to call more
// than once.
func (p *Provider) Shutdown(ctx context.Context) error {
	var err error
	p.shutdownOnce.Do(func() {
		err = p.traceProvider.Shutdown(ctx)
	})
	return err
}
