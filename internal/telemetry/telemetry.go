// Package telemetry registers the process-wide OpenTelemetry providers
// pilotd's tracer.Start calls (internal/orchestrator) and task-outcome
// counter report through, grounded on the teacher's
// internal/observability/tracing.go and metrics.go: a single
// Enabled-gated constructor that wires a real exporter when tracing is
// on and a noop provider when it is off, so the tracer.Start calls
// already sprinkled through the control loop are never silently
// pointed at nothing.
package telemetry

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	stdouttrace "go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace/noop"
)

// Provider owns the registered global tracer/meter providers and the
// backing span log file, if tracing is enabled.
type Provider struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	spanLog        io.Closer

	taskOutcomes metric.Int64Counter
}

// New registers the global OpenTelemetry providers. When enabled is
// false it registers a noop TracerProvider — every tracer.Start call in
// the orchestrator becomes a true no-op rather than silently buffering
// spans nobody reads — and RecordTaskOutcome becomes a no-op too.
//
// When enabled, spans are batched to a local JSON-lines file under
// rootDir/logs/spans.jsonl (stdouttrace: this is a single-user local
// daemon with no collector to point an OTLP/Jaeger/Zipkin exporter at,
// unlike the teacher's multi-service backend), and a real OTel counter
// of terminal task outcomes is exported through the OTel Prometheus
// bridge onto the same default registry the orchestrator's
// client_golang histograms already publish to, so both surface on the
// one /metrics endpoint.
func New(enabled bool, rootDir string) (*Provider, error) {
	if !enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return &Provider{}, nil
	}

	spanLogPath := filepath.Join(rootDir, "logs", "spans.jsonl")
	if err := os.MkdirAll(filepath.Dir(spanLogPath), 0o755); err != nil {
		return nil, fmt.Errorf("telemetry: creating span log dir: %w", err)
	}
	spanLog, err := os.OpenFile(spanLogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("telemetry: opening span log: %w", err)
	}

	traceExporter, err := stdouttrace.New(stdouttrace.WithWriter(spanLog), stdouttrace.WithoutTimestamps())
	if err != nil {
		_ = spanLog.Close()
		return nil, fmt.Errorf("telemetry: building span exporter: %w", err)
	}

	res, err := resource.New(context.Background(), resource.WithAttributes(
		semconv.ServiceName("pilotd"),
	))
	if err != nil {
		_ = spanLog.Close()
		return nil, fmt.Errorf("telemetry: building resource: %w", err)
	}

	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tracerProvider)

	metricExporter, err := otelprom.New()
	if err != nil {
		_ = spanLog.Close()
		return nil, fmt.Errorf("telemetry: building metrics exporter: %w", err)
	}
	meterProvider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(metricExporter), sdkmetric.WithResource(res))
	otel.SetMeterProvider(meterProvider)

	meter := meterProvider.Meter("pilotd")
	taskOutcomes, err := meter.Int64Counter(
		"pilotd.orchestrator.task_outcomes_total",
		metric.WithDescription("Terminal ExecuteTask outcomes by status."),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		_ = spanLog.Close()
		return nil, fmt.Errorf("telemetry: building task outcome counter: %w", err)
	}

	return &Provider{
		tracerProvider: tracerProvider,
		meterProvider:  meterProvider,
		spanLog:        spanLog,
		taskOutcomes:   taskOutcomes,
	}, nil
}

// RecordTaskOutcome increments the OTel task-outcome counter. A no-op
// Provider (tracing disabled) drops the call.
func (p *Provider) RecordTaskOutcome(ctx context.Context, status string) {
	if p == nil || p.taskOutcomes == nil {
		return
	}
	p.taskOutcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// Shutdown flushes and stops the registered providers and closes the
// span log file. Safe to call on a disabled (noop) Provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	var firstErr error
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if p.spanLog != nil {
		if err := p.spanLog.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
