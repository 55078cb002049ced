// Package telemetry configures OpenTelemetry tracing for the run
// orchestration engine. Grounded on the host's internal/telemetry
// package: same InitTraceProvider shape (OTLP gRPC exporter, no-op when
// no endpoint is configured), generalized from LLM-call spans to the
// run/tick/tool-call spans this domain actually emits.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "agentmaestro.io/runorchestrator"

// Tracer returns the package-level tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// InitTraceProvider initializes the OTel trace provider with an OTLP
// gRPC exporter. If endpoint is empty, tracing is a no-op. Returns a
// shutdown function to call on exit.
func InitTraceProvider(ctx context.Context, endpoint, version string) (func(context.Context) error, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String("agentmaestro"),
			semconv.ServiceVersionKey.String(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// StartTickSpan creates the span wrapping one Executor.Tick call.
func StartTickSpan(ctx context.Context, runID string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "run.tick",
		trace.WithAttributes(attribute.String("agentmaestro.run_id", runID)),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// EndTickSpan enriches and ends the tick span with its outcome.
func EndTickSpan(span trace.Span, action string) {
	span.SetAttributes(attribute.String("agentmaestro.tick_action", action))
	span.End()
}

// StartRunSpan creates the parent span for an agent run's lifetime.
func StartRunSpan(ctx context.Context, agentID, channel string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "run.lifecycle",
		trace.WithAttributes(
			attribute.String("agentmaestro.agent_id", agentID),
			attribute.String("agentmaestro.channel", channel),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartToolCallSpan creates a child span for a tool-runner round trip.
func StartToolCallSpan(ctx context.Context, toolName, runID string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "toolcall.execute",
		trace.WithAttributes(
			attribute.String("agentmaestro.tool_name", toolName),
			attribute.String("agentmaestro.run_id", runID),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// EndToolCallSpan enriches the tool-call span with its result status.
func EndToolCallSpan(span trace.Span, status string) {
	span.SetAttributes(attribute.String("agentmaestro.tool_call_status", status))
	span.End()
}
