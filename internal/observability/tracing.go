package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// Tracer wraps the OTLP trace pipeline. With an empty endpoint it degrades
// to a no-op tracer so instrumentation sites need no nil checks.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// TraceConfig configures trace export.
type TraceConfig struct {
	ServiceName    string
	ServiceVersion string
	// Endpoint is the OTLP gRPC collector, e.g. "localhost:4317". Empty
	// disables export.
	Endpoint string
	Insecure bool
}

// NewTracer builds the tracer and returns a shutdown function that flushes
// buffered spans. Export failures fall back to the no-op tracer.
func NewTracer(config TraceConfig) (*Tracer, func(context.Context) error) {
	if config.ServiceName == "" {
		config.ServiceName = "forgeflow"
	}
	noop := func(context.Context) error { return nil }

	if config.Endpoint == "" {
		return &Tracer{tracer: otel.Tracer(config.ServiceName)}, noop
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(config.Endpoint)}
	if config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptrace.New(context.Background(), otlptracegrpc.NewClient(opts...))
	if err != nil {
		return &Tracer{tracer: otel.Tracer(config.ServiceName)}, noop
	}

	res, err := resource.New(context.Background(), resource.WithAttributes(
		semconv.ServiceName(config.ServiceName),
		semconv.ServiceVersion(config.ServiceVersion),
	))
	if err != nil {
		res = resource.Default()
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	t := &Tracer{
		provider: provider,
		tracer:   provider.Tracer(config.ServiceName),
	}
	return t, provider.Shutdown
}

// Start opens a span; the caller must End it.
func (t *Tracer) Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// RecordError marks the span failed with the error message.
func (t *Tracer) RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// TraceAgentPhase opens a span for one phase-agent run.
func (t *Tracer) TraceAgentPhase(ctx context.Context, phase string, issueIID int) (context.Context, trace.Span) {
	return t.Start(ctx, fmt.Sprintf("agent.%s", phase),
		attribute.String("agent.phase", phase),
		attribute.Int("issue.iid", issueIID),
	)
}

// TraceToolCall opens a span for one tool-bridge invocation.
func (t *Tracer) TraceToolCall(ctx context.Context, tool string) (context.Context, trace.Span) {
	return t.Start(ctx, fmt.Sprintf("tool.%s", tool),
		attribute.String("tool.name", tool),
	)
}

// TraceIssue opens a span covering one issue's implementation loop.
func (t *Tracer) TraceIssue(ctx context.Context, issueIID int, branch string) (context.Context, trace.Span) {
	return t.Start(ctx, "issue",
		attribute.Int("issue.iid", issueIID),
		attribute.String("issue.branch", branch),
	)
}

// TraceID returns the active trace ID for log correlation, or "".
func TraceID(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return ""
	}
	return span.SpanContext().TraceID().String()
}
