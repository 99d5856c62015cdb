package telemetry

import (
	"context"

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

// Tracer wraps an OpenTelemetry tracer scoped to one execution's pipeline,
// with span helpers for spawn, persist and settle; normalization has no
// span of its own (SPEC_FULL.md DOMAIN STACK).
// Grounded on internal/observability/tracing.go's NewTracer/Start/WithSpan
// shape, trimmed to the span helpers this repository's pipeline needs.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// TraceConfig configures OTLP export. An empty Endpoint yields a no-op
// tracer, matching internal/observability/tracing.go's opt-in behavior.
type TraceConfig struct {
	ServiceName    string
	Endpoint       string
	SampleRatio    float64
	EnableInsecure bool
}

// NewTracer builds a Tracer and a shutdown func that must be called on
// process exit. On any setup failure it falls back to a no-op tracer
// rather than failing startup.
func NewTracer(cfg TraceConfig) (*Tracer, func(context.Context) error) {
	if cfg.Endpoint == "" {
		return &Tracer{tracer: otel.Tracer(cfg.ServiceName)}, func(context.Context) error { return nil }
	}
	if cfg.SampleRatio == 0 {
		cfg.SampleRatio = 1.0
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "issue-orchestrator"
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.EnableInsecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptrace.New(context.Background(), otlptracegrpc.NewClient(opts...))
	if err != nil {
		return &Tracer{tracer: otel.Tracer(cfg.ServiceName)}, func(context.Context) error { return nil }
	}

	res, err := resource.New(context.Background(), resource.WithAttributes(
		semconv.ServiceName(cfg.ServiceName),
	))
	if err != nil {
		res = resource.Default()
	}

	var sampler sdktrace.Sampler
	switch {
	case cfg.SampleRatio >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case cfg.SampleRatio <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRatio)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))

	return &Tracer{provider: provider, tracer: provider.Tracer(cfg.ServiceName)}, provider.Shutdown
}

// Start opens a span with the given name and attributes.
func (t *Tracer) Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// RecordError marks span as failed and records err, if non-nil.
func (t *Tracer) RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// TraceSpawn opens a span covering one execution's spawn call.
func (t *Tracer) TraceSpawn(ctx context.Context, issueID, engineType string) (context.Context, trace.Span) {
	return t.Start(ctx, "engine.spawn",
		attribute.String("issue_id", issueID),
		attribute.String("engine", engineType),
	)
}

// TracePersist opens a span covering one log entry's persistence call.
func (t *Tracer) TracePersist(ctx context.Context, issueID string) (context.Context, trace.Span) {
	return t.Start(ctx, "storage.persist_log_entry", attribute.String("issue_id", issueID))
}

// TraceSettle opens a span covering execution settlement.
func (t *Tracer) TraceSettle(ctx context.Context, issueID, status string) (context.Context, trace.Span) {
	return t.Start(ctx, "engine.settle",
		attribute.String("issue_id", issueID),
		attribute.String("status", status),
	)
}
