package tracing

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// TracerProvider manages the lifecycle of the OpenTelemetry tracer
type TracerProvider struct {
	tp *sdktrace.TracerProvider
}

// SessionTracer provides spans for replication work
type SessionTracer struct {
	tracer trace.Tracer
}

// NewTracerProvider creates a new OpenTelemetry tracer provider exporting to
// an OTLP/gRPC collector.
func NewTracerProvider(ctx context.Context, serviceName, serviceVersion, nodeID, otlpEndpoint string) (*TracerProvider, error) {
	exporter, err := otlptracegrpc.New(
		ctx,
		otlptracegrpc.WithEndpoint(otlpEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	res, err := resource.New(
		ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(serviceVersion),
			semconv.ServiceNamespaceKey.String("mirador-session"),
			semconv.ServiceInstanceIDKey.String(nodeID),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
	)

	otel.SetTracerProvider(tp)

	return &TracerProvider{tp: tp}, nil
}

// Shutdown flushes pending spans and shuts down the tracer provider
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	return tp.tp.Shutdown(ctx)
}

// NewSessionTracer creates a tracer bound to the global provider
func NewSessionTracer(name string) *SessionTracer {
	return &SessionTracer{tracer: otel.Tracer(name)}
}

// StartStoreSpan starts a span for one replication store call
func (st *SessionTracer) StartStoreSpan(ctx context.Context, backend, operation, key string) (context.Context, trace.Span) {
	return st.tracer.Start(ctx, "session_store."+operation,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("store.backend", backend),
			attribute.String("store.operation", operation),
			attribute.String("session.key", key),
			attribute.String("component", "replication-store"),
		),
	)
}

// StartReplicationSpan starts a span for a session push
func (st *SessionTracer) StartReplicationSpan(ctx context.Context, realID, granularity string, version int64) (context.Context, trace.Span) {
	return st.tracer.Start(ctx, "session_replicate",
		trace.WithAttributes(
			attribute.String("session.id", realID),
			attribute.String("session.granularity", granularity),
			attribute.Int64("session.version", version),
			attribute.String("component", "session-manager"),
		),
	)
}

// StartLoadSpan starts a span for a lazy load or reconciliation
func (st *SessionTracer) StartLoadSpan(ctx context.Context, realID string, reconcile bool) (context.Context, trace.Span) {
	return st.tracer.Start(ctx, "session_load",
		trace.WithAttributes(
			attribute.String("session.id", realID),
			attribute.Bool("session.reconcile", reconcile),
			attribute.String("component", "session-manager"),
		),
	)
}

// RecordResult closes out a span with duration and error status
func (st *SessionTracer) RecordResult(span trace.Span, duration time.Duration, err error) {
	span.SetAttributes(attribute.Int64("duration_ms", duration.Milliseconds()))
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		return
	}
	span.SetStatus(codes.Ok, "")
}

// Global tracer instance
var globalSessionTracer = NewSessionTracer("mirador-session")

// InitGlobalTracer rebinds the global tracer after the provider changed
func InitGlobalTracer(name string) {
	globalSessionTracer = NewSessionTracer(name)
}

// GetGlobalTracer returns the global session tracer
func GetGlobalTracer() *SessionTracer {
	return globalSessionTracer
}
