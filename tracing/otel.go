// Package tracing provides OpenTelemetry tracing for locking and publishing.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Tracer defines the interface for distributed tracing.
type Tracer interface {
	// StartLockOp starts a span for a lock manager operation such as acquire or release.
	StartLockOp(ctx context.Context, op, owner string, targets int) (context.Context, Span)

	// StartPublish starts a span for handing one event to a broker session.
	StartPublish(ctx context.Context, sessionKey, topic, eventID string) (context.Context, Span)

	// StartBridgePhase starts a span for a transaction bridge transition.
	StartBridgePhase(ctx context.Context, sessionKey, phase string) (context.Context, Span)
}

// Span represents an active tracing span.
type Span interface {
	// End completes the span.
	End()

	// SetError marks the span as having an error.
	SetError(err error)

	// SetStatus sets the span status.
	SetStatus(code codes.Code, description string)

	// SetAttributes adds attributes to the span.
	SetAttributes(attrs ...attribute.KeyValue)

	// AddEvent adds an event to the span.
	AddEvent(name string, attrs ...attribute.KeyValue)
}

// OTelTracer implements Tracer using OpenTelemetry.
type OTelTracer struct {
	tracer trace.Tracer
}

// Config holds configuration for OTelTracer.
type Config struct {
	// ServiceName is the name of the service for tracing.
	ServiceName string
	// TracerProvider is the OpenTelemetry tracer provider. If nil, the global provider is used.
	TracerProvider trace.TracerProvider
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		ServiceName:    "catlock",
		TracerProvider: nil,
	}
}

// NewOTelTracer creates a new OTelTracer with the given configuration.
func NewOTelTracer(cfg Config) *OTelTracer {
	var tp trace.TracerProvider
	if cfg.TracerProvider != nil {
		tp = cfg.TracerProvider
	} else {
		tp = otel.GetTracerProvider()
	}

	return &OTelTracer{
		tracer: tp.Tracer(cfg.ServiceName),
	}
}

// StartLockOp starts a span named "lock.<op>".
func (t *OTelTracer) StartLockOp(ctx context.Context, op, owner string, targets int) (context.Context, Span) {
	ctx, span := t.tracer.Start(ctx, "lock."+op,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("lock.owner", owner),
			attribute.Int("lock.targets", targets),
		),
	)
	return ctx, &otelSpan{span: span}
}

// StartPublish starts a producer span for one event.
func (t *OTelTracer) StartPublish(ctx context.Context, sessionKey, topic, eventID string) (context.Context, Span) {
	ctx, span := t.tracer.Start(ctx, "event.send",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", topic),
			attribute.String("event.id", eventID),
			attribute.String("session.key", sessionKey),
		),
	)
	return ctx, &otelSpan{span: span}
}

// StartBridgePhase starts a span named "bridge.<phase>".
func (t *OTelTracer) StartBridgePhase(ctx context.Context, sessionKey, phase string) (context.Context, Span) {
	ctx, span := t.tracer.Start(ctx, "bridge."+phase,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("session.key", sessionKey),
		),
	)
	return ctx, &otelSpan{span: span}
}

// otelSpan wraps an OpenTelemetry span.
type otelSpan struct {
	span trace.Span
}

func (s *otelSpan) End() {
	s.span.End()
}

func (s *otelSpan) SetError(err error) {
	if err != nil {
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, err.Error())
	}
}

func (s *otelSpan) SetStatus(code codes.Code, description string) {
	s.span.SetStatus(code, description)
}

func (s *otelSpan) SetAttributes(attrs ...attribute.KeyValue) {
	s.span.SetAttributes(attrs...)
}

func (s *otelSpan) AddEvent(name string, attrs ...attribute.KeyValue) {
	s.span.AddEvent(name, trace.WithAttributes(attrs...))
}

// NoopTracer is a no-op implementation of Tracer for testing or when tracing is disabled.
type NoopTracer struct{}

var _ Tracer = (*NoopTracer)(nil)

func (n *NoopTracer) StartLockOp(ctx context.Context, op, owner string, targets int) (context.Context, Span) {
	return ctx, &noopSpan{}
}

func (n *NoopTracer) StartPublish(ctx context.Context, sessionKey, topic, eventID string) (context.Context, Span) {
	return ctx, &noopSpan{}
}

func (n *NoopTracer) StartBridgePhase(ctx context.Context, sessionKey, phase string) (context.Context, Span) {
	return ctx, &noopSpan{}
}

// noopSpan is a no-op span implementation.
type noopSpan struct{}

func (s *noopSpan) End()                                              {}
func (s *noopSpan) SetError(err error)                                {}
func (s *noopSpan) SetStatus(code codes.Code, description string)     {}
func (s *noopSpan) SetAttributes(attrs ...attribute.KeyValue)         {}
func (s *noopSpan) AddEvent(name string, attrs ...attribute.KeyValue) {}
