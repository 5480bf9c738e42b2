// Package telemetry wraps OpenTelemetry tracing behind a small interface so
// the kernel's Step/Phase/session lifecycle can be traced without coupling
// every caller to the otel SDK directly. A Phase span is the parent of its
// Steps' spans; a session span (opened by the Orchestrator) is the parent of
// every Phase span it runs.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// instrumentationName is the OTEL instrumentation scope for every span this
// package creates.
const instrumentationName = "deepresearch"

// Tracer starts spans. Implementations must be safe for concurrent use, since
// Steps in the same wave are started from concurrent goroutines.
type Tracer interface {
	Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, Span)
}

// Span is an in-flight trace span.
type Span interface {
	End()
	RecordError(err error)
	SetAttributes(attrs ...attribute.KeyValue)
}

// otelTracer delegates to the global OTEL TracerProvider. Configure the
// provider (via go.opentelemetry.io/otel's SetTracerProvider, typically
// through goa.design/clue's OpenTelemetry setup) before constructing one.
type otelTracer struct {
	tracer trace.Tracer
}

// NewOTelTracer constructs a Tracer backed by the global OTEL TracerProvider.
func NewOTelTracer() Tracer {
	return &otelTracer{tracer: otel.Tracer(instrumentationName)}
}

func (t *otelTracer) Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, Span) {
	newCtx, span := t.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
	return newCtx, &otelSpan{span: span}
}

type otelSpan struct {
	span trace.Span
}

func (s *otelSpan) End() { s.span.End() }

func (s *otelSpan) RecordError(err error) {
	if err == nil {
		return
	}
	s.span.RecordError(err)
	s.span.SetStatus(codes.Error, err.Error())
}

func (s *otelSpan) SetAttributes(attrs ...attribute.KeyValue) {
	s.span.SetAttributes(attrs...)
}

// noopTracer discards every span. Used when tracing is not configured, so
// callers never need a nil check.
type noopTracer struct{}

// NewNoopTracer constructs a Tracer that creates no-op spans.
func NewNoopTracer() Tracer {
	return noopTracer{}
}

func (noopTracer) Start(ctx context.Context, _ string, _ ...attribute.KeyValue) (context.Context, Span) {
	return ctx, noopSpan{}
}

type noopSpan struct{}

func (noopSpan) End()                               {}
func (noopSpan) RecordError(error)                  {}
func (noopSpan) SetAttributes(...attribute.KeyValue) {}
