package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// The noop implementations back runtimes built without WithLogger /
// WithMetrics / WithTracer options. Every method discards its input, so the
// fabric never has to nil-check its telemetry handles.

// NewNoopLogger returns a Logger that drops every message.
func NewNoopLogger() Logger { return NoopLogger{} }

// NewNoopMetrics returns a Metrics recorder that drops every measurement.
func NewNoopMetrics() Metrics { return NoopMetrics{} }

// NewNoopTracer returns a Tracer whose spans record nothing.
func NewNoopTracer() Tracer { return NoopTracer{} }

// NoopLogger discards all log output.
type NoopLogger struct{}

func (NoopLogger) Debug(context.Context, string, ...any) {}
func (NoopLogger) Info(context.Context, string, ...any)  {}
func (NoopLogger) Warn(context.Context, string, ...any)  {}
func (NoopLogger) Error(context.Context, string, ...any) {}

// NoopMetrics discards all measurements.
type NoopMetrics struct{}

func (NoopMetrics) IncCounter(string, float64, ...string)        {}
func (NoopMetrics) RecordTimer(string, time.Duration, ...string) {}
func (NoopMetrics) RecordGauge(string, float64, ...string)       {}

// NoopTracer hands out inert spans and leaves the context untouched.
type NoopTracer struct{}

func (NoopTracer) Start(ctx context.Context, _ string, _ ...trace.SpanStartOption) (context.Context, Span) {
	return ctx, noopSpan{}
}

func (NoopTracer) Span(context.Context) Span { return noopSpan{} }

type noopSpan struct{}

func (noopSpan) End(...trace.SpanEndOption)              {}
func (noopSpan) AddEvent(string, ...any)                 {}
func (noopSpan) SetStatus(codes.Code, string)            {}
func (noopSpan) RecordError(error, ...trace.EventOption) {}
