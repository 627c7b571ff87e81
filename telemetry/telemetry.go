// Package telemetry defines the ambient logging, metrics, and tracing
// interfaces used throughout the task execution core. Implementations
// delegate to goa.design/clue and OpenTelemetry; tests use the no-op
// implementations. This is deliberately separate from the domain-level
// Trace Logger (see package trace), which persists structured TraceSpan/event
// trees on TaskResult — telemetry is for cross-process observability, trace
// is for the replayable decision record.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	otrace "go.opentelemetry.io/otel/trace"
)

// Logger captures structured logging used throughout the core. The interface
// is intentionally small so tests can provide lightweight stubs.
type Logger interface {
	Debug(ctx context.Context, msg string, keyvals ...any)
	Info(ctx context.Context, msg string, keyvals ...any)
	Warn(ctx context.Context, msg string, keyvals ...any)
	Error(ctx context.Context, msg string, keyvals ...any)
}

// Metrics exposes counter, timer, and gauge helpers for runtime
// instrumentation (budget deductions, state transitions, tool latencies).
type Metrics interface {
	IncCounter(name string, value float64, tags ...string)
	RecordTimer(name string, duration time.Duration, tags ...string)
	RecordGauge(name string, value float64, tags ...string)
}

// Tracer abstracts OTEL span creation so executor/planner/crew code stays
// agnostic of the concrete provider.
type Tracer interface {
	Start(ctx context.Context, name string, opts ...otrace.SpanStartOption) (context.Context, Span)
}

// Span represents an in-flight OTEL span.
type Span interface {
	End(opts ...otrace.SpanEndOption)
	AddEvent(name string, attrs ...any)
	SetStatus(code codes.Code, description string)
	RecordError(err error, opts ...otrace.EventOption)
}
