// Package telemetry provides the logging, metrics, and tracing seams used by
// the kernel. Implementations delegate to Clue logging and OpenTelemetry; the
// interfaces are intentionally small so tests can provide lightweight stubs.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Logger captures structured logging used throughout the kernel. The hub logs
// listener failures through it, stores log durability errors, and attachments
// log render failures. Implementations must be safe for concurrent use.
type Logger interface {
	Debug(ctx context.Context, msg string, keyvals ...any)
	Info(ctx context.Context, msg string, keyvals ...any)
	Warn(ctx context.Context, msg string, keyvals ...any)
	Error(ctx context.Context, msg string, keyvals ...any)
}

// Metrics exposes counter and histogram helpers for kernel instrumentation:
// signals emitted and dispatched, provider run durations, replay hits.
type Metrics interface {
	IncCounter(name string, value float64, tags ...string)
	RecordTimer(name string, duration time.Duration, tags ...string)
	RecordGauge(name string, value float64, tags ...string)
}

// Tracer abstracts span creation so kernel code stays agnostic of the
// underlying OpenTelemetry provider. Provider runs and workflow phases each
// get a span.
type Tracer interface {
	Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
	Span(ctx context.Context) Span
}

// Span represents an in-flight tracing span.
type Span interface {
	End(opts ...trace.SpanEndOption)
	AddEvent(name string, attrs ...any)
	SetStatus(code codes.Code, description string)
	RecordError(err error, opts ...trace.EventOption)
}

// ProviderTelemetry captures observability metadata collected during a
// provider run. It rides along on provider:end payloads for cost tracking and
// performance dashboards.
type ProviderTelemetry struct {
	// DurationMs is the wall-clock run time in milliseconds.
	DurationMs int64
	// TokensUsed is the total tokens consumed by the run.
	TokensUsed int
	// Model identifies the model that served the run.
	Model string
	// Replayed reports whether the run was served from a recording.
	Replayed bool
	// Extra holds provider-specific metadata not captured by common fields.
	Extra map[string]any
}
