// Package telemetry defines the logging, metrics and tracing seams used by the
// orchestrator, the side-effect executor and the tool gateway. Production code
// wires the Clue/OpenTelemetry implementations; tests use the noop variants.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type (
	// Logger emits structured log lines. keyvals alternate string keys and
	// arbitrary values.
	Logger interface {
		Debug(ctx context.Context, msg string, keyvals ...any)
		Info(ctx context.Context, msg string, keyvals ...any)
		Warn(ctx context.Context, msg string, keyvals ...any)
		Error(ctx context.Context, msg string, keyvals ...any)
	}

	// Metrics records counters and latency histograms. tags alternate keys and
	// values.
	Metrics interface {
		IncCounter(name string, value float64, tags ...string)
		RecordTimer(name string, duration time.Duration, tags ...string)
	}

	// Tracer starts spans around side effects and remote calls.
	Tracer interface {
		Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
	}

	// Span is an in-flight tracing span.
	Span interface {
		End(opts ...trace.SpanEndOption)
		AddEvent(name string, attrs ...any)
		SetStatus(code codes.Code, description string)
		RecordError(err error, opts ...trace.EventOption)
	}

	// Bundle groups the three instrumentation seams so components can accept a
	// single value. Nil members are replaced by noop implementations in
	// WithDefaults.
	Bundle struct {
		Logger  Logger
		Metrics Metrics
		Tracer  Tracer
	}
)

// WithDefaults returns a copy of b where every nil member is replaced by its
// noop implementation.
func (b Bundle) WithDefaults() Bundle {
	if b.Logger == nil {
		b.Logger = NewNoopLogger()
	}
	if b.Metrics == nil {
		b.Metrics = NewNoopMetrics()
	}
	if b.Tracer == nil {
		b.Tracer = NewNoopTracer()
	}
	return b
}

// NewClueBundle returns a Bundle backed by Clue logging and the global
// OpenTelemetry providers. base carries the clue logger, see NewClueLogger.
func NewClueBundle(base context.Context) Bundle {
	return Bundle{
		Logger:  NewClueLogger(base),
		Metrics: NewClueMetrics(),
		Tracer:  NewClueTracer(),
	}
}
