package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"goa.design/clue/log"
)

// instrumentationName scopes meters and tracers created by this package.
const instrumentationName = "goa.design/agentloop"

type (
	// ClueLogger writes through goa.design/clue/log. Format and debug settings
	// come from the context (log.Context, log.WithFormat, log.WithDebug).
	// When base is set its clue logger is used for every line, so contexts
	// created by the engine (workflow and activity contexts) still log.
	ClueLogger struct {
		base context.Context
	}

	// ClueMetrics records instruments on the global OpenTelemetry meter.
	ClueMetrics struct {
		meter metric.Meter
	}

	// ClueTracer starts spans on the global OpenTelemetry tracer.
	ClueTracer struct {
		tracer trace.Tracer
	}

	clueSpan struct {
		span trace.Span
	}
)

// NewClueLogger returns a Logger delegating to clue. base may be nil, in
// which case the logging context must be carried by each call's ctx.
func NewClueLogger(base context.Context) Logger { return ClueLogger{base: base} }

// NewClueMetrics returns a Metrics recorder using otel.Meter. Configure the
// global MeterProvider before recording.
func NewClueMetrics() Metrics {
	return &ClueMetrics{meter: otel.Meter(instrumentationName)}
}

// NewClueTracer returns a Tracer using otel.Tracer.
func NewClueTracer() Tracer {
	return &ClueTracer{tracer: otel.Tracer(instrumentationName)}
}

func (l ClueLogger) Debug(ctx context.Context, msg string, keyvals ...any) {
	log.Debug(l.context(ctx), fielders(msg, keyvals)...)
}

func (l ClueLogger) Info(ctx context.Context, msg string, keyvals ...any) {
	log.Info(l.context(ctx), fielders(msg, keyvals)...)
}

func (l ClueLogger) Warn(ctx context.Context, msg string, keyvals ...any) {
	log.Warn(l.context(ctx), fielders(msg, keyvals)...)
}

// Error logs at error level. An "err" key holding an error value is passed to
// clue as the error so it renders in the dedicated field.
func (l ClueLogger) Error(ctx context.Context, msg string, keyvals ...any) {
	var err error
	rest := make([]any, 0, len(keyvals))
	for i := 0; i < len(keyvals); i += 2 {
		if k, ok := keyvals[i].(string); ok && k == "err" && i+1 < len(keyvals) {
			if e, ok := keyvals[i+1].(error); ok {
				err = e
				continue
			}
		}
		rest = append(rest, keyvals[i])
		if i+1 < len(keyvals) {
			rest = append(rest, keyvals[i+1])
		}
	}
	log.Error(l.context(ctx), err, fielders(msg, rest)...)
}

func (l ClueLogger) context(ctx context.Context) context.Context {
	if l.base == nil {
		return ctx
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return log.WithContext(ctx, l.base)
}

func (m *ClueMetrics) IncCounter(name string, value float64, tags ...string) {
	counter, err := m.meter.Float64Counter(name)
	if err != nil {
		return
	}
	counter.Add(context.Background(), value, metric.WithAttributes(tagAttrs(tags)...))
}

// RecordTimer records duration in seconds on a histogram named name.
func (m *ClueMetrics) RecordTimer(name string, duration time.Duration, tags ...string) {
	hist, err := m.meter.Float64Histogram(name, metric.WithUnit("s"))
	if err != nil {
		return
	}
	hist.Record(context.Background(), duration.Seconds(), metric.WithAttributes(tagAttrs(tags)...))
}

func (t *ClueTracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span) {
	ctx, span := t.tracer.Start(ctx, name, opts...)
	return ctx, &clueSpan{span: span}
}

func (s *clueSpan) End(opts ...trace.SpanEndOption) { s.span.End(opts...) }

func (s *clueSpan) AddEvent(name string, attrs ...any) {
	s.span.AddEvent(name, trace.WithAttributes(kvAttrs(attrs)...))
}

func (s *clueSpan) SetStatus(code codes.Code, description string) {
	s.span.SetStatus(code, description)
}

func (s *clueSpan) RecordError(err error, opts ...trace.EventOption) {
	s.span.RecordError(err, opts...)
}

// fielders turns msg and alternating keyvals into clue fielders. Entries with
// a non-string key are dropped.
func fielders(msg string, keyvals []any) []log.Fielder {
	fs := make([]log.Fielder, 0, 1+len(keyvals)/2)
	fs = append(fs, log.KV{K: "msg", V: msg})
	for i := 0; i < len(keyvals); i += 2 {
		k, ok := keyvals[i].(string)
		if !ok {
			continue
		}
		var v any
		if i+1 < len(keyvals) {
			v = keyvals[i+1]
		}
		fs = append(fs, log.KV{K: k, V: v})
	}
	return fs
}

func tagAttrs(tags []string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(tags)/2)
	for i := 0; i+1 < len(tags); i += 2 {
		attrs = append(attrs, attribute.String(tags[i], tags[i+1]))
	}
	return attrs
}

func kvAttrs(keyvals []any) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(keyvals)/2)
	for i := 0; i+1 < len(keyvals); i += 2 {
		k, ok := keyvals[i].(string)
		if !ok {
			continue
		}
		switch v := keyvals[i+1].(type) {
		case string:
			attrs = append(attrs, attribute.String(k, v))
		case int:
			attrs = append(attrs, attribute.Int(k, v))
		case int64:
			attrs = append(attrs, attribute.Int64(k, v))
		case bool:
			attrs = append(attrs, attribute.Bool(k, v))
		case float64:
			attrs = append(attrs, attribute.Float64(k, v))
		default:
			attrs = append(attrs, attribute.String(k, fmt.Sprint(v)))
		}
	}
	return attrs
}
