package temporal

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/log"
)

type ctxKey struct{}

type logLine struct {
	level   string
	ctx     context.Context
	msg     string
	keyvals []any
}

type recordingLogger struct{ lines []logLine }

func (r *recordingLogger) Debug(ctx context.Context, msg string, kv ...any) {
	r.lines = append(r.lines, logLine{"debug", ctx, msg, kv})
}

func (r *recordingLogger) Info(ctx context.Context, msg string, kv ...any) {
	r.lines = append(r.lines, logLine{"info", ctx, msg, kv})
}

func (r *recordingLogger) Warn(ctx context.Context, msg string, kv ...any) {
	r.lines = append(r.lines, logLine{"warn", ctx, msg, kv})
}

func (r *recordingLogger) Error(ctx context.Context, msg string, kv ...any) {
	r.lines = append(r.lines, logLine{"error", ctx, msg, kv})
}

func TestSDKLoggerForwardsWithContextAndFields(t *testing.T) {
	rec := &recordingLogger{}
	ctx := context.WithValue(context.Background(), ctxKey{}, "clue")
	l := NewLogger(ctx, rec)

	l.Info("worker started", "queue", "sessions")
	withLogger, ok := l.(log.WithLogger)
	require.True(t, ok)
	scoped := withLogger.With("workflow", "s1")
	scoped.Warn("task failed", "attempt", 2)
	scoped.Error("panic")

	require.Len(t, rec.lines, 3)
	assert.Equal(t, "info", rec.lines[0].level)
	assert.Equal(t, []any{"queue", "sessions"}, rec.lines[0].keyvals)
	assert.Equal(t, "clue", rec.lines[0].ctx.Value(ctxKey{}))
	assert.Equal(t, []any{"workflow", "s1", "attempt", 2}, rec.lines[1].keyvals)
	assert.Equal(t, []any{"workflow", "s1"}, rec.lines[2].keyvals)
}

func TestNewLoggerDefaults(t *testing.T) {
	//nolint:staticcheck // nil context is the case under test
	l := NewLogger(nil, nil)
	assert.NotPanics(t, func() { l.Debug("ignored") })
}
