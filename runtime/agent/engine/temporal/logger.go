package temporal

import (
	"context"

	"go.temporal.io/sdk/log"

	"goa.design/agentloop/runtime/agent/telemetry"
)

// sdkLogger routes Temporal SDK logs to a telemetry.Logger.
type sdkLogger struct {
	ctx    context.Context
	logger telemetry.Logger
	fields []any
}

// NewLogger adapts l to the Temporal SDK logger interface. ctx is passed to
// every call; with a clue logger it must carry the log.Context setup.
func NewLogger(ctx context.Context, l telemetry.Logger) log.Logger {
	if ctx == nil {
		ctx = context.Background()
	}
	if l == nil {
		l = telemetry.NewNoopLogger()
	}
	return &sdkLogger{ctx: ctx, logger: l}
}

func (s *sdkLogger) Debug(msg string, keyvals ...any) {
	s.logger.Debug(s.ctx, msg, s.with(keyvals)...)
}

func (s *sdkLogger) Info(msg string, keyvals ...any) {
	s.logger.Info(s.ctx, msg, s.with(keyvals)...)
}

func (s *sdkLogger) Warn(msg string, keyvals ...any) {
	s.logger.Warn(s.ctx, msg, s.with(keyvals)...)
}

func (s *sdkLogger) Error(msg string, keyvals ...any) {
	s.logger.Error(s.ctx, msg, s.with(keyvals)...)
}

// With implements log.WithLogger.
func (s *sdkLogger) With(keyvals ...any) log.Logger {
	return &sdkLogger{ctx: s.ctx, logger: s.logger, fields: s.with(keyvals)}
}

func (s *sdkLogger) with(keyvals []any) []any {
	if len(s.fields) == 0 {
		return keyvals
	}
	out := make([]any, 0, len(s.fields)+len(keyvals))
	out = append(out, s.fields...)
	return append(out, keyvals...)
}
