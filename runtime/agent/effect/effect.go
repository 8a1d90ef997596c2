// Package effect wraps a single non-deterministic call (a planning call, a
// tool call, a discovery call) so that it behaves as exactly one observable
// effect even though it may be attempted several times.
//
// Contract:
//   - A step is identified by api.StepID. Before running anything the
//     executor looks the identity up in the journal; a recorded step returns
//     its recorded value and the operation is not called.
//   - Failures are classified with toolerrors.Classify. Transient failures
//     are retried with exponential backoff up to the policy ceiling; when the
//     ceiling is hit the step is recorded as a failure carrying the policy's
//     exhausted code. Permanent failures are recorded immediately. Fatal
//     failures and caller cancellation are returned without recording.
//   - The record is appended before the value is returned. When another
//     execution of the same step recorded first, its value wins.
package effect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/codes"

	"goa.design/agentloop/runtime/agent/api"
	"goa.design/agentloop/runtime/agent/journal"
	"goa.design/agentloop/runtime/agent/retry"
	"goa.design/agentloop/runtime/agent/telemetry"
	"goa.design/agentloop/runtime/agent/toolerrors"
)

type (
	// Executor runs steps against a journal.
	Executor struct {
		store   journal.Store
		logger  telemetry.Logger
		metrics telemetry.Metrics
		tracer  telemetry.Tracer
		now     func() time.Time
	}

	// Option configures an Executor.
	Option func(*Executor)

	// Policy controls retries for one kind of step.
	Policy struct {
		// Retry is the backoff policy.
		Retry retry.Policy
		// AttemptTimeout bounds a single attempt. A timed out attempt is a
		// transient failure. Zero disables the bound.
		AttemptTimeout time.Duration
		// ExhaustedCode is recorded when transient failures exhaust the retry
		// ceiling.
		ExhaustedCode toolerrors.Code
	}

	// Step describes one side effect of output type T.
	Step[T any] struct {
		// ID is the memoization key.
		ID api.StepID
		// Kind tags the journal record.
		Kind journal.Kind
		// Policy controls retries.
		Policy Policy
		// Run performs the side effect. It may be called several times.
		Run func(ctx context.Context) (T, error)
		// Fail builds the recorded output for a classified failure.
		Fail func(*toolerrors.ToolError) T
	}
)

// ErrFatal wraps failures that abort the turn. They are never recorded.
var ErrFatal = errors.New("fatal step failure")

// WithTelemetry sets the logger, metrics and tracer.
func WithTelemetry(b telemetry.Bundle) Option {
	return func(e *Executor) {
		b = b.WithDefaults()
		e.logger, e.metrics, e.tracer = b.Logger, b.Metrics, b.Tracer
	}
}

// WithClock overrides the clock used to stamp records.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// New returns an Executor recording into store.
func New(store journal.Store, opts ...Option) *Executor {
	b := telemetry.Bundle{}.WithDefaults()
	e := &Executor{
		store:   store,
		logger:  b.Logger,
		metrics: b.Metrics,
		tracer:  b.Tracer,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Execute runs step under the executor's memoization and retry contract.
// The returned error is nil for every recorded outcome (including recorded
// failures, which live in the output). It is api.ErrTurnCanceled when the
// step was previously canceled, a context error when ctx ended first, or an
// error wrapping ErrFatal.
func Execute[T any](ctx context.Context, e *Executor, step Step[T]) (T, error) {
	var zero T
	if err := step.ID.Validate(); err != nil {
		return zero, fmt.Errorf("%w: %w", ErrFatal, err)
	}
	key := step.ID.String()

	if out, found, err := lookup[T](ctx, e, step.ID.SessionID, key); err != nil || found {
		if found {
			e.logger.Debug(ctx, "step replayed from journal", "step", key, "kind", string(step.Kind))
		}
		return out, err
	}

	ctx, span := e.tracer.Start(ctx, "effect."+string(step.Kind))
	defer span.End()
	span.AddEvent("step", "id", key)

	started := time.Now()
	var (
		out     T
		attempt int
	)
	err := retry.Do(ctx, step.Policy.Retry, retryable, func(ctx context.Context, n int) error {
		attempt = n
		e.metrics.IncCounter("agentloop.effect.attempts", 1, "kind", string(step.Kind))
		actx, cancel := withOptionalTimeout(ctx, step.Policy.AttemptTimeout)
		defer cancel()
		res, err := step.Run(actx)
		if err != nil {
			// A deadline on the attempt context (not on the caller's) is a
			// timed out attempt.
			if ctx.Err() == nil && actx.Err() != nil {
				err = toolerrors.Wrap(toolerrors.CodeRemoteUnavailable, toolerrors.KindTransient, "attempt timed out", err)
			}
			e.logger.Debug(ctx, "step attempt failed", "step", key, "attempt", n, "err", err)
			return err
		}
		out = res
		return nil
	})
	e.metrics.RecordTimer("agentloop.effect.duration", time.Since(started), "kind", string(step.Kind))

	status := journal.StatusSucceeded
	if err != nil {
		if ctx.Err() != nil {
			// Cancellation or shutdown: the step is treated as never having
			// happened.
			return zero, ctx.Err()
		}
		var exhausted *retry.ExhaustedError
		te := toolerrors.Classify(err)
		switch {
		case errors.As(err, &exhausted):
			code := step.Policy.ExhaustedCode
			if code == "" {
				code = toolerrors.CodeRemoteUnavailable
			}
			te = toolerrors.Wrap(code, toolerrors.KindPermanent,
				fmt.Sprintf("gave up after %d attempts: %s", exhausted.Attempts, toolerrors.Classify(exhausted.LastError).Message),
				exhausted.LastError)
		case te.Kind == toolerrors.KindFatal:
			span.SetStatus(codes.Error, te.Message)
			span.RecordError(err)
			e.logger.Error(ctx, "step failed fatally", "step", key, "attempt", attempt, "err", err)
			return zero, fmt.Errorf("%w: step %s: %w", ErrFatal, key, err)
		}
		span.SetStatus(codes.Error, te.Message)
		e.logger.Warn(ctx, "step failed", "step", key, "code", string(te.Code), "attempts", attempt, "message", te.Message)
		out = step.Fail(te)
		status = journal.StatusFailed
	}
	return record(ctx, e, step, key, status, out)
}

// MarkCanceled records that step id was aborted by a turn cancel. When the
// step already has a record, that record wins and found reports true.
func (e *Executor) MarkCanceled(ctx context.Context, id api.StepID, kind journal.Kind) (found bool, err error) {
	rec := &journal.Record{
		SessionID:  id.SessionID,
		Key:        id.String(),
		Kind:       kind,
		Status:     journal.StatusCanceled,
		RecordedAt: e.now(),
	}
	err = e.store.Append(ctx, rec)
	if errors.Is(err, journal.ErrDuplicate) {
		return true, nil
	}
	return false, err
}

// Recorded reports whether id already has a journal record.
func (e *Executor) Recorded(ctx context.Context, id api.StepID) (bool, error) {
	_, err := e.store.Lookup(ctx, id.SessionID, id.String())
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, journal.ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

func record[T any](ctx context.Context, e *Executor, step Step[T], key string, status journal.Status, out T) (T, error) {
	var zero T
	payload, err := json.Marshal(out)
	if err != nil {
		return zero, fmt.Errorf("%w: encode step %s: %w", ErrFatal, key, err)
	}
	rec := &journal.Record{
		SessionID:  step.ID.SessionID,
		Key:        key,
		Kind:       step.Kind,
		Status:     status,
		Payload:    payload,
		RecordedAt: e.now(),
	}
	err = e.store.Append(ctx, rec)
	if errors.Is(err, journal.ErrDuplicate) {
		e.logger.Info(ctx, "step recorded concurrently, using recorded value", "step", key)
		recorded, found, lerr := lookup[T](ctx, e, step.ID.SessionID, key)
		if lerr != nil {
			return zero, lerr
		}
		if !found {
			return zero, fmt.Errorf("%w: step %s reported duplicate but is missing", ErrFatal, key)
		}
		return recorded, nil
	}
	if err != nil {
		// The journal is the source of truth; an unrecorded result must not
		// be observed.
		return zero, fmt.Errorf("%w: record step %s: %w", ErrFatal, key, err)
	}
	return out, nil
}

func lookup[T any](ctx context.Context, e *Executor, sessionID, key string) (T, bool, error) {
	var out T
	rec, err := e.store.Lookup(ctx, sessionID, key)
	if errors.Is(err, journal.ErrNotFound) {
		return out, false, nil
	}
	if err != nil {
		return out, false, fmt.Errorf("%w: lookup step %s: %w", ErrFatal, key, err)
	}
	if rec.Status == journal.StatusCanceled {
		return out, true, api.ErrTurnCanceled
	}
	if err := json.Unmarshal(rec.Payload, &out); err != nil {
		return out, false, fmt.Errorf("%w: decode step %s: %w", ErrFatal, key, err)
	}
	return out, true, nil
}

func retryable(err error) bool {
	return toolerrors.Classify(err).Retryable()
}

func withOptionalTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
