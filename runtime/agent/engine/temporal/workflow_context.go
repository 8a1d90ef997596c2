package temporal

// workflow_context.go adapts a Temporal workflow.Context to
// engine.WorkflowContext.
//
// Contract:
// - The Go context returned by Context is canceled when the workflow is
//   canceled. It is canceled from a workflow coroutine, so observing it is
//   deterministic.
// - A cancel signal cancels the activity or Nexus operation in flight and
//   marks the turn canceled; a step started while the mark is set fails
//   immediately with api.ErrTurnCanceled.
// - Update handlers get their own WorkflowContext bound to the update's
//   workflow.Context.

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"goa.design/agentloop/runtime/agent/api"
	"goa.design/agentloop/runtime/agent/effect"
	"goa.design/agentloop/runtime/agent/engine"
	"goa.design/agentloop/runtime/agent/retry"
	"goa.design/agentloop/runtime/agent/telemetry"
	"goa.design/agentloop/runtime/agent/toolerrors"
)

type (
	workflowContext struct {
		engine     *Engine
		ctx        workflow.Context
		workflowID string
		// session is shared between the main context and the contexts given
		// to update handlers.
		session *sessionState
	}

	sessionState struct {
		goCtx         context.Context
		cancelGo      context.CancelFunc
		onClose       []func()
		closeStarted  bool
		cancelPending bool
		inflight      workflow.CancelFunc
	}

	// replayLogger drops log lines while the workflow replays history.
	replayLogger struct {
		ctx    workflow.Context
		logger telemetry.Logger
	}

	signalReceiver[T any] struct {
		ch workflow.ReceiveChannel
	}
)

func newWorkflowContext(e *Engine, tctx workflow.Context) *workflowContext {
	goCtx, cancel := context.WithCancel(context.Background())
	w := &workflowContext{
		engine:     e,
		ctx:        tctx,
		workflowID: workflow.GetInfo(tctx).WorkflowExecution.ID,
		session:    &sessionState{goCtx: goCtx, cancelGo: cancel},
	}
	workflow.Go(tctx, func(gctx workflow.Context) {
		gctx.Done().Receive(gctx, nil)
		cancel()
	})
	workflow.Go(tctx, func(gctx workflow.Context) {
		ch := workflow.GetSignalChannel(gctx, api.CancelSignal)
		for gctx.Err() == nil {
			ch.Receive(gctx, nil)
			if gctx.Err() != nil {
				return
			}
			w.session.cancelPending = true
			if w.session.inflight != nil {
				w.session.inflight()
			}
		}
	})
	return w
}

func (w *workflowContext) release() { w.session.cancelGo() }

// bound returns a context for an update handler running on hctx.
func (w *workflowContext) bound(hctx workflow.Context) *workflowContext {
	return &workflowContext{engine: w.engine, ctx: hctx, workflowID: w.workflowID, session: w.session}
}

func (w *workflowContext) Context() context.Context { return w.session.goCtx }

func (w *workflowContext) WorkflowID() string { return w.workflowID }

func (w *workflowContext) Logger() telemetry.Logger {
	return replayLogger{ctx: w.ctx, logger: w.engine.logger}
}

func (w *workflowContext) Now() time.Time { return workflow.Now(w.ctx) }

func (w *workflowContext) Await(ctx context.Context, condition func() bool) error {
	if condition == nil {
		return errors.New("await condition is required")
	}
	if err := workflow.Await(w.ctx, func() bool { return condition() || ctx.Err() != nil }); err != nil {
		return err
	}
	if condition() {
		return nil
	}
	return ctx.Err()
}

func (w *workflowContext) SetQueryHandler(name string, handler any) error {
	return workflow.SetQueryHandler(w.ctx, name, handler)
}

func (w *workflowContext) SetSubmitHandler(h engine.SubmitHandler) error {
	if h == nil {
		return errors.New("submit handler is required")
	}
	return workflow.SetUpdateHandlerWithOptions(w.ctx, api.SubmitUpdate,
		func(uctx workflow.Context, sub api.Submission) (*api.Reply, error) {
			reply, err := h(w.bound(uctx), sub)
			if err != nil {
				return nil, toApplicationError(err)
			}
			return reply, nil
		},
		workflow.UpdateHandlerOptions{
			Validator: func(_ workflow.Context, sub api.Submission) error {
				if sub.ID == "" {
					return errors.New("submission id is required")
				}
				return nil
			},
		},
	)
}

func (w *workflowContext) OnClose(fn func()) {
	s := w.session
	s.onClose = append(s.onClose, fn)
	if s.closeStarted {
		return
	}
	s.closeStarted = true
	workflow.Go(w.ctx, func(gctx workflow.Context) {
		ch := workflow.GetSignalChannel(gctx, api.CloseSignal)
		ch.Receive(gctx, nil)
		if gctx.Err() != nil {
			return
		}
		for _, f := range s.onClose {
			f()
		}
	})
}

func (w *workflowContext) RefreshRequests() engine.Receiver[api.RefreshRequest] {
	return &signalReceiver[api.RefreshRequest]{ch: workflow.GetSignalChannel(w.ctx, api.RefreshSignal)}
}

func (w *workflowContext) ClearCancellation() { w.session.cancelPending = false }

func (w *workflowContext) ExecutePlannerActivity(_ context.Context, call engine.PlannerActivityCall) (*api.PlanOutput, error) {
	if call.Input == nil {
		return nil, fmt.Errorf("%w: planner activity input is required", effect.ErrFatal)
	}
	var out *api.PlanOutput
	te, err := w.runActivity(call.Name, call.Options, call.Input, &out, toolerrors.CodePlanningFailed)
	if err != nil {
		return nil, err
	}
	if te != nil {
		return &api.PlanOutput{Error: toolerrors.Wrap(toolerrors.CodePlanningFailed, toolerrors.KindPermanent, te.Message, te)}, nil
	}
	return out, nil
}

func (w *workflowContext) ExecuteToolActivity(_ context.Context, call engine.ToolActivityCall) (*api.ToolOutput, error) {
	if call.Input == nil {
		return nil, fmt.Errorf("%w: tool activity input is required", effect.ErrFatal)
	}
	var out *api.ToolOutput
	te, err := w.runActivity(call.Name, call.Options, call.Input, &out, toolerrors.CodeRemoteUnavailable)
	if err != nil {
		return nil, err
	}
	if te != nil {
		return &api.ToolOutput{Error: te}, nil
	}
	return out, nil
}

func (w *workflowContext) ExecuteDiscoveryActivity(_ context.Context, call engine.DiscoveryActivityCall) (*api.DiscoveryOutput, error) {
	if call.Input == nil {
		return nil, fmt.Errorf("%w: discovery activity input is required", effect.ErrFatal)
	}
	var out *api.DiscoveryOutput
	te, err := w.runActivity(call.Name, call.Options, call.Input, &out, toolerrors.CodeRemoteUnavailable)
	if err != nil {
		return nil, err
	}
	if te != nil {
		ns := ""
		if call.Input.Endpoint != nil {
			ns = call.Input.Endpoint.Namespace
		}
		return &api.DiscoveryOutput{Namespace: ns, Error: te}, nil
	}
	return out, nil
}

// runActivity executes one activity. It returns the classified failure to
// record in the step output, or a Go error for a canceled turn, a canceled
// workflow or a fatal failure.
func (w *workflowContext) runActivity(name string, override engine.ActivityOptions, in, out any, exhausted toolerrors.Code) (*toolerrors.ToolError, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: activity name is required", effect.ErrFatal)
	}
	err := w.cancelable(func(cctx workflow.Context) error {
		actx := workflow.WithActivityOptions(cctx, w.activityOptions(name, override))
		return workflow.ExecuteActivity(actx, name, in).Get(actx, out)
	})
	if err == nil {
		return nil, nil
	}
	if errors.Is(err, api.ErrTurnCanceled) || errors.Is(err, context.Canceled) {
		return nil, err
	}
	var app *temporal.ApplicationError
	if errors.As(err, &app) {
		te := fromApplicationError(app)
		switch te.Kind {
		case toolerrors.KindFatal:
			return nil, fmt.Errorf("%w: activity %s: %w", effect.ErrFatal, name, te)
		case toolerrors.KindTransient:
			return toolerrors.Wrap(exhausted, toolerrors.KindPermanent, "gave up after retries: "+te.Message, te), nil
		}
		return te, nil
	}
	var timeout *temporal.TimeoutError
	if errors.As(err, &timeout) {
		return toolerrors.Wrap(exhausted, toolerrors.KindPermanent, "activity timed out", err), nil
	}
	return nil, fmt.Errorf("%w: activity %s: %w", effect.ErrFatal, name, err)
}

// cancelable runs fn under a context the cancel signal can cancel. A pending
// cancel fails the step before fn runs.
func (w *workflowContext) cancelable(fn func(workflow.Context) error) error {
	s := w.session
	if s.cancelPending {
		s.cancelPending = false
		return api.ErrTurnCanceled
	}
	cctx, cancel := workflow.WithCancel(w.ctx)
	s.inflight = cancel
	err := fn(cctx)
	s.inflight = nil
	cancel()
	if err == nil {
		return nil
	}
	if temporal.IsCanceledError(err) || cctx.Err() != nil {
		if w.ctx.Err() != nil {
			return fmt.Errorf("workflow canceled: %w", context.Canceled)
		}
		s.cancelPending = false
		return api.ErrTurnCanceled
	}
	return err
}

// sleep waits d in workflow time. A turn cancel interrupts it.
func (w *workflowContext) sleep(d time.Duration) error {
	return w.cancelable(func(cctx workflow.Context) error { return workflow.Sleep(cctx, d) })
}

func (w *workflowContext) activityOptions(name string, override engine.ActivityOptions) workflow.ActivityOptions {
	defaults := w.engine.activityDefaults(name)
	queue := override.Queue
	if queue == "" {
		queue = defaults.Queue
	}
	timeout := override.AttemptTimeout
	if timeout == 0 {
		timeout = defaults.AttemptTimeout
	}
	if timeout == 0 {
		timeout = time.Minute
	}
	policy := defaults.Retry
	if override.Retry.MaxAttempts > 0 {
		policy = override.Retry
	}
	if policy.MaxAttempts == 0 {
		policy = retry.ToolPolicy()
	}
	return workflow.ActivityOptions{
		TaskQueue:           w.engine.queueOf(queue),
		StartToCloseTimeout: timeout,
		HeartbeatTimeout:    3 * w.engine.heartbeat,
		RetryPolicy:         convertRetryPolicy(policy),
	}
}

func convertRetryPolicy(p retry.Policy) *temporal.RetryPolicy {
	rp := &temporal.RetryPolicy{
		//nolint:gosec // attempt ceilings are small
		MaximumAttempts:    int32(max(p.MaxAttempts, 1)),
		InitialInterval:    p.InitialBackoff,
		MaximumInterval:    p.MaxBackoff,
		BackoffCoefficient: p.Multiplier,
	}
	if rp.BackoffCoefficient < 1 {
		rp.BackoffCoefficient = 1
	}
	return rp
}

func (r *signalReceiver[T]) ReceiveAsync() (T, bool) {
	var out T
	ok := r.ch.ReceiveAsync(&out)
	return out, ok
}

func (l replayLogger) Debug(ctx context.Context, msg string, keyvals ...any) {
	if !workflow.IsReplaying(l.ctx) {
		l.logger.Debug(ctx, msg, keyvals...)
	}
}

func (l replayLogger) Info(ctx context.Context, msg string, keyvals ...any) {
	if !workflow.IsReplaying(l.ctx) {
		l.logger.Info(ctx, msg, keyvals...)
	}
}

func (l replayLogger) Warn(ctx context.Context, msg string, keyvals ...any) {
	if !workflow.IsReplaying(l.ctx) {
		l.logger.Warn(ctx, msg, keyvals...)
	}
}

func (l replayLogger) Error(ctx context.Context, msg string, keyvals ...any) {
	if !workflow.IsReplaying(l.ctx) {
		l.logger.Error(ctx, msg, keyvals...)
	}
}
