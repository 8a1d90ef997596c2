package temporal

// nexus.go calls namespaces registered behind a Temporal Nexus endpoint.
// The operations are scheduled from workflow code, so their results are part
// of the workflow history and replay like activity results.
//
// Contract:
// - Each operation call is one attempt bounded by the call's attempt
//   timeout. Transient failures are retried with the call's retry policy,
//   without jitter, using workflow timers.
// - Handle-based tools start a job and poll it with a doubling delay until
//   it leaves the running state or the engine's async timeout elapses.

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.temporal.io/sdk/workflow"

	"goa.design/agentloop/runtime/agent/api"
	"goa.design/agentloop/runtime/agent/effect"
	"goa.design/agentloop/runtime/agent/engine"
	"goa.design/agentloop/runtime/agent/retry"
	"goa.design/agentloop/runtime/agent/toolerrors"
	"goa.design/agentloop/runtime/agent/tools"
	"goa.design/agentloop/runtime/toolregistry"
	"goa.design/agentloop/runtime/toolregistry/executor"
)

type nexusCall struct {
	w       *workflowContext
	client  workflow.NexusClient
	policy  retry.Policy
	timeout time.Duration
}

func (w *workflowContext) newNexusCall(ep tools.EndpointReference, opts engine.ActivityOptions) *nexusCall {
	policy := opts.Retry
	if policy.MaxAttempts == 0 {
		policy = retry.ToolPolicy()
	}
	policy.Jitter = 0
	timeout := opts.AttemptTimeout
	if timeout == 0 {
		timeout = time.Minute
	}
	return &nexusCall{
		w:       w,
		client:  workflow.NewNexusClient(ep.Endpoint, ep.Service),
		policy:  policy,
		timeout: timeout,
	}
}

func (w *workflowContext) ExecuteNexusTool(_ context.Context, call engine.NexusToolCall) (*api.ToolOutput, error) {
	if call.Input == nil {
		return nil, errors.New("nexus tool input is required")
	}
	ep := call.Endpoint
	if call.Input.Tool.Endpoint != nil {
		ep = *call.Input.Tool.Endpoint
	}
	c := w.newNexusCall(ep, call.Options)
	in := toolregistry.ExecuteToolInput{
		ToolName:       call.Input.Tool.Name,
		Args:           call.Input.Args,
		IdempotencyKey: call.Input.StepID.String(),
	}
	if ep.InvocationMode() == tools.ModeAsync {
		return c.executeAsync(in)
	}
	var out toolregistry.ExecuteToolOutput
	te, err := c.do(toolregistry.ExecuteToolOperation, in, &out, func() *toolerrors.ToolError {
		return out.Error.Classified()
	})
	if err != nil {
		return nil, err
	}
	if te != nil {
		return &api.ToolOutput{Error: te}, nil
	}
	return &api.ToolOutput{Result: out.Result}, nil
}

func (w *workflowContext) ExecuteNexusDiscovery(ctx context.Context, call engine.NexusDiscoveryCall) (*api.DiscoveryOutput, error) {
	ep := call.Endpoint
	c := w.newNexusCall(ep, call.Options)
	var out toolregistry.ListToolsOutput
	te, err := c.do(toolregistry.ListToolsOperation, toolregistry.ListToolsInput{}, &out, nil)
	if err != nil {
		return nil, err
	}
	if te != nil {
		return &api.DiscoveryOutput{Namespace: ep.Namespace, Error: te}, nil
	}
	defs := executor.Definitions(ep, out.Tools)
	usable := defs[:0]
	for _, d := range defs {
		if err := toolregistry.CheckDefinition(d); err != nil {
			w.Logger().Warn(ctx, "dropping unusable tool", "namespace", ep.Namespace, "tool", d.Name, "err", err)
			continue
		}
		usable = append(usable, d)
	}
	return &api.DiscoveryOutput{Namespace: ep.Namespace, Tools: usable}, nil
}

// executeAsync starts the job and polls it to completion.
func (c *nexusCall) executeAsync(in toolregistry.ExecuteToolInput) (*api.ToolOutput, error) {
	var started toolregistry.StartToolOutput
	te, err := c.do(toolregistry.StartToolOperation, in, &started, nil)
	if err != nil {
		return nil, err
	}
	if te != nil {
		return &api.ToolOutput{Error: te}, nil
	}
	deadline := workflow.Now(c.w.ctx).Add(c.w.engine.asyncTimeout)
	delay := c.w.engine.pollInterval
	for {
		if err := c.w.sleep(delay); err != nil {
			return nil, err
		}
		var st toolregistry.PollToolOutput
		te, err := c.do(toolregistry.PollToolOperation, toolregistry.PollToolInput{Handle: started.Handle}, &st, nil)
		if err != nil {
			return nil, err
		}
		if te != nil {
			return &api.ToolOutput{Error: te}, nil
		}
		switch st.State {
		case toolregistry.JobSucceeded:
			return &api.ToolOutput{Result: st.Result}, nil
		case toolregistry.JobFailed:
			failure := st.Error.Classified()
			if failure == nil || failure.Kind == toolerrors.KindTransient {
				failure = toolerrors.Errorf(toolerrors.CodeToolFailed, toolerrors.KindPermanent, "job %s failed", started.Handle)
				if st.Error != nil {
					failure.Message = st.Error.Message
				}
			}
			return &api.ToolOutput{Error: failure}, nil
		case toolregistry.JobRunning:
		default:
			return &api.ToolOutput{Error: toolerrors.Errorf(toolerrors.CodeRemoteUnavailable, toolerrors.KindPermanent,
				"job %s reported unknown state %q", started.Handle, st.State)}, nil
		}
		if workflow.Now(c.w.ctx).After(deadline) {
			return &api.ToolOutput{Error: toolerrors.Errorf(toolerrors.CodeRemoteUnavailable, toolerrors.KindPermanent,
				"job %s did not finish within %v", started.Handle, c.w.engine.asyncTimeout)}, nil
		}
		delay = min(delay*2, c.w.engine.maxPollInterval)
	}
}

// do runs one operation with retries. envelope extracts a failure reported
// inside a successful response; it may be nil.
func (c *nexusCall) do(op, in, out any, envelope func() *toolerrors.ToolError) (*toolerrors.ToolError, error) {
	attempts := max(c.policy.MaxAttempts, 1)
	var last *toolerrors.ToolError
	for attempt := 1; attempt <= attempts; attempt++ {
		err := c.w.cancelable(func(cctx workflow.Context) error {
			fut := c.client.ExecuteOperation(cctx, op, in, workflow.NexusOperationOptions{ScheduleToCloseTimeout: c.timeout})
			return fut.Get(cctx, out)
		})
		if errors.Is(err, api.ErrTurnCanceled) || errors.Is(err, context.Canceled) {
			return nil, err
		}
		var te *toolerrors.ToolError
		switch {
		case err != nil:
			te = toolerrors.Classify(executor.Classify(err))
		case envelope != nil:
			te = envelope()
		}
		if te == nil {
			return nil, nil
		}
		if te.Kind == toolerrors.KindFatal {
			return nil, fmt.Errorf("%w: nexus operation: %w", effect.ErrFatal, te)
		}
		if te.Kind != toolerrors.KindTransient {
			return te, nil
		}
		last = te
		c.w.Logger().Debug(c.w.Context(), "nexus attempt failed", "attempt", attempt, "err", te)
		if attempt < attempts {
			if err := c.w.sleep(c.policy.Backoff(attempt)); err != nil {
				return nil, err
			}
		}
	}
	return toolerrors.Wrap(toolerrors.CodeRemoteUnavailable, toolerrors.KindPermanent,
		fmt.Sprintf("gave up after %d attempts: %s", attempts, last.Message), last), nil
}
