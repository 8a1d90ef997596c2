package temporal

// jobs.go runs a namespace's handle-based tools as Temporal workflows.
//
// Contract:
// - A job is one workflow execution whose ID is the handle. The idempotency
//   key becomes the ID, so a repeated start returns the original handle
//   whether the job is still running or already finished.
// - The job workflow runs a single activity calling the toolset. Transient
//   tool failures are retried by the activity retry policy; other failures
//   fail the job at once.
// - Poll maps the execution status to the poll envelope. Failed jobs carry
//   the classified failure of the tool.

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"goa.design/agentloop/runtime/agent/engine"
	"goa.design/agentloop/runtime/agent/toolerrors"
	"goa.design/agentloop/runtime/toolregistry"
	"goa.design/agentloop/runtime/toolregistry/provider"
)

// ToolJobOptions configures NewToolJobs.
type ToolJobOptions struct {
	// Timeout bounds one job. Default: 30 minutes.
	Timeout time.Duration
	// MaxAttempts bounds the attempts of a transiently failing tool.
	// Default: 3.
	MaxAttempts int32
	// InitialBackoff is the delay before the first retry. Default: 1s.
	InitialBackoff time.Duration
}

// ToolJobs is a provider.JobRunner backed by Temporal workflows. Jobs survive
// restarts of the namespace process.
type ToolJobs struct {
	client   client.Client
	queue    string
	prefix   string
	workflow string
	activity string
	tools    provider.Toolset
	timeout  time.Duration
	retry    *temporal.RetryPolicy
}

var _ provider.JobRunner = (*ToolJobs)(nil)

// NewToolJobs returns a runner executing tools from ts as jobs of namespace
// and records its workflow and activity on the default task queue.
func (e *Engine) NewToolJobs(namespace string, ts provider.Toolset, opts ToolJobOptions) (*ToolJobs, error) {
	if namespace == "" || ts == nil {
		return nil, errors.New("temporal engine: tool jobs need a namespace and a toolset")
	}
	attempts := opts.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	j := &ToolJobs{
		client:   e.client,
		queue:    e.defaultQueue,
		prefix:   "agentloop-job-" + namespace + "-",
		workflow: "agentloop.ToolJob." + namespace,
		activity: "agentloop.ToolJob." + namespace + ".execute",
		tools:    ts,
		timeout:  orDefault(opts.Timeout, 30*time.Minute),
		retry: &temporal.RetryPolicy{
			InitialInterval:    orDefault(opts.InitialBackoff, time.Second),
			BackoffCoefficient: 2,
			MaximumAttempts:    attempts,
		},
	}
	if err := e.registerWorkflowFunc(j.workflow, j.run); err != nil {
		return nil, err
	}
	if err := e.registerActivity(j.activity, engine.ActivityOptions{}, j.execute); err != nil {
		return nil, err
	}
	return j, nil
}

// Start starts the job of in. The returned handle is the workflow ID.
func (j *ToolJobs) Start(ctx context.Context, in toolregistry.ExecuteToolInput) (string, error) {
	id := j.prefix + uuid.NewString()
	if in.IdempotencyKey != "" {
		id = j.prefix + in.IdempotencyKey
	}
	run, err := j.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:                       id,
		TaskQueue:                j.queue,
		WorkflowExecutionTimeout: j.timeout,
		WorkflowIDReusePolicy:    enumspb.WORKFLOW_ID_REUSE_POLICY_REJECT_DUPLICATE,
	}, j.workflow, in)
	if err != nil {
		var started *serviceerror.WorkflowExecutionAlreadyStarted
		if errors.As(err, &started) {
			return id, nil
		}
		return "", fmt.Errorf("start job %s: %w", id, err)
	}
	return run.GetID(), nil
}

// Poll reports the state of the job with the given handle.
func (j *ToolJobs) Poll(ctx context.Context, handle string) (toolregistry.PollToolOutput, error) {
	if !strings.HasPrefix(handle, j.prefix) {
		return toolregistry.PollToolOutput{}, provider.ErrUnknownHandle
	}
	desc, err := j.client.DescribeWorkflowExecution(ctx, handle, "")
	if err != nil {
		var notFound *serviceerror.NotFound
		if errors.As(err, &notFound) {
			return toolregistry.PollToolOutput{}, provider.ErrUnknownHandle
		}
		return toolregistry.PollToolOutput{}, fmt.Errorf("describe job %s: %w", handle, err)
	}
	switch desc.GetWorkflowExecutionInfo().GetStatus() {
	case enumspb.WORKFLOW_EXECUTION_STATUS_RUNNING, enumspb.WORKFLOW_EXECUTION_STATUS_CONTINUED_AS_NEW:
		return toolregistry.PollToolOutput{State: toolregistry.JobRunning}, nil
	}
	var result string
	if err := j.client.GetWorkflow(ctx, handle, "").Get(ctx, &result); err != nil {
		if ctx.Err() != nil {
			return toolregistry.PollToolOutput{}, ctx.Err()
		}
		return toolregistry.PollToolOutput{State: toolregistry.JobFailed, Error: toolregistry.NewToolError(jobFailure(err))}, nil
	}
	return toolregistry.PollToolOutput{State: toolregistry.JobSucceeded, Result: result}, nil
}

func (j *ToolJobs) run(ctx workflow.Context, in toolregistry.ExecuteToolInput) (string, error) {
	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: j.timeout,
		RetryPolicy:         j.retry,
	})
	var out string
	err := workflow.ExecuteActivity(ctx, j.activity, in).Get(ctx, &out)
	return out, err
}

// execute treats unclassified tool errors as permanent, like the in-process
// runner.
func (j *ToolJobs) execute(ctx context.Context, in toolregistry.ExecuteToolInput) (string, error) {
	res, err := j.tools.Execute(ctx, in.ToolName, in.Args)
	if err == nil {
		return res, nil
	}
	var te *toolerrors.ToolError
	if !errors.As(err, &te) || te.Kind == "" {
		err = toolerrors.Permanent("%v", err)
	}
	activity.GetLogger(ctx).Warn("tool job attempt failed", "tool", in.ToolName, "error", err)
	return "", toApplicationError(err)
}

// jobFailure classifies the error returned by a finished job.
func jobFailure(err error) *toolerrors.ToolError {
	var app *temporal.ApplicationError
	if errors.As(err, &app) {
		return fromApplicationError(app)
	}
	var canceled *temporal.CanceledError
	if errors.As(err, &canceled) {
		return toolerrors.New(toolerrors.CodeCanceled, toolerrors.KindPermanent, "tool job was canceled")
	}
	return toolerrors.Wrap(toolerrors.CodeRemoteUnavailable, toolerrors.KindPermanent, "tool job did not complete", err)
}
