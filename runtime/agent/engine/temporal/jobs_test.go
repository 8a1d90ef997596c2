package temporal_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	workflowpb "go.temporal.io/api/workflow/v1"
	"go.temporal.io/api/workflowservice/v1"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/mocks"
	sdktemporal "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/testsuite"

	"goa.design/agentloop/runtime/agent/engine/temporal"
	"goa.design/agentloop/runtime/agent/toolerrors"
	"goa.design/agentloop/runtime/toolregistry"
	"goa.design/agentloop/runtime/toolregistry/provider"
)

type countingTools struct {
	calls atomic.Int32
	err   error
}

func (c *countingTools) Descriptors() []toolregistry.ToolDescriptor { return nil }

func (c *countingTools) Execute(_ context.Context, name string, _ json.RawMessage) (string, error) {
	c.calls.Add(1)
	if c.err != nil {
		return "", c.err
	}
	return name + " ready", nil
}

func TestToolJobWorkflow(t *testing.T) {
	cases := []struct {
		name  string
		err   error
		calls int32
		code  string
	}{
		{"success", nil, 1, ""},
		{"transient is retried", toolerrors.Transient("backend busy"), 3, string(toolerrors.CodeRemoteUnavailable)},
		{"permanent fails at once", toolerrors.Permanent("quota exceeded"), 1, string(toolerrors.CodeToolFailed)},
		{"unclassified is permanent", errors.New("disk full"), 1, string(toolerrors.CodeToolFailed)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			eng := newEngine(t)
			tools := &countingTools{err: tc.err}
			_, err := eng.NewToolJobs("Finance", tools, temporal.ToolJobOptions{InitialBackoff: time.Millisecond})
			require.NoError(t, err)

			var suite testsuite.WorkflowTestSuite
			env := suite.NewTestWorkflowEnvironment()
			eng.Install(env)
			env.ExecuteWorkflow("agentloop.ToolJob.Finance", toolregistry.ExecuteToolInput{ToolName: "report"})
			require.True(t, env.IsWorkflowCompleted())
			assert.Equal(t, tc.calls, tools.calls.Load())

			if tc.code == "" {
				require.NoError(t, env.GetWorkflowError())
				var out string
				require.NoError(t, env.GetWorkflowResult(&out))
				assert.Equal(t, "report ready", out)
				return
			}
			var app *sdktemporal.ApplicationError
			require.ErrorAs(t, env.GetWorkflowError(), &app)
			assert.Equal(t, tc.code, app.Type())
		})
	}
}

func TestNewToolJobsRejectsDuplicateNamespace(t *testing.T) {
	eng := newEngine(t)
	_, err := eng.NewToolJobs("Finance", &countingTools{}, temporal.ToolJobOptions{})
	require.NoError(t, err)
	_, err = eng.NewToolJobs("Finance", &countingTools{}, temporal.ToolJobOptions{})
	require.ErrorContains(t, err, "already registered")
	_, err = eng.NewToolJobs("", &countingTools{}, temporal.ToolJobOptions{})
	require.Error(t, err)
}

func newMockedJobs(t *testing.T) (*temporal.ToolJobs, *mocks.Client) {
	t.Helper()
	c := &mocks.Client{}
	eng, err := temporal.New(temporal.Options{
		Client:        c,
		WorkerOptions: temporal.WorkerOptions{TaskQueue: "agentloop.finance"},
		Instrumentation: temporal.InstrumentationOptions{
			DisableTracing: true,
			DisableMetrics: true,
		},
	})
	require.NoError(t, err)
	t.Cleanup(eng.Close)
	jobs, err := eng.NewToolJobs("Finance", &countingTools{}, temporal.ToolJobOptions{})
	require.NoError(t, err)
	return jobs, c
}

func TestToolJobsStartUsesIdempotencyKey(t *testing.T) {
	jobs, c := newMockedJobs(t)
	const id = "agentloop-job-Finance-s1/1/2"
	withID := mock.MatchedBy(func(o client.StartWorkflowOptions) bool {
		return o.ID == id && o.TaskQueue == "agentloop.finance" &&
			o.WorkflowIDReusePolicy == enumspb.WORKFLOW_ID_REUSE_POLICY_REJECT_DUPLICATE
	})
	run := &mocks.WorkflowRun{}
	run.On("GetID").Return(id)
	c.On("ExecuteWorkflow", mock.Anything, withID, "agentloop.ToolJob.Finance", mock.Anything).Return(run, nil).Once()
	c.On("ExecuteWorkflow", mock.Anything, withID, "agentloop.ToolJob.Finance", mock.Anything).
		Return(nil, &serviceerror.WorkflowExecutionAlreadyStarted{Message: "already started"}).Once()

	in := toolregistry.ExecuteToolInput{ToolName: "report", IdempotencyKey: "s1/1/2"}
	h1, err := jobs.Start(context.Background(), in)
	require.NoError(t, err)
	h2, err := jobs.Start(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, id, h1)
	assert.Equal(t, h1, h2)
	c.AssertExpectations(t)
}

func TestToolJobsStartSurfacesServiceErrors(t *testing.T) {
	jobs, c := newMockedJobs(t)
	c.On("ExecuteWorkflow", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil, &serviceerror.Unavailable{Message: "frontend down"})

	_, err := jobs.Start(context.Background(), toolregistry.ExecuteToolInput{ToolName: "report"})
	require.ErrorContains(t, err, "frontend down")
}

func describe(status enumspb.WorkflowExecutionStatus) *workflowservice.DescribeWorkflowExecutionResponse {
	return &workflowservice.DescribeWorkflowExecutionResponse{
		WorkflowExecutionInfo: &workflowpb.WorkflowExecutionInfo{Status: status},
	}
}

func TestToolJobsPoll(t *testing.T) {
	ctx := context.Background()
	jobs, c := newMockedJobs(t)

	_, err := jobs.Poll(ctx, "someone-else")
	require.ErrorIs(t, err, provider.ErrUnknownHandle)

	c.On("DescribeWorkflowExecution", mock.Anything, "agentloop-job-Finance-gone", "").
		Return(nil, &serviceerror.NotFound{Message: "not found"})
	_, err = jobs.Poll(ctx, "agentloop-job-Finance-gone")
	require.ErrorIs(t, err, provider.ErrUnknownHandle)

	c.On("DescribeWorkflowExecution", mock.Anything, "agentloop-job-Finance-running", "").
		Return(describe(enumspb.WORKFLOW_EXECUTION_STATUS_RUNNING), nil)
	out, err := jobs.Poll(ctx, "agentloop-job-Finance-running")
	require.NoError(t, err)
	assert.Equal(t, toolregistry.JobRunning, out.State)

	done := &mocks.WorkflowRun{}
	done.On("Get", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		*args.Get(1).(*string) = "report ready"
	}).Return(nil)
	c.On("DescribeWorkflowExecution", mock.Anything, "agentloop-job-Finance-done", "").
		Return(describe(enumspb.WORKFLOW_EXECUTION_STATUS_COMPLETED), nil)
	c.On("GetWorkflow", mock.Anything, "agentloop-job-Finance-done", "").Return(done)
	out, err = jobs.Poll(ctx, "agentloop-job-Finance-done")
	require.NoError(t, err)
	assert.Equal(t, toolregistry.PollToolOutput{State: toolregistry.JobSucceeded, Result: "report ready"}, out)

	failed := &mocks.WorkflowRun{}
	failed.On("Get", mock.Anything, mock.Anything).
		Return(sdktemporal.NewNonRetryableApplicationError("quota exceeded", string(toolerrors.CodeToolFailed), nil, string(toolerrors.KindPermanent)))
	c.On("DescribeWorkflowExecution", mock.Anything, "agentloop-job-Finance-failed", "").
		Return(describe(enumspb.WORKFLOW_EXECUTION_STATUS_FAILED), nil)
	c.On("GetWorkflow", mock.Anything, "agentloop-job-Finance-failed", "").Return(failed)
	out, err = jobs.Poll(ctx, "agentloop-job-Finance-failed")
	require.NoError(t, err)
	assert.Equal(t, toolregistry.JobFailed, out.State)
	require.NotNil(t, out.Error)
	assert.Equal(t, "ToolFailed", out.Error.Code)
	assert.Equal(t, "permanent", out.Error.Kind)
	assert.Equal(t, "quota exceeded", out.Error.Message)

	timedOut := &mocks.WorkflowRun{}
	timedOut.On("Get", mock.Anything, mock.Anything).Return(errors.New("workflow execution timed out"))
	c.On("DescribeWorkflowExecution", mock.Anything, "agentloop-job-Finance-late", "").
		Return(describe(enumspb.WORKFLOW_EXECUTION_STATUS_TIMED_OUT), nil)
	c.On("GetWorkflow", mock.Anything, "agentloop-job-Finance-late", "").Return(timedOut)
	out, err = jobs.Poll(ctx, "agentloop-job-Finance-late")
	require.NoError(t, err)
	assert.Equal(t, toolregistry.JobFailed, out.State)
	assert.Equal(t, "RemoteUnavailable", out.Error.Code)
}
