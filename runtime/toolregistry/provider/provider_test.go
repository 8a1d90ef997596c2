package provider

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nexus-rpc/sdk-go/nexus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/agentloop/runtime/agent/toolerrors"
	"goa.design/agentloop/runtime/toolregistry"
)

type staticTools struct {
	calls atomic.Int32
	err   error
}

func (s *staticTools) Descriptors() []toolregistry.ToolDescriptor {
	return []toolregistry.ToolDescriptor{{Name: "get_ip", Description: "Returns the server IP"}}
}

func (s *staticTools) Execute(_ context.Context, name string, _ json.RawMessage) (string, error) {
	s.calls.Add(1)
	if s.err != nil {
		return "", s.err
	}
	return "10.0.0.42", nil
}

func nexusStart() nexus.StartOperationOptions { return nexus.StartOperationOptions{} }

func TestListToolsReportsNamespace(t *testing.T) {
	p := New("IT", &staticTools{})
	out, err := p.listTools(context.Background(), toolregistry.ListToolsInput{}, nexusStart())
	require.NoError(t, err)
	assert.Equal(t, "IT", out.Namespace)
	require.Len(t, out.Tools, 1)
	assert.Equal(t, "get_ip", out.Tools[0].Name)
}

func TestExecuteToolCarriesFailuresInEnvelope(t *testing.T) {
	cases := []struct {
		name string
		err  error
		kind string
		code string
	}{
		{"unclassified", errors.New("disk full"), "permanent", "ToolFailed"},
		{"transient", toolerrors.Transient("busy"), "transient", "RemoteUnavailable"},
		{"invalid", toolerrors.New(toolerrors.CodeInvalidArguments, toolerrors.KindPermanent, "bad"), "permanent", "InvalidArguments"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := New("IT", &staticTools{err: tc.err})
			out, err := p.executeTool(context.Background(), toolregistry.ExecuteToolInput{ToolName: "get_ip"}, nexusStart())
			require.NoError(t, err)
			require.NotNil(t, out.Error)
			assert.Equal(t, tc.kind, out.Error.Kind)
			assert.Equal(t, tc.code, out.Error.Code)
		})
	}
}

func TestExecuteToolRequiresName(t *testing.T) {
	_, err := New("IT", &staticTools{}).executeTool(context.Background(), toolregistry.ExecuteToolInput{}, nexusStart())
	require.Error(t, err)
}

type funcTools func(context.Context) (string, error)

func (f funcTools) Descriptors() []toolregistry.ToolDescriptor { return nil }

func (f funcTools) Execute(ctx context.Context, _ string, _ json.RawMessage) (string, error) {
	return f(ctx)
}

func TestJobsStartIsIdempotentPerKey(t *testing.T) {
	var runs atomic.Int32
	jobs := NewJobs(funcTools(func(context.Context) (string, error) {
		runs.Add(1)
		return "done", nil
	}))
	defer jobs.Stop()
	in := toolregistry.ExecuteToolInput{ToolName: "report", IdempotencyKey: "s1/1/2"}

	h1, err := jobs.Start(context.Background(), in)
	require.NoError(t, err)
	h2, err := jobs.Start(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	require.Eventually(t, func() bool {
		out, err := jobs.Poll(context.Background(), h1)
		return err == nil && out.State == toolregistry.JobSucceeded && out.Result == "done"
	}, time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 1, runs.Load())
}

func TestJobsReportFailures(t *testing.T) {
	jobs := NewJobs(funcTools(func(context.Context) (string, error) {
		return "", toolerrors.Permanent("quota exceeded")
	}))
	defer jobs.Stop()
	h, err := jobs.Start(context.Background(), toolregistry.ExecuteToolInput{ToolName: "report"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		out, _ := jobs.Poll(context.Background(), h)
		return out.State == toolregistry.JobFailed
	}, time.Second, 5*time.Millisecond)
	out, err := jobs.Poll(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, "ToolFailed", out.Error.Code)

	_, err = jobs.Poll(context.Background(), "nope")
	require.ErrorIs(t, err, ErrUnknownHandle)
}

func TestStartToolRunsThroughJobs(t *testing.T) {
	tools := &staticTools{}
	p := New("IT", tools)
	out, err := p.startTool(context.Background(), toolregistry.ExecuteToolInput{ToolName: "get_ip", IdempotencyKey: "k"}, nexusStart())
	require.NoError(t, err)
	require.NotEmpty(t, out.Handle)
	require.Eventually(t, func() bool {
		res, err := p.pollTool(context.Background(), toolregistry.PollToolInput{Handle: out.Handle}, nexusStart())
		return err == nil && res.State == toolregistry.JobSucceeded && res.Result == "10.0.0.42"
	}, time.Second, 5*time.Millisecond)

	_, err = p.pollTool(context.Background(), toolregistry.PollToolInput{Handle: "nope"}, nexusStart())
	require.Error(t, err)
}
