package effect

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/agentloop/runtime/agent/api"
	"goa.design/agentloop/runtime/agent/journal"
	"goa.design/agentloop/runtime/agent/journal/inmem"
	"goa.design/agentloop/runtime/agent/retry"
	"goa.design/agentloop/runtime/agent/toolerrors"
)

func fastPolicy(attempts int) Policy {
	return Policy{
		Retry:         retry.Policy{MaxAttempts: attempts, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond, Multiplier: 2},
		ExhaustedCode: toolerrors.CodeRemoteUnavailable,
	}
}

func toolStep(id api.StepID, pol Policy, run func(context.Context) (*api.ToolOutput, error)) Step[*api.ToolOutput] {
	return Step[*api.ToolOutput]{
		ID:     id,
		Kind:   journal.KindTool,
		Policy: pol,
		Run:    run,
		Fail:   func(te *toolerrors.ToolError) *api.ToolOutput { return &api.ToolOutput{Error: te} },
	}
}

var step1 = api.StepID{SessionID: "s1", Turn: 1, Step: 1}

func TestExecuteMemoizesCompletedSteps(t *testing.T) {
	ctx := context.Background()
	ex := New(inmem.New())
	var calls atomic.Int32
	run := func(context.Context) (*api.ToolOutput, error) {
		calls.Add(1)
		return &api.ToolOutput{Result: "345"}, nil
	}

	first, err := Execute(ctx, ex, toolStep(step1, fastPolicy(3), run))
	require.NoError(t, err)
	second, err := Execute(ctx, ex, toolStep(step1, fastPolicy(3), run))
	require.NoError(t, err)

	assert.Equal(t, "345", first.Result)
	assert.Equal(t, first, second)
	assert.EqualValues(t, 1, calls.Load(), "recorded step must not call the operation again")
}

func TestExecuteRetriesTransientFailures(t *testing.T) {
	ex := New(inmem.New())
	var calls int
	out, err := Execute(context.Background(), ex, toolStep(step1, fastPolicy(5), func(context.Context) (*api.ToolOutput, error) {
		calls++
		if calls < 3 {
			return nil, errors.New("connection reset")
		}
		return &api.ToolOutput{Result: "ok"}, nil
	}))
	require.NoError(t, err)
	assert.Equal(t, "ok", out.Result)
	assert.Equal(t, 3, calls)
}

func TestExecuteRecordsExhaustionWithPolicyCode(t *testing.T) {
	store := inmem.New()
	ex := New(store)
	var calls int
	out, err := Execute(context.Background(), ex, toolStep(step1, fastPolicy(3), func(context.Context) (*api.ToolOutput, error) {
		calls++
		return nil, toolerrors.Transient("finance namespace unreachable")
	}))
	require.NoError(t, err)
	require.NotNil(t, out.Error)
	assert.Equal(t, toolerrors.CodeRemoteUnavailable, out.Error.Code)
	assert.Equal(t, toolerrors.KindPermanent, out.Error.Kind)
	assert.Equal(t, 3, calls)

	rec, err := store.Lookup(context.Background(), "s1", step1.String())
	require.NoError(t, err)
	assert.Equal(t, journal.StatusFailed, rec.Status)
}

func TestExecuteRecordsPermanentFailureWithoutRetry(t *testing.T) {
	ex := New(inmem.New())
	var calls int
	out, err := Execute(context.Background(), ex, toolStep(step1, fastPolicy(5), func(context.Context) (*api.ToolOutput, error) {
		calls++
		return nil, toolerrors.New(toolerrors.CodeInvalidArguments, toolerrors.KindPermanent, "expr is required")
	}))
	require.NoError(t, err)
	require.NotNil(t, out.Error)
	assert.Equal(t, toolerrors.CodeInvalidArguments, out.Error.Code)
	assert.Equal(t, 1, calls)
}

func TestExecuteDoesNotRecordFatalFailures(t *testing.T) {
	store := inmem.New()
	ex := New(store)
	_, err := Execute(context.Background(), ex, toolStep(step1, fastPolicy(5), func(context.Context) (*api.ToolOutput, error) {
		return nil, toolerrors.New(toolerrors.CodeInternal, toolerrors.KindFatal, "corrupted state")
	}))
	require.ErrorIs(t, err, ErrFatal)

	recorded, err := ex.Recorded(context.Background(), step1)
	require.NoError(t, err)
	assert.False(t, recorded)
}

func TestExecuteDoesNotRecordCanceledAttempts(t *testing.T) {
	ex := New(inmem.New())
	ctx, cancel := context.WithCancel(context.Background())
	_, err := Execute(ctx, ex, toolStep(step1, fastPolicy(5), func(ctx context.Context) (*api.ToolOutput, error) {
		cancel()
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	require.ErrorIs(t, err, context.Canceled)

	recorded, err := ex.Recorded(context.Background(), step1)
	require.NoError(t, err)
	assert.False(t, recorded)
}

func TestExecuteTimesOutHungAttempts(t *testing.T) {
	ex := New(inmem.New())
	pol := fastPolicy(2)
	pol.AttemptTimeout = 5 * time.Millisecond
	out, err := Execute(context.Background(), ex, toolStep(step1, pol, func(ctx context.Context) (*api.ToolOutput, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	require.NoError(t, err)
	require.NotNil(t, out.Error)
	assert.Equal(t, toolerrors.CodeRemoteUnavailable, out.Error.Code)
}

func TestMarkCanceledReplaysAsCanceled(t *testing.T) {
	ctx := context.Background()
	ex := New(inmem.New())

	found, err := ex.MarkCanceled(ctx, step1, journal.KindTool)
	require.NoError(t, err)
	require.False(t, found)

	_, err = Execute(ctx, ex, toolStep(step1, fastPolicy(1), func(context.Context) (*api.ToolOutput, error) {
		t.Fatal("canceled step must not run")
		return nil, nil
	}))
	require.ErrorIs(t, err, api.ErrTurnCanceled)
}

func TestMarkCanceledLosesToRecordedResult(t *testing.T) {
	ctx := context.Background()
	ex := New(inmem.New())
	_, err := Execute(ctx, ex, toolStep(step1, fastPolicy(1), func(context.Context) (*api.ToolOutput, error) {
		return &api.ToolOutput{Result: "done"}, nil
	}))
	require.NoError(t, err)

	found, err := ex.MarkCanceled(ctx, step1, journal.KindTool)
	require.NoError(t, err)
	assert.True(t, found)
}

func TestExecuteConvergesOnConcurrentRecord(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()
	ex := New(store)
	out, err := Execute(ctx, ex, toolStep(step1, fastPolicy(1), func(ctx context.Context) (*api.ToolOutput, error) {
		// Another worker records the same step while this attempt runs.
		require.NoError(t, store.Append(ctx, &journal.Record{
			SessionID: "s1", Key: step1.String(), Status: journal.StatusSucceeded,
			Payload: []byte(`{"result":"winner"}`),
		}))
		return &api.ToolOutput{Result: "loser"}, nil
	}))
	require.NoError(t, err)
	assert.Equal(t, "winner", out.Result)
}

func TestExecuteRejectsInvalidStepID(t *testing.T) {
	_, err := Execute(context.Background(), New(inmem.New()), toolStep(api.StepID{}, fastPolicy(1), nil))
	require.ErrorIs(t, err, ErrFatal)
}
