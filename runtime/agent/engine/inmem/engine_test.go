package inmem

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/agentloop/runtime/agent/api"
	"goa.design/agentloop/runtime/agent/engine"
	"goa.design/agentloop/runtime/agent/journal"
	journalinmem "goa.design/agentloop/runtime/agent/journal/inmem"
	"goa.design/agentloop/runtime/agent/retry"
	"goa.design/agentloop/runtime/agent/tools"
)

// echoWorkflow is a minimal session: each submission runs one "echo" tool
// step and replies with its result. Refresh drains are appended to the
// history so tests can observe them.
func echoWorkflow(wf engine.WorkflowContext, in *api.SessionStart) (*api.Transcript, error) {
	type pending struct {
		sub   api.Submission
		reply *api.Reply
		err   error
		done  bool
	}
	var (
		queue   []*pending
		history []api.Message
		closed  bool
		turn    int
	)
	if err := wf.SetQueryHandler(api.HistoryQuery, func() ([]api.Message, error) {
		return append([]api.Message(nil), history...), nil
	}); err != nil {
		return nil, err
	}
	if err := wf.SetSubmitHandler(func(hwf engine.WorkflowContext, sub api.Submission) (*api.Reply, error) {
		p := &pending{sub: sub}
		queue = append(queue, p)
		if err := hwf.Await(hwf.Context(), func() bool { return p.done }); err != nil {
			return nil, err
		}
		return p.reply, p.err
	}); err != nil {
		return nil, err
	}
	wf.OnClose(func() { closed = true })

	ctx := wf.Context()
	for {
		if err := wf.Await(ctx, func() bool { return len(queue) > 0 || closed }); err != nil {
			return nil, err
		}
		if len(queue) == 0 {
			break
		}
		p := queue[0]
		turn++
		wf.ClearCancellation()
		for {
			req, ok := wf.RefreshRequests().ReceiveAsync()
			if !ok {
				break
			}
			history = append(history, api.Message{Role: api.RoleAssistant, Content: "refreshed " + req.Namespace, Turn: turn})
		}
		history = append(history, api.Message{Role: api.RoleUser, Content: p.sub.Message, Turn: turn})
		out, err := wf.ExecuteToolActivity(ctx, engine.ToolActivityCall{
			Name: "echo",
			Input: &api.ToolInput{
				StepID: api.StepID{SessionID: wf.WorkflowID(), Turn: turn, Step: 1},
				Tool:   tools.Definition{Name: "echo", Namespace: tools.LocalNamespace},
				Args:   []byte(fmt.Sprintf("%q", p.sub.Message)),
			},
		})
		switch {
		case errors.Is(err, api.ErrTurnCanceled):
			p.reply = &api.Reply{SubmissionID: p.sub.ID, Turn: turn, Message: "canceled"}
		case err != nil:
			p.err = err
			p.done = true
			return nil, err
		case out.Error != nil:
			p.reply = &api.Reply{SubmissionID: p.sub.ID, Turn: turn, Error: out.Error}
		default:
			p.reply = &api.Reply{SubmissionID: p.sub.ID, Turn: turn, Message: out.Result}
			history = append(history, api.Message{Role: api.RoleAssistant, Content: out.Result, Turn: turn})
		}
		p.done = true
		queue = queue[1:]
	}
	return &api.Transcript{SessionID: wf.WorkflowID(), Turns: turn, History: history}, nil
}

type echoTool struct {
	calls   atomic.Int32
	block   chan struct{}
	started chan struct{}
}

func (e *echoTool) run(ctx context.Context, in *api.ToolInput) (*api.ToolOutput, error) {
	e.calls.Add(1)
	if e.block != nil {
		e.started <- struct{}{}
		select {
		case <-e.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &api.ToolOutput{Result: "echo " + string(in.Args)}, nil
}

func newEngine(t *testing.T, store journal.Store, tool *echoTool) *Engine {
	t.Helper()
	ctx := context.Background()
	eng := New(store)
	require.NoError(t, eng.RegisterWorkflow(ctx, engine.WorkflowDefinition{Name: "echo", Handler: echoWorkflow}))
	require.NoError(t, eng.RegisterToolActivity(ctx, "echo", engine.ActivityOptions{
		Retry: retry.Policy{MaxAttempts: 2, InitialBackoff: time.Millisecond},
	}, tool.run))
	return eng
}

func start(t *testing.T, eng *Engine, id string) engine.WorkflowHandle {
	t.Helper()
	h, err := eng.StartWorkflow(context.Background(), engine.WorkflowStartRequest{
		ID: id, Workflow: "echo", Input: &api.SessionStart{SessionID: id},
	})
	require.NoError(t, err)
	return h
}

func TestSubmitReturnsTurnReply(t *testing.T) {
	ctx := context.Background()
	tool := &echoTool{}
	eng := newEngine(t, journalinmem.New(), tool)
	defer eng.Close()
	h := start(t, eng, "s1")

	reply, err := h.Submit(ctx, api.Submission{ID: "m1", Message: "hello"})
	require.NoError(t, err)
	assert.Equal(t, `echo "hello"`, reply.Message)
	assert.Equal(t, 1, reply.Turn)

	require.NoError(t, h.Close(ctx))
	tr, err := h.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, tr.Turns)
	assert.Len(t, tr.History, 2)
}

func TestSubmitWakesIdleSession(t *testing.T) {
	tool := &echoTool{}
	eng := newEngine(t, journalinmem.New(), tool)
	defer eng.Close()
	h := start(t, eng, "s1")

	for i, msg := range []string{"first", "second"} {
		// Let the main loop park on an empty queue before submitting.
		time.Sleep(20 * time.Millisecond)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		reply, err := h.Submit(ctx, api.Submission{ID: msg, Message: msg})
		cancel()
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("echo %q", msg), reply.Message)
		assert.Equal(t, i+1, reply.Turn)
	}
	assert.Equal(t, int32(2), tool.calls.Load())
}

func TestRecoveryReplaysRecordedSteps(t *testing.T) {
	ctx := context.Background()
	store := journalinmem.New()
	tool := &echoTool{}

	eng := newEngine(t, store, tool)
	h := start(t, eng, "s1")
	_, err := h.Submit(ctx, api.Submission{ID: "m1", Message: "one"})
	require.NoError(t, err)
	_, err = h.Submit(ctx, api.Submission{ID: "m2", Message: "two"})
	require.NoError(t, err)
	before, err := h.History(ctx)
	require.NoError(t, err)
	eng.Close()

	recovered := newEngine(t, store, tool)
	defer recovered.Close()
	h = start(t, recovered, "s1")
	require.Eventually(t, func() bool {
		after, err := h.History(ctx)
		return err == nil && len(after) == len(before)
	}, time.Second, 5*time.Millisecond)

	after, err := h.History(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.EqualValues(t, 2, tool.calls.Load(), "recorded steps must not run again")

	reply, err := h.Submit(ctx, api.Submission{ID: "m3", Message: "three"})
	require.NoError(t, err)
	assert.Equal(t, 3, reply.Turn)
}

func TestCancelTurnAbortsInFlightStep(t *testing.T) {
	ctx := context.Background()
	store := journalinmem.New()
	tool := &echoTool{block: make(chan struct{}), started: make(chan struct{}, 1)}
	eng := newEngine(t, store, tool)
	defer eng.Close()
	h := start(t, eng, "s1")

	replies := make(chan *api.Reply, 1)
	go func() {
		r, err := h.Submit(ctx, api.Submission{ID: "m1", Message: "slow"})
		if err == nil {
			replies <- r
		}
	}()
	<-tool.started
	require.NoError(t, h.CancelTurn(ctx))

	select {
	case r := <-replies:
		assert.Equal(t, "canceled", r.Message)
	case <-time.After(time.Second):
		t.Fatal("canceled turn did not reply")
	}
	rec, err := store.Lookup(ctx, "s1", api.StepID{SessionID: "s1", Turn: 1, Step: 1}.String())
	require.NoError(t, err)
	assert.Equal(t, journal.StatusCanceled, rec.Status)

	// The next turn is unaffected by the earlier cancel.
	close(tool.block)
	go func() { <-tool.started }()
	reply, err := h.Submit(ctx, api.Submission{ID: "m2", Message: "fast"})
	require.NoError(t, err)
	assert.Equal(t, `echo "fast"`, reply.Message)
}

func TestRefreshDrainsAreJournaled(t *testing.T) {
	ctx := context.Background()
	store := journalinmem.New()
	tool := &echoTool{}
	eng := newEngine(t, store, tool)
	h := start(t, eng, "s1")

	require.NoError(t, h.SignalRefresh(ctx, api.RefreshRequest{Namespace: "IT"}))
	_, err := h.Submit(ctx, api.Submission{ID: "m1", Message: "hi"})
	require.NoError(t, err)
	before, err := h.History(ctx)
	require.NoError(t, err)
	require.Equal(t, "refreshed IT", before[0].Content)
	eng.Close()

	recovered := newEngine(t, store, tool)
	defer recovered.Close()
	h = start(t, recovered, "s1")
	require.Eventually(t, func() bool {
		after, err := h.History(ctx)
		return err == nil && len(after) == len(before)
	}, time.Second, 5*time.Millisecond)
	after, err := h.History(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestStartWorkflowRejectsRunningID(t *testing.T) {
	eng := newEngine(t, journalinmem.New(), &echoTool{})
	defer eng.Close()
	start(t, eng, "s1")
	_, err := eng.StartWorkflow(context.Background(), engine.WorkflowStartRequest{ID: "s1", Workflow: "echo", Input: &api.SessionStart{SessionID: "s1"}})
	require.ErrorIs(t, err, engine.ErrAlreadyStarted)
}

func TestSubmitAfterCompletionIsSessionClosed(t *testing.T) {
	ctx := context.Background()
	eng := newEngine(t, journalinmem.New(), &echoTool{})
	defer eng.Close()
	h := start(t, eng, "s1")
	require.NoError(t, h.Close(ctx))
	_, err := h.Wait(ctx)
	require.NoError(t, err)

	_, err = h.Submit(ctx, api.Submission{ID: "m1", Message: "late"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SessionClosed")
}

func TestAttachUnknownWorkflow(t *testing.T) {
	eng := New(journalinmem.New())
	defer eng.Close()
	_, err := eng.AttachWorkflow(context.Background(), "missing")
	require.ErrorIs(t, err, engine.ErrWorkflowNotFound)
}
