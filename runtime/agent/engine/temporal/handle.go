package temporal

import (
	"context"
	"errors"

	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"

	"goa.design/agentloop/runtime/agent/api"
)

// workflowHandle talks to a session execution through the Temporal client.
// Updates, signals and queries target the latest run of the workflow ID.
type workflowHandle struct {
	id     string
	runID  string
	client client.Client
}

func (h *workflowHandle) ID() string { return h.id }

func (h *workflowHandle) Submit(ctx context.Context, sub api.Submission) (*api.Reply, error) {
	if sub.ID == "" {
		return nil, errors.New("submission id is required")
	}
	upd, err := h.client.UpdateWorkflow(ctx, client.UpdateWorkflowOptions{
		WorkflowID:   h.id,
		UpdateID:     sub.ID,
		UpdateName:   api.SubmitUpdate,
		Args:         []any{sub},
		WaitForStage: client.WorkflowUpdateStageCompleted,
	})
	if err != nil {
		return nil, mapClientError(h.id, err)
	}
	var reply api.Reply
	if err := upd.Get(ctx, &reply); err != nil {
		return nil, mapClientError(h.id, err)
	}
	return &reply, nil
}

func (h *workflowHandle) SignalRefresh(ctx context.Context, req api.RefreshRequest) error {
	return h.signal(ctx, api.RefreshSignal, req)
}

func (h *workflowHandle) CancelTurn(ctx context.Context) error {
	return h.signal(ctx, api.CancelSignal, nil)
}

// Close asks the session to end. Closing a session that already completed
// is not an error.
func (h *workflowHandle) Close(ctx context.Context) error {
	err := h.client.SignalWorkflow(ctx, h.id, "", api.CloseSignal, nil)
	var notFound *serviceerror.NotFound
	if errors.As(err, &notFound) {
		return nil
	}
	return mapClientError(h.id, err)
}

func (h *workflowHandle) History(ctx context.Context) ([]api.Message, error) {
	var out []api.Message
	if err := h.query(ctx, api.HistoryQuery, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (h *workflowHandle) Status(ctx context.Context) (*api.SessionStatus, error) {
	var out api.SessionStatus
	if err := h.query(ctx, api.StateQuery, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (h *workflowHandle) Wait(ctx context.Context) (*api.Transcript, error) {
	var out api.Transcript
	if err := h.client.GetWorkflow(ctx, h.id, h.runID).Get(ctx, &out); err != nil {
		return nil, mapClientError(h.id, err)
	}
	return &out, nil
}

func (h *workflowHandle) signal(ctx context.Context, name string, arg any) error {
	return mapClientError(h.id, h.client.SignalWorkflow(ctx, h.id, "", name, arg))
}

func (h *workflowHandle) query(ctx context.Context, name string, out any) error {
	val, err := h.client.QueryWorkflow(ctx, h.id, "", name)
	if err != nil {
		return mapClientError(h.id, err)
	}
	return val.Get(out)
}
