package runtime

// client.go defines the session manager surface: the client-side operations
// callers use to talk to session workflows.
//
// Contract:
// - Every operation addresses a session by its caller-provided ID.
// - A session that is recorded as active but has no execution in this
//   engine (in-memory engine after a restart) is recovered by starting its
//   workflow again; the engine replays its journal.
// - Submitting to an ended session fails with a SessionClosed ToolError.

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"goa.design/agentloop/runtime/agent/api"
	"goa.design/agentloop/runtime/agent/engine"
	"goa.design/agentloop/runtime/agent/session"
	"goa.design/agentloop/runtime/agent/toolerrors"
	"goa.design/agentloop/runtime/agent/tools"
)

type (
	// StartOption customizes a session at start.
	StartOption func(*api.SessionStart)
)

// WithNamespaces overrides the runtime's namespace list for the session.
func WithNamespaces(eps ...tools.EndpointReference) StartOption {
	return func(in *api.SessionStart) { in.Namespaces = append([]tools.EndpointReference(nil), eps...) }
}

// WithMaxToolCalls overrides the per-turn tool budget for the session.
func WithMaxToolCalls(n int) StartOption {
	return func(in *api.SessionStart) { in.MaxToolCalls = n }
}

// Start creates the session and starts its workflow. Starting a session that
// is already running is a no-op.
func (r *Runtime) Start(ctx context.Context, sessionID string, opts ...StartOption) error {
	id := strings.TrimSpace(sessionID)
	if id == "" {
		return ErrMissingSessionID
	}
	in := api.SessionStart{SessionID: id, Namespaces: r.namespaces, MaxToolCalls: r.budget}
	for _, o := range opts {
		o(&in)
	}
	for _, ep := range in.Namespaces {
		if err := ep.Validate(); err != nil {
			return err
		}
	}
	sess, err := r.Sessions.CreateSession(ctx, session.Session{ID: id, Start: in, CreatedAt: time.Now().UTC()})
	if err != nil {
		if errors.Is(err, session.ErrSessionEnded) {
			return closedError()
		}
		return fmt.Errorf("create session %s: %w", id, err)
	}
	_, err = r.startWorkflow(ctx, sess)
	return err
}

// Submit sends message to the session and blocks until its turn produced
// the reply. A degraded turn is a successful call: inspect Reply.Error.
func (r *Runtime) Submit(ctx context.Context, sessionID, message string) (*api.Reply, error) {
	h, err := r.handle(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	sub := api.Submission{ID: uuid.NewString(), Message: message}
	started := time.Now()
	reply, err := h.Submit(ctx, sub)
	r.metrics.RecordTimer("agentloop.session.submit", time.Since(started))
	if err != nil {
		if toolerrors.CodeOf(err) == toolerrors.CodeSessionClosed {
			r.markEnded(ctx, h.ID())
		}
		return nil, err
	}
	return reply, nil
}

// SignalRefresh asks the session to rediscover namespace at its next turn.
func (r *Runtime) SignalRefresh(ctx context.Context, sessionID, namespace string) error {
	if strings.TrimSpace(namespace) == "" {
		return errors.New("namespace is required")
	}
	h, err := r.handle(ctx, sessionID)
	if err != nil {
		return err
	}
	return h.SignalRefresh(ctx, api.RefreshRequest{Namespace: namespace})
}

// CancelTurn aborts the in-flight step of the session's current turn. The
// turn ends with a Canceled reply; the session stays open.
func (r *Runtime) CancelTurn(ctx context.Context, sessionID string) error {
	h, err := r.handle(ctx, sessionID)
	if err != nil {
		return err
	}
	return h.CancelTurn(ctx)
}

// Close ends the session once queued submissions are processed and returns
// the final transcript.
func (r *Runtime) Close(ctx context.Context, sessionID string) (*api.Transcript, error) {
	h, err := r.handle(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := h.Close(ctx); err != nil {
		return nil, err
	}
	t, err := h.Wait(ctx)
	if err != nil {
		return nil, err
	}
	r.markEnded(ctx, h.ID())
	return t, nil
}

// History returns the session's conversation history.
func (r *Runtime) History(ctx context.Context, sessionID string) ([]api.Message, error) {
	h, err := r.handle(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return h.History(ctx)
}

// Status returns the orchestrator state of the session.
func (r *Runtime) Status(ctx context.Context, sessionID string) (*api.SessionStatus, error) {
	h, err := r.handle(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return h.Status(ctx)
}

// Recover restarts the workflow of every active session that has no
// execution in the engine. Engines that recover on their own (Temporal)
// attach to the running executions instead.
func (r *Runtime) Recover(ctx context.Context) (int, error) {
	ids, err := r.Sessions.ListActive(ctx)
	if err != nil {
		return 0, err
	}
	var (
		n    int
		errs []error
	)
	for _, id := range ids {
		if _, err := r.handle(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("recover %s: %w", id, err))
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

// handle attaches to the session's execution, starting it from the stored
// session record when the engine has none.
func (r *Runtime) handle(ctx context.Context, sessionID string) (engine.WorkflowHandle, error) {
	id := strings.TrimSpace(sessionID)
	if id == "" {
		return nil, ErrMissingSessionID
	}
	h, err := r.Engine.AttachWorkflow(ctx, id)
	if err == nil {
		return h, nil
	}
	if !errors.Is(err, engine.ErrWorkflowNotFound) {
		return nil, err
	}
	sess, lerr := r.Sessions.LoadSession(ctx, id)
	switch {
	case errors.Is(lerr, session.ErrSessionNotFound):
		return nil, fmt.Errorf("%w: %s", session.ErrSessionNotFound, id)
	case lerr != nil:
		return nil, lerr
	case sess.Status == session.StatusEnded:
		return nil, closedError()
	}
	r.logger.Info(ctx, "recovering session", "session", id)
	return r.startWorkflow(ctx, sess)
}

func (r *Runtime) startWorkflow(ctx context.Context, sess session.Session) (engine.WorkflowHandle, error) {
	in := sess.Start
	h, err := r.Engine.StartWorkflow(ctx, engine.WorkflowStartRequest{
		ID:        sess.ID,
		Workflow:  WorkflowName,
		TaskQueue: r.taskQueue,
		Input:     &in,
	})
	if errors.Is(err, engine.ErrAlreadyStarted) {
		return r.Engine.AttachWorkflow(ctx, sess.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("start session %s: %w", sess.ID, err)
	}
	return h, nil
}

func (r *Runtime) markEnded(ctx context.Context, id string) {
	if _, err := r.Sessions.EndSession(ctx, id, time.Now().UTC()); err != nil && !errors.Is(err, session.ErrSessionNotFound) {
		r.logger.Warn(ctx, "end session record", "session", id, "err", err)
	}
}

func closedError() error {
	return toolerrors.New(toolerrors.CodeSessionClosed, toolerrors.KindPermanent, "session is closed")
}
