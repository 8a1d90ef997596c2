package runtime

// workflow.go implements the session workflow.
//
// Contract:
// - Workflow code only observes the outside world through the
//   WorkflowContext: activities for I/O, RefreshRequests for refresh signals,
//   the submit handler and OnClose for client interactions.
// - The step counter is the only source of step identities. Every activity
//   call takes the next step of the current turn, so re-running the workflow
//   over recorded results reproduces the same identities and transitions.
// - Handlers are registered before the first activity: the engine may
//   deliver submissions while bootstrap discovery runs.

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"goa.design/agentloop/runtime/agent/api"
	"goa.design/agentloop/runtime/agent/effect"
	"goa.design/agentloop/runtime/agent/engine"
	"goa.design/agentloop/runtime/agent/toolerrors"
	"goa.design/agentloop/runtime/agent/tools"
	"goa.design/agentloop/runtime/toolregistry"
)

// Replies of turns that end without a normal planner response.
const (
	budgetExceededReply = "I was unable to complete this request within the allowed number of tool calls."
	planningFailedReply = "I'm sorry, I could not work out how to answer that right now. Please try again."
	canceledReply       = "The request was canceled."
	fatalReply          = "The request could not be processed."
)

type (
	sessionLoop struct {
		r  *Runtime
		wf engine.WorkflowContext
		in *api.SessionStart

		sm        *machine
		queue     []*pendingSubmission
		history   []api.Message
		catalog   *toolregistry.Catalog
		endpoints map[string]tools.EndpointReference
		budget    int

		turn int
		step int
		// closing is set by the end-chat signal: queued submissions are
		// still processed, new ones are rejected.
		closing bool
		// ended is set by a "done" decision: the session stops after the
		// current reply.
		ended bool
	}

	pendingSubmission struct {
		sub   api.Submission
		reply *api.Reply
		err   error
		done  bool
	}
)

func (r *Runtime) sessionWorkflow(wf engine.WorkflowContext, in *api.SessionStart) (*api.Transcript, error) {
	if in == nil {
		return nil, errors.New("session input is required")
	}
	s := newSessionLoop(r, wf, in)
	if err := s.install(); err != nil {
		return nil, err
	}
	if err := s.bootstrap(); err != nil {
		s.abandon(err)
		return nil, err
	}
	if err := s.loop(); err != nil {
		s.abandon(err)
		return nil, err
	}
	s.abandon(toolerrors.New(toolerrors.CodeSessionClosed, toolerrors.KindPermanent, "session is closed"))
	return s.transcript(), nil
}

func newSessionLoop(r *Runtime, wf engine.WorkflowContext, in *api.SessionStart) *sessionLoop {
	eps := make(map[string]tools.EndpointReference, len(in.Namespaces))
	order := make([]string, 0, len(in.Namespaces))
	for _, ep := range in.Namespaces {
		eps[ep.Namespace] = ep
		order = append(order, ep.Namespace)
	}
	budget := in.MaxToolCalls
	if budget <= 0 {
		budget = r.budget
	}
	return &sessionLoop{
		r:         r,
		wf:        wf,
		in:        in,
		sm:        newMachine(),
		catalog:   toolregistry.NewCatalog(order),
		endpoints: eps,
		budget:    budget,
	}
}

// install registers the queries and the client-facing handlers.
func (s *sessionLoop) install() error {
	if err := s.wf.SetQueryHandler(api.HistoryQuery, func() ([]api.Message, error) {
		return append([]api.Message(nil), s.history...), nil
	}); err != nil {
		return err
	}
	if err := s.wf.SetQueryHandler(api.StateQuery, func() (*api.SessionStatus, error) {
		return s.status(), nil
	}); err != nil {
		return err
	}
	if err := s.wf.SetSubmitHandler(s.handleSubmit); err != nil {
		return err
	}
	s.wf.OnClose(func() { s.closing = true })
	return nil
}

// handleSubmit enqueues a submission and waits for its turn to complete.
func (s *sessionLoop) handleSubmit(hwf engine.WorkflowContext, sub api.Submission) (*api.Reply, error) {
	if s.closing || s.ended {
		return nil, toolerrors.New(toolerrors.CodeSessionClosed, toolerrors.KindPermanent, "session is closed")
	}
	p := &pendingSubmission{sub: sub}
	s.queue = append(s.queue, p)
	if err := hwf.Await(hwf.Context(), func() bool { return p.done }); err != nil {
		return nil, err
	}
	return p.reply, p.err
}

func (s *sessionLoop) status() *api.SessionStatus {
	queued := len(s.queue)
	if queued > 0 && s.sm.Current() != StateIdle {
		queued--
	}
	return &api.SessionStatus{
		State:   string(s.sm.Current()),
		Turn:    s.turn,
		Queued:  queued,
		Closing: s.closing || s.ended,
	}
}

// bootstrap discovers every namespace in priority order as turn 0.
func (s *sessionLoop) bootstrap() error {
	namespaces := s.catalog.Namespaces()
	for _, ns := range namespaces {
		if err := s.discover(ns); err != nil {
			if errors.Is(err, api.ErrTurnCanceled) {
				s.wf.Logger().Warn(s.wf.Context(), "bootstrap discovery canceled", "session", s.in.SessionID, "namespace", ns)
				continue
			}
			return err
		}
	}
	s.wf.Logger().Info(s.wf.Context(), "session started", "session", s.in.SessionID, "namespaces", len(namespaces))
	return nil
}

// loop processes the queue until the session is closed or ended.
func (s *sessionLoop) loop() error {
	ctx := s.wf.Context()
	for !s.ended {
		if err := s.wf.Await(ctx, func() bool { return len(s.queue) > 0 || s.closing }); err != nil {
			return err
		}
		if len(s.queue) == 0 {
			return nil
		}
		p := s.queue[0]
		reply, err := s.runTurn(p.sub)
		if err != nil {
			return err
		}
		s.queue = s.queue[1:]
		p.reply, p.done = reply, true
	}
	return nil
}

// abandon resolves every queued submission with err.
func (s *sessionLoop) abandon(err error) {
	for _, p := range s.queue {
		if !p.done {
			p.err, p.done = err, true
		}
	}
	s.queue = nil
}

// runTurn processes one submission. The returned error is reserved for
// failures that end the session (canceled workflow, illegal transition);
// everything else ends the turn with a possibly degraded reply.
func (s *sessionLoop) runTurn(sub api.Submission) (*api.Reply, error) {
	s.turn++
	s.step = 0
	s.wf.ClearCancellation()
	ctx := s.wf.Context()
	reply := &api.Reply{SubmissionID: sub.ID, Turn: s.turn}
	s.wf.Logger().Info(ctx, "turn started", "session", s.in.SessionID, "turn", s.turn, "submission", sub.ID)

	if err := s.refresh(); err != nil {
		return reply, s.abort(reply, err)
	}
	snap, err := s.catalog.Snapshot()
	if err != nil {
		return reply, s.abort(reply, fmt.Errorf("%w: build snapshot: %w", effect.ErrFatal, err))
	}
	if len(snap.Conflicts) > 0 {
		s.wf.Logger().Warn(ctx, "tool name conflicts", "session", s.in.SessionID, "shadowed", fmt.Sprint(snap.Conflicts))
	}
	s.history = append(s.history, api.Message{Role: api.RoleUser, Content: sub.Message, Turn: s.turn})

	if err := s.sm.to(StatePlanning); err != nil {
		return nil, err
	}
	calls := 0
	for {
		s.step++
		out, err := s.wf.ExecutePlannerActivity(ctx, engine.PlannerActivityCall{
			Name: PlanActivityName,
			Input: &api.PlanInput{
				StepID:   s.stepID(),
				Messages: append([]api.Message(nil), s.history...),
				Tools:    snap.Summaries(),
			},
		})
		if err != nil {
			return reply, s.abort(reply, err)
		}
		if out.Error != nil {
			s.wf.Logger().Warn(ctx, "planning failed", "session", s.in.SessionID, "turn", s.turn, "err", out.Error)
			return reply, s.respond(reply, planningFailedReply, out.Error)
		}
		d := out.Decision
		if d.Terminal() {
			if d.Action == api.ActionDone {
				s.ended = true
			}
			return reply, s.respond(reply, d.Response, nil)
		}
		if calls >= s.budget {
			te := toolerrors.Errorf(toolerrors.CodeTurnBudgetExceeded, toolerrors.KindPermanent,
				"turn exceeded its budget of %d tool calls", s.budget)
			return reply, s.respond(reply, budgetExceededReply, te)
		}
		calls++
		if err := s.sm.to(StateDispatching); err != nil {
			return nil, err
		}
		s.history = append(s.history, api.Message{Role: api.RoleAssistant, Content: narration(d), Turn: s.turn})
		result, te, err := s.dispatch(ctx, snap, d)
		if err != nil {
			return reply, s.abort(reply, err)
		}
		msg := api.Message{Role: api.RoleTool, Tool: d.Tool, Turn: s.turn}
		if te != nil {
			reply.ToolErrors = append(reply.ToolErrors, te)
			msg.Content = "Tool error: " + te.Error()
		} else {
			msg.Content = "Tool result: " + result
		}
		s.history = append(s.history, msg)
		if err := s.sm.to(StatePlanning); err != nil {
			return nil, err
		}
	}
}

// respond completes the turn with message. te marks a degraded reply.
func (s *sessionLoop) respond(reply *api.Reply, message string, te *toolerrors.ToolError) error {
	if err := s.sm.to(StateResponding); err != nil {
		return err
	}
	reply.Message = message
	reply.Error = te
	s.history = append(s.history, api.Message{Role: api.RoleAssistant, Content: message, Turn: s.turn})
	s.wf.Logger().Info(s.wf.Context(), "turn completed", "session", s.in.SessionID, "turn", s.turn,
		"degraded", reply.Degraded(), "tool_errors", len(reply.ToolErrors))
	return s.sm.to(StateIdle)
}

// abort ends the turn after a step returned a Go error. A canceled turn and
// a fatal step failure produce a degraded reply and keep the session; the
// returned error is non-nil only when the session must stop (canceled
// workflow, illegal transition).
func (s *sessionLoop) abort(reply *api.Reply, err error) error {
	ctx := s.wf.Context()
	if ctx.Err() != nil {
		return err
	}
	var te *toolerrors.ToolError
	if errors.Is(err, api.ErrTurnCanceled) || errors.Is(err, context.Canceled) {
		te = toolerrors.New(toolerrors.CodeCanceled, toolerrors.KindFatal, "turn canceled")
		reply.Message = canceledReply
		s.wf.Logger().Info(ctx, "turn canceled", "session", s.in.SessionID, "turn", s.turn)
	} else {
		te = fatalError(err)
		reply.Message = fatalReply
		s.wf.Logger().Error(ctx, "turn aborted", "session", s.in.SessionID, "turn", s.turn, "err", err)
	}
	reply.Error = te
	if err := s.sm.to(StateResponding); err != nil {
		return err
	}
	return s.sm.to(StateIdle)
}

// refresh drains pending refresh signals and rediscovers each requested
// namespace once, in request order.
func (s *sessionLoop) refresh() error {
	var requested []string
	seen := make(map[string]struct{})
	for {
		req, ok := s.wf.RefreshRequests().ReceiveAsync()
		if !ok {
			break
		}
		if _, dup := seen[req.Namespace]; dup {
			continue
		}
		seen[req.Namespace] = struct{}{}
		requested = append(requested, req.Namespace)
	}
	for _, ns := range requested {
		if _, known := s.endpoints[ns]; !known && ns != tools.LocalNamespace {
			s.wf.Logger().Warn(s.wf.Context(), "refresh of unknown namespace ignored", "session", s.in.SessionID, "namespace", ns)
			continue
		}
		if err := s.discover(ns); err != nil {
			return err
		}
	}
	return nil
}

// discover runs one discovery step. A classified failure keeps the
// namespace's previous tools.
func (s *sessionLoop) discover(ns string) error {
	ctx := s.wf.Context()
	s.step++
	in := &api.DiscoveryInput{StepID: s.stepID()}
	var (
		out *api.DiscoveryOutput
		err error
	)
	ep, remote := s.endpoints[ns]
	switch {
	case !remote:
		out, err = s.wf.ExecuteDiscoveryActivity(ctx, engine.DiscoveryActivityCall{Name: DiscoveryActivityName, Input: in})
	case ep.Transport == tools.TransportTemporal:
		in.Endpoint = &ep
		out, err = s.wf.ExecuteNexusDiscovery(ctx, engine.NexusDiscoveryCall{Endpoint: ep, Input: in})
	default:
		in.Endpoint = &ep
		out, err = s.wf.ExecuteDiscoveryActivity(ctx, engine.DiscoveryActivityCall{Name: DiscoveryActivityName, Input: in})
	}
	if err != nil {
		return err
	}
	if out.Error != nil {
		s.wf.Logger().Warn(ctx, "discovery failed, keeping previous tools", "session", s.in.SessionID,
			"namespace", ns, "err", out.Error)
		return nil
	}
	s.catalog.Replace(ns, out.Tools)
	s.wf.Logger().Info(ctx, "namespace discovered", "session", s.in.SessionID, "namespace", ns, "tools", len(out.Tools))
	return nil
}

// dispatch resolves and runs one tool call against the turn snapshot. Lookup
// and validation failures are returned as classified errors without running
// a step.
func (s *sessionLoop) dispatch(ctx context.Context, snap *toolregistry.Snapshot, d *api.PlanDecision) (string, *toolerrors.ToolError, error) {
	def, te := snap.Resolve(d.Tool, d.Args)
	if te != nil {
		return "", te, nil
	}
	args := d.Args
	if len(strings.TrimSpace(string(args))) == 0 {
		args = []byte("{}")
	}
	s.step++
	in := &api.ToolInput{StepID: s.stepID(), Tool: def, Args: args}
	var (
		out *api.ToolOutput
		err error
	)
	switch {
	case def.Locality == tools.LocalityLocal || def.Endpoint == nil:
		out, err = s.wf.ExecuteToolActivity(ctx, engine.ToolActivityCall{Name: LocalToolActivityName, Input: in})
	case def.Endpoint.Transport == tools.TransportTemporal:
		out, err = s.wf.ExecuteNexusTool(ctx, engine.NexusToolCall{
			Endpoint: *def.Endpoint,
			Input:    in,
			Options:  s.r.remoteToolOptions(def.Namespace),
		})
	default:
		out, err = s.wf.ExecuteToolActivity(ctx, engine.ToolActivityCall{
			Name:    RemoteToolActivityName,
			Input:   in,
			Options: s.r.remoteToolOptions(def.Namespace),
		})
	}
	if err != nil {
		return "", nil, err
	}
	if out.Error != nil {
		return "", out.Error, nil
	}
	return out.Result, nil, nil
}

func (s *sessionLoop) stepID() api.StepID {
	return api.StepID{SessionID: s.wf.WorkflowID(), Turn: s.turn, Step: s.step}
}

func (s *sessionLoop) transcript() *api.Transcript {
	return &api.Transcript{
		SessionID: s.wf.WorkflowID(),
		Turns:     s.turn,
		History:   append([]api.Message(nil), s.history...),
		Text:      RenderTranscript(s.history),
	}
}

// narration is the assistant history entry recorded before a dispatch.
func narration(d *api.PlanDecision) string {
	if d.Reasoning == "" {
		return fmt.Sprintf("I'll use the %s tool.", d.Tool)
	}
	return fmt.Sprintf("I'll use the %s tool: %s", d.Tool, d.Reasoning)
}

// fatalError extracts the fatal classification carried by err, or
// classifies err as an internal failure.
func fatalError(err error) *toolerrors.ToolError {
	var te *toolerrors.ToolError
	if errors.As(err, &te) && te.Kind == toolerrors.KindFatal {
		return te
	}
	return toolerrors.Wrap(toolerrors.CodeInternal, toolerrors.KindFatal, err.Error(), err)
}
