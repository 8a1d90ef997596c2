// Package inmem implements engine.Engine in process on top of a
// journal.Store.
//
// Durability model:
//   - Every activity runs through the side-effect executor, so a step
//     identity is recorded exactly once and replays its recorded value.
//   - Submissions and close requests are journaled before they are delivered
//     and re-delivered in journal order when the execution is recovered.
//   - Refresh signals are journaled when the workflow drains them, keyed by
//     drain ordinal, so recovery observes the same drains. Signals received
//     but not yet drained when the process stops are lost.
//
// Recovering a session is starting it again: StartWorkflow with an ID that
// has journal records re-runs the workflow handler against the journal.
//
// Scheduling: workflow code (the main loop and submit handlers) runs under a
// single per-execution lock which is released only while the code is blocked
// in Await or in an activity. This gives the one-logical-thread-per-session
// model without requiring workflow code to synchronize.
package inmem

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"goa.design/agentloop/runtime/agent/api"
	"goa.design/agentloop/runtime/agent/effect"
	"goa.design/agentloop/runtime/agent/engine"
	"goa.design/agentloop/runtime/agent/journal"
	"goa.design/agentloop/runtime/agent/retry"
	"goa.design/agentloop/runtime/agent/telemetry"
	"goa.design/agentloop/runtime/agent/toolerrors"
)

type (
	// Engine is the in-memory engine. Create it with New and stop it with
	// Close.
	Engine struct {
		store journal.Store
		exec  *effect.Executor
		tel   telemetry.Bundle

		root   context.Context
		cancel context.CancelFunc
		wg     sync.WaitGroup

		mu        sync.RWMutex
		workflows map[string]engine.WorkflowDefinition
		planners  map[string]activity[engine.PlannerFunc]
		tools     map[string]activity[engine.ToolFunc]
		discovery map[string]activity[engine.DiscoveryFunc]
		runs      map[string]*run
	}

	// Option configures the engine.
	Option func(*Engine)

	activity[F any] struct {
		fn   F
		opts engine.ActivityOptions
	}

	// run is one session execution.
	run struct {
		eng *Engine
		id  string
		ctx context.Context
		end context.CancelFunc

		// mu is the workflow lock; cond wakes Await callers.
		mu   sync.Mutex
		cond *sync.Cond

		submitHandler engine.SubmitHandler
		onClose       []func()
		queries       map[string]any
		pendingSignal []api.RefreshRequest
		drains        int
		cancelPending bool
		inflight      context.CancelFunc
		replaying     bool

		// deliverMu serializes journaling and delivery of external events so
		// journal order is delivery order.
		deliverMu sync.Mutex
		events    int

		done   chan struct{}
		result *api.Transcript
		err    error
	}

	// wfCtx is the WorkflowContext given to the main loop (yield == nil) and
	// to each submit handler.
	wfCtx struct {
		run   *run
		yield func()
	}

	handle struct {
		run *run
	}

	refreshReceiver struct {
		w *wfCtx
	}

	// eventPayload is the journal payload of a delivered external event.
	eventPayload struct {
		Submission *api.Submission `json:"submission,omitempty"`
	}

	// drainPayload is the journal payload of one refresh drain.
	drainPayload struct {
		Request *api.RefreshRequest `json:"request,omitempty"`
	}

	submitResult struct {
		reply *api.Reply
		err   error
	}
)

// WithTelemetry sets the logger, metrics and tracer used by the engine and
// its executor.
func WithTelemetry(b telemetry.Bundle) Option {
	return func(e *Engine) { e.tel = b.WithDefaults() }
}

// New returns an engine recording into store.
func New(store journal.Store, opts ...Option) *Engine {
	e := &Engine{
		store:     store,
		tel:       telemetry.Bundle{}.WithDefaults(),
		workflows: make(map[string]engine.WorkflowDefinition),
		planners:  make(map[string]activity[engine.PlannerFunc]),
		tools:     make(map[string]activity[engine.ToolFunc]),
		discovery: make(map[string]activity[engine.DiscoveryFunc]),
		runs:      make(map[string]*run),
	}
	for _, o := range opts {
		o(e)
	}
	e.exec = effect.New(store, effect.WithTelemetry(e.tel))
	e.root, e.cancel = context.WithCancel(context.Background())
	return e
}

// Close stops every execution as a process exit would: in-flight steps are
// abandoned unrecorded. Close waits for workflow goroutines to return.
func (e *Engine) Close() {
	e.cancel()
	e.wg.Wait()
}

func (e *Engine) RegisterWorkflow(_ context.Context, def engine.WorkflowDefinition) error {
	if def.Name == "" || def.Handler == nil {
		return errors.New("invalid workflow definition")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.workflows[def.Name]; dup {
		return fmt.Errorf("workflow %q already registered", def.Name)
	}
	e.workflows[def.Name] = def
	return nil
}

func (e *Engine) RegisterPlannerActivity(_ context.Context, name string, opts engine.ActivityOptions, fn engine.PlannerFunc) error {
	return register(&e.mu, e.planners, "planner", name, opts, fn)
}

func (e *Engine) RegisterToolActivity(_ context.Context, name string, opts engine.ActivityOptions, fn engine.ToolFunc) error {
	return register(&e.mu, e.tools, "tool", name, opts, fn)
}

func (e *Engine) RegisterDiscoveryActivity(_ context.Context, name string, opts engine.ActivityOptions, fn engine.DiscoveryFunc) error {
	return register(&e.mu, e.discovery, "discovery", name, opts, fn)
}

func register[F any](mu *sync.RWMutex, m map[string]activity[F], kind, name string, opts engine.ActivityOptions, fn F) error {
	if name == "" {
		return fmt.Errorf("%s activity name is required", kind)
	}
	mu.Lock()
	defer mu.Unlock()
	if _, dup := m[name]; dup {
		return fmt.Errorf("%s activity %q already registered", kind, name)
	}
	m[name] = activity[F]{fn: fn, opts: opts}
	return nil
}

// StartWorkflow starts the execution, recovering it from the journal when
// records exist for req.ID.
func (e *Engine) StartWorkflow(ctx context.Context, req engine.WorkflowStartRequest) (engine.WorkflowHandle, error) {
	if req.ID == "" {
		return nil, errors.New("workflow id is required")
	}
	e.mu.Lock()
	def, ok := e.workflows[req.Workflow]
	if !ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("workflow %q not registered", req.Workflow)
	}
	if r, running := e.runs[req.ID]; running && !r.finished() {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", engine.ErrAlreadyStarted, req.ID)
	}
	records, err := journal.ListAll(ctx, e.store, req.ID)
	if err != nil {
		e.mu.Unlock()
		return nil, fmt.Errorf("load journal of %s: %w", req.ID, err)
	}
	r := &run{
		eng:       e,
		id:        req.ID,
		queries:   make(map[string]any),
		done:      make(chan struct{}),
		replaying: len(records) > 0,
	}
	r.cond = sync.NewCond(&r.mu)
	r.ctx, r.end = context.WithCancel(e.root)
	e.runs[req.ID] = r
	e.mu.Unlock()

	if r.replaying {
		e.tel.Logger.Info(ctx, "recovering session from journal", "session", req.ID, "records", len(records))
	}

	// The workflow goroutine holds the lock before delivery starts so the
	// handler registration it performs first is visible to redelivered events.
	started := make(chan struct{})
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		r.mu.Lock()
		close(started)
		out, err := def.Handler(&wfCtx{run: r}, req.Input)
		r.result, r.err = out, err
		r.end()
		r.cond.Broadcast()
		r.mu.Unlock()
		close(r.done)
	}()
	<-started

	if err := r.redeliver(records); err != nil {
		return nil, err
	}
	return &handle{run: r}, nil
}

// AttachWorkflow returns the handle of a running execution.
func (e *Engine) AttachWorkflow(_ context.Context, workflowID string) (engine.WorkflowHandle, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.runs[workflowID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", engine.ErrWorkflowNotFound, workflowID)
	}
	return &handle{run: r}, nil
}

// redeliver replays journaled external events in order. Replies to
// recovered submissions have no waiting caller; they land in the history.
func (r *run) redeliver(records []*journal.Record) error {
	r.deliverMu.Lock()
	defer r.deliverMu.Unlock()
	for _, rec := range records {
		switch rec.Kind {
		case journal.KindSubmission:
			var p eventPayload
			if err := json.Unmarshal(rec.Payload, &p); err != nil || p.Submission == nil {
				return fmt.Errorf("corrupted submission record %s/%s", rec.SessionID, rec.Key)
			}
			r.events++
			r.startHandler(*p.Submission)
		case journal.KindClose:
			r.events++
			r.deliverClose()
		}
	}
	return nil
}

func (r *run) finished() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

func (r *run) broadcast() {
	r.mu.Lock()
	r.cond.Broadcast()
	r.mu.Unlock()
}

// journalEvent appends an external event. Callers hold deliverMu.
func (r *run) journalEvent(ctx context.Context, kind journal.Kind, p eventPayload) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return err
	}
	r.events++
	return r.eng.store.Append(ctx, &journal.Record{
		SessionID:  r.id,
		Key:        "event/" + strconv.Itoa(r.events),
		Kind:       kind,
		Status:     journal.StatusSucceeded,
		Payload:    payload,
		RecordedAt: time.Now().UTC(),
	})
}

// startHandler runs the submit handler for sub and returns once the handler
// yielded (blocked in Await) or returned, so events are applied in delivery
// order. Callers hold deliverMu.
func (r *run) startHandler(sub api.Submission) <-chan submitResult {
	res := make(chan submitResult, 1)
	yielded := make(chan struct{})
	var once sync.Once
	yield := func() { once.Do(func() { close(yielded) }) }

	r.eng.wg.Add(1)
	go func() {
		defer r.eng.wg.Done()
		r.mu.Lock()
		h := r.submitHandler
		var (
			reply *api.Reply
			err   error
		)
		switch {
		case r.finished() || r.ctx.Err() != nil:
			err = toolerrors.New(toolerrors.CodeSessionClosed, toolerrors.KindPermanent, "session is closed")
		case h == nil:
			err = errors.New("workflow registered no submit handler")
		default:
			reply, err = h(&wfCtx{run: r, yield: yield}, sub)
		}
		r.cond.Broadcast()
		r.mu.Unlock()
		yield()
		res <- submitResult{reply: reply, err: err}
	}()
	<-yielded
	return res
}

func (r *run) deliverClose() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, fn := range r.onClose {
		fn()
	}
	r.cond.Broadcast()
}

func (h *handle) ID() string { return h.run.id }

func (h *handle) Submit(ctx context.Context, sub api.Submission) (*api.Reply, error) {
	r := h.run
	if r.finished() {
		return nil, toolerrors.New(toolerrors.CodeSessionClosed, toolerrors.KindPermanent, "session is closed")
	}
	r.deliverMu.Lock()
	if err := r.journalEvent(ctx, journal.KindSubmission, eventPayload{Submission: &sub}); err != nil {
		r.deliverMu.Unlock()
		return nil, fmt.Errorf("journal submission: %w", err)
	}
	res := r.startHandler(sub)
	r.deliverMu.Unlock()

	select {
	case out := <-res:
		return out.reply, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *handle) SignalRefresh(_ context.Context, req api.RefreshRequest) error {
	r := h.run
	if r.finished() {
		return toolerrors.New(toolerrors.CodeSessionClosed, toolerrors.KindPermanent, "session is closed")
	}
	r.mu.Lock()
	r.pendingSignal = append(r.pendingSignal, req)
	r.cond.Broadcast()
	r.mu.Unlock()
	return nil
}

func (h *handle) CancelTurn(context.Context) error {
	r := h.run
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelPending = true
	if r.inflight != nil {
		r.inflight()
	}
	r.cond.Broadcast()
	return nil
}

func (h *handle) Close(ctx context.Context) error {
	r := h.run
	if r.finished() {
		return nil
	}
	r.deliverMu.Lock()
	defer r.deliverMu.Unlock()
	if err := r.journalEvent(ctx, journal.KindClose, eventPayload{}); err != nil {
		return fmt.Errorf("journal close: %w", err)
	}
	r.deliverClose()
	return nil
}

func (h *handle) History(context.Context) ([]api.Message, error) {
	return query[[]api.Message](h.run, api.HistoryQuery)
}

func (h *handle) Status(context.Context) (*api.SessionStatus, error) {
	return query[*api.SessionStatus](h.run, api.StateQuery)
}

// query runs a registered query handler under the workflow lock.
func query[T any](r *run, name string) (T, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.queries[name].(func() (T, error))
	if !ok {
		var zero T
		return zero, fmt.Errorf("query %q is not registered", name)
	}
	return q()
}

func (h *handle) Wait(ctx context.Context) (*api.Transcript, error) {
	select {
	case <-h.run.done:
		return h.run.result, h.run.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (w *wfCtx) Context() context.Context { return w.run.ctx }

func (w *wfCtx) WorkflowID() string { return w.run.id }

// Logger is silent while the execution replays recorded steps.
func (w *wfCtx) Logger() telemetry.Logger {
	if w.run.replaying {
		return telemetry.NewNoopLogger()
	}
	return w.run.eng.tel.Logger
}

func (w *wfCtx) Now() time.Time { return time.Now().UTC() }

func (w *wfCtx) Await(ctx context.Context, condition func() bool) error {
	r := w.run
	stop := context.AfterFunc(ctx, r.broadcast)
	defer stop()
	// Wake the other coroutines: the caller may have changed state they
	// wait on before yielding the lock.
	r.cond.Broadcast()
	for !condition() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if w.yield != nil {
			w.yield()
		}
		r.cond.Wait()
	}
	return nil
}

func (w *wfCtx) SetQueryHandler(name string, handler any) error {
	if name == "" || handler == nil {
		return errors.New("query name and handler are required")
	}
	w.run.queries[name] = handler
	return nil
}

func (w *wfCtx) SetSubmitHandler(h engine.SubmitHandler) error {
	if h == nil {
		return errors.New("submit handler is required")
	}
	w.run.submitHandler = h
	return nil
}

func (w *wfCtx) OnClose(fn func()) { w.run.onClose = append(w.run.onClose, fn) }

func (w *wfCtx) RefreshRequests() engine.Receiver[api.RefreshRequest] {
	return refreshReceiver{w: w}
}

func (w *wfCtx) ClearCancellation() { w.run.cancelPending = false }

// ReceiveAsync drains one refresh signal. The outcome of the n-th drain is
// journaled so recovery observes the same drains.
func (rr refreshReceiver) ReceiveAsync() (api.RefreshRequest, bool) {
	r := rr.w.run
	r.drains++
	key := "refresh/" + strconv.Itoa(r.drains)
	if rec, err := r.eng.store.Lookup(r.ctx, r.id, key); err == nil {
		var p drainPayload
		if json.Unmarshal(rec.Payload, &p) == nil && p.Request != nil {
			return *p.Request, true
		}
		return api.RefreshRequest{}, false
	}
	var p drainPayload
	if len(r.pendingSignal) > 0 {
		req := r.pendingSignal[0]
		r.pendingSignal = r.pendingSignal[1:]
		p.Request = &req
	}
	payload, _ := json.Marshal(p)
	err := r.eng.store.Append(r.ctx, &journal.Record{
		SessionID:  r.id,
		Key:        key,
		Kind:       journal.KindRefresh,
		Status:     journal.StatusSucceeded,
		Payload:    payload,
		RecordedAt: time.Now().UTC(),
	})
	if err != nil {
		// An unrecorded drain would diverge on recovery; keep the signal for
		// a later drain instead.
		r.eng.tel.Logger.Error(r.ctx, "journal refresh drain", "session", r.id, "err", err)
		if p.Request != nil {
			r.pendingSignal = append([]api.RefreshRequest{*p.Request}, r.pendingSignal...)
		}
		r.drains--
		return api.RefreshRequest{}, false
	}
	if p.Request == nil {
		return api.RefreshRequest{}, false
	}
	return *p.Request, true
}

func (w *wfCtx) ExecutePlannerActivity(ctx context.Context, call engine.PlannerActivityCall) (*api.PlanOutput, error) {
	w.run.eng.mu.RLock()
	act, ok := w.run.eng.planners[call.Name]
	w.run.eng.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: planner activity %q not registered", effect.ErrFatal, call.Name)
	}
	return execute(w, ctx, effect.Step[*api.PlanOutput]{
		ID:     call.Input.StepID,
		Kind:   journal.KindPlan,
		Policy: policy(act.opts, call.Options, toolerrors.CodePlanningFailed),
		Run:    func(ctx context.Context) (*api.PlanOutput, error) { return act.fn(ctx, call.Input) },
		Fail: func(te *toolerrors.ToolError) *api.PlanOutput {
			return &api.PlanOutput{Error: toolerrors.Wrap(toolerrors.CodePlanningFailed, toolerrors.KindPermanent, te.Message, te)}
		},
	})
}

func (w *wfCtx) ExecuteToolActivity(ctx context.Context, call engine.ToolActivityCall) (*api.ToolOutput, error) {
	w.run.eng.mu.RLock()
	act, ok := w.run.eng.tools[call.Name]
	w.run.eng.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: tool activity %q not registered", effect.ErrFatal, call.Name)
	}
	return execute(w, ctx, effect.Step[*api.ToolOutput]{
		ID:     call.Input.StepID,
		Kind:   journal.KindTool,
		Policy: policy(act.opts, call.Options, toolerrors.CodeRemoteUnavailable),
		Run:    func(ctx context.Context) (*api.ToolOutput, error) { return act.fn(ctx, call.Input) },
		Fail:   func(te *toolerrors.ToolError) *api.ToolOutput { return &api.ToolOutput{Error: te} },
	})
}

func (w *wfCtx) ExecuteDiscoveryActivity(ctx context.Context, call engine.DiscoveryActivityCall) (*api.DiscoveryOutput, error) {
	w.run.eng.mu.RLock()
	act, ok := w.run.eng.discovery[call.Name]
	w.run.eng.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: discovery activity %q not registered", effect.ErrFatal, call.Name)
	}
	ns := ""
	if call.Input.Endpoint != nil {
		ns = call.Input.Endpoint.Namespace
	}
	return execute(w, ctx, effect.Step[*api.DiscoveryOutput]{
		ID:     call.Input.StepID,
		Kind:   journal.KindDiscovery,
		Policy: policy(act.opts, call.Options, toolerrors.CodeRemoteUnavailable),
		Run:    func(ctx context.Context) (*api.DiscoveryOutput, error) { return act.fn(ctx, call.Input) },
		Fail: func(te *toolerrors.ToolError) *api.DiscoveryOutput {
			return &api.DiscoveryOutput{Namespace: ns, Error: te}
		},
	})
}

// ExecuteNexusTool reports that Temporal Nexus endpoints need the temporal
// engine. The failure is permanent so the planner can pick another tool.
func (w *wfCtx) ExecuteNexusTool(_ context.Context, call engine.NexusToolCall) (*api.ToolOutput, error) {
	return &api.ToolOutput{Error: toolerrors.Errorf(toolerrors.CodeRemoteUnavailable, toolerrors.KindPermanent,
		"namespace %q is served through a Temporal Nexus endpoint, which the in-memory engine cannot reach", call.Endpoint.Namespace)}, nil
}

// ExecuteNexusDiscovery reports the same limitation for discovery.
func (w *wfCtx) ExecuteNexusDiscovery(_ context.Context, call engine.NexusDiscoveryCall) (*api.DiscoveryOutput, error) {
	return &api.DiscoveryOutput{
		Namespace: call.Endpoint.Namespace,
		Error: toolerrors.Errorf(toolerrors.CodeRemoteUnavailable, toolerrors.KindPermanent,
			"namespace %q is served through a Temporal Nexus endpoint, which the in-memory engine cannot reach", call.Endpoint.Namespace),
	}, nil
}

// execute runs a step with the workflow lock released. A pending turn
// cancel is consumed by the first unrecorded step: it is journaled as
// canceled (so recovery sees the same outcome) and surfaces as
// api.ErrTurnCanceled. A step whose result got recorded first keeps it.
func execute[T any](w *wfCtx, ctx context.Context, step effect.Step[T]) (T, error) {
	var zero T
	r := w.run
	exec := r.eng.exec

	recorded, err := exec.Recorded(ctx, step.ID)
	if err != nil {
		return zero, fmt.Errorf("%w: %w", effect.ErrFatal, err)
	}
	if !recorded {
		r.replaying = false
		if r.cancelPending {
			r.cancelPending = false
			if found, err := exec.MarkCanceled(ctx, step.ID, step.Kind); err != nil {
				return zero, fmt.Errorf("%w: %w", effect.ErrFatal, err)
			} else if !found {
				return zero, api.ErrTurnCanceled
			}
		}
	}

	actx, cancel := context.WithCancel(ctx)
	r.inflight = cancel
	r.cond.Broadcast()
	r.mu.Unlock()
	out, err := effect.Execute(actx, exec, step)
	r.mu.Lock()
	r.inflight = nil
	cancel()
	r.cond.Broadcast()

	if err != nil && errors.Is(err, context.Canceled) && ctx.Err() == nil && r.cancelPending {
		r.cancelPending = false
		found, merr := exec.MarkCanceled(ctx, step.ID, step.Kind)
		if merr != nil {
			return zero, fmt.Errorf("%w: %w", effect.ErrFatal, merr)
		}
		if !found {
			return zero, api.ErrTurnCanceled
		}
		// The step was recorded before the cancel took effect.
		return effect.Execute(ctx, exec, step)
	}
	return out, err
}

func policy(registered, call engine.ActivityOptions, exhausted toolerrors.Code) effect.Policy {
	opts := registered
	if call.Retry.MaxAttempts > 0 {
		opts.Retry = call.Retry
	}
	if call.AttemptTimeout > 0 {
		opts.AttemptTimeout = call.AttemptTimeout
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = retry.ToolPolicy()
	}
	return effect.Policy{Retry: opts.Retry, AttemptTimeout: opts.AttemptTimeout, ExhaustedCode: exhausted}
}
