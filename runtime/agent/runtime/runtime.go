// Package runtime implements the conversation orchestrator. A session is one
// durable workflow: submissions are queued and processed one turn at a time,
// each turn alternating planning steps and tool dispatches until the planner
// responds. Every side effect (planning, tool calls, discovery) runs as an
// engine activity so a recovered session replays recorded results instead of
// calling the planner or the tools again.
//
// Example usage:
//
//	rt, err := runtime.New(runtime.Options{
//		Engine:     inmem.New(journalStore),
//		Planner:    plannerImpl,
//		LocalTools: toolset,
//		Namespaces: []tools.EndpointReference{itRef, financeRef},
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := rt.Register(ctx); err != nil {
//		log.Fatal(err)
//	}
//	if err := rt.Start(ctx, "s1"); err != nil {
//		log.Fatal(err)
//	}
//	reply, err := rt.Submit(ctx, "s1", "What is 15 * 23?")
package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"goa.design/agentloop/runtime/agent/engine"
	"goa.design/agentloop/runtime/agent/planner"
	"goa.design/agentloop/runtime/agent/retry"
	"goa.design/agentloop/runtime/agent/session"
	sessioninmem "goa.design/agentloop/runtime/agent/session/inmem"
	"goa.design/agentloop/runtime/agent/telemetry"
	"goa.design/agentloop/runtime/agent/tools"
	"goa.design/agentloop/runtime/toolregistry"
	"goa.design/agentloop/runtime/toolregistry/executor"
)

// Names under which the session workflow and its activities are registered.
const (
	WorkflowName           = "agentloop.Session"
	PlanActivityName       = "agentloop.Plan"
	LocalToolActivityName  = "agentloop.ExecuteLocalTool"
	RemoteToolActivityName = "agentloop.ExecuteRemoteTool"
	DiscoveryActivityName  = "agentloop.DiscoverTools"
)

// DefaultMaxToolCalls bounds tool dispatches per turn when neither the
// runtime nor the session configures a budget.
const DefaultMaxToolCalls = 10

// ErrMissingSessionID is returned when a session operation gets an empty ID.
var ErrMissingSessionID = errors.New("session id is required")

type (
	// Runtime owns the session workflow, its activities and the client side
	// session operations. All methods are safe for concurrent use.
	Runtime struct {
		// Engine is the durable execution backend.
		Engine engine.Engine
		// Sessions persists session lifecycle records.
		Sessions session.Store

		planner    planner.Planner
		local      *toolregistry.Toolset
		gateway    *executor.Executor
		namespaces []tools.EndpointReference
		budget     int
		taskQueue  string

		planOpts      engine.ActivityOptions
		localToolOpts engine.ActivityOptions
		remoteOpts    engine.ActivityOptions
		discoveryOpts engine.ActivityOptions
		nsRetry       map[string]retry.Policy

		logger  telemetry.Logger
		metrics telemetry.Metrics
		tracer  telemetry.Tracer

		mu         sync.Mutex
		registered bool
	}

	// Options configures the Runtime. Engine and Planner are required.
	Options struct {
		// Engine is the workflow backend (inmem or temporal).
		Engine engine.Engine
		// Planner decides the next action of each planning step.
		Planner planner.Planner
		// LocalTools is the in-process namespace. Nil means no local tools.
		LocalTools *toolregistry.Toolset
		// Gateway reaches remote namespaces over Nexus HTTP. Defaults to a
		// gateway with default polling.
		Gateway *executor.Executor
		// SessionStore persists session lifecycle. Defaults to in-memory.
		SessionStore session.Store
		// Namespaces lists the remote namespaces in priority order. A session
		// started without its own list uses this one.
		Namespaces []tools.EndpointReference
		// MaxToolCalls is the default per-turn tool budget.
		MaxToolCalls int
		// TaskQueue is the workflow task queue (Temporal).
		TaskQueue string
		// PlanActivity overrides the planner activity options. Default: 5s
		// initial backoff doubling up to 60s, one minute per attempt.
		PlanActivity engine.ActivityOptions
		// LocalToolActivity overrides local tool options. Default: 5
		// attempts, 30s per attempt.
		LocalToolActivity engine.ActivityOptions
		// RemoteToolActivity overrides remote tool options. Default: 5
		// attempts, two minutes per attempt (async jobs poll within one
		// attempt).
		RemoteToolActivity engine.ActivityOptions
		// DiscoveryActivity overrides discovery options. Default: 3 attempts,
		// 30s per attempt.
		DiscoveryActivity engine.ActivityOptions
		// NamespaceRetry overrides the remote tool retry policy per namespace.
		NamespaceRetry map[string]retry.Policy
		// Telemetry carries logger, metrics and tracer. Nil members default to
		// noop implementations.
		Telemetry telemetry.Bundle
	}
)

// New validates opts and returns a Runtime. Call Register before starting
// sessions.
func New(opts Options) (*Runtime, error) {
	if opts.Engine == nil {
		return nil, errors.New("engine is required")
	}
	if opts.Planner == nil {
		return nil, errors.New("planner is required")
	}
	seen := make(map[string]struct{}, len(opts.Namespaces))
	for _, ep := range opts.Namespaces {
		if err := ep.Validate(); err != nil {
			return nil, err
		}
		if _, dup := seen[ep.Namespace]; dup {
			return nil, fmt.Errorf("namespace %q is configured twice", ep.Namespace)
		}
		seen[ep.Namespace] = struct{}{}
	}
	for ns, p := range opts.NamespaceRetry {
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("retry policy of namespace %q: %w", ns, err)
		}
	}
	tel := opts.Telemetry.WithDefaults()
	local := opts.LocalTools
	if local == nil {
		local = toolregistry.NewToolset()
	}
	gw := opts.Gateway
	if gw == nil {
		gw = executor.New(executor.WithTelemetry(tel))
	}
	store := opts.SessionStore
	if store == nil {
		store = sessioninmem.New()
	}
	budget := opts.MaxToolCalls
	if budget <= 0 {
		budget = DefaultMaxToolCalls
	}
	return &Runtime{
		Engine:        opts.Engine,
		Sessions:      store,
		planner:       opts.Planner,
		local:         local,
		gateway:       gw,
		namespaces:    append([]tools.EndpointReference(nil), opts.Namespaces...),
		budget:        budget,
		taskQueue:     opts.TaskQueue,
		planOpts:      withDefaults(opts.PlanActivity, retry.PlannerPolicy(), time.Minute),
		localToolOpts: withDefaults(opts.LocalToolActivity, retry.ToolPolicy(), 30*time.Second),
		remoteOpts:    withDefaults(opts.RemoteToolActivity, retry.ToolPolicy(), 2*time.Minute),
		discoveryOpts: withDefaults(opts.DiscoveryActivity, discoveryPolicy(), 30*time.Second),
		nsRetry:       opts.NamespaceRetry,
		logger:        tel.Logger,
		metrics:       tel.Metrics,
		tracer:        tel.Tracer,
	}, nil
}

// Register registers the session workflow and its activities with the
// engine. It is idempotent.
func (r *Runtime) Register(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.registered {
		return nil
	}
	if err := r.Engine.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name:      WorkflowName,
		TaskQueue: r.taskQueue,
		Handler:   r.sessionWorkflow,
	}); err != nil {
		return fmt.Errorf("register session workflow: %w", err)
	}
	if err := r.Engine.RegisterPlannerActivity(ctx, PlanActivityName, r.planOpts, r.planActivity); err != nil {
		return fmt.Errorf("register planner activity: %w", err)
	}
	if err := r.Engine.RegisterToolActivity(ctx, LocalToolActivityName, r.localToolOpts, r.localToolActivity); err != nil {
		return fmt.Errorf("register local tool activity: %w", err)
	}
	if err := r.Engine.RegisterToolActivity(ctx, RemoteToolActivityName, r.remoteOpts, r.remoteToolActivity); err != nil {
		return fmt.Errorf("register remote tool activity: %w", err)
	}
	if err := r.Engine.RegisterDiscoveryActivity(ctx, DiscoveryActivityName, r.discoveryOpts, r.discoveryActivity); err != nil {
		return fmt.Errorf("register discovery activity: %w", err)
	}
	r.registered = true
	return nil
}

// remoteToolOptions returns the call options for a remote tool of
// namespace: the per-namespace retry override when configured.
func (r *Runtime) remoteToolOptions(namespace string) engine.ActivityOptions {
	opts := r.remoteOpts
	if p, ok := r.nsRetry[namespace]; ok {
		opts.Retry = p
	}
	return opts
}

func withDefaults(o engine.ActivityOptions, p retry.Policy, timeout time.Duration) engine.ActivityOptions {
	if o.Retry.MaxAttempts == 0 {
		o.Retry = p
	}
	if o.AttemptTimeout == 0 {
		o.AttemptTimeout = timeout
	}
	return o
}

func discoveryPolicy() retry.Policy {
	p := retry.ToolPolicy()
	p.MaxAttempts = 3
	return p
}
