// Package engine defines the durable execution substrate the orchestrator
// runs on. A session is a workflow: its handler is deterministic, every
// non-deterministic call goes through an activity, and the engine replays
// recorded activity results when the workflow is recovered.
//
// Two implementations ship with the module:
//
//   - temporal: Temporal-backed execution. History, retries and recovery are
//     provided by the Temporal service; remote namespaces may be reached
//     through Temporal Nexus endpoints.
//
//   - inmem: a from-scratch engine over a journal.Store. Activities run
//     through the side-effect executor (memoization by step identity, retry
//     with backoff); recovery re-runs the workflow handler against the
//     journal.
//
// # Determinism
//
// Workflow handlers must only observe state through WorkflowContext: Now for
// time, activities for I/O, RefreshRequests for signals. Re-running a handler
// over the same recorded results must produce the same sequence of calls.
package engine

import (
	"context"
	"errors"
	"time"

	"goa.design/agentloop/runtime/agent/api"
	"goa.design/agentloop/runtime/agent/retry"
	"goa.design/agentloop/runtime/agent/telemetry"
	"goa.design/agentloop/runtime/agent/tools"
)

var (
	// ErrWorkflowNotFound indicates no workflow exists for an identifier.
	ErrWorkflowNotFound = errors.New("workflow not found")
	// ErrAlreadyStarted indicates a workflow with the identifier is running.
	ErrAlreadyStarted = errors.New("workflow already started")
)

type (
	// Engine registers the session workflow and its activities and starts
	// executions.
	Engine interface {
		// RegisterWorkflow registers a workflow definition.
		RegisterWorkflow(ctx context.Context, def WorkflowDefinition) error
		// RegisterPlannerActivity registers a planning activity.
		RegisterPlannerActivity(ctx context.Context, name string, opts ActivityOptions, fn PlannerFunc) error
		// RegisterToolActivity registers a tool execution activity.
		RegisterToolActivity(ctx context.Context, name string, opts ActivityOptions, fn ToolFunc) error
		// RegisterDiscoveryActivity registers a namespace discovery activity.
		RegisterDiscoveryActivity(ctx context.Context, name string, opts ActivityOptions, fn DiscoveryFunc) error
		// StartWorkflow starts an execution. Engines that support recovery
		// resume an interrupted execution with the same ID instead of failing.
		StartWorkflow(ctx context.Context, req WorkflowStartRequest) (WorkflowHandle, error)
		// AttachWorkflow returns a handle to a running execution. It returns
		// ErrWorkflowNotFound when none exists.
		AttachWorkflow(ctx context.Context, workflowID string) (WorkflowHandle, error)
	}

	// PlannerFunc produces a plan decision. Returning a non-nil error lets
	// the engine classify and retry it.
	PlannerFunc func(context.Context, *api.PlanInput) (*api.PlanOutput, error)

	// ToolFunc executes a tool.
	ToolFunc func(context.Context, *api.ToolInput) (*api.ToolOutput, error)

	// DiscoveryFunc lists the tools of one namespace.
	DiscoveryFunc func(context.Context, *api.DiscoveryInput) (*api.DiscoveryOutput, error)

	// WorkflowDefinition binds a handler to a name and default queue.
	WorkflowDefinition struct {
		Name      string
		TaskQueue string
		Handler   WorkflowFunc
	}

	// WorkflowFunc is the session workflow entry point.
	WorkflowFunc func(wf WorkflowContext, input *api.SessionStart) (*api.Transcript, error)

	// SubmitHandler handles one submission. It runs concurrently with the
	// workflow loop under the engine's scheduling rules and may block with
	// wf.Await until its reply is ready. wf is bound to the handler.
	SubmitHandler func(wf WorkflowContext, sub api.Submission) (*api.Reply, error)

	// WorkflowContext is the deterministic view a workflow handler has of
	// the engine.
	//
	// Contract:
	// - Only one piece of workflow code (the main loop or a handler) runs at a
	//   time; code runs uninterrupted between blocking calls (Await and the
	//   Execute methods).
	// - Execute methods return a Go error only for a canceled turn
	//   (api.ErrTurnCanceled), a canceled workflow, or a fatal failure.
	//   Classified step failures are carried in the output's Error field.
	WorkflowContext interface {
		// Context returns the workflow-scoped Go context.
		Context() context.Context
		// WorkflowID returns the session identifier.
		WorkflowID() string
		// Logger returns a logger that is silent during replay.
		Logger() telemetry.Logger
		// Now returns deterministic workflow time.
		Now() time.Time
		// Await blocks until condition returns true or ctx is done.
		// Condition must be side-effect free.
		Await(ctx context.Context, condition func() bool) error
		// SetQueryHandler registers a read-only query. handler must be a
		// func() (T, error).
		SetQueryHandler(name string, handler any) error
		// SetSubmitHandler registers the api.SubmitUpdate handler.
		SetSubmitHandler(h SubmitHandler) error
		// OnClose registers fn to run when the api.CloseSignal arrives.
		OnClose(fn func())
		// RefreshRequests returns the receiver of api.RefreshSignal.
		RefreshRequests() Receiver[api.RefreshRequest]
		// ClearCancellation discards a pending turn cancel. The orchestrator
		// calls it at every turn start so a cancel only ever affects the turn
		// that was running when it arrived.
		ClearCancellation()

		// ExecutePlannerActivity runs a planning step.
		ExecutePlannerActivity(ctx context.Context, call PlannerActivityCall) (*api.PlanOutput, error)
		// ExecuteToolActivity runs a tool step.
		ExecuteToolActivity(ctx context.Context, call ToolActivityCall) (*api.ToolOutput, error)
		// ExecuteDiscoveryActivity runs a discovery step.
		ExecuteDiscoveryActivity(ctx context.Context, call DiscoveryActivityCall) (*api.DiscoveryOutput, error)
		// ExecuteNexusTool runs a tool step against a namespace reached through
		// a Temporal Nexus endpoint (tools.TransportTemporal).
		ExecuteNexusTool(ctx context.Context, call NexusToolCall) (*api.ToolOutput, error)
		// ExecuteNexusDiscovery runs a discovery step against a namespace
		// reached through a Temporal Nexus endpoint.
		ExecuteNexusDiscovery(ctx context.Context, call NexusDiscoveryCall) (*api.DiscoveryOutput, error)
	}

	// Receiver delivers signals deterministically.
	Receiver[T any] interface {
		// ReceiveAsync returns the next pending value without blocking.
		ReceiveAsync() (T, bool)
	}

	// ActivityOptions configures an activity.
	ActivityOptions struct {
		// Queue overrides the workflow's task queue.
		Queue string
		// Retry is the retry policy. A zero MaxAttempts means the engine
		// default.
		Retry retry.Policy
		// AttemptTimeout bounds one attempt (Temporal StartToCloseTimeout).
		AttemptTimeout time.Duration
	}

	// PlannerActivityCall is one planning step.
	PlannerActivityCall struct {
		Name    string
		Input   *api.PlanInput
		Options ActivityOptions
	}

	// ToolActivityCall is one tool step.
	ToolActivityCall struct {
		Name    string
		Input   *api.ToolInput
		Options ActivityOptions
	}

	// DiscoveryActivityCall is one discovery step.
	DiscoveryActivityCall struct {
		Name    string
		Input   *api.DiscoveryInput
		Options ActivityOptions
	}

	// NexusToolCall is a tool step served through a Temporal Nexus endpoint.
	NexusToolCall struct {
		Endpoint tools.EndpointReference
		Input    *api.ToolInput
		Options  ActivityOptions
	}

	// NexusDiscoveryCall is a discovery step served through a Temporal Nexus
	// endpoint.
	NexusDiscoveryCall struct {
		Endpoint tools.EndpointReference
		Input    *api.DiscoveryInput
		Options  ActivityOptions
	}

	// WorkflowStartRequest describes an execution to start.
	WorkflowStartRequest struct {
		// ID is the session identifier.
		ID string
		// Workflow names the registered definition.
		Workflow string
		// TaskQueue overrides the definition's queue.
		TaskQueue string
		// Input is the workflow input.
		Input *api.SessionStart
	}

	// WorkflowHandle is the client side of a session execution.
	WorkflowHandle interface {
		// ID returns the session identifier.
		ID() string
		// Submit delivers a submission and blocks until its reply.
		Submit(ctx context.Context, sub api.Submission) (*api.Reply, error)
		// SignalRefresh requests rediscovery of a namespace.
		SignalRefresh(ctx context.Context, req api.RefreshRequest) error
		// CancelTurn aborts the step in flight, if any.
		CancelTurn(ctx context.Context) error
		// Close requests the end of the session.
		Close(ctx context.Context) error
		// History queries the conversation history.
		History(ctx context.Context) ([]api.Message, error)
		// Status queries the orchestrator state.
		Status(ctx context.Context) (*api.SessionStatus, error)
		// Wait blocks until the execution completes.
		Wait(ctx context.Context) (*api.Transcript, error)
	}
)
