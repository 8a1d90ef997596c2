// Package api defines the values that cross the workflow/activity boundary and
// the names under which sessions expose updates, signals and queries. Every
// type here is plain data: it is recorded in workflow history or in the step
// journal and must round-trip through JSON unchanged.
package api

import (
	"encoding/json"
	"errors"
	"fmt"

	"goa.design/agentloop/runtime/agent/toolerrors"
	"goa.design/agentloop/runtime/agent/tools"
)

// Names of the interactions a session workflow exposes.
const (
	// SubmitUpdate enqueues a message and completes with the turn's reply.
	SubmitUpdate = "send_message"
	// RefreshSignal requests rediscovery of one namespace at the next turn.
	RefreshSignal = "refresh_tools"
	// CancelSignal aborts the in-flight step of the current turn.
	CancelSignal = "cancel_turn"
	// CloseSignal ends the session once queued messages are processed.
	CloseSignal = "end_chat"
	// HistoryQuery returns the ordered conversation history.
	HistoryQuery = "history"
	// StateQuery returns the orchestrator state.
	StateQuery = "state"
)

// ErrTurnCanceled is returned by step execution when a session-level cancel
// aborted the step before its result was recorded.
var ErrTurnCanceled = errors.New("turn canceled")

type (
	// StepID identifies one side effect: the step-th side effect of turn turn
	// in session session. Turn 0 is the session bootstrap (initial discovery).
	StepID struct {
		SessionID string `json:"session_id"`
		Turn      int    `json:"turn"`
		Step      int    `json:"step"`
	}

	// Role identifies the author of a history entry.
	Role string

	// Message is one entry of the conversation history.
	Message struct {
		Role    Role   `json:"role"`
		Content string `json:"content"`
		// Turn is the turn that produced the entry.
		Turn int `json:"turn"`
		// Tool names the tool for RoleTool entries.
		Tool string `json:"tool,omitempty"`
	}

	// SessionStart is the workflow input.
	SessionStart struct {
		SessionID string `json:"session_id"`
		// Namespaces lists remote namespaces in priority order. When two
		// namespaces publish the same tool name the earlier one wins.
		Namespaces []tools.EndpointReference `json:"namespaces"`
		// MaxToolCalls bounds tool dispatches per turn.
		MaxToolCalls int `json:"max_tool_calls"`
	}

	// Submission is a client message waiting in the session queue.
	Submission struct {
		ID      string `json:"id"`
		Message string `json:"message"`
	}

	// Reply is what the waiting Submit call receives.
	Reply struct {
		SubmissionID string `json:"submission_id"`
		Turn         int    `json:"turn"`
		Message      string `json:"message"`
		// Error is set when the turn ended degraded (TurnBudgetExceeded,
		// PlanningFailed, Canceled).
		Error *toolerrors.ToolError `json:"error,omitempty"`
		// ToolErrors lists classified tool failures observed during the turn,
		// in order. The planner saw each of them as a tool result.
		ToolErrors []*toolerrors.ToolError `json:"tool_errors,omitempty"`
	}

	// SessionStatus is the result of the state query.
	SessionStatus struct {
		// State is the orchestrator state (idle, planning, dispatching,
		// responding).
		State string `json:"state"`
		// Turn is the number of turns started so far.
		Turn int `json:"turn"`
		// Queued counts submissions waiting behind the current turn.
		Queued int `json:"queued"`
		// Closing is set once the session stopped accepting submissions.
		Closing bool `json:"closing"`
	}

	// RefreshRequest asks for rediscovery of a namespace.
	RefreshRequest struct {
		Namespace string `json:"namespace"`
	}

	// Transcript is the workflow result returned when the session closes.
	Transcript struct {
		SessionID string    `json:"session_id"`
		Turns     int       `json:"turns"`
		History   []Message `json:"history"`
		// Text is the conversation rendered for humans. Intermediate tool
		// narration is omitted.
		Text string `json:"text"`
	}

	// PlanDecision is the output of a planning step.
	PlanDecision struct {
		Action    Action          `json:"action"`
		Tool      string          `json:"tool,omitempty"`
		Args      json.RawMessage `json:"args,omitempty"`
		Reasoning string          `json:"reasoning,omitempty"`
		Response  string          `json:"response,omitempty"`
	}

	// Action is the kind of a PlanDecision.
	Action string

	// PlanInput is the planner activity input.
	PlanInput struct {
		StepID   StepID          `json:"step_id"`
		Messages []Message       `json:"messages"`
		Tools    []tools.Summary `json:"tools"`
	}

	// PlanOutput is the planner activity output. Exactly one of Decision and
	// Error is set.
	PlanOutput struct {
		Decision *PlanDecision         `json:"decision,omitempty"`
		Error    *toolerrors.ToolError `json:"error,omitempty"`
	}

	// ToolInput is the tool activity input.
	ToolInput struct {
		StepID StepID           `json:"step_id"`
		Tool   tools.Definition `json:"tool"`
		Args   json.RawMessage  `json:"args,omitempty"`
	}

	// ToolOutput is the tool activity output. Error carries a classified
	// failure that is fed back to the planner.
	ToolOutput struct {
		Result string                `json:"result,omitempty"`
		Error  *toolerrors.ToolError `json:"error,omitempty"`
	}

	// DiscoveryInput asks one namespace for its tools.
	DiscoveryInput struct {
		StepID StepID `json:"step_id"`
		// Endpoint is nil for the local namespace.
		Endpoint *tools.EndpointReference `json:"endpoint,omitempty"`
	}

	// DiscoveryOutput lists the tools a namespace published. When Error is set
	// Tools is empty and the caller keeps the namespace's previous tools.
	DiscoveryOutput struct {
		Namespace string                `json:"namespace"`
		Tools     []tools.Definition    `json:"tools,omitempty"`
		Error     *toolerrors.ToolError `json:"error,omitempty"`
	}
)

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

const (
	ActionRespond Action = "respond"
	ActionUseTool Action = "use_tool"
	// ActionDone ends the turn with Response, like ActionRespond.
	ActionDone Action = "done"
)

// String renders the step identity as "session/turn/step".
func (s StepID) String() string {
	return fmt.Sprintf("%s/%d/%d", s.SessionID, s.Turn, s.Step)
}

// Validate reports whether the identity is usable as a memoization key.
func (s StepID) Validate() error {
	if s.SessionID == "" {
		return errors.New("step id: session id is required")
	}
	if s.Turn < 0 || s.Step < 1 {
		return fmt.Errorf("step id %s: turn must be >= 0 and step >= 1", s)
	}
	return nil
}

// Degraded reports whether the turn ended without a normal planner response
// or any of its tool calls failed.
func (r *Reply) Degraded() bool { return r != nil && (r.Error != nil || len(r.ToolErrors) > 0) }

// Failure returns the classified failure carried by the output, if any.
func (o *PlanOutput) Failure() *toolerrors.ToolError { return o.Error }

// Failure returns the classified failure carried by the output, if any.
func (o *ToolOutput) Failure() *toolerrors.ToolError { return o.Error }

// Failure returns the classified failure carried by the output, if any.
func (o *DiscoveryOutput) Failure() *toolerrors.ToolError { return o.Error }

// Terminal reports whether the decision ends the turn.
func (d *PlanDecision) Terminal() bool {
	return d.Action == ActionRespond || d.Action == ActionDone
}

// Validate checks the decision is well formed.
func (d *PlanDecision) Validate() error {
	switch d.Action {
	case ActionRespond, ActionDone:
		return nil
	case ActionUseTool:
		if d.Tool == "" {
			return errors.New("use_tool decision without a tool name")
		}
		return nil
	case "":
		return errors.New("decision has no action")
	default:
		return fmt.Errorf("unknown action %q", d.Action)
	}
}
