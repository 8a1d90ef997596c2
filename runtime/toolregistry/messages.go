// Package toolregistry holds the tool inventory of a session and routes tool
// calls. It also defines the wire protocol spoken between the gateway and
// namespace providers: a Nexus service per namespace exposing list_tools,
// execute_tool, start_tool and poll_tool operations.
package toolregistry

import (
	"encoding/json"

	"github.com/nexus-rpc/sdk-go/nexus"

	"goa.design/agentloop/runtime/agent/toolerrors"
)

type (
	// ToolDescriptor is one entry of a discovery response.
	ToolDescriptor struct {
		Name        string          `json:"name"`
		Description string          `json:"description"`
		Parameters  json.RawMessage `json:"parameters,omitempty"`
		// Mode overrides the namespace's default invocation mode.
		Mode string `json:"mode,omitempty"`
	}

	// ListToolsInput is the list_tools request. It carries no fields.
	ListToolsInput struct{}

	// ListToolsOutput is the list_tools response, ordered as the namespace
	// publishes its tools.
	ListToolsOutput struct {
		Namespace string           `json:"namespace"`
		Tools     []ToolDescriptor `json:"tools"`
	}

	// ExecuteToolInput is the execution envelope request.
	ExecuteToolInput struct {
		ToolName string          `json:"tool_name"`
		Args     json.RawMessage `json:"args,omitempty"`
		// IdempotencyKey is the caller's step identity. Providers use it to
		// deduplicate handle-based starts.
		IdempotencyKey string `json:"idempotency_key,omitempty"`
	}

	// ExecuteToolOutput is the execution envelope response: Result on
	// success, Error on failure.
	ExecuteToolOutput struct {
		Result string     `json:"result,omitempty"`
		Error  *ToolError `json:"error,omitempty"`
	}

	// StartToolOutput carries the handle of a started durable job.
	StartToolOutput struct {
		Handle string `json:"handle"`
	}

	// PollToolInput asks for the state of a job.
	PollToolInput struct {
		Handle string `json:"handle"`
	}

	// JobState is the lifecycle of a handle-based job.
	JobState string

	// PollToolOutput reports job state and, once terminal, its outcome.
	PollToolOutput struct {
		State  JobState   `json:"state"`
		Result string     `json:"result,omitempty"`
		Error  *ToolError `json:"error,omitempty"`
	}

	// ToolError is the wire form of a tool failure.
	ToolError struct {
		// Kind is "transient" or "permanent".
		Kind    string `json:"error_kind"`
		Code    string `json:"code,omitempty"`
		Message string `json:"message"`
	}
)

const (
	JobRunning   JobState = "running"
	JobSucceeded JobState = "succeeded"
	JobFailed    JobState = "failed"
)

// Operation names of the namespace service.
const (
	ListToolsOperationName   = "list_tools"
	ExecuteToolOperationName = "execute_tool"
	StartToolOperationName   = "start_tool"
	PollToolOperationName    = "poll_tool"
)

var (
	// ListToolsOperation references the discovery operation.
	ListToolsOperation = nexus.NewOperationReference[ListToolsInput, ListToolsOutput](ListToolsOperationName)
	// ExecuteToolOperation references the synchronous execution operation.
	ExecuteToolOperation = nexus.NewOperationReference[ExecuteToolInput, ExecuteToolOutput](ExecuteToolOperationName)
	// StartToolOperation references the handle-based start operation.
	StartToolOperation = nexus.NewOperationReference[ExecuteToolInput, StartToolOutput](StartToolOperationName)
	// PollToolOperation references the handle-based poll operation.
	PollToolOperation = nexus.NewOperationReference[PollToolInput, PollToolOutput](PollToolOperationName)
)

// ServiceName returns the conventional Nexus service name of a namespace.
func ServiceName(namespace string) string {
	return "agentloop-tools-" + namespace
}

// NewToolError converts a classified failure into its wire form.
func NewToolError(te *toolerrors.ToolError) *ToolError {
	if te == nil {
		return nil
	}
	kind := string(te.Kind)
	if te.Kind != toolerrors.KindTransient {
		kind = string(toolerrors.KindPermanent)
	}
	return &ToolError{Kind: kind, Code: string(te.Code), Message: te.Message}
}

// Classified converts the wire form back into a classified failure. Unknown
// kinds are permanent.
func (e *ToolError) Classified() *toolerrors.ToolError {
	if e == nil {
		return nil
	}
	code := toolerrors.Code(e.Code)
	if code == "" {
		code = toolerrors.CodeToolFailed
	}
	if e.Kind == string(toolerrors.KindTransient) {
		return toolerrors.New(code, toolerrors.KindTransient, e.Message)
	}
	return toolerrors.New(code, toolerrors.KindPermanent, e.Message)
}
