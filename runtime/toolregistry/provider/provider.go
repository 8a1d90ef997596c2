// Package provider serves a namespace's tools over Nexus. A provider exposes
// one Nexus service with four operations: list_tools for discovery,
// execute_tool for synchronous calls, and start_tool/poll_tool for
// handle-based calls to long-running tools.
//
// The same service can be mounted on an HTTP server (NewHTTPHandler) or
// registered on a Temporal worker so it is reachable through a Temporal Nexus
// endpoint.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/nexus-rpc/sdk-go/nexus"

	"goa.design/agentloop/runtime/agent/telemetry"
	"goa.design/agentloop/runtime/agent/toolerrors"
	"goa.design/agentloop/runtime/toolregistry"
	"goa.design/agentloop/runtime/toolregistry/nexushttp"
)

type (
	// Toolset is the set of tools a provider serves.
	Toolset interface {
		Descriptors() []toolregistry.ToolDescriptor
		Execute(ctx context.Context, name string, args json.RawMessage) (string, error)
	}

	// Provider serves one namespace.
	Provider struct {
		namespace string
		service   string
		tools     Toolset
		jobs      JobRunner
		logger    telemetry.Logger
	}

	// Option configures a Provider.
	Option func(*Provider)
)

// WithServiceName overrides the Nexus service name. It defaults to
// toolregistry.ServiceName(namespace).
func WithServiceName(name string) Option {
	return func(p *Provider) { p.service = name }
}

// WithJobs sets the runner used by start_tool and poll_tool. It defaults to
// an in-process runner over the provider's toolset.
func WithJobs(j JobRunner) Option {
	return func(p *Provider) { p.jobs = j }
}

// WithLogger sets the logger.
func WithLogger(l telemetry.Logger) Option {
	return func(p *Provider) { p.logger = l }
}

// New returns a provider serving ts as namespace.
func New(namespace string, ts Toolset, opts ...Option) *Provider {
	p := &Provider{
		namespace: namespace,
		service:   toolregistry.ServiceName(namespace),
		tools:     ts,
		logger:    telemetry.NewNoopLogger(),
	}
	for _, o := range opts {
		o(p)
	}
	if p.jobs == nil {
		p.jobs = NewJobs(ts)
	}
	return p
}

// ServiceName returns the Nexus service name.
func (p *Provider) ServiceName() string { return p.service }

// Service builds the Nexus service.
func (p *Provider) Service() (*nexus.Service, error) {
	svc := nexus.NewService(p.service)
	err := svc.Register(
		nexus.NewSyncOperation(toolregistry.ListToolsOperationName, p.listTools),
		nexus.NewSyncOperation(toolregistry.ExecuteToolOperationName, p.executeTool),
		nexus.NewSyncOperation(toolregistry.StartToolOperationName, p.startTool),
		nexus.NewSyncOperation(toolregistry.PollToolOperationName, p.pollTool),
	)
	if err != nil {
		return nil, fmt.Errorf("register operations of %s: %w", p.service, err)
	}
	return svc, nil
}

// NewHTTPHandler returns an http.Handler serving the service over HTTP.
func (p *Provider) NewHTTPHandler() (http.Handler, error) {
	svc, err := p.Service()
	if err != nil {
		return nil, err
	}
	reg := nexus.NewServiceRegistry()
	if err := reg.Register(svc); err != nil {
		return nil, err
	}
	h, err := reg.NewHandler()
	if err != nil {
		return nil, err
	}
	return nexushttp.NewHandler(h, nexushttp.WithLogger(p.logger)), nil
}

func (p *Provider) listTools(ctx context.Context, _ toolregistry.ListToolsInput, _ nexus.StartOperationOptions) (toolregistry.ListToolsOutput, error) {
	descs := p.tools.Descriptors()
	p.logger.Debug(ctx, "list tools", "namespace", p.namespace, "count", len(descs))
	return toolregistry.ListToolsOutput{Namespace: p.namespace, Tools: descs}, nil
}

// executeTool reports tool failures in the envelope. Only malformed requests
// become Nexus handler errors.
func (p *Provider) executeTool(ctx context.Context, in toolregistry.ExecuteToolInput, _ nexus.StartOperationOptions) (toolregistry.ExecuteToolOutput, error) {
	if in.ToolName == "" {
		return toolregistry.ExecuteToolOutput{}, nexus.NewHandlerErrorf(nexus.HandlerErrorTypeBadRequest, "tool_name is required")
	}
	res, err := p.tools.Execute(ctx, in.ToolName, in.Args)
	if err != nil {
		te := envelopeError(err)
		p.logger.Warn(ctx, "tool failed", "namespace", p.namespace, "tool", in.ToolName, "code", te.Code, "kind", te.Kind)
		return toolregistry.ExecuteToolOutput{Error: te}, nil
	}
	return toolregistry.ExecuteToolOutput{Result: res}, nil
}

func (p *Provider) startTool(ctx context.Context, in toolregistry.ExecuteToolInput, _ nexus.StartOperationOptions) (toolregistry.StartToolOutput, error) {
	if in.ToolName == "" {
		return toolregistry.StartToolOutput{}, nexus.NewHandlerErrorf(nexus.HandlerErrorTypeBadRequest, "tool_name is required")
	}
	name := in.ToolName
	handle, err := p.jobs.Start(ctx, in)
	if err != nil {
		return toolregistry.StartToolOutput{}, nexus.NewHandlerErrorf(nexus.HandlerErrorTypeInternal, "start %s: %v", name, err)
	}
	p.logger.Info(ctx, "tool job started", "namespace", p.namespace, "tool", name, "handle", handle)
	return toolregistry.StartToolOutput{Handle: handle}, nil
}

func (p *Provider) pollTool(ctx context.Context, in toolregistry.PollToolInput, _ nexus.StartOperationOptions) (toolregistry.PollToolOutput, error) {
	out, err := p.jobs.Poll(ctx, in.Handle)
	if errors.Is(err, ErrUnknownHandle) {
		return out, nexus.NewHandlerErrorf(nexus.HandlerErrorTypeNotFound, "unknown handle %q", in.Handle)
	}
	if err != nil {
		return out, nexus.NewHandlerErrorf(nexus.HandlerErrorTypeInternal, "poll %q: %v", in.Handle, err)
	}
	return out, nil
}

// envelopeError classifies a tool failure for the wire. Unclassified errors
// are permanent tool failures: a tool that wants a retry says so.
func envelopeError(err error) *toolregistry.ToolError {
	var te *toolerrors.ToolError
	if errors.As(err, &te) && te.Kind != "" {
		return toolregistry.NewToolError(te)
	}
	return toolregistry.NewToolError(toolerrors.Permanent("%v", err))
}
