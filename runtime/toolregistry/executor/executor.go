// Package executor is the tool gateway: it discovers and invokes tools of
// remote namespaces through their Nexus service served over HTTP. Every failure it returns is
// classified (toolerrors) so the side-effect executor can decide whether to
// retry.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/nexus-rpc/sdk-go/nexus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	goahttp "goa.design/goa/v3/http"

	"goa.design/agentloop/runtime/agent/telemetry"
	"goa.design/agentloop/runtime/agent/toolerrors"
	"goa.design/agentloop/runtime/agent/tools"
	"goa.design/agentloop/runtime/toolregistry"
	"goa.design/agentloop/runtime/toolregistry/nexushttp"
)

type (
	// Executor reaches remote namespaces.
	Executor struct {
		pollInterval    time.Duration
		maxPollInterval time.Duration

		logger  telemetry.Logger
		tracer  telemetry.Tracer
		metrics telemetry.Metrics
		doer    goahttp.Doer

		mu      sync.Mutex
		clients map[clientKey]*nexushttp.Client
	}

	// Option configures an Executor.
	Option func(*Executor)

	clientKey struct {
		url     string
		service string
	}

	// networkDiagnostics captures what kind of network failure a call hit so
	// incidents can be told apart in logs.
	networkDiagnostics struct {
		timeout   bool
		dnsError  bool
		dnsName   string
		refused   bool
		ctxBudget time.Duration
	}
)

// WithPollInterval sets the initial and maximum delay between polls of a
// handle-based call. The delay doubles after each poll.
func WithPollInterval(initial, maxInterval time.Duration) Option {
	return func(e *Executor) {
		e.pollInterval = initial
		e.maxPollInterval = maxInterval
	}
}

// WithDoer sets the HTTP client used to reach namespaces.
func WithDoer(d goahttp.Doer) Option {
	return func(e *Executor) { e.doer = d }
}

// WithTelemetry sets logger, tracer and metrics.
func WithTelemetry(b telemetry.Bundle) Option {
	return func(e *Executor) {
		b = b.WithDefaults()
		e.logger, e.tracer, e.metrics = b.Logger, b.Tracer, b.Metrics
	}
}

// New returns a gateway executor.
func New(opts ...Option) *Executor {
	b := telemetry.Bundle{}.WithDefaults()
	e := &Executor{
		pollInterval:    200 * time.Millisecond,
		maxPollInterval: 5 * time.Second,
		logger:          b.Logger,
		tracer:          b.Tracer,
		metrics:         b.Metrics,
		clients:         make(map[clientKey]*nexushttp.Client),
	}
	for _, o := range opts {
		if o != nil {
			o(e)
		}
	}
	return e
}

// Discover lists the tools of the namespace behind ep. Tools are returned as
// remote definitions addressed at ep; a tool advertising its own mode gets a
// copy of ep carrying that mode.
func (e *Executor) Discover(ctx context.Context, ep tools.EndpointReference) ([]tools.Definition, error) {
	if err := ep.Validate(); err != nil {
		return nil, toolerrors.Wrap(toolerrors.CodeRemoteUnavailable, toolerrors.KindPermanent, "", err)
	}
	ctx, span := e.tracer.Start(ctx, "toolregistry.discover",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("toolregistry.namespace", ep.Namespace),
			attribute.String("toolregistry.service", ep.Service),
			attribute.String("toolregistry.url", ep.URL),
		),
	)
	defer span.End()

	c, err := e.client(ep)
	if err != nil {
		return nil, e.fail(ctx, span, ep, "", "create nexus client", err)
	}
	out, err := nexushttp.ExecuteOperation(ctx, c, toolregistry.ListToolsOperation, toolregistry.ListToolsInput{})
	if err != nil {
		return nil, e.fail(ctx, span, ep, "", "list tools", err)
	}
	return Definitions(ep, out.Tools), nil
}

// Definitions converts discovered descriptors into remote definitions.
func Definitions(ep tools.EndpointReference, descs []toolregistry.ToolDescriptor) []tools.Definition {
	defs := make([]tools.Definition, 0, len(descs))
	for _, d := range descs {
		ref := ep
		if d.Mode != "" {
			ref.Mode = tools.Mode(d.Mode)
		}
		defs = append(defs, tools.Definition{
			Name:        d.Name,
			Description: d.Description,
			Schema:      d.Parameters,
			Namespace:   ep.Namespace,
			Locality:    tools.LocalityRemote,
			Endpoint:    &ref,
		})
	}
	return defs
}

// Execute invokes a remote tool and returns its result. key is the caller's
// step identity; providers use it to deduplicate handle-based starts.
func (e *Executor) Execute(ctx context.Context, def tools.Definition, args json.RawMessage, key string) (string, error) {
	if def.Endpoint == nil {
		return "", toolerrors.Errorf(toolerrors.CodeInternal, toolerrors.KindFatal, "tool %q has no endpoint", def.Name)
	}
	ep := *def.Endpoint
	mode := ep.InvocationMode()
	ctx, span := e.tracer.Start(ctx, "toolregistry.execute",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("toolregistry.namespace", ep.Namespace),
			attribute.String("toolregistry.tool", def.Name),
			attribute.String("toolregistry.mode", string(mode)),
			attribute.String("toolregistry.idempotency_key", key),
		),
	)
	defer span.End()
	started := time.Now()
	defer func() {
		e.metrics.RecordTimer("agentloop.gateway.duration", time.Since(started), "namespace", ep.Namespace, "mode", string(mode))
	}()

	c, err := e.client(ep)
	if err != nil {
		return "", e.fail(ctx, span, ep, def.Name, "create nexus client", err)
	}
	in := toolregistry.ExecuteToolInput{ToolName: def.Name, Args: args, IdempotencyKey: key}
	if mode == tools.ModeAsync {
		return e.executeAsync(ctx, span, c, ep, in)
	}
	out, err := nexushttp.ExecuteOperation(ctx, c, toolregistry.ExecuteToolOperation, in)
	if err != nil {
		return "", e.fail(ctx, span, ep, def.Name, "execute tool", err)
	}
	if out.Error != nil {
		te := out.Error.Classified()
		span.SetStatus(codes.Error, te.Message)
		return "", te
	}
	return out.Result, nil
}

// executeAsync starts the job then polls its handle with a doubling delay
// until it leaves the running state or ctx ends.
func (e *Executor) executeAsync(ctx context.Context, span telemetry.Span, c *nexushttp.Client, ep tools.EndpointReference, in toolregistry.ExecuteToolInput) (string, error) {
	started, err := nexushttp.ExecuteOperation(ctx, c, toolregistry.StartToolOperation, in)
	if err != nil {
		return "", e.fail(ctx, span, ep, in.ToolName, "start tool", err)
	}
	span.AddEvent("toolregistry.started", "toolregistry.handle", started.Handle)

	delay := e.pollInterval
	for polls := 1; ; polls++ {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		case <-timer.C:
		}
		st, err := nexushttp.ExecuteOperation(ctx, c, toolregistry.PollToolOperation, toolregistry.PollToolInput{Handle: started.Handle})
		if err != nil {
			return "", e.fail(ctx, span, ep, in.ToolName, "poll tool", err)
		}
		switch st.State {
		case toolregistry.JobSucceeded:
			span.AddEvent("toolregistry.completed", "toolregistry.polls", polls)
			return st.Result, nil
		case toolregistry.JobFailed:
			te := st.Error.Classified()
			if te == nil {
				te = toolerrors.Permanent("job %s failed", started.Handle)
			}
			span.SetStatus(codes.Error, te.Message)
			return "", te
		case toolregistry.JobRunning:
		default:
			return "", toolerrors.Errorf(toolerrors.CodeRemoteUnavailable, toolerrors.KindPermanent,
				"job %s reported unknown state %q", started.Handle, st.State)
		}
		delay = min(delay*2, e.maxPollInterval)
	}
}

func (e *Executor) client(ep tools.EndpointReference) (*nexushttp.Client, error) {
	k := clientKey{url: ep.URL, service: ep.Service}
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.clients[k]; ok {
		return c, nil
	}
	c, err := nexushttp.NewClient(ep.URL, ep.Service, e.doer)
	if err != nil {
		return nil, err
	}
	e.clients[k] = c
	return c, nil
}

// fail classifies a transport failure, logs it with network diagnostics and
// returns the classified error.
func (e *Executor) fail(ctx context.Context, span telemetry.Span, ep tools.EndpointReference, tool, op string, err error) error {
	classified := Classify(err)
	te := toolerrors.Classify(classified)
	diag := diagnose(ctx, err)
	span.RecordError(err)
	span.SetStatus(codes.Error, op+" failed")
	e.metrics.IncCounter("agentloop.gateway.failures", 1, "namespace", ep.Namespace, "code", string(te.Code), "kind", string(te.Kind))
	e.logger.Warn(ctx, "remote namespace call failed",
		"component", "tool-gateway",
		"op", op,
		"namespace", ep.Namespace,
		"tool", tool,
		"code", string(te.Code),
		"kind", string(te.Kind),
		"net_timeout", diag.timeout,
		"dns_error", diag.dnsError,
		"dns_name", diag.dnsName,
		"conn_refused", diag.refused,
		"ctx_budget_ms", diag.ctxBudget.Milliseconds(),
		"err", err,
	)
	return classified
}

// Classify maps a Nexus call failure onto the taxonomy. Requests the provider
// rejects as malformed or unknown are permanent; everything else (network
// errors, timeouts, provider-side internal errors) is transient. Context
// cancellation is returned unchanged.
func Classify(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var te *toolerrors.ToolError
	if errors.As(err, &te) && te.Kind != "" {
		return te
	}
	var he *nexus.HandlerError
	if errors.As(err, &he) {
		switch he.Type {
		case nexus.HandlerErrorTypeBadRequest:
			return toolerrors.Wrap(toolerrors.CodeInvalidArguments, toolerrors.KindPermanent, "", err)
		case nexus.HandlerErrorTypeNotFound:
			return toolerrors.Wrap(toolerrors.CodeToolNotFound, toolerrors.KindPermanent, "", err)
		}
	}
	var oe *nexus.OperationError
	if errors.As(err, &oe) {
		return toolerrors.Wrap(toolerrors.CodeToolFailed, toolerrors.KindPermanent, "", err)
	}
	return toolerrors.Wrap(toolerrors.CodeRemoteUnavailable, toolerrors.KindTransient, fmt.Sprintf("remote call failed: %v", err), err)
}

func diagnose(ctx context.Context, err error) networkDiagnostics {
	var d networkDiagnostics
	if dl, ok := ctx.Deadline(); ok {
		d.ctxBudget = time.Until(dl)
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		d.timeout = nerr.Timeout()
	}
	var dns *net.DNSError
	if errors.As(err, &dns) {
		d.dnsError = true
		d.dnsName = dns.Name
	}
	var op *net.OpError
	if errors.As(err, &op) && op.Op == "dial" {
		d.refused = true
	}
	return d
}
