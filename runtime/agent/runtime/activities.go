package runtime

// activities.go implements the side effects of a session. They run outside
// workflow code (on an activity worker for Temporal, under the side-effect
// executor for the in-memory engine) and report failures as classified
// errors: the engine retries transient ones and records the rest.

import (
	"context"
	"time"

	"goa.design/agentloop/runtime/agent/api"
	"goa.design/agentloop/runtime/agent/toolerrors"
	"goa.design/agentloop/runtime/agent/tools"
	"goa.design/agentloop/runtime/toolregistry"
)

// planActivity asks the planner for the next decision. A malformed decision
// is a transient PlanningFailed so the engine asks again.
func (r *Runtime) planActivity(ctx context.Context, in *api.PlanInput) (*api.PlanOutput, error) {
	started := time.Now()
	d, err := r.planner.Plan(ctx, in)
	r.metrics.RecordTimer("agentloop.plan.duration", time.Since(started))
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, toolerrors.New(toolerrors.CodePlanningFailed, toolerrors.KindTransient, "planner returned no decision")
	}
	if err := d.Validate(); err != nil {
		return nil, toolerrors.Wrap(toolerrors.CodePlanningFailed, toolerrors.KindTransient, "", err)
	}
	return &api.PlanOutput{Decision: d}, nil
}

// localToolActivity runs a tool of the in-process namespace.
func (r *Runtime) localToolActivity(ctx context.Context, in *api.ToolInput) (*api.ToolOutput, error) {
	ctx, span := r.tracer.Start(ctx, "agentloop.tool.local")
	defer span.End()
	span.AddEvent("tool", "name", in.Tool.Name, "step", in.StepID.String())

	res, err := r.local.Execute(ctx, in.Tool.Name, in.Args)
	if err != nil {
		r.metrics.IncCounter("agentloop.tool.failures", 1, "namespace", tools.LocalNamespace, "tool", in.Tool.Name)
		return nil, err
	}
	return &api.ToolOutput{Result: res}, nil
}

// remoteToolActivity runs a remote tool through the Nexus HTTP gateway. The
// step identity is the idempotency key so a retried async start rejoins the
// job already running on the provider.
func (r *Runtime) remoteToolActivity(ctx context.Context, in *api.ToolInput) (*api.ToolOutput, error) {
	res, err := r.gateway.Execute(ctx, in.Tool, in.Args, in.StepID.String())
	if err != nil {
		r.metrics.IncCounter("agentloop.tool.failures", 1, "namespace", in.Tool.Namespace, "tool", in.Tool.Name)
		return nil, err
	}
	return &api.ToolOutput{Result: res}, nil
}

// discoveryActivity lists the tools of one namespace. Tools that could not
// enter a snapshot (no name, uncompilable schema) are dropped with a warning
// so one bad descriptor does not hide the rest of the namespace.
func (r *Runtime) discoveryActivity(ctx context.Context, in *api.DiscoveryInput) (*api.DiscoveryOutput, error) {
	var (
		ns   = tools.LocalNamespace
		defs []tools.Definition
	)
	if in.Endpoint == nil {
		defs = r.local.Definitions()
	} else {
		ns = in.Endpoint.Namespace
		var err error
		defs, err = r.gateway.Discover(ctx, *in.Endpoint)
		if err != nil {
			return nil, err
		}
	}
	return &api.DiscoveryOutput{Namespace: ns, Tools: r.usable(ctx, ns, defs)}, nil
}

func (r *Runtime) usable(ctx context.Context, ns string, defs []tools.Definition) []tools.Definition {
	out := make([]tools.Definition, 0, len(defs))
	for _, d := range defs {
		d.Namespace = ns
		if err := toolregistry.CheckDefinition(d); err != nil {
			r.logger.Warn(ctx, "dropping unusable tool", "namespace", ns, "tool", d.Name, "err", err)
			continue
		}
		out = append(out, d)
	}
	return out
}
