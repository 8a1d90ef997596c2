// Package planner defines the planning contract. A planner reads the
// conversation history and the turn's tool snapshot and decides the next
// action: call a tool, respond to the user, or respond and end the chat.
//
// Planners are called from the planner activity, never from workflow code.
// Errors follow the toolerrors taxonomy: unclassified errors and malformed
// model output are transient (the executor re-asks), rejected requests are
// permanent.
package planner

import (
	"context"
	"errors"

	"goa.design/agentloop/runtime/agent/api"
)

// ErrRateLimited marks a provider throttling response. Planners join it to
// the classified error they return so rate limiting middleware can react.
var ErrRateLimited = errors.New("planner: rate limited")

type (
	// Planner decides the next action of a turn.
	Planner interface {
		Plan(ctx context.Context, in *api.PlanInput) (*api.PlanDecision, error)
	}

	// Func adapts a function to Planner.
	Func func(ctx context.Context, in *api.PlanInput) (*api.PlanDecision, error)

	// Middleware decorates a Planner.
	Middleware func(Planner) Planner

	// Mock always responds with a fixed message. It isolates engine overhead
	// from model latency in benchmarks and offline runs.
	Mock struct {
		// Response defaults to "Mock response".
		Response string
	}
)

// Plan calls f.
func (f Func) Plan(ctx context.Context, in *api.PlanInput) (*api.PlanDecision, error) {
	return f(ctx, in)
}

// Plan returns a respond decision.
func (m Mock) Plan(context.Context, *api.PlanInput) (*api.PlanDecision, error) {
	msg := m.Response
	if msg == "" {
		msg = "Mock response"
	}
	return &api.PlanDecision{Action: api.ActionRespond, Response: msg}, nil
}

// Chain applies middlewares so the first one is outermost.
func Chain(p Planner, mws ...Middleware) Planner {
	for i := len(mws) - 1; i >= 0; i-- {
		p = mws[i](p)
	}
	return p
}
