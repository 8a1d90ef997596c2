package runtime

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/agentloop/runtime/agent/api"
	"goa.design/agentloop/runtime/agent/engine"
	"goa.design/agentloop/runtime/agent/engine/inmem"
	"goa.design/agentloop/runtime/agent/journal"
	journalinmem "goa.design/agentloop/runtime/agent/journal/inmem"
	"goa.design/agentloop/runtime/agent/retry"
	sessioninmem "goa.design/agentloop/runtime/agent/session/inmem"
	"goa.design/agentloop/runtime/agent/tools"
	"goa.design/agentloop/runtime/toolregistry"
	"goa.design/agentloop/runtime/toolregistry/executor"
	"goa.design/agentloop/runtime/toolregistry/provider"
)

type (
	// scriptedPlanner decides from the plan input only, so a recovered
	// session that re-asks it gets the same answers.
	scriptedPlanner struct {
		mu     sync.Mutex
		inputs []*api.PlanInput
		decide func(in *api.PlanInput) (*api.PlanDecision, error)
	}

	harness struct {
		t       *testing.T
		opts    Options
		journal journal.Store
		eng     *inmem.Engine
		rt      *Runtime
	}
)

func (p *scriptedPlanner) Plan(_ context.Context, in *api.PlanInput) (*api.PlanDecision, error) {
	p.mu.Lock()
	p.inputs = append(p.inputs, in)
	p.mu.Unlock()
	return p.decide(in)
}

func (p *scriptedPlanner) calls() []*api.PlanInput {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*api.PlanInput(nil), p.inputs...)
}

func respond(msg string) *api.PlanDecision {
	return &api.PlanDecision{Action: api.ActionRespond, Response: msg}
}

func useTool(name, args string) *api.PlanDecision {
	return &api.PlanDecision{Action: api.ActionUseTool, Tool: name, Args: json.RawMessage(args)}
}

// lastToolMessage returns the latest tool result of the current turn.
func lastToolMessage(in *api.PlanInput) (api.Message, bool) {
	if len(in.Messages) == 0 {
		return api.Message{}, false
	}
	last := in.Messages[len(in.Messages)-1]
	return last, last.Role == api.RoleTool
}

func toolNames(in *api.PlanInput) []string {
	out := make([]string, 0, len(in.Tools))
	for _, s := range in.Tools {
		out = append(out, s.Name)
	}
	return out
}

// fastOptions returns activity options with millisecond backoffs.
func fastOptions(opts Options) Options {
	fast := func(attempts int) engine.ActivityOptions {
		return engine.ActivityOptions{
			Retry:          retry.Policy{MaxAttempts: attempts, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, Multiplier: 2},
			AttemptTimeout: 5 * time.Second,
		}
	}
	if opts.PlanActivity.Retry.MaxAttempts == 0 {
		opts.PlanActivity = fast(2)
	}
	if opts.LocalToolActivity.Retry.MaxAttempts == 0 {
		opts.LocalToolActivity = fast(3)
	}
	if opts.RemoteToolActivity.Retry.MaxAttempts == 0 {
		opts.RemoteToolActivity = fast(3)
	}
	if opts.DiscoveryActivity.Retry.MaxAttempts == 0 {
		opts.DiscoveryActivity = fast(1)
	}
	if opts.Gateway == nil {
		opts.Gateway = executor.New(executor.WithPollInterval(2*time.Millisecond, 10*time.Millisecond))
	}
	if opts.SessionStore == nil {
		opts.SessionStore = sessioninmem.New()
	}
	return opts
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{t: t, opts: fastOptions(opts), journal: journalinmem.New()}
	h.boot()
	return h
}

func (h *harness) boot() {
	h.t.Helper()
	h.eng = inmem.New(h.journal)
	h.t.Cleanup(h.eng.Close)
	opts := h.opts
	opts.Engine = h.eng
	rt, err := New(opts)
	require.NoError(h.t, err)
	require.NoError(h.t, rt.Register(context.Background()))
	h.rt = rt
}

// restart simulates a process crash: the engine stops without recording
// in-flight steps, and a new engine and runtime take over the journal and
// the session store.
func (h *harness) restart() {
	h.t.Helper()
	h.eng.Close()
	h.boot()
}

// serveNamespace serves ts as namespace ns over Nexus HTTP.
func serveNamespace(t *testing.T, ns string, ts *toolregistry.Toolset) (tools.EndpointReference, *httptest.Server) {
	t.Helper()
	jobs := provider.NewJobs(ts)
	p := provider.New(ns, ts, provider.WithJobs(jobs))
	handler, err := p.NewHTTPHandler()
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		jobs.Stop()
	})
	return tools.EndpointReference{
		Namespace: ns,
		Transport: tools.TransportHTTP,
		URL:       srv.URL,
		Service:   p.ServiceName(),
	}, srv
}
