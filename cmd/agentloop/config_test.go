package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/agentloop/runtime/agent/retry"
	"goa.design/agentloop/runtime/agent/tools"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := defaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, engineInmem, cfg.Engine)
	assert.Equal(t, []string{"calculator", "weather"}, cfg.LocalTools)
	assert.Equal(t, 10, cfg.MaxToolCalls)
}

func TestLoadConfigFile(t *testing.T) {
	cfg, err := loadConfig(newViper(), filepath.Join("testdata", "agentloop.yaml"))
	require.NoError(t, err)

	assert.Equal(t, engineTemporal, cfg.Engine)
	assert.Equal(t, TemporalConfig{HostPort: "temporal:7233", Namespace: "agents", TaskQueue: "sessions"}, cfg.Temporal)
	assert.Equal(t, backendMemory, cfg.Journal.Backend, "unset sections keep their defaults")
	assert.Equal(t, backendMongo, cfg.Sessions.Backend)
	assert.Equal(t, plannerMock, cfg.Planner.Kind)
	assert.Equal(t, "Hello from the mock planner", cfg.Planner.Response)
	assert.Equal(t, 5, cfg.MaxToolCalls)
	assert.Equal(t, []string{"calculator"}, cfg.LocalTools)

	eps, policies := cfg.endpoints()
	require.Len(t, eps, 2)
	assert.Equal(t, tools.EndpointReference{
		Namespace: "IT",
		Transport: tools.TransportHTTP,
		URL:       "http://localhost:8081",
		Service:   "agentloop-tools-IT",
	}, eps[0])
	assert.Equal(t, tools.ModeAsync, eps[1].Mode)
	assert.Equal(t, map[string]retry.Policy{
		"Finance": {MaxAttempts: 3, InitialBackoff: time.Second, MaxBackoff: 10 * time.Second, Multiplier: 2},
	}, policies)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	t.Setenv("AGENTLOOP_TEMPORAL_HOST_PORT", "elsewhere:7233")
	t.Setenv("AGENTLOOP_MAX_TOOL_CALLS", "3")
	t.Setenv("AGENTLOOP_PLANNER_RESPONSE", "overridden")

	cfg, err := loadConfig(newViper(), filepath.Join("testdata", "agentloop.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "elsewhere:7233", cfg.Temporal.HostPort)
	assert.Equal(t, "sessions", cfg.Temporal.TaskQueue)
	assert.Equal(t, 3, cfg.MaxToolCalls)
	assert.Equal(t, "overridden", cfg.Planner.Response)
}

func TestLoadConfigWithoutFileUsesDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("AGENTLOOP_PLANNER_KIND", "mock")

	cfg, err := loadConfig(newViper(), "")
	require.NoError(t, err)
	assert.Equal(t, engineInmem, cfg.Engine)
	assert.Equal(t, plannerMock, cfg.Planner.Kind)
}

func TestLoadConfigRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agentloop.yaml")
	require.NoError(t, os.WriteFile(path, []byte("engine: inmem\nmax_tool_call: 3\n"), 0o600))

	_, err := loadConfig(newViper(), path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_tool_call")
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := loadConfig(newViper(), filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	httpNS := NamespaceConfig{EndpointReference: tools.EndpointReference{
		Namespace: "IT", Transport: tools.TransportHTTP, URL: "http://localhost:8081", Service: "agentloop-tools-IT",
	}}
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown engine", func(c *Config) { c.Engine = "local" }, `engine: unknown engine "local"`},
		{"temporal without queue", func(c *Config) {
			c.Engine = engineTemporal
			c.Temporal.TaskQueue = ""
		}, "temporal.task_queue is required"},
		{"journal with temporal", func(c *Config) {
			c.Engine = engineTemporal
			c.Journal.Backend = backendRedis
		}, "applies to the inmem engine only"},
		{"mongo journal without uri", func(c *Config) { c.Journal.Backend = backendMongo }, "journal.mongo.uri is required"},
		{"redis journal without addr", func(c *Config) { c.Journal.Backend = backendRedis }, "journal.redis.addr is required"},
		{"unknown session backend", func(c *Config) { c.Sessions.Backend = backendRedis }, "sessions.backend"},
		{"unknown planner", func(c *Config) { c.Planner.Kind = "claude" }, "planner.kind"},
		{"openai without model", func(c *Config) { c.Planner.Model = "" }, "planner.model is required"},
		{"rate limit above max", func(c *Config) {
			c.Planner.RateLimit.InitialTPM = 100
			c.Planner.RateLimit.MaxTPM = 10
		}, "exceeds max_tpm"},
		{"negative budget", func(c *Config) { c.MaxToolCalls = -1 }, "max_tool_calls"},
		{"unknown local tool", func(c *Config) { c.LocalTools = []string{"shell"} }, `unknown tool "shell"`},
		{"duplicate namespace", func(c *Config) { c.Namespaces = []NamespaceConfig{httpNS, httpNS} }, "configured twice"},
		{"incomplete namespace", func(c *Config) {
			ns := httpNS
			ns.URL = ""
			c.Namespaces = []NamespaceConfig{ns}
		}, "url is required"},
		{"temporal namespace on inmem", func(c *Config) {
			ns := httpNS
			ns.Transport = tools.TransportTemporal
			ns.Endpoint = "it"
			c.Namespaces = []NamespaceConfig{ns}
		}, "requires the temporal engine"},
		{"bad retry", func(c *Config) {
			ns := httpNS
			ns.Retry = &retry.Policy{MaxAttempts: 0}
			c.Namespaces = []NamespaceConfig{ns}
		}, "namespaces[0].retry"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := defaultConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}
