package main

// config.go loads the agentloop configuration.
//
// Contract:
// - The YAML file is decoded strictly: unknown keys are errors.
// - Scalar settings can be overridden by AGENTLOOP_* environment variables
//   (dots become underscores, AGENTLOOP_TEMPORAL_HOST_PORT) and by the root
//   command flags bound to the same keys. Lists come from the file only.
// - Validate reports the first inconsistency with the offending key.

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"goa.design/agentloop/runtime/agent/retry"
	"goa.design/agentloop/runtime/agent/tools"
)

const (
	engineInmem    = "inmem"
	engineTemporal = "temporal"

	backendMemory = "memory"
	backendMongo  = "mongo"
	backendRedis  = "redis"

	plannerOpenAI = "openai"
	plannerMock   = "mock"

	envPrefix         = "AGENTLOOP"
	defaultConfigFile = "agentloop.yaml"
)

// localToolNames lists the in-process tools that can be enabled.
var localToolNames = []string{"calculator", "weather"}

type (
	// Config is the agentloop configuration file.
	Config struct {
		Engine       string            `yaml:"engine"`
		Temporal     TemporalConfig    `yaml:"temporal"`
		Journal      JournalConfig     `yaml:"journal"`
		Sessions     SessionsConfig    `yaml:"sessions"`
		Planner      PlannerConfig     `yaml:"planner"`
		MaxToolCalls int               `yaml:"max_tool_calls"`
		LocalTools   []string          `yaml:"local_tools"`
		Namespaces   []NamespaceConfig `yaml:"namespaces"`
	}

	// TemporalConfig locates the Temporal frontend.
	TemporalConfig struct {
		HostPort  string `yaml:"host_port"`
		Namespace string `yaml:"namespace"`
		TaskQueue string `yaml:"task_queue"`
	}

	// JournalConfig selects the step journal of the inmem engine.
	JournalConfig struct {
		Backend string      `yaml:"backend"`
		Mongo   MongoConfig `yaml:"mongo"`
		Redis   RedisConfig `yaml:"redis"`
	}

	// SessionsConfig selects the session lifecycle store.
	SessionsConfig struct {
		Backend string      `yaml:"backend"`
		Mongo   MongoConfig `yaml:"mongo"`
	}

	MongoConfig struct {
		URI      string `yaml:"uri"`
		Database string `yaml:"database"`
	}

	RedisConfig struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	}

	// PlannerConfig configures the planning model.
	PlannerConfig struct {
		Kind    string `yaml:"kind"`
		Model   string `yaml:"model"`
		BaseURL string `yaml:"base_url"`
		// APIKeyEnv names the environment variable holding the API key.
		APIKeyEnv   string  `yaml:"api_key_env"`
		Temperature float32 `yaml:"temperature"`
		// Response is the fixed reply of the mock planner.
		Response  string          `yaml:"response"`
		RateLimit RateLimitConfig `yaml:"rate_limit"`
	}

	// RateLimitConfig enables the adaptive tokens-per-minute limiter when
	// MaxTPM is positive. With Redis.Addr set the budget is shared by every
	// process using the same Key.
	RateLimitConfig struct {
		InitialTPM float64     `yaml:"initial_tpm"`
		MaxTPM     float64     `yaml:"max_tpm"`
		Key        string      `yaml:"key"`
		Redis      RedisConfig `yaml:"redis"`
	}

	// NamespaceConfig is a remote namespace and its optional retry policy.
	NamespaceConfig struct {
		tools.EndpointReference `yaml:",inline"`
		Retry                   *retry.Policy `yaml:"retry,omitempty"`
	}
)

func defaultConfig() *Config {
	return &Config{
		Engine: engineInmem,
		Temporal: TemporalConfig{
			HostPort:  "localhost:7233",
			Namespace: "default",
			TaskQueue: "agentloop.sessions",
		},
		Journal:  JournalConfig{Backend: backendMemory, Mongo: MongoConfig{Database: "agentloop"}},
		Sessions: SessionsConfig{Backend: backendMemory, Mongo: MongoConfig{Database: "agentloop"}},
		Planner: PlannerConfig{
			Kind:      plannerOpenAI,
			Model:     "gpt-4o-mini",
			APIKeyEnv: "OPENAI_API_KEY",
			RateLimit: RateLimitConfig{Key: "agentloop:planner:tpm"},
		},
		MaxToolCalls: 10,
		LocalTools:   slices.Clone(localToolNames),
	}
}

// newViper returns the viper instance holding environment and flag
// overrides.
func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// loadConfig reads path, or ./agentloop.yaml when path is empty and the file
// exists, then applies the overrides held by v.
func loadConfig(v *viper.Viper, path string) (*Config, error) {
	if path == "" {
		if _, err := os.Stat(defaultConfigFile); err == nil {
			path = defaultConfigFile
		}
	}
	cfg := defaultConfig()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := decodeConfig(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyOverrides(cfg, v)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeConfig(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func applyOverrides(cfg *Config, v *viper.Viper) {
	str := func(key string, dst *string) {
		if v.IsSet(key) {
			*dst = v.GetString(key)
		}
	}
	str("engine", &cfg.Engine)
	str("temporal.host_port", &cfg.Temporal.HostPort)
	str("temporal.namespace", &cfg.Temporal.Namespace)
	str("temporal.task_queue", &cfg.Temporal.TaskQueue)
	str("journal.backend", &cfg.Journal.Backend)
	str("journal.mongo.uri", &cfg.Journal.Mongo.URI)
	str("journal.mongo.database", &cfg.Journal.Mongo.Database)
	str("journal.redis.addr", &cfg.Journal.Redis.Addr)
	str("journal.redis.password", &cfg.Journal.Redis.Password)
	str("sessions.backend", &cfg.Sessions.Backend)
	str("sessions.mongo.uri", &cfg.Sessions.Mongo.URI)
	str("sessions.mongo.database", &cfg.Sessions.Mongo.Database)
	str("planner.kind", &cfg.Planner.Kind)
	str("planner.model", &cfg.Planner.Model)
	str("planner.base_url", &cfg.Planner.BaseURL)
	str("planner.api_key_env", &cfg.Planner.APIKeyEnv)
	str("planner.response", &cfg.Planner.Response)
	str("planner.rate_limit.key", &cfg.Planner.RateLimit.Key)
	str("planner.rate_limit.redis.addr", &cfg.Planner.RateLimit.Redis.Addr)
	str("planner.rate_limit.redis.password", &cfg.Planner.RateLimit.Redis.Password)
	if v.IsSet("max_tool_calls") {
		cfg.MaxToolCalls = v.GetInt("max_tool_calls")
	}
	if v.IsSet("planner.rate_limit.initial_tpm") {
		cfg.Planner.RateLimit.InitialTPM = v.GetFloat64("planner.rate_limit.initial_tpm")
	}
	if v.IsSet("planner.rate_limit.max_tpm") {
		cfg.Planner.RateLimit.MaxTPM = v.GetFloat64("planner.rate_limit.max_tpm")
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	switch c.Engine {
	case engineInmem, engineTemporal:
	default:
		return fmt.Errorf("engine: unknown engine %q (want %s or %s)", c.Engine, engineInmem, engineTemporal)
	}
	if c.Engine == engineTemporal {
		if c.Temporal.HostPort == "" {
			return errors.New("temporal.host_port is required with the temporal engine")
		}
		if c.Temporal.TaskQueue == "" {
			return errors.New("temporal.task_queue is required with the temporal engine")
		}
		if c.Journal.Backend != backendMemory {
			return fmt.Errorf("journal.backend: %q applies to the inmem engine only", c.Journal.Backend)
		}
	}
	switch c.Journal.Backend {
	case backendMemory:
	case backendMongo:
		if err := c.Journal.Mongo.validate("journal.mongo"); err != nil {
			return err
		}
	case backendRedis:
		if c.Journal.Redis.Addr == "" {
			return errors.New("journal.redis.addr is required with the redis journal")
		}
	default:
		return fmt.Errorf("journal.backend: unknown backend %q", c.Journal.Backend)
	}
	switch c.Sessions.Backend {
	case backendMemory:
	case backendMongo:
		if err := c.Sessions.Mongo.validate("sessions.mongo"); err != nil {
			return err
		}
	default:
		return fmt.Errorf("sessions.backend: unknown backend %q", c.Sessions.Backend)
	}
	if err := c.Planner.validate(); err != nil {
		return err
	}
	if c.MaxToolCalls < 0 {
		return fmt.Errorf("max_tool_calls: must not be negative, got %d", c.MaxToolCalls)
	}
	for _, name := range c.LocalTools {
		if !slices.Contains(localToolNames, name) {
			return fmt.Errorf("local_tools: unknown tool %q (want one of %s)", name, strings.Join(localToolNames, ", "))
		}
	}
	seen := make(map[string]struct{}, len(c.Namespaces))
	for i, ns := range c.Namespaces {
		if err := ns.Validate(); err != nil {
			return fmt.Errorf("namespaces[%d]: %w", i, err)
		}
		if _, dup := seen[ns.Namespace]; dup {
			return fmt.Errorf("namespaces[%d]: namespace %q is configured twice", i, ns.Namespace)
		}
		seen[ns.Namespace] = struct{}{}
		if ns.Transport == tools.TransportTemporal && c.Engine != engineTemporal {
			return fmt.Errorf("namespaces[%d]: namespace %q uses the temporal transport, which requires the temporal engine", i, ns.Namespace)
		}
		if ns.Retry != nil {
			if err := ns.Retry.Validate(); err != nil {
				return fmt.Errorf("namespaces[%d].retry: %w", i, err)
			}
		}
	}
	return nil
}

func (m MongoConfig) validate(key string) error {
	if m.URI == "" {
		return fmt.Errorf("%s.uri is required", key)
	}
	if m.Database == "" {
		return fmt.Errorf("%s.database is required", key)
	}
	return nil
}

func (p PlannerConfig) validate() error {
	switch p.Kind {
	case plannerMock:
	case plannerOpenAI:
		if p.Model == "" {
			return errors.New("planner.model is required with the openai planner")
		}
		if p.APIKeyEnv == "" {
			return errors.New("planner.api_key_env is required with the openai planner")
		}
	default:
		return fmt.Errorf("planner.kind: unknown planner %q (want %s or %s)", p.Kind, plannerOpenAI, plannerMock)
	}
	rl := p.RateLimit
	if rl.MaxTPM < 0 || rl.InitialTPM < 0 {
		return errors.New("planner.rate_limit: tokens per minute must not be negative")
	}
	if rl.MaxTPM > 0 && rl.InitialTPM > rl.MaxTPM {
		return fmt.Errorf("planner.rate_limit.initial_tpm (%v) exceeds max_tpm (%v)", rl.InitialTPM, rl.MaxTPM)
	}
	if rl.Redis.Addr != "" && rl.Key == "" {
		return errors.New("planner.rate_limit.key is required when the limiter is shared through redis")
	}
	return nil
}

// endpoints returns the configured namespaces in order and their retry
// overrides.
func (c *Config) endpoints() ([]tools.EndpointReference, map[string]retry.Policy) {
	eps := make([]tools.EndpointReference, 0, len(c.Namespaces))
	policies := make(map[string]retry.Policy)
	for _, ns := range c.Namespaces {
		eps = append(eps, ns.EndpointReference)
		if ns.Retry != nil {
			policies[ns.Namespace] = *ns.Retry
		}
	}
	return eps, policies
}
