// Package config loads the runtime configuration: defaults, then an optional
// YAML file, then LOOM_* environment variables. Callers receive one immutable
// Config; nothing else in the tree reads the environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full runtime configuration tree.
type Config struct {
	Server    ServerConfig    `yaml:"server" json:"server" mapstructure:"server"`
	Backend   BackendConfig   `yaml:"backend" json:"backend" mapstructure:"backend"`
	Health    HealthConfig    `yaml:"health" json:"health" mapstructure:"health"`
	Stream    StreamConfig    `yaml:"stream" json:"stream" mapstructure:"stream"`
	Coalescer CoalescerConfig `yaml:"coalescer" json:"coalescer" mapstructure:"coalescer"`
	Agent     AgentConfig     `yaml:"agent" json:"agent" mapstructure:"agent"`
	Tools     ToolsConfig     `yaml:"tools" json:"tools" mapstructure:"tools"`
	Approval  ApprovalConfig  `yaml:"approval" json:"approval" mapstructure:"approval"`
	Store     StoreConfig     `yaml:"store" json:"store" mapstructure:"store"`
	Metrics   MetricsConfig   `yaml:"metrics" json:"metrics" mapstructure:"metrics"`
	Tracing   TracingConfig   `yaml:"tracing" json:"tracing" mapstructure:"tracing"`
	Log       LogConfig       `yaml:"log" json:"log" mapstructure:"log"`
}

type ServerConfig struct {
	Addr        string        `yaml:"addr" json:"addr" mapstructure:"addr"`
	CORSOrigins []string      `yaml:"corsOrigins" json:"corsOrigins" mapstructure:"corsOrigins"`
	ReadTimeout time.Duration `yaml:"readTimeout" json:"readTimeout" mapstructure:"readTimeout"`
	// WriteTimeout stays zero so streaming responses are never cut mid-frame.
	WriteTimeout    time.Duration `yaml:"writeTimeout" json:"writeTimeout" mapstructure:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" json:"shutdownTimeout" mapstructure:"shutdownTimeout"`
}

type BackendConfig struct {
	// BaseURL points at an Ollama-compatible HTTP API.
	BaseURL     string  `yaml:"baseUrl" json:"baseUrl" mapstructure:"baseUrl"`
	Model       string  `yaml:"model" json:"model" mapstructure:"model"`
	Temperature float64 `yaml:"temperature" json:"temperature" mapstructure:"temperature"`
	TopP        float64 `yaml:"topP" json:"topP" mapstructure:"topP"`
	MaxTokens   int     `yaml:"maxTokens" json:"maxTokens" mapstructure:"maxTokens"`

	// Three timeout tiers. Probe < Call < Generation, enforced by Validate.
	ProbeTimeout      time.Duration `yaml:"probeTimeout" json:"probeTimeout" mapstructure:"probeTimeout"`
	CallTimeout       time.Duration `yaml:"callTimeout" json:"callTimeout" mapstructure:"callTimeout"`
	GenerationTimeout time.Duration `yaml:"generationTimeout" json:"generationTimeout" mapstructure:"generationTimeout"`
}

type HealthConfig struct {
	SuccessTTL time.Duration `yaml:"successTtl" json:"successTtl" mapstructure:"successTtl"`
	FailureTTL time.Duration `yaml:"failureTtl" json:"failureTtl" mapstructure:"failureTtl"`
}

type StreamConfig struct {
	// IdleTimeout is the safety window: a stream that produces no frame for
	// this long is abandoned.
	IdleTimeout time.Duration `yaml:"idleTimeout" json:"idleTimeout" mapstructure:"idleTimeout"`
}

type CoalescerConfig struct {
	Interval       time.Duration `yaml:"interval" json:"interval" mapstructure:"interval"`
	BurstThreshold int           `yaml:"burstThreshold" json:"burstThreshold" mapstructure:"burstThreshold"`
	MaxRetries     int           `yaml:"maxRetries" json:"maxRetries" mapstructure:"maxRetries"`
}

type AgentConfig struct {
	ChatMaxIterations      int      `yaml:"chatMaxIterations" json:"chatMaxIterations" mapstructure:"chatMaxIterations"`
	WorkspaceMaxIterations int      `yaml:"workspaceMaxIterations" json:"workspaceMaxIterations" mapstructure:"workspaceMaxIterations"`
	AgenticKeywords        []string `yaml:"agenticKeywords" json:"agenticKeywords" mapstructure:"agenticKeywords"`
}

type ToolsConfig struct {
	// SandboxURL, when set, routes tool execution to an external sandbox
	// service instead of the builtin registry.
	SandboxURL string `yaml:"sandboxUrl" json:"sandboxUrl" mapstructure:"sandboxUrl"`
	// SandboxTools names the tools the sandbox offers; advertised to the
	// model when SandboxURL is set.
	SandboxTools   []string      `yaml:"sandboxTools" json:"sandboxTools" mapstructure:"sandboxTools"`
	ScratchDir     string        `yaml:"scratchDir" json:"scratchDir" mapstructure:"scratchDir"`
	CacheSize      int           `yaml:"cacheSize" json:"cacheSize" mapstructure:"cacheSize"`
	CacheTTL       time.Duration `yaml:"cacheTtl" json:"cacheTtl" mapstructure:"cacheTtl"`
	CacheableTools []string      `yaml:"cacheableTools" json:"cacheableTools" mapstructure:"cacheableTools"`
}

type ApprovalConfig struct {
	// Mode selects the approver: auto, terminal, or http.
	Mode           string        `yaml:"mode" json:"mode" mapstructure:"mode"`
	Timeout        time.Duration `yaml:"timeout" json:"timeout" mapstructure:"timeout"`
	DangerousTools []string      `yaml:"dangerousTools" json:"dangerousTools" mapstructure:"dangerousTools"`
}

type StoreConfig struct {
	// Driver selects the persistence backend: memory, file, or postgres.
	Driver      string `yaml:"driver" json:"driver" mapstructure:"driver"`
	FileDir     string `yaml:"fileDir" json:"fileDir" mapstructure:"fileDir"`
	PostgresDSN string `yaml:"postgresDsn" json:"postgresDsn" mapstructure:"postgresDsn"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled" mapstructure:"enabled"`
	Addr    string `yaml:"addr" json:"addr" mapstructure:"addr"`
}

type TracingConfig struct {
	// Exporter is empty (disabled), otlp, or zipkin.
	Exporter   string  `yaml:"exporter" json:"exporter" mapstructure:"exporter"`
	Endpoint   string  `yaml:"endpoint" json:"endpoint" mapstructure:"endpoint"`
	SampleRate float64 `yaml:"sampleRate" json:"sampleRate" mapstructure:"sampleRate"`
}

type LogConfig struct {
	Level string `yaml:"level" json:"level" mapstructure:"level"`
	File  string `yaml:"file" json:"file" mapstructure:"file"`
}

// Load builds the configuration. path may be empty, in which case only
// defaults and environment apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("LOOM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8910")
	v.SetDefault("server.corsOrigins", []string{"*"})
	v.SetDefault("server.readTimeout", 30*time.Second)
	v.SetDefault("server.writeTimeout", time.Duration(0))
	v.SetDefault("server.shutdownTimeout", 15*time.Second)

	v.SetDefault("backend.baseUrl", "http://localhost:11434")
	v.SetDefault("backend.model", "llama3:8b")
	v.SetDefault("backend.temperature", 0.7)
	v.SetDefault("backend.topP", 1.0)
	v.SetDefault("backend.maxTokens", 0)
	v.SetDefault("backend.probeTimeout", 2*time.Second)
	v.SetDefault("backend.callTimeout", 60*time.Second)
	v.SetDefault("backend.generationTimeout", 300*time.Second)

	v.SetDefault("health.successTtl", 5*time.Minute)
	v.SetDefault("health.failureTtl", 30*time.Second)

	v.SetDefault("stream.idleTimeout", 30*time.Second)

	v.SetDefault("coalescer.interval", 2*time.Second)
	v.SetDefault("coalescer.burstThreshold", 1000)
	v.SetDefault("coalescer.maxRetries", 3)

	v.SetDefault("agent.chatMaxIterations", 4)
	v.SetDefault("agent.workspaceMaxIterations", 10)
	v.SetDefault("agent.agenticKeywords", []string{
		"create", "write", "edit", "fix", "implement", "refactor",
		"run", "install", "build", "deploy", "delete",
		"file", "directory", "repository", "search the web",
	})

	v.SetDefault("tools.sandboxUrl", "")
	v.SetDefault("tools.sandboxTools", []string{})
	v.SetDefault("tools.scratchDir", "~/.loom/scratch")
	v.SetDefault("tools.cacheSize", 256)
	v.SetDefault("tools.cacheTtl", 5*time.Minute)
	v.SetDefault("tools.cacheableTools", []string{"read_file", "list_files"})

	v.SetDefault("approval.mode", "auto")
	v.SetDefault("approval.timeout", 120*time.Second)
	v.SetDefault("approval.dangerousTools", []string{"write_note"})

	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.fileDir", "~/.loom/conversations")
	v.SetDefault("store.postgresDsn", "")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.addr", ":9910")

	v.SetDefault("tracing.exporter", "")
	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.sampleRate", 1.0)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
}

// Validate rejects configurations the rest of the system cannot run with.
func (c *Config) Validate() error {
	if c.Backend.BaseURL == "" {
		return fmt.Errorf("backend.baseUrl must not be empty")
	}
	if c.Backend.Model == "" {
		return fmt.Errorf("backend.model must not be empty")
	}
	if c.Backend.ProbeTimeout <= 0 || c.Backend.CallTimeout <= 0 || c.Backend.GenerationTimeout <= 0 {
		return fmt.Errorf("backend timeouts must be positive")
	}
	if c.Backend.ProbeTimeout >= c.Backend.CallTimeout || c.Backend.CallTimeout >= c.Backend.GenerationTimeout {
		return fmt.Errorf("backend timeouts must satisfy probe < call < generation")
	}
	if c.Health.SuccessTTL <= 0 || c.Health.FailureTTL <= 0 {
		return fmt.Errorf("health TTLs must be positive")
	}
	if c.Health.FailureTTL > c.Health.SuccessTTL {
		return fmt.Errorf("health.failureTtl must not exceed health.successTtl")
	}
	if c.Stream.IdleTimeout <= 0 {
		return fmt.Errorf("stream.idleTimeout must be positive")
	}
	if c.Coalescer.Interval <= 0 {
		return fmt.Errorf("coalescer.interval must be positive")
	}
	if c.Coalescer.BurstThreshold <= 0 {
		return fmt.Errorf("coalescer.burstThreshold must be positive")
	}
	if c.Coalescer.MaxRetries < 0 {
		return fmt.Errorf("coalescer.maxRetries must not be negative")
	}
	if c.Agent.ChatMaxIterations <= 0 || c.Agent.WorkspaceMaxIterations <= 0 {
		return fmt.Errorf("agent iteration budgets must be positive")
	}
	switch c.Approval.Mode {
	case "auto", "terminal", "http":
	default:
		return fmt.Errorf("approval.mode %q is not one of auto, terminal, http", c.Approval.Mode)
	}
	switch c.Store.Driver {
	case "memory", "file":
	case "postgres":
		if c.Store.PostgresDSN == "" {
			return fmt.Errorf("store.postgresDsn required when store.driver is postgres")
		}
	default:
		return fmt.Errorf("store.driver %q is not one of memory, file, postgres", c.Store.Driver)
	}
	switch c.Tracing.Exporter {
	case "", "otlp", "zipkin":
	default:
		return fmt.Errorf("tracing.exporter %q is not one of otlp, zipkin", c.Tracing.Exporter)
	}
	return nil
}

// Masked returns a copy safe to print: credentials are replaced, everything
// else passes through.
func (c *Config) Masked() Config {
	out := *c
	if out.Store.PostgresDSN != "" {
		out.Store.PostgresDSN = "********"
	}
	return out
}

