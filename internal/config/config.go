// Package config holds the orchestrator configuration: the yaml file layer,
// environment overrides, and the process-wide runtime snapshot store that the
// model factory reads at invocation time.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full orchestrator configuration.
type Config struct {
	LLM        LLMConfig        `yaml:"llm"`
	Agent      AgentConfig      `yaml:"agent"`
	Bridge     BridgeConfig     `yaml:"bridge"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Server     ServerConfig     `yaml:"server"`
	Logs       LogsConfig       `yaml:"logs"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

// LLMConfig selects the model applied to all four agent roles.
type LLMConfig struct {
	Provider    string  `yaml:"provider"`
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
	MaxRetries  int     `yaml:"max_retries"`
	APIKey      string  `yaml:"api_key"`
	BaseURL     string  `yaml:"base_url"`
}

// AgentConfig bounds the agent runtime.
type AgentConfig struct {
	// RecursionLimit bounds tool-call turns per run (default 500).
	RecursionLimit int `yaml:"recursion_limit"`

	PlanningTimeout time.Duration `yaml:"planning_timeout"`
	CodingTimeout   time.Duration `yaml:"coding_timeout"`
	TestingTimeout  time.Duration `yaml:"testing_timeout"`
	ReviewTimeout   time.Duration `yaml:"review_timeout"`
}

// BridgeConfig configures the MCP tool bridge connection.
type BridgeConfig struct {
	// Transport is "stdio" or "http".
	Transport string `yaml:"transport"`

	// Command and Args launch the bridge subprocess (stdio transport).
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	Env     []string `yaml:"env"`
	WorkDir string   `yaml:"work_dir"`

	// URL is the endpoint for the http transport.
	URL string `yaml:"url"`

	// ToolTimeout bounds each tool call (default 60s).
	ToolTimeout time.Duration `yaml:"tool_timeout"`
}

// SupervisorConfig tunes the per-issue loop.
type SupervisorConfig struct {
	// MaxRetries is attempts per issue (default 3).
	MaxRetries int `yaml:"max_retries"`
	// RetryBaseDelay scales the between-attempt delay: base*attempt (default 10s).
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`
	// IssueCoolDown is the sleep between issues (default 3s).
	IssueCoolDown time.Duration `yaml:"issue_cool_down"`
}

// ServerConfig configures the WebSocket/metrics server.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// LogsConfig locates the persisted state tree.
type LogsConfig struct {
	// Dir is the root of the logs/ layout (runs/, csv/). Default "logs".
	Dir string `yaml:"dir"`
	// Level is the slog level: debug, info, warn, error.
	Level string `yaml:"level"`
}

// TelemetryConfig configures tracing export.
type TelemetryConfig struct {
	// OTLPEndpoint enables trace export when set (e.g. "localhost:4317").
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure"`
}

// Default returns the configuration with all documented defaults applied.
func Default() Config {
	return Config{
		LLM: LLMConfig{
			Provider:    "anthropic",
			Model:       "claude-sonnet-4-20250514",
			Temperature: 0.2,
			MaxRetries:  3,
		},
		Agent: AgentConfig{
			RecursionLimit:  500,
			PlanningTimeout: 10 * time.Minute,
			CodingTimeout:   20 * time.Minute,
			TestingTimeout:  20 * time.Minute,
			ReviewTimeout:   15 * time.Minute,
		},
		Bridge: BridgeConfig{
			Transport:   "stdio",
			ToolTimeout: 60 * time.Second,
		},
		Supervisor: SupervisorConfig{
			MaxRetries:     3,
			RetryBaseDelay: 10 * time.Second,
			IssueCoolDown:  3 * time.Second,
		},
		Server: ServerConfig{Addr: ":8080"},
		Logs:   LogsConfig{Dir: "logs", Level: "info"},
	}
}

// Load reads a yaml config file, expands ${ENV} references, applies defaults
// for unset fields, then applies environment variable overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	return cfg, cfg.Validate()
}

// FromEnv returns the default config with environment overrides applied.
func FromEnv() Config {
	cfg := Default()
	cfg.applyEnv()
	return cfg
}

func (c *Config) applyEnv() {
	if v := os.Getenv("LLM_PROVIDER"); v != "" {
		c.LLM.Provider = v
	}
	if v := os.Getenv("LLM_MODEL"); v != "" {
		c.LLM.Model = v
	}
	if v := os.Getenv("LLM_TEMPERATURE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.LLM.Temperature = f
		}
	}
	if v := os.Getenv("AGENT_RECURSION_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Agent.RecursionLimit = n
		}
	}
	if v := os.Getenv("TOOL_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Bridge.ToolTimeout = time.Duration(n) * time.Second
		}
	}
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	switch c.Bridge.Transport {
	case "stdio":
		// Command may be provided later by the operator; validated at connect.
	case "http":
		if c.Bridge.URL == "" {
			return fmt.Errorf("bridge: http transport requires url")
		}
	default:
		return fmt.Errorf("bridge: unknown transport %q", c.Bridge.Transport)
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		return fmt.Errorf("llm: temperature %v out of range [0, 2]", c.LLM.Temperature)
	}
	if c.Agent.RecursionLimit <= 0 {
		return fmt.Errorf("agent: recursion_limit must be positive")
	}
	if c.Supervisor.MaxRetries <= 0 {
		return fmt.Errorf("supervisor: max_retries must be positive")
	}
	return nil
}
