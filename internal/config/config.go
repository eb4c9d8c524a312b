// Package config loads and validates cortex configuration from
// .cortex/config.yaml, with environment-variable overrides for secrets and
// provider selection.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// CONFIG SECTIONS
// =============================================================================

// LLMConfig configures the LLM provider adapters.
type LLMConfig struct {
	Provider string        `yaml:"provider"` // openai, gemini, anthropic
	APIKey   string        `yaml:"api_key"`
	Model    string        `yaml:"model"`
	BaseURL  string        `yaml:"base_url"`
	Timeout  time.Duration `yaml:"timeout"`

	// EnhanceClassifiers gates the classifier LLM enhancement pass.
	// Regex classification always runs regardless.
	EnhanceClassifiers bool `yaml:"enhance_classifiers"`
}

// PolicyLimits bounds plan shapes. The rules engine generates policy rules
// from these; violating plans are marked blocked rather than rejected.
type PolicyLimits struct {
	MaxDepth    int `yaml:"max_depth"`    // recursion depth for nested executions
	MaxFanout   int `yaml:"max_fanout"`   // parallel branches per plan
	MaxChildren int `yaml:"max_children"` // sequential steps per plan
}

// LoggingConfig mirrors internal/logging's expectations. It is parsed here
// for validation; the logging package reads its own slice of the file to
// avoid an import cycle.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Categories map[string]bool `yaml:"categories"`
	Level      string          `yaml:"level"`
	JSONFormat bool            `yaml:"json_format"`
}

// ToolsConfig configures tool servers and the approval surface.
type ToolsConfig struct {
	// MCPServers lists MCP server base URLs to discover tools from.
	MCPServers []string `yaml:"mcp_servers"`

	// Allowed restricts which discovered tools plans may request. Empty
	// means all discovered tools are allowed.
	Allowed []string `yaml:"allowed"`

	// ApprovalMode: "ask" (default), "auto-approve", "auto-deny".
	ApprovalMode string `yaml:"approval_mode"`

	// Workspace root builtin tools operate under.
	WorkspaceRoot string `yaml:"workspace_root"`
}

// Config is the root configuration.
type Config struct {
	LLM     LLMConfig     `yaml:"llm"`
	Limits  PolicyLimits  `yaml:"limits"`
	Logging LoggingConfig `yaml:"logging"`
	Tools   ToolsConfig   `yaml:"tools"`
}

// =============================================================================
// DEFAULTS / LOAD / VALIDATE
// =============================================================================

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		LLM: LLMConfig{
			Provider: "openai",
			Timeout:  60 * time.Second,
		},
		Limits: PolicyLimits{
			MaxDepth:    4,
			MaxFanout:   3,
			MaxChildren: 6,
		},
		Logging: LoggingConfig{Level: "info"},
		Tools:   ToolsConfig{ApprovalMode: "ask"},
	}
}

// Load reads .cortex/config.yaml under workspace, applies defaults for
// missing sections, then applies environment overrides.
func Load(workspace string) (*Config, error) {
	cfg := Default()
	cfg.Tools.WorkspaceRoot = workspace

	path := filepath.Join(workspace, ".cortex", "config.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.LLM.Timeout <= 0 {
		c.LLM.Timeout = 60 * time.Second
	}
	if c.Limits.MaxDepth <= 0 {
		c.Limits.MaxDepth = 4
	}
	if c.Limits.MaxFanout <= 0 {
		c.Limits.MaxFanout = 3
	}
	if c.Limits.MaxChildren <= 0 {
		c.Limits.MaxChildren = 6
	}
	if c.Tools.ApprovalMode == "" {
		c.Tools.ApprovalMode = "ask"
	}
}

// applyEnvOverrides lets environment variables win over file values.
// CORTEX_* variables take precedence over provider-specific keys.
func (c *Config) applyEnvOverrides() {
	if p := os.Getenv("CORTEX_PROVIDER"); p != "" {
		c.LLM.Provider = p
	}
	if m := os.Getenv("CORTEX_MODEL"); m != "" {
		c.LLM.Model = m
	}
	if key := os.Getenv("CORTEX_API_KEY"); key != "" {
		c.LLM.APIKey = key
	}
	if c.LLM.APIKey == "" {
		switch c.LLM.Provider {
		case "openai":
			c.LLM.APIKey = os.Getenv("OPENAI_API_KEY")
		case "gemini":
			c.LLM.APIKey = os.Getenv("GEMINI_API_KEY")
		case "anthropic":
			c.LLM.APIKey = os.Getenv("ANTHROPIC_API_KEY")
		}
	}
}

// Validate checks that limits are within acceptable ranges.
func (c *Config) Validate() error {
	if c.Limits.MaxDepth < 1 {
		return fmt.Errorf("limits.max_depth must be >= 1")
	}
	if c.Limits.MaxFanout < 1 {
		return fmt.Errorf("limits.max_fanout must be >= 1")
	}
	if c.Limits.MaxChildren < 1 {
		return fmt.Errorf("limits.max_children must be >= 1")
	}
	switch c.Tools.ApprovalMode {
	case "ask", "auto-approve", "auto-deny":
	default:
		return fmt.Errorf("tools.approval_mode must be ask, auto-approve, or auto-deny (got %q)", c.Tools.ApprovalMode)
	}
	switch c.LLM.Provider {
	case "", "openai", "gemini", "anthropic", "mock":
	default:
		return fmt.Errorf("llm.provider %q not supported", c.LLM.Provider)
	}
	return nil
}

// HasLLM reports whether an LLM provider is usable (key present or mock).
func (c *Config) HasLLM() bool {
	return c.LLM.Provider == "mock" || c.LLM.APIKey != ""
}
