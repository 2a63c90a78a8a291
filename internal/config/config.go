// Package config handles agentcore configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order used when no
// explicit path is given: ./config.yaml, ~/.config/agentcore/config.yaml,
// /etc/agentcore/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "agentcore", "config.yaml"))
	}

	paths = append(paths, "/etc/agentcore/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all agentcore configuration.
type Config struct {
	Listen       ListenConfig       `yaml:"listen"`
	Providers    ProvidersConfig    `yaml:"providers"`
	Agent        AgentConfig        `yaml:"agent"`
	Confirmation ConfirmationConfig `yaml:"confirmation"`
	ShellExec    ShellExecConfig    `yaml:"shell_exec"`
	Workspace    WorkspaceConfig    `yaml:"workspace"`
	MQTT         MQTTConfig         `yaml:"mqtt"`
	// Pricing maps model names to per-million-token prices for usage
	// accounting. Models not listed are recorded at zero cost.
	Pricing   map[string]PricingEntry `yaml:"pricing"`
	DataDir   string                  `yaml:"data_dir"`
	LogLevel  string                  `yaml:"log_level"`
	LogFormat string                  `yaml:"log_format"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// ProvidersConfig describes the configured LLM backends.
type ProvidersConfig struct {
	// Default is the provider selected at startup.
	Default string `yaml:"default"`
	// Fallback names the local provider used when the active provider
	// fails (default "ollama"). "none" disables fallback.
	Fallback  string          `yaml:"fallback"`
	Ollama    OllamaConfig    `yaml:"ollama"`
	Anthropic AnthropicConfig `yaml:"anthropic"`
	// WatchInterval is how often provider health is re-probed in the
	// background once startup probing settles.
	WatchInterval time.Duration `yaml:"watch_interval"`
}

// OllamaConfig defines the local Ollama backend.
type OllamaConfig struct {
	URL   string `yaml:"url"`
	Model string `yaml:"model"`
}

// Configured reports whether the Ollama backend has a URL.
func (c OllamaConfig) Configured() bool {
	return c.URL != ""
}

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
}

// Configured reports whether an API key is present.
func (c AnthropicConfig) Configured() bool {
	return c.APIKey != ""
}

// AgentConfig controls the conversation loop and context assembly.
type AgentConfig struct {
	Persona      string `yaml:"persona"`
	PersonaFile  string `yaml:"persona_file"`
	SystemPrompt string `yaml:"system_prompt"`
	// ToolsMode is one of hybrid, native, text, disabled.
	ToolsMode          string        `yaml:"tools_mode"`
	MaxIterations      int           `yaml:"max_iterations"`
	ContextWindow      int           `yaml:"context_window"`
	MaxOutputTokens    int           `yaml:"max_output_tokens"`
	SafetyBufferTokens int           `yaml:"safety_buffer_tokens"`
	ProviderTimeout    time.Duration `yaml:"provider_timeout"`
	ToolTimeout        time.Duration `yaml:"tool_timeout"`
	MemoryEnabled      bool          `yaml:"memory_enabled"`
	Stream             bool          `yaml:"stream"`
	DisabledSkills     []string      `yaml:"disabled_skills"`
}

// ConfirmationConfig controls the human-in-the-loop gate.
type ConfirmationConfig struct {
	// Threshold is the lowest risk level that requires approval
	// (low, medium, high).
	Threshold string        `yaml:"threshold"`
	Timeout   time.Duration `yaml:"timeout"`
}

// ShellExecConfig defines shell execution capabilities.
type ShellExecConfig struct {
	// Enabled allows shell command execution. Disabled by default.
	Enabled bool `yaml:"enabled"`
	// WorkingDir sets the default working directory for commands.
	WorkingDir string `yaml:"working_dir"`
	// DeniedPatterns are command substrings that are always refused.
	DeniedPatterns []string `yaml:"denied_patterns"`
	// AllowedPrefixes limits commands to those starting with these prefixes.
	// Empty means all commands are allowed (subject to denied patterns).
	AllowedPrefixes   []string `yaml:"allowed_prefixes"`
	DefaultTimeoutSec int      `yaml:"default_timeout_sec"`
}

// WorkspaceConfig defines the agent's workspace for file operations.
type WorkspaceConfig struct {
	// Path is the root directory for file skills. Empty disables them.
	Path string `yaml:"path"`
}

// PricingEntry is the USD price of one million tokens.
type PricingEntry struct {
	InputPerMillion  float64 `yaml:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million"`
}

// DefaultPricing covers the Anthropic models agentcore defaults to.
func DefaultPricing() map[string]PricingEntry {
	return map[string]PricingEntry{
		"claude-opus-4-20250514":    {InputPerMillion: 15.0, OutputPerMillion: 75.0},
		"claude-sonnet-4-20250514":  {InputPerMillion: 3.0, OutputPerMillion: 15.0},
		"claude-3-5-haiku-20241022": {InputPerMillion: 0.8, OutputPerMillion: 4.0},
	}
}

// MQTTConfig configures the optional event mirror.
type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// BaseTopic prefixes every published topic (default "agentcore").
	BaseTopic string `yaml:"base_topic"`
	ClientID  string `yaml:"client_id"`
}

// Configured reports whether a broker URL is set.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

var validToolsModes = []string{"hybrid", "native", "text", "disabled"}

var validRiskLevels = []string{"low", "medium", "high"}

// Load reads configuration from a YAML file, expanding ${VAR}
// references from the environment before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration suitable for a local Ollama install.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.Providers.Ollama.URL == "" {
		c.Providers.Ollama.URL = "http://localhost:11434"
	}
	if c.Providers.Ollama.Model == "" {
		c.Providers.Ollama.Model = "qwen3:8b"
	}
	if c.Providers.Anthropic.Configured() && c.Providers.Anthropic.Model == "" {
		c.Providers.Anthropic.Model = "claude-sonnet-4-20250514"
	}
	if c.Providers.Default == "" {
		switch {
		case c.Providers.Anthropic.Configured():
			c.Providers.Default = "anthropic"
		default:
			c.Providers.Default = "ollama"
		}
	}
	if c.Providers.Fallback == "" {
		c.Providers.Fallback = "ollama"
	}
	if c.Providers.WatchInterval == 0 {
		c.Providers.WatchInterval = 60 * time.Second
	}
	if c.Agent.ToolsMode == "" {
		c.Agent.ToolsMode = "hybrid"
	}
	if c.Agent.MaxIterations == 0 {
		c.Agent.MaxIterations = 25
	}
	if c.Agent.ContextWindow == 0 {
		c.Agent.ContextWindow = 32768
	}
	if c.Agent.MaxOutputTokens == 0 {
		c.Agent.MaxOutputTokens = 4096
	}
	if c.Agent.SafetyBufferTokens == 0 {
		c.Agent.SafetyBufferTokens = 512
	}
	if c.Agent.ProviderTimeout == 0 {
		c.Agent.ProviderTimeout = 5 * time.Minute
	}
	if c.Agent.ToolTimeout == 0 {
		c.Agent.ToolTimeout = 2 * time.Minute
	}
	if c.Confirmation.Threshold == "" {
		c.Confirmation.Threshold = "high"
	}
	if c.Confirmation.Timeout == 0 {
		c.Confirmation.Timeout = 5 * time.Minute
	}
	if c.ShellExec.DefaultTimeoutSec == 0 {
		c.ShellExec.DefaultTimeoutSec = 30
	}
	if c.MQTT.BaseTopic == "" {
		c.MQTT.BaseTopic = "agentcore"
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "agentcore"
	}
	if c.Pricing == nil {
		c.Pricing = DefaultPricing()
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
}

// ProviderConfigured reports whether the named provider has enough
// configuration to be constructed.
func (c *Config) ProviderConfigured(name string) bool {
	switch name {
	case "ollama":
		return c.Providers.Ollama.Configured()
	case "anthropic":
		return c.Providers.Anthropic.Configured()
	default:
		return false
	}
}

// Validate checks cross-field constraints that defaults cannot repair.
func (c *Config) Validate() error {
	if !slices.Contains(validToolsModes, c.Agent.ToolsMode) {
		return fmt.Errorf("agent.tools_mode %q is invalid (valid: %v)", c.Agent.ToolsMode, validToolsModes)
	}
	if !slices.Contains(validRiskLevels, c.Confirmation.Threshold) {
		return fmt.Errorf("confirmation.threshold %q is invalid (valid: %v)", c.Confirmation.Threshold, validRiskLevels)
	}
	if !c.ProviderConfigured(c.Providers.Default) {
		return fmt.Errorf("providers.default %q is not configured", c.Providers.Default)
	}
	if c.Providers.Fallback != "none" && !c.ProviderConfigured(c.Providers.Fallback) {
		return fmt.Errorf("providers.fallback %q is not configured", c.Providers.Fallback)
	}
	if c.Agent.MaxIterations < 1 {
		return fmt.Errorf("agent.max_iterations must be at least 1")
	}
	if c.Agent.MaxOutputTokens+c.Agent.SafetyBufferTokens >= c.Agent.ContextWindow {
		return fmt.Errorf("agent.context_window (%d) must exceed max_output_tokens + safety_buffer_tokens (%d)",
			c.Agent.ContextWindow, c.Agent.MaxOutputTokens+c.Agent.SafetyBufferTokens)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}
