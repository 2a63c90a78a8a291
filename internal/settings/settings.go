// Package settings holds the process-wide runtime overrides: the active
// provider and model, the tools mode, the per-skill enabled set and the
// system prompt override. Overrides are seeded from static config at
// startup, mutated by self-configuration skills, and persisted only when
// Save is called explicitly.
package settings

import (
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/nugget/agentcore/internal/config"
)

// ToolsMode governs how tool calls are encoded and parsed.
type ToolsMode string

// Tools modes.
const (
	ModeHybrid   ToolsMode = "hybrid"
	ModeNative   ToolsMode = "native"
	ModeText     ToolsMode = "text"
	ModeDisabled ToolsMode = "disabled"
)

// ParseToolsMode validates a tools mode string.
func ParseToolsMode(s string) (ToolsMode, error) {
	switch m := ToolsMode(s); m {
	case ModeHybrid, ModeNative, ModeText, ModeDisabled:
		return m, nil
	default:
		return "", fmt.Errorf("unknown tools mode %q (valid: hybrid, native, text, disabled)", s)
	}
}

// Overrides is a point-in-time copy of the runtime overrides. Values
// returned by [Store.Snapshot] are owned by the caller.
type Overrides struct {
	Provider string            `yaml:"provider"`
	Models   map[string]string `yaml:"models,omitempty"`
	// ToolsMode applies to every run unless the caller disables tools.
	ToolsMode ToolsMode `yaml:"tools_mode"`
	// Disabled lists skills that are registered but not callable.
	Disabled     []string `yaml:"disabled_skills,omitempty"`
	SystemPrompt string   `yaml:"system_prompt,omitempty"`
	// Persona is loaded from the persona file and is not saved.
	Persona string `yaml:"-"`
}

// Model returns the configured model for the active provider.
func (o Overrides) Model() string {
	return o.Models[o.Provider]
}

// SkillEnabled reports whether the named skill is callable.
func (o Overrides) SkillEnabled(name string) bool {
	return !slices.Contains(o.Disabled, name)
}

func (o Overrides) clone() Overrides {
	o.Models = maps.Clone(o.Models)
	o.Disabled = slices.Clone(o.Disabled)
	return o
}

// Store owns the mutable overrides. Last writer wins; readers take a
// snapshot and must not assume it stays current for a whole run.
type Store struct {
	mu     sync.RWMutex
	cur    Overrides
	logger *slog.Logger
}

// New creates a store holding initial.
func New(initial Overrides, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if initial.ToolsMode == "" {
		initial.ToolsMode = ModeHybrid
	}
	if initial.Models == nil {
		initial.Models = make(map[string]string)
	}
	return &Store{cur: initial.clone(), logger: logger}
}

// FromConfig seeds a store from static configuration.
func FromConfig(cfg *config.Config, logger *slog.Logger) *Store {
	models := map[string]string{}
	if cfg.Providers.Ollama.Configured() {
		models["ollama"] = cfg.Providers.Ollama.Model
	}
	if cfg.Providers.Anthropic.Configured() {
		models["anthropic"] = cfg.Providers.Anthropic.Model
	}
	return New(Overrides{
		Provider:     cfg.Providers.Default,
		Models:       models,
		ToolsMode:    ToolsMode(cfg.Agent.ToolsMode),
		Disabled:     cfg.Agent.DisabledSkills,
		SystemPrompt: cfg.Agent.SystemPrompt,
		Persona:      cfg.Agent.Persona,
	}, logger)
}

// Snapshot returns a copy of the current overrides.
func (s *Store) Snapshot() Overrides {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur.clone()
}

// SetProvider makes name the active provider. A non-empty model also
// replaces that provider's model.
func (s *Store) SetProvider(name, model string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cur.Provider = name
	if model != "" {
		s.cur.Models[name] = model
	}
	s.logger.Info("provider override set", "provider", name, "model", s.cur.Models[name])
}

// SetModel replaces the model used for provider.
func (s *Store) SetModel(provider, model string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cur.Models[provider] = model
}

// SetToolsMode changes the tools mode for subsequent context builds.
func (s *Store) SetToolsMode(m ToolsMode) error {
	if _, err := ParseToolsMode(string(m)); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cur.ToolsMode = m
	s.logger.Info("tools mode set", "mode", m)
	return nil
}

// EnableSkill removes name from the disabled set. It reports whether
// the state changed.
func (s *Store) EnableSkill(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := slices.Index(s.cur.Disabled, name)
	if i < 0 {
		return false
	}
	s.cur.Disabled = slices.Delete(s.cur.Disabled, i, i+1)
	return true
}

// DisableSkill adds name to the disabled set. It reports whether the
// state changed.
func (s *Store) DisableSkill(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if slices.Contains(s.cur.Disabled, name) {
		return false
	}
	s.cur.Disabled = append(s.cur.Disabled, name)
	slices.Sort(s.cur.Disabled)
	return true
}

// SetSystemPrompt overrides the base persona prompt. Empty clears the
// override.
func (s *Store) SetSystemPrompt(prompt string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cur.SystemPrompt = prompt
}

// SetPersona replaces the persona text.
func (s *Store) SetPersona(persona string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cur.Persona = persona
}

// Save writes the current overrides to path as YAML. The file is
// written to a temporary sibling and renamed into place.
func (s *Store) Save(path string) error {
	snap := s.Snapshot()
	data, err := yaml.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal overrides: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create settings dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace settings: %w", err)
	}
	s.logger.Info("runtime overrides saved", "path", path)
	return nil
}

// Apply merges overrides read from a saved file. Zero fields in saved
// leave the current value untouched.
func (s *Store) Apply(saved Overrides) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if saved.Provider != "" {
		s.cur.Provider = saved.Provider
	}
	maps.Copy(s.cur.Models, saved.Models)
	if saved.ToolsMode != "" {
		s.cur.ToolsMode = saved.ToolsMode
	}
	if saved.Disabled != nil {
		s.cur.Disabled = slices.Clone(saved.Disabled)
	}
	if saved.SystemPrompt != "" {
		s.cur.SystemPrompt = saved.SystemPrompt
	}
}

// LoadFile reads overrides previously written by Save.
func LoadFile(path string) (Overrides, error) {
	var o Overrides
	data, err := os.ReadFile(path)
	if err != nil {
		return o, err
	}
	if err := yaml.Unmarshal(data, &o); err != nil {
		return o, fmt.Errorf("parse %s: %w", path, err)
	}
	if o.ToolsMode != "" {
		if _, err := ParseToolsMode(string(o.ToolsMode)); err != nil {
			return o, err
		}
	}
	return o, nil
}
