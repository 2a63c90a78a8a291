package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/nugget/agentcore/internal/agent"
	"github.com/nugget/agentcore/internal/config"
	"github.com/nugget/agentcore/internal/confirm"
	"github.com/nugget/agentcore/internal/events"
	"github.com/nugget/agentcore/internal/fetch"
	"github.com/nugget/agentcore/internal/llm"
	"github.com/nugget/agentcore/internal/memory"
	"github.com/nugget/agentcore/internal/provider"
	"github.com/nugget/agentcore/internal/risk"
	"github.com/nugget/agentcore/internal/settings"
	"github.com/nugget/agentcore/internal/tools"
	"github.com/nugget/agentcore/internal/usage"
)

const (
	dbFile       = "agentcore.db"
	usageFile    = "usage.db"
	settingsFile = "settings.yaml"
	maxHistory   = 200
)

// core holds the wired agent components shared by serve and ask.
type core struct {
	bus      *events.Bus
	settings *settings.Store
	selector *provider.Selector
	registry *tools.Registry
	gate     *confirm.Gate
	loop     *agent.Loop
	// usage and recorder are nil unless build was persistent.
	usage    *usage.Store
	recorder *usage.Recorder

	closers []func() error
}

// Close releases resources opened by build.
func (c *core) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		errs = append(errs, c.closers[i]())
	}
	return errors.Join(errs...)
}

// build constructs every agent component from cfg. persistent selects
// the SQLite session store under DataDir; otherwise sessions live in
// memory for the life of the process.
func build(cfg *config.Config, logger *slog.Logger, persistent bool) (*core, error) {
	c := &core{bus: events.New()}

	c.settings = settings.FromConfig(cfg, logger)
	savePath := ""
	if persistent {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		savePath = filepath.Join(cfg.DataDir, settingsFile)
		saved, err := settings.LoadFile(savePath)
		switch {
		case err == nil:
			c.settings.Apply(saved)
			logger.Info("saved settings applied", "path", savePath)
		case errors.Is(err, fs.ErrNotExist):
		default:
			logger.Warn("saved settings ignored", "path", savePath, "error", err)
		}
	}
	if cfg.Agent.PersonaFile != "" {
		if err := c.settings.LoadPersona(cfg.Agent.PersonaFile); err != nil {
			return nil, err
		}
	}

	fallback := cfg.Providers.Fallback
	if fallback == "none" {
		fallback = ""
	}
	c.selector = provider.NewSelector(c.settings, fallback, c.bus, logger)
	if cfg.Providers.Ollama.Configured() {
		c.selector.Register("ollama", llm.NewOllamaClient(cfg.Providers.Ollama.URL, logger))
	}
	if cfg.Providers.Anthropic.Configured() {
		c.selector.Register("anthropic", llm.NewAnthropicClient(
			cfg.Providers.Anthropic.APIKey, cfg.Providers.Anthropic.Model, logger))
	}

	c.registry = tools.NewRegistry()
	if err := registerSkills(c, cfg, savePath); err != nil {
		return nil, err
	}
	c.registry.Seal()
	logger.Info("skills registered", "count", len(c.registry.Names()))

	threshold, err := risk.ParseLevel(cfg.Confirmation.Threshold)
	if err != nil {
		return nil, err
	}
	c.gate = confirm.New(confirm.Config{
		Threshold: threshold,
		Timeout:   cfg.Confirmation.Timeout,
		Bus:       c.bus,
		Logger:    logger,
	})

	var sessions memory.SessionStore
	if persistent {
		dbPath := filepath.Join(cfg.DataDir, dbFile)
		store, err := memory.OpenSQLite(dbPath, maxHistory)
		if err != nil {
			return nil, fmt.Errorf("open session store: %w", err)
		}
		c.closers = append(c.closers, store.Close)
		sessions = store
		logger.Info("session store opened", "path", dbPath)

		c.usage, err = usage.NewStore(filepath.Join(cfg.DataDir, usageFile))
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("open usage store: %w", err)
		}
		c.closers = append(c.closers, c.usage.Close)
		c.recorder = usage.NewRecorder(c.usage, c.bus, cfg.Pricing, logger)
	} else {
		sessions = memory.NewStore(maxHistory)
	}

	c.loop = agent.NewLoop(agent.Deps{
		Logger:    logger,
		Sessions:  sessions,
		Providers: c.selector,
		Registry:  c.registry,
		Settings:  c.settings,
		Builder: &agent.ContextBuilder{
			Registry:        c.registry,
			ContextWindow:   cfg.Agent.ContextWindow,
			MaxOutputTokens: cfg.Agent.MaxOutputTokens,
			SafetyBuffer:    cfg.Agent.SafetyBufferTokens,
			MemoryEnabled:   cfg.Agent.MemoryEnabled,
		},
		Classifier: risk.New(nil),
		Gate:       c.gate,
		Bus:        c.bus,
		Context:    agent.NewCompositeContextProvider(agent.NewChannelProvider()),
	}, agent.Config{
		MaxIterations:   cfg.Agent.MaxIterations,
		ProviderTimeout: cfg.Agent.ProviderTimeout,
		ToolTimeout:     cfg.Agent.ToolTimeout,
		Stream:          cfg.Agent.Stream,
		WorkspaceRoot:   cfg.Workspace.Path,
	})

	return c, nil
}

// registerSkills adds every built-in skill the configuration enables.
func registerSkills(c *core, cfg *config.Config, savePath string) error {
	var skills []*tools.Tool

	if cfg.ShellExec.Enabled {
		shell := tools.NewShellExec(tools.ShellExecConfig{
			Enabled:        true,
			WorkingDir:     cfg.ShellExec.WorkingDir,
			AllowedCmds:    cfg.ShellExec.AllowedPrefixes,
			DeniedCmds:     cfg.ShellExec.DeniedPatterns,
			DefaultTimeout: time.Duration(cfg.ShellExec.DefaultTimeoutSec) * time.Second,
		})
		skills = append(skills, shell.Skill())
	}

	if ft := tools.NewFileTools(cfg.Workspace.Path); ft.Enabled() {
		skills = append(skills, ft.Skills()...)
	}

	skills = append(skills, tools.WebFetchSkill(fetch.New()))

	ct := &tools.ConfigTools{
		Settings:  c.settings,
		Providers: c.selector,
		Registry:  c.registry,
		SavePath:  savePath,
	}
	skills = append(skills, ct.Skills()...)

	for _, s := range skills {
		if err := c.registry.Register(s); err != nil {
			return fmt.Errorf("register skill %s: %w", s.Name, err)
		}
	}
	return nil
}
