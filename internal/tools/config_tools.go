package tools

import (
	"context"
	"fmt"

	"github.com/nugget/agentcore/internal/provider"
	"github.com/nugget/agentcore/internal/settings"
)

// ProviderSwitcher changes the active LLM provider.
type ProviderSwitcher interface {
	SwitchTo(ctx context.Context, name, model string) (provider.SwitchResult, error)
}

// ConfigTools exposes the runtime overrides to the model as
// self-configuration skills.
type ConfigTools struct {
	Settings  *settings.Store
	Providers ProviderSwitcher
	Registry  *Registry
	// SavePath is where save_settings writes. Empty disables saving.
	SavePath string
}

// pinned skills cannot be disabled, so the model can always recover.
var pinned = map[string]bool{
	"enable_skill": true,
	"list_skills":  true,
}

func nameParam(desc string) map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"name": map[string]any{"type": "string", "description": desc},
		},
		"required": []string{"name"},
	}
}

// Skills returns the self-configuration skills.
func (c *ConfigTools) Skills() []*Tool {
	skills := []*Tool{
		{
			Name:     "switch_provider",
			Category: CategoryConfig,
			Description: "Switch the LLM provider (and optionally model) used from the next step on. " +
				"If the provider is unavailable the local fallback is selected instead.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"provider": map[string]any{"type": "string", "description": "Provider name, e.g. ollama or anthropic"},
					"model":    map[string]any{"type": "string", "description": "Optional model name"},
				},
				"required": []string{"provider"},
			},
			Handler: c.switchProvider,
		},
		{
			Name:        "set_tools_mode",
			Category:    CategoryConfig,
			Description: "Change how tool calls are exchanged: hybrid, native, text, or disabled.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"mode": map[string]any{
						"type": "string",
						"enum": []string{"hybrid", "native", "text", "disabled"},
					},
				},
				"required": []string{"mode"},
			},
			Handler: func(ctx context.Context, args map[string]any, rc RunContext) Result {
				mode, err := settings.ParseToolsMode(stringArg(args, "mode"))
				if err != nil {
					return Fail("%v", err)
				}
				if err := c.Settings.SetToolsMode(mode); err != nil {
					return Fail("%v", err)
				}
				return OK(fmt.Sprintf("tools mode set to %s", mode))
			},
		},
		{
			Name:        "enable_skill",
			Category:    CategoryConfig,
			Description: "Enable a registered skill so it can be called.",
			Parameters:  nameParam("Skill name as shown in the capability list"),
			Handler: func(ctx context.Context, args map[string]any, rc RunContext) Result {
				name := stringArg(args, "name")
				if !c.Registry.Has(name) {
					return Fail("unknown skill %q", name)
				}
				if !c.Settings.EnableSkill(name) {
					return OK(name + " is already enabled")
				}
				return OK(name + " enabled")
			},
		},
		{
			Name:        "disable_skill",
			Category:    CategoryConfig,
			Description: "Disable a skill so it can no longer be called.",
			Parameters:  nameParam("Skill name to disable"),
			Handler: func(ctx context.Context, args map[string]any, rc RunContext) Result {
				name := stringArg(args, "name")
				if !c.Registry.Has(name) {
					return Fail("unknown skill %q", name)
				}
				if pinned[name] {
					return Fail("%s cannot be disabled", name)
				}
				if !c.Settings.DisableSkill(name) {
					return OK(name + " is already disabled")
				}
				return OK(name + " disabled")
			},
		},
		{
			Name:        "list_skills",
			Category:    CategoryConfig,
			Description: "List every registered skill with its category and whether it is enabled.",
			Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
			Handler: func(ctx context.Context, args map[string]any, rc RunContext) Result {
				snap := c.Settings.Snapshot()
				type entry struct {
					Name     string `json:"name"`
					Category string `json:"category"`
					Enabled  bool   `json:"enabled"`
				}
				var out []entry
				for _, d := range c.Registry.Descriptors() {
					out = append(out, entry{Name: d.Name, Category: d.Category, Enabled: snap.SkillEnabled(d.Name)})
				}
				return OK(out)
			},
		},
	}

	if c.SavePath != "" {
		skills = append(skills, &Tool{
			Name:        "save_settings",
			Category:    CategoryConfig,
			Description: "Persist the current provider, model, tools mode and enabled skills so they survive a restart.",
			Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
			Handler: func(ctx context.Context, args map[string]any, rc RunContext) Result {
				if err := c.Settings.Save(c.SavePath); err != nil {
					return Fail("%v", err)
				}
				return OK("settings saved")
			},
		})
	}
	return skills
}

func (c *ConfigTools) switchProvider(ctx context.Context, args map[string]any, rc RunContext) Result {
	name := stringArg(args, "provider")
	if name == "" {
		return Fail("provider is required")
	}
	res, err := c.Providers.SwitchTo(ctx, name, stringArg(args, "model"))
	switch {
	case err == nil:
		return OK(fmt.Sprintf("switched to %s (%s)", res.Provider, res.Model))
	case res.FellBack:
		return Result{
			Success: false,
			Data:    res,
			Error:   fmt.Sprintf("could not switch to %s: %v; fell back to %s (%s)", name, err, res.Provider, res.Model),
		}
	default:
		return Result{
			Success: false,
			Data:    res,
			Error:   fmt.Sprintf("could not switch to %s: %v; still using %s (%s)", name, err, res.Provider, res.Model),
		}
	}
}
