package agent

import (
	"encoding/json"
	"strings"

	"github.com/nugget/agentcore/internal/llm"
	"github.com/nugget/agentcore/internal/prompts"
	"github.com/nugget/agentcore/internal/settings"
	"github.com/nugget/agentcore/internal/toolcall"
	"github.com/nugget/agentcore/internal/tools"
)

// perMessageOverhead approximates role and framing tokens.
const perMessageOverhead = 4

// EstimateTokens is a conservative character-length estimate of the
// tokens msgs will cost: a quarter of the byte length, rounded up, plus
// framing per message.
func EstimateTokens(msgs ...llm.Message) int {
	total := 0
	for _, m := range msgs {
		n := len(m.Content)
		if len(m.ToolCalls) > 0 {
			if data, err := json.Marshal(m.ToolCalls); err == nil {
				n += len(data)
			}
		}
		n += len(m.ToolCallID)
		total += (n+3)/4 + perMessageOverhead
	}
	return total
}

// estimateDefinitionTokens applies the EstimateTokens ratio to the
// encoded tool definitions.
func estimateDefinitionTokens(defs []map[string]any) int {
	if len(defs) == 0 {
		return 0
	}
	data, err := json.Marshal(defs)
	if err != nil {
		return 0
	}
	return (len(data) + 3) / 4
}

// SelectHistory walks msgs newest-first and keeps messages while the
// running estimate stays within budget. It stops at the first message
// that does not fit; messages are never truncated. The result is in
// chronological order.
func SelectHistory(msgs []llm.Message, budget int) []llm.Message {
	used := 0
	start := len(msgs)
	for i := len(msgs) - 1; i >= 0; i-- {
		cost := EstimateTokens(msgs[i])
		if used+cost > budget {
			break
		}
		used += cost
		start = i
	}
	return msgs[start:]
}

// ContextBuilder assembles the message list for one provider round.
type ContextBuilder struct {
	Registry *tools.Registry
	// ContextWindow is the provider's total token window.
	ContextWindow int
	// MaxOutputTokens is reserved for the reply.
	MaxOutputTokens int
	// SafetyBuffer is reserved on top of everything else.
	SafetyBuffer  int
	MemoryEnabled bool
}

// BuildInput is the per-round input to Build.
type BuildInput struct {
	// History is the persisted session before this run, oldest first.
	History []llm.Message
	// Turn holds this run's messages so far. They are always sent.
	Turn      []llm.Message
	Overrides settings.Overrides
	// ToolsDisabled turns tools off for this run only.
	ToolsDisabled bool
	// Extra is additional system context, such as a channel note.
	Extra string
}

// Built is the assembled provider input.
type Built struct {
	Messages []llm.Message
	// ActiveTools are the enabled skills callable this round.
	ActiveTools []string
	// Definitions are native tool definitions; nil unless the mode
	// uses the provider's structured tool-call facility.
	Definitions     []map[string]any
	MaxOutputTokens int
	Mode            settings.ToolsMode

	SystemTokens int
	// ToolTokens is the estimated cost of Definitions.
	ToolTokens     int
	HistoryKept    int
	HistoryDropped int
}

// EffectiveMode is disabled when the run turned tools off, otherwise
// the override.
func EffectiveMode(o settings.Overrides, toolsDisabled bool) settings.ToolsMode {
	if toolsDisabled {
		return settings.ModeDisabled
	}
	if o.ToolsMode == "" {
		return settings.ModeHybrid
	}
	return o.ToolsMode
}

// Build produces the messages for one provider round: exactly one
// system message, then as much history as the budget allows, then the
// current turn.
func (b *ContextBuilder) Build(in BuildInput) Built {
	mode := EffectiveMode(in.Overrides, in.ToolsDisabled)
	out := Built{Mode: mode, MaxOutputTokens: b.MaxOutputTokens}

	var active []string
	if mode != settings.ModeDisabled && b.Registry != nil {
		for _, name := range b.Registry.Names() {
			if in.Overrides.SkillEnabled(name) {
				active = append(active, name)
			}
		}
	}
	out.ActiveTools = active
	if (mode == settings.ModeNative || mode == settings.ModeHybrid) && len(active) > 0 {
		out.Definitions = b.Registry.Definitions(active)
		out.ToolTokens = estimateDefinitionTokens(out.Definitions)
	}

	system := llm.Message{Role: llm.RoleSystem, Content: b.systemPrompt(in, mode, active)}
	out.SystemTokens = EstimateTokens(system)

	turn := withoutSystem(in.Turn)
	history := withoutSystem(in.History)

	budget := b.ContextWindow - out.SystemTokens - out.ToolTokens - b.MaxOutputTokens - b.SafetyBuffer - EstimateTokens(turn...)
	kept := SelectHistory(history, max(budget, 0))
	kept = dropOrphanedToolResults(kept)
	out.HistoryKept = len(kept)
	out.HistoryDropped = len(history) - len(kept)

	out.Messages = make([]llm.Message, 0, 1+len(kept)+len(turn))
	out.Messages = append(out.Messages, system)
	out.Messages = append(out.Messages, kept...)
	out.Messages = append(out.Messages, turn...)
	return out
}

func (b *ContextBuilder) systemPrompt(in BuildInput, mode settings.ToolsMode, active []string) string {
	sections := []string{prompts.BaseSystemPrompt(in.Overrides.SystemPrompt, in.Overrides.Persona)}
	if b.MemoryEnabled {
		sections = append(sections, prompts.MemoryNote())
	}
	if in.Extra != "" {
		sections = append(sections, in.Extra)
	}

	if mode != settings.ModeDisabled && b.Registry != nil {
		var entries []prompts.SkillEntry
		for _, d := range b.Registry.Descriptors() {
			entries = append(entries, prompts.SkillEntry{
				Name:        d.Name,
				Description: d.Description,
				Category:    d.Category,
				Enabled:     in.Overrides.SkillEnabled(d.Name),
			})
		}
		if s := prompts.ToolKnowledge(entries); s != "" {
			sections = append(sections, s)
		}

		if mode == settings.ModeText || mode == settings.ModeHybrid {
			if s := b.protocolSection(active); s != "" {
				sections = append(sections, s)
			}
		}
	}

	sections = append(sections, prompts.SecurityPostscript())
	return strings.Join(sections, "\n\n")
}

func (b *ContextBuilder) protocolSection(active []string) string {
	var pts []prompts.ProtocolTool
	for _, name := range active {
		s, err := b.Registry.Get(name)
		if err != nil {
			continue
		}
		d := s.Describe()
		pts = append(pts, prompts.ProtocolTool{Name: d.Name, Description: d.Description, Parameters: d.Parameters})
	}
	if len(pts) == 0 {
		return ""
	}
	example, _ := toolcall.FormatText(pts[0].Name, prompts.ExampleArgs(pts[0].Parameters))
	return prompts.ToolProtocol(pts, example)
}

func withoutSystem(msgs []llm.Message) []llm.Message {
	out := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role != llm.RoleSystem {
			out = append(out, m)
		}
	}
	return out
}

// dropOrphanedToolResults removes tool messages at the start of a
// history window whose assistant message fell outside it.
func dropOrphanedToolResults(msgs []llm.Message) []llm.Message {
	i := 0
	for i < len(msgs) && msgs[i].Role == llm.RoleTool {
		i++
	}
	return msgs[i:]
}
