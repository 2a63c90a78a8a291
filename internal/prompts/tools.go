package prompts

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
)

// SkillEntry describes one registered skill for the knowledge section.
type SkillEntry struct {
	Name        string
	Description string
	Category    string
	Enabled     bool
}

// ToolKnowledge lists every registered skill grouped by category with
// an enabled marker, so the model knows about capabilities it could
// switch on. Entries are expected in category order.
func ToolKnowledge(entries []SkillEntry) string {
	if len(entries) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("## Capabilities\n")
	sb.WriteString("Every skill installed on this system. Disabled skills cannot be called until enabled with enable_skill.\n")

	category := ""
	for i, e := range entries {
		if i == 0 || e.Category != category {
			category = e.Category
			fmt.Fprintf(&sb, "\n### %s\n", titleOr(category, "other"))
		}
		mark := "enabled"
		if !e.Enabled {
			mark = "disabled"
		}
		fmt.Fprintf(&sb, "- %s [%s]: %s\n", e.Name, mark, firstLine(e.Description))
	}
	return strings.TrimRight(sb.String(), "\n")
}

// ProtocolTool is an enabled skill offered through the text protocol.
type ProtocolTool struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ToolProtocol explains the <tool_call> text protocol and lists the
// currently enabled skills with their argument schemas. example is a
// rendered call used as the worked example.
func ToolProtocol(tools []ProtocolTool, example string) string {
	var sb strings.Builder
	sb.WriteString("## Calling Tools\n")
	sb.WriteString("To call a tool, write a block like this on its own lines, with one JSON object holding \"tool\" and \"args\":\n\n")
	sb.WriteString(example)
	sb.WriteString("\n\n")
	sb.WriteString("Rules:\n")
	sb.WriteString("- One call per block. Use several blocks to call several tools; they run in order.\n")
	sb.WriteString("- After the blocks, stop and wait. Results arrive in the next message.\n")
	sb.WriteString("- When you have the answer, reply in plain text with no block.\n")
	sb.WriteString("\nAvailable tools:\n")

	for _, t := range tools {
		fmt.Fprintf(&sb, "\n### %s\n%s\n", t.Name, strings.TrimSpace(t.Description))
		if schema := renderSchema(t.Parameters); schema != "" {
			fmt.Fprintf(&sb, "args: %s\n", schema)
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

// ExampleArgs builds placeholder arguments from a schema's required
// properties, for a worked example.
func ExampleArgs(params map[string]any) map[string]any {
	args := map[string]any{}
	for _, name := range requiredNames(params) {
		args[name] = "..."
	}
	return args
}

func requiredNames(params map[string]any) []string {
	var names []string
	switch req := params["required"].(type) {
	case []string:
		names = slices.Clone(req)
	case []any:
		for _, r := range req {
			if s, ok := r.(string); ok {
				names = append(names, s)
			}
		}
	}
	slices.Sort(names)
	return names
}

func renderSchema(params map[string]any) string {
	props, _ := params["properties"].(map[string]any)
	if len(props) == 0 {
		return ""
	}
	data, err := json.Marshal(props)
	if err != nil {
		return ""
	}
	s := string(data)
	if req := requiredNames(params); len(req) > 0 {
		s += " (required: " + strings.Join(req, ", ") + ")"
	}
	return s
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func titleOr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
