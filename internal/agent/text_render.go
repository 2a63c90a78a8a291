package agent

import (
	"strings"

	"github.com/nugget/agentcore/internal/llm"
	"github.com/nugget/agentcore/internal/toolcall"
)

// renderForText rewrites structured tool traffic into the text
// protocol for providers driven in text mode: assistant calls become
// <tool_call> blocks and tool results become user messages wrapped in
// <tool_result> blocks. The session itself keeps the structured form.
func renderForText(msgs []llm.Message) []llm.Message {
	out := make([]llm.Message, 0, len(msgs))
	names := map[string]string{}
	for _, m := range msgs {
		switch {
		case m.Role == llm.RoleAssistant && len(m.ToolCalls) > 0:
			var sb strings.Builder
			sb.WriteString(m.Content)
			for _, tc := range m.ToolCalls {
				names[tc.ID] = tc.Function.Name
				block, err := toolcall.FormatText(tc.Function.Name, tc.Function.Arguments)
				if err != nil {
					continue
				}
				if sb.Len() > 0 {
					sb.WriteString("\n")
				}
				sb.WriteString(block)
			}
			out = append(out, llm.Message{Role: llm.RoleAssistant, Content: sb.String()})
		case m.Role == llm.RoleTool:
			out = append(out, llm.Message{
				Role:    llm.RoleUser,
				Content: "<tool_result name=\"" + names[m.ToolCallID] + "\">\n" + m.Content + "\n</tool_result>",
			})
		default:
			out = append(out, m)
		}
	}
	return out
}
