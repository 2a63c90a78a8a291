package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

type anthropicRequest struct {
	Model     string             `json:"model"`
	Messages  []anthropicMessage `json:"messages"`
	System    string             `json:"system,omitempty"`
	MaxTokens int                `json:"max_tokens"`
	Stream    bool               `json:"stream,omitempty"`
	Tools     []anthropicTool    `json:"tools,omitempty"`
}

// anthropicMessage content is either a string or []anthropicBlock.
type anthropicMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type anthropicBlock struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	Input     any    `json:"input,omitempty"`
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
}

type anthropicTool struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	InputSchema any    `json:"input_schema"`
}

type anthropicResponse struct {
	ID         string           `json:"id"`
	Role       string           `json:"role"`
	Content    []anthropicBlock `json:"content"`
	Model      string           `json:"model"`
	StopReason string           `json:"stop_reason"`
	Usage      anthropicUsage   `json:"usage"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicStreamEvent struct {
	Type         string             `json:"type"`
	Index        int                `json:"index"`
	ContentBlock *anthropicBlock    `json:"content_block,omitempty"`
	Delta        *anthropicDelta    `json:"delta,omitempty"`
	Message      *anthropicResponse `json:"message,omitempty"`
	Usage        *anthropicUsage    `json:"usage,omitempty"`
}

type anthropicDelta struct {
	Type        string `json:"type,omitempty"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}

// toAnthropicMessages maps the conversation onto Messages API turns.
// System messages are joined into the separate system field, and
// consecutive tool results share one user turn.
func toAnthropicMessages(messages []Message) ([]anthropicMessage, string) {
	var system []string
	out := make([]anthropicMessage, 0, len(messages))

	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			system = append(system, msg.Content)

		case RoleUser:
			out = append(out, anthropicMessage{Role: RoleUser, Content: msg.Content})

		case RoleAssistant:
			if len(msg.ToolCalls) == 0 {
				out = append(out, anthropicMessage{Role: RoleAssistant, Content: msg.Content})
				continue
			}
			out = append(out, anthropicMessage{Role: RoleAssistant, Content: toolUseBlocks(msg)})

		case RoleTool:
			result := anthropicBlock{Type: "tool_result", ToolUseID: msg.ToolCallID, Content: msg.Content}
			if n := len(out); n > 0 && isToolResultTurn(out[n-1]) {
				out[n-1].Content = append(out[n-1].Content.([]anthropicBlock), result)
				continue
			}
			out = append(out, anthropicMessage{Role: RoleUser, Content: []anthropicBlock{result}})
		}
	}
	return out, strings.Join(system, "\n\n")
}

func toolUseBlocks(msg Message) []anthropicBlock {
	blocks := make([]anthropicBlock, 0, len(msg.ToolCalls)+1)
	if msg.Content != "" {
		blocks = append(blocks, anthropicBlock{Type: "text", Text: msg.Content})
	}
	for i, tc := range msg.ToolCalls {
		id := tc.ID
		if id == "" {
			id = fmt.Sprintf("toolu_%s_%d", tc.Function.Name, i)
		}
		input := tc.Function.Arguments
		if input == nil {
			input = map[string]any{}
		}
		blocks = append(blocks, anthropicBlock{Type: "tool_use", ID: id, Name: tc.Function.Name, Input: input})
	}
	return blocks
}

func isToolResultTurn(m anthropicMessage) bool {
	if m.Role != RoleUser {
		return false
	}
	blocks, ok := m.Content.([]anthropicBlock)
	return ok && len(blocks) > 0 && blocks[0].Type == "tool_result"
}

// toAnthropicTools converts function-style tool definitions
// ({"type":"function","function":{...}}) to Anthropic tools.
func toAnthropicTools(tools []map[string]any) []anthropicTool {
	var out []anthropicTool
	for _, def := range tools {
		fn, ok := def["function"].(map[string]any)
		if !ok {
			continue
		}
		t := anthropicTool{InputSchema: fn["parameters"]}
		t.Name, _ = fn["name"].(string)
		t.Description, _ = fn["description"].(string)
		if t.InputSchema == nil {
			t.InputSchema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, t)
	}
	return out
}

func fromAnthropicResponse(resp *anthropicResponse) *ChatResponse {
	var text strings.Builder
	var calls []ToolCall
	for _, b := range resp.Content {
		switch b.Type {
		case "text":
			text.WriteString(b.Text)
		case "tool_use":
			args, _ := b.Input.(map[string]any)
			if args == nil {
				args = map[string]any{}
			}
			calls = append(calls, ToolCall{ID: b.ID, Function: FunctionCall{Name: b.Name, Arguments: args}})
		}
	}

	role := resp.Role
	if role == "" {
		role = RoleAssistant
	}
	return &ChatResponse{
		Model:        resp.Model,
		Message:      Message{Role: role, Content: text.String(), ToolCalls: calls},
		Done:         true,
		FinishReason: normalizeFinishReason(resp.StopReason),
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	}
}

// anthropicStream accumulates a streamed message. Blocks are tracked
// by index so interleaved deltas land in the right tool call.
type anthropicStream struct {
	model   string
	text    strings.Builder
	tools   map[int]*pendingToolUse
	order   []int
	stop    string
	usage   anthropicUsage
	badArgs []string
}

type pendingToolUse struct {
	id, name string
	args     strings.Builder
}

// apply folds ev into the accumulator and returns any text delta.
func (s *anthropicStream) apply(ev *anthropicStreamEvent) string {
	switch ev.Type {
	case "message_start":
		if ev.Message != nil {
			s.model = ev.Message.Model
			s.usage = ev.Message.Usage
		}

	case "content_block_start":
		if ev.ContentBlock != nil && ev.ContentBlock.Type == "tool_use" {
			if s.tools == nil {
				s.tools = make(map[int]*pendingToolUse)
			}
			s.tools[ev.Index] = &pendingToolUse{id: ev.ContentBlock.ID, name: ev.ContentBlock.Name}
			s.order = append(s.order, ev.Index)
		}

	case "content_block_delta":
		if ev.Delta == nil {
			return ""
		}
		switch ev.Delta.Type {
		case "text_delta":
			s.text.WriteString(ev.Delta.Text)
			return ev.Delta.Text
		case "input_json_delta":
			if t := s.tools[ev.Index]; t != nil {
				t.args.WriteString(ev.Delta.PartialJSON)
			}
		}

	case "message_delta":
		if ev.Delta != nil && ev.Delta.StopReason != "" {
			s.stop = ev.Delta.StopReason
		}
		if ev.Usage != nil {
			s.usage.OutputTokens = ev.Usage.OutputTokens
		}
	}
	return ""
}

// response builds the final message. Tool arguments that are not valid
// JSON decode to an empty object and are listed in badArgs.
func (s *anthropicStream) response() *ChatResponse {
	var calls []ToolCall
	for _, idx := range s.order {
		t := s.tools[idx]
		args := map[string]any{}
		if raw := t.args.String(); raw != "" {
			if err := json.Unmarshal([]byte(raw), &args); err != nil {
				args = map[string]any{}
				s.badArgs = append(s.badArgs, t.name)
			}
		}
		calls = append(calls, ToolCall{ID: t.id, Function: FunctionCall{Name: t.name, Arguments: args}})
	}
	return &ChatResponse{
		Model:        s.model,
		Message:      Message{Role: RoleAssistant, Content: s.text.String(), ToolCalls: calls},
		Done:         true,
		FinishReason: normalizeFinishReason(s.stop),
		InputTokens:  s.usage.InputTokens,
		OutputTokens: s.usage.OutputTokens,
	}
}
