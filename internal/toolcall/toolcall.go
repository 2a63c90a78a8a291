// Package toolcall extracts tool invocations from a provider response.
// Two encodings exist: the provider's structured tool-call field
// ("native") and <tool_call> blocks embedded in the reply text
// ("text"). The tools mode selects which are honored; a response is
// never read from both at once.
package toolcall

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/nugget/agentcore/internal/llm"
	"github.com/nugget/agentcore/internal/settings"
)

// Block delimiters of the text protocol.
const (
	OpenTag  = "<tool_call>"
	CloseTag = "</tool_call>"
)

var blockRe = regexp.MustCompile(`(?s)<tool_call>(.*?)</tool_call>`)

// Source records which channel produced the calls.
type Source string

// Call sources.
const (
	SourceNone   Source = ""
	SourceNative Source = "native"
	SourceText   Source = "text"
)

// Malformed is a text block that could not be parsed.
type Malformed struct {
	Raw string
	Err error
}

// Interpretation is the result of reading one response.
type Interpretation struct {
	Calls []llm.ToolCall
	// Content is the natural-language part of the response. Parsed
	// text blocks are removed; malformed ones stay.
	Content   string
	Source    Source
	Malformed []Malformed
}

// HasMalformed reports whether any text block failed to parse.
func (i Interpretation) HasMalformed() bool {
	return len(i.Malformed) > 0
}

// Interpret extracts tool calls from msg under mode. Every returned
// call has a non-empty ID unique within the result.
func Interpret(msg llm.Message, mode settings.ToolsMode) Interpretation {
	switch mode {
	case settings.ModeDisabled:
		return Interpretation{Content: msg.Content}
	case settings.ModeNative:
		return Native(msg)
	case settings.ModeText:
		return ParseText(msg.Content)
	default:
		if len(msg.ToolCalls) > 0 {
			return Native(msg)
		}
		return ParseText(msg.Content)
	}
}

// Native returns the structured calls and leaves the content verbatim,
// including any text blocks in it.
func Native(msg llm.Message) Interpretation {
	in := Interpretation{Content: msg.Content}
	if len(msg.ToolCalls) == 0 {
		return in
	}
	in.Source = SourceNative
	in.Calls = make([]llm.ToolCall, len(msg.ToolCalls))
	seen := make(map[string]bool, len(msg.ToolCalls))
	for i, tc := range msg.ToolCalls {
		if tc.ID == "" || seen[tc.ID] {
			tc.ID = NewCallID()
		}
		seen[tc.ID] = true
		if tc.Function.Arguments == nil {
			tc.Function.Arguments = map[string]any{}
		}
		in.Calls[i] = tc
	}
	return in
}

// ParseText extracts every <tool_call> block from content. Valid
// blocks become calls and are cut from the content; malformed blocks
// are recorded and left in place.
func ParseText(content string) Interpretation {
	var in Interpretation
	var out strings.Builder
	last := 0
	for _, loc := range blockRe.FindAllStringSubmatchIndex(content, -1) {
		raw := content[loc[0]:loc[1]]
		call, err := parseBlock(content[loc[2]:loc[3]])
		out.WriteString(content[last:loc[0]])
		if err != nil {
			in.Malformed = append(in.Malformed, Malformed{Raw: raw, Err: err})
			out.WriteString(raw)
		} else {
			in.Calls = append(in.Calls, call)
		}
		last = loc[1]
	}
	out.WriteString(content[last:])

	if len(in.Calls) > 0 {
		in.Source = SourceText
		in.Content = strings.TrimSpace(out.String())
	} else {
		in.Content = content
	}
	return in
}

type wireCall struct {
	Tool string          `json:"tool"`
	Args json.RawMessage `json:"args"`
}

func parseBlock(body string) (llm.ToolCall, error) {
	body = stripFence(strings.TrimSpace(body))
	if body == "" {
		return llm.ToolCall{}, fmt.Errorf("empty tool_call block")
	}

	dec := json.NewDecoder(strings.NewReader(body))
	var w wireCall
	if err := dec.Decode(&w); err != nil {
		return llm.ToolCall{}, fmt.Errorf("invalid JSON: %w", err)
	}
	if rest := strings.TrimSpace(body[dec.InputOffset():]); rest != "" {
		return llm.ToolCall{}, fmt.Errorf("block must contain exactly one JSON object, found trailing %q", truncate(rest, 20))
	}
	if strings.TrimSpace(w.Tool) == "" {
		return llm.ToolCall{}, fmt.Errorf(`missing "tool" name`)
	}

	args := map[string]any{}
	if raw := bytes.TrimSpace(w.Args); len(raw) > 0 && !bytes.Equal(raw, []byte("null")) {
		if err := json.Unmarshal(raw, &args); err != nil {
			return llm.ToolCall{}, fmt.Errorf(`"args" must be a JSON object: %w`, err)
		}
	}

	return llm.ToolCall{
		ID: NewCallID(),
		Function: llm.FunctionCall{
			Name:      strings.TrimSpace(w.Tool),
			Arguments: args,
		},
	}, nil
}

// stripFence removes a markdown code fence wrapped around the JSON,
// with or without a language tag.
func stripFence(body string) string {
	if !strings.HasPrefix(body, "```") {
		return body
	}
	_, inner, ok := strings.Cut(body, "\n")
	if !ok {
		return body
	}
	inner = strings.TrimSpace(inner)
	inner, ok = strings.CutSuffix(inner, "```")
	if !ok {
		return body
	}
	return strings.TrimSpace(inner)
}

func truncate(s string, n int) string {
	if r := []rune(s); len(r) > n {
		return string(r[:n]) + "..."
	}
	return s
}

// FormatText renders a call in the text protocol.
func FormatText(name string, args map[string]any) (string, error) {
	if args == nil {
		args = map[string]any{}
	}
	data, err := json.Marshal(struct {
		Tool string         `json:"tool"`
		Args map[string]any `json:"args"`
	}{name, args})
	if err != nil {
		return "", fmt.Errorf("encode tool call: %w", err)
	}
	return OpenTag + "\n" + string(data) + "\n" + CloseTag, nil
}

// NewCallID returns a fresh tool-call ID.
func NewCallID() string {
	return "call_" + uuid.NewString()
}
