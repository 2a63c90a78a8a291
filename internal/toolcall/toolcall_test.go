package toolcall

import (
	"reflect"
	"strings"
	"testing"

	"github.com/nugget/agentcore/internal/llm"
	"github.com/nugget/agentcore/internal/settings"
)

func TestParseText_RoundTrip(t *testing.T) {
	block, err := FormatText("read_file", map[string]any{"path": "a.txt"})
	if err != nil {
		t.Fatal(err)
	}
	in := ParseText(block)
	if len(in.Calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(in.Calls))
	}
	got := in.Calls[0]
	if got.Function.Name != "read_file" {
		t.Errorf("name = %q", got.Function.Name)
	}
	if !reflect.DeepEqual(got.Function.Arguments, map[string]any{"path": "a.txt"}) {
		t.Errorf("args = %#v", got.Function.Arguments)
	}
	if !strings.HasPrefix(got.ID, "call_") {
		t.Errorf("ID = %q, want synthetic call_ prefix", got.ID)
	}
	if in.Content != "" || in.Source != SourceText {
		t.Errorf("content = %q, source = %q", in.Content, in.Source)
	}
}

func TestParseText_MultipleBlocksAndProse(t *testing.T) {
	content := "Let me check.\n<tool_call>\n{\"tool\": \"list_dir\", \"args\": {}}\n</tool_call>\n" +
		"<tool_call>{\"tool\":\"read_file\",\"args\":{\"path\":\"b.md\",\"limit\":10}}</tool_call>"
	in := ParseText(content)

	if len(in.Calls) != 2 {
		t.Fatalf("calls = %d, want 2", len(in.Calls))
	}
	if in.Calls[0].Function.Name != "list_dir" || in.Calls[1].Function.Name != "read_file" {
		t.Errorf("order = %s, %s", in.Calls[0].Function.Name, in.Calls[1].Function.Name)
	}
	if in.Calls[1].Function.Arguments["limit"] != float64(10) {
		t.Errorf("limit = %#v", in.Calls[1].Function.Arguments["limit"])
	}
	if in.Calls[0].ID == in.Calls[1].ID {
		t.Error("call IDs must be unique")
	}
	if in.Content != "Let me check." {
		t.Errorf("content = %q", in.Content)
	}
}

func TestParseText_Malformed(t *testing.T) {
	tests := []struct {
		name  string
		block string
	}{
		{"bad json", `<tool_call>{"tool": "read_file", "args": {</tool_call>`},
		{"missing tool", `<tool_call>{"args": {"path": "x"}}</tool_call>`},
		{"args not object", `<tool_call>{"tool": "read_file", "args": ["x"]}</tool_call>`},
		{"two objects", `<tool_call>{"tool":"a","args":{}} {"tool":"b","args":{}}</tool_call>`},
		{"empty", `<tool_call>  </tool_call>`},
		{"stray closing brace", `<tool_call>{"tool":"a","args":{"x":1}}}</tool_call>`},
		{"stray closing bracket", `<tool_call>{"tool":"a","args":{}}]</tool_call>`},
		{"unclosed fence", "<tool_call>```json\n{\"tool\":\"a\"}\n</tool_call>"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			content := "before " + tt.block + " after"
			in := ParseText(content)
			if len(in.Calls) != 0 {
				t.Errorf("calls = %v, want none", in.Calls)
			}
			if !in.HasMalformed() || in.Malformed[0].Raw != tt.block || in.Malformed[0].Err == nil {
				t.Errorf("malformed = %+v", in.Malformed)
			}
			if in.Content != content {
				t.Errorf("content = %q, want raw text preserved", in.Content)
			}
		})
	}
}

func TestParseText_MalformedAlongsideValid(t *testing.T) {
	content := `<tool_call>{"tool":"list_dir","args":{}}</tool_call>` + "\n" +
		`<tool_call>{oops}</tool_call>`
	in := ParseText(content)
	if len(in.Calls) != 1 || len(in.Malformed) != 1 {
		t.Fatalf("calls = %d, malformed = %d", len(in.Calls), len(in.Malformed))
	}
	if in.Content != `<tool_call>{oops}</tool_call>` {
		t.Errorf("content = %q", in.Content)
	}
}

func TestParseText_FencedBlock(t *testing.T) {
	for _, body := range []string{
		"```json\n{\"tool\":\"read_file\",\"args\":{\"path\":\"a.txt\"}}\n```",
		"\n```\n{\"tool\":\"read_file\",\"args\":{\"path\":\"a.txt\"}}\n```\n",
	} {
		in := ParseText("ok " + OpenTag + body + CloseTag)
		if len(in.Calls) != 1 || in.HasMalformed() {
			t.Fatalf("%q: calls = %d, malformed = %+v", body, len(in.Calls), in.Malformed)
		}
		if in.Calls[0].Function.Arguments["path"] != "a.txt" {
			t.Errorf("args = %#v", in.Calls[0].Function.Arguments)
		}
	}
}

func TestParseText_ArgsOptional(t *testing.T) {
	for _, body := range []string{`{"tool":"list_skills"}`, `{"tool":"list_skills","args":null}`} {
		in := ParseText(OpenTag + body + CloseTag)
		if len(in.Calls) != 1 || in.Calls[0].Function.Arguments == nil {
			t.Errorf("%s: calls = %+v", body, in.Calls)
		}
	}
}

func TestInterpret_Modes(t *testing.T) {
	textBlock := `<tool_call>{"tool":"read_file","args":{"path":"t.txt"}}</tool_call>`
	native := []llm.ToolCall{{ID: "n1", Function: llm.FunctionCall{Name: "list_dir", Arguments: map[string]any{}}}}

	tests := []struct {
		name       string
		mode       settings.ToolsMode
		msg        llm.Message
		wantNames  []string
		wantSource Source
	}{
		{"native ignores text", settings.ModeNative, llm.Message{Content: textBlock}, nil, SourceNone},
		{"native uses structured", settings.ModeNative, llm.Message{Content: textBlock, ToolCalls: native}, []string{"list_dir"}, SourceNative},
		{"text ignores structured", settings.ModeText, llm.Message{Content: textBlock, ToolCalls: native}, []string{"read_file"}, SourceText},
		{"hybrid prefers structured", settings.ModeHybrid, llm.Message{Content: textBlock, ToolCalls: native}, []string{"list_dir"}, SourceNative},
		{"hybrid falls back to text", settings.ModeHybrid, llm.Message{Content: textBlock}, []string{"read_file"}, SourceText},
		{"disabled returns nothing", settings.ModeDisabled, llm.Message{Content: textBlock, ToolCalls: native}, nil, SourceNone},
		{"plain answer", settings.ModeHybrid, llm.Message{Content: "It is sunny."}, nil, SourceNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := Interpret(tt.msg, tt.mode)
			var names []string
			for _, c := range in.Calls {
				names = append(names, c.Function.Name)
			}
			if !reflect.DeepEqual(names, tt.wantNames) {
				t.Errorf("calls = %v, want %v", names, tt.wantNames)
			}
			if in.Source != tt.wantSource {
				t.Errorf("source = %q, want %q", in.Source, tt.wantSource)
			}
		})
	}
}

func TestInterpret_NativeLeavesTextAsContent(t *testing.T) {
	content := `Sure. <tool_call>{"tool":"read_file","args":{}}</tool_call>`
	in := Interpret(llm.Message{Content: content}, settings.ModeNative)
	if in.Content != content {
		t.Errorf("content = %q, want verbatim", in.Content)
	}
	if in.HasMalformed() {
		t.Error("native mode should not parse text blocks at all")
	}
}

func TestInterpret_DisabledPassesContentThrough(t *testing.T) {
	content := "text with <tool_call>{bad</tool_call> inside"
	in := Interpret(llm.Message{Content: content}, settings.ModeDisabled)
	if in.Content != content || len(in.Calls) != 0 || in.HasMalformed() {
		t.Errorf("disabled = %+v", in)
	}
}

func TestNative_FillsMissingAndDuplicateIDs(t *testing.T) {
	msg := llm.Message{ToolCalls: []llm.ToolCall{
		{Function: llm.FunctionCall{Name: "a"}},
		{ID: "x", Function: llm.FunctionCall{Name: "b"}},
		{ID: "x", Function: llm.FunctionCall{Name: "c"}},
	}}
	in := Native(msg)
	seen := map[string]bool{}
	for _, c := range in.Calls {
		if c.ID == "" || seen[c.ID] {
			t.Errorf("bad ID %q", c.ID)
		}
		seen[c.ID] = true
		if c.Function.Arguments == nil {
			t.Errorf("%s: nil arguments", c.Function.Name)
		}
	}
	if in.Calls[1].ID != "x" {
		t.Errorf("first x should be kept, got %q", in.Calls[1].ID)
	}
	if msg.ToolCalls[0].ID != "" {
		t.Error("Native must not mutate the input message")
	}
}
