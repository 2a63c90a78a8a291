package agent

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nugget/agentcore/internal/confirm"
	"github.com/nugget/agentcore/internal/events"
	"github.com/nugget/agentcore/internal/llm"
	"github.com/nugget/agentcore/internal/memory"
	"github.com/nugget/agentcore/internal/provider"
	"github.com/nugget/agentcore/internal/risk"
	"github.com/nugget/agentcore/internal/settings"
	"github.com/nugget/agentcore/internal/tools"
)

// mockLLM returns pre-configured responses in sequence and records each call.
type mockLLM struct {
	mu        sync.Mutex
	responses []*llm.ChatResponse
	// repeat is returned once responses run out. Nil means error.
	repeat    *llm.ChatResponse
	err       error
	pingErr   error
	callIndex int
	calls     []mockLLMCall
}

type mockLLMCall struct {
	Model     string
	Messages  []llm.Message
	Tools     []map[string]any
	MaxTokens int
}

func (m *mockLLM) next(model string, msgs []llm.Message, td []map[string]any, maxTokens int) (*llm.ChatResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, mockLLMCall{Model: model, Messages: slices.Clone(msgs), Tools: td, MaxTokens: maxTokens})
	if m.err != nil {
		return nil, m.err
	}
	if m.callIndex >= len(m.responses) {
		if m.repeat != nil {
			return m.repeat, nil
		}
		return nil, fmt.Errorf("mockLLM: no more responses (call %d)", m.callIndex)
	}
	resp := m.responses[m.callIndex]
	m.callIndex++
	return resp, nil
}

func (m *mockLLM) Chat(_ context.Context, model string, msgs []llm.Message, td []map[string]any, maxTokens int) (*llm.ChatResponse, error) {
	return m.next(model, msgs, td, maxTokens)
}

// ChatStream delivers the content word by word, then KindDone.
func (m *mockLLM) ChatStream(_ context.Context, model string, msgs []llm.Message, td []map[string]any, maxTokens int, cb llm.StreamCallback) (*llm.ChatResponse, error) {
	resp, err := m.next(model, msgs, td, maxTokens)
	if err != nil {
		return nil, err
	}
	if cb != nil {
		for _, w := range strings.SplitAfter(resp.Message.Content, " ") {
			if w != "" {
				cb(llm.StreamEvent{Kind: llm.KindToken, Token: w})
			}
		}
		cb(llm.StreamEvent{Kind: llm.KindDone, Response: resp})
	}
	return resp, nil
}

func (m *mockLLM) Ping(context.Context) error { return m.pingErr }

func (m *mockLLM) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func (m *mockLLM) call(i int) mockLLMCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[i]
}

func textResp(content string) *llm.ChatResponse {
	return &llm.ChatResponse{
		Model:        "test-model",
		Message:      llm.Message{Role: llm.RoleAssistant, Content: content},
		InputTokens:  100,
		OutputTokens: 10,
	}
}

func toolResp(calls ...llm.ToolCall) *llm.ChatResponse {
	return &llm.ChatResponse{
		Model:        "test-model",
		Message:      llm.Message{Role: llm.RoleAssistant, ToolCalls: calls},
		InputTokens:  100,
		OutputTokens: 20,
	}
}

func call(id, name string, args map[string]any) llm.ToolCall {
	return llm.ToolCall{ID: id, Function: llm.FunctionCall{Name: name, Arguments: args}}
}

// countingTool returns a skill that counts invocations and echoes its args.
func countingTool(name, category string, n *int, mu *sync.Mutex) *tools.Tool {
	return &tools.Tool{
		Name:        name,
		Description: "test tool " + name,
		Category:    category,
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{"path": map[string]any{"type": "string"}},
			"required":   []string{"path"},
		},
		Handler: func(_ context.Context, args map[string]any, _ tools.RunContext) tools.Result {
			mu.Lock()
			*n++
			mu.Unlock()
			return tools.OK(args)
		},
	}
}

type harness struct {
	loop     *Loop
	settings *settings.Store
	sessions *memory.Store
	bus      *events.Bus
	gate     *confirm.Gate
	selector *provider.Selector
	registry *tools.Registry
}

type harnessOpts struct {
	cfg         Config
	gateTimeout time.Duration
	fallback    string
	mode        settings.ToolsMode
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newHarness wires a loop with "primary" and "local" providers backed
// by the given mocks. local may be nil.
func newHarness(t *testing.T, primary, local *mockLLM, opts harnessOpts, skills ...tools.Skill) *harness {
	t.Helper()
	logger := discardLogger()

	mode := opts.mode
	if mode == "" {
		mode = settings.ModeHybrid
	}
	store := settings.New(settings.Overrides{
		Provider:  "primary",
		Models:    map[string]string{"primary": "big-model", "local": "small-model"},
		ToolsMode: mode,
	}, logger)

	bus := events.New()
	fallback := opts.fallback
	if fallback == "" && local != nil {
		fallback = "local"
	}
	sel := provider.NewSelector(store, fallback, bus, logger)
	sel.Register("primary", primary)
	if local != nil {
		sel.Register("local", local)
	}

	reg := tools.NewRegistry()
	for _, s := range skills {
		if err := reg.Register(s); err != nil {
			t.Fatal(err)
		}
	}
	reg.Seal()

	timeout := opts.gateTimeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	gate := confirm.New(confirm.Config{Threshold: risk.High, Timeout: timeout, Bus: bus, Logger: logger})
	sessions := memory.NewStore(0)

	loop := NewLoop(Deps{
		Logger:    logger,
		Sessions:  sessions,
		Providers: sel,
		Registry:  reg,
		Settings:  store,
		Builder: &ContextBuilder{
			Registry:        reg,
			ContextWindow:   32768,
			MaxOutputTokens: 1024,
			SafetyBuffer:    128,
		},
		Gate: gate,
		Bus:  bus,
	}, opts.cfg)

	return &harness{
		loop:     loop,
		settings: store,
		sessions: sessions,
		bus:      bus,
		gate:     gate,
		selector: sel,
		registry: reg,
	}
}

// onConfirm calls fn for every confirm_required event until the test
// ends.
func (h *harness) onConfirm(t *testing.T, fn func(confirmID string)) {
	t.Helper()
	ch := h.bus.Subscribe(256)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for e := range ch {
			if e.Kind == events.KindConfirmRequired {
				fn(e.Data["confirm_id"].(string))
			}
		}
	}()
	t.Cleanup(func() {
		h.bus.Unsubscribe(ch)
		<-done
	})
}

// checkOrdering verifies the message invariants every provider call
// must satisfy.
func checkOrdering(t *testing.T, msgs []llm.Message) {
	t.Helper()
	if len(msgs) == 0 || msgs[0].Role != llm.RoleSystem {
		t.Fatalf("first message must be system, got %+v", msgs)
	}
	for i, m := range msgs {
		if i > 0 && m.Role == llm.RoleSystem {
			t.Errorf("extra system message at %d", i)
		}
		if m.Role != llm.RoleTool {
			continue
		}
		// Walk back over sibling tool results to the assistant.
		j := i - 1
		for j >= 0 && msgs[j].Role == llm.RoleTool {
			j--
		}
		if j < 0 || msgs[j].Role != llm.RoleAssistant {
			t.Errorf("tool message %d does not follow an assistant message", i)
			continue
		}
		found := false
		for _, tc := range msgs[j].ToolCalls {
			if tc.ID == m.ToolCallID {
				found = true
			}
		}
		if !found {
			t.Errorf("tool message %d has call ID %q not in preceding assistant calls", i, m.ToolCallID)
		}
	}
}
