// Package agent implements the conversation loop: it turns one user
// message into a final answer by alternating provider rounds with
// gated tool execution.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/nugget/agentcore/internal/confirm"
	"github.com/nugget/agentcore/internal/events"
	"github.com/nugget/agentcore/internal/llm"
	"github.com/nugget/agentcore/internal/memory"
	"github.com/nugget/agentcore/internal/prompts"
	"github.com/nugget/agentcore/internal/provider"
	"github.com/nugget/agentcore/internal/risk"
	"github.com/nugget/agentcore/internal/settings"
	"github.com/nugget/agentcore/internal/speech"
	"github.com/nugget/agentcore/internal/toolcall"
	"github.com/nugget/agentcore/internal/tools"
)

// Defaults for Config zero values.
const (
	DefaultMaxIterations   = 25
	DefaultProviderTimeout = 5 * time.Minute
	DefaultToolTimeout     = 2 * time.Minute
)

// Request sources with special handling.
const (
	SourceVoice     = "voice"
	SourceCLI       = "cli"
	SourceScheduled = "scheduled"
)

// maxEventArgs bounds the argument text attached to tool events.
const maxEventArgs = 200

// State is a loop state.
type State string

// Loop states.
const (
	StateBuilding             State = "building"
	StateAwaitingProvider     State = "awaiting_provider"
	StateInterpreting         State = "interpreting_response"
	StateAwaitingConfirmation State = "awaiting_confirmation"
	StateExecutingTools       State = "executing_tools"
	StateDone                 State = "done"
	StateFailed               State = "failed"
)

// Request is one user message to answer.
type Request struct {
	// RunID is assigned by Run when empty.
	RunID      string `json:"run_id,omitempty"`
	SessionKey string `json:"session"`
	Message    string `json:"message"`
	// ToolsDisabled turns tools off for this run only.
	ToolsDisabled bool `json:"tools_disabled,omitempty"`
	// Source names the delivery channel (api, cli, voice).
	Source string `json:"source,omitempty"`
	// OnToken receives streamed content deltas. Optional.
	OnToken func(delta string) `json:"-"`
}

// ToolOutcome summarizes one tool call of a run.
type ToolOutcome struct {
	CallID  string `json:"call_id"`
	Name    string `json:"name"`
	Success bool   `json:"success"`
	// Confirmation is the gate outcome, empty when none was needed.
	Confirmation string        `json:"confirmation,omitempty"`
	Error        string        `json:"error,omitempty"`
	Duration     time.Duration `json:"duration_ns"`
}

// Response is the final answer of a successful run.
type Response struct {
	RunID   string `json:"run_id"`
	Content string `json:"content"`
	// Speech is Content rendered for text-to-speech; set for voice
	// requests only.
	Speech       string        `json:"speech,omitempty"`
	Provider     string        `json:"provider"`
	Model        string        `json:"model"`
	Iterations   int           `json:"iterations"`
	InputTokens  int           `json:"input_tokens"`
	OutputTokens int           `json:"output_tokens"`
	FellBack     bool          `json:"fell_back,omitempty"`
	Tools        []ToolOutcome `json:"tools,omitempty"`
}

// Providers resolves the provider for each round and performs the
// fallback switch.
type Providers interface {
	Current() (provider.Provider, error)
	FailOver(ctx context.Context, failed string) (provider.Provider, error)
	ReportFailure(name string, err error)
}

// ToolRecorder stores an audit entry per tool call.
type ToolRecorder interface {
	RecordToolCall(ctx context.Context, rec memory.ToolRecord) error
}

// Config holds loop limits.
type Config struct {
	MaxIterations   int
	ProviderTimeout time.Duration
	ToolTimeout     time.Duration
	// Stream selects the provider's streaming call.
	Stream        bool
	WorkspaceRoot string
}

// Deps are the loop's collaborators. Sessions, Providers, Registry,
// Settings and Builder are required.
type Deps struct {
	Logger     *slog.Logger
	Sessions   memory.SessionStore
	Providers  Providers
	Registry   *tools.Registry
	Settings   *settings.Store
	Builder    *ContextBuilder
	Classifier *risk.Classifier
	Gate       *confirm.Gate
	Bus        *events.Bus
	Context    ContextProvider
	// Recorder defaults to Sessions when it implements ToolRecorder.
	Recorder ToolRecorder
}

// Loop runs conversations. Runs are independent and may execute
// concurrently.
type Loop struct {
	logger     *slog.Logger
	sessions   memory.SessionStore
	providers  Providers
	registry   *tools.Registry
	settings   *settings.Store
	builder    *ContextBuilder
	classifier *risk.Classifier
	gate       *confirm.Gate
	bus        *events.Bus
	context    ContextProvider
	recorder   ToolRecorder
	cfg        Config

	mu   sync.Mutex
	runs map[string]context.CancelFunc
}

// NewLoop creates a loop. A nil Classifier uses the default baselines
// and a nil Gate confirms high-risk calls with the default timeout.
func NewLoop(d Deps, cfg Config) *Loop {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Classifier == nil {
		d.Classifier = risk.New(nil)
	}
	if d.Gate == nil {
		d.Gate = confirm.New(confirm.Config{Threshold: risk.High, Bus: d.Bus, Logger: d.Logger})
	}
	if d.Recorder == nil {
		if rec, ok := d.Sessions.(ToolRecorder); ok {
			d.Recorder = rec
		}
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = DefaultProviderTimeout
	}
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = DefaultToolTimeout
	}
	return &Loop{
		logger:     d.Logger,
		sessions:   d.Sessions,
		providers:  d.Providers,
		registry:   d.Registry,
		settings:   d.Settings,
		builder:    d.Builder,
		classifier: d.Classifier,
		gate:       d.Gate,
		bus:        d.Bus,
		context:    d.Context,
		recorder:   d.Recorder,
		cfg:        cfg,
		runs:       make(map[string]context.CancelFunc),
	}
}

// run is the state of one Run call.
type run struct {
	id      string
	req     *Request
	start   time.Time
	logger  *slog.Logger
	history []llm.Message
	turn    []llm.Message
	// saved counts the turn messages already appended to the session.
	saved int
	resp  *Response
}

// Run answers req. It returns either a Response or a *RunError, never
// both.
func (l *Loop) Run(ctx context.Context, req *Request) (*Response, error) {
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}
	r := &run{
		id:     req.RunID,
		req:    req,
		start:  time.Now(),
		logger: l.logger.With("run_id", req.RunID, "session", req.SessionKey),
		resp:   &Response{RunID: req.RunID},
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if !l.register(r.id, cancel) {
		return nil, &RunError{Kind: ErrKindContext, RunID: r.id, Err: fmt.Errorf("run %s is already active", r.id)}
	}
	defer l.unregister(r.id)
	defer l.gate.CancelRun(r.id)

	r.logger.Info("run started", "source", req.Source, "tools_disabled", req.ToolsDisabled)
	l.bus.Emit(events.SourceAgent, events.KindRunStart, map[string]any{
		"run_id":  r.id,
		"session": req.SessionKey,
		"source":  req.Source,
	})

	resp, err := l.loop(ctx, r)
	l.finish(r, err)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (l *Loop) loop(ctx context.Context, r *run) (*Response, error) {
	history, err := l.sessions.History(ctx, r.req.SessionKey)
	if err != nil {
		if ctx.Err() != nil {
			return nil, l.cancelled(ctx, r)
		}
		return nil, &RunError{Kind: ErrKindContext, RunID: r.id, Err: fmt.Errorf("load session: %w", err)}
	}
	r.history = history

	var extra string
	if l.context != nil {
		extra, err = l.context.GetContext(ctx, r.req)
		if err != nil {
			r.logger.Warn("context provider failed", "error", err)
		}
	}

	r.turn = append(r.turn, llm.Message{Role: llm.RoleUser, Content: r.req.Message})

	for iter := 0; iter < l.cfg.MaxIterations; iter++ {
		if ctx.Err() != nil {
			return nil, l.cancelled(ctx, r)
		}

		l.setState(r, iter, StateBuilding)
		snap := l.settings.Snapshot()
		built := l.builder.Build(BuildInput{
			History:       r.history,
			Turn:          r.turn,
			Overrides:     snap,
			ToolsDisabled: r.req.ToolsDisabled,
			Extra:         extra,
		})
		if built.Mode == settings.ModeText {
			built.Messages = renderForText(built.Messages)
		}
		r.logger.Debug("context built",
			"iter", iter,
			"mode", built.Mode,
			"messages", len(built.Messages),
			"system_tokens", built.SystemTokens,
			"history_kept", built.HistoryKept,
			"history_dropped", built.HistoryDropped,
			"active_tools", len(built.ActiveTools),
		)

		l.setState(r, iter, StateAwaitingProvider)
		prov, err := l.providers.Current()
		if err != nil {
			return nil, &RunError{Kind: ErrKindContext, RunID: r.id, Iterations: iter, Err: err}
		}
		chatResp, prov, err := l.callProvider(ctx, r, iter, prov, built)
		if err != nil {
			if ctx.Err() != nil {
				return nil, l.cancelled(ctx, r)
			}
			return nil, &RunError{Kind: ErrKindProvider, RunID: r.id, Iterations: iter, Err: err}
		}
		r.resp.Iterations = iter + 1
		r.resp.Provider, r.resp.Model = prov.Name, prov.Model
		r.resp.InputTokens += chatResp.InputTokens
		r.resp.OutputTokens += chatResp.OutputTokens

		l.setState(r, iter, StateInterpreting)
		in := toolcall.Interpret(chatResp.Message, built.Mode)
		l.bus.Emit(events.SourceAgent, events.KindLLMResponse, map[string]any{
			"run_id":     r.id,
			"iter":       iter,
			"provider":   prov.Name,
			"model":      prov.Model,
			"tokens_in":  chatResp.InputTokens,
			"tokens_out": chatResp.OutputTokens,
			"tool_calls": len(in.Calls),
			"malformed":  len(in.Malformed),
		})

		if len(in.Calls) == 0 && !in.HasMalformed() {
			content := strings.TrimSpace(in.Content)
			if content == "" {
				content = prompts.EmptyResponseFallback
			}
			r.turn = append(r.turn, llm.Message{Role: llm.RoleAssistant, Content: content})
			l.persist(ctx, r)
			r.resp.Content = content
			if r.req.Source == SourceVoice {
				r.resp.Speech = speech.Render(content)
			}
			l.setState(r, iter, StateDone)
			return r.resp, nil
		}

		r.turn = append(r.turn, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   in.Content,
			ToolCalls: in.Calls,
		})
		for _, call := range in.Calls {
			msg, err := l.handleCall(ctx, r, iter, call, snap)
			if err != nil {
				return nil, l.cancelled(ctx, r)
			}
			r.turn = append(r.turn, msg)
		}
		if in.HasMalformed() {
			errs := make([]string, len(in.Malformed))
			for i, m := range in.Malformed {
				errs[i] = m.Err.Error()
			}
			r.logger.Warn("malformed tool call blocks", "iter", iter, "count", len(errs))
			r.turn = append(r.turn, llm.Message{Role: llm.RoleUser, Content: prompts.MalformedToolCall(errs)})
		}
		l.persist(ctx, r)
	}

	return nil, &RunError{
		Kind:          ErrKindTooManySteps,
		RunID:         r.id,
		Iterations:    l.cfg.MaxIterations,
		MaxIterations: l.cfg.MaxIterations,
		Err:           ErrTooManySteps,
	}
}

// callProvider runs one round. When the provider fails and a fallback
// is available, the same round is retried once on the fallback.
func (l *Loop) callProvider(ctx context.Context, r *run, iter int, prov provider.Provider, built Built) (*llm.ChatResponse, provider.Provider, error) {
	resp, err := l.chat(ctx, r, iter, prov, built)
	if err == nil || ctx.Err() != nil {
		return resp, prov, err
	}

	l.providers.ReportFailure(prov.Name, err)
	fb, ferr := l.providers.FailOver(ctx, prov.Name)
	if ferr != nil {
		r.logger.Error("provider call failed", "provider", prov.Name, "iter", iter, "error", err, "fallback", ferr)
		return nil, prov, fmt.Errorf("%s: %w", prov.Name, err)
	}

	r.logger.Warn("provider call failed, retrying round on fallback",
		"provider", prov.Name, "fallback", fb.Name, "iter", iter, "error", err)
	r.resp.FellBack = true
	resp, ferr = l.chat(ctx, r, iter, fb, built)
	if ferr != nil {
		if ctx.Err() == nil {
			l.providers.ReportFailure(fb.Name, ferr)
		}
		return nil, fb, fmt.Errorf("%s: %w (after %s failed: %v)", fb.Name, ferr, prov.Name, err)
	}
	return resp, fb, nil
}

func (l *Loop) chat(ctx context.Context, r *run, iter int, prov provider.Provider, built Built) (*llm.ChatResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.ProviderTimeout)
	defer cancel()

	r.logger.Debug("calling provider", "iter", iter, "provider", prov.Name, "model", prov.Model)
	l.bus.Emit(events.SourceAgent, events.KindLLMCall, map[string]any{
		"run_id":   r.id,
		"iter":     iter,
		"provider": prov.Name,
		"model":    prov.Model,
	})

	start := time.Now()
	var resp *llm.ChatResponse
	var err error
	if l.cfg.Stream {
		resp, err = l.stream(ctx, r, prov, built)
	} else {
		resp, err = prov.Client.Chat(ctx, prov.Model, built.Messages, built.Definitions, built.MaxOutputTokens)
	}
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, errors.New("provider returned no response")
	}
	r.logger.Debug("provider responded",
		"iter", iter,
		"provider", prov.Name,
		"elapsed", time.Since(start).Round(time.Millisecond),
		"finish_reason", resp.FinishReason,
	)
	return resp, nil
}

type streamResult struct {
	resp *llm.ChatResponse
	err  error
}

// stream pushes provider chunks into a channel consumed here. KindDone
// is the single terminal event for both text and tool calls.
func (l *Loop) stream(ctx context.Context, r *run, prov provider.Provider, built Built) (*llm.ChatResponse, error) {
	ch := make(chan llm.StreamEvent, 64)
	result := make(chan streamResult, 1)
	go func() {
		defer close(ch)
		resp, err := prov.Client.ChatStream(ctx, prov.Model, built.Messages, built.Definitions, built.MaxOutputTokens,
			func(ev llm.StreamEvent) {
				select {
				case ch <- ev:
				case <-ctx.Done():
				}
			})
		result <- streamResult{resp: resp, err: err}
	}()

	var final *llm.ChatResponse
	for ev := range ch {
		switch ev.Kind {
		case llm.KindToken:
			l.bus.Emit(events.SourceAgent, events.KindToken, map[string]any{"run_id": r.id, "delta": ev.Token})
			if r.req.OnToken != nil {
				r.req.OnToken(ev.Token)
			}
		case llm.KindDone:
			final = ev.Response
		}
	}

	res := <-result
	if res.err != nil {
		return nil, res.err
	}
	if final == nil {
		final = res.resp
	}
	return final, nil
}

// handleCall resolves one tool call into its tool message. It returns
// an error only when the run was cancelled.
func (l *Loop) handleCall(ctx context.Context, r *run, iter int, call llm.ToolCall, snap settings.Overrides) (llm.Message, error) {
	name := call.Function.Name
	out := ToolOutcome{CallID: call.ID, Name: name}
	start := time.Now()

	res, outcome, err := l.resolveCall(ctx, r, iter, call, snap)
	if err != nil {
		return llm.Message{}, err
	}
	out.Duration = time.Since(start)
	out.Success = res.Success
	out.Error = res.Error
	out.Confirmation = outcome
	r.resp.Tools = append(r.resp.Tools, out)

	l.bus.Emit(events.SourceAgent, events.KindToolDone, map[string]any{
		"run_id":      r.id,
		"tool":        name,
		"call_id":     call.ID,
		"ok":          res.Success,
		"duration_ms": out.Duration.Milliseconds(),
		"error":       res.Error,
	})
	r.logger.Info("tool finished",
		"iter", iter,
		"tool", name,
		"call_id", call.ID,
		"ok", res.Success,
		"confirmation", outcome,
		"elapsed", out.Duration.Round(time.Millisecond),
	)

	content := res.Content()
	if l.recorder != nil {
		rec := memory.ToolRecord{
			RunID:      r.id,
			SessionKey: r.req.SessionKey,
			ToolName:   name,
			Arguments:  call.Function.Arguments,
			Success:    res.Success,
			Result:     content,
			Error:      res.Error,
			Outcome:    outcome,
			StartedAt:  start,
			Duration:   out.Duration,
		}
		if err := l.recorder.RecordToolCall(context.WithoutCancel(ctx), rec); err != nil {
			r.logger.Warn("failed to record tool call", "tool", name, "error", err)
		}
	}

	return llm.Message{Role: llm.RoleTool, Content: content, ToolCallID: call.ID}, nil
}

// resolveCall applies availability checks and the confirmation gate,
// then executes. Unknown and disabled skills fail without a gate.
func (l *Loop) resolveCall(ctx context.Context, r *run, iter int, call llm.ToolCall, snap settings.Overrides) (tools.Result, string, error) {
	name := call.Function.Name
	if !l.registry.Has(name) {
		return tools.Fail("%v", &tools.ErrToolUnavailable{ToolName: name}), "", nil
	}
	if !snap.SkillEnabled(name) || r.req.ToolsDisabled {
		return tools.Fail("%v", &tools.ErrToolUnavailable{ToolName: name, Disabled: true}), "", nil
	}

	outcome := ""
	cls := l.classifier.Classify(name, call.Function.Arguments)
	if l.gate.Requires(cls) {
		l.setState(r, iter, StateAwaitingConfirmation)
		o := l.gate.Guard(ctx, call, cls, r.id)
		if ctx.Err() != nil {
			return tools.Result{}, "", ctx.Err()
		}
		outcome = o.String()
		if o != confirm.Approved {
			return tools.Fail("%s", o.Error()), outcome, nil
		}
	}

	l.setState(r, iter, StateExecutingTools)
	res, err := l.execute(ctx, r, call, cls)
	return res, outcome, err
}

// execute runs the skill with its own timeout. Cancelling the run does
// not cancel a skill that has started; its result is discarded.
func (l *Loop) execute(ctx context.Context, r *run, call llm.ToolCall, cls risk.Classification) (tools.Result, error) {
	name := call.Function.Name
	l.bus.Emit(events.SourceAgent, events.KindToolCall, map[string]any{
		"run_id":  r.id,
		"tool":    name,
		"call_id": call.ID,
		"args":    truncatedArgs(call.Function.Arguments),
		"risk":    cls.Level.String(),
	})

	toolCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.cfg.ToolTimeout)
	rc := tools.RunContext{
		RunID:         r.id,
		SessionKey:    r.req.SessionKey,
		WorkspaceRoot: l.cfg.WorkspaceRoot,
		Broadcast: func(event string, payload map[string]any) {
			data := make(map[string]any, len(payload)+2)
			for k, v := range payload {
				data[k] = v
			}
			data["run_id"] = r.id
			data["tool"] = name
			l.bus.Emit(events.SourceSkill, event, data)
		},
	}

	done := make(chan tools.Result, 1)
	go func() {
		done <- l.registry.Execute(toolCtx, name, call.Function.Arguments, rc)
	}()

	select {
	case res := <-done:
		cancel()
		return res, nil
	case <-toolCtx.Done():
		cancel()
		r.logger.Warn("tool timed out", "tool", name, "call_id", call.ID, "timeout", l.cfg.ToolTimeout)
		return tools.Fail("tool %s timed out after %s", name, l.cfg.ToolTimeout), nil
	case <-ctx.Done():
		r.logger.Info("run cancelled during tool execution; result will be discarded", "tool", name, "call_id", call.ID)
		go func() {
			<-done
			cancel()
		}()
		return tools.Result{}, ctx.Err()
	}
}

// persist appends the turn messages not yet saved. Only complete
// rounds are persisted, so every saved tool message follows its
// assistant call.
func (l *Loop) persist(ctx context.Context, r *run) {
	pending := r.turn[r.saved:]
	if len(pending) == 0 {
		return
	}
	if err := l.sessions.Append(context.WithoutCancel(ctx), r.req.SessionKey, pending...); err != nil {
		r.logger.Error("failed to save session messages", "count", len(pending), "error", err)
		return
	}
	r.saved = len(r.turn)
}

func (l *Loop) cancelled(ctx context.Context, r *run) error {
	return &RunError{Kind: ErrKindCancelled, RunID: r.id, Iterations: r.resp.Iterations, Err: context.Cause(ctx)}
}

func (l *Loop) setState(r *run, iter int, s State) {
	r.logger.Log(context.Background(), llm.LevelTrace, "state", "iter", iter, "state", s)
	l.bus.Emit(events.SourceAgent, events.KindState, map[string]any{
		"run_id": r.id,
		"iter":   iter,
		"state":  string(s),
	})
}

func (l *Loop) finish(r *run, err error) {
	elapsed := time.Since(r.start)
	data := map[string]any{
		"run_id":     r.id,
		"iterations": r.resp.Iterations,
		"elapsed_ms": elapsed.Milliseconds(),
		"ok":         err == nil,
	}
	if err != nil {
		var re *RunError
		if errors.As(err, &re) {
			data["error_kind"] = string(re.Kind)
		}
		data["error"] = err.Error()
		l.setState(r, r.resp.Iterations, StateFailed)
		r.logger.Warn("run failed", "iterations", r.resp.Iterations, "elapsed", elapsed.Round(time.Millisecond), "error", err)
	} else {
		r.logger.Info("run completed",
			"iterations", r.resp.Iterations,
			"provider", r.resp.Provider,
			"model", r.resp.Model,
			"tools", len(r.resp.Tools),
			"tokens_in", r.resp.InputTokens,
			"tokens_out", r.resp.OutputTokens,
			"elapsed", elapsed.Round(time.Millisecond),
		)
	}
	l.bus.Emit(events.SourceAgent, events.KindRunComplete, data)
}

func (l *Loop) register(id string, cancel context.CancelFunc) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.runs[id]; ok {
		return false
	}
	l.runs[id] = cancel
	return true
}

func (l *Loop) unregister(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.runs, id)
}

// Cancel stops an active run. Its provider stream is aborted and any
// pending confirmation resolves as denied. It reports whether the run
// was found.
func (l *Loop) Cancel(runID string) bool {
	l.mu.Lock()
	cancel, ok := l.runs[runID]
	l.mu.Unlock()
	if !ok {
		return false
	}
	cancel()
	l.gate.CancelRun(runID)
	return true
}

// ActiveRuns returns the IDs of running runs, sorted.
func (l *Loop) ActiveRuns() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := make([]string, 0, len(l.runs))
	for id := range l.runs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func truncatedArgs(args map[string]any) string {
	data, err := json.Marshal(args)
	if err != nil {
		return ""
	}
	s := string(data)
	if len(s) <= maxEventArgs {
		return s
	}
	cut := maxEventArgs
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
