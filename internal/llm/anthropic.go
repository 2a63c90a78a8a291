package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/agentcore/internal/httpkit"
)

const (
	anthropicAPIURL     = "https://api.anthropic.com/v1/messages"
	anthropicAPIVersion = "2023-06-01"

	// The Messages API requires max_tokens on every request.
	anthropicDefaultMaxTokens = 4096
	anthropicPingModel        = "claude-sonnet-4-20250514"
)

// ErrUnauthorized is returned by Ping when the API key is rejected.
var ErrUnauthorized = errors.New("anthropic: invalid API key")

// AnthropicClient talks to the Anthropic Messages API.
type AnthropicClient struct {
	apiKey     string
	apiURL     string
	pingModel  string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewAnthropicClient creates a client. pingModel is the model named in
// the one-token request Ping sends; empty selects a default.
func NewAnthropicClient(apiKey, pingModel string, logger *slog.Logger) *AnthropicClient {
	if logger == nil {
		logger = slog.Default()
	}
	if pingModel == "" {
		pingModel = anthropicPingModel
	}

	// Long prompts can take minutes before the first header arrives.
	transport := httpkit.NewTransport()
	transport.ResponseHeaderTimeout = 120 * time.Second

	return &AnthropicClient{
		apiKey:    apiKey,
		apiURL:    anthropicAPIURL,
		pingModel: pingModel,
		logger:    logger.With("provider", "anthropic"),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithTransport(transport),
		),
	}
}

// Chat sends a non-streaming request.
func (c *AnthropicClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any, maxTokens int) (*ChatResponse, error) {
	return c.ChatStream(ctx, model, messages, tools, maxTokens, nil)
}

// ChatStream sends a request, streaming text deltas to callback when it
// is non-nil.
func (c *AnthropicClient) ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, maxTokens int, callback StreamCallback) (*ChatResponse, error) {
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}
	turns, system := toAnthropicMessages(messages)
	req := anthropicRequest{
		Model:     model,
		Messages:  turns,
		System:    system,
		MaxTokens: maxTokens,
		Stream:    callback != nil,
		Tools:     toAnthropicTools(tools),
	}

	c.logger.Debug("preparing request",
		"model", model,
		"messages", len(req.Messages),
		"tools", len(req.Tools),
		"stream", req.Stream,
		"system_len", len(system),
	)

	body, err := c.post(ctx, req)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var resp *ChatResponse
	if req.Stream {
		resp, err = c.readStream(body, callback)
	} else {
		resp, err = c.readMessage(body)
	}
	if err != nil {
		return nil, err
	}

	c.logger.Debug("response received",
		"model", resp.Model,
		"input_tokens", resp.InputTokens,
		"output_tokens", resp.OutputTokens,
		"content_len", len(resp.Message.Content),
		"tool_calls", len(resp.Message.ToolCalls),
		"finish_reason", resp.FinishReason,
	)
	c.logger.Log(ctx, LevelTrace, "response content", "content", resp.Message.Content)

	if callback != nil {
		callback(StreamEvent{Kind: KindDone, Response: resp})
	}
	return resp, nil
}

// Ping verifies the key with a one-token request; the API has no
// health endpoint.
func (c *AnthropicClient) Ping(ctx context.Context) error {
	body, err := c.post(ctx, anthropicRequest{
		Model:     c.pingModel,
		Messages:  []anthropicMessage{{Role: RoleUser, Content: "ping"}},
		MaxTokens: 1,
	})
	if err != nil {
		return err
	}
	httpkit.DrainAndClose(body, 4096)
	return nil
}

// post sends req and returns the body of a 200 response. Any other
// status is returned as an error carrying the API's message.
func (c *AnthropicClient) post(ctx context.Context, req anthropicRequest) (io.ReadCloser, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	c.logger.Log(ctx, LevelTrace, "request payload", "json", string(payload))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode == http.StatusOK {
		return resp.Body, nil
	}

	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		return nil, ErrUnauthorized
	}
	errBody := httpkit.ReadErrorBody(resp.Body, 4096)
	c.logger.Warn("API error", "status", resp.StatusCode, "body", errBody)
	return nil, fmt.Errorf("anthropic API error %d: %s", resp.StatusCode, errBody)
}

func (c *AnthropicClient) readMessage(body io.Reader) (*ChatResponse, error) {
	var msg anthropicResponse
	if err := json.NewDecoder(body).Decode(&msg); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return fromAnthropicResponse(&msg), nil
}

// readStream consumes the server-sent event stream. Only data lines
// matter; the event type is repeated inside each payload.
func (c *AnthropicClient) readStream(body io.Reader, callback StreamCallback) (*ChatResponse, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var acc anthropicStream
	for scanner.Scan() {
		data, ok := strings.CutPrefix(scanner.Text(), "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "[DONE]" {
			break
		}

		var ev anthropicStreamEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			c.logger.Debug("skipping undecodable stream event", "error", err)
			continue
		}
		if ev.Type == "error" {
			return nil, fmt.Errorf("anthropic stream error: %s", data)
		}
		if text := acc.apply(&ev); text != "" {
			callback(StreamEvent{Kind: KindToken, Token: text})
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read stream: %w", err)
	}

	for _, name := range acc.badArgs {
		c.logger.Warn("tool arguments were not valid JSON", "tool", name)
	}
	return acc.response(), nil
}
