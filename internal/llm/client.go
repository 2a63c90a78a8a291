package llm

import "context"

// Client is the interface that all LLM providers must implement.
type Client interface {
	// Chat sends a chat completion request and returns the response.
	// maxTokens caps the output length; zero leaves it to the provider.
	Chat(ctx context.Context, model string, messages []Message, tools []map[string]any, maxTokens int) (*ChatResponse, error)

	// ChatStream sends a streaming chat request. Tokens are delivered to
	// callback as they arrive, followed by a single KindDone event whose
	// Response matches the returned value.
	ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, maxTokens int, callback StreamCallback) (*ChatResponse, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}
