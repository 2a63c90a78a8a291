package agent

import (
	"context"
	"strings"
)

// ContextProvider contributes extra system prompt text for a run.
type ContextProvider interface {
	GetContext(ctx context.Context, req *Request) (string, error)
}

// CompositeContextProvider combines multiple context providers.
// Each provider's output is joined with blank lines.
type CompositeContextProvider struct {
	providers []ContextProvider
}

// NewCompositeContextProvider creates a composite from multiple providers.
func NewCompositeContextProvider(providers ...ContextProvider) *CompositeContextProvider {
	c := &CompositeContextProvider{}
	for _, p := range providers {
		c.Add(p)
	}
	return c
}

// Add appends a provider to the composite.
func (c *CompositeContextProvider) Add(provider ContextProvider) {
	if provider != nil {
		c.providers = append(c.providers, provider)
	}
}

// GetContext calls all providers and combines their output. A failing
// provider is skipped; its error is returned alongside whatever the
// others produced.
func (c *CompositeContextProvider) GetContext(ctx context.Context, req *Request) (string, error) {
	var parts []string
	var firstErr error
	for _, p := range c.providers {
		content, err := p.GetContext(ctx, req)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if content != "" {
			parts = append(parts, content)
		}
	}
	return strings.Join(parts, "\n\n"), firstErr
}
