package tools

import (
	"context"

	"github.com/nugget/agentcore/internal/fetch"
)

// WebFetchSkill returns the web_fetch skill backed by f.
func WebFetchSkill(f *fetch.Fetcher) *Tool {
	return &Tool{
		Name:        "web_fetch",
		Category:    CategoryWeb,
		Description: "Fetch a web page and return its readable text content with the title.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"url": map[string]any{
					"type":        "string",
					"description": "URL to fetch. https:// is assumed when no scheme is given.",
				},
				"max_chars": map[string]any{
					"type":        "integer",
					"description": "Maximum characters to return. Default: 50000.",
				},
			},
			"required": []string{"url"},
		},
		Handler: func(ctx context.Context, args map[string]any, rc RunContext) Result {
			url := stringArg(args, "url")
			if url == "" {
				return Fail("url is required")
			}
			rc.Emit("web_fetch_start", map[string]any{"url": url})
			res, err := f.Fetch(ctx, url, intArg(args, "max_chars"))
			if err != nil {
				return Fail("web_fetch: %v", err)
			}
			return OK(res)
		},
	}
}
