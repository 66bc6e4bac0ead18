package tool

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/clawbox/clawbox/pkg/fetch"
)

// WebFetchName is the name the fetch tool is advertised under.
const WebFetchName = "web_fetch"

// WebFetchTool fetches a public URL on the host through the hardened
// fetcher. The sandbox itself has no network; this tool is the only way
// the agent reaches the outside.
type WebFetchTool struct {
	fetcher *fetch.Fetcher
}

// Verify interface compliance.
var _ Tool = (*WebFetchTool)(nil)

// NewWebFetchTool creates the fetch tool.
func NewWebFetchTool(fetcher *fetch.Fetcher) *WebFetchTool {
	return &WebFetchTool{fetcher: fetcher}
}

func (t *WebFetchTool) Name() string { return WebFetchName }

func (t *WebFetchTool) Description() string {
	return "Fetch a public http(s) URL and return the response body. " +
		"Destinations resolving to private or internal addresses are refused."
}

func (t *WebFetchTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{
				"type":        "string",
				"description": "The absolute http or https URL to fetch.",
			},
			"method": map[string]any{
				"type":        "string",
				"description": "HTTP method, default GET.",
			},
		},
		"required": []string{"url"},
	}
}

func (t *WebFetchTool) Execute(ctx context.Context, conversationID string, input map[string]any) (*Output, error) {
	rawURL, _ := input["url"].(string)
	method, _ := input["method"].(string)

	slog.Info("Fetching URL", "conversationID", conversationID, "url", rawURL, "method", method)

	res, err := t.fetcher.Fetch(ctx, rawURL, method, nil, nil, 0)
	if err != nil {
		return nil, &Error{Kind: fetch.Kind(err), Err: err}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "HTTP %d %s", res.Status, res.FinalURL)
	if res.ContentType != "" {
		fmt.Fprintf(&b, " (%s)", res.ContentType)
	}
	b.WriteString("\n\n")
	b.Write(res.Body)
	if res.Truncated {
		b.WriteString("\n[response truncated]")
	}

	return &Output{
		Content:   b.String(),
		Truncated: res.Truncated,
	}, nil
}
