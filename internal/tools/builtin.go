package tools

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nextlevelbuilder/chatrelay/internal/store"
)

// ErrEgressDenied is returned when a network tool targets a host outside
// the agent's egress allowlist.
var ErrEgressDenied = errors.New("tools: egress target not allowed")

// ConfigLookup fetches the calling agent's config so network builtins can
// validate egress per call.
type ConfigLookup func(ctx context.Context) (*store.AgentConfig, error)

// RegisterBuiltins installs the standard tool set. The policy engine is
// what most of these exist for; implementations are intentionally small.
func RegisterBuiltins(r *Registry, lookup ConfigLookup) error {
	entries := []Entry{
		{
			Name:        "current_time",
			Description: "Returns the current UTC date and time.",
			Risk:        RiskLow,
			Handler: func(_ context.Context, _ map[string]any) (string, error) {
				return time.Now().UTC().Format(time.RFC3339), nil
			},
		},
		{
			Name:        "web_fetch",
			Description: "Fetches the contents of a URL.",
			Risk:        RiskMedium,
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"url": map[string]any{"type": "string"},
				},
				"required": []string{"url"},
			},
			Handler: webFetchHandler(lookup),
		},
		{
			Name:        "web_search",
			Description: "Searches the web and returns result snippets.",
			Risk:        RiskMedium,
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{"type": "string"},
				},
				"required": []string{"query"},
			},
			Handler: func(_ context.Context, input map[string]any) (string, error) {
				query, _ := input["query"].(string)
				if query == "" {
					return "", fmt.Errorf("query is required")
				}
				return "", fmt.Errorf("no search backend configured")
			},
		},
		{
			Name:             "data_query",
			Description:      "Runs a read-only query against the connected data source.",
			Risk:             RiskHigh,
			RequiresApproval: true,
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{"type": "string"},
				},
				"required": []string{"query"},
			},
			Handler: func(_ context.Context, _ map[string]any) (string, error) {
				return "", fmt.Errorf("no data source configured")
			},
		},
		{
			Name:        "message_send",
			Description: "Sends a message to another conversation on a connected channel.",
			Risk:        RiskMedium,
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"conversation_id": map[string]any{"type": "string"},
					"content":         map[string]any{"type": "string"},
				},
				"required": []string{"conversation_id", "content"},
			},
			Handler: func(_ context.Context, _ map[string]any) (string, error) {
				return "", fmt.Errorf("message_send requires a router hookup")
			},
		},
	}

	for _, e := range entries {
		if err := r.Register(e); err != nil {
			return err
		}
	}
	return nil
}

func webFetchHandler(lookup ConfigLookup) Handler {
	client := &http.Client{Timeout: 15 * time.Second}
	return func(ctx context.Context, input map[string]any) (string, error) {
		rawURL, _ := input["url"].(string)
		if rawURL == "" {
			return "", fmt.Errorf("url is required")
		}

		cfg, err := lookup(ctx)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return "", fmt.Errorf("loading agent config: %w", err)
		}
		if errors.Is(err, store.ErrNotFound) {
			cfg = nil
		}
		if !NewEgressValidator(cfg).URLAllowed(rawURL) {
			return "", ErrEgressDenied
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return "", fmt.Errorf("building request: %w", err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return "", fmt.Errorf("fetching %s: %w", rawURL, err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 256*1024))
		if err != nil {
			return "", fmt.Errorf("reading body: %w", err)
		}
		return string(body), nil
	}
}
