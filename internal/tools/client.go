package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/frontdeskhq/orchestrator/internal/config"
	"github.com/frontdeskhq/orchestrator/internal/httperr"
)

// secretHeader carries the shared secret for service-to-service trust
// between the orchestrator and its internal collaborators.
const secretHeader = "X-Service-Secret"

// Client calls the internal scheduling/CRM service the built-in tools are
// backed by. It is a plain request/response HTTP client with no shared
// mutable state, safe for concurrent use.
type Client struct {
	baseURL string
	secret  string
	http    *http.Client
}

// NewClient builds a collaborator client from the tools configuration.
func NewClient(cfg config.ToolsConfig) *Client {
	return &Client{
		baseURL: cfg.BaseURL,
		secret:  cfg.ServiceSecret,
		http:    &http.Client{},
	}
}

// postJSON sends a JSON body to a collaborator endpoint and decodes the
// JSON reply. Non-2xx replies become classified external-service errors.
func (c *Client) postJSON(ctx context.Context, path string, body any) (map[string]any, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(secretHeader, c.secret)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, httperr.Wrap(httperr.KindExternal, fmt.Sprintf("collaborator %s unreachable", path), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, httperr.New(httperr.KindExternal,
			fmt.Sprintf("collaborator %s returned status %d: %s", path, resp.StatusCode, string(respBody)))
	}

	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", path, err)
	}
	return out, nil
}
