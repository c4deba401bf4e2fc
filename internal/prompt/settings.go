package prompt

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/frontdeskhq/orchestrator/internal/config"
	"github.com/frontdeskhq/orchestrator/internal/httperr"
)

// SettingsClient fetches firm persona text from the firm-settings service,
// memoizing results per firm for a short TTL so hot conversations don't
// hammer the settings service on every turn.
type SettingsClient struct {
	baseURL string
	secret  string
	ttl     time.Duration
	http    *http.Client

	mu    sync.Mutex
	cache map[string]cachedPersona
	now   func() time.Time
}

type cachedPersona struct {
	text     string
	deadline time.Time
}

// NewSettingsClient builds a client from the firm configuration. Returns
// nil when no settings URL is configured; the composer treats a nil source
// as "default persona only".
func NewSettingsClient(cfg config.FirmConfig) *SettingsClient {
	if cfg.SettingsURL == "" {
		return nil
	}
	return &SettingsClient{
		baseURL: cfg.SettingsURL,
		secret:  cfg.ServiceSecret,
		ttl:     cfg.CacheTTL,
		http:    &http.Client{Timeout: 10 * time.Second},
		cache:   make(map[string]cachedPersona),
		now:     time.Now,
	}
}

// Persona returns the firm's persona text, cached.
func (c *SettingsClient) Persona(ctx context.Context, firmID string) (string, error) {
	c.mu.Lock()
	if hit, ok := c.cache[firmID]; ok && c.now().Before(hit.deadline) {
		c.mu.Unlock()
		return hit.text, nil
	}
	c.mu.Unlock()

	text, err := c.fetch(ctx, firmID)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.cache[firmID] = cachedPersona{text: text, deadline: c.now().Add(c.ttl)}
	c.mu.Unlock()
	return text, nil
}

func (c *SettingsClient) fetch(ctx context.Context, firmID string) (string, error) {
	endpoint := fmt.Sprintf("%s/firms/%s/persona", c.baseURL, url.PathEscape(firmID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("create settings request: %w", err)
	}
	req.Header.Set("X-Service-Secret", c.secret)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", httperr.Wrap(httperr.KindExternal, "firm-settings service unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		// Firm exists without a custom persona; not an error.
		return "", nil
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", httperr.New(httperr.KindExternal,
			fmt.Sprintf("firm-settings status %d: %s", resp.StatusCode, string(body)))
	}

	var payload struct {
		Persona string `json:"persona"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("decode settings response: %w", err)
	}
	return payload.Persona, nil
}
