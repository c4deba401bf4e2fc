// Package modelrouter routes chat-completion requests to language-model
// backends. It owns model selection (override > default), the per-call
// retry policy, and transparent failover to a configured fallback backend
// once the primary exhausts its retries.
package modelrouter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/frontdeskhq/orchestrator/internal/config"
	"github.com/frontdeskhq/orchestrator/internal/retry"
	"github.com/frontdeskhq/orchestrator/pkg/models"
)

// ErrNotConfigured reports missing provider credentials. This is a
// configuration defect, never retried.
var ErrNotConfigured = errors.New("model backend credentials not configured")

// ChatMessage is the provider wire form of one conversation message.
type ChatMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

// ToolDefinition is a tool schema advertised to the model.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// GenerateRequest is one model call.
type GenerateRequest struct {
	Messages    []ChatMessage
	Tools       []ToolDefinition
	Temperature float64
	// Model overrides the configured default when non-empty (firm preference).
	Model string
}

// GenerateResponse is a complete, non-streamed model response.
type GenerateResponse struct {
	Content     string
	ToolCalls   []models.ToolCall
	Model       string
	TotalTokens int64
}

// Provider wire protocols.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// Backend identifies one provider endpoint plus credentials.
type Backend struct {
	Provider string
	Endpoint string
	APIKey   string
	Model    string
}

// Router selects a backend and executes provider calls under the retry
// policy. The instance is read-mostly and safe for concurrent use.
type Router struct {
	primary  Backend
	fallback *Backend
	client   *http.Client
	policy   retry.Policy
	timeout  time.Duration
}

// New builds a Router from the LLM configuration.
func New(cfg config.LLMConfig) *Router {
	primary := Backend{Provider: cfg.Provider, Endpoint: cfg.Endpoint, APIKey: cfg.APIKey, Model: cfg.Model}
	if primary.Provider == "" {
		primary.Provider = ProviderOpenAI
	}
	r := &Router{
		primary: primary,
		client:  &http.Client{},
		policy:  defaultPolicy(),
		timeout: cfg.RequestTimeout,
	}
	if cfg.FallbackModel != "" {
		fb := Backend{
			Provider: cfg.FallbackProvider,
			Endpoint: cfg.FallbackEndpoint,
			APIKey:   cfg.FallbackAPIKey,
			Model:    cfg.FallbackModel,
		}
		// An unset fallback endpoint means same provider, different model.
		if fb.Endpoint == "" {
			fb.Endpoint = primary.Endpoint
			fb.APIKey = primary.APIKey
			if fb.Provider == "" {
				fb.Provider = primary.Provider
			}
		}
		if fb.Provider == "" {
			fb.Provider = ProviderOpenAI
		}
		if fb.APIKey == "" {
			fb.APIKey = primary.APIKey
		}
		r.fallback = &fb
	}
	return r
}

func defaultPolicy() retry.Policy {
	p := retry.DefaultPolicy()
	p.Retryable = Retryable
	return p
}

// Retryable reports whether a provider failure is worth another attempt:
// transport errors, timeouts, 429 and 5xx. Credential and request-shape
// errors are terminal.
func Retryable(err error) bool {
	if errors.Is(err, ErrNotConfigured) || errors.Is(err, context.Canceled) {
		return false
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Status == http.StatusTooManyRequests || pe.Status >= 500
	}
	// Transport-level failure.
	return true
}

// ProviderError is a non-2xx provider response.
type ProviderError struct {
	Status int
	Body   string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider status %d: %s", e.Status, e.Body)
}

// resolveModel applies the override-over-default rule for a backend.
func resolveModel(b Backend, override string) string {
	if override != "" {
		return override
	}
	return b.Model
}

// Generate executes a complete (non-streaming) model call: retries against
// the primary, then retries the entire call against the fallback if a
// distinct one is configured. On double exhaustion the aggregate error
// carries both causes.
func (r *Router) Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
	primaryModel := resolveModel(r.primary, req.Model)

	resp, primaryErr := r.generateOn(ctx, r.primary, primaryModel, req)
	if primaryErr == nil {
		return resp, nil
	}
	if !r.shouldFailover(primaryErr, primaryModel) {
		return nil, primaryErr
	}

	log.Warn().
		Str("primary_model", primaryModel).
		Str("fallback_model", r.fallback.Model).
		Err(primaryErr).
		Msg("primary model exhausted, trying fallback")

	resp, fallbackErr := r.generateOn(ctx, *r.fallback, r.fallback.Model, req)
	if fallbackErr == nil {
		return resp, nil
	}
	return nil, fmt.Errorf("primary and fallback models failed: %w", errors.Join(primaryErr, fallbackErr))
}

// shouldFailover gates the fallback attempt: a fallback must exist, must
// resolve to a different model identifier, and the primary failure must be
// retryable-class (transport error, 429, 5xx). A 4xx means the request
// itself is bad and would fail identically on the fallback; configuration
// and cancellation conditions are local, not provider outages.
func (r *Router) shouldFailover(primaryErr error, primaryModel string) bool {
	if r.fallback == nil || r.fallback.Model == primaryModel {
		return false
	}
	return Retryable(primaryErr)
}

// generateOn runs the retry loop for one backend.
func (r *Router) generateOn(ctx context.Context, b Backend, model string, req GenerateRequest) (*GenerateResponse, error) {
	if b.APIKey == "" {
		return nil, fmt.Errorf("%w: endpoint %s", ErrNotConfigured, b.Endpoint)
	}

	return retry.Do(ctx, r.policy, "llm "+model, func() (*GenerateResponse, error) {
		callCtx := ctx
		if r.timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, r.timeout)
			defer cancel()
		}
		return r.complete(callCtx, b, model, req)
	})
}

// complete dispatches one non-streaming call on the backend's wire protocol.
func (r *Router) complete(ctx context.Context, b Backend, model string, req GenerateRequest) (*GenerateResponse, error) {
	if b.Provider == ProviderAnthropic {
		return r.anthropicCompletion(ctx, b, model, req)
	}
	return r.chatCompletion(ctx, b, model, req)
}
