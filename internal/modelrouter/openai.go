package modelrouter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// The orchestrator speaks the OpenAI chat-completions wire protocol; both
// the primary and fallback backends are assumed OpenAI-compatible
// (api.openai.com, Azure-style gateways, vLLM, Ollama's /v1 surface).

type wireToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function wireFunction `json:"function"`
}

type wireFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type wireTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description"`
		Parameters  json.RawMessage `json:"parameters"`
	} `json:"function"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Tools       []wireTool    `json:"tools,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content   string         `json:"content"`
			ToolCalls []wireToolCall `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
		TotalTokens      int64 `json:"total_tokens"`
	} `json:"usage"`
}

func buildChatRequest(model string, req GenerateRequest, stream bool) chatRequest {
	creq := chatRequest{
		Model:       model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		Stream:      stream,
	}
	for _, td := range req.Tools {
		var wt wireTool
		wt.Type = "function"
		wt.Function.Name = td.Name
		wt.Function.Description = td.Description
		wt.Function.Parameters = td.Parameters
		creq.Tools = append(creq.Tools, wt)
	}
	return creq
}

func (r *Router) newChatHTTPRequest(ctx context.Context, b Backend, creq chatRequest) (*http.Request, error) {
	body, err := json.Marshal(creq)
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.Endpoint+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+b.APIKey)
	return httpReq, nil
}

// chatCompletion performs one non-streaming provider call.
func (r *Router) chatCompletion(ctx context.Context, b Backend, model string, req GenerateRequest) (*GenerateResponse, error) {
	httpReq, err := r.newChatHTTPRequest(ctx, b, buildChatRequest(model, req, false))
	if err != nil {
		return nil, err
	}

	httpResp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("chat request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		return nil, &ProviderError{Status: httpResp.StatusCode, Body: string(respBody)}
	}

	var cresp chatResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&cresp); err != nil {
		return nil, fmt.Errorf("decode chat response: %w", err)
	}
	if len(cresp.Choices) == 0 {
		return nil, fmt.Errorf("chat response contained no choices")
	}

	choice := cresp.Choices[0]
	out := &GenerateResponse{
		Content:     choice.Message.Content,
		Model:       model,
		TotalTokens: cresp.Usage.TotalTokens,
	}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, toolCallFromWire(tc))
	}
	return out, nil
}
