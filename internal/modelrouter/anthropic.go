package modelrouter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// The Anthropic messages API differs from chat-completions in shape: the
// system prompt is a top-level field, tool calls and tool results travel
// as typed content blocks, and max_tokens is mandatory.

const anthropicAPIVersion = "2023-06-01"

// anthropicMaxTokens caps one reply. Receptionist turns are read aloud;
// anything longer is a runaway response.
const anthropicMaxTokens = 1024

type anthropicBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`

	// tool_use blocks
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result blocks
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
}

type anthropicMessage struct {
	Role    string           `json:"role"`
	Content []anthropicBlock `json:"content"`
}

type anthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
}

type anthropicResponse struct {
	Content    []anthropicBlock `json:"content"`
	Model      string           `json:"model"`
	StopReason string           `json:"stop_reason"`
	Usage      struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
}

func buildAnthropicRequest(model string, req GenerateRequest, stream bool) anthropicRequest {
	areq := anthropicRequest{
		Model:       model,
		MaxTokens:   anthropicMaxTokens,
		Temperature: req.Temperature,
		Stream:      stream,
	}

	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			if areq.System != "" {
				areq.System += "\n\n"
			}
			areq.System += m.Content
		case "tool":
			areq.Messages = append(areq.Messages, anthropicMessage{
				Role: "user",
				Content: []anthropicBlock{{
					Type:      "tool_result",
					ToolUseID: m.ToolCallID,
					Content:   m.Content,
				}},
			})
		case "assistant":
			var blocks []anthropicBlock
			if m.Content != "" {
				blocks = append(blocks, anthropicBlock{Type: "text", Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, anthropicBlock{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Function.Name,
					Input: json.RawMessage(tc.Function.Arguments),
				})
			}
			areq.Messages = append(areq.Messages, anthropicMessage{Role: "assistant", Content: blocks})
		default:
			areq.Messages = append(areq.Messages, anthropicMessage{
				Role:    "user",
				Content: []anthropicBlock{{Type: "text", Text: m.Content}},
			})
		}
	}

	for _, td := range req.Tools {
		areq.Tools = append(areq.Tools, anthropicTool{
			Name:        td.Name,
			Description: td.Description,
			InputSchema: td.Parameters,
		})
	}
	return areq
}

func (r *Router) newAnthropicHTTPRequest(ctx context.Context, b Backend, areq anthropicRequest) (*http.Request, error) {
	body, err := json.Marshal(areq)
	if err != nil {
		return nil, fmt.Errorf("marshal messages request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.Endpoint+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create messages request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", b.APIKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)
	return httpReq, nil
}

// anthropicCompletion performs one non-streaming messages call.
func (r *Router) anthropicCompletion(ctx context.Context, b Backend, model string, req GenerateRequest) (*GenerateResponse, error) {
	httpReq, err := r.newAnthropicHTTPRequest(ctx, b, buildAnthropicRequest(model, req, false))
	if err != nil {
		return nil, err
	}

	httpResp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("messages request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		return nil, &ProviderError{Status: httpResp.StatusCode, Body: string(respBody)}
	}

	var aresp anthropicResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&aresp); err != nil {
		return nil, fmt.Errorf("decode messages response: %w", err)
	}

	out := &GenerateResponse{
		Model:       model,
		TotalTokens: aresp.Usage.InputTokens + aresp.Usage.OutputTokens,
	}
	var text strings.Builder
	for _, block := range aresp.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			tc := toolCallFromWire(wireToolCall{
				ID:       block.ID,
				Type:     "function",
				Function: wireFunction{Name: block.Name, Arguments: string(block.Input)},
			})
			out.ToolCalls = append(out.ToolCalls, tc)
		}
	}
	out.Content = text.String()
	return out, nil
}
