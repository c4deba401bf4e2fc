package modelrouter

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/frontdeskhq/orchestrator/internal/retry"
	"github.com/rs/zerolog/log"
)

// Chunk is one partial response from a streamed model call.
type Chunk struct {
	Content     string
	Done        bool
	TotalTokens int64
}

// Stream is a lazy, finite, non-restartable sequence of chunks. Next
// returns io.EOF after the final chunk. A provider failure after the first
// delivered chunk is terminal: partial output already shown to the caller
// cannot be retried away.
type Stream struct {
	body     io.ReadCloser
	scanner  *bufio.Scanner
	provider string
	done     bool
}

// GenerateStream opens a streamed model call. Retry and fallback apply only
// to establishing the stream; once the first chunk can be read, failures
// surface on the stream itself.
func (r *Router) GenerateStream(ctx context.Context, req GenerateRequest) (*Stream, error) {
	primaryModel := resolveModel(r.primary, req.Model)

	stream, primaryErr := r.openStream(ctx, r.primary, primaryModel, req)
	if primaryErr == nil {
		return stream, nil
	}
	if !r.shouldFailover(primaryErr, primaryModel) {
		return nil, primaryErr
	}

	log.Warn().
		Str("primary_model", primaryModel).
		Str("fallback_model", r.fallback.Model).
		Err(primaryErr).
		Msg("primary model exhausted, streaming from fallback")

	stream, fallbackErr := r.openStream(ctx, *r.fallback, r.fallback.Model, req)
	if fallbackErr == nil {
		return stream, nil
	}
	return nil, fmt.Errorf("primary and fallback models failed: %w", errors.Join(primaryErr, fallbackErr))
}

func (r *Router) openStream(ctx context.Context, b Backend, model string, req GenerateRequest) (*Stream, error) {
	if b.APIKey == "" {
		return nil, fmt.Errorf("%w: endpoint %s", ErrNotConfigured, b.Endpoint)
	}

	return retry.Do(ctx, r.policy, "llm stream "+model, func() (*Stream, error) {
		var httpReq *http.Request
		var err error
		if b.Provider == ProviderAnthropic {
			httpReq, err = r.newAnthropicHTTPRequest(ctx, b, buildAnthropicRequest(model, req, true))
		} else {
			httpReq, err = r.newChatHTTPRequest(ctx, b, buildChatRequest(model, req, true))
		}
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Accept", "text/event-stream")

		httpResp, err := r.client.Do(httpReq)
		if err != nil {
			return nil, fmt.Errorf("stream request failed: %w", err)
		}
		if httpResp.StatusCode != http.StatusOK {
			respBody, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
			httpResp.Body.Close()
			return nil, &ProviderError{Status: httpResp.StatusCode, Body: string(respBody)}
		}

		return &Stream{
			body:     httpResp.Body,
			scanner:  bufio.NewScanner(httpResp.Body),
			provider: b.Provider,
		}, nil
	})
}

type streamDelta struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		TotalTokens int64 `json:"total_tokens"`
	} `json:"usage"`
}

// anthropicStreamEvent covers the event payloads the reader cares about:
// content_block_delta (text), message_delta (usage) and message_stop.
type anthropicStreamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Usage *struct {
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
}

// Next returns the next chunk, or io.EOF once the stream is drained.
func (s *Stream) Next() (Chunk, error) {
	if s.done {
		return Chunk{}, io.EOF
	}

	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			s.done = true
			return Chunk{Done: true}, nil
		}

		var chunk Chunk
		var skip bool
		var err error
		if s.provider == ProviderAnthropic {
			chunk, skip, err = parseAnthropicDelta(data)
		} else {
			chunk, skip, err = parseChatDelta(data)
		}
		if err != nil {
			s.done = true
			return Chunk{}, err
		}
		if skip {
			continue
		}
		if chunk.Done {
			s.done = true
		}
		return chunk, nil
	}

	s.done = true
	if err := s.scanner.Err(); err != nil {
		return Chunk{}, fmt.Errorf("stream read: %w", err)
	}
	return Chunk{}, io.EOF
}

func parseChatDelta(data string) (Chunk, bool, error) {
	var delta streamDelta
	if err := json.Unmarshal([]byte(data), &delta); err != nil {
		return Chunk{}, false, fmt.Errorf("decode stream chunk: %w", err)
	}

	chunk := Chunk{}
	if delta.Usage != nil {
		chunk.TotalTokens = delta.Usage.TotalTokens
	}
	if len(delta.Choices) > 0 {
		chunk.Content = delta.Choices[0].Delta.Content
		if delta.Choices[0].FinishReason != "" {
			chunk.Done = true
		}
	}
	if chunk.Content == "" && !chunk.Done && chunk.TotalTokens == 0 {
		return Chunk{}, true, nil
	}
	return chunk, false, nil
}

func parseAnthropicDelta(data string) (Chunk, bool, error) {
	var ev anthropicStreamEvent
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		return Chunk{}, false, fmt.Errorf("decode stream event: %w", err)
	}

	switch ev.Type {
	case "content_block_delta":
		if ev.Delta.Type != "text_delta" || ev.Delta.Text == "" {
			return Chunk{}, true, nil
		}
		return Chunk{Content: ev.Delta.Text}, false, nil
	case "message_delta":
		if ev.Usage == nil {
			return Chunk{}, true, nil
		}
		return Chunk{TotalTokens: ev.Usage.OutputTokens}, false, nil
	case "message_stop":
		return Chunk{Done: true}, false, nil
	default:
		return Chunk{}, true, nil
	}
}

// Close releases the underlying connection. Safe to call more than once.
func (s *Stream) Close() error {
	s.done = true
	return s.body.Close()
}
