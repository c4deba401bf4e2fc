package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/frontdeskhq/orchestrator/internal/httperr"
	"github.com/frontdeskhq/orchestrator/internal/modelrouter"
	"github.com/frontdeskhq/orchestrator/pkg/models"
)

// chunkTarget is the rough size of each relayed text chunk. Chunks break
// on word boundaries so the voice layer never receives a split word.
const chunkTarget = 64

// TurnStreamer opens a live model stream. Satisfied by *modelrouter.Router.
type TurnStreamer interface {
	GenerateStream(ctx context.Context, req modelrouter.GenerateRequest) (*modelrouter.Stream, error)
}

// TurnStream handles a conversation turn over SSE.
//
// Turns without tools stream straight from the provider, token by token.
// Turns with tools run the full loop first (tool calls cannot be resolved
// mid-stream), then relay tool result frames and the response text in
// chunks. Either way the final frame is done or error, and a caller that
// disconnects mid-stream abandons the turn unpersisted.
// POST /api/v1/conversations/turn/stream
func (h *Handlers) TurnStream(w http.ResponseWriter, r *http.Request) {
	req, err := h.parseTurnRequest(r)
	if err != nil {
		respondError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, httperr.New(httperr.KindInternal, "streaming unsupported by connection"))
		return
	}

	if h.Streamer != nil && !req.ToolsEnabled {
		h.streamLive(w, r, flusher, req)
		return
	}
	h.streamFromLoop(w, r, flusher, req)
}

// streamFromLoop runs the tool loop to completion, then replays the result
// as frames.
func (h *Handlers) streamFromLoop(w http.ResponseWriter, r *http.Request, flusher http.Flusher, req *models.TurnRequest) {
	out, err := h.runTurn(r.Context(), req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			log.Debug().Str("conversation_id", req.ConversationID).Msg("stream canceled before first frame")
			return
		}
		respondError(w, err)
		return
	}

	emit := startSSE(w, r, flusher)

	for i := range out.result.ToolResults {
		if !emit(models.StreamFrame{Type: models.FrameTypeToolResult, ToolResult: &out.result.ToolResults[i]}) {
			return
		}
	}
	for _, chunk := range chunkText(out.result.FinalText, chunkTarget) {
		if !emit(models.StreamFrame{Type: models.FrameTypeText, Text: chunk}) {
			return
		}
	}

	if canceled(r.Context()) {
		log.Debug().Str("conversation_id", out.state.ConversationID).Msg("stream canceled, dropping turn")
		return
	}
	if err := h.persistTurn(r.Context(), out); err != nil {
		emit(errorFrame(err))
		return
	}

	emit(models.StreamFrame{
		Type:           models.FrameTypeDone,
		ConversationID: out.state.ConversationID,
		TotalTokens:    out.state.Metadata.TotalTokens,
	})
}

// streamLive relays provider deltas as they arrive, then persists the
// assembled assistant message.
func (h *Handlers) streamLive(w http.ResponseWriter, r *http.Request, flusher http.Flusher, req *models.TurnRequest) {
	ctx := r.Context()

	state, err := h.loadOrCreate(ctx, req)
	if err != nil {
		respondError(w, err)
		return
	}
	state.AppendMessage(models.Message{
		Role:      models.RoleUser,
		Content:   req.Message,
		Timestamp: time.Now().UTC(),
	})

	system := h.Composer.Compose(ctx, state.Metadata.FirmID, false)
	wire := append(
		[]modelrouter.ChatMessage{{Role: "system", Content: system}},
		modelrouter.FromMessages(state.Messages)...,
	)

	stream, err := h.Streamer.GenerateStream(ctx, modelrouter.GenerateRequest{
		Messages:    wire,
		Temperature: h.temperature(req),
		Model:       req.Model,
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		respondError(w, httperr.Wrap(httperr.KindLLM, "language model unavailable", err))
		return
	}
	defer stream.Close()

	emit := startSSE(w, r, flusher)

	var text strings.Builder
	var tokens int64
	for {
		chunk, err := stream.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			// Partial output is already on the wire; the error frame is
			// all that can be done now.
			log.Warn().Err(err).Str("conversation_id", state.ConversationID).Msg("model stream failed mid-turn")
			emit(errorFrame(httperr.Wrap(httperr.KindLLM, "model stream interrupted", err)))
			return
		}
		if chunk.TotalTokens > 0 {
			tokens = chunk.TotalTokens
		}
		if chunk.Content != "" {
			text.WriteString(chunk.Content)
			if !emit(models.StreamFrame{Type: models.FrameTypeText, Text: chunk.Content}) {
				return
			}
		}
		if chunk.Done {
			break
		}
	}

	if canceled(ctx) {
		log.Debug().Str("conversation_id", state.ConversationID).Msg("stream canceled, dropping turn")
		return
	}

	state.AppendMessage(models.Message{
		Role:      models.RoleAssistant,
		Content:   text.String(),
		Model:     req.Model,
		Tokens:    tokens,
		Timestamp: time.Now().UTC(),
	})
	state.AddTokens(tokens)
	if req.Model != "" {
		state.Metadata.ModelUsed = req.Model
	}
	if err := h.Store.Save(ctx, state); err != nil {
		emit(errorFrame(httperr.Wrap(httperr.KindExternal, "failed to persist conversation", err)))
		return
	}

	emit(models.StreamFrame{
		Type:           models.FrameTypeDone,
		ConversationID: state.ConversationID,
		TotalTokens:    state.Metadata.TotalTokens,
	})
}

// startSSE writes the event-stream headers and returns an emitter that
// reports false once the caller is gone.
func startSSE(w http.ResponseWriter, r *http.Request, flusher http.Flusher) func(models.StreamFrame) bool {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	return func(frame models.StreamFrame) bool {
		if canceled(r.Context()) {
			return false
		}
		payload, err := json.Marshal(frame)
		if err != nil {
			log.Warn().Err(err).Msg("encode stream frame failed")
			return false
		}
		fmt.Fprintf(w, "data: %s\n\n", payload)
		flusher.Flush()
		return true
	}
}

func errorFrame(err error) models.StreamFrame {
	return models.StreamFrame{Type: models.FrameTypeError, Error: &models.FrameError{
		Code:    httperr.Code(err),
		Message: httperr.PublicMessage(err),
	}}
}

func canceled(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// chunkText splits text on word boundaries into chunks of roughly target
// bytes. The original text is recoverable by plain concatenation.
func chunkText(text string, target int) []string {
	if text == "" {
		return nil
	}
	var chunks []string
	var b strings.Builder
	for _, word := range strings.SplitAfter(text, " ") {
		if b.Len() > 0 && b.Len()+len(word) > target {
			chunks = append(chunks, b.String())
			b.Reset()
		}
		b.WriteString(word)
	}
	if b.Len() > 0 {
		chunks = append(chunks, b.String())
	}
	return chunks
}
