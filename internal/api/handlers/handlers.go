// Package handlers implements the session gateway: the HTTP front door
// that turns inbound caller utterances into tool-execution loop runs and
// keeps conversation state persisted across turns.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/frontdeskhq/orchestrator/internal/convstore"
	"github.com/frontdeskhq/orchestrator/internal/httperr"
	"github.com/frontdeskhq/orchestrator/internal/loop"
	"github.com/frontdeskhq/orchestrator/internal/prompt"
	"github.com/frontdeskhq/orchestrator/internal/screening"
	"github.com/frontdeskhq/orchestrator/pkg/models"
)

// TurnRunner is the loop capability the gateway drives. Satisfied by
// *loop.Runner; faked in tests.
type TurnRunner interface {
	Run(ctx context.Context, in loop.RunInput) (*models.RunResult, error)
}

// Handlers holds all gateway dependencies. They are injected at startup;
// the gateway holds no hidden module-level state.
type Handlers struct {
	Store    convstore.Store
	Runner   TurnRunner
	Composer *prompt.Composer

	// Screener is optional; nil disables caller-input screening.
	Screener *screening.Screener

	// Streamer is optional; when set, no-tools streaming turns bypass the
	// loop and relay provider deltas live.
	Streamer TurnStreamer

	// DefaultTemperature is used when a turn request omits temperature.
	DefaultTemperature float64
}

// New creates a Handlers instance.
func New(store convstore.Store, runner TurnRunner, composer *prompt.Composer, screener *screening.Screener) *Handlers {
	return &Handlers{Store: store, Runner: runner, Composer: composer, Screener: screener}
}

// ── Response helpers ─────────────────────────────────────────

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Warn().Err(err).Msg("encode response failed")
	}
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func respondError(w http.ResponseWriter, err error) {
	if httperr.KindOf(err) == httperr.KindInternal {
		log.Error().Err(err).Msg("internal error")
	}
	var body errorBody
	body.Error.Code = httperr.Code(err)
	body.Error.Message = httperr.PublicMessage(err)
	respondJSON(w, httperr.Status(err), body)
}

// ── Turn handling ────────────────────────────────────────────

// turnOutcome is everything a finished (but not yet persisted) turn knows.
type turnOutcome struct {
	state  *models.ConversationState
	result *models.RunResult
	// newMessages are the loop messages past the last user boundary, the
	// only ones not yet present in the persisted state.
	newMessages []models.Message
}

func (h *Handlers) parseTurnRequest(r *http.Request) (*models.TurnRequest, error) {
	var req models.TurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, httperr.Validationf("request body is not valid JSON")
	}
	if req.Message == "" {
		return nil, httperr.Validationf("message must not be empty")
	}
	if h.Screener != nil {
		if findings := h.Screener.Screen(req.Message); len(findings) > 0 {
			log.Warn().
				Str("conversation_id", req.ConversationID).
				Str("kind", findings[0].Kind).
				Msg("caller message rejected by screening")
			return nil, httperr.Validationf("message rejected: %s", findings[0].Message)
		}
	}
	return &req, nil
}

// temperature resolves the sampling temperature for a turn.
func (h *Handlers) temperature(req *models.TurnRequest) float64 {
	if req.Temperature != nil {
		return *req.Temperature
	}
	return h.DefaultTemperature
}

// loadOrCreate resolves the conversation for a turn. Absent conversations
// are created, which requires a user_id; a corrupt stored payload is a
// hard failure, never treated as absence.
func (h *Handlers) loadOrCreate(ctx context.Context, req *models.TurnRequest) (*models.ConversationState, error) {
	if req.ConversationID == "" {
		req.ConversationID = uuid.New().String()
	}

	state, err := h.Store.Get(ctx, req.ConversationID)
	switch {
	case err == nil:
		return state, nil
	case errors.Is(err, convstore.ErrNotFound):
		if req.UserID == "" {
			return nil, httperr.Validationf("user_id is required to start a conversation")
		}
		state, err = h.Store.Create(ctx, req.ConversationID, req.UserID, req.FirmID, req.CallID)
		if errors.Is(err, convstore.ErrAlreadyExists) {
			// Lost a create race; somebody else made it first.
			return nil, httperr.Wrap(httperr.KindConflict, "conversation already exists", err)
		}
		if err != nil {
			return nil, err
		}
		return state, nil
	case errors.Is(err, convstore.ErrCorrupt):
		return nil, httperr.Wrap(httperr.KindInternal, "stored conversation is corrupt", err)
	default:
		return nil, httperr.Wrap(httperr.KindExternal, "conversation store unavailable", err)
	}
}

// runTurn executes steps 1-5 of a turn: load/create, append the user
// message, compose the prompt, run the loop, and diff the new messages.
// Persistence is left to the caller so the streaming path can check
// cancellation first.
func (h *Handlers) runTurn(ctx context.Context, req *models.TurnRequest) (*turnOutcome, error) {
	state, err := h.loadOrCreate(ctx, req)
	if err != nil {
		return nil, err
	}

	state.AppendMessage(models.Message{
		Role:      models.RoleUser,
		Content:   req.Message,
		Timestamp: time.Now().UTC(),
	})

	system := h.Composer.Compose(ctx, state.Metadata.FirmID, req.ToolsEnabled)

	result, err := h.Runner.Run(ctx, loop.RunInput{
		ConversationID: state.ConversationID,
		SystemPrompt:   system,
		History:        state.Messages,
		ToolsEnabled:   req.ToolsEnabled,
		Model:          req.Model,
		Temperature:    h.temperature(req),
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, httperr.Wrap(httperr.KindLLM, "language model unavailable", err)
	}

	return &turnOutcome{
		state:       state,
		result:      result,
		newMessages: messagesAfterLastUser(result.Messages),
	}, nil
}

// persistTurn applies the loop's new messages plus bookkeeping and saves.
func (h *Handlers) persistTurn(ctx context.Context, out *turnOutcome) error {
	argsByCallID := make(map[string]json.RawMessage)
	for _, m := range out.newMessages {
		out.state.AppendMessage(m)
		for _, tc := range m.ToolCalls {
			argsByCallID[tc.ID] = tc.Arguments
		}
	}
	for _, tr := range out.result.ToolResults {
		out.state.RecordToolExecution(tr.ToolName, argsByCallID[tr.ToolCallID], renderAudit(tr))
	}

	out.state.AddTokens(out.result.TokensUsed)
	if out.result.Model != "" {
		out.state.Metadata.ModelUsed = out.result.Model
	}

	if err := h.Store.Save(ctx, out.state); err != nil {
		return httperr.Wrap(httperr.KindExternal, "failed to persist conversation", err)
	}
	return nil
}

func renderAudit(tr models.ToolResult) string {
	if tr.Success {
		return "success"
	}
	return "error: " + tr.Error
}

// messagesAfterLastUser returns the suffix following the final user
// message: exactly the messages the loop produced this turn.
func messagesAfterLastUser(msgs []models.Message) []models.Message {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == models.RoleUser {
			return msgs[i+1:]
		}
	}
	return msgs
}

// ── Endpoints ────────────────────────────────────────────────

// Turn handles a complete, non-streaming conversation turn.
// POST /api/v1/conversations/turn
func (h *Handlers) Turn(w http.ResponseWriter, r *http.Request) {
	req, err := h.parseTurnRequest(r)
	if err != nil {
		respondError(w, err)
		return
	}

	out, err := h.runTurn(r.Context(), req)
	if err != nil {
		respondError(w, err)
		return
	}
	if err := h.persistTurn(r.Context(), out); err != nil {
		respondError(w, err)
		return
	}

	toolResults := out.result.ToolResults
	if toolResults == nil {
		toolResults = []models.ToolResult{}
	}
	respondJSON(w, http.StatusOK, models.TurnResponse{
		ConversationID: out.state.ConversationID,
		ResponseText:   out.result.FinalText,
		ToolResults:    toolResults,
		Iterations:     out.result.Iterations,
	})
}

// GetConversation returns the full persisted state.
// GET /api/v1/conversations/{conversationID}
func (h *Handlers) GetConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "conversationID")

	state, err := h.Store.Get(r.Context(), id)
	switch {
	case errors.Is(err, convstore.ErrNotFound):
		respondError(w, httperr.NotFoundf("conversation %s not found", id))
	case errors.Is(err, convstore.ErrCorrupt):
		respondError(w, httperr.Wrap(httperr.KindInternal, "stored conversation is corrupt", err))
	case err != nil:
		respondError(w, httperr.Wrap(httperr.KindExternal, "conversation store unavailable", err))
	default:
		respondJSON(w, http.StatusOK, state)
	}
}

// ClearConversation deletes persisted state by id.
// DELETE /api/v1/conversations/{conversationID}
func (h *Handlers) ClearConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "conversationID")

	// The caller expects the conversation to exist; surface absence.
	if _, err := h.Store.Get(r.Context(), id); errors.Is(err, convstore.ErrNotFound) {
		respondError(w, httperr.NotFoundf("conversation %s not found", id))
		return
	}

	if err := h.Store.Clear(r.Context(), id); err != nil {
		respondError(w, httperr.Wrap(httperr.KindExternal, "failed to clear conversation", err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
