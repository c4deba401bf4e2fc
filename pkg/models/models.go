// Package models defines the shared data model for the FrontDesk orchestrator:
// conversation state, messages, tool calls and results. These types are the
// persisted form (JSON in the conversation store) as well as the wire form
// returned by the gateway, so field changes here are a compatibility concern.
package models

import (
	"encoding/json"
	"time"
)

// ── Messages ─────────────────────────────────────────────────

// Role identifies the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Message is a single entry in a conversation's append-only log.
// Messages are never mutated after they are appended.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`   // role=assistant only
	ToolCallID string     `json:"tool_call_id,omitempty"` // role=tool only
	Model      string     `json:"model,omitempty"`
	Tokens     int64      `json:"tokens,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
}

// ToolCall is a model-issued request to invoke a named tool.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ── Conversation State ───────────────────────────────────────

// ConversationMetadata carries per-conversation bookkeeping.
// TotalTokens is monotonic: it only ever grows.
type ConversationMetadata struct {
	UserID      string    `json:"user_id"`
	FirmID      *string   `json:"firm_id,omitempty"`
	CallID      *string   `json:"call_id,omitempty"`
	TotalTokens int64     `json:"total_tokens"`
	ModelUsed   string    `json:"model_used,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ToolExecution is one entry of a conversation's tool audit trail,
// independent of the message log.
type ToolExecution struct {
	ToolName   string          `json:"tool_name"`
	Parameters json.RawMessage `json:"parameters"`
	Result     string          `json:"result"`
	Timestamp  time.Time       `json:"timestamp"`
}

// ConversationState is the durable record of one ongoing dialogue.
// It is the unit of persistence: the gateway loads it, mutates it in
// memory for the duration of one turn, and saves it back whole.
type ConversationState struct {
	ConversationID       string               `json:"conversation_id"`
	Metadata             ConversationMetadata `json:"metadata"`
	Messages             []Message            `json:"messages"`
	ToolExecutionHistory []ToolExecution      `json:"tool_execution_history,omitempty"`
}

// AppendMessage appends to the message log and bumps UpdatedAt.
func (s *ConversationState) AppendMessage(m Message) {
	s.Messages = append(s.Messages, m)
	s.Metadata.UpdatedAt = time.Now().UTC()
}

// AddTokens accumulates token usage. Negative deltas are ignored so the
// counter stays monotonic even on a buggy provider report.
func (s *ConversationState) AddTokens(n int64) {
	if n > 0 {
		s.Metadata.TotalTokens += n
	}
}

// RecordToolExecution appends one audit-trail entry.
func (s *ConversationState) RecordToolExecution(name string, params json.RawMessage, result string) {
	s.ToolExecutionHistory = append(s.ToolExecutionHistory, ToolExecution{
		ToolName:   name,
		Parameters: params,
		Result:     result,
		Timestamp:  time.Now().UTC(),
	})
}

// ── Tool Results ─────────────────────────────────────────────

// ToolResult is the structured outcome of executing one tool call.
// Exactly one of Data/Error is meaningful, keyed off Success.
type ToolResult struct {
	ToolName   string `json:"tool_name"`
	ToolCallID string `json:"tool_call_id,omitempty"`
	Success    bool   `json:"success"`
	Data       any    `json:"data,omitempty"`
	Error      string `json:"error,omitempty"`
}

// ── Loop Output ──────────────────────────────────────────────

// RunResult is the ephemeral outcome of one tool-execution loop run.
// It is never persisted; the gateway diffs Messages against the stored
// state to append only what is new.
type RunResult struct {
	ConversationID string       `json:"conversation_id"`
	FinalText      string       `json:"final_text"`
	ToolResults    []ToolResult `json:"tool_results,omitempty"`
	Iterations     int          `json:"iterations"`
	CapReached     bool         `json:"cap_reached,omitempty"`
	Messages       []Message    `json:"messages"`
	TokensUsed     int64        `json:"tokens_used,omitempty"`
	Model          string       `json:"model,omitempty"`
}

// ── Gateway Wire Types ───────────────────────────────────────

// TurnRequest is the inbound payload for both turn endpoints.
type TurnRequest struct {
	ConversationID string  `json:"conversation_id,omitempty"`
	UserID         string  `json:"user_id"`
	FirmID         *string `json:"firm_id,omitempty"`
	CallID         *string `json:"call_id,omitempty"`
	Message        string  `json:"message"`
	ToolsEnabled   bool    `json:"tools_enabled"`
	Model          string  `json:"model,omitempty"`
	// Temperature overrides the configured default when present; nil means
	// "use the server default", distinct from an explicit 0.
	Temperature *float64 `json:"temperature,omitempty"`
}

// TurnResponse is the non-streaming turn result.
type TurnResponse struct {
	ConversationID string       `json:"conversation_id"`
	ResponseText   string       `json:"response_text"`
	ToolResults    []ToolResult `json:"tool_results"`
	Iterations     int          `json:"iterations"`
}

// FrameType discriminates stream frames.
type FrameType string

const (
	FrameTypeText       FrameType = "text_chunk"
	FrameTypeToolResult FrameType = "tool_result"
	FrameTypeDone       FrameType = "done"
	FrameTypeError      FrameType = "error"
)

// StreamFrame is one frame of a streaming turn. The final frame of a
// healthy stream is always done; error frames are terminal too.
type StreamFrame struct {
	Type           FrameType   `json:"type"`
	Text           string      `json:"text,omitempty"`
	ToolResult     *ToolResult `json:"tool_result,omitempty"`
	ConversationID string      `json:"conversation_id,omitempty"`
	TotalTokens    int64       `json:"total_tokens,omitempty"`
	Error          *FrameError `json:"error,omitempty"`
}

// FrameError is the terminal error frame of a stream.
type FrameError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
