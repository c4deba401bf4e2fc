// Package convstore provides durable, TTL-bounded persistence for
// conversation state. Production runs against Redis; the in-memory
// implementation backs tests and zero-config local development behind the
// same interface.
package convstore

import (
	"context"
	"errors"
	"time"

	"github.com/frontdeskhq/orchestrator/pkg/models"
)

var (
	// ErrNotFound is returned when no state exists for a conversation id.
	ErrNotFound = errors.New("conversation not found")

	// ErrAlreadyExists is returned by Create when the id is taken.
	ErrAlreadyExists = errors.New("conversation already exists")

	// ErrCorrupt is returned when a persisted payload fails to decode.
	// Distinct from ErrNotFound: a corrupt record must never be treated
	// as absence.
	ErrCorrupt = errors.New("conversation payload corrupt")
)

// Store is the conversation persistence contract.
//
// Save is idempotent and refreshes the TTL on every call (absolute from
// now). Clear is idempotent; callers that expected the conversation to
// exist surface not-found themselves. Save is a last-writer-wins
// overwrite: the store provides no cross-turn mutual exclusion, which is
// acceptable for the single-caller-per-conversation usage pattern.
type Store interface {
	Get(ctx context.Context, id string) (*models.ConversationState, error)
	Create(ctx context.Context, id, userID string, firmID, callID *string) (*models.ConversationState, error)
	Save(ctx context.Context, state *models.ConversationState) error
	Clear(ctx context.Context, id string) error
	Ping(ctx context.Context) error
	Close() error
}

// Options tune persistence behavior shared by all implementations.
type Options struct {
	// TTL is the idle expiry, refreshed on every Save. Zero disables expiry.
	TTL time.Duration

	// MaxHistoryMessages bounds the persisted message log. When the log
	// exceeds it, the oldest messages are dropped before Save (sliding
	// window, not summarization). Zero disables truncation.
	MaxHistoryMessages int
}

func newState(id, userID string, firmID, callID *string) *models.ConversationState {
	now := time.Now().UTC()
	return &models.ConversationState{
		ConversationID: id,
		Metadata: models.ConversationMetadata{
			UserID:    userID,
			FirmID:    firmID,
			CallID:    callID,
			StartedAt: now,
			UpdatedAt: now,
		},
		Messages: []models.Message{},
	}
}

// truncate applies the sliding window, returning the number of dropped
// messages. After windowing it also drops any leading tool-role messages,
// so the retained log never starts with a tool result whose originating
// assistant call was cut off.
func truncate(state *models.ConversationState, max int) int {
	if max <= 0 || len(state.Messages) <= max {
		return 0
	}
	cut := len(state.Messages) - max
	for cut < len(state.Messages) && state.Messages[cut].Role == models.RoleTool {
		cut++
	}
	dropped := cut
	state.Messages = append([]models.Message(nil), state.Messages[cut:]...)
	return dropped
}
