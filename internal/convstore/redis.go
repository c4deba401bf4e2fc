package convstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/frontdeskhq/orchestrator/pkg/models"
)

const keyPrefix = "conversation:"

// RedisStore persists conversation state as JSON values in Redis with a
// per-key TTL. The Redis client is process-wide and safe for concurrent
// use; Redis itself serializes access per key.
type RedisStore struct {
	client *redis.Client
	opts   Options
}

// NewRedisStore connects to Redis using a URL of the form
// redis://[:password@]host:port/db.
func NewRedisStore(url string, opts Options) (*RedisStore, error) {
	ropts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &RedisStore{client: redis.NewClient(ropts), opts: opts}, nil
}

func key(id string) string { return keyPrefix + id }

// Get retrieves a conversation by id.
func (s *RedisStore) Get(ctx context.Context, id string) (*models.ConversationState, error) {
	payload, err := s.client.Get(ctx, key(id)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation %s: %w", id, err)
	}

	var state models.ConversationState
	if err := json.Unmarshal(payload, &state); err != nil {
		return nil, fmt.Errorf("%w: conversation %s: %v", ErrCorrupt, id, err)
	}
	return &state, nil
}

// Create stores a fresh empty state, failing if the id is already present.
func (s *RedisStore) Create(ctx context.Context, id, userID string, firmID, callID *string) (*models.ConversationState, error) {
	state := newState(id, userID, firmID, callID)
	payload, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("marshal conversation %s: %w", id, err)
	}

	ok, err := s.client.SetNX(ctx, key(id), payload, s.opts.TTL).Result()
	if err != nil {
		return nil, fmt.Errorf("create conversation %s: %w", id, err)
	}
	if !ok {
		return nil, ErrAlreadyExists
	}
	return state, nil
}

// Save overwrites the stored state and resets the TTL. The message log is
// windowed to MaxHistoryMessages first.
func (s *RedisStore) Save(ctx context.Context, state *models.ConversationState) error {
	if dropped := truncate(state, s.opts.MaxHistoryMessages); dropped > 0 {
		log.Debug().
			Str("conversation_id", state.ConversationID).
			Int("dropped", dropped).
			Msg("history window truncated")
	}

	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal conversation %s: %w", state.ConversationID, err)
	}
	if err := s.client.Set(ctx, key(state.ConversationID), payload, s.opts.TTL).Err(); err != nil {
		return fmt.Errorf("save conversation %s: %w", state.ConversationID, err)
	}
	return nil
}

// Clear deletes the stored state. Absent keys are not an error.
func (s *RedisStore) Clear(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, key(id)).Err(); err != nil {
		return fmt.Errorf("clear conversation %s: %w", id, err)
	}
	return nil
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the client connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
