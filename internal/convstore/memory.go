package convstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/frontdeskhq/orchestrator/pkg/models"
)

// MemoryStore is a thread-safe in-memory Store. It keeps the same
// serialized-JSON representation as the Redis store, so round-trip and
// decode-failure behavior match production.
type MemoryStore struct {
	mu   sync.Mutex
	data map[string]*memEntry
	opts Options
	now  func() time.Time
}

type memEntry struct {
	payload  []byte
	deadline time.Time // zero means no expiry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts Options) *MemoryStore {
	return &MemoryStore{
		data: make(map[string]*memEntry),
		opts: opts,
		now:  time.Now,
	}
}

func (s *MemoryStore) live(id string) *memEntry {
	e, ok := s.data[id]
	if !ok {
		return nil
	}
	if !e.deadline.IsZero() && s.now().After(e.deadline) {
		delete(s.data, id)
		return nil
	}
	return e
}

func (s *MemoryStore) deadline() time.Time {
	if s.opts.TTL <= 0 {
		return time.Time{}
	}
	return s.now().Add(s.opts.TTL)
}

// Get retrieves a conversation by id.
func (s *MemoryStore) Get(_ context.Context, id string) (*models.ConversationState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.live(id)
	if e == nil {
		return nil, ErrNotFound
	}

	var state models.ConversationState
	if err := json.Unmarshal(e.payload, &state); err != nil {
		return nil, fmt.Errorf("%w: conversation %s: %v", ErrCorrupt, id, err)
	}
	return &state, nil
}

// Create stores a fresh empty state, failing if the id is already present.
func (s *MemoryStore) Create(_ context.Context, id, userID string, firmID, callID *string) (*models.ConversationState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.live(id) != nil {
		return nil, ErrAlreadyExists
	}

	state := newState(id, userID, firmID, callID)
	payload, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("marshal conversation %s: %w", id, err)
	}
	s.data[id] = &memEntry{payload: payload, deadline: s.deadline()}
	return state, nil
}

// Save overwrites the stored state and resets the expiry deadline.
func (s *MemoryStore) Save(_ context.Context, state *models.ConversationState) error {
	truncate(state, s.opts.MaxHistoryMessages)

	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal conversation %s: %w", state.ConversationID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[state.ConversationID] = &memEntry{payload: payload, deadline: s.deadline()}
	return nil
}

// Clear deletes the stored state. Absent ids are not an error.
func (s *MemoryStore) Clear(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, id)
	return nil
}

// Sweep removes expired entries and reports how many were purged.
// Expiry is otherwise lazy (checked on access), so long-idle conversations
// would pin memory without a periodic sweep.
func (s *MemoryStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	purged := 0
	for id, e := range s.data {
		if !e.deadline.IsZero() && now.After(e.deadline) {
			delete(s.data, id)
			purged++
		}
	}
	return purged
}

// Ping always succeeds for the in-memory store.
func (s *MemoryStore) Ping(_ context.Context) error { return nil }

// Close releases nothing but satisfies the Store interface.
func (s *MemoryStore) Close() error { return nil }
