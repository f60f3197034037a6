package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hemocheck/triage-backend/internal/domain"
	"github.com/hemocheck/triage-backend/internal/observability"
	"github.com/hemocheck/triage-backend/internal/platform/envutil"
	"github.com/hemocheck/triage-backend/internal/platform/logger"
)

// CheckpointStore persists conversation state between turns, keyed by
// session id. Get returns (nil, nil) for an unknown session. Implementations
// only need per-key atomicity; cross-key consistency is not required.
type CheckpointStore interface {
	Get(ctx context.Context, sessionID string) (*domain.ConversationState, error)
	Put(ctx context.Context, sessionID string, st *domain.ConversationState) error
	Delete(ctx context.Context, sessionID string) error
}

const checkpointKeyPrefix = "triage:sess:"

// -------------------- Redis --------------------

type redisCheckpointStore struct {
	log *logger.Logger
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisCheckpointStore(log *logger.Logger, rdb *redis.Client) CheckpointStore {
	ttl := time.Duration(envutil.Int("CHECKPOINT_TTL_SECONDS", 0)) * time.Second
	return &redisCheckpointStore{
		log: log.With("service", "CheckpointStore"),
		rdb: rdb,
		ttl: ttl,
	}
}

func (s *redisCheckpointStore) Get(ctx context.Context, sessionID string) (*domain.ConversationState, error) {
	key, err := checkpointKey(sessionID)
	if err != nil {
		return nil, err
	}
	raw, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		observability.Current().IncCheckpointOp("get", nil)
		return nil, nil
	}
	if err != nil {
		observability.Current().IncCheckpointOp("get", err)
		return nil, fmt.Errorf("checkpoint get: %w", err)
	}
	var st domain.ConversationState
	if err := json.Unmarshal(raw, &st); err != nil {
		observability.Current().IncCheckpointOp("get", err)
		return nil, fmt.Errorf("checkpoint decode: %w", err)
	}
	observability.Current().IncCheckpointOp("get", nil)
	normalizeLoaded(&st)
	return &st, nil
}

func (s *redisCheckpointStore) Put(ctx context.Context, sessionID string, st *domain.ConversationState) error {
	key, err := checkpointKey(sessionID)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("checkpoint encode: %w", err)
	}
	err = s.rdb.Set(ctx, key, raw, s.ttl).Err()
	observability.Current().IncCheckpointOp("put", err)
	if err != nil {
		return fmt.Errorf("checkpoint put: %w", err)
	}
	return nil
}

func (s *redisCheckpointStore) Delete(ctx context.Context, sessionID string) error {
	key, err := checkpointKey(sessionID)
	if err != nil {
		return err
	}
	err = s.rdb.Del(ctx, key).Err()
	observability.Current().IncCheckpointOp("delete", err)
	if err != nil {
		return fmt.Errorf("checkpoint delete: %w", err)
	}
	return nil
}

// -------------------- In-memory --------------------

// MemoryCheckpointStore keeps state in process memory. Used by tests and by
// deployments without Redis. States are deep-copied on both sides of the
// store so callers can never alias the stored value.
type MemoryCheckpointStore struct {
	mu     sync.RWMutex
	states map[string]*domain.ConversationState
}

func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{states: map[string]*domain.ConversationState{}}
}

func (s *MemoryCheckpointStore) Get(ctx context.Context, sessionID string) (*domain.ConversationState, error) {
	if _, err := checkpointKey(sessionID); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[sessionID]
	if !ok {
		return nil, nil
	}
	return st.Clone(), nil
}

func (s *MemoryCheckpointStore) Put(ctx context.Context, sessionID string, st *domain.ConversationState) error {
	if _, err := checkpointKey(sessionID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[sessionID] = st.Clone()
	return nil
}

func (s *MemoryCheckpointStore) Delete(ctx context.Context, sessionID string) error {
	if _, err := checkpointKey(sessionID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, sessionID)
	return nil
}

// -------------------- helpers --------------------

func checkpointKey(sessionID string) (string, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return "", fmt.Errorf("sessionID required")
	}
	return checkpointKeyPrefix + sessionID, nil
}

// normalizeLoaded repairs nil collections after deserialization so stages
// can mutate without nil checks.
func normalizeLoaded(st *domain.ConversationState) {
	if st.Donor == nil {
		st.Donor = map[string]any{}
	}
	if st.History == nil {
		st.History = []string{}
	}
	if st.Slots == nil {
		st.Slots = map[string]map[string]any{}
	}
	if st.Topics == nil {
		st.Topics = []string{}
	}
}
