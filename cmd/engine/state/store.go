package state

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lyzr/nodeflow/common/redis"
)

// Store persists execution state blobs in Redis.
//
// The blob is read-modify-write with no CAS: fan-in counters guarantee
// at most one attempt per node in flight, each writer touches only its
// own node_outputs slot plus append-only messages, so concurrent
// sibling writes stay disjoint under the typed merge rules.
type Store struct {
	redis *redis.Client
	ttl   time.Duration
}

// NewStore creates a state store with the given safety-net TTL
func NewStore(redisClient *redis.Client, ttl time.Duration) *Store {
	return &Store{redis: redisClient, ttl: ttl}
}

func stateKey(executionID string) string {
	return fmt.Sprintf("execution:%s:state", executionID)
}

// Save writes the full state blob
func (s *Store) Save(ctx context.Context, executionID string, st *State) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	if err := s.redis.Set(ctx, stateKey(executionID), string(data), s.ttl); err != nil {
		return fmt.Errorf("failed to save state for execution %s: %w", executionID, err)
	}
	return nil
}

// Load reads the full state blob.
// Returns redis.ErrKeyNotFound (wrapped) when no state exists.
func (s *Store) Load(ctx context.Context, executionID string) (*State, error) {
	data, err := s.redis.Get(ctx, stateKey(executionID))
	if err != nil {
		return nil, fmt.Errorf("failed to load state for execution %s: %w", executionID, err)
	}

	var st State
	if err := json.Unmarshal([]byte(data), &st); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state for execution %s: %w", executionID, err)
	}
	return &st, nil
}

// Delete removes the state blob
func (s *Store) Delete(ctx context.Context, executionID string) error {
	return s.redis.Delete(ctx, stateKey(executionID))
}
