package topology

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lyzr/nodeflow/common/redis"
)

// Store caches compiled topologies in Redis, one per execution
type Store struct {
	redis *redis.Client
	ttl   time.Duration
}

// NewStore creates a topology store. TTL bounds how long an abandoned
// execution's topology lingers; live executions are cleaned up explicitly.
func NewStore(redisClient *redis.Client, ttl time.Duration) *Store {
	return &Store{redis: redisClient, ttl: ttl}
}

func topoKey(executionID string) string {
	return fmt.Sprintf("execution:%s:topo", executionID)
}

// Save caches the topology for an execution
func (s *Store) Save(ctx context.Context, executionID string, t *Topology) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to marshal topology: %w", err)
	}
	if err := s.redis.Set(ctx, topoKey(executionID), string(data), s.ttl); err != nil {
		return fmt.Errorf("failed to cache topology for execution %s: %w", executionID, err)
	}
	return nil
}

// Load fetches the cached topology for an execution.
// Returns redis.ErrKeyNotFound (wrapped) when the cache entry is gone.
func (s *Store) Load(ctx context.Context, executionID string) (*Topology, error) {
	data, err := s.redis.Get(ctx, topoKey(executionID))
	if err != nil {
		return nil, fmt.Errorf("failed to load topology for execution %s: %w", executionID, err)
	}

	var t Topology
	if err := json.Unmarshal([]byte(data), &t); err != nil {
		return nil, fmt.Errorf("failed to unmarshal topology for execution %s: %w", executionID, err)
	}
	return &t, nil
}

// Delete removes the cached topology
func (s *Store) Delete(ctx context.Context, executionID string) error {
	return s.redis.Delete(ctx, topoKey(executionID))
}
