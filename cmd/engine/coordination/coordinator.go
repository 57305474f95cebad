package coordination

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lyzr/nodeflow/common/redis"
)

// Logger interface for coordination logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// LoopContext is the per-loop iteration record kept in the KV,
// separate from the state blob
type LoopContext struct {
	Items       []any    `json:"items"`
	Index       int      `json:"index"`
	Results     []any    `json:"results"`
	BodyTargets []string `json:"body_targets"`
}

// Coordinator owns every coordination key of an execution: the inflight
// counter, fan-in counters, the completed-node set, loop contexts and
// iteration-done counters, and the memory episode handle.
//
// All keys live under execution:<id>: and are created on demand,
// mutated monotonically, and destroyed by Cleanup at finalization. The
// TTL is a safety net for abandoned executions only.
type Coordinator struct {
	redis  *redis.Client
	ttl    time.Duration
	logger Logger
}

// NewCoordinator creates an execution coordinator
func NewCoordinator(redisClient *redis.Client, ttl time.Duration, logger Logger) *Coordinator {
	return &Coordinator{redis: redisClient, ttl: ttl, logger: logger}
}

func inflightKey(executionID string) string {
	return fmt.Sprintf("execution:%s:inflight", executionID)
}

func faninKey(executionID, nodeID string) string {
	return fmt.Sprintf("execution:%s:fanin:%s", executionID, nodeID)
}

func completedKey(executionID string) string {
	return fmt.Sprintf("execution:%s:completed", executionID)
}

func loopContextKey(executionID, loopID string) string {
	return fmt.Sprintf("execution:%s:loop:%s", executionID, loopID)
}

func iterationDoneKey(executionID, loopID string, iteration int) string {
	return fmt.Sprintf("execution:%s:loop:%s:iter:%d:done", executionID, loopID, iteration)
}

func episodeKey(executionID string) string {
	return fmt.Sprintf("execution:%s:episode_id", executionID)
}

// IncrementInflight bumps the in-flight job counter and returns the new value
func (c *Coordinator) IncrementInflight(ctx context.Context, executionID string) (int64, error) {
	count, err := c.redis.Increment(ctx, inflightKey(executionID))
	if err != nil {
		return 0, fmt.Errorf("failed to increment inflight for execution %s: %w", executionID, err)
	}
	if count == 1 {
		c.expire(ctx, inflightKey(executionID))
	}
	return count, nil
}

// DecrementInflight drops the in-flight job counter and returns the new
// value. Zero means nothing is enqueued or running anymore.
func (c *Coordinator) DecrementInflight(ctx context.Context, executionID string) (int64, error) {
	count, err := c.redis.Decrement(ctx, inflightKey(executionID))
	if err != nil {
		return 0, fmt.Errorf("failed to decrement inflight for execution %s: %w", executionID, err)
	}
	if count < 0 {
		// A lost increment (crash between enqueue and INCR) can drive
		// the counter negative; clamp so finalize still fires once
		c.logger.Warn("inflight counter went negative, clamping",
			"execution_id", executionID,
			"count", count)
	}
	return count, nil
}

// InflightCount reads the counter without mutating it
func (c *Coordinator) InflightCount(ctx context.Context, executionID string) (int64, error) {
	val, err := c.redis.Get(ctx, inflightKey(executionID))
	if errors.Is(err, redis.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var count int64
	if _, err := fmt.Sscan(val, &count); err != nil {
		return 0, fmt.Errorf("corrupt inflight counter for execution %s: %w", executionID, err)
	}
	return count, nil
}

// IncrementFanin registers one parent arrival at a fan-in node and
// returns the arrival count
func (c *Coordinator) IncrementFanin(ctx context.Context, executionID, nodeID string) (int64, error) {
	count, err := c.redis.Increment(ctx, faninKey(executionID, nodeID))
	if err != nil {
		return 0, fmt.Errorf("failed to increment fanin for node %s: %w", nodeID, err)
	}
	if count == 1 {
		c.expire(ctx, faninKey(executionID, nodeID))
	}
	return count, nil
}

// ClearFanin resets a fan-in counter after the join node is enqueued
func (c *Coordinator) ClearFanin(ctx context.Context, executionID, nodeID string) error {
	return c.redis.Delete(ctx, faninKey(executionID, nodeID))
}

// MarkCompleted adds a node to the completed set. Returns false when the
// node was already there, which callers treat as a duplicate delivery
// and turn into a no-op.
func (c *Coordinator) MarkCompleted(ctx context.Context, executionID, nodeID string) (bool, error) {
	added, err := c.redis.AddToSet(ctx, completedKey(executionID), nodeID)
	if err != nil {
		return false, fmt.Errorf("failed to mark node %s completed: %w", nodeID, err)
	}
	if added > 0 {
		c.expire(ctx, completedKey(executionID))
	}
	return added > 0, nil
}

// ClearCompleted removes nodes from the completed set so a loop body
// can run again next iteration
func (c *Coordinator) ClearCompleted(ctx context.Context, executionID string, nodeIDs ...string) error {
	if len(nodeIDs) == 0 {
		return nil
	}
	members := make([]interface{}, len(nodeIDs))
	for i, id := range nodeIDs {
		members[i] = id
	}
	return c.redis.RemoveFromSet(ctx, completedKey(executionID), members...)
}

// CompletedNodes lists the nodes that have finished in this execution
func (c *Coordinator) CompletedNodes(ctx context.Context, executionID string) ([]string, error) {
	return c.redis.SetMembers(ctx, completedKey(executionID))
}

// SetLoopContext persists the iteration record for a loop
func (c *Coordinator) SetLoopContext(ctx context.Context, executionID, loopID string, lc *LoopContext) error {
	data, err := json.Marshal(lc)
	if err != nil {
		return fmt.Errorf("failed to marshal loop context: %w", err)
	}
	if err := c.redis.Set(ctx, loopContextKey(executionID, loopID), string(data), c.ttl); err != nil {
		return fmt.Errorf("failed to save loop context for %s: %w", loopID, err)
	}
	return nil
}

// GetLoopContext loads the iteration record for a loop.
// Returns redis.ErrKeyNotFound (wrapped) when the loop has no context.
func (c *Coordinator) GetLoopContext(ctx context.Context, executionID, loopID string) (*LoopContext, error) {
	data, err := c.redis.Get(ctx, loopContextKey(executionID, loopID))
	if err != nil {
		return nil, fmt.Errorf("failed to load loop context for %s: %w", loopID, err)
	}
	var lc LoopContext
	if err := json.Unmarshal([]byte(data), &lc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal loop context for %s: %w", loopID, err)
	}
	return &lc, nil
}

// DeleteLoopContext removes the iteration record and its per-iteration
// done counters once the loop exits. A loop nested in another loop's body
// runs again next enclosing iteration and must start from fresh counters.
func (c *Coordinator) DeleteLoopContext(ctx context.Context, executionID, loopID string) error {
	keys, err := c.redis.Keys(ctx, loopContextKey(executionID, loopID)+":iter:*")
	if err != nil {
		return fmt.Errorf("failed to list iteration counters for %s: %w", loopID, err)
	}
	keys = append(keys, loopContextKey(executionID, loopID))
	if err := c.redis.Delete(ctx, keys...); err != nil {
		return fmt.Errorf("failed to delete loop context for %s: %w", loopID, err)
	}
	return nil
}

// IncrementIterationDone counts one body completion for the given
// iteration and returns the new count. Counters are never reused across
// iterations.
func (c *Coordinator) IncrementIterationDone(ctx context.Context, executionID, loopID string, iteration int) (int64, error) {
	key := iterationDoneKey(executionID, loopID, iteration)
	count, err := c.redis.Increment(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("failed to increment iteration done for %s iter %d: %w", loopID, iteration, err)
	}
	if count == 1 {
		c.expire(ctx, key)
	}
	return count, nil
}

// SetEpisodeID stores the conversational memory handle
func (c *Coordinator) SetEpisodeID(ctx context.Context, executionID, episodeID string) error {
	return c.redis.Set(ctx, episodeKey(executionID), episodeID, c.ttl)
}

// GetEpisodeID returns the conversational memory handle, empty if unset
func (c *Coordinator) GetEpisodeID(ctx context.Context, executionID string) (string, error) {
	episodeID, err := c.redis.Get(ctx, episodeKey(executionID))
	if errors.Is(err, redis.ErrKeyNotFound) {
		return "", nil
	}
	return episodeID, err
}

// Cleanup deletes every coordination and cache key of an execution.
// Runs in finalize's finally path, so it must tolerate partial state.
func (c *Coordinator) Cleanup(ctx context.Context, executionID string) error {
	pattern := fmt.Sprintf("execution:%s:*", executionID)
	keys, err := c.redis.Keys(ctx, pattern)
	if err != nil {
		return fmt.Errorf("failed to list keys for execution %s: %w", executionID, err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := c.redis.Delete(ctx, keys...); err != nil {
		return fmt.Errorf("failed to delete %d keys for execution %s: %w", len(keys), executionID, err)
	}
	c.logger.Debug("cleaned up execution keys",
		"execution_id", executionID,
		"keys", len(keys))
	return nil
}

func (c *Coordinator) expire(ctx context.Context, key string) {
	if c.ttl <= 0 {
		return
	}
	if err := c.redis.Expire(ctx, key, c.ttl); err != nil {
		c.logger.Warn("failed to set ttl", "key", key, "error", err)
	}
}
