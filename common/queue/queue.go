package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/lyzr/nodeflow/common/redis"
)

// Job types understood by the engine
const (
	TypeStartExecution  = "start_execution"
	TypeExecuteNode     = "execute_node"
	TypeResumeNode      = "resume_node"
	TypeCancelExecution = "cancel_execution"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Job is one unit of work on the shared queue. ExecutionID is always set
// so the failure callback can act on any job regardless of type.
type Job struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	ExecutionID string    `json:"execution_id"`
	NodeID      string    `json:"node_id,omitempty"`
	RetryCount  int       `json:"retry_count,omitempty"`
	UserInput   string    `json:"user_input,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
}

// Enqueuer is the producer side of the job queue
type Enqueuer interface {
	// Enqueue makes the job available to workers immediately
	Enqueue(ctx context.Context, job *Job) error
	// EnqueueIn makes the job available after the given delay
	EnqueueIn(ctx context.Context, delay time.Duration, job *Job) error
}

// RedisQueue is a durable at-least-once job queue on a Redis stream, with a
// sorted-set holding area for delayed jobs
type RedisQueue struct {
	redis     *redis.Client
	stream    string
	scheduled string
	logger    Logger
}

// NewRedisQueue creates a queue producing into the given stream
func NewRedisQueue(redisClient *redis.Client, stream string, logger Logger) *RedisQueue {
	return &RedisQueue{
		redis:     redisClient,
		stream:    stream,
		scheduled: stream + ":scheduled",
		logger:    logger,
	}
}

// Stream returns the stream name workers should consume
func (q *RedisQueue) Stream() string {
	return q.stream
}

func (q *RedisQueue) marshal(job *Job) (string, error) {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job: %w", err)
	}
	return string(payload), nil
}

// Enqueue adds a job to the stream
func (q *RedisQueue) Enqueue(ctx context.Context, job *Job) error {
	payload, err := q.marshal(job)
	if err != nil {
		return err
	}

	if _, err := q.redis.AddToStream(ctx, q.stream, map[string]interface{}{"job": payload}); err != nil {
		return fmt.Errorf("failed to enqueue job %s: %w", job.Type, err)
	}

	q.logger.Debug("job enqueued", "job_id", job.ID, "type", job.Type, "execution_id", job.ExecutionID)
	return nil
}

// EnqueueIn parks a job in the scheduled set until its due time.
// Non-positive delays enqueue immediately.
func (q *RedisQueue) EnqueueIn(ctx context.Context, delay time.Duration, job *Job) error {
	if delay <= 0 {
		return q.Enqueue(ctx, job)
	}

	payload, err := q.marshal(job)
	if err != nil {
		return err
	}

	due := float64(time.Now().Add(delay).UnixMilli())
	if err := q.redis.AddToSortedSet(ctx, q.scheduled, due, payload); err != nil {
		return fmt.Errorf("failed to schedule job %s: %w", job.Type, err)
	}

	q.logger.Debug("job scheduled", "job_id", job.ID, "type", job.Type, "delay", delay)
	return nil
}

// MoveDue promotes scheduled jobs whose due time has passed onto the stream.
// Promotion is add-then-remove: a crash in between yields a duplicate
// delivery, never a lost job.
func (q *RedisQueue) MoveDue(ctx context.Context) (int, error) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	due, err := q.redis.RangeSortedSetByScore(ctx, q.scheduled, "-inf", now, 100)
	if err != nil {
		return 0, fmt.Errorf("failed to read scheduled jobs: %w", err)
	}

	moved := 0
	for _, payload := range due {
		if _, err := q.redis.AddToStream(ctx, q.stream, map[string]interface{}{"job": payload}); err != nil {
			return moved, fmt.Errorf("failed to promote scheduled job: %w", err)
		}
		if _, err := q.redis.RemoveFromSortedSet(ctx, q.scheduled, payload); err != nil {
			return moved, fmt.Errorf("failed to remove promoted job: %w", err)
		}
		moved++
	}

	if moved > 0 {
		q.logger.Debug("scheduled jobs promoted", "count", moved)
	}
	return moved, nil
}

// StartMover runs MoveDue on an interval until the context is cancelled
func (q *RedisQueue) StartMover(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := q.MoveDue(ctx); err != nil {
					q.logger.Error("scheduled job promotion failed", "error", err)
				}
			}
		}
	}()
}
