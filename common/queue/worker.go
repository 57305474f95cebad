package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/lyzr/nodeflow/common/redis"
)

// ErrUnknownJobType is passed to the failure callback for unroutable jobs
var ErrUnknownJobType = errors.New("unknown job type")

// Handler processes one job. Handlers own their domain-level error handling
// (retries, failure marking); a returned error means something escaped and
// the failure callback fires.
type Handler func(ctx context.Context, job *Job) error

// FailureCallback is invoked when a handler errors or panics. It must never
// panic itself; the worker guards it regardless.
type FailureCallback func(ctx context.Context, job *Job, err error)

// Worker consumes jobs from the stream through a consumer group and
// dispatches them to registered handlers
type Worker struct {
	redis        *redis.Client
	stream       string
	group        string
	consumer     string
	concurrency  int
	reclaimAfter time.Duration
	logger       Logger

	handlers  map[string]Handler
	onFailure FailureCallback
	wg        sync.WaitGroup
}

// WorkerOptions configures a queue worker
type WorkerOptions struct {
	Stream       string
	Group        string
	Consumer     string
	Concurrency  int
	ReclaimAfter time.Duration
}

// NewWorker creates a queue worker
func NewWorker(redisClient *redis.Client, opts WorkerOptions, logger Logger) *Worker {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	return &Worker{
		redis:        redisClient,
		stream:       opts.Stream,
		group:        opts.Group,
		consumer:     opts.Consumer,
		concurrency:  opts.Concurrency,
		reclaimAfter: opts.ReclaimAfter,
		logger:       logger,
		handlers:     make(map[string]Handler),
	}
}

// Register binds a handler to a job type. Not safe to call after Start.
func (w *Worker) Register(jobType string, handler Handler) {
	w.handlers[jobType] = handler
}

// OnFailure registers the failure callback. Not safe to call after Start.
func (w *Worker) OnFailure(cb FailureCallback) {
	w.onFailure = cb
}

// Start creates the consumer group and launches the consume loops.
// It returns once the loops are running; cancel the context to stop them.
func (w *Worker) Start(ctx context.Context) error {
	if err := w.redis.CreateStreamGroup(ctx, w.stream, w.group); err != nil {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}

	for i := 0; i < w.concurrency; i++ {
		name := fmt.Sprintf("%s-%d", w.consumer, i)
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.consume(ctx, name)
		}()
	}

	if w.reclaimAfter > 0 {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.reclaim(ctx)
		}()
	}

	w.logger.Info("queue worker started",
		"stream", w.stream,
		"group", w.group,
		"concurrency", w.concurrency)
	return nil
}

// Wait blocks until all consume loops have exited
func (w *Worker) Wait() {
	w.wg.Wait()
}

func (w *Worker) consume(ctx context.Context, consumer string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		streams, err := w.redis.ReadFromStreamGroup(ctx, w.group, consumer, w.stream, 1, 5*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("failed to read jobs", "consumer", consumer, "error", err)
			time.Sleep(1 * time.Second)
			continue
		}

		for _, stream := range streams {
			for _, message := range stream.Messages {
				w.process(ctx, message)
			}
		}
	}
}

// reclaim periodically re-delivers messages a crashed consumer left pending
func (w *Worker) reclaim(ctx context.Context) {
	ticker := time.NewTicker(w.reclaimAfter)
	defer ticker.Stop()

	consumer := w.consumer + "-reclaim"
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			messages, err := w.redis.AutoClaimStream(ctx, w.stream, w.group, consumer, w.reclaimAfter, 10)
			if err != nil {
				w.logger.Error("failed to reclaim pending jobs", "error", err)
				continue
			}
			for _, message := range messages {
				w.logger.Warn("reprocessing stalled job", "message_id", message.ID)
				w.process(ctx, message)
			}
		}
	}
}

// process dispatches one message and always acknowledges it: redelivery is
// governed by the engine's own retry machinery, not the stream
func (w *Worker) process(ctx context.Context, message goredis.XMessage) {
	defer func() {
		if err := w.redis.AckStreamMessage(ctx, w.stream, w.group, message.ID); err != nil {
			w.logger.Error("failed to ack job", "message_id", message.ID, "error", err)
		}
	}()

	payload, ok := message.Values["job"].(string)
	if !ok {
		w.logger.Error("malformed queue message", "message_id", message.ID)
		return
	}

	var job Job
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		w.logger.Error("failed to unmarshal job", "message_id", message.ID, "error", err)
		return
	}

	handler, ok := w.handlers[job.Type]
	if !ok {
		w.logger.Error("no handler for job type", "type", job.Type, "job_id", job.ID)
		w.fail(ctx, &job, fmt.Errorf("%w: %s", ErrUnknownJobType, job.Type))
		return
	}

	if err := w.run(ctx, handler, &job); err != nil {
		w.logger.Error("job handler failed",
			"type", job.Type,
			"job_id", job.ID,
			"execution_id", job.ExecutionID,
			"error", err)
		w.fail(ctx, &job, err)
	}
}

// run invokes the handler with panic isolation
func (w *Worker) run(ctx context.Context, handler Handler, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job handler panic: %v", r)
		}
	}()
	return handler(ctx, job)
}

// fail invokes the failure callback, swallowing any panic so a broken
// callback cannot take the consumer down
func (w *Worker) fail(ctx context.Context, job *Job, cause error) {
	if w.onFailure == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("failure callback panicked", "job_id", job.ID, "panic", r)
		}
	}()
	w.onFailure(ctx, job, cause)
}
