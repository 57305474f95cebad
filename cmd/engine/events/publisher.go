package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/lyzr/nodeflow/common/redis"
)

// Event types published on execution channels.
const (
	ExecutionStarted     = "execution_started"
	ExecutionCompleted   = "execution_completed"
	ExecutionFailed      = "execution_failed"
	ExecutionInterrupted = "execution_interrupted"
	ExecutionResumed     = "execution_resumed"
	ExecutionCancelled   = "execution_cancelled"
	NodeStatus           = "node_status"
)

// Node statuses carried by node_status events.
const (
	NodeRunning   = "running"
	NodeCompleted = "completed"
	NodeFailed    = "failed"
	NodeWaiting   = "waiting"
)

// Logger interface for dependency injection
type Logger interface {
	Debug(msg string, args ...interface{})
	Error(msg string, args ...interface{})
}

// NodeUpdate is the payload of a node_status event.
type NodeUpdate struct {
	NodeID     string
	Status     string
	DurationMS int64
	Output     map[string]interface{}
	Error      string
}

// Publisher fans execution events out to Redis PubSub for the WebSocket
// gateway. Every event goes to execution:<id> and is mirrored on
// workflow:<slug> so subscribers can follow either a single run or every
// run of a workflow.
type Publisher struct {
	redis  *redis.Client
	logger Logger
}

// NewPublisher creates a new event publisher
func NewPublisher(redis *redis.Client, logger Logger) *Publisher {
	return &Publisher{
		redis:  redis,
		logger: logger,
	}
}

// Publish sends an event. Publishing is best-effort: failures are logged
// and never propagated to the caller.
func (p *Publisher) Publish(ctx context.Context, executionID, workflowSlug, eventType string, data map[string]interface{}) {
	event := map[string]interface{}{
		"type":         eventType,
		"execution_id": executionID,
		"timestamp":    time.Now().Unix(),
	}
	for k, v := range data {
		event[k] = v
	}

	eventJSON, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("failed to marshal execution event", "type", eventType, "error", err)
		return
	}

	p.publishTo(ctx, "execution:"+executionID, eventType, string(eventJSON))
	if workflowSlug != "" {
		p.publishTo(ctx, "workflow:"+workflowSlug, eventType, string(eventJSON))
	}
}

// PublishNodeStatus emits a node_status event for live node tracking.
func (p *Publisher) PublishNodeStatus(ctx context.Context, executionID, workflowSlug string, update NodeUpdate) {
	data := map[string]interface{}{
		"node_id":     update.NodeID,
		"status":      update.Status,
		"duration_ms": update.DurationMS,
	}
	if update.Output != nil {
		data["output"] = update.Output
	}
	if update.Error != "" {
		data["error"] = update.Error
	}

	p.Publish(ctx, executionID, workflowSlug, NodeStatus, data)
}

func (p *Publisher) publishTo(ctx context.Context, channel, eventType, message string) {
	if err := p.redis.PublishEvent(ctx, channel, message); err != nil {
		p.logger.Error("failed to publish execution event",
			"channel", channel,
			"type", eventType,
			"error", err)
		return
	}

	p.logger.Debug("published execution event",
		"channel", channel,
		"type", eventType)
}
