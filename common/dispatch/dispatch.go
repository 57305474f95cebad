// Package dispatch matches inbound events against the trigger nodes of
// active workflows and starts one execution per match. It is shared by
// the HTTP event endpoint and the sub-workflow launcher, which routes
// child launches through the same matching path.
package dispatch

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/lyzr/nodeflow/common/models"
	"github.com/lyzr/nodeflow/common/queue"
	"github.com/lyzr/nodeflow/common/repository"
)

// Logger interface for dispatch logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// TriggerSource lists the trigger nodes events are matched against
type TriggerSource interface {
	ListActiveTriggers(ctx context.Context) ([]*repository.TriggerBinding, error)
}

// ExecutionStore persists the executions the dispatcher creates
type ExecutionStore interface {
	Create(ctx context.Context, exec *models.Execution) error
}

// Event is one inbound occurrence offered to trigger nodes. Source must
// equal the trigger's configured source; Payload becomes the execution's
// trigger payload and is bound as `payload` in CEL filters.
type Event struct {
	Source        string
	Payload       map[string]interface{}
	UserProfileID string
	EpicID        *string

	// Set when a subworkflow node routes the event. Copied onto every
	// execution created from it so child results flow back to the parent.
	ParentExecutionID *uuid.UUID
	ParentNodeID      *string
}

// Dispatcher fans an event out to every matching trigger node
type Dispatcher struct {
	triggers   TriggerSource
	executions ExecutionStore
	queue      queue.Enqueuer
	filters    *filterCache
	logger     Logger
}

// NewDispatcher creates a dispatcher with an empty filter-program cache
func NewDispatcher(triggers TriggerSource, executions ExecutionStore, enqueuer queue.Enqueuer, logger Logger) *Dispatcher {
	return &Dispatcher{
		triggers:   triggers,
		executions: executions,
		queue:      enqueuer,
		filters:    newFilterCache(),
		logger:     logger,
	}
}

// Dispatch matches the event against all active trigger nodes and starts
// one pending execution per match. A broken filter or a failed start
// skips that trigger; the rest of the fan-out still happens.
func (d *Dispatcher) Dispatch(ctx context.Context, event Event) ([]uuid.UUID, error) {
	if event.Source == "" {
		return nil, fmt.Errorf("event source is required")
	}

	bindings, err := d.triggers.ListActiveTriggers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list triggers: %w", err)
	}

	var started []uuid.UUID
	for _, binding := range bindings {
		matched, err := d.matches(binding, event)
		if err != nil {
			d.logger.Warn("trigger filter failed, skipping",
				"workflow", binding.Workflow.Slug,
				"node_id", binding.Node.NodeID,
				"error", err)
			continue
		}
		if !matched {
			continue
		}

		executionID, err := d.start(ctx, binding, event)
		if err != nil {
			d.logger.Error("failed to start execution for matched trigger",
				"workflow", binding.Workflow.Slug,
				"node_id", binding.Node.NodeID,
				"error", err)
			continue
		}

		d.logger.Info("event dispatched",
			"source", event.Source,
			"workflow", binding.Workflow.Slug,
			"node_id", binding.Node.NodeID,
			"execution_id", executionID)
		started = append(started, executionID)
	}

	return started, nil
}

// matches checks source equality, then the optional CEL filter. A trigger
// without a filter matches every event from its source.
func (d *Dispatcher) matches(binding *repository.TriggerBinding, event Event) (bool, error) {
	source, _ := binding.Node.Config["source"].(string)
	if source != event.Source {
		return false, nil
	}

	filter, _ := binding.Node.Config["filter"].(string)
	if strings.TrimSpace(filter) == "" {
		return true, nil
	}

	return d.filters.Match(filter, event.Payload)
}

// start creates a pending execution for the matched trigger and enqueues
// its start_execution job.
func (d *Dispatcher) start(ctx context.Context, binding *repository.TriggerBinding, event Event) (uuid.UUID, error) {
	userProfileID := event.UserProfileID
	if userProfileID == "" {
		userProfileID = binding.Workflow.UserProfileID
	}

	nodeID := binding.Node.NodeID
	exec := &models.Execution{
		ExecutionID:       uuid.New(),
		WorkflowID:        binding.Workflow.WorkflowID,
		TriggerNodeID:     &nodeID,
		ParentExecutionID: event.ParentExecutionID,
		ParentNodeID:      event.ParentNodeID,
		UserProfileID:     userProfileID,
		EpicID:            event.EpicID,
		Status:            models.StatusPending,
		TriggerPayload:    event.Payload,
	}

	if err := d.executions.Create(ctx, exec); err != nil {
		return uuid.Nil, fmt.Errorf("failed to create execution: %w", err)
	}

	job := &queue.Job{
		Type:        queue.TypeStartExecution,
		ExecutionID: exec.ExecutionID.String(),
	}
	if err := d.queue.Enqueue(ctx, job); err != nil {
		return uuid.Nil, fmt.Errorf("failed to enqueue start job: %w", err)
	}

	return exec.ExecutionID, nil
}
