// Package subflow launches child executions for subworkflow nodes and
// routes child results back to the suspended parent.
package subflow

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/lyzr/nodeflow/cmd/engine/components"
	"github.com/lyzr/nodeflow/common/dispatch"
	"github.com/lyzr/nodeflow/common/models"
	"github.com/lyzr/nodeflow/common/queue"
)

// Logger interface for subflow logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// WorkflowSource resolves child workflows referenced by slug
type WorkflowSource interface {
	GetBySlug(ctx context.Context, slug string) (*models.Workflow, error)
}

// ExecutionStore reads the parent row and persists the child row
type ExecutionStore interface {
	GetByID(ctx context.Context, executionID uuid.UUID) (*models.Execution, error)
	Create(ctx context.Context, exec *models.Execution) error
}

// EventDispatcher routes explicit-mode launches through trigger matching
type EventDispatcher interface {
	Dispatch(ctx context.Context, event dispatch.Event) ([]uuid.UUID, error)
}

// Bridge starts child executions on behalf of subworkflow nodes. Implicit
// mode targets one workflow by slug; explicit mode publishes an event and
// lets trigger matching pick the workflow. Both stamp the parent linkage
// so finalization of the child can resume the parent.
type Bridge struct {
	workflows  WorkflowSource
	executions ExecutionStore
	dispatcher EventDispatcher
	queue      queue.Enqueuer
	logger     Logger
}

// NewBridge creates a sub-workflow bridge
func NewBridge(workflows WorkflowSource, executions ExecutionStore, dispatcher EventDispatcher, enqueuer queue.Enqueuer, logger Logger) *Bridge {
	return &Bridge{
		workflows:  workflows,
		executions: executions,
		dispatcher: dispatcher,
		queue:      enqueuer,
		logger:     logger,
	}
}

// Launch starts one child execution and returns its id. The child
// inherits the parent's user and epic so budgets aggregate across the
// whole tree.
func (b *Bridge) Launch(ctx context.Context, req components.LaunchRequest) (string, error) {
	parentID, err := uuid.Parse(req.ParentExecutionID)
	if err != nil {
		return "", fmt.Errorf("invalid parent execution id %q: %w", req.ParentExecutionID, err)
	}

	parent, err := b.executions.GetByID(ctx, parentID)
	if err != nil {
		return "", fmt.Errorf("failed to load parent execution: %w", err)
	}

	payload, err := b.buildPayload(req)
	if err != nil {
		return "", err
	}

	if req.Source != "" {
		return b.launchExplicit(ctx, req, parent, payload)
	}
	return b.launchImplicit(ctx, req, parent, payload)
}

// launchImplicit resolves the slug and creates the child directly
func (b *Bridge) launchImplicit(ctx context.Context, req components.LaunchRequest, parent *models.Execution, payload map[string]interface{}) (string, error) {
	if req.WorkflowSlug == "" {
		return "", fmt.Errorf("subworkflow node %s: no workflow_slug or source configured", req.ParentNodeID)
	}

	child, err := b.workflows.GetBySlug(ctx, req.WorkflowSlug)
	if err != nil {
		return "", fmt.Errorf("failed to resolve child workflow %q: %w", req.WorkflowSlug, err)
	}
	if !child.IsActive {
		return "", fmt.Errorf("child workflow %q is not active", req.WorkflowSlug)
	}
	if child.WorkflowID == parent.WorkflowID {
		return "", fmt.Errorf("workflow %q cannot launch itself as a sub-workflow", req.WorkflowSlug)
	}

	parentNodeID := req.ParentNodeID
	exec := &models.Execution{
		ExecutionID:       uuid.New(),
		WorkflowID:        child.WorkflowID,
		ParentExecutionID: &parent.ExecutionID,
		ParentNodeID:      &parentNodeID,
		UserProfileID:     parent.UserProfileID,
		EpicID:            parent.EpicID,
		Status:            models.StatusPending,
		TriggerPayload:    payload,
	}

	if err := b.executions.Create(ctx, exec); err != nil {
		return "", fmt.Errorf("failed to create child execution: %w", err)
	}

	job := &queue.Job{
		Type:        queue.TypeStartExecution,
		ExecutionID: exec.ExecutionID.String(),
	}
	if err := b.queue.Enqueue(ctx, job); err != nil {
		return "", fmt.Errorf("failed to enqueue child start: %w", err)
	}

	b.logger.Info("child execution launched",
		"parent_execution_id", parent.ExecutionID,
		"parent_node_id", req.ParentNodeID,
		"child_execution_id", exec.ExecutionID,
		"child_workflow", req.WorkflowSlug)

	return exec.ExecutionID.String(), nil
}

// launchExplicit routes through trigger matching. The node waits for a
// single child, so exactly one trigger must match.
func (b *Bridge) launchExplicit(ctx context.Context, req components.LaunchRequest, parent *models.Execution, payload map[string]interface{}) (string, error) {
	parentNodeID := req.ParentNodeID
	started, err := b.dispatcher.Dispatch(ctx, dispatch.Event{
		Source:            req.Source,
		Payload:           payload,
		UserProfileID:     parent.UserProfileID,
		EpicID:            parent.EpicID,
		ParentExecutionID: &parent.ExecutionID,
		ParentNodeID:      &parentNodeID,
	})
	if err != nil {
		return "", fmt.Errorf("failed to dispatch child event: %w", err)
	}

	if len(started) == 0 {
		return "", fmt.Errorf("subworkflow node %s: no active trigger matched source %q", req.ParentNodeID, req.Source)
	}
	if len(started) > 1 {
		b.logger.Warn("multiple triggers matched subworkflow event, waiting on first",
			"parent_node_id", req.ParentNodeID,
			"source", req.Source,
			"matches", len(started))
	}

	return started[0].String(), nil
}

// buildPayload assembles the child trigger payload from the parent state.
// payload_path ports a sub-document wholesale, input_mapping picks named
// paths, and the default hands over trigger and node_outputs.
func (b *Bridge) buildPayload(req components.LaunchRequest) (map[string]interface{}, error) {
	doc, err := json.Marshal(req.State)
	if err != nil {
		return nil, fmt.Errorf("failed to encode parent state: %w", err)
	}

	if req.PayloadPath != "" {
		result := gjson.GetBytes(doc, req.PayloadPath)
		if !result.Exists() {
			return nil, fmt.Errorf("payload_path %q not found in state", req.PayloadPath)
		}
		payload, ok := result.Value().(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("payload_path %q is not an object", req.PayloadPath)
		}
		return payload, nil
	}

	if len(req.InputMapping) > 0 {
		payload := make(map[string]interface{}, len(req.InputMapping))
		for key, path := range req.InputMapping {
			result := gjson.GetBytes(doc, path)
			if !result.Exists() {
				b.logger.Warn("input mapping path not found in state, skipping",
					"parent_node_id", req.ParentNodeID,
					"key", key,
					"path", path)
				continue
			}
			payload[key] = result.Value()
		}
		return payload, nil
	}

	return map[string]interface{}{
		"trigger":      req.State.Trigger,
		"node_outputs": req.State.NodeOutputs,
	}, nil
}
