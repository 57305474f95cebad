package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lyzr/nodeflow/cmd/engine/events"
	"github.com/lyzr/nodeflow/cmd/engine/topology"
	"github.com/lyzr/nodeflow/common/models"
)

// interrupt parks the execution on a human decision: flips the status,
// persists the pending task carrying the prompt, announces it, and gives
// the node's slot back without a finalize check (resume_node re-enqueues
// this node with a fresh increment).
//
// The status CAS runs first so a redelivered job is a complete no-op:
// the original delivery already parked the execution and released the
// slot. signal carries a dynamic _interrupt payload and may be nil for
// the static gates.
func (w *Worker) interrupt(ctx context.Context, exec *models.Execution, topo *topology.Topology, node *topology.NodeInfo, signal map[string]interface{}) error {
	executionID := exec.ExecutionID.String()

	flipped, err := w.executions.UpdateStatusIf(ctx, exec.ExecutionID, models.StatusInterrupted, models.StatusRunning)
	if err != nil {
		return err
	}
	if !flipped {
		w.logger.Warn("execution not running at interrupt, dropping",
			"execution_id", executionID,
			"node_id", node.NodeID)
		return nil
	}

	task := &models.PendingTask{
		TaskID:      uuid.New(),
		ExecutionID: exec.ExecutionID,
		NodeID:      node.NodeID,
		Prompt:      interruptPrompt(signal, node.Config),
	}
	if chatID, ok := interruptNumber(signal, node.Config, "telegram_chat_id"); ok {
		id := int64(chatID)
		task.TelegramChatID = &id
	}
	if seconds, ok := interruptNumber(signal, node.Config, "timeout_seconds"); ok && seconds > 0 {
		expires := time.Now().Add(time.Duration(seconds * float64(time.Second)))
		task.ExpiresAt = &expires
	}
	if err := w.tasks.Create(ctx, task); err != nil {
		return fmt.Errorf("failed to create pending task for node %s: %w", node.NodeID, err)
	}

	w.events.Publish(ctx, executionID, topo.WorkflowSlug, events.ExecutionInterrupted, map[string]interface{}{
		"node_id": node.NodeID,
		"prompt":  task.Prompt,
	})
	w.events.PublishNodeStatus(ctx, executionID, topo.WorkflowSlug, events.NodeUpdate{
		NodeID: node.NodeID,
		Status: events.NodeWaiting,
	})

	w.logger.Info("execution interrupted",
		"execution_id", executionID,
		"node_id", node.NodeID,
		"prompt", task.Prompt)

	_, err = w.coord.DecrementInflight(ctx, executionID)
	return err
}

// interruptPrompt picks the confirmation prompt: the dynamic signal
// wins, then the node's own config, then a generic fallback
func interruptPrompt(signal, config map[string]interface{}) string {
	for _, src := range []map[string]interface{}{signal, config} {
		if p, ok := src["prompt"].(string); ok && p != "" {
			return p
		}
	}
	return "Confirm to continue?"
}

// interruptNumber reads a numeric key from the signal, falling back to
// the node config
func interruptNumber(signal, config map[string]interface{}, key string) (float64, bool) {
	for _, src := range []map[string]interface{}{signal, config} {
		switch v := src[key].(type) {
		case float64:
			return v, true
		case int:
			return float64(v), true
		case int64:
			return float64(v), true
		}
	}
	return 0, false
}
