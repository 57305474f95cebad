package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/lyzr/nodeflow/cmd/engine/components"
	"github.com/lyzr/nodeflow/cmd/engine/events"
	"github.com/lyzr/nodeflow/cmd/engine/state"
	"github.com/lyzr/nodeflow/cmd/engine/topology"
	"github.com/lyzr/nodeflow/common/models"
	"github.com/lyzr/nodeflow/common/queue"
)

// Attempt error classifications recorded in the log row's error_code
const (
	errCodeTransient = "transient"
	errCodePermanent = "permanent"
)

// attemptFailed records a failed attempt, then either enqueues a
// delayed replacement, surrenders the error to an enclosing loop
// iteration, or fails the execution.
//
// The replacement job inherits this attempt's inflight slot: the retry
// path neither decrements nor increments the counter.
func (w *Worker) attemptFailed(ctx context.Context, exec *models.Execution, topo *topology.Topology, node *topology.NodeInfo, job *queue.Job, st *state.State, startedAt time.Time, cause error) error {
	executionID := exec.ExecutionID.String()
	nodeID := node.NodeID
	errText := cause.Error()
	durationMS := time.Since(startedAt).Milliseconds()

	permanent := components.IsPermanent(cause)
	errCode := errCodeTransient
	if permanent {
		errCode = errCodePermanent
	}
	w.appendLog(ctx, &models.ExecutionLog{
		ExecutionID: exec.ExecutionID,
		NodeID:      nodeID,
		Status:      models.AttemptFailed,
		DurationMS:  durationMS,
		StartedAt:   startedAt,
		Error:       &errText,
		ErrorCode:   &errCode,
	})
	w.events.PublishNodeStatus(ctx, executionID, topo.WorkflowSlug, events.NodeUpdate{
		NodeID:     nodeID,
		Status:     events.NodeFailed,
		DurationMS: durationMS,
		Error:      errText,
	})

	maxRetries := w.engine.MaxRetries
	if node.MaxRetries != nil {
		maxRetries = *node.MaxRetries
	}

	if !permanent && job.RetryCount < maxRetries {
		delay := retryBackoff(job.RetryCount, w.engine.RetryBackoffBase, w.engine.RetryBackoffCap)
		retry := &queue.Job{
			Type:        queue.TypeExecuteNode,
			ExecutionID: executionID,
			NodeID:      nodeID,
			RetryCount:  job.RetryCount + 1,
		}
		if err := w.queue.EnqueueIn(ctx, delay, retry); err != nil {
			return fmt.Errorf("failed to enqueue retry for node %s: %w", nodeID, err)
		}
		w.logger.Warn("node attempt failed, retry scheduled",
			"execution_id", executionID,
			"node_id", nodeID,
			"retry_count", retry.RetryCount,
			"delay", delay,
			"error", errText)
		return nil
	}

	// A body node out of retries feeds its error into the iteration
	// record; the loop carries on without it.
	if loopID, inBody := topo.LoopForMember(nodeID); inBody {
		st.RecordLoopError(loopID, nodeID, map[string]interface{}{"error": errText})
		if err := w.states.Save(ctx, executionID, st); err != nil {
			return err
		}
		w.logger.Warn("loop body node failed, iteration continues",
			"execution_id", executionID,
			"loop_id", loopID,
			"node_id", nodeID,
			"error", errText)
		return w.sched.Advance(ctx, executionID, nodeID, topo, st, 0)
	}

	return w.sched.FailExecution(ctx, exec, topo.WorkflowSlug,
		fmt.Sprintf("node %s failed: %s", nodeID, errText))
}

// retryBackoff doubles the delay per attempt from base, bounded by limit
func retryBackoff(retryCount int, base, limit time.Duration) time.Duration {
	if retryCount > 16 {
		return limit
	}
	delay := base * (1 << uint(retryCount))
	if delay > limit {
		return limit
	}
	return delay
}
