package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lyzr/nodeflow/cmd/engine/events"
	"github.com/lyzr/nodeflow/common/models"
	"github.com/lyzr/nodeflow/common/repository"
)

// Finalize closes out an execution whose inflight count drained to zero:
// extracts the final output, persists the terminal row with cost totals,
// settles budget and memory, publishes, delivers, and wakes a waiting
// parent. Coordination keys are removed even when earlier steps fail.
//
// Terminal executions are skipped apart from key cleanup, which makes the
// call idempotent and lets a crashed finalization be swept up later.
func (s *Scheduler) Finalize(ctx context.Context, executionID string) error {
	execID, err := uuid.Parse(executionID)
	if err != nil {
		return fmt.Errorf("invalid execution id %q: %w", executionID, err)
	}

	exec, err := s.executions.GetByID(ctx, execID)
	if errors.Is(err, repository.ErrNotFound) {
		s.logger.Warn("finalize for unknown execution, cleaning up", "execution_id", executionID)
		s.cleanup(ctx, executionID)
		return nil
	}
	if err != nil {
		return err
	}
	if exec.Status.IsTerminal() {
		s.logger.Debug("finalize on terminal execution, skipping",
			"execution_id", executionID,
			"status", exec.Status)
		s.cleanup(ctx, executionID)
		return nil
	}

	defer s.cleanup(ctx, executionID)

	if err := s.completeExecution(ctx, exec); err != nil {
		return s.failFinalize(ctx, exec, err)
	}
	return nil
}

// completeExecution is the happy path of Finalize
func (s *Scheduler) completeExecution(ctx context.Context, exec *models.Execution) error {
	executionID := exec.ExecutionID.String()

	st, err := s.states.Load(ctx, executionID)
	if err != nil {
		return err
	}
	finalOutput := st.ExtractFinalOutput()
	usage := st.TokenUsage

	var wf *models.Workflow
	if wf, err = s.workflows.GetByID(ctx, exec.WorkflowID); err != nil {
		s.logger.Warn("workflow lookup failed during finalization",
			"execution_id", executionID,
			"workflow_id", exec.WorkflowID.String(),
			"error", err)
		wf = nil
	}

	marked, err := s.executions.MarkTerminal(ctx, exec.ExecutionID, repository.TerminalUpdate{
		Status:            models.StatusCompleted,
		FinalOutput:       finalOutput,
		TotalInputTokens:  usage.InputTokens,
		TotalOutputTokens: usage.OutputTokens,
		TotalTokens:       usage.TotalTokens,
		TotalCostUSD:      usage.CostUSD,
		LLMCalls:          usage.LLMCalls,
	})
	if err != nil {
		return err
	}
	if !marked {
		s.logger.Warn("execution became terminal concurrently, skipping finalization",
			"execution_id", executionID)
		return nil
	}

	s.budget.RecordSpend(ctx, exec, usage)
	s.completeEpisode(ctx, executionID, finalOutput)

	slug := ""
	if wf != nil {
		slug = wf.Slug
	}
	s.events.Publish(ctx, executionID, slug, events.ExecutionCompleted, map[string]interface{}{
		"final_output": finalOutput,
		"total_tokens": usage.TotalTokens,
	})

	now := time.Now().UTC()
	exec.Status = models.StatusCompleted
	exec.CompletedAt = &now
	exec.FinalOutput = finalOutput
	if err := s.delivery.Deliver(ctx, exec, wf, finalOutput); err != nil {
		s.logger.Error("final output delivery failed",
			"execution_id", executionID,
			"error", err)
	}

	if exec.ParentExecutionID != nil && exec.ParentNodeID != nil {
		// The child is already terminal here, so a failed wake must not
		// flip it back; the zombie sweep reaps the stuck parent instead.
		if err := s.ResumeFromChild(ctx, *exec.ParentExecutionID, *exec.ParentNodeID, finalOutput); err != nil {
			s.logger.Error("failed to wake parent execution",
				"execution_id", executionID,
				"parent_execution_id", exec.ParentExecutionID.String(),
				"parent_node_id", *exec.ParentNodeID,
				"error", err)
		}
	}

	s.cancelLiveChildren(ctx, exec, "parent execution finished")

	s.logger.Info("execution completed",
		"execution_id", executionID,
		"total_tokens", usage.TotalTokens,
		"cost_usd", usage.CostUSD)
	return nil
}

// failFinalize records a finalization failure. The execution is marked
// failed only while still running; a concurrent terminal transition wins.
// The original error is returned either way so the job surfaces it.
func (s *Scheduler) failFinalize(ctx context.Context, exec *models.Execution, cause error) error {
	executionID := exec.ExecutionID.String()
	s.logger.Error("finalization failed",
		"execution_id", executionID,
		"error", cause)

	current, err := s.executions.GetByID(ctx, exec.ExecutionID)
	if err != nil {
		s.logger.Error("failed to re-query execution after finalization error",
			"execution_id", executionID,
			"error", err)
		return cause
	}
	if current.Status != models.StatusRunning {
		return cause
	}

	msg := fmt.Sprintf("Finalization error: %v", cause)
	marked, err := s.executions.MarkTerminal(ctx, exec.ExecutionID, repository.TerminalUpdate{
		Status:       models.StatusFailed,
		ErrorMessage: &msg,
	})
	if err != nil {
		s.logger.Error("failed to mark execution failed after finalization error",
			"execution_id", executionID,
			"error", err)
		return cause
	}
	if marked {
		s.events.Publish(ctx, executionID, s.workflowSlug(ctx, exec.WorkflowID), events.ExecutionFailed,
			map[string]interface{}{"error": msg})
	}
	return cause
}

// ResumeFromChild hands a finished child's output to the parent node that
// spawned it and re-enqueues that node for its second invocation. Parents
// that stopped running while waiting are left alone.
func (s *Scheduler) ResumeFromChild(ctx context.Context, parentExecutionID uuid.UUID, parentNodeID string, childOutput map[string]interface{}) error {
	executionID := parentExecutionID.String()

	parent, err := s.executions.GetByID(ctx, parentExecutionID)
	if err != nil {
		return err
	}
	if parent.Status != models.StatusRunning {
		s.logger.Warn("parent no longer running, dropping child output",
			"parent_execution_id", executionID,
			"parent_node_id", parentNodeID,
			"status", parent.Status)
		return nil
	}

	st, err := s.states.Load(ctx, executionID)
	if err != nil {
		return err
	}
	st.SetSubworkflowResult(parentNodeID, childOutput)
	if err := s.states.Save(ctx, executionID, st); err != nil {
		return err
	}

	if err := s.enqueueNode(ctx, executionID, parentNodeID, 0); err != nil {
		return err
	}

	s.logger.Info("parent woken by child completion",
		"parent_execution_id", executionID,
		"parent_node_id", parentNodeID)
	return nil
}

// completeEpisode closes the conversational memory episode, best-effort
func (s *Scheduler) completeEpisode(ctx context.Context, executionID string, finalOutput map[string]interface{}) {
	episodeID, err := s.coord.GetEpisodeID(ctx, executionID)
	if err != nil {
		s.logger.Warn("failed to read episode id",
			"execution_id", executionID,
			"error", err)
		return
	}
	if episodeID == "" {
		return
	}
	if err := s.memory.CompleteEpisode(ctx, episodeID, finalOutput); err != nil {
		s.logger.Warn("failed to complete memory episode",
			"execution_id", executionID,
			"episode_id", episodeID,
			"error", err)
	}
}
