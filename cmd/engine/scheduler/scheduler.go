// Package scheduler drives executions between node runs: it boots pending
// executions, advances control along the compiled topology, iterates loops,
// wakes interrupted and suspended nodes, and finalizes or cancels the run.
//
// Every public method is a job-queue entry point and therefore idempotent
// under duplicate delivery: status CAS guards on the executions table and
// the completed-node set in the coordination KV turn replays into no-ops.
package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/lyzr/nodeflow/cmd/engine/coordination"
	"github.com/lyzr/nodeflow/cmd/engine/delivery"
	"github.com/lyzr/nodeflow/cmd/engine/events"
	"github.com/lyzr/nodeflow/cmd/engine/memory"
	"github.com/lyzr/nodeflow/cmd/engine/state"
	"github.com/lyzr/nodeflow/cmd/engine/topology"
	"github.com/lyzr/nodeflow/common/models"
	"github.com/lyzr/nodeflow/common/queue"
	"github.com/lyzr/nodeflow/common/repository"
)

// Logger interface for scheduler logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// ExecutionStore is the executions table surface the scheduler needs.
// Satisfied by repository.ExecutionRepository.
type ExecutionStore interface {
	GetByID(ctx context.Context, executionID uuid.UUID) (*models.Execution, error)
	MarkRunning(ctx context.Context, executionID uuid.UUID) (bool, error)
	MarkTerminal(ctx context.Context, executionID uuid.UUID, upd repository.TerminalUpdate) (bool, error)
	UpdateStatusIf(ctx context.Context, executionID uuid.UUID, to models.ExecutionStatus, from ...models.ExecutionStatus) (bool, error)
	ListLiveChildren(ctx context.Context, parentExecutionID uuid.UUID) ([]*models.Execution, error)
}

// WorkflowSource is the workflow graph surface the scheduler needs.
// Satisfied by repository.WorkflowRepository.
type WorkflowSource interface {
	GetByID(ctx context.Context, workflowID uuid.UUID) (*models.Workflow, error)
	GetNodes(ctx context.Context, workflowID uuid.UUID) ([]*models.WorkflowNode, error)
	GetEdges(ctx context.Context, workflowID uuid.UUID) ([]*models.WorkflowEdge, error)
}

// TaskStore is the pending-confirmation surface for resume and cancel.
// Satisfied by repository.PendingTaskRepository.
type TaskStore interface {
	GetByExecution(ctx context.Context, executionID uuid.UUID) (*models.PendingTask, error)
	DeleteByExecution(ctx context.Context, executionID uuid.UUID) error
}

// SpendRecorder folds a terminal execution's usage into epic budget totals.
// Satisfied by budget.Guard.
type SpendRecorder interface {
	RecordSpend(ctx context.Context, exec *models.Execution, usage state.Usage)
}

// Deps wires the scheduler's collaborators
type Deps struct {
	Executions ExecutionStore
	Workflows  WorkflowSource
	Tasks      TaskStore

	Coord  *coordination.Coordinator
	States *state.Store
	Topos  *topology.Store
	Queue  queue.Enqueuer
	Events *events.Publisher

	Memory   memory.Client
	Delivery delivery.Deliverer
	Budget   SpendRecorder

	Logger Logger
}

// Scheduler owns execution lifecycle transitions and node scheduling
type Scheduler struct {
	executions ExecutionStore
	workflows  WorkflowSource
	tasks      TaskStore
	coord      *coordination.Coordinator
	states     *state.Store
	topos      *topology.Store
	queue      queue.Enqueuer
	events     *events.Publisher
	memory     memory.Client
	delivery   delivery.Deliverer
	budget     SpendRecorder
	logger     Logger
}

// New creates a scheduler from its dependency set
func New(d Deps) *Scheduler {
	return &Scheduler{
		executions: d.Executions,
		workflows:  d.Workflows,
		tasks:      d.Tasks,
		coord:      d.Coord,
		states:     d.States,
		topos:      d.Topos,
		queue:      d.Queue,
		events:     d.Events,
		memory:     d.Memory,
		delivery:   d.Delivery,
		budget:     d.Budget,
		logger:     d.Logger,
	}
}

// StartExecution boots a pending execution: compiles and caches the
// topology, seeds initial state from the trigger payload, transitions the
// row to running and enqueues the entry nodes. Duplicate deliveries observe
// a non-pending status and drop out.
func (s *Scheduler) StartExecution(ctx context.Context, executionID string) error {
	execID, err := uuid.Parse(executionID)
	if err != nil {
		return fmt.Errorf("invalid execution id %q: %w", executionID, err)
	}

	exec, err := s.executions.GetByID(ctx, execID)
	if errors.Is(err, repository.ErrNotFound) {
		s.logger.Warn("start for unknown execution, dropping", "execution_id", executionID)
		return nil
	}
	if err != nil {
		return err
	}
	if exec.Status != models.StatusPending {
		s.logger.Warn("start for non-pending execution, dropping",
			"execution_id", executionID,
			"status", exec.Status)
		return nil
	}

	wf, err := s.workflows.GetByID(ctx, exec.WorkflowID)
	if errors.Is(err, repository.ErrNotFound) {
		return s.failBeforeStart(ctx, exec, "", "workflow not found")
	}
	if err != nil {
		return err
	}

	nodes, edges, err := s.loadGraph(ctx, exec.WorkflowID)
	if err != nil {
		return err
	}
	triggerNodeID := ""
	if exec.TriggerNodeID != nil {
		triggerNodeID = *exec.TriggerNodeID
	}
	topo, err := topology.Build(wf.Slug, triggerNodeID, nodes, edges)
	if err != nil {
		// Graph errors are permanent; retrying the job cannot fix the
		// workflow definition.
		return s.failBeforeStart(ctx, exec, wf.Slug, fmt.Sprintf("invalid workflow graph: %v", err))
	}
	if err := s.topos.Save(ctx, executionID, topo); err != nil {
		return err
	}

	st := state.New(executionID, exec.TriggerPayload, exec.UserProfileID)
	if err := s.states.Save(ctx, executionID, st); err != nil {
		return err
	}

	claimed, err := s.executions.MarkRunning(ctx, execID)
	if err != nil {
		return err
	}
	if !claimed {
		s.logger.Warn("execution no longer pending, dropping start", "execution_id", executionID)
		return nil
	}

	s.events.Publish(ctx, executionID, wf.Slug, events.ExecutionStarted, map[string]interface{}{
		"workflow_id": exec.WorkflowID.String(),
	})

	s.startEpisode(ctx, exec)

	for _, entry := range topo.EntryNodeIDs {
		if err := s.enqueueNode(ctx, executionID, entry, 0); err != nil {
			return err
		}
	}

	s.logger.Info("execution started",
		"execution_id", executionID,
		"workflow", wf.Slug,
		"entry_nodes", len(topo.EntryNodeIDs))
	return nil
}

// ResumeNode feeds user input to an interrupted execution and re-enqueues
// the node that raised the interrupt. The pending task is consumed; a
// resume without one (expired, cancelled, duplicate) is dropped.
func (s *Scheduler) ResumeNode(ctx context.Context, executionID, userInput string) error {
	execID, err := uuid.Parse(executionID)
	if err != nil {
		return fmt.Errorf("invalid execution id %q: %w", executionID, err)
	}

	exec, err := s.executions.GetByID(ctx, execID)
	if errors.Is(err, repository.ErrNotFound) {
		s.logger.Warn("resume for unknown execution, dropping", "execution_id", executionID)
		return nil
	}
	if err != nil {
		return err
	}
	if exec.Status != models.StatusInterrupted {
		s.logger.Warn("resume for non-interrupted execution, dropping",
			"execution_id", executionID,
			"status", exec.Status)
		return nil
	}

	task, err := s.tasks.GetByExecution(ctx, execID)
	if errors.Is(err, repository.ErrNotFound) {
		s.logger.Warn("resume without pending task, dropping", "execution_id", executionID)
		return nil
	}
	if err != nil {
		return err
	}

	st, err := s.states.Load(ctx, executionID)
	if err != nil {
		return err
	}
	st.SetResumeInput(userInput)
	if err := s.states.Save(ctx, executionID, st); err != nil {
		return err
	}

	moved, err := s.executions.UpdateStatusIf(ctx, execID, models.StatusRunning, models.StatusInterrupted)
	if err != nil {
		return err
	}
	if !moved {
		s.logger.Warn("execution left interrupted state concurrently, dropping resume",
			"execution_id", executionID)
		return nil
	}

	if err := s.tasks.DeleteByExecution(ctx, execID); err != nil {
		s.logger.Warn("failed to delete pending task",
			"execution_id", executionID,
			"error", err)
	}

	s.events.Publish(ctx, executionID, s.workflowSlug(ctx, exec.WorkflowID), events.ExecutionResumed,
		map[string]interface{}{"node_id": task.NodeID})

	if err := s.enqueueNode(ctx, executionID, task.NodeID, 0); err != nil {
		return err
	}

	s.logger.Info("execution resumed",
		"execution_id", executionID,
		"node_id", task.NodeID)
	return nil
}

// CancelExecution moves a non-terminal execution to cancelled and tears
// down its footprint: the pending confirmation goes away, live children are
// cancelled recursively, coordination keys are removed. Workers holding a
// job for this execution observe the status at preflight and drop the work.
func (s *Scheduler) CancelExecution(ctx context.Context, executionID, reason string) error {
	execID, err := uuid.Parse(executionID)
	if err != nil {
		return fmt.Errorf("invalid execution id %q: %w", executionID, err)
	}

	exec, err := s.executions.GetByID(ctx, execID)
	if errors.Is(err, repository.ErrNotFound) {
		s.logger.Warn("cancel for unknown execution, dropping", "execution_id", executionID)
		return nil
	}
	if err != nil {
		return err
	}
	if exec.Status.IsTerminal() {
		return nil
	}

	if reason == "" {
		reason = "cancelled by user"
	}
	marked, err := s.executions.MarkTerminal(ctx, execID, repository.TerminalUpdate{
		Status:       models.StatusCancelled,
		ErrorMessage: &reason,
	})
	if err != nil {
		return err
	}
	if !marked {
		return nil
	}

	if err := s.tasks.DeleteByExecution(ctx, execID); err != nil {
		s.logger.Warn("failed to delete pending task on cancel",
			"execution_id", executionID,
			"error", err)
	}

	s.events.Publish(ctx, executionID, s.workflowSlug(ctx, exec.WorkflowID), events.ExecutionCancelled,
		map[string]interface{}{"reason": reason})

	s.cancelLiveChildren(ctx, exec, "parent execution cancelled")
	s.cleanup(ctx, executionID)

	s.logger.Info("execution cancelled",
		"execution_id", executionID,
		"reason", reason)
	return nil
}

// FailExecution moves an execution to failed, persisting whatever usage
// accumulated before the failure, then publishes and removes coordination
// keys. Already-terminal executions are left untouched.
func (s *Scheduler) FailExecution(ctx context.Context, exec *models.Execution, workflowSlug, reason string) error {
	executionID := exec.ExecutionID.String()

	upd := repository.TerminalUpdate{
		Status:       models.StatusFailed,
		ErrorMessage: &reason,
	}
	var usage state.Usage
	if st, err := s.states.Load(ctx, executionID); err == nil {
		usage = st.TokenUsage
		upd.TotalInputTokens = usage.InputTokens
		upd.TotalOutputTokens = usage.OutputTokens
		upd.TotalTokens = usage.TotalTokens
		upd.TotalCostUSD = usage.CostUSD
		upd.LLMCalls = usage.LLMCalls
	}

	marked, err := s.executions.MarkTerminal(ctx, exec.ExecutionID, upd)
	if err != nil {
		return err
	}
	if marked {
		s.budget.RecordSpend(ctx, exec, usage)
		s.events.Publish(ctx, executionID, workflowSlug, events.ExecutionFailed,
			map[string]interface{}{"error": reason})
		s.cancelLiveChildren(ctx, exec, "parent execution failed")
		s.logger.Error("execution failed",
			"execution_id", executionID,
			"error", reason)
	}

	s.cleanup(ctx, executionID)
	return nil
}

// failBeforeStart marks an execution that never reached running as failed.
// Only permanent boot errors land here: a missing workflow or a graph that
// does not compile.
func (s *Scheduler) failBeforeStart(ctx context.Context, exec *models.Execution, workflowSlug, reason string) error {
	executionID := exec.ExecutionID.String()

	marked, err := s.executions.MarkTerminal(ctx, exec.ExecutionID, repository.TerminalUpdate{
		Status:       models.StatusFailed,
		ErrorMessage: &reason,
	})
	if err != nil {
		return err
	}
	if marked {
		s.events.Publish(ctx, executionID, workflowSlug, events.ExecutionFailed,
			map[string]interface{}{"error": reason})
	}

	s.logger.Error("execution failed to start",
		"execution_id", executionID,
		"error", reason)
	s.cleanup(ctx, executionID)
	return nil
}

// cancelLiveChildren enforces that no child outlives its parent's terminal
// transition.
func (s *Scheduler) cancelLiveChildren(ctx context.Context, exec *models.Execution, reason string) {
	children, err := s.executions.ListLiveChildren(ctx, exec.ExecutionID)
	if err != nil {
		s.logger.Error("failed to list live children",
			"execution_id", exec.ExecutionID.String(),
			"error", err)
		return
	}
	for _, child := range children {
		if err := s.CancelExecution(ctx, child.ExecutionID.String(), reason); err != nil {
			s.logger.Error("failed to cancel child execution",
				"execution_id", exec.ExecutionID.String(),
				"child_execution_id", child.ExecutionID.String(),
				"error", err)
		}
	}
}

// loadGraph reads the workflow's node and edge rows. Errors here are
// transient DB failures, distinct from graph-compile errors.
func (s *Scheduler) loadGraph(ctx context.Context, workflowID uuid.UUID) ([]models.WorkflowNode, []models.WorkflowEdge, error) {
	nodePtrs, err := s.workflows.GetNodes(ctx, workflowID)
	if err != nil {
		return nil, nil, err
	}
	edgePtrs, err := s.workflows.GetEdges(ctx, workflowID)
	if err != nil {
		return nil, nil, err
	}

	nodes := make([]models.WorkflowNode, len(nodePtrs))
	for i, n := range nodePtrs {
		nodes[i] = *n
	}
	edges := make([]models.WorkflowEdge, len(edgePtrs))
	for i, e := range edgePtrs {
		edges[i] = *e
	}
	return nodes, edges, nil
}

// startEpisode opens a conversational memory episode and parks its handle
// in the coordination KV. Best-effort.
func (s *Scheduler) startEpisode(ctx context.Context, exec *models.Execution) {
	executionID := exec.ExecutionID.String()
	episodeID, err := s.memory.StartEpisode(ctx, executionID, exec.UserProfileID)
	if err != nil {
		s.logger.Warn("failed to start memory episode",
			"execution_id", executionID,
			"error", err)
		return
	}
	if episodeID == "" {
		return
	}
	if err := s.coord.SetEpisodeID(ctx, executionID, episodeID); err != nil {
		s.logger.Warn("failed to store episode id",
			"execution_id", executionID,
			"episode_id", episodeID,
			"error", err)
	}
}

// workflowSlug resolves a workflow's slug for event routing, best-effort
func (s *Scheduler) workflowSlug(ctx context.Context, workflowID uuid.UUID) string {
	wf, err := s.workflows.GetByID(ctx, workflowID)
	if err != nil {
		return ""
	}
	return wf.Slug
}

func (s *Scheduler) cleanup(ctx context.Context, executionID string) {
	if err := s.coord.Cleanup(ctx, executionID); err != nil {
		s.logger.Error("failed to clean up execution keys",
			"execution_id", executionID,
			"error", err)
	}
}
