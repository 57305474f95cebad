// Package worker executes single workflow nodes pulled off the job
// queue: it resolves the node's component, invokes it against the
// execution state, applies the result contract, and hands control back
// to the scheduler. Retry, interruption, sub-workflow suspension and
// budget enforcement all live on this path.
//
// Every exit balances the inflight counter: the slot is released when
// this attempt is the end of the line (advancement, drops, interrupts,
// suspensions), and left held when a replacement retry job inherits it.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lyzr/nodeflow/cmd/engine/components"
	"github.com/lyzr/nodeflow/cmd/engine/coordination"
	"github.com/lyzr/nodeflow/cmd/engine/events"
	"github.com/lyzr/nodeflow/cmd/engine/scheduler"
	"github.com/lyzr/nodeflow/cmd/engine/state"
	"github.com/lyzr/nodeflow/cmd/engine/topology"
	"github.com/lyzr/nodeflow/common/config"
	"github.com/lyzr/nodeflow/common/models"
	"github.com/lyzr/nodeflow/common/queue"
	"github.com/lyzr/nodeflow/common/redis"
	"github.com/lyzr/nodeflow/common/repository"
)

// Logger interface for worker logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// ExecutionStore is the executions table surface the worker needs.
// Satisfied by repository.ExecutionRepository.
type ExecutionStore interface {
	GetByID(ctx context.Context, executionID uuid.UUID) (*models.Execution, error)
	UpdateStatusIf(ctx context.Context, executionID uuid.UUID, to models.ExecutionStatus, from ...models.ExecutionStatus) (bool, error)
}

// ConfigSource loads shared component defaults.
// Satisfied by repository.WorkflowRepository.
type ConfigSource interface {
	GetComponentConfig(ctx context.Context, configID uuid.UUID) (*models.ComponentConfig, error)
}

// TaskWriter persists the pending confirmation behind an interrupt.
// Satisfied by repository.PendingTaskRepository.
type TaskWriter interface {
	Create(ctx context.Context, task *models.PendingTask) error
}

// AttemptLog records one row per node attempt.
// Satisfied by repository.ExecutionLogRepository.
type AttemptLog interface {
	Append(ctx context.Context, entry *models.ExecutionLog) error
}

// BudgetGuard checks accumulated spend after each node.
// Satisfied by budget.Guard.
type BudgetGuard interface {
	Check(ctx context.Context, exec *models.Execution, usage state.Usage) string
}

// Deps wires the worker's collaborators
type Deps struct {
	Executions ExecutionStore
	Configs    ConfigSource
	Tasks      TaskWriter
	Logs       AttemptLog

	Registry *components.Registry
	Sched    *scheduler.Scheduler

	Coord  *coordination.Coordinator
	States *state.Store
	Topos  *topology.Store
	Queue  queue.Enqueuer
	Events *events.Publisher

	Budget BudgetGuard
	Engine config.EngineConfig
	Logger Logger
}

// Worker runs node attempts for the execute_node job type
type Worker struct {
	executions ExecutionStore
	configs    ConfigSource
	tasks      TaskWriter
	logs       AttemptLog
	registry   *components.Registry
	sched      *scheduler.Scheduler
	coord      *coordination.Coordinator
	states     *state.Store
	topos      *topology.Store
	queue      queue.Enqueuer
	events     *events.Publisher
	budget     BudgetGuard
	engine     config.EngineConfig
	logger     Logger
}

// New creates a node worker from its dependency set
func New(d Deps) *Worker {
	return &Worker{
		executions: d.Executions,
		configs:    d.Configs,
		tasks:      d.Tasks,
		logs:       d.Logs,
		registry:   d.Registry,
		sched:      d.Sched,
		coord:      d.Coord,
		states:     d.States,
		topos:      d.Topos,
		queue:      d.Queue,
		events:     d.Events,
		budget:     d.Budget,
		engine:     d.Engine,
		logger:     d.Logger,
	}
}

// ExecuteNode runs one node attempt end to end. Domain failures (retry,
// permanent error, budget, interrupt, suspension) are handled here and
// return nil; only infrastructure errors escape to the queue's failure
// callback.
func (w *Worker) ExecuteNode(ctx context.Context, job *queue.Job) error {
	executionID := job.ExecutionID
	nodeID := job.NodeID

	execID, err := uuid.Parse(executionID)
	if err != nil {
		w.logger.Error("node job with invalid execution id, dropping",
			"execution_id", executionID,
			"node_id", nodeID,
			"error", err)
		return nil
	}

	// 1. Preflight. Only running and interrupted executions get work;
	// anything else gives the slot back, finalizing when it was the last.
	exec, err := w.executions.GetByID(ctx, execID)
	if errors.Is(err, repository.ErrNotFound) {
		w.logger.Warn("node job for unknown execution, dropping",
			"execution_id", executionID,
			"node_id", nodeID)
		return w.sched.DecrementAndMaybeFinalize(ctx, executionID)
	}
	if err != nil {
		return err
	}
	if exec.Status != models.StatusRunning && exec.Status != models.StatusInterrupted {
		w.logger.Debug("execution inactive at preflight, dropping node job",
			"execution_id", executionID,
			"node_id", nodeID,
			"status", string(exec.Status))
		return w.sched.DecrementAndMaybeFinalize(ctx, executionID)
	}

	// 2. Topology and node metadata from the KV cache.
	topo, err := w.topos.Load(ctx, executionID)
	if errors.Is(err, redis.ErrKeyNotFound) {
		w.logger.Error("topology cache missing for live execution",
			"execution_id", executionID,
			"node_id", nodeID)
		_, derr := w.coord.DecrementInflight(ctx, executionID)
		return derr
	}
	if err != nil {
		return err
	}
	node, ok := topo.Node(nodeID)
	if !ok {
		w.logger.Error("node not in topology, dropping job",
			"execution_id", executionID,
			"node_id", nodeID)
		return w.sched.DecrementAndMaybeFinalize(ctx, executionID)
	}

	st, err := w.states.Load(ctx, executionID)
	if err != nil {
		return err
	}
	// A resumed execution re-runs the interrupted node carrying the
	// user's input; static interrupt gates must not fire again on it.
	resumed := st.ResumeInput != nil

	// 3. Pre-invocation interrupt gate.
	if node.InterruptBefore && !resumed {
		return w.interrupt(ctx, exec, topo, node, nil)
	}

	// 4. Assemble config and resolve the component. Resolution failures
	// go through the same classification as run failures.
	startedAt := time.Now()
	cfg, err := w.nodeConfig(ctx, node)
	if err != nil {
		return w.attemptFailed(ctx, exec, topo, node, job, st, startedAt, err)
	}
	component, err := w.registry.Build(node, cfg)
	if err != nil {
		return w.attemptFailed(ctx, exec, topo, node, job, st, startedAt, err)
	}

	// 5. Invoke with timing.
	w.events.PublishNodeStatus(ctx, executionID, topo.WorkflowSlug, events.NodeUpdate{
		NodeID: nodeID,
		Status: events.NodeRunning,
	})
	result, err := w.invoke(ctx, component, st)
	if err != nil {
		return w.attemptFailed(ctx, exec, topo, node, job, st, startedAt, err)
	}

	// 6. Apply the result contract and persist state. Leftover resume
	// input is consumed here so it cannot leak into successor gates.
	outcome, err := applyResult(st, nodeID, result)
	if err != nil {
		return w.attemptFailed(ctx, exec, topo, node, job, st, startedAt, err)
	}
	if resumed {
		st.TakeResumeInput()
	}
	if err := w.states.Save(ctx, executionID, st); err != nil {
		return err
	}

	durationMS := time.Since(startedAt).Milliseconds()

	// 7. One log row per attempt. A suspending node is waiting, not done.
	attemptStatus := models.AttemptCompleted
	if outcome.suspend != nil {
		attemptStatus = models.AttemptWaiting
	}
	w.appendLog(ctx, &models.ExecutionLog{
		ExecutionID: exec.ExecutionID,
		NodeID:      nodeID,
		Status:      attemptStatus,
		DurationMS:  durationMS,
		StartedAt:   startedAt,
		Output:      outcome.portData,
	})
	if outcome.suspend == nil {
		w.events.PublishNodeStatus(ctx, executionID, topo.WorkflowSlug, events.NodeUpdate{
			NodeID:     nodeID,
			Status:     events.NodeCompleted,
			DurationMS: durationMS,
			Output:     outcome.portData,
		})
	}

	// 8. Budget gate.
	if reason := w.budget.Check(ctx, exec, st.TokenUsage); reason != "" {
		return w.sched.FailExecution(ctx, exec, topo.WorkflowSlug, reason)
	}

	// 9. Post-invocation interrupt: the static gate, or a dynamic
	// _interrupt signal from the component itself.
	if outcome.interrupt != nil || (node.InterruptAfter && !resumed) {
		return w.interrupt(ctx, exec, topo, node, outcome.interrupt)
	}

	// 10. Sub-workflow suspension: the node parks until resume_from_child
	// re-enqueues it, so the slot is released without a finalize check.
	if outcome.suspend != nil {
		w.events.PublishNodeStatus(ctx, executionID, topo.WorkflowSlug, events.NodeUpdate{
			NodeID: nodeID,
			Status: events.NodeWaiting,
		})
		w.logger.Info("node suspended on child execution",
			"execution_id", executionID,
			"node_id", nodeID,
			"child_execution_id", outcome.suspend["child_execution_id"])
		_, derr := w.coord.DecrementInflight(ctx, executionID)
		return derr
	}

	// 11. Advance: seed the loop body or route along the edges.
	if outcome.loopSeed {
		return w.sched.SeedLoop(ctx, executionID, nodeID, outcome.loopItems, topo, st, outcome.delay)
	}
	return w.sched.Advance(ctx, executionID, nodeID, topo, st, outcome.delay)
}

// nodeConfig merges the shared component defaults under the node's
// overrides. Only nodes bound to a component_config row pay the DB read;
// the overrides ride in the cached topology.
func (w *Worker) nodeConfig(ctx context.Context, node *topology.NodeInfo) (map[string]interface{}, error) {
	var defaults map[string]interface{}
	if node.ComponentConfigID != nil {
		row, err := w.configs.GetComponentConfig(ctx, *node.ComponentConfigID)
		if err != nil {
			return nil, fmt.Errorf("failed to load component config for node %s: %w", node.NodeID, err)
		}
		defaults = row.Defaults
	}
	return components.AssembleConfig(defaults, node.Config)
}

// invoke runs the component, converting a panic into an ordinary error
// so one broken node cannot take the consumer down.
func (w *Worker) invoke(ctx context.Context, component components.Component, st *state.State) (result map[string]interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("component panicked: %v", r)
		}
	}()
	return component.Run(ctx, st)
}

// appendLog writes one attempt row. Log rows are diagnostics; a write
// failure must not undo the node's work.
func (w *Worker) appendLog(ctx context.Context, entry *models.ExecutionLog) {
	if err := w.logs.Append(ctx, entry); err != nil {
		w.logger.Warn("failed to append execution log",
			"execution_id", entry.ExecutionID.String(),
			"node_id", entry.NodeID,
			"error", err)
	}
}
