// Package recovery repairs executions the normal pipeline lost track
// of. A worker can die between picking up a job and releasing its
// inflight slot; a human can ignore a confirmation forever; a handler
// can hit infrastructure trouble no retry will fix. The sweeper walks
// the database on an interval and resolves each case to a terminal
// status so nothing stays running on paper only.
package recovery

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lyzr/nodeflow/cmd/engine/scheduler"
	"github.com/lyzr/nodeflow/common/config"
	"github.com/lyzr/nodeflow/common/models"
	"github.com/lyzr/nodeflow/common/queue"
)

// sweepBatch caps how many rows one tick repairs; stragglers wait for
// the next tick
const sweepBatch = 100

// Logger interface for recovery logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// ExecutionSource finds executions needing repair
type ExecutionSource interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Execution, error)
	ListStaleRunning(ctx context.Context, cutoff time.Time, limit int) ([]*models.Execution, error)
}

// TaskSource finds confirmation requests whose deadline passed
type TaskSource interface {
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*models.PendingTask, error)
}

// WorkflowSource resolves workflow slugs for event channels
type WorkflowSource interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Workflow, error)
}

// Deps carries the sweeper's collaborators
type Deps struct {
	Executions ExecutionSource
	Tasks      TaskSource
	Workflows  WorkflowSource
	Sched      *scheduler.Scheduler
	Engine     config.EngineConfig
	Logger     Logger
}

// Sweeper drives periodic recovery and fields queue failure callbacks
type Sweeper struct {
	executions ExecutionSource
	tasks      TaskSource
	workflows  WorkflowSource
	sched      *scheduler.Scheduler
	interval   time.Duration
	threshold  time.Duration
	logger     Logger
}

// New creates a sweeper. Missing intervals fall back to one-minute
// sweeps and the fifteen-minute zombie threshold.
func New(d Deps) *Sweeper {
	interval := d.Engine.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	threshold := d.Engine.ZombieThreshold
	if threshold <= 0 {
		threshold = 15 * time.Minute
	}
	return &Sweeper{
		executions: d.Executions,
		tasks:      d.Tasks,
		workflows:  d.Workflows,
		sched:      d.Sched,
		interval:   interval,
		threshold:  threshold,
		logger:     d.Logger,
	}
}

// Start runs the sweep loop until the context is cancelled. It returns
// immediately; the loop runs on its own goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Sweep(ctx)
			}
		}
	}()
}

// Sweep runs one repair pass over zombies and expired confirmations
func (s *Sweeper) Sweep(ctx context.Context) {
	s.sweepZombies(ctx)
	s.sweepExpiredConfirmations(ctx)
}

// sweepZombies fails running executions whose worker stopped reporting.
// started_at is the reference point: an execution legitimately waiting
// on a confirmation is interrupted, not running, so it never matches.
func (s *Sweeper) sweepZombies(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.threshold)
	stale, err := s.executions.ListStaleRunning(ctx, cutoff, sweepBatch)
	if err != nil {
		s.logger.Error("zombie sweep query failed", "error", err)
		return
	}

	for _, exec := range stale {
		s.logger.Warn("recovering zombie execution",
			"execution_id", exec.ExecutionID.String(),
			"started_at", exec.StartedAt)
		if err := s.sched.FailExecution(ctx, exec, s.workflowSlug(ctx, exec), "zombie execution recovered"); err != nil {
			s.logger.Error("failed to recover zombie execution",
				"execution_id", exec.ExecutionID.String(),
				"error", err)
		}
	}
}

// sweepExpiredConfirmations cancels interrupted executions whose
// pending task outlived its deadline
func (s *Sweeper) sweepExpiredConfirmations(ctx context.Context) {
	expired, err := s.tasks.ListExpired(ctx, time.Now().UTC(), sweepBatch)
	if err != nil {
		s.logger.Error("expired confirmation query failed", "error", err)
		return
	}

	for _, task := range expired {
		s.logger.Warn("cancelling execution with expired confirmation",
			"execution_id", task.ExecutionID.String(),
			"node_id", task.NodeID,
			"expires_at", task.ExpiresAt)
		if err := s.sched.CancelExecution(ctx, task.ExecutionID.String(), "confirmation request expired"); err != nil {
			s.logger.Error("failed to cancel expired confirmation",
				"execution_id", task.ExecutionID.String(),
				"error", err)
		}
	}
}

// OnJobFailure is the queue failure callback. An error escaping a job
// handler means infrastructure trouble the retry machinery never saw,
// so the execution fails now instead of hanging until the zombie
// sweep. Everything here is best effort: the callback must never take
// down the consumer.
func (s *Sweeper) OnJobFailure(ctx context.Context, job *queue.Job, jobErr error) {
	if job == nil || job.ExecutionID == "" {
		return
	}
	execID, err := uuid.Parse(job.ExecutionID)
	if err != nil {
		s.logger.Error("job failed with unparsable execution id",
			"execution_id", job.ExecutionID,
			"error", jobErr)
		return
	}

	exec, err := s.executions.GetByID(ctx, execID)
	if err != nil {
		s.logger.Error("job failed for unknown execution",
			"execution_id", job.ExecutionID,
			"job_type", job.Type,
			"error", jobErr)
		return
	}
	if exec.Status != models.StatusRunning {
		s.logger.Warn("job failed for non-running execution, leaving it alone",
			"execution_id", job.ExecutionID,
			"status", exec.Status,
			"error", jobErr)
		return
	}

	reason := fmt.Sprintf("job failed: %s", jobErr)
	if err := s.sched.FailExecution(ctx, exec, s.workflowSlug(ctx, exec), reason); err != nil {
		s.logger.Error("failed to mark execution failed after job failure",
			"execution_id", job.ExecutionID,
			"error", err)
	}
}

// workflowSlug is best effort; failure events survive an empty slug
func (s *Sweeper) workflowSlug(ctx context.Context, exec *models.Execution) string {
	wf, err := s.workflows.GetByID(ctx, exec.WorkflowID)
	if err != nil {
		return ""
	}
	return wf.Slug
}
