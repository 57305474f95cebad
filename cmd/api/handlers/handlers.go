// Package handlers implements the HTTP surface of the engine: starting
// and inspecting executions, resuming interrupted ones, and offering
// events to trigger matching. Handlers validate and enqueue; the engine
// workers own all execution semantics.
package handlers

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/lyzr/nodeflow/common/config"
	"github.com/lyzr/nodeflow/common/dispatch"
	"github.com/lyzr/nodeflow/common/models"
	"github.com/lyzr/nodeflow/common/queue"
	"github.com/lyzr/nodeflow/common/ratelimit"
)

// Logger interface for handler logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// WorkflowSource is the workflow surface the API reads.
// Satisfied by repository.WorkflowRepository.
type WorkflowSource interface {
	GetBySlug(ctx context.Context, slug string) (*models.Workflow, error)
	ListActive(ctx context.Context) ([]*models.Workflow, error)
	GetNodes(ctx context.Context, workflowID uuid.UUID) ([]*models.WorkflowNode, error)
}

// ExecutionStore is the executions surface the API reads and writes.
// Satisfied by repository.ExecutionRepository.
type ExecutionStore interface {
	Create(ctx context.Context, exec *models.Execution) error
	GetByID(ctx context.Context, executionID uuid.UUID) (*models.Execution, error)
	ListByWorkflow(ctx context.Context, workflowID uuid.UUID, limit int) ([]*models.Execution, error)
}

// LogSource lists per-node attempt rows.
// Satisfied by repository.ExecutionLogRepository.
type LogSource interface {
	ListByExecution(ctx context.Context, executionID uuid.UUID) ([]*models.ExecutionLog, error)
}

// TaskSource reads pending confirmation tasks.
// Satisfied by repository.PendingTaskRepository.
type TaskSource interface {
	GetByExecution(ctx context.Context, executionID uuid.UUID) (*models.PendingTask, error)
}

// EventDispatcher fans events out to matching trigger nodes.
// Satisfied by dispatch.Dispatcher.
type EventDispatcher interface {
	Dispatch(ctx context.Context, event dispatch.Event) ([]uuid.UUID, error)
}

// Deps wires the collaborators shared by the API handlers
type Deps struct {
	Executions ExecutionStore
	Workflows  WorkflowSource
	Logs       LogSource
	Tasks      TaskSource
	Dispatcher EventDispatcher
	Queue      queue.Enqueuer

	Limiter   *ratelimit.RateLimiter
	RateLimit config.RateLimitConfig

	Logger Logger
}

// errorJSON writes a uniform error body
func errorJSON(c echo.Context, status int, msg string) error {
	return c.JSON(status, map[string]interface{}{"error": msg})
}

// parseExecutionID parses the :id route param. On a malformed id it
// writes the 400 itself; callers check for uuid.Nil and return the
// error as-is.
func parseExecutionID(c echo.Context) (uuid.UUID, error) {
	executionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, errorJSON(c, http.StatusBadRequest, "invalid execution id")
	}
	return executionID, nil
}
