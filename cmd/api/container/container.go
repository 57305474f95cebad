// Package container wires the API's repositories and shared services
// once at startup.
package container

import (
	"github.com/lyzr/nodeflow/common/bootstrap"
	"github.com/lyzr/nodeflow/common/dispatch"
	"github.com/lyzr/nodeflow/common/ratelimit"
	"github.com/lyzr/nodeflow/common/repository"
)

// Container holds all initialized repositories and services
type Container struct {
	Components *bootstrap.Components

	Executions *repository.ExecutionRepository
	Workflows  *repository.WorkflowRepository
	Logs       *repository.ExecutionLogRepository
	Tasks      *repository.PendingTaskRepository

	Dispatcher *dispatch.Dispatcher
	Limiter    *ratelimit.RateLimiter
}

// NewContainer initializes all repositories and services once
func NewContainer(svc *bootstrap.Components) *Container {
	executions := repository.NewExecutionRepository(svc.DB)
	workflows := repository.NewWorkflowRepository(svc.DB)

	return &Container{
		Components: svc,
		Executions: executions,
		Workflows:  workflows,
		Logs:       repository.NewExecutionLogRepository(svc.DB),
		Tasks:      repository.NewPendingTaskRepository(svc.DB),
		Dispatcher: dispatch.NewDispatcher(workflows, executions, svc.Queue, svc.Logger),
		Limiter:    ratelimit.NewRateLimiter(svc.Redis.GetUnderlying(), svc.Logger),
	}
}
