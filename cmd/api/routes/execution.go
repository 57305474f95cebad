package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/lyzr/nodeflow/cmd/api/handlers"
)

// RegisterExecutionRoutes registers execution lifecycle routes. The
// rate limit middleware guards the one route that creates work.
func RegisterExecutionRoutes(e *echo.Echo, h *handlers.ExecutionHandler, limit echo.MiddlewareFunc) {
	e.POST("/api/v1/workflows/:slug/executions", h.Start, limit)

	executions := e.Group("/api/v1/executions")
	executions.GET("/:id", h.Get)
	executions.GET("/:id/logs", h.Logs)
	executions.GET("/:id/pending-task", h.PendingTask)
	executions.POST("/:id/resume", h.Resume)
	executions.POST("/:id/cancel", h.Cancel)
}
