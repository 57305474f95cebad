package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/lyzr/nodeflow/cmd/api/handlers"
)

// RegisterWorkflowRoutes registers the read-only workflow catalog
func RegisterWorkflowRoutes(e *echo.Echo, h *handlers.WorkflowHandler) {
	workflows := e.Group("/api/v1/workflows")
	workflows.GET("", h.List)
	workflows.GET("/:slug", h.Get)
	workflows.GET("/:slug/executions", h.Executions)
}
