package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/lyzr/nodeflow/cmd/api/handlers"
)

// RegisterEventRoutes registers the inbound event endpoint
func RegisterEventRoutes(e *echo.Echo, h *handlers.EventHandler, limit echo.MiddlewareFunc) {
	e.POST("/api/v1/events", h.Post, limit)
}
