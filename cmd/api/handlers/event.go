package handlers

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/lyzr/nodeflow/cmd/api/middleware"
	"github.com/lyzr/nodeflow/common/dispatch"
)

// EventHandler offers inbound events to trigger matching
type EventHandler struct {
	dispatcher EventDispatcher
	logger     Logger
}

// NewEventHandler creates an event handler
func NewEventHandler(d Deps) *EventHandler {
	return &EventHandler{
		dispatcher: d.Dispatcher,
		logger:     d.Logger,
	}
}

// Post matches one event against all active trigger nodes and returns
// the executions it started. Zero matches is a successful dispatch.
// POST /api/v1/events
func (h *EventHandler) Post(c echo.Context) error {
	ctx := c.Request().Context()

	userID, err := middleware.RequireUser(c)
	if userID == "" {
		return err
	}

	var req struct {
		Source  string                 `json:"source"`
		Payload map[string]interface{} `json:"payload"`
		EpicID  *string                `json:"epic_id"`
	}
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid request body")
	}
	if req.Source == "" {
		return errorJSON(c, http.StatusBadRequest, "source is required")
	}

	started, err := h.dispatcher.Dispatch(ctx, dispatch.Event{
		Source:        req.Source,
		Payload:       req.Payload,
		UserProfileID: userID,
		EpicID:        req.EpicID,
	})
	if err != nil {
		h.logger.Error("event dispatch failed", "source", req.Source, "error", err)
		return errorJSON(c, http.StatusInternalServerError, "failed to dispatch event")
	}
	if started == nil {
		started = []uuid.UUID{}
	}

	return c.JSON(http.StatusAccepted, map[string]interface{}{
		"execution_ids": started,
	})
}
