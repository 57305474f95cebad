package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/lyzr/nodeflow/common/models"
	"github.com/lyzr/nodeflow/common/repository"
)

// defaultExecutionListLimit bounds the recent-executions listing
const (
	defaultExecutionListLimit = 20
	maxExecutionListLimit     = 100
)

// WorkflowHandler handles workflow catalog requests
type WorkflowHandler struct {
	workflows  WorkflowSource
	executions ExecutionStore
	logger     Logger
}

// NewWorkflowHandler creates a workflow handler
func NewWorkflowHandler(d Deps) *WorkflowHandler {
	return &WorkflowHandler{
		workflows:  d.Workflows,
		executions: d.Executions,
		logger:     d.Logger,
	}
}

// List returns all active workflows
// GET /api/v1/workflows
func (h *WorkflowHandler) List(c echo.Context) error {
	workflows, err := h.workflows.ListActive(c.Request().Context())
	if err != nil {
		h.logger.Error("failed to list workflows", "error", err)
		return errorJSON(c, http.StatusInternalServerError, "failed to list workflows")
	}
	if workflows == nil {
		workflows = []*models.Workflow{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"workflows": workflows})
}

// Get returns one workflow by slug
// GET /api/v1/workflows/:slug
func (h *WorkflowHandler) Get(c echo.Context) error {
	slug := c.Param("slug")
	wf, err := h.workflows.GetBySlug(c.Request().Context(), slug)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return errorJSON(c, http.StatusNotFound, "workflow not found")
		}
		h.logger.Error("failed to load workflow", "slug", slug, "error", err)
		return errorJSON(c, http.StatusInternalServerError, "failed to load workflow")
	}
	return c.JSON(http.StatusOK, wf)
}

// Executions lists the workflow's recent executions, newest first
// GET /api/v1/workflows/:slug/executions?limit=20
func (h *WorkflowHandler) Executions(c echo.Context) error {
	ctx := c.Request().Context()

	slug := c.Param("slug")
	wf, err := h.workflows.GetBySlug(ctx, slug)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return errorJSON(c, http.StatusNotFound, "workflow not found")
		}
		h.logger.Error("failed to load workflow", "slug", slug, "error", err)
		return errorJSON(c, http.StatusInternalServerError, "failed to load workflow")
	}

	limit := defaultExecutionListLimit
	if raw := c.QueryParam("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			return errorJSON(c, http.StatusBadRequest, "invalid limit")
		}
		limit = parsed
	}
	if limit > maxExecutionListLimit {
		limit = maxExecutionListLimit
	}

	executions, err := h.executions.ListByWorkflow(ctx, wf.WorkflowID, limit)
	if err != nil {
		h.logger.Error("failed to list executions", "slug", slug, "error", err)
		return errorJSON(c, http.StatusInternalServerError, "failed to list executions")
	}
	if executions == nil {
		executions = []*models.Execution{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"executions": executions})
}
