package handlers

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/lyzr/nodeflow/cmd/api/middleware"
	"github.com/lyzr/nodeflow/common/config"
	"github.com/lyzr/nodeflow/common/models"
	"github.com/lyzr/nodeflow/common/queue"
	"github.com/lyzr/nodeflow/common/ratelimit"
	"github.com/lyzr/nodeflow/common/repository"
)

// ExecutionHandler handles execution lifecycle requests
type ExecutionHandler struct {
	executions ExecutionStore
	workflows  WorkflowSource
	logs       LogSource
	tasks      TaskSource
	queue      queue.Enqueuer
	limiter    *ratelimit.RateLimiter
	rateCfg    config.RateLimitConfig
	logger     Logger
}

// NewExecutionHandler creates an execution handler
func NewExecutionHandler(d Deps) *ExecutionHandler {
	return &ExecutionHandler{
		executions: d.Executions,
		workflows:  d.Workflows,
		logs:       d.Logs,
		tasks:      d.Tasks,
		queue:      d.Queue,
		limiter:    d.Limiter,
		rateCfg:    d.RateLimit,
		logger:     d.Logger,
	}
}

// Start creates one pending execution of the workflow and queues its
// start job
// POST /api/v1/workflows/:slug/executions
func (h *ExecutionHandler) Start(c echo.Context) error {
	ctx := c.Request().Context()

	userID, err := middleware.RequireUser(c)
	if userID == "" {
		return err
	}

	var req struct {
		TriggerPayload map[string]interface{} `json:"trigger_payload"`
		TriggerNodeID  *string                `json:"trigger_node_id"`
		EpicID         *string                `json:"epic_id"`
	}
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid request body")
	}

	slug := c.Param("slug")
	wf, err := h.workflows.GetBySlug(ctx, slug)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return errorJSON(c, http.StatusNotFound, "workflow not found")
		}
		h.logger.Error("failed to load workflow", "slug", slug, "error", err)
		return errorJSON(c, http.StatusInternalServerError, "failed to load workflow")
	}
	if !wf.IsActive {
		return errorJSON(c, http.StatusConflict, "workflow is not active")
	}

	if rejected, err := h.checkStartQuota(c, userID, wf); rejected {
		return err
	}

	exec := &models.Execution{
		ExecutionID:    uuid.New(),
		WorkflowID:     wf.WorkflowID,
		TriggerNodeID:  req.TriggerNodeID,
		UserProfileID:  userID,
		EpicID:         req.EpicID,
		Status:         models.StatusPending,
		TriggerPayload: req.TriggerPayload,
	}
	if err := h.executions.Create(ctx, exec); err != nil {
		h.logger.Error("failed to create execution", "workflow", wf.Slug, "error", err)
		return errorJSON(c, http.StatusInternalServerError, "failed to create execution")
	}

	job := &queue.Job{Type: queue.TypeStartExecution, ExecutionID: exec.ExecutionID.String()}
	if err := h.queue.Enqueue(ctx, job); err != nil {
		h.logger.Error("failed to enqueue start job", "execution_id", exec.ExecutionID, "error", err)
		return errorJSON(c, http.StatusInternalServerError, "failed to queue execution")
	}

	return c.JSON(http.StatusAccepted, map[string]interface{}{
		"execution_id": exec.ExecutionID,
	})
}

// checkStartQuota applies the tier-aware start limit: workflows with
// more agent and subworkflow nodes get tighter quotas. Counter and
// lookup failures fail open.
func (h *ExecutionHandler) checkStartQuota(c echo.Context, userID string, wf *models.Workflow) (bool, error) {
	if !h.rateCfg.Enabled {
		return false, nil
	}
	ctx := c.Request().Context()

	nodes, err := h.workflows.GetNodes(ctx, wf.WorkflowID)
	if err != nil {
		h.logger.Warn("failed to load nodes for tier check, allowing start",
			"workflow", wf.Slug,
			"error", err)
		return false, nil
	}
	flat := make([]models.WorkflowNode, len(nodes))
	for i, node := range nodes {
		flat[i] = *node
	}
	profile := ratelimit.InspectWorkflow(flat)

	result, err := h.limiter.CheckTieredLimit(ctx, userID, profile.Tier)
	if err != nil {
		return false, nil
	}
	if !result.Allowed {
		return true, c.JSON(http.StatusTooManyRequests, map[string]interface{}{
			"error":               "workflow start quota exceeded",
			"tier":                string(profile.Tier),
			"limit":               result.Limit,
			"retry_after_seconds": result.RetryAfterSeconds,
		})
	}
	return false, nil
}

// Get returns the execution row
// GET /api/v1/executions/:id
func (h *ExecutionHandler) Get(c echo.Context) error {
	executionID, err := parseExecutionID(c)
	if executionID == uuid.Nil {
		return err
	}

	exec, err := h.executions.GetByID(c.Request().Context(), executionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return errorJSON(c, http.StatusNotFound, "execution not found")
		}
		h.logger.Error("failed to load execution", "execution_id", executionID, "error", err)
		return errorJSON(c, http.StatusInternalServerError, "failed to load execution")
	}
	return c.JSON(http.StatusOK, exec)
}

// Logs returns the per-node attempt rows, oldest first
// GET /api/v1/executions/:id/logs
func (h *ExecutionHandler) Logs(c echo.Context) error {
	executionID, err := parseExecutionID(c)
	if executionID == uuid.Nil {
		return err
	}

	entries, err := h.logs.ListByExecution(c.Request().Context(), executionID)
	if err != nil {
		h.logger.Error("failed to load execution logs", "execution_id", executionID, "error", err)
		return errorJSON(c, http.StatusInternalServerError, "failed to load logs")
	}
	if entries == nil {
		entries = []*models.ExecutionLog{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"logs": entries})
}

// PendingTask returns the confirmation the execution is waiting on
// GET /api/v1/executions/:id/pending-task
func (h *ExecutionHandler) PendingTask(c echo.Context) error {
	executionID, err := parseExecutionID(c)
	if executionID == uuid.Nil {
		return err
	}

	task, err := h.tasks.GetByExecution(c.Request().Context(), executionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return errorJSON(c, http.StatusNotFound, "no pending task for execution")
		}
		h.logger.Error("failed to load pending task", "execution_id", executionID, "error", err)
		return errorJSON(c, http.StatusInternalServerError, "failed to load pending task")
	}
	return c.JSON(http.StatusOK, task)
}

// Resume feeds the user's reply to an interrupted execution
// POST /api/v1/executions/:id/resume
func (h *ExecutionHandler) Resume(c echo.Context) error {
	ctx := c.Request().Context()

	executionID, err := parseExecutionID(c)
	if executionID == uuid.Nil {
		return err
	}

	var req struct {
		UserInput string `json:"user_input"`
	}
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid request body")
	}

	exec, err := h.executions.GetByID(ctx, executionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return errorJSON(c, http.StatusNotFound, "execution not found")
		}
		h.logger.Error("failed to load execution", "execution_id", executionID, "error", err)
		return errorJSON(c, http.StatusInternalServerError, "failed to load execution")
	}
	if exec.Status != models.StatusInterrupted {
		return errorJSON(c, http.StatusConflict,
			fmt.Sprintf("execution is %s, only interrupted executions can be resumed", exec.Status))
	}

	job := &queue.Job{
		Type:        queue.TypeResumeNode,
		ExecutionID: executionID.String(),
		UserInput:   req.UserInput,
	}
	if err := h.queue.Enqueue(ctx, job); err != nil {
		h.logger.Error("failed to enqueue resume job", "execution_id", executionID, "error", err)
		return errorJSON(c, http.StatusInternalServerError, "failed to queue resume")
	}

	return c.JSON(http.StatusAccepted, map[string]interface{}{
		"execution_id": executionID,
		"status":       "resuming",
	})
}

// Cancel stops a live execution
// POST /api/v1/executions/:id/cancel
func (h *ExecutionHandler) Cancel(c echo.Context) error {
	ctx := c.Request().Context()

	executionID, err := parseExecutionID(c)
	if executionID == uuid.Nil {
		return err
	}

	var req struct {
		Reason string `json:"reason"`
	}
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid request body")
	}
	if req.Reason == "" {
		req.Reason = "cancelled by user"
	}

	exec, err := h.executions.GetByID(ctx, executionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return errorJSON(c, http.StatusNotFound, "execution not found")
		}
		h.logger.Error("failed to load execution", "execution_id", executionID, "error", err)
		return errorJSON(c, http.StatusInternalServerError, "failed to load execution")
	}
	if exec.Status.IsTerminal() {
		return errorJSON(c, http.StatusConflict,
			fmt.Sprintf("execution already finished with status %s", exec.Status))
	}

	job := &queue.Job{
		Type:        queue.TypeCancelExecution,
		ExecutionID: executionID.String(),
		Reason:      req.Reason,
	}
	if err := h.queue.Enqueue(ctx, job); err != nil {
		h.logger.Error("failed to enqueue cancel job", "execution_id", executionID, "error", err)
		return errorJSON(c, http.StatusInternalServerError, "failed to queue cancel")
	}

	return c.JSON(http.StatusAccepted, map[string]interface{}{
		"execution_id": executionID,
		"status":       "cancelling",
	})
}
