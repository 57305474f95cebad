package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/lyzr/nodeflow/common/db"
	"github.com/lyzr/nodeflow/common/models"
)

// ErrNotFound is returned when a requested record does not exist
var ErrNotFound = errors.New("not found")

const executionColumns = `
	execution_id, workflow_id, trigger_node_id, parent_execution_id, parent_node_id,
	user_profile_id, epic_id, status, trigger_payload, started_at, completed_at,
	error_message, final_output, total_input_tokens, total_output_tokens,
	total_tokens, total_cost_usd, llm_calls, created_at, updated_at`

// ExecutionRepository handles database operations for executions
type ExecutionRepository struct {
	db *db.DB
}

// NewExecutionRepository creates a new execution repository
func NewExecutionRepository(database *db.DB) *ExecutionRepository {
	return &ExecutionRepository{db: database}
}

func scanExecution(row interface{ Scan(...any) error }) (*models.Execution, error) {
	exec := &models.Execution{}
	err := row.Scan(
		&exec.ExecutionID,
		&exec.WorkflowID,
		&exec.TriggerNodeID,
		&exec.ParentExecutionID,
		&exec.ParentNodeID,
		&exec.UserProfileID,
		&exec.EpicID,
		&exec.Status,
		&exec.TriggerPayload,
		&exec.StartedAt,
		&exec.CompletedAt,
		&exec.ErrorMessage,
		&exec.FinalOutput,
		&exec.TotalInputTokens,
		&exec.TotalOutputTokens,
		&exec.TotalTokens,
		&exec.TotalCostUSD,
		&exec.LLMCalls,
		&exec.CreatedAt,
		&exec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return exec, nil
}

func statusStrings(statuses []models.ExecutionStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

// Create inserts a new execution in status pending
func (r *ExecutionRepository) Create(ctx context.Context, exec *models.Execution) error {
	query := `
		INSERT INTO executions (
			execution_id, workflow_id, trigger_node_id, parent_execution_id, parent_node_id,
			user_profile_id, epic_id, status, trigger_payload, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())
	`

	_, err := r.db.Exec(
		ctx,
		query,
		exec.ExecutionID,
		exec.WorkflowID,
		exec.TriggerNodeID,
		exec.ParentExecutionID,
		exec.ParentNodeID,
		exec.UserProfileID,
		exec.EpicID,
		exec.Status,
		exec.TriggerPayload,
	)

	if err != nil {
		return fmt.Errorf("failed to create execution: %w", err)
	}

	return nil
}

// GetByID retrieves an execution by its ID
func (r *ExecutionRepository) GetByID(ctx context.Context, executionID uuid.UUID) (*models.Execution, error) {
	query := `SELECT` + executionColumns + `FROM executions WHERE execution_id = $1`

	exec, err := scanExecution(r.db.QueryRow(ctx, query, executionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("execution %s: %w", executionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}

	return exec, nil
}

// UpdateStatusIf transitions status only when the current status is one of
// the given from-statuses. Returns whether the transition happened.
func (r *ExecutionRepository) UpdateStatusIf(ctx context.Context, executionID uuid.UUID, to models.ExecutionStatus, from ...models.ExecutionStatus) (bool, error) {
	query := `
		UPDATE executions
		SET status = $2, updated_at = NOW()
		WHERE execution_id = $1 AND status = ANY($3)
	`

	tag, err := r.db.Exec(ctx, query, executionID, to, statusStrings(from))
	if err != nil {
		return false, fmt.Errorf("failed to update execution status: %w", err)
	}

	return tag.RowsAffected() > 0, nil
}

// MarkRunning claims a pending execution, stamping started_at.
// Returns false when the execution was not pending (duplicate delivery).
func (r *ExecutionRepository) MarkRunning(ctx context.Context, executionID uuid.UUID) (bool, error) {
	query := `
		UPDATE executions
		SET status = $2, started_at = NOW(), updated_at = NOW()
		WHERE execution_id = $1 AND status = $3
	`

	tag, err := r.db.Exec(ctx, query, executionID, models.StatusRunning, models.StatusPending)
	if err != nil {
		return false, fmt.Errorf("failed to mark execution running: %w", err)
	}

	return tag.RowsAffected() > 0, nil
}

// TerminalUpdate carries everything persisted on a terminal transition
type TerminalUpdate struct {
	Status       models.ExecutionStatus
	ErrorMessage *string
	FinalOutput  map[string]any

	TotalInputTokens  int64
	TotalOutputTokens int64
	TotalTokens       int64
	TotalCostUSD      float64
	LLMCalls          int64
}

// MarkTerminal moves an execution into a terminal status. The WHERE guard
// keeps terminal statuses sinks: a second call is a no-op returning false.
func (r *ExecutionRepository) MarkTerminal(ctx context.Context, executionID uuid.UUID, upd TerminalUpdate) (bool, error) {
	if !upd.Status.IsTerminal() {
		return false, fmt.Errorf("status %s is not terminal", upd.Status)
	}

	query := `
		UPDATE executions
		SET status = $2, error_message = $3, final_output = $4,
		    total_input_tokens = $5, total_output_tokens = $6, total_tokens = $7,
		    total_cost_usd = $8, llm_calls = $9,
		    completed_at = NOW(), updated_at = NOW()
		WHERE execution_id = $1 AND status = ANY($10)
	`

	tag, err := r.db.Exec(
		ctx,
		query,
		executionID,
		upd.Status,
		upd.ErrorMessage,
		upd.FinalOutput,
		upd.TotalInputTokens,
		upd.TotalOutputTokens,
		upd.TotalTokens,
		upd.TotalCostUSD,
		upd.LLMCalls,
		statusStrings(models.NonTerminalStatuses()),
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark execution terminal: %w", err)
	}

	return tag.RowsAffected() > 0, nil
}

// ListStaleRunning returns running executions started before the cutoff
// (zombie candidates)
func (r *ExecutionRepository) ListStaleRunning(ctx context.Context, cutoff time.Time, limit int) ([]*models.Execution, error) {
	query := `SELECT` + executionColumns + `
		FROM executions
		WHERE status = $1 AND started_at < $2
		ORDER BY started_at ASC
		LIMIT $3
	`

	rows, err := r.db.Query(ctx, query, models.StatusRunning, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale executions: %w", err)
	}
	defer rows.Close()

	var execs []*models.Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		execs = append(execs, exec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating executions: %w", err)
	}

	return execs, nil
}

// ListLiveChildren returns non-terminal child executions of a parent
func (r *ExecutionRepository) ListLiveChildren(ctx context.Context, parentExecutionID uuid.UUID) ([]*models.Execution, error) {
	query := `SELECT` + executionColumns + `
		FROM executions
		WHERE parent_execution_id = $1 AND status = ANY($2)
	`

	rows, err := r.db.Query(ctx, query, parentExecutionID, statusStrings(models.NonTerminalStatuses()))
	if err != nil {
		return nil, fmt.Errorf("failed to list child executions: %w", err)
	}
	defer rows.Close()

	var execs []*models.Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		execs = append(execs, exec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating executions: %w", err)
	}

	return execs, nil
}

// ListByWorkflow retrieves recent executions of a workflow
func (r *ExecutionRepository) ListByWorkflow(ctx context.Context, workflowID uuid.UUID, limit int) ([]*models.Execution, error) {
	query := `SELECT` + executionColumns + `
		FROM executions
		WHERE workflow_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := r.db.Query(ctx, query, workflowID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	var execs []*models.Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		execs = append(execs, exec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating executions: %w", err)
	}

	return execs, nil
}
