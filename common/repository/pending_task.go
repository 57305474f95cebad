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

// PendingTaskRepository handles interrupt markers
type PendingTaskRepository struct {
	db *db.DB
}

// NewPendingTaskRepository creates a new pending task repository
func NewPendingTaskRepository(database *db.DB) *PendingTaskRepository {
	return &PendingTaskRepository{db: database}
}

// Create inserts a pending task for an interrupted execution
func (r *PendingTaskRepository) Create(ctx context.Context, task *models.PendingTask) error {
	query := `
		INSERT INTO pending_tasks (task_id, execution_id, node_id, prompt, telegram_chat_id, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
	`

	_, err := r.db.Exec(
		ctx,
		query,
		task.TaskID,
		task.ExecutionID,
		task.NodeID,
		task.Prompt,
		task.TelegramChatID,
		task.ExpiresAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create pending task: %w", err)
	}

	return nil
}

// GetByExecution retrieves the live pending task for an execution
func (r *PendingTaskRepository) GetByExecution(ctx context.Context, executionID uuid.UUID) (*models.PendingTask, error) {
	query := `
		SELECT task_id, execution_id, node_id, prompt, telegram_chat_id, expires_at, created_at
		FROM pending_tasks
		WHERE execution_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`

	task := &models.PendingTask{}
	err := r.db.QueryRow(ctx, query, executionID).Scan(
		&task.TaskID,
		&task.ExecutionID,
		&task.NodeID,
		&task.Prompt,
		&task.TelegramChatID,
		&task.ExpiresAt,
		&task.CreatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("pending task for execution %s: %w", executionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pending task: %w", err)
	}

	return task, nil
}

// DeleteByExecution removes all pending tasks of an execution
func (r *PendingTaskRepository) DeleteByExecution(ctx context.Context, executionID uuid.UUID) error {
	query := `DELETE FROM pending_tasks WHERE execution_id = $1`

	_, err := r.db.Exec(ctx, query, executionID)
	if err != nil {
		return fmt.Errorf("failed to delete pending tasks: %w", err)
	}

	return nil
}

// ListExpired returns tasks whose deadline passed before now
func (r *PendingTaskRepository) ListExpired(ctx context.Context, now time.Time, limit int) ([]*models.PendingTask, error) {
	query := `
		SELECT task_id, execution_id, node_id, prompt, telegram_chat_id, expires_at, created_at
		FROM pending_tasks
		WHERE expires_at IS NOT NULL AND expires_at < $1
		ORDER BY expires_at ASC
		LIMIT $2
	`

	rows, err := r.db.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.PendingTask
	for rows.Next() {
		task := &models.PendingTask{}
		err := rows.Scan(
			&task.TaskID,
			&task.ExecutionID,
			&task.NodeID,
			&task.Prompt,
			&task.TelegramChatID,
			&task.ExpiresAt,
			&task.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pending task: %w", err)
		}
		tasks = append(tasks, task)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pending tasks: %w", err)
	}

	return tasks, nil
}
