package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/lyzr/nodeflow/common/db"
	"github.com/lyzr/nodeflow/common/models"
)

// ExecutionLogRepository handles the append-only node attempt log
type ExecutionLogRepository struct {
	db *db.DB
}

// NewExecutionLogRepository creates a new execution log repository
func NewExecutionLogRepository(database *db.DB) *ExecutionLogRepository {
	return &ExecutionLogRepository{db: database}
}

// Append inserts one attempt row
func (r *ExecutionLogRepository) Append(ctx context.Context, entry *models.ExecutionLog) error {
	query := `
		INSERT INTO execution_logs (execution_id, node_id, status, duration_ms, started_at, output, error, error_code)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := r.db.Exec(
		ctx,
		query,
		entry.ExecutionID,
		entry.NodeID,
		entry.Status,
		entry.DurationMS,
		entry.StartedAt,
		entry.Output,
		entry.Error,
		entry.ErrorCode,
	)

	if err != nil {
		return fmt.Errorf("failed to append execution log: %w", err)
	}

	return nil
}

// ListByExecution retrieves all attempt rows for an execution in order
func (r *ExecutionLogRepository) ListByExecution(ctx context.Context, executionID uuid.UUID) ([]*models.ExecutionLog, error) {
	query := `
		SELECT log_id, execution_id, node_id, status, duration_ms, started_at, output, error, error_code
		FROM execution_logs
		WHERE execution_id = $1
		ORDER BY log_id ASC
	`

	rows, err := r.db.Query(ctx, query, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list execution logs: %w", err)
	}
	defer rows.Close()

	var entries []*models.ExecutionLog
	for rows.Next() {
		entry := &models.ExecutionLog{}
		err := rows.Scan(
			&entry.LogID,
			&entry.ExecutionID,
			&entry.NodeID,
			&entry.Status,
			&entry.DurationMS,
			&entry.StartedAt,
			&entry.Output,
			&entry.Error,
			&entry.ErrorCode,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution log: %w", err)
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating execution logs: %w", err)
	}

	return entries, nil
}
