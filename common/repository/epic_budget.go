package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/lyzr/nodeflow/common/db"
	"github.com/lyzr/nodeflow/common/models"
)

// EpicBudgetRepository handles cross-execution budget totals
type EpicBudgetRepository struct {
	db *db.DB
}

// NewEpicBudgetRepository creates a new epic budget repository
func NewEpicBudgetRepository(database *db.DB) *EpicBudgetRepository {
	return &EpicBudgetRepository{db: database}
}

// Get retrieves an epic budget row
func (r *EpicBudgetRepository) Get(ctx context.Context, epicID string) (*models.EpicBudget, error) {
	query := `
		SELECT epic_id, max_total_tokens, max_total_cost_usd, spent_tokens, spent_cost_usd, updated_at
		FROM epic_budgets
		WHERE epic_id = $1
	`

	budget := &models.EpicBudget{}
	err := r.db.QueryRow(ctx, query, epicID).Scan(
		&budget.EpicID,
		&budget.MaxTotalTokens,
		&budget.MaxTotalCostUSD,
		&budget.SpentTokens,
		&budget.SpentCostUSD,
		&budget.UpdatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("epic budget %s: %w", epicID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get epic budget: %w", err)
	}

	return budget, nil
}

// AddSpend accumulates an execution's spend into the epic totals,
// creating the row on first use
func (r *EpicBudgetRepository) AddSpend(ctx context.Context, epicID string, tokens int64, costUSD float64) error {
	query := `
		INSERT INTO epic_budgets (epic_id, spent_tokens, spent_cost_usd, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (epic_id)
		DO UPDATE SET spent_tokens = epic_budgets.spent_tokens + EXCLUDED.spent_tokens,
		              spent_cost_usd = epic_budgets.spent_cost_usd + EXCLUDED.spent_cost_usd,
		              updated_at = NOW()
	`

	_, err := r.db.Exec(ctx, query, epicID, tokens, costUSD)
	if err != nil {
		return fmt.Errorf("failed to add epic spend: %w", err)
	}

	return nil
}

// SetLimits creates or replaces the limits of an epic budget
func (r *EpicBudgetRepository) SetLimits(ctx context.Context, epicID string, maxTokens *int64, maxCostUSD *float64) error {
	query := `
		INSERT INTO epic_budgets (epic_id, max_total_tokens, max_total_cost_usd, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (epic_id)
		DO UPDATE SET max_total_tokens = EXCLUDED.max_total_tokens,
		              max_total_cost_usd = EXCLUDED.max_total_cost_usd,
		              updated_at = NOW()
	`

	_, err := r.db.Exec(ctx, query, epicID, maxTokens, maxCostUSD)
	if err != nil {
		return fmt.Errorf("failed to set epic limits: %w", err)
	}

	return nil
}
