package models

import "time"

// EpicBudget aggregates spend across all executions sharing an epic id.
// Limits are nullable; nil means unlimited on that axis.
// Maps to: epic_budgets table
type EpicBudget struct {
	EpicID string `db:"epic_id" json:"epic_id"`

	MaxTotalTokens  *int64   `db:"max_total_tokens" json:"max_total_tokens,omitempty"`
	MaxTotalCostUSD *float64 `db:"max_total_cost_usd" json:"max_total_cost_usd,omitempty"`

	SpentTokens  int64   `db:"spent_tokens" json:"spent_tokens"`
	SpentCostUSD float64 `db:"spent_cost_usd" json:"spent_cost_usd"`

	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}
