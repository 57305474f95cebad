package budget

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lyzr/nodeflow/cmd/engine/state"
	"github.com/lyzr/nodeflow/common/cache"
	"github.com/lyzr/nodeflow/common/config"
	"github.com/lyzr/nodeflow/common/models"
	"github.com/lyzr/nodeflow/common/repository"
)

// Logger interface for budget logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// limitsCacheTTL bounds how stale a workflow's budget overrides may be.
// Limits change rarely; a short window keeps the per-node check off the
// workflows table.
const limitsCacheTTL = 30 * time.Second

// limits is the effective per-execution ceiling. Zero means unlimited
// on that axis.
type limits struct {
	MaxTokens  int64   `json:"max_tokens"`
	MaxCostUSD float64 `json:"max_cost_usd"`
}

// WorkflowSource provides the workflow rows carrying budget overrides.
// Satisfied by repository.WorkflowRepository.
type WorkflowSource interface {
	GetByID(ctx context.Context, workflowID uuid.UUID) (*models.Workflow, error)
}

// EpicLedger provides epic budget rows and spend accumulation.
// Satisfied by repository.EpicBudgetRepository.
type EpicLedger interface {
	Get(ctx context.Context, epicID string) (*models.EpicBudget, error)
	AddSpend(ctx context.Context, epicID string, tokens int64, costUSD float64) error
}

// Guard enforces spend ceilings between node executions. Per-execution
// limits come from the workflow row (falling back to engine defaults),
// epic limits from the epic_budgets table. A non-empty reason from
// Check fails the execution permanently; retrying cannot un-spend
// tokens.
//
// Lookup failures fail open with a warning. A budget read outage must
// not take down otherwise healthy executions.
type Guard struct {
	workflows WorkflowSource
	epics     EpicLedger
	defaults  config.BudgetConfig
	cache     cache.Cache
	logger    Logger
}

// NewGuard creates a budget guard
func NewGuard(
	workflows WorkflowSource,
	epics EpicLedger,
	defaults config.BudgetConfig,
	limitsCache cache.Cache,
	logger Logger,
) *Guard {
	return &Guard{
		workflows: workflows,
		epics:     epics,
		defaults:  defaults,
		cache:     limitsCache,
		logger:    logger,
	}
}

// Check returns a non-empty reason when the execution's accumulated
// usage exceeds its per-execution or epic limits. An empty reason means
// the execution may continue.
func (g *Guard) Check(ctx context.Context, exec *models.Execution, usage state.Usage) string {
	if usage.IsZero() {
		return ""
	}

	lim := g.executionLimits(ctx, exec.WorkflowID)
	if lim.MaxTokens > 0 && usage.TotalTokens >= lim.MaxTokens {
		return fmt.Sprintf("execution token budget exceeded: %d >= %d", usage.TotalTokens, lim.MaxTokens)
	}
	if lim.MaxCostUSD > 0 && usage.CostUSD >= lim.MaxCostUSD {
		return fmt.Sprintf("execution cost budget exceeded: $%.4f >= $%.4f", usage.CostUSD, lim.MaxCostUSD)
	}

	if exec.EpicID == nil || *exec.EpicID == "" {
		return ""
	}

	epic, err := g.epics.Get(ctx, *exec.EpicID)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			g.logger.Warn("epic budget lookup failed, allowing execution",
				"epic_id", *exec.EpicID,
				"execution_id", exec.ExecutionID.String(),
				"error", err)
		}
		return ""
	}

	// Epic totals exclude this execution's live usage, which is only
	// persisted at finalization, so add it in here.
	if epic.MaxTotalTokens != nil && *epic.MaxTotalTokens > 0 &&
		epic.SpentTokens+usage.TotalTokens >= *epic.MaxTotalTokens {
		return fmt.Sprintf("epic %s token budget exceeded: %d >= %d",
			epic.EpicID, epic.SpentTokens+usage.TotalTokens, *epic.MaxTotalTokens)
	}
	if epic.MaxTotalCostUSD != nil && *epic.MaxTotalCostUSD > 0 &&
		epic.SpentCostUSD+usage.CostUSD >= *epic.MaxTotalCostUSD {
		return fmt.Sprintf("epic %s cost budget exceeded: $%.4f >= $%.4f",
			epic.EpicID, epic.SpentCostUSD+usage.CostUSD, *epic.MaxTotalCostUSD)
	}

	return ""
}

// RecordSpend folds a finished execution's usage into its epic totals.
// No-op for executions without an epic. Best-effort: a failed write is
// logged, never propagated, since the execution is already terminal.
func (g *Guard) RecordSpend(ctx context.Context, exec *models.Execution, usage state.Usage) {
	if exec.EpicID == nil || *exec.EpicID == "" || usage.IsZero() {
		return
	}
	if err := g.epics.AddSpend(ctx, *exec.EpicID, usage.TotalTokens, usage.CostUSD); err != nil {
		g.logger.Error("failed to record epic spend",
			"epic_id", *exec.EpicID,
			"execution_id", exec.ExecutionID.String(),
			"tokens", usage.TotalTokens,
			"cost_usd", usage.CostUSD,
			"error", err)
	}
}

// executionLimits resolves the effective per-execution ceiling for a
// workflow, caching the result briefly.
func (g *Guard) executionLimits(ctx context.Context, workflowID uuid.UUID) limits {
	key := "budget:limits:" + workflowID.String()

	if g.cache != nil {
		if raw, ok, _ := g.cache.Get(ctx, key); ok {
			var lim limits
			if err := json.Unmarshal(raw, &lim); err == nil {
				return lim
			}
		}
	}

	lim := limits{
		MaxTokens:  g.defaults.MaxTokensPerExecution,
		MaxCostUSD: g.defaults.MaxCostPerExecution,
	}

	wf, err := g.workflows.GetByID(ctx, workflowID)
	if err != nil {
		g.logger.Warn("workflow budget lookup failed, using defaults",
			"workflow_id", workflowID.String(), "error", err)
		return lim
	}
	if wf.MaxTokens != nil {
		lim.MaxTokens = *wf.MaxTokens
	}
	if wf.MaxCostUSD != nil {
		lim.MaxCostUSD = *wf.MaxCostUSD
	}

	if g.cache != nil {
		if raw, err := json.Marshal(lim); err == nil {
			_ = g.cache.Set(ctx, key, raw, limitsCacheTTL)
		}
	}
	return lim
}
