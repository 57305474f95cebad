package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/lyzr/nodeflow/common/db"
	"github.com/lyzr/nodeflow/common/models"
)

const workflowColumns = `
	workflow_id, slug, name, user_profile_id, is_active,
	max_tokens, max_cost_usd, delivery_url, created_at, updated_at`

// WorkflowRepository handles workflow graph records
type WorkflowRepository struct {
	db *db.DB
}

// NewWorkflowRepository creates a new workflow repository
func NewWorkflowRepository(database *db.DB) *WorkflowRepository {
	return &WorkflowRepository{db: database}
}

func scanWorkflow(row interface{ Scan(...any) error }) (*models.Workflow, error) {
	wf := &models.Workflow{}
	err := row.Scan(
		&wf.WorkflowID,
		&wf.Slug,
		&wf.Name,
		&wf.UserProfileID,
		&wf.IsActive,
		&wf.MaxTokens,
		&wf.MaxCostUSD,
		&wf.DeliveryURL,
		&wf.CreatedAt,
		&wf.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return wf, nil
}

// GetByID retrieves a workflow by its ID
func (r *WorkflowRepository) GetByID(ctx context.Context, workflowID uuid.UUID) (*models.Workflow, error) {
	query := `SELECT` + workflowColumns + `FROM workflows WHERE workflow_id = $1`

	wf, err := scanWorkflow(r.db.QueryRow(ctx, query, workflowID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("workflow %s: %w", workflowID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}

	return wf, nil
}

// GetBySlug retrieves a workflow by its slug
func (r *WorkflowRepository) GetBySlug(ctx context.Context, slug string) (*models.Workflow, error) {
	query := `SELECT` + workflowColumns + `FROM workflows WHERE slug = $1`

	wf, err := scanWorkflow(r.db.QueryRow(ctx, query, slug))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("workflow %s: %w", slug, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow by slug: %w", err)
	}

	return wf, nil
}

// ListActive retrieves all active workflows
func (r *WorkflowRepository) ListActive(ctx context.Context) ([]*models.Workflow, error) {
	query := `SELECT` + workflowColumns + `FROM workflows WHERE is_active ORDER BY created_at ASC`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}
	defer rows.Close()

	var workflows []*models.Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workflow: %w", err)
		}
		workflows = append(workflows, wf)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating workflows: %w", err)
	}

	return workflows, nil
}

// GetNodes retrieves all nodes of a workflow
func (r *WorkflowRepository) GetNodes(ctx context.Context, workflowID uuid.UUID) ([]*models.WorkflowNode, error) {
	query := `
		SELECT node_db_id, workflow_id, node_id, component_type, component_config_id,
		       config, interrupt_before, interrupt_after, max_retries
		FROM workflow_nodes
		WHERE workflow_id = $1
		ORDER BY node_db_id ASC
	`

	rows, err := r.db.Query(ctx, query, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow nodes: %w", err)
	}
	defer rows.Close()

	var nodes []*models.WorkflowNode
	for rows.Next() {
		node := &models.WorkflowNode{}
		err := rows.Scan(
			&node.NodeDBID,
			&node.WorkflowID,
			&node.NodeID,
			&node.ComponentType,
			&node.ComponentConfigID,
			&node.Config,
			&node.InterruptBefore,
			&node.InterruptAfter,
			&node.MaxRetries,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workflow node: %w", err)
		}
		nodes = append(nodes, node)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating workflow nodes: %w", err)
	}

	return nodes, nil
}

// GetEdges retrieves all edges of a workflow ordered by priority
func (r *WorkflowRepository) GetEdges(ctx context.Context, workflowID uuid.UUID) ([]*models.WorkflowEdge, error) {
	query := `
		SELECT edge_id, workflow_id, source_node_id, target_node_id,
		       edge_type, edge_label, condition_value, condition_mapping, priority
		FROM workflow_edges
		WHERE workflow_id = $1
		ORDER BY priority ASC, edge_id ASC
	`

	rows, err := r.db.Query(ctx, query, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow edges: %w", err)
	}
	defer rows.Close()

	var edges []*models.WorkflowEdge
	for rows.Next() {
		edge := &models.WorkflowEdge{}
		err := rows.Scan(
			&edge.EdgeID,
			&edge.WorkflowID,
			&edge.SourceNodeID,
			&edge.TargetNodeID,
			&edge.EdgeType,
			&edge.EdgeLabel,
			&edge.ConditionValue,
			&edge.ConditionMapping,
			&edge.Priority,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workflow edge: %w", err)
		}
		edges = append(edges, edge)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating workflow edges: %w", err)
	}

	return edges, nil
}

// GetComponentConfig retrieves shared component defaults
func (r *WorkflowRepository) GetComponentConfig(ctx context.Context, configID uuid.UUID) (*models.ComponentConfig, error) {
	query := `
		SELECT config_id, component_type, defaults, created_at
		FROM component_configs
		WHERE config_id = $1
	`

	cfg := &models.ComponentConfig{}
	err := r.db.QueryRow(ctx, query, configID).Scan(
		&cfg.ConfigID,
		&cfg.ComponentType,
		&cfg.Defaults,
		&cfg.CreatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("component config %s: %w", configID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get component config: %w", err)
	}

	return cfg, nil
}

// TriggerBinding pairs a trigger node with its owning workflow
type TriggerBinding struct {
	Workflow *models.Workflow
	Node     *models.WorkflowNode
}

// ListActiveTriggers returns trigger nodes of all active workflows,
// for the dispatcher to match inbound events against
func (r *WorkflowRepository) ListActiveTriggers(ctx context.Context) ([]*TriggerBinding, error) {
	query := `
		SELECT w.workflow_id, w.slug, w.name, w.user_profile_id, w.is_active,
		       w.max_tokens, w.max_cost_usd, w.delivery_url, w.created_at, w.updated_at,
		       n.node_db_id, n.workflow_id, n.node_id, n.component_type, n.component_config_id,
		       n.config, n.interrupt_before, n.interrupt_after, n.max_retries
		FROM workflows w
		JOIN workflow_nodes n ON n.workflow_id = w.workflow_id
		WHERE w.is_active AND n.component_type LIKE 'trigger%'
		ORDER BY w.created_at ASC, n.node_db_id ASC
	`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list active triggers: %w", err)
	}
	defer rows.Close()

	var bindings []*TriggerBinding
	for rows.Next() {
		wf := &models.Workflow{}
		node := &models.WorkflowNode{}
		err := rows.Scan(
			&wf.WorkflowID,
			&wf.Slug,
			&wf.Name,
			&wf.UserProfileID,
			&wf.IsActive,
			&wf.MaxTokens,
			&wf.MaxCostUSD,
			&wf.DeliveryURL,
			&wf.CreatedAt,
			&wf.UpdatedAt,
			&node.NodeDBID,
			&node.WorkflowID,
			&node.NodeID,
			&node.ComponentType,
			&node.ComponentConfigID,
			&node.Config,
			&node.InterruptBefore,
			&node.InterruptAfter,
			&node.MaxRetries,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trigger binding: %w", err)
		}
		bindings = append(bindings, &TriggerBinding{Workflow: wf, Node: node})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating trigger bindings: %w", err)
	}

	return bindings, nil
}
