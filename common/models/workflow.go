package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Edge types
const (
	EdgeTypeDirect      = "direct"
	EdgeTypeConditional = "conditional"
)

// Edge labels. Sub-component labels wire config providers (LLMs, tools,
// parsers) to their consumer node; the scheduler never traverses them.
const (
	EdgeLabelNone         = ""
	EdgeLabelLLM          = "llm"
	EdgeLabelTool         = "tool"
	EdgeLabelOutputParser = "output_parser"
	EdgeLabelLoopBody     = "loop_body"
	EdgeLabelLoopReturn   = "loop_return"
)

// EndSentinel is a pseudo-target meaning "stop here"; never enqueued
const EndSentinel = "__end__"

// Workflow is a named, versionless graph owned by a user
// Maps to: workflows table
type Workflow struct {
	WorkflowID    uuid.UUID `db:"workflow_id" json:"workflow_id"`
	Slug          string    `db:"slug" json:"slug"`
	Name          string    `db:"name" json:"name"`
	UserProfileID string    `db:"user_profile_id" json:"user_profile_id"`
	IsActive      bool      `db:"is_active" json:"is_active"`

	// Per-workflow budget overrides (nil = engine defaults)
	MaxTokens  *int64   `db:"max_tokens" json:"max_tokens,omitempty"`
	MaxCostUSD *float64 `db:"max_cost_usd" json:"max_cost_usd,omitempty"`

	// Final-output webhook override (nil = engine default)
	DeliveryURL *string `db:"delivery_url" json:"delivery_url,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// WorkflowNode is one typed node of a workflow graph
// Maps to: workflow_nodes table
type WorkflowNode struct {
	NodeDBID   int64     `db:"node_db_id" json:"node_db_id"`
	WorkflowID uuid.UUID `db:"workflow_id" json:"workflow_id"`

	// Graph-local identifier, unique within the workflow
	NodeID string `db:"node_id" json:"node_id"`

	ComponentType string `db:"component_type" json:"component_type"`

	// Shared component defaults this node builds on (nullable)
	ComponentConfigID *uuid.UUID `db:"component_config_id" json:"component_config_id,omitempty"`

	// Node-level config overrides, merge-patched over the defaults (JSONB)
	Config map[string]any `db:"config" json:"config,omitempty"`

	InterruptBefore bool `db:"interrupt_before" json:"interrupt_before"`
	InterruptAfter  bool `db:"interrupt_after" json:"interrupt_after"`

	// Per-node retry override (nil = engine default)
	MaxRetries *int `db:"max_retries" json:"max_retries,omitempty"`
}

// IsTrigger reports whether the node is an event entry point
func (n *WorkflowNode) IsTrigger() bool {
	return strings.HasPrefix(n.ComponentType, "trigger")
}

// IsSubComponent reports whether the node is pure configuration consumed
// by its downstream node rather than a scheduling unit
func (n *WorkflowNode) IsSubComponent() bool {
	switch n.ComponentType {
	case "ai_model", "output_parser":
		return true
	}
	return false
}

// WorkflowEdge connects two nodes of a workflow graph
// Maps to: workflow_edges table
type WorkflowEdge struct {
	EdgeID       int64     `db:"edge_id" json:"edge_id"`
	WorkflowID   uuid.UUID `db:"workflow_id" json:"workflow_id"`
	SourceNodeID string    `db:"source_node_id" json:"source_node_id"`
	TargetNodeID string    `db:"target_node_id" json:"target_node_id"`

	EdgeType  string `db:"edge_type" json:"edge_type"`
	EdgeLabel string `db:"edge_label" json:"edge_label"`

	// Route literal a conditional edge matches against state.route
	ConditionValue string `db:"condition_value" json:"condition_value,omitempty"`

	// Legacy representation; rejected by the topology builder
	ConditionMapping map[string]string `db:"condition_mapping" json:"condition_mapping,omitempty"`

	Priority int `db:"priority" json:"priority"`
}

// IsSubComponentEdge reports whether the edge wires a config provider
func (e *WorkflowEdge) IsSubComponentEdge() bool {
	switch e.EdgeLabel {
	case EdgeLabelLLM, EdgeLabelTool, EdgeLabelOutputParser:
		return true
	}
	return false
}

// ComponentConfig holds shared defaults for a component type
// Maps to: component_configs table
type ComponentConfig struct {
	ConfigID      uuid.UUID      `db:"config_id" json:"config_id"`
	ComponentType string         `db:"component_type" json:"component_type"`
	Defaults      map[string]any `db:"defaults" json:"defaults,omitempty"`
	CreatedAt     time.Time      `db:"created_at" json:"created_at"`
}
