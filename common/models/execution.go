package models

import (
	"time"

	"github.com/google/uuid"
)

// ExecutionStatus represents the lifecycle state of a workflow execution
type ExecutionStatus string

const (
	StatusPending     ExecutionStatus = "pending"
	StatusRunning     ExecutionStatus = "running"
	StatusInterrupted ExecutionStatus = "interrupted"
	StatusCompleted   ExecutionStatus = "completed"
	StatusFailed      ExecutionStatus = "failed"
	StatusCancelled   ExecutionStatus = "cancelled"
)

// IsTerminal reports whether the status is a sink (no transitions leave it)
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanTransitionTo reports whether a transition from s to next is legal
func (s ExecutionStatus) CanTransitionTo(next ExecutionStatus) bool {
	if s.IsTerminal() {
		return false
	}
	switch s {
	case StatusPending:
		return next == StatusRunning || next == StatusFailed || next == StatusCancelled
	case StatusRunning:
		return next == StatusInterrupted || next.IsTerminal()
	case StatusInterrupted:
		return next == StatusRunning || next == StatusFailed || next == StatusCancelled
	}
	return false
}

// NonTerminalStatuses lists every status an execution can still move out of
func NonTerminalStatuses() []ExecutionStatus {
	return []ExecutionStatus{StatusPending, StatusRunning, StatusInterrupted}
}

// Execution represents one run of a workflow against one trigger event
// Maps to: executions table
type Execution struct {
	ExecutionID uuid.UUID `db:"execution_id" json:"execution_id"`

	WorkflowID uuid.UUID `db:"workflow_id" json:"workflow_id"`

	// Trigger node that matched the inbound event (nil for direct starts)
	TriggerNodeID *string `db:"trigger_node_id" json:"trigger_node_id,omitempty"`

	// Set on sub-workflow children; immutable after creation
	ParentExecutionID *uuid.UUID `db:"parent_execution_id" json:"parent_execution_id,omitempty"`
	ParentNodeID      *string    `db:"parent_node_id" json:"parent_node_id,omitempty"`

	UserProfileID string `db:"user_profile_id" json:"user_profile_id"`

	// Budget grouping handle (optional)
	EpicID *string `db:"epic_id" json:"epic_id,omitempty"`

	Status ExecutionStatus `db:"status" json:"status"`

	// The inbound event that started this execution (JSONB)
	TriggerPayload map[string]any `db:"trigger_payload" json:"trigger_payload,omitempty"`

	StartedAt    *time.Time `db:"started_at" json:"started_at,omitempty"`
	CompletedAt  *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	ErrorMessage *string    `db:"error_message" json:"error_message,omitempty"`

	// Extracted at finalization (JSONB)
	FinalOutput map[string]any `db:"final_output" json:"final_output,omitempty"`

	// Cost accounting totals, persisted at finalization
	TotalInputTokens  int64   `db:"total_input_tokens" json:"total_input_tokens"`
	TotalOutputTokens int64   `db:"total_output_tokens" json:"total_output_tokens"`
	TotalTokens       int64   `db:"total_tokens" json:"total_tokens"`
	TotalCostUSD      float64 `db:"total_cost_usd" json:"total_cost_usd"`
	LLMCalls          int64   `db:"llm_calls" json:"llm_calls"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}
