// Package sdk is a typed Go client for the nodeflow HTTP API. It covers
// the full public surface: starting, inspecting, resuming and cancelling
// executions, posting trigger events, and listing workflows.
package sdk

import (
	"github.com/google/uuid"

	"github.com/lyzr/nodeflow/common/models"
)

// StartExecutionRequest is the body of POST /workflows/{slug}/executions.
type StartExecutionRequest struct {
	TriggerPayload map[string]interface{} `json:"trigger_payload,omitempty"`

	// Start from a specific trigger node instead of the default.
	TriggerNodeID *string `json:"trigger_node_id,omitempty"`

	// Epic to charge the execution's spend against.
	EpicID *string `json:"epic_id,omitempty"`
}

// StartExecutionResponse acknowledges an accepted execution.
type StartExecutionResponse struct {
	ExecutionID uuid.UUID `json:"execution_id"`
}

// ResumeRequest is the body of POST /executions/{id}/resume.
type ResumeRequest struct {
	UserInput string `json:"user_input"`
}

// CancelRequest is the body of POST /executions/{id}/cancel.
type CancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

// ExecutionActionResponse acknowledges a resume or cancel.
type ExecutionActionResponse struct {
	ExecutionID uuid.UUID `json:"execution_id"`
	Status      string    `json:"status"`
}

// EventRequest is the body of POST /events.
type EventRequest struct {
	Source  string                 `json:"source"`
	Payload map[string]interface{} `json:"payload,omitempty"`
	EpicID  *string                `json:"epic_id,omitempty"`
}

// EventResponse lists the executions an event started.
type EventResponse struct {
	ExecutionIDs []uuid.UUID `json:"execution_ids"`
}

// LogsResponse wraps the execution log listing.
type LogsResponse struct {
	Logs []models.ExecutionLog `json:"logs"`
}

// WorkflowsResponse wraps the workflow listing.
type WorkflowsResponse struct {
	Workflows []models.Workflow `json:"workflows"`
}

// ExecutionsResponse wraps a workflow's execution listing.
type ExecutionsResponse struct {
	Executions []models.Execution `json:"executions"`
}
