package models

import (
	"time"

	"github.com/google/uuid"
)

// Node attempt outcomes recorded in the execution log
const (
	AttemptCompleted = "completed"
	AttemptFailed    = "failed"
	AttemptWaiting   = "waiting"
)

// ExecutionLog is one row per node attempt; retries append new rows
// Maps to: execution_logs table (append-only)
type ExecutionLog struct {
	LogID       int64     `db:"log_id" json:"log_id"`
	ExecutionID uuid.UUID `db:"execution_id" json:"execution_id"`
	NodeID      string    `db:"node_id" json:"node_id"`

	// One of the Attempt* constants
	Status string `db:"status" json:"status"`

	DurationMS int64     `db:"duration_ms" json:"duration_ms"`
	StartedAt  time.Time `db:"started_at" json:"started_at"`

	// Port data produced by the attempt (JSONB, nullable)
	Output map[string]any `db:"output" json:"output,omitempty"`

	Error     *string `db:"error" json:"error,omitempty"`
	ErrorCode *string `db:"error_code" json:"error_code,omitempty"`
}
