package models

import (
	"time"

	"github.com/google/uuid"
)

// PendingTask marks an interrupted execution waiting for human input.
// At most one live task per execution.
// Maps to: pending_tasks table
type PendingTask struct {
	TaskID      uuid.UUID `db:"task_id" json:"task_id"`
	ExecutionID uuid.UUID `db:"execution_id" json:"execution_id"`
	NodeID      string    `db:"node_id" json:"node_id"`

	// What the human is being asked
	Prompt string `db:"prompt" json:"prompt"`

	// Chat to notify, when the confirmation flows through Telegram
	TelegramChatID *int64 `db:"telegram_chat_id" json:"telegram_chat_id,omitempty"`

	ExpiresAt *time.Time `db:"expires_at" json:"expires_at,omitempty"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
}

// Expired reports whether the task's deadline has passed
func (t *PendingTask) Expired(now time.Time) bool {
	return t.ExpiresAt != nil && now.After(*t.ExpiresAt)
}
