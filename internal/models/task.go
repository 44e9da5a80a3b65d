package models

import (
	"time"

	"github.com/google/uuid"
)

// Task status enums. pending is the only initial state; completed, failed,
// and cancelled are terminal and permanent.
const (
	TaskStatusPending    = "pending"
	TaskStatusInProgress = "in_progress"
	TaskStatusCompleted  = "completed"
	TaskStatusFailed     = "failed"
	TaskStatusCancelled  = "cancelled"
)

// Task is a reward-bearing, deadline-bound unit of work. Reward plus the
// platform fee snapshot stays in escrow custody from creation until exactly
// one terminal transition releases it.
type Task struct {
	ID                   int64      `json:"id"`
	Creator              uuid.UUID  `json:"creator"`
	Description          string     `json:"description"`
	RequiredCapabilities []string   `json:"required_capabilities"`
	Reward               int64      `json:"reward"`
	PlatformFee          int64      `json:"platform_fee"`
	Deadline             time.Time  `json:"deadline"`
	AssignedAgentID      int64      `json:"assigned_agent_id"`
	Status               string     `json:"status"`
	ResultHash           string     `json:"result_hash,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	CompletedAt          *time.Time `json:"completed_at,omitempty"`
}

// IsZero reports whether the task is the not-found sentinel.
func (t Task) IsZero() bool { return t.ID == 0 }

// Terminal reports whether the task has reached a terminal status.
func (t Task) Terminal() bool {
	switch t.Status {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// Escrowed returns the total value held in custody while the task is live.
func (t Task) Escrowed() int64 { return t.Reward + t.PlatformFee }
