package domain

import (
	"encoding/json"
	"time"
)

// Task lifecycle states. A task is created pending, marked delivered when
// handed to the agent, and acked by the agent as done or failed.
const (
	TaskStatusPending   = "pending"
	TaskStatusDelivered = "delivered"
	TaskStatusDone      = "done"
	TaskStatusFailed    = "failed"
)

// Task is an opaque command queued for one edge agent.
type Task struct {
	ID          string          `json:"id"`
	ServerID    string          `json:"server_id"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Status      string          `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	DeliveredAt *time.Time      `json:"delivered_at,omitempty"`
	AckedAt     *time.Time      `json:"acked_at,omitempty"`
}
