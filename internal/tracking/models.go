package tracking

import (
	"encoding/json"
	"time"
)

type Status string

const (
	StatusActive     Status = "active"
	StatusStopped    Status = "stopped"
	StatusSuperseded Status = "superseded"
)

// SessionInfo is the API view of a session.
type SessionInfo struct {
	ID            string    `json:"id"`
	EntityID      string    `json:"entity_id"`
	Status        Status    `json:"status"`
	StartedAt     time.Time `json:"started_at"`
	LastPublishAt time.Time `json:"last_publish_at,omitempty"`
	WakeLock      bool      `json:"wake_lock"`
}

// StartRequest optionally carries the position the device already has.
type StartRequest struct {
	Position json.RawMessage `json:"position,omitempty"`
}

type ErrorReport struct {
	Code string `json:"code" validate:"required,oneof=permission_denied position_unavailable timeout unsupported"`
}
