package domain

import "time"

const (
	ActionCreated = "created"
	ActionUpdated = "updated"
	ActionMoved   = "moved"
	ActionDeleted = "deleted"
)

// TimelineRecord is the audit entry emitted after a committed mutation.
type TimelineRecord struct {
	ID         string         `json:"id"`
	ProjectID  string         `json:"projectId"`
	EntityType string         `json:"entityType"`
	EntityID   string         `json:"entityId"`
	Action     string         `json:"action"`
	Actor      string         `json:"actor"`
	At         time.Time      `json:"at"`
	Details    map[string]any `json:"details,omitempty"`
}
