// Package events relays roster changes to downstream consumers.
package events

import (
	"context"
	"time"

	"backend-fleetroster/internal/presence"
	"backend-fleetroster/internal/roster"
)

const DefaultTopic = "fleet.roster.changes"

// RosterChanged is the payload written for every roster change.
type RosterChanged struct {
	EventID    string             `json:"event_id"`
	Kind       roster.ChangeKind  `json:"kind"`
	EntityID   string             `json:"entity_id"`
	Entity     *roster.EntityView `json:"entity,omitempty"`
	Presence   presence.State     `json:"presence,omitempty"`
	Origin     string             `json:"origin,omitempty"`
	OccurredAt time.Time          `json:"occurred_at"`
}

// Publisher delivers roster events.
type Publisher interface {
	PublishRosterChanged(ctx context.Context, event RosterChanged) error
	Close() error
}
