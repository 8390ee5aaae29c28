package roster

import (
	"strings"
	"time"

	"backend-fleetroster/internal/presence"
	"backend-fleetroster/internal/shared/geo"
)

// Profile is the identity part of a tracked entity, owned by the identity
// provider.
type Profile struct {
	ID        string `json:"id"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	Username  string `json:"username,omitempty"`
	Email     string `json:"email,omitempty"`
	Role      string `json:"role,omitempty"`
}

// DisplayName falls back from the full name to username, email and finally
// a truncated id.
func (p Profile) DisplayName() string {
	if name := strings.TrimSpace(strings.TrimSpace(p.FirstName) + " " + strings.TrimSpace(p.LastName)); name != "" {
		return name
	}
	if u := strings.TrimSpace(p.Username); u != "" {
		return u
	}
	if e := strings.TrimSpace(p.Email); e != "" {
		return e
	}
	if r := []rune(p.ID); len(r) > 8 {
		return string(r[:8])
	}
	return p.ID
}

// Entity is the last known state of one tracked person.
type Entity struct {
	Profile
	Location *geo.Location `json:"location,omitempty"`
	IsOnline bool          `json:"is_online"`
	LastSeen time.Time     `json:"last_seen"`
}

// EntityView is an Entity tagged with derived fields for API consumers.
type EntityView struct {
	Entity
	DisplayName string         `json:"display_name"`
	Presence    presence.State `json:"presence"`
}

// Publish is one write into the store: a filtered sample, a forced refresh
// or an explicit offline transition. Timestamp becomes LastSeen.
type Publish struct {
	EntityID  string
	Location  *geo.Location
	IsOnline  bool
	Timestamp time.Time
	Profile   *Profile
}

type ChangeKind string

const (
	Added   ChangeKind = "added"
	Updated ChangeKind = "updated"
	Removed ChangeKind = "removed"
)

// Change is one event of a subscription's stream. Entity is unset for
// Removed.
type Change struct {
	Kind     ChangeKind `json:"kind"`
	EntityID string     `json:"entity_id"`
	Entity   *Entity    `json:"entity,omitempty"`
}

func added(e Entity) Change {
	return Change{Kind: Added, EntityID: e.ID, Entity: &e}
}

func updated(e Entity) Change {
	return Change{Kind: Updated, EntityID: e.ID, Entity: &e}
}

func removed(id string) Change {
	return Change{Kind: Removed, EntityID: id}
}

// Record is the egress shape written to backends, addressed by EntityID.
type Record struct {
	EntityID string        `json:"entity_id"`
	Profile  Profile       `json:"profile"`
	Location *geo.Location `json:"location,omitempty"`
	IsOnline bool          `json:"is_online"`
	LastSeen time.Time     `json:"last_seen"`
	Origin   string        `json:"origin,omitempty"`
}

func recordOf(e Entity, origin string) Record {
	return Record{
		EntityID: e.ID,
		Profile:  e.Profile,
		Location: e.Location,
		IsOnline: e.IsOnline,
		LastSeen: e.LastSeen,
		Origin:   origin,
	}
}

func (r Record) entity() Entity {
	p := r.Profile
	p.ID = r.EntityID
	return Entity{Profile: p, Location: r.Location, IsOnline: r.IsOnline, LastSeen: r.LastSeen}
}

// Filter selects the entities a subscriber is interested in.
type Filter func(Entity) bool

// All matches every entity.
func All(Entity) bool { return true }

// ByRole matches entities with the given role. An empty role matches all.
func ByRole(role string) Filter {
	role = strings.TrimSpace(role)
	if role == "" {
		return All
	}
	return func(e Entity) bool { return e.Role == role }
}
