// Package presence derives the online/idle/away/offline state of a tracked
// entity. Every consumer goes through a Policy value so that thresholds are
// defined in exactly one place.
package presence

import (
	"fmt"
	"strings"
	"time"
)

type State string

const (
	Online  State = "online"
	Idle    State = "idle"
	Away    State = "away"
	Offline State = "offline"
)

// Policy holds the minute thresholds used by Classify. A zero AwayMinutes
// means "away" never decays to "offline" on age alone.
type Policy struct {
	Name          string
	OnlineMinutes int64
	IdleMinutes   int64
	AwayMinutes   int64
	// OnlineFlagDecides makes isOnline=false map straight to offline. When
	// false, the flag only matters for entities seen this very minute.
	OnlineFlagDecides bool
}

var (
	// Standard: <=5 online, <=10 idle, otherwise away; isOnline=false is offline.
	Standard = Policy{Name: "standard", OnlineMinutes: 5, IdleMinutes: 10, OnlineFlagDecides: true}
	// Coarse: <=5 online, <=15 idle, <=60 away, otherwise offline.
	Coarse = Policy{Name: "coarse", OnlineMinutes: 5, IdleMinutes: 15, AwayMinutes: 60}
)

// PolicyByName resolves a configured policy name. Empty selects Standard.
func PolicyByName(name string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", Standard.Name:
		return Standard, nil
	case Coarse.Name:
		return Coarse, nil
	default:
		return Policy{}, fmt.Errorf("unknown presence policy %q", name)
	}
}

// Classify depends only on its arguments.
func (p Policy) Classify(isOnline bool, lastSeen, now time.Time) State {
	age := AgeMinutes(lastSeen, now)
	if !isOnline && (p.OnlineFlagDecides || age == 0) {
		return Offline
	}
	switch {
	case age <= p.OnlineMinutes:
		return Online
	case age <= p.IdleMinutes:
		return Idle
	case p.AwayMinutes == 0 || age <= p.AwayMinutes:
		return Away
	default:
		return Offline
	}
}

// Classify applies the Standard policy.
func Classify(isOnline bool, lastSeen, now time.Time) State {
	return Standard.Classify(isOnline, lastSeen, now)
}

// AgeMinutes is now-lastSeen in whole minutes, truncated toward zero.
// A lastSeen in the future counts as zero.
func AgeMinutes(lastSeen, now time.Time) int64 {
	d := now.Sub(lastSeen)
	if d < 0 {
		return 0
	}
	return int64(d / time.Minute)
}
