package filter

import (
	"time"

	"backend-fleetroster/internal/shared/geo"
)

type Reason string

const (
	ReasonFirst      Reason = "first"
	ReasonDuplicate  Reason = "duplicate"
	ReasonFloor      Reason = "floor"
	ReasonAccuracy   Reason = "accuracy"
	ReasonInterval   Reason = "interval"
	ReasonDistance   Reason = "distance"
	ReasonStationary Reason = "stationary"
	ReasonForced     Reason = "forced"
)

type Config struct {
	MinPublishInterval      time.Duration
	MinUpdateDistanceMeters float64
	AccuracyThresholdMeters float64
	HardFloor               time.Duration
}

func DefaultConfig() Config {
	return Config{
		MinPublishInterval:      15 * time.Second,
		MinUpdateDistanceMeters: 25,
		AccuracyThresholdMeters: 20,
		HardFloor:               time.Second,
	}
}

// State is the per-session memory the filter compares against.
type State struct {
	LastPublishAt time.Time
	LastAccepted  *geo.Location
}

// Accept records a published sample.
func (s *State) Accept(sample geo.Location) {
	s.LastPublishAt = sample.SampleTimestamp
	accepted := sample
	s.LastAccepted = &accepted
}

type Decision struct {
	Publish  bool
	Reason   Reason
	Distance float64
	Elapsed  time.Duration
}

// Accept decides whether sample is worth publishing given the session state.
// Elapsed time is measured between sample timestamps, so the same inputs
// always produce the same decision.
func Accept(cfg Config, state State, sample geo.Location) Decision {
	if state.LastAccepted == nil {
		return Decision{Publish: true, Reason: ReasonFirst}
	}
	last := *state.LastAccepted
	if !sample.SampleTimestamp.After(last.SampleTimestamp) {
		return Decision{Reason: ReasonDuplicate}
	}

	d := Decision{
		Elapsed:  sample.SampleTimestamp.Sub(state.LastPublishAt),
		Distance: geo.Distance(last, sample),
	}
	moved := d.Distance >= cfg.MinUpdateDistanceMeters
	precise := sample.AccuracyMeters <= cfg.AccuracyThresholdMeters

	// The hard floor only rate-limits precise fixes. Coarse samples are
	// already held back by the interval and distance gates.
	switch {
	case precise && d.Elapsed < cfg.HardFloor:
		d.Reason = ReasonFloor
	case precise && moved:
		d.Publish, d.Reason = true, ReasonAccuracy
	case d.Elapsed >= cfg.MinPublishInterval:
		d.Publish, d.Reason = true, ReasonInterval
	case moved:
		d.Publish, d.Reason = true, ReasonDistance
	default:
		d.Reason = ReasonStationary
	}
	return d
}
