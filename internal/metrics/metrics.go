package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "fleetroster"

// Metrics groups the collectors shared by the tracking pipeline.
type Metrics struct {
	SampleDecisions *prometheus.CounterVec
	InvalidSamples  prometheus.Counter
	StaleWrites     prometheus.Counter
	PublishFailures *prometheus.CounterVec
	PingFailures    prometheus.Counter
	ActiveSessions  prometheus.Gauge
	Viewers         prometheus.Gauge
	RelayedChanges  *prometheus.CounterVec
}

// New constructs the collectors and registers them with reg. Collectors that
// are already registered are reused.
func New(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := build()

	var err error
	if m.SampleDecisions, err = register(reg, m.SampleDecisions); err != nil {
		return nil, err
	}
	if m.InvalidSamples, err = register(reg, m.InvalidSamples); err != nil {
		return nil, err
	}
	if m.StaleWrites, err = register(reg, m.StaleWrites); err != nil {
		return nil, err
	}
	if m.PublishFailures, err = register(reg, m.PublishFailures); err != nil {
		return nil, err
	}
	if m.PingFailures, err = register(reg, m.PingFailures); err != nil {
		return nil, err
	}
	if m.ActiveSessions, err = register(reg, m.ActiveSessions); err != nil {
		return nil, err
	}
	if m.Viewers, err = register(reg, m.Viewers); err != nil {
		return nil, err
	}
	if m.RelayedChanges, err = register(reg, m.RelayedChanges); err != nil {
		return nil, err
	}
	return m, nil
}

// NewUnregistered returns collectors that are not exported anywhere. Used
// when a component is built without shared metrics, mostly in tests.
func NewUnregistered() *Metrics {
	return build()
}

func build() *Metrics {
	return &Metrics{
		SampleDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "filter",
			Name:      "decisions_total",
			Help:      "Sample filter decisions partitioned by outcome and reason.",
		}, []string{"outcome", "reason"}),
		InvalidSamples: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sampler",
			Name:      "invalid_samples_total",
			Help:      "Raw samples discarded at the ingestion boundary.",
		}),
		StaleWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "roster",
			Name:      "stale_writes_total",
			Help:      "Publishes dropped because they were older than the stored last_seen.",
		}),
		PublishFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tracking",
			Name:      "publish_failures_total",
			Help:      "Publishes that could not be stored, partitioned by kind.",
		}, []string{"kind"}),
		PingFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tracking",
			Name:      "liveness_ping_failures_total",
			Help:      "Liveness pings that failed against the backing store.",
		}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "tracking",
			Name:      "active_sessions",
			Help:      "Tracking sessions currently active on this instance.",
		}),
		Viewers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "viewers",
			Help:      "Connected roster viewers.",
		}),
		RelayedChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "relayed_changes_total",
			Help:      "Roster changes handed to the event publisher, partitioned by result.",
		}, []string{"result"}),
	}
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing, nil
			}
			return c, fmt.Errorf("existing collector has unexpected type %T", already.ExistingCollector)
		}
		return c, fmt.Errorf("register collector: %w", err)
	}
	return c, nil
}
