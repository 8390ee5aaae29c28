package events

import (
	"context"
	"sync"
	"time"

	"backend-fleetroster/internal/metrics"
	"backend-fleetroster/internal/roster"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const publishTimeout = 5 * time.Second

// Relay forwards every roster change to a Publisher.
type Relay struct {
	store   *roster.Store
	pub     Publisher
	origin  string
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu  sync.Mutex
	sub *roster.Subscription
}

func NewRelay(store *roster.Store, pub Publisher, origin string, log *zap.Logger, m *metrics.Metrics) *Relay {
	if log == nil {
		log = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewUnregistered()
	}
	return &Relay{
		store:   store,
		pub:     pub,
		origin:  origin,
		logger:  log.With(zap.String("module", "relay")),
		metrics: m,
		now:     time.Now,
	}
}

// Start subscribes to the store. Entities already present are not replayed.
func (r *Relay) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sub != nil {
		return
	}
	_, r.sub = r.store.Subscribe(roster.All, r.forward)
}

func (r *Relay) Stop() {
	r.mu.Lock()
	sub := r.sub
	r.sub = nil
	r.mu.Unlock()
	if sub != nil {
		sub.Unsubscribe()
	}
}

func (r *Relay) forward(batch []roster.Change) {
	for _, c := range batch {
		ev := RosterChanged{
			EventID:    uuid.NewString(),
			Kind:       c.Kind,
			EntityID:   c.EntityID,
			Origin:     r.origin,
			OccurredAt: r.now().UTC(),
		}
		if c.Entity != nil {
			view := r.store.View(*c.Entity)
			ev.Entity = &view
			ev.Presence = view.Presence
		}

		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		err := r.pub.PublishRosterChanged(ctx, ev)
		cancel()
		if err != nil {
			r.metrics.RelayedChanges.WithLabelValues("error").Inc()
			r.logger.Warn("relay roster change", zap.String("entity_id", c.EntityID), zap.Error(err))
			continue
		}
		r.metrics.RelayedChanges.WithLabelValues("ok").Inc()
	}
}
