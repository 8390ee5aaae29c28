package events

import (
	"context"

	"go.uber.org/zap"
)

// StubPublisher logs events instead of sending them. Used when no brokers
// are configured.
type StubPublisher struct {
	logger *zap.Logger
}

func NewStubPublisher(logger *zap.Logger) *StubPublisher {
	return &StubPublisher{logger: logger.With(zap.String("module", "events"))}
}

func (p *StubPublisher) PublishRosterChanged(_ context.Context, event RosterChanged) error {
	p.logger.Debug("stub event published",
		zap.String("event_type", "roster."+string(event.Kind)),
		zap.String("entity_id", event.EntityID),
		zap.Time("occurred_at", event.OccurredAt),
	)
	return nil
}

func (p *StubPublisher) Close() error { return nil }

var (
	_ Publisher = (*StubPublisher)(nil)
	_ Publisher = (*Producer)(nil)
)
