package tracking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"backend-fleetroster/internal/filter"
	"backend-fleetroster/internal/roster"
	"backend-fleetroster/internal/sampler"
	"backend-fleetroster/internal/shared/geo"

	"go.uber.org/zap"
)

const offlineAttempts = 2

// Session is one entity's tracking pipeline: sampler watch, filter state,
// liveness pings and the optional wake lock.
type Session struct {
	ID        string
	EntityID  string
	StartedAt time.Time

	svc     *Service
	profile roster.Profile
	log     *zap.Logger
	handle  *sampler.Handle
	release func()

	pingCancel context.CancelFunc
	pingDone   chan struct{}

	// mu serializes publishes and guards the fields below.
	mu         sync.Mutex
	state      filter.State
	status     Status
	superseded bool
	profileSet bool

	stopOnce sync.Once
	stopErr  error
}

func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionInfo{
		ID:            s.ID,
		EntityID:      s.EntityID,
		Status:        s.status,
		StartedAt:     s.StartedAt,
		LastPublishAt: s.state.LastPublishAt,
		WakeLock:      s.release != nil,
	}
}

func (s *Session) onSample(loc geo.Location) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusActive {
		return
	}

	d := filter.Accept(s.svc.cfg.Filter, s.state, loc)
	outcome := "suppress"
	if d.Publish {
		outcome = "publish"
	}
	s.svc.metrics.SampleDecisions.WithLabelValues(outcome, string(d.Reason)).Inc()
	if !d.Publish {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.svc.cfg.PublishTimeout)
	defer cancel()
	if err := s.publishLocked(ctx, &loc, true, loc.SampleTimestamp); err != nil {
		s.svc.metrics.PublishFailures.WithLabelValues("sample").Inc()
		s.log.Warn("sample publish failed", zap.String("reason", string(d.Reason)), zap.Error(err))
		return
	}
	s.state.Accept(loc)
}

// publishLocked writes to the store. The profile rides along on the first
// publish of the session so the roster learns names and role.
func (s *Session) publishLocked(ctx context.Context, loc *geo.Location, online bool, ts time.Time) error {
	p := roster.Publish{EntityID: s.EntityID, Location: loc, IsOnline: online, Timestamp: ts}
	if !s.profileSet {
		profile := s.profile
		p.Profile = &profile
	}
	if _, err := s.svc.store.Publish(ctx, p); err != nil {
		return err
	}
	s.profileSet = true
	return nil
}

func (s *Session) onError(err error) {
	s.log.Warn("tracking ended by device", zap.Error(err))
	go func() {
		if err := s.Stop(context.Background()); err != nil {
			s.log.Error("stop after device error failed", zap.Error(err))
		}
	}()
}

// Resume forces one fresh sample out, bypassing the filter's cadence. Used
// when a backgrounded device becomes visible again.
func (s *Session) Resume(ctx context.Context) (geo.Location, error) {
	loc, err := s.handle.Refresh(ctx)
	if err != nil {
		return geo.Location{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusActive {
		return geo.Location{}, ErrSessionStopped
	}
	// The filter already published this fix or a newer one.
	if s.state.LastAccepted != nil && !loc.SampleTimestamp.After(s.state.LastPublishAt) {
		return loc, nil
	}

	err = retry(ctx, s.svc.cfg.ResumeAttempts, s.svc.cfg.ResumeBackoff, func() error {
		pctx, cancel := context.WithTimeout(ctx, s.svc.cfg.PublishTimeout)
		defer cancel()
		return s.publishLocked(pctx, &loc, true, loc.SampleTimestamp)
	})
	if err != nil {
		s.svc.metrics.PublishFailures.WithLabelValues("resume").Inc()
		return geo.Location{}, err
	}
	s.svc.metrics.SampleDecisions.WithLabelValues("publish", string(filter.ReasonForced)).Inc()
	if s.state.LastAccepted == nil || loc.SampleTimestamp.After(s.state.LastAccepted.SampleTimestamp) {
		s.state.Accept(loc)
	}
	return loc, nil
}

// Stop ends the session: the watch is cancelled, the entity is published
// offline, the wake lock is released and pings stop. Calling Stop again
// returns the first result.
func (s *Session) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() {
		s.stopErr = s.stop(ctx)
	})
	return s.stopErr
}

func (s *Session) supersede(ctx context.Context) {
	s.mu.Lock()
	s.superseded = true
	s.mu.Unlock()
	_ = s.Stop(ctx)
}

func (s *Session) stop(ctx context.Context) error {
	s.handle.Stop()

	var err error
	s.mu.Lock()
	if s.superseded {
		s.status = StatusSuperseded
	} else {
		s.status = StatusStopped
		err = s.publishOfflineLocked(ctx)
	}
	s.mu.Unlock()

	if s.release != nil {
		s.release()
	}
	if s.pingCancel != nil {
		s.pingCancel()
		<-s.pingDone
	}
	s.svc.deregister(s)
	s.svc.metrics.ActiveSessions.Dec()
	s.log.Info("tracking session stopped", zap.String("session_id", s.ID), zap.String("status", string(s.status)))
	return err
}

// publishOfflineLocked never goes through the filter. The timestamp is kept
// at or after the last publish so the stale guard cannot drop it.
func (s *Session) publishOfflineLocked(ctx context.Context) error {
	ts := s.svc.now()
	if ts.Before(s.state.LastPublishAt) {
		ts = s.state.LastPublishAt
	}

	var err error
	for i := 0; i < offlineAttempts; i++ {
		pctx, cancel := context.WithTimeout(ctx, s.svc.cfg.PublishTimeout)
		err = s.publishLocked(pctx, nil, false, ts)
		cancel()
		if err == nil {
			return nil
		}
		if errors.Is(ctx.Err(), context.Canceled) {
			break
		}
	}
	s.svc.metrics.PublishFailures.WithLabelValues("offline").Inc()
	s.log.Error("offline publish failed", zap.Error(err))
	return fmt.Errorf("%w: %w", ErrOfflinePublish, err)
}

func (s *Session) pingLoop(ctx context.Context, interval time.Duration) {
	defer close(s.pingDone)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			pctx, cancel := context.WithTimeout(ctx, interval)
			err := s.svc.store.Ping(pctx)
			cancel()
			if err != nil && ctx.Err() == nil {
				s.svc.metrics.PingFailures.Inc()
				s.log.Warn("liveness ping failed", zap.Error(err))
			}
		}
	}
}
