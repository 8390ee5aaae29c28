package tracking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"backend-fleetroster/internal/filter"
	"backend-fleetroster/internal/logger"
	"backend-fleetroster/internal/metrics"
	"backend-fleetroster/internal/roster"
	"backend-fleetroster/internal/sampler"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrSessionNotFound = errors.New("tracking session not found")
	ErrNotDelivery     = errors.New("only delivery accounts can be tracked")
	ErrOfflinePublish  = errors.New("offline transition could not be stored")
	ErrSessionStopped  = errors.New("tracking session stopped")
)

// DeliveryRole is the only role whose position is tracked.
const DeliveryRole = "delivery"

// Store is the part of the roster the keeper writes to.
type Store interface {
	Publish(ctx context.Context, p roster.Publish) (bool, error)
	Ping(ctx context.Context) error
}

// Feed accepts raw device input for entities being watched.
type Feed interface {
	Push(entityID string, raw any) bool
	Fail(entityID string, err error)
}

// WakeLocker keeps the device awake while tracking. It is optional; a nil
// WakeLocker or an Acquire error leaves tracking unaffected.
type WakeLocker interface {
	Acquire(entityID string) (release func(), err error)
}

type Config struct {
	Filter           filter.Config
	LivenessInterval time.Duration
	PublishTimeout   time.Duration
	ResumeAttempts   int
	ResumeBackoff    time.Duration
}

func DefaultConfig() Config {
	return Config{
		Filter:           filter.DefaultConfig(),
		LivenessInterval: 50 * time.Second,
		PublishTimeout:   10 * time.Second,
		ResumeAttempts:   3,
		ResumeBackoff:    500 * time.Millisecond,
	}
}

// Service owns every active tracking session. One entity has at most one
// active session; starting another supersedes it.
type Service struct {
	store   Store
	sampler *sampler.Sampler
	feed    Feed
	wake    WakeLocker
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
	byEntity map[string]*Session
}

func NewService(store Store, smp *sampler.Sampler, feed Feed, cfg Config, log *zap.Logger, m *metrics.Metrics) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewUnregistered()
	}
	def := DefaultConfig()
	if cfg.Filter == (filter.Config{}) {
		cfg.Filter = def.Filter
	}
	if cfg.LivenessInterval <= 0 {
		cfg.LivenessInterval = def.LivenessInterval
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = def.PublishTimeout
	}
	if cfg.ResumeAttempts <= 0 {
		cfg.ResumeAttempts = def.ResumeAttempts
	}
	if cfg.ResumeBackoff <= 0 {
		cfg.ResumeBackoff = def.ResumeBackoff
	}
	return &Service{
		store:    store,
		sampler:  smp,
		feed:     feed,
		cfg:      cfg,
		logger:   log.With(zap.String("module", "tracking")),
		metrics:  m,
		now:      time.Now,
		sessions: map[string]*Session{},
		byEntity: map[string]*Session{},
	}
}

// WithWakeLocker enables wake-lock handling for sessions started afterwards.
func (s *Service) WithWakeLocker(w WakeLocker) *Service {
	s.wake = w
	return s
}

// Start opens a tracking session for the profile's entity. The sampler's
// first fix is published immediately through the filter's first-sample rule.
func (s *Service) Start(ctx context.Context, profile roster.Profile) (*Session, error) {
	entityID := strings.TrimSpace(profile.ID)
	if entityID == "" {
		return nil, fmt.Errorf("%w: entity id is required", roster.ErrInvalidPublish)
	}
	if profile.Role != "" && profile.Role != DeliveryRole {
		return nil, ErrNotDelivery
	}
	profile.ID = entityID

	sess := &Session{
		ID:        uuid.NewString(),
		EntityID:  entityID,
		StartedAt: s.now(),
		svc:       s,
		profile:   profile,
		log:       s.logger.With(zap.String("entity", logger.MaskID(entityID))),
		status:    StatusActive,
	}

	handle, err := s.sampler.Start(entityID, sess.onSample, sess.onError)
	if err != nil {
		return nil, err
	}
	sess.handle = handle

	s.mu.Lock()
	prev := s.byEntity[entityID]
	s.sessions[sess.ID] = sess
	s.byEntity[entityID] = sess
	s.mu.Unlock()

	if prev != nil {
		prev.supersede(ctx)
	}

	if s.wake != nil {
		release, err := s.wake.Acquire(entityID)
		if err != nil {
			sess.log.Debug("wake lock unavailable", zap.Error(err))
		} else {
			sess.release = release
		}
	}

	pingCtx, cancel := context.WithCancel(context.Background())
	sess.pingCancel = cancel
	sess.pingDone = make(chan struct{})
	go sess.pingLoop(pingCtx, s.cfg.LivenessInterval)

	s.metrics.ActiveSessions.Inc()
	sess.log.Info("tracking session started", zap.String("session_id", sess.ID))
	return sess, nil
}

func (s *Service) Session(id string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// Active returns the entity's current session.
func (s *Service) Active(entityID string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.byEntity[entityID]
	return sess, ok
}

func (s *Service) Sessions() []SessionInfo {
	s.mu.Lock()
	list := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		list = append(list, sess)
	}
	s.mu.Unlock()

	out := make([]SessionInfo, 0, len(list))
	for _, sess := range list {
		out = append(out, sess.Info())
	}
	return out
}

// Ingest hands a raw device position to the session's watch.
func (s *Service) Ingest(sessionID string, raw any) error {
	sess, ok := s.Session(sessionID)
	if !ok {
		return ErrSessionNotFound
	}
	if s.feed == nil || !s.feed.Push(sess.EntityID, raw) {
		return ErrSessionStopped
	}
	return nil
}

// ReportError routes a device-side positioning error to the session.
func (s *Service) ReportError(sessionID string, err error) error {
	sess, ok := s.Session(sessionID)
	if !ok {
		return ErrSessionNotFound
	}
	if s.feed != nil {
		s.feed.Fail(sess.EntityID, err)
	}
	return nil
}

// Shutdown stops every session, publishing each entity offline.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	list := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		list = append(list, sess)
	}
	s.mu.Unlock()

	var errs []error
	for _, sess := range list {
		if err := sess.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Service) deregister(sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sess.ID)
	if s.byEntity[sess.EntityID] == sess {
		delete(s.byEntity, sess.EntityID)
	}
}

// WithClock replaces the wall clock used for offline timestamps.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}
