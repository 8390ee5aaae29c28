package roster

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"sync"
	"time"

	"backend-fleetroster/internal/logger"
	"backend-fleetroster/internal/metrics"
	"backend-fleetroster/internal/presence"

	"go.uber.org/zap"
)

var (
	ErrTransport      = errors.New("roster transport failure")
	ErrInvalidPublish = errors.New("invalid publish")
)

const (
	lockStripes = 64
	// DefaultMaxClockSkew bounds how far ahead of this instance's clock a
	// publish timestamp may be.
	DefaultMaxClockSkew = time.Minute
)

// Options tunes a Store. The zero value is usable.
type Options struct {
	// Origin identifies this instance in records written to shared backends.
	Origin string
	Policy presence.Policy
	Now    func() time.Time
	// MaxClockSkew caps future timestamps. Later ones are replaced by Now so
	// one fast device clock cannot pin LastSeen ahead of every real write.
	MaxClockSkew time.Duration
}

// Store is the shared roster of tracked entities. Writes for one entity are
// serialized; writes for different entities proceed independently.
type Store struct {
	backend Backend
	logger  *zap.Logger
	metrics *metrics.Metrics
	origin  string
	policy  presence.Policy
	now     func() time.Time
	maxSkew time.Duration

	stripes [lockStripes]sync.Mutex

	mu       sync.RWMutex
	entities map[string]Entity
	subs     map[*Subscription]struct{}
}

// NewStore returns an empty store. A nil backend keeps the roster in memory
// only.
func NewStore(backend Backend, log *zap.Logger, m *metrics.Metrics, opts Options) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewUnregistered()
	}
	if opts.Policy.Name == "" {
		opts.Policy = presence.Standard
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.MaxClockSkew <= 0 {
		opts.MaxClockSkew = DefaultMaxClockSkew
	}
	return &Store{
		backend:  backend,
		logger:   log.With(zap.String("module", "roster")),
		metrics:  m,
		origin:   opts.Origin,
		policy:   opts.Policy,
		now:      opts.Now,
		maxSkew:  opts.MaxClockSkew,
		entities: make(map[string]Entity),
		subs:     make(map[*Subscription]struct{}),
	}
}

func (s *Store) Policy() presence.Policy { return s.policy }

func (s *Store) stripe(id string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return &s.stripes[h.Sum32()%lockStripes]
}

// Publish applies one write. Publishes older than the entity's LastSeen are
// dropped and reported as applied=false with a nil error.
func (s *Store) Publish(ctx context.Context, p Publish) (bool, error) {
	id := strings.TrimSpace(p.EntityID)
	if id == "" {
		return false, fmt.Errorf("%w: entity id is required", ErrInvalidPublish)
	}
	ts := p.Timestamp
	if p.Location != nil && p.Location.SampleTimestamp.After(ts) {
		ts = p.Location.SampleTimestamp
	}
	if ts.IsZero() {
		return false, fmt.Errorf("%w: timestamp is required", ErrInvalidPublish)
	}
	if now := s.now(); ts.After(now.Add(s.maxSkew)) {
		s.logger.Debug("publish timestamp ahead of clock, using now",
			zap.String("entity", logger.MaskID(id)),
			zap.Time("timestamp", ts))
		ts = now
	}

	lk := s.stripe(id)
	lk.Lock()
	defer lk.Unlock()

	cur, exists := s.Get(id)
	if exists && ts.Before(cur.LastSeen) {
		s.metrics.StaleWrites.Inc()
		s.logger.Debug("stale publish dropped",
			zap.String("entity", logger.MaskID(id)),
			zap.Time("timestamp", ts),
			zap.Time("last_seen", cur.LastSeen))
		return false, nil
	}

	next := cur
	if !exists {
		next = Entity{Profile: Profile{ID: id}}
	}
	if p.Profile != nil {
		next.Profile = *p.Profile
		next.ID = id
	}
	if p.Location != nil {
		loc := *p.Location
		if loc.SampleTimestamp.After(ts) {
			loc.SampleTimestamp = ts
		}
		next.Location = &loc
	}
	next.IsOnline = p.IsOnline
	next.LastSeen = ts

	if err := s.persist(ctx, next); err != nil {
		return false, err
	}
	s.commit(next)
	return true, nil
}

// UpdateProfile replaces the identity part of an entity, creating it when it
// is not yet known. Location, online flag and LastSeen are kept.
func (s *Store) UpdateProfile(ctx context.Context, p Profile) (Entity, error) {
	id := strings.TrimSpace(p.ID)
	if id == "" {
		return Entity{}, fmt.Errorf("%w: entity id is required", ErrInvalidPublish)
	}
	p.ID = id

	lk := s.stripe(id)
	lk.Lock()
	defer lk.Unlock()

	next, exists := s.Get(id)
	if !exists {
		next = Entity{}
	}
	next.Profile = p

	if err := s.persist(ctx, next); err != nil {
		return Entity{}, err
	}
	s.commit(next)
	return next, nil
}

func (s *Store) persist(ctx context.Context, e Entity) error {
	if s.backend == nil {
		return nil
	}
	if err := s.backend.Upsert(ctx, recordOf(e, s.origin)); err != nil {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	return nil
}

// commit stores e and fans the resulting change out to every subscriber.
// Callers hold the entity's stripe lock.
func (s *Store) commit(e Entity) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, existed := s.entities[e.ID]
	s.entities[e.ID] = e
	for sub := range s.subs {
		was := existed && sub.filter(prev)
		is := sub.filter(e)
		switch {
		case was && is:
			sub.enqueue(updated(e))
		case is:
			sub.enqueue(added(e))
		case was:
			sub.enqueue(removed(e.ID))
		}
	}
}

// applyRecord merges a record produced elsewhere without writing it back.
func (s *Store) applyRecord(rec Record) bool {
	id := strings.TrimSpace(rec.EntityID)
	if id == "" {
		return false
	}

	lk := s.stripe(id)
	lk.Lock()
	defer lk.Unlock()

	if cur, ok := s.Get(id); ok && rec.LastSeen.Before(cur.LastSeen) {
		s.metrics.StaleWrites.Inc()
		return false
	}
	rec.EntityID = id
	s.commit(rec.entity())
	return true
}

// Subscribe registers handler for changes matching filter and returns the
// current matching entities. No change is missed or duplicated between the
// snapshot and the first delivered batch.
func (s *Store) Subscribe(filter Filter, handler func([]Change)) ([]Entity, *Subscription) {
	if filter == nil {
		filter = All
	}
	sub := newSubscription(s, filter, handler)

	s.mu.Lock()
	snapshot := s.matching(filter)
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	go sub.run()
	return snapshot, sub
}

func (s *Store) detach(sub *Subscription) {
	s.mu.Lock()
	delete(s.subs, sub)
	s.mu.Unlock()
}

func (s *Store) Get(id string) (Entity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entities[id]
	return e, ok
}

// List returns the entities matching filter ordered by id.
func (s *Store) List(filter Filter) []Entity {
	if filter == nil {
		filter = All
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.matching(filter)
}

func (s *Store) matching(filter Filter) []Entity {
	out := make([]Entity, 0, len(s.entities))
	for _, e := range s.entities {
		if filter(e) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// View tags e with its display name and presence at the store's clock.
func (s *Store) View(e Entity) EntityView {
	return EntityView{
		Entity:      e,
		DisplayName: e.DisplayName(),
		Presence:    s.policy.Classify(e.IsOnline, e.LastSeen, s.now()),
	}
}

// Ping is the liveness no-op used by active sessions. It touches the
// backend connection but never changes roster state.
func (s *Store) Ping(ctx context.Context) error {
	if s.backend == nil {
		return nil
	}
	if err := s.backend.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	return nil
}

// Load warms the roster from a backend that can enumerate its records.
func (s *Store) Load(ctx context.Context, l Loader) (int, error) {
	recs, err := l.Load(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	n := 0
	for _, rec := range recs {
		if s.applyRecord(rec) {
			n++
		}
	}
	s.logger.Info("roster loaded", zap.Int("records", len(recs)), zap.Int("applied", n))
	return n, nil
}

// Follow applies records announced by other instances until ctx is done.
// Records carrying this store's origin are ignored.
func (s *Store) Follow(ctx context.Context, w Watcher) error {
	return w.Watch(ctx, func(rec Record) {
		if s.origin != "" && rec.Origin == s.origin {
			return
		}
		s.applyRecord(rec)
	})
}
