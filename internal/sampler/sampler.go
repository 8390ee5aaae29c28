package sampler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"backend-fleetroster/internal/metrics"
	"backend-fleetroster/internal/shared/geo"

	"go.uber.org/zap"
)

// Options mirror the knobs of a device positioning API.
type Options struct {
	HighAccuracy bool
	Timeout      time.Duration
	MaximumAge   time.Duration
}

// MaxClockSkew is how far ahead of server time a device timestamp may be
// before it is replaced by server time.
const MaxClockSkew = 2 * time.Second

var (
	OneShotOptions = Options{HighAccuracy: true, Timeout: 15 * time.Second, MaximumAge: 5 * time.Second}
	WatchOptions   = Options{HighAccuracy: true, MaximumAge: 10 * time.Second}
)

// Locator is the device positioning API. Payloads are raw and get
// normalized by the Sampler.
type Locator interface {
	Watch(entityID string, opts Options, onPosition func(raw any), onError func(error)) (cancel func(), err error)
	Current(ctx context.Context, entityID string, opts Options) (any, error)
}

type Sampler struct {
	locator Locator
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func New(locator Locator, logger *zap.Logger, m *metrics.Metrics) *Sampler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewUnregistered()
	}
	return &Sampler{
		locator: locator,
		logger:  logger.With(zap.String("module", "sampler")),
		metrics: m,
		now:     time.Now,
	}
}

// Handle is one active watch. Samples are delivered to emit one at a time.
type Handle struct {
	sampler  *Sampler
	entityID string
	emit     func(geo.Location)
	onError  func(error)

	ctx       context.Context
	cancelCtx context.CancelFunc
	cancel    func()

	mu       sync.Mutex
	stopped  bool
	stopOnce sync.Once
}

// Start begins watching the entity's position. Valid samples go to emit;
// terminal locator errors go to onError. A first fix is requested right away
// through the one-shot path so subscribers do not wait for the watch cadence.
func (s *Sampler) Start(entityID string, emit func(geo.Location), onError func(error)) (*Handle, error) {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Handle{
		sampler:   s,
		entityID:  entityID,
		emit:      emit,
		onError:   onError,
		ctx:       ctx,
		cancelCtx: cancel,
	}

	stop, err := s.locator.Watch(entityID, WatchOptions, h.deliverRaw, h.fail)
	if err != nil {
		cancel()
		if Terminal(err) {
			return nil, err
		}
		return nil, fmt.Errorf("start watch: %w", err)
	}
	h.cancel = stop

	go h.firstFix()
	return h, nil
}

// Refresh issues a one-shot high accuracy request bounded by the one-shot
// timeout. The sample is returned, not emitted.
func (h *Handle) Refresh(ctx context.Context) (geo.Location, error) {
	ctx, cancel := context.WithTimeout(ctx, OneShotOptions.Timeout)
	defer cancel()

	raw, err := h.sampler.locator.Current(ctx, h.entityID, OneShotOptions)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return geo.Location{}, ErrTimeout
		}
		return geo.Location{}, err
	}
	loc, ok := h.sampler.normalize(h.entityID, raw)
	if !ok {
		return geo.Location{}, fmt.Errorf("%w: invalid sample", ErrPositionUnavailable)
	}
	return loc, nil
}

// Stop cancels the watch. No sample is emitted after Stop returns.
func (h *Handle) Stop() {
	h.stopOnce.Do(func() {
		h.cancelCtx()
		if h.cancel != nil {
			h.cancel()
		}
		h.mu.Lock()
		h.stopped = true
		h.mu.Unlock()
	})
}

func (h *Handle) firstFix() {
	loc, err := h.Refresh(h.ctx)
	if err != nil {
		if h.ctx.Err() != nil {
			return
		}
		h.fail(err)
		return
	}
	h.deliver(loc)
}

func (h *Handle) deliverRaw(raw any) {
	loc, ok := h.sampler.normalize(h.entityID, raw)
	if !ok {
		return
	}
	h.deliver(loc)
}

func (h *Handle) deliver(loc geo.Location) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return
	}
	h.emit(loc)
}

func (h *Handle) fail(err error) {
	if Terminal(err) {
		h.sampler.logger.Warn("terminal positioning error", zap.String("entity_id", h.entityID), zap.Error(err))
		if h.onError != nil {
			h.onError(err)
		}
		return
	}
	h.sampler.logger.Info("positioning error, continuing", zap.String("entity_id", h.entityID), zap.Error(err))
}

func (s *Sampler) normalize(entityID string, raw any) (geo.Location, bool) {
	loc, ok := geo.NormalizeSample(raw)
	if !ok {
		s.metrics.InvalidSamples.Inc()
		s.logger.Debug("discarding invalid sample", zap.String("entity_id", entityID))
		return geo.Location{}, false
	}
	now := s.now()
	switch {
	case loc.SampleTimestamp.IsZero():
		loc.SampleTimestamp = now
	case loc.SampleTimestamp.After(now.Add(MaxClockSkew)):
		s.logger.Debug("device clock ahead, stamping with server time",
			zap.String("entity_id", entityID),
			zap.Time("device_timestamp", loc.SampleTimestamp))
		loc.SampleTimestamp = now
	}
	return loc, true
}
