package sampler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"backend-fleetroster/internal/shared/geo"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap/zaptest"
)

type fakeLocator struct {
	mu         sync.Mutex
	watchErr   error
	current    any
	currentErr error
	onPosition func(any)
	onError    func(error)
	cancelled  bool
	lastOpts   Options
}

func (f *fakeLocator) Watch(_ string, _ Options, onPosition func(any), onError func(error)) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.watchErr != nil {
		return nil, f.watchErr
	}
	f.onPosition = onPosition
	f.onError = onError
	return func() {
		f.mu.Lock()
		f.cancelled = true
		f.mu.Unlock()
	}, nil
}

func (f *fakeLocator) Current(ctx context.Context, _ string, opts Options) (any, error) {
	f.mu.Lock()
	f.lastOpts = opts
	raw, err := f.current, f.currentErr
	f.mu.Unlock()
	if raw == nil && err == nil {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return raw, err
}

func (f *fakeLocator) push(raw any) {
	f.mu.Lock()
	fn := f.onPosition
	f.mu.Unlock()
	fn(raw)
}

type collector struct {
	mu      sync.Mutex
	samples []geo.Location
	ch      chan geo.Location
}

func newCollector() *collector {
	return &collector{ch: make(chan geo.Location, 16)}
}

func (c *collector) emit(loc geo.Location) {
	c.mu.Lock()
	c.samples = append(c.samples, loc)
	c.mu.Unlock()
	c.ch <- loc
}

func (c *collector) wait(t *testing.T) geo.Location {
	t.Helper()
	select {
	case loc := <-c.ch:
		return loc
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for sample")
		return geo.Location{}
	}
}

func rawSample(lat, lon, acc float64) map[string]any {
	return map[string]any{"lat": lat, "lng": lon, "accuracy": acc}
}

func TestStartEmitsFirstFix(t *testing.T) {
	loc := &fakeLocator{current: rawSample(14.5995, 120.9842, 8)}
	s := New(loc, zaptest.NewLogger(t), nil)
	c := newCollector()

	h, err := s.Start("entity-1", c.emit, nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer h.Stop()

	got := c.wait(t)
	if got.Lat != 14.5995 || got.AccuracyMeters != 8 {
		t.Fatalf("unexpected first fix %+v", got)
	}
	if got.SampleTimestamp.IsZero() {
		t.Fatalf("expected stamped timestamp")
	}
}

func TestStartPermissionDenied(t *testing.T) {
	s := New(&fakeLocator{watchErr: ErrPermissionDenied}, zaptest.NewLogger(t), nil)
	_, err := s.Start("entity-1", func(geo.Location) {}, nil)
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}
}

func TestStartUnsupported(t *testing.T) {
	s := New(&fakeLocator{watchErr: ErrUnsupported}, zaptest.NewLogger(t), nil)
	_, err := s.Start("entity-1", func(geo.Location) {}, nil)
	if !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected unsupported, got %v", err)
	}
}

func TestStartWrapsOtherErrors(t *testing.T) {
	boom := errors.New("boom")
	s := New(&fakeLocator{watchErr: boom}, zaptest.NewLogger(t), nil)
	_, err := s.Start("entity-1", func(geo.Location) {}, nil)
	if !errors.Is(err, boom) || Terminal(err) {
		t.Fatalf("expected wrapped non-terminal error, got %v", err)
	}
}

func TestInvalidSamplesDiscarded(t *testing.T) {
	loc := &fakeLocator{currentErr: ErrPositionUnavailable}
	s := New(loc, zaptest.NewLogger(t), nil)
	c := newCollector()

	h, err := s.Start("entity-1", c.emit, nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer h.Stop()

	loc.push(rawSample(14.5, 120.9, 0))
	loc.push(rawSample(14.5, 120.9, -1))
	loc.push(map[string]any{"lat": 200.0, "lng": 120.9, "accuracy": 5.0})
	loc.push(rawSample(14.5, 120.9, 12))

	got := c.wait(t)
	if got.AccuracyMeters != 12 {
		t.Fatalf("expected only the valid sample, got %+v", got)
	}
	if n := testutil.ToFloat64(s.metrics.InvalidSamples); n != 3 {
		t.Fatalf("expected 3 invalid samples, got %v", n)
	}
}

func TestNoSamplesAfterStop(t *testing.T) {
	loc := &fakeLocator{currentErr: ErrPositionUnavailable}
	s := New(loc, zaptest.NewLogger(t), nil)
	c := newCollector()

	h, err := s.Start("entity-1", c.emit, nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	h.Stop()
	h.Stop()

	loc.push(rawSample(14.5, 120.9, 12))
	c.mu.Lock()
	n := len(c.samples)
	c.mu.Unlock()
	if n != 0 {
		t.Fatalf("expected no samples after stop, got %d", n)
	}
	if !loc.cancelled {
		t.Fatalf("expected watch cancelled")
	}
}

func TestRefreshUsesOneShotOptions(t *testing.T) {
	loc := &fakeLocator{current: rawSample(1, 2, 5)}
	s := New(loc, zaptest.NewLogger(t), nil)
	c := newCollector()
	h, err := s.Start("entity-1", c.emit, nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer h.Stop()
	c.wait(t)

	got, err := h.Refresh(context.Background())
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if got.Lat != 1 || got.Lon != 2 {
		t.Fatalf("unexpected refresh sample %+v", got)
	}
	loc.mu.Lock()
	opts := loc.lastOpts
	loc.mu.Unlock()
	if opts != OneShotOptions {
		t.Fatalf("expected one-shot options, got %+v", opts)
	}
}

func TestRefreshInvalidIsUnavailable(t *testing.T) {
	loc := &fakeLocator{current: rawSample(1, 2, 0)}
	s := New(loc, zaptest.NewLogger(t), nil)
	h, err := s.Start("entity-1", func(geo.Location) {}, nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer h.Stop()

	if _, err := h.Refresh(context.Background()); !errors.Is(err, ErrPositionUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
}

func TestTerminalErrorReported(t *testing.T) {
	loc := &fakeLocator{currentErr: ErrPositionUnavailable}
	s := New(loc, zaptest.NewLogger(t), nil)
	errs := make(chan error, 4)

	h, err := s.Start("entity-1", func(geo.Location) {}, func(err error) { errs <- err })
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer h.Stop()

	loc.mu.Lock()
	onError := loc.onError
	loc.mu.Unlock()
	onError(ErrTimeout)
	onError(ErrPermissionDenied)

	select {
	case err := <-errs:
		if !errors.Is(err, ErrPermissionDenied) {
			t.Fatalf("expected permission denied, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected terminal error callback")
	}
}

func TestErrorFromCode(t *testing.T) {
	if err, ok := ErrorFromCode("permission_denied"); !ok || !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("unexpected mapping")
	}
	if err, ok := ErrorFromCode("timeout"); !ok || !errors.Is(err, ErrTimeout) {
		t.Fatalf("unexpected mapping")
	}
	if _, ok := ErrorFromCode("nope"); ok {
		t.Fatalf("expected unknown code")
	}
}

func TestFutureDeviceTimestampStampedWithServerTime(t *testing.T) {
	loc := &fakeLocator{current: rawSample(14.5995, 120.9842, 8)}
	s := New(loc, zaptest.NewLogger(t), nil)
	now := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	c := newCollector()

	h, err := s.Start("entity-1", c.emit, nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer h.Stop()
	c.wait(t)

	ahead := rawSample(14.6, 120.99, 5)
	ahead["timestamp"] = float64(now.AddDate(1, 0, 0).UnixMilli())
	loc.push(ahead)
	if got := c.wait(t); !got.SampleTimestamp.Equal(now) {
		t.Fatalf("expected server time for a clock running ahead, got %v", got.SampleTimestamp)
	}

	slight := rawSample(14.6, 120.99, 5)
	slight["timestamp"] = float64(now.Add(time.Second).UnixMilli())
	loc.push(slight)
	if got := c.wait(t); !got.SampleTimestamp.Equal(now.Add(time.Second)) {
		t.Fatalf("expected small skew to be kept, got %v", got.SampleTimestamp)
	}

	overflow := rawSample(14.6, 120.99, 5)
	overflow["timestamp"] = 1e300
	loc.push(overflow)
	if got := c.wait(t); !got.SampleTimestamp.Equal(now) {
		t.Fatalf("expected out-of-range timestamp to be stamped, got %v", got.SampleTimestamp)
	}
}
