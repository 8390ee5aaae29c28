package sampler

import (
	"context"
	"errors"
	"sync"
	"time"
)

// PushLocator is a Locator fed by devices over the network: each device
// pushes its raw positions and errors, and the locator hands them to the
// active watch or to pending one-shot requests.
type PushLocator struct {
	mu    sync.Mutex
	feeds map[string]*feed
	now   func() time.Time
}

type feed struct {
	latest     any
	receivedAt time.Time
	watcher    *watcher
	waiters    map[chan result]struct{}
}

type watcher struct {
	onPosition func(any)
	onError    func(error)
}

type result struct {
	raw any
	err error
}

func NewPushLocator() *PushLocator {
	return &PushLocator{feeds: map[string]*feed{}, now: time.Now}
}

func (l *PushLocator) feed(entityID string) *feed {
	f, ok := l.feeds[entityID]
	if !ok {
		f = &feed{waiters: map[chan result]struct{}{}}
		l.feeds[entityID] = f
	}
	return f
}

// Watch registers the entity's watcher, replacing any earlier one.
func (l *PushLocator) Watch(entityID string, _ Options, onPosition func(any), onError func(error)) (func(), error) {
	if entityID == "" {
		return nil, errors.New("entity id required")
	}
	w := &watcher{onPosition: onPosition, onError: onError}

	l.mu.Lock()
	l.feed(entityID).watcher = w
	l.mu.Unlock()

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if f, ok := l.feeds[entityID]; ok && f.watcher == w {
			f.watcher = nil
			if len(f.waiters) == 0 {
				delete(l.feeds, entityID)
			}
		}
	}, nil
}

// Current returns the latest pushed payload when it is younger than
// opts.MaximumAge, otherwise it waits for the next push or error.
func (l *PushLocator) Current(ctx context.Context, entityID string, opts Options) (any, error) {
	l.mu.Lock()
	f := l.feed(entityID)
	if f.latest != nil && l.now().Sub(f.receivedAt) <= opts.MaximumAge {
		raw := f.latest
		l.mu.Unlock()
		return raw, nil
	}
	ch := make(chan result, 1)
	f.waiters[ch] = struct{}{}
	l.mu.Unlock()

	select {
	case res := <-ch:
		return res.raw, res.err
	case <-ctx.Done():
		l.mu.Lock()
		if f, ok := l.feeds[entityID]; ok {
			delete(f.waiters, ch)
		}
		l.mu.Unlock()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, ctx.Err()
	}
}

// Push records a raw position from the device. It reports whether a watch
// was active to receive it.
func (l *PushLocator) Push(entityID string, raw any) bool {
	l.mu.Lock()
	f := l.feed(entityID)
	f.latest = raw
	f.receivedAt = l.now()
	waiters := f.waiters
	f.waiters = map[chan result]struct{}{}
	w := f.watcher
	l.mu.Unlock()

	for ch := range waiters {
		ch <- result{raw: raw}
	}
	if w == nil {
		return false
	}
	w.onPosition(raw)
	return true
}

// Fail routes a device-side positioning error to pending requests and the
// active watch.
func (l *PushLocator) Fail(entityID string, err error) {
	l.mu.Lock()
	f := l.feed(entityID)
	waiters := f.waiters
	f.waiters = map[chan result]struct{}{}
	w := f.watcher
	l.mu.Unlock()

	for ch := range waiters {
		ch <- result{err: err}
	}
	if w != nil && w.onError != nil {
		w.onError(err)
	}
}
