package roster

import "sync"

// Subscription delivers batches of changes to one handler on its own
// goroutine. The queue is unbounded; a slow handler delays only itself.
type Subscription struct {
	store   *Store
	filter  Filter
	handler func([]Change)

	mu    sync.Mutex
	queue []Change

	wake chan struct{}
	done chan struct{}

	deliverMu sync.Mutex
	closed    bool
	once      sync.Once
}

func newSubscription(s *Store, filter Filter, handler func([]Change)) *Subscription {
	return &Subscription{
		store:   s,
		filter:  filter,
		handler: handler,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

func (s *Subscription) enqueue(c Change) {
	s.mu.Lock()
	s.queue = append(s.queue, c)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}

		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()
		if len(batch) == 0 {
			continue
		}

		s.deliverMu.Lock()
		if s.closed {
			s.deliverMu.Unlock()
			return
		}
		if s.handler != nil {
			s.handler(batch)
		}
		s.deliverMu.Unlock()
	}
}

// Unsubscribe detaches the handler. Once it returns the handler is not
// invoked again. It must not be called from inside the handler.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.store.detach(s)
		s.deliverMu.Lock()
		s.closed = true
		s.deliverMu.Unlock()
		close(s.done)
	})
}
