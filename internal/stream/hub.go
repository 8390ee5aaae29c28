package stream

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"backend-fleetroster/internal/metrics"
	"backend-fleetroster/internal/reconcile"
	"backend-fleetroster/internal/roster"

	"go.uber.org/zap"
)

const (
	sendBuffer          = 64
	defaultRefreshEvery = 30 * time.Second
)

// Message is one frame sent to a viewer.
type Message struct {
	Type string         `json:"type"`
	Diff reconcile.Diff `json:"diff"`
}

// Hub tracks connected roster viewers. Each viewer owns a store
// subscription and a reconciler, so it only ever receives diffs against what
// it has already drawn.
type Hub struct {
	store        *roster.Store
	logger       *zap.Logger
	metrics      *metrics.Metrics
	refreshEvery time.Duration
	now          func() time.Time

	clients map[*Client]struct{}
	mu      sync.RWMutex
}

type Client struct {
	Role string
	Send chan []byte

	hub *Hub
	sub *roster.Subscription
	rec *reconcile.Reconciler

	// applyMu keeps the seed ahead of the first change batch.
	applyMu sync.Mutex
	sendMu  sync.Mutex
	closed  bool
}

func NewHub(store *roster.Store, log *zap.Logger, m *metrics.Metrics) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewUnregistered()
	}
	return &Hub{
		store:        store,
		logger:       log.With(zap.String("module", "stream")),
		metrics:      m,
		refreshEvery: defaultRefreshEvery,
		now:          time.Now,
		clients:      map[*Client]struct{}{},
	}
}

// WithRefresh sets how often presence decay is pushed. Non-positive values
// keep the default.
func (h *Hub) WithRefresh(every time.Duration) *Hub {
	if every > 0 {
		h.refreshEvery = every
	}
	return h
}

// Register subscribes a new viewer to entities of role (all when empty).
// The first frame on Send is the snapshot.
func (h *Hub) Register(role string) *Client {
	client := &Client{
		Role: role,
		Send: make(chan []byte, sendBuffer),
		hub:  h,
		rec:  reconcile.New(h.store.Policy(), h.now),
	}

	client.applyMu.Lock()
	snapshot, sub := h.store.Subscribe(roster.ByRole(role), client.onChanges)
	client.sub = sub
	client.push("snapshot", client.rec.Seed(snapshot))
	client.applyMu.Unlock()

	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
	h.metrics.Viewers.Inc()
	return client
}

func (h *Hub) Unregister(client *Client) {
	client.sub.Unsubscribe()

	h.mu.Lock()
	_, ok := h.clients[client]
	delete(h.clients, client)
	h.mu.Unlock()

	client.close()
	client.rec.Reset()
	if ok {
		h.metrics.Viewers.Dec()
	}
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Run pushes presence decay to viewers until ctx is done. Entities that
// stop publishing age from online to idle and away without any store change.
func (h *Hub) Run(ctx context.Context) {
	t := time.NewTicker(h.refreshEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			h.refresh(h.now())
		}
	}
}

func (h *Hub) refresh(now time.Time) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.applyMu.Lock()
		d := c.rec.Refresh(now)
		if !d.Empty() {
			c.push("diff", d)
		}
		c.applyMu.Unlock()
	}
}

func (c *Client) onChanges(batch []roster.Change) {
	c.applyMu.Lock()
	defer c.applyMu.Unlock()
	d := c.rec.ApplyBatch(batch)
	if !d.Empty() {
		c.push("diff", d)
	}
}

// push never blocks. A viewer that cannot keep up is disconnected and
// starts over from a fresh snapshot when it reconnects.
func (c *Client) push(kind string, d reconcile.Diff) {
	payload, err := json.Marshal(Message{Type: kind, Diff: d})
	if err != nil {
		c.hub.logger.Error("encode diff", zap.Error(err))
		return
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.Send <- payload:
	default:
		c.hub.logger.Warn("viewer too slow, disconnecting", zap.String("role", c.Role))
		c.closed = true
		close(c.Send)
	}
}

func (c *Client) close() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.Send)
	}
}
