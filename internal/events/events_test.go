package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"backend-fleetroster/internal/metrics"
	"backend-fleetroster/internal/roster"

	"github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap/zaptest"
)

type fakeAsyncProducer struct {
	input  chan *sarama.ProducerMessage
	errors chan *sarama.ProducerError
}

func newFakeAsyncProducer(buffer int) *fakeAsyncProducer {
	return &fakeAsyncProducer{
		input:  make(chan *sarama.ProducerMessage, buffer),
		errors: make(chan *sarama.ProducerError, 1),
	}
}

func (f *fakeAsyncProducer) AsyncClose() {}

func (f *fakeAsyncProducer) Close() error { return nil }

func (f *fakeAsyncProducer) Input() chan<- *sarama.ProducerMessage { return f.input }

func (f *fakeAsyncProducer) Successes() <-chan *sarama.ProducerMessage { return nil }

func (f *fakeAsyncProducer) Errors() <-chan *sarama.ProducerError { return f.errors }

func (f *fakeAsyncProducer) IsTransactional() bool { return false }

func (f *fakeAsyncProducer) BeginTxn() error { return nil }

func (f *fakeAsyncProducer) CommitTxn() error { return nil }

func (f *fakeAsyncProducer) AbortTxn() error { return nil }

func (f *fakeAsyncProducer) AddOffsetsToTxn(offsets map[string][]*sarama.PartitionOffsetMetadata, groupID string) error {
	return nil
}

func (f *fakeAsyncProducer) AddMessageToTxn(msg *sarama.ConsumerMessage, groupID string, metadata *string) error {
	return nil
}

func (f *fakeAsyncProducer) TxnStatus() sarama.ProducerTxnStatusFlag {
	return sarama.ProducerTxnStatusFlag(0)
}

func TestProducerPublishRosterChanged(t *testing.T) {
	ap := newFakeAsyncProducer(1)
	p := newProducer(ap, "", zaptest.NewLogger(t))
	defer p.Close()

	at := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	err := p.PublishRosterChanged(context.Background(), RosterChanged{
		EventID:    "ev-1",
		Kind:       roster.Updated,
		EntityID:   "driver-1",
		OccurredAt: at,
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	msg := <-ap.input
	if msg.Topic != DefaultTopic {
		t.Fatalf("unexpected topic %q", msg.Topic)
	}
	key, _ := msg.Key.Encode()
	if string(key) != "driver-1" {
		t.Fatalf("unexpected key %q", key)
	}
	value, _ := msg.Value.Encode()
	var got RosterChanged
	if err := json.Unmarshal(value, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.EventID != "ev-1" || got.Kind != roster.Updated || !got.OccurredAt.Equal(at) {
		t.Fatalf("unexpected payload: %+v", got)
	}
	if len(msg.Headers) != 1 || string(msg.Headers[0].Value) != "roster.updated" {
		t.Fatalf("unexpected headers: %+v", msg.Headers)
	}
}

func TestProducerPublishHonoursContext(t *testing.T) {
	ap := newFakeAsyncProducer(0)
	p := newProducer(ap, "custom", zaptest.NewLogger(t))
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := p.PublishRosterChanged(ctx, RosterChanged{EntityID: "d1"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context error, got %v", err)
	}
}

func TestProducerLogsAsyncErrors(t *testing.T) {
	ap := newFakeAsyncProducer(1)
	p := newProducer(ap, "", zaptest.NewLogger(t))
	ap.errors <- &sarama.ProducerError{Msg: &sarama.ProducerMessage{Topic: DefaultTopic}, Err: errors.New("broker down")}
	time.Sleep(10 * time.Millisecond)
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []RosterChanged
	err    error
}

func (r *recordingPublisher) PublishRosterChanged(_ context.Context, ev RosterChanged) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingPublisher) Close() error { return nil }

func (r *recordingPublisher) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func waitCount(t *testing.T, what string, f func() float64, want float64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for f() < want {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRelayForwardsChanges(t *testing.T) {
	m := metrics.NewUnregistered()
	store := roster.NewStore(nil, nil, m, roster.Options{})
	pub := &recordingPublisher{}
	relay := NewRelay(store, pub, "node-a", zaptest.NewLogger(t), m)
	relay.Start()
	relay.Start()

	at := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	_, _ = store.Publish(context.Background(), roster.Publish{EntityID: "d1", IsOnline: true, Timestamp: at, Profile: &roster.Profile{Role: "delivery"}})
	_, _ = store.Publish(context.Background(), roster.Publish{EntityID: "d1", IsOnline: false, Timestamp: at.Add(time.Second)})

	waitCount(t, "relayed events", func() float64 { return float64(pub.count()) }, 2)
	relay.Stop()

	pub.mu.Lock()
	first, second := pub.events[0], pub.events[1]
	pub.mu.Unlock()
	if first.Kind != roster.Added || first.Entity == nil || first.Entity.Role != "delivery" || first.Origin != "node-a" {
		t.Fatalf("unexpected first event: %+v", first)
	}
	if second.Kind != roster.Updated || second.Presence != "offline" {
		t.Fatalf("unexpected second event: %+v", second)
	}
	if got := testutil.ToFloat64(m.RelayedChanges.WithLabelValues("ok")); got != 2 {
		t.Fatalf("relayed ok counter: %v", got)
	}

	_, _ = store.Publish(context.Background(), roster.Publish{EntityID: "d2", IsOnline: true, Timestamp: at})
	time.Sleep(20 * time.Millisecond)
	if pub.count() != 2 {
		t.Fatalf("stopped relay must not forward")
	}
}

func TestRelayCountsFailures(t *testing.T) {
	m := metrics.NewUnregistered()
	store := roster.NewStore(nil, nil, m, roster.Options{})
	relay := NewRelay(store, &recordingPublisher{err: errors.New("kafka down")}, "", nil, m)
	relay.Start()
	defer relay.Stop()

	_, _ = store.Publish(context.Background(), roster.Publish{EntityID: "d1", IsOnline: true, Timestamp: time.Now()})
	waitCount(t, "relay failure", func() float64 { return testutil.ToFloat64(m.RelayedChanges.WithLabelValues("error")) }, 1)
}

func TestStubPublisher(t *testing.T) {
	p := NewStubPublisher(zaptest.NewLogger(t))
	if err := p.PublishRosterChanged(context.Background(), RosterChanged{Kind: roster.Removed, EntityID: "d1"}); err != nil {
		t.Fatalf("stub publish: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("stub close: %v", err)
	}
}
