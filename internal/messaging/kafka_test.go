package messaging

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/smart-health/audit-api/internal/ingest"
	"github.com/smart-health/audit-api/internal/ledger"
)

// fakeTopic is a single-partition log with one consumer-group offset.
type fakeTopic struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	committed int64
	opened    int
}

func (ft *fakeTopic) reader() kafkaReader {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.opened++
	return &fakeReader{topic: ft, pos: ft.committed}
}

type fakeReader struct {
	topic *fakeTopic
	pos   int64
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.topic.mu.Lock()
	if r.pos < int64(len(r.topic.msgs)) {
		m := r.topic.msgs[r.pos]
		r.pos++
		r.topic.mu.Unlock()
		return m, nil
	}
	r.topic.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.topic.mu.Lock()
	defer r.topic.mu.Unlock()
	for _, m := range msgs {
		if m.Offset+1 > r.topic.committed {
			r.topic.committed = m.Offset + 1
		}
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

// offsetHandler abandons the first delivery of one offset, or every
// delivery when failAll is set.
type offsetHandler struct {
	mu       sync.Mutex
	abandon  int64
	failAll  bool
	seen     []string
	abandons int
	errs     int
}

func (h *offsetHandler) Handle(ctx context.Context, d ingest.Delivery) {
	kd := d.(*kafkaDelivery)
	h.mu.Lock()
	h.seen = append(h.seen, string(d.Body()))
	first := h.failAll || (kd.msg.Offset == h.abandon && h.abandons == 0)
	if first {
		h.abandons++
	}
	h.mu.Unlock()

	if first {
		d.Abandon(ctx) //nolint:errcheck
		return
	}
	d.Complete(ctx) //nolint:errcheck
}

func (h *offsetHandler) OnError(error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errs++
}

func (h *offsetHandler) errorCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.errs
}

func TestKafkaConsumer_abandonRewindsToCommittedOffset(t *testing.T) {
	topic := &fakeTopic{}
	for i, v := range []string{"a", "b", "c"} {
		topic.msgs = append(topic.msgs, kafka.Message{Topic: "appointments-events", Offset: int64(i), Value: []byte(v)})
	}

	c := &KafkaConsumer{
		cfg:       KafkaConfig{Topic: "appointments-events", GroupID: "audit"},
		newReader: topic.reader,
		backoff:   time.Millisecond,
		logger:    zap.NewNop(),
	}
	h := &offsetHandler{abandon: 1}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.Start(ctx, h) }()

	deadline := time.Now().Add(5 * time.Second)
	for {
		topic.mu.Lock()
		committed := topic.committed
		topic.mu.Unlock()
		if committed == 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("committed offset stuck at %d", committed)
		}
		time.Sleep(2 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Start returned %v", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	// a, b (abandoned), then b and c again from the reopened reader.
	want := []string{"a", "b", "b", "c"}
	if len(h.seen) != len(want) {
		t.Fatalf("deliveries = %v, want %v", h.seen, want)
	}
	for i := range want {
		if h.seen[i] != want[i] {
			t.Fatalf("deliveries = %v, want %v", h.seen, want)
		}
	}
	if topic.opened != 2 {
		t.Errorf("reader opened %d times, want 2", topic.opened)
	}
}

// waitCommitted polls until the topic's committed offset reaches want.
func waitCommitted(t *testing.T, topic *fakeTopic, want int64) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		topic.mu.Lock()
		committed := topic.committed
		topic.mu.Unlock()
		if committed == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("committed offset stuck at %d, want %d", committed, want)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestKafkaConsumer_malformedMessageDoesNotBlockPartition(t *testing.T) {
	topic := &fakeTopic{}
	bodies := []string{
		`not json`,
		`{"eventId":"6f1c2b9e-3d4a-4f5b-8c7d-1e2f3a4b5c6d","eventType":"AppointmentCreated","appointmentId":"A1","occurredAt":"2024-09-01T08:00:00Z"}`,
	}
	for i, v := range bodies {
		topic.msgs = append(topic.msgs, kafka.Message{
			Topic: "appointments-events", Offset: int64(i), Key: []byte("A1"), Value: []byte(v),
		})
	}

	dlq := NewMemoryQueue(0, zap.NewNop())
	c := &KafkaConsumer{
		cfg:        KafkaConfig{Topic: "appointments-events", GroupID: "audit", MaxDeliveries: 3, DeadLetterTopic: "appointments-events.dlq"},
		newReader:  topic.reader,
		deadLetter: dlq,
		backoff:    time.Millisecond,
		logger:     zap.NewNop(),
	}

	store := ledger.NewMemoryStore()
	eng := ledger.NewEngine(store, ledger.EngineConfig{}, zap.NewNop())
	adapter := ingest.NewAdapter(eng, ingest.AppointmentFamily{}, ingest.Resolver{}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.Start(ctx, adapter) }()

	waitCommitted(t, topic, 2)
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Start returned %v", err)
	}

	if n, _ := store.Count(context.Background()); n != 1 {
		t.Errorf("stored entries = %d, want the envelope after the malformed one", n)
	}
	if dlq.Len() != 1 {
		t.Fatalf("dead-letter topic holds %d messages, want 1", dlq.Len())
	}
	topic.mu.Lock()
	opened := topic.opened
	topic.mu.Unlock()
	// One initial reader plus a rewind after each of the first two abandons.
	if opened != 3 {
		t.Errorf("reader opened %d times, want 3", opened)
	}
}

// failingPublisher rejects every publish.
type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, string, []byte) error {
	return errors.New("broker unavailable")
}

func (failingPublisher) Close() error { return nil }

func TestKafkaConsumer_deadLetterFailureKeepsOffset(t *testing.T) {
	topic := &fakeTopic{msgs: []kafka.Message{{Topic: "payments-events", Offset: 0, Value: []byte("not json")}}}
	c := &KafkaConsumer{
		cfg:        KafkaConfig{Topic: "payments-events", GroupID: "audit", MaxDeliveries: 1, DeadLetterTopic: "payments-events.dlq"},
		newReader:  topic.reader,
		deadLetter: failingPublisher{},
		backoff:    time.Millisecond,
		logger:     zap.NewNop(),
	}
	h := &offsetHandler{abandon: -1}
	h.failAll = true

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := c.Start(ctx, h); err != nil {
		t.Errorf("Start returned %v", err)
	}

	topic.mu.Lock()
	defer topic.mu.Unlock()
	if topic.committed != 0 {
		t.Errorf("offset committed to %d although the dead-letter publish failed", topic.committed)
	}
	if h.errorCount() == 0 {
		t.Error("dead-letter failure was not reported to the handler")
	}
}
