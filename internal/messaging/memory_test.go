package messaging_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/smart-health/audit-api/internal/ingest"
	"github.com/smart-health/audit-api/internal/ledger"
	"github.com/smart-health/audit-api/internal/messaging"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestMemoryQueue_poisonMessageIsDeadLetteredStreamContinues(t *testing.T) {
	store := ledger.NewMemoryStore()
	eng := ledger.NewEngine(store, ledger.EngineConfig{}, zap.NewNop())
	adapter := ingest.NewAdapter(eng, ingest.PaymentFamily{}, ingest.Resolver{}, zap.NewNop())

	q := messaging.NewMemoryQueue(3, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- q.Start(ctx, adapter) }()

	good := func() []byte {
		return []byte(`{"eventId":"` + uuid.NewString() + `","eventType":"PaymentCompleted","paymentId":"P1","appointmentId":"A1"}`)
	}
	for _, body := range [][]byte{good(), []byte(`{"paymentId":`), good()} {
		if err := q.Publish(ctx, "payments.completed", body); err != nil {
			t.Fatal(err)
		}
	}

	waitFor(t, func() bool {
		n, _ := store.Count(ctx)
		return n == 2 && len(q.DeadLetters()) == 1 && q.Len() == 0
	})

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Start did not return after cancel")
	}

	if string(q.DeadLetters()[0]) != `{"paymentId":` {
		t.Errorf("unexpected dead letter %s", q.DeadLetters()[0])
	}
}

func TestMemoryQueue_redeliversAbandoned(t *testing.T) {
	q := messaging.NewMemoryQueue(0, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := &flakyHandler{failures: 2}
	go q.Start(ctx, h) //nolint:errcheck

	if err := q.Publish(ctx, "", []byte("x")); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return h.completedCount() == 1 })

	if got := h.attemptCount(); got != 3 {
		t.Errorf("expected 3 deliveries, got %d", got)
	}
	if len(q.DeadLetters()) != 0 {
		t.Error("unlimited deliveries should never dead-letter")
	}
}
