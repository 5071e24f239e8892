package api_test

import (
	"context"
	"net/http"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/smart-health/audit-api/internal/api"
	"github.com/smart-health/audit-api/internal/auth"
	"github.com/smart-health/audit-api/internal/ingest"
	"github.com/smart-health/audit-api/internal/ledger"
	"github.com/smart-health/audit-api/internal/messaging"
)

func TestIngest_memoryQueueFeedsLedger(t *testing.T) {
	store := ledger.NewMemoryStore()
	f := setup(t, store, nil)
	queue := messaging.NewMemoryQueue(3, zap.NewNop())
	api.NewIngestHandler(map[string]messaging.Publisher{ingest.FamilyAppointments: queue}, f.tokens, zap.NewNop()).
		Register(f.router.Group("/api"))

	tok := f.token(t, auth.RoleWrite)
	envelope := `{"eventType":"AppointmentCreated","appointmentId":"A7","occurredAt":"2024-06-01T08:00:00Z"}`

	if w := f.do(t, http.MethodPost, "/api/ingest/appointments", tok, envelope); w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	if w := f.do(t, http.MethodPost, "/api/ingest/appointments", tok, `{"eventType":"AppointmentCreated"}`); w.Code != http.StatusBadRequest {
		t.Errorf("envelope without appointmentId: expected 400, got %d", w.Code)
	}
	if w := f.do(t, http.MethodPost, "/api/ingest/payments", tok, envelope); w.Code != http.StatusNotFound {
		t.Errorf("family without a queue: expected 404, got %d", w.Code)
	}
	if w := f.do(t, http.MethodPost, "/api/ingest/appointments", f.token(t, auth.RoleRead), envelope); w.Code != http.StatusForbidden {
		t.Errorf("read role: expected 403, got %d", w.Code)
	}
	if queue.Len() != 1 {
		t.Fatalf("queued %d envelopes, want 1", queue.Len())
	}

	adapter := ingest.NewAdapter(f.engine, ingest.AppointmentFamily{}, ingest.Resolver{}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- queue.Start(ctx, adapter) }()

	deadline := time.Now().Add(5 * time.Second)
	for {
		if n, _ := store.Count(context.Background()); n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("queued envelope was never appended")
		}
		time.Sleep(2 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Start returned %v", err)
	}
}
