package messaging_test

import (
	"context"
	"sync"

	"github.com/smart-health/audit-api/internal/ingest"
)

// flakyHandler abandons the first n deliveries and completes the rest.
type flakyHandler struct {
	mu        sync.Mutex
	failures  int
	attempts  int
	completed int
	errs      []error
}

func (h *flakyHandler) Handle(ctx context.Context, d ingest.Delivery) {
	h.mu.Lock()
	h.attempts++
	fail := h.attempts <= h.failures
	h.mu.Unlock()

	if fail {
		d.Abandon(ctx) //nolint:errcheck
		return
	}
	if err := d.Complete(ctx); err == nil {
		h.mu.Lock()
		h.completed++
		h.mu.Unlock()
	}
}

func (h *flakyHandler) OnError(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errs = append(h.errs, err)
}

func (h *flakyHandler) attemptCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.attempts
}

func (h *flakyHandler) completedCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.completed
}
