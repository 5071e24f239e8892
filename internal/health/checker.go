// Package health runs the periodic ledger integrity check and reports the
// result to the service's health endpoints.
package health

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/smart-health/audit-api/internal/ledger"
)

// Config holds integrity check configuration.
type Config struct {
	CheckInterval time.Duration
	ProbeTimeout  time.Duration
	FailThreshold int
}

// LedgerProbe is the part of ledger.Engine the checker exercises.
type LedgerProbe interface {
	Stats(ctx context.Context) (ledger.Stats, error)
	Verify(ctx context.Context) error
}

// StatusUpdateFunc is called when the ledger transitions between serving and
// degraded.
type StatusUpdateFunc func(serving bool)

// WebhookDispatchFunc is an optional callback for dispatching degraded and
// recovered events.
type WebhookDispatchFunc func(ctx context.Context, eventType string, payload map[string]string)

// MetricsRecordFunc is an optional callback for recording check results.
type MetricsRecordFunc func(success bool)

// EntriesRecordFunc is an optional callback receiving the ledger size after
// each successful stats read.
type EntriesRecordFunc func(entries int64)

// Checker periodically verifies the whole hash chain. After FailThreshold
// consecutive failures the ledger is reported degraded; the next success
// reports it serving again.
type Checker struct {
	probe     LedgerProbe
	cfg       Config
	mu        sync.Mutex
	failCount int
	onStatus  StatusUpdateFunc
	onWebhook WebhookDispatchFunc
	onMetrics MetricsRecordFunc
	onEntries EntriesRecordFunc
	logger    *zap.Logger
}

// New creates a new Checker.
func New(probe LedgerProbe, cfg Config, logger *zap.Logger) *Checker {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 5 * time.Minute
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = time.Minute
	}
	if cfg.FailThreshold == 0 {
		cfg.FailThreshold = 3
	}
	return &Checker{probe: probe, cfg: cfg, logger: logger}
}

// SetStatusUpdate configures the serving-status callback.
func (h *Checker) SetStatusUpdate(fn StatusUpdateFunc) {
	h.onStatus = fn
}

// SetWebhookDispatch configures the webhook dispatch callback.
func (h *Checker) SetWebhookDispatch(fn WebhookDispatchFunc) {
	h.onWebhook = fn
}

// SetMetricsRecord configures the metrics recording callback.
func (h *Checker) SetMetricsRecord(fn MetricsRecordFunc) {
	h.onMetrics = fn
}

// SetEntriesRecord configures the ledger size callback.
func (h *Checker) SetEntriesRecord(fn EntriesRecordFunc) {
	h.onEntries = fn
}

// Start runs the check loop until ctx is cancelled.
func (h *Checker) Start(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.CheckOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// CheckOnce runs one integrity check and applies the status transitions.
// It reports whether the check passed.
func (h *Checker) CheckOnce(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, h.cfg.ProbeTimeout)
	defer cancel()

	err := h.check(ctx)
	success := err == nil

	if h.onMetrics != nil {
		h.onMetrics(success)
	}

	h.mu.Lock()
	prevCount := h.failCount
	if success {
		h.failCount = 0
	} else {
		h.failCount++
	}
	count := h.failCount
	h.mu.Unlock()

	var chainErr *ledger.ChainError
	switch {
	case success && prevCount >= h.cfg.FailThreshold:
		// Transition: degraded → serving
		h.logger.Info("health: ledger recovered", zap.Int("failed_checks", prevCount))
		h.setStatus(true)
		h.dispatch(ctx, "ledger.recovered", map[string]string{
			"failed_checks": strconv.Itoa(prevCount),
		})
	case success:
	case errors.As(err, &chainErr):
		h.logger.Error("health: ledger chain broken",
			zap.Int64("sequence", chainErr.Seq),
			zap.String("reason", chainErr.Reason),
		)
	default:
		h.logger.Warn("health: integrity check failed", zap.Error(err), zap.Int("fail_count", count))
	}

	if !success && count == h.cfg.FailThreshold {
		// Transition: serving → degraded (exactly at threshold)
		h.logger.Warn("health: ledger degraded", zap.Int("fail_count", count))
		h.setStatus(false)
		payload := map[string]string{
			"fail_count": strconv.Itoa(count),
			"error":      err.Error(),
		}
		if chainErr != nil {
			payload["sequence"] = strconv.FormatInt(chainErr.Seq, 10)
		}
		h.dispatch(ctx, "ledger.degraded", payload)
	}
	return success
}

func (h *Checker) check(ctx context.Context) error {
	stats, err := h.probe.Stats(ctx)
	if err != nil {
		return err
	}
	if h.onEntries != nil {
		h.onEntries(stats.Entries)
	}
	return h.probe.Verify(ctx)
}

func (h *Checker) dispatch(ctx context.Context, eventType string, payload map[string]string) {
	if h.onWebhook != nil {
		h.onWebhook(ctx, eventType, payload)
	}
}

func (h *Checker) setStatus(serving bool) {
	if h.onStatus != nil {
		h.onStatus(serving)
	}
}
