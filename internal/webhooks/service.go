// Package webhooks delivers signed ledger alerts to operator endpoints.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Event types dispatched by the integrity monitor.
const (
	EventLedgerDegraded  = "ledger.degraded"
	EventLedgerRecovered = "ledger.recovered"
)

// SignatureHeader carries the HMAC-SHA256 of the request body.
const SignatureHeader = "X-Audit-Signature"

// Event is the JSON body POSTed to every endpoint.
type Event struct {
	Type      string            `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Payload   map[string]string `json:"payload"`
}

// MetricsRecorder is an optional callback for recording delivery outcomes.
type MetricsRecorder func(success bool)

// Notifier fans alerts out to a fixed set of endpoints, all signed with one
// shared secret.
type Notifier struct {
	urls       []string
	secret     string
	httpClient *http.Client
	delays     []time.Duration
	onMetrics  MetricsRecorder
	wg         sync.WaitGroup
	logger     *zap.Logger
}

// NewNotifier creates a Notifier. An empty urls list makes Dispatch a no-op.
func NewNotifier(urls []string, secret string, logger *zap.Logger) *Notifier {
	return &Notifier{
		urls:       urls,
		secret:     secret,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		// Retry with exponential backoff: 1s, 5s.
		delays: []time.Duration{0, 1 * time.Second, 5 * time.Second},
		logger: logger,
	}
}

// SetMetricsRecorder configures the metrics callback.
func (n *Notifier) SetMetricsRecorder(fn MetricsRecorder) {
	n.onMetrics = fn
}

// Dispatch sends the event to every endpoint in the background. Delivery
// outlives ctx's cancellation but not its values.
func (n *Notifier) Dispatch(ctx context.Context, eventType string, payload map[string]string) {
	if len(n.urls) == 0 {
		return
	}
	body, err := json.Marshal(Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	})
	if err != nil {
		n.logger.Error("webhook: marshal event", zap.Error(err))
		return
	}

	ctx = context.WithoutCancel(ctx)
	signature := Sign(body, n.secret)
	for _, url := range n.urls {
		n.wg.Add(1)
		go func(url string) {
			defer n.wg.Done()
			n.deliver(ctx, url, eventType, body, signature)
		}(url)
	}
}

// Wait blocks until all in-flight deliveries have finished.
func (n *Notifier) Wait() {
	n.wg.Wait()
}

// deliver sends the event to a single endpoint with retries.
func (n *Notifier) deliver(ctx context.Context, url, eventType string, body []byte, signature string) {
	for attempt := 1; attempt <= len(n.delays); attempt++ {
		if d := n.delays[attempt-1]; d > 0 {
			time.Sleep(d)
		}

		success, errMsg := n.doDelivery(ctx, url, body, signature)
		if n.onMetrics != nil {
			n.onMetrics(success)
		}
		if success {
			return
		}

		n.logger.Warn("webhook: delivery failed",
			zap.String("url", url),
			zap.String("event", eventType),
			zap.Int("attempt", attempt),
			zap.String("error", errMsg),
		)
	}
}

// doDelivery performs a single HTTP POST delivery.
func (n *Notifier) doDelivery(ctx context.Context, url string, body []byte, signature string) (bool, string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false, err.Error()
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, signature)

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return false, err.Error()
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024)) //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false, fmt.Sprintf("HTTP %d", resp.StatusCode)
	}
	return true, ""
}

// Sign computes the HMAC-SHA256 signature receivers check against
// SignatureHeader.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
