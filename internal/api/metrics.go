package api

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	auditRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "audit_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	auditRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "audit_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	auditLedgerAppendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "audit_ledger_appends_total",
		Help: "Ledger append attempts by outcome.",
	}, []string{"outcome"})

	auditIngestedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "audit_ingested_deliveries_total",
		Help: "Event deliveries handled by envelope family and outcome.",
	}, []string{"family", "outcome"})

	auditIntegrityChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "audit_integrity_checks_total",
		Help: "Periodic ledger integrity checks by result.",
	}, []string{"result"})

	auditWebhookDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "audit_webhook_deliveries_total",
		Help: "Total alert webhook deliveries by success status.",
	}, []string{"status"})

	auditLedgerEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "audit_ledger_entries",
		Help: "Number of entries in the ledger at the last integrity check.",
	})
)

// PrometheusMiddleware returns a Gin middleware that records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		auditRequestsTotal.WithLabelValues(method, path, status).Inc()
		auditRequestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordLedgerAppend records one append attempt. Matches ledger.MetricsRecordFunc.
func RecordLedgerAppend(outcome string) {
	auditLedgerAppendsTotal.WithLabelValues(outcome).Inc()
}

// RecordIngest records one handled delivery. Matches ingest.OutcomeRecordFunc.
func RecordIngest(family, outcome string) {
	auditIngestedTotal.WithLabelValues(family, outcome).Inc()
}

// RecordIntegrityCheck records a periodic integrity check result.
func RecordIntegrityCheck(success bool) {
	if success {
		auditIntegrityChecksTotal.WithLabelValues("success").Inc()
	} else {
		auditIntegrityChecksTotal.WithLabelValues("failure").Inc()
	}
}

// RecordWebhookDelivery records an alert webhook delivery attempt.
func RecordWebhookDelivery(success bool) {
	if success {
		auditWebhookDeliveriesTotal.WithLabelValues("success").Inc()
	} else {
		auditWebhookDeliveriesTotal.WithLabelValues("failure").Inc()
	}
}

// SetLedgerEntries sets the ledger size gauge.
func SetLedgerEntries(n int64) {
	auditLedgerEntries.Set(float64(n))
}
