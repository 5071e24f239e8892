package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/smart-health/audit-api/internal/auth"
	"github.com/smart-health/audit-api/internal/ingest"
	"github.com/smart-health/audit-api/internal/messaging"
)

// IngestHandler feeds raw envelopes into the in-process event queues. It is
// mounted only when ingestion runs on the memory transport.
type IngestHandler struct {
	queues map[string]messaging.Publisher
	tokens *auth.TokenIssuer
	logger *zap.Logger
}

// NewIngestHandler creates an IngestHandler publishing to queues, keyed by
// envelope family name.
func NewIngestHandler(queues map[string]messaging.Publisher, tokens *auth.TokenIssuer, logger *zap.Logger) *IngestHandler {
	return &IngestHandler{queues: queues, tokens: tokens, logger: logger}
}

// Register mounts POST /ingest/:family on the given router group.
func (h *IngestHandler) Register(rg *gin.RouterGroup) {
	rg.POST("/ingest/:family", auth.RequireRole(h.tokens, auth.RoleWrite), h.Publish)
}

// Publish handles POST /ingest/:family. The envelope is checked the way the
// consumer normalises it, then queued; it is appended asynchronously.
func (h *IngestHandler) Publish(c *gin.Context) {
	name := c.Param("family")
	queue, ok := h.queues[name]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown event family"})
		return
	}
	family, err := ingest.FamilyByName(name)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "could not read envelope"})
		return
	}
	cmd, err := family.Normalize(body, ingest.Resolver{})
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ingest.ErrMalformedPayload) {
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	if err := queue.Publish(c.Request.Context(), cmd.EventType, body); err != nil {
		h.logger.Error("queue envelope", zap.String("family", name), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event queue unavailable"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"family":       name,
		"event_type":   cmd.EventType,
		"aggregate_id": cmd.AggregateID,
	})
}
