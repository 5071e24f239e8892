package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/smart-health/audit-api/internal/auth"
	"github.com/smart-health/audit-api/internal/ledger"
)

// AuditHandler serves the audit query endpoints, the direct append endpoint
// and the ledger overview.
type AuditHandler struct {
	queries *ledger.QueryService
	engine  *ledger.Engine
	tokens  *auth.TokenIssuer
	logger  *zap.Logger
}

// NewAuditHandler creates a new AuditHandler.
func NewAuditHandler(queries *ledger.QueryService, engine *ledger.Engine, tokens *auth.TokenIssuer, logger *zap.Logger) *AuditHandler {
	return &AuditHandler{queries: queries, engine: engine, tokens: tokens, logger: logger}
}

// Register mounts the audit routes on the given router group.
func (h *AuditHandler) Register(rg *gin.RouterGroup) {
	read := auth.RequireRole(h.tokens, auth.RoleRead)
	write := auth.RequireRole(h.tokens, auth.RoleWrite)

	a := rg.Group("/audit")
	{
		a.GET("", read, h.Search)
		a.GET("/aggregate/:aggregateId", read, h.ByAggregate)
		a.GET("/correlation/:correlationId", read, h.ByCorrelation)
		a.GET("/events", read, h.ByEventType)
		a.POST("/entries", write, h.AppendEntry)
		a.GET("/ledger", read, h.Overview)
		a.GET("/ledger/verify", read, h.Verify)
	}
}

// ByAggregate handles GET /audit/aggregate/:aggregateId.
func (h *AuditHandler) ByAggregate(c *gin.Context) {
	p, ok := pageRequest(c)
	if !ok {
		return
	}
	page, err := h.queries.ByAggregateID(c.Request.Context(), c.Param("aggregateId"), p)
	h.respondPage(c, page, err)
}

// ByCorrelation handles GET /audit/correlation/:correlationId.
func (h *AuditHandler) ByCorrelation(c *gin.Context) {
	p, ok := pageRequest(c)
	if !ok {
		return
	}
	page, err := h.queries.ByCorrelationID(c.Request.Context(), c.Param("correlationId"), p)
	h.respondPage(c, page, err)
}

// ByEventType handles GET /audit/events?eventType=.
func (h *AuditHandler) ByEventType(c *gin.Context) {
	p, ok := pageRequest(c)
	if !ok {
		return
	}
	page, err := h.queries.ByEventType(c.Request.Context(), c.Query("eventType"), p)
	h.respondPage(c, page, err)
}

// Search handles GET /audit?eventType=&from=&to=. An eventType filter takes
// precedence over the time range.
func (h *AuditHandler) Search(c *gin.Context) {
	p, ok := pageRequest(c)
	if !ok {
		return
	}
	if et := c.Query("eventType"); et != "" {
		page, err := h.queries.ByEventType(c.Request.Context(), et, p)
		h.respondPage(c, page, err)
		return
	}

	from, err := timeParam(c, "from")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	to, err := timeParam(c, "to")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	page, err := h.queries.ByOccurredRange(c.Request.Context(), from, to, p)
	h.respondPage(c, page, err)
}

// AppendEntry handles POST /audit/entries. A new entry answers 201, a
// replayed event id answers 200 with the id of the entry already stored.
func (h *AuditHandler) AppendEntry(c *gin.Context) {
	var cmd ledger.AppendCommand
	if err := c.ShouldBindJSON(&cmd); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// Unattributed commands are attributed to the caller.
	if claims := auth.ClaimsFromCtx(c); claims != nil && cmd.ActorID == nil && claims.Subject != "" {
		sub := claims.Subject
		cmd.ActorID = &sub
		if cmd.ActorType == "" {
			cmd.ActorType = ledger.ActorUser
		}
	}

	res, err := h.engine.Append(c.Request.Context(), &cmd)
	if err != nil {
		h.respondError(c, "append entry", err)
		return
	}

	if res.Duplicate() {
		c.JSON(http.StatusOK, gin.H{
			"outcome":  res.Outcome.String(),
			"entry_id": res.EntryID,
		})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"outcome":  res.Outcome.String(),
		"entry_id": res.EntryID,
		"entry":    ledger.NewEntryView(res.Entry),
	})
}

// Overview handles GET /audit/ledger and returns the entry count and the
// current chain root.
func (h *AuditHandler) Overview(c *gin.Context) {
	stats, err := h.engine.Stats(c.Request.Context())
	if err != nil {
		h.respondError(c, "ledger stats", err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// Verify handles GET /audit/ledger/verify. A broken chain is reported as
// valid=false, not as an HTTP error.
func (h *AuditHandler) Verify(c *gin.Context) {
	err := h.engine.Verify(c.Request.Context())
	var chainErr *ledger.ChainError
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"valid": true})
	case errors.As(err, &chainErr):
		h.logger.Warn("ledger integrity check failed", zap.Error(err))
		c.JSON(http.StatusOK, gin.H{
			"valid":    false,
			"error":    err.Error(),
			"sequence": chainErr.Seq,
		})
	default:
		h.respondError(c, "verify ledger", err)
	}
}

func (h *AuditHandler) respondPage(c *gin.Context, page *ledger.Page, err error) {
	if err != nil {
		h.respondError(c, "query ledger", err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (h *AuditHandler) respondError(c *gin.Context, op string, err error) {
	switch {
	case errors.Is(err, ledger.ErrInvalidQuery), errors.Is(err, ledger.ErrInvalidCommand):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, ledger.ErrHashingUnavailable):
		h.logger.Error(op, zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "hashing unavailable"})
	case ledger.IsRetryable(err):
		h.logger.Error(op, zap.Error(err))
		c.Header("Retry-After", "1")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "ledger temporarily unavailable"})
	default:
		h.logger.Error(op, zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": op + " failed"})
	}
}

// pageRequest reads page, size and sort=field[,asc|desc] from the query
// string. It writes a 400 and returns false on malformed input.
func pageRequest(c *gin.Context) (ledger.PageRequest, bool) {
	var p ledger.PageRequest

	if s := c.Query("page"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "page must be an integer"})
			return p, false
		}
		p.Page = n
	}
	if s := c.Query("size"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "size must be a non-negative integer"})
			return p, false
		}
		p.Size = n
	}
	if s := c.Query("sort"); s != "" {
		field, dir, _ := strings.Cut(s, ",")
		p.SortField = strings.TrimSpace(field)
		p.SortDirection = ledger.SortDirection(strings.TrimSpace(dir))
	}
	return p, true
}

func timeParam(c *gin.Context, name string) (*time.Time, error) {
	s := c.Query(name)
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil, fmt.Errorf("%s must be an RFC 3339 timestamp", name)
	}
	return &t, nil
}
