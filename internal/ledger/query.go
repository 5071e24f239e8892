package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ErrInvalidQuery is returned for malformed filters or page requests.
var ErrInvalidQuery = errors.New("invalid audit query")

const (
	DefaultPageSize = 20
	MaxPageSize     = 200
	DefaultSort     = "occurredAt"
)

// SortDirection is ASC or DESC.
type SortDirection string

const (
	SortAsc  SortDirection = "ASC"
	SortDesc SortDirection = "DESC"
)

// sortColumns maps the public sort field names to store columns.
var sortColumns = map[string]string{
	"occurredAt":  "occurred_at",
	"recordedAt":  "recorded_at",
	"eventType":   "event_type",
	"aggregateId": "aggregate_id",
	"sequence":    "seq",
}

// PageRequest selects one page of a sorted result set. Page is zero-based.
type PageRequest struct {
	Page          int
	Size          int
	SortField     string
	SortDirection SortDirection
}

// Offset is the number of rows skipped before the page.
func (p PageRequest) Offset() int { return p.Page * p.Size }

// Normalize applies defaults and rejects unknown sort fields.
func (p PageRequest) Normalize() (PageRequest, error) {
	if p.Page < 0 {
		return p, fmt.Errorf("%w: page must be non-negative", ErrInvalidQuery)
	}
	if p.Size <= 0 {
		p.Size = DefaultPageSize
	}
	if p.Size > MaxPageSize {
		p.Size = MaxPageSize
	}
	if p.Page > math.MaxInt/p.Size {
		return p, fmt.Errorf("%w: page %d is out of range", ErrInvalidQuery, p.Page)
	}
	if p.SortField == "" {
		p.SortField = DefaultSort
	}
	if _, ok := sortColumns[p.SortField]; !ok {
		return p, fmt.Errorf("%w: cannot sort by %q", ErrInvalidQuery, p.SortField)
	}
	switch SortDirection(strings.ToUpper(string(p.SortDirection))) {
	case "", SortAsc:
		p.SortDirection = SortAsc
	case SortDesc:
		p.SortDirection = SortDesc
	default:
		return p, fmt.Errorf("%w: sort direction must be ASC or DESC", ErrInvalidQuery)
	}
	return p, nil
}

// Filter restricts a read to matching entries. Empty fields match anything.
// The occurred-at range is half-open: [OccurredFrom, OccurredTo).
type Filter struct {
	AggregateID   string
	CorrelationID string
	EventType     string
	OccurredFrom  *time.Time
	OccurredTo    *time.Time
}

// Matches reports whether e satisfies f.
func (f Filter) Matches(e *Entry) bool {
	if f.AggregateID != "" && e.AggregateID != f.AggregateID {
		return false
	}
	if f.CorrelationID != "" && (e.CorrelationID == nil || *e.CorrelationID != f.CorrelationID) {
		return false
	}
	if f.EventType != "" && e.EventType != f.EventType {
		return false
	}
	if f.OccurredFrom != nil && e.OccurredAt.Before(*f.OccurredFrom) {
		return false
	}
	if f.OccurredTo != nil && !e.OccurredAt.Before(*f.OccurredTo) {
		return false
	}
	return true
}

// EntryView is the read projection of an Entry.
type EntryView struct {
	ID            string          `json:"id"`
	Sequence      int64           `json:"sequence"`
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	CorrelationID *string         `json:"correlation_id"`
	SourceService string          `json:"source_service"`
	ActorID       *string         `json:"actor_id"`
	ActorType     string          `json:"actor_type"`
	OldValue      json.RawMessage `json:"old_value"`
	NewValue      json.RawMessage `json:"new_value"`
	Metadata      json.RawMessage `json:"metadata"`
	OccurredAt    time.Time       `json:"occurred_at"`
	RecordedAt    time.Time       `json:"recorded_at"`
	Version       int64           `json:"version"`
	Hash          string          `json:"hash"`
	PreviousHash  string          `json:"previous_hash"`
}

// NewEntryView projects e.
func NewEntryView(e *Entry) EntryView {
	return EntryView{
		ID:            e.ID.String(),
		Sequence:      e.Seq,
		EventID:       e.EventID.String(),
		EventType:     e.EventType,
		AggregateType: e.AggregateType,
		AggregateID:   e.AggregateID,
		CorrelationID: e.CorrelationID,
		SourceService: e.SourceService,
		ActorID:       e.ActorID,
		ActorType:     string(e.ActorType),
		OldValue:      e.OldValue,
		NewValue:      e.NewValue,
		Metadata:      e.Metadata,
		OccurredAt:    e.OccurredAt,
		RecordedAt:    e.RecordedAt,
		Version:       e.Version,
		Hash:          e.Hash,
		PreviousHash:  e.PreviousHash,
	}
}

// Page is one page of query results. An empty Items slice is a valid result.
type Page struct {
	Items      []EntryView `json:"items"`
	Page       int         `json:"page"`
	Size       int         `json:"size"`
	TotalItems int64       `json:"total_items"`
	TotalPages int         `json:"total_pages"`
}

// QueryService serves read-only projections of the ledger.
type QueryService struct {
	reader Reader
	clock  Clock
	logger *zap.Logger
}

// NewQueryService creates a QueryService over reader. clock may be nil.
func NewQueryService(reader Reader, clock Clock, logger *zap.Logger) *QueryService {
	if clock == nil {
		clock = time.Now
	}
	return &QueryService{reader: reader, clock: clock, logger: logger}
}

// ByAggregateID returns entries for one aggregate.
func (s *QueryService) ByAggregateID(ctx context.Context, aggregateID string, p PageRequest) (*Page, error) {
	if aggregateID == "" {
		return nil, fmt.Errorf("%w: aggregate id is required", ErrInvalidQuery)
	}
	return s.find(ctx, Filter{AggregateID: aggregateID}, p)
}

// ByCorrelationID returns entries linked by a workflow correlation id.
func (s *QueryService) ByCorrelationID(ctx context.Context, correlationID string, p PageRequest) (*Page, error) {
	if correlationID == "" {
		return nil, fmt.Errorf("%w: correlation id is required", ErrInvalidQuery)
	}
	return s.find(ctx, Filter{CorrelationID: correlationID}, p)
}

// ByEventType returns entries of one event type.
func (s *QueryService) ByEventType(ctx context.Context, eventType string, p PageRequest) (*Page, error) {
	if eventType == "" {
		return nil, fmt.Errorf("%w: event type is required", ErrInvalidQuery)
	}
	return s.find(ctx, Filter{EventType: eventType}, p)
}

// ByOccurredRange returns entries whose occurred-at falls in [from, to).
// A nil from defaults to the Unix epoch, a nil to defaults to now.
func (s *QueryService) ByOccurredRange(ctx context.Context, from, to *time.Time, p PageRequest) (*Page, error) {
	f := time.Unix(0, 0).UTC()
	if from != nil {
		f = from.UTC()
	}
	t := s.clock().UTC()
	if to != nil {
		t = to.UTC()
	}
	return s.find(ctx, Filter{OccurredFrom: &f, OccurredTo: &t}, p)
}

func (s *QueryService) find(ctx context.Context, f Filter, p PageRequest) (*Page, error) {
	p, err := p.Normalize()
	if err != nil {
		return nil, err
	}

	entries, total, err := s.reader.Find(ctx, f, p)
	if err != nil {
		s.logger.Error("ledger query failed", zap.Error(err))
		return nil, fmt.Errorf("%w: find entries: %w", ErrStorage, err)
	}

	items := make([]EntryView, 0, len(entries))
	for _, e := range entries {
		items = append(items, NewEntryView(e))
	}
	pages := int((total + int64(p.Size) - 1) / int64(p.Size))
	return &Page{
		Items:      items,
		Page:       p.Page,
		Size:       p.Size,
		TotalItems: total,
		TotalPages: pages,
	}, nil
}
