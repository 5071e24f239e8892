package ledger_test

import (
	"errors"
	"math"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/smart-health/audit-api/internal/ledger"
)

var base = time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)

// seed appends entries out of occurred-at order so sorting is observable.
func seed(t *testing.T) (*ledger.MemoryStore, *ledger.Engine) {
	t.Helper()
	store := ledger.NewMemoryStore()
	eng := newEngine(store)

	corr := "wf-42"
	cmds := []*ledger.AppendCommand{
		newCommand("AppointmentConfirmed", "A1", base.Add(2*time.Hour)),
		newCommand("AppointmentCreated", "A1", base),
		newCommand("AppointmentCreated", "A2", base.Add(time.Hour)),
		newCommand("PaymentCompleted", "P1", base.Add(3*time.Hour)),
	}
	cmds[1].CorrelationID = &corr
	cmds[3].CorrelationID = &corr
	cmds[3].AggregateType = "Payment"
	for _, c := range cmds {
		if _, err := eng.Append(ctx, c); err != nil {
			t.Fatal(err)
		}
	}
	return store, eng
}

func TestQuery_byAggregateIDSortedByOccurredAt(t *testing.T) {
	store, _ := seed(t)
	qs := ledger.NewQueryService(store, nil, zap.NewNop())

	page, err := qs.ByAggregateID(ctx, "A1", ledger.PageRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if page.TotalItems != 2 || len(page.Items) != 2 {
		t.Fatalf("expected 2 entries for A1, got %d (total %d)", len(page.Items), page.TotalItems)
	}
	if page.Items[0].EventType != "AppointmentCreated" || page.Items[1].EventType != "AppointmentConfirmed" {
		t.Errorf("not sorted by occurred_at ascending: %s, %s", page.Items[0].EventType, page.Items[1].EventType)
	}
	if page.Size != ledger.DefaultPageSize {
		t.Errorf("default page size = %d, want %d", page.Size, ledger.DefaultPageSize)
	}
	if page.Items[0].ActorType != "SYSTEM" {
		t.Errorf("actor type projected as %q", page.Items[0].ActorType)
	}
}

func TestQuery_pageSizeRespected(t *testing.T) {
	store, _ := seed(t)
	qs := ledger.NewQueryService(store, nil, zap.NewNop())

	first, err := qs.ByOccurredRange(ctx, nil, nil, ledger.PageRequest{Size: 3})
	if err != nil {
		t.Fatal(err)
	}
	if len(first.Items) != 3 || first.TotalItems != 4 || first.TotalPages != 2 {
		t.Fatalf("page 0 = %d items, total %d, pages %d", len(first.Items), first.TotalItems, first.TotalPages)
	}
	second, err := qs.ByOccurredRange(ctx, nil, nil, ledger.PageRequest{Page: 1, Size: 3})
	if err != nil {
		t.Fatal(err)
	}
	if len(second.Items) != 1 || second.Items[0].AggregateID != "P1" {
		t.Errorf("page 1 should hold only P1, got %+v", second.Items)
	}

	beyond, err := qs.ByOccurredRange(ctx, nil, nil, ledger.PageRequest{Page: 9, Size: 3})
	if err != nil {
		t.Fatal(err)
	}
	if beyond.Items == nil || len(beyond.Items) != 0 {
		t.Errorf("expected an empty, non-nil page beyond the end")
	}
}

func TestQuery_descendingSort(t *testing.T) {
	store, _ := seed(t)
	qs := ledger.NewQueryService(store, nil, zap.NewNop())

	page, err := qs.ByOccurredRange(ctx, nil, nil, ledger.PageRequest{SortField: "sequence", SortDirection: "desc"})
	if err != nil {
		t.Fatal(err)
	}
	for i := 1; i < len(page.Items); i++ {
		if page.Items[i].Sequence > page.Items[i-1].Sequence {
			t.Fatalf("not descending by sequence at %d", i)
		}
	}
}

func TestQuery_byCorrelationAndEventType(t *testing.T) {
	store, _ := seed(t)
	qs := ledger.NewQueryService(store, nil, zap.NewNop())

	page, err := qs.ByCorrelationID(ctx, "wf-42", ledger.PageRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if page.TotalItems != 2 {
		t.Errorf("correlation wf-42: got %d entries, want 2", page.TotalItems)
	}

	page, err = qs.ByEventType(ctx, "AppointmentCreated", ledger.PageRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if page.TotalItems != 2 {
		t.Errorf("AppointmentCreated: got %d entries, want 2", page.TotalItems)
	}

	page, err = qs.ByEventType(ctx, "NoSuchEvent", ledger.PageRequest{})
	if err != nil {
		t.Fatalf("no match must not be an error: %v", err)
	}
	if len(page.Items) != 0 {
		t.Errorf("expected no entries, got %d", len(page.Items))
	}
}

func TestQuery_rangeIsHalfOpen(t *testing.T) {
	store, _ := seed(t)
	qs := ledger.NewQueryService(store, nil, zap.NewNop())

	from, to := base, base.Add(2*time.Hour)
	page, err := qs.ByOccurredRange(ctx, &from, &to, ledger.PageRequest{})
	if err != nil {
		t.Fatal(err)
	}
	// base and base+1h are in; base+2h is the excluded upper bound.
	if page.TotalItems != 2 {
		t.Errorf("got %d entries in [from, to), want 2", page.TotalItems)
	}
}

func TestQuery_openRangeStopsAtNow(t *testing.T) {
	store, eng := seed(t)
	now := base.Add(4 * time.Hour)
	qs := ledger.NewQueryService(store, func() time.Time { return now }, zap.NewNop())

	if _, err := eng.Append(ctx, newCommand("AppointmentCancelled", "A1", now.Add(time.Minute))); err != nil {
		t.Fatal(err)
	}

	page, err := qs.ByOccurredRange(ctx, nil, nil, ledger.PageRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if page.TotalItems != 4 {
		t.Errorf("open range returned %d entries, want the 4 before now", page.TotalItems)
	}
}

func TestQuery_invalidRequests(t *testing.T) {
	store, _ := seed(t)
	qs := ledger.NewQueryService(store, nil, zap.NewNop())

	if _, err := qs.ByAggregateID(ctx, "", ledger.PageRequest{}); !errors.Is(err, ledger.ErrInvalidQuery) {
		t.Errorf("empty aggregate id: %v", err)
	}
	if _, err := qs.ByEventType(ctx, "X", ledger.PageRequest{SortField: "hash"}); !errors.Is(err, ledger.ErrInvalidQuery) {
		t.Errorf("unknown sort field: %v", err)
	}
	if _, err := qs.ByEventType(ctx, "X", ledger.PageRequest{Page: -1}); !errors.Is(err, ledger.ErrInvalidQuery) {
		t.Errorf("negative page: %v", err)
	}
	if _, err := qs.ByEventType(ctx, "X", ledger.PageRequest{SortDirection: "sideways"}); !errors.Is(err, ledger.ErrInvalidQuery) {
		t.Errorf("bad direction: %v", err)
	}
	if _, err := qs.ByAggregateID(ctx, "A1", ledger.PageRequest{Page: 461168601842738791, Size: 20}); !errors.Is(err, ledger.ErrInvalidQuery) {
		t.Errorf("page whose offset overflows: %v", err)
	}
}

func TestPageRequest_largestPageKeepsOffsetPositive(t *testing.T) {
	p, err := ledger.PageRequest{Page: math.MaxInt / 20, Size: 20}.Normalize()
	if err != nil {
		t.Fatal(err)
	}
	if p.Offset() < 0 {
		t.Errorf("offset overflowed: %d", p.Offset())
	}
	if _, err := (ledger.PageRequest{Page: math.MaxInt/20 + 1, Size: 20}).Normalize(); !errors.Is(err, ledger.ErrInvalidQuery) {
		t.Errorf("one page past the limit: %v", err)
	}
}

func TestPageRequest_normalizeClampsSize(t *testing.T) {
	p, err := ledger.PageRequest{Size: 10_000}.Normalize()
	if err != nil {
		t.Fatal(err)
	}
	if p.Size != ledger.MaxPageSize {
		t.Errorf("size = %d, want %d", p.Size, ledger.MaxPageSize)
	}
	if p.SortField != ledger.DefaultSort || p.SortDirection != ledger.SortAsc {
		t.Errorf("defaults not applied: %+v", p)
	}
}
