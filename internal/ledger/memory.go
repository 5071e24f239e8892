package ledger

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory, thread-safe Store implementation.
// It is primarily useful for testing and for single-process deployments
// that do not require durable persistence across restarts.
type MemoryStore struct {
	mu        sync.RWMutex
	entries   []*Entry
	byEventID map[uuid.UUID]int
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byEventID: make(map[uuid.UUID]int)}
}

// WithAppendTx implements Store. The write lock is held for the whole of fn,
// so appends are strictly serialised while reads keep using the read lock.
func (s *MemoryStore) WithAppendTx(ctx context.Context, fn func(ctx context.Context, tx AppendTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memoryTx{store: s}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	for _, e := range tx.staged {
		s.byEventID[e.EventID] = len(s.entries)
		s.entries = append(s.entries, e)
	}
	return nil
}

// memoryTx stages inserts until WithAppendTx commits them. Callers hold s.mu.
type memoryTx struct {
	store  *MemoryStore
	staged []*Entry
}

func (t *memoryTx) EntryIDByEventID(_ context.Context, eventID uuid.UUID) (uuid.UUID, bool, error) {
	if i, ok := t.store.byEventID[eventID]; ok {
		return t.store.entries[i].ID, true, nil
	}
	for _, e := range t.staged {
		if e.EventID == eventID {
			return e.ID, true, nil
		}
	}
	return uuid.Nil, false, nil
}

func (t *memoryTx) Head(_ context.Context) (*ChainHead, error) {
	if n := len(t.staged); n > 0 {
		return headOf(t.staged[n-1]), nil
	}
	if n := len(t.store.entries); n > 0 {
		return headOf(t.store.entries[n-1]), nil
	}
	return nil, nil
}

func (t *memoryTx) Insert(ctx context.Context, e *Entry) error {
	if _, exists, _ := t.EntryIDByEventID(ctx, e.EventID); exists {
		return errEventExists
	}
	head, _ := t.Head(ctx)
	want := int64(1)
	if head != nil {
		want = head.Seq + 1
	}
	if e.Seq != want {
		return ErrChainConflict
	}
	cp := *e
	t.staged = append(t.staged, &cp)
	return nil
}

// Find implements Reader.
func (s *MemoryStore) Find(_ context.Context, f Filter, p PageRequest) ([]*Entry, int64, error) {
	s.mu.RLock()
	var matched []*Entry
	for _, e := range s.entries {
		if f.Matches(e) {
			cp := *e
			matched = append(matched, &cp)
		}
	}
	s.mu.RUnlock()

	sortEntries(matched, p.SortField, p.SortDirection)

	total := int64(len(matched))
	start := p.Offset()
	if start >= len(matched) {
		return []*Entry{}, total, nil
	}
	end := start + p.Size
	if end > len(matched) {
		end = len(matched)
	}
	return matched[start:end], total, nil
}

// Walk implements Reader. It iterates over a snapshot taken under the read
// lock, so fn may run slowly without blocking appends.
func (s *MemoryStore) Walk(_ context.Context, fn func(*Entry) error) error {
	s.mu.RLock()
	snapshot := make([]Entry, len(s.entries))
	for i, e := range s.entries {
		snapshot[i] = *e
	}
	s.mu.RUnlock()

	for i := range snapshot {
		if err := fn(&snapshot[i]); err != nil {
			return err
		}
	}
	return nil
}

// Count implements Reader.
func (s *MemoryStore) Count(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.entries)), nil
}

// Head implements Reader.
func (s *MemoryStore) Head(_ context.Context) (*ChainHead, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.entries) == 0 {
		return nil, nil
	}
	return headOf(s.entries[len(s.entries)-1]), nil
}

func headOf(e *Entry) *ChainHead {
	return &ChainHead{Seq: e.Seq, Hash: e.Hash, RecordedAt: e.RecordedAt}
}

// sortEntries orders entries by field, breaking ties by sequence in the same
// direction so that pagination is stable.
func sortEntries(entries []*Entry, field string, dir SortDirection) {
	cmp := func(a, b *Entry) int {
		switch field {
		case "recordedAt":
			return a.RecordedAt.Compare(b.RecordedAt)
		case "eventType":
			return strings.Compare(a.EventType, b.EventType)
		case "aggregateId":
			return strings.Compare(a.AggregateID, b.AggregateID)
		case "sequence":
			return 0
		default:
			return a.OccurredAt.Compare(b.OccurredAt)
		}
	}
	sort.SliceStable(entries, func(i, j int) bool {
		c := cmp(entries[i], entries[j])
		if c == 0 {
			c = compareInt64(entries[i].Seq, entries[j].Seq)
		}
		if dir == SortDesc {
			return c > 0
		}
		return c < 0
	})
}

func compareInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
