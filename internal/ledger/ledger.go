package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// errEventExists is returned by AppendTx.Insert when the event id is already
// stored by a writer that was not serialised behind the append lock. The
// engine reports it as a duplicate of the stored entry.
var errEventExists = errors.New("event id already stored")

// ChainHead is the position and hash of the most recent entry.
type ChainHead struct {
	Seq        int64
	Hash       string
	RecordedAt time.Time
}

// AppendTx is the view of the store available inside the append critical
// section. Nothing written through it is visible to readers until the
// enclosing WithAppendTx call commits.
type AppendTx interface {
	// EntryIDByEventID returns the id of the entry stored for eventID and
	// whether one exists.
	EntryIDByEventID(ctx context.Context, eventID uuid.UUID) (uuid.UUID, bool, error)

	// Head returns the chain head, or nil when the ledger is empty.
	Head(ctx context.Context) (*ChainHead, error)

	// Insert stages e. It returns ErrChainConflict when e.Seq is already
	// taken at commit time.
	Insert(ctx context.Context, e *Entry) error
}

// Reader is the read side of a Store. Implementations must be safe for
// concurrent use with each other and with appends.
type Reader interface {
	// Find returns one page of entries matching f plus the total match count.
	Find(ctx context.Context, f Filter, p PageRequest) ([]*Entry, int64, error)

	// Walk calls fn for every entry in chain order, stopping at the first error.
	Walk(ctx context.Context, fn func(*Entry) error) error

	// Count returns the number of stored entries.
	Count(ctx context.Context) (int64, error)

	// Head returns the chain head, or nil when the ledger is empty.
	Head(ctx context.Context) (*ChainHead, error)
}

// Store is the persistence boundary of the ledger. MemoryStore and
// PostgresStore implement it.
type Store interface {
	Reader

	// WithAppendTx runs fn while holding the ledger's single append critical
	// section. The staged writes commit only if fn returns nil; the critical
	// section is released on every return path.
	WithAppendTx(ctx context.Context, fn func(ctx context.Context, tx AppendTx) error) error
}
