package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidCommand is returned when an AppendCommand fails its preconditions.
	ErrInvalidCommand = errors.New("invalid append command")

	// ErrChainConflict signals that another writer extended the chain between
	// reading the tail and committing. Stores return it; the engine retries.
	ErrChainConflict = errors.New("ledger chain conflict")

	// ErrHashingUnavailable means SHA-256 is not linked into this binary.
	// It is a configuration error and is never retried.
	ErrHashingUnavailable = errors.New("sha-256 digest unavailable")

	// ErrStorage wraps any failure of the underlying store. Callers should
	// treat it as retryable.
	ErrStorage = errors.New("ledger storage fault")
)

// ChainError describes the first broken link found by Engine.Verify.
type ChainError struct {
	Seq    int64
	Reason string
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("ledger chain broken at sequence %d: %s", e.Seq, e.Reason)
}

// IsRetryable reports whether err is a transient failure that a redelivery
// may resolve.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStorage) || errors.Is(err, ErrChainConflict)
}
