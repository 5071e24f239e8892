package ledger

import (
	"crypto"
	_ "crypto/sha256" // registers crypto.SHA256
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ComputeHash returns the chain hash for an entry: the lowercase hex SHA-256
// of previousHash|eventID|eventType|aggregateID|occurredAt, where occurredAt
// is rendered by formatInstant.
func ComputeHash(previousHash string, eventID uuid.UUID, eventType, aggregateID string, occurredAt time.Time) (string, error) {
	if err := CheckHashing(); err != nil {
		return "", err
	}
	h := crypto.SHA256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%s",
		previousHash, eventID, eventType, aggregateID,
		formatInstant(occurredAt),
	)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// formatInstant renders t in UTC as ISO 8601 with the fraction of a second
// printed in groups of three digits, and omitted when zero:
// 2024-03-01T09:30:00Z, 2024-03-01T09:30:00.500Z, 2024-03-01T09:30:00.123456Z.
// Ledgers written by the earlier service hashed timestamps in this form.
func formatInstant(t time.Time) string {
	t = t.UTC()
	switch ns := t.Nanosecond(); {
	case ns == 0:
		return t.Format("2006-01-02T15:04:05Z")
	case ns%int(time.Millisecond) == 0:
		return t.Format("2006-01-02T15:04:05.000Z")
	case ns%int(time.Microsecond) == 0:
		return t.Format("2006-01-02T15:04:05.000000Z")
	default:
		return t.Format("2006-01-02T15:04:05.000000000Z")
	}
}

// CheckHashing fails with ErrHashingUnavailable when the digest used by the
// chain is not available. auditd runs it once at startup.
func CheckHashing() error {
	if !crypto.SHA256.Available() {
		return ErrHashingUnavailable
	}
	return nil
}

// hashEntry recomputes the hash a stored entry should carry.
func hashEntry(e *Entry) (string, error) {
	return ComputeHash(e.PreviousHash, e.EventID, e.EventType, e.AggregateID, e.OccurredAt)
}
