package ingest

import (
	"crypto/md5"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// BlankIDPolicy decides the event id of an envelope that carries none.
type BlankIDPolicy string

const (
	// BlankIDDerive derives the id from the raw envelope bytes, so a
	// redelivered copy maps to the same id and is recorded once.
	BlankIDDerive BlankIDPolicy = "derive"
	// BlankIDRandom assigns a fresh random id on every delivery.
	BlankIDRandom BlankIDPolicy = "random"
)

// ParseBlankIDPolicy parses a configuration value. Empty means BlankIDDerive.
func ParseBlankIDPolicy(s string) (BlankIDPolicy, error) {
	switch p := BlankIDPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "", BlankIDDerive:
		return BlankIDDerive, nil
	case BlankIDRandom:
		return BlankIDRandom, nil
	default:
		return "", fmt.Errorf("unknown blank event id policy %q (want derive or random)", s)
	}
}

// envelopeNamespace scopes ids derived from envelope bytes.
var envelopeNamespace = uuid.MustParse("5b1f6c1e-2d4a-4c3e-8f71-9a0d6e2b7c44")

// Resolver turns the loosely typed id and timestamp fields of an envelope
// into ledger values.
type Resolver struct {
	Blank BlankIDPolicy
	Clock func() time.Time
}

func (r Resolver) now() time.Time {
	if r.Clock == nil {
		return time.Now().UTC()
	}
	return r.Clock().UTC()
}

// EventID parses raw as a UUID. A malformed value maps to the name-based
// (version 3) UUID of its bytes, so the same bad id always yields the same
// event id. A blank value is resolved by the blank-id policy against body.
func (r Resolver) EventID(raw string, body []byte) uuid.UUID {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		if r.Blank == BlankIDRandom {
			return uuid.New()
		}
		return uuid.NewSHA1(envelopeNamespace, body)
	}
	if id, err := uuid.Parse(raw); err == nil {
		return id
	}
	return nameUUID([]byte(raw))
}

// OccurredAt parses an RFC 3339 timestamp. Blank or unparseable values fall
// back to the resolver's clock.
func (r Resolver) OccurredAt(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return r.now()
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return r.now()
	}
	return t.UTC()
}

// nameUUID is the version 3 UUID of data hashed without a namespace prefix.
func nameUUID(data []byte) uuid.UUID {
	sum := md5.Sum(data)
	var id uuid.UUID
	copy(id[:], sum[:])
	id[6] = (id[6] & 0x0f) | 0x30
	id[8] = (id[8] & 0x3f) | 0x80
	return id
}
