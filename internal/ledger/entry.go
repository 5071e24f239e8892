package ledger

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// GenesisHash is the PreviousHash of the first entry in an empty ledger.
const GenesisHash = "GENESIS"

// ActorType identifies who caused the audited change.
type ActorType string

const (
	ActorSystem  ActorType = "SYSTEM"
	ActorUser    ActorType = "USER"
	ActorService ActorType = "SERVICE"
)

// Valid reports whether a is one of the known actor types.
func (a ActorType) Valid() bool {
	switch a {
	case ActorSystem, ActorUser, ActorService:
		return true
	}
	return false
}

// Entry is a single immutable record in the audit ledger.
type Entry struct {
	ID            uuid.UUID       `json:"id"`
	Seq           int64           `json:"sequence"`
	EventID       uuid.UUID       `json:"event_id"`
	EventType     string          `json:"event_type"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	CorrelationID *string         `json:"correlation_id,omitempty"`
	SourceService string          `json:"source_service"`
	ActorID       *string         `json:"actor_id,omitempty"`
	ActorType     ActorType       `json:"actor_type"`
	OldValue      json.RawMessage `json:"old_value,omitempty"`
	NewValue      json.RawMessage `json:"new_value,omitempty"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
	OccurredAt    time.Time       `json:"occurred_at"`
	RecordedAt    time.Time       `json:"recorded_at"`
	Version       int64           `json:"version"`
	Hash          string          `json:"hash"`
	PreviousHash  string          `json:"previous_hash"`
}

// AppendCommand is the input to Engine.Append. It carries everything about an
// entry except the fields the engine assigns (ID, Seq, RecordedAt and the
// chain hashes).
type AppendCommand struct {
	EventID       uuid.UUID       `json:"event_id"`
	EventType     string          `json:"event_type"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	CorrelationID *string         `json:"correlation_id,omitempty"`
	SourceService string          `json:"source_service"`
	ActorID       *string         `json:"actor_id,omitempty"`
	ActorType     ActorType       `json:"actor_type"`
	OldValue      json.RawMessage `json:"old_value,omitempty"`
	NewValue      json.RawMessage `json:"new_value,omitempty"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Version       int64           `json:"version"`
}

// Validate checks the command's preconditions. An empty ActorType is
// defaulted to ActorSystem.
func (c *AppendCommand) Validate() error {
	switch {
	case c.EventID == uuid.Nil:
		return fmt.Errorf("%w: event_id is required", ErrInvalidCommand)
	case c.EventType == "":
		return fmt.Errorf("%w: event_type is required", ErrInvalidCommand)
	case c.AggregateType == "":
		return fmt.Errorf("%w: aggregate_type is required", ErrInvalidCommand)
	case c.AggregateID == "":
		return fmt.Errorf("%w: aggregate_id is required", ErrInvalidCommand)
	case c.OccurredAt.IsZero():
		return fmt.Errorf("%w: occurred_at is required", ErrInvalidCommand)
	}
	if c.ActorType == "" {
		c.ActorType = ActorSystem
	}
	if !c.ActorType.Valid() {
		return fmt.Errorf("%w: unknown actor_type %q", ErrInvalidCommand, c.ActorType)
	}
	for name, raw := range map[string]json.RawMessage{
		"old_value": c.OldValue,
		"new_value": c.NewValue,
		"metadata":  c.Metadata,
	} {
		if len(raw) > 0 && !json.Valid(raw) {
			return fmt.Errorf("%w: %s is not valid JSON", ErrInvalidCommand, name)
		}
	}
	return nil
}

// Outcome distinguishes a fresh write from an idempotent replay.
type Outcome int

const (
	OutcomeStored Outcome = iota + 1
	OutcomeDuplicate
)

func (o Outcome) String() string {
	switch o {
	case OutcomeStored:
		return "stored"
	case OutcomeDuplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// AppendResult is returned by Engine.Append. Entry is nil for duplicates.
type AppendResult struct {
	Outcome Outcome
	EntryID uuid.UUID
	Entry   *Entry
}

// Stored reports whether the append wrote a new entry.
func (r AppendResult) Stored() bool { return r.Outcome == OutcomeStored }

// Duplicate reports whether the event id was already present.
func (r AppendResult) Duplicate() bool { return r.Outcome == OutcomeDuplicate }
