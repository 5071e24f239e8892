package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Clock supplies the ingestion timestamp assigned to new entries.
type Clock func() time.Time

// EngineConfig holds append engine configuration.
type EngineConfig struct {
	// MaxAttempts bounds how often one Append re-runs its transaction after
	// an ErrChainConflict. Defaults to 5.
	MaxAttempts int
	// Clock defaults to time.Now.
	Clock Clock
}

// MetricsRecordFunc is an optional callback invoked with the outcome label of
// each append attempt: stored, duplicate, conflict, invalid or error.
type MetricsRecordFunc func(outcome string)

// Stats summarises the ledger for overview endpoints.
type Stats struct {
	Entries int64  `json:"entries"`
	Root    string `json:"root"`
}

// Engine is the only writer of the ledger. It enforces event-id idempotency
// and extends the hash chain one entry at a time.
type Engine struct {
	store     Store
	cfg       EngineConfig
	onMetrics MetricsRecordFunc
	logger    *zap.Logger
}

// NewEngine creates an Engine that appends to store.
func NewEngine(store Store, cfg EngineConfig, logger *zap.Logger) *Engine {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Engine{store: store, cfg: cfg, logger: logger}
}

// SetMetricsRecord configures the metrics recording callback.
func (e *Engine) SetMetricsRecord(fn MetricsRecordFunc) {
	e.onMetrics = fn
}

// Append stores the entry described by cmd unless its event id is already
// present, in which case it returns an OutcomeDuplicate result and no error.
//
// Errors wrap ErrInvalidCommand, ErrHashingUnavailable, ErrChainConflict
// (after MaxAttempts) or ErrStorage. Nothing is persisted when an error is
// returned.
func (e *Engine) Append(ctx context.Context, cmd *AppendCommand) (AppendResult, error) {
	if cmd == nil {
		e.record("invalid")
		return AppendResult{}, fmt.Errorf("%w: nil command", ErrInvalidCommand)
	}
	if err := cmd.Validate(); err != nil {
		e.record("invalid")
		return AppendResult{}, err
	}
	if err := CheckHashing(); err != nil {
		e.record("error")
		return AppendResult{}, err
	}

	var lastErr error
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		res, err := e.appendOnce(ctx, cmd)
		if err == nil {
			e.record(res.Outcome.String())
			if res.Stored() {
				e.logger.Debug("ledger entry appended",
					zap.Int64("seq", res.Entry.Seq),
					zap.String("event_id", cmd.EventID.String()),
					zap.String("event_type", cmd.EventType),
					zap.String("aggregate_id", cmd.AggregateID),
				)
			} else {
				e.logger.Debug("ledger append skipped, event already stored",
					zap.String("event_id", cmd.EventID.String()),
				)
			}
			return res, nil
		}
		if !errors.Is(err, ErrChainConflict) {
			e.record("error")
			return AppendResult{}, err
		}

		lastErr = err
		e.record("conflict")
		e.logger.Debug("ledger append conflict, retrying",
			zap.String("event_id", cmd.EventID.String()),
			zap.Int("attempt", attempt),
		)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return AppendResult{}, fmt.Errorf("%w: %w", ErrStorage, ctxErr)
		}
	}

	e.record("error")
	return AppendResult{}, fmt.Errorf("append event %s gave up after %d attempts: %w",
		cmd.EventID, e.cfg.MaxAttempts, lastErr)
}

// appendOnce runs a single check-then-write transaction.
func (e *Engine) appendOnce(ctx context.Context, cmd *AppendCommand) (AppendResult, error) {
	var res AppendResult

	err := e.store.WithAppendTx(ctx, func(ctx context.Context, tx AppendTx) error {
		storedID, exists, err := tx.EntryIDByEventID(ctx, cmd.EventID)
		if err != nil {
			return fmt.Errorf("check event id: %w", err)
		}
		if exists {
			res = AppendResult{Outcome: OutcomeDuplicate, EntryID: storedID}
			return nil
		}

		head, err := tx.Head(ctx)
		if err != nil {
			return fmt.Errorf("read chain head: %w", err)
		}

		// Timestamps are truncated to the precision every store can round-trip
		// so that Verify recomputes the exact hash.
		occurredAt := cmd.OccurredAt.UTC().Truncate(time.Microsecond)
		recordedAt := e.cfg.Clock().UTC().Truncate(time.Microsecond)
		prevHash, seq := GenesisHash, int64(1)
		if head != nil {
			prevHash = head.Hash
			seq = head.Seq + 1
			if recordedAt.Before(head.RecordedAt) {
				recordedAt = head.RecordedAt
			}
		}

		hash, err := ComputeHash(prevHash, cmd.EventID, cmd.EventType, cmd.AggregateID, occurredAt)
		if err != nil {
			return err
		}

		entry := &Entry{
			ID:            uuid.New(),
			Seq:           seq,
			EventID:       cmd.EventID,
			EventType:     cmd.EventType,
			AggregateType: cmd.AggregateType,
			AggregateID:   cmd.AggregateID,
			CorrelationID: cmd.CorrelationID,
			SourceService: cmd.SourceService,
			ActorID:       cmd.ActorID,
			ActorType:     cmd.ActorType,
			OldValue:      cmd.OldValue,
			NewValue:      cmd.NewValue,
			Metadata:      cmd.Metadata,
			OccurredAt:    occurredAt,
			RecordedAt:    recordedAt,
			Version:       cmd.Version,
			Hash:          hash,
			PreviousHash:  prevHash,
		}
		if err := tx.Insert(ctx, entry); err != nil {
			return err
		}
		res = AppendResult{Outcome: OutcomeStored, EntryID: entry.ID, Entry: entry}
		return nil
	})

	switch {
	case err == nil:
		return res, nil
	case errors.Is(err, errEventExists):
		return e.storedDuplicate(ctx, cmd.EventID)
	case errors.Is(err, ErrChainConflict),
		errors.Is(err, ErrHashingUnavailable),
		errors.Is(err, ErrStorage):
		return AppendResult{}, err
	default:
		return AppendResult{}, fmt.Errorf("%w: %w", ErrStorage, err)
	}
}

// storedDuplicate resolves the entry that won a race on eventID. It runs
// after the losing transaction has rolled back.
func (e *Engine) storedDuplicate(ctx context.Context, eventID uuid.UUID) (AppendResult, error) {
	var res AppendResult
	err := e.store.WithAppendTx(ctx, func(ctx context.Context, tx AppendTx) error {
		id, exists, err := tx.EntryIDByEventID(ctx, eventID)
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("%w: event %s reported stored but not found", ErrChainConflict, eventID)
		}
		res = AppendResult{Outcome: OutcomeDuplicate, EntryID: id}
		return nil
	})
	switch {
	case err == nil:
		return res, nil
	case errors.Is(err, ErrChainConflict), errors.Is(err, ErrStorage):
		return AppendResult{}, err
	default:
		return AppendResult{}, fmt.Errorf("%w: %w", ErrStorage, err)
	}
}

// Verify walks the whole chain in order and checks every link and hash.
// It returns a *ChainError for the first inconsistency, nil if the chain is
// intact. O(n) in ledger length.
func (e *Engine) Verify(ctx context.Context) error {
	var prev *Entry
	err := e.store.Walk(ctx, func(curr *Entry) error {
		if prev == nil {
			if curr.PreviousHash != GenesisHash {
				return &ChainError{Seq: curr.Seq, Reason: "first entry does not chain from genesis"}
			}
		} else {
			if curr.PreviousHash != prev.Hash {
				return &ChainError{Seq: curr.Seq, Reason: "previous hash does not match predecessor"}
			}
			if curr.Seq != prev.Seq+1 {
				return &ChainError{Seq: curr.Seq, Reason: fmt.Sprintf("sequence gap after %d", prev.Seq)}
			}
			if curr.RecordedAt.Before(prev.RecordedAt) {
				return &ChainError{Seq: curr.Seq, Reason: "recorded_at decreases"}
			}
		}

		want, err := hashEntry(curr)
		if err != nil {
			return err
		}
		if curr.Hash != want {
			return &ChainError{Seq: curr.Seq, Reason: "entry hash does not match its contents"}
		}
		prev = curr
		return nil
	})
	if err == nil {
		return nil
	}

	var chainErr *ChainError
	if errors.As(err, &chainErr) || errors.Is(err, ErrHashingUnavailable) {
		return err
	}
	return fmt.Errorf("%w: walk ledger: %w", ErrStorage, err)
}

// Stats returns the entry count and the current chain root.
// The root of an empty ledger is GenesisHash.
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	n, err := e.store.Count(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("%w: count entries: %w", ErrStorage, err)
	}
	head, err := e.store.Head(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("%w: read chain head: %w", ErrStorage, err)
	}
	root := GenesisHash
	if head != nil {
		root = head.Hash
	}
	return Stats{Entries: n, Root: root}, nil
}

func (e *Engine) record(outcome string) {
	if e.onMetrics != nil {
		e.onMetrics(outcome)
	}
}
