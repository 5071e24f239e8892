package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// advisoryLockKey is a stable PostgreSQL advisory lock key used to serialise
// concurrent appends. The value is arbitrary but must be consistent across
// all auditd instances sharing a database.
const advisoryLockKey = int64(1_734_225_019)

const (
	seqConstraint     = "audit_entries_seq_key"
	eventIDConstraint = "audit_entries_event_id_key"
)

const entryColumns = `id, seq, event_id, event_type, aggregate_type, aggregate_id,
	correlation_id, source_service, actor_id, actor_type,
	old_value::text, new_value::text, metadata::text,
	occurred_at, recorded_at, version, hash, previous_hash`

// PostgresStore persists the audit ledger to a PostgreSQL database.
// It implements the Store interface.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore creates a PostgresStore backed by the given connection pool.
func NewPostgresStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{pool: pool, logger: logger}
}

// WithAppendTx implements Store. fn runs inside one transaction holding a
// transaction-scoped advisory lock, which is released on commit or rollback.
// The UNIQUE(seq) constraint backs the lock up: a writer that raced past it
// fails with ErrChainConflict instead of forking the chain.
func (s *PostgresStore) WithAppendTx(ctx context.Context, fn func(ctx context.Context, tx AppendTx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: begin tx: %w", ErrStorage, err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", advisoryLockKey); err != nil {
		return fmt.Errorf("%w: acquire advisory lock: %w", ErrStorage, mapPgError(err))
	}

	if err := fn(ctx, &postgresTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		mapped := mapPgError(err)
		if errors.Is(mapped, ErrChainConflict) || errors.Is(mapped, errEventExists) {
			s.logger.Warn("ledger commit rejected", zap.Error(err))
			return mapped
		}
		return fmt.Errorf("%w: commit ledger tx: %w", ErrStorage, mapped)
	}
	return nil
}

type postgresTx struct {
	tx pgx.Tx
}

func (t *postgresTx) EntryIDByEventID(ctx context.Context, eventID uuid.UUID) (uuid.UUID, bool, error) {
	var id uuid.UUID
	err := t.tx.QueryRow(ctx,
		"SELECT id FROM audit_entries WHERE event_id = $1", eventID,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("%w: check event id: %w", ErrStorage, err)
	}
	return id, true, nil
}

func (t *postgresTx) Head(ctx context.Context) (*ChainHead, error) {
	return queryHead(ctx, t.tx)
}

func (t *postgresTx) Insert(ctx context.Context, e *Entry) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO audit_entries (id, seq, event_id, event_type, aggregate_type, aggregate_id,
			correlation_id, source_service, actor_id, actor_type,
			old_value, new_value, metadata,
			occurred_at, recorded_at, version, hash, previous_hash)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
			$11::json, $12::json, $13::json, $14, $15, $16, $17, $18)`,
		e.ID, e.Seq, e.EventID, e.EventType, e.AggregateType, e.AggregateID,
		e.CorrelationID, e.SourceService, e.ActorID, string(e.ActorType),
		rawText(e.OldValue), rawText(e.NewValue), rawText(e.Metadata),
		e.OccurredAt, e.RecordedAt, e.Version, e.Hash, e.PreviousHash,
	)
	if err != nil {
		mapped := mapPgError(err)
		if errors.Is(mapped, ErrChainConflict) || errors.Is(mapped, errEventExists) {
			return mapped
		}
		return fmt.Errorf("%w: insert ledger entry: %w", ErrStorage, err)
	}
	return nil
}

// Find implements Reader.
func (s *PostgresStore) Find(ctx context.Context, f Filter, p PageRequest) ([]*Entry, int64, error) {
	where, args := filterClause(f)

	var total int64
	if err := s.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM audit_entries"+where, args...,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count matching entries: %w", err)
	}
	if total == 0 {
		return []*Entry{}, 0, nil
	}

	col, ok := sortColumns[p.SortField]
	if !ok {
		col = sortColumns[DefaultSort]
	}
	dir := "ASC"
	if p.SortDirection == SortDesc {
		dir = "DESC"
	}
	q := fmt.Sprintf("SELECT %s FROM audit_entries%s ORDER BY %s %s, seq %s LIMIT $%d OFFSET $%d",
		entryColumns, where, col, dir, dir, len(args)+1, len(args)+2)
	args = append(args, p.Size, p.Offset())

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()

	entries := []*Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, 0, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate entries: %w", err)
	}
	return entries, total, nil
}

// Walk implements Reader. It streams all rows ordered by seq.
// O(n) in ledger length; may be slow for very large ledgers.
func (s *PostgresStore) Walk(ctx context.Context, fn func(*Entry) error) error {
	rows, err := s.pool.Query(ctx,
		"SELECT "+entryColumns+" FROM audit_entries ORDER BY seq ASC")
	if err != nil {
		return fmt.Errorf("query ledger: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Count implements Reader.
func (s *PostgresStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM audit_entries").Scan(&n); err != nil {
		return 0, fmt.Errorf("count ledger entries: %w", err)
	}
	return n, nil
}

// Head implements Reader.
func (s *PostgresStore) Head(ctx context.Context) (*ChainHead, error) {
	return queryHead(ctx, s.pool)
}

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func queryHead(ctx context.Context, q queryRower) (*ChainHead, error) {
	h := &ChainHead{}
	err := q.QueryRow(ctx,
		"SELECT seq, hash, recorded_at FROM audit_entries ORDER BY seq DESC LIMIT 1",
	).Scan(&h.Seq, &h.Hash, &h.RecordedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read ledger head: %w", ErrStorage, err)
	}
	h.RecordedAt = h.RecordedAt.UTC()
	return h, nil
}

func scanEntry(row pgx.Row) (*Entry, error) {
	var e Entry
	var actorType string
	var oldValue, newValue, metadata *string
	if err := row.Scan(
		&e.ID, &e.Seq, &e.EventID, &e.EventType, &e.AggregateType, &e.AggregateID,
		&e.CorrelationID, &e.SourceService, &e.ActorID, &actorType,
		&oldValue, &newValue, &metadata,
		&e.OccurredAt, &e.RecordedAt, &e.Version, &e.Hash, &e.PreviousHash,
	); err != nil {
		return nil, fmt.Errorf("scan ledger row: %w", err)
	}
	e.ActorType = ActorType(actorType)
	e.OldValue = rawJSON(oldValue)
	e.NewValue = rawJSON(newValue)
	e.Metadata = rawJSON(metadata)
	e.OccurredAt = e.OccurredAt.UTC()
	e.RecordedAt = e.RecordedAt.UTC()
	return &e, nil
}

// filterClause renders f as a WHERE clause with positional arguments.
func filterClause(f Filter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.AggregateID != "" {
		add("aggregate_id = $%d", f.AggregateID)
	}
	if f.CorrelationID != "" {
		add("correlation_id = $%d", f.CorrelationID)
	}
	if f.EventType != "" {
		add("event_type = $%d", f.EventType)
	}
	if f.OccurredFrom != nil {
		add("occurred_at >= $%d", *f.OccurredFrom)
	}
	if f.OccurredTo != nil {
		add("occurred_at < $%d", *f.OccurredTo)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// mapPgError translates constraint and serialisation failures into ledger
// sentinels. Other errors are returned unchanged.
func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "23505":
		if pgErr.ConstraintName == eventIDConstraint {
			return errEventExists
		}
		if pgErr.ConstraintName == seqConstraint {
			return ErrChainConflict
		}
	case "40001", "40P01":
		return ErrChainConflict
	}
	return err
}

func rawText(b []byte) *string {
	if len(b) == 0 {
		return nil
	}
	s := string(b)
	return &s
}

func rawJSON(s *string) []byte {
	if s == nil {
		return nil
	}
	return []byte(*s)
}
