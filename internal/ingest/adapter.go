package ingest

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/smart-health/audit-api/internal/ledger"
)

// Delivery is one at-least-once message handed over by a transport.
// Exactly one of Complete or Abandon is called per delivery.
type Delivery interface {
	Body() []byte
	// Complete acknowledges the message so it is not redelivered.
	Complete(ctx context.Context) error
	// Abandon returns the message to the transport for later redelivery.
	Abandon(ctx context.Context) error
}

// Appender is the write side of the ledger.
type Appender interface {
	Append(ctx context.Context, cmd *ledger.AppendCommand) (ledger.AppendResult, error)
}

// OutcomeRecordFunc is an optional callback invoked once per delivery with
// the family name and one of: stored, duplicate, malformed, failed.
type OutcomeRecordFunc func(family, outcome string)

// Adapter turns deliveries of one envelope family into ledger appends and
// settles each delivery according to the result.
type Adapter struct {
	appender  Appender
	family    Family
	resolver  Resolver
	onOutcome OutcomeRecordFunc
	logger    *zap.Logger
}

// NewAdapter creates an Adapter for family that appends through appender.
func NewAdapter(appender Appender, family Family, resolver Resolver, logger *zap.Logger) *Adapter {
	return &Adapter{
		appender: appender,
		family:   family,
		resolver: resolver,
		logger:   logger.With(zap.String("family", family.Name())),
	}
}

// SetOutcomeRecord configures the outcome recording callback.
func (a *Adapter) SetOutcomeRecord(fn OutcomeRecordFunc) {
	a.onOutcome = fn
}

// Family returns the name of the envelope family this adapter handles.
func (a *Adapter) Family() string { return a.family.Name() }

// Handle processes one delivery. Stored and duplicate events are completed;
// any fault, including a panic further down, abandons the delivery. A
// delivery is settled at most once and Handle never panics into the
// transport.
func (a *Adapter) Handle(ctx context.Context, d Delivery) {
	settled := false
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if settled {
			a.logger.Error("panic while settling delivery",
				zap.Any("panic", r), zap.Stack("stack"))
			return
		}
		a.logger.Error("panic while handling delivery, abandoning",
			zap.Any("panic", r), zap.Stack("stack"))
		a.record("failed")
		settled = true
		a.abandon(ctx, d)
	}()

	outcome, err := a.process(ctx, d.Body())
	if err != nil {
		if errors.Is(err, ErrMalformedPayload) || errors.Is(err, ledger.ErrInvalidCommand) {
			a.logger.Warn("rejecting malformed event, abandoning", zap.Error(err))
			outcome = "malformed"
		} else {
			a.logger.Error("failed to record event, abandoning", zap.Error(err))
			outcome = "failed"
		}
		a.record(outcome)
		settled = true
		a.abandon(ctx, d)
		return
	}

	a.record(outcome)
	settled = true
	if err := d.Complete(ctx); err != nil {
		a.logger.Error("failed to complete delivery", zap.Error(err))
	}
}

// OnError logs a transport-level fault that is not tied to a delivery.
func (a *Adapter) OnError(err error) {
	a.logger.Error("event transport error", zap.Error(err))
}

func (a *Adapter) process(ctx context.Context, body []byte) (string, error) {
	cmd, err := a.family.Normalize(body, a.resolver)
	if err != nil {
		return "", err
	}
	a.logger.Info("received audit event",
		zap.String("event_type", cmd.EventType),
		zap.String("aggregate_id", cmd.AggregateID),
		zap.String("event_id", cmd.EventID.String()),
	)

	res, err := a.appender.Append(ctx, cmd)
	if err != nil {
		return "", fmt.Errorf("append event %s: %w", cmd.EventID, err)
	}
	if res.Duplicate() {
		a.logger.Info("event already recorded", zap.String("event_id", cmd.EventID.String()))
		return "duplicate", nil
	}
	return "stored", nil
}

func (a *Adapter) abandon(ctx context.Context, d Delivery) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("panic while abandoning delivery", zap.Any("panic", r))
		}
	}()
	if err := d.Abandon(ctx); err != nil {
		a.logger.Error("failed to abandon delivery", zap.Error(err))
	}
}

func (a *Adapter) record(outcome string) {
	if a.onOutcome != nil {
		a.onOutcome(a.family.Name(), outcome)
	}
}
