package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/smart-health/audit-api/internal/ledger"
)

// ErrMalformedPayload is returned when an envelope cannot be decoded or lacks
// the fields an audit entry needs.
var ErrMalformedPayload = errors.New("malformed event payload")

const (
	FamilyAppointments = "appointments"
	FamilyPayments     = "payments"
)

// Family normalises one envelope type into append commands.
type Family interface {
	// Name is the short family label used in logs and metrics.
	Name() string

	// Normalize decodes body and builds the command to append.
	Normalize(body []byte, r Resolver) (*ledger.AppendCommand, error)
}

// FamilyByName returns the family registered under name.
func FamilyByName(name string) (Family, error) {
	switch name {
	case FamilyAppointments:
		return AppointmentFamily{}, nil
	case FamilyPayments:
		return PaymentFamily{}, nil
	default:
		return nil, fmt.Errorf("unknown event family %q", name)
	}
}

// AppointmentFamily handles envelopes from appointments-api.
type AppointmentFamily struct{}

func (AppointmentFamily) Name() string { return FamilyAppointments }

func (AppointmentFamily) Normalize(body []byte, r Resolver) (*ledger.AppendCommand, error) {
	var ev AppointmentEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("%w: decode appointment event: %w", ErrMalformedPayload, err)
	}
	if err := requireFields(ev.EventType, ev.AppointmentID, "appointmentId"); err != nil {
		return nil, err
	}
	snapshot, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("%w: encode appointment snapshot: %w", ErrMalformedPayload, err)
	}
	return &ledger.AppendCommand{
		EventID:       r.EventID(ev.EventID, body),
		EventType:     ev.EventType,
		AggregateType: "Appointment",
		AggregateID:   ev.AppointmentID,
		SourceService: "appointments-api",
		ActorType:     ledger.ActorSystem,
		NewValue:      snapshot,
		OccurredAt:    r.OccurredAt(ev.OccurredAt),
	}, nil
}

// PaymentFamily handles envelopes from payments-api.
type PaymentFamily struct{}

func (PaymentFamily) Name() string { return FamilyPayments }

func (PaymentFamily) Normalize(body []byte, r Resolver) (*ledger.AppendCommand, error) {
	var ev PaymentEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("%w: decode payment event: %w", ErrMalformedPayload, err)
	}
	if err := requireFields(ev.EventType, ev.PaymentID, "paymentId"); err != nil {
		return nil, err
	}
	snapshot, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("%w: encode payment snapshot: %w", ErrMalformedPayload, err)
	}

	var correlation *string
	if id := strings.TrimSpace(ev.AppointmentID); id != "" {
		correlation = &id
	}
	return &ledger.AppendCommand{
		EventID:       r.EventID(ev.EventID, body),
		EventType:     ev.EventType,
		AggregateType: "Payment",
		AggregateID:   ev.PaymentID,
		CorrelationID: correlation,
		SourceService: "payments-api",
		ActorType:     ledger.ActorSystem,
		NewValue:      snapshot,
		OccurredAt:    r.OccurredAt(ev.OccurredAt),
	}, nil
}

func requireFields(eventType, aggregateID, aggregateField string) error {
	if strings.TrimSpace(eventType) == "" {
		return fmt.Errorf("%w: eventType is required", ErrMalformedPayload)
	}
	if strings.TrimSpace(aggregateID) == "" {
		return fmt.Errorf("%w: %s is required", ErrMalformedPayload, aggregateField)
	}
	return nil
}
