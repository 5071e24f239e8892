// Package messaging provides the at-least-once transports that feed the
// ingestion adapters: RabbitMQ, Kafka and an in-process queue.
package messaging

import (
	"context"

	"github.com/smart-health/audit-api/internal/ingest"
)

// Handler settles each delivery it receives. *ingest.Adapter implements it.
type Handler interface {
	Handle(ctx context.Context, d ingest.Delivery)
	OnError(err error)
}

// Consumer delivers messages from one subscription to a Handler.
type Consumer interface {
	// Start blocks, dispatching deliveries one at a time, until ctx is
	// cancelled or the subscription fails.
	Start(ctx context.Context, h Handler) error
	Close() error
}

// Publisher sends raw envelopes to a broker.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, payload []byte) error
	Close() error
}
