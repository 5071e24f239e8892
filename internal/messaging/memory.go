package messaging

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// MemoryQueue is an in-process Consumer and Publisher for local development
// and tests. Abandoned messages go to the back of the queue; a message
// abandoned MaxDeliveries times is moved to the dead-letter list instead.
type MemoryQueue struct {
	mu            sync.Mutex
	pending       []*memoryMessage
	dead          [][]byte
	notify        chan struct{}
	maxDeliveries int
	logger        *zap.Logger
}

type memoryMessage struct {
	body       []byte
	deliveries int
}

// NewMemoryQueue creates a queue. maxDeliveries <= 0 means unlimited.
func NewMemoryQueue(maxDeliveries int, logger *zap.Logger) *MemoryQueue {
	return &MemoryQueue{
		notify:        make(chan struct{}, 1),
		maxDeliveries: maxDeliveries,
		logger:        logger,
	}
}

// Publish implements Publisher. The routing key is ignored.
func (q *MemoryQueue) Publish(_ context.Context, _ string, payload []byte) error {
	body := make([]byte, len(payload))
	copy(body, payload)
	q.push(&memoryMessage{body: body})
	return nil
}

func (q *MemoryQueue) push(m *memoryMessage) {
	q.mu.Lock()
	q.pending = append(q.pending, m)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *MemoryQueue) pop() *memoryMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil
	}
	m := q.pending[0]
	q.pending = q.pending[1:]
	return m
}

// Start implements Consumer.
func (q *MemoryQueue) Start(ctx context.Context, h Handler) error {
	q.logger.Info("in-memory consumer started")
	for {
		m := q.pop()
		if m == nil {
			select {
			case <-ctx.Done():
				return nil
			case <-q.notify:
				continue
			}
		}
		if ctx.Err() != nil {
			q.push(m)
			return nil
		}
		m.deliveries++
		h.Handle(ctx, &memoryDelivery{queue: q, msg: m})
	}
}

// Len returns the number of messages waiting for delivery.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// DeadLetters returns the bodies of messages that exhausted their deliveries.
func (q *MemoryQueue) DeadLetters() [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([][]byte, len(q.dead))
	copy(out, q.dead)
	return out
}

// Close implements Consumer and Publisher.
func (q *MemoryQueue) Close() error { return nil }

type memoryDelivery struct {
	queue *MemoryQueue
	msg   *memoryMessage
}

func (d *memoryDelivery) Body() []byte { return d.msg.body }

func (d *memoryDelivery) Complete(context.Context) error { return nil }

func (d *memoryDelivery) Abandon(context.Context) error {
	q := d.queue
	if q.maxDeliveries > 0 && d.msg.deliveries >= q.maxDeliveries {
		q.mu.Lock()
		q.dead = append(q.dead, d.msg.body)
		q.mu.Unlock()
		q.logger.Warn("message exceeded max deliveries, dead-lettered",
			zap.Int("deliveries", d.msg.deliveries))
		return nil
	}
	q.push(d.msg)
	return nil
}
