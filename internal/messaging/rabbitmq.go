package messaging

import (
	"context"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// RabbitMQConfig describes one subscription: a durable queue bound to a
// topic exchange.
type RabbitMQConfig struct {
	URL        string
	Exchange   string
	Queue      string
	BindingKey string // defaults to "#"
	Prefetch   int
	// DeliveryLimit > 0 declares a quorum queue that dead-letters a message
	// after that many redeliveries.
	DeliveryLimit int
}

// RabbitMQConsumer consumes one queue with manual acknowledgement.
type RabbitMQConsumer struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	cfg    RabbitMQConfig
	logger *zap.Logger
}

// NewRabbitMQConsumer dials the broker and declares the exchange, the queue
// and the binding between them. Declarations are idempotent.
func NewRabbitMQConsumer(cfg RabbitMQConfig, logger *zap.Logger) (*RabbitMQConsumer, error) {
	if cfg.BindingKey == "" {
		cfg.BindingKey = "#"
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	if err := declareTopology(ch, cfg); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}
	if cfg.Prefetch > 0 {
		if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
			ch.Close()
			conn.Close()
			return nil, fmt.Errorf("set prefetch: %w", err)
		}
	}

	return &RabbitMQConsumer{conn: conn, ch: ch, cfg: cfg, logger: logger}, nil
}

func declareTopology(ch *amqp.Channel, cfg RabbitMQConfig) error {
	if err := ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", cfg.Exchange, err)
	}
	var args amqp.Table
	if cfg.DeliveryLimit > 0 {
		args = amqp.Table{
			"x-queue-type":     "quorum",
			"x-delivery-limit": cfg.DeliveryLimit,
		}
	}
	if _, err := ch.QueueDeclare(cfg.Queue, true, false, false, false, args); err != nil {
		return fmt.Errorf("declare queue %s: %w", cfg.Queue, err)
	}
	if err := ch.QueueBind(cfg.Queue, cfg.BindingKey, cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", cfg.Queue, err)
	}
	return nil
}

// Start implements Consumer.
func (c *RabbitMQConsumer) Start(ctx context.Context, h Handler) error {
	msgs, err := c.ch.Consume(c.cfg.Queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.cfg.Queue, err)
	}
	closed := c.ch.NotifyClose(make(chan *amqp.Error, 1))

	c.logger.Info("rabbitmq consumer started",
		zap.String("exchange", c.cfg.Exchange),
		zap.String("queue", c.cfg.Queue),
	)

	for {
		select {
		case <-ctx.Done():
			return nil
		case amqpErr, ok := <-closed:
			if ok && amqpErr != nil {
				err := fmt.Errorf("rabbitmq channel closed: %w", amqpErr)
				h.OnError(err)
				return err
			}
			return nil
		case msg, ok := <-msgs:
			if !ok {
				err := errors.New("rabbitmq delivery channel closed")
				h.OnError(err)
				return err
			}
			h.Handle(ctx, &rabbitDelivery{msg: msg})
		}
	}
}

// Close releases the channel and the connection.
func (c *RabbitMQConsumer) Close() error {
	if err := c.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return err
	}
	return c.conn.Close()
}

// rabbitDelivery settles an AMQP delivery: Ack on complete, Nack with
// requeue on abandon.
type rabbitDelivery struct {
	msg amqp.Delivery
}

func (d *rabbitDelivery) Body() []byte { return d.msg.Body }

func (d *rabbitDelivery) Complete(context.Context) error {
	return d.msg.Ack(false)
}

func (d *rabbitDelivery) Abandon(context.Context) error {
	return d.msg.Nack(false, true)
}

// RabbitMQPublisher publishes persistent JSON messages to a topic exchange.
type RabbitMQPublisher struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
	logger   *zap.Logger
}

// NewRabbitMQPublisher dials the broker and declares exchange.
func NewRabbitMQPublisher(url, exchange string, logger *zap.Logger) (*RabbitMQPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return &RabbitMQPublisher{conn: conn, ch: ch, exchange: exchange, logger: logger}, nil
}

// Publish implements Publisher.
func (p *RabbitMQPublisher) Publish(ctx context.Context, routingKey string, payload []byte) error {
	err := p.ch.PublishWithContext(ctx, p.exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         payload,
	})
	if err != nil {
		return fmt.Errorf("publish to %s: %w", p.exchange, err)
	}
	p.logger.Debug("message published",
		zap.String("exchange", p.exchange),
		zap.String("routing_key", routingKey),
	)
	return nil
}

// Close releases the channel and the connection.
func (p *RabbitMQPublisher) Close() error {
	if err := p.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return err
	}
	return p.conn.Close()
}
