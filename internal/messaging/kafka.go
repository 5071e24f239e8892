package messaging

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// DefaultMaxDeliveries bounds how often the Kafka consumer redelivers one
// message when KafkaConfig.MaxDeliveries is unset.
const DefaultMaxDeliveries = 10

// KafkaConfig describes one consumer-group subscription to a topic.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
	// MaxDeliveries is how many times one offset is delivered before it is
	// dead-lettered and committed. Defaults to DefaultMaxDeliveries.
	MaxDeliveries int
	// DeadLetterTopic receives messages that exhausted their deliveries.
	// Empty means they are logged and skipped.
	DeadLetterTopic string
}

// kafkaReader is the subset of *kafka.Reader the consumer uses.
type kafkaReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConsumer consumes a topic as part of a consumer group. Offsets are
// committed only for completed deliveries. An abandoned delivery closes the
// reader; the reopened reader resumes at the last committed offset, so the
// abandoned message and everything after it are fetched again. A message
// abandoned MaxDeliveries times is published to the dead-letter topic and
// committed so the partition moves past it.
type KafkaConsumer struct {
	cfg        KafkaConfig
	newReader  func() kafkaReader
	deadLetter Publisher
	backoff    time.Duration
	logger     *zap.Logger
}

type offsetKey struct {
	partition int
	offset    int64
}

// NewKafkaConsumer creates a KafkaConsumer. No connection is made until Start.
func NewKafkaConsumer(cfg KafkaConfig, logger *zap.Logger) *KafkaConsumer {
	if cfg.MaxDeliveries <= 0 {
		cfg.MaxDeliveries = DefaultMaxDeliveries
	}
	var deadLetter Publisher
	if cfg.DeadLetterTopic != "" {
		deadLetter = NewKafkaPublisher(cfg.Brokers, cfg.DeadLetterTopic, logger)
	}
	return &KafkaConsumer{
		cfg:        cfg,
		deadLetter: deadLetter,
		newReader: func() kafkaReader {
			return kafka.NewReader(kafka.ReaderConfig{
				Brokers:  cfg.Brokers,
				Topic:    cfg.Topic,
				GroupID:  cfg.GroupID,
				MinBytes: 1,
				MaxBytes: 10e6,
			})
		},
		backoff: time.Second,
		logger:  logger,
	}
}

// Start implements Consumer.
func (c *KafkaConsumer) Start(ctx context.Context, h Handler) error {
	c.logger.Info("kafka consumer started",
		zap.String("topic", c.cfg.Topic),
		zap.String("group_id", c.cfg.GroupID),
	)

	deliveries := make(map[offsetKey]int)
	reader := c.newReader()
	defer func() {
		if reader != nil {
			reader.Close() //nolint:errcheck
		}
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}

		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			h.OnError(fmt.Errorf("fetch from %s: %w", c.cfg.Topic, err))
			if !c.sleep(ctx) {
				return nil
			}
			continue
		}

		key := offsetKey{partition: msg.Partition, offset: msg.Offset}
		deliveries[key]++
		d := &kafkaDelivery{reader: reader, msg: msg}
		h.Handle(ctx, d)
		if !d.abandoned {
			delete(deliveries, key)
			continue
		}

		if c.cfg.MaxDeliveries > 0 && deliveries[key] >= c.cfg.MaxDeliveries {
			if err := c.deadLetterMessage(ctx, reader, msg, deliveries[key]); err != nil {
				h.OnError(err)
			} else {
				delete(deliveries, key)
				continue
			}
		}

		c.logger.Warn("delivery abandoned, rewinding to last committed offset",
			zap.String("topic", msg.Topic),
			zap.Int("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
		)
		if err := reader.Close(); err != nil {
			h.OnError(fmt.Errorf("close reader: %w", err))
		}
		reader = nil
		if !c.sleep(ctx) {
			return nil
		}
		reader = c.newReader()
	}
}

// deadLetterMessage publishes msg to the dead-letter topic, if one is set,
// and commits its offset.
func (c *KafkaConsumer) deadLetterMessage(ctx context.Context, reader kafkaReader, msg kafka.Message, deliveries int) error {
	if c.deadLetter != nil {
		if err := c.deadLetter.Publish(ctx, string(msg.Key), msg.Value); err != nil {
			return fmt.Errorf("dead-letter offset %d of %s: %w", msg.Offset, msg.Topic, err)
		}
	}
	if err := reader.CommitMessages(ctx, msg); err != nil {
		return fmt.Errorf("commit dead-lettered offset %d of %s: %w", msg.Offset, msg.Topic, err)
	}
	c.logger.Warn("message exceeded max deliveries, dead-lettered",
		zap.String("topic", msg.Topic),
		zap.Int("partition", msg.Partition),
		zap.Int64("offset", msg.Offset),
		zap.Int("deliveries", deliveries),
		zap.String("dead_letter_topic", c.cfg.DeadLetterTopic),
	)
	return nil
}

// Close closes the dead-letter publisher. The reader is owned by Start and
// closed when it returns.
func (c *KafkaConsumer) Close() error {
	if c.deadLetter != nil {
		return c.deadLetter.Close()
	}
	return nil
}

func (c *KafkaConsumer) sleep(ctx context.Context) bool {
	t := time.NewTimer(c.backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

type kafkaDelivery struct {
	reader    kafkaReader
	msg       kafka.Message
	abandoned bool
}

func (d *kafkaDelivery) Body() []byte { return d.msg.Value }

func (d *kafkaDelivery) Complete(ctx context.Context) error {
	return d.reader.CommitMessages(ctx, d.msg)
}

func (d *kafkaDelivery) Abandon(context.Context) error {
	d.abandoned = true
	return nil
}

// KafkaPublisher writes envelopes to one topic, keyed by routing key.
type KafkaPublisher struct {
	writer *kafka.Writer
	logger *zap.Logger
}

// NewKafkaPublisher creates a publisher for topic.
func NewKafkaPublisher(brokers []string, topic string, logger *zap.Logger) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
		},
		logger: logger,
	}
}

// Publish implements Publisher.
func (p *KafkaPublisher) Publish(ctx context.Context, routingKey string, payload []byte) error {
	if err := p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(routingKey), Value: payload}); err != nil {
		return fmt.Errorf("write to %s: %w", p.writer.Topic, err)
	}
	p.logger.Debug("message published", zap.String("topic", p.writer.Topic), zap.String("key", routingKey))
	return nil
}

// Close flushes and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
