// Package kafka publishes outbox records to Kafka.
package kafka

import (
	"fmt"
	"time"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	"go.uber.org/zap"
)

// Config holds producer configuration.
type Config struct {
	Brokers         string
	ClientID        string
	TopicPrefix     string
	MessageTimeout  time.Duration
	LingerMs        int
	CompressionType string
	FlushTimeout    time.Duration
}

// Producer owns the librdkafka producer and drains its event channel.
type Producer struct {
	*kafka.Producer
	flushTimeout time.Duration
	logger       *zap.Logger
	done         chan struct{}
}

// NewProducer creates an idempotent producer that waits for all in-sync
// replicas.
func NewProducer(cfg Config, logger *zap.Logger) (*Producer, error) {
	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers":  cfg.Brokers,
		"client.id":          cfg.ClientID,
		"linger.ms":          cfg.LingerMs,
		"compression.type":   cfg.CompressionType,
		"message.timeout.ms": int(cfg.MessageTimeout.Milliseconds()),
		"acks":               -1,
		"enable.idempotence": true,
	})
	if err != nil {
		return nil, fmt.Errorf("creating kafka producer: %w", err)
	}

	producer := &Producer{
		Producer:     p,
		flushTimeout: cfg.FlushTimeout,
		logger:       logger,
		done:         make(chan struct{}),
	}
	go producer.drain()

	logger.Info("kafka producer created", zap.String("brokers", cfg.Brokers))

	return producer, nil
}

// drain logs client-level events. Per-message reports go to the delivery
// channel passed to Produce and never show up here.
func (p *Producer) drain() {
	defer close(p.done)

	for ev := range p.Events() {
		switch e := ev.(type) {
		case kafka.Error:
			if e.IsFatal() {
				p.logger.Error("kafka fatal error", zap.Error(e))
				continue
			}
			p.logger.Warn("kafka client error", zap.Error(e), zap.String("code", e.Code().String()))
		default:
			p.logger.Debug("kafka event ignored", zap.String("event", ev.String()))
		}
	}
}

// Close flushes outstanding messages and closes the producer.
func (p *Producer) Close() {
	if remaining := p.Flush(int(p.flushTimeout.Milliseconds())); remaining > 0 {
		p.logger.Warn("kafka producer closed with undelivered messages", zap.Int("remaining", remaining))
	}

	p.Producer.Close()
	<-p.done
}
