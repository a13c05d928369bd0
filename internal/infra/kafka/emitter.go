package kafka

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	"github.com/iancoleman/strcase"
	"go.uber.org/zap"

	"reservation-service/internal/domain"
)

type kafkaProducer interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
}

// Emitter implements domain.EventPublisher.
type Emitter struct {
	producer    kafkaProducer
	topicPrefix string
	logger      *zap.Logger
}

var _ domain.EventPublisher = (*Emitter)(nil)

// NewEmitter panics on a nil producer.
func NewEmitter(p kafkaProducer, topicPrefix string, logger *zap.Logger) *Emitter {
	if p == nil {
		panic("producer is mandatory")
	}

	return &Emitter{
		producer:    p,
		topicPrefix: topicPrefix,
		logger:      logger,
	}
}

// Publish enqueues the record. The returned future yields the broker's
// verdict exactly once.
func (e *Emitter) Publish(ctx context.Context, r *domain.OutboxRecord) (domain.DeliveryFuture, error) {
	if err := ctx.Err(); err != nil {
		return nil, &domain.DeliveryError{Err: err}
	}

	report := make(chan kafka.Event, 1)
	topic := e.TopicFor(r.EventType)

	err := e.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            []byte(r.AggregateID),
		Value:          r.Payload,
		Headers: []kafka.Header{
			{Key: "id", Value: []byte(r.ID)},
			{Key: "type", Value: []byte(r.EventType)},
			{Key: "version", Value: []byte(strconv.Itoa(r.EventVersion))},
			{Key: "createdAt", Value: []byte(strconv.FormatInt(r.CreatedAt.UnixMilli(), 10))},
		},
	}, report)
	if err != nil {
		return nil, classify(err)
	}

	future := make(chan error, 1)
	go func() {
		for ev := range report {
			m, ok := ev.(*kafka.Message)
			if !ok {
				e.logger.Debug("ignored delivery event", zap.String("event", ev.String()))
				continue
			}

			if m.TopicPartition.Error != nil {
				future <- classify(m.TopicPartition.Error)
				return
			}

			e.logger.Debug("message delivered",
				zap.String("topic", topic),
				zap.Int32("partition", m.TopicPartition.Partition),
				zap.String("offset", m.TopicPartition.Offset.String()),
				zap.String("record_id", r.ID),
			)
			future <- nil
			return
		}
	}()

	return future, nil
}

// TopicFor maps an event type to its topic, e.g. "SlotOccupied" becomes
// "<prefix>-slot-occupied".
func (e *Emitter) TopicFor(eventType string) string {
	return fmt.Sprintf("%s-%s", e.topicPrefix, strcase.ToKebab(eventType))
}

// classify separates messages the broker will never accept from faults that
// may clear up by themselves. Only the latter become a DeliveryError.
func classify(err error) error {
	var kerr kafka.Error
	if !errors.As(err, &kerr) {
		return &domain.DeliveryError{Err: err}
	}

	switch kerr.Code() {
	case kafka.ErrMsgSizeTooLarge,
		kafka.ErrInvalidMsg,
		kafka.ErrInvalidArg,
		kafka.ErrUnknownTopic,
		kafka.ErrUnknownTopicOrPart,
		kafka.ErrTopicAuthorizationFailed:
		return fmt.Errorf("message rejected: %w", kerr)
	default:
		return &domain.DeliveryError{Err: kerr}
	}
}
