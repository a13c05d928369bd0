package kafka

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"reservation-service/internal/domain"
)

// mockProducer records the produced message and answers with a canned
// delivery report.
type mockProducer struct {
	snitch chan *kafka.Message
	report kafka.Event
	retVal error
}

func (p *mockProducer) Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error {
	p.snitch <- msg
	if p.retVal != nil {
		return p.retVal
	}
	if p.report != nil {
		deliveryChan <- p.report
	}

	return nil
}

type otherEvent struct{}

func (otherEvent) String() string { return "other" }

func testRecord() *domain.OutboxRecord {
	return &domain.OutboxRecord{
		ID:            "3f1b3c8e-8a53-4f55-9c1e-0a3a7f7d2b10",
		AggregateType: "Occupancy",
		AggregateID:   "3:2026-03-14:19:30",
		EventType:     "SlotOccupied",
		EventVersion:  1,
		Payload:       []byte(`{"occupancyId":"o-1"}`),
		Status:        domain.OutboxPending,
		CreatedAt:     time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC),
	}
}

func reportFor(err error) *kafka.Message {
	topic := "reservations-slot-occupied"
	return &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: 0, Offset: 42, Error: err},
	}
}

func TestNewEmitter_NilProducer(t *testing.T) {
	assert.Panics(t, func() {
		NewEmitter(nil, "reservations", zap.NewNop())
	})
}

func TestEmitter_PublishBuildsMessage(t *testing.T) {
	snitch := make(chan *kafka.Message, 1)
	e := NewEmitter(&mockProducer{snitch: snitch, report: reportFor(nil)}, "reservations", zap.NewNop())
	rec := testRecord()

	future, err := e.Publish(context.Background(), rec)
	require.NoError(t, err)

	msg := <-snitch
	assert.Equal(t, "reservations-slot-occupied", *msg.TopicPartition.Topic)
	assert.Equal(t, kafka.PartitionAny, msg.TopicPartition.Partition)
	assert.Equal(t, []byte(rec.AggregateID), msg.Key)
	assert.Equal(t, rec.Payload, msg.Value)
	assert.Equal(t, []kafka.Header{
		{Key: "id", Value: []byte(rec.ID)},
		{Key: "type", Value: []byte("SlotOccupied")},
		{Key: "version", Value: []byte("1")},
		{Key: "createdAt", Value: []byte(strconv.FormatInt(rec.CreatedAt.UnixMilli(), 10))},
	}, msg.Headers)

	select {
	case err := <-future:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("future never resolved")
	}
}

func TestEmitter_PublishOutcomes(t *testing.T) {
	testcases := []struct {
		name          string
		producer      *mockProducer
		wantErr       bool
		wantDelivery  bool
		wantFutureErr bool
		futureIsDelEr bool
	}{
		{
			name:     "acknowledged",
			producer: &mockProducer{report: reportFor(nil)},
		},
		{
			name:          "delivery timed out",
			producer:      &mockProducer{report: reportFor(kafka.NewError(kafka.ErrMsgTimedOut, "timed out", false))},
			wantFutureErr: true,
			futureIsDelEr: true,
		},
		{
			name:          "broker rejected message size",
			producer:      &mockProducer{report: reportFor(kafka.NewError(kafka.ErrMsgSizeTooLarge, "too large", false))},
			wantFutureErr: true,
		},
		{
			name:         "local queue full",
			producer:     &mockProducer{retVal: kafka.NewError(kafka.ErrQueueFull, "queue full", false)},
			wantErr:      true,
			wantDelivery: true,
		},
		{
			name:     "unknown topic",
			producer: &mockProducer{retVal: kafka.NewError(kafka.ErrUnknownTopic, "unknown topic", false)},
			wantErr:  true,
		},
		{
			name:         "non kafka error",
			producer:     &mockProducer{retVal: errors.New("closed")},
			wantErr:      true,
			wantDelivery: true,
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			tc.producer.snitch = make(chan *kafka.Message, 1)
			e := NewEmitter(tc.producer, "reservations", zap.NewNop())

			future, err := e.Publish(context.Background(), testRecord())
			if tc.wantErr {
				require.Error(t, err)
				var de *domain.DeliveryError
				assert.Equal(t, tc.wantDelivery, errors.As(err, &de))
				return
			}
			require.NoError(t, err)

			var got error
			select {
			case got = <-future:
			case <-time.After(time.Second):
				t.Fatal("future never resolved")
			}

			if !tc.wantFutureErr {
				assert.NoError(t, got)
				return
			}
			require.Error(t, got)
			var de *domain.DeliveryError
			assert.Equal(t, tc.futureIsDelEr, errors.As(got, &de))
		})
	}
}

func TestEmitter_IgnoresForeignEvents(t *testing.T) {
	snitch := make(chan *kafka.Message, 1)
	p := &mockProducer{snitch: snitch, report: otherEvent{}}
	e := NewEmitter(p, "reservations", zap.NewNop())

	future, err := e.Publish(context.Background(), testRecord())
	require.NoError(t, err)

	select {
	case <-future:
		t.Fatal("a non-message event must not resolve the future")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEmitter_CancelledContext(t *testing.T) {
	snitch := make(chan *kafka.Message, 1)
	e := NewEmitter(&mockProducer{snitch: snitch}, "reservations", zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Publish(ctx, testRecord())

	var de *domain.DeliveryError
	require.ErrorAs(t, err, &de)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, snitch, "nothing is produced on a cancelled context")
}

func TestEmitter_TopicFor(t *testing.T) {
	e := NewEmitter(&mockProducer{}, "outbox", zap.NewNop())

	assert.Equal(t, "outbox-slot-occupied", e.TopicFor("SlotOccupied"))
	assert.Equal(t, "outbox-slot-released", e.TopicFor("SlotReleased"))
}
