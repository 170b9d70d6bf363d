package kafka

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/silveralcid/retail-checkout/internal/domain"
)

var errPublisherNotInitialized = errors.New("kafka outbox publisher is not initialized")

// eventEnvelope — wire-формат события заказа в Kafka.
type eventEnvelope struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	PublishedAt   time.Time       `json:"published_at"`
}

// topicPublisher отправляет outbox-сообщения в один Kafka topic.
type topicPublisher struct {
	producer *Producer
	topic    string
}

// NewOutboxPublisher создаёт Kafka-паблишер для transactional outbox.
func NewOutboxPublisher(producer *Producer, topic string) domain.OutboxPublisher {
	if topic == "" {
		topic = TopicOrderEvents
	}
	return &topicPublisher{producer: producer, topic: topic}
}

func (p *topicPublisher) Publish(event domain.OutboxMessage) error {
	if p == nil || p.producer == nil {
		return errPublisherNotInitialized
	}

	value, err := json.Marshal(newEnvelope(event, time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("marshal outbox envelope %s: %w", event.ID, err)
	}
	return p.producer.PublishRaw(p.topic, messageKey(event), value)
}

func newEnvelope(event domain.OutboxMessage, publishedAt time.Time) eventEnvelope {
	return eventEnvelope{
		ID:            event.ID,
		AggregateType: event.AggregateType,
		AggregateID:   event.AggregateID,
		EventType:     event.EventType,
		Payload:       json.RawMessage(event.Payload),
		PublishedAt:   publishedAt,
	}
}

// messageKey выбирает ключ партиционирования: события одного заказа
// должны читаться по порядку.
func messageKey(event domain.OutboxMessage) string {
	if event.AggregateID != "" {
		return event.AggregateID
	}
	return event.ID
}

var _ domain.OutboxPublisher = (*topicPublisher)(nil)
