package kafka

import "time"

// EventType определяет тип события
type EventType string

const (
	// Saga события
	EventTypeSagaStarted      EventType = "saga.started"
	EventTypeSagaCompleted    EventType = "saga.completed"
	EventTypeSagaCompensating EventType = "saga.compensating"
	EventTypeSagaFailed       EventType = "saga.failed"

	// Step события
	EventTypeStepCartReserved      EventType = "step.cart_reserved"
	EventTypeStepInventoryReserved EventType = "step.inventory_reserved"
	EventTypeStepPaymentCaptured   EventType = "step.payment_captured"

	// Операционные события
	EventTypeOrderRefunded          EventType = "order.refunded"
	EventTypeReconciliationRequired EventType = "reconciliation.required"
)

// Topics для Kafka
const (
	TopicSagaEvents      = "checkout.saga.events"
	TopicOrderEvents     = "checkout.order.events"
	TopicDeadLetterQueue = "checkout.dlq" // Dead Letter Queue для failed messages
)

// SagaEvent представляет событие checkout-саги
type SagaEvent struct {
	EventType EventType              `json:"event_type"`
	OrderID   string                 `json:"order_id"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// NewSagaEvent создает новое событие саги
func NewSagaEvent(eventType EventType, orderID string, metadata map[string]interface{}) *SagaEvent {
	return &SagaEvent{
		EventType: eventType,
		OrderID:   orderID,
		Timestamp: time.Now(),
		Metadata:  metadata,
	}
}
