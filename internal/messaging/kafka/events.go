package kafka

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
)

// EventType определяет тип входящего события платформы
type EventType string

const (
	EventTypeCustomerUpserted EventType = "customer.upserted"
	EventTypeOrderCreated     EventType = "order.created"
	EventTypeOrderCancelled   EventType = "order.cancelled"
)

// Topics для Kafka
const (
	TopicInvoiceEvents     = "einv.invoice.events"
	TopicCommerceCustomers = "commerce.customers"
	TopicCommerceOrders    = "commerce.orders"
	TopicDeadLetterQueue   = "einv.dlq" // Dead Letter Queue для failed messages
)

// Kafka headers для retry логики
const (
	HeaderRetryCount    = "x-retry-count"
	HeaderOriginalTopic = "x-original-topic"
	HeaderErrorMessage  = "x-error-message"
	HeaderFailedAt      = "x-failed-at"
	HeaderEventType     = "x-event-type"
)

// Envelope — обёртка события платформы. Data декодируется по Type.
type Envelope struct {
	Type       EventType       `json:"type"`
	ID         string          `json:"id,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
	Data       json.RawMessage `json:"data"`
}

// NewEnvelope упаковывает событие платформы.
func NewEnvelope(eventType EventType, data interface{}) (*Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
	}
	return &Envelope{
		Type:       eventType,
		OccurredAt: time.Now().UTC(),
		Data:       raw,
	}, nil
}

// ParseEnvelope парсит Envelope из сообщения
func ParseEnvelope(message *sarama.ConsumerMessage) (*Envelope, error) {
	var envelope Envelope
	if err := json.Unmarshal(message.Value, &envelope); err != nil {
		return nil, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	if envelope.Type == "" {
		return nil, fmt.Errorf("envelope without type")
	}
	if len(envelope.Data) == 0 {
		return nil, fmt.Errorf("envelope %s without data", envelope.Type)
	}
	return &envelope, nil
}
