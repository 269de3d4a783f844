package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/einvoice/internal/commerce"
	"github.com/vladislavdragonenkov/einvoice/internal/domain"
	"github.com/vladislavdragonenkov/einvoice/internal/service/billing"
)

// CommerceService — операции биллинга, которые вызываются событиями платформы.
type CommerceService interface {
	UpsertCustomer(ctx context.Context, event commerce.CustomerEvent) (billing.UpsertResult, error)
	HandleOrderCreated(ctx context.Context, event commerce.OrderEvent) (billing.OrderResult, error)
	HandleOrderCancelled(ctx context.Context, event commerce.OrderCancelledEvent) (billing.CancelResult, error)
}

var _ CommerceService = (*billing.Service)(nil)

// NewCommerceHandler возвращает MessageHandler для топиков commerce.*.
// Ошибки разбора и валидации постоянные: повтор их не исправит.
func NewCommerceHandler(svc CommerceService, logger *log.Entry) MessageHandler {
	if logger == nil {
		logger = log.WithField("component", "commerce-handler")
	}
	return func(ctx context.Context, message *sarama.ConsumerMessage) error {
		envelope, err := ParseEnvelope(message)
		if err != nil {
			return Permanent(err)
		}
		entry := logger.WithFields(log.Fields{
			"event_type": envelope.Type,
			"event_id":   envelope.ID,
			"topic":      message.Topic,
		})

		switch envelope.Type {
		case EventTypeCustomerUpserted:
			var event commerce.CustomerEvent
			if err := decode(envelope, &event); err != nil {
				return err
			}
			result, err := svc.UpsertCustomer(ctx, event)
			if err != nil {
				return classify(err)
			}
			entry.WithField("reclassified", len(result.Reclassified)).Debug("customer upserted")

		case EventTypeOrderCreated:
			var event commerce.OrderEvent
			if err := decode(envelope, &event); err != nil {
				return err
			}
			result, err := svc.HandleOrderCreated(ctx, event)
			if err != nil {
				return classify(err)
			}
			entry.WithFields(log.Fields{
				"order_id": result.Order.ExternalID,
				"status":   result.Order.InvoiceStatus,
				"created":  result.Created,
			}).Debug("order event handled")

		case EventTypeOrderCancelled:
			var event commerce.OrderCancelledEvent
			if err := decode(envelope, &event); err != nil {
				return err
			}
			if _, err := svc.HandleOrderCancelled(ctx, event); err != nil {
				return classify(err)
			}
			entry.WithField("order_id", event.OrderID).Debug("order cancellation handled")

		default:
			return Permanent(fmt.Errorf("unsupported event type %q", envelope.Type))
		}
		return nil
	}
}

func decode(envelope *Envelope, target any) error {
	if err := json.Unmarshal(envelope.Data, target); err != nil {
		return Permanent(fmt.Errorf("decode %s: %w", envelope.Type, err))
	}
	return nil
}

// classify помечает ошибки, которые не исчезнут при повторной доставке.
func classify(err error) error {
	switch {
	case domain.IsValidation(err), domain.IsPrecondition(err), errors.Is(err, domain.ErrOrderNotFound):
		return Permanent(err)
	default:
		return err
	}
}
