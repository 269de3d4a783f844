package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/einvoice/internal/commerce"
	"github.com/vladislavdragonenkov/einvoice/internal/domain"
)

const defaultCancelReason = "order cancelled"

// OrderResult — итог обработки события создания заказа.
type OrderResult struct {
	Order   domain.Order
	Created bool
	Job     *domain.InvoiceJob
}

// CancelResult — итог обработки отмены.
type CancelResult struct {
	Order      domain.Order
	CreditNote *domain.CreditNote
}

// HandleOrderCreated классифицирует новый заказ и при необходимости ставит задачу.
// Повторная доставка того же заказа ничего не меняет.
func (s *Service) HandleOrderCreated(ctx context.Context, event commerce.OrderEvent) (OrderResult, error) {
	if err := commerce.Validate(event); err != nil {
		return OrderResult{}, err
	}
	now := s.now()
	order := event.Order(now)
	if errs := order.ValidateInvariants(); len(errs) > 0 {
		return OrderResult{}, errors.Join(errs...)
	}

	if existing, err := s.deps.Orders.Get(ctx, order.ExternalID); err == nil {
		return OrderResult{Order: existing}, nil
	} else if !errors.Is(err, domain.ErrOrderNotFound) {
		return OrderResult{}, fmt.Errorf("load order: %w", err)
	}

	if _, err := s.deps.Customers.EnsureExists(ctx, order.CustomerID, now); err != nil {
		return OrderResult{}, fmt.Errorf("ensure customer: %w", err)
	}
	profile, err := s.deps.Resolver.Resolve(ctx, order.CustomerID)
	if err != nil {
		return OrderResult{}, fmt.Errorf("resolve profile: %w", err)
	}

	disposition := domain.Classify(order.BillingCountry, s.homeCountry, profile)
	order.InvoiceStatus = disposition.Status
	order.HasVATProfile = disposition.HasVATProfile

	created, err := s.deps.Orders.CreateIfAbsent(ctx, order)
	if err != nil {
		return OrderResult{}, fmt.Errorf("create order: %w", err)
	}
	if !created {
		existing, err := s.deps.Orders.Get(ctx, order.ExternalID)
		if err != nil {
			return OrderResult{}, fmt.Errorf("load order: %w", err)
		}
		return OrderResult{Order: existing}, nil
	}

	logger := s.logger.WithFields(log.Fields{
		"order_id":       order.ExternalID,
		"customer_id":    order.CustomerID,
		"invoice_status": order.InvoiceStatus,
	})
	logger.Info("order classified")
	s.recorder.Note(ctx, order.ExternalID, domain.TimelineOrderReceived, "")
	s.recorder.Note(ctx, order.ExternalID, domain.TimelineOrderClassified, string(order.InvoiceStatus))

	result := OrderResult{Order: order, Created: true}
	if disposition.Enqueue {
		job, err := s.enqueueJob(ctx, order.ExternalID)
		if err != nil {
			return result, fmt.Errorf("enqueue job: %w", err)
		}
		result.Job = &job

		// Профиль мог обновиться при чтении: подтягиваем остальные ожидающие заказы клиента.
		if _, err := s.reclassify(ctx, order.CustomerID); err != nil {
			logger.WithError(err).Warn("reclassify pending orders failed")
		}
	}
	return result, nil
}

// HandleOrderCancelled отменяет заказ. Для выставленного счёта без ноты кредит-нота
// создаётся атомарно вместе с отменой.
func (s *Service) HandleOrderCancelled(ctx context.Context, event commerce.OrderCancelledEvent) (CancelResult, error) {
	if err := commerce.Validate(event); err != nil {
		return CancelResult{}, err
	}
	return s.CancelOrder(ctx, strings.TrimSpace(event.OrderID), event.Reason)
}

// CancelOrder применяет компенсацию по текущему статусу заказа.
func (s *Service) CancelOrder(ctx context.Context, orderID, reason string) (CancelResult, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = defaultCancelReason
	}
	logger := s.logger.WithField("order_id", orderID)

	var lastErr error
	for attempt := 0; attempt < mutateRetries; attempt++ {
		order, err := s.deps.Orders.Get(ctx, orderID)
		if err != nil {
			return CancelResult{}, err
		}
		if order.InvoiceStatus == domain.InvoiceStatusCancelled {
			return CancelResult{Order: order}, nil
		}

		now := s.now()
		previous := order.InvoiceStatus
		if err := order.Cancel(reason, now); err != nil {
			return CancelResult{Order: order}, err
		}

		var note *domain.CreditNote
		if previous == domain.InvoiceStatusIssued {
			note, lastErr = s.cancelIssued(ctx, order, reason)
		} else {
			lastErr = s.deps.Orders.Save(ctx, order)
		}

		if lastErr == nil {
			order.Version++
			logger.WithFields(log.Fields{
				"previous_status": previous,
				"credit_note":     note != nil,
			}).Info("order cancelled")
			s.recorder.Publish(ctx, order, domain.EventOrderCancelled, domain.TimelineOrderCancelled, map[string]interface{}{
				"reason":          reason,
				"previous_status": string(previous),
			})
			if note != nil {
				s.recorder.Publish(ctx, order, domain.EventCreditNoteCreated, domain.TimelineCreditNoteCreated, map[string]interface{}{
					"credit_note_id": note.ID,
					"invoice_id":     order.InvoiceID,
					"amount":         note.Amount.String(),
					"reason":         reason,
				})
			}
			return CancelResult{Order: order, CreditNote: note}, nil
		}
		if !domain.IsVersionConflict(lastErr) {
			return CancelResult{}, lastErr
		}
		logger.WithField("attempt", attempt+1).Warn("version conflict detected, retrying")
		if !sleep(ctx, mutateBaseDelay*time.Duration(1<<uint(attempt))) {
			break
		}
	}
	return CancelResult{}, lastErr
}

// cancelIssued сохраняет отмену выставленного заказа. Нота создаётся, только если её ещё нет.
func (s *Service) cancelIssued(ctx context.Context, cancelled domain.Order, reason string) (*domain.CreditNote, error) {
	_, err := s.deps.CreditNotes.GetByOrder(ctx, cancelled.ExternalID)
	switch {
	case err == nil:
		return nil, s.deps.Orders.Save(ctx, cancelled)
	case !errors.Is(err, domain.ErrCreditNoteNotFound):
		return nil, fmt.Errorf("load credit note: %w", err)
	}

	note := domain.NewCreditNote(cancelled, reason, s.now())
	err = s.deps.CreditNotes.CreateWithCancellation(ctx, note, cancelled)
	if errors.Is(err, domain.ErrCreditNoteExists) {
		// нота появилась между чтением и записью: отменяем без неё
		return nil, s.deps.Orders.Save(ctx, cancelled)
	}
	if err != nil {
		return nil, err
	}
	return &note, nil
}
