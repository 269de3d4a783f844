package domain

import (
	"fmt"
	"strings"
	"time"
)

// TimelineEvent описывает событие в жизненном цикле счёта по заказу.
type TimelineEvent struct {
	OrderID  string
	Type     string
	Reason   string
	Occurred time.Time
}

// Типы событий таймлайна.
const (
	TimelineOrderReceived     = "order_received"
	TimelineOrderClassified   = "order_classified"
	TimelineJobEnqueued       = "job_enqueued"
	TimelineInvoiceIssued     = "invoice_issued"
	TimelineInvoiceFailed     = "invoice_failed"
	TimelineAttemptFailed     = "attempt_failed"
	TimelineOrderCancelled    = "order_cancelled"
	TimelineCreditNoteCreated = "credit_note_created"
	TimelineCreditNoteIssued  = "credit_note_issued"
	TimelineOperatorReset     = "operator_reset"
	TimelineReclassified      = "reclassified"
)

var timelineTypes = map[string]struct{}{
	TimelineOrderReceived:     {},
	TimelineOrderClassified:   {},
	TimelineJobEnqueued:       {},
	TimelineInvoiceIssued:     {},
	TimelineInvoiceFailed:     {},
	TimelineAttemptFailed:     {},
	TimelineOrderCancelled:    {},
	TimelineCreditNoteCreated: {},
	TimelineCreditNoteIssued:  {},
	TimelineOperatorReset:     {},
	TimelineReclassified:      {},
}

// Validate проверяет, что событие относится к заказу и имеет известный тип.
func (e TimelineEvent) Validate() error {
	if strings.TrimSpace(e.OrderID) == "" {
		return fmt.Errorf("%w: timeline event without order", ErrInvalidEvent)
	}
	if _, ok := timelineTypes[e.Type]; !ok {
		return fmt.Errorf("%w: unknown timeline event type %q", ErrInvalidEvent, e.Type)
	}
	return nil
}

// Типы событий outbox, публикуемых наружу.
const (
	EventInvoiceIssued     = "InvoiceIssued"
	EventInvoiceFailed     = "InvoiceFailed"
	EventOrderCancelled    = "OrderCancelled"
	EventCreditNoteCreated = "CreditNoteCreated"
	EventCreditNoteIssued  = "CreditNoteIssued"
)
