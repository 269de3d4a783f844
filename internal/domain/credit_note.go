package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// CreditNoteStatus описывает состояние кредит-ноты.
type CreditNoteStatus string

const (
	CreditNoteStatusPending CreditNoteStatus = "PENDING"
	// CreditNoteStatusProcessing — нота захвачена одним обработчиком и отправляется провайдеру.
	CreditNoteStatusProcessing CreditNoteStatus = "PROCESSING"
	CreditNoteStatusIssued     CreditNoteStatus = "ISSUED"
	// CreditNoteStatusForeign — нота учтена локально, провайдер не вызывался.
	CreditNoteStatusForeign CreditNoteStatus = "FOREIGN"
	CreditNoteStatusError   CreditNoteStatus = "ERROR"
)

// Valid проверяет, что статус относится к поддерживаемым значениям.
func (s CreditNoteStatus) Valid() bool {
	switch s {
	case CreditNoteStatusPending, CreditNoteStatusProcessing, CreditNoteStatusIssued,
		CreditNoteStatusForeign, CreditNoteStatusError:
		return true
	default:
		return false
	}
}

// CreditNote — компенсирующий документ к выставленному счёту. Не более одной на заказ.
// Attempts и ScheduledAt работают так же, как у задач очереди.
type CreditNote struct {
	ID          string
	OrderID     string
	Reason      string
	Amount      decimal.Decimal
	Currency    string
	ExternalID  string
	Status      CreditNoteStatus
	Attempts    int
	ScheduledAt time.Time
	LastError   string
	IssuedAt    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// NewCreditNote создаёт ноту на полную сумму заказа.
func NewCreditNote(order Order, reason string, now time.Time) CreditNote {
	return CreditNote{
		ID:        uuid.NewString(),
		OrderID:   order.ExternalID,
		Reason:    reason,
		Amount:    order.Total,
		Currency:  order.Currency,
		Status:      CreditNoteStatusPending,
		ScheduledAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Due сообщает, может ли движок захватить ноту.
func (n *CreditNote) Due(p ClaimParams) bool {
	switch n.Status {
	case CreditNoteStatusPending:
		return n.Attempts < p.MaxAttempts && !n.ScheduledAt.After(p.Now)
	case CreditNoteStatusProcessing:
		return Stale(n.UpdatedAt, p.StaleBefore)
	default:
		return false
	}
}

// MarkIssued фиксирует квитанцию провайдера.
func (n *CreditNote) MarkIssued(externalID string, issuedAt, now time.Time) {
	n.Status = CreditNoteStatusIssued
	n.ExternalID = externalID
	n.IssuedAt = issuedAt
	n.LastError = ""
	n.UpdatedAt = now
}

// MarkForeign учитывает ноту локально без обращения к провайдеру.
func (n *CreditNote) MarkForeign(now time.Time) {
	n.Status = CreditNoteStatusForeign
	n.IssuedAt = now
	n.LastError = ""
	n.UpdatedAt = now
}

// Settled сообщает, что нота больше не требует выставления.
func (n *CreditNote) Settled() bool {
	return n.Status == CreditNoteStatusIssued || n.Status == CreditNoteStatusForeign
}
