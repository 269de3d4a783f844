package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Order — снимок заказа коммерческой платформы и состояние счёта по нему.
//
// ExternalID, OrderNumber, валюта, сумма и CreatedAt не меняются после создания.
// Статус счёта меняется только через Apply и функцию Transition.
type Order struct {
	ExternalID     string
	OrderNumber    string
	CustomerID     string
	BillingCountry string
	Currency       string
	Total          decimal.Decimal
	CreatedAt      time.Time

	HasVATProfile bool
	InvoiceStatus InvoiceStatus
	LastError     string
	InvoiceID     string
	InvoiceDate   time.Time
	CancelReason  string

	Version   int64
	UpdatedAt time.Time
}

// ValidateInvariants проверяет базовые инварианты заказа и возвращает список замечаний.
func (o *Order) ValidateInvariants() []error {
	var errs []error

	if strings.TrimSpace(o.ExternalID) == "" {
		errs = append(errs, ErrOrderIDRequired)
	}
	if strings.TrimSpace(o.CustomerID) == "" {
		errs = append(errs, ErrCustomerIDRequired)
	}
	if strings.TrimSpace(o.BillingCountry) == "" {
		errs = append(errs, ErrBillingCountryRequired)
	} else if !ValidCountry(o.BillingCountry) {
		errs = append(errs, ErrCountryInvalid)
	}
	if strings.TrimSpace(o.Currency) == "" {
		errs = append(errs, ErrCurrencyRequired)
	}
	if o.Total.IsNegative() {
		errs = append(errs, ErrTotalNegative)
	}
	if o.InvoiceStatus != "" && !o.InvoiceStatus.Valid() {
		errs = append(errs, ErrInvoiceStatusInvalid)
	}

	return errs
}

// Apply переводит заказ по событию и обновляет UpdatedAt.
func (o *Order) Apply(event InvoiceEvent, now time.Time) error {
	next, err := Transition(o.InvoiceStatus, event)
	if err != nil {
		return err
	}
	o.InvoiceStatus = next
	o.UpdatedAt = now
	return nil
}

// MarkIssued фиксирует успешное выставление счёта.
func (o *Order) MarkIssued(invoiceID string, issuedAt, now time.Time) error {
	if err := o.Apply(InvoiceEventIssued, now); err != nil {
		return err
	}
	o.InvoiceID = invoiceID
	o.InvoiceDate = issuedAt
	o.LastError = ""
	return nil
}

// MarkFailed переводит заказ в ERROR с текстом ошибки.
func (o *Order) MarkFailed(reason string, now time.Time) error {
	if err := o.Apply(InvoiceEventFailed, now); err != nil {
		return err
	}
	o.LastError = reason
	return nil
}

// ResetError возвращает заказ из ERROR в PENDING (только оператор).
func (o *Order) ResetError(now time.Time) error {
	if err := o.Apply(InvoiceEventOperatorReset, now); err != nil {
		return err
	}
	o.LastError = ""
	return nil
}

// MarkForeign переклассифицирует заказ как иностранный.
func (o *Order) MarkForeign(now time.Time) error {
	return o.Apply(InvoiceEventForeign, now)
}

// Cancel переводит заказ в CANCELLED. Повторная отмена не меняет причину.
func (o *Order) Cancel(reason string, now time.Time) error {
	if o.InvoiceStatus == InvoiceStatusCancelled {
		return nil
	}
	if err := o.Apply(InvoiceEventCancel, now); err != nil {
		return err
	}
	o.CancelReason = reason
	return nil
}

// Invoiced сообщает, что по заказу был выставлен счёт (в том числе до отмены).
func (o *Order) Invoiced() bool {
	return o.InvoiceID != ""
}
