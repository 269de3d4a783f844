package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// DocumentKind — вид фискального документа.
type DocumentKind string

const (
	DocumentKindInvoice    DocumentKind = "invoice"
	DocumentKindCreditNote DocumentKind = "credit_note"
)

// Party — реквизиты покупателя в документе.
type Party struct {
	Name        string
	VATNumber   string
	FiscalCode  string
	RoutingCode string
	PEC         string
	Address     Address
}

// InvoiceDocument — данные, передаваемые провайдеру. Формат сериализации определяет клиент провайдера.
type InvoiceDocument struct {
	Kind        DocumentKind
	OrderID     string
	OrderNumber string
	Currency    string
	Total       decimal.Decimal
	IssueDate   time.Time
	Buyer       Party
	// Reference — номер исходного счёта для кредит-ноты.
	Reference string
	Reason    string
}

// Receipt — квитанция провайдера о принятом документе.
type Receipt struct {
	ExternalID string
	IssuedAt   time.Time
}

// NewInvoiceDocument собирает документ счёта по заказу и профилю.
func NewInvoiceDocument(order Order, customer Customer, profile BillingProfile, now time.Time) InvoiceDocument {
	return InvoiceDocument{
		Kind:        DocumentKindInvoice,
		OrderID:     order.ExternalID,
		OrderNumber: order.OrderNumber,
		Currency:    order.Currency,
		Total:       order.Total,
		IssueDate:   now,
		Buyer:       buyerParty(customer, profile),
	}
}

// NewCreditNoteDocument собирает документ кредит-ноты к выставленному счёту.
func NewCreditNoteDocument(order Order, note CreditNote, customer Customer, profile BillingProfile, now time.Time) InvoiceDocument {
	return InvoiceDocument{
		Kind:        DocumentKindCreditNote,
		OrderID:     order.ExternalID,
		OrderNumber: order.OrderNumber,
		Currency:    note.Currency,
		Total:       note.Amount,
		IssueDate:   now,
		Buyer:       buyerParty(customer, profile),
		Reference:   order.InvoiceID,
		Reason:      note.Reason,
	}
}

func buyerParty(customer Customer, profile BillingProfile) Party {
	name := profile.CompanyName
	if name == "" {
		name = customer.DisplayName()
	}
	return Party{
		Name:        name,
		VATNumber:   profile.VATNumber,
		FiscalCode:  profile.FiscalCode,
		RoutingCode: profile.RoutingCode,
		PEC:         profile.PEC,
		Address:     profile.Address,
	}
}
