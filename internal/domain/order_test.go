package domain_test

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/einvoice/internal/domain"
)

// helper для создания базового заказа в статусе PENDING.
func makeOrder() domain.Order {
	now := time.Now().UTC()
	return domain.Order{
		ExternalID:     "order-1",
		OrderNumber:    "#1001",
		CustomerID:     "customer-1",
		BillingCountry: "IT",
		Currency:       "EUR",
		Total:          decimal.RequireFromString("122.00"),
		CreatedAt:      now,
		InvoiceStatus:  domain.InvoiceStatusPending,
		UpdatedAt:      now,
	}
}

func TestOrderValidateInvariants_Ok(t *testing.T) {
	order := makeOrder()
	if errs := order.ValidateInvariants(); len(errs) != 0 {
		t.Fatalf("expected no validation errors, got %v", errs)
	}
}

func TestOrderValidateInvariants_Errors(t *testing.T) {
	cases := []struct {
		name string
		mut  func(o *domain.Order)
		want error
	}{
		{name: "no id", mut: func(o *domain.Order) { o.ExternalID = " " }, want: domain.ErrOrderIDRequired},
		{name: "no customer", mut: func(o *domain.Order) { o.CustomerID = "" }, want: domain.ErrCustomerIDRequired},
		{name: "no country", mut: func(o *domain.Order) { o.BillingCountry = "" }, want: domain.ErrBillingCountryRequired},
		{name: "bad country", mut: func(o *domain.Order) { o.BillingCountry = "ITA" }, want: domain.ErrCountryInvalid},
		{name: "no currency", mut: func(o *domain.Order) { o.Currency = "" }, want: domain.ErrCurrencyRequired},
		{name: "negative total", mut: func(o *domain.Order) { o.Total = decimal.NewFromInt(-1) }, want: domain.ErrTotalNegative},
		{name: "bad status", mut: func(o *domain.Order) { o.InvoiceStatus = "DRAFT" }, want: domain.ErrInvoiceStatusInvalid},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			order := makeOrder()
			tc.mut(&order)

			errs := order.ValidateInvariants()
			if len(errs) == 0 {
				t.Fatalf("expected validation errors for case %s", tc.name)
			}
			if !errors.Is(errors.Join(errs...), tc.want) {
				t.Fatalf("expected %v among %v", tc.want, errs)
			}
		})
	}
}

func TestOrderMarkIssuedClearsError(t *testing.T) {
	order := makeOrder()
	order.LastError = "previous attempt failed"
	issuedAt := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	if err := order.MarkIssued("INV-1", issuedAt, issuedAt); err != nil {
		t.Fatalf("mark issued: %v", err)
	}
	if order.InvoiceStatus != domain.InvoiceStatusIssued || order.InvoiceID != "INV-1" || !order.InvoiceDate.Equal(issuedAt) {
		t.Fatalf("unexpected order after issue: %+v", order)
	}
	if order.LastError != "" {
		t.Fatalf("last error must be cleared, got %q", order.LastError)
	}
	if !order.Invoiced() {
		t.Fatal("order must report invoiced")
	}
}

func TestOrderFailAndReset(t *testing.T) {
	order := makeOrder()
	now := time.Now().UTC()

	if err := order.MarkFailed("clearinghouse timeout", now); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if order.InvoiceStatus != domain.InvoiceStatusError || order.LastError == "" {
		t.Fatalf("unexpected order after failure: %+v", order)
	}
	if err := order.MarkIssued("INV-2", now, now); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("issuing from ERROR must be rejected, got %v", err)
	}
	if err := order.ResetError(now); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if order.InvoiceStatus != domain.InvoiceStatusPending || order.LastError != "" {
		t.Fatalf("unexpected order after reset: %+v", order)
	}
}

func TestOrderCancelIsIdempotent(t *testing.T) {
	order := makeOrder()
	now := time.Now().UTC()

	if err := order.Cancel("customer request", now); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := order.Cancel("second delivery", now.Add(time.Minute)); err != nil {
		t.Fatalf("repeated cancel: %v", err)
	}
	if order.InvoiceStatus != domain.InvoiceStatusCancelled || order.CancelReason != "customer request" {
		t.Fatalf("unexpected order after cancel: %+v", order)
	}
}
