package billing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/einvoice/internal/commerce"
	"github.com/vladislavdragonenkov/einvoice/internal/domain"
)

func TestHandleOrderCreated_Classification(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	_, err := f.service.UpsertCustomer(ctx, businessEvent("c-biz"))
	require.NoError(t, err)

	consumer := commerce.CustomerEvent{ID: "c-retail", Country: "IT", Billing: &commerce.BillingBlock{IsBusiness: false, Country: "IT"}}
	_, err = f.service.UpsertCustomer(ctx, consumer)
	require.NoError(t, err)

	tests := []struct {
		name     string
		event    commerce.OrderEvent
		status   domain.InvoiceStatus
		vat      bool
		jobCount int
	}{
		{name: "foreign", event: orderEvent("o-fr", "c-biz", "FR"), status: domain.InvoiceStatusForeign},
		{name: "qualified", event: orderEvent("o-biz", "c-biz", "it"), status: domain.InvoiceStatusPending, vat: true, jobCount: 1},
		{name: "not qualified", event: orderEvent("o-retail", "c-retail", "IT"), status: domain.InvoiceStatusCorrispettivo},
		{name: "unknown customer", event: orderEvent("o-new", "c-new", "IT"), status: domain.InvoiceStatusPending},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := f.service.HandleOrderCreated(ctx, tt.event)
			require.NoError(t, err)
			require.True(t, result.Created)
			require.Equal(t, tt.status, result.Order.InvoiceStatus)
			require.Equal(t, tt.vat, result.Order.HasVATProfile)
			require.Len(t, f.jobsOf(t, tt.event.ID), tt.jobCount)
		})
	}

	_, err = f.customers.Get(ctx, "c-new")
	require.NoError(t, err)
	require.Zero(t, f.mock.InvoiceCalls)
}

func TestHandleOrderCreated_RedeliveryIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	_, err := f.service.UpsertCustomer(ctx, businessEvent("c-1"))
	require.NoError(t, err)

	first, err := f.service.HandleOrderCreated(ctx, orderEvent("o-1", "c-1", "IT"))
	require.NoError(t, err)
	require.True(t, first.Created)
	require.NotNil(t, first.Job)

	second, err := f.service.HandleOrderCreated(ctx, orderEvent("o-1", "c-1", "IT"))
	require.NoError(t, err)
	require.False(t, second.Created)
	require.Nil(t, second.Job)
	require.Equal(t, first.Order.Version, second.Order.Version)
	require.Len(t, f.jobsOf(t, "o-1"), 1)
}

func TestHandleOrderCreated_InvalidEventDoesNotMutate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	event := orderEvent("o-1", "", "ITA")
	_, err := f.service.HandleOrderCreated(ctx, event)
	require.ErrorIs(t, err, domain.ErrInvalidEvent)
	require.True(t, domain.IsValidation(err))

	var fields commerce.FieldErrors
	require.ErrorAs(t, err, &fields)
	require.Contains(t, fields, "OrderEvent.CustomerID")

	_, err = f.orders.Get(ctx, "o-1")
	require.ErrorIs(t, err, domain.ErrOrderNotFound)
}

func TestCancelOrder_WithoutInvoiceOnlyCancels(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	_, err := f.service.HandleOrderCreated(ctx, orderEvent("o-1", "c-1", "IT"))
	require.NoError(t, err)

	result, err := f.service.HandleOrderCancelled(ctx, commerce.OrderCancelledEvent{OrderID: "o-1", Reason: "customer request"})
	require.NoError(t, err)
	require.Nil(t, result.CreditNote)
	require.Equal(t, domain.InvoiceStatusCancelled, result.Order.InvoiceStatus)
	require.Equal(t, "customer request", result.Order.CancelReason)

	_, err = f.notes.GetByOrder(ctx, "o-1")
	require.ErrorIs(t, err, domain.ErrCreditNoteNotFound)
	invoices, notes := f.mock.Calls()
	require.Zero(t, invoices)
	require.Zero(t, notes)
}

func TestCancelOrder_IssuedCreatesSingleCreditNote(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	_, err := f.service.UpsertCustomer(ctx, businessEvent("c-1"))
	require.NoError(t, err)
	_, err = f.service.HandleOrderCreated(ctx, orderEvent("o-1", "c-1", "IT"))
	require.NoError(t, err)
	issued := f.issue(t, "o-1")

	result, err := f.service.CancelOrder(ctx, "o-1", "")
	require.NoError(t, err)
	require.NotNil(t, result.CreditNote)
	require.Equal(t, domain.CreditNoteStatusPending, result.CreditNote.Status)
	require.True(t, issued.Total.Equal(result.CreditNote.Amount))
	require.Equal(t, defaultCancelReason, result.CreditNote.Reason)

	stored := f.order(t, "o-1")
	require.Equal(t, domain.InvoiceStatusCancelled, stored.InvoiceStatus)
	require.Equal(t, issued.InvoiceID, stored.InvoiceID)
	require.Equal(t, result.Order.Version, stored.Version)

	again, err := f.service.CancelOrder(ctx, "o-1", "duplicate")
	require.NoError(t, err)
	require.Nil(t, again.CreditNote)
	require.Equal(t, defaultCancelReason, again.Order.CancelReason)

	_, notes := f.mock.Calls()
	require.Zero(t, notes)

	var types []string
	for _, msg := range f.outbox.AllPending() {
		types = append(types, msg.EventType)
	}
	require.ElementsMatch(t, []string{domain.EventInvoiceIssued, domain.EventOrderCancelled, domain.EventCreditNoteCreated}, types)
}

func TestCancelOrder_IssuedWithExistingNoteOnlyCancels(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	_, err := f.service.UpsertCustomer(ctx, businessEvent("c-1"))
	require.NoError(t, err)
	_, err = f.service.HandleOrderCreated(ctx, orderEvent("o-1", "c-1", "IT"))
	require.NoError(t, err)
	f.issue(t, "o-1")

	manual, err := f.service.IssueCreditNote(ctx, "o-1")
	require.NoError(t, err)
	require.Equal(t, domain.CreditNoteStatusIssued, manual.Status)

	result, err := f.service.CancelOrder(ctx, "o-1", "refund")
	require.NoError(t, err)
	require.Nil(t, result.CreditNote)
	require.Equal(t, domain.InvoiceStatusCancelled, result.Order.InvoiceStatus)

	note, err := f.notes.GetByOrder(ctx, "o-1")
	require.NoError(t, err)
	require.Equal(t, manual.ID, note.ID)
}

func TestCancelOrder_UnknownOrder(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.service.CancelOrder(context.Background(), "missing", "x")
	require.ErrorIs(t, err, domain.ErrOrderNotFound)
}
