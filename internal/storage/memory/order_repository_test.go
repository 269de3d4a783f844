package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/einvoice/internal/domain"
	"github.com/vladislavdragonenkov/einvoice/internal/storage/memory"
)

func newOrder(id string, createdAt time.Time) domain.Order {
	return domain.Order{
		ExternalID:     id,
		OrderNumber:    "#" + id,
		CustomerID:     "customer-1",
		BillingCountry: "IT",
		Currency:       "EUR",
		Total:          decimal.RequireFromString("99.90"),
		CreatedAt:      createdAt,
		InvoiceStatus:  domain.InvoiceStatusIssued,
		InvoiceID:      "INV-" + id,
		UpdatedAt:      createdAt,
	}
}

func TestOrderRepository_CreateIfAbsentIsIdempotent(t *testing.T) {
	repo := memory.NewOrderRepository()
	ctx := context.Background()
	order := newOrder("order-1", time.Now().UTC())

	created, err := repo.CreateIfAbsent(ctx, order)
	require.NoError(t, err)
	require.True(t, created)

	order.OrderNumber = "#changed"
	created, err = repo.CreateIfAbsent(ctx, order)
	require.NoError(t, err)
	require.False(t, created)

	stored, err := repo.Get(ctx, "order-1")
	require.NoError(t, err)
	require.Equal(t, "#order-1", stored.OrderNumber)
}

func TestOrderRepository_SaveChecksVersion(t *testing.T) {
	repo := memory.NewOrderRepository()
	ctx := context.Background()
	_, err := repo.CreateIfAbsent(ctx, newOrder("order-1", time.Now().UTC()))
	require.NoError(t, err)

	stored, err := repo.Get(ctx, "order-1")
	require.NoError(t, err)

	stale := stored
	stored.LastError = "first writer"
	require.NoError(t, repo.Save(ctx, stored))

	stale.LastError = "second writer"
	require.ErrorIs(t, repo.Save(ctx, stale), domain.ErrOrderVersionConflict)

	updated, err := repo.Get(ctx, "order-1")
	require.NoError(t, err)
	require.Equal(t, int64(1), updated.Version)
	require.Equal(t, "first writer", updated.LastError)

	require.ErrorIs(t, repo.Save(ctx, newOrder("missing", time.Now())), domain.ErrOrderNotFound)
}

func TestOrderRepository_ListByStatusOldestFirst(t *testing.T) {
	repo := memory.NewOrderRepository()
	ctx := context.Background()
	now := time.Now().UTC()

	for i, id := range []string{"b", "a", "c"} {
		order := newOrder(id, now.Add(-time.Duration(i)*time.Hour))
		order.InvoiceStatus = domain.InvoiceStatusError
		_, err := repo.CreateIfAbsent(ctx, order)
		require.NoError(t, err)
	}
	_, err := repo.CreateIfAbsent(ctx, newOrder("issued", now))
	require.NoError(t, err)

	orders, err := repo.ListByStatus(ctx, domain.InvoiceStatusError, 2)
	require.NoError(t, err)
	require.Len(t, orders, 2)
	require.Equal(t, "c", orders[0].ExternalID)
	require.Equal(t, "a", orders[1].ExternalID)

	byCustomer, err := repo.ListByCustomer(ctx, "customer-1", 0)
	require.NoError(t, err)
	require.Len(t, byCustomer, 4)
}

func TestCreditNoteRepository_CreateWithCancellationIsAtomic(t *testing.T) {
	orders, notes := memory.NewOrderRepositories()
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := orders.CreateIfAbsent(ctx, newOrder("order-1", now))
	require.NoError(t, err)
	order, err := orders.Get(ctx, "order-1")
	require.NoError(t, err)

	note := domain.NewCreditNote(order, "customer request", now)
	cancelled := order
	require.NoError(t, cancelled.Cancel("customer request", now))
	require.NoError(t, notes.CreateWithCancellation(ctx, note, cancelled))

	stored, err := orders.Get(ctx, "order-1")
	require.NoError(t, err)
	require.Equal(t, domain.InvoiceStatusCancelled, stored.InvoiceStatus)

	// вторая нота по тому же заказу не создаётся, заказ не трогается
	again := domain.NewCreditNote(stored, "redelivery", now)
	require.ErrorIs(t, notes.CreateWithCancellation(ctx, again, stored), domain.ErrCreditNoteExists)

	after, err := orders.Get(ctx, "order-1")
	require.NoError(t, err)
	require.Equal(t, stored.Version, after.Version)

	claimed, err := notes.ClaimDue(ctx, domain.ClaimParams{Now: now, Limit: 10, MaxAttempts: 3})
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.True(t, claimed[0].Amount.Equal(order.Total))
}

func TestCreditNoteRepository_StaleOrderLeavesNoNote(t *testing.T) {
	orders, notes := memory.NewOrderRepositories()
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := orders.CreateIfAbsent(ctx, newOrder("order-1", now))
	require.NoError(t, err)
	order, err := orders.Get(ctx, "order-1")
	require.NoError(t, err)

	concurrent := order
	concurrent.LastError = "touched"
	require.NoError(t, orders.Save(ctx, concurrent))

	require.NoError(t, order.Cancel("late", now))
	err = notes.CreateWithCancellation(ctx, domain.NewCreditNote(order, "late", now), order)
	require.ErrorIs(t, err, domain.ErrOrderVersionConflict)

	_, err = notes.GetByOrder(ctx, "order-1")
	require.ErrorIs(t, err, domain.ErrCreditNoteNotFound)
}
