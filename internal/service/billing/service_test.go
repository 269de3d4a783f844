package billing

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/einvoice/internal/clearinghouse"
	"github.com/vladislavdragonenkov/einvoice/internal/commerce"
	"github.com/vladislavdragonenkov/einvoice/internal/domain"
	"github.com/vladislavdragonenkov/einvoice/internal/service/directory"
	"github.com/vladislavdragonenkov/einvoice/internal/service/issuer"
	"github.com/vladislavdragonenkov/einvoice/internal/service/journal"
	"github.com/vladislavdragonenkov/einvoice/internal/storage/memory"
)

type fixture struct {
	customers domain.CustomerRepository
	profiles  domain.BillingProfileRepository
	orders    domain.OrderRepository
	notes     domain.CreditNoteRepository
	jobs      domain.InvoiceJobRepository
	timeline  domain.TimelineRepository
	outbox    *memory.OutboxRepository
	mock      *clearinghouse.Mock
	service   *Service
}

func newFixture(t *testing.T, dir domain.CustomerDirectory) *fixture {
	t.Helper()
	f := &fixture{
		customers: memory.NewCustomerRepository(),
		profiles:  memory.NewBillingProfileRepository(),
		jobs:      memory.NewInvoiceJobRepository(),
		timeline:  memory.NewTimelineRepository(),
		outbox:    memory.NewOutboxRepository(),
		mock:      clearinghouse.NewMock(),
	}
	f.orders, f.notes = memory.NewOrderRepositories()

	recorder := journal.NewRecorder(f.outbox, f.timeline, nil, nil)
	resolver := directory.NewResolver(nil, f.customers, f.profiles)
	iss := issuer.New("IT", issuer.Deps{
		Orders:        f.orders,
		CreditNotes:   f.notes,
		Customers:     f.customers,
		Profiles:      resolver,
		Clearinghouse: f.mock,
	}, issuer.WithRecorder(recorder))

	f.service = New("it", Deps{
		Customers:   f.customers,
		Profiles:    f.profiles,
		Orders:      f.orders,
		CreditNotes: f.notes,
		Jobs:        f.jobs,
		Timeline:    f.timeline,
		Resolver:    resolver,
		Directory:   dir,
		Issuer:      iss,
	}, WithRecorder(recorder))
	return f
}

func businessEvent(id string) commerce.CustomerEvent {
	return commerce.CustomerEvent{
		ID:      id,
		Email:   id + "@example.com",
		Country: "IT",
		Billing: &commerce.BillingBlock{
			IsBusiness:  true,
			CompanyName: "ACME S.r.l.",
			VATNumber:   "IT01234567890",
			RoutingCode: "M5UXCR1",
			Country:     "IT",
		},
	}
}

func orderEvent(id, customerID, country string) commerce.OrderEvent {
	return commerce.OrderEvent{
		ID:             id,
		Number:         "#" + id,
		CustomerID:     customerID,
		BillingCountry: country,
		Currency:       "EUR",
		Total:          decimal.RequireFromString("122.00"),
	}
}

func (f *fixture) jobsOf(t *testing.T, orderID string) []domain.InvoiceJob {
	t.Helper()
	jobs, err := f.jobs.ListByOrder(context.Background(), orderID)
	require.NoError(t, err)
	return jobs
}

func (f *fixture) order(t *testing.T, orderID string) domain.Order {
	t.Helper()
	order, err := f.orders.Get(context.Background(), orderID)
	require.NoError(t, err)
	return order
}

func (f *fixture) issue(t *testing.T, orderID string) domain.Order {
	t.Helper()
	order, err := f.service.IssueInvoiceNow(context.Background(), orderID)
	require.NoError(t, err)
	require.Equal(t, domain.InvoiceStatusIssued, order.InvoiceStatus)
	return order
}

func TestNew_DefaultsAndCountryNormalization(t *testing.T) {
	f := newFixture(t, nil)
	require.Equal(t, "IT", f.service.homeCountry)
	require.NotNil(t, f.service.logger)
	require.False(t, f.service.now().IsZero())

	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := New("IT", Deps{}, WithClock(func() time.Time { return fixed }))
	require.Equal(t, fixed, s.now())
}
