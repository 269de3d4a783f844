package integration

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/vladislavdragonenkov/einvoice/internal/clearinghouse"
	"github.com/vladislavdragonenkov/einvoice/internal/commerce"
	"github.com/vladislavdragonenkov/einvoice/internal/domain"
	"github.com/vladislavdragonenkov/einvoice/internal/service/billing"
	"github.com/vladislavdragonenkov/einvoice/internal/service/directory"
	"github.com/vladislavdragonenkov/einvoice/internal/service/issuer"
	"github.com/vladislavdragonenkov/einvoice/internal/service/journal"
	"github.com/vladislavdragonenkov/einvoice/internal/service/retry"
	"github.com/vladislavdragonenkov/einvoice/internal/storage/memory"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// InvoiceLifecycleTestSuite прогоняет заказы через сервис и движок очереди на in-memory хранилище.
type InvoiceLifecycleTestSuite struct {
	suite.Suite
	clock    *testClock
	mock     *clearinghouse.Mock
	orders   domain.OrderRepository
	notes    domain.CreditNoteRepository
	jobs     domain.InvoiceJobRepository
	timeline domain.TimelineRepository
	outbox   *memory.OutboxRepository
	service  *billing.Service
	engine   *retry.Engine
}

func (s *InvoiceLifecycleTestSuite) SetupTest() {
	baseLogger := log.New()
	baseLogger.SetLevel(log.WarnLevel)
	logger := baseLogger.WithField("component", "integration-test")

	s.clock = &testClock{now: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)}
	s.mock = clearinghouse.NewMock()
	s.orders, s.notes = memory.NewOrderRepositories()
	s.jobs = memory.NewInvoiceJobRepository()
	s.timeline = memory.NewTimelineRepository()
	s.outbox = memory.NewOutboxRepository()
	customers := memory.NewCustomerRepository()
	profiles := memory.NewBillingProfileRepository()

	recorder := journal.NewRecorder(s.outbox, s.timeline, nil, logger)
	resolver := directory.NewResolver(nil, customers, profiles, directory.WithClock(s.clock.Now))
	iss := issuer.New("IT", issuer.Deps{
		Orders:        s.orders,
		CreditNotes:   s.notes,
		Customers:     customers,
		Profiles:      resolver,
		Clearinghouse: s.mock,
	}, issuer.WithLogger(logger), issuer.WithRecorder(recorder), issuer.WithClock(s.clock.Now))

	s.service = billing.New("IT", billing.Deps{
		Customers:   customers,
		Profiles:    profiles,
		Orders:      s.orders,
		CreditNotes: s.notes,
		Jobs:        s.jobs,
		Timeline:    s.timeline,
		Resolver:    resolver,
		Issuer:      iss,
	}, billing.WithLogger(logger), billing.WithRecorder(recorder), billing.WithClock(s.clock.Now))

	s.engine = retry.NewEngine("IT", retry.Deps{
		Orders:      s.orders,
		Jobs:        s.jobs,
		CreditNotes: s.notes,
		Issuer:      iss,
	}, retry.WithLogger(logger), retry.WithRecorder(recorder), retry.WithClock(s.clock.Now))
}

func TestInvoiceLifecycleSuite(t *testing.T) {
	suite.Run(t, new(InvoiceLifecycleTestSuite))
}

func (s *InvoiceLifecycleTestSuite) upsertBusiness(customerID string) {
	_, err := s.service.UpsertCustomer(context.Background(), commerce.CustomerEvent{
		ID:      customerID,
		Country: "IT",
		Billing: &commerce.BillingBlock{
			IsBusiness:  true,
			CompanyName: "Rossi S.p.A.",
			VATNumber:   "IT09876543210",
			RoutingCode: "KRRH6B9",
			Country:     "IT",
		},
	})
	s.Require().NoError(err)
}

func (s *InvoiceLifecycleTestSuite) createOrder(orderID, customerID, country string) billing.OrderResult {
	result, err := s.service.HandleOrderCreated(context.Background(), commerce.OrderEvent{
		ID:             orderID,
		Number:         "#" + orderID,
		CustomerID:     customerID,
		BillingCountry: country,
		Currency:       "EUR",
		Total:          decimal.RequireFromString("244.00"),
	})
	s.Require().NoError(err)
	return result
}

func (s *InvoiceLifecycleTestSuite) order(orderID string) domain.Order {
	order, err := s.orders.Get(context.Background(), orderID)
	s.Require().NoError(err)
	return order
}

// TestIssueThenCancel: счёт выставлен, отмена создаёт кредит-ноту, движок её выставляет.
func (s *InvoiceLifecycleTestSuite) TestIssueThenCancel() {
	ctx := context.Background()
	s.upsertBusiness("c-1")

	created := s.createOrder("o-1", "c-1", "IT")
	s.Require().True(created.Created)
	s.Require().NotNil(created.Job)
	s.Equal(domain.InvoiceStatusPending, created.Order.InvoiceStatus)

	report := s.engine.ProcessOnce(ctx)
	s.Equal(1, report.Completed)

	issued := s.order("o-1")
	s.Equal(domain.InvoiceStatusIssued, issued.InvoiceStatus)
	s.NotEmpty(issued.InvoiceID)

	cancelled, err := s.service.CancelOrder(ctx, "o-1", "customer request")
	s.Require().NoError(err)
	s.Require().NotNil(cancelled.CreditNote)
	s.Equal(domain.InvoiceStatusCancelled, cancelled.Order.InvoiceStatus)
	s.True(cancelled.CreditNote.Amount.Equal(decimal.RequireFromString("244.00")))

	report = s.engine.ProcessOnce(ctx)
	s.Equal(1, report.CreditNotesIssued)

	note, err := s.notes.GetByOrder(ctx, "o-1")
	s.Require().NoError(err)
	s.Equal(domain.CreditNoteStatusIssued, note.Status)
	s.NotEmpty(note.ExternalID)

	// повторная отмена ничего не меняет
	again, err := s.service.CancelOrder(ctx, "o-1", "duplicate")
	s.Require().NoError(err)
	s.Nil(again.CreditNote)

	invoices, creditNotes := s.mock.Calls()
	s.Equal(1, invoices)
	s.Equal(1, creditNotes)

	events, err := s.timeline.List(ctx, "o-1")
	s.Require().NoError(err)
	s.NotEmpty(events)
}

// TestClassification: домашний потребитель, иностранный заказ и ожидание профиля.
func (s *InvoiceLifecycleTestSuite) TestClassification() {
	ctx := context.Background()

	_, err := s.service.UpsertCustomer(ctx, commerce.CustomerEvent{
		ID:      "c-consumer",
		Country: "IT",
		Billing: &commerce.BillingBlock{IsBusiness: false, Country: "IT"},
	})
	s.Require().NoError(err)

	consumer := s.createOrder("o-consumer", "c-consumer", "IT")
	s.Equal(domain.InvoiceStatusCorrispettivo, consumer.Order.InvoiceStatus)
	s.Nil(consumer.Job)

	s.upsertBusiness("c-foreign")
	foreign := s.createOrder("o-foreign", "c-foreign", "DE")
	s.Equal(domain.InvoiceStatusForeign, foreign.Order.InvoiceStatus)
	s.Nil(foreign.Job)

	unknown := s.createOrder("o-unknown", "c-unknown", "IT")
	s.Equal(domain.InvoiceStatusPending, unknown.Order.InvoiceStatus)
	s.False(unknown.Order.HasVATProfile)
	s.Nil(unknown.Job)

	s.Zero(s.engine.ProcessOnce(ctx).Claimed)
}

// TestProfileUpsertReclassifiesWaitingOrders: заказ без профиля уходит в очередь после upsert.
func (s *InvoiceLifecycleTestSuite) TestProfileUpsertReclassifiesWaitingOrders() {
	ctx := context.Background()

	waiting := s.createOrder("o-wait", "c-late", "IT")
	s.Require().Nil(waiting.Job)

	result, err := s.service.UpsertCustomer(ctx, commerce.CustomerEvent{
		ID:      "c-late",
		Country: "IT",
		Billing: &commerce.BillingBlock{
			IsBusiness:  true,
			CompanyName: "Late S.r.l.",
			VATNumber:   "IT11111111111",
			Country:     "IT",
		},
	})
	s.Require().NoError(err)
	s.Equal([]string{"o-wait"}, result.Reclassified)
	s.True(s.order("o-wait").HasVATProfile)

	s.Equal(1, s.engine.ProcessOnce(ctx).Completed)
	s.Equal(domain.InvoiceStatusIssued, s.order("o-wait").InvoiceStatus)
}

// TestRetryExhaustionAndOperatorReset: три неудачи переводят заказ в ERROR, сброс оператором
// возвращает его в очередь.
func (s *InvoiceLifecycleTestSuite) TestRetryExhaustionAndOperatorReset() {
	ctx := context.Background()
	s.upsertBusiness("c-1")
	s.createOrder("o-err", "c-1", "IT")
	s.mock.SetInvoiceErr(fmt.Errorf("%w: 503", domain.ErrClearinghouseUnavailable))

	for attempt := 1; attempt < retry.DefaultMaxAttempts; attempt++ {
		s.Equal(1, s.engine.ProcessOnce(ctx).Rescheduled, "attempt %d", attempt)
		s.clock.Advance(retry.DefaultBackoff)
	}
	s.Equal(1, s.engine.ProcessOnce(ctx).Failed)

	failed := s.order("o-err")
	s.Equal(domain.InvoiceStatusError, failed.InvoiceStatus)
	s.Contains(failed.LastError, "503")

	stats, err := s.service.QueueStats(ctx)
	s.Require().NoError(err)
	s.Equal(1, stats.Failed)

	s.mock.SetInvoiceErr(nil)
	reset, err := s.service.ResetErrors(ctx)
	s.Require().NoError(err)
	s.Equal([]string{"o-err"}, reset.Orders)
	s.Equal(domain.InvoiceStatusPending, s.order("o-err").InvoiceStatus)

	s.Equal(1, s.engine.ProcessOnce(ctx).Completed)
	s.Equal(domain.InvoiceStatusIssued, s.order("o-err").InvoiceStatus)
}

// TestManualIssuanceAndRetry: ручное выставление и повтор по заказу.
func (s *InvoiceLifecycleTestSuite) TestManualIssuanceAndRetry() {
	ctx := context.Background()
	s.upsertBusiness("c-1")
	s.createOrder("o-manual", "c-1", "IT")

	order, err := s.service.IssueInvoiceNow(ctx, "o-manual")
	s.Require().NoError(err)
	s.Equal(domain.InvoiceStatusIssued, order.InvoiceStatus)

	// задача заказа закрыта, движку нечего делать
	report := s.engine.ProcessOnce(ctx)
	s.Zero(report.Completed)
	invoices, _ := s.mock.Calls()
	s.Equal(1, invoices)

	view, err := s.service.GetOrder(ctx, "o-manual")
	s.Require().NoError(err)
	s.Equal(domain.InvoiceStatusIssued, view.Order.InvoiceStatus)
	s.Nil(view.CreditNote)

	_, err = s.service.GetOrder(ctx, "missing")
	s.Require().ErrorIs(err, domain.ErrOrderNotFound)
}

func TestSuiteClockIsMonotonic(t *testing.T) {
	clock := &testClock{now: time.Unix(0, 0).UTC()}
	clock.Advance(time.Minute)
	require.Equal(t, time.Unix(60, 0).UTC(), clock.Now())
}
