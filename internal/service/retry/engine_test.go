package retry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/einvoice/internal/clearinghouse"
	"github.com/vladislavdragonenkov/einvoice/internal/domain"
	"github.com/vladislavdragonenkov/einvoice/internal/metrics"
	"github.com/vladislavdragonenkov/einvoice/internal/service/directory"
	"github.com/vladislavdragonenkov/einvoice/internal/service/issuer"
	"github.com/vladislavdragonenkov/einvoice/internal/service/journal"
	"github.com/vladislavdragonenkov/einvoice/internal/storage/memory"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	clock    *clock
	orders   domain.OrderRepository
	notes    domain.CreditNoteRepository
	jobs     domain.InvoiceJobRepository
	profiles domain.BillingProfileRepository
	outbox   *memory.OutboxRepository
	mock     *clearinghouse.Mock
	issuer   *issuer.Issuer
	recorder *journal.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		clock:    &clock{now: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)},
		jobs:     memory.NewInvoiceJobRepository(),
		profiles: memory.NewBillingProfileRepository(),
		outbox:   memory.NewOutboxRepository(),
		mock:     clearinghouse.NewMock(),
	}
	f.orders, f.notes = memory.NewOrderRepositories()
	customers := memory.NewCustomerRepository()
	f.recorder = journal.NewRecorder(f.outbox, memory.NewTimelineRepository(), nil, nil)
	f.issuer = issuer.New("IT", issuer.Deps{
		Orders:        f.orders,
		CreditNotes:   f.notes,
		Customers:     customers,
		Profiles:      directory.NewResolver(nil, customers, f.profiles),
		Clearinghouse: f.mock,
	}, issuer.WithRecorder(f.recorder), issuer.WithClock(f.clock.Now))
	return f
}

func (f *fixture) engine(options ...Option) *Engine {
	return f.engineWith(f.issuer, options...)
}

func (f *fixture) engineWith(iss Issuer, options ...Option) *Engine {
	options = append([]Option{WithClock(f.clock.Now), WithRecorder(f.recorder)}, options...)
	return NewEngine("IT", Deps{
		Orders:      f.orders,
		Jobs:        f.jobs,
		CreditNotes: f.notes,
		Issuer:      iss,
	}, options...)
}

func (f *fixture) qualify(t *testing.T, customerID string) {
	t.Helper()
	require.NoError(t, f.profiles.Upsert(context.Background(), domain.BillingProfile{
		CustomerID: customerID,
		IsBusiness: true,
		VATNumber:  "IT01234567890",
		Country:    "IT",
	}))
}

func (f *fixture) seed(t *testing.T, orderID, customerID, country string, status domain.InvoiceStatus) domain.InvoiceJob {
	t.Helper()
	ctx := context.Background()
	order := domain.Order{
		ExternalID:     orderID,
		OrderNumber:    "#" + orderID,
		CustomerID:     customerID,
		BillingCountry: country,
		Currency:       "EUR",
		Total:          decimal.RequireFromString("50.00"),
		CreatedAt:      f.clock.Now(),
		HasVATProfile:  true,
		InvoiceStatus:  status,
	}
	created, err := f.orders.CreateIfAbsent(ctx, order)
	require.NoError(t, err)
	require.True(t, created)
	return f.enqueue(t, orderID)
}

func (f *fixture) enqueue(t *testing.T, orderID string) domain.InvoiceJob {
	t.Helper()
	job, err := f.jobs.Enqueue(context.Background(), domain.NewIssueInvoiceJob(orderID, f.clock.Now()))
	require.NoError(t, err)
	return job
}

func (f *fixture) job(t *testing.T, id string) domain.InvoiceJob {
	t.Helper()
	job, err := f.jobs.Get(context.Background(), id)
	require.NoError(t, err)
	return job
}

func (f *fixture) order(t *testing.T, id string) domain.Order {
	t.Helper()
	order, err := f.orders.Get(context.Background(), id)
	require.NoError(t, err)
	return order
}

func TestProcessOnce_IssuesInvoice(t *testing.T) {
	f := newFixture(t)
	f.qualify(t, "c-1")
	job := f.seed(t, "o-1", "c-1", "IT", domain.InvoiceStatusPending)

	report := f.engine().ProcessOnce(context.Background())
	require.Equal(t, 1, report.Claimed)
	require.Equal(t, 1, report.Completed)

	stored := f.job(t, job.ID)
	require.Equal(t, domain.JobStatusCompleted, stored.Status)
	require.Equal(t, 1, stored.Attempts)
	require.Equal(t, domain.InvoiceStatusIssued, f.order(t, "o-1").InvoiceStatus)
}

func TestProcessOnce_JobRules(t *testing.T) {
	f := newFixture(t)
	f.qualify(t, "c-1")

	missing := f.enqueue(t, "ghost")
	issued := f.seed(t, "o-issued", "c-1", "IT", domain.InvoiceStatusIssued)
	cancelled := f.seed(t, "o-cancelled", "c-1", "IT", domain.InvoiceStatusCancelled)
	foreign := f.seed(t, "o-foreign", "c-1", "FR", domain.InvoiceStatusPending)

	report := f.engine().ProcessOnce(context.Background())
	require.Equal(t, 4, report.Claimed)
	require.Equal(t, 2, report.Completed)
	require.Equal(t, 1, report.Foreign)
	require.Equal(t, 1, report.Failed)

	missingJob := f.job(t, missing.ID)
	require.Equal(t, domain.JobStatusFailed, missingJob.Status)
	require.Equal(t, 1, missingJob.Attempts)

	require.Equal(t, domain.JobStatusCompleted, f.job(t, issued.ID).Status)
	require.Equal(t, domain.JobStatusCompleted, f.job(t, cancelled.ID).Status)
	require.Equal(t, domain.JobStatusCompleted, f.job(t, foreign.ID).Status)
	require.Equal(t, domain.InvoiceStatusForeign, f.order(t, "o-foreign").InvoiceStatus)
	require.Equal(t, domain.InvoiceStatusCancelled, f.order(t, "o-cancelled").InvoiceStatus)

	invoices, _ := f.mock.Calls()
	require.Zero(t, invoices)
}

func TestProcessOnce_FixedBackoffThenFailure(t *testing.T) {
	f := newFixture(t)
	f.qualify(t, "c-1")
	job := f.seed(t, "o-1", "c-1", "IT", domain.InvoiceStatusPending)
	f.mock.SetInvoiceErr(fmt.Errorf("%w: 503", domain.ErrClearinghouseUnavailable))
	engine := f.engine()
	ctx := context.Background()

	for attempt := 1; attempt < DefaultMaxAttempts; attempt++ {
		started := f.clock.Now()
		report := engine.ProcessOnce(ctx)
		require.Equal(t, 1, report.Rescheduled, "attempt %d", attempt)

		stored := f.job(t, job.ID)
		require.Equal(t, domain.JobStatusPending, stored.Status)
		require.Equal(t, attempt, stored.Attempts)
		require.Equal(t, started.Add(DefaultBackoff), stored.ScheduledAt)
		require.Contains(t, stored.LastError, "503")
		require.Equal(t, domain.InvoiceStatusPending, f.order(t, "o-1").InvoiceStatus)

		// до истечения паузы задача не захватывается
		f.clock.Advance(DefaultBackoff - time.Second)
		require.Zero(t, engine.ProcessOnce(ctx).Claimed)
		f.clock.Advance(time.Second)
	}

	report := engine.ProcessOnce(ctx)
	require.Equal(t, 1, report.Failed)

	stored := f.job(t, job.ID)
	require.Equal(t, domain.JobStatusFailed, stored.Status)
	require.Equal(t, DefaultMaxAttempts, stored.Attempts)

	order := f.order(t, "o-1")
	require.Equal(t, domain.InvoiceStatusError, order.InvoiceStatus)
	require.Contains(t, order.LastError, "503")

	pending := f.outbox.AllPending()
	require.Len(t, pending, 1)
	require.Equal(t, domain.EventInvoiceFailed, pending[0].EventType)

	f.clock.Advance(DefaultBackoff)
	require.Zero(t, engine.ProcessOnce(ctx).Claimed)
	invoices, _ := f.mock.Calls()
	require.Equal(t, DefaultMaxAttempts, invoices)
}

func TestProcessOnce_MissingProfileConsumesBudget(t *testing.T) {
	f := newFixture(t)
	job := f.seed(t, "o-1", "c-unknown", "IT", domain.InvoiceStatusPending)

	report := f.engine(WithMaxAttempts(1)).ProcessOnce(context.Background())
	require.Equal(t, 1, report.Failed)
	require.Equal(t, domain.JobStatusFailed, f.job(t, job.ID).Status)

	order := f.order(t, "o-1")
	require.Equal(t, domain.InvoiceStatusError, order.InvoiceStatus)
	require.Contains(t, order.LastError, domain.ErrProfileNotQualified.Error())
}

func TestProcessOnce_ClaimsAtMostBatchSize(t *testing.T) {
	f := newFixture(t)
	f.qualify(t, "c-1")
	for i := 0; i < 15; i++ {
		f.seed(t, fmt.Sprintf("o-%02d", i), "c-1", "IT", domain.InvoiceStatusPending)
	}
	engine := f.engine()

	first := engine.ProcessOnce(context.Background())
	require.Equal(t, DefaultBatchSize, first.Claimed)
	second := engine.ProcessOnce(context.Background())
	require.Equal(t, 5, second.Claimed)

	invoices, _ := f.mock.Calls()
	require.Equal(t, 15, invoices)
}

func TestProcessOnce_PurgesOldTerminalJobs(t *testing.T) {
	f := newFixture(t)
	f.qualify(t, "c-1")
	old := f.seed(t, "o-old", "c-1", "IT", domain.InvoiceStatusPending)
	engine := f.engine()
	require.Equal(t, 1, engine.ProcessOnce(context.Background()).Completed)

	f.clock.Advance(DefaultRetention - time.Hour)
	recent := f.seed(t, "o-recent", "c-1", "IT", domain.InvoiceStatusPending)
	require.Zero(t, engine.ProcessOnce(context.Background()).Purged)

	f.clock.Advance(2 * time.Hour)
	report := engine.ProcessOnce(context.Background())
	require.Equal(t, 1, report.Purged)

	_, err := f.jobs.Get(context.Background(), old.ID)
	require.ErrorIs(t, err, domain.ErrJobNotFound)
	require.Equal(t, domain.JobStatusCompleted, f.job(t, recent.ID).Status)
}

func TestProcessOnce_ConcurrentRunsNeverDoubleIssue(t *testing.T) {
	f := newFixture(t)
	f.qualify(t, "c-1")
	const total = 30
	for i := 0; i < total; i++ {
		f.seed(t, fmt.Sprintf("o-%02d", i), "c-1", "IT", domain.InvoiceStatusPending)
	}
	f.mock.OnIssue = func(context.Context, domain.InvoiceDocument) error {
		time.Sleep(2 * time.Millisecond)
		return nil
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed int
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			engine := f.engine()
			for j := 0; j < 3; j++ {
				report := engine.ProcessOnce(context.Background())
				mu.Lock()
				claimed += report.Claimed
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, total, claimed)
	perOrder := make(map[string]int)
	for _, doc := range f.mock.Documents {
		perOrder[doc.OrderID]++
	}
	require.Len(t, perOrder, total)
	for orderID, calls := range perOrder {
		require.Equal(t, 1, calls, orderID)
	}
}

// seedCancelled выставляет счёт по заказу и отменяет его с кредит-нотой в PENDING.
func (f *fixture) seedCancelled(t *testing.T, id string) {
	t.Helper()
	ctx := context.Background()
	f.seed(t, id, "c-1", "IT", domain.InvoiceStatusPending)
	issued, err := f.issuer.IssueInvoice(ctx, f.order(t, id))
	require.NoError(t, err)
	require.NoError(t, issued.Cancel("return", f.clock.Now()))
	require.NoError(t, f.notes.CreateWithCancellation(ctx, domain.NewCreditNote(issued, "return", f.clock.Now()), issued))
}

func (f *fixture) note(t *testing.T, orderID string) domain.CreditNote {
	t.Helper()
	note, err := f.notes.GetByOrder(context.Background(), orderID)
	require.NoError(t, err)
	return note
}

func TestProcessOnce_SettlesPendingCreditNotes(t *testing.T) {
	f := newFixture(t)
	f.qualify(t, "c-1")
	ctx := context.Background()

	f.seedCancelled(t, "o-1")
	f.seedCancelled(t, "o-2")

	f.mock.CreditNoteErr = domain.ErrClearinghouseUnavailable
	started := f.clock.Now()
	report := f.engine().ProcessOnce(ctx)
	require.Equal(t, 2, report.CreditNotesClaimed)
	require.Equal(t, 2, report.CreditNotesRescheduled)
	note := f.note(t, "o-1")
	require.Equal(t, domain.CreditNoteStatusPending, note.Status)
	require.Equal(t, 1, note.Attempts)
	require.Equal(t, started.Add(DefaultBackoff), note.ScheduledAt)
	require.NotEmpty(t, note.LastError)

	// до истечения паузы ноты не захватываются
	f.mock.CreditNoteErr = nil
	require.Zero(t, f.engine().ProcessOnce(ctx).CreditNotesClaimed)

	f.clock.Advance(DefaultBackoff)
	report = f.engine().ProcessOnce(ctx)
	require.Equal(t, 2, report.CreditNotesIssued)
	for _, id := range []string{"o-1", "o-2"} {
		note, err := f.notes.GetByOrder(ctx, id)
		require.NoError(t, err)
		require.Equal(t, domain.CreditNoteStatusIssued, note.Status)
		require.NotEmpty(t, note.ExternalID)
	}
}

func TestProcessOnce_CreditNoteWithoutProfileGoesToError(t *testing.T) {
	f := newFixture(t)
	f.qualify(t, "c-1")
	ctx := context.Background()
	f.seed(t, "o-1", "c-1", "IT", domain.InvoiceStatusPending)
	issued, err := f.issuer.IssueInvoice(ctx, f.order(t, "o-1"))
	require.NoError(t, err)
	require.NoError(t, issued.Cancel("return", f.clock.Now()))
	require.NoError(t, f.notes.CreateWithCancellation(ctx, domain.NewCreditNote(issued, "return", f.clock.Now()), issued))
	// клиент перестал быть бизнесом
	require.NoError(t, f.profiles.Upsert(ctx, domain.BillingProfile{CustomerID: "c-1", Country: "IT"}))

	report := f.engine().ProcessOnce(ctx)
	require.Equal(t, 1, report.CreditNotesFailed)

	note, err := f.notes.GetByOrder(ctx, "o-1")
	require.NoError(t, err)
	require.Equal(t, domain.CreditNoteStatusError, note.Status)

	f.clock.Advance(DefaultBackoff)
	report = f.engine().ProcessOnce(ctx)
	require.Zero(t, report.CreditNotesClaimed)
	_, calls := f.mock.Calls()
	require.Zero(t, calls)
}

func TestProcessOnce_ConcurrentRunsIssueCreditNoteOnce(t *testing.T) {
	f := newFixture(t)
	f.qualify(t, "c-1")
	f.seedCancelled(t, "o-1")
	f.mock.OnIssue = func(context.Context, domain.InvoiceDocument) error {
		time.Sleep(20 * time.Millisecond)
		return nil
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		settled int
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			report := f.engine().ProcessOnce(context.Background())
			mu.Lock()
			settled += report.CreditNotesIssued
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Equal(t, 1, settled)
	_, calls := f.mock.Calls()
	require.Equal(t, 1, calls)
	require.Equal(t, domain.CreditNoteStatusIssued, f.note(t, "o-1").Status)
}

func TestProcessOnce_RejectedCreditNotesDoNotStarveNewerOnes(t *testing.T) {
	f := newFixture(t)
	f.qualify(t, "c-1")
	const total = 11
	for i := 0; i < total; i++ {
		f.seedCancelled(t, fmt.Sprintf("o-%02d", i))
		f.clock.Advance(time.Second)
	}
	f.mock.OnIssue = func(_ context.Context, doc domain.InvoiceDocument) error {
		if doc.Kind == domain.DocumentKindCreditNote && doc.OrderID != "o-10" {
			return fmt.Errorf("%w: 422", domain.ErrClearinghouseRejected)
		}
		return nil
	}
	engine := f.engine()

	for run := 0; run < 2*DefaultMaxAttempts; run++ {
		engine.ProcessOnce(context.Background())
		f.clock.Advance(DefaultBackoff)
	}

	issued := f.note(t, "o-10")
	require.Equal(t, domain.CreditNoteStatusIssued, issued.Status)
	require.NotEmpty(t, issued.ExternalID)
	for i := 0; i < total-1; i++ {
		note := f.note(t, fmt.Sprintf("o-%02d", i))
		require.Equal(t, domain.CreditNoteStatusError, note.Status, note.OrderID)
		require.Equal(t, DefaultMaxAttempts, note.Attempts, note.OrderID)
		require.Contains(t, note.LastError, "422")
	}

	_, calls := f.mock.Calls()
	require.Equal(t, (total-1)*DefaultMaxAttempts+1, calls)
}

func TestProcessOnce_ResetDuringIssueDoesNotDoubleIssue(t *testing.T) {
	f := newFixture(t)
	f.qualify(t, "c-1")
	job := f.seed(t, "o-1", "c-1", "IT", domain.InvoiceStatusPending)
	ctx := context.Background()
	staleAfter := time.Minute

	var (
		once    sync.Once
		entered = make(chan struct{})
		resume  = make(chan struct{})
	)
	f.mock.OnIssue = func(context.Context, domain.InvoiceDocument) error {
		once.Do(func() {
			close(entered)
			<-resume
		})
		return nil
	}

	engine := f.engine(WithStaleAfter(staleAfter))
	done := make(chan RunReport, 1)
	go func() { done <- engine.ProcessOnce(ctx) }()
	<-entered

	now := f.clock.Now()
	count, err := f.jobs.ResetByOrder(ctx, "o-1", now, now.Add(-staleAfter))
	require.NoError(t, err)
	require.Zero(t, count)
	_, err = f.jobs.Reset(ctx, job.ID, now, now.Add(-staleAfter))
	require.ErrorIs(t, err, domain.ErrIssueInProgress)

	second := engine.ProcessOnce(ctx)
	require.Zero(t, second.Claimed)

	close(resume)
	first := <-done
	require.Equal(t, 1, first.Completed)

	stored := f.job(t, job.ID)
	require.Equal(t, domain.JobStatusCompleted, stored.Status)
	invoices, _ := f.mock.Calls()
	require.Equal(t, 1, invoices)
}

func TestProcessOnce_TakesOverAbandonedJob(t *testing.T) {
	f := newFixture(t)
	f.qualify(t, "c-1")
	job := f.seed(t, "o-1", "c-1", "IT", domain.InvoiceStatusPending)
	ctx := context.Background()

	// обработчик захватил задачу и пропал
	abandoned, err := f.jobs.ClaimDue(ctx, domain.ClaimParams{Now: f.clock.Now(), Limit: 1, MaxAttempts: DefaultMaxAttempts})
	require.NoError(t, err)
	require.Len(t, abandoned, 1)

	engine := f.engine(WithStaleAfter(2 * time.Minute))
	f.clock.Advance(time.Minute)
	require.Zero(t, engine.ProcessOnce(ctx).Claimed)

	f.clock.Advance(2 * time.Minute)
	report := engine.ProcessOnce(ctx)
	require.Equal(t, 1, report.Claimed)
	require.Equal(t, 1, report.Completed)

	stored := f.job(t, job.ID)
	require.Equal(t, domain.JobStatusCompleted, stored.Status)
	require.Equal(t, 2, stored.Attempts)
	require.ErrorIs(t, f.jobs.Complete(ctx, job.ID, abandoned[0].Attempts, f.clock.Now()), domain.ErrClaimLost)
}

type stubIssuer struct {
	invoice func(ctx context.Context, order domain.Order) (domain.Order, error)
}

func (s *stubIssuer) IssueInvoice(ctx context.Context, order domain.Order) (domain.Order, error) {
	return s.invoice(ctx, order)
}

func (s *stubIssuer) SettleCreditNote(_ context.Context, note domain.CreditNote) (domain.CreditNote, error) {
	return note, errors.New("not used")
}

func TestProcessOnce_PanicIsIsolated(t *testing.T) {
	f := newFixture(t)
	first := f.seed(t, "o-1", "c-1", "IT", domain.InvoiceStatusPending)
	second := f.seed(t, "o-2", "c-1", "IT", domain.InvoiceStatusPending)

	stub := &stubIssuer{invoice: func(_ context.Context, order domain.Order) (domain.Order, error) {
		if order.ExternalID == "o-1" {
			panic("boom")
		}
		return order, nil
	}}

	report := f.engineWith(stub, WithCreditNoteBatch(0)).ProcessOnce(context.Background())
	require.Equal(t, 2, report.Claimed)
	require.Equal(t, 1, report.Rescheduled)
	require.Equal(t, 1, report.Completed)

	panicked := f.job(t, first.ID)
	require.Equal(t, domain.JobStatusPending, panicked.Status)
	require.Contains(t, panicked.LastError, "panic: boom")
	require.Equal(t, domain.JobStatusCompleted, f.job(t, second.ID).Status)
}

func TestProcessOnce_CancelledRunReleasesClaimedJobs(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		f.seed(t, fmt.Sprintf("o-%d", i), "c-1", "IT", domain.InvoiceStatusPending)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stub := &stubIssuer{invoice: func(context.Context, domain.Order) (domain.Order, error) {
		cancel()
		return domain.Order{}, domain.ErrClearinghouseUnavailable
	}}

	report := f.engineWith(stub).ProcessOnce(ctx)
	require.Equal(t, 3, report.Claimed)
	require.Equal(t, 1, report.Rescheduled)
	require.Equal(t, 2, report.Released)

	stats, err := f.jobs.Stats(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, stats.Pending)
	require.Zero(t, stats.Processing)
}

func TestProcessOnce_RecordsMetrics(t *testing.T) {
	f := newFixture(t)
	f.qualify(t, "c-1")
	f.seed(t, "o-1", "c-1", "IT", domain.InvoiceStatusPending)
	f.seed(t, "o-2", "c-1", "FR", domain.InvoiceStatusPending)

	reg := prometheus.NewRegistry()
	m := metrics.NewInvoiceMetricsWithRegisterer(reg)
	f.engine(WithMetrics(m)).ProcessOnce(context.Background())

	families, err := reg.Gather()
	require.NoError(t, err)
	values := make(map[string]float64)
	for _, family := range families {
		for _, metric := range family.GetMetric() {
			key := family.GetName()
			for _, label := range metric.GetLabel() {
				key += "/" + label.GetValue()
			}
			switch {
			case metric.GetCounter() != nil:
				values[key] = metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				values[key] = metric.GetGauge().GetValue()
			}
		}
	}

	require.Equal(t, 1.0, values["einv_jobs_processed_total/completed"])
	require.Equal(t, 1.0, values["einv_jobs_processed_total/foreign"])
	require.Equal(t, 1.0, values["einv_retry_runs_total"])
	require.Equal(t, 2.0, values["einv_queue_jobs/COMPLETED"])
	require.Equal(t, 0.0, values["einv_queue_jobs/PENDING"])
}
