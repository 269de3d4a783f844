package billing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/einvoice/internal/domain"
)

// failJob доводит задачу до FAILED, а заказ до ERROR, как после исчерпания попыток.
func (f *fixture) failJob(t *testing.T, orderID string) domain.InvoiceJob {
	t.Helper()
	ctx := context.Background()
	require.Len(t, f.jobsOf(t, orderID), 1)
	job := f.claimJob(t, orderID)
	require.NoError(t, f.jobs.Fail(ctx, job.ID, job.Attempts, "clearinghouse unavailable", time.Now().UTC()))

	order := f.order(t, orderID)
	require.NoError(t, order.MarkFailed("clearinghouse unavailable", time.Now().UTC()))
	require.NoError(t, f.orders.Save(ctx, order))
	return job
}

// claimJob переводит задачу заказа в PROCESSING, как это делает движок.
func (f *fixture) claimJob(t *testing.T, orderID string) domain.InvoiceJob {
	t.Helper()
	job, created, err := f.jobs.ClaimOrder(context.Background(), orderID, time.Now().UTC(), time.Time{})
	require.NoError(t, err)
	require.False(t, created)
	return job
}

func (f *fixture) qualifiedOrder(t *testing.T, customerID, orderID string) {
	t.Helper()
	ctx := context.Background()
	_, err := f.service.UpsertCustomer(ctx, businessEvent(customerID))
	require.NoError(t, err)
	_, err = f.service.HandleOrderCreated(ctx, orderEvent(orderID, customerID, "IT"))
	require.NoError(t, err)
}

func TestIssueInvoiceNow_CompletesOutstandingJob(t *testing.T) {
	f := newFixture(t, nil)
	f.qualifiedOrder(t, "c-1", "o-1")

	issued := f.issue(t, "o-1")
	require.Equal(t, "INV-000001", issued.InvoiceID)

	jobs := f.jobsOf(t, "o-1")
	require.Len(t, jobs, 1)
	require.Equal(t, domain.JobStatusCompleted, jobs[0].Status)

	_, err := f.service.IssueInvoiceNow(context.Background(), "o-1")
	require.ErrorIs(t, err, domain.ErrInvoiceAlreadyIssued)
	invoices, _ := f.mock.Calls()
	require.Equal(t, 1, invoices)
}

func TestIssueInvoiceNow_UnqualifiedProfileMovesToError(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	_, err := f.service.HandleOrderCreated(ctx, orderEvent("o-1", "c-1", "IT"))
	require.NoError(t, err)

	order, err := f.service.IssueInvoiceNow(ctx, "o-1")
	require.ErrorIs(t, err, domain.ErrProfileNotQualified)
	require.True(t, domain.IsPrecondition(err))
	require.Equal(t, domain.InvoiceStatusError, order.InvoiceStatus)
	require.NotEmpty(t, order.LastError)

	pending := f.outbox.AllPending()
	require.Len(t, pending, 1)
	require.Equal(t, domain.EventInvoiceFailed, pending[0].EventType)
}

func TestIssueInvoiceNow_ExternalErrorLeavesState(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.qualifiedOrder(t, "c-1", "o-1")
	before := f.order(t, "o-1")
	f.mock.SetInvoiceErr(domain.ErrClearinghouseUnavailable)

	_, err := f.service.IssueInvoiceNow(ctx, "o-1")
	require.True(t, domain.IsExternal(err))
	require.Equal(t, before, f.order(t, "o-1"))
	jobs := f.jobsOf(t, "o-1")
	require.Len(t, jobs, 1)
	require.Equal(t, domain.JobStatusPending, jobs[0].Status)
	require.Zero(t, jobs[0].Attempts)
	require.NotEmpty(t, jobs[0].LastError)
}

func TestIssueInvoiceNow_JobInProgressIsPrecondition(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.qualifiedOrder(t, "c-1", "o-1")
	claimed := f.claimJob(t, "o-1")

	order, err := f.service.IssueInvoiceNow(ctx, "o-1")
	require.ErrorIs(t, err, domain.ErrIssueInProgress)
	require.True(t, domain.IsPrecondition(err))
	require.Equal(t, domain.InvoiceStatusPending, order.InvoiceStatus)
	invoices, _ := f.mock.Calls()
	require.Zero(t, invoices)

	// движок завершает свою попытку без помех
	require.NoError(t, f.jobs.Complete(ctx, claimed.ID, claimed.Attempts, time.Now().UTC()))
}

func TestIssueInvoiceNow_WithoutQueuedJobClaimsNewOne(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.qualifiedOrder(t, "c-1", "o-1")
	job := f.claimJob(t, "o-1")
	require.NoError(t, f.jobs.Complete(ctx, job.ID, job.Attempts, time.Now().UTC()))

	issued := f.issue(t, "o-1")
	require.Equal(t, domain.InvoiceStatusIssued, issued.InvoiceStatus)

	jobs := f.jobsOf(t, "o-1")
	require.Len(t, jobs, 2)
	for _, job := range jobs {
		require.Equal(t, domain.JobStatusCompleted, job.Status)
	}
}

func TestRetryJob_JobInProgressIsPrecondition(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.qualifiedOrder(t, "c-1", "o-1")
	claimed := f.claimJob(t, "o-1")

	_, err := f.service.RetryJob(ctx, claimed.ID)
	require.ErrorIs(t, err, domain.ErrIssueInProgress)
	require.True(t, domain.IsPrecondition(err))

	count, err := f.service.RetryOrder(ctx, "o-1")
	require.NoError(t, err)
	require.Zero(t, count)

	jobs := f.jobsOf(t, "o-1")
	require.Len(t, jobs, 1)
	require.Equal(t, domain.JobStatusProcessing, jobs[0].Status)
	require.NoError(t, f.jobs.Complete(ctx, claimed.ID, claimed.Attempts, time.Now().UTC()))
}

func TestRetryJob_ResetsJobAndErrorOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.qualifiedOrder(t, "c-1", "o-1")
	failed := f.failJob(t, "o-1")

	job, err := f.service.RetryJob(ctx, failed.ID)
	require.NoError(t, err)
	require.Equal(t, domain.JobStatusPending, job.Status)
	require.Zero(t, job.Attempts)
	require.False(t, job.ScheduledAt.After(time.Now().UTC()))

	order := f.order(t, "o-1")
	require.Equal(t, domain.InvoiceStatusPending, order.InvoiceStatus)
	require.Empty(t, order.LastError)

	_, err = f.service.RetryJob(ctx, "missing")
	require.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestRetryJob_CompletedJobIsPrecondition(t *testing.T) {
	f := newFixture(t, nil)
	f.qualifiedOrder(t, "c-1", "o-1")
	f.issue(t, "o-1")

	_, err := f.service.RetryJob(context.Background(), f.jobsOf(t, "o-1")[0].ID)
	require.ErrorIs(t, err, domain.ErrPrecondition)
}

func TestRetryOrder_EnqueuesWhenNoJobExists(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.qualifiedOrder(t, "c-1", "o-1")
	job := f.claimJob(t, "o-1")
	require.NoError(t, f.jobs.Complete(ctx, job.ID, job.Attempts, time.Now().UTC()))
	_, err := f.jobs.PurgeTerminal(ctx, time.Now().UTC().Add(time.Minute))
	require.NoError(t, err)

	count, err := f.service.RetryOrder(ctx, "o-1")
	require.NoError(t, err)
	require.Equal(t, 1, count)

	jobs := f.jobsOf(t, "o-1")
	require.Len(t, jobs, 1)
	require.Equal(t, domain.JobStatusPending, jobs[0].Status)

	_, err = f.service.RetryOrder(ctx, "missing")
	require.ErrorIs(t, err, domain.ErrOrderNotFound)
}

func TestResetErrors_ResetsOrdersAndJobs(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.qualifiedOrder(t, "c-1", "o-1")
	f.qualifiedOrder(t, "c-2", "o-2")
	f.qualifiedOrder(t, "c-3", "o-3")
	f.failJob(t, "o-1")
	f.failJob(t, "o-2")

	report, err := f.service.ResetErrors(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"o-1", "o-2"}, report.Orders)
	require.Equal(t, 2, report.Jobs)
	require.Zero(t, report.Enqueued)

	for _, id := range []string{"o-1", "o-2", "o-3"} {
		require.Equal(t, domain.InvoiceStatusPending, f.order(t, id).InvoiceStatus)
		jobs := f.jobsOf(t, id)
		require.Len(t, jobs, 1)
		require.Equal(t, domain.JobStatusPending, jobs[0].Status)
		require.Zero(t, jobs[0].Attempts)
	}

	view, err := f.service.GetOrder(ctx, "o-1")
	require.NoError(t, err)
	var types []string
	for _, event := range view.Timeline {
		types = append(types, event.Type)
	}
	require.Contains(t, types, domain.TimelineOperatorReset)
}

func TestGetOrder_View(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.qualifiedOrder(t, "c-1", "o-1")
	f.issue(t, "o-1")
	_, err := f.service.CancelOrder(ctx, "o-1", "return")
	require.NoError(t, err)

	view, err := f.service.GetOrder(ctx, "o-1")
	require.NoError(t, err)
	require.Equal(t, domain.InvoiceStatusCancelled, view.Order.InvoiceStatus)
	require.Len(t, view.Jobs, 1)
	require.NotNil(t, view.CreditNote)
	require.Equal(t, "return", view.CreditNote.Reason)
	require.NotEmpty(t, view.Timeline)

	_, err = f.service.GetOrder(ctx, "missing")
	require.ErrorIs(t, err, domain.ErrOrderNotFound)
}

func TestListJobsAndStats(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.qualifiedOrder(t, "c-1", "o-1")
	f.qualifiedOrder(t, "c-2", "o-2")
	f.failJob(t, "o-2")

	pending, err := f.service.ListJobs(ctx, domain.JobStatusPending, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "o-1", pending[0].OrderID)

	all, err := f.service.ListJobs(ctx, "", 1)
	require.NoError(t, err)
	require.Len(t, all, 1)

	_, err = f.service.ListJobs(ctx, "BOGUS", 0)
	require.ErrorIs(t, err, domain.ErrPrecondition)

	stats, err := f.service.QueueStats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Pending)
	require.Equal(t, 1, stats.Failed)
}
