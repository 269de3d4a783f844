package postgres

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/einvoice/internal/domain"
)

func TestInvoiceJobRepository_PostgresClaimOrderAndAttempts(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	ctx := context.Background()
	repo := NewInvoiceJobRepository(store)

	now := time.Now().UTC().Round(time.Microsecond)
	late, err := repo.Enqueue(ctx, domain.NewIssueInvoiceJob("order-late", now.Add(-time.Minute)))
	require.NoError(t, err)
	early, err := repo.Enqueue(ctx, domain.NewIssueInvoiceJob("order-early", now.Add(-time.Hour)))
	require.NoError(t, err)
	_, err = repo.Enqueue(ctx, domain.NewIssueInvoiceJob("order-future", now.Add(time.Hour)))
	require.NoError(t, err)

	claimed, err := repo.ClaimDue(ctx, domain.ClaimParams{Now: now, Limit: 10, MaxAttempts: 3})
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	require.Equal(t, early.ID, claimed[0].ID)
	require.Equal(t, late.ID, claimed[1].ID)
	require.Equal(t, domain.JobStatusProcessing, claimed[0].Status)
	require.Equal(t, 1, claimed[0].Attempts)

	require.NoError(t, repo.Reschedule(ctx, early.ID, 1, "timeout", now.Add(5*time.Minute), now))
	require.NoError(t, repo.Complete(ctx, late.ID, 1, now))
	require.ErrorIs(t, repo.Complete(ctx, late.ID, 1, now), domain.ErrClaimLost)

	again, err := repo.ClaimDue(ctx, domain.ClaimParams{Now: now.Add(5 * time.Minute), Limit: 10, MaxAttempts: 3})
	require.NoError(t, err)
	require.Len(t, again, 1)
	require.Equal(t, 2, again[0].Attempts)
	require.Equal(t, "timeout", again[0].LastError)

	require.ErrorIs(t, repo.Fail(ctx, early.ID, 1, "stale holder", now), domain.ErrClaimLost)
	require.NoError(t, repo.Fail(ctx, early.ID, 2, "gave up", now))
	stats, err := repo.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Pending)
	require.Equal(t, 1, stats.Completed)
	require.Equal(t, 1, stats.Failed)

	reset, err := repo.Reset(ctx, early.ID, now, now)
	require.NoError(t, err)
	require.Zero(t, reset.Attempts)
	require.Equal(t, domain.JobStatusPending, reset.Status)

	_, err = repo.Reset(ctx, "missing", now, now)
	require.ErrorIs(t, err, domain.ErrJobNotFound)
	require.ErrorIs(t, repo.Complete(ctx, "missing", 1, now), domain.ErrJobNotFound)
}

func TestInvoiceJobRepository_PostgresConcurrentClaimIsExclusive(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	ctx := context.Background()
	repo := NewInvoiceJobRepository(store)

	now := time.Now().UTC()
	const jobs = 40
	for i := 0; i < jobs; i++ {
		_, err := repo.Enqueue(ctx, domain.NewIssueInvoiceJob("order", now.Add(-time.Duration(i)*time.Second)))
		require.NoError(t, err)
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[string]int)
	)
	for worker := 0; worker < 6; worker++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				claimed, err := repo.ClaimDue(ctx, domain.ClaimParams{Now: now, Limit: 4, MaxAttempts: 3})
				if err != nil || len(claimed) == 0 {
					return
				}
				mu.Lock()
				for _, job := range claimed {
					seen[job.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, seen, jobs)
	for id, count := range seen {
		require.Equalf(t, 1, count, "job %s claimed %d times", id, count)
	}
}

func TestInvoiceJobRepository_PostgresPurgeAndResetByOrder(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	ctx := context.Background()
	repo := NewInvoiceJobRepository(store)

	now := time.Now().UTC()
	old, err := repo.Enqueue(ctx, domain.NewIssueInvoiceJob("order-old", now))
	require.NoError(t, err)
	held, _, err := repo.ClaimOrder(ctx, "order-old", now, now)
	require.NoError(t, err)
	require.NoError(t, repo.Complete(ctx, old.ID, held.Attempts, now.Add(-8*24*time.Hour)))

	failed, err := repo.Enqueue(ctx, domain.NewIssueInvoiceJob("order-x", now))
	require.NoError(t, err)
	held, _, err = repo.ClaimOrder(ctx, "order-x", now, now)
	require.NoError(t, err)
	require.NoError(t, repo.Fail(ctx, failed.ID, held.Attempts, "boom", now))

	removed, err := repo.PurgeTerminal(ctx, now.Add(-7*24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	count, err := repo.ResetByOrder(ctx, "order-x", now, now)
	require.NoError(t, err)
	require.Equal(t, 1, count)

	list, err := repo.List(ctx, domain.JobStatusPending, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, failed.ID, list[0].ID)
}

func TestInvoiceJobRepository_PostgresLiveClaimSurvivesReset(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	ctx := context.Background()
	repo := NewInvoiceJobRepository(store)

	now := time.Now().UTC().Round(time.Microsecond)
	staleAfter := 2 * time.Minute
	job, err := repo.Enqueue(ctx, domain.NewIssueInvoiceJob("order-live", now))
	require.NoError(t, err)
	claimed, err := repo.ClaimDue(ctx, domain.ClaimParams{Now: now, Limit: 1, MaxAttempts: 3})
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	later := now.Add(time.Minute)
	count, err := repo.ResetByOrder(ctx, "order-live", later, later.Add(-staleAfter))
	require.NoError(t, err)
	require.Zero(t, count)
	_, err = repo.Reset(ctx, job.ID, later, later.Add(-staleAfter))
	require.ErrorIs(t, err, domain.ErrIssueInProgress)
	_, _, err = repo.ClaimOrder(ctx, "order-live", later, later.Add(-staleAfter))
	require.ErrorIs(t, err, domain.ErrIssueInProgress)

	// после порога захват перехватывается с новым номером попытки
	much := now.Add(time.Hour)
	again, err := repo.ClaimDue(ctx, domain.ClaimParams{Now: much, Limit: 1, MaxAttempts: 3, StaleBefore: much.Add(-staleAfter)})
	require.NoError(t, err)
	require.Len(t, again, 1)
	require.Equal(t, 2, again[0].Attempts)
	require.ErrorIs(t, repo.Complete(ctx, job.ID, claimed[0].Attempts, much), domain.ErrClaimLost)
	require.NoError(t, repo.Complete(ctx, job.ID, again[0].Attempts, much))
}

func TestInvoiceJobRepository_PostgresClaimOrderCreatesJob(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	ctx := context.Background()
	repo := NewInvoiceJobRepository(store)

	now := time.Now().UTC().Round(time.Microsecond)
	job, created, err := repo.ClaimOrder(ctx, "order-manual", now, now.Add(-time.Minute))
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, domain.JobStatusProcessing, job.Status)
	require.Zero(t, job.Attempts)

	due, err := repo.ClaimDue(ctx, domain.ClaimParams{Now: now, Limit: 10, MaxAttempts: 3, StaleBefore: now.Add(-time.Minute)})
	require.NoError(t, err)
	require.Empty(t, due)

	require.NoError(t, repo.Reschedule(ctx, job.ID, job.Attempts, "503", now, now))
	claimed, created, err := repo.ClaimOrder(ctx, "order-manual", now, now.Add(-time.Minute))
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, job.ID, claimed.ID)
}
