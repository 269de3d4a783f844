package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/einvoice/internal/domain"
)

// jobRepositoryInMemory — очередь задач в памяти. Захват выполняется под одной блокировкой.
type jobRepositoryInMemory struct {
	mu    sync.Mutex
	items map[string]domain.InvoiceJob
}

// NewInvoiceJobRepository создаёт in-memory очередь задач.
func NewInvoiceJobRepository() domain.InvoiceJobRepository {
	return &jobRepositoryInMemory{items: make(map[string]domain.InvoiceJob)}
}

func (r *jobRepositoryInMemory) Enqueue(_ context.Context, job domain.InvoiceJob) (domain.InvoiceJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.items[job.ID] = job
	return job, nil
}

// ClaimDue выбирает готовые задачи и сразу помечает их PROCESSING.
func (r *jobRepositoryInMemory) ClaimDue(_ context.Context, params domain.ClaimParams) ([]domain.InvoiceJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	due := make([]domain.InvoiceJob, 0)
	for _, job := range r.items {
		if job.Due(params) {
			due = append(due, job)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].ScheduledAt.Equal(due[j].ScheduledAt) {
			return due[i].ScheduledAt.Before(due[j].ScheduledAt)
		}
		return due[i].ID < due[j].ID
	})
	if params.Limit > 0 && len(due) > params.Limit {
		due = due[:params.Limit]
	}

	for i := range due {
		due[i].Status = domain.JobStatusProcessing
		due[i].Attempts++
		due[i].UpdatedAt = params.Now
		r.items[due[i].ID] = due[i]
	}
	return due, nil
}

// ClaimOrder выбирает задачу заказа для ручного выставления под той же блокировкой, что и ClaimDue.
func (r *jobRepositoryInMemory) ClaimOrder(_ context.Context, orderID string, now, staleBefore time.Time) (domain.InvoiceJob, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var candidate *domain.InvoiceJob
	for _, job := range r.items {
		if job.OrderID != orderID || !job.Outstanding() {
			continue
		}
		if job.Status == domain.JobStatusProcessing && !domain.Stale(job.UpdatedAt, staleBefore) {
			return domain.InvoiceJob{}, false, domain.ErrIssueInProgress
		}
		if candidate == nil || olderJob(job, *candidate) {
			job := job
			candidate = &job
		}
	}

	if candidate == nil {
		job := domain.NewIssueInvoiceJob(orderID, now)
		job.Status = domain.JobStatusProcessing
		r.items[job.ID] = job
		return job, true, nil
	}

	job := *candidate
	if job.Status == domain.JobStatusProcessing {
		// перехват у брошенного обработчика
		job.Attempts++
	}
	job.Status = domain.JobStatusProcessing
	job.UpdatedAt = now
	r.items[job.ID] = job
	return job, false, nil
}

func olderJob(a, b domain.InvoiceJob) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func (r *jobRepositoryInMemory) Complete(_ context.Context, id string, attempts int, now time.Time) error {
	return r.settle(id, attempts, func(job *domain.InvoiceJob) {
		job.Status = domain.JobStatusCompleted
		job.ProcessedAt = now
		job.UpdatedAt = now
	})
}

func (r *jobRepositoryInMemory) Fail(_ context.Context, id string, attempts int, reason string, now time.Time) error {
	return r.settle(id, attempts, func(job *domain.InvoiceJob) {
		job.Status = domain.JobStatusFailed
		job.LastError = reason
		job.ProcessedAt = now
		job.UpdatedAt = now
	})
}

func (r *jobRepositoryInMemory) Reschedule(_ context.Context, id string, attempts int, reason string, at, now time.Time) error {
	return r.settle(id, attempts, func(job *domain.InvoiceJob) {
		job.Status = domain.JobStatusPending
		job.LastError = reason
		job.ScheduledAt = at
		job.UpdatedAt = now
	})
}

func (r *jobRepositoryInMemory) Reset(_ context.Context, id string, now, staleBefore time.Time) (domain.InvoiceJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.items[id]
	if !ok {
		return domain.InvoiceJob{}, domain.ErrJobNotFound
	}
	if job.Status == domain.JobStatusProcessing && !domain.Stale(job.UpdatedAt, staleBefore) {
		return job, domain.ErrIssueInProgress
	}
	resetJob(&job, now)
	r.items[id] = job
	return job, nil
}

func (r *jobRepositoryInMemory) ResetByOrder(_ context.Context, orderID string, now, staleBefore time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	for id, job := range r.items {
		if job.OrderID != orderID || job.Status == domain.JobStatusCompleted {
			continue
		}
		if job.Status == domain.JobStatusProcessing && !domain.Stale(job.UpdatedAt, staleBefore) {
			continue
		}
		resetJob(&job, now)
		r.items[id] = job
		count++
	}
	return count, nil
}

func resetJob(job *domain.InvoiceJob, now time.Time) {
	job.Status = domain.JobStatusPending
	job.Attempts = 0
	job.ScheduledAt = now
	job.UpdatedAt = now
}

func (r *jobRepositoryInMemory) Get(_ context.Context, id string) (domain.InvoiceJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.items[id]
	if !ok {
		return domain.InvoiceJob{}, domain.ErrJobNotFound
	}
	return job, nil
}

func (r *jobRepositoryInMemory) ListByOrder(_ context.Context, orderID string) ([]domain.InvoiceJob, error) {
	return r.list(0, func(j domain.InvoiceJob) bool { return j.OrderID == orderID }), nil
}

// List возвращает задачи в статусе status (пустой статус — все задачи).
func (r *jobRepositoryInMemory) List(_ context.Context, status domain.JobStatus, limit int) ([]domain.InvoiceJob, error) {
	return r.list(limit, func(j domain.InvoiceJob) bool { return status == "" || j.Status == status }), nil
}

func (r *jobRepositoryInMemory) list(limit int, match func(domain.InvoiceJob) bool) []domain.InvoiceJob {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := make([]domain.InvoiceJob, 0)
	for _, job := range r.items {
		if match(job) {
			result = append(result, job)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}

func (r *jobRepositoryInMemory) PurgeTerminal(_ context.Context, before time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, job := range r.items {
		if job.Status.Terminal() && job.UpdatedAt.Before(before) {
			delete(r.items, id)
			removed++
		}
	}
	return removed, nil
}

func (r *jobRepositoryInMemory) Stats(_ context.Context) (domain.JobStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var stats domain.JobStats
	for _, job := range r.items {
		switch job.Status {
		case domain.JobStatusPending:
			stats.Pending++
			if stats.OldestPendingAt.IsZero() || job.ScheduledAt.Before(stats.OldestPendingAt) {
				stats.OldestPendingAt = job.ScheduledAt
			}
		case domain.JobStatusProcessing:
			stats.Processing++
		case domain.JobStatusCompleted:
			stats.Completed++
		case domain.JobStatusFailed:
			stats.Failed++
		}
	}
	return stats, nil
}

// settle применяет mutate, только пока задача захвачена вызывающим.
func (r *jobRepositoryInMemory) settle(id string, attempts int, mutate func(*domain.InvoiceJob)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.items[id]
	if !ok {
		return domain.ErrJobNotFound
	}
	if job.Status != domain.JobStatusProcessing || job.Attempts != attempts {
		return domain.ErrClaimLost
	}
	mutate(&job)
	r.items[id] = job
	return nil
}

var _ domain.InvoiceJobRepository = (*jobRepositoryInMemory)(nil)
