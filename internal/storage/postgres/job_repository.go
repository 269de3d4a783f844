package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/vladislavdragonenkov/einvoice/internal/domain"
)

const jobColumns = `id, type, order_id, status, attempts, scheduled_at, last_error, processed_at, created_at, updated_at`

type invoiceJobRepository struct {
	db *sql.DB
}

// NewInvoiceJobRepository создаёт очередь задач поверх таблицы invoice_jobs.
func NewInvoiceJobRepository(store *Store) domain.InvoiceJobRepository {
	return &invoiceJobRepository{db: store.DB()}
}

func scanJob(row rowScanner) (domain.InvoiceJob, error) {
	var (
		job         domain.InvoiceJob
		jobType     string
		status      string
		processedAt sql.NullTime
	)
	if err := row.Scan(
		&job.ID, &jobType, &job.OrderID, &status, &job.Attempts, &job.ScheduledAt,
		&job.LastError, &processedAt, &job.CreatedAt, &job.UpdatedAt,
	); err != nil {
		return domain.InvoiceJob{}, err
	}
	job.Type = domain.JobType(jobType)
	job.Status = domain.JobStatus(status)
	job.ProcessedAt = timeFromNull(processedAt)
	job.ScheduledAt = job.ScheduledAt.UTC()
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	return job, nil
}

func insertJob(ctx context.Context, exec interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}, job domain.InvoiceJob) error {
	_, err := exec.ExecContext(ctx, `
		INSERT INTO invoice_jobs (`+jobColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`,
		job.ID, string(job.Type), job.OrderID, string(job.Status), job.Attempts, job.ScheduledAt,
		job.LastError, nullTime(job.ProcessedAt), job.CreatedAt, job.UpdatedAt,
	)
	return err
}

func (r *invoiceJobRepository) Enqueue(ctx context.Context, job domain.InvoiceJob) (domain.InvoiceJob, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := insertJob(ctx, r.db, job); err != nil {
		return domain.InvoiceJob{}, fmt.Errorf("enqueue invoice job: %w", err)
	}
	return job, nil
}

// ClaimDue захватывает задачи одним UPDATE. SKIP LOCKED не даёт двум
// конкурентным вызовам получить одну и ту же строку, а повторная проверка
// статуса отсекает строки, изменённые между подзапросом и обновлением.
// При нулевом StaleBefore параметр $4 равен NULL и перехват выключен.
func (r *invoiceJobRepository) ClaimDue(ctx context.Context, params domain.ClaimParams) ([]domain.InvoiceJob, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		UPDATE invoice_jobs AS j
		SET status = 'PROCESSING',
		    attempts = j.attempts + 1,
		    updated_at = $1
		WHERE j.id IN (
			SELECT id
			FROM invoice_jobs
			WHERE (status = 'PENDING' AND attempts < $2 AND scheduled_at <= $1)
			   OR (status = 'PROCESSING' AND updated_at < $4)
			ORDER BY scheduled_at ASC, id ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		  AND (j.status = 'PENDING' OR (j.status = 'PROCESSING' AND j.updated_at < $4))
		RETURNING `+jobColumns,
		params.Now, params.MaxAttempts, params.Limit, nullTime(params.StaleBefore),
	)
	if err != nil {
		return nil, fmt.Errorf("claim invoice jobs: %w", err)
	}
	defer rows.Close()

	claimed := make([]domain.InvoiceJob, 0, params.Limit)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan claimed job: %w", err)
		}
		claimed = append(claimed, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate claimed jobs: %w", err)
	}

	// RETURNING не гарантирует порядок.
	sort.Slice(claimed, func(i, j int) bool {
		if !claimed[i].ScheduledAt.Equal(claimed[j].ScheduledAt) {
			return claimed[i].ScheduledAt.Before(claimed[j].ScheduledAt)
		}
		return claimed[i].ID < claimed[j].ID
	})
	return claimed, nil
}

// ClaimOrder блокирует строку заказа, чтобы два ручных вызова не создали по задаче,
// и строки его незавершённых задач, чтобы ClaimDue их пропустил.
func (r *invoiceJobRepository) ClaimOrder(ctx context.Context, orderID string, now, staleBefore time.Time) (domain.InvoiceJob, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var (
		claimed domain.InvoiceJob
		created bool
	)
	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `SELECT 1 FROM orders WHERE external_id = $1 FOR UPDATE`, orderID); err != nil {
			return fmt.Errorf("lock order: %w", err)
		}
		outstanding, err := queryJobs(ctx, tx, `
			SELECT `+jobColumns+`
			FROM invoice_jobs
			WHERE order_id = $1
			  AND status IN ('PENDING', 'PROCESSING')
			ORDER BY created_at ASC, id ASC
			FOR UPDATE
		`, orderID)
		if err != nil {
			return err
		}
		for _, job := range outstanding {
			if job.Status == domain.JobStatusProcessing && !domain.Stale(job.UpdatedAt, staleBefore) {
				return domain.ErrIssueInProgress
			}
		}

		if len(outstanding) == 0 {
			claimed = domain.NewIssueInvoiceJob(orderID, now)
			claimed.Status = domain.JobStatusProcessing
			created = true
			if err := insertJob(ctx, tx, claimed); err != nil {
				return fmt.Errorf("insert claimed job: %w", err)
			}
			return nil
		}

		// перехват брошенной задачи получает новый номер попытки
		claimed, err = scanJob(tx.QueryRowContext(ctx, `
			UPDATE invoice_jobs
			SET attempts = attempts + CASE WHEN status = 'PROCESSING' THEN 1 ELSE 0 END,
			    status = 'PROCESSING',
			    updated_at = $2
			WHERE id = $1
			RETURNING `+jobColumns,
			outstanding[0].ID, now,
		))
		if err != nil {
			return fmt.Errorf("claim order job: %w", err)
		}
		return nil
	})
	if err != nil {
		return domain.InvoiceJob{}, false, err
	}
	return claimed, created, nil
}

func (r *invoiceJobRepository) Complete(ctx context.Context, id string, attempts int, now time.Time) error {
	return r.settle(ctx, id, attempts, `
		UPDATE invoice_jobs
		SET status = 'COMPLETED', processed_at = $3, updated_at = $3
		WHERE id = $1 AND status = 'PROCESSING' AND attempts = $2
	`, now)
}

func (r *invoiceJobRepository) Fail(ctx context.Context, id string, attempts int, reason string, now time.Time) error {
	return r.settle(ctx, id, attempts, `
		UPDATE invoice_jobs
		SET status = 'FAILED', last_error = $3, processed_at = $4, updated_at = $4
		WHERE id = $1 AND status = 'PROCESSING' AND attempts = $2
	`, reason, now)
}

func (r *invoiceJobRepository) Reschedule(ctx context.Context, id string, attempts int, reason string, at, now time.Time) error {
	return r.settle(ctx, id, attempts, `
		UPDATE invoice_jobs
		SET status = 'PENDING', last_error = $3, scheduled_at = $4, updated_at = $5
		WHERE id = $1 AND status = 'PROCESSING' AND attempts = $2
	`, reason, at, now)
}

func (r *invoiceJobRepository) Reset(ctx context.Context, id string, now, staleBefore time.Time) (domain.InvoiceJob, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	job, err := scanJob(r.db.QueryRowContext(ctx, `
		UPDATE invoice_jobs
		SET status = 'PENDING', attempts = 0, scheduled_at = $2, updated_at = $2
		WHERE id = $1
		  AND (status <> 'PROCESSING' OR updated_at < $3)
		RETURNING `+jobColumns,
		id, now, nullTime(staleBefore),
	))
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.InvoiceJob{}, fmt.Errorf("reset invoice job: %w", err)
	}
	current, err := r.Get(ctx, id)
	if err != nil {
		return domain.InvoiceJob{}, err
	}
	return current, domain.ErrIssueInProgress
}

func (r *invoiceJobRepository) ResetByOrder(ctx context.Context, orderID string, now, staleBefore time.Time) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE invoice_jobs
		SET status = 'PENDING', attempts = 0, scheduled_at = $2, updated_at = $2
		WHERE order_id = $1
		  AND status <> 'COMPLETED'
		  AND (status <> 'PROCESSING' OR updated_at < $3)
	`, orderID, now, nullTime(staleBefore))
	if err != nil {
		return 0, fmt.Errorf("reset order jobs: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(affected), nil
}

func (r *invoiceJobRepository) Get(ctx context.Context, id string) (domain.InvoiceJob, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	job, err := scanJob(r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM invoice_jobs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.InvoiceJob{}, domain.ErrJobNotFound
		}
		return domain.InvoiceJob{}, fmt.Errorf("select invoice job: %w", err)
	}
	return job, nil
}

func (r *invoiceJobRepository) ListByOrder(ctx context.Context, orderID string) ([]domain.InvoiceJob, error) {
	return r.query(ctx, `
		SELECT `+jobColumns+`
		FROM invoice_jobs
		WHERE order_id = $1
		ORDER BY created_at ASC, id ASC
	`, orderID)
}

func (r *invoiceJobRepository) List(ctx context.Context, status domain.JobStatus, limit int) ([]domain.InvoiceJob, error) {
	if limit <= 0 {
		limit = 100
	}
	if status == "" {
		return r.query(ctx, `
			SELECT `+jobColumns+`
			FROM invoice_jobs
			ORDER BY created_at ASC, id ASC
			LIMIT $1
		`, limit)
	}
	return r.query(ctx, `
		SELECT `+jobColumns+`
		FROM invoice_jobs
		WHERE status = $1
		ORDER BY created_at ASC, id ASC
		LIMIT $2
	`, string(status), limit)
}

func (r *invoiceJobRepository) PurgeTerminal(ctx context.Context, before time.Time) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		DELETE FROM invoice_jobs
		WHERE status IN ('COMPLETED', 'FAILED')
		  AND updated_at < $1
	`, before)
	if err != nil {
		return 0, fmt.Errorf("purge invoice jobs: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(affected), nil
}

func (r *invoiceJobRepository) Stats(ctx context.Context) (domain.JobStats, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var (
		stats  domain.JobStats
		oldest sql.NullTime
	)
	if err := r.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'PENDING'),
			COUNT(*) FILTER (WHERE status = 'PROCESSING'),
			COUNT(*) FILTER (WHERE status = 'COMPLETED'),
			COUNT(*) FILTER (WHERE status = 'FAILED'),
			MIN(scheduled_at) FILTER (WHERE status = 'PENDING')
		FROM invoice_jobs
	`).Scan(&stats.Pending, &stats.Processing, &stats.Completed, &stats.Failed, &oldest); err != nil {
		return domain.JobStats{}, fmt.Errorf("invoice job stats query failed: %w", err)
	}
	stats.OldestPendingAt = timeFromNull(oldest)
	return stats, nil
}

// settle обновляет задачу, только пока она захвачена с этим номером попытки.
func (r *invoiceJobRepository) settle(ctx context.Context, id string, attempts int, query string, args ...any) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, query, append([]any{id, attempts}, args...)...)
	if err != nil {
		return fmt.Errorf("update invoice job %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected > 0 {
		return nil
	}
	var exists bool
	if err := r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM invoice_jobs WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check invoice job %s: %w", id, err)
	}
	if !exists {
		return domain.ErrJobNotFound
	}
	return domain.ErrClaimLost
}

func (r *invoiceJobRepository) query(ctx context.Context, query string, args ...any) ([]domain.InvoiceJob, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	return queryJobs(ctx, r.db, query, args...)
}

func queryJobs(ctx context.Context, q interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}, query string, args ...any) ([]domain.InvoiceJob, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list invoice jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]domain.InvoiceJob, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan invoice job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate invoice jobs: %w", err)
	}
	return jobs, nil
}

var _ domain.InvoiceJobRepository = (*invoiceJobRepository)(nil)
