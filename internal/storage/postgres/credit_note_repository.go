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

const creditNoteColumns = `id, order_id, reason, amount, currency, external_id, status, attempts, scheduled_at, last_error, issued_at, created_at, updated_at`

type creditNoteRepository struct {
	db *sql.DB
}

// NewCreditNoteRepository создаёт PostgreSQL-реализацию CreditNoteRepository.
func NewCreditNoteRepository(store *Store) domain.CreditNoteRepository {
	return &creditNoteRepository{db: store.DB()}
}

func scanCreditNote(row rowScanner) (domain.CreditNote, error) {
	var (
		note     domain.CreditNote
		status   string
		issuedAt sql.NullTime
	)
	if err := row.Scan(
		&note.ID, &note.OrderID, &note.Reason, &note.Amount, &note.Currency, &note.ExternalID,
		&status, &note.Attempts, &note.ScheduledAt, &note.LastError, &issuedAt, &note.CreatedAt, &note.UpdatedAt,
	); err != nil {
		return domain.CreditNote{}, err
	}
	note.Status = domain.CreditNoteStatus(status)
	note.IssuedAt = timeFromNull(issuedAt)
	note.ScheduledAt = note.ScheduledAt.UTC()
	note.CreatedAt = note.CreatedAt.UTC()
	note.UpdatedAt = note.UpdatedAt.UTC()
	return note, nil
}

func insertCreditNote(ctx context.Context, exec interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}, note domain.CreditNote) error {
	_, err := exec.ExecContext(ctx, `
		INSERT INTO credit_notes (`+creditNoteColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`,
		note.ID, note.OrderID, note.Reason, note.Amount, note.Currency, note.ExternalID,
		string(note.Status), note.Attempts, note.ScheduledAt, note.LastError, nullTime(note.IssuedAt),
		note.CreatedAt, note.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrCreditNoteExists
		}
		return fmt.Errorf("insert credit note: %w", err)
	}
	return nil
}

// CreateWithCancellation вставляет ноту и сохраняет отменённый заказ в одной транзакции.
func (r *creditNoteRepository) CreateWithCancellation(ctx context.Context, note domain.CreditNote, order domain.Order) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	return withTx(ctx, r.db, func(tx *sql.Tx) error {
		if err := insertCreditNote(ctx, tx, note); err != nil {
			return err
		}
		return saveOrderTx(ctx, tx, order)
	})
}

func (r *creditNoteRepository) Create(ctx context.Context, note domain.CreditNote) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	return insertCreditNote(ctx, r.db, note)
}

func (r *creditNoteRepository) GetByOrder(ctx context.Context, orderID string) (domain.CreditNote, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	note, err := scanCreditNote(r.db.QueryRowContext(ctx, `
		SELECT `+creditNoteColumns+`
		FROM credit_notes
		WHERE order_id = $1
	`, orderID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.CreditNote{}, domain.ErrCreditNoteNotFound
		}
		return domain.CreditNote{}, fmt.Errorf("select credit note: %w", err)
	}
	return note, nil
}

// ClaimDue устроен так же, как захват задач очереди.
func (r *creditNoteRepository) ClaimDue(ctx context.Context, params domain.ClaimParams) ([]domain.CreditNote, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		UPDATE credit_notes AS n
		SET status = 'PROCESSING',
		    attempts = n.attempts + 1,
		    updated_at = $1
		WHERE n.id IN (
			SELECT id
			FROM credit_notes
			WHERE (status = 'PENDING' AND attempts < $2 AND scheduled_at <= $1)
			   OR (status = 'PROCESSING' AND updated_at < $4)
			ORDER BY scheduled_at ASC, order_id ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		  AND (n.status = 'PENDING' OR (n.status = 'PROCESSING' AND n.updated_at < $4))
		RETURNING `+creditNoteColumns,
		params.Now, params.MaxAttempts, params.Limit, nullTime(params.StaleBefore),
	)
	if err != nil {
		return nil, fmt.Errorf("claim credit notes: %w", err)
	}
	defer rows.Close()

	claimed := make([]domain.CreditNote, 0, params.Limit)
	for rows.Next() {
		note, err := scanCreditNote(rows)
		if err != nil {
			return nil, fmt.Errorf("scan claimed credit note: %w", err)
		}
		claimed = append(claimed, note)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate claimed credit notes: %w", err)
	}

	sort.Slice(claimed, func(i, j int) bool {
		if !claimed[i].ScheduledAt.Equal(claimed[j].ScheduledAt) {
			return claimed[i].ScheduledAt.Before(claimed[j].ScheduledAt)
		}
		return claimed[i].OrderID < claimed[j].OrderID
	})
	return claimed, nil
}

// Claim выполняет ручной захват одним условным UPDATE; если строка не подошла,
// текущее состояние ноты объясняет причину.
func (r *creditNoteRepository) Claim(ctx context.Context, orderID string, now, staleBefore time.Time) (domain.CreditNote, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	note, err := scanCreditNote(r.db.QueryRowContext(ctx, `
		UPDATE credit_notes
		SET attempts = CASE status
		        WHEN 'ERROR' THEN 0
		        WHEN 'PROCESSING' THEN attempts + 1
		        ELSE attempts
		    END,
		    status = 'PROCESSING',
		    updated_at = $2
		WHERE order_id = $1
		  AND (status IN ('PENDING', 'ERROR') OR (status = 'PROCESSING' AND updated_at < $3))
		RETURNING `+creditNoteColumns,
		orderID, now, nullTime(staleBefore),
	))
	if err == nil {
		return note, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.CreditNote{}, fmt.Errorf("claim credit note: %w", err)
	}

	current, err := r.GetByOrder(ctx, orderID)
	if err != nil {
		return domain.CreditNote{}, err
	}
	if current.Status == domain.CreditNoteStatusProcessing {
		return current, domain.ErrIssueInProgress
	}
	return current, nil
}

func (r *creditNoteRepository) Complete(ctx context.Context, note domain.CreditNote) error {
	return r.settle(ctx, note.OrderID, note.Attempts, `
		UPDATE credit_notes
		SET status = $3,
		    external_id = $4,
		    last_error = $5,
		    issued_at = $6,
		    updated_at = $7
		WHERE order_id = $1 AND status = 'PROCESSING' AND attempts = $2
	`, string(note.Status), note.ExternalID, note.LastError, nullTime(note.IssuedAt), note.UpdatedAt)
}

func (r *creditNoteRepository) Reschedule(ctx context.Context, orderID string, attempts int, reason string, at, now time.Time) error {
	return r.settle(ctx, orderID, attempts, `
		UPDATE credit_notes
		SET status = 'PENDING', last_error = $3, scheduled_at = $4, updated_at = $5
		WHERE order_id = $1 AND status = 'PROCESSING' AND attempts = $2
	`, reason, at, now)
}

func (r *creditNoteRepository) Fail(ctx context.Context, orderID string, attempts int, reason string, now time.Time) error {
	return r.settle(ctx, orderID, attempts, `
		UPDATE credit_notes
		SET status = 'ERROR', last_error = $3, updated_at = $4
		WHERE order_id = $1 AND status = 'PROCESSING' AND attempts = $2
	`, reason, now)
}

func (r *creditNoteRepository) settle(ctx context.Context, orderID string, attempts int, query string, args ...any) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, query, append([]any{orderID, attempts}, args...)...)
	if err != nil {
		return fmt.Errorf("update credit note of order %s: %w", orderID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected > 0 {
		return nil
	}
	var exists bool
	if err := r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM credit_notes WHERE order_id = $1)`, orderID).Scan(&exists); err != nil {
		return fmt.Errorf("check credit note of order %s: %w", orderID, err)
	}
	if !exists {
		return domain.ErrCreditNoteNotFound
	}
	return domain.ErrClaimLost
}

var _ domain.CreditNoteRepository = (*creditNoteRepository)(nil)
