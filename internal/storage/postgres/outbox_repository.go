package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/einvoice/internal/domain"
)

const (
	eventPending = "pending"
	eventSent    = "sent"
	eventFailed  = "failed"

	defaultEventBatch = 100
)

// eventOutbox хранит события жизненного цикла счёта (InvoiceIssued, CreditNoteIssued
// и т.п.) до публикации в Kafka. Агрегат события — заказ, payload — JSON.
type eventOutbox struct {
	db *sql.DB
}

func NewOutboxRepository(store *Store) domain.OutboxRepository {
	return &eventOutbox{db: store.DB()}
}

// Enqueue ставит событие в очередь публикации. Пустой тип агрегата означает заказ.
func (r *eventOutbox) Enqueue(ctx context.Context, msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.AggregateType == "" {
		msg.AggregateType = "order"
	}
	now := time.Now().UTC()

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if _, err := r.db.ExecContext(ctx, `
		INSERT INTO outbox_messages (
			id, aggregate_type, aggregate_id, event_type, payload,
			status, attempt_count, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $7)
	`, msg.ID, msg.AggregateType, msg.AggregateID, msg.EventType, msg.Payload, eventPending, now); err != nil {
		return domain.OutboxMessage{}, fmt.Errorf("enqueue %s for %s %s: %w", msg.EventType, msg.AggregateType, msg.AggregateID, err)
	}
	return msg, nil
}

// PullPending отдаёт самые старые неопубликованные события, чтобы события одного
// заказа уходили в том порядке, в каком были записаны.
func (r *eventOutbox) PullPending(ctx context.Context, limit int) ([]domain.OutboxMessage, error) {
	if limit <= 0 {
		limit = defaultEventBatch
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, aggregate_type, aggregate_id, event_type, payload
		FROM outbox_messages
		WHERE status = $1
		ORDER BY created_at, id
		LIMIT $2
	`, eventPending, limit)
	if err != nil {
		return nil, fmt.Errorf("pull pending events: %w", err)
	}
	defer rows.Close()

	events := make([]domain.OutboxMessage, 0, limit)
	for rows.Next() {
		var event domain.OutboxMessage
		if err := rows.Scan(&event.ID, &event.AggregateType, &event.AggregateID, &event.EventType, &event.Payload); err != nil {
			return nil, fmt.Errorf("scan pending event: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending events: %w", err)
	}
	return events, nil
}

// Stats — размер очереди публикации и возраст самого старого события в ней.
func (r *eventOutbox) Stats(ctx context.Context) (domain.OutboxStats, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var (
		stats  domain.OutboxStats
		oldest sql.NullTime
	)
	if err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*), MIN(created_at)
		FROM outbox_messages
		WHERE status = $1
	`, eventPending).Scan(&stats.PendingCount, &oldest); err != nil {
		return domain.OutboxStats{}, fmt.Errorf("event backlog stats: %w", err)
	}
	if oldest.Valid {
		stats.OldestPendingAt = oldest.Time.UTC()
	}
	return stats, nil
}

func (r *eventOutbox) MarkSent(ctx context.Context, id string) error {
	return r.settle(ctx, id, eventSent)
}

// MarkFailed снимает событие с публикации после ухода в DLQ.
func (r *eventOutbox) MarkFailed(ctx context.Context, id string) error {
	return r.settle(ctx, id, eventFailed)
}

func (r *eventOutbox) settle(ctx context.Context, id, status string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE outbox_messages
		SET status = $2, attempt_count = attempt_count + 1, updated_at = $3
		WHERE id = $1
	`, id, status, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("mark event %s %s: %w", id, status, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark event %s %s: %w", id, status, err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: event %s not found", domain.ErrOutboxPublish, id)
	}
	return nil
}

var _ domain.OutboxRepository = (*eventOutbox)(nil)
