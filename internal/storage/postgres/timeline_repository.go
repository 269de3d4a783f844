package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/einvoice/internal/domain"
)

// timelineRepository хранит историю счёта в timeline_events. Строка ссылается на
// заказ внешним ключом, поэтому событие для неизвестного заказа отклоняется базой.
type timelineRepository struct {
	db *sql.DB
}

func NewTimelineRepository(store *Store) domain.TimelineRepository {
	return &timelineRepository{db: store.DB()}
}

func (r *timelineRepository) Append(ctx context.Context, event domain.TimelineEvent) error {
	if err := event.Validate(); err != nil {
		return err
	}
	occurred := event.Occurred
	if occurred.IsZero() {
		occurred = time.Now()
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO timeline_events (order_id, type, reason, occurred)
		VALUES ($1, $2, $3, $4)
	`, event.OrderID, event.Type, event.Reason, occurred.UTC())
	switch {
	case isForeignKeyViolation(err):
		return fmt.Errorf("%w: %s", domain.ErrOrderNotFound, event.OrderID)
	case err != nil:
		return fmt.Errorf("append %s for order %s: %w", event.Type, event.OrderID, err)
	}
	return nil
}

// List отдаёт историю заказа по времени; при равном времени в порядке записи.
func (r *timelineRepository) List(ctx context.Context, orderID string) ([]domain.TimelineEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT type, reason, occurred
		FROM timeline_events
		WHERE order_id = $1
		ORDER BY occurred, id
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("list timeline of order %s: %w", orderID, err)
	}
	defer rows.Close()

	history := make([]domain.TimelineEvent, 0)
	for rows.Next() {
		event := domain.TimelineEvent{OrderID: orderID}
		if err := rows.Scan(&event.Type, &event.Reason, &event.Occurred); err != nil {
			return nil, fmt.Errorf("scan timeline event: %w", err)
		}
		event.Occurred = event.Occurred.UTC()
		history = append(history, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate timeline of order %s: %w", orderID, err)
	}
	return history, nil
}

var _ domain.TimelineRepository = (*timelineRepository)(nil)
