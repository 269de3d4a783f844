package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/vladislavdragonenkov/einvoice/internal/domain"
)

const orderColumns = `
	external_id, order_number, customer_id, billing_country, currency, total, created_at,
	has_vat_profile, invoice_status, last_error, invoice_id, invoice_date, cancel_reason,
	version, updated_at`

type orderRepository struct {
	db *sql.DB
}

// NewOrderRepository создаёт PostgreSQL-реализацию OrderRepository.
func NewOrderRepository(store *Store) domain.OrderRepository {
	return &orderRepository{db: store.DB()}
}

// rowScanner покрывает *sql.Row и *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (domain.Order, error) {
	var (
		order       domain.Order
		status      string
		invoiceDate sql.NullTime
	)
	if err := row.Scan(
		&order.ExternalID, &order.OrderNumber, &order.CustomerID, &order.BillingCountry,
		&order.Currency, &order.Total, &order.CreatedAt,
		&order.HasVATProfile, &status, &order.LastError, &order.InvoiceID, &invoiceDate,
		&order.CancelReason, &order.Version, &order.UpdatedAt,
	); err != nil {
		return domain.Order{}, err
	}
	order.InvoiceStatus = domain.InvoiceStatus(status)
	order.InvoiceDate = timeFromNull(invoiceDate)
	order.CreatedAt = order.CreatedAt.UTC()
	order.UpdatedAt = order.UpdatedAt.UTC()
	return order, nil
}

func (r *orderRepository) CreateIfAbsent(ctx context.Context, order domain.Order) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		ON CONFLICT (external_id) DO NOTHING
	`,
		order.ExternalID, order.OrderNumber, order.CustomerID, order.BillingCountry,
		order.Currency, order.Total, order.CreatedAt,
		order.HasVATProfile, string(order.InvoiceStatus), order.LastError, order.InvoiceID,
		nullTime(order.InvoiceDate), order.CancelReason, order.Version, order.UpdatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert order: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected == 1, nil
}

func (r *orderRepository) Get(ctx context.Context, id string) (domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	order, err := scanOrder(r.db.QueryRowContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE external_id = $1
	`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Order{}, domain.ErrOrderNotFound
		}
		return domain.Order{}, fmt.Errorf("select order: %w", err)
	}
	return order, nil
}

func (r *orderRepository) ListByCustomer(ctx context.Context, customerID string, limit int) ([]domain.Order, error) {
	return r.list(ctx, `WHERE customer_id = $1`, customerID, limit)
}

func (r *orderRepository) ListByStatus(ctx context.Context, status domain.InvoiceStatus, limit int) ([]domain.Order, error) {
	return r.list(ctx, `WHERE invoice_status = $1`, string(status), limit)
}

func (r *orderRepository) list(ctx context.Context, where string, arg any, limit int) ([]domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	query := `SELECT ` + orderColumns + ` FROM orders ` + where + ` ORDER BY created_at ASC, external_id ASC`

	var (
		rows *sql.Rows
		err  error
	)
	if limit > 0 {
		rows, err = r.db.QueryContext(ctx, query+" LIMIT $2", arg, limit)
	} else {
		rows, err = r.db.QueryContext(ctx, query, arg)
	}
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	orders := make([]domain.Order, 0)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order row: %w", err)
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate order rows: %w", err)
	}
	return orders, nil
}

func (r *orderRepository) Save(ctx context.Context, order domain.Order) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	return withTx(ctx, r.db, func(tx *sql.Tx) error {
		return saveOrderTx(ctx, tx, order)
	})
}

// saveOrderTx обновляет изменяемые поля заказа с проверкой версии.
func saveOrderTx(ctx context.Context, tx *sql.Tx, order domain.Order) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE orders
		SET has_vat_profile = $1,
		    invoice_status = $2,
		    last_error = $3,
		    invoice_id = $4,
		    invoice_date = $5,
		    cancel_reason = $6,
		    version = version + 1,
		    updated_at = $7
		WHERE external_id = $8
		  AND version = $9
	`,
		order.HasVATProfile,
		string(order.InvoiceStatus),
		order.LastError,
		order.InvoiceID,
		nullTime(order.InvoiceDate),
		order.CancelReason,
		order.UpdatedAt,
		order.ExternalID,
		order.Version,
	)
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		exists, err := orderExistsTx(ctx, tx, order.ExternalID)
		if err != nil {
			return err
		}
		if !exists {
			return domain.ErrOrderNotFound
		}
		return domain.ErrOrderVersionConflict
	}
	return nil
}

func orderExistsTx(ctx context.Context, tx *sql.Tx, orderID string) (bool, error) {
	var id string
	err := tx.QueryRowContext(ctx, `SELECT external_id FROM orders WHERE external_id = $1`, orderID).Scan(&id)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return false, fmt.Errorf("check order exists: %w", err)
}

var _ domain.OrderRepository = (*orderRepository)(nil)
