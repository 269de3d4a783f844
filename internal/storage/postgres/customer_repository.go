package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/einvoice/internal/domain"
)

type customerRepository struct {
	db *sql.DB
}

// NewCustomerRepository создаёт PostgreSQL-реализацию CustomerRepository.
func NewCustomerRepository(store *Store) domain.CustomerRepository {
	return &customerRepository{db: store.DB()}
}

func (r *customerRepository) Upsert(ctx context.Context, c domain.Customer) (domain.Customer, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	err := r.db.QueryRowContext(ctx, `
		INSERT INTO customers (external_id, email, first_name, last_name, country, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (external_id) DO UPDATE
		SET email = EXCLUDED.email,
		    first_name = EXCLUDED.first_name,
		    last_name = EXCLUDED.last_name,
		    country = EXCLUDED.country,
		    updated_at = EXCLUDED.updated_at
		RETURNING created_at
	`, c.ExternalID, c.Email, c.FirstName, c.LastName, c.Country, c.CreatedAt, c.UpdatedAt).Scan(&c.CreatedAt)
	if err != nil {
		return domain.Customer{}, fmt.Errorf("upsert customer: %w", err)
	}
	c.CreatedAt = c.CreatedAt.UTC()
	return c, nil
}

func (r *customerRepository) EnsureExists(ctx context.Context, customerID string, now time.Time) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO customers (external_id, created_at, updated_at)
		VALUES ($1,$2,$2)
		ON CONFLICT (external_id) DO NOTHING
	`, customerID, now)
	if err != nil {
		return false, fmt.Errorf("ensure customer: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected == 1, nil
}

func (r *customerRepository) Get(ctx context.Context, customerID string) (domain.Customer, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var c domain.Customer
	err := r.db.QueryRowContext(ctx, `
		SELECT external_id, email, first_name, last_name, country, created_at, updated_at
		FROM customers
		WHERE external_id = $1
	`, customerID).Scan(&c.ExternalID, &c.Email, &c.FirstName, &c.LastName, &c.Country, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Customer{}, domain.ErrCustomerNotFound
		}
		return domain.Customer{}, fmt.Errorf("select customer: %w", err)
	}
	return c, nil
}

type billingProfileRepository struct {
	db *sql.DB
}

// NewBillingProfileRepository создаёт PostgreSQL-кэш платёжных профилей.
func NewBillingProfileRepository(store *Store) domain.BillingProfileRepository {
	return &billingProfileRepository{db: store.DB()}
}

func (r *billingProfileRepository) Upsert(ctx context.Context, p domain.BillingProfile) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO billing_profiles (
			customer_id, is_business, company_name, vat_number, fiscal_code, routing_code, pec,
			street, city, postal_code, province, address_country, country, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (customer_id) DO UPDATE
		SET is_business = EXCLUDED.is_business,
		    company_name = EXCLUDED.company_name,
		    vat_number = EXCLUDED.vat_number,
		    fiscal_code = EXCLUDED.fiscal_code,
		    routing_code = EXCLUDED.routing_code,
		    pec = EXCLUDED.pec,
		    street = EXCLUDED.street,
		    city = EXCLUDED.city,
		    postal_code = EXCLUDED.postal_code,
		    province = EXCLUDED.province,
		    address_country = EXCLUDED.address_country,
		    country = EXCLUDED.country,
		    updated_at = EXCLUDED.updated_at
	`,
		p.CustomerID, p.IsBusiness, p.CompanyName, p.VATNumber, p.FiscalCode, p.RoutingCode, p.PEC,
		p.Address.Street, p.Address.City, p.Address.PostalCode, p.Address.Province, p.Address.Country,
		p.Country, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert billing profile: %w", err)
	}
	return nil
}

func (r *billingProfileRepository) Get(ctx context.Context, customerID string) (domain.BillingProfile, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var p domain.BillingProfile
	err := r.db.QueryRowContext(ctx, `
		SELECT customer_id, is_business, company_name, vat_number, fiscal_code, routing_code, pec,
		       street, city, postal_code, province, address_country, country, updated_at
		FROM billing_profiles
		WHERE customer_id = $1
	`, customerID).Scan(
		&p.CustomerID, &p.IsBusiness, &p.CompanyName, &p.VATNumber, &p.FiscalCode, &p.RoutingCode, &p.PEC,
		&p.Address.Street, &p.Address.City, &p.Address.PostalCode, &p.Address.Province, &p.Address.Country,
		&p.Country, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.BillingProfile{}, domain.ErrProfileNotFound
		}
		return domain.BillingProfile{}, fmt.Errorf("select billing profile: %w", err)
	}
	return p, nil
}

var (
	_ domain.CustomerRepository       = (*customerRepository)(nil)
	_ domain.BillingProfileRepository = (*billingProfileRepository)(nil)
)
