package memory

import (
	"context"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/einvoice/internal/domain"
)

type customerRepositoryInMemory struct {
	mu    sync.RWMutex
	items map[string]domain.Customer
}

// NewCustomerRepository создаёт in-memory реализацию CustomerRepository.
func NewCustomerRepository() domain.CustomerRepository {
	return &customerRepositoryInMemory{items: make(map[string]domain.Customer)}
}

func (r *customerRepositoryInMemory) Upsert(_ context.Context, customer domain.Customer) (domain.Customer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.items[customer.ExternalID]; ok && !existing.CreatedAt.IsZero() {
		customer.CreatedAt = existing.CreatedAt
	}
	r.items[customer.ExternalID] = customer
	return customer, nil
}

func (r *customerRepositoryInMemory) EnsureExists(_ context.Context, customerID string, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.items[customerID]; ok {
		return false, nil
	}
	r.items[customerID] = domain.Customer{ExternalID: customerID, CreatedAt: now, UpdatedAt: now}
	return true, nil
}

func (r *customerRepositoryInMemory) Get(_ context.Context, customerID string) (domain.Customer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	customer, ok := r.items[customerID]
	if !ok {
		return domain.Customer{}, domain.ErrCustomerNotFound
	}
	return customer, nil
}

type profileRepositoryInMemory struct {
	mu    sync.RWMutex
	items map[string]domain.BillingProfile
}

// NewBillingProfileRepository создаёт in-memory кэш платёжных профилей.
func NewBillingProfileRepository() domain.BillingProfileRepository {
	return &profileRepositoryInMemory{items: make(map[string]domain.BillingProfile)}
}

func (r *profileRepositoryInMemory) Upsert(_ context.Context, profile domain.BillingProfile) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.items[profile.CustomerID] = profile
	return nil
}

func (r *profileRepositoryInMemory) Get(_ context.Context, customerID string) (domain.BillingProfile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	profile, ok := r.items[customerID]
	if !ok {
		return domain.BillingProfile{}, domain.ErrProfileNotFound
	}
	return profile, nil
}

var (
	_ domain.CustomerRepository       = (*customerRepositoryInMemory)(nil)
	_ domain.BillingProfileRepository = (*profileRepositoryInMemory)(nil)
)
