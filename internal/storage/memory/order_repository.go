package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/vladislavdragonenkov/einvoice/internal/domain"
)

// ledger хранит заказы и кредит-ноты под одной блокировкой,
// чтобы «создать ноту + отменить заказ» выполнялось атомарно.
type ledger struct {
	mu     sync.RWMutex
	orders map[string]domain.Order
	notes  map[string]domain.CreditNote
}

func newLedger() *ledger {
	return &ledger{
		orders: make(map[string]domain.Order),
		notes:  make(map[string]domain.CreditNote),
	}
}

// orderRepositoryInMemory — простая in-memory реализация OrderRepository.
type orderRepositoryInMemory struct {
	*ledger
}

// NewOrderRepository возвращает in-memory репозиторий для локальной разработки и тестов.
func NewOrderRepository() domain.OrderRepository {
	return &orderRepositoryInMemory{ledger: newLedger()}
}

// NewOrderRepositories возвращает репозитории заказов и кредит-нот с общим хранилищем.
func NewOrderRepositories() (domain.OrderRepository, domain.CreditNoteRepository) {
	l := newLedger()
	return &orderRepositoryInMemory{ledger: l}, &creditNoteRepositoryInMemory{ledger: l}
}

// CreateIfAbsent сохраняет заказ, если ID ещё не занят.
func (r *orderRepositoryInMemory) CreateIfAbsent(_ context.Context, order domain.Order) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.orders[order.ExternalID]; exists {
		return false, nil
	}
	r.orders[order.ExternalID] = order
	return true, nil
}

// Get возвращает заказ или ErrOrderNotFound, если его нет.
func (r *orderRepositoryInMemory) Get(_ context.Context, id string) (domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	order, ok := r.orders[id]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return order, nil
}

// ListByCustomer возвращает заказы клиента, ограничивая выборку limit (если >0).
func (r *orderRepositoryInMemory) ListByCustomer(_ context.Context, customerID string, limit int) ([]domain.Order, error) {
	return r.list(limit, func(o domain.Order) bool { return o.CustomerID == customerID }), nil
}

// ListByStatus возвращает заказы в статусе status, старые первыми.
func (r *orderRepositoryInMemory) ListByStatus(_ context.Context, status domain.InvoiceStatus, limit int) ([]domain.Order, error) {
	return r.list(limit, func(o domain.Order) bool { return o.InvoiceStatus == status }), nil
}

func (r *orderRepositoryInMemory) list(limit int, match func(domain.Order) bool) []domain.Order {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.Order, 0)
	for _, order := range r.orders {
		if match(order) {
			result = append(result, order)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ExternalID < result[j].ExternalID
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}

// Save перезаписывает заказ, проверяя версию (optimistic locking).
func (r *orderRepositoryInMemory) Save(_ context.Context, order domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.saveLocked(order)
}

func (l *ledger) saveLocked(order domain.Order) error {
	current, ok := l.orders[order.ExternalID]
	if !ok {
		return domain.ErrOrderNotFound
	}
	if current.Version != order.Version {
		return domain.ErrOrderVersionConflict
	}
	order.Version++
	l.orders[order.ExternalID] = order
	return nil
}

var _ domain.OrderRepository = (*orderRepositoryInMemory)(nil)
