package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/einvoice/internal/domain"
)

// TimelineRepository держит историю счёта по каждому заказу. События одного
// заказа упорядочены по времени; при равном времени сохраняется порядок записи.
type TimelineRepository struct {
	mu      sync.RWMutex
	byOrder map[string][]domain.TimelineEvent
	now     func() time.Time
}

func NewTimelineRepository() *TimelineRepository {
	return &TimelineRepository{
		byOrder: make(map[string][]domain.TimelineEvent),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Append записывает событие. Нулевое время заменяется текущим.
func (r *TimelineRepository) Append(_ context.Context, event domain.TimelineEvent) error {
	if err := event.Validate(); err != nil {
		return err
	}
	if event.Occurred.IsZero() {
		event.Occurred = r.now()
	}
	event.Occurred = event.Occurred.UTC()

	r.mu.Lock()
	defer r.mu.Unlock()
	history := r.byOrder[event.OrderID]
	at := sort.Search(len(history), func(i int) bool {
		return history[i].Occurred.After(event.Occurred)
	})
	history = append(history, domain.TimelineEvent{})
	copy(history[at+1:], history[at:])
	history[at] = event
	r.byOrder[event.OrderID] = history
	return nil
}

// List возвращает копию истории заказа; для неизвестного заказа пустой срез.
func (r *TimelineRepository) List(_ context.Context, orderID string) ([]domain.TimelineEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	history := r.byOrder[orderID]
	out := make([]domain.TimelineEvent, len(history))
	copy(out, history)
	return out, nil
}

var _ domain.TimelineRepository = (*TimelineRepository)(nil)
