package memory

import (
	"context"
	"sort"
	"time"

	"github.com/vladislavdragonenkov/einvoice/internal/domain"
)

// creditNoteRepositoryInMemory делит ledger с репозиторием заказов.
type creditNoteRepositoryInMemory struct {
	*ledger
}

// CreateWithCancellation сохраняет ноту и отменённый заказ под одной блокировкой.
func (r *creditNoteRepositoryInMemory) CreateWithCancellation(_ context.Context, note domain.CreditNote, order domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.notes[note.OrderID]; exists {
		return domain.ErrCreditNoteExists
	}
	if err := r.saveLocked(order); err != nil {
		return err
	}
	r.notes[note.OrderID] = note
	return nil
}

func (r *creditNoteRepositoryInMemory) Create(_ context.Context, note domain.CreditNote) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.notes[note.OrderID]; exists {
		return domain.ErrCreditNoteExists
	}
	r.notes[note.OrderID] = note
	return nil
}

func (r *creditNoteRepositoryInMemory) GetByOrder(_ context.Context, orderID string) (domain.CreditNote, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	note, ok := r.notes[orderID]
	if !ok {
		return domain.CreditNote{}, domain.ErrCreditNoteNotFound
	}
	return note, nil
}

// ClaimDue захватывает готовые ноты под блокировкой ledger, самые ранние первыми.
func (r *creditNoteRepositoryInMemory) ClaimDue(_ context.Context, params domain.ClaimParams) ([]domain.CreditNote, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	due := make([]domain.CreditNote, 0)
	for _, note := range r.notes {
		if note.Due(params) {
			due = append(due, note)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].ScheduledAt.Equal(due[j].ScheduledAt) {
			return due[i].ScheduledAt.Before(due[j].ScheduledAt)
		}
		return due[i].OrderID < due[j].OrderID
	})
	if params.Limit > 0 && len(due) > params.Limit {
		due = due[:params.Limit]
	}

	for i := range due {
		due[i].Status = domain.CreditNoteStatusProcessing
		due[i].Attempts++
		due[i].UpdatedAt = params.Now
		r.notes[due[i].OrderID] = due[i]
	}
	return due, nil
}

func (r *creditNoteRepositoryInMemory) Claim(_ context.Context, orderID string, now, staleBefore time.Time) (domain.CreditNote, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	note, ok := r.notes[orderID]
	if !ok {
		return domain.CreditNote{}, domain.ErrCreditNoteNotFound
	}
	switch note.Status {
	case domain.CreditNoteStatusIssued, domain.CreditNoteStatusForeign:
		return note, nil
	case domain.CreditNoteStatusProcessing:
		if !domain.Stale(note.UpdatedAt, staleBefore) {
			return note, domain.ErrIssueInProgress
		}
		note.Attempts++
	case domain.CreditNoteStatusError:
		note.Attempts = 0
	}
	note.Status = domain.CreditNoteStatusProcessing
	note.UpdatedAt = now
	r.notes[orderID] = note
	return note, nil
}

func (r *creditNoteRepositoryInMemory) Complete(_ context.Context, note domain.CreditNote) error {
	return r.settle(note.OrderID, note.Attempts, func(stored *domain.CreditNote) {
		stored.Status = note.Status
		stored.ExternalID = note.ExternalID
		stored.LastError = note.LastError
		stored.IssuedAt = note.IssuedAt
		stored.UpdatedAt = note.UpdatedAt
	})
}

func (r *creditNoteRepositoryInMemory) Reschedule(_ context.Context, orderID string, attempts int, reason string, at, now time.Time) error {
	return r.settle(orderID, attempts, func(note *domain.CreditNote) {
		note.Status = domain.CreditNoteStatusPending
		note.LastError = reason
		note.ScheduledAt = at
		note.UpdatedAt = now
	})
}

func (r *creditNoteRepositoryInMemory) Fail(_ context.Context, orderID string, attempts int, reason string, now time.Time) error {
	return r.settle(orderID, attempts, func(note *domain.CreditNote) {
		note.Status = domain.CreditNoteStatusError
		note.LastError = reason
		note.UpdatedAt = now
	})
}

// settle применяет mutate, только пока нота захвачена вызывающим.
func (r *creditNoteRepositoryInMemory) settle(orderID string, attempts int, mutate func(*domain.CreditNote)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	note, ok := r.notes[orderID]
	if !ok {
		return domain.ErrCreditNoteNotFound
	}
	if note.Status != domain.CreditNoteStatusProcessing || note.Attempts != attempts {
		return domain.ErrClaimLost
	}
	mutate(&note)
	r.notes[orderID] = note
	return nil
}

var _ domain.CreditNoteRepository = (*creditNoteRepositoryInMemory)(nil)
