package clearinghouse

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/einvoice/internal/domain"
)

// Mock — конфигурируемая заглушка провайдера для тестов и локального запуска.
type Mock struct {
	mu sync.Mutex

	// InvoiceErr и CreditNoteErr возвращаются вместо квитанции, если заданы.
	InvoiceErr    error
	CreditNoteErr error
	// OnIssue вызывается перед ответом; позволяет задержать вызов или подменить ошибку.
	OnIssue func(ctx context.Context, doc domain.InvoiceDocument) error

	InvoiceCalls    int
	CreditNoteCalls int
	Documents       []domain.InvoiceDocument

	seq int
	now func() time.Time
}

// NewMock возвращает заглушку с успешным сценарием по умолчанию.
func NewMock() *Mock {
	return &Mock{now: time.Now}
}

func (m *Mock) IssueInvoice(ctx context.Context, doc domain.InvoiceDocument) (domain.Receipt, error) {
	return m.issue(ctx, doc, "INV")
}

func (m *Mock) IssueCreditNote(ctx context.Context, doc domain.InvoiceDocument) (domain.Receipt, error) {
	return m.issue(ctx, doc, "NC")
}

func (m *Mock) issue(ctx context.Context, doc domain.InvoiceDocument, prefix string) (domain.Receipt, error) {
	m.mu.Lock()
	hook := m.OnIssue
	if doc.Kind == domain.DocumentKindCreditNote {
		m.CreditNoteCalls++
	} else {
		m.InvoiceCalls++
	}
	m.Documents = append(m.Documents, doc)
	m.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, doc); err != nil {
			return domain.Receipt{}, err
		}
	}
	if err := ctx.Err(); err != nil {
		return domain.Receipt{}, fmt.Errorf("%w: %v", domain.ErrClearinghouseUnavailable, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	err := m.InvoiceErr
	if doc.Kind == domain.DocumentKindCreditNote {
		err = m.CreditNoteErr
	}
	if err != nil {
		return domain.Receipt{}, err
	}
	m.seq++
	return domain.Receipt{
		ExternalID: fmt.Sprintf("%s-%06d", prefix, m.seq),
		IssuedAt:   m.now().UTC(),
	}, nil
}

// SetInvoiceErr меняет ошибку счёта под блокировкой.
func (m *Mock) SetInvoiceErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.InvoiceErr = err
}

// Calls возвращает счётчики вызовов.
func (m *Mock) Calls() (invoices, creditNotes int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.InvoiceCalls, m.CreditNoteCalls
}

var _ domain.Clearinghouse = (*Mock)(nil)
