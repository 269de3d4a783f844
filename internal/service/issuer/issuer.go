// Package issuer выставляет счета и кредит-ноты через провайдера и фиксирует результат.
package issuer

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/einvoice/internal/domain"
	"github.com/vladislavdragonenkov/einvoice/internal/metrics"
	"github.com/vladislavdragonenkov/einvoice/internal/service/journal"
)

const (
	// DefaultTimeout ограничивает один вызов провайдера.
	DefaultTimeout = 30 * time.Second

	// claimMargin добавляется к таймауту вызова: захват старше timeout+claimMargin считается брошенным.
	claimMargin = time.Minute

	commitRetries   = 3
	commitBaseDelay = 10 * time.Millisecond
)

// ProfileSource возвращает актуальный профиль клиента или nil.
type ProfileSource interface {
	Resolve(ctx context.Context, customerID string) (*domain.BillingProfile, error)
}

// Deps — обязательные зависимости Issuer.
type Deps struct {
	Orders        domain.OrderRepository
	CreditNotes   domain.CreditNoteRepository
	Customers     domain.CustomerRepository
	Profiles      ProfileSource
	Clearinghouse domain.Clearinghouse
}

// Options задаёт необязательные параметры Issuer.
type Options struct {
	Logger   *log.Entry
	Timeout  time.Duration
	Recorder *journal.Recorder
	Metrics  *metrics.InvoiceMetrics
	Now      func() time.Time
}

// Option настраивает Issuer.
type Option func(*Options)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

// WithTimeout задаёт таймаут вызова провайдера.
func WithTimeout(timeout time.Duration) Option {
	return func(opts *Options) {
		opts.Timeout = timeout
	}
}

// WithRecorder задаёт журнал событий.
func WithRecorder(recorder *journal.Recorder) Option {
	return func(opts *Options) {
		opts.Recorder = recorder
	}
}

// WithMetrics задаёт метрики.
func WithMetrics(m *metrics.InvoiceMetrics) Option {
	return func(opts *Options) {
		opts.Metrics = m
	}
}

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option {
	return func(opts *Options) {
		opts.Now = now
	}
}

// Issuer выполняет обращение к провайдеру и фиксирует переход статуса.
type Issuer struct {
	deps        Deps
	homeCountry string
	logger      *log.Entry
	timeout     time.Duration
	recorder    *journal.Recorder
	metrics     *metrics.InvoiceMetrics
	now         func() time.Time
}

// New создаёт Issuer для домашней юрисдикции homeCountry.
func New(homeCountry string, deps Deps, options ...Option) *Issuer {
	opts := Options{Timeout: DefaultTimeout}
	for _, option := range options {
		option(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = log.WithField("component", "invoice-issuer")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Issuer{
		deps:        deps,
		homeCountry: domain.NormalizeCountry(homeCountry),
		logger:      opts.Logger,
		timeout:     opts.Timeout,
		recorder:    opts.Recorder,
		metrics:     opts.Metrics,
		now:         opts.Now,
	}
}

// HomeCountry возвращает домашнюю юрисдикцию.
func (i *Issuer) HomeCountry() string {
	return i.homeCountry
}

// StaleAfter — возраст захвата, после которого его держатель считается пропавшим.
// Живой держатель за это время гарантированно получил ответ провайдера или таймаут.
func (i *Issuer) StaleAfter() time.Duration {
	return i.timeout + claimMargin
}

// IssueInvoice выставляет счёт по PENDING-заказу. Ошибка провайдера возвращается
// без изменения состояния заказа; решение о повторе принимает вызывающий.
func (i *Issuer) IssueInvoice(ctx context.Context, order domain.Order) (domain.Order, error) {
	switch order.InvoiceStatus {
	case domain.InvoiceStatusPending:
	case domain.InvoiceStatusIssued:
		return order, domain.ErrInvoiceAlreadyIssued
	default:
		return order, fmt.Errorf("%w: order %s is %s", domain.ErrPrecondition, order.ExternalID, order.InvoiceStatus)
	}
	if !domain.SameCountry(order.BillingCountry, i.homeCountry) {
		return order, fmt.Errorf("%w: order %s is billed in %s", domain.ErrPrecondition, order.ExternalID, order.BillingCountry)
	}

	profile, err := i.deps.Profiles.Resolve(ctx, order.CustomerID)
	if err != nil {
		return order, fmt.Errorf("resolve profile: %w", err)
	}
	if !profile.Qualified() {
		return order, domain.ErrProfileNotQualified
	}
	customer := i.customer(ctx, order.CustomerID)

	doc := domain.NewInvoiceDocument(order, customer, *profile, i.now())
	receipt, err := i.call(ctx, doc, i.deps.Clearinghouse.IssueInvoice)
	if err != nil {
		return order, fmt.Errorf("issue invoice for order %s: %w", order.ExternalID, err)
	}

	return i.commitInvoice(ctx, order.ExternalID, receipt)
}

// commitInvoice сохраняет квитанцию. Заказ перечитывается на каждой попытке:
// за время вызова его могли отменить, тогда выставленный счёт сразу компенсируется нотой.
func (i *Issuer) commitInvoice(ctx context.Context, orderID string, receipt domain.Receipt) (domain.Order, error) {
	logger := i.logger.WithFields(log.Fields{
		"order_id":   orderID,
		"invoice_id": receipt.ExternalID,
	})

	var lastErr error
	for attempt := 0; attempt < commitRetries; attempt++ {
		order, err := i.deps.Orders.Get(ctx, orderID)
		if err != nil {
			logger.WithError(err).Error("invoice accepted but order reload failed")
			return domain.Order{}, fmt.Errorf("reload order after issuance: %w", err)
		}

		now := i.now()
		switch order.InvoiceStatus {
		case domain.InvoiceStatusCancelled:
			lastErr = i.compensateLateInvoice(ctx, &order, receipt, now)
			if lastErr == nil {
				return order, nil
			}
		case domain.InvoiceStatusIssued:
			logger.WithField("existing_invoice_id", order.InvoiceID).Warn("order already issued by a concurrent call")
			return order, nil
		default:
			if err := order.MarkIssued(receipt.ExternalID, receipt.IssuedAt, now); err != nil {
				logger.WithError(err).Error("invoice accepted but order cannot move to ISSUED")
				return order, err
			}
			lastErr = i.deps.Orders.Save(ctx, order)
			if lastErr == nil {
				order.Version++
				i.recorder.Publish(ctx, order, domain.EventInvoiceIssued, domain.TimelineInvoiceIssued, map[string]interface{}{
					"invoice_id": receipt.ExternalID,
					"issued_at":  receipt.IssuedAt.Format(time.RFC3339Nano),
				})
				logger.Info("invoice issued")
				return order, nil
			}
		}

		if !domain.IsVersionConflict(lastErr) {
			break
		}
		logger.WithField("attempt", attempt+1).Warn("version conflict detected, retrying")
		if !sleep(ctx, commitBaseDelay*time.Duration(1<<uint(attempt))) {
			break
		}
	}

	logger.WithError(lastErr).Error("invoice accepted but commit failed")
	return domain.Order{}, fmt.Errorf("commit issued invoice: %w", lastErr)
}

// compensateLateInvoice фиксирует счёт на уже отменённом заказе и создаёт к нему кредит-ноту.
func (i *Issuer) compensateLateInvoice(ctx context.Context, order *domain.Order, receipt domain.Receipt, now time.Time) error {
	order.InvoiceID = receipt.ExternalID
	order.InvoiceDate = receipt.IssuedAt
	order.UpdatedAt = now

	note := domain.NewCreditNote(*order, order.CancelReason, now)
	err := i.deps.CreditNotes.CreateWithCancellation(ctx, note, *order)
	if errors.Is(err, domain.ErrCreditNoteExists) {
		err = i.deps.Orders.Save(ctx, *order)
		if err == nil {
			order.Version++
		}
		return err
	}
	if err != nil {
		return err
	}
	order.Version++

	i.logger.WithFields(log.Fields{
		"order_id":   order.ExternalID,
		"invoice_id": receipt.ExternalID,
	}).Warn("invoice issued for cancelled order, credit note created")
	i.recorder.Publish(ctx, *order, domain.EventCreditNoteCreated, domain.TimelineCreditNoteCreated, map[string]interface{}{
		"credit_note_id": note.ID,
		"invoice_id":     receipt.ExternalID,
		"amount":         note.Amount.String(),
		"reason":         note.Reason,
	})
	return nil
}

// IssueCreditNote выставляет кредит-ноту по запросу оператора. Нота захватывается так же,
// как это делает движок; если ноты ещё нет, она создаётся уже захваченной.
// Неудача не расходует бюджет попыток: нота возвращается в очередь, а при
// неквалифицированном профиле уходит в ERROR.
func (i *Issuer) IssueCreditNote(ctx context.Context, orderID string) (domain.CreditNote, error) {
	order, err := i.deps.Orders.Get(ctx, orderID)
	if err != nil {
		return domain.CreditNote{}, err
	}
	invoiced := order.InvoiceStatus == domain.InvoiceStatusIssued ||
		(order.InvoiceStatus == domain.InvoiceStatusCancelled && order.Invoiced())
	if !invoiced {
		return domain.CreditNote{}, fmt.Errorf("%w: order %s has no issued invoice", domain.ErrPrecondition, orderID)
	}

	note, err := i.claimNote(ctx, order)
	if err != nil {
		return note, err
	}
	if note.Settled() {
		return note, nil
	}

	settled, err := i.SettleCreditNote(ctx, note)
	if err != nil {
		return i.releaseNote(ctx, note, err), err
	}
	return settled, nil
}

// SettleCreditNote выставляет захваченную ноту и фиксирует итог. Ошибка возвращается
// без изменения ноты в хранилище: что делать с захватом, решает вызывающий.
func (i *Issuer) SettleCreditNote(ctx context.Context, note domain.CreditNote) (domain.CreditNote, error) {
	order, err := i.deps.Orders.Get(ctx, note.OrderID)
	if err != nil {
		return note, fmt.Errorf("load order: %w", err)
	}
	profile, err := i.deps.Profiles.Resolve(ctx, order.CustomerID)
	if err != nil {
		return note, fmt.Errorf("resolve profile: %w", err)
	}

	jurisdiction := order.BillingCountry
	if profile != nil && profile.Country != "" {
		jurisdiction = profile.Country
	}
	if !domain.SameCountry(jurisdiction, i.homeCountry) {
		note.MarkForeign(i.now())
		if err := i.deps.CreditNotes.Complete(ctx, note); err != nil {
			return note, fmt.Errorf("commit foreign credit note: %w", err)
		}
		return note, nil
	}
	if !profile.Qualified() {
		return note, fmt.Errorf("%w: %w", domain.ErrPrecondition, domain.ErrProfileNotQualified)
	}

	customer := i.customer(ctx, order.CustomerID)
	doc := domain.NewCreditNoteDocument(order, note, customer, *profile, i.now())
	receipt, err := i.call(ctx, doc, i.deps.Clearinghouse.IssueCreditNote)
	if err != nil {
		return note, fmt.Errorf("issue credit note for order %s: %w", note.OrderID, err)
	}

	note.MarkIssued(receipt.ExternalID, receipt.IssuedAt, i.now())
	if err := i.deps.CreditNotes.Complete(ctx, note); err != nil {
		i.logger.WithError(err).WithFields(log.Fields{
			"order_id":       note.OrderID,
			"credit_note_id": receipt.ExternalID,
		}).Error("credit note accepted but commit failed")
		return note, fmt.Errorf("commit issued credit note: %w", err)
	}
	i.recorder.Publish(ctx, order, domain.EventCreditNoteIssued, domain.TimelineCreditNoteIssued, map[string]interface{}{
		"credit_note_id": note.ID,
		"external_id":    receipt.ExternalID,
		"reference":      order.InvoiceID,
	})
	i.logger.WithFields(log.Fields{
		"order_id":    note.OrderID,
		"external_id": receipt.ExternalID,
		"attempt":     note.Attempts,
	}).Info("credit note issued")
	return note, nil
}

// claimNote захватывает ноту заказа для ручного выставления.
func (i *Issuer) claimNote(ctx context.Context, order domain.Order) (domain.CreditNote, error) {
	now := i.now()
	staleBefore := now.Add(-i.StaleAfter())

	note, err := i.deps.CreditNotes.Claim(ctx, order.ExternalID, now, staleBefore)
	if !errors.Is(err, domain.ErrCreditNoteNotFound) {
		if errors.Is(err, domain.ErrIssueInProgress) {
			return note, fmt.Errorf("%w: credit note for order %s", err, order.ExternalID)
		}
		return note, err
	}

	reason := order.CancelReason
	if reason == "" {
		reason = "manual credit note"
	}
	fresh := domain.NewCreditNote(order, reason, now)
	fresh.Status = domain.CreditNoteStatusProcessing
	err = i.deps.CreditNotes.Create(ctx, fresh)
	switch {
	case err == nil:
		i.recorder.Publish(ctx, order, domain.EventCreditNoteCreated, domain.TimelineCreditNoteCreated, map[string]interface{}{
			"credit_note_id": fresh.ID,
			"amount":         fresh.Amount.String(),
			"reason":         fresh.Reason,
		})
		return fresh, nil
	case errors.Is(err, domain.ErrCreditNoteExists):
		// ноту создали параллельно
		return i.claimNote(ctx, order)
	default:
		return domain.CreditNote{}, fmt.Errorf("create credit note: %w", err)
	}
}

// releaseNote снимает захват после неудачного ручного выставления и возвращает
// ноту в том виде, в каком она осталась в хранилище.
func (i *Issuer) releaseNote(ctx context.Context, note domain.CreditNote, cause error) domain.CreditNote {
	now := i.now()
	reason := cause.Error()

	var err error
	if errors.Is(cause, domain.ErrProfileNotQualified) {
		err = i.deps.CreditNotes.Fail(ctx, note.OrderID, note.Attempts, reason, now)
		note.Status = domain.CreditNoteStatusError
	} else {
		err = i.deps.CreditNotes.Reschedule(ctx, note.OrderID, note.Attempts, reason, now, now)
		note.Status = domain.CreditNoteStatusPending
		note.ScheduledAt = now
	}
	note.LastError = reason
	note.UpdatedAt = now
	if err != nil {
		i.logger.WithError(err).WithField("order_id", note.OrderID).Error("release credit note failed")
	}
	return note
}

func (i *Issuer) customer(ctx context.Context, customerID string) domain.Customer {
	customer, err := i.deps.Customers.Get(ctx, customerID)
	if err != nil {
		if !errors.Is(err, domain.ErrCustomerNotFound) {
			i.logger.WithError(err).WithField("customer_id", customerID).Warn("load customer failed")
		}
		return domain.Customer{ExternalID: customerID}
	}
	return customer
}

func (i *Issuer) call(ctx context.Context, doc domain.InvoiceDocument, fn func(context.Context, domain.InvoiceDocument) (domain.Receipt, error)) (domain.Receipt, error) {
	callCtx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	start := time.Now()
	receipt, err := fn(callCtx, doc)
	if i.metrics != nil {
		if err != nil {
			i.metrics.RecordIssueFailure(doc.Kind, time.Since(start))
		} else {
			i.metrics.RecordIssued(doc.Kind, time.Since(start))
		}
	}
	return receipt, err
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
