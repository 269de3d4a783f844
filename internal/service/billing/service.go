// Package billing обрабатывает события платформы и операции оператора над счетами.
package billing

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/einvoice/internal/domain"
	"github.com/vladislavdragonenkov/einvoice/internal/service/issuer"
	"github.com/vladislavdragonenkov/einvoice/internal/service/journal"
)

const (
	mutateRetries   = 3
	mutateBaseDelay = 10 * time.Millisecond
	defaultSyncPage = 100
)

// Deps — зависимости сервиса.
type Deps struct {
	Customers   domain.CustomerRepository
	Profiles    domain.BillingProfileRepository
	Orders      domain.OrderRepository
	CreditNotes domain.CreditNoteRepository
	Jobs        domain.InvoiceJobRepository
	Timeline    domain.TimelineRepository
	// Resolver возвращает профиль по политике обновления кэша.
	Resolver issuer.ProfileSource
	// Directory нужен только для ручной синхронизации; может быть nil.
	Directory domain.CustomerDirectory
	Issuer    *issuer.Issuer
}

// Options задаёт необязательные параметры сервиса.
type Options struct {
	Logger   *log.Entry
	Recorder *journal.Recorder
	Now      func() time.Time
}

// Option настраивает Service.
type Option func(*Options)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

// WithRecorder задаёт журнал событий.
func WithRecorder(recorder *journal.Recorder) Option {
	return func(opts *Options) {
		opts.Recorder = recorder
	}
}

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option {
	return func(opts *Options) {
		opts.Now = now
	}
}

// Service — точка входа для HTTP, Kafka и CLI.
type Service struct {
	deps        Deps
	homeCountry string
	logger      *log.Entry
	recorder    *journal.Recorder
	now         func() time.Time
}

// New создаёт сервис для домашней юрисдикции homeCountry.
func New(homeCountry string, deps Deps, options ...Option) *Service {
	var opts Options
	for _, option := range options {
		option(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = log.WithField("component", "billing")
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{
		deps:        deps,
		homeCountry: domain.NormalizeCountry(homeCountry),
		logger:      opts.Logger,
		recorder:    opts.Recorder,
		now:         opts.Now,
	}
}

// mutateOrder перечитывает заказ, применяет fn и сохраняет с повтором при конфликте версий.
// fn возвращает false, если сохранять нечего.
func (s *Service) mutateOrder(ctx context.Context, orderID string, fn func(order *domain.Order) (bool, error)) (domain.Order, bool, error) {
	var lastErr error
	for attempt := 0; attempt < mutateRetries; attempt++ {
		order, err := s.deps.Orders.Get(ctx, orderID)
		if err != nil {
			return domain.Order{}, false, err
		}
		changed, err := fn(&order)
		if err != nil || !changed {
			return order, false, err
		}
		lastErr = s.deps.Orders.Save(ctx, order)
		if lastErr == nil {
			order.Version++
			return order, true, nil
		}
		if !domain.IsVersionConflict(lastErr) {
			return order, false, lastErr
		}
		s.logger.WithFields(log.Fields{
			"order_id": orderID,
			"attempt":  attempt + 1,
		}).Warn("version conflict detected, retrying")
		if !sleep(ctx, mutateBaseDelay*time.Duration(1<<uint(attempt))) {
			break
		}
	}
	return domain.Order{}, false, lastErr
}

func (s *Service) enqueueJob(ctx context.Context, orderID string) (domain.InvoiceJob, error) {
	job, err := s.deps.Jobs.Enqueue(ctx, domain.NewIssueInvoiceJob(orderID, s.now()))
	if err != nil {
		return domain.InvoiceJob{}, err
	}
	s.recorder.Note(ctx, orderID, domain.TimelineJobEnqueued, "")
	s.logger.WithFields(log.Fields{
		"order_id": orderID,
		"job_id":   job.ID,
	}).Info("invoice job enqueued")
	return job, nil
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
