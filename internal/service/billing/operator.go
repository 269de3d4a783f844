package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/einvoice/internal/domain"
)

const defaultJobListLimit = 100

// OrderView — заказ вместе с задачами, кредит-нотой и таймлайном.
type OrderView struct {
	Order      domain.Order
	Jobs       []domain.InvoiceJob
	CreditNote *domain.CreditNote
	Timeline   []domain.TimelineEvent
}

// ResetReport — итог пакетного сброса ошибок.
type ResetReport struct {
	Orders   []string
	Jobs     int
	Enqueued int
}

// IssueInvoiceNow синхронно выставляет счёт по заказу. Перед вызовом провайдера
// захватывается задача заказа, поэтому ручной вызов и движок не выставляют счёт дважды;
// если задача уже в работе, возвращается ErrIssueInProgress. Ошибка провайдера
// возвращается как есть, задача снова ждёт движка. Неквалифицированный профиль
// переводит заказ и задачу в ERROR.
func (s *Service) IssueInvoiceNow(ctx context.Context, orderID string) (domain.Order, error) {
	order, err := s.deps.Orders.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if order.InvoiceStatus != domain.InvoiceStatusPending {
		return s.deps.Issuer.IssueInvoice(ctx, order)
	}

	job, created, err := s.deps.Jobs.ClaimOrder(ctx, orderID, s.now(), s.staleBefore())
	if err != nil {
		if errors.Is(err, domain.ErrIssueInProgress) {
			return order, fmt.Errorf("%w: order %s", err, orderID)
		}
		return order, fmt.Errorf("claim job: %w", err)
	}
	logger := s.logger.WithFields(log.Fields{
		"order_id": orderID,
		"job_id":   job.ID,
		"attempt":  job.Attempts,
	})

	issued, err := s.deps.Issuer.IssueInvoice(ctx, order)
	if err == nil || errors.Is(err, domain.ErrInvoiceAlreadyIssued) {
		if cerr := s.deps.Jobs.Complete(ctx, job.ID, job.Attempts, s.now()); cerr != nil {
			logger.WithError(cerr).Warn("complete job failed")
		}
		return issued, err
	}

	ctx = context.WithoutCancel(ctx)
	if errors.Is(err, domain.ErrProfileNotQualified) {
		if failed, ferr := s.failOrder(ctx, orderID, err.Error()); ferr == nil {
			order = failed
		} else {
			logger.WithError(ferr).Error("mark order failed")
		}
		if ferr := s.deps.Jobs.Fail(ctx, job.ID, job.Attempts, err.Error(), s.now()); ferr != nil {
			logger.WithError(ferr).Warn("fail job failed")
		}
		return order, err
	}
	s.releaseJob(ctx, job, created, err.Error())
	return order, err
}

// releaseJob отдаёт задачу после неудачного ручного выставления. Задача, созданная
// только ради ручного вызова, закрывается; очередная возвращается движку.
func (s *Service) releaseJob(ctx context.Context, job domain.InvoiceJob, created bool, reason string) {
	now := s.now()
	var err error
	if created {
		err = s.deps.Jobs.Fail(ctx, job.ID, job.Attempts, reason, now)
	} else {
		err = s.deps.Jobs.Reschedule(ctx, job.ID, job.Attempts, reason, now, now)
	}
	if err != nil {
		s.logger.WithError(err).WithFields(log.Fields{
			"order_id": job.OrderID,
			"job_id":   job.ID,
		}).Warn("release job failed")
	}
}

// staleBefore — граница, раньше которой захват задачи считается брошенным.
func (s *Service) staleBefore() time.Time {
	return s.now().Add(-s.deps.Issuer.StaleAfter())
}

// IssueCreditNote выставляет кредит-ноту к заказу.
func (s *Service) IssueCreditNote(ctx context.Context, orderID string) (domain.CreditNote, error) {
	return s.deps.Issuer.IssueCreditNote(ctx, orderID)
}

// RetryJob возвращает задачу в PENDING с нулём попыток. Заказ в ERROR сбрасывается в PENDING.
func (s *Service) RetryJob(ctx context.Context, jobID string) (domain.InvoiceJob, error) {
	job, err := s.deps.Jobs.Get(ctx, jobID)
	if err != nil {
		return domain.InvoiceJob{}, err
	}
	if job.Status == domain.JobStatusCompleted {
		return job, fmt.Errorf("%w: job %s is already completed", domain.ErrPrecondition, jobID)
	}

	reset, err := s.deps.Jobs.Reset(ctx, jobID, s.now(), s.staleBefore())
	if err != nil {
		if errors.Is(err, domain.ErrIssueInProgress) {
			return job, fmt.Errorf("%w: job %s", err, jobID)
		}
		return domain.InvoiceJob{}, err
	}
	job = reset
	if _, _, err := s.resetOrder(ctx, job.OrderID); err != nil && !errors.Is(err, domain.ErrOrderNotFound) {
		return job, err
	}
	s.logger.WithFields(log.Fields{
		"order_id": job.OrderID,
		"job_id":   job.ID,
		"attempt":  job.Attempts,
	}).Info("job reset by operator")
	return job, nil
}

// RetryOrder сбрасывает незавершённые задачи заказа. Задача, которую прямо сейчас
// обрабатывают, не трогается. Если задач в очереди нет, а заказ ждёт выставления,
// ставится новая.
func (s *Service) RetryOrder(ctx context.Context, orderID string) (int, error) {
	order, _, err := s.resetOrder(ctx, orderID)
	if err != nil {
		return 0, err
	}
	count, err := s.deps.Jobs.ResetByOrder(ctx, orderID, s.now(), s.staleBefore())
	if err != nil {
		return 0, fmt.Errorf("reset jobs: %w", err)
	}
	if count == 0 && order.InvoiceStatus == domain.InvoiceStatusPending && order.HasVATProfile {
		enqueued, err := s.enqueueIfIdle(ctx, orderID)
		if err != nil {
			return 0, fmt.Errorf("enqueue job: %w", err)
		}
		if enqueued {
			count = 1
		}
	}
	s.logger.WithFields(log.Fields{
		"order_id": orderID,
		"jobs":     count,
	}).Info("order jobs reset by operator")
	return count, nil
}

// ResetErrors возвращает каждый заказ из ERROR в PENDING и сбрасывает его задачи.
// Ошибка одного заказа не останавливает обработку остальных.
func (s *Service) ResetErrors(ctx context.Context) (ResetReport, error) {
	orders, err := s.deps.Orders.ListByStatus(ctx, domain.InvoiceStatusError, 0)
	if err != nil {
		return ResetReport{}, fmt.Errorf("list failed orders: %w", err)
	}

	var (
		report ResetReport
		errs   []error
	)
	for _, candidate := range orders {
		order, changed, err := s.resetOrder(ctx, candidate.ExternalID)
		if err != nil {
			errs = append(errs, fmt.Errorf("reset order %s: %w", candidate.ExternalID, err))
			continue
		}
		if !changed {
			continue
		}
		report.Orders = append(report.Orders, order.ExternalID)

		count, err := s.deps.Jobs.ResetByOrder(ctx, order.ExternalID, s.now(), s.staleBefore())
		if err != nil {
			errs = append(errs, fmt.Errorf("reset jobs of order %s: %w", order.ExternalID, err))
			continue
		}
		report.Jobs += count
		if count == 0 && order.HasVATProfile {
			enqueued, err := s.enqueueIfIdle(ctx, order.ExternalID)
			if err != nil {
				errs = append(errs, fmt.Errorf("enqueue job for order %s: %w", order.ExternalID, err))
				continue
			}
			if enqueued {
				report.Enqueued++
			}
		}
	}

	s.logger.WithFields(log.Fields{
		"orders":   len(report.Orders),
		"jobs":     report.Jobs,
		"enqueued": report.Enqueued,
	}).Info("error orders reset")
	return report, errors.Join(errs...)
}

// GetOrder собирает представление заказа для оператора.
func (s *Service) GetOrder(ctx context.Context, orderID string) (OrderView, error) {
	order, err := s.deps.Orders.Get(ctx, orderID)
	if err != nil {
		return OrderView{}, err
	}
	view := OrderView{Order: order}

	if view.Jobs, err = s.deps.Jobs.ListByOrder(ctx, orderID); err != nil {
		return OrderView{}, fmt.Errorf("list jobs: %w", err)
	}
	note, err := s.deps.CreditNotes.GetByOrder(ctx, orderID)
	switch {
	case err == nil:
		view.CreditNote = &note
	case !errors.Is(err, domain.ErrCreditNoteNotFound):
		return OrderView{}, fmt.Errorf("load credit note: %w", err)
	}
	if s.deps.Timeline != nil {
		if view.Timeline, err = s.deps.Timeline.List(ctx, orderID); err != nil {
			return OrderView{}, fmt.Errorf("list timeline: %w", err)
		}
	}
	return view, nil
}

// ListJobs возвращает задачи в статусе status; пустой статус означает все.
func (s *Service) ListJobs(ctx context.Context, status domain.JobStatus, limit int) ([]domain.InvoiceJob, error) {
	if status != "" && !status.Valid() {
		return nil, fmt.Errorf("%w: unknown job status %q", domain.ErrPrecondition, status)
	}
	if limit <= 0 {
		limit = defaultJobListLimit
	}
	return s.deps.Jobs.List(ctx, status, limit)
}

// QueueStats возвращает срез состояния очереди.
func (s *Service) QueueStats(ctx context.Context) (domain.JobStats, error) {
	return s.deps.Jobs.Stats(ctx)
}

// resetOrder переводит заказ из ERROR в PENDING; для других статусов ничего не делает.
func (s *Service) resetOrder(ctx context.Context, orderID string) (domain.Order, bool, error) {
	order, changed, err := s.mutateOrder(ctx, orderID, func(order *domain.Order) (bool, error) {
		if order.InvoiceStatus != domain.InvoiceStatusError {
			return false, nil
		}
		return true, order.ResetError(s.now())
	})
	if err != nil || !changed {
		return order, false, err
	}
	s.recorder.Note(ctx, orderID, domain.TimelineOperatorReset, "")
	return order, true, nil
}

func (s *Service) failOrder(ctx context.Context, orderID, reason string) (domain.Order, error) {
	order, changed, err := s.mutateOrder(ctx, orderID, func(order *domain.Order) (bool, error) {
		if order.InvoiceStatus != domain.InvoiceStatusPending {
			return false, nil
		}
		return true, order.MarkFailed(reason, s.now())
	})
	if err != nil || !changed {
		return order, err
	}
	s.recorder.Publish(ctx, order, domain.EventInvoiceFailed, domain.TimelineInvoiceFailed, map[string]interface{}{
		"reason": reason,
	})
	return order, nil
}

// enqueueIfIdle ставит задачу, только если у заказа нет ни ожидающей, ни обрабатываемой.
func (s *Service) enqueueIfIdle(ctx context.Context, orderID string) (bool, error) {
	jobs, err := s.deps.Jobs.ListByOrder(ctx, orderID)
	if err != nil {
		return false, err
	}
	for _, job := range jobs {
		if job.Outstanding() {
			return false, nil
		}
	}
	if _, err := s.enqueueJob(ctx, orderID); err != nil {
		return false, err
	}
	return true, nil
}
