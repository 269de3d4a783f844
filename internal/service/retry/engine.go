// Package retry обрабатывает очередь задач выставления счетов пачками с ограниченным числом попыток.
package retry

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
	DefaultBatchSize       = 10
	DefaultMaxAttempts     = 3
	DefaultBackoff         = 5 * time.Minute
	DefaultRetention       = 7 * 24 * time.Hour
	DefaultCreditNoteBatch = 10

	saveRetries   = 3
	saveBaseDelay = 10 * time.Millisecond
)

// Итоги обработки одной задачи.
const (
	OutcomeCompleted   = "completed"
	OutcomeForeign     = "foreign"
	OutcomeSkipped     = "skipped"
	OutcomeRescheduled = "rescheduled"
	OutcomeFailed      = "failed"
)

// Issuer выставляет документы через провайдера.
type Issuer interface {
	IssueInvoice(ctx context.Context, order domain.Order) (domain.Order, error)
	// SettleCreditNote выставляет уже захваченную ноту.
	SettleCreditNote(ctx context.Context, note domain.CreditNote) (domain.CreditNote, error)
}

// Deps — зависимости движка.
type Deps struct {
	Orders      domain.OrderRepository
	Jobs        domain.InvoiceJobRepository
	CreditNotes domain.CreditNoteRepository
	Issuer      Issuer
}

// Options задаёт параметры движка.
type Options struct {
	Logger          *log.Entry
	Recorder        *journal.Recorder
	Metrics         *metrics.InvoiceMetrics
	BatchSize       int
	MaxAttempts     int
	Backoff         time.Duration
	Retention       time.Duration
	CreditNoteBatch int
	// StaleAfter — возраст захвата, после которого задачу или ноту можно перехватить; 0 отключает перехват.
	StaleAfter time.Duration
	Now        func() time.Time
}

// Option настраивает Engine.
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

// WithMetrics задаёт метрики очереди.
func WithMetrics(m *metrics.InvoiceMetrics) Option {
	return func(opts *Options) {
		opts.Metrics = m
	}
}

// WithBatchSize задаёт число задач, захватываемых за прогон.
func WithBatchSize(size int) Option {
	return func(opts *Options) {
		opts.BatchSize = size
	}
}

// WithMaxAttempts задаёт бюджет попыток на задачу.
func WithMaxAttempts(attempts int) Option {
	return func(opts *Options) {
		opts.MaxAttempts = attempts
	}
}

// WithBackoff задаёт фиксированную паузу перед повтором.
func WithBackoff(backoff time.Duration) Option {
	return func(opts *Options) {
		opts.Backoff = backoff
	}
}

// WithRetention задаёт срок хранения завершённых задач.
func WithRetention(retention time.Duration) Option {
	return func(opts *Options) {
		opts.Retention = retention
	}
}

// WithCreditNoteBatch задаёт число кредит-нот, выставляемых за прогон; 0 отключает шаг.
func WithCreditNoteBatch(size int) Option {
	return func(opts *Options) {
		opts.CreditNoteBatch = size
	}
}

// WithStaleAfter задаёт возраст, после которого захват считается брошенным.
// Значение должно превышать таймаут вызова провайдера.
func WithStaleAfter(d time.Duration) Option {
	return func(opts *Options) {
		opts.StaleAfter = d
	}
}

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option {
	return func(opts *Options) {
		opts.Now = now
	}
}

// RunReport — сводка одного прогона. Ошибки отдельных задач в неё не попадают, только счётчики.
type RunReport struct {
	Claimed                int           `json:"claimed"`
	Completed              int           `json:"completed"`
	Foreign                int           `json:"foreign"`
	Rescheduled            int           `json:"rescheduled"`
	Failed                 int           `json:"failed"`
	Released               int           `json:"released"`
	Purged                 int           `json:"purged"`
	CreditNotesClaimed     int           `json:"credit_notes_claimed"`
	CreditNotesIssued      int           `json:"credit_notes_issued"`
	CreditNotesRescheduled int           `json:"credit_notes_rescheduled"`
	CreditNotesFailed      int           `json:"credit_notes_failed"`
	Duration               time.Duration `json:"duration"`
}

// Engine — stateless обработчик очереди. Параллельные прогоны безопасны:
// задачу захватывает только один из них.
type Engine struct {
	deps            Deps
	homeCountry     string
	logger          *log.Entry
	recorder        *journal.Recorder
	metrics         *metrics.InvoiceMetrics
	batchSize       int
	maxAttempts     int
	backoff         time.Duration
	retention       time.Duration
	creditNoteBatch int
	staleAfter      time.Duration
	now             func() time.Time
}

// NewEngine создаёт движок для домашней юрисдикции homeCountry.
func NewEngine(homeCountry string, deps Deps, options ...Option) *Engine {
	opts := Options{
		BatchSize:       DefaultBatchSize,
		MaxAttempts:     DefaultMaxAttempts,
		Backoff:         DefaultBackoff,
		Retention:       DefaultRetention,
		CreditNoteBatch: DefaultCreditNoteBatch,
	}
	for _, option := range options {
		option(&opts)
	}

	if opts.Logger == nil {
		opts.Logger = log.WithField("component", "retry-engine")
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Backoff < 0 {
		opts.Backoff = 0
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.CreditNoteBatch < 0 {
		opts.CreditNoteBatch = 0
	}
	if opts.StaleAfter < 0 {
		opts.StaleAfter = 0
	}

	return &Engine{
		deps:            deps,
		homeCountry:     domain.NormalizeCountry(homeCountry),
		logger:          opts.Logger,
		recorder:        opts.Recorder,
		metrics:         opts.Metrics,
		batchSize:       opts.BatchSize,
		maxAttempts:     opts.MaxAttempts,
		backoff:         opts.Backoff,
		retention:       opts.Retention,
		creditNoteBatch: opts.CreditNoteBatch,
		staleAfter:      opts.StaleAfter,
		now:             opts.Now,
	}
}

// Run запускает ProcessOnce по таймеру до отмены ctx.
func (e *Engine) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		e.logger.Warn("retry engine loop is disabled: interval is not positive")
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.ProcessOnce(ctx)
		}
	}
}

// ProcessOnce захватывает пачку задач, обрабатывает их по одной, удаляет старые
// завершённые задачи и выставляет ожидающие кредит-ноты.
func (e *Engine) ProcessOnce(ctx context.Context) RunReport {
	started := time.Now()
	var report RunReport

	jobs, err := e.deps.Jobs.ClaimDue(ctx, e.claimParams(e.batchSize))
	if err != nil {
		e.logger.WithError(err).Error("claim jobs failed")
	}
	report.Claimed = len(jobs)

	for i, job := range jobs {
		if ctx.Err() != nil {
			report.Released += e.release(ctx, jobs[i:])
			break
		}
		switch e.processJob(ctx, job) {
		case OutcomeCompleted, OutcomeSkipped:
			report.Completed++
		case OutcomeForeign:
			report.Foreign++
		case OutcomeRescheduled:
			report.Rescheduled++
		case OutcomeFailed:
			report.Failed++
		}
	}

	if ctx.Err() == nil {
		report.Purged = e.purge(ctx)
		e.settleCreditNotes(ctx, &report)
	}

	report.Duration = time.Since(started)
	e.observe(ctx, report)

	e.logger.WithFields(log.Fields{
		"claimed":      report.Claimed,
		"completed":    report.Completed,
		"foreign":      report.Foreign,
		"rescheduled":  report.Rescheduled,
		"failed":       report.Failed,
		"purged":       report.Purged,
		"credit_notes": report.CreditNotesIssued,
		"notes_failed": report.CreditNotesFailed,
		"duration_ms":  report.Duration.Milliseconds(),
	}).Info("retry run finished")
	return report
}

// processJob применяет правила к одной задаче. Паника одной задачи считается её ошибкой.
func (e *Engine) processJob(ctx context.Context, job domain.InvoiceJob) (outcome string) {
	logger := e.jobLogger(job)
	defer func() {
		if r := recover(); r != nil {
			logger.WithField("panic", r).Error("job processing panicked")
			outcome = e.handleFailure(ctx, job, fmt.Sprintf("panic: %v", r))
		}
		if e.metrics != nil {
			e.metrics.RecordJobOutcome(outcome)
		}
	}()

	order, err := e.deps.Orders.Get(ctx, job.OrderID)
	if errors.Is(err, domain.ErrOrderNotFound) {
		return e.fail(ctx, job, "order not found")
	}
	if err != nil {
		return e.handleFailure(ctx, job, fmt.Sprintf("load order: %v", err))
	}

	switch order.InvoiceStatus {
	case domain.InvoiceStatusPending:
	case domain.InvoiceStatusIssued:
		return e.complete(ctx, job, OutcomeCompleted)
	default:
		logger.WithField("invoice_status", order.InvoiceStatus).Info("order no longer needs an invoice")
		return e.complete(ctx, job, OutcomeSkipped)
	}

	if !domain.SameCountry(order.BillingCountry, e.homeCountry) {
		if err := e.markForeign(ctx, order.ExternalID); err != nil {
			return e.handleFailure(ctx, job, fmt.Sprintf("reclassify foreign order: %v", err))
		}
		return e.complete(ctx, job, OutcomeForeign)
	}

	_, err = e.deps.Issuer.IssueInvoice(ctx, order)
	switch {
	case err == nil, errors.Is(err, domain.ErrInvoiceAlreadyIssued):
		return e.complete(ctx, job, OutcomeCompleted)
	default:
		return e.handleFailure(ctx, job, err.Error())
	}
}

// handleFailure переносит задачу на Backoff или, на последней попытке, завершает её
// с переводом заказа в ERROR.
func (e *Engine) handleFailure(ctx context.Context, job domain.InvoiceJob, reason string) string {
	logger := e.jobLogger(job).WithField("reason", reason)
	if job.Attempts >= e.maxAttempts {
		outcome := e.fail(ctx, job, reason)
		if err := e.failOrder(ctx, job.OrderID, reason); err != nil {
			logger.WithError(err).Error("mark order failed")
		}
		return outcome
	}

	now := e.now()
	at := now.Add(e.backoff)
	if err := e.deps.Jobs.Reschedule(ctx, job.ID, job.Attempts, reason, at, now); err != nil {
		logger.WithError(err).Error("reschedule job failed")
		return OutcomeRescheduled
	}
	e.recorder.Note(ctx, job.OrderID, domain.TimelineAttemptFailed, reason)
	logger.WithField("scheduled_at", at).Warn("invoice attempt failed, job rescheduled")
	return OutcomeRescheduled
}

func (e *Engine) complete(ctx context.Context, job domain.InvoiceJob, outcome string) string {
	if err := e.deps.Jobs.Complete(ctx, job.ID, job.Attempts, e.now()); err != nil {
		e.jobLogger(job).WithError(err).Error("complete job failed")
	}
	return outcome
}

func (e *Engine) fail(ctx context.Context, job domain.InvoiceJob, reason string) string {
	if err := e.deps.Jobs.Fail(ctx, job.ID, job.Attempts, reason, e.now()); err != nil {
		e.jobLogger(job).WithError(err).Error("fail job failed")
	}
	e.jobLogger(job).WithField("reason", reason).Error("invoice job failed permanently")
	return OutcomeFailed
}

// failOrder переводит PENDING-заказ в ERROR и публикует InvoiceFailed.
func (e *Engine) failOrder(ctx context.Context, orderID, reason string) error {
	order, changed, err := e.mutateOrder(ctx, orderID, func(order *domain.Order) (bool, error) {
		if order.InvoiceStatus != domain.InvoiceStatusPending {
			return false, nil
		}
		return true, order.MarkFailed(reason, e.now())
	})
	if err != nil || !changed {
		return err
	}
	e.recorder.Publish(ctx, order, domain.EventInvoiceFailed, domain.TimelineInvoiceFailed, map[string]interface{}{
		"reason": reason,
	})
	return nil
}

func (e *Engine) markForeign(ctx context.Context, orderID string) error {
	_, changed, err := e.mutateOrder(ctx, orderID, func(order *domain.Order) (bool, error) {
		if order.InvoiceStatus != domain.InvoiceStatusPending {
			return false, nil
		}
		return true, order.MarkForeign(e.now())
	})
	if err == nil && changed {
		e.recorder.Note(ctx, orderID, domain.TimelineReclassified, string(domain.InvoiceStatusForeign))
	}
	return err
}

func (e *Engine) mutateOrder(ctx context.Context, orderID string, fn func(order *domain.Order) (bool, error)) (domain.Order, bool, error) {
	var lastErr error
	for attempt := 0; attempt < saveRetries; attempt++ {
		order, err := e.deps.Orders.Get(ctx, orderID)
		if err != nil {
			return domain.Order{}, false, err
		}
		changed, err := fn(&order)
		if err != nil || !changed {
			return order, false, err
		}
		lastErr = e.deps.Orders.Save(ctx, order)
		if lastErr == nil {
			order.Version++
			return order, true, nil
		}
		if !domain.IsVersionConflict(lastErr) {
			return order, false, lastErr
		}
		select {
		case <-ctx.Done():
			return order, false, ctx.Err()
		case <-time.After(saveBaseDelay * time.Duration(1<<uint(attempt))):
		}
	}
	return domain.Order{}, false, lastErr
}

// release возвращает захваченные, но не обработанные задачи в очередь без паузы.
// Попытка, израсходованная захватом, не возвращается.
func (e *Engine) release(ctx context.Context, jobs []domain.InvoiceJob) int {
	ctx = context.WithoutCancel(ctx)
	now := e.now()
	released := 0
	for _, job := range jobs {
		if err := e.deps.Jobs.Reschedule(ctx, job.ID, job.Attempts, "run cancelled", now, now); err != nil {
			e.jobLogger(job).WithError(err).Error("release job failed")
			continue
		}
		released++
	}
	if released > 0 {
		e.logger.WithField("jobs", released).Warn("run cancelled, claimed jobs released")
	}
	return released
}

func (e *Engine) purge(ctx context.Context) int {
	purged, err := e.deps.Jobs.PurgeTerminal(ctx, e.now().Add(-e.retention))
	if err != nil {
		e.logger.WithError(err).Warn("purge terminal jobs failed")
		return 0
	}
	return purged
}

// settleCreditNotes захватывает готовые кредит-ноты и выставляет их по тем же правилам,
// что и счета: фиксированная пауза между попытками, по исчерпании бюджета ERROR.
func (e *Engine) settleCreditNotes(ctx context.Context, report *RunReport) {
	if e.deps.CreditNotes == nil || e.creditNoteBatch == 0 {
		return
	}
	notes, err := e.deps.CreditNotes.ClaimDue(ctx, e.claimParams(e.creditNoteBatch))
	if err != nil {
		e.logger.WithError(err).Warn("claim credit notes failed")
		return
	}
	report.CreditNotesClaimed = len(notes)

	for i, note := range notes {
		if ctx.Err() != nil {
			report.Released += e.releaseNotes(ctx, notes[i:])
			return
		}
		switch e.settleCreditNote(ctx, note) {
		case OutcomeCompleted, OutcomeForeign:
			report.CreditNotesIssued++
		case OutcomeRescheduled:
			report.CreditNotesRescheduled++
		case OutcomeFailed:
			report.CreditNotesFailed++
		}
	}
}

func (e *Engine) settleCreditNote(ctx context.Context, note domain.CreditNote) (outcome string) {
	logger := e.noteLogger(note)
	defer func() {
		if r := recover(); r != nil {
			logger.WithField("panic", r).Error("credit note processing panicked")
			outcome = e.handleNoteFailure(ctx, note, fmt.Errorf("panic: %v", r))
		}
	}()

	settled, err := e.deps.Issuer.SettleCreditNote(ctx, note)
	if err != nil {
		return e.handleNoteFailure(ctx, note, err)
	}
	logger.WithField("status", settled.Status).Info("credit note settled")
	if settled.Status == domain.CreditNoteStatusForeign {
		return OutcomeForeign
	}
	return OutcomeCompleted
}

// handleNoteFailure переносит ноту на Backoff. Неквалифицированный профиль и
// последняя попытка переводят её в ERROR.
func (e *Engine) handleNoteFailure(ctx context.Context, note domain.CreditNote, cause error) string {
	logger := e.noteLogger(note).WithField("reason", cause.Error())
	now := e.now()

	if errors.Is(cause, domain.ErrProfileNotQualified) || note.Attempts >= e.maxAttempts {
		if err := e.deps.CreditNotes.Fail(ctx, note.OrderID, note.Attempts, cause.Error(), now); err != nil {
			logger.WithError(err).Error("fail credit note failed")
			return OutcomeRescheduled
		}
		e.recorder.Note(ctx, note.OrderID, domain.TimelineAttemptFailed, cause.Error())
		logger.Error("credit note failed permanently")
		return OutcomeFailed
	}

	at := now.Add(e.backoff)
	if err := e.deps.CreditNotes.Reschedule(ctx, note.OrderID, note.Attempts, cause.Error(), at, now); err != nil {
		logger.WithError(err).Error("reschedule credit note failed")
		return OutcomeRescheduled
	}
	logger.WithField("scheduled_at", at).Warn("credit note attempt failed, rescheduled")
	return OutcomeRescheduled
}

// releaseNotes возвращает захваченные, но не обработанные ноты в очередь.
func (e *Engine) releaseNotes(ctx context.Context, notes []domain.CreditNote) int {
	ctx = context.WithoutCancel(ctx)
	now := e.now()
	released := 0
	for _, note := range notes {
		if err := e.deps.CreditNotes.Reschedule(ctx, note.OrderID, note.Attempts, "run cancelled", now, now); err != nil {
			e.noteLogger(note).WithError(err).Error("release credit note failed")
			continue
		}
		released++
	}
	return released
}

func (e *Engine) claimParams(limit int) domain.ClaimParams {
	now := e.now()
	params := domain.ClaimParams{
		Now:         now,
		Limit:       limit,
		MaxAttempts: e.maxAttempts,
	}
	if e.staleAfter > 0 {
		params.StaleBefore = now.Add(-e.staleAfter)
	}
	return params
}

func (e *Engine) observe(ctx context.Context, report RunReport) {
	if e.metrics == nil {
		return
	}
	e.metrics.RecordRun(report.Duration, report.Purged)
	stats, err := e.deps.Jobs.Stats(context.WithoutCancel(ctx))
	if err != nil {
		e.logger.WithError(err).Warn("queue stats failed")
		return
	}
	e.metrics.ObserveQueue(stats, e.now())
}

func (e *Engine) jobLogger(job domain.InvoiceJob) *log.Entry {
	return e.logger.WithFields(log.Fields{
		"order_id": job.OrderID,
		"job_id":   job.ID,
		"attempt":  job.Attempts,
	})
}

func (e *Engine) noteLogger(note domain.CreditNote) *log.Entry {
	return e.logger.WithFields(log.Fields{
		"order_id":       note.OrderID,
		"credit_note_id": note.ID,
		"attempt":        note.Attempts,
	})
}
