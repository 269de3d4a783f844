package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vladislavdragonenkov/einvoice/internal/domain"
)

// InvoiceMetrics содержит метрики выставления счетов и очереди задач.
type InvoiceMetrics struct {
	// Результаты обращений к провайдеру
	invoicesIssued     prometheus.Counter
	creditNotesIssued  prometheus.Counter
	issueFailures      *prometheus.CounterVec
	clearinghouseCalls *prometheus.HistogramVec

	// Прогоны движка повторов
	jobsProcessed *prometheus.CounterVec
	retryRuns     prometheus.Counter
	runDuration   prometheus.Histogram
	jobsPurged    prometheus.Counter

	// Срез очереди
	queueJobs             *prometheus.GaugeVec
	queueOldestPendingAge prometheus.Gauge

	// Счётчики событий timeline и outbox
	timelineEvents prometheus.Counter
	outboxEvents   prometheus.Counter
}

// NewInvoiceMetrics регистрирует метрики в DefaultRegisterer.
func NewInvoiceMetrics() *InvoiceMetrics {
	return NewInvoiceMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewInvoiceMetricsWithRegisterer регистрирует метрики в переданном registerer.
// Повторная регистрация возвращает уже существующие коллекторы.
func NewInvoiceMetricsWithRegisterer(registerer prometheus.Registerer) *InvoiceMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &InvoiceMetrics{
		invoicesIssued: registerCounter(registerer, prometheus.CounterOpts{
			Name: "einv_invoices_issued_total",
			Help: "Total number of invoices accepted by the clearinghouse",
		}),
		creditNotesIssued: registerCounter(registerer, prometheus.CounterOpts{
			Name: "einv_credit_notes_issued_total",
			Help: "Total number of credit notes accepted by the clearinghouse",
		}),
		issueFailures: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "einv_issue_failures_total",
			Help: "Total number of failed issuance attempts grouped by document kind",
		}, []string{"kind"}),
		clearinghouseCalls: registerHistogramVec(registerer, prometheus.HistogramOpts{
			Name:    "einv_clearinghouse_call_duration_seconds",
			Help:    "Duration of clearinghouse calls in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"kind", "result"}),
		jobsProcessed: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "einv_jobs_processed_total",
			Help: "Total number of claimed invoice jobs grouped by outcome",
		}, []string{"outcome"}),
		retryRuns: registerCounter(registerer, prometheus.CounterOpts{
			Name: "einv_retry_runs_total",
			Help: "Total number of retry engine runs",
		}),
		runDuration: registerHistogram(registerer, prometheus.HistogramOpts{
			Name:    "einv_retry_run_duration_seconds",
			Help:    "Duration of retry engine runs in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		jobsPurged: registerCounter(registerer, prometheus.CounterOpts{
			Name: "einv_jobs_purged_total",
			Help: "Total number of terminal jobs purged by retention",
		}),
		queueJobs: registerGaugeVec(registerer, prometheus.GaugeOpts{
			Name: "einv_queue_jobs",
			Help: "Current number of invoice jobs grouped by status",
		}, []string{"status"}),
		queueOldestPendingAge: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "einv_queue_oldest_pending_age_seconds",
			Help: "Age in seconds of the oldest pending invoice job",
		}),
		timelineEvents: registerCounter(registerer, prometheus.CounterOpts{
			Name: "einv_timeline_events_total",
			Help: "Total number of timeline events recorded",
		}),
		outboxEvents: registerCounter(registerer, prometheus.CounterOpts{
			Name: "einv_outbox_events_total",
			Help: "Total number of outbox events enqueued",
		}),
	}
}

func register[T prometheus.Collector](registerer prometheus.Registerer, name string, collector T) T {
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(T)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", name))
			}
			return existing
		}
		panic(fmt.Sprintf("register collector %q: %v", name, err))
	}
	return collector
}

func registerCounter(registerer prometheus.Registerer, opts prometheus.CounterOpts) prometheus.Counter {
	return register[prometheus.Counter](registerer, opts.Name, prometheus.NewCounter(opts))
}

func registerCounterVec(registerer prometheus.Registerer, opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	return register(registerer, opts.Name, prometheus.NewCounterVec(opts, labels))
}

func registerGauge(registerer prometheus.Registerer, opts prometheus.GaugeOpts) prometheus.Gauge {
	return register[prometheus.Gauge](registerer, opts.Name, prometheus.NewGauge(opts))
}

func registerGaugeVec(registerer prometheus.Registerer, opts prometheus.GaugeOpts, labels []string) *prometheus.GaugeVec {
	return register(registerer, opts.Name, prometheus.NewGaugeVec(opts, labels))
}

func registerHistogram(registerer prometheus.Registerer, opts prometheus.HistogramOpts) prometheus.Histogram {
	return register[prometheus.Histogram](registerer, opts.Name, prometheus.NewHistogram(opts))
}

func registerHistogramVec(registerer prometheus.Registerer, opts prometheus.HistogramOpts, labels []string) *prometheus.HistogramVec {
	return register(registerer, opts.Name, prometheus.NewHistogramVec(opts, labels))
}

// RecordIssued учитывает принятый провайдером документ.
func (m *InvoiceMetrics) RecordIssued(kind domain.DocumentKind, duration time.Duration) {
	if kind == domain.DocumentKindCreditNote {
		m.creditNotesIssued.Inc()
	} else {
		m.invoicesIssued.Inc()
	}
	m.clearinghouseCalls.WithLabelValues(string(kind), "ok").Observe(duration.Seconds())
}

// RecordIssueFailure учитывает неудачный вызов провайдера.
func (m *InvoiceMetrics) RecordIssueFailure(kind domain.DocumentKind, duration time.Duration) {
	m.issueFailures.WithLabelValues(string(kind)).Inc()
	m.clearinghouseCalls.WithLabelValues(string(kind), "error").Observe(duration.Seconds())
}

// RecordJobOutcome учитывает итог обработки захваченной задачи.
func (m *InvoiceMetrics) RecordJobOutcome(outcome string) {
	m.jobsProcessed.WithLabelValues(outcome).Inc()
}

// RecordRun учитывает прогон движка повторов.
func (m *InvoiceMetrics) RecordRun(duration time.Duration, purged int) {
	m.retryRuns.Inc()
	m.runDuration.Observe(duration.Seconds())
	if purged > 0 {
		m.jobsPurged.Add(float64(purged))
	}
}

// ObserveQueue выставляет gauge'и очереди по срезу статистики.
func (m *InvoiceMetrics) ObserveQueue(stats domain.JobStats, now time.Time) {
	m.queueJobs.WithLabelValues(string(domain.JobStatusPending)).Set(float64(stats.Pending))
	m.queueJobs.WithLabelValues(string(domain.JobStatusProcessing)).Set(float64(stats.Processing))
	m.queueJobs.WithLabelValues(string(domain.JobStatusCompleted)).Set(float64(stats.Completed))
	m.queueJobs.WithLabelValues(string(domain.JobStatusFailed)).Set(float64(stats.Failed))

	age := 0.0
	if !stats.OldestPendingAt.IsZero() && now.After(stats.OldestPendingAt) {
		age = now.Sub(stats.OldestPendingAt).Seconds()
	}
	m.queueOldestPendingAge.Set(age)
}

// RecordTimelineEvent увеличивает счётчик событий timeline.
func (m *InvoiceMetrics) RecordTimelineEvent() {
	m.timelineEvents.Inc()
}

// RecordOutboxEvent увеличивает счётчик событий outbox.
func (m *InvoiceMetrics) RecordOutboxEvent() {
	m.outboxEvents.Inc()
}
