package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// WorkerMetrics — метрики фоновых воркеров: публикации outbox и очистки ключей идемпотентности.
// Методы допускают nil-получатель.
type WorkerMetrics struct {
	outboxPublishAttempts  *prometheus.CounterVec
	outboxPendingRecords   prometheus.Gauge
	outboxOldestPendingAge prometheus.Gauge

	idempotencyCleanupRuns        *prometheus.CounterVec
	idempotencyCleanupDeleted     prometheus.Counter
	idempotencyCleanupLastDeleted prometheus.Gauge
}

// NewWorkerMetricsWithRegisterer регистрирует метрики воркеров.
func NewWorkerMetricsWithRegisterer(registerer prometheus.Registerer) *WorkerMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &WorkerMetrics{
		outboxPublishAttempts: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "einv_outbox_publish_attempts_total",
			Help: "Total number of outbox publish attempts grouped by result.",
		}, []string{"result"}),
		outboxPendingRecords: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "einv_outbox_pending_records",
			Help: "Current number of unpublished invoice events in the outbox.",
		}),
		outboxOldestPendingAge: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "einv_outbox_oldest_pending_age_seconds",
			Help: "Age in seconds of the oldest pending outbox record.",
		}),
		idempotencyCleanupRuns: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "einv_idempotency_cleanup_runs_total",
			Help: "Total number of idempotency cleanup runs grouped by result.",
		}, []string{"result"}),
		idempotencyCleanupDeleted: registerCounter(registerer, prometheus.CounterOpts{
			Name: "einv_idempotency_cleanup_deleted_total",
			Help: "Total number of deleted expired idempotency records.",
		}),
		idempotencyCleanupLastDeleted: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "einv_idempotency_cleanup_last_deleted",
			Help: "Number of deleted records during the last cleanup run.",
		}),
	}
}

// RecordOutboxPublish учитывает попытку публикации: sent, retry_error, failed, dlq_failed.
func (m *WorkerMetrics) RecordOutboxPublish(result string) {
	if m == nil {
		return
	}
	m.outboxPublishAttempts.WithLabelValues(result).Inc()
}

// ObserveOutboxBacklog выставляет размер и возраст backlog.
func (m *WorkerMetrics) ObserveOutboxBacklog(pending int, oldest time.Time, now time.Time) {
	if m == nil {
		return
	}
	m.outboxPendingRecords.Set(float64(pending))
	if pending == 0 || oldest.IsZero() {
		m.outboxOldestPendingAge.Set(0)
		return
	}
	age := now.Sub(oldest).Seconds()
	if age < 0 {
		age = 0
	}
	m.outboxOldestPendingAge.Set(age)
}

// RecordIdempotencyCleanup учитывает прогон очистки.
func (m *WorkerMetrics) RecordIdempotencyCleanup(result string, deleted int) {
	if m == nil {
		return
	}
	m.idempotencyCleanupRuns.WithLabelValues(result).Inc()
	if result == "ok" {
		m.idempotencyCleanupLastDeleted.Set(float64(deleted))
	}
}

// AddIdempotencyDeleted увеличивает счётчик удалённых ключей.
func (m *WorkerMetrics) AddIdempotencyDeleted(deleted int) {
	if m == nil || deleted <= 0 {
		return
	}
	m.idempotencyCleanupDeleted.Add(float64(deleted))
}
