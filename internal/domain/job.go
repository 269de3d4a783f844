package domain

import (
	"time"

	"github.com/google/uuid"
)

// JobType — вид задачи в очереди.
type JobType string

// JobTypeIssueInvoice — выставить счёт по заказу.
const JobTypeIssueInvoice JobType = "ISSUE_INVOICE"

// JobStatus описывает состояние задачи очереди.
type JobStatus string

const (
	JobStatusPending    JobStatus = "PENDING"
	JobStatusProcessing JobStatus = "PROCESSING"
	JobStatusCompleted  JobStatus = "COMPLETED"
	JobStatusFailed     JobStatus = "FAILED"
)

// Valid проверяет, что статус относится к поддерживаемым значениям.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusProcessing, JobStatusCompleted, JobStatusFailed:
		return true
	default:
		return false
	}
}

// Terminal сообщает, что задача больше не будет обрабатываться.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// InvoiceJob — запись долговременной очереди выставления счетов.
type InvoiceJob struct {
	ID          string
	Type        JobType
	OrderID     string
	Status      JobStatus
	Attempts    int
	ScheduledAt time.Time
	LastError   string
	ProcessedAt time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// NewIssueInvoiceJob создаёт задачу, доступную к обработке сразу.
func NewIssueInvoiceJob(orderID string, now time.Time) InvoiceJob {
	return InvoiceJob{
		ID:          uuid.NewString(),
		Type:        JobTypeIssueInvoice,
		OrderID:     orderID,
		Status:      JobStatusPending,
		ScheduledAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// ClaimParams — условия захвата пачки задач и кредит-нот.
type ClaimParams struct {
	Now         time.Time
	Limit       int
	MaxAttempts int
	// StaleBefore — захват в PROCESSING, не обновлявшийся с этого момента, считается
	// брошенным и может быть перехвачен. Нулевое значение отключает перехват.
	StaleBefore time.Time
}

// Stale сообщает, что захват, обновлённый в updatedAt, просрочен относительно staleBefore.
func Stale(updatedAt, staleBefore time.Time) bool {
	return !staleBefore.IsZero() && updatedAt.Before(staleBefore)
}

// Due сообщает, подходит ли задача под захват.
func (j InvoiceJob) Due(p ClaimParams) bool {
	switch j.Status {
	case JobStatusPending:
		return j.Attempts < p.MaxAttempts && !j.ScheduledAt.After(p.Now)
	case JobStatusProcessing:
		return Stale(j.UpdatedAt, p.StaleBefore)
	default:
		return false
	}
}

// Outstanding сообщает, что задача ещё ждёт обработки или обрабатывается.
func (j InvoiceJob) Outstanding() bool {
	return j.Status == JobStatusPending || j.Status == JobStatusProcessing
}

// JobStats — срез состояния очереди для метрик.
type JobStats struct {
	Pending         int
	Processing      int
	Completed       int
	Failed          int
	OldestPendingAt time.Time
}
