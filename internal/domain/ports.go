package domain

import (
	"context"
	"time"
)

// CustomerRepository хранит клиентов коммерческой платформы.
type CustomerRepository interface {
	// Upsert создаёт или обновляет клиента; CreatedAt сохраняется с первой записи.
	Upsert(ctx context.Context, customer Customer) (Customer, error)
	// EnsureExists создаёт минимальную запись, если клиента ещё нет.
	EnsureExists(ctx context.Context, customerID string, now time.Time) (created bool, err error)
	Get(ctx context.Context, customerID string) (Customer, error)
}

// BillingProfileRepository — локальный кэш налоговых профилей.
type BillingProfileRepository interface {
	Upsert(ctx context.Context, profile BillingProfile) error
	// Get возвращает ErrProfileNotFound, если профиля нет.
	Get(ctx context.Context, customerID string) (BillingProfile, error)
}

// OrderRepository описывает требования к хранилищу заказов.
type OrderRepository interface {
	// CreateIfAbsent сохраняет заказ, если ExternalID ещё не встречался.
	CreateIfAbsent(ctx context.Context, order Order) (created bool, err error)
	// Get возвращает заказ по идентификатору или ErrOrderNotFound, если его нет.
	Get(ctx context.Context, id string) (Order, error)
	// ListByCustomer возвращает заказы клиента с опциональным ограничением на количество.
	ListByCustomer(ctx context.Context, customerID string, limit int) ([]Order, error)
	// ListByStatus возвращает заказы в указанном статусе счёта, старые первыми.
	ListByStatus(ctx context.Context, status InvoiceStatus, limit int) ([]Order, error)
	// Save применяет обновления к заказу с учётом optimistic locking.
	Save(ctx context.Context, order Order) error
}

// InvoiceJobRepository — долговременная очередь задач выставления счетов.
//
// Захват (ClaimDue, ClaimOrder) возвращает задачу в PROCESSING вместе с номером попытки.
// Complete, Fail и Reschedule применяются только к задаче, которая всё ещё в PROCESSING
// с тем же Attempts; иначе возвращается ErrClaimLost.
type InvoiceJobRepository interface {
	Enqueue(ctx context.Context, job InvoiceJob) (InvoiceJob, error)
	// ClaimDue атомарно переводит до Limit готовых задач в PROCESSING и увеличивает Attempts.
	// Задача достаётся не более чем одному конкурентному вызову. Брошенные PROCESSING-задачи
	// (UpdatedAt раньше StaleBefore) перехватываются так же.
	ClaimDue(ctx context.Context, params ClaimParams) ([]InvoiceJob, error)
	// ClaimOrder захватывает самую старую незавершённую задачу заказа для ручного выставления,
	// не расходуя попытку. Если задач нет, создаёт новую сразу в PROCESSING (created=true).
	// ErrIssueInProgress, если задачу заказа держит обработчик, обновлявший её не раньше staleBefore.
	ClaimOrder(ctx context.Context, orderID string, now, staleBefore time.Time) (job InvoiceJob, created bool, err error)
	Complete(ctx context.Context, id string, attempts int, now time.Time) error
	// Fail завершает задачу без повторов.
	Fail(ctx context.Context, id string, attempts int, reason string, now time.Time) error
	// Reschedule возвращает задачу в PENDING с новым временем запуска.
	Reschedule(ctx context.Context, id string, attempts int, reason string, at, now time.Time) error
	// Reset обнуляет попытки и делает задачу готовой к немедленному запуску.
	// Живую PROCESSING-задачу не трогает и возвращает ErrIssueInProgress.
	Reset(ctx context.Context, id string, now, staleBefore time.Time) (InvoiceJob, error)
	// ResetByOrder выполняет Reset для задач заказа, кроме COMPLETED и живых PROCESSING.
	ResetByOrder(ctx context.Context, orderID string, now, staleBefore time.Time) (int, error)
	Get(ctx context.Context, id string) (InvoiceJob, error)
	ListByOrder(ctx context.Context, orderID string) ([]InvoiceJob, error)
	List(ctx context.Context, status JobStatus, limit int) ([]InvoiceJob, error)
	// PurgeTerminal удаляет COMPLETED/FAILED задачи, обновлённые раньше before.
	PurgeTerminal(ctx context.Context, before time.Time) (int, error)
	Stats(ctx context.Context) (JobStats, error)
}

// CreditNoteRepository хранит кредит-ноты. Ноты проходят тот же цикл захвата,
// что и задачи очереди; ключом служит заказ.
type CreditNoteRepository interface {
	// CreateWithCancellation атомарно сохраняет ноту и отменённый заказ (с проверкой версии).
	CreateWithCancellation(ctx context.Context, note CreditNote, order Order) error
	// Create сохраняет ноту; ErrCreditNoteExists, если по заказу нота уже есть.
	Create(ctx context.Context, note CreditNote) error
	GetByOrder(ctx context.Context, orderID string) (CreditNote, error)
	// ClaimDue атомарно захватывает до Limit готовых нот, увеличивая Attempts.
	ClaimDue(ctx context.Context, params ClaimParams) ([]CreditNote, error)
	// Claim захватывает ноту заказа для ручного выставления. Нота в ERROR получает новый
	// бюджет попыток, перехват брошенной PROCESSING увеличивает Attempts. Выставленная нота
	// возвращается как есть. ErrIssueInProgress, если ноту держит живой обработчик.
	Claim(ctx context.Context, orderID string, now, staleBefore time.Time) (CreditNote, error)
	// Complete сохраняет итог захваченной ноты (ISSUED или FOREIGN).
	Complete(ctx context.Context, note CreditNote) error
	// Reschedule возвращает ноту в PENDING с новым временем запуска.
	Reschedule(ctx context.Context, orderID string, attempts int, reason string, at, now time.Time) error
	// Fail переводит ноту в ERROR.
	Fail(ctx context.Context, orderID string, attempts int, reason string, now time.Time) error
}

// Clearinghouse — национальная система обмена электронными счетами.
// Ошибки не делятся на временные и постоянные.
type Clearinghouse interface {
	IssueInvoice(ctx context.Context, doc InvoiceDocument) (Receipt, error)
	IssueCreditNote(ctx context.Context, doc InvoiceDocument) (Receipt, error)
}

// DirectoryEntry — запись справочника клиентов. Profile == nil, если бизнес-признаков нет.
type DirectoryEntry struct {
	Customer Customer
	Profile  *BillingProfile
}

// DirectoryPage — страница справочника; пустой NextCursor означает конец.
type DirectoryPage struct {
	Entries    []DirectoryEntry
	NextCursor string
}

// CustomerDirectory — внешний источник истины о клиентах.
type CustomerDirectory interface {
	Lookup(ctx context.Context, customerID string) (DirectoryEntry, error)
	List(ctx context.Context, cursor string, limit int) (DirectoryPage, error)
}

// OutboxPublisher публикует события счетов из outbox во внешний брокер.
type OutboxPublisher interface {
	// Publish передаёт событие наружу; должен быть идемпотентным.
	Publish(event OutboxMessage) error
}

// OutboxRepository позволяет сохранять события для последующей публикации.
type OutboxRepository interface {
	Enqueue(ctx context.Context, msg OutboxMessage) (OutboxMessage, error)
	PullPending(ctx context.Context, limit int) ([]OutboxMessage, error)
	Stats(ctx context.Context) (OutboxStats, error)
	MarkSent(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string) error
}

// TimelineRepository хранит события жизненного цикла заказа.
type TimelineRepository interface {
	Append(ctx context.Context, event TimelineEvent) error
	List(ctx context.Context, orderID string) ([]TimelineEvent, error)
}

// IdempotencyRepository хранит состояние обработки запросов по idempotency-key.
type IdempotencyRepository interface {
	CreateProcessing(ctx context.Context, key, requestHash string, ttlAt time.Time) (IdempotencyRecord, error)
	Get(ctx context.Context, key string) (IdempotencyRecord, error)
	MarkDone(ctx context.Context, key string, responseBody []byte, httpStatus int) error
	MarkFailed(ctx context.Context, key string, responseBody []byte, httpStatus int) error
	DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error)
}

// OutboxMessage хранит данные для публикуемого события.
type OutboxMessage struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

// OutboxStats — размер очереди неопубликованных событий.
type OutboxStats struct {
	PendingCount    int
	OldestPendingAt time.Time
}
