package domain

import "errors"

var (
	// Ошибка отсутствующего идентификатора клиента.
	ErrCustomerIDRequired = errors.New("customer_id is required")
	// Ошибка отсутствующего идентификатора заказа.
	ErrOrderIDRequired = errors.New("order_id is required")
	// Ошибка отсутствующей страны выставления счёта.
	ErrBillingCountryRequired = errors.New("billing_country is required")
	// Ошибка некорректного кода страны (ожидается ISO-3166 alpha-2).
	ErrCountryInvalid = errors.New("country must be a two-letter code")
	// Ошибка отсутствующего кода валюты.
	ErrCurrencyRequired = errors.New("currency is required")
	// Ошибка отрицательной суммы заказа.
	ErrTotalNegative = errors.New("total must be non-negative")
	// Ошибка неизвестного статуса счёта.
	ErrInvoiceStatusInvalid = errors.New("invoice status is invalid")
	// Бизнес-клиенту нужен VAT-номер или фискальный код.
	ErrTaxIdentifierRequired = errors.New("business profile requires vat_number or fiscal_code")
	// Код получателя SDI состоит из 7 символов.
	ErrRoutingCodeInvalid = errors.New("routing code must be 7 alphanumeric characters")
	// Ошибка отсутствующей причины отмены.
	ErrCancelReasonRequired = errors.New("cancel reason is required")
	// ErrInvalidEvent — входящее событие платформы не прошло проверку.
	ErrInvalidEvent = errors.New("invalid commerce event")

	// ErrOrderNotFound возвращается, если заказ не найден в репозитории.
	ErrOrderNotFound = errors.New("order not found")
	// ErrOrderVersionConflict сигнализирует о конфликте версий при сохранении.
	ErrOrderVersionConflict = errors.New("order version conflict")
	// ErrCustomerNotFound возвращается, если клиент не найден.
	ErrCustomerNotFound = errors.New("customer not found")
	// ErrProfileNotFound возвращается, если у клиента нет платёжного профиля.
	ErrProfileNotFound = errors.New("billing profile not found")
	// ErrJobNotFound возвращается, если задача очереди не найдена.
	ErrJobNotFound = errors.New("invoice job not found")
	// ErrCreditNoteNotFound возвращается, если кредит-нота по заказу не найдена.
	ErrCreditNoteNotFound = errors.New("credit note not found")
	// ErrCreditNoteExists — по заказу уже есть кредит-нота (не более одной на заказ).
	ErrCreditNoteExists = errors.New("credit note already exists for order")

	// ErrInvalidTransition — переход статуса счёта не разрешён машиной состояний.
	ErrInvalidTransition = errors.New("invalid invoice status transition")
	// ErrProfileNotQualified — у клиента нет квалифицированного профиля для электронного счёта.
	ErrProfileNotQualified = errors.New("billing profile is not qualified for e-invoicing")
	// ErrInvoiceAlreadyIssued — счёт по заказу уже выставлен.
	ErrInvoiceAlreadyIssued = errors.New("invoice already issued")
	// ErrInvoiceNotIssued — операция требует выставленного счёта.
	ErrInvoiceNotIssued = errors.New("invoice not issued")
	// ErrPrecondition — общее нарушение предусловия операции оператора.
	ErrPrecondition = errors.New("precondition failed")
	// ErrIssueInProgress — документ по заказу прямо сейчас отправляется другим обработчиком.
	ErrIssueInProgress = errors.New("document issuance already in progress")
	// ErrClaimLost — запись больше не принадлежит этому обработчику (сброшена или перехвачена).
	ErrClaimLost = errors.New("claim is no longer held")

	// ErrClearinghouseRejected — провайдер отклонил документ (ответ 4xx).
	ErrClearinghouseRejected = errors.New("clearinghouse rejected document")
	// ErrClearinghouseUnavailable — провайдер недоступен или не ответил вовремя.
	ErrClearinghouseUnavailable = errors.New("clearinghouse unavailable")
	// ErrDirectoryUnavailable — справочник клиентов коммерческой платформы недоступен.
	ErrDirectoryUnavailable = errors.New("customer directory unavailable")

	// ErrOutboxPublish — ошибка при публикации сообщения из outbox.
	ErrOutboxPublish = errors.New("outbox publish failed")

	ErrIdempotencyKeyRequired         = errors.New("idempotency key is required")
	ErrIdempotencyRequestHashRequired = errors.New("idempotency request hash is required")
	ErrIdempotencyKeyNotFound         = errors.New("idempotency key not found")
	ErrIdempotencyKeyAlreadyExists    = errors.New("idempotency key already exists")
	ErrIdempotencyHashMismatch        = errors.New("idempotency key reused with different request")
)

var validationErrors = []error{
	ErrCustomerIDRequired,
	ErrOrderIDRequired,
	ErrBillingCountryRequired,
	ErrCountryInvalid,
	ErrCurrencyRequired,
	ErrTotalNegative,
	ErrInvoiceStatusInvalid,
	ErrTaxIdentifierRequired,
	ErrRoutingCodeInvalid,
	ErrCancelReasonRequired,
	ErrInvalidEvent,
}

var preconditionErrors = []error{
	ErrOrderNotFound,
	ErrCustomerNotFound,
	ErrJobNotFound,
	ErrCreditNoteNotFound,
	ErrCreditNoteExists,
	ErrInvalidTransition,
	ErrProfileNotQualified,
	ErrInvoiceAlreadyIssued,
	ErrInvoiceNotIssued,
	ErrPrecondition,
	ErrIssueInProgress,
}

// IsVersionConflict проверяет, является ли ошибка конфликтом версий.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrOrderVersionConflict)
}

// IsIdempotencyConflict сообщает о повторном использовании ключа идемпотентности.
func IsIdempotencyConflict(err error) bool {
	return errors.Is(err, ErrIdempotencyKeyAlreadyExists) || errors.Is(err, ErrIdempotencyHashMismatch)
}

// IsValidation сообщает, что ошибка вызвана некорректными входными данными.
func IsValidation(err error) bool {
	return isAny(err, validationErrors)
}

// IsPrecondition сообщает, что операция не может быть выполнена в текущем состоянии.
func IsPrecondition(err error) bool {
	return isAny(err, preconditionErrors)
}

// IsExternal сообщает об отказе внешней системы (провайдер, справочник).
func IsExternal(err error) bool {
	return errors.Is(err, ErrClearinghouseRejected) ||
		errors.Is(err, ErrClearinghouseUnavailable) ||
		errors.Is(err, ErrDirectoryUnavailable)
}

func isAny(err error, targets []error) bool {
	if err == nil {
		return false
	}
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
