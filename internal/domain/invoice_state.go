package domain

import "fmt"

// InvoiceStatus описывает состояние выставления счёта по заказу.
type InvoiceStatus string

const (
	// InvoiceStatusPending — счёт ожидает выставления.
	InvoiceStatusPending InvoiceStatus = "PENDING"
	// InvoiceStatusIssued — счёт принят провайдером.
	InvoiceStatusIssued InvoiceStatus = "ISSUED"
	// InvoiceStatusError — попытки исчерпаны или предусловие нарушено; нужен оператор.
	InvoiceStatusError InvoiceStatus = "ERROR"
	// InvoiceStatusForeign — иностранный адрес, электронный счёт не нужен.
	InvoiceStatusForeign InvoiceStatus = "FOREIGN"
	// InvoiceStatusCorrispettivo — розничная продажа внутри страны, учитывается кассовым чеком.
	InvoiceStatusCorrispettivo InvoiceStatus = "CORRISPETTIVO"
	// InvoiceStatusCancelled — заказ отменён.
	InvoiceStatusCancelled InvoiceStatus = "CANCELLED"
)

// InvoiceEvent — событие, переводящее заказ между статусами.
type InvoiceEvent string

const (
	InvoiceEventIssued        InvoiceEvent = "issued"
	InvoiceEventFailed        InvoiceEvent = "failed"
	InvoiceEventOperatorReset InvoiceEvent = "operator_reset"
	InvoiceEventCancel        InvoiceEvent = "cancel"
	InvoiceEventForeign       InvoiceEvent = "reclassify_foreign"
)

// Valid проверяет, что статус относится к поддерживаемым значениям.
func (s InvoiceStatus) Valid() bool {
	switch s {
	case InvoiceStatusPending, InvoiceStatusIssued, InvoiceStatusError,
		InvoiceStatusForeign, InvoiceStatusCorrispettivo, InvoiceStatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal сообщает, что из статуса возможна только отмена.
func (s InvoiceStatus) Terminal() bool {
	switch s {
	case InvoiceStatusIssued, InvoiceStatusForeign, InvoiceStatusCorrispettivo, InvoiceStatusCancelled:
		return true
	default:
		return false
	}
}

var invoiceTransitions = map[InvoiceStatus]map[InvoiceEvent]InvoiceStatus{
	InvoiceStatusPending: {
		InvoiceEventIssued:  InvoiceStatusIssued,
		InvoiceEventFailed:  InvoiceStatusError,
		InvoiceEventForeign: InvoiceStatusForeign,
		InvoiceEventCancel:  InvoiceStatusCancelled,
	},
	InvoiceStatusError: {
		InvoiceEventOperatorReset: InvoiceStatusPending,
		InvoiceEventCancel:        InvoiceStatusCancelled,
	},
	InvoiceStatusIssued: {
		InvoiceEventCancel: InvoiceStatusCancelled,
	},
	InvoiceStatusForeign: {
		InvoiceEventCancel: InvoiceStatusCancelled,
	},
	InvoiceStatusCorrispettivo: {
		InvoiceEventCancel: InvoiceStatusCancelled,
	},
	InvoiceStatusCancelled: {
		InvoiceEventCancel: InvoiceStatusCancelled,
	},
}

// Transition — единственная точка изменения статуса счёта.
// Возвращает ErrInvalidTransition для любых пар, не описанных в таблице.
func Transition(from InvoiceStatus, event InvoiceEvent) (InvoiceStatus, error) {
	if next, ok := invoiceTransitions[from][event]; ok {
		return next, nil
	}
	return from, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, event, from)
}

// CanTransition сообщает, разрешено ли событие из текущего статуса.
func CanTransition(from InvoiceStatus, event InvoiceEvent) bool {
	_, ok := invoiceTransitions[from][event]
	return ok
}
