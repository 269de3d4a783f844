package domain

// Disposition — результат классификации заказа.
type Disposition struct {
	Status        InvoiceStatus
	HasVATProfile bool
	// Enqueue — нужно поставить задачу ISSUE_INVOICE.
	Enqueue bool
}

// Classify определяет режим учёта заказа по стране выставления и профилю клиента.
// Функция чистая: никаких обращений к хранилищу.
func Classify(billingCountry, homeCountry string, profile *BillingProfile) Disposition {
	if !SameCountry(billingCountry, homeCountry) {
		return Disposition{Status: InvoiceStatusForeign}
	}
	if profile == nil {
		// Данных нет: ждём профиль, задачу не ставим.
		return Disposition{Status: InvoiceStatusPending}
	}
	if profile.Qualified() {
		return Disposition{Status: InvoiceStatusPending, HasVATProfile: true, Enqueue: true}
	}
	return Disposition{Status: InvoiceStatusCorrispettivo}
}

// AwaitingProfile сообщает, что заказ ждёт квалифицированного профиля для постановки в очередь.
func AwaitingProfile(o Order) bool {
	return o.InvoiceStatus == InvoiceStatusPending && !o.HasVATProfile
}

// SameCountry сравнивает коды стран без учёта регистра и пробелов.
func SameCountry(a, b string) bool {
	a, b = NormalizeCountry(a), NormalizeCountry(b)
	return a != "" && a == b
}
