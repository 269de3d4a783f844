package domain

import (
	"strings"
	"time"
	"unicode"
)

// Address — почтовый адрес плательщика.
type Address struct {
	Street     string
	City       string
	PostalCode string
	Province   string
	Country    string
}

// Customer описывает клиента коммерческой платформы.
type Customer struct {
	ExternalID string
	Email      string
	FirstName  string
	LastName   string
	Country    string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// BillingProfile хранит налоговые реквизиты клиента.
//
// Профиль квалифицирован для электронного счёта, если клиент — бизнес
// и указан хотя бы один налоговый идентификатор.
type BillingProfile struct {
	CustomerID  string
	IsBusiness  bool
	CompanyName string
	VATNumber   string
	FiscalCode  string
	// RoutingCode — семизначный код получателя в системе обмена (SDI).
	RoutingCode string
	// PEC — сертифицированная почта, альтернатива RoutingCode.
	PEC       string
	Address   Address
	Country   string
	UpdatedAt time.Time
}

// Validate проверяет обязательные поля клиента.
func (c *Customer) Validate() []error {
	var errs []error
	if strings.TrimSpace(c.ExternalID) == "" {
		errs = append(errs, ErrCustomerIDRequired)
	}
	if c.Country != "" && !ValidCountry(c.Country) {
		errs = append(errs, ErrCountryInvalid)
	}
	return errs
}

// DisplayName возвращает имя клиента для документа.
func (c *Customer) DisplayName() string {
	return strings.TrimSpace(c.FirstName + " " + c.LastName)
}

// Qualified сообщает, можно ли выставлять электронный счёт по этому профилю.
func (p *BillingProfile) Qualified() bool {
	if p == nil || !p.IsBusiness {
		return false
	}
	return strings.TrimSpace(p.VATNumber) != "" || strings.TrimSpace(p.FiscalCode) != ""
}

// Validate проверяет согласованность реквизитов профиля.
func (p *BillingProfile) Validate() []error {
	var errs []error
	if strings.TrimSpace(p.CustomerID) == "" {
		errs = append(errs, ErrCustomerIDRequired)
	}
	if p.IsBusiness && !p.Qualified() {
		errs = append(errs, ErrTaxIdentifierRequired)
	}
	if p.RoutingCode != "" && !validRoutingCode(p.RoutingCode) {
		errs = append(errs, ErrRoutingCodeInvalid)
	}
	if p.Country != "" && !ValidCountry(p.Country) {
		errs = append(errs, ErrCountryInvalid)
	}
	return errs
}

// Normalize приводит идентификаторы к каноничному виду.
func (p *BillingProfile) Normalize() {
	p.VATNumber = strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(p.VATNumber), " ", ""))
	p.FiscalCode = strings.ToUpper(strings.TrimSpace(p.FiscalCode))
	p.RoutingCode = strings.ToUpper(strings.TrimSpace(p.RoutingCode))
	p.PEC = strings.ToLower(strings.TrimSpace(p.PEC))
	p.Country = NormalizeCountry(p.Country)
	p.Address.Country = NormalizeCountry(p.Address.Country)
}

// NormalizeCountry приводит код страны к верхнему регистру без пробелов.
func NormalizeCountry(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// ValidCountry проверяет формат ISO-3166 alpha-2.
func ValidCountry(code string) bool {
	code = NormalizeCountry(code)
	if len(code) != 2 {
		return false
	}
	for _, r := range code {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}

func validRoutingCode(code string) bool {
	code = strings.TrimSpace(code)
	if len(code) != 7 {
		return false
	}
	for _, r := range code {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}
