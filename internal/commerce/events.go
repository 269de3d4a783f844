// Package commerce описывает события коммерческой платформы и клиент её справочника клиентов.
package commerce

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/einvoice/internal/domain"
)

var validate = validator.New()

func init() {
	validate.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
		if v, ok := field.Interface().(decimal.Decimal); ok {
			f, _ := v.Float64()
			return f
		}
		return nil
	}, decimal.Decimal{})
}

// AddressBlock — адрес в формате платформы.
type AddressBlock struct {
	Street     string `json:"street"`
	City       string `json:"city"`
	PostalCode string `json:"postal_code"`
	Province   string `json:"province"`
	Country    string `json:"country" validate:"omitempty,len=2,alpha"`
}

// BillingBlock — налоговые реквизиты клиента. Отсутствие блока означает «без изменений».
type BillingBlock struct {
	IsBusiness  bool         `json:"is_business"`
	CompanyName string       `json:"company_name"`
	VATNumber   string       `json:"vat_number" validate:"omitempty,max=30"`
	FiscalCode  string       `json:"fiscal_code" validate:"omitempty,max=30"`
	RoutingCode string       `json:"routing_code" validate:"omitempty,len=7,alphanum"`
	PEC         string       `json:"pec" validate:"omitempty,email"`
	Address     AddressBlock `json:"address"`
	Country     string       `json:"country" validate:"omitempty,len=2,alpha"`
}

// CustomerEvent — создание или изменение клиента.
type CustomerEvent struct {
	ID        string        `json:"id" validate:"required,max=128"`
	Email     string        `json:"email" validate:"omitempty,email"`
	FirstName string        `json:"first_name"`
	LastName  string        `json:"last_name"`
	Country   string        `json:"country" validate:"omitempty,len=2,alpha"`
	Billing   *BillingBlock `json:"billing,omitempty"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// OrderEvent — создание заказа.
type OrderEvent struct {
	ID             string          `json:"id" validate:"required,max=128"`
	Number         string          `json:"number"`
	CustomerID     string          `json:"customer_id" validate:"required,max=128"`
	BillingCountry string          `json:"billing_country" validate:"required,len=2,alpha"`
	Currency       string          `json:"currency" validate:"required,len=3,alpha"`
	Total          decimal.Decimal `json:"total" validate:"gte=0"`
	CreatedAt      time.Time       `json:"created_at"`
}

// OrderCancelledEvent — отмена заказа.
type OrderCancelledEvent struct {
	OrderID     string    `json:"order_id" validate:"required,max=128"`
	Reason      string    `json:"reason" validate:"max=500"`
	CancelledAt time.Time `json:"cancelled_at"`
}

// FieldErrors — поля, не прошедшие проверку, и нарушенное правило.
type FieldErrors map[string]string

func (f FieldErrors) Error() string {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+f[k])
	}
	return strings.Join(parts, ", ")
}

// Validate проверяет событие по тегам. Ошибка оборачивает domain.ErrInvalidEvent;
// поля доступны через errors.As(err, *FieldErrors).
func Validate(event any) error {
	err := validate.Struct(event)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return fmt.Errorf("%w: %v", domain.ErrInvalidEvent, err)
	}
	fields := make(FieldErrors, len(verrs))
	for _, fe := range verrs {
		fields[fe.Namespace()] = fe.Tag()
	}
	return invalidEvent{fields: fields}
}

type invalidEvent struct {
	fields FieldErrors
}

func (e invalidEvent) Error() string {
	return domain.ErrInvalidEvent.Error() + ": " + e.fields.Error()
}

func (e invalidEvent) Unwrap() []error {
	return []error{domain.ErrInvalidEvent, e.fields}
}

// Customer переводит событие в доменного клиента.
func (e CustomerEvent) Customer(now time.Time) domain.Customer {
	updated := e.UpdatedAt
	if updated.IsZero() {
		updated = now
	}
	return domain.Customer{
		ExternalID: strings.TrimSpace(e.ID),
		Email:      strings.TrimSpace(e.Email),
		FirstName:  strings.TrimSpace(e.FirstName),
		LastName:   strings.TrimSpace(e.LastName),
		Country:    domain.NormalizeCountry(e.Country),
		CreatedAt:  now,
		UpdatedAt:  updated.UTC(),
	}
}

// Profile возвращает профиль из блока billing или nil, если блока нет.
// Для не-бизнес клиента налоговые идентификаторы отбрасываются.
func (e CustomerEvent) Profile(now time.Time) *domain.BillingProfile {
	if e.Billing == nil {
		return nil
	}
	b := e.Billing
	country := b.Country
	if country == "" {
		country = b.Address.Country
	}
	if country == "" {
		country = e.Country
	}
	profile := &domain.BillingProfile{
		CustomerID:  strings.TrimSpace(e.ID),
		IsBusiness:  b.IsBusiness,
		CompanyName: b.CompanyName,
		RoutingCode: b.RoutingCode,
		PEC:         b.PEC,
		Address: domain.Address{
			Street:     b.Address.Street,
			City:       b.Address.City,
			PostalCode: b.Address.PostalCode,
			Province:   b.Address.Province,
			Country:    b.Address.Country,
		},
		Country:   country,
		UpdatedAt: now,
	}
	if b.IsBusiness {
		profile.VATNumber = b.VATNumber
		profile.FiscalCode = b.FiscalCode
	}
	profile.Normalize()
	return profile
}

// Order переводит событие в снимок заказа без классификации.
func (e OrderEvent) Order(now time.Time) domain.Order {
	created := e.CreatedAt
	if created.IsZero() {
		created = now
	}
	return domain.Order{
		ExternalID:     strings.TrimSpace(e.ID),
		OrderNumber:    strings.TrimSpace(e.Number),
		CustomerID:     strings.TrimSpace(e.CustomerID),
		BillingCountry: domain.NormalizeCountry(e.BillingCountry),
		Currency:       strings.ToUpper(strings.TrimSpace(e.Currency)),
		Total:          e.Total,
		CreatedAt:      created.UTC(),
		UpdatedAt:      now,
	}
}
