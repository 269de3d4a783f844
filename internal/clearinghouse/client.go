package clearinghouse

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/einvoice/internal/domain"
)

// DefaultTimeout ограничивает один вызов провайдера.
const DefaultTimeout = 30 * time.Second

// addressPayload и остальные payload-типы описывают JSON-контракт шлюза провайдера.
type addressPayload struct {
	Street     string `json:"street,omitempty"`
	City       string `json:"city,omitempty"`
	PostalCode string `json:"postal_code,omitempty"`
	Province   string `json:"province,omitempty"`
	Country    string `json:"country,omitempty"`
}

type partyPayload struct {
	Name        string         `json:"name"`
	VATNumber   string         `json:"vat_number,omitempty"`
	FiscalCode  string         `json:"fiscal_code,omitempty"`
	RoutingCode string         `json:"routing_code,omitempty"`
	PEC         string         `json:"pec,omitempty"`
	Address     addressPayload `json:"address"`
}

type documentPayload struct {
	Kind        string          `json:"kind"`
	OrderID     string          `json:"order_id"`
	OrderNumber string          `json:"order_number,omitempty"`
	Currency    string          `json:"currency"`
	Total       decimal.Decimal `json:"total"`
	IssueDate   string          `json:"issue_date"`
	Buyer       partyPayload    `json:"buyer"`
	Reference   string          `json:"reference,omitempty"`
	Reason      string          `json:"reason,omitempty"`
}

type receiptPayload struct {
	ExternalID string    `json:"external_id"`
	IssuedAt   time.Time `json:"issued_at"`
	Result     string    `json:"result"`
	Messages   []struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"messages"`
}

// HTTPClient отправляет документы в HTTP-шлюз провайдера, который берёт на себя
// подпись и XML-формат.
type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewHTTPClient создаёт клиента шлюза. timeout <= 0 заменяется на DefaultTimeout.
func NewHTTPClient(baseURL, token string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// IssueInvoice отправляет счёт.
func (c *HTTPClient) IssueInvoice(ctx context.Context, doc domain.InvoiceDocument) (domain.Receipt, error) {
	return c.post(ctx, "/invoices", doc)
}

// IssueCreditNote отправляет кредит-ноту.
func (c *HTTPClient) IssueCreditNote(ctx context.Context, doc domain.InvoiceDocument) (domain.Receipt, error) {
	return c.post(ctx, "/credit-notes", doc)
}

func (c *HTTPClient) post(ctx context.Context, path string, doc domain.InvoiceDocument) (domain.Receipt, error) {
	body, err := json.Marshal(toPayload(doc))
	if err != nil {
		return domain.Receipt{}, fmt.Errorf("clearinghouse: marshal document: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return domain.Receipt{}, fmt.Errorf("clearinghouse: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	// Повторная отправка того же документа не должна порождать второй номер.
	req.Header.Set("Idempotency-Key", string(doc.Kind)+":"+doc.OrderID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.Receipt{}, fmt.Errorf("%w: %v", domain.ErrClearinghouseUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return domain.Receipt{}, fmt.Errorf("%w: gateway returned %d", domain.ErrClearinghouseUnavailable, resp.StatusCode)
	}

	var result receiptPayload
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&result)
		return domain.Receipt{}, fmt.Errorf("%w: gateway returned %d%s", domain.ErrClearinghouseRejected, resp.StatusCode, messages(result))
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return domain.Receipt{}, fmt.Errorf("%w: decode response: %v", domain.ErrClearinghouseUnavailable, err)
	}
	if strings.EqualFold(result.Result, "rejected") || result.ExternalID == "" {
		return domain.Receipt{}, fmt.Errorf("%w%s", domain.ErrClearinghouseRejected, messages(result))
	}

	issuedAt := result.IssuedAt.UTC()
	if issuedAt.IsZero() {
		issuedAt = time.Now().UTC()
	}
	return domain.Receipt{ExternalID: result.ExternalID, IssuedAt: issuedAt}, nil
}

func messages(r receiptPayload) string {
	if len(r.Messages) == 0 {
		return ""
	}
	parts := make([]string, 0, len(r.Messages))
	for _, m := range r.Messages {
		parts = append(parts, strings.TrimSpace(m.Code+" "+m.Message))
	}
	return ": " + strings.Join(parts, "; ")
}

func toPayload(doc domain.InvoiceDocument) documentPayload {
	return documentPayload{
		Kind:        string(doc.Kind),
		OrderID:     doc.OrderID,
		OrderNumber: doc.OrderNumber,
		Currency:    doc.Currency,
		Total:       doc.Total,
		IssueDate:   doc.IssueDate.UTC().Format("2006-01-02"),
		Buyer: partyPayload{
			Name:        doc.Buyer.Name,
			VATNumber:   doc.Buyer.VATNumber,
			FiscalCode:  doc.Buyer.FiscalCode,
			RoutingCode: doc.Buyer.RoutingCode,
			PEC:         doc.Buyer.PEC,
			Address: addressPayload{
				Street:     doc.Buyer.Address.Street,
				City:       doc.Buyer.Address.City,
				PostalCode: doc.Buyer.Address.PostalCode,
				Province:   doc.Buyer.Address.Province,
				Country:    doc.Buyer.Address.Country,
			},
		},
		Reference: doc.Reference,
		Reason:    doc.Reason,
	}
}

var _ domain.Clearinghouse = (*HTTPClient)(nil)
