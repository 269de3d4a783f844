package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/einvoice/internal/commerce"
)

const (
	methodCustomer = "CustomerEvent"
	methodOrder    = "OrderEvent"
	methodCancel   = "OrderCancelledEvent"

	statusTransportError = "transport_error"
)

// eventClient отправляет события платформы в HTTP API сервиса.
type eventClient struct {
	baseURL string
	http    *http.Client
	timeout time.Duration
	col     *collector
}

func newEventClient(baseURL string, timeout time.Duration, col *collector, transport http.RoundTripper) *eventClient {
	return &eventClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Transport: transport},
		timeout: timeout,
		col:     col,
	}
}

// statusError — ответ сервиса вне диапазона 2xx.
type statusError struct {
	method string
	code   int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d: %s", e.method, e.code, e.body)
}

func (c *eventClient) post(method, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%s: encode payload: %w", method, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s: build request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.col.record(method, time.Since(start), statusTransportError, false)
		return fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	c.col.record(method, time.Since(start), strconv.Itoa(resp.StatusCode), ok)
	if !ok {
		return &statusError{method: method, code: resp.StatusCode, body: strings.TrimSpace(string(respBody))}
	}
	return nil
}

func (c *eventClient) customer(event commerce.CustomerEvent) error {
	return c.post(methodCustomer, "/events/customers", event)
}

func (c *eventClient) order(event commerce.OrderEvent) error {
	return c.post(methodOrder, "/events/orders", event)
}

func (c *eventClient) cancel(event commerce.OrderCancelledEvent) error {
	return c.post(methodCancel, "/events/orders/cancelled", event)
}

// runScenario прогоняет один сценарий режима cfg.mode. Итог сценария пишется отдельной строкой "scenario".
func runScenario(client *eventClient, cfg config, index int, runID string) (err error) {
	start := time.Now()
	defer func() {
		status := "ok"
		var serr *statusError
		switch {
		case errors.As(err, &serr):
			status = strconv.Itoa(serr.code)
		case err != nil:
			status = statusTransportError
		}
		client.col.record(scenarioMethod, time.Since(start), status, err == nil)
	}()

	customerID := fmt.Sprintf("%s-%s-%d", cfg.customerTag, runID, index)
	orderID := fmt.Sprintf("lt-%s-%d", runID, index)

	if cfg.mode != modeOrder {
		if err := client.customer(customerEvent(cfg, customerID, index)); err != nil {
			return err
		}
	}

	if err := client.order(commerce.OrderEvent{
		ID:             orderID,
		Number:         fmt.Sprintf("#LT%d", index),
		CustomerID:     customerID,
		BillingCountry: cfg.country,
		Currency:       cfg.currency,
		Total:          cfg.orderTotal(index),
		CreatedAt:      time.Now().UTC(),
	}); err != nil {
		return err
	}

	if cfg.mode == modeOrderCancel || (cfg.mode == modeCustomerOrder && shouldCancelScenario(index, cfg.cancelRate)) {
		return client.cancel(commerce.OrderCancelledEvent{
			OrderID:     orderID,
			Reason:      "load-cancel",
			CancelledAt: time.Now().UTC(),
		})
	}
	return nil
}

// customerEvent строит клиента: доля business-rate получает квалифицированный профиль.
func customerEvent(cfg config, customerID string, index int) commerce.CustomerEvent {
	event := commerce.CustomerEvent{
		ID:        customerID,
		Email:     customerID + "@load.example",
		FirstName: "Load",
		LastName:  strconv.Itoa(index),
		Country:   cfg.country,
		UpdatedAt: time.Now().UTC(),
	}
	if index%100 < cfg.businessRate {
		event.Billing = &commerce.BillingBlock{
			IsBusiness:  true,
			CompanyName: "Load Test " + strconv.Itoa(index),
			VATNumber:   fmt.Sprintf("%s%011d", cfg.country, index),
			Country:     cfg.country,
		}
	}
	return event
}

func shouldCancelScenario(index, cancelRate int) bool {
	if cancelRate <= 0 {
		return false
	}
	if cancelRate >= 100 {
		return true
	}
	return index%100 < cancelRate
}

// orderTotal — сумма заказа: база плюс центы по индексу, чтобы суммы различались.
func (cfg config) orderTotal(index int) decimal.Decimal {
	return cfg.amount.Add(decimal.New(int64(index%100), -2))
}
