package httpapi

import (
	"time"

	"github.com/vladislavdragonenkov/einvoice/internal/domain"
	"github.com/vladislavdragonenkov/einvoice/internal/service/billing"
)

type orderResponse struct {
	ID             string     `json:"id"`
	Number         string     `json:"number,omitempty"`
	CustomerID     string     `json:"customer_id"`
	BillingCountry string     `json:"billing_country"`
	Currency       string     `json:"currency"`
	Total          string     `json:"total"`
	HasVATProfile  bool       `json:"has_vat_profile"`
	InvoiceStatus  string     `json:"invoice_status"`
	InvoiceID      string     `json:"invoice_id,omitempty"`
	InvoiceDate    *time.Time `json:"invoice_date,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
	CancelReason   string     `json:"cancel_reason,omitempty"`
	Version        int64      `json:"version"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

type jobResponse struct {
	ID          string     `json:"id"`
	Type        string     `json:"type"`
	OrderID     string     `json:"order_id"`
	Status      string     `json:"status"`
	Attempts    int        `json:"attempts"`
	ScheduledAt time.Time  `json:"scheduled_at"`
	LastError   string     `json:"last_error,omitempty"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

type creditNoteResponse struct {
	ID         string     `json:"id"`
	OrderID    string     `json:"order_id"`
	Reason     string     `json:"reason"`
	Amount     string     `json:"amount"`
	Currency   string     `json:"currency"`
	Status     string     `json:"status"`
	ExternalID string     `json:"external_id,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
	IssuedAt   *time.Time `json:"issued_at,omitempty"`
}

type timelineResponse struct {
	Type     string    `json:"type"`
	Reason   string    `json:"reason,omitempty"`
	Occurred time.Time `json:"occurred"`
}

type orderViewResponse struct {
	Order      orderResponse       `json:"order"`
	Jobs       []jobResponse       `json:"jobs"`
	CreditNote *creditNoteResponse `json:"credit_note,omitempty"`
	Timeline   []timelineResponse  `json:"timeline"`
}

type queueStatsResponse struct {
	Pending         int        `json:"pending"`
	Processing      int        `json:"processing"`
	Completed       int        `json:"completed"`
	Failed          int        `json:"failed"`
	OldestPendingAt *time.Time `json:"oldest_pending_at,omitempty"`
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func toOrderResponse(order domain.Order) orderResponse {
	return orderResponse{
		ID:             order.ExternalID,
		Number:         order.OrderNumber,
		CustomerID:     order.CustomerID,
		BillingCountry: order.BillingCountry,
		Currency:       order.Currency,
		Total:          order.Total.StringFixed(2),
		HasVATProfile:  order.HasVATProfile,
		InvoiceStatus:  string(order.InvoiceStatus),
		InvoiceID:      order.InvoiceID,
		InvoiceDate:    optionalTime(order.InvoiceDate),
		LastError:      order.LastError,
		CancelReason:   order.CancelReason,
		Version:        order.Version,
		CreatedAt:      order.CreatedAt,
		UpdatedAt:      order.UpdatedAt,
	}
}

func toJobResponse(job domain.InvoiceJob) jobResponse {
	return jobResponse{
		ID:          job.ID,
		Type:        string(job.Type),
		OrderID:     job.OrderID,
		Status:      string(job.Status),
		Attempts:    job.Attempts,
		ScheduledAt: job.ScheduledAt,
		LastError:   job.LastError,
		ProcessedAt: optionalTime(job.ProcessedAt),
		CreatedAt:   job.CreatedAt,
	}
}

func toJobResponses(jobs []domain.InvoiceJob) []jobResponse {
	out := make([]jobResponse, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, toJobResponse(job))
	}
	return out
}

func toCreditNoteResponse(note domain.CreditNote) creditNoteResponse {
	return creditNoteResponse{
		ID:         note.ID,
		OrderID:    note.OrderID,
		Reason:     note.Reason,
		Amount:     note.Amount.StringFixed(2),
		Currency:   note.Currency,
		Status:     string(note.Status),
		ExternalID: note.ExternalID,
		LastError:  note.LastError,
		IssuedAt:   optionalTime(note.IssuedAt),
	}
}

func toOrderViewResponse(view billing.OrderView) orderViewResponse {
	resp := orderViewResponse{
		Order:    toOrderResponse(view.Order),
		Jobs:     toJobResponses(view.Jobs),
		Timeline: make([]timelineResponse, 0, len(view.Timeline)),
	}
	if view.CreditNote != nil {
		note := toCreditNoteResponse(*view.CreditNote)
		resp.CreditNote = &note
	}
	for _, event := range view.Timeline {
		resp.Timeline = append(resp.Timeline, timelineResponse{
			Type:     event.Type,
			Reason:   event.Reason,
			Occurred: event.Occurred,
		})
	}
	return resp
}

func toQueueStatsResponse(stats domain.JobStats) queueStatsResponse {
	return queueStatsResponse{
		Pending:         stats.Pending,
		Processing:      stats.Processing,
		Completed:       stats.Completed,
		Failed:          stats.Failed,
		OldestPendingAt: optionalTime(stats.OldestPendingAt),
	}
}
