package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/einvoice/internal/commerce"
	"github.com/vladislavdragonenkov/einvoice/internal/domain"
	"github.com/vladislavdragonenkov/einvoice/internal/service/billing"
	"github.com/vladislavdragonenkov/einvoice/internal/service/retry"
)

// Billing — операции сервиса, доступные через HTTP.
type Billing interface {
	UpsertCustomer(ctx context.Context, event commerce.CustomerEvent) (billing.UpsertResult, error)
	HandleOrderCreated(ctx context.Context, event commerce.OrderEvent) (billing.OrderResult, error)
	HandleOrderCancelled(ctx context.Context, event commerce.OrderCancelledEvent) (billing.CancelResult, error)
	SyncCustomers(ctx context.Context, pageSize int) (billing.SyncReport, error)
	IssueInvoiceNow(ctx context.Context, orderID string) (domain.Order, error)
	IssueCreditNote(ctx context.Context, orderID string) (domain.CreditNote, error)
	RetryJob(ctx context.Context, jobID string) (domain.InvoiceJob, error)
	RetryOrder(ctx context.Context, orderID string) (int, error)
	ResetErrors(ctx context.Context) (billing.ResetReport, error)
	GetOrder(ctx context.Context, orderID string) (billing.OrderView, error)
	ListJobs(ctx context.Context, status domain.JobStatus, limit int) ([]domain.InvoiceJob, error)
	QueueStats(ctx context.Context) (domain.JobStats, error)
}

// Runner запускает один прогон движка повторов.
type Runner interface {
	ProcessOnce(ctx context.Context) retry.RunReport
}

var (
	_ Billing = (*billing.Service)(nil)
	_ Runner  = (*retry.Engine)(nil)
)

type handlers struct {
	billing Billing
	engine  Runner
	logger  *log.Entry
}

func (h *handlers) fail(c *gin.Context, err error) {
	writeError(c, h.logger, err)
}

// bind декодирует JSON-тело; ошибка разбора считается некорректным событием.
func (h *handlers) bind(c *gin.Context, target any) bool {
	if err := c.ShouldBindJSON(target); err != nil {
		h.fail(c, fmt.Errorf("%w: %v", domain.ErrInvalidEvent, err))
		return false
	}
	return true
}

func (h *handlers) customerEvent(c *gin.Context) {
	var event commerce.CustomerEvent
	if !h.bind(c, &event) {
		return
	}
	result, err := h.billing.UpsertCustomer(c.Request.Context(), event)
	if err != nil {
		h.fail(c, err)
		return
	}
	reclassified := result.Reclassified
	if reclassified == nil {
		reclassified = []string{}
	}
	c.JSON(http.StatusOK, gin.H{
		"customer_id":  result.Customer.ExternalID,
		"has_profile":  result.Profile != nil,
		"reclassified": reclassified,
	})
}

func (h *handlers) orderEvent(c *gin.Context) {
	var event commerce.OrderEvent
	if !h.bind(c, &event) {
		return
	}
	result, err := h.billing.HandleOrderCreated(c.Request.Context(), event)
	if err != nil {
		h.fail(c, err)
		return
	}
	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
	}
	body := gin.H{"order": toOrderResponse(result.Order), "created": result.Created}
	if result.Job != nil {
		body["job"] = toJobResponse(*result.Job)
	}
	c.JSON(status, body)
}

func (h *handlers) orderCancelledEvent(c *gin.Context) {
	var event commerce.OrderCancelledEvent
	if !h.bind(c, &event) {
		return
	}
	result, err := h.billing.HandleOrderCancelled(c.Request.Context(), event)
	if err != nil {
		h.fail(c, err)
		return
	}
	body := gin.H{"order": toOrderResponse(result.Order)}
	if result.CreditNote != nil {
		body["credit_note"] = toCreditNoteResponse(*result.CreditNote)
	}
	c.JSON(http.StatusOK, body)
}

func (h *handlers) syncCustomers(c *gin.Context) {
	pageSize, err := queryInt(c, "page_size", 0)
	if err != nil {
		h.fail(c, err)
		return
	}
	report, err := h.billing.SyncCustomers(c.Request.Context(), pageSize)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"pages":        report.Pages,
		"customers":    report.Customers,
		"reclassified": report.Reclassified,
	})
}

func (h *handlers) issueInvoice(c *gin.Context) {
	order, err := h.billing.IssueInvoiceNow(c.Request.Context(), c.Param("orderID"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toOrderResponse(order))
}

func (h *handlers) issueCreditNote(c *gin.Context) {
	note, err := h.billing.IssueCreditNote(c.Request.Context(), c.Param("orderID"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toCreditNoteResponse(note))
}

func (h *handlers) retryJob(c *gin.Context) {
	job, err := h.billing.RetryJob(c.Request.Context(), c.Param("jobID"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toJobResponse(job))
}

func (h *handlers) retryOrder(c *gin.Context) {
	orderID := c.Param("orderID")
	count, err := h.billing.RetryOrder(c.Request.Context(), orderID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order_id": orderID, "jobs_reset": count})
}

func (h *handlers) retryInvoices(c *gin.Context) {
	if h.engine == nil {
		h.fail(c, fmt.Errorf("%w: retry engine is not configured", domain.ErrPrecondition))
		return
	}
	c.JSON(http.StatusOK, h.engine.ProcessOnce(c.Request.Context()))
}

func (h *handlers) resetErrors(c *gin.Context) {
	report, err := h.billing.ResetErrors(c.Request.Context())
	orders := report.Orders
	if orders == nil {
		orders = []string{}
	}
	body := gin.H{"orders": orders, "jobs_reset": report.Jobs, "jobs_enqueued": report.Enqueued}
	if err != nil {
		// частичный результат: часть заказов сброшена
		h.logger.WithError(err).Warn("reset errors finished with failures")
		body["error"] = err.Error()
		c.JSON(http.StatusMultiStatus, body)
		return
	}
	c.JSON(http.StatusOK, body)
}

func (h *handlers) getOrder(c *gin.Context) {
	view, err := h.billing.GetOrder(c.Request.Context(), c.Param("orderID"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toOrderViewResponse(view))
}

func (h *handlers) listJobs(c *gin.Context) {
	limit, err := queryInt(c, "limit", 0)
	if err != nil {
		h.fail(c, err)
		return
	}
	jobs, err := h.billing.ListJobs(c.Request.Context(), domain.JobStatus(c.Query("status")), limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": toJobResponses(jobs)})
}

func (h *handlers) queueStats(c *gin.Context) {
	stats, err := h.billing.QueueStats(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toQueueStatsResponse(stats))
}

func queryInt(c *gin.Context, name string, fallback int) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", domain.ErrPrecondition, name)
	}
	return value, nil
}
