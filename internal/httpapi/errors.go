package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/einvoice/internal/commerce"
	"github.com/vladislavdragonenkov/einvoice/internal/domain"
)

// errorResponse — тело ответа с ошибкой.
type errorResponse struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

// statusFor сопоставляет ошибку сервиса HTTP-статусу.
func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case domain.IsValidation(err):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrOrderNotFound),
		errors.Is(err, domain.ErrJobNotFound),
		errors.Is(err, domain.ErrCreditNoteNotFound),
		errors.Is(err, domain.ErrCustomerNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvoiceAlreadyIssued),
		errors.Is(err, domain.ErrCreditNoteExists),
		errors.Is(err, domain.ErrIssueInProgress),
		domain.IsVersionConflict(err),
		domain.IsIdempotencyConflict(err):
		return http.StatusConflict
	case domain.IsPrecondition(err):
		return http.StatusUnprocessableEntity
	case domain.IsExternal(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError отвечает JSON-ошибкой. Внутренние ошибки не раскрываются клиенту.
func writeError(c *gin.Context, logger *log.Entry, err error) {
	status := statusFor(err)
	body := errorResponse{Error: err.Error()}

	var fields commerce.FieldErrors
	if errors.As(err, &fields) {
		body.Fields = fields
	}

	entry := logger.WithError(err).WithFields(log.Fields{
		"method": c.Request.Method,
		"path":   c.FullPath(),
		"status": status,
	})
	if status >= http.StatusInternalServerError {
		if status == http.StatusInternalServerError {
			body.Error = "internal error"
		}
		entry.Error("request failed")
	} else {
		entry.Debug("request rejected")
	}

	c.AbortWithStatusJSON(status, body)
}
