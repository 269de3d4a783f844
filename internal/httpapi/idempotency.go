package httpapi

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/einvoice/internal/domain"
)

const (
	// IdempotencyKeyHeader — заголовок с ключом идемпотентности операторского запроса.
	IdempotencyKeyHeader = "Idempotency-Key"
	// IdempotencyReplayHeader выставляется в ответах, восстановленных из кэша.
	IdempotencyReplayHeader = "Idempotency-Replayed"
	defaultIdempotencyTTL   = 24 * time.Hour
	maxIdempotentBody       = 1 << 20
)

// recordingWriter дублирует тело ответа для кэша идемпотентности.
type recordingWriter struct {
	gin.ResponseWriter
	body bytes.Buffer
}

func (w *recordingWriter) Write(data []byte) (int, error) {
	w.body.Write(data)
	return w.ResponseWriter.Write(data)
}

func (w *recordingWriter) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

// idempotency повторяет сохранённый ответ для запроса с уже использованным ключом.
// Запрос без ключа выполняется как обычно. Тот же ключ с другим телом даёт 409.
func idempotency(repo domain.IdempotencyRepository, ttl time.Duration, logger *log.Entry) gin.HandlerFunc {
	if ttl <= 0 {
		ttl = defaultIdempotencyTTL
	}
	return func(c *gin.Context) {
		key := strings.TrimSpace(c.GetHeader(IdempotencyKeyHeader))
		if repo == nil || key == "" {
			c.Next()
			return
		}

		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxIdempotentBody))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, errorResponse{Error: "failed to read request body"})
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		ctx := c.Request.Context()
		record, err := repo.CreateProcessing(ctx, key, requestHash(c.Request.Method, c.Request.URL.Path, body), time.Now().UTC().Add(ttl))
		if err != nil {
			replay(c, logger, err, record)
			return
		}

		writer := &recordingWriter{ResponseWriter: c.Writer}
		c.Writer = writer
		c.Next()

		status := writer.Status()
		if status >= http.StatusOK && status < http.StatusMultipleChoices {
			err = repo.MarkDone(ctx, key, writer.body.Bytes(), status)
		} else {
			err = repo.MarkFailed(ctx, key, writer.body.Bytes(), status)
		}
		if err != nil {
			logger.WithError(err).WithField("idempotency_key", key).Warn("failed to store idempotent response")
		}
	}
}

func replay(c *gin.Context, logger *log.Entry, createErr error, record domain.IdempotencyRecord) {
	switch {
	case errors.Is(createErr, domain.ErrIdempotencyHashMismatch):
		c.AbortWithStatusJSON(http.StatusConflict, errorResponse{Error: "idempotency key is already used with different request payload"})
	case errors.Is(createErr, domain.ErrIdempotencyKeyAlreadyExists):
		switch record.Status {
		case domain.IdempotencyStatusDone, domain.IdempotencyStatusFailed:
			status := record.HTTPStatus
			if status == 0 {
				status = http.StatusInternalServerError
			}
			c.Header(IdempotencyReplayHeader, "true")
			c.Data(status, "application/json; charset=utf-8", record.ResponseBody)
			c.Abort()
		case domain.IdempotencyStatusProcessing:
			c.AbortWithStatusJSON(http.StatusConflict, errorResponse{Error: "request with the same idempotency key is already processing"})
		default:
			c.AbortWithStatusJSON(http.StatusInternalServerError, errorResponse{Error: "unknown idempotency record status"})
		}
	default:
		logger.WithError(createErr).Warn("failed to create idempotency record")
		c.AbortWithStatusJSON(http.StatusInternalServerError, errorResponse{Error: "failed to initialize idempotency request"})
	}
}

func requestHash(method, path string, body []byte) string {
	payload := make([]byte, 0, len(method)+len(path)+2+len(body))
	payload = append(payload, method...)
	payload = append(payload, ' ')
	payload = append(payload, path...)
	payload = append(payload, ':')
	payload = append(payload, body...)
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
