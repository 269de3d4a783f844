// Package httpapi — HTTP-вход событий платформы и операторский API.
package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/einvoice/internal/domain"
)

// Deps — зависимости роутера.
type Deps struct {
	Billing Billing
	// Engine нужен для /admin/invoices/retry; может быть nil.
	Engine Runner
	// Idempotency включает поддержку Idempotency-Key на операторских POST; может быть nil.
	Idempotency domain.IdempotencyRepository
}

// Options задаёт необязательные параметры роутера.
type Options struct {
	Logger         *log.Entry
	IdempotencyTTL time.Duration
	AllowedOrigins []string
}

// Option настраивает роутер.
type Option func(*Options)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

// WithIdempotencyTTL задаёт время жизни ключа идемпотентности.
func WithIdempotencyTTL(ttl time.Duration) Option {
	return func(opts *Options) {
		opts.IdempotencyTTL = ttl
	}
}

// WithAllowedOrigins задаёт источники для CORS. Пустой список разрешает все.
func WithAllowedOrigins(origins []string) Option {
	return func(opts *Options) {
		opts.AllowedOrigins = origins
	}
}

// NewRouter собирает gin.Engine со всеми маршрутами.
func NewRouter(deps Deps, options ...Option) *gin.Engine {
	var opts Options
	for _, option := range options {
		option(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = log.WithField("component", "http-api")
	}

	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(opts.Logger), cors.New(corsConfig(opts.AllowedOrigins)))

	h := &handlers{billing: deps.Billing, engine: deps.Engine, logger: opts.Logger}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	events := router.Group("/events")
	events.POST("/customers", h.customerEvent)
	events.POST("/orders", h.orderEvent)
	events.POST("/orders/cancelled", h.orderCancelledEvent)

	admin := router.Group("/admin")
	mutate := admin.Group("", idempotency(deps.Idempotency, opts.IdempotencyTTL, opts.Logger))
	mutate.POST("/customers/sync", h.syncCustomers)
	mutate.POST("/invoices/retry", h.retryInvoices)
	mutate.POST("/invoices/:orderID/issue", h.issueInvoice)
	mutate.POST("/credit-notes/:orderID/issue", h.issueCreditNote)
	mutate.POST("/jobs/:jobID/retry", h.retryJob)
	mutate.POST("/orders/:orderID/retry", h.retryOrder)
	mutate.POST("/errors/reset", h.resetErrors)

	admin.GET("/orders/:orderID", h.getOrder)
	admin.GET("/jobs", h.listJobs)
	admin.GET("/queue/stats", h.queueStats)

	return router
}

func corsConfig(origins []string) cors.Config {
	config := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:  []string{"Origin", "Content-Type", IdempotencyKeyHeader},
		ExposeHeaders: []string{IdempotencyReplayHeader},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = origins
	}
	return config
}

// requestLogger пишет строку лога на каждый запрос.
func requestLogger(logger *log.Entry) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		entry := logger.WithFields(log.Fields{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
		})
		switch status := c.Writer.Status(); {
		case status >= http.StatusInternalServerError:
			entry.Warn("http request")
		default:
			entry.Debug("http request")
		}
	}
}
