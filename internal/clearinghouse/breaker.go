package clearinghouse

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/einvoice/internal/domain"
)

// ErrCircuitOpen возвращается без обращения к провайдеру, пока breaker открыт.
var ErrCircuitOpen = fmt.Errorf("%w: circuit breaker is open", domain.ErrClearinghouseUnavailable)

// CircuitState — состояние breaker'а.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig — параметры срабатывания.
type BreakerConfig struct {
	MaxFailures      int
	SuccessThreshold int
	ResetTimeout     time.Duration
}

// DefaultBreakerConfig возвращает конфигурацию по умолчанию.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxFailures:      5,
		SuccessThreshold: 1,
		ResetTimeout:     60 * time.Second,
	}
}

// CircuitBreaker считает подряд идущие ошибки и на время закрывает доступ к провайдеру.
type CircuitBreaker struct {
	mu     sync.Mutex
	cfg    BreakerConfig
	logger *log.Entry
	now    func() time.Time

	state       CircuitState
	failures    int
	successes   int
	lastFailure time.Time
}

// NewCircuitBreaker создаёт breaker в закрытом состоянии.
func NewCircuitBreaker(cfg BreakerConfig, logger *log.Entry) *CircuitBreaker {
	def := DefaultBreakerConfig()
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = def.MaxFailures
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = def.ResetTimeout
	}
	if logger == nil {
		logger = log.New().WithField("component", "clearinghouse-breaker")
	}
	return &CircuitBreaker{
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		state:  CircuitClosed,
	}
}

// State возвращает текущее состояние с учётом истёкшего ResetTimeout.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.currentLocked()
}

func (cb *CircuitBreaker) currentLocked() CircuitState {
	if cb.state == CircuitOpen && cb.now().Sub(cb.lastFailure) >= cb.cfg.ResetTimeout {
		cb.state = CircuitHalfOpen
		cb.successes = 0
		cb.logger.Info("Circuit breaker half-open")
	}
	return cb.state
}

// Execute выполняет fn, если breaker не открыт.
func (cb *CircuitBreaker) Execute(operation string, fn func() error) error {
	cb.mu.Lock()
	if cb.currentLocked() == CircuitOpen {
		cb.mu.Unlock()
		return ErrCircuitOpen
	}
	cb.mu.Unlock()

	err := fn()

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.failures++
		cb.lastFailure = cb.now()
		if cb.state == CircuitHalfOpen || cb.failures >= cb.cfg.MaxFailures {
			if cb.state != CircuitOpen {
				cb.logger.WithFields(log.Fields{
					"operation": operation,
					"failures":  cb.failures,
				}).Warn("Circuit breaker opened")
			}
			cb.state = CircuitOpen
			cb.failures = 0
		}
		return err
	}

	switch cb.state {
	case CircuitHalfOpen:
		cb.successes++
		if cb.successes >= cb.cfg.SuccessThreshold {
			cb.state = CircuitClosed
			cb.logger.WithField("operation", operation).Info("Circuit breaker closed")
		}
	default:
		cb.failures = 0
	}
	return nil
}

// Guarded оборачивает клиента провайдера breaker'ом.
type Guarded struct {
	next    domain.Clearinghouse
	breaker *CircuitBreaker
}

// NewGuarded создаёт защищённого клиента.
func NewGuarded(next domain.Clearinghouse, breaker *CircuitBreaker) *Guarded {
	return &Guarded{next: next, breaker: breaker}
}

// Breaker нужен health-проверке.
func (g *Guarded) Breaker() *CircuitBreaker {
	return g.breaker
}

func (g *Guarded) IssueInvoice(ctx context.Context, doc domain.InvoiceDocument) (domain.Receipt, error) {
	var receipt domain.Receipt
	err := g.breaker.Execute("issue_invoice", func() error {
		var callErr error
		receipt, callErr = g.next.IssueInvoice(ctx, doc)
		return callErr
	})
	return receipt, err
}

func (g *Guarded) IssueCreditNote(ctx context.Context, doc domain.InvoiceDocument) (domain.Receipt, error) {
	var receipt domain.Receipt
	err := g.breaker.Execute("issue_credit_note", func() error {
		var callErr error
		receipt, callErr = g.next.IssueCreditNote(ctx, doc)
		return callErr
	})
	return receipt, err
}

var _ domain.Clearinghouse = (*Guarded)(nil)
