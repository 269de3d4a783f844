package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/einvoice/internal/clearinghouse"
	"github.com/vladislavdragonenkov/einvoice/internal/commerce"
	"github.com/vladislavdragonenkov/einvoice/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/einvoice/internal/health"
	"github.com/vladislavdragonenkov/einvoice/internal/metrics"
	"github.com/vladislavdragonenkov/einvoice/internal/service/billing"
	"github.com/vladislavdragonenkov/einvoice/internal/service/directory"
	"github.com/vladislavdragonenkov/einvoice/internal/service/issuer"
	"github.com/vladislavdragonenkov/einvoice/internal/service/journal"
	"github.com/vladislavdragonenkov/einvoice/internal/service/retry"
	"github.com/vladislavdragonenkov/einvoice/internal/storage/memory"
	"github.com/vladislavdragonenkov/einvoice/internal/storage/postgres"
)

// Repositories — набор хранилищ одного драйвера.
type Repositories struct {
	Customers   domain.CustomerRepository
	Profiles    domain.BillingProfileRepository
	Orders      domain.OrderRepository
	CreditNotes domain.CreditNoteRepository
	Jobs        domain.InvoiceJobRepository
	Outbox      domain.OutboxRepository
	Timeline    domain.TimelineRepository
	Idempotency domain.IdempotencyRepository
}

type runtimeDependencies struct {
	repos          Repositories
	storageChecker healthcheck.Checker
	closeFn        func() error
}

func initRuntimeDependencies(ctx context.Context, cfg Config, logger *log.Entry) (*runtimeDependencies, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.StorageDriver)) {
	case "", StorageDriverMemory:
		return initMemoryDependencies(logger), nil
	case StorageDriverPostgres:
		return initPostgresDependencies(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver)
	}
}

func initMemoryDependencies(logger *log.Entry) *runtimeDependencies {
	orders, notes := memory.NewOrderRepositories()
	logger.WithField("storage_driver", StorageDriverMemory).Info("storage initialized")
	return &runtimeDependencies{
		repos: Repositories{
			Customers:   memory.NewCustomerRepository(),
			Profiles:    memory.NewBillingProfileRepository(),
			Orders:      orders,
			CreditNotes: notes,
			Jobs:        memory.NewInvoiceJobRepository(),
			Outbox:      memory.NewOutboxRepository(),
			Timeline:    memory.NewTimelineRepository(),
			Idempotency: memory.NewIdempotencyRepository(),
		},
		storageChecker: healthcheck.NewSimpleChecker("storage", func(context.Context) error { return nil }),
		closeFn:        func() error { return nil },
	}
}

func initPostgresDependencies(ctx context.Context, cfg Config, logger *log.Entry) (*runtimeDependencies, error) {
	if strings.TrimSpace(cfg.PostgresDSN) == "" {
		return nil, errors.New("postgres dsn is required for postgres storage driver")
	}

	store, err := postgres.Open(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	if cfg.PostgresAutoMigrate {
		if err := store.MigrateUp(ctx, 0); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("apply postgres migrations: %w", err)
		}
		state, err := store.MigrationStatus(ctx)
		if err == nil {
			logger.WithFields(log.Fields{
				"schema_version": state.Version,
				"applied":        state.Applied,
			}).Info("postgres migrations applied")
		}
	}

	logger.WithField("storage_driver", StorageDriverPostgres).Info("storage initialized")
	return &runtimeDependencies{
		repos: Repositories{
			Customers:   postgres.NewCustomerRepository(store),
			Profiles:    postgres.NewBillingProfileRepository(store),
			Orders:      postgres.NewOrderRepository(store),
			CreditNotes: postgres.NewCreditNoteRepository(store),
			Jobs:        postgres.NewInvoiceJobRepository(store),
			Outbox:      postgres.NewOutboxRepository(store),
			Timeline:    postgres.NewTimelineRepository(store),
			Idempotency: postgres.NewIdempotencyRepository(store),
		},
		storageChecker: healthcheck.NewSimpleChecker("storage", store.Ping),
		closeFn:        store.Close,
	}, nil
}

// Runtime — собранные сервисы приложения поверх выбранного хранилища.
type Runtime struct {
	Config         Config
	Repos          Repositories
	Billing        *billing.Service
	Engine         *retry.Engine
	Issuer         *issuer.Issuer
	Clearinghouse  *clearinghouse.Guarded
	Recorder       *journal.Recorder
	InvoiceMetrics *metrics.InvoiceMetrics
	WorkerMetrics  *metrics.WorkerMetrics

	storageChecker healthcheck.Checker
	closeFn        func() error
}

// NewRuntime открывает хранилище и связывает сервисы выставления счетов.
// Метрики регистрируются в registerer; nil означает prometheus.DefaultRegisterer.
func NewRuntime(ctx context.Context, cfg Config, logger *log.Entry, registerer prometheus.Registerer) (*Runtime, error) {
	if logger == nil {
		logger = log.WithField("component", "app")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	deps, err := initRuntimeDependencies(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	repos := deps.repos

	provider, err := newClearinghouse(cfg, logger)
	if err != nil {
		_ = deps.closeFn()
		return nil, err
	}
	breakerCfg := clearinghouse.DefaultBreakerConfig()
	breakerCfg.MaxFailures = cfg.BreakerMaxFailures
	breakerCfg.ResetTimeout = cfg.BreakerResetTimeout
	guarded := clearinghouse.NewGuarded(provider, clearinghouse.NewCircuitBreaker(breakerCfg, logger.WithField("component", "clearinghouse")))

	invoiceMetrics := metrics.NewInvoiceMetricsWithRegisterer(registerer)
	workerMetrics := metrics.NewWorkerMetricsWithRegisterer(registerer)
	recorder := journal.NewRecorder(repos.Outbox, repos.Timeline, invoiceMetrics, logger.WithField("component", "journal"))

	var customerDirectory domain.CustomerDirectory
	if cfg.DirectoryURL != "" {
		customerDirectory = commerce.NewDirectoryClient(cfg.DirectoryURL, cfg.DirectoryToken, cfg.DirectoryTimeout)
	} else {
		logger.Warn("customer directory is not configured, profiles are served from local cache only")
	}
	resolver := directory.NewResolver(customerDirectory, repos.Customers, repos.Profiles,
		directory.WithLogger(logger.WithField("component", "directory")),
		directory.WithLookupTimeout(cfg.DirectoryTimeout),
	)

	iss := issuer.New(cfg.HomeCountry, issuer.Deps{
		Orders:        repos.Orders,
		CreditNotes:   repos.CreditNotes,
		Customers:     repos.Customers,
		Profiles:      resolver,
		Clearinghouse: guarded,
	},
		issuer.WithLogger(logger.WithField("component", "issuer")),
		issuer.WithTimeout(cfg.ClearinghouseTimeout),
		issuer.WithRecorder(recorder),
		issuer.WithMetrics(invoiceMetrics),
	)

	svc := billing.New(cfg.HomeCountry, billing.Deps{
		Customers:   repos.Customers,
		Profiles:    repos.Profiles,
		Orders:      repos.Orders,
		CreditNotes: repos.CreditNotes,
		Jobs:        repos.Jobs,
		Timeline:    repos.Timeline,
		Resolver:    resolver,
		Directory:   customerDirectory,
		Issuer:      iss,
	},
		billing.WithLogger(logger.WithField("component", "billing")),
		billing.WithRecorder(recorder),
	)

	engine := retry.NewEngine(cfg.HomeCountry, retry.Deps{
		Orders:      repos.Orders,
		Jobs:        repos.Jobs,
		CreditNotes: repos.CreditNotes,
		Issuer:      iss,
	},
		retry.WithLogger(logger.WithField("component", "retry-engine")),
		retry.WithRecorder(recorder),
		retry.WithMetrics(invoiceMetrics),
		retry.WithBatchSize(cfg.RetryBatchSize),
		retry.WithMaxAttempts(cfg.RetryMaxAttempts),
		retry.WithBackoff(cfg.RetryBackoff),
		retry.WithRetention(cfg.JobRetention),
		retry.WithStaleAfter(iss.StaleAfter()),
	)

	return &Runtime{
		Config:         cfg,
		Repos:          repos,
		Billing:        svc,
		Engine:         engine,
		Issuer:         iss,
		Clearinghouse:  guarded,
		Recorder:       recorder,
		InvoiceMetrics: invoiceMetrics,
		WorkerMetrics:  workerMetrics,
		storageChecker: deps.storageChecker,
		closeFn:        deps.closeFn,
	}, nil
}

// Close освобождает хранилище.
func (r *Runtime) Close() error {
	if r == nil || r.closeFn == nil {
		return nil
	}
	return r.closeFn()
}

func newClearinghouse(cfg Config, logger *log.Entry) (domain.Clearinghouse, error) {
	if cfg.ClearinghouseURL != "" {
		logger.WithField("url", cfg.ClearinghouseURL).Info("clearinghouse client initialized")
		return clearinghouse.NewHTTPClient(cfg.ClearinghouseURL, cfg.ClearinghouseToken, cfg.ClearinghouseTimeout), nil
	}
	if cfg.AllowMockIntegrations || cfg.StorageDriver == StorageDriverMemory || cfg.StorageDriver == "" {
		logger.Warn("clearinghouse is not configured, using mock provider")
		return clearinghouse.NewMock(), nil
	}
	return nil, errors.New("clearinghouse url is required unless mock integrations are allowed")
}
