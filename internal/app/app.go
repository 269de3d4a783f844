package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	promgrpc "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/vladislavdragonenkov/einvoice/internal/clearinghouse"
	healthcheck "github.com/vladislavdragonenkov/einvoice/internal/health"
	"github.com/vladislavdragonenkov/einvoice/internal/httpapi"
	"github.com/vladislavdragonenkov/einvoice/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/einvoice/internal/service/idempotency"
	"github.com/vladislavdragonenkov/einvoice/internal/service/outbox"
	"github.com/vladislavdragonenkov/einvoice/internal/version"
)

const shutdownTimeout = 5 * time.Second

// Run поднимает сервис: HTTP API, фоновые воркеры, Kafka consumer,
// метрики и gRPC health. Возвращается после отмены ctx или падения сервера.
func Run(ctx context.Context, cfg Config) error {
	logger := log.WithField("component", "app")

	rt, err := NewRuntime(ctx, cfg, logger, prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			logger.WithError(err).Warn("failed to close storage")
		}
	}()

	kafkaProducer, _ := initKafkaProducer(cfg.KafkaBrokers, logger)
	defer closeKafka(kafkaProducer, logger)

	workersCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()

	outboxCancel, outboxDone := startOutboxWorker(workersCtx, cfg, rt, kafkaProducer, logger)
	cleanupDone := startBackground(workersCtx, func(ctx context.Context) {
		idempotency.NewKeySweeper(rt.Repos.Idempotency,
			idempotency.WithLogger(logger.WithField("component", "operator-key-sweeper")),
			idempotency.WithMetrics(rt.WorkerMetrics),
			idempotency.WithInterval(cfg.IdempotencyCleanupInterval),
			idempotency.WithBatch(cfg.IdempotencyCleanupBatchSize),
		).Run(ctx)
	})
	engineDone := startBackground(workersCtx, func(ctx context.Context) {
		rt.Engine.Run(ctx, cfg.RetryInterval)
	})

	consumer, _ := initKafkaConsumer(cfg, rt.Billing, kafkaProducer, logger)
	if consumer != nil {
		if err := consumer.Start(workersCtx); err != nil {
			logger.WithError(err).Warn("failed to start kafka consumer")
			consumer = nil
		}
	}

	healthHandler := newHealthHandler(cfg, rt)

	router := httpapi.NewRouter(httpapi.Deps{
		Billing:     rt.Billing,
		Engine:      rt.Engine,
		Idempotency: rt.Repos.Idempotency,
	},
		httpapi.WithLogger(logger.WithField("component", "http")),
		httpapi.WithIdempotencyTTL(cfg.IdempotencyTTL),
		httpapi.WithAllowedOrigins(cfg.AllowedOrigins()),
	)
	apiServer := httpapi.NewServer(cfg.HTTPAddr, router)

	metricsSrv := startMetricsServer(ctx, cfg.MetricsAddr, logger, healthHandler)

	grpcServer, healthServer := newGRPCServer(logger)
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		shutdownHTTP(metricsSrv, logger)
		return fmt.Errorf("listen grpc: %w", err)
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Infof("HTTP API слушает %s", cfg.HTTPAddr)
		if err := apiServer.ListenAndServe(); err != nil {
			errCh <- fmt.Errorf("http api: %w", err)
		}
	}()
	go func() {
		logger.Infof("gRPC сервер слушает %s", cfg.GRPCAddr)
		errCh <- grpcServer.Serve(lis)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("получен сигнал остановки, останавливаем сервис")
		runErr = ctx.Err()
	case err := <-errCh:
		if err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			runErr = err
		}
	}

	// Сначала перестаём принимать запросы, затем гасим воркеры.
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	stopGRPC(grpcServer, logger)
	shutdownAPI(apiServer, logger)
	stopKafkaConsumer(consumer, logger)

	cancelWorkers()
	shutdownOutboxWorker(outboxCancel, outboxDone, logger)
	waitBackground(cleanupDone, "idempotency cleanup", logger)
	waitBackground(engineDone, "retry engine", logger)

	shutdownHTTP(metricsSrv, logger)
	return runErr
}

// startOutboxWorker запускает публикацию outbox в Kafka. Без producer'а
// события остаются в outbox до следующего запуска с настроенной Kafka.
func startOutboxWorker(ctx context.Context, cfg Config, rt *Runtime, producer *kafka.Producer, logger *log.Entry) (context.CancelFunc, <-chan struct{}) {
	if producer == nil {
		logger.Warn("kafka is not configured, outbox worker is disabled")
		return nil, nil
	}

	worker := outbox.NewWorker(rt.Repos.Outbox, kafka.NewOutboxPublisher(producer, cfg.InvoiceEventsTopic),
		outbox.WithLogger(logger.WithField("component", "outbox-worker")),
		outbox.WithMetrics(rt.WorkerMetrics),
		outbox.WithDLQPublisher(kafka.NewOutboxPublisher(producer, kafka.TopicDeadLetterQueue)),
		outbox.WithPollInterval(cfg.OutboxPollInterval),
		outbox.WithBatchSize(cfg.OutboxBatchSize),
		outbox.WithMaxAttempts(cfg.OutboxMaxAttempts),
		outbox.WithRetryBaseDelay(cfg.OutboxRetryDelay),
	)

	workerCtx, cancel := context.WithCancel(ctx)
	return cancel, startBackground(workerCtx, worker.Run)
}

// shutdownOutboxWorker останавливает outbox worker и ждёт завершения цикла.
func shutdownOutboxWorker(cancel context.CancelFunc, done <-chan struct{}, logger *log.Entry) {
	if cancel != nil {
		cancel()
	}
	waitBackground(done, "outbox worker", logger)
}

func startBackground(ctx context.Context, fn func(context.Context)) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn(ctx)
	}()
	return done
}

func waitBackground(done <-chan struct{}, name string, logger *log.Entry) {
	if done == nil {
		return
	}
	select {
	case <-done:
	case <-time.After(shutdownTimeout):
		logger.WithField("worker", name).Warn("worker shutdown timeout exceeded")
	}
}

// newHealthHandler собирает проверки готовности сервиса.
func newHealthHandler(cfg Config, rt *Runtime) *healthcheck.Handler {
	handler := healthcheck.NewHandler(version.GetVersion())
	handler.RegisterChecker("storage", rt.storageChecker)
	handler.RegisterChecker("clearinghouse", healthcheck.NewStateChecker("clearinghouse", func(context.Context) (healthcheck.Status, string) {
		switch state := rt.Clearinghouse.Breaker().State(); state {
		case clearinghouse.CircuitOpen:
			return healthcheck.StatusDegraded, "circuit breaker is open"
		case clearinghouse.CircuitHalfOpen:
			return healthcheck.StatusDegraded, "circuit breaker is half-open"
		default:
			return healthcheck.StatusHealthy, ""
		}
	}))
	handler.RegisterChecker("invoice_queue", healthcheck.NewStateChecker("invoice_queue", func(ctx context.Context) (healthcheck.Status, string) {
		stats, err := rt.Repos.Jobs.Stats(ctx)
		if err != nil {
			return healthcheck.StatusUnhealthy, err.Error()
		}
		if cfg.QueueMaxPending > 0 && stats.Pending > cfg.QueueMaxPending {
			return healthcheck.StatusDegraded, fmt.Sprintf("%d pending jobs exceed limit %d", stats.Pending, cfg.QueueMaxPending)
		}
		return healthcheck.StatusHealthy, ""
	}))
	handler.RegisterChecker("outbox", healthcheck.NewStateChecker("outbox", func(ctx context.Context) (healthcheck.Status, string) {
		stats, err := rt.Repos.Outbox.Stats(ctx)
		if err != nil {
			return healthcheck.StatusUnhealthy, err.Error()
		}
		if cfg.OutboxMaxPending > 0 && stats.PendingCount > cfg.OutboxMaxPending {
			return healthcheck.StatusDegraded, fmt.Sprintf("%d pending outbox records exceed limit %d", stats.PendingCount, cfg.OutboxMaxPending)
		}
		return healthcheck.StatusHealthy, ""
	}))
	return handler
}

func newGRPCServer(logger *log.Entry) (*grpc.Server, *health.Server) {
	grpcMetrics := promgrpc.NewServerMetrics()
	if err := prometheus.Register(grpcMetrics); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok2 := are.ExistingCollector.(*promgrpc.ServerMetrics); ok2 {
				grpcMetrics = existing
			}
		} else {
			logger.WithError(err).Warn("failed to register grpc metrics")
		}
	}
	grpcServer := grpc.NewServer(
		grpc.ChainUnaryInterceptor(grpcMetrics.UnaryServerInterceptor()),
		grpc.ChainStreamInterceptor(grpcMetrics.StreamServerInterceptor()),
	)

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	reflection.Register(grpcServer)
	grpcMetrics.InitializeMetrics(grpcServer)
	return grpcServer, healthServer
}

func stopGRPC(server *grpc.Server, logger *log.Entry) {
	stopped := make(chan struct{})
	go func() {
		server.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(shutdownTimeout):
		logger.Warn("graceful stop превысил таймаут, принудительно останавливаем")
		server.Stop()
	}
}

func shutdownAPI(server *httpapi.Server, logger *log.Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Warn("http api shutdown with error")
	}
}

// startMetricsServer запускает HTTP-обработчики /metrics и health checks.
func startMetricsServer(ctx context.Context, addr string, logger *log.Entry, healthHandler *healthcheck.Handler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", healthHandler)
	mux.HandleFunc("/livez", healthcheck.LivenessHandler)
	mux.HandleFunc("/readyz", healthHandler.ReadinessHandler)

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Infof("метрики доступны по адресу %s/metrics", addr)
		logger.Infof("health checks: %s/healthz, %s/livez, %s/readyz", addr, addr, addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Warn("metrics server failed")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownHTTP(srv, logger)
	}()

	return srv
}

// shutdownHTTP аккуратно останавливает HTTP-сервер.
func shutdownHTTP(srv *http.Server, logger *log.Entry) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Warn("metrics shutdown with error")
	}
}
