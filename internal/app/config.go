package app

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// StorageDriverMemory — хранилище в памяти процесса.
	StorageDriverMemory = "memory"
	// StorageDriverPostgres — хранилище в PostgreSQL.
	StorageDriverPostgres = "postgres"
)

// Config описывает настройки запуска сервиса и CLI.
type Config struct {
	HomeCountry string

	HTTPAddr    string
	GRPCAddr    string
	MetricsAddr string
	// CORSAllowedOrigins — origins через запятую; пустое значение разрешает любые.
	CORSAllowedOrigins string

	StorageDriver       string
	PostgresDSN         string
	PostgresAutoMigrate bool

	// KafkaBrokers — список брокеров через запятую; пустое значение отключает Kafka.
	KafkaBrokers       string
	KafkaGroupID       string
	KafkaConsume       bool
	InvoiceEventsTopic string

	ClearinghouseURL     string
	ClearinghouseToken   string
	ClearinghouseTimeout time.Duration
	BreakerMaxFailures   int
	BreakerResetTimeout  time.Duration

	// DirectoryURL пустой — профили берутся только из локального кэша.
	DirectoryURL     string
	DirectoryToken   string
	DirectoryTimeout time.Duration

	// AllowMockIntegrations разрешает mock провайдера при хранилище postgres.
	AllowMockIntegrations bool

	RetryInterval    time.Duration
	RetryBatchSize   int
	RetryMaxAttempts int
	RetryBackoff     time.Duration
	JobRetention     time.Duration
	// QueueMaxPending — порог очереди, после которого readiness сообщает degraded; 0 отключает.
	QueueMaxPending int

	OutboxPollInterval time.Duration
	OutboxBatchSize    int
	OutboxMaxAttempts  int
	OutboxRetryDelay   time.Duration
	OutboxMaxPending   int

	IdempotencyTTL              time.Duration
	IdempotencyCleanupInterval  time.Duration
	IdempotencyCleanupBatchSize int
}

// DefaultConfig возвращает настройки для локального запуска.
func DefaultConfig() Config {
	return Config{
		HomeCountry: "IT",

		HTTPAddr:    ":8080",
		GRPCAddr:    ":50051",
		MetricsAddr: ":9090",

		StorageDriver:       StorageDriverMemory,
		PostgresAutoMigrate: true,

		KafkaGroupID:       "einvoice",
		KafkaConsume:       true,
		InvoiceEventsTopic: "einv.invoice.events",

		ClearinghouseTimeout: 30 * time.Second,
		BreakerMaxFailures:   5,
		BreakerResetTimeout:  60 * time.Second,
		DirectoryTimeout:     5 * time.Second,

		RetryInterval:    time.Minute,
		RetryBatchSize:   10,
		RetryMaxAttempts: 3,
		RetryBackoff:     5 * time.Minute,
		JobRetention:     7 * 24 * time.Hour,
		QueueMaxPending:  1000,

		OutboxPollInterval: time.Second,
		OutboxBatchSize:    100,
		OutboxMaxAttempts:  3,
		OutboxRetryDelay:   50 * time.Millisecond,
		OutboxMaxPending:   1000,

		IdempotencyTTL:              24 * time.Hour,
		IdempotencyCleanupInterval:  10 * time.Minute,
		IdempotencyCleanupBatchSize: 500,
	}
}

// Имена переменных окружения.
const (
	EnvHomeCountry                 = "EINV_HOME_COUNTRY"
	EnvHTTPAddr                    = "EINV_HTTP_ADDR"
	EnvGRPCAddr                    = "EINV_GRPC_ADDR"
	EnvMetricsAddr                 = "EINV_METRICS_ADDR"
	EnvCORSAllowedOrigins          = "EINV_CORS_ALLOWED_ORIGINS"
	EnvStorageDriver               = "EINV_STORAGE_DRIVER"
	EnvPostgresDSN                 = "EINV_POSTGRES_DSN"
	EnvPostgresAutoMigrate         = "EINV_POSTGRES_AUTO_MIGRATE"
	EnvKafkaBrokers                = "EINV_KAFKA_BROKERS"
	EnvKafkaGroupID                = "EINV_KAFKA_GROUP_ID"
	EnvKafkaConsume                = "EINV_KAFKA_CONSUME"
	EnvInvoiceEventsTopic          = "EINV_INVOICE_EVENTS_TOPIC"
	EnvClearinghouseURL            = "EINV_CLEARINGHOUSE_URL"
	EnvClearinghouseToken          = "EINV_CLEARINGHOUSE_TOKEN"
	EnvClearinghouseTimeout        = "EINV_CLEARINGHOUSE_TIMEOUT"
	EnvBreakerMaxFailures          = "EINV_BREAKER_MAX_FAILURES"
	EnvBreakerResetTimeout         = "EINV_BREAKER_RESET_TIMEOUT"
	EnvDirectoryURL                = "EINV_DIRECTORY_URL"
	EnvDirectoryToken              = "EINV_DIRECTORY_TOKEN"
	EnvDirectoryTimeout            = "EINV_DIRECTORY_TIMEOUT"
	EnvAllowMockIntegrations       = "EINV_ALLOW_MOCK_INTEGRATIONS"
	EnvRetryInterval               = "EINV_RETRY_INTERVAL"
	EnvRetryBatchSize              = "EINV_RETRY_BATCH_SIZE"
	EnvRetryMaxAttempts            = "EINV_RETRY_MAX_ATTEMPTS"
	EnvRetryBackoff                = "EINV_RETRY_BACKOFF"
	EnvJobRetention                = "EINV_JOB_RETENTION"
	EnvQueueMaxPending             = "EINV_QUEUE_MAX_PENDING"
	EnvOutboxPollInterval          = "EINV_OUTBOX_POLL_INTERVAL"
	EnvOutboxBatchSize             = "EINV_OUTBOX_BATCH_SIZE"
	EnvOutboxMaxAttempts           = "EINV_OUTBOX_MAX_ATTEMPTS"
	EnvOutboxRetryDelay            = "EINV_OUTBOX_RETRY_DELAY"
	EnvOutboxMaxPending            = "EINV_OUTBOX_MAX_PENDING"
	EnvIdempotencyTTL              = "EINV_IDEMPOTENCY_TTL"
	EnvIdempotencyCleanupInterval  = "EINV_IDEMPOTENCY_CLEANUP_INTERVAL"
	EnvIdempotencyCleanupBatchSize = "EINV_IDEMPOTENCY_CLEANUP_BATCH_SIZE"
)

// EnvLookup читает переменную окружения; сигнатура совпадает с os.LookupEnv.
type EnvLookup func(key string) (string, bool)

// ConfigFromEnv читает конфигурацию из окружения процесса.
func ConfigFromEnv() (Config, []string) {
	return ReadConfigFromEnv(os.LookupEnv)
}

// ReadConfigFromEnv накладывает переменные окружения на DefaultConfig.
// Некорректные значения пропускаются; по каждому возвращается предупреждение.
func ReadConfigFromEnv(lookup EnvLookup) (Config, []string) {
	cfg := DefaultConfig()
	r := envReader{lookup: lookup}

	r.str(EnvHomeCountry, func(v string) { cfg.HomeCountry = strings.ToUpper(v) })
	r.str(EnvHTTPAddr, func(v string) { cfg.HTTPAddr = v })
	r.str(EnvGRPCAddr, func(v string) { cfg.GRPCAddr = v })
	r.str(EnvMetricsAddr, func(v string) { cfg.MetricsAddr = v })
	r.str(EnvCORSAllowedOrigins, func(v string) { cfg.CORSAllowedOrigins = v })
	r.str(EnvStorageDriver, func(v string) { cfg.StorageDriver = strings.ToLower(v) })
	r.str(EnvPostgresDSN, func(v string) { cfg.PostgresDSN = v })
	r.boolean(EnvPostgresAutoMigrate, &cfg.PostgresAutoMigrate)
	r.str(EnvKafkaBrokers, func(v string) { cfg.KafkaBrokers = v })
	r.str(EnvKafkaGroupID, func(v string) { cfg.KafkaGroupID = v })
	r.boolean(EnvKafkaConsume, &cfg.KafkaConsume)
	r.str(EnvInvoiceEventsTopic, func(v string) { cfg.InvoiceEventsTopic = v })
	r.str(EnvClearinghouseURL, func(v string) { cfg.ClearinghouseURL = v })
	r.str(EnvClearinghouseToken, func(v string) { cfg.ClearinghouseToken = v })
	r.duration(EnvClearinghouseTimeout, &cfg.ClearinghouseTimeout, positiveDuration, "must be > 0")
	r.integer(EnvBreakerMaxFailures, &cfg.BreakerMaxFailures, positiveInt, "must be > 0")
	r.duration(EnvBreakerResetTimeout, &cfg.BreakerResetTimeout, positiveDuration, "must be > 0")
	r.str(EnvDirectoryURL, func(v string) { cfg.DirectoryURL = v })
	r.str(EnvDirectoryToken, func(v string) { cfg.DirectoryToken = v })
	r.duration(EnvDirectoryTimeout, &cfg.DirectoryTimeout, positiveDuration, "must be > 0")
	r.boolean(EnvAllowMockIntegrations, &cfg.AllowMockIntegrations)
	r.duration(EnvRetryInterval, &cfg.RetryInterval, positiveDuration, "must be > 0")
	r.integer(EnvRetryBatchSize, &cfg.RetryBatchSize, positiveInt, "must be > 0")
	r.integer(EnvRetryMaxAttempts, &cfg.RetryMaxAttempts, positiveInt, "must be > 0")
	r.duration(EnvRetryBackoff, &cfg.RetryBackoff, nonNegativeDuration, "must be >= 0")
	r.duration(EnvJobRetention, &cfg.JobRetention, positiveDuration, "must be > 0")
	r.integer(EnvQueueMaxPending, &cfg.QueueMaxPending, nonNegativeInt, "must be >= 0")
	r.duration(EnvOutboxPollInterval, &cfg.OutboxPollInterval, positiveDuration, "must be > 0")
	r.integer(EnvOutboxBatchSize, &cfg.OutboxBatchSize, positiveInt, "must be > 0")
	r.integer(EnvOutboxMaxAttempts, &cfg.OutboxMaxAttempts, positiveInt, "must be > 0")
	r.duration(EnvOutboxRetryDelay, &cfg.OutboxRetryDelay, nonNegativeDuration, "must be >= 0")
	r.integer(EnvOutboxMaxPending, &cfg.OutboxMaxPending, nonNegativeInt, "must be >= 0")
	r.duration(EnvIdempotencyTTL, &cfg.IdempotencyTTL, positiveDuration, "must be > 0")
	r.duration(EnvIdempotencyCleanupInterval, &cfg.IdempotencyCleanupInterval, positiveDuration, "must be > 0")
	r.integer(EnvIdempotencyCleanupBatchSize, &cfg.IdempotencyCleanupBatchSize, positiveInt, "must be > 0")

	return cfg, r.warnings
}

// Validate проверяет согласованность настроек перед запуском.
func (c Config) Validate() error {
	switch c.StorageDriver {
	case "", StorageDriverMemory:
	case StorageDriverPostgres:
		if strings.TrimSpace(c.PostgresDSN) == "" {
			return fmt.Errorf("%s is required for storage driver %q", EnvPostgresDSN, c.StorageDriver)
		}
	default:
		return fmt.Errorf("unsupported storage driver %q", c.StorageDriver)
	}
	if len(strings.TrimSpace(c.HomeCountry)) != 2 {
		return fmt.Errorf("home country must be a two-letter code, got %q", c.HomeCountry)
	}
	if c.ClearinghouseURL == "" && c.StorageDriver == StorageDriverPostgres && !c.AllowMockIntegrations {
		return fmt.Errorf("%s is required with postgres storage (set %s to use the mock)", EnvClearinghouseURL, EnvAllowMockIntegrations)
	}
	return nil
}

// Brokers возвращает список Kafka-брокеров.
func (c Config) Brokers() []string {
	return splitList(c.KafkaBrokers)
}

// AllowedOrigins возвращает список разрешённых CORS origins.
func (c Config) AllowedOrigins() []string {
	return splitList(c.CORSAllowedOrigins)
}

type envReader struct {
	lookup   EnvLookup
	warnings []string
}

func (r *envReader) value(key string) (string, bool) {
	raw, ok := r.lookup(key)
	if !ok {
		return "", false
	}
	raw = strings.TrimSpace(raw)
	return raw, raw != ""
}

func (r *envReader) warn(key string, err error) {
	r.warnings = append(r.warnings, fmt.Sprintf("%s: %v, using default", key, err))
}

func (r *envReader) str(key string, set func(string)) {
	if v, ok := r.value(key); ok {
		set(v)
	}
}

func (r *envReader) boolean(key string, target *bool) {
	v, ok := r.value(key)
	if !ok {
		return
	}
	parsed, err := parseBool(v)
	if err != nil {
		r.warn(key, err)
		return
	}
	*target = parsed
}

func (r *envReader) integer(key string, target *int, valid func(int) bool, rule string) {
	v, ok := r.value(key)
	if !ok {
		return
	}
	parsed, err := parseInt(v, valid, rule)
	if err != nil {
		r.warn(key, err)
		return
	}
	*target = parsed
}

func (r *envReader) duration(key string, target *time.Duration, valid func(time.Duration) bool, rule string) {
	v, ok := r.value(key)
	if !ok {
		return
	}
	parsed, err := parseDuration(v, valid, rule)
	if err != nil {
		r.warn(key, err)
		return
	}
	*target = parsed
}

func parseBool(raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "on", "y":
		return true, nil
	case "0", "false", "no", "off", "n":
		return false, nil
	default:
		return false, fmt.Errorf("invalid bool value %q", raw)
	}
}

func parseInt(raw string, valid func(int) bool, rule string) (int, error) {
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid int value %q", raw)
	}
	if valid != nil && !valid(value) {
		return 0, fmt.Errorf("value %d %s", value, rule)
	}
	return value, nil
}

func parseDuration(raw string, valid func(time.Duration) bool, rule string) (time.Duration, error) {
	value, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid duration value %q", raw)
	}
	if valid != nil && !valid(value) {
		return 0, fmt.Errorf("value %s %s", value, rule)
	}
	return value, nil
}

func positiveInt(v int) bool { return v > 0 }
func nonNegativeInt(v int) bool { return v >= 0 }
func positiveDuration(v time.Duration) bool { return v > 0 }
func nonNegativeDuration(v time.Duration) bool { return v >= 0 }
