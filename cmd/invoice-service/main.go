package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/einvoice/internal/app"
	"github.com/vladislavdragonenkov/einvoice/internal/version"
)

const (
	envLogLevel  = "EINV_LOG_LEVEL"
	envLogFormat = "EINV_LOG_FORMAT"
)

// setupLogger настраивает формат и уровень логирования для сервиса.
func setupLogger(lookup app.EnvLookup) []string {
	var warnings []string

	format, _ := lookup(envLogFormat)
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}

	log.SetLevel(log.InfoLevel)
	if raw, ok := lookup(envLogLevel); ok && strings.TrimSpace(raw) != "" {
		level, err := log.ParseLevel(strings.TrimSpace(raw))
		if err != nil {
			warnings = append(warnings, envLogLevel+": "+err.Error()+", using default")
		} else {
			log.SetLevel(level)
		}
	}
	return warnings
}

// loadDotEnv подхватывает .env из рабочего каталога; переменные процесса важнее.
func loadDotEnv() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.WithError(err).Warn("failed to load .env file")
	}
}

func main() {
	loadDotEnv()
	warnings := setupLogger(os.LookupEnv)

	cfg, configWarnings := app.ConfigFromEnv()
	for _, warning := range append(warnings, configWarnings...) {
		log.Warn(warning)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.WithFields(log.Fields{
		"version":        version.GetVersion(),
		"home_country":   cfg.HomeCountry,
		"http_addr":      cfg.HTTPAddr,
		"grpc_addr":      cfg.GRPCAddr,
		"metrics_addr":   cfg.MetricsAddr,
		"storage_driver": cfg.StorageDriver,
	}).Info("запускаем invoice-service")

	if err := app.Run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Fatal("приложение завершилось с ошибкой")
	}

	log.Info("invoice-service остановлен")
}
