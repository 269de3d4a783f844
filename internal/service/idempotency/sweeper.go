// Package idempotency удаляет просроченные ключи операторских запросов: повторная
// отправка «выставить счёт сейчас» или «выставить кредит-ноту» с тем же
// Idempotency-Key после истечения TTL снова доходит до провайдера.
package idempotency

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/einvoice/internal/domain"
	"github.com/vladislavdragonenkov/einvoice/internal/metrics"
)

const (
	DefaultSweepInterval = 10 * time.Minute
	DefaultSweepBatch    = 500
)

// SweepReport — итог одного прохода.
type SweepReport struct {
	Deleted int
	Batches int
}

// Options задаёт параметры KeySweeper.
type Options struct {
	Logger   *log.Entry
	Metrics  *metrics.WorkerMetrics
	Interval time.Duration
	Batch    int
	Now      func() time.Time
}

type Option func(*Options)

func WithLogger(logger *log.Entry) Option {
	return func(opts *Options) { opts.Logger = logger }
}

func WithMetrics(m *metrics.WorkerMetrics) Option {
	return func(opts *Options) { opts.Metrics = m }
}

// WithInterval задаёт паузу между проходами.
func WithInterval(interval time.Duration) Option {
	return func(opts *Options) { opts.Interval = interval }
}

// WithBatch ограничивает число ключей, удаляемых одним запросом к хранилищу.
func WithBatch(batch int) Option {
	return func(opts *Options) { opts.Batch = batch }
}

func WithClock(now func() time.Time) Option {
	return func(opts *Options) { opts.Now = now }
}

// KeySweeper по расписанию удаляет ключи операторских запросов с истёкшим TTL.
type KeySweeper struct {
	keys     domain.IdempotencyRepository
	logger   *log.Entry
	metrics  *metrics.WorkerMetrics
	interval time.Duration
	batch    int
	now      func() time.Time
}

func NewKeySweeper(keys domain.IdempotencyRepository, options ...Option) *KeySweeper {
	opts := Options{Interval: DefaultSweepInterval, Batch: DefaultSweepBatch}
	for _, option := range options {
		option(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = log.WithField("component", "operator-key-sweeper")
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultSweepInterval
	}
	if opts.Batch <= 0 {
		opts.Batch = DefaultSweepBatch
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &KeySweeper{
		keys:     keys,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		interval: opts.Interval,
		batch:    opts.Batch,
		now:      opts.Now,
	}
}

// Run делает проход сразу и затем раз в interval до отмены ctx.
func (s *KeySweeper) Run(ctx context.Context) {
	if s.keys == nil {
		s.logger.Warn("operator key store is not configured, sweeper disabled")
		return
	}

	s.tick(ctx)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *KeySweeper) tick(ctx context.Context) {
	report, err := s.Sweep(ctx)
	switch {
	case errors.Is(err, context.Canceled):
		return
	case err != nil:
		s.metrics.RecordIdempotencyCleanup("error", report.Deleted)
		s.logger.WithError(err).WithField("deleted", report.Deleted).Warn("operator key sweep failed")
		return
	}
	s.metrics.RecordIdempotencyCleanup("ok", report.Deleted)
	if report.Deleted > 0 {
		s.logger.WithFields(log.Fields{
			"deleted": report.Deleted,
			"batches": report.Batches,
		}).Info("expired operator keys removed")
	}
}

// Sweep удаляет ключи, TTL которых истёк к текущему моменту. Неполная пачка
// означает, что просроченных ключей больше нет.
func (s *KeySweeper) Sweep(ctx context.Context) (SweepReport, error) {
	cutoff := s.now()
	var report SweepReport
	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		deleted, err := s.keys.DeleteExpired(ctx, cutoff, s.batch)
		if err != nil {
			return report, err
		}
		report.Batches++
		report.Deleted += deleted
		s.metrics.AddIdempotencyDeleted(deleted)
		if deleted < s.batch {
			return report, nil
		}
	}
}
