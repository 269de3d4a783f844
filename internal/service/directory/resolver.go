// Package directory реализует политику обновления кэша профилей из справочника платформы.
package directory

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/einvoice/internal/domain"
)

const defaultLookupTimeout = 5 * time.Second

// Options задаёт параметры Resolver.
type Options struct {
	Logger        *log.Entry
	LookupTimeout time.Duration
	Now           func() time.Time
}

// Option настраивает Resolver.
type Option func(*Options)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

// WithLookupTimeout ограничивает одно обращение к справочнику.
func WithLookupTimeout(timeout time.Duration) Option {
	return func(opts *Options) {
		opts.LookupTimeout = timeout
	}
}

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option {
	return func(opts *Options) {
		opts.Now = now
	}
}

// Resolver возвращает профиль клиента по политике refresh-on-read:
// сначала справочник (с записью в кэш), при его отказе кэш.
type Resolver struct {
	directory domain.CustomerDirectory
	customers domain.CustomerRepository
	profiles  domain.BillingProfileRepository
	logger    *log.Entry
	timeout   time.Duration
	now       func() time.Time
}

// NewResolver создаёт Resolver. directory == nil означает работу только по кэшу.
func NewResolver(directory domain.CustomerDirectory, customers domain.CustomerRepository, profiles domain.BillingProfileRepository, options ...Option) *Resolver {
	opts := Options{LookupTimeout: defaultLookupTimeout}
	for _, option := range options {
		option(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = log.WithField("component", "profile-resolver")
	}
	if opts.LookupTimeout <= 0 {
		opts.LookupTimeout = defaultLookupTimeout
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Resolver{
		directory: directory,
		customers: customers,
		profiles:  profiles,
		logger:    opts.Logger,
		timeout:   opts.LookupTimeout,
		now:       opts.Now,
	}
}

// Resolve возвращает актуальный профиль или nil, если профиля нет.
func (r *Resolver) Resolve(ctx context.Context, customerID string) (*domain.BillingProfile, error) {
	if r.directory != nil {
		r.refresh(ctx, customerID)
	}
	return r.cached(ctx, customerID)
}

// Refresh синхронно обновляет кэш одной записью справочника.
func (r *Resolver) Refresh(ctx context.Context, customerID string) (domain.DirectoryEntry, error) {
	if r.directory == nil {
		return domain.DirectoryEntry{}, fmt.Errorf("%w: directory is not configured", domain.ErrDirectoryUnavailable)
	}
	lookupCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	entry, err := r.directory.Lookup(lookupCtx, customerID)
	if err != nil {
		return domain.DirectoryEntry{}, err
	}
	if err := Store(ctx, r.customers, r.profiles, entry); err != nil {
		return domain.DirectoryEntry{}, err
	}
	return entry, nil
}

func (r *Resolver) refresh(ctx context.Context, customerID string) {
	if _, err := r.Refresh(ctx, customerID); err != nil {
		entry := r.logger.WithError(err).WithField("customer_id", customerID)
		if errors.Is(err, domain.ErrCustomerNotFound) {
			entry.Debug("customer unknown to directory, using cache")
			return
		}
		entry.Warn("directory refresh failed, using cache")
	}
}

func (r *Resolver) cached(ctx context.Context, customerID string) (*domain.BillingProfile, error) {
	profile, err := r.profiles.Get(ctx, customerID)
	if err != nil {
		if errors.Is(err, domain.ErrProfileNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("load billing profile: %w", err)
	}
	return &profile, nil
}

// Store записывает запись справочника в кэш. Запись без профиля не трогает
// сохранённый профиль.
func Store(ctx context.Context, customers domain.CustomerRepository, profiles domain.BillingProfileRepository, entry domain.DirectoryEntry) error {
	if _, err := customers.Upsert(ctx, entry.Customer); err != nil {
		return fmt.Errorf("upsert customer: %w", err)
	}
	if entry.Profile == nil {
		return nil
	}
	profile := *entry.Profile
	profile.CustomerID = entry.Customer.ExternalID
	profile.Normalize()
	if err := profiles.Upsert(ctx, profile); err != nil {
		return fmt.Errorf("upsert billing profile: %w", err)
	}
	return nil
}
