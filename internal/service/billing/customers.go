package billing

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/einvoice/internal/commerce"
	"github.com/vladislavdragonenkov/einvoice/internal/domain"
)

// UpsertResult — итог обработки события клиента.
type UpsertResult struct {
	Customer     domain.Customer
	Profile      *domain.BillingProfile
	Reclassified []string
}

// SyncReport — итог ручной синхронизации со справочником.
type SyncReport struct {
	Pages        int
	Customers    int
	Reclassified int
}

// UpsertCustomer сохраняет клиента и профиль. Событие без блока billing профиль не меняет.
// Если профиль стал квалифицированным, ожидающие заказы клиента ставятся в очередь.
func (s *Service) UpsertCustomer(ctx context.Context, event commerce.CustomerEvent) (UpsertResult, error) {
	if err := commerce.Validate(event); err != nil {
		return UpsertResult{}, err
	}
	now := s.now()
	return s.upsert(ctx, event.Customer(now), event.Profile(now))
}

func (s *Service) upsert(ctx context.Context, customer domain.Customer, profile *domain.BillingProfile) (UpsertResult, error) {
	if errs := customer.Validate(); len(errs) > 0 {
		return UpsertResult{}, errors.Join(errs...)
	}
	saved, err := s.deps.Customers.Upsert(ctx, customer)
	if err != nil {
		return UpsertResult{}, fmt.Errorf("upsert customer: %w", err)
	}
	result := UpsertResult{Customer: saved}

	if profile == nil {
		return result, nil
	}
	profile.CustomerID = saved.ExternalID
	profile.Normalize()
	if err := s.checkProfile(profile); err != nil {
		return UpsertResult{}, err
	}
	if err := s.deps.Profiles.Upsert(ctx, *profile); err != nil {
		return UpsertResult{}, fmt.Errorf("upsert billing profile: %w", err)
	}
	result.Profile = profile

	if !s.homeQualified(profile, saved) {
		return result, nil
	}
	reclassified, err := s.reclassify(ctx, saved.ExternalID)
	if err != nil {
		return result, err
	}
	result.Reclassified = reclassified
	return result, nil
}

// checkProfile отклоняет некорректные реквизиты. Бизнес без налогового идентификатора
// сохраняется: такой профиль не квалифицирован и даёт CORRISPETTIVO.
func (s *Service) checkProfile(profile *domain.BillingProfile) error {
	var errs []error
	for _, err := range profile.Validate() {
		if errors.Is(err, domain.ErrTaxIdentifierRequired) {
			s.logger.WithField("customer_id", profile.CustomerID).Warn("business profile without tax identifier")
			continue
		}
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// homeQualified сообщает, что профиль квалифицирован для домашней юрисдикции.
// Страна берётся из профиля, затем из клиента; без страны профиль считается домашним.
func (s *Service) homeQualified(profile *domain.BillingProfile, customer domain.Customer) bool {
	if !profile.Qualified() {
		return false
	}
	country := profile.Country
	if country == "" {
		country = customer.Country
	}
	return country == "" || domain.SameCountry(country, s.homeCountry)
}

// reclassify переводит ожидающие профиля заказы клиента в HasVATProfile и ставит по одной задаче.
// Задачу ставит только тот, чьё сохранение флага прошло проверку версии.
func (s *Service) reclassify(ctx context.Context, customerID string) ([]string, error) {
	orders, err := s.deps.Orders.ListByCustomer(ctx, customerID, 0)
	if err != nil {
		return nil, fmt.Errorf("list customer orders: %w", err)
	}

	var flipped []string
	for _, candidate := range orders {
		if !domain.AwaitingProfile(candidate) {
			continue
		}
		_, changed, err := s.mutateOrder(ctx, candidate.ExternalID, func(order *domain.Order) (bool, error) {
			if !domain.AwaitingProfile(*order) {
				return false, nil
			}
			order.HasVATProfile = true
			order.UpdatedAt = s.now()
			return true, nil
		})
		if err != nil {
			return flipped, fmt.Errorf("reclassify order %s: %w", candidate.ExternalID, err)
		}
		if !changed {
			continue
		}
		s.recorder.Note(ctx, candidate.ExternalID, domain.TimelineReclassified, "qualified billing profile")
		if _, err := s.enqueueJob(ctx, candidate.ExternalID); err != nil {
			return flipped, fmt.Errorf("enqueue job for order %s: %w", candidate.ExternalID, err)
		}
		flipped = append(flipped, candidate.ExternalID)
	}

	if len(flipped) > 0 {
		s.logger.WithFields(log.Fields{
			"customer_id": customerID,
			"orders":      len(flipped),
		}).Info("orders reclassified after profile upsert")
	}
	return flipped, nil
}

// SyncCustomers проходит справочник постранично до пустого курсора.
func (s *Service) SyncCustomers(ctx context.Context, pageSize int) (SyncReport, error) {
	if s.deps.Directory == nil {
		return SyncReport{}, fmt.Errorf("%w: directory is not configured", domain.ErrDirectoryUnavailable)
	}
	if pageSize <= 0 {
		pageSize = defaultSyncPage
	}

	var (
		report SyncReport
		cursor string
		seen   = map[string]struct{}{}
	)
	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		page, err := s.deps.Directory.List(ctx, cursor, pageSize)
		if err != nil {
			return report, fmt.Errorf("list directory page %d: %w", report.Pages+1, err)
		}
		report.Pages++

		for _, entry := range page.Entries {
			result, err := s.upsert(ctx, entry.Customer, entry.Profile)
			if err != nil {
				return report, fmt.Errorf("sync customer %s: %w", entry.Customer.ExternalID, err)
			}
			report.Customers++
			report.Reclassified += len(result.Reclassified)
		}

		if page.NextCursor == "" {
			break
		}
		if _, dup := seen[page.NextCursor]; dup {
			return report, fmt.Errorf("%w: directory returned cursor %q twice", domain.ErrDirectoryUnavailable, page.NextCursor)
		}
		seen[page.NextCursor] = struct{}{}
		cursor = page.NextCursor
	}

	s.logger.WithFields(log.Fields{
		"pages":        report.Pages,
		"customers":    report.Customers,
		"reclassified": report.Reclassified,
	}).Info("customer directory synced")
	return report, nil
}
