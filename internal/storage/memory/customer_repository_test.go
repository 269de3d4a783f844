package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/einvoice/internal/domain"
	"github.com/vladislavdragonenkov/einvoice/internal/storage/memory"
)

func TestCustomerRepository_EnsureExistsThenUpsert(t *testing.T) {
	repo := memory.NewCustomerRepository()
	ctx := context.Background()
	first := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	created, err := repo.EnsureExists(ctx, "c-1", first)
	require.NoError(t, err)
	require.True(t, created)

	created, err = repo.EnsureExists(ctx, "c-1", first.Add(time.Hour))
	require.NoError(t, err)
	require.False(t, created)

	saved, err := repo.Upsert(ctx, domain.Customer{ExternalID: "c-1", Email: "a@b.it", CreatedAt: first.Add(48 * time.Hour)})
	require.NoError(t, err)
	require.True(t, saved.CreatedAt.Equal(first))

	got, err := repo.Get(ctx, "c-1")
	require.NoError(t, err)
	require.Equal(t, "a@b.it", got.Email)

	_, err = repo.Get(ctx, "missing")
	require.ErrorIs(t, err, domain.ErrCustomerNotFound)
}

func TestBillingProfileRepository_UpsertReplacesProfile(t *testing.T) {
	repo := memory.NewBillingProfileRepository()
	ctx := context.Background()

	_, err := repo.Get(ctx, "c-1")
	require.ErrorIs(t, err, domain.ErrProfileNotFound)

	require.NoError(t, repo.Upsert(ctx, domain.BillingProfile{CustomerID: "c-1", IsBusiness: true, VATNumber: "IT1"}))
	profile, err := repo.Get(ctx, "c-1")
	require.NoError(t, err)
	require.True(t, profile.Qualified())

	// клиент перестал быть бизнесом: профиль заменяется, а не удаляется
	require.NoError(t, repo.Upsert(ctx, domain.BillingProfile{CustomerID: "c-1"}))
	profile, err = repo.Get(ctx, "c-1")
	require.NoError(t, err)
	require.False(t, profile.Qualified())
}
