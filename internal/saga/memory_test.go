package saga

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taxfiler/internal/authority"
	"taxfiler/internal/common/errors"
)

func TestMemoryRepository_Versioning(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	s := &Saga{ID: "s1", TaxpayerID: testNINO, TaxYear: testTaxYear, State: StateInitiated}
	require.NoError(t, repo.CreateSaga(ctx, s))
	assert.Equal(t, int64(1), s.Version)

	stale := s.Clone()
	s.State = StateCalculating
	require.NoError(t, repo.UpdateSaga(ctx, s, s.Version))
	assert.Equal(t, int64(2), s.Version)

	stale.State = StateFailed
	err := repo.UpdateSaga(ctx, stale, stale.Version)
	assert.Equal(t, errors.KindVersionConflict, errors.KindOf(err))

	stored, err := repo.GetSaga(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, StateCalculating, stored.State)

	err = repo.UpdateSaga(ctx, &Saga{ID: "missing"}, 1)
	assert.Equal(t, errors.KindNotFound, errors.KindOf(err))
}

func TestMemoryRepository_ActiveUniqueness(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	first := &Saga{ID: "a", TaxpayerID: testNINO, TaxYear: testTaxYear, State: StateInitiated, CreatedAt: time.Now()}
	require.NoError(t, repo.CreateSaga(ctx, first))

	err := repo.CreateSaga(ctx, &Saga{ID: "b", TaxpayerID: testNINO, TaxYear: testTaxYear, State: StateInitiated})
	assert.Equal(t, errors.KindDuplicate, errors.KindOf(err))

	first.State = StateCompleted
	require.NoError(t, repo.UpdateSaga(ctx, first, first.Version))

	second := &Saga{ID: "b", TaxpayerID: testNINO, TaxYear: testTaxYear, State: StateInitiated, CreatedAt: time.Now().Add(time.Second)}
	require.NoError(t, repo.CreateSaga(ctx, second))

	active, err := repo.FindActiveSaga(ctx, testNINO, testTaxYear)
	require.NoError(t, err)
	assert.Equal(t, "b", active.ID)

	latest, err := repo.FindLatestSaga(ctx, testNINO, testTaxYear)
	require.NoError(t, err)
	assert.Equal(t, "b", latest.ID)

	list, err := repo.ListSagas(ctx, testNINO)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "b", list[0].ID)

	none, err := repo.FindActiveSaga(ctx, testNINO, "2030-31")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestMemoryRepository_StoresCopies(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	s := &Saga{ID: "c", TaxpayerID: testNINO, TaxYear: testTaxYear, State: StateCalculated,
		CalculationResult: &authority.CalculationResult{TotalDue: 100}}
	require.NoError(t, repo.CreateSaga(ctx, s))
	s.CalculationResult.TotalDue = 999

	stored, err := repo.GetSaga(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, authority.Pence(100), stored.CalculationResult.TotalDue)
}
