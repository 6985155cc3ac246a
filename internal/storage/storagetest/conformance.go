// Package storagetest holds the behaviour every storage backend must share.
package storagetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taxfiler/internal/authority"
	"taxfiler/internal/common/errors"
	"taxfiler/internal/saga"
	"taxfiler/internal/storage"
)

// NewSaga returns an INITIATED saga created at base plus offset seconds
func NewSaga(id, taxpayer, taxYear string, base time.Time, offset int) *saga.Saga {
	at := base.Add(time.Duration(offset) * time.Second)
	return &saga.Saga{
		ID:             id,
		TaxpayerID:     taxpayer,
		TaxYear:        taxYear,
		State:          saga.StateInitiated,
		CalculationKey: id + "-calc",
		DeclarationKey: id + "-decl",
		CreatedAt:      at,
		UpdatedAt:      at,
	}
}

// Run exercises store against the shared contract. open must return an
// empty store.
func Run(t *testing.T, open func(t *testing.T) storage.Storage) {
	base := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)

	t.Run("settings", func(t *testing.T) {
		store := open(t)
		ctx := context.Background()

		value, err := store.GetSetting(ctx, "missing")
		require.NoError(t, err)
		assert.Equal(t, "", value)

		require.NoError(t, store.SetSetting(ctx, "profile_nino", "QQ123456C"))
		require.NoError(t, store.SetSetting(ctx, "profile_nino", "AB123456D"))
		value, err = store.GetSetting(ctx, "profile_nino")
		require.NoError(t, err)
		assert.Equal(t, "AB123456D", value)
		assert.NoError(t, store.Ping(ctx))
	})

	t.Run("create and get round trip", func(t *testing.T) {
		store := open(t)
		ctx := context.Background()

		s := NewSaga("s1", "QQ123456C", "2024-25", base, 0)
		require.NoError(t, store.CreateSaga(ctx, s))
		assert.Equal(t, int64(1), s.Version)

		got, err := store.GetSaga(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, saga.StateInitiated, got.State)
		assert.Equal(t, "s1-calc", got.CalculationKey)
		assert.Equal(t, "s1-decl", got.DeclarationKey)
		assert.True(t, base.Equal(got.CreatedAt))
		assert.Nil(t, got.CalculationResult)
		assert.Nil(t, got.Declaration)

		_, err = store.GetSaga(ctx, "nope")
		assert.Equal(t, errors.KindNotFound, errors.KindOf(err))
	})

	t.Run("sealed documents survive", func(t *testing.T) {
		store := open(t)
		ctx := context.Background()

		s := NewSaga("s1", "QQ123456C", "2024-25", base, 0)
		require.NoError(t, store.CreateSaga(ctx, s))

		s.State = saga.StateCalculated
		s.CalculationReference = "calc-1"
		s.CalculationResult = &authority.CalculationResult{
			CalculationID: "calc-1",
			TotalIncome:   authority.Pence(4500000),
			TotalDue:      authority.Pence(612345),
		}
		s.Declaration = &authority.Declaration{
			AcceptedAt: base,
			Hash:       "0000000000000000000000000000000000000000000000000000000000000000",
		}
		require.NoError(t, store.UpdateSaga(ctx, s, 1))

		got, err := store.GetSaga(ctx, "s1")
		require.NoError(t, err)
		require.NotNil(t, got.CalculationResult)
		assert.Equal(t, authority.Pence(612345), got.CalculationResult.TotalDue)
		require.NotNil(t, got.Declaration)
		assert.Equal(t, s.Declaration.Hash, got.Declaration.Hash)
	})

	t.Run("one active saga per taxpayer and year", func(t *testing.T) {
		store := open(t)
		ctx := context.Background()

		require.NoError(t, store.CreateSaga(ctx, NewSaga("s1", "QQ123456C", "2024-25", base, 0)))

		err := store.CreateSaga(ctx, NewSaga("s2", "QQ123456C", "2024-25", base, 1))
		assert.Equal(t, errors.KindDuplicate, errors.KindOf(err))

		require.NoError(t, store.CreateSaga(ctx, NewSaga("s3", "QQ123456C", "2023-24", base, 2)))
		require.NoError(t, store.CreateSaga(ctx, NewSaga("s4", "AB123456D", "2024-25", base, 3)))

		err = store.CreateSaga(ctx, NewSaga("s1", "ZZ999999A", "2022-23", base, 4))
		assert.Equal(t, errors.KindDuplicate, errors.KindOf(err))
	})

	t.Run("completed saga frees the slot", func(t *testing.T) {
		store := open(t)
		ctx := context.Background()

		s := NewSaga("s1", "QQ123456C", "2024-25", base, 0)
		require.NoError(t, store.CreateSaga(ctx, s))
		s.State = saga.StateCompleted
		s.ChargeReference = "XM002610011594"
		require.NoError(t, store.UpdateSaga(ctx, s, 1))

		active, err := store.FindActiveSaga(ctx, "QQ123456C", "2024-25")
		require.NoError(t, err)
		assert.Nil(t, active)

		require.NoError(t, store.CreateSaga(ctx, NewSaga("s2", "QQ123456C", "2024-25", base, 10)))

		active, err = store.FindActiveSaga(ctx, "QQ123456C", "2024-25")
		require.NoError(t, err)
		require.NotNil(t, active)
		assert.Equal(t, "s2", active.ID)

		latest, err := store.FindLatestSaga(ctx, "QQ123456C", "2024-25")
		require.NoError(t, err)
		assert.Equal(t, "s2", latest.ID)
	})

	t.Run("optimistic versioning", func(t *testing.T) {
		store := open(t)
		ctx := context.Background()

		s := NewSaga("s1", "QQ123456C", "2024-25", base, 0)
		require.NoError(t, store.CreateSaga(ctx, s))

		s.State = saga.StateCalculating
		require.NoError(t, store.UpdateSaga(ctx, s, 1))
		assert.Equal(t, int64(2), s.Version)

		stale := s.Clone()
		stale.State = saga.StateFailed
		err := store.UpdateSaga(ctx, stale, 1)
		assert.Equal(t, errors.KindVersionConflict, errors.KindOf(err))

		got, err := store.GetSaga(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, saga.StateCalculating, got.State)
		assert.Equal(t, int64(2), got.Version)

		missing := NewSaga("ghost", "QQ123456C", "2020-21", base, 0)
		err = store.UpdateSaga(ctx, missing, 1)
		assert.Equal(t, errors.KindNotFound, errors.KindOf(err))
	})

	t.Run("list newest first", func(t *testing.T) {
		store := open(t)
		ctx := context.Background()

		require.NoError(t, store.CreateSaga(ctx, NewSaga("old", "QQ123456C", "2022-23", base, 0)))
		require.NoError(t, store.CreateSaga(ctx, NewSaga("new", "QQ123456C", "2024-25", base, 20)))
		require.NoError(t, store.CreateSaga(ctx, NewSaga("mid", "QQ123456C", "2023-24", base, 10)))
		require.NoError(t, store.CreateSaga(ctx, NewSaga("other", "AB123456D", "2024-25", base, 30)))

		sagas, err := store.ListSagas(ctx, "QQ123456C")
		require.NoError(t, err)
		ids := make([]string, len(sagas))
		for i, s := range sagas {
			ids[i] = s.ID
		}
		assert.Equal(t, []string{"new", "mid", "old"}, ids)

		none, err := store.FindLatestSaga(ctx, "QQ123456C", "2019-20")
		require.NoError(t, err)
		assert.Nil(t, none)
	})
}
