// Package storagetest holds behaviour tests shared by every StudyStore implementation.
package storagetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlas-desktop/strategy-lab/internal/storage"
	"github.com/atlas-desktop/strategy-lab/pkg/types"
)

func trial(n int, value float64) types.Trial {
	return types.Trial{
		Number:    n,
		Params:    types.ParamSet{"fast": int64(5 + n), "mode": "trend"},
		Value:     value,
		State:     types.TrialComplete,
		StartedAt: time.Date(2024, 1, 1, 0, 0, n, 0, time.UTC),
		Duration:  time.Duration(n) * time.Millisecond,
		Metrics:   &types.MetricsRecord{StrategyID: "s", SharpeRatio: value, TotalTrades: 10},
	}
}

// RunStudyStoreTests exercises the storage.StudyStore contract against a fresh store.
func RunStudyStoreTests(t *testing.T, newStore func(t *testing.T) storage.StudyStore) {
	t.Run("create and get", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.CreateStudy(ctx, &storage.Study{Name: "alpha", Strategy: "ma", Sampler: "tpe", Objective: "sharpe"}))
		got, err := s.GetStudy(ctx, "alpha")
		require.NoError(t, err)
		assert.Equal(t, "ma", got.Strategy)
		assert.Equal(t, "tpe", got.Sampler)

		assert.ErrorIs(t, s.CreateStudy(ctx, &storage.Study{Name: "alpha", Strategy: "ma"}), storage.ErrDuplicateKey)
		assert.ErrorIs(t, s.CreateStudy(ctx, &storage.Study{}), storage.ErrInvalidInput)
	})

	t.Run("missing study", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.GetStudy(ctx, "nope")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		_, err = s.ListTrials(ctx, "nope")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		assert.ErrorIs(t, s.AppendTrial(ctx, "nope", trial(0, 1)), storage.ErrNotFound)
		assert.ErrorIs(t, s.DeleteStudy(ctx, "nope"), storage.ErrNotFound)
	})

	t.Run("append and list in order", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.CreateStudy(ctx, &storage.Study{Name: "beta", Strategy: "ma"}))

		for _, n := range []int{2, 0, 1} {
			require.NoError(t, s.AppendTrial(ctx, "beta", trial(n, float64(n)+0.5)))
		}
		failed := trial(3, types.FailedTrialValue)
		failed.State = types.TrialFailed
		failed.Error = "boom"
		failed.Metrics = nil
		require.NoError(t, s.AppendTrial(ctx, "beta", failed))

		assert.ErrorIs(t, s.AppendTrial(ctx, "beta", trial(1, 9)), storage.ErrDuplicateKey)

		trials, err := s.ListTrials(ctx, "beta")
		require.NoError(t, err)
		require.Len(t, trials, 4)
		for i, tr := range trials {
			assert.Equal(t, i, tr.Number)
		}
		assert.InDelta(t, 1.5, trials[1].Value, 1e-12)
		assert.Equal(t, "trend", trials[1].Params["mode"])
		v, ok := trials[1].Params.Float("fast")
		require.True(t, ok)
		assert.InDelta(t, 6, v, 1e-12)
		require.NotNil(t, trials[1].Metrics)
		assert.InDelta(t, 1.5, trials[1].Metrics.SharpeRatio, 1e-12)

		assert.Equal(t, types.TrialFailed, trials[3].State)
		assert.Equal(t, "boom", trials[3].Error)
		assert.Nil(t, trials[3].Metrics)
	})

	t.Run("delete", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.CreateStudy(ctx, &storage.Study{Name: "gamma", Strategy: "ma"}))
		require.NoError(t, s.AppendTrial(ctx, "gamma", trial(0, 1)))

		require.NoError(t, s.DeleteStudy(ctx, "gamma"))
		_, err := s.GetStudy(ctx, "gamma")
		assert.ErrorIs(t, err, storage.ErrNotFound)

		require.NoError(t, s.CreateStudy(ctx, &storage.Study{Name: "gamma", Strategy: "ma"}))
		trials, err := s.ListTrials(ctx, "gamma")
		require.NoError(t, err)
		assert.Empty(t, trials)
	})
}
