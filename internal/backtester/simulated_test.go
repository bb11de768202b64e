package backtester_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atlas-desktop/strategy-lab/internal/backtester"
	"github.com/atlas-desktop/strategy-lab/internal/data"
	"github.com/atlas-desktop/strategy-lab/pkg/types"
)

func newSimulated(t *testing.T) *backtester.SimulatedExecutor {
	t.Helper()
	store, err := data.NewStore(zap.NewNop(), t.TempDir())
	require.NoError(t, err)
	return backtester.NewSimulatedExecutor(zap.NewNop(), store, nil)
}

func spec() types.StrategySpec {
	return types.StrategySpec{
		ID:        "id-1",
		Name:      "ma_cross-btcusdt",
		Template:  "ma_cross",
		Symbol:    "BTC/USDT",
		Timeframe: types.Timeframe1h,
		Params:    types.ParamSet{"mode": backtester.ModeTrend},
	}
}

func window() types.HistoricalWindow {
	end := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	return types.WindowEndingAt(end, 90)
}

func TestSimulatedExecutorDeterministic(t *testing.T) {
	exec := newSimulated(t)
	params := types.ParamSet{"fast_period": int64(8), "slow_period": int64(40), "stop_loss_pct": 3.0, "take_profit_pct": 6.0}

	a, err := exec.Execute(context.Background(), spec(), params, window())
	require.NoError(t, err)
	b, err := exec.Execute(context.Background(), spec(), params, window())
	require.NoError(t, err)

	assert.Equal(t, a.Metrics, b.Metrics)
	assert.Equal(t, "ma_cross-btcusdt", a.Metrics.StrategyID)
	require.NotEmpty(t, a.EquityCurve)
	assert.True(t, window().Contains(a.EquityCurve[0].Timestamp))
	assert.True(t, window().Contains(a.EquityCurve[len(a.EquityCurve)-1].Timestamp))
	assert.Positive(t, a.Metrics.TotalTrades)
	assert.LessOrEqual(t, a.Metrics.MaxDrawdownPct, 0.0)
}

func TestSimulatedExecutorMeanReversion(t *testing.T) {
	exec := newSimulated(t)
	s := spec()
	s.Params = types.ParamSet{"mode": backtester.ModeMeanReversion, "fast_period": int64(2)}

	out, err := exec.Execute(context.Background(), s, types.ParamSet{"slow_period": int64(20), "entry_band_pct": 0.5}, window())
	require.NoError(t, err)
	assert.NotNil(t, out.Metrics)
}

func TestSimulatedExecutorRejectsInvalidParams(t *testing.T) {
	exec := newSimulated(t)

	_, err := exec.Execute(context.Background(), spec(), types.ParamSet{"fast_period": int64(50), "slow_period": int64(20)}, window())
	var ef *types.ExecutionFailure
	require.True(t, errors.As(err, &ef))
	assert.Equal(t, "invalid parameters", ef.Reason)
	assert.Equal(t, "ma_cross-btcusdt", ef.StrategyID)

	_, err = exec.Execute(context.Background(), spec(), types.ParamSet{"mode": "martingale"}, window())
	assert.True(t, errors.As(err, &ef))
}

func TestSimulatedExecutorInsufficientData(t *testing.T) {
	exec := newSimulated(t)
	s := spec()
	s.Timeframe = types.Timeframe1d

	w := types.WindowEndingAt(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), 1)
	_, err := exec.Execute(context.Background(), s, nil, w)
	var ef *types.ExecutionFailure
	require.True(t, errors.As(err, &ef))
	assert.Equal(t, "insufficient data", ef.Reason)
}
