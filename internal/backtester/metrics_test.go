package backtester_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/atlas-desktop/strategy-lab/internal/backtester"
	"github.com/atlas-desktop/strategy-lab/pkg/types"
)

func curve(values ...float64) []types.EquityPoint {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]types.EquityPoint, len(values))
	for i, v := range values {
		out[i] = types.EquityPoint{Timestamp: start.AddDate(0, 0, i), Equity: v}
	}
	return out
}

func TestMetricsCalculatorReturnsAndDrawdown(t *testing.T) {
	mc := backtester.NewMetricsCalculator(252)
	m := mc.Calculate("s1", nil, curve(100, 110, 99, 95, 120), 100)

	maxDD := 15.0 / 110.0 * 100
	assert.Equal(t, "s1", m.StrategyID)
	assert.InDelta(t, 20.0, m.TotalReturnPct, 1e-9)
	assert.InDelta(t, -maxDD, m.MaxDrawdownPct, 1e-9)
	assert.InDelta(t, maxDD, m.AbsMaxDrawdown(), 1e-9)
	assert.Greater(t, m.SharpeRatio, 0.0)
	assert.Greater(t, m.SortinoRatio, 0.0)
	assert.Greater(t, m.VolatilityPct, 0.0)
	assert.InDelta(t, 20.0/maxDD, m.RecoveryFactor, 1e-9)
}

func TestMetricsCalculatorTradeStats(t *testing.T) {
	mc := backtester.NewMetricsCalculator(252)
	trades := []backtester.TradeResult{
		{ReturnPct: 2}, {ReturnPct: 3}, {ReturnPct: -1}, {ReturnPct: -1}, {ReturnPct: -2}, {ReturnPct: 4},
	}
	m := mc.Calculate("s1", trades, curve(100, 105), 100)

	assert.Equal(t, 6, m.TotalTrades)
	assert.InDelta(t, 50.0, m.WinRatePct, 1e-9)
	assert.InDelta(t, 3.0, m.AvgWinPct, 1e-9)
	assert.InDelta(t, -4.0/3.0, m.AvgLossPct, 1e-9)
	assert.InDelta(t, 9.0/4.0, m.ProfitFactor, 1e-9)
	assert.Equal(t, 2, m.MaxConsecutiveWins)
	assert.Equal(t, 3, m.MaxConsecutiveLosses)
}

func TestMetricsCalculatorEmpty(t *testing.T) {
	mc := backtester.NewMetricsCalculator(0)
	m := mc.Calculate("s1", nil, nil, 100)
	assert.Zero(t, m.TotalTrades)
	assert.Zero(t, m.SharpeRatio)
	assert.False(t, m.IsScored())
}

func TestPeriodsPerYear(t *testing.T) {
	assert.InDelta(t, 365.0, backtester.PeriodsPerYear(types.Timeframe1d), 1e-9)
	assert.InDelta(t, 8760.0, backtester.PeriodsPerYear(types.Timeframe1h), 1e-9)
	assert.InDelta(t, 252.0, backtester.PeriodsPerYear("bogus"), 1e-9)
}
