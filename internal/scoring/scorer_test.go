package scoring_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlas-desktop/strategy-lab/internal/scoring"
	"github.com/atlas-desktop/strategy-lab/pkg/types"
)

func qualifying() *types.MetricsRecord {
	return &types.MetricsRecord{
		StrategyID:     "s1",
		TotalReturnPct: 10.0,
		SortinoRatio:   1.2,
		WinRatePct:     38.0,
		TotalTrades:    100,
		MaxDrawdownPct: -4.0,
		SharpeRatio:    1.1,
	}
}

func TestScoreReferenceRecord(t *testing.T) {
	s := scoring.NewCompositeScorer(nil)
	assert.InDelta(t, 7.505, s.Score(qualifying()), 1e-9)
}

func TestScoreConstraints(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(m *types.MetricsRecord)
		failed string
	}{
		{"too few trades", func(m *types.MetricsRecord) { m.TotalTrades = 4 }, scoring.ConstraintMinTrades},
		{"zero trades", func(m *types.MetricsRecord) { m.TotalTrades = 0 }, scoring.ConstraintMinTrades},
		{"deep negative drawdown", func(m *types.MetricsRecord) { m.MaxDrawdownPct = -50.01 }, scoring.ConstraintMaxDrawdown},
		{"deep positive drawdown", func(m *types.MetricsRecord) { m.MaxDrawdownPct = 75 }, scoring.ConstraintMaxDrawdown},
		{"low sharpe", func(m *types.MetricsRecord) { m.SharpeRatio = 0.49 }, scoring.ConstraintMinSharpe},
		{"negative sharpe", func(m *types.MetricsRecord) { m.SharpeRatio = -2 }, scoring.ConstraintMinSharpe},
		{"nan sharpe", func(m *types.MetricsRecord) { m.SharpeRatio = math.NaN() }, scoring.ConstraintMinSharpe},
	}

	s := scoring.NewCompositeScorer(nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := qualifying()
			tt.mutate(m)
			assert.Equal(t, scoring.DisqualifiedScore, s.Score(m))
			assert.Equal(t, tt.failed, s.Explain(m).FailedConstraint)
		})
	}
}

func TestScoreBoundariesQualify(t *testing.T) {
	s := scoring.NewCompositeScorer(nil)

	m := qualifying()
	m.TotalTrades = 5
	m.MaxDrawdownPct = -50
	m.SharpeRatio = 0.5
	assert.NotEqual(t, scoring.DisqualifiedScore, s.Score(m))
}

func TestScoreDrawdownPenalty(t *testing.T) {
	s := scoring.NewCompositeScorer(nil)

	m := qualifying()
	m.MaxDrawdownPct = -35
	b := s.Explain(m)
	assert.InDelta(t, -0.1, b.DrawdownPenalty, 1e-12)
	assert.InDelta(t, 7.405, b.Score, 1e-9)

	m.MaxDrawdownPct = -15
	assert.Zero(t, s.Explain(m).DrawdownPenalty)
}

func TestScoreCaps(t *testing.T) {
	s := scoring.NewCompositeScorer(nil)

	m := qualifying()
	m.SortinoRatio = 50
	m.TotalTrades = 10000
	b := s.Explain(m)
	assert.InDelta(t, 0.8, b.Sortino, 1e-12)
	assert.InDelta(t, 0.15, b.Frequency, 1e-12)
}

func TestScoreIsPureAndIdempotent(t *testing.T) {
	s := scoring.NewCompositeScorer(nil)
	m := qualifying()

	first := s.Score(m)
	assert.False(t, m.IsScored())

	s.Apply(m)
	second := s.Apply(m)
	got, ok := m.Score()
	require.True(t, ok)
	assert.Equal(t, first, second)
	assert.Equal(t, first, got)
}

func TestScoreNeverPanicsOnExtremeInput(t *testing.T) {
	s := scoring.NewCompositeScorer(nil)

	m := qualifying()
	m.TotalReturnPct = math.Inf(1)
	m.SortinoRatio = math.NaN()
	assert.NotPanics(t, func() {
		v := s.Score(m)
		assert.False(t, math.IsNaN(v))
	})
	assert.Equal(t, scoring.DisqualifiedScore, s.Score(nil))
}

func TestScoreCustomConfig(t *testing.T) {
	cfg := scoring.DefaultScoringConfig()
	cfg.MinTrades = 200
	s := scoring.NewCompositeScorer(cfg)
	assert.Equal(t, scoring.DisqualifiedScore, s.Score(qualifying()))
}
