package types

import "math"

// MetricsRecord is an immutable snapshot of one backtest's performance.
// CompositeScore stays nil until a scorer has processed the record.
type MetricsRecord struct {
	StrategyID string `json:"strategy_id"`

	// Returns
	TotalReturnPct float64 `json:"total_return_pct"`
	CAGRPct        float64 `json:"cagr_pct"`

	// Risk
	SharpeRatio    float64 `json:"sharpe_ratio"`
	SortinoRatio   float64 `json:"sortino_ratio"`
	CalmarRatio    float64 `json:"calmar_ratio"`
	MaxDrawdownPct float64 `json:"max_drawdown_pct"`
	AvgDrawdownPct float64 `json:"avg_drawdown_pct"`
	VolatilityPct  float64 `json:"volatility_pct"`

	// Trades
	TotalTrades  int     `json:"total_trades"`
	WinRatePct   float64 `json:"win_rate_pct"`
	ProfitFactor float64 `json:"profit_factor"`
	AvgWinPct    float64 `json:"avg_win_pct"`
	AvgLossPct   float64 `json:"avg_loss_pct"`

	// Consistency
	MaxConsecutiveWins   int     `json:"max_consecutive_wins"`
	MaxConsecutiveLosses int     `json:"max_consecutive_losses"`
	RecoveryFactor       float64 `json:"recovery_factor"`

	CompositeScore *float64 `json:"composite_score,omitempty"`
}

// AbsMaxDrawdown returns the drawdown magnitude regardless of sign convention.
func (m *MetricsRecord) AbsMaxDrawdown() float64 {
	return math.Abs(m.MaxDrawdownPct)
}

// IsScored reports whether a scorer has populated CompositeScore.
func (m *MetricsRecord) IsScored() bool {
	return m.CompositeScore != nil
}

// Score returns the composite score and whether it has been set.
func (m *MetricsRecord) Score() (float64, bool) {
	if m.CompositeScore == nil {
		return 0, false
	}
	return *m.CompositeScore, true
}

// SetScore records the composite score.
func (m *MetricsRecord) SetScore(score float64) {
	m.CompositeScore = &score
}

// Clone returns a deep copy.
func (m *MetricsRecord) Clone() *MetricsRecord {
	if m == nil {
		return nil
	}
	c := *m
	if m.CompositeScore != nil {
		s := *m.CompositeScore
		c.CompositeScore = &s
	}
	return &c
}
