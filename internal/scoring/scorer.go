// Package scoring turns backtest metrics into a single comparable score and
// ranks strategies by it.
package scoring

import (
	"math"

	"github.com/atlas-desktop/strategy-lab/pkg/types"
)

// DisqualifiedScore is assigned to records that fail a hard constraint.
const DisqualifiedScore = -999.0

// Constraint names reported by Explain.
const (
	ConstraintMinTrades   = "min_trades"
	ConstraintMaxDrawdown = "max_drawdown"
	ConstraintMinSharpe   = "min_sharpe"
)

// ScoringConfig holds the constraint thresholds and component weights.
type ScoringConfig struct {
	MinTrades      int     `mapstructure:"min_trades" json:"min_trades"`
	MaxDrawdownPct float64 `mapstructure:"max_drawdown_pct" json:"max_drawdown_pct"`
	MinSharpe      float64 `mapstructure:"min_sharpe" json:"min_sharpe"`

	ReturnWeight    float64 `mapstructure:"return_weight" json:"return_weight"`
	SortinoWeight   float64 `mapstructure:"sortino_weight" json:"sortino_weight"`
	SortinoCap      float64 `mapstructure:"sortino_cap" json:"sortino_cap"`
	WinRateWeight   float64 `mapstructure:"win_rate_weight" json:"win_rate_weight"`
	FrequencyWeight float64 `mapstructure:"frequency_weight" json:"frequency_weight"`
	FrequencyCap    float64 `mapstructure:"frequency_cap" json:"frequency_cap"`

	// Drawdowns beyond the free band cost PenaltyPer10Pct per 10 points.
	DrawdownFreePct float64 `mapstructure:"drawdown_free_pct" json:"drawdown_free_pct"`
	PenaltyPer10Pct float64 `mapstructure:"penalty_per_10_pct" json:"penalty_per_10_pct"`

	Precision int `mapstructure:"precision" json:"precision"`
}

// DefaultScoringConfig returns the standard scoring configuration.
func DefaultScoringConfig() *ScoringConfig {
	return &ScoringConfig{
		MinTrades:       5,
		MaxDrawdownPct:  50,
		MinSharpe:       0.5,
		ReturnWeight:    0.70,
		SortinoWeight:   0.10,
		SortinoCap:      8.0,
		WinRateWeight:   0.10,
		FrequencyWeight: 0.05,
		FrequencyCap:    3.0,
		DrawdownFreePct: 15,
		PenaltyPer10Pct: 0.05,
		Precision:       4,
	}
}

// Breakdown is the per-component contribution to a composite score.
type Breakdown struct {
	Return           float64 `json:"return"`
	Sortino          float64 `json:"sortino"`
	WinRate          float64 `json:"win_rate"`
	Frequency        float64 `json:"frequency"`
	DrawdownPenalty  float64 `json:"drawdown_penalty"`
	Score            float64 `json:"score"`
	FailedConstraint string  `json:"failed_constraint,omitempty"`
}

// Disqualified reports whether a hard constraint rejected the record.
func (b Breakdown) Disqualified() bool {
	return b.FailedConstraint != ""
}

// CompositeScorer computes the deterministic composite score.
// It holds no mutable state and is safe for concurrent use.
type CompositeScorer struct {
	config ScoringConfig
}

// NewCompositeScorer creates a scorer; nil config means defaults.
func NewCompositeScorer(config *ScoringConfig) *CompositeScorer {
	if config == nil {
		config = DefaultScoringConfig()
	}
	return &CompositeScorer{config: *config}
}

// Config returns a copy of the scorer's configuration.
func (s *CompositeScorer) Config() ScoringConfig {
	return s.config
}

// Score returns the composite score of m without modifying it.
func (s *CompositeScorer) Score(m *types.MetricsRecord) float64 {
	return s.Explain(m).Score
}

// Explain returns the score together with its components.
func (s *CompositeScorer) Explain(m *types.MetricsRecord) Breakdown {
	if m == nil {
		return Breakdown{Score: DisqualifiedScore, FailedConstraint: ConstraintMinTrades}
	}
	if failed := s.failedConstraint(m); failed != "" {
		return Breakdown{Score: DisqualifiedScore, FailedConstraint: failed}
	}

	c := s.config
	b := Breakdown{
		Return:    c.ReturnWeight * finite(m.TotalReturnPct),
		Sortino:   c.SortinoWeight * math.Min(finite(m.SortinoRatio), c.SortinoCap),
		WinRate:   c.WinRateWeight * (finite(m.WinRatePct) / 100) * 10,
		Frequency: c.FrequencyWeight * math.Min(float64(m.TotalTrades)/1000, c.FrequencyCap),
	}

	dd := m.AbsMaxDrawdown()
	if dd > c.DrawdownFreePct {
		b.DrawdownPenalty = -c.PenaltyPer10Pct * ((dd - c.DrawdownFreePct) / 10)
	}

	b.Score = round(b.Return+b.Sortino+b.WinRate+b.Frequency+b.DrawdownPenalty, c.Precision)
	return b
}

// Apply scores m and stores the result on it.
func (s *CompositeScorer) Apply(m *types.MetricsRecord) float64 {
	score := s.Score(m)
	if m != nil {
		m.SetScore(score)
	}
	return score
}

func (s *CompositeScorer) failedConstraint(m *types.MetricsRecord) string {
	if m.TotalTrades < s.config.MinTrades {
		return ConstraintMinTrades
	}
	// NaN drawdown or Sharpe must not slip through the comparisons below.
	dd := m.AbsMaxDrawdown()
	if math.IsNaN(dd) || dd > s.config.MaxDrawdownPct {
		return ConstraintMaxDrawdown
	}
	if math.IsNaN(m.SharpeRatio) || m.SharpeRatio < s.config.MinSharpe {
		return ConstraintMinSharpe
	}
	return ""
}

func finite(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	if math.IsInf(v, 1) {
		return math.MaxFloat64 / 4
	}
	if math.IsInf(v, -1) {
		return -math.MaxFloat64 / 4
	}
	return v
}

func round(v float64, places int) float64 {
	if places < 0 {
		return v
	}
	p := math.Pow(10, float64(places))
	r := math.Round(v*p) / p
	if math.IsInf(r, 0) || math.IsNaN(r) {
		return v
	}
	return r
}
