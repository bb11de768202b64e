package backtester

import (
	"math"
	"time"

	"github.com/atlas-desktop/strategy-lab/pkg/types"
)

// maxProfitFactor stands in for an infinite profit factor (no losing trades)
// so records stay JSON-encodable.
const maxProfitFactor = 100.0

// TradeResult is one closed round trip.
type TradeResult struct {
	EntryTime time.Time `json:"entry_time"`
	ExitTime  time.Time `json:"exit_time"`
	ReturnPct float64   `json:"return_pct"`
	Reason    string    `json:"reason"`
}

// MetricsCalculator calculates performance metrics
type MetricsCalculator struct {
	periodsPerYear float64
}

// NewMetricsCalculator creates a calculator annualising per-bar returns with
// the given bar count per year.
func NewMetricsCalculator(periodsPerYear float64) *MetricsCalculator {
	if periodsPerYear <= 0 {
		periodsPerYear = 252
	}
	return &MetricsCalculator{periodsPerYear: periodsPerYear}
}

// PeriodsPerYear returns the number of bars of timeframe in a year.
func PeriodsPerYear(timeframe types.Timeframe) float64 {
	d := timeframe.Duration()
	if d <= 0 {
		return 252
	}
	return float64(365*24*time.Hour) / float64(d)
}

// Calculate builds a MetricsRecord from closed trades and the equity curve.
// Drawdowns are reported as negative percentages.
func (mc *MetricsCalculator) Calculate(strategyID string, trades []TradeResult, equityCurve []types.EquityPoint, initialCapital float64) *types.MetricsRecord {
	m := &types.MetricsRecord{StrategyID: strategyID}
	if len(equityCurve) == 0 || initialCapital <= 0 {
		return m
	}

	mc.tradeStats(m, trades)

	final := equityCurve[len(equityCurve)-1].Equity
	m.TotalReturnPct = (final - initialCapital) / initialCapital * 100

	years := equityCurve[len(equityCurve)-1].Timestamp.Sub(equityCurve[0].Timestamp).Hours() / (24 * 365)
	if years > 0 && final > 0 {
		m.CAGRPct = (math.Pow(final/initialCapital, 1/years) - 1) * 100
	}

	returns := mc.periodReturns(equityCurve)
	if len(returns) > 1 {
		avg := mc.mean(returns)
		if sd := mc.stdDev(returns); sd > 0 {
			m.SharpeRatio = avg / sd * math.Sqrt(mc.periodsPerYear)
			m.VolatilityPct = sd * math.Sqrt(mc.periodsPerYear) * 100
		}
		if dd := mc.downsideDeviation(returns); dd > 0 {
			m.SortinoRatio = avg / dd * math.Sqrt(mc.periodsPerYear)
		}
	}

	maxDD, avgDD := mc.drawdowns(equityCurve)
	m.MaxDrawdownPct = -maxDD * 100
	m.AvgDrawdownPct = -avgDD * 100

	if maxDD > 0 {
		m.CalmarRatio = m.CAGRPct / (maxDD * 100)
		m.RecoveryFactor = m.TotalReturnPct / (maxDD * 100)
	}

	return m
}

func (mc *MetricsCalculator) tradeStats(m *types.MetricsRecord, trades []TradeResult) {
	m.TotalTrades = len(trades)
	if len(trades) == 0 {
		return
	}

	var wins, losses int
	var totalWin, totalLoss float64
	var streakWin, streakLoss int
	for _, t := range trades {
		switch {
		case t.ReturnPct > 0:
			wins++
			totalWin += t.ReturnPct
			streakWin++
			streakLoss = 0
		case t.ReturnPct < 0:
			losses++
			totalLoss += -t.ReturnPct
			streakLoss++
			streakWin = 0
		default:
			streakWin, streakLoss = 0, 0
		}
		if streakWin > m.MaxConsecutiveWins {
			m.MaxConsecutiveWins = streakWin
		}
		if streakLoss > m.MaxConsecutiveLosses {
			m.MaxConsecutiveLosses = streakLoss
		}
	}

	m.WinRatePct = float64(wins) / float64(len(trades)) * 100
	if wins > 0 {
		m.AvgWinPct = totalWin / float64(wins)
	}
	if losses > 0 {
		m.AvgLossPct = -totalLoss / float64(losses)
	}
	switch {
	case totalLoss > 0:
		m.ProfitFactor = totalWin / totalLoss
	case totalWin > 0:
		m.ProfitFactor = maxProfitFactor
	}
}

// periodReturns calculates per-bar returns from the equity curve
func (mc *MetricsCalculator) periodReturns(equityCurve []types.EquityPoint) []float64 {
	if len(equityCurve) < 2 {
		return nil
	}

	returns := make([]float64, 0, len(equityCurve)-1)
	for i := 1; i < len(equityCurve); i++ {
		prev := equityCurve[i-1].Equity
		if prev == 0 {
			continue
		}
		returns = append(returns, (equityCurve[i].Equity-prev)/prev)
	}
	return returns
}

// drawdowns returns the maximum and the mean non-zero drawdown as fractions.
func (mc *MetricsCalculator) drawdowns(equityCurve []types.EquityPoint) (float64, float64) {
	var maxDD, sumDD float64
	var n int
	peak := equityCurve[0].Equity

	for _, point := range equityCurve {
		if point.Equity > peak {
			peak = point.Equity
		}
		if peak <= 0 {
			continue
		}
		dd := (peak - point.Equity) / peak
		if dd > 0 {
			sumDD += dd
			n++
		}
		if dd > maxDD {
			maxDD = dd
		}
	}

	if n == 0 {
		return maxDD, 0
	}
	return maxDD, sumDD / float64(n)
}

// mean calculates arithmetic mean
func (mc *MetricsCalculator) mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}

	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// stdDev calculates sample standard deviation
func (mc *MetricsCalculator) stdDev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}

	mean := mc.mean(values)
	var sumSquares float64
	for _, v := range values {
		diff := v - mean
		sumSquares += diff * diff
	}
	return math.Sqrt(sumSquares / float64(len(values)-1))
}

// downsideDeviation calculates downside deviation (only negative returns)
func (mc *MetricsCalculator) downsideDeviation(returns []float64) float64 {
	var negative []float64
	for _, r := range returns {
		if r < 0 {
			negative = append(negative, r)
		}
	}
	if len(negative) == 0 {
		return 0
	}
	return mc.stdDev(negative)
}
