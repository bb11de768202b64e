package data

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/strategy-lab/pkg/types"
)

// Issue severities.
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
)

// QualityValidator checks candle series before they are backtested.
type QualityValidator struct {
	logger *zap.Logger

	// MaxBarMove is the largest close-to-close change treated as plausible (0.30 = 30%).
	MaxBarMove float64
	// MaxGapBars is the largest gap, in bars, tolerated without an issue.
	MaxGapBars float64
}

// DataIssue represents a data quality problem
type DataIssue struct {
	Type      string    `json:"type"`
	Severity  string    `json:"severity"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
	BarIndex  int       `json:"bar_index"`
}

// QualityReport summarizes data quality assessment
type QualityReport struct {
	Symbol    string      `json:"symbol"`
	TotalBars int         `json:"total_bars"`
	Issues    []DataIssue `json:"issues"`
	IsUsable  bool        `json:"is_usable"`
}

// Critical returns the first critical issue, if any.
func (r *QualityReport) Critical() (DataIssue, bool) {
	for _, issue := range r.Issues {
		if issue.Severity == SeverityCritical {
			return issue, true
		}
	}
	return DataIssue{}, false
}

// NewQualityValidator creates a validator with defaults for crypto candles.
func NewQualityValidator(logger *zap.Logger) *QualityValidator {
	return &QualityValidator{
		logger:     logger,
		MaxBarMove: 0.30,
		MaxGapBars: 1.5,
	}
}

// Validate runs every check. A series is usable when no issue is critical:
// missing, non-positive or inconsistent prices and out-of-order bars are.
func (v *QualityValidator) Validate(bars []*types.OHLCV, symbol string, timeframe types.Timeframe) *QualityReport {
	report := &QualityReport{Symbol: symbol, TotalBars: len(bars)}
	if len(bars) == 0 {
		report.Issues = []DataIssue{{Type: "NO_DATA", Severity: SeverityCritical, Message: "no candles"}}
		return report
	}

	interval := timeframe.Duration()
	seen := make(map[int64]int, len(bars))
	for i, bar := range bars {
		report.Issues = append(report.Issues, v.checkPrices(i, bar)...)

		ts := bar.Timestamp.UnixNano()
		if first, dup := seen[ts]; dup {
			report.Issues = append(report.Issues, DataIssue{
				Type: "DUPLICATE_TIMESTAMP", Severity: SeverityHigh, Timestamp: bar.Timestamp, BarIndex: i,
				Message: fmt.Sprintf("duplicate timestamp (also at index %d)", first),
			})
		} else {
			seen[ts] = i
		}

		if i == 0 {
			continue
		}
		prev := bars[i-1]
		if bar.Timestamp.Before(prev.Timestamp) {
			report.Issues = append(report.Issues, DataIssue{
				Type: "OUT_OF_ORDER", Severity: SeverityCritical, Timestamp: bar.Timestamp, BarIndex: i,
				Message: "bar is out of chronological order",
			})
			continue
		}
		if interval > 0 {
			if gap := float64(bar.Timestamp.Sub(prev.Timestamp)) / float64(interval); gap > v.MaxGapBars {
				report.Issues = append(report.Issues, DataIssue{
					Type: "GAP_DETECTED", Severity: SeverityMedium, Timestamp: bar.Timestamp, BarIndex: i,
					Message: fmt.Sprintf("%.0f bars missing", gap-1),
				})
			}
		}
		if prev.Close.IsPositive() {
			move := bar.Close.Sub(prev.Close).Div(prev.Close).Abs()
			if move.GreaterThan(decimal.NewFromFloat(v.MaxBarMove)) {
				report.Issues = append(report.Issues, DataIssue{
					Type: "EXTREME_MOVE", Severity: SeverityHigh, Timestamp: bar.Timestamp, BarIndex: i,
					Message: fmt.Sprintf("close moved %s%%", move.Mul(decimal.NewFromInt(100)).StringFixed(1)),
				})
			}
		}
	}

	_, critical := report.Critical()
	report.IsUsable = !critical
	if len(report.Issues) > 0 {
		v.logger.Debug("candle quality issues",
			zap.String("symbol", symbol),
			zap.Int("bars", len(bars)),
			zap.Int("issues", len(report.Issues)),
			zap.Bool("usable", report.IsUsable),
		)
	}
	return report
}

// checkPrices verifies positive prices and High >= Open, Close >= Low.
func (v *QualityValidator) checkPrices(i int, bar *types.OHLCV) []DataIssue {
	if !bar.Open.IsPositive() || !bar.High.IsPositive() || !bar.Low.IsPositive() || !bar.Close.IsPositive() {
		return []DataIssue{{
			Type: "NON_POSITIVE_PRICE", Severity: SeverityCritical, Timestamp: bar.Timestamp, BarIndex: i,
			Message: "price is zero or negative",
		}}
	}
	if bar.High.LessThan(decimal.Max(bar.Open, bar.Close, bar.Low)) || bar.Low.GreaterThan(decimal.Min(bar.Open, bar.Close, bar.High)) {
		return []DataIssue{{
			Type: "OHLC_INCONSISTENT", Severity: SeverityCritical, Timestamp: bar.Timestamp, BarIndex: i,
			Message: fmt.Sprintf("O:%s H:%s L:%s C:%s", bar.Open, bar.High, bar.Low, bar.Close),
		}}
	}
	return nil
}
