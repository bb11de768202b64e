package backtester

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/strategy-lab/internal/data"
	"github.com/atlas-desktop/strategy-lab/pkg/types"
	"github.com/atlas-desktop/strategy-lab/pkg/utils"
)

// Strategy modes understood by the simulated executor.
const (
	ModeTrend         = "trend"
	ModeMeanReversion = "mean_reversion"
)

// CandleSource supplies candles to the simulated executor.
type CandleSource interface {
	LoadOHLCV(ctx context.Context, symbol string, timeframe types.Timeframe, start, end time.Time) ([]*types.OHLCV, error)
}

var _ CandleSource = (*data.Store)(nil)

// SimulatedConfig configures the simulated executor.
type SimulatedConfig struct {
	InitialCapital float64 `mapstructure:"initial_capital"`
	FeeBps         float64 `mapstructure:"fee_bps"`
	// WarmupBars extra bars loaded before the window so indicators are primed.
	WarmupBars int `mapstructure:"warmup_bars"`
}

// DefaultSimulatedConfig returns defaults for the simulated executor.
func DefaultSimulatedConfig() *SimulatedConfig {
	return &SimulatedConfig{
		InitialCapital: 10000,
		FeeBps:         10,
		WarmupBars:     200,
	}
}

// SimulatedExecutor runs a long-only moving-average rule with stop-loss and
// take-profit exits over candles from a CandleSource.
//
// Recognised parameters: fast_period, slow_period (int), stop_loss_pct,
// take_profit_pct, entry_band_pct (real) and mode (trend | mean_reversion).
type SimulatedExecutor struct {
	logger  *zap.Logger
	config  *SimulatedConfig
	candles CandleSource
	quality *data.QualityValidator
}

// NewSimulatedExecutor creates a simulated executor.
func NewSimulatedExecutor(logger *zap.Logger, candles CandleSource, config *SimulatedConfig) *SimulatedExecutor {
	if config == nil {
		config = DefaultSimulatedConfig()
	}
	return &SimulatedExecutor{
		logger:  logger,
		config:  config,
		candles: candles,
		quality: data.NewQualityValidator(logger),
	}
}

type ruleParams struct {
	fast, slow    int
	stopLoss      float64
	takeProfit    float64
	entryBand     float64
	mode          string
	feeMultiplier float64
}

func (e *SimulatedExecutor) resolve(strategy types.StrategySpec, params types.ParamSet) (ruleParams, error) {
	merged := strategy.Params.Clone()
	if merged == nil {
		merged = types.ParamSet{}
	}
	for k, v := range params {
		merged[k] = v
	}

	p := ruleParams{
		fast:          int(merged.IntOr("fast_period", 10)),
		slow:          int(merged.IntOr("slow_period", 30)),
		stopLoss:      merged.FloatOr("stop_loss_pct", 2),
		takeProfit:    merged.FloatOr("take_profit_pct", 4),
		entryBand:     merged.FloatOr("entry_band_pct", 1),
		mode:          merged.StringOr("mode", ModeTrend),
		feeMultiplier: e.config.FeeBps / 10000,
	}
	if p.fast < 1 || p.slow < 2 || p.fast >= p.slow {
		return p, fmt.Errorf("fast_period %d must be >= 1 and below slow_period %d", p.fast, p.slow)
	}
	if p.stopLoss <= 0 || p.takeProfit <= 0 {
		return p, fmt.Errorf("stop_loss_pct and take_profit_pct must be positive")
	}
	if p.mode != ModeTrend && p.mode != ModeMeanReversion {
		return p, fmt.Errorf("unknown mode %q", p.mode)
	}
	return p, nil
}

// Execute runs the rule over window and returns metrics and the equity curve.
func (e *SimulatedExecutor) Execute(ctx context.Context, strategy types.StrategySpec, params types.ParamSet, window types.HistoricalWindow) (*Outcome, error) {
	fail := func(reason string, err error) error {
		return &types.ExecutionFailure{Unit: "simulate", StrategyID: strategy.Key(), Reason: reason, Err: err}
	}

	rp, err := e.resolve(strategy, params)
	if err != nil {
		return nil, fail("invalid parameters", err)
	}

	tf := strategy.Timeframe
	if !tf.IsValid() {
		return nil, fail("invalid timeframe", fmt.Errorf("%q", tf))
	}

	warmup := time.Duration(e.config.WarmupBars) * tf.Duration()
	bars, err := e.candles.LoadOHLCV(ctx, strategy.Symbol, tf, window.Start.Add(-warmup), window.End)
	if err != nil {
		return nil, fail("load candles", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fail("cancelled", err)
	}

	firstInWindow := -1
	for i, b := range bars {
		if !b.Timestamp.Before(window.Start) {
			firstInWindow = i
			break
		}
	}
	if firstInWindow < 0 || len(bars)-firstInWindow < 2 || len(bars) < rp.slow+1 {
		return nil, fail("insufficient data", fmt.Errorf("%d candles for slow period %d", len(bars), rp.slow))
	}
	if issue, bad := e.quality.Validate(bars, strategy.Symbol, tf).Critical(); bad {
		return nil, fail("bad data", fmt.Errorf("%s at bar %d: %s", issue.Type, issue.BarIndex, issue.Message))
	}

	trades, curve := e.simulate(bars, firstInWindow, rp)
	mc := NewMetricsCalculator(PeriodsPerYear(tf))
	metrics := mc.Calculate(strategy.Key(), trades, curve, e.config.InitialCapital)

	e.logger.Debug("simulated backtest complete",
		zap.String("strategy", strategy.Key()),
		zap.String("window", window.String()),
		zap.Int("trades", metrics.TotalTrades),
		zap.Float64("return_pct", metrics.TotalReturnPct),
		zap.Float64("sharpe", metrics.SharpeRatio),
	)

	return &Outcome{Metrics: metrics, EquityCurve: curve}, nil
}

func (e *SimulatedExecutor) simulate(bars []*types.OHLCV, firstInWindow int, rp ruleParams) ([]TradeResult, []types.EquityPoint) {
	fast := utils.NewSMA(rp.fast)
	slow := utils.NewSMA(rp.slow)

	cash := e.config.InitialCapital
	var (
		units      float64
		entryPrice float64
		entryCost  float64
		entryTime  time.Time
		inPosition bool
		prevAbove  bool
		primed     bool
		trades     []TradeResult
		curve      = make([]types.EquityPoint, 0, len(bars)-firstInWindow)
	)

	closePosition := func(price float64, ts time.Time, reason string) {
		proceeds := units * price * (1 - rp.feeMultiplier)
		trades = append(trades, TradeResult{
			EntryTime: entryTime,
			ExitTime:  ts,
			ReturnPct: (proceeds - entryCost) / entryCost * 100,
			Reason:    reason,
		})
		cash += proceeds
		units = 0
		inPosition = false
	}

	for i, bar := range bars {
		fastVal := fast.Add(bar.Close)
		slowVal := slow.Add(bar.Close)
		price, _ := bar.Close.Float64()
		ready := slow.Ready()
		above := fastVal.GreaterThan(slowVal)

		if i >= firstInWindow && ready {
			if inPosition {
				change := (price - entryPrice) / entryPrice * 100
				switch {
				case change <= -rp.stopLoss:
					closePosition(price, bar.Timestamp, "stop_loss")
				case change >= rp.takeProfit:
					closePosition(price, bar.Timestamp, "take_profit")
				case rp.mode == ModeTrend && primed && prevAbove && !above:
					closePosition(price, bar.Timestamp, "signal")
				case rp.mode == ModeMeanReversion && bar.Close.GreaterThanOrEqual(slowVal):
					closePosition(price, bar.Timestamp, "signal")
				}
			} else if cash > 0 && price > 0 && e.entrySignal(rp, bar.Close, slowVal, primed, prevAbove, above) {
				entryCost = cash
				units = entryCost * (1 - rp.feeMultiplier) / price
				cash = 0
				entryPrice = price
				entryTime = bar.Timestamp
				inPosition = true
			}
		}

		if ready {
			prevAbove = above
			primed = true
		}

		if i >= firstInWindow {
			curve = append(curve, types.EquityPoint{Timestamp: bar.Timestamp, Equity: cash + units*price})
		}
	}

	if inPosition {
		last := bars[len(bars)-1]
		price, _ := last.Close.Float64()
		closePosition(price, last.Timestamp, "end_of_window")
		curve[len(curve)-1].Equity = cash
	}
	return trades, curve
}

func (e *SimulatedExecutor) entrySignal(rp ruleParams, closePrice, slowVal decimal.Decimal, primed, prevAbove, above bool) bool {
	if rp.mode == ModeMeanReversion {
		band := decimal.NewFromFloat(1 - rp.entryBand/100)
		return closePrice.LessThan(slowVal.Mul(band))
	}
	return primed && !prevAbove && above
}
