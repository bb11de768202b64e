// Package backtester defines the executor contract the pipeline runs
// backtests through, along with a simulated in-process executor, an HTTP
// client for an external engine, and a template-based candidate generator.
package backtester

import (
	"context"

	"github.com/atlas-desktop/strategy-lab/pkg/types"
)

// Outcome is the result of one successful backtest execution.
type Outcome struct {
	Metrics     *types.MetricsRecord `json:"metrics"`
	EquityCurve []types.EquityPoint  `json:"equity_curve"`
}

// Executor runs a single backtest. Implementations must be safe for
// concurrent use and return *types.ExecutionFailure on failure.
type Executor interface {
	Execute(ctx context.Context, strategy types.StrategySpec, params types.ParamSet, window types.HistoricalWindow) (*Outcome, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, strategy types.StrategySpec, params types.ParamSet, window types.HistoricalWindow) (*Outcome, error)

func (f ExecutorFunc) Execute(ctx context.Context, strategy types.StrategySpec, params types.ParamSet, window types.HistoricalWindow) (*Outcome, error) {
	return f(ctx, strategy, params, window)
}

// CandidateGenerator produces strategy candidates for discovery.
type CandidateGenerator interface {
	Generate(ctx context.Context, n int, timeframe types.Timeframe) ([]types.StrategySpec, error)
}
