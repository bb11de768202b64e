package portfolio_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atlas-desktop/strategy-lab/internal/artifacts"
	"github.com/atlas-desktop/strategy-lab/internal/portfolio"
	"github.com/atlas-desktop/strategy-lab/pkg/types"
)

func result(name string, sharpe, dd float64) *types.OptimizationResult {
	return &types.OptimizationResult{
		StrategyName: name,
		BestValue:    sharpe,
		BestParams:   types.ParamSet{"stop_loss_pct": 2.5, "fast_period": int64(9)},
		BestMetrics: &types.MetricsRecord{
			StrategyID:     name,
			SharpeRatio:    sharpe,
			MaxDrawdownPct: dd,
			TotalReturnPct: sharpe * 10,
			WinRatePct:     50,
		},
	}
}

func allocator() *portfolio.Allocator {
	return portfolio.NewAllocator(zap.NewNop())
}

func TestSharpeWeighted(t *testing.T) {
	results := []*types.OptimizationResult{result("a", 2.0, -10), result("b", 1.0, -10), result("c", 0.5, -10)}

	alloc, err := allocator().Allocate(results, 10000, types.AllocationSharpeWeighted)
	require.NoError(t, err)
	assert.InDelta(t, 5714.29, alloc.Allocations["a"], 0.005)
	assert.InDelta(t, 2857.14, alloc.Allocations["b"], 0.005)
	assert.InDelta(t, 1428.57, alloc.Allocations["c"], 0.005)
	assert.InDelta(t, 10000, alloc.Sum(), 0.01)
	assert.False(t, alloc.Fallback)
	assert.Equal(t, []string{"a", "b", "c"}, alloc.Order)
}

func TestSharpeWeightedExcludesNonPositive(t *testing.T) {
	results := []*types.OptimizationResult{result("a", 1.5, -10), result("b", -0.3, -10), result("c", 0, -10)}

	alloc, err := allocator().Allocate(results, 9000, types.AllocationSharpeWeighted)
	require.NoError(t, err)
	assert.InDelta(t, 9000, alloc.Allocations["a"], 1e-9)
	assert.Zero(t, alloc.Allocations["b"])
	assert.Zero(t, alloc.Allocations["c"])
}

func TestEqualIsExact(t *testing.T) {
	results := []*types.OptimizationResult{result("a", 2, -5), result("b", -1, -5), result("c", 0.1, 0)}

	alloc, err := allocator().Allocate(results, 10000, types.AllocationEqual)
	require.NoError(t, err)
	for _, name := range []string{"a", "b", "c"} {
		assert.Equal(t, 10000.0/3, alloc.Allocations[name])
	}
	assert.False(t, alloc.Fallback)
}

func TestRiskParityInverseDrawdown(t *testing.T) {
	results := []*types.OptimizationResult{result("low", 1, -10), result("high", 1, -20)}

	alloc, err := allocator().Allocate(results, 30000, types.AllocationRiskParity)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, alloc.Allocations["low"]/alloc.Allocations["high"], 1e-12)
	assert.InDelta(t, 20000, alloc.Allocations["low"], 1e-6)
	assert.InDelta(t, 30000, alloc.Sum(), 0.01)
}

func TestRiskParityFallsBackToEqual(t *testing.T) {
	results := []*types.OptimizationResult{result("a", 1, 0), result("b", 1, 0)}

	alloc, err := allocator().Allocate(results, 1000, types.AllocationRiskParity)
	require.NoError(t, err)
	assert.True(t, alloc.Fallback)
	assert.Equal(t, 500.0, alloc.Allocations["a"])
	assert.Equal(t, 500.0, alloc.Allocations["b"])
}

func TestMaxSharpeFundsTopThree(t *testing.T) {
	results := []*types.OptimizationResult{
		result("a", 0.5, -5),
		result("b", 3.0, -5),
		result("c", 1.0, -5),
		result("d", 2.0, -5),
		result("e", 0.9, -5),
	}

	alloc, err := allocator().Allocate(results, 6000, types.AllocationMaxSharpe)
	require.NoError(t, err)
	assert.InDelta(t, 3000, alloc.Allocations["b"], 1e-9)
	assert.InDelta(t, 2000, alloc.Allocations["d"], 1e-9)
	assert.InDelta(t, 1000, alloc.Allocations["c"], 1e-9)
	assert.Zero(t, alloc.Allocations["a"])
	assert.Zero(t, alloc.Allocations["e"])
	assert.Len(t, alloc.Allocations, 5)
}

func TestMaxSharpeFallsBackWhenNonePositive(t *testing.T) {
	results := []*types.OptimizationResult{result("a", -1, -5), result("b", 0, -5)}

	alloc, err := allocator().Allocate(results, 100, types.AllocationMaxSharpe)
	require.NoError(t, err)
	assert.True(t, alloc.Fallback)
	assert.Equal(t, 50.0, alloc.Allocations["a"])
	assert.Equal(t, 50.0, alloc.Allocations["b"])
}

func TestSharpeWeightedFallback(t *testing.T) {
	results := []*types.OptimizationResult{result("a", -1, -5), {StrategyName: "b"}}

	alloc, err := allocator().Allocate(results, 100, types.AllocationSharpeWeighted)
	require.NoError(t, err)
	assert.True(t, alloc.Fallback)
	assert.Equal(t, 50.0, alloc.Allocations["b"])
}

func TestAllocateSetupErrors(t *testing.T) {
	a := allocator()
	ok := []*types.OptimizationResult{result("a", 1, -5)}

	_, err := a.Allocate(nil, 1000, types.AllocationEqual)
	assert.ErrorIs(t, err, types.ErrInvalidRequest)

	_, err = a.Allocate(ok, 0, types.AllocationEqual)
	assert.True(t, types.IsSetupError(err))

	_, err = a.Allocate(ok, 1000, "kelly")
	assert.ErrorIs(t, err, types.ErrUnknownMethod)

	_, err = a.Allocate([]*types.OptimizationResult{result("a", 1, -5), result("a", 2, -5)}, 1000, types.AllocationEqual)
	assert.ErrorIs(t, err, types.ErrInvalidRequest)
}

func TestPortfolioMetricsWeightsByShare(t *testing.T) {
	results := []*types.OptimizationResult{result("a", 2, -10), result("b", 1, -20), result("c", -1, -30)}
	a := allocator()

	alloc, err := a.Allocate(results, 9000, types.AllocationSharpeWeighted)
	require.NoError(t, err)
	pm := a.PortfolioMetrics(alloc, results)

	assert.Equal(t, 2, pm.Strategies)
	assert.InDelta(t, 2*2.0/3+1*1.0/3, pm.SharpeRatio, 1e-9)
	assert.InDelta(t, 20*2.0/3+10*1.0/3, pm.TotalReturnPct, 1e-9)
	assert.InDelta(t, 10*2.0/3+20*1.0/3, pm.MaxDrawdownPct, 1e-9)
	assert.InDelta(t, 50, pm.WinRatePct, 1e-9)
}

func TestWriteSummaryAndConfigs(t *testing.T) {
	dir := t.TempDir()
	results := []*types.OptimizationResult{result("ma/btc", 2.0, -10), result("mr-eth", 1.0, -10), result("dud", -1, -10)}
	a := allocator()

	alloc, err := a.Allocate(results, 10000, types.AllocationSharpeWeighted)
	require.NoError(t, err)
	pm := a.PortfolioMetrics(alloc, results)

	summaryPath := filepath.Join(dir, "portfolio_summary.json")
	require.NoError(t, a.WriteSummary(summaryPath, alloc, pm))

	raw, err := os.ReadFile(summaryPath)
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, "sharpe_weighted", doc["allocation_method"])
	assert.Equal(t, 10000.0, doc["total_capital"])
	assert.Contains(t, doc, "portfolio_metrics")
	allocations := doc["allocations"].(map[string]any)
	assert.Equal(t, 6666.67, allocations["ma/btc"])
	assert.Equal(t, 3333.33, allocations["mr-eth"])

	paths, err := a.GenerateConfigFiles(filepath.Join(dir, "configs"), alloc, results, types.DefaultConfigDocument())
	require.NoError(t, err)
	require.Len(t, paths, 2)
	assert.Equal(t, artifacts.FileName("ma/btc")+".yaml", filepath.Base(paths[0]))

	cfg, err := artifacts.ReadConfig(paths[0])
	require.NoError(t, err)
	assert.Equal(t, "ma/btc", cfg.Strategy)
	assert.Equal(t, 6666.67, cfg.AllocatedCapital)
	assert.Equal(t, 2.5, cfg.Params().FloatOr("stop_loss_pct", 0))
	assert.Equal(t, int64(9), cfg.Params().IntOr("fast_period", 0))
	assert.Equal(t, 4.0, cfg.Params().FloatOr("take_profit_pct", 0))
}
