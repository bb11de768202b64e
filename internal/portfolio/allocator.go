// Package portfolio converts optimized strategies into a capital allocation
// and emits the per-strategy configuration documents.
package portfolio

import (
	"fmt"
	"math"
	"path/filepath"
	"sort"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/atlas-desktop/strategy-lab/internal/artifacts"
	"github.com/atlas-desktop/strategy-lab/internal/observability"
	"github.com/atlas-desktop/strategy-lab/pkg/types"
	"github.com/atlas-desktop/strategy-lab/pkg/utils"
)

// maxSharpePicks is how many strategies the max_sharpe method funds.
const maxSharpePicks = 3

// Allocator splits capital across optimized strategies.
type Allocator struct {
	logger *zap.Logger
}

// NewAllocator creates an allocator.
func NewAllocator(logger *zap.Logger) *Allocator {
	return &Allocator{logger: logger}
}

// Allocate splits totalCapital across results using method. Methods with a
// qualification predicate fall back to equal weights over every strategy when
// nothing qualifies.
func (a *Allocator) Allocate(results []*types.OptimizationResult, totalCapital float64, method types.AllocationMethod) (*types.Allocation, error) {
	if len(results) == 0 {
		return nil, types.NewSetupError("allocate", fmt.Errorf("%w: no strategies to allocate", types.ErrInvalidRequest))
	}
	if !(totalCapital > 0) || math.IsInf(totalCapital, 0) {
		return nil, types.NewSetupError("allocate", fmt.Errorf("%w: total capital %v", types.ErrInvalidRequest, totalCapital))
	}
	if !method.IsValid() {
		return nil, types.NewSetupError("allocate", fmt.Errorf("%w: allocation method %q", types.ErrUnknownMethod, method))
	}
	if lo.ContainsBy(results, func(r *types.OptimizationResult) bool { return r == nil || r.StrategyName == "" }) {
		return nil, types.NewSetupError("allocate", fmt.Errorf("%w: result without strategy name", types.ErrInvalidRequest))
	}
	names := lo.Map(results, func(r *types.OptimizationResult, _ int) string { return r.StrategyName })
	if dups := lo.FindDuplicates(names); len(dups) > 0 {
		return nil, types.NewSetupError("allocate", fmt.Errorf("%w: duplicate strategies %v", types.ErrInvalidRequest, dups))
	}

	alloc := &types.Allocation{
		Method:       method,
		TotalCapital: totalCapital,
		Allocations:  make(map[string]float64, len(results)),
		Order:        names,
	}
	for _, n := range names {
		alloc.Allocations[n] = 0
	}

	var weights map[string]float64
	switch method {
	case types.AllocationSharpeWeighted:
		weights = weightBy(results, func(r *types.OptimizationResult) (float64, bool) {
			s := r.Sharpe()
			return s, s > 0
		})
	case types.AllocationRiskParity:
		weights = weightBy(results, func(r *types.OptimizationResult) (float64, bool) {
			dd := absDrawdown(r)
			if !(dd > 0) {
				return 0, false
			}
			return 1 / dd, true
		})
	case types.AllocationMaxSharpe:
		top := append([]*types.OptimizationResult(nil), results...)
		sort.SliceStable(top, func(i, j int) bool { return top[i].Sharpe() > top[j].Sharpe() })
		if len(top) > maxSharpePicks {
			top = top[:maxSharpePicks]
		}
		weights = weightBy(top, func(r *types.OptimizationResult) (float64, bool) {
			s := r.Sharpe()
			return s, s > 0
		})
	}

	if method == types.AllocationEqual || len(weights) == 0 {
		alloc.Fallback = method != types.AllocationEqual
		each := totalCapital / float64(len(results))
		for _, n := range names {
			alloc.Allocations[n] = each
		}
	} else {
		sum := lo.Sum(lo.Values(weights))
		for n, w := range weights {
			alloc.Allocations[n] = totalCapital * w / sum
		}
	}

	if alloc.Fallback {
		a.logger.Warn("no strategy qualified for allocation method, using equal weights",
			zap.String("method", string(method)),
			zap.Int("strategies", len(results)),
		)
	}
	observability.RecordAllocation(string(method), alloc.Allocations)
	a.logger.Info("capital allocated",
		zap.String("method", string(method)),
		zap.String("total_capital", utils.FormatCapital(totalCapital)),
		zap.Int("funded", len(lo.PickBy(alloc.Allocations, func(_ string, v float64) bool { return v > 0 }))),
	)
	return alloc, nil
}

// weightBy returns the raw weight of every result accepted by fn.
func weightBy(results []*types.OptimizationResult, fn func(*types.OptimizationResult) (float64, bool)) map[string]float64 {
	out := make(map[string]float64)
	for _, r := range results {
		if w, ok := fn(r); ok && !math.IsInf(w, 0) && !math.IsNaN(w) {
			out[r.StrategyName] = w
		}
	}
	return out
}

func absDrawdown(r *types.OptimizationResult) float64 {
	if r.BestMetrics == nil {
		return 0
	}
	return r.BestMetrics.AbsMaxDrawdown()
}

// PortfolioMetrics averages the metrics of funded strategies weighted by
// their share of allocated capital.
func (a *Allocator) PortfolioMetrics(alloc *types.Allocation, results []*types.OptimizationResult) types.PortfolioMetrics {
	var pm types.PortfolioMetrics
	funded := lo.Filter(results, func(r *types.OptimizationResult, _ int) bool {
		return r != nil && r.BestMetrics != nil && alloc.Allocations[r.StrategyName] > 0
	})
	total := lo.SumBy(funded, func(r *types.OptimizationResult) float64 { return alloc.Allocations[r.StrategyName] })
	if total <= 0 {
		return pm
	}

	for _, r := range funded {
		w := alloc.Allocations[r.StrategyName] / total
		m := r.BestMetrics
		pm.SharpeRatio += w * m.SharpeRatio
		pm.TotalReturnPct += w * m.TotalReturnPct
		pm.MaxDrawdownPct += w * m.AbsMaxDrawdown()
		pm.WinRatePct += w * m.WinRatePct
	}
	pm.Strategies = len(funded)
	return pm
}

// Summary is the portfolio summary document.
type Summary struct {
	Method           types.AllocationMethod `json:"allocation_method"`
	TotalCapital     float64                `json:"total_capital"`
	Allocations      map[string]float64     `json:"allocations"`
	PortfolioMetrics types.PortfolioMetrics `json:"portfolio_metrics"`
	Fallback         bool                   `json:"fallback,omitempty"`
	GeneratedAt      time.Time              `json:"generated_at"`
}

// NewSummary builds the summary document with capital rounded to cents.
func NewSummary(alloc *types.Allocation, metrics types.PortfolioMetrics) *Summary {
	return &Summary{
		Method:           alloc.Method,
		TotalCapital:     utils.RoundTo(alloc.TotalCapital, 2),
		Allocations:      lo.MapValues(alloc.Allocations, func(v float64, _ string) float64 { return utils.RoundTo(v, 2) }),
		PortfolioMetrics: metrics,
		Fallback:         alloc.Fallback,
		GeneratedAt:      time.Now().UTC(),
	}
}

// WriteSummary writes the portfolio summary document to path.
func (a *Allocator) WriteSummary(path string, alloc *types.Allocation, metrics types.PortfolioMetrics) error {
	if err := artifacts.WriteJSON(path, NewSummary(alloc, metrics)); err != nil {
		return err
	}
	a.logger.Info("portfolio summary written", zap.String("path", path))
	return nil
}

// GenerateConfigFiles writes one YAML configuration per funded strategy into
// dir, embedding its allocated capital and best parameters on top of base.
// It returns the written paths in allocation order.
func (a *Allocator) GenerateConfigFiles(dir string, alloc *types.Allocation, results []*types.OptimizationResult, base types.ConfigDocument) ([]string, error) {
	byName := lo.KeyBy(lo.Compact(results), func(r *types.OptimizationResult) string { return r.StrategyName })

	var paths []string
	for _, name := range alloc.Order {
		capital := alloc.Allocations[name]
		if capital <= 0 {
			continue
		}
		doc := base.Clone()
		if r, ok := byName[name]; ok {
			doc = doc.WithParams(r.BestParams)
		}
		doc.Strategy = name
		doc.AllocatedCapital = utils.RoundTo(capital, 2)

		path := filepath.Join(dir, artifacts.FileName(name)+".yaml")
		backup, err := artifacts.WriteConfig(path, doc)
		if err != nil {
			return paths, err
		}
		if backup != "" {
			a.logger.Debug("previous config backed up", zap.String("path", path), zap.String("backup", backup))
		}
		paths = append(paths, path)
	}

	a.logger.Info("strategy configs generated", zap.String("dir", dir), zap.Int("count", len(paths)))
	return paths, nil
}
