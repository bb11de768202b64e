package backtester

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/atlas-desktop/strategy-lab/pkg/types"
)

// Template is a strategy family with the ranges its candidates are drawn from.
type Template struct {
	Name   string                 `json:"name" yaml:"name"`
	Fixed  types.ParamSet         `json:"fixed" yaml:"fixed"`
	Ranges []types.ParameterRange `json:"ranges" yaml:"ranges"`
}

// DefaultTemplates returns the built-in strategy families understood by the
// simulated executor.
func DefaultTemplates() []Template {
	return []Template{
		{
			Name:  "ma_cross",
			Fixed: types.ParamSet{"mode": ModeTrend},
			Ranges: []types.ParameterRange{
				{Name: "fast_period", Type: types.ParamTypeInteger, Low: 3, High: 20},
				{Name: "slow_period", Type: types.ParamTypeInteger, Low: 25, High: 120},
				{Name: "stop_loss_pct", Type: types.ParamTypeReal, Low: 1, High: 6, Step: 0.5},
				{Name: "take_profit_pct", Type: types.ParamTypeReal, Low: 2, High: 12, Step: 0.5},
			},
		},
		{
			Name:  "mean_revert",
			Fixed: types.ParamSet{"mode": ModeMeanReversion, "fast_period": int64(2)},
			Ranges: []types.ParameterRange{
				{Name: "slow_period", Type: types.ParamTypeInteger, Low: 10, High: 60},
				{Name: "entry_band_pct", Type: types.ParamTypeReal, Low: 0.5, High: 4, Step: 0.25},
				{Name: "stop_loss_pct", Type: types.ParamTypeReal, Low: 1, High: 5, Step: 0.5},
				{Name: "take_profit_pct", Type: types.ParamTypeReal, Low: 1, High: 8, Step: 0.5},
			},
		},
	}
}

// TemplateGenerator draws candidates from templates across symbols.
type TemplateGenerator struct {
	logger    *zap.Logger
	templates []Template
	symbols   []string

	mu  sync.Mutex
	rng *rand.Rand
}

// NewTemplateGenerator creates a generator; a fixed seed makes output reproducible.
func NewTemplateGenerator(logger *zap.Logger, templates []Template, symbols []string, seed int64) *TemplateGenerator {
	if len(templates) == 0 {
		templates = DefaultTemplates()
	}
	if len(symbols) == 0 {
		symbols = []string{"BTC/USDT"}
	}
	return &TemplateGenerator{
		logger:    logger,
		templates: templates,
		symbols:   symbols,
		rng:       rand.New(rand.NewSource(seed)),
	}
}

// Generate returns n candidates cycling through templates and symbols.
func (g *TemplateGenerator) Generate(ctx context.Context, n int, timeframe types.Timeframe) ([]types.StrategySpec, error) {
	if n <= 0 {
		return nil, fmt.Errorf("%w: candidate count %d", types.ErrInvalidRequest, n)
	}
	if !timeframe.IsValid() {
		return nil, fmt.Errorf("%w: timeframe %q", types.ErrInvalidRequest, timeframe)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	specs := make([]types.StrategySpec, 0, n)
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		tmpl := g.templates[i%len(g.templates)]
		symbol := g.symbols[(i/len(g.templates))%len(g.symbols)]

		params := tmpl.Fixed.Clone()
		if params == nil {
			params = types.ParamSet{}
		}
		for _, r := range tmpl.Ranges {
			params[r.Name] = g.draw(r)
		}
		// Keep crossover candidates well-formed.
		if fast, ok := params.Int("fast_period"); ok {
			if slow, ok := params.Int("slow_period"); ok && fast >= slow {
				params["slow_period"] = fast + 1
			}
		}

		specs = append(specs, types.StrategySpec{
			ID:        uuid.NewString(),
			Name:      fmt.Sprintf("%s-%s-%s-%03d", tmpl.Name, symbolSlug(symbol), timeframe, i),
			Template:  tmpl.Name,
			Symbol:    symbol,
			Timeframe: timeframe,
			Params:    params,
		})
	}

	g.logger.Debug("generated candidates", zap.Int("count", len(specs)), zap.String("timeframe", string(timeframe)))
	return specs, nil
}

func (g *TemplateGenerator) draw(r types.ParameterRange) any {
	if r.Type == types.ParamTypeCategorical {
		return r.Choices[g.rng.Intn(len(r.Choices))]
	}
	return r.Clamp(r.Low + g.rng.Float64()*(r.High-r.Low))
}

func symbolSlug(symbol string) string {
	return strings.ToLower(strings.NewReplacer("/", "", "-", "", "_", "").Replace(symbol))
}
