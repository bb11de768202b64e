// Package optimization searches a strategy's parameter space for the
// assignment that maximises a risk-adjusted objective.
// Samplers: tree-structured Parzen estimator, random, grid and a steady-state
// genetic algorithm.
package optimization

import (
	"fmt"
	"math"

	"github.com/atlas-desktop/strategy-lab/internal/scoring"
	"github.com/atlas-desktop/strategy-lab/pkg/types"
)

// SamplerKind selects how trial parameters are drawn.
type SamplerKind string

const (
	SamplerTPE     SamplerKind = "tpe"
	SamplerRandom  SamplerKind = "random"
	SamplerGrid    SamplerKind = "grid"
	SamplerGenetic SamplerKind = "genetic"
)

// IsValid reports whether k is a known sampler.
func (k SamplerKind) IsValid() bool {
	switch k {
	case SamplerTPE, SamplerRandom, SamplerGrid, SamplerGenetic:
		return true
	default:
		return false
	}
}

// Objective names the metric a search maximises.
type Objective string

const (
	ObjectiveSharpe    Objective = "sharpe"
	ObjectiveSortino   Objective = "sortino"
	ObjectiveCalmar    Objective = "calmar"
	ObjectiveReturn    Objective = "return"
	ObjectiveComposite Objective = "composite"
)

// IsValid reports whether o is a known objective.
func (o Objective) IsValid() bool {
	switch o {
	case ObjectiveSharpe, ObjectiveSortino, ObjectiveCalmar, ObjectiveReturn, ObjectiveComposite:
		return true
	default:
		return false
	}
}

// Value extracts the objective from m. Composite scores are written back to m.
func (o Objective) Value(m *types.MetricsRecord, scorer *scoring.CompositeScorer) (float64, error) {
	if m == nil {
		return 0, fmt.Errorf("no metrics")
	}
	var v float64
	switch o {
	case ObjectiveSharpe:
		v = m.SharpeRatio
	case ObjectiveSortino:
		v = m.SortinoRatio
	case ObjectiveCalmar:
		v = m.CalmarRatio
	case ObjectiveReturn:
		v = m.TotalReturnPct
	case ObjectiveComposite:
		v = scorer.Apply(m)
	default:
		return 0, fmt.Errorf("%w: objective %q", types.ErrUnknownMethod, o)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("objective %s is not finite", o)
	}
	return v, nil
}

// SearchConfig configures the search engine
type SearchConfig struct {
	Sampler   SamplerKind `mapstructure:"sampler"`
	Objective Objective   `mapstructure:"objective"`
	// Seed for the sampler RNG; 0 seeds from the clock.
	Seed int64 `mapstructure:"seed"`

	// Grid search
	GridResolution int `mapstructure:"grid_resolution"`

	// Tree-structured Parzen estimator
	StartupTrials int     `mapstructure:"startup_trials"`
	Candidates    int     `mapstructure:"candidates"`
	Gamma         float64 `mapstructure:"gamma"`

	// Genetic algorithm
	PopulationSize int     `mapstructure:"population_size"`
	MutationRate   float64 `mapstructure:"mutation_rate"`
	CrossoverRate  float64 `mapstructure:"crossover_rate"`
	TournamentSize int     `mapstructure:"tournament_size"`
}

// DefaultSearchConfig returns sensible defaults
func DefaultSearchConfig() *SearchConfig {
	return &SearchConfig{
		Sampler:        SamplerTPE,
		Objective:      ObjectiveSharpe,
		GridResolution: 10,
		StartupTrials:  10,
		Candidates:     24,
		Gamma:          0.25,
		PopulationSize: 20,
		MutationRate:   0.1,
		CrossoverRate:  0.7,
		TournamentSize: 3,
	}
}

// Validate checks the sampler and objective names.
func (c *SearchConfig) Validate() error {
	if !c.Sampler.IsValid() {
		return fmt.Errorf("%w: sampler %q", types.ErrUnknownMethod, c.Sampler)
	}
	if !c.Objective.IsValid() {
		return fmt.Errorf("%w: objective %q", types.ErrUnknownMethod, c.Objective)
	}
	return nil
}
