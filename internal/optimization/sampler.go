package optimization

import (
	"math"
	"math/rand"
	"sort"

	"github.com/atlas-desktop/strategy-lab/pkg/types"
)

// Sampler draws the next parameter assignment. Implementations are not safe
// for concurrent use; the engine calls Sample under the study lock.
type Sampler interface {
	Sample(history []types.Trial) types.ParamSet
}

// NewSampler builds the sampler named by config. offset is the number of
// trials already drawn for the study, so grid enumeration resumes in place.
func NewSampler(config *SearchConfig, ranges []types.ParameterRange, offset int, rng *rand.Rand) Sampler {
	random := &randomSampler{ranges: ranges, rng: rng}
	switch config.Sampler {
	case SamplerRandom:
		return random
	case SamplerGrid:
		return newGridSampler(ranges, config.GridResolution, offset)
	case SamplerGenetic:
		return &geneticSampler{
			ranges:         ranges,
			rng:            rng,
			random:         random,
			populationSize: max(config.PopulationSize, 2),
			mutationRate:   config.MutationRate,
			crossoverRate:  config.CrossoverRate,
			tournamentSize: max(config.TournamentSize, 1),
		}
	default:
		return &tpeSampler{
			ranges:     ranges,
			rng:        rng,
			random:     random,
			startup:    max(config.StartupTrials, 2),
			candidates: max(config.Candidates, 1),
			gamma:      config.Gamma,
		}
	}
}

// randomSampler draws every parameter uniformly.
type randomSampler struct {
	ranges []types.ParameterRange
	rng    *rand.Rand
}

func (s *randomSampler) Sample(_ []types.Trial) types.ParamSet {
	params := make(types.ParamSet, len(s.ranges))
	for _, r := range s.ranges {
		params[r.Name] = randomValue(s.rng, r)
	}
	return params
}

func randomValue(rng *rand.Rand, r types.ParameterRange) any {
	switch r.Type {
	case types.ParamTypeCategorical:
		return r.Choices[rng.Intn(len(r.Choices))]
	case types.ParamTypeInteger:
		return r.GridValue(0, int(rng.Int63n(int64(r.GridLen(0)))))
	default:
		return r.Clamp(r.Low + rng.Float64()*(r.High-r.Low))
	}
}

// gridSampler walks the Cartesian product of every range's grid values,
// last parameter varying fastest, and wraps around when exhausted.
type gridSampler struct {
	ranges     []types.ParameterRange
	resolution int
	lens       []int
	size       int
	next       int
}

func newGridSampler(ranges []types.ParameterRange, resolution, offset int) *gridSampler {
	g := &gridSampler{ranges: ranges, resolution: resolution, size: 1, next: offset}
	for _, r := range ranges {
		n := r.GridLen(resolution)
		g.lens = append(g.lens, n)
		if g.size > math.MaxInt/n {
			g.size = math.MaxInt
			continue
		}
		g.size *= n
	}
	return g
}

// Size returns the number of distinct grid points.
func (g *gridSampler) Size() int {
	return g.size
}

func (g *gridSampler) Sample(_ []types.Trial) types.ParamSet {
	idx := g.next % g.size
	g.next++

	params := make(types.ParamSet, len(g.ranges))
	for i := len(g.ranges) - 1; i >= 0; i-- {
		params[g.ranges[i].Name] = g.ranges[i].GridValue(g.resolution, idx%g.lens[i])
		idx /= g.lens[i]
	}
	return params
}

// completedByValue returns complete trials sorted by value, best first.
func completedByValue(history []types.Trial) []types.Trial {
	out := make([]types.Trial, 0, len(history))
	for _, t := range history {
		if t.IsComplete() {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Value > out[j].Value
	})
	return out
}
