package optimization

import (
	"math/rand"

	"github.com/atlas-desktop/strategy-lab/pkg/types"
)

// geneticSampler is a steady-state genetic algorithm: once enough trials have
// completed, each new trial is a child of two tournament-selected parents from
// the best populationSize trials so far, so elites always stay in the pool.
type geneticSampler struct {
	ranges         []types.ParameterRange
	rng            *rand.Rand
	random         *randomSampler
	populationSize int
	mutationRate   float64
	crossoverRate  float64
	tournamentSize int
}

func (s *geneticSampler) Sample(history []types.Trial) types.ParamSet {
	population := completedByValue(history)
	if len(population) < s.populationSize {
		return s.random.Sample(history)
	}
	population = population[:s.populationSize]

	parent1 := s.tournamentSelect(population)
	parent2 := s.tournamentSelect(population)

	var child types.ParamSet
	if s.rng.Float64() < s.crossoverRate {
		child = s.crossover(parent1, parent2)
	} else {
		child = parent1.Clone()
	}
	return s.mutate(child)
}

// tournamentSelect performs tournament selection
func (s *geneticSampler) tournamentSelect(population []types.Trial) types.ParamSet {
	bestIdx := s.rng.Intn(len(population))
	for i := 1; i < s.tournamentSize; i++ {
		idx := s.rng.Intn(len(population))
		if population[idx].Value > population[bestIdx].Value {
			bestIdx = idx
		}
	}
	return population[bestIdx].Params
}

// crossover performs uniform crossover
func (s *geneticSampler) crossover(parent1, parent2 types.ParamSet) types.ParamSet {
	child := make(types.ParamSet, len(s.ranges))
	for _, r := range s.ranges {
		if s.rng.Float64() < 0.5 {
			child[r.Name] = parent1[r.Name]
		} else {
			child[r.Name] = parent2[r.Name]
		}
	}
	return child
}

// mutate applies Gaussian mutation to numeric genes and resampling to
// categorical ones. Genes missing from the parents are drawn at random.
func (s *geneticSampler) mutate(individual types.ParamSet) types.ParamSet {
	mutated := make(types.ParamSet, len(s.ranges))
	for _, r := range s.ranges {
		v, ok := individual[r.Name]
		if !ok || v == nil {
			mutated[r.Name] = randomValue(s.rng, r)
			continue
		}
		mutated[r.Name] = v
		if s.rng.Float64() >= s.mutationRate {
			continue
		}
		if r.Type == types.ParamTypeCategorical {
			mutated[r.Name] = randomValue(s.rng, r)
			continue
		}
		current, _ := individual.Float(r.Name)
		delta := s.rng.NormFloat64() * (r.High - r.Low) * 0.1
		mutated[r.Name] = r.Clamp(current + delta)
	}
	return mutated
}
