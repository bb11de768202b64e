package optimization

import (
	"math"
	"math/rand"

	"github.com/atlas-desktop/strategy-lab/pkg/types"
)

// tpeSampler is an independent tree-structured Parzen estimator. Completed
// trials are split into a good fraction (gamma) and the rest; each parameter
// is drawn from the good-trial density and the candidate maximising
// l(x)/g(x) is kept.
type tpeSampler struct {
	ranges     []types.ParameterRange
	rng        *rand.Rand
	random     *randomSampler
	startup    int
	candidates int
	gamma      float64
}

func (s *tpeSampler) Sample(history []types.Trial) types.ParamSet {
	complete := completedByValue(history)
	if len(complete) < s.startup {
		return s.random.Sample(history)
	}

	nGood := int(math.Ceil(s.gamma * float64(len(complete))))
	if nGood < 1 {
		nGood = 1
	}
	if nGood > len(complete)-1 {
		nGood = len(complete) - 1
	}
	good, bad := complete[:nGood], complete[nGood:]

	params := make(types.ParamSet, len(s.ranges))
	for _, r := range s.ranges {
		if r.Type == types.ParamTypeCategorical {
			params[r.Name] = s.sampleCategorical(r, good, bad)
		} else {
			params[r.Name] = s.sampleNumeric(r, good, bad)
		}
	}
	return params
}

func observations(name string, trials []types.Trial) []float64 {
	out := make([]float64, 0, len(trials))
	for _, t := range trials {
		if v, ok := t.Params.Float(name); ok {
			out = append(out, v)
		}
	}
	return out
}

// parzen is a Gaussian mixture over observations plus a uniform prior over
// [low, high], the prior weighted as one extra component.
type parzen struct {
	obs       []float64
	bandwidth float64
	low, high float64
}

func newParzen(obs []float64, low, high float64) parzen {
	span := high - low
	n := math.Max(float64(len(obs)), 1)
	bw := math.Max(span*0.2*math.Pow(n, -0.2), span*1e-3)
	return parzen{obs: obs, bandwidth: bw, low: low, high: high}
}

func (p parzen) density(x float64) float64 {
	d := 1 / (p.high - p.low)
	for _, o := range p.obs {
		z := (x - o) / p.bandwidth
		d += math.Exp(-0.5*z*z) / (p.bandwidth * math.Sqrt(2*math.Pi))
	}
	return d / float64(len(p.obs)+1)
}

func (p parzen) draw(rng *rand.Rand) float64 {
	k := rng.Intn(len(p.obs) + 1)
	if k == len(p.obs) {
		return p.low + rng.Float64()*(p.high-p.low)
	}
	x := p.obs[k] + rng.NormFloat64()*p.bandwidth
	return math.Min(math.Max(x, p.low), p.high)
}

func (s *tpeSampler) sampleNumeric(r types.ParameterRange, good, bad []types.Trial) any {
	if r.High <= r.Low {
		return r.Clamp(r.Low)
	}
	l := newParzen(observations(r.Name, good), r.Low, r.High)
	g := newParzen(observations(r.Name, bad), r.Low, r.High)

	best, bestRatio := l.draw(s.rng), math.Inf(-1)
	for i := 0; i < s.candidates; i++ {
		x := l.draw(s.rng)
		if ratio := l.density(x) / g.density(x); ratio > bestRatio {
			best, bestRatio = x, ratio
		}
	}
	return r.Clamp(best)
}

func (s *tpeSampler) sampleCategorical(r types.ParameterRange, good, bad []types.Trial) any {
	weights := func(trials []types.Trial) []float64 {
		w := make([]float64, len(r.Choices))
		for i := range w {
			w[i] = 1
		}
		for _, t := range trials {
			v, ok := t.Params.String(r.Name)
			if !ok {
				continue
			}
			for i, c := range r.Choices {
				if c == v {
					w[i]++
				}
			}
		}
		total := 0.0
		for _, x := range w {
			total += x
		}
		for i := range w {
			w[i] /= total
		}
		return w
	}
	l, g := weights(good), weights(bad)

	best, bestRatio := 0, math.Inf(-1)
	for i := 0; i < s.candidates; i++ {
		c := pickWeighted(s.rng, l)
		if ratio := l[c] / g[c]; ratio > bestRatio {
			best, bestRatio = c, ratio
		}
	}
	return r.Choices[best]
}

func pickWeighted(rng *rand.Rand, weights []float64) int {
	x := rng.Float64()
	for i, w := range weights {
		if x < w {
			return i
		}
		x -= w
	}
	return len(weights) - 1
}
