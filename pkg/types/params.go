package types

import (
	"fmt"
	"math"
	"sort"
)

// ParamType represents parameter type
type ParamType string

const (
	ParamTypeInteger     ParamType = "integer"
	ParamTypeReal        ParamType = "real"
	ParamTypeCategorical ParamType = "categorical"
)

// IsValid reports whether t is a known parameter type.
func (t ParamType) IsValid() bool {
	switch t {
	case ParamTypeInteger, ParamTypeReal, ParamTypeCategorical:
		return true
	default:
		return false
	}
}

// maxExactInt is the largest integer a float64 bound holds exactly.
const maxExactInt = 1 << 53

// ParameterRange describes the search domain of one tunable parameter.
// Build it with NewIntRange, NewRealRange or NewCategoricalRange.
type ParameterRange struct {
	Name    string    `json:"name"`
	Type    ParamType `json:"type"`
	Low     float64   `json:"low,omitempty"`
	High    float64   `json:"high,omitempty"`
	Step    float64   `json:"step,omitempty"`
	Choices []string  `json:"choices,omitempty"`
}

// NewIntRange creates an integer range [low, high] with an optional step (0 means 1).
func NewIntRange(name string, low, high, step int64) (ParameterRange, error) {
	if step < 0 {
		return ParameterRange{}, fmt.Errorf("parameter %q: negative step", name)
	}
	r := ParameterRange{Name: name, Type: ParamTypeInteger, Low: float64(low), High: float64(high), Step: float64(step)}
	return r, r.Validate()
}

// NewRealRange creates a real range [low, high]; step 0 means continuous.
func NewRealRange(name string, low, high, step float64) (ParameterRange, error) {
	r := ParameterRange{Name: name, Type: ParamTypeReal, Low: low, High: high, Step: step}
	return r, r.Validate()
}

// NewCategoricalRange creates a categorical range over the given choices.
func NewCategoricalRange(name string, choices ...string) (ParameterRange, error) {
	r := ParameterRange{Name: name, Type: ParamTypeCategorical, Choices: append([]string(nil), choices...)}
	return r, r.Validate()
}

// Validate checks the range is usable by a sampler.
func (r ParameterRange) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("parameter range without name")
	}
	if !r.Type.IsValid() {
		return fmt.Errorf("parameter %q: unknown type %q", r.Name, r.Type)
	}
	if r.Type == ParamTypeCategorical {
		if len(r.Choices) == 0 {
			return fmt.Errorf("parameter %q: categorical range needs choices", r.Name)
		}
		return nil
	}
	if math.IsNaN(r.Low) || math.IsNaN(r.High) || math.IsInf(r.Low, 0) || math.IsInf(r.High, 0) {
		return fmt.Errorf("parameter %q: bounds must be finite", r.Name)
	}
	if r.Low > r.High {
		return fmt.Errorf("parameter %q: low %v > high %v", r.Name, r.Low, r.High)
	}
	if r.Step < 0 {
		return fmt.Errorf("parameter %q: negative step", r.Name)
	}
	if r.Type == ParamTypeInteger {
		if r.Low != math.Trunc(r.Low) || r.High != math.Trunc(r.High) || r.Step != math.Trunc(r.Step) {
			return fmt.Errorf("parameter %q: integer range needs whole bounds and step", r.Name)
		}
		if math.Abs(r.Low) > maxExactInt || math.Abs(r.High) > maxExactInt {
			return fmt.Errorf("parameter %q: integer bounds beyond ±2^53", r.Name)
		}
	}
	return nil
}

// GridLen returns the number of discrete values of the range. Continuous real
// ranges are split into resolution intervals. Huge ranges saturate at math.MaxInt.
func (r ParameterRange) GridLen(resolution int) int {
	switch r.Type {
	case ParamTypeCategorical:
		return len(r.Choices)
	case ParamTypeInteger:
		return saturate(math.Floor((r.High-r.Low)/r.intStep()) + 1)
	default:
		step := r.realGridStep(resolution)
		if step == 0 {
			return 1
		}
		return saturate(math.Floor((r.High-r.Low)/step+1e-9) + 1)
	}
}

// GridValue returns the i-th grid value, 0 <= i < GridLen(resolution).
func (r ParameterRange) GridValue(resolution, i int) any {
	switch r.Type {
	case ParamTypeCategorical:
		return r.Choices[i]
	case ParamTypeInteger:
		return int64(r.Low) + int64(i)*int64(r.intStep())
	default:
		v := r.Low + float64(i)*r.realGridStep(resolution)
		if v > r.High {
			v = r.High
		}
		return v
	}
}

// GridValues enumerates every grid value. Prefer GridLen and GridValue for
// ranges that may be wide.
func (r ParameterRange) GridValues(resolution int) []any {
	n := r.GridLen(resolution)
	out := make([]any, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, r.GridValue(resolution, i))
	}
	return out
}

func (r ParameterRange) intStep() float64 {
	if r.Step < 1 {
		return 1
	}
	return r.Step
}

func (r ParameterRange) realGridStep(resolution int) float64 {
	if r.Step > 0 {
		return r.Step
	}
	if resolution <= 0 {
		resolution = 10
	}
	return (r.High - r.Low) / float64(resolution)
}

func saturate(f float64) int {
	if f >= float64(math.MaxInt) {
		return math.MaxInt
	}
	return int(f)
}

// Clamp maps a raw numeric draw onto the range, honouring type and step.
func (r ParameterRange) Clamp(v float64) any {
	if v < r.Low {
		v = r.Low
	}
	if v > r.High {
		v = r.High
	}
	switch r.Type {
	case ParamTypeInteger:
		step := r.intStep()
		n := math.Round((v - r.Low) / step)
		iv := int64(r.Low + n*step)
		if float64(iv) > r.High {
			iv -= int64(step)
		}
		return iv
	default:
		if r.Step > 0 {
			n := math.Round((v - r.Low) / r.Step)
			v = r.Low + n*r.Step
			if v > r.High {
				v -= r.Step
			}
		}
		return v
	}
}

// ParamSet is one assignment of values to parameter names.
// Values are int64, float64 or string.
type ParamSet map[string]any

// Clone creates a copy of the parameter set
func (ps ParamSet) Clone() ParamSet {
	if ps == nil {
		return nil
	}
	out := make(ParamSet, len(ps))
	for k, v := range ps {
		out[k] = v
	}
	return out
}

// Float returns a numeric parameter as float64.
func (ps ParamSet) Float(name string) (float64, bool) {
	switch v := ps[name].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int64:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	default:
		return 0, false
	}
}

// FloatOr returns the numeric value or def when missing.
func (ps ParamSet) FloatOr(name string, def float64) float64 {
	if v, ok := ps.Float(name); ok {
		return v
	}
	return def
}

// Int returns a numeric parameter truncated to int64.
func (ps ParamSet) Int(name string) (int64, bool) {
	f, ok := ps.Float(name)
	if !ok {
		return 0, false
	}
	return int64(math.Round(f)), true
}

// IntOr returns the integer value or def when missing.
func (ps ParamSet) IntOr(name string, def int64) int64 {
	if v, ok := ps.Int(name); ok {
		return v
	}
	return def
}

// String returns a categorical parameter.
func (ps ParamSet) String(name string) (string, bool) {
	s, ok := ps[name].(string)
	return s, ok
}

// StringOr returns the categorical value or def when missing.
func (ps ParamSet) StringOr(name, def string) string {
	if v, ok := ps.String(name); ok {
		return v
	}
	return def
}

// Keys returns parameter names in sorted order.
func (ps ParamSet) Keys() []string {
	keys := make([]string, 0, len(ps))
	for k := range ps {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Normalize converts JSON-decoded numbers back to the types declared by ranges.
func (ps ParamSet) Normalize(ranges []ParameterRange) ParamSet {
	out := ps.Clone()
	for _, r := range ranges {
		v, ok := out[r.Name]
		if !ok {
			continue
		}
		switch r.Type {
		case ParamTypeInteger:
			if f, ok := toFloat(v); ok {
				out[r.Name] = int64(math.Round(f))
			}
		case ParamTypeReal:
			if f, ok := toFloat(v); ok {
				out[r.Name] = f
			}
		case ParamTypeCategorical:
			out[r.Name] = fmt.Sprint(v)
		}
	}
	return out
}

func toFloat(v any) (float64, bool) {
	return ParamSet{"v": v}.Float("v")
}
