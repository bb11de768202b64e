package types

import "fmt"

// AllocationMethod selects how capital is split across strategies.
type AllocationMethod string

const (
	AllocationEqual          AllocationMethod = "equal"
	AllocationSharpeWeighted AllocationMethod = "sharpe_weighted"
	AllocationRiskParity     AllocationMethod = "risk_parity"
	AllocationMaxSharpe      AllocationMethod = "max_sharpe"
)

// AllocationMethods lists every supported method.
var AllocationMethods = []AllocationMethod{
	AllocationEqual,
	AllocationSharpeWeighted,
	AllocationRiskParity,
	AllocationMaxSharpe,
}

// IsValid reports whether m is a supported method.
func (m AllocationMethod) IsValid() bool {
	for _, v := range AllocationMethods {
		if v == m {
			return true
		}
	}
	return false
}

// ParseAllocationMethod converts a string into an AllocationMethod.
func ParseAllocationMethod(s string) (AllocationMethod, error) {
	m := AllocationMethod(s)
	if !m.IsValid() {
		return "", fmt.Errorf("%w: allocation method %q", ErrUnknownMethod, s)
	}
	return m, nil
}

// Allocation maps strategies to capital amounts.
type Allocation struct {
	Method       AllocationMethod   `json:"allocation_method"`
	TotalCapital float64            `json:"total_capital"`
	Allocations  map[string]float64 `json:"allocations"`
	Order        []string           `json:"order"`
	Fallback     bool               `json:"fallback,omitempty"`
}

// Sum returns the total capital actually allocated.
func (a *Allocation) Sum() float64 {
	var s float64
	for _, v := range a.Allocations {
		s += v
	}
	return s
}

// Weight returns the share of total capital given to name.
func (a *Allocation) Weight(name string) float64 {
	if a.TotalCapital == 0 {
		return 0
	}
	return a.Allocations[name] / a.TotalCapital
}

// PortfolioMetrics aggregates strategy metrics weighted by capital share.
type PortfolioMetrics struct {
	SharpeRatio    float64 `json:"sharpe_ratio"`
	TotalReturnPct float64 `json:"total_return_pct"`
	MaxDrawdownPct float64 `json:"max_drawdown_pct"`
	WinRatePct     float64 `json:"win_rate_pct"`
	Strategies     int     `json:"strategies"`
}
