package types

// RiskParams is the risk section of a strategy configuration document.
type RiskParams map[string]any

// ConfigDocument is the on-disk strategy configuration. Generated documents
// additionally carry the strategy name and the capital assigned to it.
type ConfigDocument struct {
	Symbol           string     `json:"symbol" yaml:"symbol"`
	Exchange         string     `json:"exchange" yaml:"exchange"`
	Timeframe        Timeframe  `json:"timeframe" yaml:"timeframe"`
	Risk             RiskParams `json:"risk" yaml:"risk"`
	Strategy         string     `json:"strategy,omitempty" yaml:"strategy,omitempty"`
	AllocatedCapital float64    `json:"allocated_capital,omitempty" yaml:"allocated_capital,omitempty"`
}

// DefaultConfigDocument returns the base document used when none is supplied.
func DefaultConfigDocument() ConfigDocument {
	return ConfigDocument{
		Symbol:    "BTC/USDT",
		Exchange:  "binance",
		Timeframe: Timeframe1h,
		Risk: RiskParams{
			"stop_loss_pct":   2.0,
			"take_profit_pct": 4.0,
		},
	}
}

// Clone returns a copy whose risk map can be mutated independently.
func (d ConfigDocument) Clone() ConfigDocument {
	c := d
	if d.Risk != nil {
		c.Risk = make(RiskParams, len(d.Risk))
		for k, v := range d.Risk {
			c.Risk[k] = v
		}
	}
	return c
}

// WithParams returns a copy with params merged into the risk section.
func (d ConfigDocument) WithParams(params ParamSet) ConfigDocument {
	c := d.Clone()
	if c.Risk == nil {
		c.Risk = make(RiskParams, len(params))
	}
	for k, v := range params {
		c.Risk[k] = v
	}
	return c
}

// Params returns the numeric risk entries as a ParamSet.
func (d ConfigDocument) Params() ParamSet {
	out := make(ParamSet, len(d.Risk))
	for k, v := range d.Risk {
		out[k] = v
	}
	return out
}
