package types

import "time"

// TrialState is the lifecycle state of a search trial.
type TrialState string

const (
	TrialComplete TrialState = "complete"
	TrialFailed   TrialState = "failed"
)

// FailedTrialValue is the objective recorded for trials whose execution failed.
// It is far below any objective a real backtest can produce.
const FailedTrialValue = -1e9

// Trial is a single evaluated parameter set within a study.
type Trial struct {
	Number    int            `json:"number"`
	Params    ParamSet       `json:"params"`
	Value     float64        `json:"value"`
	Metrics   *MetricsRecord `json:"metrics,omitempty"`
	State     TrialState     `json:"state"`
	Error     string         `json:"error,omitempty"`
	StartedAt time.Time      `json:"started_at"`
	Duration  time.Duration  `json:"duration"`
}

// IsComplete reports whether the trial produced an objective value.
func (t Trial) IsComplete() bool {
	return t.State == TrialComplete
}

// OptimizationResult is the outcome of a parameter search for one strategy.
type OptimizationResult struct {
	StrategyName string         `json:"strategy_name"`
	StudyName    string         `json:"study_name"`
	Sampler      string         `json:"sampler"`
	Objective    string         `json:"objective"`
	BestParams   ParamSet       `json:"best_params"`
	BestValue    float64        `json:"best_value"`
	BestMetrics  *MetricsRecord `json:"best_metrics,omitempty"`
	Trials       []Trial        `json:"trials"`
	Convergence  []float64      `json:"convergence,omitempty"`
	Cancelled    bool           `json:"cancelled,omitempty"`
	Duration     time.Duration  `json:"duration"`
}

// HasBest reports whether at least one trial completed.
func (r *OptimizationResult) HasBest() bool {
	return r != nil && r.BestParams != nil
}

// CompletedTrials counts trials in the complete state.
func (r *OptimizationResult) CompletedTrials() int {
	n := 0
	for _, t := range r.Trials {
		if t.IsComplete() {
			n++
		}
	}
	return n
}

// Sharpe returns the best trial's Sharpe ratio, or 0 when unknown.
func (r *OptimizationResult) Sharpe() float64 {
	if r == nil || r.BestMetrics == nil {
		return 0
	}
	return r.BestMetrics.SharpeRatio
}

// Progress is the snapshot emitted after every completed unit of work.
type Progress struct {
	Total      int      `json:"total"`
	Done       int      `json:"done"`
	ElapsedSec float64  `json:"elapsed_sec"`
	ETASec     float64  `json:"eta_sec"`
	Best       *float64 `json:"best"`
}

// NewProgress computes the ETA as elapsed/done * (total-done).
func NewProgress(total, done int, elapsed time.Duration, best *float64) Progress {
	p := Progress{
		Total:      total,
		Done:       done,
		ElapsedSec: elapsed.Seconds(),
		Best:       best,
	}
	if done > 0 && total > done {
		p.ETASec = p.ElapsedSec / float64(done) * float64(total-done)
	}
	return p
}
