// Package walkforward validates strategy robustness with rolling
// in-sample optimisation followed by out-of-sample testing.
package walkforward

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/atlas-desktop/strategy-lab/internal/backtester"
	"github.com/atlas-desktop/strategy-lab/internal/observability"
	"github.com/atlas-desktop/strategy-lab/internal/optimization"
	"github.com/atlas-desktop/strategy-lab/internal/scoring"
	"github.com/atlas-desktop/strategy-lab/pkg/types"
)

// Searcher runs the in-sample parameter search of a window.
type Searcher interface {
	Optimize(ctx context.Context, req optimization.OptimizeRequest) (*types.OptimizationResult, error)
}

var _ Searcher = (*optimization.SearchEngine)(nil)

// WindowStatus is the outcome of one window.
type WindowStatus string

const (
	WindowOK     WindowStatus = "ok"
	WindowFailed WindowStatus = "failed"
)

// Config configures the validator.
type Config struct {
	// Objective is evaluated on out-of-sample metrics for the robustness ratio.
	// It should match the searcher's objective.
	Objective optimization.Objective `mapstructure:"objective"`
	NJobs     int                    `mapstructure:"n_jobs"`
}

// DefaultConfig returns validator defaults.
func DefaultConfig() *Config {
	return &Config{
		Objective: optimization.ObjectiveSharpe,
		NJobs:     1,
	}
}

// Request describes a walk-forward run. Day offsets are counted from Anchor.
type Request struct {
	Strategy   types.StrategySpec     `json:"strategy"`
	Ranges     []types.ParameterRange `json:"ranges"`
	BaseConfig types.ConfigDocument   `json:"base_config"`
	// Anchor is the start of day 0; zero means TotalDays before today.
	Anchor             time.Time            `json:"anchor"`
	TotalDays          int                  `json:"total_days"`
	InSampleDays       int                  `json:"in_sample_days"`
	OutOfSampleDays    int                  `json:"out_of_sample_days"`
	StepDays           int                  `json:"step_days"`
	MaxTrialsPerWindow int                  `json:"max_trials_per_window"`
	NJobs              int                  `json:"n_jobs"`
	OnProgress         func(types.Progress) `json:"-"`
}

// Window is the plan and outcome of one walk-forward window.
type Window struct {
	Index             int                    `json:"index"`
	InSample          types.HistoricalWindow `json:"in_sample"`
	OutOfSample       types.HistoricalWindow `json:"out_of_sample"`
	Status            WindowStatus           `json:"status,omitempty"`
	Error             string                 `json:"error,omitempty"`
	BestParams        types.ParamSet         `json:"best_params,omitempty"`
	InSampleObjective float64                `json:"in_sample_objective"`
	Trials            int                    `json:"trials"`
	Metrics           *types.MetricsRecord   `json:"metrics,omitempty"`
	EquityCurve       []types.EquityPoint    `json:"-"`
}

// Summary aggregates the out-of-sample results of every successful window.
type Summary struct {
	Strategy           string               `json:"strategy"`
	TotalWindows       int                  `json:"total_windows"`
	Successful         int                  `json:"successful"`
	Failed             int                  `json:"failed"`
	Windows            []Window             `json:"windows"`
	MeanSharpe         float64              `json:"mean_sharpe"`
	MeanReturnPct      float64              `json:"mean_return_pct"`
	MeanMaxDrawdownPct float64              `json:"mean_max_drawdown_pct"`
	RobustnessRatio    float64              `json:"robustness_ratio"`
	EquityCurve        []types.EquityPoint  `json:"equity_curve"`
	FinalConfig        types.ConfigDocument `json:"final_config"`
	Cancelled          bool                 `json:"cancelled,omitempty"`
	Duration           time.Duration        `json:"duration"`
}

// WindowCount returns floor((total-(inSample+outOfSample))/step)+1, or 0 when
// the period cannot hold a single window.
func WindowCount(totalDays, inSampleDays, outOfSampleDays, stepDays int) int {
	span := totalDays - (inSampleDays + outOfSampleDays)
	if span < 0 || stepDays <= 0 {
		return 0
	}
	return span/stepDays + 1
}

// Plan lays out the windows of a run starting at anchor.
func Plan(anchor time.Time, totalDays, inSampleDays, outOfSampleDays, stepDays int) []Window {
	n := WindowCount(totalDays, inSampleDays, outOfSampleDays, stepDays)
	windows := make([]Window, n)
	for k := range windows {
		isStart := anchor.AddDate(0, 0, k*stepDays)
		oosStart := isStart.AddDate(0, 0, inSampleDays)
		windows[k] = Window{
			Index:       k,
			InSample:    types.HistoricalWindow{Start: isStart, End: oosStart},
			OutOfSample: types.HistoricalWindow{Start: oosStart, End: oosStart.AddDate(0, 0, outOfSampleDays)},
		}
	}
	return windows
}

// Validator runs walk-forward validation.
type Validator struct {
	logger   *zap.Logger
	config   *Config
	searcher Searcher
	executor backtester.Executor
	scorer   *scoring.CompositeScorer
}

// NewValidator creates a validator.
func NewValidator(logger *zap.Logger, searcher Searcher, executor backtester.Executor, config *Config) *Validator {
	if config == nil {
		config = DefaultConfig()
	}
	return &Validator{
		logger:   logger,
		config:   config,
		searcher: searcher,
		executor: executor,
		scorer:   scoring.NewCompositeScorer(nil),
	}
}

func (v *Validator) validate(req *Request) error {
	switch {
	case len(req.Ranges) == 0:
		return types.NewSetupError("walkforward", types.ErrEmptyParameterSpace)
	case req.InSampleDays <= 0 || req.OutOfSampleDays <= 0 || req.StepDays <= 0:
		return types.NewSetupError("walkforward", fmt.Errorf("%w: in_sample=%d out_of_sample=%d step=%d must be positive",
			types.ErrInvalidRequest, req.InSampleDays, req.OutOfSampleDays, req.StepDays))
	case req.MaxTrialsPerWindow <= 0:
		return types.NewSetupError("walkforward", fmt.Errorf("%w: max_trials_per_window must be positive", types.ErrInvalidRequest))
	case !v.config.Objective.IsValid():
		return types.NewSetupError("walkforward", fmt.Errorf("%w: objective %q", types.ErrUnknownMethod, v.config.Objective))
	}
	if req.NJobs <= 0 {
		req.NJobs = v.config.NJobs
	}
	if req.Anchor.IsZero() {
		req.Anchor = time.Now().UTC().Truncate(24*time.Hour).AddDate(0, 0, -req.TotalDays)
	}
	return nil
}

// Validate runs every window strictly in chronological order. The best
// parameters of each window are carried in the working configuration and
// seed the next window's search. A window whose search or out-of-sample run
// fails is recorded and skipped. Cancelling ctx stops before the next window.
func (v *Validator) Validate(ctx context.Context, req Request) (*Summary, error) {
	started := time.Now()
	if err := v.validate(&req); err != nil {
		return nil, err
	}

	windows := Plan(req.Anchor, req.TotalDays, req.InSampleDays, req.OutOfSampleDays, req.StepDays)
	summary := &Summary{
		Strategy:     req.Strategy.Key(),
		TotalWindows: len(windows),
		Windows:      []Window{},
		EquityCurve:  []types.EquityPoint{},
		FinalConfig:  req.BaseConfig.Clone(),
	}
	if len(windows) == 0 {
		v.logger.Info("walk-forward period holds no window",
			zap.Int("total_days", req.TotalDays),
			zap.Int("in_sample_days", req.InSampleDays),
			zap.Int("out_of_sample_days", req.OutOfSampleDays),
		)
		return summary, nil
	}

	v.logger.Info("starting walk-forward validation",
		zap.String("strategy", req.Strategy.Key()),
		zap.Int("windows", len(windows)),
		zap.Int("trials_per_window", req.MaxTrialsPerWindow),
	)

	runID := uuid.NewString()[:8]
	working := req.BaseConfig.Clone()
	var bestOOS *float64

	for i := range windows {
		if ctx.Err() != nil {
			summary.Cancelled = true
			break
		}

		w := &windows[i]
		err := v.runWindow(ctx, req, runID, working, w)
		if err != nil {
			if types.IsSetupError(err) {
				return nil, err
			}
			if ctx.Err() != nil {
				summary.Cancelled = true
				break
			}
			w.Status = WindowFailed
			w.Error = err.Error()
			summary.Failed++
			observability.RecordWindow(string(WindowFailed))
			v.logger.Warn("walk-forward window failed",
				zap.Int("window", w.Index),
				zap.String("in_sample", w.InSample.String()),
				zap.Error(err),
			)
		} else {
			w.Status = WindowOK
			summary.Successful++
			observability.RecordWindow(string(WindowOK))
			working = working.WithParams(w.BestParams)
			if s := w.Metrics.SharpeRatio; bestOOS == nil || s > *bestOOS {
				bestOOS = &s
			}
			v.logger.Debug("walk-forward window complete",
				zap.Int("window", w.Index),
				zap.Float64("in_sample_objective", w.InSampleObjective),
				zap.Float64("oos_return_pct", w.Metrics.TotalReturnPct),
				zap.Float64("oos_sharpe", w.Metrics.SharpeRatio),
			)
		}
		summary.Windows = append(summary.Windows, *w)

		if req.OnProgress != nil {
			req.OnProgress(types.NewProgress(len(windows), i+1, time.Since(started), bestOOS))
		}
	}

	summary.FinalConfig = working
	v.aggregate(summary)
	summary.Duration = time.Since(started)

	status := "ok"
	if summary.Cancelled {
		status = "cancelled"
	}
	observability.RecordRun("walkforward", status, summary.Duration.Seconds())

	v.logger.Info("walk-forward validation complete",
		zap.Int("successful", summary.Successful),
		zap.Int("failed", summary.Failed),
		zap.Float64("mean_sharpe", summary.MeanSharpe),
		zap.Float64("mean_return_pct", summary.MeanReturnPct),
		zap.Float64("robustness", summary.RobustnessRatio),
		zap.Bool("cancelled", summary.Cancelled),
	)
	return summary, nil
}

// runWindow searches the in-sample period and tests the winner out of sample.
func (v *Validator) runWindow(ctx context.Context, req Request, runID string, working types.ConfigDocument, w *Window) error {
	search := optimization.OptimizeRequest{
		Strategy:  req.Strategy,
		StudyName: fmt.Sprintf("%s-wf-%s-w%03d", req.Strategy.Key(), runID, w.Index),
		Ranges:    req.Ranges,
		NTrials:   req.MaxTrialsPerWindow,
		NJobs:     req.NJobs,
		Window:    w.InSample,
	}
	if seed, ok := seedFrom(working, req.Ranges); ok {
		search.Seeds = []types.ParamSet{seed}
	}

	res, err := v.searcher.Optimize(ctx, search)
	var ioErr *types.IOFailure
	switch {
	case errors.As(err, &ioErr) && res != nil:
		v.logger.Warn("walk-forward study not persisted", zap.Int("window", w.Index), zap.Error(err))
	case err != nil:
		return err
	}
	if res.Cancelled {
		return ctx.Err()
	}
	w.Trials = len(res.Trials)
	if !res.HasBest() {
		return fmt.Errorf("in-sample search completed no trial out of %d", len(res.Trials))
	}
	w.BestParams = res.BestParams
	w.InSampleObjective = res.BestValue

	outcome, err := v.executor.Execute(ctx, req.Strategy, res.BestParams, w.OutOfSample)
	if err != nil {
		return types.AsExecutionFailure(err, "walkforward", req.Strategy.Key())
	}
	if outcome == nil || outcome.Metrics == nil {
		return &types.ExecutionFailure{Unit: "walkforward", StrategyID: req.Strategy.Key(), Reason: "empty outcome"}
	}
	w.Metrics = outcome.Metrics
	w.EquityCurve = outcome.EquityCurve
	return nil
}

// seedFrom returns the working configuration's values for every range, or
// false when any is missing.
func seedFrom(doc types.ConfigDocument, ranges []types.ParameterRange) (types.ParamSet, bool) {
	params := doc.Params()
	seed := make(types.ParamSet, len(ranges))
	for _, r := range ranges {
		v, ok := params[r.Name]
		if !ok {
			return nil, false
		}
		seed[r.Name] = v
	}
	return seed.Normalize(ranges), true
}

func (v *Validator) aggregate(s *Summary) {
	var sharpe, ret, dd, oosObjective, isObjective float64
	n := 0
	for _, w := range s.Windows {
		if w.Status != WindowOK {
			continue
		}
		n++
		sharpe += w.Metrics.SharpeRatio
		ret += w.Metrics.TotalReturnPct
		dd += w.Metrics.MaxDrawdownPct
		isObjective += w.InSampleObjective
		if obj, err := v.config.Objective.Value(w.Metrics.Clone(), v.scorer); err == nil {
			oosObjective += obj
		}

		for _, p := range w.EquityCurve {
			if last := len(s.EquityCurve); last > 0 && !p.Timestamp.After(s.EquityCurve[last-1].Timestamp) {
				continue
			}
			s.EquityCurve = append(s.EquityCurve, p)
		}
	}
	if n == 0 {
		return
	}
	s.MeanSharpe = sharpe / float64(n)
	s.MeanReturnPct = ret / float64(n)
	s.MeanMaxDrawdownPct = dd / float64(n)
	if meanIS := isObjective / float64(n); meanIS > 0 {
		s.RobustnessRatio = (oosObjective / float64(n)) / meanIS
	}
}
