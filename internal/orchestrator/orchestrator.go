// Package orchestrator runs discovery: a batch of strategy candidates is
// backtested under bounded concurrency, then scored and ranked.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/strategy-lab/internal/backtester"
	"github.com/atlas-desktop/strategy-lab/internal/observability"
	"github.com/atlas-desktop/strategy-lab/internal/scoring"
	"github.com/atlas-desktop/strategy-lab/internal/workers"
	"github.com/atlas-desktop/strategy-lab/pkg/types"
)

// Outcome explains why a discovery run did or did not yield strategies.
type Outcome string

const (
	OutcomeOK                    Outcome = "ok"
	OutcomeNoExecutionsSucceeded Outcome = "no_executions_succeeded"
	OutcomeAllDisqualified       Outcome = "all_disqualified"
)

// DiscoveryConfig configures the orchestrator.
type DiscoveryConfig struct {
	// WindowDays is the lookback used when a request carries no window.
	WindowDays int `mapstructure:"window_days"`
	// MaxParallel is used when a request leaves it unset.
	MaxParallel int `mapstructure:"max_parallel"`
}

// DefaultDiscoveryConfig returns defaults for discovery runs.
func DefaultDiscoveryConfig() *DiscoveryConfig {
	return &DiscoveryConfig{
		WindowDays:  365,
		MaxParallel: 4,
	}
}

// DiscoveryRequest describes one discovery run.
type DiscoveryRequest struct {
	NumCandidates int                    `json:"num_candidates"`
	Timeframe     types.Timeframe        `json:"timeframe"`
	MaxParallel   int                    `json:"max_parallel"`
	Window        types.HistoricalWindow `json:"window"`
	OnProgress    func(types.Progress)   `json:"-"`
}

// RankedStrategy pairs a candidate with its scored metrics.
type RankedStrategy struct {
	Rank     int                  `json:"rank"`
	Strategy types.StrategySpec   `json:"strategy"`
	Metrics  *types.MetricsRecord `json:"metrics"`
}

// FailureRecord is one candidate whose execution failed.
type FailureRecord struct {
	StrategyID string `json:"strategy_id"`
	Reason     string `json:"reason"`
	Error      string `json:"error"`
}

// DiscoveryResult is the ranked output of a discovery run.
type DiscoveryResult struct {
	Outcome      Outcome                `json:"outcome"`
	Ranked       []RankedStrategy       `json:"ranked"`
	Disqualified []RankedStrategy       `json:"disqualified"`
	Failures     []FailureRecord        `json:"failures"`
	Requested    int                    `json:"requested"`
	Succeeded    int                    `json:"succeeded"`
	Failed       int                    `json:"failed"`
	Cancelled    bool                   `json:"cancelled,omitempty"`
	Timeframe    types.Timeframe        `json:"timeframe"`
	Window       types.HistoricalWindow `json:"window"`
	Duration     time.Duration          `json:"duration"`
}

// Top returns up to n qualifying strategies.
func (r *DiscoveryResult) Top(n int) []RankedStrategy {
	if n <= 0 {
		return nil
	}
	if n > len(r.Ranked) {
		n = len(r.Ranked)
	}
	return r.Ranked[:n]
}

// FailuresByReason counts failures per reason.
func (r *DiscoveryResult) FailuresByReason() map[string]int {
	out := make(map[string]int)
	for _, f := range r.Failures {
		out[f.Reason]++
	}
	return out
}

// DiscoveryOrchestrator generates candidates and evaluates them.
type DiscoveryOrchestrator struct {
	logger    *zap.Logger
	config    *DiscoveryConfig
	generator backtester.CandidateGenerator
	executor  backtester.Executor
	ranker    *scoring.Ranker
}

// NewDiscoveryOrchestrator creates an orchestrator. A nil ranker uses the
// default composite scorer.
func NewDiscoveryOrchestrator(logger *zap.Logger, generator backtester.CandidateGenerator, executor backtester.Executor, ranker *scoring.Ranker, config *DiscoveryConfig) *DiscoveryOrchestrator {
	if config == nil {
		config = DefaultDiscoveryConfig()
	}
	if ranker == nil {
		ranker = scoring.NewRanker(nil)
	}
	return &DiscoveryOrchestrator{
		logger:    logger,
		config:    config,
		generator: generator,
		executor:  executor,
		ranker:    ranker,
	}
}

type success struct {
	index   int
	spec    types.StrategySpec
	metrics *types.MetricsRecord
}

// collector accumulates unit results from concurrent workers.
type collector struct {
	mu        sync.Mutex
	successes []success
	failures  []FailureRecord
	recorded  map[int]bool
	best      *float64
	done      int
}

func (c *collector) succeed(s success, score float64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.successes = append(c.successes, s)
	c.recorded[s.index] = true
	if score != scoring.DisqualifiedScore && (c.best == nil || score > *c.best) {
		c.best = &score
	}
	c.done++
	return c.done
}

func (c *collector) fail(index int, f *types.ExecutionFailure) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	msg := f.Reason
	if f.Err != nil {
		msg = f.Err.Error()
	}
	c.failures = append(c.failures, FailureRecord{StrategyID: f.StrategyID, Reason: f.Reason, Error: msg})
	c.recorded[index] = true
	c.done++
	return c.done
}

func (c *collector) snapshotBest() *float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.best == nil {
		return nil
	}
	v := *c.best
	return &v
}

func (c *collector) isRecorded(index int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recorded[index]
}

// Discover generates NumCandidates strategies, backtests them on at most
// MaxParallel workers, and ranks the results. Individual failures are
// recorded and never abort the batch. Cancelling ctx stops new executions
// and ranks whatever finished.
func (o *DiscoveryOrchestrator) Discover(ctx context.Context, req DiscoveryRequest) (*DiscoveryResult, error) {
	started := time.Now()

	if req.MaxParallel == 0 {
		req.MaxParallel = o.config.MaxParallel
	}
	if req.NumCandidates <= 0 || req.MaxParallel <= 0 {
		return nil, types.NewSetupError("discover", fmt.Errorf("%w: num_candidates=%d max_parallel=%d",
			types.ErrInvalidRequest, req.NumCandidates, req.MaxParallel))
	}
	if !req.Timeframe.IsValid() {
		return nil, types.NewSetupError("discover", fmt.Errorf("%w: timeframe %q", types.ErrInvalidRequest, req.Timeframe))
	}
	if req.Window.End.IsZero() {
		req.Window = types.WindowEndingAt(time.Now().UTC().Truncate(24*time.Hour), o.config.WindowDays)
	}

	candidates, err := o.generator.Generate(ctx, req.NumCandidates, req.Timeframe)
	if err != nil {
		return nil, types.NewSetupError("generate candidates", err)
	}
	if len(candidates) == 0 {
		return nil, types.NewSetupError("generate candidates", types.ErrNoCandidates)
	}

	o.logger.Info("starting discovery",
		zap.Int("candidates", len(candidates)),
		zap.String("timeframe", string(req.Timeframe)),
		zap.Int("max_parallel", req.MaxParallel),
		zap.String("window", req.Window.String()),
	)

	col := &collector{recorded: make(map[int]bool)}
	scorer := o.ranker.Scorer()

	pool := workers.NewPool(o.logger, workers.BoundedPoolConfig("discovery", min(req.MaxParallel, len(candidates))))
	pool.Start()

	futures := make([]*workers.Future, 0, len(candidates))
	for i, spec := range candidates {
		i, spec := i, spec
		future, err := pool.SubmitFunc(ctx, func(ctx context.Context) error {
			return o.evaluate(ctx, col, scorer, i, spec, req, len(candidates), started)
		})
		if err != nil {
			o.logger.Info("discovery stopped submitting", zap.Int("submitted", i), zap.Error(err))
			break
		}
		futures = append(futures, future)
	}
	pool.Wait()
	_ = pool.Stop()

	// Units that never reported, e.g. a recovered panic.
	for i, f := range futures {
		err := f.Wait()
		if err == nil || col.isRecorded(i) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			continue
		}
		col.fail(i, types.AsExecutionFailure(err, "discovery", candidates[i].Key()))
	}

	result := o.assemble(col, req, len(candidates))
	result.Cancelled = ctx.Err() != nil
	result.Duration = time.Since(started)

	observability.RecordRun("discover", string(result.Outcome), result.Duration.Seconds())
	o.logger.Info("discovery finished",
		zap.String("outcome", string(result.Outcome)),
		zap.Int("succeeded", result.Succeeded),
		zap.Int("failed", result.Failed),
		zap.Int("qualified", len(result.Ranked)),
		zap.Bool("cancelled", result.Cancelled),
		zap.Duration("duration", result.Duration),
	)
	return result, nil
}

func (o *DiscoveryOrchestrator) evaluate(ctx context.Context, col *collector, scorer *scoring.CompositeScorer, index int, spec types.StrategySpec, req DiscoveryRequest, total int, started time.Time) error {
	start := time.Now()
	outcome, err := o.executor.Execute(ctx, spec, spec.Params, req.Window)
	observability.RecordExecution("discovery", err, time.Since(start).Seconds())

	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	if err == nil && (outcome == nil || outcome.Metrics == nil) {
		err = &types.ExecutionFailure{Unit: "discovery", StrategyID: spec.Key(), Reason: "empty outcome"}
	}

	var done int
	if err != nil {
		failure := types.AsExecutionFailure(err, "discovery", spec.Key())
		o.logger.Warn("candidate execution failed",
			zap.String("strategy", spec.Key()),
			zap.String("reason", failure.Reason),
			zap.Error(err),
		)
		done = col.fail(index, failure)
	} else {
		metrics := outcome.Metrics.Clone()
		if metrics.StrategyID == "" {
			metrics.StrategyID = spec.Key()
		}
		done = col.succeed(success{index: index, spec: spec, metrics: metrics}, scorer.Score(metrics))
	}

	if req.OnProgress != nil {
		req.OnProgress(types.NewProgress(total, done, time.Since(started), col.snapshotBest()))
	}
	return err
}

func (o *DiscoveryOrchestrator) assemble(col *collector, req DiscoveryRequest, requested int) *DiscoveryResult {
	col.mu.Lock()
	defer col.mu.Unlock()

	// Rank in candidate order so completion order never changes the result.
	successes := append([]success(nil), col.successes...)
	sort.Slice(successes, func(i, j int) bool { return successes[i].index < successes[j].index })

	specs := make(map[*types.MetricsRecord]types.StrategySpec, len(successes))
	records := make([]*types.MetricsRecord, 0, len(successes))
	for _, s := range successes {
		specs[s.metrics] = s.spec
		records = append(records, s.metrics)
	}

	result := &DiscoveryResult{
		Ranked:       []RankedStrategy{},
		Disqualified: []RankedStrategy{},
		Failures:     append([]FailureRecord{}, col.failures...),
		Requested:    requested,
		Succeeded:    len(successes),
		Failed:       len(col.failures),
		Timeframe:    req.Timeframe,
		Window:       req.Window,
	}
	for _, m := range o.ranker.Rank(records) {
		entry := RankedStrategy{Strategy: specs[m], Metrics: m}
		if score, _ := m.Score(); score == scoring.DisqualifiedScore {
			entry.Rank = len(result.Disqualified) + 1
			result.Disqualified = append(result.Disqualified, entry)
			continue
		}
		entry.Rank = len(result.Ranked) + 1
		result.Ranked = append(result.Ranked, entry)
	}

	switch {
	case result.Succeeded == 0:
		result.Outcome = OutcomeNoExecutionsSucceeded
	case len(result.Ranked) == 0:
		result.Outcome = OutcomeAllDisqualified
	default:
		result.Outcome = OutcomeOK
	}
	return result
}
