package optimization

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/strategy-lab/internal/backtester"
	"github.com/atlas-desktop/strategy-lab/internal/observability"
	"github.com/atlas-desktop/strategy-lab/internal/scoring"
	"github.com/atlas-desktop/strategy-lab/internal/storage"
	"github.com/atlas-desktop/strategy-lab/internal/storage/memory"
	"github.com/atlas-desktop/strategy-lab/internal/workers"
	"github.com/atlas-desktop/strategy-lab/pkg/types"
)

// ProgressFunc observes search progress after every finished trial.
type ProgressFunc func(types.Progress)

// OptimizeRequest describes one search run.
type OptimizeRequest struct {
	Strategy types.StrategySpec
	// StudyName keys the persisted trial history; defaults to the strategy key.
	StudyName string
	Ranges    []types.ParameterRange
	NTrials   int
	NJobs     int
	Window    types.HistoricalWindow
	// Seeds are evaluated as the first trials before the sampler takes over.
	Seeds      []types.ParamSet
	OnProgress ProgressFunc
}

// SearchEngine runs parameter searches against an Executor and persists
// every trial to a StudyStore.
type SearchEngine struct {
	logger   *zap.Logger
	config   *SearchConfig
	executor backtester.Executor
	store    storage.StudyStore
	scorer   *scoring.CompositeScorer

	mu    sync.Mutex
	locks map[string]*studyMutex
}

// studyMutex is held by one run of a study; refs counts runs holding or
// waiting for it so the entry can be dropped once the last one leaves.
type studyMutex struct {
	sync.Mutex
	refs int
}

// NewSearchEngine creates a search engine. A nil store keeps studies in memory.
func NewSearchEngine(logger *zap.Logger, executor backtester.Executor, store storage.StudyStore, config *SearchConfig) *SearchEngine {
	if config == nil {
		config = DefaultSearchConfig()
	}
	if store == nil {
		store = memory.NewStudyStore()
	}
	return &SearchEngine{
		logger:   logger,
		config:   config,
		executor: executor,
		store:    store,
		scorer:   scoring.NewCompositeScorer(nil),
		locks:    make(map[string]*studyMutex),
	}
}

// WithScorer sets the scorer used by the composite objective.
func (e *SearchEngine) WithScorer(scorer *scoring.CompositeScorer) *SearchEngine {
	e.scorer = scorer
	return e
}

// Config returns the engine configuration.
func (e *SearchEngine) Config() *SearchConfig {
	return e.config
}

// lockStudy serialises runs against the same study. The returned func
// releases the lock.
func (e *SearchEngine) lockStudy(name string) func() {
	e.mu.Lock()
	l, ok := e.locks[name]
	if !ok {
		l = &studyMutex{}
		e.locks[name] = l
	}
	l.refs++
	e.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		e.mu.Lock()
		if l.refs--; l.refs == 0 {
			delete(e.locks, name)
		}
		e.mu.Unlock()
	}
}

// study is the shared state of one run. Every field below mu is guarded by it.
type study struct {
	name    string
	ranges  []types.ParameterRange
	started time.Time
	total   int
	notify  ProgressFunc

	mu          sync.Mutex
	sampler     Sampler
	seeds       []types.ParamSet
	trials      []types.Trial
	best        int
	convergence []float64
	nextNumber  int
	done        int
	persistErr  error
}

func (s *study) bestValue() *float64 {
	if s.best < 0 {
		return nil
	}
	v := s.trials[s.best].Value
	return &v
}

// record appends a finished trial and updates best-so-far. Caller holds mu.
func (s *study) record(t types.Trial) {
	s.trials = append(s.trials, t)
	if t.IsComplete() && (s.best < 0 || t.Value > s.trials[s.best].Value) {
		s.best = len(s.trials) - 1
	}
	cur := types.FailedTrialValue
	if s.best >= 0 {
		cur = s.trials[s.best].Value
	}
	s.convergence = append(s.convergence, cur)
	if t.Number >= s.nextNumber {
		s.nextNumber = t.Number + 1
	}
}

// Optimize runs NTrials new trials for the request's study, resuming any
// history already persisted under the same study name. Cancelling ctx stops
// new trials and returns the partial result with Cancelled set.
func (e *SearchEngine) Optimize(ctx context.Context, req OptimizeRequest) (*types.OptimizationResult, error) {
	if err := e.validate(&req); err != nil {
		return nil, err
	}

	defer e.lockStudy(req.StudyName)()

	st, err := e.openStudy(ctx, req)
	if err != nil {
		return nil, err
	}

	e.logger.Info("starting parameter search",
		zap.String("study", st.name),
		zap.String("strategy", req.Strategy.Key()),
		zap.String("sampler", string(e.config.Sampler)),
		zap.String("objective", string(e.config.Objective)),
		zap.Int("trials", req.NTrials),
		zap.Int("jobs", req.NJobs),
		zap.Int("resumed_trials", len(st.trials)),
	)

	pool := workers.NewPool(e.logger, workers.BoundedPoolConfig("search-"+st.name, min(req.NJobs, req.NTrials)))
	pool.Start()

	for i := 0; i < req.NTrials; i++ {
		task := workers.TaskFunc(func(ctx context.Context) error {
			return e.runTrial(ctx, st, req)
		})
		if _, err := pool.Submit(ctx, task); err != nil {
			e.logger.Info("search stopped submitting trials", zap.String("study", st.name), zap.Int("submitted", i), zap.Error(err))
			break
		}
	}
	pool.Wait()
	_ = pool.Stop()

	result := e.result(st, req)
	result.Cancelled = ctx.Err() != nil

	status := "ok"
	if result.Cancelled {
		status = "cancelled"
	}
	observability.RecordRun("optimize", status, result.Duration.Seconds())

	e.logger.Info("parameter search finished",
		zap.String("study", st.name),
		zap.Int("trials", len(result.Trials)),
		zap.Int("completed", result.CompletedTrials()),
		zap.Float64("best_value", result.BestValue),
		zap.Bool("cancelled", result.Cancelled),
		zap.Duration("duration", result.Duration),
	)

	st.mu.Lock()
	persistErr := st.persistErr
	st.mu.Unlock()
	return result, persistErr
}

func (e *SearchEngine) validate(req *OptimizeRequest) error {
	if err := e.config.Validate(); err != nil {
		return types.NewSetupError("optimize", err)
	}
	if len(req.Ranges) == 0 {
		return types.NewSetupError("optimize", types.ErrEmptyParameterSpace)
	}
	seen := make(map[string]bool, len(req.Ranges))
	for _, r := range req.Ranges {
		if err := r.Validate(); err != nil {
			return types.NewSetupError("optimize", fmt.Errorf("%w: %v", types.ErrInvalidRequest, err))
		}
		if seen[r.Name] {
			return types.NewSetupError("optimize", fmt.Errorf("%w: duplicate parameter %q", types.ErrInvalidRequest, r.Name))
		}
		seen[r.Name] = true
	}
	if req.NTrials <= 0 {
		return types.NewSetupError("optimize", fmt.Errorf("%w: n_trials must be positive, got %d", types.ErrInvalidRequest, req.NTrials))
	}
	if req.NJobs < 1 {
		req.NJobs = 1
	}
	if req.StudyName == "" {
		req.StudyName = req.Strategy.Key()
	}
	if req.StudyName == "" {
		return types.NewSetupError("optimize", fmt.Errorf("%w: study name or strategy name required", types.ErrInvalidRequest))
	}
	return nil
}

// openStudy creates the study or loads its persisted trials.
func (e *SearchEngine) openStudy(ctx context.Context, req OptimizeRequest) (*study, error) {
	st := &study{
		name:    req.StudyName,
		ranges:  req.Ranges,
		started: time.Now(),
		total:   req.NTrials,
		notify:  req.OnProgress,
		seeds:   append([]types.ParamSet(nil), req.Seeds...),
		best:    -1,
	}

	_, err := e.store.GetStudy(ctx, st.name)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		err = e.store.CreateStudy(ctx, &storage.Study{
			Name:      st.name,
			Strategy:  req.Strategy.Key(),
			Sampler:   string(e.config.Sampler),
			Objective: string(e.config.Objective),
			CreatedAt: time.Now().UTC(),
		})
		if err != nil {
			return nil, &types.IOFailure{Op: "create study", Path: st.name, Err: err}
		}
	case err != nil:
		return nil, &types.IOFailure{Op: "load study", Path: st.name, Err: err}
	default:
		prior, err := e.store.ListTrials(ctx, st.name)
		if err != nil {
			return nil, &types.IOFailure{Op: "list trials", Path: st.name, Err: err}
		}
		for _, t := range prior {
			t.Params = t.Params.Normalize(req.Ranges)
			st.record(t)
		}
	}

	seed := e.config.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	st.sampler = NewSampler(e.config, req.Ranges, len(st.trials), rand.New(rand.NewSource(seed)))
	return st, nil
}

// runTrial samples under the study lock, executes without it, then records,
// persists and reports under the lock again.
func (e *SearchEngine) runTrial(ctx context.Context, st *study, req OptimizeRequest) error {
	st.mu.Lock()
	var params types.ParamSet
	if len(st.seeds) > 0 {
		params = st.seeds[0].Normalize(req.Ranges)
		st.seeds = st.seeds[1:]
	} else {
		params = st.sampler.Sample(st.trials)
	}
	st.mu.Unlock()

	started := time.Now()
	outcome, execErr := e.executor.Execute(ctx, req.Strategy, params, req.Window)
	elapsed := time.Since(started)
	if execErr == nil && outcome == nil {
		execErr = &types.ExecutionFailure{Unit: "trial", StrategyID: req.Strategy.Key(), Reason: "empty outcome"}
	}
	observability.RecordExecution("trial", execErr, elapsed.Seconds())

	if execErr != nil && ctx.Err() != nil {
		e.logger.Debug("abandoning trial interrupted by cancellation", zap.String("study", st.name))
		return ctx.Err()
	}

	trial := types.Trial{
		Params:    params,
		StartedAt: started.UTC(),
		Duration:  elapsed,
		State:     types.TrialComplete,
	}
	if execErr == nil {
		trial.Metrics = outcome.Metrics
		trial.Value, execErr = e.config.Objective.Value(outcome.Metrics, e.scorer)
		if execErr != nil {
			execErr = &types.ExecutionFailure{Unit: "trial", StrategyID: req.Strategy.Key(), Reason: "invalid objective", Err: execErr}
		}
	}
	if execErr != nil {
		trial.State = types.TrialFailed
		trial.Value = types.FailedTrialValue
		trial.Error = execErr.Error()
		trial.Metrics = nil
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	trial.Number = st.nextNumber
	st.record(trial)
	st.done++

	if err := e.store.AppendTrial(context.WithoutCancel(ctx), st.name, trial); err != nil {
		e.logger.Error("failed to persist trial",
			zap.String("study", st.name),
			zap.Int("trial", trial.Number),
			zap.Error(err),
		)
		if st.persistErr == nil {
			st.persistErr = &types.IOFailure{Op: "append trial", Path: st.name, Err: err}
		}
	}

	observability.RecordTrial(string(e.config.Sampler), string(trial.State))
	best := st.bestValue()
	if best != nil {
		observability.UpdateBestObjective(st.name, *best)
	}

	if execErr != nil {
		e.logger.Warn("trial failed",
			zap.String("study", st.name),
			zap.Int("trial", trial.Number),
			zap.Error(execErr),
		)
	} else {
		e.logger.Debug("trial complete",
			zap.String("study", st.name),
			zap.Int("trial", trial.Number),
			zap.Float64("value", trial.Value),
		)
	}

	if st.notify != nil {
		st.notify(types.NewProgress(st.total, st.done, time.Since(st.started), best))
	}
	return execErr
}

func (e *SearchEngine) result(st *study, req OptimizeRequest) *types.OptimizationResult {
	st.mu.Lock()
	defer st.mu.Unlock()

	trials := append([]types.Trial(nil), st.trials...)
	sort.SliceStable(trials, func(i, j int) bool { return trials[i].Number < trials[j].Number })

	result := &types.OptimizationResult{
		StrategyName: req.Strategy.Key(),
		StudyName:    st.name,
		Sampler:      string(e.config.Sampler),
		Objective:    string(e.config.Objective),
		BestValue:    types.FailedTrialValue,
		Trials:       trials,
		Convergence:  append([]float64(nil), st.convergence...),
		Duration:     time.Since(st.started),
	}
	if st.best >= 0 {
		best := st.trials[st.best]
		result.BestParams = best.Params.Clone()
		result.BestValue = best.Value
		result.BestMetrics = best.Metrics.Clone()
	}
	return result
}
