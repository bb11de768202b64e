package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/strategy-lab/internal/api"
	"github.com/atlas-desktop/strategy-lab/internal/artifacts"
	"github.com/atlas-desktop/strategy-lab/internal/backtester"
	"github.com/atlas-desktop/strategy-lab/internal/optimization"
	"github.com/atlas-desktop/strategy-lab/internal/orchestrator"
	"github.com/atlas-desktop/strategy-lab/internal/portfolio"
	"github.com/atlas-desktop/strategy-lab/internal/scoring"
	"github.com/atlas-desktop/strategy-lab/internal/walkforward"
	"github.com/atlas-desktop/strategy-lab/pkg/types"
	"github.com/atlas-desktop/strategy-lab/pkg/utils"
)

// resultsDir holds optimization results under the output directory; allocate
// reads every document in it by default.
const resultsDir = "results"

// discoveryReport is the discovery artifact.
type discoveryReport struct {
	*orchestrator.DiscoveryResult
	FailuresByReason map[string]int `json:"failures_by_reason"`
}

func runDiscover(ctx context.Context, env *cmdEnv, args []string) error {
	fs := env.flagSet("discover")
	n := fs.Int("n", 20, "Number of candidates to generate")
	timeframe := fs.String("timeframe", "1h", "Bar timeframe")
	maxParallel := fs.Int("max-parallel", 0, "Concurrent backtests (default from config)")
	windowDays := fs.Int("window-days", 0, "Backtest window in days ending today (default from config)")
	top := fs.Int("top", 10, "Strategies to print")
	if err := env.parse(fs, args); err != nil {
		return err
	}
	tf := types.Timeframe(*timeframe)
	if !tf.IsValid() {
		return fmt.Errorf("%w: timeframe %q", errUsage, *timeframe)
	}

	c := newComponents(env.cfg, env.logger)
	defer c.Close()

	exec, err := c.executor()
	if err != nil {
		return err
	}
	discoveryConfig := env.cfg.Discovery
	if *windowDays > 0 {
		discoveryConfig.WindowDays = *windowDays
	}
	orch := orchestrator.NewDiscoveryOrchestrator(env.logger,
		backtester.NewTemplateGenerator(env.logger, nil, env.cfg.Symbols, env.cfg.Seed),
		exec,
		scoring.NewRanker(c.scorer()),
		&discoveryConfig,
	)

	progress := artifacts.NewProgressWriter(c.outputPath("discovery_progress.json"))
	result, err := orch.Discover(ctx, orchestrator.DiscoveryRequest{
		NumCandidates: *n,
		Timeframe:     tf,
		MaxParallel:   *maxParallel,
		OnProgress:    progress.Observer(env.logger),
	})
	if err != nil {
		return err
	}

	path := c.outputPath(fmt.Sprintf("discovery_%s.json", tf))
	if err := artifacts.WriteJSON(path, discoveryReport{DiscoveryResult: result, FailuresByReason: result.FailuresByReason()}); err != nil {
		return err
	}

	fmt.Fprintf(env.stdout, "discovery %s: %d requested, %d succeeded, %d failed, %d qualified\n",
		result.Outcome, result.Requested, result.Succeeded, result.Failed, len(result.Ranked))
	for _, r := range result.Top(*top) {
		score, _ := r.Metrics.Score()
		fmt.Fprintf(env.stdout, "%3d. %-40s score=%.4f return=%.2f%% sharpe=%.2f\n",
			r.Rank, r.Strategy.Key(), score, r.Metrics.TotalReturnPct, r.Metrics.SharpeRatio)
	}
	fmt.Fprintf(env.stdout, "report: %s\n", path)

	if result.Outcome == orchestrator.OutcomeNoExecutionsSucceeded {
		return errors.New("no candidate backtest succeeded")
	}
	return nil
}

func runOptimize(ctx context.Context, env *cmdEnv, args []string) error {
	fs := env.flagSet("optimize")
	var sf strategyFlags
	sf.register(fs)
	trials := fs.Int("trials", 100, "Number of trials")
	jobs := fs.Int("jobs", 1, "Concurrent trials")
	sampler := fs.String("sampler", "", "Sampler: tpe, random, grid or genetic (default from config)")
	objective := fs.String("objective", "", "Objective: sharpe, sortino, calmar, return or composite (default from config)")
	study := fs.String("study", "", "Study name (default the strategy name)")
	windowDays := fs.Int("window-days", 0, "Backtest window in days ending today (default from config)")
	seedBase := fs.Bool("seed-base-config", false, "Evaluate the base config's risk parameters as the first trial")
	if err := env.parse(fs, args); err != nil {
		return err
	}
	if *sampler != "" {
		env.cfg.Search.Sampler = optimization.SamplerKind(*sampler)
	}
	if *objective != "" {
		env.cfg.Search.Objective = optimization.Objective(*objective)
	}
	if err := env.cfg.Search.Validate(); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	spec, ranges, err := sf.resolve()
	if err != nil {
		return err
	}

	c := newComponents(env.cfg, env.logger)
	defer c.Close()

	exec, err := c.executor()
	if err != nil {
		return err
	}
	engine, err := c.searchEngine(ctx, exec)
	if err != nil {
		return err
	}

	days := env.cfg.Discovery.WindowDays
	if *windowDays > 0 {
		days = *windowDays
	}
	req := optimization.OptimizeRequest{
		Strategy:  spec,
		StudyName: *study,
		Ranges:    ranges,
		NTrials:   *trials,
		NJobs:     *jobs,
		Window:    types.WindowEndingAt(time.Now().UTC().Truncate(24*time.Hour), days),
	}
	if *seedBase {
		base, err := c.baseConfig(spec)
		if err != nil {
			return err
		}
		req.Seeds = []types.ParamSet{base.Params()}
	}

	stem := artifacts.FileName(spec.Key())
	progress := artifacts.NewProgressWriter(c.outputPath("progress_" + stem + ".json"))
	req.OnProgress = progress.Observer(env.logger)

	result, err := engine.Optimize(ctx, req)
	var ioErr *types.IOFailure
	switch {
	case errors.As(err, &ioErr) && result != nil:
		env.logger.Error("study persistence failed; writing result anyway", zap.Error(err))
	case err != nil:
		return err
	}

	path := c.outputPath(resultsDir + "/" + stem + ".json")
	if werr := artifacts.WriteOptimizationResult(path, result); werr != nil {
		return werr
	}

	fmt.Fprintf(env.stdout, "%s: %d trials (%d complete) in %s, best %s=%.4f params=%v\n",
		result.StrategyName, len(result.Trials), result.CompletedTrials(), utils.FormatDuration(result.Duration),
		result.Objective, result.BestValue, result.BestParams)
	fmt.Fprintf(env.stdout, "result: %s\n", path)

	if ioErr != nil {
		return ioErr
	}
	if !result.HasBest() && !result.Cancelled {
		return errors.New("no trial completed")
	}
	return nil
}

func runWalkForward(ctx context.Context, env *cmdEnv, args []string) error {
	fs := env.flagSet("walkforward")
	var sf strategyFlags
	sf.register(fs)
	totalDays := fs.Int("total-days", 730, "Length of the validated period in days")
	inSample := fs.Int("in-sample", 120, "In-sample days per window")
	outOfSample := fs.Int("out-of-sample", 30, "Out-of-sample days per window")
	step := fs.Int("step", 30, "Days between window starts")
	trials := fs.Int("trials", 50, "Search trials per window")
	jobs := fs.Int("jobs", 0, "Concurrent trials per window (default from config)")
	if err := env.parse(fs, args); err != nil {
		return err
	}
	spec, ranges, err := sf.resolve()
	if err != nil {
		return err
	}

	c := newComponents(env.cfg, env.logger)
	defer c.Close()

	exec, err := c.executor()
	if err != nil {
		return err
	}
	engine, err := c.searchEngine(ctx, exec)
	if err != nil {
		return err
	}
	base, err := c.baseConfig(spec)
	if err != nil {
		return err
	}

	wfConfig := env.cfg.WalkForward
	validator := walkforward.NewValidator(env.logger, engine, exec, &wfConfig)

	stem := artifacts.FileName(spec.Key())
	progress := artifacts.NewProgressWriter(c.outputPath("walkforward_progress_" + stem + ".json"))
	summary, err := validator.Validate(ctx, walkforward.Request{
		Strategy:           spec,
		Ranges:             ranges,
		BaseConfig:         base,
		TotalDays:          *totalDays,
		InSampleDays:       *inSample,
		OutOfSampleDays:    *outOfSample,
		StepDays:           *step,
		MaxTrialsPerWindow: *trials,
		NJobs:              *jobs,
		OnProgress:         progress.Observer(env.logger),
	})
	if err != nil {
		return err
	}

	path := c.outputPath("walkforward_" + stem + ".json")
	if err := artifacts.WriteJSON(path, summary); err != nil {
		return err
	}
	configPath := c.outputPath(fmt.Sprintf("configs/%s.yaml", stem))
	if summary.Successful > 0 {
		backup, err := artifacts.WriteConfig(configPath, summary.FinalConfig)
		if err != nil {
			return err
		}
		if backup != "" {
			env.logger.Info("previous config backed up", zap.String("backup", backup))
		}
	}

	fmt.Fprintf(env.stdout, "%s: %d windows (%d ok, %d failed) in %s sharpe=%.2f return=%.2f%% maxdd=%.2f%% robustness=%.2f\n",
		summary.Strategy, summary.TotalWindows, summary.Successful, summary.Failed, utils.FormatDuration(summary.Duration),
		summary.MeanSharpe, summary.MeanReturnPct, summary.MeanMaxDrawdownPct, summary.RobustnessRatio)
	fmt.Fprintf(env.stdout, "summary: %s\n", path)
	if summary.Successful > 0 {
		fmt.Fprintf(env.stdout, "config: %s\n", configPath)
	}
	return nil
}

func runAllocate(ctx context.Context, env *cmdEnv, args []string) error {
	fs := env.flagSet("allocate")
	results := fs.String("results", "", "Optimization result file or directory (default <out>/results)")
	capital := fs.Float64("capital", 10000, "Total capital to allocate")
	method := fs.String("method", string(types.AllocationSharpeWeighted), "Method: equal, sharpe_weighted, risk_parity or max_sharpe")
	configsDir := fs.String("configs", "", "Directory for per-strategy configs (default <out>/configs)")
	if err := env.parse(fs, args); err != nil {
		return err
	}
	m, err := types.ParseAllocationMethod(*method)
	if err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}

	c := newComponents(env.cfg, env.logger)
	defer c.Close()

	source := *results
	if source == "" {
		source = c.outputPath(resultsDir)
	}
	loaded, err := artifacts.ReadOptimizationResults(source)
	if err != nil {
		return err
	}

	allocator := portfolio.NewAllocator(env.logger)
	alloc, err := allocator.Allocate(loaded, *capital, m)
	if err != nil {
		return err
	}
	metrics := allocator.PortfolioMetrics(alloc, loaded)

	summaryPath := c.outputPath("portfolio_summary.json")
	if err := allocator.WriteSummary(summaryPath, alloc, metrics); err != nil {
		return err
	}

	base, err := c.baseConfig(types.StrategySpec{})
	if err != nil {
		return err
	}
	dir := *configsDir
	if dir == "" {
		dir = c.outputPath("configs")
	}
	files, err := allocator.GenerateConfigFiles(dir, alloc, loaded, base)
	if err != nil {
		return err
	}

	fmt.Fprintf(env.stdout, "%s allocation of %s\n", alloc.Method, utils.FormatCapital(alloc.TotalCapital))
	for _, name := range alloc.Order {
		fmt.Fprintf(env.stdout, "  %-40s %12s\n", name, utils.FormatCapital(alloc.Allocations[name]))
	}
	if alloc.Fallback {
		fmt.Fprintln(env.stdout, "  (no strategy qualified for the method; split equally)")
	}
	fmt.Fprintf(env.stdout, "summary: %s\nconfigs: %d written to %s\n", summaryPath, len(files), dir)
	return nil
}

func runServe(ctx context.Context, env *cmdEnv, args []string) error {
	fs := env.flagSet("serve")
	host := fs.String("host", "", "Server host (default from config)")
	port := fs.Int("port", 0, "Server port (default from config)")
	if err := env.parse(fs, args); err != nil {
		return err
	}
	if *host != "" {
		env.cfg.Server.Host = *host
	}
	if *port != 0 {
		env.cfg.Server.Port = *port
	}

	c := newComponents(env.cfg, env.logger)
	defer c.Close()

	exec, err := c.executor()
	if err != nil {
		return err
	}
	engine, err := c.searchEngine(ctx, exec)
	if err != nil {
		return err
	}
	discoveryConfig := env.cfg.Discovery
	wfConfig := env.cfg.WalkForward

	server := api.NewServer(env.logger, &env.cfg.Server, api.Services{
		Discovery: orchestrator.NewDiscoveryOrchestrator(env.logger,
			backtester.NewTemplateGenerator(env.logger, nil, env.cfg.Symbols, env.cfg.Seed),
			exec,
			scoring.NewRanker(c.scorer()),
			&discoveryConfig,
		),
		Search:      engine,
		Allocator:   portfolio.NewAllocator(env.logger),
		WalkForward: walkforward.NewValidator(env.logger, engine, exec, &wfConfig),
		WindowDays:  discoveryConfig.WindowDays,
	}, nil)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		env.logger.Info("Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		env.logger.Error("Server shutdown error", zap.Error(err))
		return err
	}
	env.logger.Info("Server stopped")
	return nil
}
