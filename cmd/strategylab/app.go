package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/atlas-desktop/strategy-lab/internal/artifacts"
	"github.com/atlas-desktop/strategy-lab/internal/backtester"
	"github.com/atlas-desktop/strategy-lab/internal/config"
	"github.com/atlas-desktop/strategy-lab/internal/data"
	"github.com/atlas-desktop/strategy-lab/internal/optimization"
	"github.com/atlas-desktop/strategy-lab/internal/scoring"
	"github.com/atlas-desktop/strategy-lab/internal/storage"
	"github.com/atlas-desktop/strategy-lab/internal/storage/jsonfile"
	"github.com/atlas-desktop/strategy-lab/internal/storage/memory"
	"github.com/atlas-desktop/strategy-lab/internal/storage/postgres"
	"github.com/atlas-desktop/strategy-lab/pkg/types"
)

// components wires the pipeline from configuration.
type components struct {
	cfg    *config.Config
	logger *zap.Logger
	closer []func()
}

func newComponents(cfg *config.Config, logger *zap.Logger) *components {
	return &components{cfg: cfg, logger: logger}
}

func (c *components) Close() {
	for i := len(c.closer) - 1; i >= 0; i-- {
		c.closer[i]()
	}
}

func (c *components) executor() (backtester.Executor, error) {
	switch c.cfg.Executor.Kind {
	case config.ExecutorRemote:
		c.logger.Info("using remote executor", zap.String("url", c.cfg.Executor.Remote.BaseURL))
		return backtester.NewRemoteExecutor(c.logger, c.cfg.RemoteExecutorConfig()), nil
	default:
		store, err := data.NewStore(c.logger, c.cfg.DataDir)
		if err != nil {
			return nil, types.NewSetupError("open data store", err)
		}
		sim := c.cfg.Executor.Simulated
		return backtester.NewSimulatedExecutor(c.logger, store, &sim), nil
	}
}

func (c *components) studyStore(ctx context.Context) (storage.StudyStore, error) {
	switch c.cfg.StudyStore.Kind {
	case config.StoreMemory:
		return memory.NewStudyStore(), nil
	case config.StorePostgres:
		pool, err := postgres.NewPool(ctx, c.cfg.StudyStore.DSN)
		if err != nil {
			return nil, types.NewSetupError("open study store", err)
		}
		if err := pool.Migrate(ctx); err != nil {
			pool.Close()
			return nil, types.NewSetupError("migrate study store", err)
		}
		c.closer = append(c.closer, pool.Close)
		return postgres.NewStudyStore(pool), nil
	default:
		store, err := jsonfile.NewStudyStore(c.logger, c.cfg.StudyStore.Dir)
		if err != nil {
			return nil, types.NewSetupError("open study store", err)
		}
		return store, nil
	}
}

func (c *components) scorer() *scoring.CompositeScorer {
	sc := c.cfg.Scoring
	return scoring.NewCompositeScorer(&sc)
}

func (c *components) searchEngine(ctx context.Context, exec backtester.Executor) (*optimization.SearchEngine, error) {
	store, err := c.studyStore(ctx)
	if err != nil {
		return nil, err
	}
	sc := c.cfg.Search
	return optimization.NewSearchEngine(c.logger, exec, store, &sc).WithScorer(c.scorer()), nil
}

// baseConfig loads the configured base document, or derives one for strategy.
func (c *components) baseConfig(strategy types.StrategySpec) (types.ConfigDocument, error) {
	if c.cfg.BaseConfig != "" {
		doc, err := artifacts.ReadConfig(c.cfg.BaseConfig)
		if err != nil {
			return types.ConfigDocument{}, types.NewSetupError("read base config", err)
		}
		return doc, nil
	}
	doc := types.DefaultConfigDocument()
	if strategy.Symbol != "" {
		doc.Symbol = strategy.Symbol
	}
	if strategy.Timeframe.IsValid() {
		doc.Timeframe = strategy.Timeframe
	}
	return doc, nil
}

func (c *components) outputPath(name string) string {
	return filepath.Join(c.cfg.OutputDir, name)
}

// strategyFlags are shared by optimize and walkforward.
type strategyFlags struct {
	name       string
	template   string
	symbol     string
	timeframe  string
	rangesPath string
}

func (f *strategyFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.name, "name", "", "Strategy name (default <template>_<symbol>_<timeframe>)")
	fs.StringVar(&f.template, "template", "ma_cross", "Strategy template")
	fs.StringVar(&f.symbol, "symbol", "BTC/USDT", "Trading symbol")
	fs.StringVar(&f.timeframe, "timeframe", "1h", "Bar timeframe")
	fs.StringVar(&f.rangesPath, "ranges", "", "Parameter ranges file (YAML or JSON list); default the template's ranges")
}

// resolve builds the strategy spec and its search ranges.
func (f *strategyFlags) resolve() (types.StrategySpec, []types.ParameterRange, error) {
	tf := types.Timeframe(f.timeframe)
	if !tf.IsValid() {
		return types.StrategySpec{}, nil, fmt.Errorf("%w: timeframe %q", errUsage, f.timeframe)
	}

	var tmpl *backtester.Template
	for _, t := range backtester.DefaultTemplates() {
		if t.Name == f.template {
			t := t
			tmpl = &t
		}
	}
	if tmpl == nil {
		return types.StrategySpec{}, nil, fmt.Errorf("%w: unknown template %q", errUsage, f.template)
	}

	name := f.name
	if name == "" {
		slug := strings.ToLower(strings.NewReplacer("/", "", "-", "").Replace(f.symbol))
		name = fmt.Sprintf("%s_%s_%s", tmpl.Name, slug, tf)
	}
	spec := types.StrategySpec{
		Name:      name,
		Template:  tmpl.Name,
		Symbol:    f.symbol,
		Timeframe: tf,
		Params:    tmpl.Fixed.Clone(),
	}

	ranges := tmpl.Ranges
	if f.rangesPath != "" {
		loaded, err := readRanges(f.rangesPath)
		if err != nil {
			return types.StrategySpec{}, nil, err
		}
		ranges = loaded
	}
	return spec, ranges, nil
}

func readRanges(path string) ([]types.ParameterRange, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, types.NewSetupError("read ranges", err)
	}
	var ranges []types.ParameterRange
	if err := yaml.Unmarshal(raw, &ranges); err != nil {
		return nil, types.NewSetupError("read ranges", fmt.Errorf("decode %s: %w", path, err))
	}
	for _, r := range ranges {
		if err := r.Validate(); err != nil {
			return nil, types.NewSetupError("read ranges", err)
		}
	}
	return ranges, nil
}
