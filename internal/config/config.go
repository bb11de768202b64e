// Package config loads strategy-lab settings from an optional YAML file and
// STRATEGYLAB_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/atlas-desktop/strategy-lab/internal/backtester"
	"github.com/atlas-desktop/strategy-lab/internal/optimization"
	"github.com/atlas-desktop/strategy-lab/internal/orchestrator"
	"github.com/atlas-desktop/strategy-lab/internal/scoring"
	"github.com/atlas-desktop/strategy-lab/internal/walkforward"
	"github.com/atlas-desktop/strategy-lab/pkg/types"
)

// EnvPrefix prefixes every environment override, e.g. STRATEGYLAB_SERVER_PORT.
const EnvPrefix = "STRATEGYLAB"

// Executor kinds.
const (
	ExecutorSimulated = "simulated"
	ExecutorRemote    = "remote"
)

// Study store kinds.
const (
	StoreMemory   = "memory"
	StoreJSONFile = "jsonfile"
	StorePostgres = "postgres"
)

// Config is the full application configuration.
type Config struct {
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
	DataDir   string `mapstructure:"data_dir"`
	OutputDir string `mapstructure:"output_dir"`
	// BaseConfig is an optional YAML strategy configuration document used as
	// the starting point for walk-forward runs and generated configs.
	BaseConfig string   `mapstructure:"base_config"`
	Symbols    []string `mapstructure:"symbols"`
	Seed       int64    `mapstructure:"seed"`

	Executor    ExecutorConfig               `mapstructure:"executor"`
	StudyStore  StudyStoreConfig             `mapstructure:"study_store"`
	Scoring     scoring.ScoringConfig        `mapstructure:"scoring"`
	Search      optimization.SearchConfig    `mapstructure:"search"`
	Discovery   orchestrator.DiscoveryConfig `mapstructure:"discovery"`
	WalkForward walkforward.Config           `mapstructure:"walkforward"`
	Server      ServerConfig                 `mapstructure:"server"`
}

// ExecutorConfig selects and configures the backtest executor.
type ExecutorConfig struct {
	Kind      string                     `mapstructure:"kind"`
	Simulated backtester.SimulatedConfig `mapstructure:"simulated"`
	Remote    RemoteConfig               `mapstructure:"remote"`
}

// RemoteConfig configures the HTTP engine client.
type RemoteConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	Timeout        time.Duration `mapstructure:"timeout"`
	RequestsPerSec float64       `mapstructure:"requests_per_sec"`
	Burst          int           `mapstructure:"burst"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
}

// StudyStoreConfig selects where search trials are persisted.
type StudyStoreConfig struct {
	Kind string `mapstructure:"kind"`
	Dir  string `mapstructure:"dir"`
	DSN  string `mapstructure:"dsn"`
}

// ServerConfig configures the HTTP service.
type ServerConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "console")
	v.SetDefault("data_dir", "./data")
	v.SetDefault("output_dir", "./output")
	v.SetDefault("base_config", "")
	v.SetDefault("symbols", []string{"BTC/USDT", "ETH/USDT", "SOL/USDT"})
	v.SetDefault("seed", 0)

	sim := backtester.DefaultSimulatedConfig()
	remote := backtester.DefaultRemoteConfig("")
	v.SetDefault("executor.kind", ExecutorSimulated)
	v.SetDefault("executor.simulated.initial_capital", sim.InitialCapital)
	v.SetDefault("executor.simulated.fee_bps", sim.FeeBps)
	v.SetDefault("executor.simulated.warmup_bars", sim.WarmupBars)
	v.SetDefault("executor.remote.base_url", "http://localhost:8090")
	v.SetDefault("executor.remote.timeout", remote.Timeout)
	v.SetDefault("executor.remote.requests_per_sec", remote.RequestsPerSec)
	v.SetDefault("executor.remote.burst", remote.Burst)
	v.SetDefault("executor.remote.max_attempts", remote.Retry.MaxAttempts)

	v.SetDefault("study_store.kind", StoreJSONFile)
	v.SetDefault("study_store.dir", "./output/studies")
	v.SetDefault("study_store.dsn", "")

	sc := scoring.DefaultScoringConfig()
	v.SetDefault("scoring.min_trades", sc.MinTrades)
	v.SetDefault("scoring.max_drawdown_pct", sc.MaxDrawdownPct)
	v.SetDefault("scoring.min_sharpe", sc.MinSharpe)
	v.SetDefault("scoring.return_weight", sc.ReturnWeight)
	v.SetDefault("scoring.sortino_weight", sc.SortinoWeight)
	v.SetDefault("scoring.sortino_cap", sc.SortinoCap)
	v.SetDefault("scoring.win_rate_weight", sc.WinRateWeight)
	v.SetDefault("scoring.frequency_weight", sc.FrequencyWeight)
	v.SetDefault("scoring.frequency_cap", sc.FrequencyCap)
	v.SetDefault("scoring.drawdown_free_pct", sc.DrawdownFreePct)
	v.SetDefault("scoring.penalty_per_10_pct", sc.PenaltyPer10Pct)
	v.SetDefault("scoring.precision", sc.Precision)

	sr := optimization.DefaultSearchConfig()
	v.SetDefault("search.sampler", string(sr.Sampler))
	v.SetDefault("search.objective", string(sr.Objective))
	v.SetDefault("search.seed", sr.Seed)
	v.SetDefault("search.grid_resolution", sr.GridResolution)
	v.SetDefault("search.startup_trials", sr.StartupTrials)
	v.SetDefault("search.candidates", sr.Candidates)
	v.SetDefault("search.gamma", sr.Gamma)
	v.SetDefault("search.population_size", sr.PopulationSize)
	v.SetDefault("search.mutation_rate", sr.MutationRate)
	v.SetDefault("search.crossover_rate", sr.CrossoverRate)
	v.SetDefault("search.tournament_size", sr.TournamentSize)

	dc := orchestrator.DefaultDiscoveryConfig()
	v.SetDefault("discovery.window_days", dc.WindowDays)
	v.SetDefault("discovery.max_parallel", dc.MaxParallel)

	wf := walkforward.DefaultConfig()
	v.SetDefault("walkforward.objective", string(wf.Objective))
	v.SetDefault("walkforward.n_jobs", wf.NJobs)

	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"http://localhost:3000", "http://localhost:5173"})
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
}

// Load reads configuration from path (optional) and the environment. Any
// problem is returned as a SetupError.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, types.NewSetupError("load config", fmt.Errorf("read %s: %w", path, err))
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, types.NewSetupError("load config", fmt.Errorf("decode: %w", err))
	}
	if err := cfg.Validate(); err != nil {
		return nil, types.NewSetupError("validate config", err)
	}
	return &cfg, nil
}

// Default returns the configuration obtained with no file and no environment.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var errs []error

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log_level %q must be debug, info, warn or error", c.LogLevel))
	}
	if c.LogFormat != "console" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log_format %q must be console or json", c.LogFormat))
	}
	if c.DataDir == "" || c.OutputDir == "" {
		errs = append(errs, errors.New("data_dir and output_dir are required"))
	}

	switch c.Executor.Kind {
	case ExecutorSimulated:
		if c.Executor.Simulated.InitialCapital <= 0 {
			errs = append(errs, errors.New("executor.simulated.initial_capital must be positive"))
		}
	case ExecutorRemote:
		if c.Executor.Remote.BaseURL == "" {
			errs = append(errs, errors.New("executor.remote.base_url is required for the remote executor"))
		}
	default:
		errs = append(errs, fmt.Errorf("executor.kind %q must be %s or %s", c.Executor.Kind, ExecutorSimulated, ExecutorRemote))
	}

	switch c.StudyStore.Kind {
	case StoreMemory:
	case StoreJSONFile:
		if c.StudyStore.Dir == "" {
			errs = append(errs, errors.New("study_store.dir is required for the jsonfile store"))
		}
	case StorePostgres:
		if c.StudyStore.DSN == "" {
			errs = append(errs, errors.New("study_store.dsn is required for the postgres store"))
		}
	default:
		errs = append(errs, fmt.Errorf("study_store.kind %q is not supported", c.StudyStore.Kind))
	}

	if err := c.Search.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("search: %w", err))
	}
	if !c.WalkForward.Objective.IsValid() {
		errs = append(errs, fmt.Errorf("walkforward.objective %q: %w", c.WalkForward.Objective, types.ErrUnknownMethod))
	}
	if c.Scoring.MinTrades < 0 || c.Scoring.MaxDrawdownPct <= 0 {
		errs = append(errs, errors.New("scoring thresholds out of range"))
	}
	if c.Discovery.MaxParallel <= 0 || c.Discovery.WindowDays <= 0 {
		errs = append(errs, errors.New("discovery.max_parallel and discovery.window_days must be positive"))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if len(c.Symbols) == 0 {
		errs = append(errs, errors.New("at least one symbol is required"))
	}

	return errors.Join(errs...)
}

// RemoteExecutorConfig converts the remote section into the executor config.
func (c *Config) RemoteExecutorConfig() *backtester.RemoteConfig {
	rc := backtester.DefaultRemoteConfig(c.Executor.Remote.BaseURL)
	rc.Timeout = c.Executor.Remote.Timeout
	rc.RequestsPerSec = c.Executor.Remote.RequestsPerSec
	rc.Burst = c.Executor.Remote.Burst
	if c.Executor.Remote.MaxAttempts > 0 {
		rc.Retry.MaxAttempts = c.Executor.Remote.MaxAttempts
	}
	return rc
}
