// Package main is the strategy-lab command line: discovery, parameter
// search, walk-forward validation, portfolio allocation and the HTTP service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/atlas-desktop/strategy-lab/internal/config"
)

// Exit codes.
const (
	exitOK    = 0
	exitFatal = 1
	exitUsage = 2
)

// errUsage marks command-line mistakes.
var errUsage = errors.New("usage error")

type command struct {
	name  string
	short string
	run   func(ctx context.Context, env *cmdEnv, args []string) error
}

var commands = []command{
	{"discover", "generate, backtest and rank candidate strategies", runDiscover},
	{"optimize", "search the parameter space of one strategy", runOptimize},
	{"walkforward", "validate a strategy over rolling in/out-of-sample windows", runWalkForward},
	{"allocate", "split capital across optimized strategies", runAllocate},
	{"serve", "run the HTTP job service", runServe},
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		usage(stderr)
		if len(args) == 0 {
			return exitUsage
		}
		return exitOK
	}

	var cmd *command
	for i := range commands {
		if commands[i].name == args[0] {
			cmd = &commands[i]
		}
	}
	if cmd == nil {
		fmt.Fprintf(stderr, "unknown command %q\n\n", args[0])
		usage(stderr)
		return exitUsage
	}

	env := &cmdEnv{stdout: stdout, stderr: stderr}
	err := cmd.run(ctx, env, args[1:])
	if env.logger != nil {
		env.logger.Sync()
	}

	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, flag.ErrHelp):
		return exitOK
	case errors.Is(err, errUsage):
		fmt.Fprintf(stderr, "%s: %v\n", cmd.name, err)
		return exitUsage
	default:
		fmt.Fprintf(stderr, "%s: %v\n", cmd.name, err)
		return exitFatal
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage: strategylab <command> [flags]")
	fmt.Fprintln(w)
	for _, c := range commands {
		fmt.Fprintf(w, "  %-12s %s\n", c.name, c.short)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Run 'strategylab <command> -h' for command flags.")
}

// cmdEnv carries what every command shares once its flags are parsed.
type cmdEnv struct {
	stdout io.Writer
	stderr io.Writer

	configPath string
	logLevel   string
	outputDir  string

	cfg    *config.Config
	logger *zap.Logger
}

// flagSet returns a FlagSet with the common -config, -log-level and -out flags.
func (e *cmdEnv) flagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(e.stderr)
	fs.StringVar(&e.configPath, "config", getEnvOrDefault("STRATEGYLAB_CONFIG", ""), "Config file (YAML)")
	fs.StringVar(&e.logLevel, "log-level", "", "Log level override (debug, info, warn, error)")
	fs.StringVar(&e.outputDir, "out", "", "Output directory (default from config)")
	return fs
}

// parse parses args and loads configuration and the logger.
func (e *cmdEnv) parse(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return err
		}
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("%w: unexpected arguments %v", errUsage, fs.Args())
	}

	cfg, err := config.Load(e.configPath)
	if err != nil {
		return err
	}
	if e.logLevel != "" {
		cfg.LogLevel = e.logLevel
	}
	if e.outputDir != "" {
		cfg.OutputDir = e.outputDir
	}
	e.cfg = cfg
	e.logger = setupLogger(cfg.LogLevel, cfg.LogFormat, e.stderr)
	return nil
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func setupLogger(level, format string, out io.Writer) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var encoder zapcore.Encoder
	if format == "json" {
		encoderConfig.EncodeLevel = zapcore.LowercaseLevelEncoder
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	} else {
		if out == os.Stderr {
			encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		}
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(zapcore.AddSync(out)), zap.NewAtomicLevelAt(zapLevel))
	return zap.New(core, zap.AddCaller())
}
