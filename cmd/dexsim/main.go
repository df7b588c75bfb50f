// Command dexsim runs the DEX economy simulation: batch runs with epoch
// reports, a terminal dashboard, or a long-running server exposing the
// ledger over HTTP, gRPC, NATS and websockets.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/wonj1012/blockchain-simulator/internal/config"
	"github.com/wonj1012/blockchain-simulator/internal/observability"
)

type rootOptions struct {
	configPath   string
	scenarioPath string
	logLevel     string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:          "dexsim",
		Short:        "Simulate traders, liquidity providers and block producers on constant-product pools",
		SilenceUsage: true,
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&opts.configPath, "config", "", "process config file (YAML); DEXSIM_* variables override it")
	pf.StringVar(&opts.scenarioPath, "scenario", "", "scenario file; defaults to the config's scenario or the built-in example")
	pf.StringVar(&opts.logLevel, "log-level", "", "trace, debug, info, warn, error or off")

	cmd.AddCommand(
		newRunCmd(opts),
		newWatchCmd(opts),
		newServeCmd(opts),
		newInitCmd(),
	)
	return cmd
}

// load resolves the process config and the scenario to simulate.
func (o *rootOptions) load() (config.Config, config.Scenario, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return config.Config{}, config.Scenario{}, err
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}

	path := o.scenarioPath
	if path == "" {
		path = cfg.Scenario
	}
	if path == "" {
		return cfg, config.DefaultScenario(), nil
	}
	sc, err := config.LoadScenario(path)
	if err != nil {
		return config.Config{}, config.Scenario{}, err
	}
	return cfg, sc, nil
}

// newLogger writes to the configured log file, or to fallback when none is
// set. The returned close func is never nil.
func newLogger(cfg config.LogConfig, fallback io.Writer) (zerolog.Logger, func() error, error) {
	level := observability.ParseLogLevel(cfg.Level)
	if cfg.File == "" {
		return observability.NewLoggerTo(fallback, "dexsim", level), func() error { return nil }, nil
	}
	f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return zerolog.Nop(), nil, fmt.Errorf("open log file: %w", err)
	}
	return observability.NewLoggerTo(f, "dexsim", level), f.Close, nil
}
