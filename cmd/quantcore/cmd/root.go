// Package cmd implements the quantcore command line.
package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"quantcore/internal/backtest"
	"quantcore/internal/config"
	"quantcore/internal/strategy"
	"quantcore/internal/strategy/builtins"
	"quantcore/internal/util"
)

var (
	cfgFile  string
	logLevel string

	// Loaded by PersistentPreRunE.
	cfg       *config.Config
	logCloser io.Closer
)

var rootCmd = &cobra.Command{
	Use:   "quantcore",
	Short: "Strategy execution engine for retail algorithmic trading",
	Long: `quantcore runs bar-driven trading strategies against historical data or a
live Alpaca feed, sizes their signals through a position and risk ledger, and
routes the resulting orders to a simulator or a brokerage.

The configuration file is taken from --config, then QUANTCORE_CONFIG, then
config/quantcore.yaml. A .env file in the working directory is loaded first.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load(config.ResolvePath(cfgFile))
		if err != nil {
			return err
		}
		if logLevel != "" {
			c.Logging.Level = logLevel
		}
		log, closer, err := util.OpenLogger(c.Logging.Level, c.Logging.Format, c.Logging.File)
		if err != nil {
			return fmt.Errorf("opening log file: %w", err)
		}
		util.SetDefault(log)
		cfg, logCloser = c, closer
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logCloser != nil {
			logCloser.Close()
		}
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default $QUANTCORE_CONFIG or "+config.DefaultPath+")")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")
}

// ---------------------------------------------------------------------------
// Shared helpers
// ---------------------------------------------------------------------------

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// newRegistry returns a registry holding the built-in strategies.
func newRegistry() (*strategy.Registry, error) {
	reg := strategy.NewRegistry()
	if err := builtins.Register(reg); err != nil {
		return nil, err
	}
	return reg, nil
}

// splitSymbols parses a comma separated symbol list.
func splitSymbols(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// parseParams converts key=value flags to strategy parameters.
func parseParams(raw map[string]string) (strategy.Params, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	p := make(strategy.Params, len(raw))
	for k, v := range raw {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("param %s: %q is not a number", k, v)
		}
		p[k] = f
	}
	return p, nil
}

// subscriptionsFrom returns the --strategy/--symbols override when given,
// else the configured strategies section.
func subscriptionsFrom(strategyID, symbols string, params map[string]string) ([]backtest.Subscription, error) {
	if strategyID == "" {
		subs := cfg.Subscriptions()
		if len(subs) == 0 {
			return nil, fmt.Errorf("no strategies configured; pass --strategy and --symbols")
		}
		return subs, nil
	}
	syms := splitSymbols(symbols)
	if len(syms) == 0 {
		return nil, fmt.Errorf("--strategy needs --symbols")
	}
	p, err := parseParams(params)
	if err != nil {
		return nil, err
	}
	subs := make([]backtest.Subscription, len(syms))
	for i, s := range syms {
		subs[i] = backtest.Subscription{Strategy: strategyID, Symbol: s, Params: p}
	}
	return subs, nil
}

func logger(component string) *slog.Logger {
	return slog.Default().With("component", component)
}
