// Package config loads the quantcore YAML configuration, applies
// environment overrides and converts it to the explicit per-component
// configuration structs.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"quantcore/internal/backtest"
	"quantcore/internal/broker"
	"quantcore/internal/domain"
	"quantcore/internal/engine"
	"quantcore/internal/gather"
	"quantcore/internal/ledger"
	"quantcore/internal/strategy"
)

// DefaultPath is used when neither --config nor QUANTCORE_CONFIG is set.
const DefaultPath = "config/quantcore.yaml"

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration.
type Config struct {
	Storage    Storage        `yaml:"storage"`
	Server     Server         `yaml:"server"`
	Alpaca     Alpaca         `yaml:"alpaca"`
	Logging    Logging        `yaml:"logging"`
	Trading    TradingConfig  `yaml:"trading"`
	Backtest   BacktestConfig `yaml:"backtest"`
	Live       LiveConfig     `yaml:"live"`
	Strategies []StrategySpec `yaml:"strategies"`
	Gather     GatherConfig   `yaml:"gather"`
}

// Storage holds paths for data persistence.
type Storage struct {
	DataDir    string `yaml:"data_dir"`
	SQLitePath string `yaml:"sqlite_path"`
}

// Server holds network listener configuration. A zero GRPCPort disables
// the gRPC event stream.
type Server struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	GRPCPort int    `yaml:"grpc_port"`
}

// HTTPAddr returns host:port of the HTTP listener.
func (s Server) HTTPAddr() string { return net.JoinHostPort(s.Host, strconv.Itoa(s.Port)) }

// GRPCAddr returns host:port of the gRPC listener, or "" when disabled.
func (s Server) GRPCAddr() string {
	if s.GRPCPort == 0 {
		return ""
	}
	return net.JoinHostPort(s.Host, strconv.Itoa(s.GRPCPort))
}

// Alpaca holds credentials and endpoints for the Alpaca broker API.
type Alpaca struct {
	APIKey          string `yaml:"api_key"`
	APISecret       string `yaml:"api_secret"`
	BaseURL         string `yaml:"base_url"`
	DataURL         string `yaml:"data_url"`
	Feed            string `yaml:"feed"`
	RateLimitPerMin int    `yaml:"rate_limit_per_min"`
}

// HasCredentials reports whether both key and secret are set.
func (a Alpaca) HasCredentials() bool { return a.APIKey != "" && a.APISecret != "" }

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// TradingConfig is the core engine and risk configuration.
type TradingConfig struct {
	InitialCash         float64 `yaml:"initial_cash"`
	MaxPctPerInstrument float64 `yaml:"max_pct_per_instrument"`
	LotSizeMultiplier   float64 `yaml:"lot_size_multiplier"`
	CommissionFixed     float64 `yaml:"commission_fixed"`
	CommissionPct       float64 `yaml:"commission_pct"`
	CommissionOn        string  `yaml:"commission_on"`
	ShortSellingEnabled bool    `yaml:"short_selling_enabled"`
	WindowLength        int     `yaml:"window_length"`
	MaxDailyLossPct     float64 `yaml:"max_daily_loss_pct"`
	ConflictPolicy      string  `yaml:"conflict_policy"`
	MaxSubscriptions    int     `yaml:"max_subscriptions"`
}

// EngineConfig converts the trading section to an engine.Config.
func (t TradingConfig) EngineConfig() engine.Config {
	return engine.Config{
		Ledger: ledger.Config{
			MaxPctPerInstrument: t.MaxPctPerInstrument,
			ShortSellingEnabled: t.ShortSellingEnabled,
		},
		InitialCash:  t.InitialCash,
		LotSize:      t.LotSizeMultiplier,
		WindowLength: t.WindowLength,
		Commission: broker.Commission{
			Fixed: t.CommissionFixed,
			Pct:   t.CommissionPct,
			On:    broker.Leg(strings.ToLower(t.CommissionOn)),
		},
		MaxDailyLossPct:  t.MaxDailyLossPct,
		ConflictPolicy:   engine.ConflictPolicy(strings.ToLower(t.ConflictPolicy)),
		MaxSubscriptions: t.MaxSubscriptions,
	}
}

// BacktestConfig holds defaults for the backtest command.
type BacktestConfig struct {
	Interval       string  `yaml:"interval"`
	Start          string  `yaml:"start"`
	End            string  `yaml:"end"`
	FillAtNextOpen bool    `yaml:"fill_at_next_open"`
	MaxVolumePct   float64 `yaml:"max_volume_pct"`
	Seed           int64   `yaml:"seed"`
	PeriodsPerYear float64 `yaml:"periods_per_year"`
	WarmupBars     int     `yaml:"warmup_bars"`
	Journal        bool    `yaml:"journal"`
}

// LiveConfig controls the trade command.
type LiveConfig struct {
	Market string `yaml:"market"`
	// Sink is "alpaca" or "simulator".
	Sink         string        `yaml:"sink"`
	WarmupBars   int           `yaml:"warmup_bars"`
	Buffer       int           `yaml:"buffer"`
	PollInterval time.Duration `yaml:"poll_interval"`
	MaxPolls     int           `yaml:"max_polls"`
	Journal      bool          `yaml:"journal"`
}

// StrategySpec attaches one strategy to a list of symbols.
type StrategySpec struct {
	ID      string             `yaml:"id"`
	Symbols []string           `yaml:"symbols"`
	Params  map[string]float64 `yaml:"params"`
}

// GatherConfig holds parameters for historical bar downloads.
type GatherConfig struct {
	Interval        string   `yaml:"interval"`
	Start           string   `yaml:"start"`
	End             string   `yaml:"end"`
	Symbols         []string `yaml:"symbols"`
	MaxWorkers      int      `yaml:"max_workers"`
	RateLimitPerMin int      `yaml:"rate_limit_per_min"`
	RetryAttempts   int      `yaml:"retry_attempts"`
	Universe        Universe `yaml:"universe"`
}

// Universe filters stored symbols by price and accumulated daily turnover.
type Universe struct {
	MinPrice     float64 `yaml:"min_price"`
	MinTurnover  float64 `yaml:"min_turnover"`
	LookbackDays int     `yaml:"lookback_days"`
}

// Filter converts the section to a gather.UniverseFilter.
func (u Universe) Filter() gather.UniverseFilter {
	return gather.UniverseFilter{MinPrice: u.MinPrice, MinTurnover: u.MinTurnover, LookbackDays: u.LookbackDays}
}

// Default returns the configuration used for absent keys.
func Default() *Config {
	return &Config{
		Storage: Storage{DataDir: "data", SQLitePath: "data/quantcore.db"},
		Server:  Server{Host: "127.0.0.1", Port: 8080, GRPCPort: 9090},
		Alpaca: Alpaca{
			BaseURL:         "https://paper-api.alpaca.markets",
			Feed:            "iex",
			RateLimitPerMin: 200,
		},
		Logging: Logging{Level: "info", Format: "json"},
		Trading: TradingConfig{
			InitialCash:         100000,
			MaxPctPerInstrument: 1,
			LotSizeMultiplier:   1,
			CommissionOn:        string(broker.LegBoth),
			WindowLength:        200,
			ConflictPolicy:      string(engine.PolicyNet),
		},
		Backtest: BacktestConfig{Interval: string(domain.IntervalDaily), Seed: 1},
		Live: LiveConfig{
			Market:       string(domain.MarketUS),
			Sink:         "simulator",
			WarmupBars:   50,
			Buffer:       1024,
			PollInterval: 500 * time.Millisecond,
			MaxPolls:     20,
		},
		Gather: GatherConfig{
			Interval:        string(domain.IntervalDaily),
			MaxWorkers:      4,
			RateLimitPerMin: 200,
			RetryAttempts:   3,
			Universe:        Universe{MinPrice: 1, MinTurnover: 1e8, LookbackDays: 10},
		},
	}
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// ResolvePath picks the config file: flag, then QUANTCORE_CONFIG, then
// DefaultPath.
func ResolvePath(flag string) string {
	if flag != "" {
		return flag
	}
	if v := os.Getenv("QUANTCORE_CONFIG"); v != "" {
		return v
	}
	return DefaultPath
}

// Load reads a .env file from the working directory when present, then the
// YAML configuration file at path over Default(), and finally applies
// environment variable overrides. A missing file at DefaultPath is not an
// error.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist) && path == DefaultPath:
	default:
		return nil, fmt.Errorf("reading config: %w", err)
	}

	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	if v := os.Getenv("ALPACA_API_KEY"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("ALPACA_API_SECRET"); v != "" {
		cfg.Alpaca.APISecret = v
	}
	if v := os.Getenv("ALPACA_BASE_URL"); v != "" {
		cfg.Alpaca.BaseURL = v
	}
	if v := os.Getenv("ALPACA_DATA_URL"); v != "" {
		cfg.Alpaca.DataURL = v
	}
	if v := os.Getenv("ALPACA_FEED"); v != "" {
		cfg.Alpaca.Feed = v
	}

	// Standard Alpaca env vars take precedence.
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}
}

// ---------------------------------------------------------------------------
// Validation and conversion
// ---------------------------------------------------------------------------

// Validate rejects configurations no command can run with.
func (c *Config) Validate() error {
	if err := c.Trading.EngineConfig().Validate(); err != nil {
		return fmt.Errorf("trading: %w", err)
	}
	if c.Trading.InitialCash < 0 {
		return fmt.Errorf("trading: initial cash must not be negative, got %v", c.Trading.InitialCash)
	}
	for _, iv := range []string{c.Backtest.Interval, c.Gather.Interval} {
		if !domain.Interval(iv).Valid() {
			return fmt.Errorf("unsupported interval %q", iv)
		}
	}
	if c.Gather.Universe.LookbackDays <= 0 {
		return fmt.Errorf("gather: universe lookback_days must be positive, got %d", c.Gather.Universe.LookbackDays)
	}
	switch c.Live.Sink {
	case "alpaca", "simulator":
	default:
		return fmt.Errorf("live: unknown sink %q", c.Live.Sink)
	}
	for i, s := range c.Strategies {
		if s.ID == "" {
			return fmt.Errorf("strategies[%d]: missing id", i)
		}
		if len(s.Symbols) == 0 {
			return fmt.Errorf("strategies[%d] %s: no symbols", i, s.ID)
		}
	}
	return nil
}

// Subscriptions expands the strategies section into one subscription per
// strategy and symbol. Symbols are upper-cased.
func (c *Config) Subscriptions() []backtest.Subscription {
	var out []backtest.Subscription
	for _, s := range c.Strategies {
		for _, sym := range s.Symbols {
			out = append(out, backtest.Subscription{
				Strategy: s.ID,
				Symbol:   strings.ToUpper(strings.TrimSpace(sym)),
				Params:   strategy.Params(s.Params),
			})
		}
	}
	return out
}

// BacktestRun builds the backtest configuration from the trading, backtest
// and strategies sections.
func (c *Config) BacktestRun() backtest.Config {
	return backtest.Config{
		Engine:         c.Trading.EngineConfig(),
		Subscriptions:  c.Subscriptions(),
		FillAtNextOpen: c.Backtest.FillAtNextOpen,
		MaxVolumePct:   c.Backtest.MaxVolumePct,
		Seed:           c.Backtest.Seed,
		PeriodsPerYear: c.Backtest.PeriodsPerYear,
		WarmupBars:     c.Backtest.WarmupBars,
	}
}
