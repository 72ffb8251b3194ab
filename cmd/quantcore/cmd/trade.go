package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"quantcore/internal/api"
	"quantcore/internal/backtest"
	"quantcore/internal/broker"
	"quantcore/internal/domain"
	"quantcore/internal/engine"
	"quantcore/internal/gather"
	"quantcore/internal/ledger"
	"quantcore/internal/live"
	"quantcore/internal/market"
	"quantcore/internal/report"
	"quantcore/internal/store"
	"quantcore/internal/util"
)

var tradeCmd = &cobra.Command{
	Use:   "trade",
	Short: "Run strategies against a live bar feed and serve the monitoring API",
	Long: `Trade subscribes the configured strategies, seeds them with recent history
and feeds them minute bars as they arrive. Orders go to the Alpaca account
(live.sink: alpaca) or to the in-process simulator.

With --source store the bars are replayed from the parquet store through the
same concurrent live path, which is useful for exercising the API and the
event streams without a market connection.

The HTTP API listens on server.host:server.port and the gRPC event stream on
server.grpc_port. Stop with Ctrl-C; a report of the session is printed.`,
	RunE: runTrade,
}

var (
	tradeStrategy string
	tradeSymbols  string
	tradeParams   map[string]string
	tradeSink     string
	tradeSource   string
	tradeFrom     string
	tradeTo       string
	tradeInterval string
	tradeNoAPI    bool
	tradeLinger   bool
	tradeJournal  bool
	tradeRetain   time.Duration
	tradeUniverse bool
)

func init() {
	rootCmd.AddCommand(tradeCmd)

	f := tradeCmd.Flags()
	f.StringVarP(&tradeStrategy, "strategy", "s", "", "strategy id (overrides configured strategies)")
	f.StringVar(&tradeSymbols, "symbols", "", "comma separated symbols for --strategy")
	f.StringToStringVarP(&tradeParams, "param", "p", nil, "strategy parameter key=value (repeatable)")
	f.StringVar(&tradeSink, "sink", "", "order sink: alpaca or simulator (default live.sink)")
	f.StringVar(&tradeSource, "source", "alpaca", "bar source: alpaca or store")
	f.StringVar(&tradeFrom, "from", "", "first replay day for --source store, YYYY-MM-DD")
	f.StringVar(&tradeTo, "to", "", "last replay day for --source store, YYYY-MM-DD")
	f.StringVar(&tradeInterval, "interval", string(domain.IntervalMinute), "replay interval for --source store")
	f.BoolVar(&tradeNoAPI, "no-api", false, "do not start the HTTP and gRPC servers")
	f.BoolVar(&tradeLinger, "linger", false, "keep serving the API after the bar source ends")
	f.BoolVar(&tradeJournal, "journal", false, "record the session in the sqlite journal")
	f.DurationVar(&tradeRetain, "retain", 72*time.Hour, "drop streamed events older than this; 0 keeps everything")
	f.BoolVar(&tradeUniverse, "universe", false, "take --strategy symbols from the gather.universe filter over the store")
}

func runTrade(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()
	log := logger("trade")

	symbols := tradeSymbols
	if tradeUniverse {
		var err error
		if symbols, err = universeSymbols(ctx, time.Now().AddDate(0, 0, -1)); err != nil {
			return err
		}
	}
	subs, err := subscriptionsFrom(tradeStrategy, symbols, tradeParams)
	if err != nil {
		return err
	}
	subSymbols := backtest.Config{Subscriptions: subs}.Symbols()
	reg, err := newRegistry()
	if err != nil {
		return err
	}
	ecfg := cfg.Trading.EngineConfig()

	sinkName := cfg.Live.Sink
	if tradeSink != "" {
		sinkName = tradeSink
	}
	needAlpaca := sinkName == "alpaca" || tradeSource == "alpaca"
	if needAlpaca && !cfg.Alpaca.HasCredentials() {
		return fmt.Errorf("--sink %s --source %s needs Alpaca credentials", sinkName, tradeSource)
	}

	// Order sink.
	var (
		sink    broker.Sink
		account broker.AccountReader
	)
	switch sinkName {
	case "alpaca":
		as := broker.NewAlpacaSink(
			broker.NewAlpacaClient(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, cfg.Alpaca.BaseURL),
			broker.AlpacaConfig{
				Commission:      ecfg.Commission,
				RateLimitPerMin: cfg.Alpaca.RateLimitPerMin,
				PollInterval:    cfg.Live.PollInterval,
				MaxPolls:        cfg.Live.MaxPolls,
			})
		info, err := as.Account(ctx)
		if err != nil {
			return fmt.Errorf("reading alpaca account: %w", err)
		}
		ecfg.InitialCash = info.Cash
		sink, account = as, as
		log.Info("alpaca account", "cash", info.Cash, "equity", info.Equity, "buying_power", info.BuyingPower)
	case "simulator":
		sink = broker.NewSimulator(broker.SimulatorConfig{
			Commission: ecfg.Commission,
			LotSize:    ecfg.LotSize,
		})
	default:
		return fmt.Errorf("unknown sink %q", sinkName)
	}
	if err := ecfg.Validate(); err != nil {
		return err
	}

	lcfg := ecfg.Ledger
	lcfg.Fees = ecfg.Commission.Fee
	e := engine.New(ecfg, ledger.New(ecfg.InitialCash, lcfg), sink, reg, logger("engine"))
	for _, s := range subs {
		if _, err := e.Subscribe(s.Strategy, s.Symbol, s.Params); err != nil {
			return err
		}
	}
	model := live.NewModel()
	e.AddListener(model)

	// Bar source.
	var (
		provider market.Provider
		cal      *util.TradingCalendar
		stream   *market.AlpacaStream
	)
	switch tradeSource {
	case "alpaca":
		if cal, err = util.NewTradingCalendar(domain.Market(cfg.Live.Market)); err != nil {
			return err
		}
		stream = market.NewAlpacaStream(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, cfg.Alpaca.Feed, subSymbols, cfg.Live.Buffer)
		provider = stream
	case "store":
		if tradeFrom == "" {
			return fmt.Errorf("--source store needs --from")
		}
		dates, err := gather.ParseDateRange(tradeFrom, tradeTo)
		if err != nil {
			return err
		}
		interval := domain.Interval(tradeInterval)
		if !interval.Valid() {
			return fmt.Errorf("unsupported interval %q", interval)
		}
		ps := store.NewParquetStore(cfg.Storage.DataDir)
		if provider, err = market.NewStoreProvider(ctx, ps, subSymbols, interval, dates.Start, dates.End.AddDate(0, 0, 1).Add(-1)); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown source %q", tradeSource)
	}
	runner := engine.NewLive(e, provider, cal, logger("live"))

	if stream != nil && cfg.Live.WarmupBars > 0 {
		hist := market.NewAlpacaHistory(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, cfg.Alpaca.DataURL, cfg.Alpaca.Feed)
		now := time.Now()
		for _, sym := range subSymbols {
			bars, err := hist.Recent(ctx, sym, domain.IntervalMinute, cfg.Live.WarmupBars, now)
			if err != nil {
				log.Warn("warmup fetch failed", "symbol", sym, "error", err)
				continue
			}
			if err := runner.Warmup(sym, bars); err != nil {
				return err
			}
			log.Debug("warmed up", "symbol", sym, "bars", len(bars))
		}
	}

	var (
		journal *store.SQLiteStore
		runID   string
	)
	if tradeJournal || cfg.Live.Journal {
		if journal, err = store.NewSQLiteStore(cfg.Storage.SQLitePath); err != nil {
			return err
		}
		defer journal.Close()
		runID = util.NewRandomIDGenerator().New(time.Now())
		raw, err := yaml.Marshal(backtest.Config{Engine: ecfg, Subscriptions: subs})
		if err != nil {
			return fmt.Errorf("encoding run config: %w", err)
		}
		if err := journal.SaveRun(ctx, store.Run{
			ID:          runID,
			Mode:        "live-" + sinkName,
			StartedAt:   time.Now(),
			InitialCash: ecfg.InitialCash,
			Config:      string(raw),
		}); err != nil {
			return err
		}
		e.AddListener(journal.Recorder(runID))
		log.Info("journaling session", "run", runID, "db", cfg.Storage.SQLitePath)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if stream != nil {
		if err := stream.Start(runCtx); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		err := runner.Run(gctx)
		if err == nil && !tradeLinger {
			cancel()
		}
		return err
	})
	if !tradeNoAPI {
		deps := api.Deps{
			Engine:         e,
			Registry:       reg,
			Model:          model,
			Unsubscriber:   runner,
			PeriodsPerYear: report.MinuteBarsPerYear,
		}
		if account != nil {
			deps.Account, deps.AccountSource = account, sinkName
		}
		srv, err := api.NewServer(deps, api.Options{
			HTTPAddr: cfg.Server.HTTPAddr(),
			GRPCAddr: cfg.Server.GRPCAddr(),
		}, logger("api"))
		if err != nil {
			return err
		}
		g.Go(func() error { return srv.ListenAndServe(gctx) })
	}
	if tradeRetain > 0 && stream != nil {
		g.Go(func() error {
			trimEvents(gctx, model, tradeRetain)
			return nil
		})
	}

	log.Info("trading started", "subscriptions", len(subs), "symbols", len(subSymbols),
		"sink", sinkName, "source", tradeSource)
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	fills, curve := e.Fills(), e.EquityCurve()
	rep := report.Options{PeriodsPerYear: report.MinuteBarsPerYear}.Build(fills, curve, ecfg.InitialCash)
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "\nSession: %d intents, %d fills, %d subscription errors\n\n",
		len(e.Intents()), len(fills), len(e.Errors().All()))
	report.Print(out, rep)

	if journal != nil {
		// The signal context is already cancelled here.
		bg := context.Background()
		if jerr := saveSession(bg, journal, runID, e, rep.FinalEquity); jerr != nil {
			log.Error("journal finish failed", "run", runID, "error", jerr)
			if err == nil {
				err = jerr
			}
		}
	}
	return err
}

// trimEvents drops streamed events older than retain once an hour.
func trimEvents(ctx context.Context, m *live.Model, retain time.Duration) {
	t := time.NewTicker(time.Hour)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if n := m.Trim(now.Add(-retain)); n > 0 {
				logger("trade").Debug("trimmed events", "dropped", n)
			}
		}
	}
}

func saveSession(ctx context.Context, j *store.SQLiteStore, runID string, e *engine.Engine, finalEquity float64) error {
	if err := j.SaveEquity(ctx, runID, e.EquityCurve()); err != nil {
		return err
	}
	if err := j.SavePositions(ctx, runID, e.Ledger().Positions()); err != nil {
		return err
	}
	return j.FinishRun(ctx, runID, time.Now(), finalEquity)
}
