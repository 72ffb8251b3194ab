package cmd

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"quantcore/internal/domain"
	"quantcore/internal/gather"
	"quantcore/internal/market"
	"quantcore/internal/store"
	"quantcore/internal/util"
)

var gatherCmd = &cobra.Command{
	Use:   "gather",
	Short: "Download historical bars from Alpaca into the parquet store",
	Long: `Gather fetches bars for the configured symbols (or --symbols) from the
Alpaca market data API and writes them under storage.data_dir. Minute bars
are fetched one trading day per request and days already on disk are
skipped, so an interrupted gather can simply be re-run.

Example:
  quantcore gather --symbols AAPL,MSFT --interval 1D --from 2020-01-01`,
	RunE: runGather,
}

var universeCmd = &cobra.Command{
	Use:   "universe",
	Short: "List stored symbols passing the price and turnover filter",
	Long: `Universe reads the daily bars under storage.data_dir and lists the symbols
whose last close is at least gather.universe.min_price and whose turnover
over the last gather.universe.lookback_days bars is at least
gather.universe.min_turnover, in ascending turnover order.

Example:
  quantcore gather universe --as-of 2024-03-28 --min-turnover 5e7`,
	RunE: runUniverse,
}

var (
	gatherSymbols  string
	gatherInterval string
	gatherFrom     string
	gatherTo       string
	gatherWorkers  int

	universeAsOf     string
	universeMinPrice float64
	universeMinTurn  float64
	universeDays     int
)

func init() {
	rootCmd.AddCommand(gatherCmd)

	gatherCmd.Flags().StringVar(&gatherSymbols, "symbols", "", "comma separated symbols (default gather.symbols, then the strategies section)")
	gatherCmd.Flags().StringVar(&gatherInterval, "interval", "", "bar interval 1M, 1D or 1W (default gather.interval)")
	gatherCmd.Flags().StringVar(&gatherFrom, "from", "", "first day, YYYY-MM-DD (default gather.start)")
	gatherCmd.Flags().StringVar(&gatherTo, "to", "", "last day, YYYY-MM-DD (default gather.end or today)")
	gatherCmd.Flags().IntVar(&gatherWorkers, "workers", 0, "concurrent fetches (default gather.max_workers)")

	gatherCmd.AddCommand(universeCmd)
	universeCmd.Flags().StringVar(&universeAsOf, "as-of", "", "last day considered, YYYY-MM-DD (default today)")
	universeCmd.Flags().StringVar(&gatherSymbols, "symbols", "", "only consider these symbols (default every stored symbol)")
	universeCmd.Flags().Float64Var(&universeMinPrice, "min-price", -1, "minimum last close (default gather.universe.min_price)")
	universeCmd.Flags().Float64Var(&universeMinTurn, "min-turnover", -1, "minimum accumulated turnover (default gather.universe.min_turnover)")
	universeCmd.Flags().IntVar(&universeDays, "days", 0, "daily bars accumulated (default gather.universe.lookback_days)")
}

func runGather(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	if !cfg.Alpaca.HasCredentials() {
		return fmt.Errorf("gather needs Alpaca credentials (APCA_API_KEY_ID / APCA_API_SECRET_KEY)")
	}
	g := cfg.Gather

	symbols := splitSymbols(gatherSymbols)
	if len(symbols) == 0 {
		symbols = g.Symbols
	}
	if len(symbols) == 0 {
		seen := make(map[string]bool)
		for _, s := range cfg.Subscriptions() {
			if !seen[s.Symbol] {
				seen[s.Symbol] = true
				symbols = append(symbols, s.Symbol)
			}
		}
	}
	if len(symbols) == 0 {
		return fmt.Errorf("no symbols to gather; pass --symbols or set gather.symbols")
	}

	interval := domain.Interval(g.Interval)
	if gatherInterval != "" {
		interval = domain.Interval(gatherInterval)
	}
	if !interval.Valid() {
		return fmt.Errorf("unsupported interval %q", interval)
	}
	from, to := g.Start, g.End
	if gatherFrom != "" {
		from = gatherFrom
	}
	if gatherTo != "" {
		to = gatherTo
	}
	if from == "" {
		return fmt.Errorf("no start date; pass --from or set gather.start")
	}
	dates, err := gather.ParseDateRange(from, to)
	if err != nil {
		return err
	}

	cal, err := util.NewTradingCalendar(domain.MarketUS)
	if err != nil {
		return err
	}
	hist := market.NewAlpacaHistory(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, cfg.Alpaca.DataURL, cfg.Alpaca.Feed)
	bg := gather.NewBarGatherer(hist, store.NewParquetStore(cfg.Storage.DataDir), symbols, interval, dates)
	bg.MaxWorkers = g.MaxWorkers
	if gatherWorkers > 0 {
		bg.MaxWorkers = gatherWorkers
	}
	bg.RetryAttempts = g.RetryAttempts
	bg.Limiter = util.NewRateLimiter(g.RateLimitPerMin)
	bg.Calendar = cal

	log := logger("gather")
	log.Info("gather started", "symbols", len(symbols), "interval", interval,
		"from", dates.Start.Format(time.DateOnly), "to", dates.End.Format(time.DateOnly))
	runErr := bg.Run(ctx)

	st := bg.Stats()
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %d requests, %d skipped, %d failed, %d bars written\n",
		bg.Name(), st.Fetched, st.Skipped, st.Failed, st.Bars)
	return runErr
}

func runUniverse(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	asOf := time.Now()
	if universeAsOf != "" {
		d, err := time.Parse(time.DateOnly, universeAsOf)
		if err != nil {
			return fmt.Errorf("parsing --as-of: %w", err)
		}
		asOf = d
	}
	f := cfg.Gather.Universe.Filter()
	if universeMinPrice >= 0 {
		f.MinPrice = universeMinPrice
	}
	if universeMinTurn >= 0 {
		f.MinTurnover = universeMinTurn
	}
	if universeDays > 0 {
		f.LookbackDays = universeDays
	}

	entries, err := f.Select(ctx, store.NewParquetStore(cfg.Storage.DataDir), splitSymbols(gatherSymbols), asOf)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SYMBOL\tCLOSE\tTURNOVER\tDAYS")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%.2f\t%.0f\t%d\n", e.Symbol, e.Close, e.Turnover, e.Days)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%d symbols as of %s\n", len(entries), asOf.Format(time.DateOnly))
	return nil
}

// universeSymbols runs the configured universe filter over the store and
// returns the passing symbols as a comma separated list.
func universeSymbols(ctx context.Context, asOf time.Time) (string, error) {
	entries, err := cfg.Gather.Universe.Filter().Select(ctx, store.NewParquetStore(cfg.Storage.DataDir), nil, asOf)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "", fmt.Errorf("universe filter selected no symbols as of %s", asOf.Format(time.DateOnly))
	}
	logger("universe").Info("universe selected", "symbols", len(entries), "as_of", asOf.Format(time.DateOnly))
	return strings.Join(gather.UniverseSymbols(entries), ","), nil
}
