package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"quantcore/internal/backtest"
	"quantcore/internal/domain"
	"quantcore/internal/gather"
	"quantcore/internal/report"
	"quantcore/internal/store"
)

var backtestCmd = &cobra.Command{
	Use:   "backtest",
	Short: "Replay stored bars through strategies and print a report",
	Long: `Backtest reads bars from the parquet store under storage.data_dir, runs every
subscription through the engine against the simulator and prints a
performance report.

Subscriptions come from the strategies section of the config unless
--strategy and --symbols are given. With --strategy and --universe the
symbols are the stored ones passing the gather.universe filter on the day
before --from.

Example:
  quantcore backtest --strategy sma-cross --symbols HK.00700 --param period=20 \
    --from 2023-01-01 --to 2023-12-31`,
	RunE: runBacktest,
}

var (
	btStrategy   string
	btSymbols    string
	btParams     map[string]string
	btFrom       string
	btTo         string
	btInterval   string
	btJournal    bool
	btNextOpen   bool
	btWarmup     int
	btShowFills  bool
	btShowErrors bool
	btUniverse   bool
)

func init() {
	rootCmd.AddCommand(backtestCmd)

	backtestCmd.Flags().StringVarP(&btStrategy, "strategy", "s", "", "strategy id (overrides configured strategies)")
	backtestCmd.Flags().StringVar(&btSymbols, "symbols", "", "comma separated symbols for --strategy")
	backtestCmd.Flags().StringToStringVarP(&btParams, "param", "p", nil, "strategy parameter key=value (repeatable)")
	backtestCmd.Flags().StringVar(&btFrom, "from", "", "first day, YYYY-MM-DD (default backtest.start)")
	backtestCmd.Flags().StringVar(&btTo, "to", "", "last day, YYYY-MM-DD (default backtest.end or today)")
	backtestCmd.Flags().StringVar(&btInterval, "interval", "", "bar interval 1M, 1D or 1W (default backtest.interval)")
	backtestCmd.Flags().BoolVar(&btJournal, "journal", false, "record the run in the sqlite journal")
	backtestCmd.Flags().BoolVar(&btNextOpen, "fill-next-open", false, "fill at the next bar's open instead of the close")
	backtestCmd.Flags().IntVar(&btWarmup, "warmup", -1, "bars per symbol used only to seed strategies")
	backtestCmd.Flags().BoolVar(&btShowFills, "fills", false, "print every fill")
	backtestCmd.Flags().BoolVar(&btShowErrors, "errors", true, "print subscription errors")
	backtestCmd.Flags().BoolVar(&btUniverse, "universe", false, "take --strategy symbols from the gather.universe filter")
}

func runBacktest(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	run := cfg.BacktestRun()
	if btNextOpen {
		run.FillAtNextOpen = true
	}
	if btWarmup >= 0 {
		run.WarmupBars = btWarmup
	}

	from, to := cfg.Backtest.Start, cfg.Backtest.End
	if btFrom != "" {
		from = btFrom
	}
	if btTo != "" {
		to = btTo
	}
	if from == "" {
		return fmt.Errorf("no start date; pass --from or set backtest.start")
	}
	dates, err := gather.ParseDateRange(from, to)
	if err != nil {
		return err
	}

	symbols := btSymbols
	if btUniverse {
		// Select on data before the first replayed day.
		if symbols, err = universeSymbols(ctx, dates.Start.AddDate(0, 0, -1)); err != nil {
			return err
		}
	}
	subs, err := subscriptionsFrom(btStrategy, symbols, btParams)
	if err != nil {
		return err
	}
	run.Subscriptions = subs
	interval := domain.Interval(cfg.Backtest.Interval)
	if btInterval != "" {
		interval = domain.Interval(btInterval)
	}
	if !interval.Valid() {
		return fmt.Errorf("unsupported interval %q", interval)
	}

	reg, err := newRegistry()
	if err != nil {
		return err
	}
	runner := backtest.NewRunner(run, reg, logger("backtest"))
	if btJournal || cfg.Backtest.Journal {
		db, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
		if err != nil {
			return err
		}
		defer db.Close()
		runner.WithJournal(db)
	}

	ps := store.NewParquetStore(cfg.Storage.DataDir)
	res, err := runner.Run(ctx, ps, interval, dates.Start, dates.End.AddDate(0, 0, 1).Add(-1))
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Run %s: %d subscriptions, %d bars of equity\n\n", res.RunID, len(run.Subscriptions), len(res.Equity))
	report.Print(out, res.Report)
	if btShowFills {
		fmt.Fprintln(out)
		for _, f := range res.Fills {
			fmt.Fprintf(out, "%s  %-10s %-4s %10.2f @ %10.4f  fee %.2f  [%s]\n",
				f.Timestamp.Format("2006-01-02 15:04"), f.Symbol, f.Side, f.Qty, f.Price, f.Fees, f.StrategyID)
		}
	}
	if btShowErrors && len(res.Errors) > 0 {
		fmt.Fprintf(out, "\n%d subscription errors:\n", len(res.Errors))
		for _, e := range res.Errors {
			fmt.Fprintf(out, "  %s  %s\n", e.Time.Format("2006-01-02 15:04"), e.Error())
		}
	}
	return nil
}
