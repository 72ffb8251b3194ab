package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"quantcore/internal/report"
	"quantcore/internal/store"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List journaled runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
		if err != nil {
			return err
		}
		defer db.Close()

		runs, err := db.ListRuns(cmd.Context())
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tMODE\tSTARTED\tFINISHED\tINITIAL\tFINAL")
		for _, r := range runs {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%.2f\t%.2f\n",
				r.ID, r.Mode, stamp(r.StartedAt), stamp(r.FinishedAt), r.InitialCash, r.FinalEquity)
		}
		return tw.Flush()
	},
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Rebuild the report of a journaled run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
		if err != nil {
			return err
		}
		defer db.Close()

		ctx := cmd.Context()
		run, err := db.GetRun(ctx, args[0])
		if err != nil {
			return err
		}
		fills, err := db.ListFills(ctx, run.ID)
		if err != nil {
			return err
		}
		curve, err := db.ListEquity(ctx, run.ID)
		if err != nil {
			return err
		}
		positions, err := db.ListPositions(ctx, run.ID)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Run %s (%s) started %s\n\n", run.ID, run.Mode, stamp(run.StartedAt))
		report.Print(out, report.Build(fills, curve, run.InitialCash))
		if len(positions) > 0 {
			fmt.Fprintln(out, "\nPositions:")
			for _, p := range positions {
				fmt.Fprintf(out, "  %-10s %10.2f @ %10.4f  realized %.2f\n", p.Symbol, p.Qty, p.AvgCost, p.RealizedPnL)
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(runsCmd)
	runsCmd.AddCommand(runsShowCmd)
}

func stamp(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
