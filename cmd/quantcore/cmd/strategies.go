package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var strategiesCmd = &cobra.Command{
	Use:   "strategies",
	Short: "List the registered strategies and the configured subscriptions",
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := newRegistry()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "Registered strategies:")
		for _, id := range reg.List() {
			fmt.Fprintf(out, "  %s\n", id)
		}

		subs := cfg.Subscriptions()
		if len(subs) == 0 {
			return nil
		}
		fmt.Fprintln(out, "\nConfigured subscriptions:")
		for _, s := range subs {
			known := ""
			if !reg.Has(s.Strategy) {
				known = "  (unknown strategy)"
			}
			fmt.Fprintf(out, "  %-16s %-10s %v%s\n", s.Strategy, s.Symbol, map[string]float64(s.Params), known)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(strategiesCmd)
}
