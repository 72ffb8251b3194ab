package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"quantcore/internal/live"
	"quantcore/pkg/quantcore"
)

var (
	statusAPI   string
	watchGRPC   string
	watchSymbol string
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the account, positions and subscriptions of a running trade session",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()
		c := quantcore.NewClient(apiURL())

		h, err := c.Health(ctx)
		if err != nil {
			return fmt.Errorf("contacting %s: %w", apiURL(), err)
		}
		acct, err := c.Account(ctx)
		if err != nil {
			return err
		}
		positions, err := c.Positions(ctx)
		if err != nil {
			return err
		}
		subs, err := c.Subscriptions(ctx)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Server %s, up since %s, %d events\n\n", h.Status, stamp(h.StartedAt), h.Events)
		fmt.Fprintf(out, "Account (%s): cash %.2f  equity %.2f  market value %.2f  realized %.2f\n",
			acct.Source, acct.Cash, acct.Equity, acct.MarketValue, acct.RealizedPnL)
		if len(positions) > 0 {
			fmt.Fprintln(out, "\nPositions:")
			for _, p := range positions {
				fmt.Fprintf(out, "  %-10s %10.2f @ %10.4f  mark %10.4f  unrealized %10.2f\n",
					p.Symbol, p.Qty, p.AvgCost, p.MarkPrice, p.UnrealizedPnL)
			}
		}
		fmt.Fprintln(out, "\nSubscriptions:")
		for _, s := range subs {
			line := fmt.Sprintf("  %-16s %-10s %-8s %6d bars", s.Strategy, s.Symbol, s.State, s.Bars)
			if s.Error != "" {
				line += "  " + s.Error
			}
			fmt.Fprintln(out, line)
		}
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream intents and fills from a running trade session",
	Long: `Watch prints intents and fills as a trade session produces them, starting
with everything already recorded. It uses the websocket endpoint of the HTTP
API, or the gRPC event stream when --grpc is given.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()
		out := cmd.OutOrStdout()
		symbols := splitSymbols(watchSymbol)

		if watchGRPC == "" {
			err := quantcore.NewClient(apiURL()).StreamEvents(ctx, symbols, func(e quantcore.Event) error {
				printWireEvent(out, e)
				return nil
			})
			return ignoreCanceled(err)
		}
		return ignoreCanceled(watchGRPCStream(ctx, out, symbols))
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(watchCmd)

	for _, c := range []*cobra.Command{statusCmd, watchCmd} {
		c.Flags().StringVar(&statusAPI, "api", "", "base URL of the HTTP API (default from server.host and server.port)")
	}
	watchCmd.Flags().StringVar(&watchGRPC, "grpc", "", "host:port of the gRPC event stream")
	watchCmd.Flags().StringVar(&watchSymbol, "symbols", "", "comma separated symbols to watch (default all)")
}

func apiURL() string {
	if statusAPI != "" {
		return statusAPI
	}
	return "http://" + cfg.Server.HTTPAddr()
}

// watchGRPCStream mirrors the remote journal into a local model and prints
// what arrives.
func watchGRPCStream(ctx context.Context, out io.Writer, symbols []string) error {
	model := live.NewModel()
	id, events := model.Subscribe(1024)
	defer model.Unsubscribe(id)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return live.NewClient(watchGRPC, model, logger("watch")).Symbols(symbols...).Sync(gctx)
	})
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case e, ok := <-events:
				if !ok {
					return nil
				}
				printEvent(out, e)
			}
		}
	})
	return g.Wait()
}

func printWireEvent(w io.Writer, e quantcore.Event) {
	switch {
	case e.Fill != nil:
		f := e.Fill
		fmt.Fprintf(w, "%6d  %s  FILL    %-10s %-4s %10.2f @ %10.4f  fee %.2f  [%s]\n",
			e.Seq, f.Timestamp.Local().Format(time.DateTime), f.Symbol, f.Side, f.Qty, f.Price, f.Fees, f.Strategy)
	case e.Intent != nil:
		i := e.Intent
		fmt.Fprintf(w, "%6d  %s  INTENT  %-10s %-4s %10.2f ~ %10.4f  [%s]\n",
			e.Seq, i.Timestamp.Local().Format(time.DateTime), i.Symbol, i.Side, i.Qty, i.PriceHint, i.Strategy)
	}
}

func printEvent(w io.Writer, e live.Event) {
	we := quantcore.Event{Seq: e.Seq, Kind: string(e.Kind)}
	if f := e.Fill; f != nil {
		we.Fill = &quantcore.Fill{IntentID: f.IntentID, Symbol: f.Symbol, Side: string(f.Side), Qty: f.Qty,
			Price: f.Price, Fees: f.Fees, Strategy: f.StrategyID, Timestamp: f.Timestamp}
	}
	if i := e.Intent; i != nil {
		we.Intent = &quantcore.Intent{ID: i.ID, Symbol: i.Symbol, Side: string(i.Side), Qty: i.Qty,
			PriceHint: i.PriceHint, Strategy: i.StrategyID, Timestamp: i.Timestamp}
	}
	printWireEvent(w, we)
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
