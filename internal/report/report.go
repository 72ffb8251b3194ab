// Package report computes performance summaries from a run's fills and
// equity curve.
package report

import (
	"fmt"
	"io"
	"math"
	"time"

	"quantcore/internal/domain"
)

// Periods per year used to annualize the Sharpe ratio.
const (
	DefaultPeriodsPerYear = 252
	// MinuteBarsPerYear assumes a 390 minute US session.
	MinuteBarsPerYear = DefaultPeriodsPerYear * 390
)

// Report holds the summary metrics of a run.
type Report struct {
	Start          time.Time `json:"start"`
	End            time.Time `json:"end"`
	InitialCash    float64   `json:"initial_cash"`
	FinalEquity    float64   `json:"final_equity"`
	TotalReturn    float64   `json:"total_return"`
	MaxDrawdown    float64   `json:"max_drawdown"`
	MaxDrawdownAbs float64   `json:"max_drawdown_abs"`
	SharpeRatio    float64   `json:"sharpe_ratio"`
	Fills          int       `json:"fills"`
	Trades         int       `json:"trades"`
	Wins           int       `json:"wins"`
	Losses         int       `json:"losses"`
	WinRate        float64   `json:"win_rate"`
	ProfitFactor   float64   `json:"profit_factor"`
	RealizedPnL    float64   `json:"realized_pnl"`
	TotalFees      float64   `json:"total_fees"`
	Returns        []float64 `json:"returns,omitempty"`
}

// Options tunes metric computation.
type Options struct {
	// PeriodsPerYear scales the Sharpe ratio. Zero means 252.
	PeriodsPerYear float64
}

// Build summarizes a run with default options.
func Build(fills []domain.Fill, curve []domain.EquitySnapshot, initialCash float64) Report {
	return Options{}.Build(fills, curve, initialCash)
}

// Build summarizes a run. Empty inputs give a zero report anchored at
// initialCash.
func (o Options) Build(fills []domain.Fill, curve []domain.EquitySnapshot, initialCash float64) Report {
	periods := o.PeriodsPerYear
	if periods <= 0 {
		periods = DefaultPeriodsPerYear
	}

	r := Report{InitialCash: initialCash, FinalEquity: initialCash, Fills: len(fills)}
	if n := len(curve); n > 0 {
		r.Start = curve[0].Timestamp
		r.End = curve[n-1].Timestamp
		r.FinalEquity = curve[n-1].Equity
	}
	if initialCash > 0 {
		r.TotalReturn = r.FinalEquity/initialCash - 1
	}

	r.Returns = returns(initialCash, curve)
	r.SharpeRatio = sharpe(r.Returns, periods)
	r.MaxDrawdown, r.MaxDrawdownAbs = drawdown(initialCash, curve)

	trades := closedTrades(fills)
	var grossWin, grossLoss float64
	for _, pnl := range trades {
		r.RealizedPnL += pnl
		switch {
		case pnl > 0:
			r.Wins++
			grossWin += pnl
		case pnl < 0:
			r.Losses++
			grossLoss -= pnl
		}
	}
	r.Trades = len(trades)
	if r.Trades > 0 {
		r.WinRate = float64(r.Wins) / float64(r.Trades)
	}
	if grossLoss > 0 {
		r.ProfitFactor = grossWin / grossLoss
	}
	for _, f := range fills {
		r.TotalFees += f.Fees
	}
	return r
}

// returns computes simple period returns, starting from initialCash.
func returns(initialCash float64, curve []domain.EquitySnapshot) []float64 {
	if len(curve) == 0 {
		return nil
	}
	out := make([]float64, 0, len(curve))
	prev := initialCash
	for _, s := range curve {
		if prev > 0 {
			out = append(out, s.Equity/prev-1)
		}
		prev = s.Equity
	}
	return out
}

// sharpe annualizes mean/stddev using the sample standard deviation.
func sharpe(rets []float64, periods float64) float64 {
	n := len(rets)
	if n < 2 {
		return 0
	}
	var sum float64
	for _, r := range rets {
		sum += r
	}
	mean := sum / float64(n)
	var ss float64
	for _, r := range rets {
		ss += (r - mean) * (r - mean)
	}
	sd := math.Sqrt(ss / float64(n-1))
	if sd == 0 {
		return 0
	}
	return mean / sd * math.Sqrt(periods)
}

// drawdown returns the largest peak-to-trough decline as a fraction of the
// peak and in currency.
func drawdown(initialCash float64, curve []domain.EquitySnapshot) (float64, float64) {
	peak := initialCash
	var pct, abs float64
	for _, s := range curve {
		if s.Equity > peak {
			peak = s.Equity
		}
		d := peak - s.Equity
		if d > abs {
			abs = d
		}
		if peak > 0 && d/peak > pct {
			pct = d / peak
		}
	}
	return pct, abs
}

// closedTrades replays fills with average-cost accounting and returns the
// net P&L of every fill that reduced a position. A trade carries its share
// of the fees paid opening the position as well as the closing fee.
func closedTrades(fills []domain.Fill) []float64 {
	type book struct{ qty, avg, fees float64 }
	books := make(map[string]*book)
	var out []float64
	for _, f := range fills {
		if f.Qty <= 0 {
			continue
		}
		b, ok := books[f.Symbol]
		if !ok {
			b = &book{}
			books[f.Symbol] = b
		}
		signed := f.Qty
		if f.Side == domain.SideSell {
			signed = -f.Qty
		}

		// Same direction or flat: extend the position.
		if b.qty == 0 || (b.qty > 0) == (signed > 0) {
			total := b.qty + signed
			b.avg = (math.Abs(b.qty)*b.avg + f.Qty*f.Price) / math.Abs(total)
			b.qty = total
			b.fees += f.Fees
			continue
		}

		open := math.Abs(b.qty)
		closed := math.Min(f.Qty, open)
		dir := 1.0
		if b.qty < 0 {
			dir = -1
		}
		entryFees := b.fees * closed / open
		exitFees := f.Fees * closed / f.Qty
		out = append(out, (f.Price-b.avg)*closed*dir-entryFees-exitFees)
		b.fees -= entryFees

		b.qty += signed
		if math.Abs(b.qty) < 1e-9 {
			b.qty, b.fees = 0, 0
		} else if (b.qty > 0) == (signed > 0) {
			// Flipped through zero; the remainder opens at this price
			// and keeps the rest of this fill's fee.
			b.avg = f.Price
			b.fees = f.Fees - exitFees
		}
	}
	return out
}

// Print writes r as a human-readable table.
func Print(w io.Writer, r Report) {
	line := "--------------------------------------------------"
	fmt.Fprintln(w, "Backtest Result")
	fmt.Fprintln(w, line)
	if !r.Start.IsZero() {
		fmt.Fprintf(w, "Period:        %s .. %s\n", r.Start.Format(time.RFC3339), r.End.Format(time.RFC3339))
	}
	fmt.Fprintf(w, "Initial Cash:  %.2f\n", r.InitialCash)
	fmt.Fprintf(w, "Final Equity:  %.2f\n", r.FinalEquity)
	fmt.Fprintf(w, "Return:        %.2f%%\n", r.TotalReturn*100)
	fmt.Fprintf(w, "Max Drawdown:  %.2f%% (%.2f)\n", r.MaxDrawdown*100, r.MaxDrawdownAbs)
	fmt.Fprintf(w, "Sharpe:        %.3f\n", r.SharpeRatio)
	fmt.Fprintln(w, line)
	fmt.Fprintf(w, "Fills:         %d\n", r.Fills)
	fmt.Fprintf(w, "Trades:        %d (%d won, %d lost)\n", r.Trades, r.Wins, r.Losses)
	fmt.Fprintf(w, "Win Rate:      %.2f%%\n", r.WinRate*100)
	if r.ProfitFactor > 0 {
		fmt.Fprintf(w, "Profit Factor: %.2f\n", r.ProfitFactor)
	}
	fmt.Fprintf(w, "Realized P/L:  %.2f\n", r.RealizedPnL)
	fmt.Fprintf(w, "Fees:          %.2f\n", r.TotalFees)
}
