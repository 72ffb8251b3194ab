package report

import (
	"bytes"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quantcore/internal/domain"
)

var t0 = time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)

func curve(equities ...float64) []domain.EquitySnapshot {
	out := make([]domain.EquitySnapshot, len(equities))
	for i, e := range equities {
		out[i] = domain.EquitySnapshot{Timestamp: t0.AddDate(0, 0, i), Equity: e, Cash: e}
	}
	return out
}

func fill(side domain.Side, sym string, qty, price, fees float64) domain.Fill {
	return domain.Fill{Symbol: sym, Side: side, Qty: qty, Price: price, Fees: fees}
}

func TestEmptyInputs(t *testing.T) {
	r := Build(nil, nil, 1000)
	assert.Equal(t, 1000.0, r.FinalEquity)
	assert.Zero(t, r.TotalReturn)
	assert.Zero(t, r.MaxDrawdown)
	assert.Zero(t, r.SharpeRatio)
	assert.Zero(t, r.Trades)
	assert.Zero(t, r.WinRate)
	assert.Zero(t, r.ProfitFactor)
	assert.Nil(t, r.Returns)

	assert.NotPanics(t, func() { Build(nil, nil, 0) })
}

func TestReturnsAndDrawdown(t *testing.T) {
	r := Build(nil, curve(1100, 990, 1210), 1000)

	assert.InDelta(t, 0.21, r.TotalReturn, 1e-12)
	require.Len(t, r.Returns, 3)
	assert.InDelta(t, 0.1, r.Returns[0], 1e-12)
	assert.InDelta(t, -0.1, r.Returns[1], 1e-12)
	assert.InDelta(t, 2.0/9, r.Returns[2], 1e-12)

	assert.InDelta(t, 0.1, r.MaxDrawdown, 1e-12)
	assert.InDelta(t, 110, r.MaxDrawdownAbs, 1e-9)
	assert.Equal(t, t0, r.Start)
	assert.Equal(t, t0.AddDate(0, 0, 2), r.End)
}

func TestSharpe(t *testing.T) {
	rets := []float64{0.01, 0.02, -0.01, 0.00}
	mean := 0.005
	var ss float64
	for _, x := range rets {
		ss += (x - mean) * (x - mean)
	}
	want := mean / math.Sqrt(ss/3) * math.Sqrt(252)
	assert.InDelta(t, want, sharpe(rets, 252), 1e-12)

	assert.Zero(t, sharpe([]float64{0.01}, 252))
	assert.Zero(t, sharpe([]float64{0.01, 0.01, 0.01}, 252), "flat returns")

	weekly := Options{PeriodsPerYear: 52}.Build(nil, curve(1010, 1030, 1019), 1000)
	daily := Build(nil, curve(1010, 1030, 1019), 1000)
	assert.InDelta(t, daily.SharpeRatio*math.Sqrt(52.0/252), weekly.SharpeRatio, 1e-12)
}

func TestTradeStatistics(t *testing.T) {
	fills := []domain.Fill{
		fill(domain.SideBuy, "A", 10, 100, 1),
		fill(domain.SideBuy, "A", 10, 110, 1),
		fill(domain.SideSell, "A", 20, 120, 2), // (120-105)*20 - 2 - 2 = 296
		fill(domain.SideBuy, "B", 5, 50, 0),
		fill(domain.SideSell, "B", 5, 40, 0), // -50
		fill(domain.SideSell, "C", 4, 30, 0),
		fill(domain.SideBuy, "C", 4, 25, 0), // short cover +20
	}
	r := Build(fills, curve(1000), 1000)
	assert.Equal(t, 7, r.Fills)
	assert.Equal(t, 3, r.Trades)
	assert.Equal(t, 2, r.Wins)
	assert.Equal(t, 1, r.Losses)
	assert.InDelta(t, 2.0/3, r.WinRate, 1e-12)
	assert.InDelta(t, 316.0/50, r.ProfitFactor, 1e-12)
	assert.InDelta(t, 266, r.RealizedPnL, 1e-9)
	assert.InDelta(t, 4, r.TotalFees, 1e-12)
}

func TestEntryFeesCountInRoundTrip(t *testing.T) {
	// The exit price beats the entry but not the fee paid to get in.
	fills := []domain.Fill{
		fill(domain.SideBuy, "A", 10, 100, 5),
		fill(domain.SideSell, "A", 10, 100.4, 0),
	}
	r := Build(fills, curve(1000), 1000)
	assert.Equal(t, 1, r.Trades)
	assert.Zero(t, r.Wins)
	assert.Equal(t, 1, r.Losses)
	assert.InDelta(t, -1, r.RealizedPnL, 1e-9)
	assert.InDelta(t, 5, r.TotalFees, 1e-12)
}

func TestEntryFeesSplitAcrossPartialCloses(t *testing.T) {
	fills := []domain.Fill{
		fill(domain.SideBuy, "A", 10, 100, 10),
		fill(domain.SideSell, "A", 4, 110, 1),  // 40 - 4 - 1
		fill(domain.SideSell, "A", 10, 120, 2), // closes 6: 120 - 6 - 1.2, opens short 4
		fill(domain.SideBuy, "A", 4, 115, 0),   // 20 - 0.8
	}
	trades := closedTrades(fills)
	require.Len(t, trades, 3)
	assert.InDelta(t, 35, trades[0], 1e-9)
	assert.InDelta(t, 112.8, trades[1], 1e-9)
	assert.InDelta(t, 19.2, trades[2], 1e-9)

	var sum, fees float64
	for _, p := range trades {
		sum += p
	}
	for _, f := range fills {
		fees += f.Fees
	}
	// Every fee lands in exactly one closed trade.
	assert.InDelta(t, 40+120+20-fees, sum, 1e-9)
}

func TestProfitFactorWithoutLosses(t *testing.T) {
	fills := []domain.Fill{
		fill(domain.SideBuy, "A", 1, 10, 0),
		fill(domain.SideSell, "A", 1, 12, 0),
	}
	r := Build(fills, nil, 100)
	assert.Equal(t, 1.0, r.WinRate)
	assert.Zero(t, r.ProfitFactor)
}

func TestPositionFlip(t *testing.T) {
	fills := []domain.Fill{
		fill(domain.SideBuy, "A", 5, 10, 0),
		fill(domain.SideSell, "A", 8, 12, 0), // closes 5 for +10, opens short 3 at 12
		fill(domain.SideBuy, "A", 3, 11, 0),  // covers for +3
	}
	trades := closedTrades(fills)
	require.Len(t, trades, 2)
	assert.InDelta(t, 10, trades[0], 1e-12)
	assert.InDelta(t, 3, trades[1], 1e-12)
}

func TestPrint(t *testing.T) {
	var buf bytes.Buffer
	Print(&buf, Build(nil, curve(1100), 1000))
	out := buf.String()
	assert.Contains(t, out, "Return:        10.00%")
	assert.Contains(t, out, "Final Equity:  1100.00")
	assert.NotContains(t, out, "Profit Factor")
}
