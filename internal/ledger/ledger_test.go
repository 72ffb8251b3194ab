package ledger

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quantcore/internal/domain"
)

func buy(sym string, qty, price float64) domain.OrderIntent {
	return domain.OrderIntent{ID: "i", Symbol: sym, Side: domain.SideBuy, Qty: qty, PriceHint: price}
}

func sell(sym string, qty, price float64) domain.OrderIntent {
	return domain.OrderIntent{ID: "i", Symbol: sym, Side: domain.SideSell, Qty: qty, PriceHint: price}
}

func fill(side domain.Side, sym string, qty, price, fees float64) domain.Fill {
	return domain.Fill{Symbol: sym, Side: side, Qty: qty, Price: price, Fees: fees}
}

func TestAllocationLimit(t *testing.T) {
	l := New(10000, Config{MaxPctPerInstrument: 0.5})

	err := l.CanAfford(buy("AAPL", 60, 100))
	assert.ErrorIs(t, err, domain.ErrAllocationLimitExceeded)
	var ae *domain.AllocationLimitError
	require.ErrorAs(t, err, &ae)
	assert.InDelta(t, 6000, ae.Projected, 1e-9)
	assert.InDelta(t, 5000, ae.Limit, 1e-9)

	assert.NoError(t, l.CanAfford(buy("AAPL", 50, 100)))
	assert.True(t, l.CanAffordOK(buy("AAPL", 50, 100)))
	assert.Equal(t, 50.0, l.MaxAffordable("AAPL", domain.SideBuy, 100, 1))
	assert.Equal(t, 50.0, l.MaxAffordable("AAPL", domain.SideBuy, 100, 10))
	assert.Equal(t, 0.0, l.MaxAffordable("AAPL", domain.SideBuy, 100, 100))
}

func TestInsufficientFunds(t *testing.T) {
	fees := func(_ domain.Side, _, _ float64) float64 { return 5 }
	l := New(1000, Config{Fees: fees})

	assert.ErrorIs(t, l.CanAfford(buy("X", 10, 100)), domain.ErrInsufficientFunds)
	assert.NoError(t, l.CanAfford(buy("X", 9, 100)))
	assert.Equal(t, 9.0, l.MaxAffordable("X", domain.SideBuy, 100, 1))
}

func TestSellWithoutPosition(t *testing.T) {
	l := New(10000, Config{})

	assert.ErrorIs(t, l.CanAfford(sell("AAPL", 1, 100)), domain.ErrInvalidState)
	err := l.ApplyFill(fill(domain.SideSell, "AAPL", 1, 100, 0))
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	// State unchanged.
	assert.Equal(t, 10000.0, l.Cash())
	_, ok := l.Position("AAPL")
	assert.False(t, ok)
	assert.Zero(t, l.MaxAffordable("AAPL", domain.SideSell, 100, 1))
}

func TestRoundTripPnLAndConservation(t *testing.T) {
	l := New(10000, Config{})

	require.NoError(t, l.ApplyFill(fill(domain.SideBuy, "AAPL", 10, 100, 1)))
	assert.InDelta(t, 8999, l.Cash(), 1e-9)
	assert.InDelta(t, 9999, l.TotalEquity(), 1e-9)

	require.NoError(t, l.ApplyFill(fill(domain.SideBuy, "AAPL", 10, 110, 1)))
	p, ok := l.Position("AAPL")
	require.True(t, ok)
	assert.InDelta(t, 20, p.Qty, 1e-9)
	assert.InDelta(t, 105, p.AvgCost, 1e-9)

	require.NoError(t, l.ApplyFill(fill(domain.SideSell, "AAPL", 20, 120, 2)))
	p, _ = l.Position("AAPL")
	assert.Zero(t, p.Qty)
	assert.InDelta(t, 105, p.AvgCost, 1e-9, "flat position keeps its cost basis")
	// (120-105)*20 - 1 - 1 - 2
	assert.InDelta(t, 296, p.RealizedPnL, 1e-9)
	assert.InDelta(t, 10296, l.Cash(), 1e-9)
	assert.InDelta(t, l.Cash(), l.TotalEquity(), 1e-9)
	assert.InDelta(t, 296, l.RealizedPnL(), 1e-9)
}

func TestConservationUnderFills(t *testing.T) {
	l := New(50000, Config{})
	trades := []domain.Fill{
		fill(domain.SideBuy, "A", 10, 50, 0.5),
		fill(domain.SideBuy, "B", 5, 200, 1.25),
		fill(domain.SideSell, "A", 4, 50, 0.2),
		fill(domain.SideBuy, "A", 1, 50, 0),
		fill(domain.SideSell, "B", 5, 200, 0.75),
	}
	before := l.TotalEquity()
	var fees float64
	for _, f := range trades {
		require.NoError(t, l.ApplyFill(f))
		fees += f.Fees
		assert.InDelta(t, before-fees, l.TotalEquity(), 1e-9)
	}
}

func TestBuyRejectedWhenCashShort(t *testing.T) {
	l := New(100, Config{})
	err := l.ApplyFill(fill(domain.SideBuy, "X", 2, 100, 0))
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
	assert.Equal(t, 100.0, l.Cash())
	assert.Empty(t, l.Positions())
}

func TestShortSelling(t *testing.T) {
	l := New(10000, Config{ShortSellingEnabled: true, MaxPctPerInstrument: 0.5})

	assert.NoError(t, l.CanAfford(sell("TSLA", 20, 200)))
	assert.ErrorIs(t, l.CanAfford(sell("TSLA", 30, 200)), domain.ErrAllocationLimitExceeded)
	assert.Equal(t, 25.0, l.MaxAffordable("TSLA", domain.SideSell, 200, 1))

	require.NoError(t, l.ApplyFill(fill(domain.SideSell, "TSLA", 20, 200, 0)))
	p, _ := l.Position("TSLA")
	assert.True(t, p.IsShort())
	assert.InDelta(t, 200, p.AvgCost, 1e-9)
	assert.InDelta(t, 14000, l.Cash(), 1e-9)

	l.Mark("TSLA", 150)
	assert.InDelta(t, 11000, l.TotalEquity(), 1e-9)

	// Buying to cover reduces exposure and is never blocked by the limit.
	require.NoError(t, l.ApplyFill(fill(domain.SideBuy, "TSLA", 20, 150, 0)))
	p, _ = l.Position("TSLA")
	assert.Zero(t, p.Qty)
	assert.InDelta(t, 1000, p.RealizedPnL, 1e-9)
	assert.InDelta(t, 11000, l.Cash(), 1e-9)
}

func TestReducingExposureIgnoresLimit(t *testing.T) {
	l := New(10000, Config{MaxPctPerInstrument: 0.5})
	require.NoError(t, l.ApplyFill(fill(domain.SideBuy, "X", 50, 100, 0)))

	// Mark jumps so the holding exceeds the limit; selling part is still fine.
	l.Mark("X", 1000)
	assert.NoError(t, l.CanAfford(sell("X", 10, 1000)))
	assert.ErrorIs(t, l.CanAfford(buy("X", 1, 1000)), domain.ErrAllocationLimitExceeded)
	assert.Equal(t, 50.0, l.MaxAffordable("X", domain.SideSell, 1000, 1))
}

func TestMaxAffordableMonotoneInCash(t *testing.T) {
	var prev float64
	for _, cash := range []float64{0, 500, 1000, 5000, 20000} {
		l := New(cash, Config{MaxPctPerInstrument: 0.3})
		got := l.MaxAffordable("X", domain.SideBuy, 37, 1)
		assert.GreaterOrEqual(t, got, prev)
		assert.NoError(t, func() error {
			if got == 0 {
				return nil
			}
			return l.CanAfford(buy("X", got, 37))
		}())
		assert.Error(t, l.CanAfford(buy("X", got+1, 37)))
		prev = got
	}
}

func TestReserve(t *testing.T) {
	l := New(1000, Config{})

	called := false
	_, err := l.Reserve(buy("X", 20, 100), func(i domain.OrderIntent) (domain.Fill, error) {
		called = true
		return domain.Fill{}, nil
	})
	assert.ErrorIs(t, err, domain.ErrAllocationLimitExceeded)
	assert.False(t, called, "submit must not run when the check fails")

	rejected := &domain.SinkRejectedError{IntentID: "i", Reason: "halted"}
	_, err = l.Reserve(buy("X", 5, 100), func(domain.OrderIntent) (domain.Fill, error) {
		return domain.Fill{}, rejected
	})
	assert.ErrorIs(t, err, domain.ErrSinkRejected)
	assert.Equal(t, 1000.0, l.Cash())

	f, err := l.Reserve(buy("X", 5, 100), func(i domain.OrderIntent) (domain.Fill, error) {
		return domain.Fill{IntentID: i.ID, Symbol: i.Symbol, Side: i.Side, Qty: i.Qty, Price: 101}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 5.0, f.Qty)
	assert.InDelta(t, 495, l.Cash(), 1e-9)
}

func TestReserveConcurrentNeverOverspends(t *testing.T) {
	l := New(1000, Config{})
	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Reserve(buy("X", 1, 100), func(i domain.OrderIntent) (domain.Fill, error) {
				return domain.Fill{Symbol: i.Symbol, Side: i.Side, Qty: i.Qty, Price: i.PriceHint}, nil
			})
			if err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 10, accepted)
	assert.InDelta(t, 0, l.Cash(), 1e-9)
}

func TestSnapshotAndPositions(t *testing.T) {
	l := New(1000, Config{})
	require.NoError(t, l.ApplyFill(fill(domain.SideBuy, "B", 1, 100, 0)))
	require.NoError(t, l.ApplyFill(fill(domain.SideBuy, "A", 2, 50, 0)))
	l.Mark("A", 60)

	ts := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	snap := l.Snapshot(ts)
	assert.Equal(t, ts, snap.Timestamp)
	assert.InDelta(t, 800, snap.Cash, 1e-9)
	assert.InDelta(t, 220, snap.MarketValue, 1e-9)
	assert.InDelta(t, 1020, snap.Equity, 1e-9)

	pos := l.Positions()
	require.Len(t, pos, 2)
	assert.Equal(t, "A", pos[0].Symbol)
	assert.Equal(t, "B", pos[1].Symbol)

	m, ok := l.MarkPrice("A")
	assert.True(t, ok)
	assert.Equal(t, 60.0, m)
}

func TestReserveReleasesLockWhileSubmitting(t *testing.T) {
	l := New(1000, Config{})
	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := l.Reserve(buy("X", 6, 100), func(i domain.OrderIntent) (domain.Fill, error) {
			close(entered)
			<-release
			return domain.Fill{Symbol: i.Symbol, Side: i.Side, Qty: i.Qty, Price: i.PriceHint}, nil
		})
		done <- err
	}()
	<-entered

	// Readers and other symbols proceed while the order is at the sink.
	l.Mark("Y", 50)
	assert.Equal(t, 1000.0, l.Cash())
	assert.Equal(t, 1, l.Pending())

	// The in-flight buy's cash is set aside.
	assert.ErrorIs(t, l.CanAfford(buy("Y", 5, 100)), domain.ErrInsufficientFunds)
	assert.NoError(t, l.CanAfford(buy("Y", 4, 100)))
	assert.Equal(t, 4.0, l.MaxAffordable("Y", domain.SideBuy, 100, 1))
	// And so is its exposure.
	assert.ErrorIs(t, l.CanAfford(buy("X", 5, 100)), domain.ErrAllocationLimitExceeded)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, 0, l.Pending())
	assert.InDelta(t, 400, l.Cash(), 1e-9)
	assert.Equal(t, 6.0, l.Held("X"))
}

func TestReserveReleasesHoldOnRejection(t *testing.T) {
	l := New(1000, Config{})
	require.NoError(t, l.ApplyFill(fill(domain.SideBuy, "X", 5, 100, 0)))

	_, err := l.Reserve(sell("X", 5, 100), func(domain.OrderIntent) (domain.Fill, error) {
		// A second sell of the same shares is refused while the first is out.
		assert.ErrorIs(t, l.CanAfford(sell("X", 1, 100)), domain.ErrInvalidState)
		return domain.Fill{}, &domain.SinkRejectedError{IntentID: "i", Reason: "halted"}
	})
	assert.ErrorIs(t, err, domain.ErrSinkRejected)
	assert.Equal(t, 0, l.Pending())
	assert.NoError(t, l.CanAfford(sell("X", 5, 100)))
}

func TestAffordabilityMonotoneInMaxPct(t *testing.T) {
	newLedger := func(pct float64) *Ledger {
		l := New(10000, Config{MaxPctPerInstrument: pct, Fees: func(_ domain.Side, _, _ float64) float64 { return 1 }})
		require.NoError(t, l.ApplyFill(fill(domain.SideBuy, "A", 20, 100, 1)))
		require.NoError(t, l.ApplyFill(fill(domain.SideBuy, "B", 10, 50, 1)))
		l.Mark("A", 120)
		return l
	}
	var intents []domain.OrderIntent
	for _, sym := range []string{"A", "B", "C"} {
		for _, qty := range []float64{1, 5, 10, 25, 40, 60, 80} {
			for _, price := range []float64{20, 50, 120} {
				intents = append(intents, buy(sym, qty, price), sell(sym, qty, price))
			}
		}
	}
	pcts := []float64{0.05, 0.1, 0.2, 0.3, 0.5, 0.75, 1}

	for _, intent := range intents {
		okBefore := false
		for _, pct := range pcts {
			ok := newLedger(pct).CanAffordOK(intent)
			if okBefore {
				assert.True(t, ok, "%s %s %v@%v affordable below pct %v but not at it", intent.Side, intent.Symbol, intent.Qty, intent.PriceHint, pct)
			}
			okBefore = ok
		}
	}

	var prev float64
	for _, pct := range pcts {
		got := newLedger(pct).MaxAffordable("C", domain.SideBuy, 50, 1)
		assert.GreaterOrEqual(t, got, prev, "pct %v", pct)
		prev = got
	}
}
