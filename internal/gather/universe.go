package gather

import (
	"context"
	"fmt"
	"sort"
	"time"

	"quantcore/internal/domain"
	"quantcore/internal/store"
)

// UniverseFilter selects tradable symbols from daily bars in the store: the
// last close must be at least MinPrice and the turnover accumulated over the
// last LookbackDays daily bars at least MinTurnover.
type UniverseFilter struct {
	MinPrice     float64
	MinTurnover  float64
	LookbackDays int
}

// UniverseEntry is one symbol that passed the filter.
type UniverseEntry struct {
	Symbol   string
	Close    float64
	Turnover float64
	Days     int
}

// Select applies the filter to every symbol in bs (or only to symbols when
// non-empty) using daily bars up to and including asOf. Entries come back
// in ascending turnover order, ties by symbol.
func (f UniverseFilter) Select(ctx context.Context, bs store.BarStore, symbols []string, asOf time.Time) ([]UniverseEntry, error) {
	if f.LookbackDays <= 0 {
		return nil, fmt.Errorf("universe lookback must be positive, got %d", f.LookbackDays)
	}
	if len(symbols) == 0 {
		var err error
		if symbols, err = bs.ListSymbols(ctx); err != nil {
			return nil, fmt.Errorf("listing symbols: %w", err)
		}
	}

	end := endOfDay(asOf)
	// Weekends and holidays: three calendar days per trading day is ample.
	start := end.AddDate(0, 0, -3*f.LookbackDays-7)

	var out []UniverseEntry
	for _, sym := range symbols {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		bars, err := bs.ReadBars(ctx, sym, domain.IntervalDaily, start, end)
		if err != nil {
			return nil, fmt.Errorf("reading %s daily bars: %w", sym, err)
		}
		if len(bars) == 0 {
			continue
		}
		if len(bars) > f.LookbackDays {
			bars = bars[len(bars)-f.LookbackDays:]
		}
		e := UniverseEntry{Symbol: sym, Close: bars[len(bars)-1].Close, Days: len(bars)}
		for _, b := range bars {
			e.Turnover += turnover(b)
		}
		if e.Close < f.MinPrice || e.Turnover < f.MinTurnover {
			continue
		}
		out = append(out, e)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Turnover != out[j].Turnover {
			return out[i].Turnover < out[j].Turnover
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out, nil
}

// UniverseSymbols returns the symbols of entries in order.
func UniverseSymbols(entries []UniverseEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Symbol
	}
	return out
}

// turnover is the bar's traded value, estimated from close and volume when
// the feed did not report it.
func turnover(b domain.Bar) float64 {
	if b.Turnover > 0 {
		return b.Turnover
	}
	if b.VWAP > 0 {
		return b.VWAP * float64(b.Volume)
	}
	return b.Close * float64(b.Volume)
}
