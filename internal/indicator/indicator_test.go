package indicator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quantcore/internal/domain"
	"quantcore/internal/window"
)

func windowOf(t *testing.T, closes ...float64) *window.BarWindow {
	t.Helper()
	w := window.New("HK.00700", len(closes)+1)
	base := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	for i, c := range closes {
		require.NoError(t, w.Append(domain.Bar{
			Symbol:    "HK.00700",
			Timestamp: base.AddDate(0, 0, i),
			Open:      c,
			High:      c + 1,
			Low:       c - 1,
			Close:     c,
		}))
	}
	return w
}

func TestShortWindowIsUndefined(t *testing.T) {
	w := windowOf(t, 1, 2, 3)

	_, ok := SMA(w, 5)
	assert.False(t, ok)
	_, ok = EMA(w, 5)
	assert.False(t, ok)
	_, ok = RSI(w, 3)
	assert.False(t, ok, "RSI needs n+1 closes")
	_, ok = Bollinger(w, 4, 2)
	assert.False(t, ok)
	_, ok = MACD(w, 2, 3, 2)
	assert.False(t, ok)
	_, ok = ATR(w, 3)
	assert.False(t, ok)
	_, ok = HighestHigh(w, 4)
	assert.False(t, ok)
	_, ok = SMA(w, 0)
	assert.False(t, ok, "non-positive period is undefined, not a panic")
}

func TestSMA(t *testing.T) {
	w := windowOf(t, 1, 2, 3, 4, 5, 6)
	v, ok := SMA(w, 3)
	require.True(t, ok)
	assert.InDelta(t, 5.0, v, 1e-12)
}

func TestEMA(t *testing.T) {
	w := windowOf(t, 2, 4, 6, 8)
	// seed = (2+4+6)/3 = 4; k = 0.5; ema = (8-4)*0.5+4 = 6
	v, ok := EMA(w, 3)
	require.True(t, ok)
	assert.InDelta(t, 6.0, v, 1e-12)
}

func TestRSI(t *testing.T) {
	up := windowOf(t, 1, 2, 3, 4, 5)
	v, ok := RSI(up, 4)
	require.True(t, ok)
	assert.Equal(t, 100.0, v)

	down := windowOf(t, 5, 4, 3, 2, 1)
	v, ok = RSI(down, 4)
	require.True(t, ok)
	assert.InDelta(t, 0.0, v, 1e-12)

	flat := windowOf(t, 3, 3, 3)
	v, ok = RSI(flat, 2)
	require.True(t, ok)
	assert.Equal(t, 50.0, v)

	mixed := windowOf(t, 10, 11, 10, 11, 10)
	v, ok = RSI(mixed, 4)
	require.True(t, ok)
	assert.InDelta(t, 50.0, v, 1e-9)
}

func TestBollinger(t *testing.T) {
	w := windowOf(t, 2, 4, 4, 4, 5, 5, 7, 9)
	b, ok := Bollinger(w, 8, 2)
	require.True(t, ok)
	assert.InDelta(t, 5.0, b.Middle, 1e-12)
	assert.InDelta(t, 9.0, b.Upper, 1e-12)
	assert.InDelta(t, 1.0, b.Lower, 1e-12)
}

func TestMACDConstantSeriesIsZero(t *testing.T) {
	w := windowOf(t, 5, 5, 5, 5, 5, 5, 5, 5)
	m, ok := MACD(w, 2, 4, 3)
	require.True(t, ok)
	assert.InDelta(t, 0.0, m.Line, 1e-12)
	assert.InDelta(t, 0.0, m.Signal, 1e-12)
	assert.InDelta(t, 0.0, m.Histogram, 1e-12)
}

func TestMACDRisingSeriesIsPositive(t *testing.T) {
	w := windowOf(t, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10)
	m, ok := MACD(w, 3, 6, 3)
	require.True(t, ok)
	assert.Greater(t, m.Line, 0.0)
}

func TestATR(t *testing.T) {
	// High-Low is always 2 and closes move by 1, so every true range is 2.
	w := windowOf(t, 10, 11, 12, 13)
	v, ok := ATR(w, 3)
	require.True(t, ok)
	assert.InDelta(t, 2.0, v, 1e-12)
}

func TestHighestLowest(t *testing.T) {
	w := windowOf(t, 5, 9, 3, 7)
	hi, ok := HighestHigh(w, 3)
	require.True(t, ok)
	assert.Equal(t, 10.0, hi)
	lo, ok := LowestLow(w, 3)
	require.True(t, ok)
	assert.Equal(t, 2.0, lo)
}

func TestIndicatorsAreIdempotent(t *testing.T) {
	w := windowOf(t, 3, 1, 4, 1, 5, 9, 2, 6, 5, 3, 5, 8, 9, 7, 9, 3, 2, 3, 8, 4)
	before := w.Bars()

	type calc func() any
	calcs := map[string]calc{
		"sma":       func() any { v, ok := SMA(w, 5); return []any{v, ok} },
		"ema":       func() any { v, ok := EMA(w, 5); return []any{v, ok} },
		"rsi":       func() any { v, ok := RSI(w, 14); return []any{v, ok} },
		"bollinger": func() any { v, ok := Bollinger(w, 10, 2); return []any{v, ok} },
		"macd":      func() any { v, ok := MACD(w, 3, 8, 4); return []any{v, ok} },
		"atr":       func() any { v, ok := ATR(w, 5); return []any{v, ok} },
	}
	for name, c := range calcs {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, c(), c())
		})
	}
	assert.Equal(t, before, w.Bars(), "indicators must not modify the window")
}
