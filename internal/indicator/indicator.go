// Package indicator computes technical indicators over a bar window.
//
// Every indicator is a pure function of the window's content. When the
// window is shorter than the indicator's lookback the function returns
// ok == false, which callers treat as "no signal yet" rather than a fault.
package indicator

import (
	"math"

	"quantcore/internal/window"
)

// SMA returns the simple moving average of the last n closes.
func SMA(w *window.BarWindow, n int) (float64, bool) {
	return smaOf(w.Closes(), n)
}

// EMA returns the exponential moving average of closes with period n,
// seeded with the SMA of the first n closes in the window.
func EMA(w *window.BarWindow, n int) (float64, bool) {
	series := emaSeries(w.Closes(), n)
	if len(series) == 0 {
		return 0, false
	}
	return series[len(series)-1], true
}

// StdDev returns the population standard deviation of the last n closes.
func StdDev(w *window.BarWindow, n int) (float64, bool) {
	return stdDevOf(w.Closes(), n)
}

// RSI returns Wilder's relative strength index over n periods. It needs
// n+1 closes.
func RSI(w *window.BarWindow, n int) (float64, bool) {
	closes := w.Closes()
	if n <= 0 || len(closes) < n+1 {
		return 0, false
	}

	var gain, loss float64
	for i := 1; i <= n; i++ {
		gain, loss = accumulate(gain, loss, closes[i]-closes[i-1])
	}
	avgGain := gain / float64(n)
	avgLoss := loss / float64(n)

	for i := n + 1; i < len(closes); i++ {
		g, l := accumulate(0, 0, closes[i]-closes[i-1])
		avgGain = (avgGain*float64(n-1) + g) / float64(n)
		avgLoss = (avgLoss*float64(n-1) + l) / float64(n)
	}

	switch {
	case avgGain == 0 && avgLoss == 0:
		return 50, true
	case avgLoss == 0:
		return 100, true
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs), true
}

func accumulate(gain, loss, change float64) (float64, float64) {
	if change > 0 {
		return gain + change, loss
	}
	return gain, loss - change
}

// Bands holds Bollinger band levels.
type Bands struct {
	Upper  float64
	Middle float64
	Lower  float64
}

// Bollinger returns bands k standard deviations around the n-period SMA.
func Bollinger(w *window.BarWindow, n int, k float64) (Bands, bool) {
	closes := w.Closes()
	mid, ok := smaOf(closes, n)
	if !ok {
		return Bands{}, false
	}
	sd, _ := stdDevOf(closes, n)
	return Bands{Upper: mid + k*sd, Middle: mid, Lower: mid - k*sd}, true
}

// MACDValue holds the MACD line, its signal line and their difference.
type MACDValue struct {
	Line      float64
	Signal    float64
	Histogram float64
}

// MACD returns the moving average convergence/divergence of closes. It
// needs slow+signal-1 closes.
func MACD(w *window.BarWindow, fast, slow, signal int) (MACDValue, bool) {
	if fast <= 0 || slow <= fast || signal <= 0 {
		return MACDValue{}, false
	}
	closes := w.Closes()
	fastSeries := emaSeries(closes, fast)
	slowSeries := emaSeries(closes, slow)
	if len(slowSeries) == 0 {
		return MACDValue{}, false
	}

	// fastSeries[i] lines up with closes[fast-1+i]; align both to the slow start.
	offset := slow - fast
	line := make([]float64, len(slowSeries))
	for i := range slowSeries {
		line[i] = fastSeries[i+offset] - slowSeries[i]
	}

	sig := emaSeries(line, signal)
	if len(sig) == 0 {
		return MACDValue{}, false
	}
	l := line[len(line)-1]
	s := sig[len(sig)-1]
	return MACDValue{Line: l, Signal: s, Histogram: l - s}, true
}

// ATR returns Wilder's average true range over n periods. It needs n+1 bars.
func ATR(w *window.BarWindow, n int) (float64, bool) {
	if n <= 0 || w.Len() < n+1 {
		return 0, false
	}
	bars := w.Bars()
	tr := make([]float64, 0, len(bars)-1)
	for i := 1; i < len(bars); i++ {
		prevClose := bars[i-1].Close
		r := math.Max(bars[i].High-bars[i].Low,
			math.Max(math.Abs(bars[i].High-prevClose), math.Abs(bars[i].Low-prevClose)))
		tr = append(tr, r)
	}

	atr := 0.0
	for i := 0; i < n; i++ {
		atr += tr[i]
	}
	atr /= float64(n)
	for i := n; i < len(tr); i++ {
		atr = (atr*float64(n-1) + tr[i]) / float64(n)
	}
	return atr, true
}

// HighestHigh returns the highest high of the last n bars.
func HighestHigh(w *window.BarWindow, n int) (float64, bool) {
	if n <= 0 || w.Len() < n {
		return 0, false
	}
	hi := math.Inf(-1)
	for i := w.Len() - n; i < w.Len(); i++ {
		hi = math.Max(hi, w.At(i).High)
	}
	return hi, true
}

// LowestLow returns the lowest low of the last n bars.
func LowestLow(w *window.BarWindow, n int) (float64, bool) {
	if n <= 0 || w.Len() < n {
		return 0, false
	}
	lo := math.Inf(1)
	for i := w.Len() - n; i < w.Len(); i++ {
		lo = math.Min(lo, w.At(i).Low)
	}
	return lo, true
}

// ---------------------------------------------------------------------------
// Slice helpers
// ---------------------------------------------------------------------------

func smaOf(values []float64, n int) (float64, bool) {
	if n <= 0 || len(values) < n {
		return 0, false
	}
	sum := 0.0
	for _, v := range values[len(values)-n:] {
		sum += v
	}
	return sum / float64(n), true
}

func stdDevOf(values []float64, n int) (float64, bool) {
	mean, ok := smaOf(values, n)
	if !ok {
		return 0, false
	}
	ss := 0.0
	for _, v := range values[len(values)-n:] {
		d := v - mean
		ss += d * d
	}
	return math.Sqrt(ss / float64(n)), true
}

// emaSeries returns the EMA for every index from n-1 onward; element i
// corresponds to values[n-1+i]. It is empty when values is shorter than n.
func emaSeries(values []float64, n int) []float64 {
	if n <= 0 || len(values) < n {
		return nil
	}
	k := 2.0 / float64(n+1)
	out := make([]float64, 0, len(values)-n+1)

	seed := 0.0
	for _, v := range values[:n] {
		seed += v
	}
	ema := seed / float64(n)
	out = append(out, ema)
	for _, v := range values[n:] {
		ema = (v-ema)*k + ema
		out = append(out, ema)
	}
	return out
}
