// Package window provides BarWindow, the bounded, time-ordered history of
// bars a strategy reads when making a decision.
package window

import (
	"fmt"

	"quantcore/internal/domain"
)

// BarWindow is a fixed-capacity ring buffer of bars for one instrument.
// Appends must be strictly increasing in time; once full, the oldest bar is
// evicted. A BarWindow is not safe for concurrent use; the engine serializes
// access per subscription.
type BarWindow struct {
	symbol string
	buf    []domain.Bar
	start  int // index of the oldest bar in buf
	n      int
}

// New returns an empty window for symbol holding at most capacity bars.
func New(symbol string, capacity int) *BarWindow {
	if capacity < 1 {
		capacity = 1
	}
	return &BarWindow{
		symbol: symbol,
		buf:    make([]domain.Bar, capacity),
	}
}

// Symbol returns the instrument this window belongs to.
func (w *BarWindow) Symbol() string { return w.symbol }

// Len returns the number of bars currently held.
func (w *BarWindow) Len() int { return w.n }

// Cap returns the maximum number of bars the window holds.
func (w *BarWindow) Cap() int { return len(w.buf) }

// Append adds bar as the newest entry. Bars for another instrument are an
// InvalidStateError; a timestamp that is not after the newest bar is a
// DataGapError. The window is unchanged on error.
func (w *BarWindow) Append(bar domain.Bar) error {
	if bar.Symbol != w.symbol {
		return &domain.InvalidStateError{
			Symbol: w.symbol,
			Reason: fmt.Sprintf("bar for %s appended to window of %s", bar.Symbol, w.symbol),
		}
	}
	if w.n > 0 {
		last := w.Last()
		if !bar.Timestamp.After(last.Timestamp) {
			return &domain.DataGapError{Symbol: w.symbol, Prev: last.Timestamp, Got: bar.Timestamp}
		}
	}

	if w.n < len(w.buf) {
		w.buf[(w.start+w.n)%len(w.buf)] = bar
		w.n++
		return nil
	}
	w.buf[w.start] = bar
	w.start = (w.start + 1) % len(w.buf)
	return nil
}

// At returns the i-th bar, 0 being the oldest. It panics when i is out of
// range, like a slice index.
func (w *BarWindow) At(i int) domain.Bar {
	if i < 0 || i >= w.n {
		panic(fmt.Sprintf("window: index %d out of range [0,%d)", i, w.n))
	}
	return w.buf[(w.start+i)%len(w.buf)]
}

// Last returns the newest bar. It panics on an empty window.
func (w *BarWindow) Last() domain.Bar { return w.At(w.n - 1) }

// Bars returns a copy of the held bars, oldest first.
func (w *BarWindow) Bars() []domain.Bar {
	out := make([]domain.Bar, w.n)
	for i := range out {
		out[i] = w.At(i)
	}
	return out
}

// Closes returns the close prices, oldest first.
func (w *BarWindow) Closes() []float64 {
	out := make([]float64, w.n)
	for i := range out {
		out[i] = w.At(i).Close
	}
	return out
}

// Tail returns a new window holding the newest n bars (all of them when n
// exceeds Len). The receiver is not modified.
func (w *BarWindow) Tail(n int) *BarWindow {
	if n > w.n {
		n = w.n
	}
	if n < 0 {
		n = 0
	}
	out := New(w.symbol, max(n, 1))
	for i := w.n - n; i < w.n; i++ {
		out.buf[out.n] = w.At(i)
		out.n++
	}
	return out
}

// Previous returns a window without the newest bar, used to compare an
// indicator's value one bar ago. The receiver is not modified.
func (w *BarWindow) Previous() *BarWindow {
	if w.n == 0 {
		return New(w.symbol, len(w.buf))
	}
	return w.Tail(w.n - 1)
}

// FromBars builds a window of the given capacity from bars, which must be
// in increasing time order and all for the same symbol.
func FromBars(symbol string, capacity int, bars []domain.Bar) (*BarWindow, error) {
	w := New(symbol, capacity)
	for _, b := range bars {
		if err := w.Append(b); err != nil {
			return nil, err
		}
	}
	return w, nil
}
