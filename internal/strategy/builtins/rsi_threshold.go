package builtins

import (
	"fmt"

	"quantcore/internal/domain"
	"quantcore/internal/indicator"
	"quantcore/internal/strategy"
	"quantcore/internal/window"
)

var _ strategy.Strategy = (*RSIThreshold)(nil)

// RSIThreshold buys when RSI climbs back through the oversold level and
// sells when it falls back through the overbought level.
type RSIThreshold struct {
	period     int
	oversold   float64
	overbought float64
	qty        float64
}

// NewRSIThreshold builds an RSIThreshold from "period" (14), "oversold"
// (30), "overbought" (70) and "qty".
func NewRSIThreshold(p strategy.Params) (strategy.Strategy, error) {
	s := &RSIThreshold{
		period:     p.Int("period", 14),
		oversold:   p.Float("oversold", 30),
		overbought: p.Float("overbought", 70),
		qty:        p.Float("qty", 0),
	}
	if s.period < 1 {
		return nil, fmt.Errorf("period must be positive, got %d", s.period)
	}
	if s.oversold <= 0 || s.overbought >= 100 || s.oversold >= s.overbought {
		return nil, fmt.Errorf("need 0 < oversold < overbought < 100, got %v/%v", s.oversold, s.overbought)
	}
	return s, nil
}

func (s *RSIThreshold) ID() string    { return RSIThresholdID }
func (s *RSIThreshold) Lookback() int { return s.period + 1 }

func (s *RSIThreshold) OnBar(w *window.BarWindow, st *strategy.State) domain.Signal {
	rsi, ok := indicator.RSI(w, s.period)
	if !ok {
		return domain.Hold()
	}
	prev, seen := st.Float("rsi")
	st.SetFloat("rsi", rsi)
	if !seen {
		return domain.Hold()
	}

	switch {
	case prev < s.oversold && rsi >= s.oversold:
		return domain.Buy(s.qty, fmt.Sprintf("rsi(%d) rose through %.0f: %.2f", s.period, s.oversold, rsi))
	case prev > s.overbought && rsi <= s.overbought:
		return domain.Sell(s.qty, fmt.Sprintf("rsi(%d) fell through %.0f: %.2f", s.period, s.overbought, rsi))
	}
	return domain.Hold()
}
