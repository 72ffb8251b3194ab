package builtins

import (
	"fmt"

	"quantcore/internal/domain"
	"quantcore/internal/indicator"
	"quantcore/internal/strategy"
	"quantcore/internal/window"
)

var _ strategy.Strategy = (*BollingerReversion)(nil)

// BollingerReversion buys a close below the lower band and sells a close
// above the upper band. Repeated touches of the same band are ignored.
type BollingerReversion struct {
	period int
	k      float64
	qty    float64
}

// NewBollingerReversion builds a BollingerReversion from "period" (20), "k"
// (2) and "qty".
func NewBollingerReversion(p strategy.Params) (strategy.Strategy, error) {
	s := &BollingerReversion{
		period: p.Int("period", 20),
		k:      p.Float("k", 2),
		qty:    p.Float("qty", 0),
	}
	if s.period < 2 {
		return nil, fmt.Errorf("period must be at least 2, got %d", s.period)
	}
	if s.k <= 0 {
		return nil, fmt.Errorf("k must be positive, got %v", s.k)
	}
	return s, nil
}

func (s *BollingerReversion) ID() string    { return BollingerReversionID }
func (s *BollingerReversion) Lookback() int { return s.period }

func (s *BollingerReversion) OnBar(w *window.BarWindow, st *strategy.State) domain.Signal {
	bands, ok := indicator.Bollinger(w, s.period, s.k)
	if !ok {
		return domain.Hold()
	}
	c := w.Last().Close
	last := domain.SignalAction(st.String("last"))

	switch {
	case c < bands.Lower && last != domain.ActionBuy:
		st.SetString("last", string(domain.ActionBuy))
		return domain.Buy(s.qty, fmt.Sprintf("close %.4f below lower band %.4f", c, bands.Lower))
	case c > bands.Upper && last != domain.ActionSell:
		st.SetString("last", string(domain.ActionSell))
		return domain.Sell(s.qty, fmt.Sprintf("close %.4f above upper band %.4f", c, bands.Upper))
	}
	return domain.Hold()
}
