package builtins

import (
	"fmt"

	"quantcore/internal/domain"
	"quantcore/internal/indicator"
	"quantcore/internal/strategy"
	"quantcore/internal/window"
)

var _ strategy.Strategy = (*MACrossover)(nil)

// MACrossover trades golden and death crosses of a fast SMA over a slow SMA.
// Unlike SMACross it needs an observed crossing: the first evaluable bar
// only records which side the fast average is on.
type MACrossover struct {
	fast int
	slow int
	qty  float64
}

// NewMACrossover builds an MACrossover from "fast" (10), "slow" (30) and
// "qty".
func NewMACrossover(p strategy.Params) (strategy.Strategy, error) {
	s := &MACrossover{
		fast: p.Int("fast", 10),
		slow: p.Int("slow", 30),
		qty:  p.Float("qty", 0),
	}
	if s.fast < 1 || s.slow <= s.fast {
		return nil, fmt.Errorf("need 0 < fast < slow, got fast=%d slow=%d", s.fast, s.slow)
	}
	return s, nil
}

func (s *MACrossover) ID() string    { return MACrossoverID }
func (s *MACrossover) Lookback() int { return s.slow }

func (s *MACrossover) OnBar(w *window.BarWindow, st *strategy.State) domain.Signal {
	fast, ok := indicator.SMA(w, s.fast)
	if !ok {
		return domain.Hold()
	}
	slow, ok := indicator.SMA(w, s.slow)
	if !ok {
		return domain.Hold()
	}

	side := sideBelow
	if fast > slow {
		side = sideAbove
	}
	prev := st.String(sideKey)
	st.SetString(sideKey, side)

	if prev == "" || prev == side {
		return domain.Hold()
	}
	if side == sideAbove {
		return domain.Buy(s.qty, fmt.Sprintf("golden cross sma(%d)=%.4f > sma(%d)=%.4f", s.fast, fast, s.slow, slow))
	}
	return domain.Sell(s.qty, fmt.Sprintf("death cross sma(%d)=%.4f <= sma(%d)=%.4f", s.fast, fast, s.slow, slow))
}
