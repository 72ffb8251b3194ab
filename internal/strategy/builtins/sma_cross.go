// Package builtins provides the reference strategy implementations that ship
// with quantcore. They are registered like any user strategy and have no
// special standing in the engine.
package builtins

import (
	"fmt"

	"quantcore/internal/domain"
	"quantcore/internal/indicator"
	"quantcore/internal/strategy"
	"quantcore/internal/window"
)

// Identifiers of the built-in strategies.
const (
	SMACrossID           = "sma-cross"
	MACrossoverID        = "ma-crossover"
	RSIThresholdID       = "rsi-threshold"
	BollingerReversionID = "bollinger-reversion"
)

// Register adds every built-in strategy to reg.
func Register(reg *strategy.Registry) error {
	for id, f := range map[string]strategy.Factory{
		SMACrossID:           NewSMACross,
		MACrossoverID:        NewMACrossover,
		RSIThresholdID:       NewRSIThreshold,
		BollingerReversionID: NewBollingerReversion,
	} {
		if err := reg.Register(id, f); err != nil {
			return err
		}
	}
	return nil
}

// Compile-time interface check.
var _ strategy.Strategy = (*SMACross)(nil)

// side values kept in State under sideKey.
const (
	sideKey   = "side"
	sideAbove = "above"
	sideBelow = "below"
)

// SMACross compares the close with its simple moving average. It buys on the
// bar where the close first sits above the average and sells when it drops
// back to or below it. No further signal is emitted while the close stays on
// the same side.
type SMACross struct {
	period int
	qty    float64
}

// NewSMACross builds an SMACross from params "period" (default 5) and "qty"
// (default 0, meaning the largest allowed quantity).
func NewSMACross(p strategy.Params) (strategy.Strategy, error) {
	s := &SMACross{
		period: p.Int("period", 5),
		qty:    p.Float("qty", 0),
	}
	if s.period < 1 {
		return nil, fmt.Errorf("period must be positive, got %d", s.period)
	}
	if s.qty < 0 {
		return nil, fmt.Errorf("qty must not be negative, got %v", s.qty)
	}
	return s, nil
}

// ID returns "sma-cross".
func (s *SMACross) ID() string { return SMACrossID }

// Lookback returns the moving-average period.
func (s *SMACross) Lookback() int { return s.period }

// OnBar emits a signal when the close changes side relative to the SMA.
func (s *SMACross) OnBar(w *window.BarWindow, st *strategy.State) domain.Signal {
	avg, ok := indicator.SMA(w, s.period)
	if !ok {
		return domain.Hold()
	}

	side := sideBelow
	if w.Last().Close > avg {
		side = sideAbove
	}
	prev := st.String(sideKey)
	st.SetString(sideKey, side)

	switch {
	case side == prev:
		return domain.Hold()
	case side == sideAbove:
		return domain.Buy(s.qty, fmt.Sprintf("close %.4f crossed above sma(%d) %.4f", w.Last().Close, s.period, avg))
	case prev == sideAbove:
		return domain.Sell(s.qty, fmt.Sprintf("close %.4f crossed below sma(%d) %.4f", w.Last().Close, s.period, avg))
	}
	return domain.Hold()
}
