// Package broker defines the order Sink interface and provides
// implementations for executing order intents against a simulator or a
// brokerage.
package broker

import (
	"context"
	"fmt"

	"quantcore/internal/domain"
)

// Sink accepts sized order intents and reports what was executed.
type Sink interface {
	// Name returns the sink identifier (e.g. "alpaca", "simulator").
	Name() string

	// Submit executes intent and returns the resulting fill. A business
	// refusal is a *domain.SinkRejectedError; connectivity failures are
	// wrapped with domain.Fatal.
	Submit(ctx context.Context, intent domain.OrderIntent) (domain.Fill, error)
}

// PriceQuoter is implemented by sinks that know the price an order would
// execute at before it is submitted.
type PriceQuoter interface {
	Quote(symbol string) (float64, bool)
}

// AccountReader is implemented by sinks backed by a real account.
type AccountReader interface {
	Account(ctx context.Context) (domain.AccountInfo, error)
}

// ---------------------------------------------------------------------------
// Commission
// ---------------------------------------------------------------------------

// Leg selects which trade directions pay commission.
type Leg string

const (
	LegBoth Leg = "both"
	LegBuy  Leg = "buy"
	LegSell Leg = "sell"
)

// Commission is a fixed fee plus a percentage of notional, charged on the
// selected legs.
type Commission struct {
	Fixed float64 `yaml:"fixed"`
	Pct   float64 `yaml:"pct"`
	On    Leg     `yaml:"on"`
}

// Validate rejects negative fees and unknown legs.
func (c Commission) Validate() error {
	if c.Fixed < 0 || c.Pct < 0 {
		return fmt.Errorf("commission must not be negative: fixed=%v pct=%v", c.Fixed, c.Pct)
	}
	switch c.On {
	case "", LegBoth, LegBuy, LegSell:
		return nil
	}
	return fmt.Errorf("unknown commission leg %q", c.On)
}

// Applies reports whether side pays commission. An empty On charges both.
func (c Commission) Applies(side domain.Side) bool {
	switch c.On {
	case LegBuy:
		return side == domain.SideBuy
	case LegSell:
		return side == domain.SideSell
	}
	return true
}

// Fee returns the commission for a trade of qty at price.
func (c Commission) Fee(side domain.Side, qty, price float64) float64 {
	if qty <= 0 || !c.Applies(side) {
		return 0
	}
	return c.Fixed + c.Pct*qty*price
}
