// Package domain defines the core value types shared across the trading
// harness: bars, signals, order intents, fills, positions and equity
// snapshots.
package domain

import (
	"fmt"
	"time"
)

// Market identifies an exchange region.
type Market string

const (
	MarketUS Market = "us"
	MarketHK Market = "hk"
	MarketCN Market = "cn"
)

// Interval identifies the aggregation period of a bar series.
type Interval string

const (
	IntervalMinute Interval = "1M"
	IntervalDaily  Interval = "1D"
	IntervalWeekly Interval = "1W"
)

// Valid reports whether i is one of the supported intervals.
func (i Interval) Valid() bool {
	switch i {
	case IntervalMinute, IntervalDaily, IntervalWeekly:
		return true
	}
	return false
}

// Bar is a single OHLCV record for one instrument over one interval. Bars
// are values and are never mutated after being produced.
type Bar struct {
	Symbol     string
	Timestamp  time.Time
	Open       float64
	High       float64
	Low        float64
	Close      float64
	Volume     int64
	Turnover   float64
	TradeCount int64
	VWAP       float64
}

// Side is the direction of an order or fill.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// SignalAction is a strategy's per-bar decision.
type SignalAction string

const (
	ActionHold SignalAction = "hold"
	ActionBuy  SignalAction = "buy"
	ActionSell SignalAction = "sell"
)

// Signal is returned by a strategy for every bar it evaluates. Qty is a
// hint; zero asks the engine for the largest quantity the ledger allows.
type Signal struct {
	Action SignalAction
	Qty    float64
	Reason string
}

// Hold returns a no-op signal.
func Hold() Signal { return Signal{Action: ActionHold} }

// Buy returns a buy signal with the given quantity hint.
func Buy(qty float64, reason string) Signal {
	return Signal{Action: ActionBuy, Qty: qty, Reason: reason}
}

// Sell returns a sell signal with the given quantity hint.
func Sell(qty float64, reason string) Signal {
	return Signal{Action: ActionSell, Qty: qty, Reason: reason}
}

// IsHold reports whether the signal requests no action.
func (s Signal) IsHold() bool { return s.Action == "" || s.Action == ActionHold }

// Side maps a non-hold signal to an order side.
func (s Signal) Side() Side {
	if s.Action == ActionSell {
		return SideSell
	}
	return SideBuy
}

// OrderIntent is a sized trade request produced by the engine and handed to
// an order sink.
type OrderIntent struct {
	ID         string
	Symbol     string
	Side       Side
	Qty        float64
	PriceHint  float64
	StrategyID string
	Timestamp  time.Time
}

// Notional returns Qty * PriceHint.
func (o OrderIntent) Notional() float64 { return o.Qty * o.PriceHint }

// Fill is the executed (possibly partial) result of an OrderIntent.
type Fill struct {
	IntentID   string
	Symbol     string
	Side       Side
	Qty        float64
	Price      float64
	Fees       float64
	StrategyID string
	Timestamp  time.Time
}

// Notional returns Qty * Price.
func (f Fill) Notional() float64 { return f.Qty * f.Price }

// Position is the holding of one instrument. A zero quantity position is
// kept so that cost basis history survives a full exit.
type Position struct {
	Symbol      string
	Qty         float64
	AvgCost     float64
	RealizedPnL float64
}

// IsLong reports whether the position holds a positive quantity.
func (p Position) IsLong() bool { return p.Qty > 0 }

// IsShort reports whether the position holds a negative quantity.
func (p Position) IsShort() bool { return p.Qty < 0 }

// EquitySnapshot is a point on the equity curve.
type EquitySnapshot struct {
	Timestamp   time.Time
	Cash        float64
	MarketValue float64
	Equity      float64
}

// AccountInfo is a broker-side view of account funds.
type AccountInfo struct {
	Cash        float64
	Equity      float64
	BuyingPower float64
}

// SubscriptionKey identifies one strategy attached to one instrument.
type SubscriptionKey struct {
	StrategyID string
	Symbol     string
}

func (k SubscriptionKey) String() string {
	return fmt.Sprintf("%s/%s", k.StrategyID, k.Symbol)
}
