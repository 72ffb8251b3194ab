package quantcore

import "time"

// Health is returned by GET /api/v1/health.
type Health struct {
	Status        string    `json:"status"`
	Subscriptions int       `json:"subscriptions"`
	Events        int       `json:"events"`
	StartedAt     time.Time `json:"started_at"`
}

// Subscription describes one strategy attached to one symbol.
type Subscription struct {
	Strategy string             `json:"strategy"`
	Symbol   string             `json:"symbol"`
	State    string             `json:"state"`
	Bars     int                `json:"bars"`
	Error    string             `json:"error,omitempty"`
	Params   map[string]float64 `json:"params,omitempty"`
	Memory   map[string]any     `json:"memory,omitempty"`
}

// SubscribeRequest is the body of POST /api/v1/subscriptions.
type SubscribeRequest struct {
	Strategy string             `json:"strategy"`
	Symbol   string             `json:"symbol"`
	Params   map[string]float64 `json:"params,omitempty"`
}

// Position is a holding with its mark.
type Position struct {
	Symbol        string  `json:"symbol"`
	Qty           float64 `json:"qty"`
	AvgCost       float64 `json:"avg_cost"`
	RealizedPnL   float64 `json:"realized_pnl"`
	MarkPrice     float64 `json:"mark_price"`
	MarketValue   float64 `json:"market_value"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
}

// Account summarizes funds. Source is "ledger" or the broker name.
type Account struct {
	Source      string  `json:"source"`
	Cash        float64 `json:"cash"`
	Equity      float64 `json:"equity"`
	MarketValue float64 `json:"market_value"`
	RealizedPnL float64 `json:"realized_pnl"`
	BuyingPower float64 `json:"buying_power,omitempty"`
}

// Intent is an order intent emitted by the engine.
type Intent struct {
	ID        string    `json:"id"`
	Symbol    string    `json:"symbol"`
	Side      string    `json:"side"`
	Qty       float64   `json:"qty"`
	PriceHint float64   `json:"price_hint"`
	Strategy  string    `json:"strategy"`
	Timestamp time.Time `json:"timestamp"`
}

// Fill is an executed intent.
type Fill struct {
	IntentID  string    `json:"intent_id"`
	Symbol    string    `json:"symbol"`
	Side      string    `json:"side"`
	Qty       float64   `json:"qty"`
	Price     float64   `json:"price"`
	Fees      float64   `json:"fees"`
	Strategy  string    `json:"strategy"`
	Timestamp time.Time `json:"timestamp"`
}

// EquityPoint is one point of the equity curve.
type EquityPoint struct {
	Timestamp   time.Time `json:"timestamp"`
	Cash        float64   `json:"cash"`
	MarketValue float64   `json:"market_value"`
	Equity      float64   `json:"equity"`
}

// SubscriptionError is a failure recorded against a subscription.
type SubscriptionError struct {
	Strategy string    `json:"strategy"`
	Symbol   string    `json:"symbol"`
	Error    string    `json:"error"`
	Time     time.Time `json:"time"`
}

// Report holds the headline performance figures of a session.
type Report struct {
	Start        time.Time `json:"start"`
	End          time.Time `json:"end"`
	InitialCash  float64   `json:"initial_cash"`
	FinalEquity  float64   `json:"final_equity"`
	TotalReturn  float64   `json:"total_return"`
	MaxDrawdown  float64   `json:"max_drawdown"`
	SharpeRatio  float64   `json:"sharpe_ratio"`
	Fills        int       `json:"fills"`
	Trades       int       `json:"trades"`
	WinRate      float64   `json:"win_rate"`
	ProfitFactor float64   `json:"profit_factor"`
	RealizedPnL  float64   `json:"realized_pnl"`
	TotalFees    float64   `json:"total_fees"`
}

// Event is one message of the /ws/events stream.
type Event struct {
	Seq    int64   `json:"seq"`
	Kind   string  `json:"kind"`
	Intent *Intent `json:"intent,omitempty"`
	Fill   *Fill   `json:"fill,omitempty"`
}
