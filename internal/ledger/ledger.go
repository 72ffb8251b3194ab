// Package ledger tracks cash, positions and marks for one trading account and
// decides whether a proposed order fits the account's risk limits.
//
// All reads and writes go through one mutex. Reserve holds the cash and
// exposure of an admitted order while it is at the sink, without holding the
// mutex, so two decisions can never both spend the same cash and a slow
// order never blocks other instruments.
package ledger

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"quantcore/internal/domain"
)

// epsilon absorbs float dust when comparing quantities and cash.
const epsilon = 1e-9

// FeeFunc estimates the commission charged for a trade.
type FeeFunc func(side domain.Side, qty, price float64) float64

// Config holds the ledger's risk limits.
type Config struct {
	// MaxPctPerInstrument caps the absolute value of any single position as
	// a fraction of total equity. Zero or negative means 1.0.
	MaxPctPerInstrument float64 `yaml:"max_pct_per_instrument"`

	// ShortSellingEnabled allows sells beyond the held quantity.
	ShortSellingEnabled bool `yaml:"short_selling_enabled"`

	// Fees estimates commission for affordability checks. Nil means free.
	Fees FeeFunc `yaml:"-"`
}

func (c Config) maxPct() float64 {
	if c.MaxPctPerInstrument <= 0 {
		return 1
	}
	return c.MaxPctPerInstrument
}

func (c Config) fee(side domain.Side, qty, price float64) float64 {
	if c.Fees == nil {
		return 0
	}
	return c.Fees(side, qty, price)
}

// Ledger is the account's book of record.
type Ledger struct {
	mu        sync.Mutex
	cfg       Config
	cash      float64
	positions map[string]*domain.Position
	marks     map[string]float64

	// Orders admitted by Reserve that are still at the sink.
	holds  map[int64]hold
	nextID int64
}

// hold is the reservation of one in-flight order.
type hold struct {
	symbol string
	side   domain.Side
	qty    float64
	cost   float64 // cash set aside, buys only
}

// New returns a ledger holding only cash.
func New(cash float64, cfg Config) *Ledger {
	return &Ledger{
		cfg:       cfg,
		cash:      cash,
		positions: make(map[string]*domain.Position),
		marks:     make(map[string]float64),
		holds:     make(map[int64]hold),
	}
}

// Config returns the ledger's configuration.
func (l *Ledger) Config() Config { return l.cfg }

// ---------------------------------------------------------------------------
// Affordability
// ---------------------------------------------------------------------------

// CanAfford reports why intent may not be executed, or nil if it may. The
// price used is intent.PriceHint.
func (l *Ledger) CanAfford(intent domain.OrderIntent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.canAfford(intent.Symbol, intent.Side, intent.Qty, intent.PriceHint)
}

// CanAffordOK is CanAfford reduced to a boolean.
func (l *Ledger) CanAffordOK(intent domain.OrderIntent) bool {
	return l.CanAfford(intent) == nil
}

func (l *Ledger) canAfford(symbol string, side domain.Side, qty, price float64) error {
	if qty <= 0 || price <= 0 {
		return &domain.InvalidStateError{Symbol: symbol, Reason: fmt.Sprintf("non-positive qty %v or price %v", qty, price)}
	}

	pendBuy, pendSell := l.pending(symbol)
	held := l.held(symbol)
	if side == domain.SideSell && !l.cfg.ShortSellingEnabled && held-pendSell-qty < -epsilon {
		return &domain.InvalidStateError{
			Symbol: symbol,
			Reason: fmt.Sprintf("sell %v exceeds held %v (%v pending) with short selling disabled", qty, held, pendSell),
		}
	}

	// Exposure counts in-flight orders as if filled.
	base := held + pendBuy - pendSell
	after := base + qty
	if side == domain.SideSell {
		after = base - qty
	}

	// Reducing exposure is always allowed by the allocation limit.
	if math.Abs(after) > math.Abs(base)+epsilon {
		limit := l.cfg.maxPct() * l.totalEquity()
		projected := math.Abs(after) * price
		if projected > limit+epsilon {
			return &domain.AllocationLimitError{Symbol: symbol, Projected: projected, Limit: limit}
		}
	}

	if side == domain.SideBuy {
		need := qty*price + l.cfg.fee(side, qty, price)
		if have := l.available(); need > have+epsilon {
			return &domain.InsufficientFundsError{Symbol: symbol, Need: need, Have: have}
		}
	}
	return nil
}

// MaxAffordable returns the largest multiple of lot that passes CanAfford at
// price. A lot of zero or less is treated as 1.
func (l *Ledger) MaxAffordable(symbol string, side domain.Side, price, lot float64) float64 {
	if price <= 0 {
		return 0
	}
	if lot <= 0 {
		lot = 1
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	pendBuy, pendSell := l.pending(symbol)
	held := l.held(symbol)
	base := held + pendBuy - pendSell
	headroom := l.cfg.maxPct() * math.Max(l.totalEquity(), 0) / price

	var bound float64
	switch {
	case side == domain.SideBuy:
		bound = math.Max(-base, 0) + headroom
	case l.cfg.ShortSellingEnabled:
		bound = math.Max(base, 0) + headroom
	default:
		bound = math.Max(held-pendSell, 0)
	}

	// Failure is monotone in qty, so binary search over whole lots.
	lo, hi := int64(0), int64(math.Floor(bound/lot+epsilon))+1
	for lo < hi {
		mid := lo + (hi-lo+1)/2
		if l.canAfford(symbol, side, float64(mid)*lot, price) == nil {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return float64(lo) * lot
}

// Reserve checks intent and sets its cash and exposure aside, then hands it
// to submit without holding the lock and applies the returned fill. The
// reservation is released whatever submit returns. A fill with zero
// quantity is returned without touching the ledger.
func (l *Ledger) Reserve(intent domain.OrderIntent, submit func(domain.OrderIntent) (domain.Fill, error)) (domain.Fill, error) {
	l.mu.Lock()
	if err := l.canAfford(intent.Symbol, intent.Side, intent.Qty, intent.PriceHint); err != nil {
		l.mu.Unlock()
		return domain.Fill{}, err
	}
	h := hold{symbol: intent.Symbol, side: intent.Side, qty: intent.Qty}
	if intent.Side == domain.SideBuy {
		h.cost = intent.Qty*intent.PriceHint + l.cfg.fee(intent.Side, intent.Qty, intent.PriceHint)
	}
	l.nextID++
	id := l.nextID
	l.holds[id] = h
	l.mu.Unlock()

	fill, err := submit(intent)

	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.holds, id)
	if err != nil {
		return domain.Fill{}, err
	}
	if fill.Qty <= 0 {
		return fill, nil
	}
	if err := l.applyFill(fill); err != nil {
		return domain.Fill{}, err
	}
	return fill, nil
}

// pending sums the quantities of symbol's in-flight buys and sells.
func (l *Ledger) pending(symbol string) (buy, sell float64) {
	for _, h := range l.holds {
		if h.symbol != symbol {
			continue
		}
		if h.side == domain.SideBuy {
			buy += h.qty
		} else {
			sell += h.qty
		}
	}
	return buy, sell
}

// available is cash minus what in-flight buys have set aside.
func (l *Ledger) available() float64 {
	cash := l.cash
	for _, h := range l.holds {
		cash -= h.cost
	}
	return cash
}

// Pending returns the number of orders admitted by Reserve that are still
// at the sink.
func (l *Ledger) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.holds)
}

// ---------------------------------------------------------------------------
// Mutation
// ---------------------------------------------------------------------------

// ApplyFill records an executed trade. It is the only way positions and
// cash change. On error the ledger is unchanged.
func (l *Ledger) ApplyFill(fill domain.Fill) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.applyFill(fill)
}

func (l *Ledger) applyFill(f domain.Fill) error {
	if f.Qty <= 0 || f.Price <= 0 {
		return &domain.InvalidStateError{Symbol: f.Symbol, Reason: fmt.Sprintf("fill with qty %v price %v", f.Qty, f.Price)}
	}

	cur := domain.Position{Symbol: f.Symbol}
	if p, ok := l.positions[f.Symbol]; ok {
		cur = *p
	}
	next := cur
	cash := l.cash

	switch f.Side {
	case domain.SideBuy:
		cost := f.Qty*f.Price + f.Fees
		if !l.cfg.ShortSellingEnabled && cost > cash+epsilon {
			return &domain.InsufficientFundsError{Symbol: f.Symbol, Need: cost, Have: cash}
		}
		cash -= cost
		if cur.Qty >= 0 {
			next.AvgCost = (cur.Qty*cur.AvgCost + f.Qty*f.Price) / (cur.Qty + f.Qty)
		} else {
			covered := math.Min(f.Qty, -cur.Qty)
			next.RealizedPnL += (cur.AvgCost - f.Price) * covered
			if f.Qty > covered {
				next.AvgCost = f.Price
			}
		}
		next.Qty = cur.Qty + f.Qty

	case domain.SideSell:
		if !l.cfg.ShortSellingEnabled && f.Qty > cur.Qty+epsilon {
			return &domain.InvalidStateError{
				Symbol: f.Symbol,
				Reason: fmt.Sprintf("sell %v exceeds held %v with short selling disabled", f.Qty, cur.Qty),
			}
		}
		cash += f.Qty*f.Price - f.Fees
		if cur.Qty <= 0 {
			short := -cur.Qty
			next.AvgCost = (short*cur.AvgCost + f.Qty*f.Price) / (short + f.Qty)
		} else {
			closed := math.Min(f.Qty, cur.Qty)
			next.RealizedPnL += (f.Price - cur.AvgCost) * closed
			if f.Qty > closed {
				next.AvgCost = f.Price
			}
		}
		next.Qty = cur.Qty - f.Qty

	default:
		return &domain.InvalidStateError{Symbol: f.Symbol, Reason: fmt.Sprintf("unknown side %q", f.Side)}
	}

	next.RealizedPnL -= f.Fees
	if math.Abs(next.Qty) < epsilon {
		next.Qty = 0
	}

	l.cash = cash
	l.positions[f.Symbol] = &next
	l.marks[f.Symbol] = f.Price
	return nil
}

// Mark sets the valuation price of symbol.
func (l *Ledger) Mark(symbol string, price float64) {
	if price <= 0 {
		return
	}
	l.mu.Lock()
	l.marks[symbol] = price
	l.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

// Cash returns available cash.
func (l *Ledger) Cash() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cash
}

// Held returns the signed quantity held of symbol.
func (l *Ledger) Held(symbol string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held(symbol)
}

func (l *Ledger) held(symbol string) float64 {
	if p, ok := l.positions[symbol]; ok {
		return p.Qty
	}
	return 0
}

// Position returns a copy of the position record for symbol.
func (l *Ledger) Position(symbol string) (domain.Position, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.positions[symbol]
	if !ok {
		return domain.Position{}, false
	}
	return *p, true
}

// Positions returns copies of all position records sorted by symbol,
// including flat ones.
func (l *Ledger) Positions() []domain.Position {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.Position, 0, len(l.positions))
	for _, p := range l.positions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// MarkPrice returns the last valuation price for symbol.
func (l *Ledger) MarkPrice(symbol string) (float64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.marks[symbol]
	return m, ok
}

// MarketValue returns the signed sum of qty * mark over all positions.
func (l *Ledger) MarketValue() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.marketValue()
}

func (l *Ledger) marketValue() float64 {
	var v float64
	for sym, p := range l.positions {
		mark, ok := l.marks[sym]
		if !ok {
			mark = p.AvgCost
		}
		v += p.Qty * mark
	}
	return v
}

// TotalEquity returns cash plus market value.
func (l *Ledger) TotalEquity() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.totalEquity()
}

func (l *Ledger) totalEquity() float64 { return l.cash + l.marketValue() }

// Snapshot returns the equity at ts.
func (l *Ledger) Snapshot(ts time.Time) domain.EquitySnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	mv := l.marketValue()
	return domain.EquitySnapshot{
		Timestamp:   ts,
		Cash:        l.cash,
		MarketValue: mv,
		Equity:      l.cash + mv,
	}
}

// RealizedPnL sums realized profit across all positions.
func (l *Ledger) RealizedPnL() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	var total float64
	for _, p := range l.positions {
		total += p.RealizedPnL
	}
	return total
}
