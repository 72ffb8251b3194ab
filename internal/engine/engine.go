// Package engine turns bars into orders. It dispatches each bar to the
// strategies subscribed to its instrument, sizes their signals against the
// ledger, submits the resulting intents to an order sink and feeds fills
// back into the ledger. The same engine serves backtests and live trading.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"quantcore/internal/broker"
	"quantcore/internal/domain"
	"quantcore/internal/ledger"
	"quantcore/internal/strategy"
	"quantcore/internal/util"
)

// ConflictPolicy decides how signals from several strategies on the same
// instrument and bar are combined.
type ConflictPolicy string

const (
	// PolicyNet nets buy and sell quantities and emits one intent for the
	// remainder, attributed to the first strategy in the net direction.
	PolicyNet ConflictPolicy = "net"
	// PolicyFirst keeps the first non-hold signal in subscription order.
	PolicyFirst ConflictPolicy = "first"
)

// Config is the engine's explicit configuration.
type Config struct {
	Ledger           ledger.Config     `yaml:"ledger"`
	InitialCash      float64           `yaml:"initial_cash"`
	LotSize          float64           `yaml:"lot_size"`
	WindowLength     int               `yaml:"window_length"`
	Commission       broker.Commission `yaml:"commission"`
	MaxDailyLossPct  float64           `yaml:"max_daily_loss_pct"`
	ConflictPolicy   ConflictPolicy    `yaml:"conflict_policy"`
	MaxSubscriptions int               `yaml:"max_subscriptions"`
}

// DefaultConfig returns the configuration used when none is given.
func DefaultConfig() Config {
	return Config{
		Ledger:         ledger.Config{MaxPctPerInstrument: 1},
		InitialCash:    100000,
		LotSize:        1,
		WindowLength:   200,
		ConflictPolicy: PolicyNet,
	}
}

// Validate rejects configurations the engine cannot run with.
func (c Config) Validate() error {
	if c.WindowLength <= 0 {
		return fmt.Errorf("window length must be positive, got %d", c.WindowLength)
	}
	if p := c.Ledger.MaxPctPerInstrument; p <= 0 || p > 1 {
		return fmt.Errorf("max pct per instrument must be in (0, 1], got %v", p)
	}
	if c.LotSize < 0 {
		return fmt.Errorf("lot size must not be negative, got %v", c.LotSize)
	}
	if c.MaxDailyLossPct < 0 || c.MaxDailyLossPct >= 1 {
		return fmt.Errorf("max daily loss pct must be in [0, 1), got %v", c.MaxDailyLossPct)
	}
	switch c.ConflictPolicy {
	case "", PolicyNet, PolicyFirst:
	default:
		return fmt.Errorf("unknown conflict policy %q", c.ConflictPolicy)
	}
	return c.Commission.Validate()
}

// Listener observes intents and fills as the engine produces them. Errors
// are logged and never affect trading.
type Listener interface {
	OnIntent(ctx context.Context, intent domain.OrderIntent) error
	OnFill(ctx context.Context, fill domain.Fill) error
}

// Engine orchestrates strategies, the ledger and an order sink.
type Engine struct {
	cfg      Config
	ledger   *ledger.Ledger
	sink     broker.Sink
	registry *strategy.Registry
	risk     *RiskManager
	errors   *ErrorCollector
	log      *slog.Logger

	mu        sync.RWMutex
	subs      map[domain.SubscriptionKey]*Subscription
	bySymbol  map[string][]*Subscription
	symLocks  map[string]*sync.Mutex
	seq       int
	ids       *util.IDGenerator
	listeners []Listener

	journalMu sync.Mutex
	intents   []domain.OrderIntent
	fills     []domain.Fill
	equity    []domain.EquitySnapshot
}

// New creates an Engine wired with the given dependencies. A nil logger uses
// slog.Default().
func New(cfg Config, l *ledger.Ledger, sink broker.Sink, reg *strategy.Registry, log *slog.Logger) *Engine {
	if cfg.LotSize <= 0 {
		cfg.LotSize = 1
	}
	if cfg.WindowLength <= 0 {
		cfg.WindowLength = DefaultConfig().WindowLength
	}
	if cfg.ConflictPolicy == "" {
		cfg.ConflictPolicy = PolicyNet
	}
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		cfg:      cfg,
		ledger:   l,
		sink:     sink,
		registry: reg,
		risk:     NewRiskManager(cfg.MaxDailyLossPct),
		errors:   NewErrorCollector(),
		log:      log.With("component", "engine"),
		subs:     make(map[domain.SubscriptionKey]*Subscription),
		bySymbol: make(map[string][]*Subscription),
		symLocks: make(map[string]*sync.Mutex),
		ids:      util.NewRandomIDGenerator(),
	}
}

// SetIDGenerator replaces the intent ID source. Backtests use a seeded
// generator so runs are reproducible.
func (e *Engine) SetIDGenerator(g *util.IDGenerator) {
	e.mu.Lock()
	e.ids = g
	e.mu.Unlock()
}

// AddListener registers l for intents and fills.
func (e *Engine) AddListener(l Listener) {
	e.mu.Lock()
	e.listeners = append(e.listeners, l)
	e.mu.Unlock()
}

// Config returns the engine configuration.
func (e *Engine) Config() Config { return e.cfg }

// Ledger returns the ledger the engine trades against.
func (e *Engine) Ledger() *ledger.Ledger { return e.ledger }

// Errors returns the per-subscription error collector.
func (e *Engine) Errors() *ErrorCollector { return e.errors }

// ---------------------------------------------------------------------------
// Subscriptions
// ---------------------------------------------------------------------------

// Subscribe attaches a new instance of strategyID to symbol.
func (e *Engine) Subscribe(strategyID, symbol string, params strategy.Params) (*Subscription, error) {
	key := domain.SubscriptionKey{StrategyID: strategyID, Symbol: symbol}
	if symbol == "" {
		return nil, fmt.Errorf("subscribe %s: empty symbol", key)
	}

	strat, err := e.registry.New(strategyID, params)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", key, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.subs[key]; ok {
		return nil, fmt.Errorf("subscribe %s: already subscribed", key)
	}
	if e.cfg.MaxSubscriptions > 0 && len(e.subs) >= e.cfg.MaxSubscriptions {
		return nil, fmt.Errorf("subscribe %s: limit of %d subscriptions reached", key, e.cfg.MaxSubscriptions)
	}

	e.seq++
	sub := newSubscription(key, e.seq, strat, params, e.cfg.WindowLength, e.log)
	e.subs[key] = sub
	e.bySymbol[symbol] = append(e.bySymbol[symbol], sub)
	if _, ok := e.symLocks[symbol]; !ok {
		e.symLocks[symbol] = &sync.Mutex{}
	}
	sub.log.Info("subscribed", "lookback", strat.Lookback())
	return sub, nil
}

// Unsubscribe closes the subscription for key. Processing already under way
// for its symbol completes first; later bars never reach it.
func (e *Engine) Unsubscribe(key domain.SubscriptionKey) error {
	e.mu.RLock()
	sub, ok := e.subs[key]
	lock := e.symLocks[key.Symbol]
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unsubscribe %s: %w", key, domain.ErrSubscriptionClosed)
	}

	lock.Lock()
	defer lock.Unlock()

	e.mu.Lock()
	delete(e.subs, key)
	list := e.bySymbol[key.Symbol]
	for i, s := range list {
		if s == sub {
			e.bySymbol[key.Symbol] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(e.bySymbol[key.Symbol]) == 0 {
		delete(e.bySymbol, key.Symbol)
	}
	e.mu.Unlock()

	sub.close()
	sub.log.Info("unsubscribed")
	return nil
}

// Subscription returns the active subscription for key.
func (e *Engine) Subscription(key domain.SubscriptionKey) (*Subscription, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.subs[key]
	return s, ok
}

// Subscriptions returns the active subscription keys sorted by symbol then
// strategy.
func (e *Engine) Subscriptions() []domain.SubscriptionKey {
	e.mu.RLock()
	keys := make([]domain.SubscriptionKey, 0, len(e.subs))
	for k := range e.subs {
		keys = append(keys, k)
	}
	e.mu.RUnlock()
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Symbol != keys[j].Symbol {
			return keys[i].Symbol < keys[j].Symbol
		}
		return keys[i].StrategyID < keys[j].StrategyID
	})
	return keys
}

// Symbols returns the sorted instruments with at least one subscription.
func (e *Engine) Symbols() []string {
	e.mu.RLock()
	out := make([]string, 0, len(e.bySymbol))
	for s := range e.bySymbol {
		out = append(out, s)
	}
	e.mu.RUnlock()
	sort.Strings(out)
	return out
}

// HasSymbol reports whether symbol has an active subscription.
func (e *Engine) HasSymbol(symbol string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.bySymbol[symbol]) > 0
}

// subscribers returns the symbol's lock and a copy of its subscriptions in
// subscription order.
func (e *Engine) subscribers(symbol string) (*sync.Mutex, []*Subscription) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.symLocks[symbol], append([]*Subscription(nil), e.bySymbol[symbol]...)
}

// ---------------------------------------------------------------------------
// Bar processing
// ---------------------------------------------------------------------------

// decision is one strategy's sized request for a bar.
type decision struct {
	sub    *Subscription
	signal domain.Signal
	side   domain.Side
	qty    float64
}

// OnBar processes bar for every subscription on its symbol. Errors of
// individual subscriptions go to the ErrorCollector; the returned error is
// only the context's.
func (e *Engine) OnBar(ctx context.Context, bar domain.Bar) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	lock, subs := e.subscribers(bar.Symbol)
	if lock == nil || len(subs) == 0 {
		return nil
	}
	lock.Lock()
	defer lock.Unlock()

	e.ledger.Mark(bar.Symbol, bar.Close)
	e.risk.Observe(bar.Timestamp, e.ledger.TotalEquity())
	price := e.executionPrice(bar)

	var decisions []decision
	for _, sub := range subs {
		sig, err := sub.evaluate(bar)
		if err != nil {
			if !errors.Is(err, domain.ErrSubscriptionClosed) {
				e.failSub(sub, err, bar.Timestamp)
			}
			continue
		}
		if sig.IsHold() {
			sub.transition(StateIdle)
			continue
		}
		sub.log.Debug("signal", "action", sig.Action, "qty", sig.Qty, "reason", sig.Reason)
		side := sig.Side()
		qty, err := e.size(bar.Symbol, side, sig.Qty, price)
		if err != nil {
			e.report(sub, err, bar.Timestamp)
			sub.transition(StateIdle)
			continue
		}
		decisions = append(decisions, decision{sub: sub, signal: sig, side: side, qty: qty})
	}

	for _, d := range e.resolve(decisions) {
		e.execute(ctx, d, bar, price)
	}
	return nil
}

// executionPrice is the sink's quote when it has one, else the close.
func (e *Engine) executionPrice(bar domain.Bar) float64 {
	if q, ok := e.sink.(broker.PriceQuoter); ok {
		if p, ok := q.Quote(bar.Symbol); ok && p > 0 {
			return p
		}
	}
	return bar.Close
}

// size returns min(hint, max affordable) in lots. A hint of zero asks for
// the maximum. Selling a whole held position is allowed even when it is not
// a lot multiple.
func (e *Engine) size(symbol string, side domain.Side, hint, price float64) (float64, error) {
	lot := e.cfg.LotSize
	maxQty := e.ledger.MaxAffordable(symbol, side, price, lot)

	if side == domain.SideSell {
		held := e.ledger.Held(symbol)
		if held > 0 && !e.cfg.Ledger.ShortSellingEnabled && (hint == 0 || hint >= held) {
			return held, nil
		}
	}

	qty := maxQty
	if hint > 0 {
		qty = math.Min(math.Floor(hint/lot)*lot, maxQty)
	}
	if qty > 0 {
		return qty, nil
	}

	// Explain why nothing fits by checking the smallest order.
	trial := hint
	if trial <= 0 || trial > lot {
		trial = lot
	}
	err := e.ledger.CanAfford(domain.OrderIntent{Symbol: symbol, Side: side, Qty: trial, PriceHint: price})
	if err == nil {
		err = &domain.InvalidStateError{Symbol: symbol, Reason: fmt.Sprintf("hint %v below lot size %v", hint, lot)}
	}
	return 0, err
}

// resolve applies the conflict policy to the bar's decisions.
func (e *Engine) resolve(ds []decision) []decision {
	if len(ds) <= 1 {
		return ds
	}

	if e.cfg.ConflictPolicy == PolicyFirst {
		for _, d := range ds[1:] {
			d.sub.log.Debug("signal dropped by conflict policy", "policy", PolicyFirst, "winner", ds[0].sub.key.StrategyID)
			d.sub.transition(StateIdle)
		}
		return ds[:1]
	}

	var buy, sell float64
	var firstBuy, firstSell *decision
	for i := range ds {
		d := &ds[i]
		if d.side == domain.SideBuy {
			buy += d.qty
			if firstBuy == nil {
				firstBuy = d
			}
		} else {
			sell += d.qty
			if firstSell == nil {
				firstSell = d
			}
		}
	}

	var winner *decision
	switch {
	case buy > sell:
		winner = firstBuy
		winner.qty = buy - sell
	case sell > buy:
		winner = firstSell
		winner.qty = sell - buy
	}
	var out []decision
	for i := range ds {
		if winner != nil && ds[i].sub == winner.sub {
			out = append(out, *winner)
			continue
		}
		ds[i].sub.log.Debug("signal netted", "policy", PolicyNet, "buy", buy, "sell", sell)
		ds[i].sub.transition(StateIdle)
	}
	return out
}

// execute turns a decision into an intent, submits it and records the fill.
func (e *Engine) execute(ctx context.Context, d decision, bar domain.Bar, price float64) {
	sub := d.sub
	symbol := bar.Symbol

	// Netting can exceed what a single decision was sized for.
	maxQty := e.ledger.MaxAffordable(symbol, d.side, price, e.cfg.LotSize)
	if held := e.ledger.Held(symbol); d.side == domain.SideSell && !e.cfg.Ledger.ShortSellingEnabled && d.qty >= held {
		maxQty = held
	}
	qty := math.Min(d.qty, maxQty)
	if qty <= 0 {
		e.report(sub, &domain.InsufficientFundsError{Symbol: symbol, Need: d.qty * price, Have: e.ledger.Cash()}, bar.Timestamp)
		sub.transition(StateIdle)
		return
	}

	e.mu.RLock()
	ids := e.ids
	e.mu.RUnlock()

	intent := domain.OrderIntent{
		ID:         ids.New(bar.Timestamp),
		Symbol:     symbol,
		Side:       d.side,
		Qty:        qty,
		PriceHint:  price,
		StrategyID: sub.key.StrategyID,
		Timestamp:  bar.Timestamp,
	}
	if err := e.risk.CheckOrder(intent, e.ledger.TotalEquity()); err != nil {
		e.report(sub, err, bar.Timestamp)
		sub.transition(StateIdle)
		return
	}

	sub.transition(StateOrderEmitted)
	e.journalMu.Lock()
	e.intents = append(e.intents, intent)
	e.journalMu.Unlock()
	e.notify(func(l Listener) error { return l.OnIntent(ctx, intent) })
	sub.log.Info("order intent", "intent", intent.ID, "side", intent.Side, "qty", intent.Qty,
		"price", intent.PriceHint, "reason", d.signal.Reason)

	fill, err := e.ledger.Reserve(intent, func(i domain.OrderIntent) (domain.Fill, error) {
		return e.sink.Submit(ctx, i)
	})
	if err != nil {
		if domain.IsFatal(err) {
			e.failSub(sub, err, bar.Timestamp)
			return
		}
		e.report(sub, err, bar.Timestamp)
		sub.transition(StateIdle)
		return
	}
	if fill.Qty <= 0 {
		sub.transition(StateIdle)
		return
	}

	e.journalMu.Lock()
	e.fills = append(e.fills, fill)
	e.journalMu.Unlock()
	sub.log.Info("fill", "intent", fill.IntentID, "side", fill.Side, "qty", fill.Qty,
		"price", fill.Price, "fees", fill.Fees)
	e.notify(func(l Listener) error { return l.OnFill(ctx, fill) })
}

func (e *Engine) notify(fn func(Listener) error) {
	e.mu.RLock()
	ls := append([]Listener(nil), e.listeners...)
	e.mu.RUnlock()
	for _, l := range ls {
		if err := fn(l); err != nil {
			e.log.Warn("listener failed", "error", err)
		}
	}
}

// report records a non-terminal subscription error.
func (e *Engine) report(sub *Subscription, err error, ts time.Time) {
	if domain.IsBusinessError(err) {
		sub.log.Warn("order dropped", "error", err)
	} else {
		sub.log.Error("order failed", "error", err)
	}
	e.errors.Add(sub.key, err, ts)
}

// failSub terminates sub with err.
func (e *Engine) failSub(sub *Subscription, err error, ts time.Time) {
	sub.log.Warn("subscription failed", "error", err)
	sub.fail(err)
	e.errors.Add(sub.key, err, ts)
}

// Warmup seeds the windows and strategy state of symbol's subscriptions with
// history. Signals are discarded and no orders are placed.
func (e *Engine) Warmup(symbol string, bars []domain.Bar) error {
	lock, subs := e.subscribers(symbol)
	if lock == nil {
		return nil
	}
	lock.Lock()
	defer lock.Unlock()
	for _, sub := range subs {
		for _, b := range bars {
			if err := sub.warm(b); err != nil {
				return fmt.Errorf("warmup %s: %w", sub.key, err)
			}
		}
	}
	if n := len(bars); n > 0 {
		e.ledger.Mark(symbol, bars[n-1].Close)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Journal
// ---------------------------------------------------------------------------

// RecordEquity appends the ledger's equity at ts to the equity curve. A
// second snapshot for the same timestamp replaces the first.
func (e *Engine) RecordEquity(ts time.Time) domain.EquitySnapshot {
	snap := e.ledger.Snapshot(ts)
	e.journalMu.Lock()
	defer e.journalMu.Unlock()
	if n := len(e.equity); n > 0 && e.equity[n-1].Timestamp.Equal(ts) {
		e.equity[n-1] = snap
	} else {
		e.equity = append(e.equity, snap)
	}
	return snap
}

// Fills returns the executed fills in order.
func (e *Engine) Fills() []domain.Fill {
	e.journalMu.Lock()
	defer e.journalMu.Unlock()
	return append([]domain.Fill(nil), e.fills...)
}

// Intents returns the submitted intents in order.
func (e *Engine) Intents() []domain.OrderIntent {
	e.journalMu.Lock()
	defer e.journalMu.Unlock()
	return append([]domain.OrderIntent(nil), e.intents...)
}

// EquityCurve returns the recorded equity snapshots in order.
func (e *Engine) EquityCurve() []domain.EquitySnapshot {
	e.journalMu.Lock()
	defer e.journalMu.Unlock()
	return append([]domain.EquitySnapshot(nil), e.equity...)
}
