package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quantcore/internal/broker"
	"quantcore/internal/domain"
	"quantcore/internal/ledger"
	"quantcore/internal/strategy"
	"quantcore/internal/strategy/builtins"
	"quantcore/internal/util"
	"quantcore/internal/window"
)

var base = time.Date(2024, 3, 4, 14, 30, 0, 0, time.UTC)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// scripted emits the i-th action of its script on the i-th bar it sees.
type scripted struct {
	id     string
	script []domain.SignalAction
	qty    float64
}

func (s *scripted) ID() string    { return s.id }
func (s *scripted) Lookback() int { return 1 }

func (s *scripted) OnBar(_ *window.BarWindow, st *strategy.State) domain.Signal {
	i := st.Bars()
	if i >= len(s.script) {
		return domain.Hold()
	}
	switch s.script[i] {
	case domain.ActionBuy:
		return domain.Buy(s.qty, "scripted")
	case domain.ActionSell:
		return domain.Sell(s.qty, "scripted")
	}
	return domain.Hold()
}

func register(t *testing.T, reg *strategy.Registry, id string, script ...domain.SignalAction) {
	t.Helper()
	require.NoError(t, reg.Register(id, func(p strategy.Params) (strategy.Strategy, error) {
		return &scripted{id: id, script: script, qty: p.Float("qty", 0)}, nil
	}))
}

// funcSink adapts a function to broker.Sink.
type funcSink func(domain.OrderIntent) (domain.Fill, error)

func (f funcSink) Name() string { return "func" }
func (f funcSink) Submit(_ context.Context, i domain.OrderIntent) (domain.Fill, error) {
	return f(i)
}

func fillAtHint(i domain.OrderIntent) (domain.Fill, error) {
	return domain.Fill{IntentID: i.ID, Symbol: i.Symbol, Side: i.Side, Qty: i.Qty,
		Price: i.PriceHint, StrategyID: i.StrategyID, Timestamp: i.Timestamp}, nil
}

type fixture struct {
	engine *Engine
	ledger *ledger.Ledger
	reg    *strategy.Registry
}

func newFixture(cfg Config, sink broker.Sink) *fixture {
	l := ledger.New(cfg.InitialCash, cfg.Ledger)
	reg := strategy.NewRegistry()
	e := New(cfg, l, sink, reg, quiet())
	e.SetIDGenerator(util.NewIDGenerator(1))
	return &fixture{engine: e, ledger: l, reg: reg}
}

func testConfig(cash float64) Config {
	cfg := DefaultConfig()
	cfg.InitialCash = cash
	return cfg
}

func bar(sym string, i int, close float64) domain.Bar {
	return domain.Bar{Symbol: sym, Timestamp: base.Add(time.Duration(i) * time.Minute),
		Open: close, High: close, Low: close, Close: close, Volume: 1000}
}

func feed(t *testing.T, e *Engine, bars ...domain.Bar) {
	t.Helper()
	for _, b := range bars {
		require.NoError(t, e.OnBar(context.Background(), b))
	}
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	cases := map[string]func(*Config){
		"window":     func(c *Config) { c.WindowLength = 0 },
		"pct zero":   func(c *Config) { c.Ledger.MaxPctPerInstrument = 0 },
		"pct above":  func(c *Config) { c.Ledger.MaxPctPerInstrument = 1.5 },
		"lot":        func(c *Config) { c.LotSize = -1 },
		"daily loss": func(c *Config) { c.MaxDailyLossPct = 1 },
		"policy":     func(c *Config) { c.ConflictPolicy = "vote" },
		"commission": func(c *Config) { c.Commission.Pct = -0.1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestSubscribeValidation(t *testing.T) {
	cfg := testConfig(1000)
	cfg.MaxSubscriptions = 2
	f := newFixture(cfg, funcSink(fillAtHint))
	register(t, f.reg, "a")
	register(t, f.reg, "b")

	_, err := f.engine.Subscribe("a", "", nil)
	assert.Error(t, err)
	_, err = f.engine.Subscribe("missing", "X", nil)
	assert.Error(t, err)

	sub, err := f.engine.Subscribe("a", "X", nil)
	require.NoError(t, err)
	assert.Equal(t, StateIdle, sub.State())
	_, err = f.engine.Subscribe("a", "X", nil)
	assert.Error(t, err, "duplicate key")

	_, err = f.engine.Subscribe("b", "X", nil)
	require.NoError(t, err)
	_, err = f.engine.Subscribe("a", "Y", nil)
	assert.Error(t, err, "subscription cap")

	assert.Equal(t, []domain.SubscriptionKey{{StrategyID: "a", Symbol: "X"}, {StrategyID: "b", Symbol: "X"}}, f.engine.Subscriptions())
	assert.Equal(t, []string{"X"}, f.engine.Symbols())
}

func TestBuyThenSell(t *testing.T) {
	f := newFixture(testConfig(1000), funcSink(fillAtHint))
	register(t, f.reg, "s", domain.ActionBuy, domain.ActionHold, domain.ActionSell)
	sub, err := f.engine.Subscribe("s", "X", nil)
	require.NoError(t, err)

	feed(t, f.engine, bar("X", 0, 10))
	assert.Equal(t, StateOrderEmitted, sub.State())
	assert.Equal(t, 100.0, f.ledger.Held("X"), "qty 0 buys the maximum")

	feed(t, f.engine, bar("X", 1, 11))
	assert.Equal(t, StateIdle, sub.State())

	feed(t, f.engine, bar("X", 2, 12))
	assert.Zero(t, f.ledger.Held("X"))
	assert.InDelta(t, 1200, f.ledger.Cash(), 1e-9)

	fills := f.engine.Fills()
	require.Len(t, fills, 2)
	assert.Equal(t, domain.SideBuy, fills[0].Side)
	assert.Equal(t, domain.SideSell, fills[1].Side)
	assert.Equal(t, "s", fills[0].StrategyID)

	intents := f.engine.Intents()
	require.Len(t, intents, 2)
	ts, err := util.IDTime(intents[0].ID)
	require.NoError(t, err)
	assert.True(t, ts.Equal(base), "intent ids carry the bar time")
	assert.Zero(t, f.engine.Errors().Len())
}

func TestBarsForOtherSymbolsIgnored(t *testing.T) {
	f := newFixture(testConfig(1000), funcSink(fillAtHint))
	register(t, f.reg, "s", domain.ActionBuy)
	_, err := f.engine.Subscribe("s", "X", nil)
	require.NoError(t, err)

	feed(t, f.engine, bar("Y", 0, 10))
	assert.Empty(t, f.engine.Intents())
	_, ok := f.ledger.MarkPrice("Y")
	assert.False(t, ok)
}

func TestDataGapFailsOnlyThatSubscription(t *testing.T) {
	f := newFixture(testConfig(1000), funcSink(fillAtHint))
	register(t, f.reg, "a")
	register(t, f.reg, "b")

	a, err := f.engine.Subscribe("a", "X", nil)
	require.NoError(t, err)
	feed(t, f.engine, bar("X", 5, 10))

	b, err := f.engine.Subscribe("b", "X", nil)
	require.NoError(t, err)

	// An earlier bar is a gap for a's window but b has seen nothing yet.
	feed(t, f.engine, bar("X", 4, 10), bar("X", 6, 10))

	assert.Equal(t, StateFailed, a.State())
	assert.ErrorIs(t, a.Err(), domain.ErrDataGap)
	assert.Len(t, f.engine.Errors().For(a.Key()), 1)
	assert.Len(t, a.Bars(), 1)

	assert.Equal(t, StateIdle, b.State())
	assert.Len(t, b.Bars(), 2)
	assert.Empty(t, f.engine.Errors().For(b.Key()))
}

func TestUnsubscribe(t *testing.T) {
	f := newFixture(testConfig(1000), funcSink(fillAtHint))
	register(t, f.reg, "s", domain.ActionHold, domain.ActionBuy)
	sub, err := f.engine.Subscribe("s", "X", nil)
	require.NoError(t, err)
	feed(t, f.engine, bar("X", 0, 10))

	require.NoError(t, f.engine.Unsubscribe(sub.Key()))
	assert.Equal(t, StateClosed, sub.State())
	assert.False(t, f.engine.HasSymbol("X"))

	feed(t, f.engine, bar("X", 1, 10))
	assert.Empty(t, f.engine.Intents())
	assert.Len(t, sub.Bars(), 1)

	assert.ErrorIs(t, f.engine.Unsubscribe(sub.Key()), domain.ErrSubscriptionClosed)

	// The key can be reused with a fresh instance.
	again, err := f.engine.Subscribe("s", "X", nil)
	require.NoError(t, err)
	assert.Empty(t, again.Bars())
}

func netFixture(t *testing.T, policy ConflictPolicy) (*fixture, *Subscription, *Subscription) {
	t.Helper()
	cfg := testConfig(100000)
	cfg.ConflictPolicy = policy
	f := newFixture(cfg, funcSink(fillAtHint))
	require.NoError(t, f.ledger.ApplyFill(domain.Fill{Symbol: "X", Side: domain.SideBuy, Qty: 20, Price: 10}))
	register(t, f.reg, "a", domain.ActionBuy)
	register(t, f.reg, "b", domain.ActionSell)
	a, err := f.engine.Subscribe("a", "X", strategy.Params{"qty": 10})
	require.NoError(t, err)
	b, err := f.engine.Subscribe("b", "X", strategy.Params{"qty": 4})
	require.NoError(t, err)
	return f, a, b
}

func TestConflictNet(t *testing.T) {
	f, a, b := netFixture(t, PolicyNet)
	feed(t, f.engine, bar("X", 0, 10))

	intents := f.engine.Intents()
	require.Len(t, intents, 1)
	assert.Equal(t, "a", intents[0].StrategyID)
	assert.Equal(t, domain.SideBuy, intents[0].Side)
	assert.Equal(t, 6.0, intents[0].Qty)
	assert.Equal(t, 26.0, f.ledger.Held("X"))
	assert.Equal(t, StateOrderEmitted, a.State())
	assert.Equal(t, StateIdle, b.State())
}

func TestConflictFirst(t *testing.T) {
	f, _, b := netFixture(t, PolicyFirst)
	feed(t, f.engine, bar("X", 0, 10))

	intents := f.engine.Intents()
	require.Len(t, intents, 1)
	assert.Equal(t, "a", intents[0].StrategyID)
	assert.Equal(t, 10.0, intents[0].Qty)
	assert.Equal(t, StateIdle, b.State())
}

func TestConflictCancelsOut(t *testing.T) {
	cfg := testConfig(100000)
	f := newFixture(cfg, funcSink(fillAtHint))
	require.NoError(t, f.ledger.ApplyFill(domain.Fill{Symbol: "X", Side: domain.SideBuy, Qty: 20, Price: 10}))
	register(t, f.reg, "a", domain.ActionBuy)
	register(t, f.reg, "b", domain.ActionSell)
	_, err := f.engine.Subscribe("a", "X", strategy.Params{"qty": 5})
	require.NoError(t, err)
	_, err = f.engine.Subscribe("b", "X", strategy.Params{"qty": 5})
	require.NoError(t, err)

	feed(t, f.engine, bar("X", 0, 10))
	assert.Empty(t, f.engine.Intents())
	assert.Equal(t, 20.0, f.ledger.Held("X"))
}

func TestSizingInLots(t *testing.T) {
	cfg := testConfig(1000)
	cfg.LotSize = 10
	f := newFixture(cfg, funcSink(fillAtHint))
	register(t, f.reg, "hint", domain.ActionBuy)
	register(t, f.reg, "max", domain.ActionHold, domain.ActionBuy)
	_, err := f.engine.Subscribe("hint", "X", strategy.Params{"qty": 25})
	require.NoError(t, err)
	_, err = f.engine.Subscribe("max", "X", nil)
	require.NoError(t, err)

	feed(t, f.engine, bar("X", 0, 10))
	assert.Equal(t, 20.0, f.ledger.Held("X"), "hint rounded down to whole lots")

	// 800 cash left at 30 fits two lots only.
	feed(t, f.engine, bar("X", 1, 30))
	assert.Equal(t, 40.0, f.ledger.Held("X"))
}

func TestSellClosesOddLotPosition(t *testing.T) {
	cfg := testConfig(1000)
	cfg.LotSize = 10
	f := newFixture(cfg, funcSink(fillAtHint))
	require.NoError(t, f.ledger.ApplyFill(domain.Fill{Symbol: "X", Side: domain.SideBuy, Qty: 7, Price: 10}))
	register(t, f.reg, "s", domain.ActionSell)
	_, err := f.engine.Subscribe("s", "X", nil)
	require.NoError(t, err)

	feed(t, f.engine, bar("X", 0, 12))
	assert.Zero(t, f.ledger.Held("X"))
	require.Len(t, f.engine.Fills(), 1)
	assert.Equal(t, 7.0, f.engine.Fills()[0].Qty)
}

func TestUnaffordableSignalIsReported(t *testing.T) {
	f := newFixture(testConfig(5), funcSink(fillAtHint))
	register(t, f.reg, "s", domain.ActionBuy, domain.ActionSell)
	sub, err := f.engine.Subscribe("s", "X", nil)
	require.NoError(t, err)

	feed(t, f.engine, bar("X", 0, 10), bar("X", 1, 10))
	assert.Empty(t, f.engine.Intents())
	errs := f.engine.Errors().For(sub.Key())
	require.Len(t, errs, 2)
	assert.True(t, errors.Is(errs[0], domain.ErrAllocationLimitExceeded) || errors.Is(errs[0], domain.ErrInsufficientFunds))
	assert.ErrorIs(t, errs[1], domain.ErrInvalidState)
	assert.Equal(t, StateIdle, sub.State())
}

func TestDailyLossGuard(t *testing.T) {
	cfg := testConfig(2000)
	cfg.MaxDailyLossPct = 0.05
	f := newFixture(cfg, funcSink(fillAtHint))
	require.NoError(t, f.ledger.ApplyFill(domain.Fill{Symbol: "X", Side: domain.SideBuy, Qty: 100, Price: 10}))
	register(t, f.reg, "s", domain.ActionHold, domain.ActionBuy, domain.ActionBuy)
	sub, err := f.engine.Subscribe("s", "X", strategy.Params{"qty": 1})
	require.NoError(t, err)

	feed(t, f.engine, bar("X", 0, 10), bar("X", 60, 8))
	assert.Empty(t, f.engine.Intents())
	errs := f.engine.Errors().For(sub.Key())
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], domain.ErrInvalidState)

	// A new trading day resets the reference equity.
	next := bar("X", 0, 8)
	next.Timestamp = base.AddDate(0, 0, 1)
	feed(t, f.engine, next)
	assert.Len(t, f.engine.Intents(), 1)
	assert.Equal(t, 101.0, f.ledger.Held("X"))
}

func TestSinkRejectionKeepsSubscription(t *testing.T) {
	calls := 0
	sink := funcSink(func(i domain.OrderIntent) (domain.Fill, error) {
		calls++
		if calls == 1 {
			return domain.Fill{}, &domain.SinkRejectedError{IntentID: i.ID, Reason: "halted"}
		}
		return fillAtHint(i)
	})
	f := newFixture(testConfig(1000), sink)
	register(t, f.reg, "s", domain.ActionBuy, domain.ActionBuy)
	sub, err := f.engine.Subscribe("s", "X", strategy.Params{"qty": 1})
	require.NoError(t, err)

	feed(t, f.engine, bar("X", 0, 10))
	assert.Equal(t, StateIdle, sub.State())
	assert.Equal(t, 1000.0, f.ledger.Cash())
	assert.Len(t, f.engine.Intents(), 1, "rejected intents are still journaled")
	assert.Empty(t, f.engine.Fills())

	feed(t, f.engine, bar("X", 1, 10))
	assert.Equal(t, 1.0, f.ledger.Held("X"))
}

func TestFatalSinkFailsSubscription(t *testing.T) {
	sink := funcSink(func(domain.OrderIntent) (domain.Fill, error) {
		return domain.Fill{}, domain.Fatal("submit", errors.New("connection reset"))
	})
	f := newFixture(testConfig(1000), sink)
	register(t, f.reg, "s", domain.ActionBuy, domain.ActionBuy)
	sub, err := f.engine.Subscribe("s", "X", strategy.Params{"qty": 1})
	require.NoError(t, err)

	feed(t, f.engine, bar("X", 0, 10), bar("X", 1, 10))
	assert.Equal(t, StateFailed, sub.State())
	assert.True(t, domain.IsFatal(sub.Err()))
	assert.Len(t, f.engine.Intents(), 1, "failed subscriptions stop receiving bars")
	assert.Equal(t, 1000.0, f.ledger.Cash())
}

func TestZeroFillReturnsToIdle(t *testing.T) {
	sink := funcSink(func(i domain.OrderIntent) (domain.Fill, error) {
		return domain.Fill{IntentID: i.ID, Symbol: i.Symbol, Side: i.Side}, nil
	})
	f := newFixture(testConfig(1000), sink)
	register(t, f.reg, "s", domain.ActionBuy)
	sub, err := f.engine.Subscribe("s", "X", nil)
	require.NoError(t, err)

	feed(t, f.engine, bar("X", 0, 10))
	assert.Equal(t, StateIdle, sub.State())
	assert.Empty(t, f.engine.Fills())
	assert.Equal(t, 1000.0, f.ledger.Cash())
}

type recorder struct {
	mu      sync.Mutex
	intents []domain.OrderIntent
	fills   []domain.Fill
}

func (r *recorder) OnIntent(_ context.Context, i domain.OrderIntent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.intents = append(r.intents, i)
	return errors.New("listener errors are ignored")
}

func (r *recorder) OnFill(_ context.Context, f domain.Fill) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fills = append(r.fills, f)
	return nil
}

func TestListenerNotified(t *testing.T) {
	f := newFixture(testConfig(1000), funcSink(fillAtHint))
	rec := &recorder{}
	f.engine.AddListener(rec)
	register(t, f.reg, "s", domain.ActionBuy)
	_, err := f.engine.Subscribe("s", "X", strategy.Params{"qty": 3})
	require.NoError(t, err)

	feed(t, f.engine, bar("X", 0, 10))
	require.Len(t, rec.intents, 1)
	require.Len(t, rec.fills, 1)
	assert.Equal(t, rec.intents[0].ID, rec.fills[0].IntentID)
	assert.Equal(t, 3.0, f.ledger.Held("X"))
}

func TestWarmupPlacesNoOrders(t *testing.T) {
	f := newFixture(testConfig(1000), funcSink(fillAtHint))
	register(t, f.reg, "s", domain.ActionBuy, domain.ActionBuy, domain.ActionSell)
	sub, err := f.engine.Subscribe("s", "X", nil)
	require.NoError(t, err)

	require.NoError(t, f.engine.Warmup("X", []domain.Bar{bar("X", 0, 10), bar("X", 1, 11)}))
	assert.Len(t, sub.Bars(), 2)
	assert.Empty(t, f.engine.Intents())
	mark, _ := f.ledger.MarkPrice("X")
	assert.Equal(t, 11.0, mark)

	// The script has advanced past both buys.
	feed(t, f.engine, bar("X", 2, 12))
	assert.Empty(t, f.engine.Intents(), "sell with nothing held is dropped")

	assert.Error(t, f.engine.Warmup("X", []domain.Bar{bar("X", 0, 10)}), "warmup bars must follow the window")
}

func TestRecordEquity(t *testing.T) {
	f := newFixture(testConfig(1000), funcSink(fillAtHint))
	f.engine.RecordEquity(base)
	f.engine.RecordEquity(base)
	f.engine.RecordEquity(base.Add(time.Minute))
	curve := f.engine.EquityCurve()
	require.Len(t, curve, 2)
	assert.Equal(t, 1000.0, curve[0].Equity)
}

func TestDeterministicRuns(t *testing.T) {
	closes := []float64{10, 11, 12, 11, 9, 8, 10, 13, 12, 9, 8, 12, 14, 15, 11}
	run := func() ([]domain.OrderIntent, []domain.Fill) {
		f := newFixture(testConfig(10000), funcSink(fillAtHint))
		require.NoError(t, builtins.Register(f.reg))
		_, err := f.engine.Subscribe(builtins.SMACrossID, "X", strategy.Params{"period": 3})
		require.NoError(t, err)
		_, err = f.engine.Subscribe(builtins.BollingerReversionID, "X", strategy.Params{"period": 4, "k": 1, "qty": 5})
		require.NoError(t, err)
		for i, c := range closes {
			feed(t, f.engine, bar("X", i, c))
		}
		return f.engine.Intents(), f.engine.Fills()
	}

	i1, f1 := run()
	i2, f2 := run()
	require.NotEmpty(t, i1)
	assert.Equal(t, i1, i2)
	assert.Equal(t, f1, f2)
}

func TestContextCancelled(t *testing.T) {
	f := newFixture(testConfig(1000), funcSink(fillAtHint))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, f.engine.OnBar(ctx, bar("X", 0, 1)), context.Canceled)
}

func TestSubStateTransitions(t *testing.T) {
	assert.True(t, canTransition(StateIdle, StateAwaitingBar))
	assert.True(t, canTransition(StateOrderEmitted, StateAwaitingBar))
	assert.True(t, canTransition(StateEvaluating, StateFailed))
	assert.False(t, canTransition(StateIdle, StateOrderEmitted))
	assert.False(t, canTransition(StateClosed, StateIdle))
	assert.False(t, canTransition(StateFailed, StateClosed))
	assert.True(t, StateClosed.Terminal())
	assert.Equal(t, "awaiting_bar", StateAwaitingBar.String())
}

func TestRiskManagerNil(t *testing.T) {
	var rm *RiskManager
	assert.NoError(t, rm.CheckOrder(domain.OrderIntent{Side: domain.SideBuy}, 0))
}

func TestSlowSinkDoesNotBlockOtherSymbols(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	sink := funcSink(func(i domain.OrderIntent) (domain.Fill, error) {
		if i.Symbol == "AAA" {
			close(entered)
			<-release
		}
		return fillAtHint(i)
	})
	f := newFixture(testConfig(1000), sink)
	register(t, f.reg, "buy", domain.ActionBuy)
	register(t, f.reg, "idle")
	_, err := f.engine.Subscribe("buy", "AAA", strategy.Params{"qty": 6})
	require.NoError(t, err)
	_, err = f.engine.Subscribe("idle", "BBB", nil)
	require.NoError(t, err)
	_, err = f.engine.Subscribe("buy", "CCC", nil)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- f.engine.OnBar(context.Background(), bar("AAA", 0, 100)) }()
	<-entered

	other := make(chan struct{})
	go func() {
		defer close(other)
		assert.NoError(t, f.engine.OnBar(context.Background(), bar("BBB", 0, 50)))
		// Max-size buy can only use the cash the AAA order has not set aside.
		assert.NoError(t, f.engine.OnBar(context.Background(), bar("CCC", 0, 10)))
	}()
	select {
	case <-other:
	case <-time.After(2 * time.Second):
		t.Fatal("bars for other symbols blocked while an AAA order is at the sink")
	}
	assert.Equal(t, 40.0, f.ledger.Held("CCC"))

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, 6.0, f.ledger.Held("AAA"))
	assert.InDelta(t, 0, f.ledger.Cash(), 1e-9)
	assert.Zero(t, f.engine.Errors().Len())
}
