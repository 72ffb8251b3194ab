// Package backtest replays historical bars through the engine against the
// simulator sink and summarizes the run.
package backtest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gopkg.in/yaml.v3"

	"quantcore/internal/broker"
	"quantcore/internal/domain"
	"quantcore/internal/engine"
	"quantcore/internal/ledger"
	"quantcore/internal/market"
	"quantcore/internal/report"
	"quantcore/internal/store"
	"quantcore/internal/strategy"
	"quantcore/internal/util"
)

var _ engine.Listener = (*store.RunRecorder)(nil)

// Subscription attaches one strategy to one symbol for the run.
type Subscription struct {
	Strategy string          `yaml:"strategy"`
	Symbol   string          `yaml:"symbol"`
	Params   strategy.Params `yaml:"params"`
}

// Config describes a backtest.
type Config struct {
	Engine         engine.Config  `yaml:"engine"`
	Subscriptions  []Subscription `yaml:"subscriptions"`
	FillAtNextOpen bool           `yaml:"fill_at_next_open"`
	MaxVolumePct   float64        `yaml:"max_volume_pct"`
	Seed           int64          `yaml:"seed"`
	PeriodsPerYear float64        `yaml:"periods_per_year"`
	WarmupBars     int            `yaml:"warmup_bars"`
}

// Symbols returns the distinct subscribed symbols in first-seen order.
func (c Config) Symbols() []string {
	seen := make(map[string]bool)
	var out []string
	for _, s := range c.Subscriptions {
		if !seen[s.Symbol] {
			seen[s.Symbol] = true
			out = append(out, s.Symbol)
		}
	}
	return out
}

// Result is everything a run produced.
type Result struct {
	RunID     string
	Report    report.Report
	Intents   []domain.OrderIntent
	Fills     []domain.Fill
	Equity    []domain.EquitySnapshot
	Positions []domain.Position
	Errors    []engine.SubscriptionError
}

// Runner executes backtests.
type Runner struct {
	cfg      Config
	registry *strategy.Registry
	journal  store.Journal
	recorder func(runID string) engine.Listener
	log      *slog.Logger
}

// NewRunner creates a Runner. A nil logger uses slog.Default().
func NewRunner(cfg Config, reg *strategy.Registry, log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	return &Runner{cfg: cfg, registry: reg, log: log.With("component", "backtest")}
}

// WithJournal records every run into db.
func (r *Runner) WithJournal(db *store.SQLiteStore) *Runner {
	r.journal = db
	r.recorder = func(runID string) engine.Listener { return db.Recorder(runID) }
	return r
}

// Run replays [start, end] of the subscribed symbols from bs.
func (r *Runner) Run(ctx context.Context, bs store.BarStore, interval domain.Interval, start, end time.Time) (*Result, error) {
	p, err := market.NewStoreProvider(ctx, bs, r.cfg.Symbols(), interval, start, end)
	if err != nil {
		return nil, err
	}
	return r.RunProvider(ctx, p)
}

// RunBars replays bars, which may interleave several symbols. Bars are
// merged into timestamp order first.
func (r *Runner) RunBars(ctx context.Context, bars []domain.Bar) (*Result, error) {
	return r.RunProvider(ctx, market.NewSliceProvider(market.Merge(bars)))
}

// RunProvider replays p, which must deliver bars in timestamp order. The
// first WarmupBars bars of each symbol only seed the strategies.
func (r *Runner) RunProvider(ctx context.Context, p market.Provider) (*Result, error) {
	cfg := r.cfg
	if err := cfg.Engine.Validate(); err != nil {
		return nil, fmt.Errorf("invalid engine config: %w", err)
	}
	if len(cfg.Subscriptions) == 0 {
		return nil, fmt.Errorf("backtest needs at least one subscription")
	}

	bars := newReplay(p)
	first, ok, err := bars.peek(ctx)
	if err != nil {
		return nil, err
	}
	ids := util.NewIDGenerator(cfg.Seed)
	runStart := time.Now()
	if ok {
		runStart = first.Timestamp
	}
	runID := ids.New(runStart)

	lcfg := cfg.Engine.Ledger
	lcfg.Fees = cfg.Engine.Commission.Fee
	l := ledger.New(cfg.Engine.InitialCash, lcfg)
	sim := broker.NewSimulator(broker.SimulatorConfig{
		Commission:     cfg.Engine.Commission,
		FillAtNextOpen: cfg.FillAtNextOpen,
		MaxVolumePct:   cfg.MaxVolumePct,
		LotSize:        cfg.Engine.LotSize,
	})
	log := r.log.With("run", runID)
	e := engine.New(cfg.Engine, l, sim, r.registry, log)
	e.SetIDGenerator(ids)

	for _, s := range cfg.Subscriptions {
		if _, err := e.Subscribe(s.Strategy, s.Symbol, s.Params); err != nil {
			return nil, err
		}
	}

	if r.journal != nil {
		raw, err := yaml.Marshal(cfg)
		if err != nil {
			return nil, fmt.Errorf("encoding run config: %w", err)
		}
		if err := r.journal.SaveRun(ctx, store.Run{
			ID:          runID,
			Mode:        "backtest",
			StartedAt:   runStart,
			InitialCash: cfg.Engine.InitialCash,
			Config:      string(raw),
		}); err != nil {
			return nil, err
		}
		e.AddListener(r.recorder(runID))
	}

	log.Info("backtest started", "subscriptions", len(cfg.Subscriptions))
	warm := newWarmup(e, cfg.WarmupBars)
	var (
		replayed int
		last     time.Time
	)
	for {
		b, follow, hasFollow, ok, err := bars.next(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		if warm.take(b) {
			continue
		}
		// Equity is recorded once every bar of a timestamp has been applied.
		if replayed > 0 && !b.Timestamp.Equal(last) {
			e.RecordEquity(last)
		}
		if err := warm.flush(b.Symbol); err != nil {
			return nil, err
		}
		if hasFollow {
			sim.SetNextBar(follow)
		} else {
			sim.ClearNextBar(b.Symbol)
		}
		if err := e.OnBar(ctx, b); err != nil {
			return nil, err
		}
		replayed++
		last = b.Timestamp
	}
	if replayed > 0 {
		e.RecordEquity(last)
	}
	for _, sym := range cfg.Symbols() {
		if err := warm.flush(sym); err != nil {
			return nil, err
		}
	}
	log.Debug("replay finished", "bars", replayed, "warmup_bars", warm.count)

	res := &Result{
		RunID:     runID,
		Intents:   e.Intents(),
		Fills:     e.Fills(),
		Equity:    e.EquityCurve(),
		Positions: l.Positions(),
		Errors:    e.Errors().All(),
	}
	res.Report = report.Options{PeriodsPerYear: cfg.PeriodsPerYear}.Build(res.Fills, res.Equity, cfg.Engine.InitialCash)
	log.Info("backtest finished", "fills", len(res.Fills), "errors", len(res.Errors),
		"final_equity", res.Report.FinalEquity, "return", res.Report.TotalReturn)

	if r.journal != nil {
		if err := r.journal.SaveEquity(ctx, runID, res.Equity); err != nil {
			return nil, err
		}
		if err := r.journal.SavePositions(ctx, runID, res.Positions); err != nil {
			return nil, err
		}
		finished := runStart
		if n := len(res.Equity); n > 0 {
			finished = res.Equity[n-1].Timestamp
		}
		if err := r.journal.FinishRun(ctx, runID, finished, res.Report.FinalEquity); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// warmup holds back the first n bars of each symbol and hands them to the
// engine as history just before that symbol's first replayed bar.
type warmup struct {
	e       *engine.Engine
	n       int
	count   int
	hist    map[string][]domain.Bar
	flushed map[string]bool
}

func newWarmup(e *engine.Engine, n int) *warmup {
	return &warmup{e: e, n: n, hist: make(map[string][]domain.Bar), flushed: make(map[string]bool)}
}

// take keeps b as history and reports whether it did.
func (w *warmup) take(b domain.Bar) bool {
	if w.n <= 0 || w.flushed[b.Symbol] || len(w.hist[b.Symbol]) >= w.n {
		return false
	}
	w.hist[b.Symbol] = append(w.hist[b.Symbol], b)
	w.count++
	return true
}

// flush seeds symbol's strategies with its history once.
func (w *warmup) flush(symbol string) error {
	if w.flushed[symbol] {
		return nil
	}
	w.flushed[symbol] = true
	bars := w.hist[symbol]
	delete(w.hist, symbol)
	return w.e.Warmup(symbol, bars)
}
