package gather

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"quantcore/internal/domain"
	"quantcore/internal/market"
	"quantcore/internal/store"
	"quantcore/internal/util"
)

var (
	_ Gatherer = (*BarGatherer)(nil)
	_ Fetcher  = (*market.AlpacaHistory)(nil)
)

// Fetcher returns historical bars of one symbol.
type Fetcher interface {
	Bars(ctx context.Context, symbol string, interval domain.Interval, start, end time.Time) ([]domain.Bar, error)
}

// BarGatherer downloads bars for a symbol list into a ParquetStore. Minute
// bars are fetched one day per request and days already on disk are
// skipped. Daily and weekly bars are fetched one year per request; only the
// final year is refreshed when its file already exists.
type BarGatherer struct {
	fetcher  Fetcher
	store    *store.ParquetStore
	symbols  []string
	interval domain.Interval
	dates    DateRange

	// Optional tuning.
	MaxWorkers    int
	RetryAttempts int
	RetryDelay    time.Duration
	Limiter       *util.RateLimiter
	Calendar      *util.TradingCalendar

	fetched atomic.Int64
	skipped atomic.Int64
	failed  atomic.Int64
	written atomic.Int64

	log *slog.Logger
}

// NewBarGatherer creates a BarGatherer for symbols over dates.
func NewBarGatherer(f Fetcher, s *store.ParquetStore, symbols []string, interval domain.Interval, dates DateRange) *BarGatherer {
	syms := make([]string, len(symbols))
	for i, sym := range symbols {
		syms[i] = strings.ToUpper(strings.TrimSpace(sym))
	}
	return &BarGatherer{
		fetcher:       f,
		store:         s,
		symbols:       syms,
		interval:      interval,
		dates:         dates,
		MaxWorkers:    4,
		RetryAttempts: 3,
		RetryDelay:    time.Second,
		log:           slog.Default().With("gatherer", "bars-"+string(interval)),
	}
}

// Name returns the gatherer identifier.
func (g *BarGatherer) Name() string { return "bars-" + string(g.interval) }

// Stats reports chunk counts of the last Run.
type Stats struct {
	Fetched int64
	Skipped int64
	Failed  int64
	Bars    int64
}

// Stats returns counters accumulated by Run.
func (g *BarGatherer) Stats() Stats {
	return Stats{
		Fetched: g.fetched.Load(),
		Skipped: g.skipped.Load(),
		Failed:  g.failed.Load(),
		Bars:    g.written.Load(),
	}
}

type job struct {
	symbol string
	dates  DateRange
}

// Run fetches every pending chunk. Chunk failures are logged and counted;
// Run reports them together once everything else is done.
func (g *BarGatherer) Run(ctx context.Context) error {
	if !g.interval.Valid() {
		return fmt.Errorf("unsupported interval %q", g.interval)
	}
	if len(g.symbols) == 0 {
		return fmt.Errorf("no symbols to gather")
	}

	g.fetched.Store(0)
	g.skipped.Store(0)
	g.failed.Store(0)
	g.written.Store(0)
	jobs := g.plan()
	g.log.Info("starting", "symbols", len(g.symbols), "chunks", len(jobs),
		"skipped", g.skipped.Load(),
		"start", g.dates.Start.Format("2006-01-02"), "end", g.dates.End.Format("2006-01-02"))

	runStart := time.Now()
	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(max(g.MaxWorkers, 1))
	for _, j := range jobs {
		if gctx.Err() != nil {
			break
		}
		eg.Go(func() error {
			n, err := g.fetch(gctx, j)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				g.failed.Add(1)
				g.log.Error("chunk failed", "symbol", j.symbol,
					"start", j.dates.Start.Format("2006-01-02"), "error", err)
				return nil
			}
			g.fetched.Add(1)
			g.written.Add(int64(n))
			g.log.Debug("chunk done", "symbol", j.symbol,
				"start", j.dates.Start.Format("2006-01-02"), "bars", n)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	st := g.Stats()
	g.log.Info("complete", "fetched", st.Fetched, "skipped", st.Skipped,
		"failed", st.Failed, "bars", st.Bars, "elapsed", time.Since(runStart).Round(time.Millisecond))
	if st.Failed > 0 {
		return fmt.Errorf("%d of %d chunks failed", st.Failed, len(jobs))
	}
	return nil
}

// plan lists the chunks that still need fetching.
func (g *BarGatherer) plan() []job {
	minute := g.interval == domain.IntervalMinute
	chunks := g.dates.Chunks(minute)

	var jobs []job
	for _, sym := range g.symbols {
		for i, c := range chunks {
			// Midday UTC falls on the same calendar date in every market.
			if minute && g.Calendar != nil && !g.Calendar.IsTradingDay(c.Start.Add(12*time.Hour)) {
				g.skipped.Add(1)
				continue
			}
			lastChunk := i == len(chunks)-1
			if g.store.HasBars(sym, g.interval, c.Start) && (minute || !lastChunk) {
				g.skipped.Add(1)
				continue
			}
			jobs = append(jobs, job{symbol: sym, dates: c})
		}
	}
	return jobs
}

func (g *BarGatherer) fetch(ctx context.Context, j job) (int, error) {
	var bars []domain.Bar
	err := util.Retry(ctx, g.RetryAttempts, g.RetryDelay, func() error {
		if g.Limiter != nil {
			if err := g.Limiter.Wait(ctx); err != nil {
				return util.Permanent(err)
			}
		}
		var err error
		bars, err = g.fetcher.Bars(ctx, j.symbol, g.interval, j.dates.Start, j.dates.End)
		return err
	})
	if err != nil {
		return 0, err
	}
	if len(bars) == 0 {
		return 0, nil
	}
	if err := g.store.WriteBars(ctx, g.interval, bars); err != nil {
		return 0, fmt.Errorf("writing %s bars: %w", j.symbol, err)
	}
	return len(bars), nil
}
