package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"quantcore/internal/domain"
	"quantcore/internal/market"
	"quantcore/internal/util"
)

// Live drives an Engine from a bar provider. Each symbol gets its own worker
// so a slow instrument never delays another, while bars of one symbol are
// processed strictly in arrival order.
type Live struct {
	engine   *Engine
	provider market.Provider
	calendar *util.TradingCalendar
	log      *slog.Logger

	mu       sync.Mutex
	queues   map[string]*barQueue
	draining map[string]*barQueue // closed queues whose worker is still running
	group    *errgroup.Group
	gctx     context.Context
}

// NewLive creates a live runner. A nil calendar accepts bars at any time.
func NewLive(e *Engine, p market.Provider, cal *util.TradingCalendar, log *slog.Logger) *Live {
	if log == nil {
		log = slog.Default()
	}
	return &Live{
		engine:   e,
		provider: p,
		calendar: cal,
		log:      log.With("component", "live"),
		queues:   make(map[string]*barQueue),
		draining: make(map[string]*barQueue),
	}
}

// Engine returns the engine being driven.
func (l *Live) Engine() *Engine { return l.engine }

// Run reads the provider until it ends, ctx is cancelled or a fatal error
// occurs. End of stream drains all queued bars and returns nil.
func (l *Live) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	l.mu.Lock()
	l.group, l.gctx = g, gctx
	l.mu.Unlock()

	g.Go(func() error {
		defer l.closeAll()
		for {
			bar, err := l.provider.Next(gctx)
			if errors.Is(err, domain.ErrEndOfStream) {
				l.log.Info("bar stream ended")
				return nil
			}
			if err != nil {
				if domain.IsFatal(err) {
					l.log.Error("bar stream failed", "error", err)
				}
				return err
			}
			if err := l.Push(bar); err != nil && !errors.Is(err, domain.ErrSubscriptionClosed) {
				return err
			}
		}
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// Push queues bar for its symbol's worker. Bars outside trading hours are
// dropped. It returns ErrSubscriptionClosed when nothing is subscribed to
// the symbol.
func (l *Live) Push(bar domain.Bar) error {
	if !l.engine.HasSymbol(bar.Symbol) {
		return fmt.Errorf("bar for %s: %w", bar.Symbol, domain.ErrSubscriptionClosed)
	}
	if l.calendar != nil && !l.calendar.IsMarketOpen(bar.Timestamp) {
		l.log.Debug("bar outside session", "symbol", bar.Symbol, "ts", bar.Timestamp)
		return nil
	}
	q, err := l.queue(bar.Symbol)
	if err != nil {
		return err
	}
	if !q.push(bar) {
		return fmt.Errorf("bar for %s: %w", bar.Symbol, domain.ErrSubscriptionClosed)
	}
	return nil
}

// queue returns symbol's queue, starting its worker on first use. A worker
// started while the symbol's previous queue still drains waits for that
// worker to exit, so one symbol never has two workers in the engine.
func (l *Live) queue(symbol string) (*barQueue, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if q, ok := l.queues[symbol]; ok {
		return q, nil
	}
	if l.group == nil {
		return nil, errors.New("live runner not started")
	}
	q := newBarQueue()
	prev := l.draining[symbol]
	l.queues[symbol] = q
	ctx := l.gctx
	l.group.Go(func() error { return l.work(ctx, symbol, q, prev) })
	return q, nil
}

func (l *Live) work(ctx context.Context, symbol string, q, prev *barQueue) error {
	log := l.log.With("symbol", symbol)
	defer l.retire(symbol, q)
	if prev != nil {
		select {
		case <-prev.done:
		case <-ctx.Done():
			return nil
		}
	}
	log.Debug("worker started")
	defer log.Debug("worker stopped")
	for {
		bar, ok := q.pop(ctx)
		if !ok {
			return nil
		}
		if err := l.engine.OnBar(ctx, bar); err != nil {
			return err
		}
		l.engine.RecordEquity(bar.Timestamp)
	}
}

// Unsubscribe removes key from the engine. When it was the symbol's last
// subscription the worker drains its queue and exits.
func (l *Live) Unsubscribe(key domain.SubscriptionKey) error {
	if err := l.engine.Unsubscribe(key); err != nil {
		return err
	}
	if l.engine.HasSymbol(key.Symbol) {
		return nil
	}
	l.mu.Lock()
	q, ok := l.queues[key.Symbol]
	if ok {
		delete(l.queues, key.Symbol)
		l.draining[key.Symbol] = q
	}
	l.mu.Unlock()
	if ok {
		q.close()
	}
	return nil
}

// retire marks q's worker as exited and forgets q if it was draining.
func (l *Live) retire(symbol string, q *barQueue) {
	l.mu.Lock()
	if l.draining[symbol] == q {
		delete(l.draining, symbol)
	}
	l.mu.Unlock()
	close(q.done)
}

// Warmup seeds symbol's subscriptions with history before Run.
func (l *Live) Warmup(symbol string, bars []domain.Bar) error {
	return l.engine.Warmup(symbol, bars)
}

func (l *Live) closeAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for sym, q := range l.queues {
		q.close()
		delete(l.queues, sym)
	}
}

// ---------------------------------------------------------------------------
// barQueue
// ---------------------------------------------------------------------------

// barQueue is an unbounded FIFO of bars with a single consumer. Pop returns
// remaining bars after close and then reports false.
type barQueue struct {
	mu     sync.Mutex
	bars   []domain.Bar
	closed bool
	notify chan struct{}
	done   chan struct{} // closed when the worker exits
}

func newBarQueue() *barQueue {
	return &barQueue{notify: make(chan struct{}, 1), done: make(chan struct{})}
}

func (q *barQueue) push(b domain.Bar) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.bars = append(q.bars, b)
	q.mu.Unlock()
	q.signal()
	return true
}

func (q *barQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

func (q *barQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *barQueue) pop(ctx context.Context) (domain.Bar, bool) {
	for {
		q.mu.Lock()
		if len(q.bars) > 0 {
			b := q.bars[0]
			q.bars = q.bars[1:]
			q.mu.Unlock()
			return b, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return domain.Bar{}, false
		}
		select {
		case <-q.notify:
		case <-ctx.Done():
			return domain.Bar{}, false
		}
	}
}

func (q *barQueue) pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.bars)
}
