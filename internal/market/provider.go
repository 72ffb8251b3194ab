// Package market provides bar stream sources for the engine: historical
// replays from memory or storage and live pushes from a data feed. The
// engine consumes all of them through the same Provider interface.
package market

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"quantcore/internal/domain"
	"quantcore/internal/store"
)

// Provider yields bars in delivery order. Next returns domain.ErrEndOfStream
// once the source is exhausted and wraps connectivity failures with
// domain.Fatal.
type Provider interface {
	Next(ctx context.Context) (domain.Bar, error)
}

// Compile-time interface checks.
var (
	_ Provider = (*SliceProvider)(nil)
	_ Provider = (*ChanProvider)(nil)
)

// ---------------------------------------------------------------------------
// SliceProvider
// ---------------------------------------------------------------------------

// SliceProvider replays a fixed sequence of bars.
type SliceProvider struct {
	mu   sync.Mutex
	bars []domain.Bar
	pos  int
}

// NewSliceProvider replays bars in the given order.
func NewSliceProvider(bars []domain.Bar) *SliceProvider {
	return &SliceProvider{bars: bars}
}

// Next returns the next bar.
func (p *SliceProvider) Next(ctx context.Context) (domain.Bar, error) {
	if err := ctx.Err(); err != nil {
		return domain.Bar{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pos >= len(p.bars) {
		return domain.Bar{}, domain.ErrEndOfStream
	}
	b := p.bars[p.pos]
	p.pos++
	return b, nil
}

// Peek returns the bar Next would return without consuming it.
func (p *SliceProvider) Peek() (domain.Bar, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pos >= len(p.bars) {
		return domain.Bar{}, false
	}
	return p.bars[p.pos], true
}

// Remaining returns the number of bars not yet delivered.
func (p *SliceProvider) Remaining() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.bars) - p.pos
}

// Merge combines per-symbol series into one sequence ordered by timestamp,
// then symbol. The input slices are not modified. Equal inputs always give
// the same output.
func Merge(series ...[]domain.Bar) []domain.Bar {
	var n int
	for _, s := range series {
		n += len(s)
	}
	out := make([]domain.Bar, 0, n)
	for _, s := range series {
		out = append(out, s...)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out
}

// ---------------------------------------------------------------------------
// Store replay
// ---------------------------------------------------------------------------

// LoadBars reads [start, end] of every symbol from bs and merges them for
// replay.
func LoadBars(ctx context.Context, bs store.BarStore, symbols []string, interval domain.Interval, start, end time.Time) ([]domain.Bar, error) {
	series := make([][]domain.Bar, 0, len(symbols))
	for _, sym := range symbols {
		bars, err := bs.ReadBars(ctx, sym, interval, start, end)
		if err != nil {
			return nil, fmt.Errorf("reading %s bars: %w", sym, err)
		}
		series = append(series, bars)
	}
	return Merge(series...), nil
}

// NewStoreProvider replays stored bars for symbols.
func NewStoreProvider(ctx context.Context, bs store.BarStore, symbols []string, interval domain.Interval, start, end time.Time) (*SliceProvider, error) {
	bars, err := LoadBars(ctx, bs, symbols, interval, start, end)
	if err != nil {
		return nil, err
	}
	return NewSliceProvider(bars), nil
}

// ---------------------------------------------------------------------------
// ChanProvider
// ---------------------------------------------------------------------------

// ChanProvider adapts a push source to Provider. Producers call Push; the
// consumer calls Next. Close ends the stream after buffered bars drain.
type ChanProvider struct {
	ch   chan domain.Bar
	done chan struct{}
	once sync.Once

	mu  sync.Mutex
	err error
}

// NewChanProvider creates a ChanProvider with the given buffer.
func NewChanProvider(buffer int) *ChanProvider {
	return &ChanProvider{
		ch:   make(chan domain.Bar, buffer),
		done: make(chan struct{}),
	}
}

// Push delivers bar, blocking while the buffer is full. It returns
// domain.ErrEndOfStream after Close.
func (p *ChanProvider) Push(ctx context.Context, bar domain.Bar) error {
	select {
	case <-p.done:
		return domain.ErrEndOfStream
	default:
	}
	select {
	case p.ch <- bar:
		return nil
	case <-p.done:
		return domain.ErrEndOfStream
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryPush delivers bar without blocking and reports whether it was queued.
func (p *ChanProvider) TryPush(bar domain.Bar) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.ch <- bar:
		return true
	default:
		return false
	}
}

// CloseWithError ends the stream. Next returns err, or ErrEndOfStream when
// err is nil, once buffered bars are consumed.
func (p *ChanProvider) CloseWithError(err error) {
	p.once.Do(func() {
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		close(p.done)
	})
}

// Close ends the stream.
func (p *ChanProvider) Close() { p.CloseWithError(nil) }

// Next returns the next pushed bar.
func (p *ChanProvider) Next(ctx context.Context) (domain.Bar, error) {
	select {
	case b := <-p.ch:
		return b, nil
	default:
	}
	select {
	case b := <-p.ch:
		return b, nil
	case <-ctx.Done():
		return domain.Bar{}, ctx.Err()
	case <-p.done:
		// Drain anything pushed before Close.
		select {
		case b := <-p.ch:
			return b, nil
		default:
		}
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.err != nil {
			return domain.Bar{}, p.err
		}
		return domain.Bar{}, domain.ErrEndOfStream
	}
}
