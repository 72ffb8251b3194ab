package backtest

import (
	"context"
	"errors"
	"fmt"

	"quantcore/internal/domain"
	"quantcore/internal/market"
)

// replay reads a Provider ahead of the engine so every bar is handed out
// together with the next bar of the same symbol. Bars are buffered only
// until that following bar has been read.
type replay struct {
	p       market.Provider
	buf     []domain.Bar
	pending map[string]int // buffered bars per symbol
	done    bool
}

func newReplay(p market.Provider) *replay {
	return &replay{p: p, pending: make(map[string]int)}
}

// pull reads one bar into the buffer. It sets done at the end of the stream.
func (r *replay) pull(ctx context.Context) error {
	b, err := r.p.Next(ctx)
	if errors.Is(err, domain.ErrEndOfStream) {
		r.done = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading bars: %w", err)
	}
	r.buf = append(r.buf, b)
	r.pending[b.Symbol]++
	return nil
}

// peek returns the first bar without consuming it.
func (r *replay) peek(ctx context.Context) (domain.Bar, bool, error) {
	for len(r.buf) == 0 && !r.done {
		if err := r.pull(ctx); err != nil {
			return domain.Bar{}, false, err
		}
	}
	if len(r.buf) == 0 {
		return domain.Bar{}, false, nil
	}
	return r.buf[0], true, nil
}

// next returns the next bar and, when the stream has one, the following bar
// of the same symbol. ok is false at the end of the stream.
func (r *replay) next(ctx context.Context) (bar domain.Bar, follow domain.Bar, hasFollow, ok bool, err error) {
	if _, ok, err = r.peek(ctx); err != nil || !ok {
		return
	}
	for !r.done && r.pending[r.buf[0].Symbol] < 2 {
		if err = r.pull(ctx); err != nil {
			return
		}
	}

	bar = r.buf[0]
	r.buf[0] = domain.Bar{}
	r.buf = r.buf[1:]
	r.pending[bar.Symbol]--
	if r.pending[bar.Symbol] == 0 {
		delete(r.pending, bar.Symbol)
	}
	for _, b := range r.buf {
		if b.Symbol == bar.Symbol {
			follow, hasFollow = b, true
			break
		}
	}
	return bar, follow, hasFollow, true, nil
}
