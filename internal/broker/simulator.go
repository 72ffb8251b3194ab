package broker

import (
	"context"
	"fmt"
	"math"
	"sync"

	"quantcore/internal/domain"
)

// Compile-time interface checks.
var (
	_ Sink        = (*Simulator)(nil)
	_ PriceQuoter = (*Simulator)(nil)
)

// SimulatorConfig controls backtest execution.
type SimulatorConfig struct {
	Commission Commission

	// FillAtNextOpen fills at the open of the symbol's next bar, which must
	// have been provided with SetNextBar. Otherwise intents fill at their
	// price hint.
	FillAtNextOpen bool

	// MaxVolumePct caps a fill at this fraction of the next bar's volume.
	// Zero disables the cap.
	MaxVolumePct float64

	// LotSize rounds capped quantities down. Zero means 1.
	LotSize float64
}

// Simulator is the backtest sink. It keeps no positions; the ledger is the
// book of record.
type Simulator struct {
	cfg SimulatorConfig

	mu    sync.Mutex
	next  map[string]domain.Bar
	fills int
}

// NewSimulator creates a Simulator.
func NewSimulator(cfg SimulatorConfig) *Simulator {
	if cfg.LotSize <= 0 {
		cfg.LotSize = 1
	}
	return &Simulator{
		cfg:  cfg,
		next: make(map[string]domain.Bar),
	}
}

// Name returns "simulator".
func (s *Simulator) Name() string {
	return "simulator"
}

// SetNextBar tells the simulator which bar follows the one being evaluated
// for bar.Symbol.
func (s *Simulator) SetNextBar(bar domain.Bar) {
	s.mu.Lock()
	s.next[bar.Symbol] = bar
	s.mu.Unlock()
}

// ClearNextBar forgets the next bar of symbol, typically at end of data.
func (s *Simulator) ClearNextBar(symbol string) {
	s.mu.Lock()
	delete(s.next, symbol)
	s.mu.Unlock()
}

// Quote returns the price the next order for symbol would fill at, when
// filling at next open.
func (s *Simulator) Quote(symbol string) (float64, bool) {
	if !s.cfg.FillAtNextOpen {
		return 0, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.next[symbol]
	if !ok {
		return 0, false
	}
	return b.Open, true
}

// Fills returns the number of fills produced so far.
func (s *Simulator) Fills() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fills
}

// Submit simulates execution of intent.
func (s *Simulator) Submit(_ context.Context, intent domain.OrderIntent) (domain.Fill, error) {
	if intent.Qty <= 0 {
		return domain.Fill{}, &domain.SinkRejectedError{IntentID: intent.ID, Reason: "zero quantity"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next, haveNext := s.next[intent.Symbol]
	price, ts := intent.PriceHint, intent.Timestamp
	if s.cfg.FillAtNextOpen {
		if !haveNext {
			return domain.Fill{}, &domain.SinkRejectedError{
				IntentID: intent.ID,
				Reason:   fmt.Sprintf("no next bar for %s", intent.Symbol),
			}
		}
		price, ts = next.Open, next.Timestamp
	}
	if price <= 0 {
		return domain.Fill{}, &domain.SinkRejectedError{IntentID: intent.ID, Reason: fmt.Sprintf("no price for %s", intent.Symbol)}
	}

	qty := intent.Qty
	if s.cfg.MaxVolumePct > 0 && haveNext {
		limit := math.Floor(float64(next.Volume)*s.cfg.MaxVolumePct/s.cfg.LotSize) * s.cfg.LotSize
		if limit <= 0 {
			return domain.Fill{}, &domain.SinkRejectedError{IntentID: intent.ID, Reason: "volume cap leaves nothing to fill"}
		}
		qty = math.Min(qty, limit)
	}

	s.fills++
	return domain.Fill{
		IntentID:   intent.ID,
		Symbol:     intent.Symbol,
		Side:       intent.Side,
		Qty:        qty,
		Price:      price,
		Fees:       s.cfg.Commission.Fee(intent.Side, qty, price),
		StrategyID: intent.StrategyID,
		Timestamp:  ts,
	}, nil
}
