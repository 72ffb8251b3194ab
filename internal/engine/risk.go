package engine

import (
	"sync"
	"time"

	"quantcore/internal/domain"
)

// RiskManager enforces the maximum daily loss. Once equity falls more than
// maxDailyLossPct below the first equity seen on a trading day, new buys are
// refused for the rest of that day. Sells are always allowed.
type RiskManager struct {
	maxDailyLossPct float64

	mu        sync.Mutex
	day       string
	dayEquity float64
}

// NewRiskManager creates a RiskManager. A maxDailyLossPct of zero disables
// the check (e.g. 0.02 for 2%).
func NewRiskManager(maxDailyLossPct float64) *RiskManager {
	return &RiskManager{maxDailyLossPct: maxDailyLossPct}
}

// Observe records equity at ts, resetting the reference on a new day.
func (rm *RiskManager) Observe(ts time.Time, equity float64) {
	day := ts.Format("2006-01-02")
	rm.mu.Lock()
	if day != rm.day {
		rm.day = day
		rm.dayEquity = equity
	}
	rm.mu.Unlock()
}

// CheckOrder evaluates whether an intent complies with the daily loss limit
// given the current equity.
func (rm *RiskManager) CheckOrder(intent domain.OrderIntent, equity float64) error {
	if rm == nil || rm.maxDailyLossPct <= 0 || intent.Side != domain.SideBuy {
		return nil
	}
	rm.mu.Lock()
	start := rm.dayEquity
	rm.mu.Unlock()
	if start <= 0 {
		return nil
	}
	if equity < start*(1-rm.maxDailyLossPct) {
		return &domain.InvalidStateError{
			Symbol: intent.Symbol,
			Reason: "daily loss limit reached",
		}
	}
	return nil
}
