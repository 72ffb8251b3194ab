package util

import (
	"fmt"
	"sync"
	"time"

	"quantcore/internal/domain"
)

// session is one continuous trading period, as offsets from local midnight.
type session struct {
	open, close time.Duration
}

func hm(h, m int) time.Duration {
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute
}

var marketSessions = map[domain.Market]struct {
	zone     string
	sessions []session
}{
	domain.MarketUS: {"America/New_York", []session{{hm(9, 30), hm(16, 0)}}},
	domain.MarketHK: {"Asia/Hong_Kong", []session{{hm(9, 30), hm(12, 0)}, {hm(13, 0), hm(16, 0)}}},
	domain.MarketCN: {"Asia/Shanghai", []session{{hm(9, 30), hm(11, 30)}, {hm(13, 0), hm(15, 0)}}},
}

// TradingCalendar provides regular-session awareness for a specific market.
// Weekends are closed; other closures are registered with AddHoliday.
type TradingCalendar struct {
	market   domain.Market
	loc      *time.Location
	sessions []session

	mu       sync.RWMutex
	holidays map[string]struct{}
}

// NewTradingCalendar creates a TradingCalendar for the given market.
func NewTradingCalendar(market domain.Market) (*TradingCalendar, error) {
	def, ok := marketSessions[market]
	if !ok {
		return nil, fmt.Errorf("unknown market %q", market)
	}
	loc, err := time.LoadLocation(def.zone)
	if err != nil {
		return nil, fmt.Errorf("loading %s timezone: %w", def.zone, err)
	}
	return &TradingCalendar{
		market:   market,
		loc:      loc,
		sessions: def.sessions,
		holidays: make(map[string]struct{}),
	}, nil
}

// Market returns the calendar's market.
func (tc *TradingCalendar) Market() domain.Market { return tc.market }

// Location returns the exchange's time zone.
func (tc *TradingCalendar) Location() *time.Location { return tc.loc }

// AddHoliday marks the local date of t as closed.
func (tc *TradingCalendar) AddHoliday(t time.Time) {
	tc.mu.Lock()
	tc.holidays[t.In(tc.loc).Format("2006-01-02")] = struct{}{}
	tc.mu.Unlock()
}

// IsTradingDay reports whether the local date of t has sessions.
func (tc *TradingCalendar) IsTradingDay(t time.Time) bool {
	local := t.In(tc.loc)
	switch local.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	tc.mu.RLock()
	_, closed := tc.holidays[local.Format("2006-01-02")]
	tc.mu.RUnlock()
	return !closed
}

// IsMarketOpen returns whether t falls inside a regular session. Session
// bounds are [open, close).
func (tc *TradingCalendar) IsMarketOpen(t time.Time) bool {
	if !tc.IsTradingDay(t) {
		return false
	}
	local := t.In(tc.loc)
	offset := hm(local.Hour(), local.Minute()) + time.Duration(local.Second())*time.Second
	for _, s := range tc.sessions {
		if offset >= s.open && offset < s.close {
			return true
		}
	}
	return false
}

// NextOpen returns the next session open at or after t.
func (tc *TradingCalendar) NextOpen(t time.Time) time.Time {
	return tc.next(t, func(s session) time.Duration { return s.open })
}

// NextClose returns the next session close at or after t.
func (tc *TradingCalendar) NextClose(t time.Time) time.Time {
	return tc.next(t, func(s session) time.Duration { return s.close })
}

func (tc *TradingCalendar) next(t time.Time, edge func(session) time.Duration) time.Time {
	day := midnight(t.In(tc.loc))
	// Long holiday runs never exceed a couple of weeks.
	for i := 0; i < 31; i++ {
		if tc.IsTradingDay(day) {
			for _, s := range tc.sessions {
				at := wallClock(day, edge(s))
				if !at.Before(t) {
					return at
				}
			}
		}
		day = midnight(day.AddDate(0, 0, 1))
	}
	return time.Time{}
}

func midnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// wallClock builds the local time offset after midnight of day, staying on
// the wall clock across DST changes.
func wallClock(day time.Time, offset time.Duration) time.Time {
	h := int(offset / time.Hour)
	m := int((offset % time.Hour) / time.Minute)
	y, mo, d := day.Date()
	return time.Date(y, mo, d, h, m, 0, 0, day.Location())
}
