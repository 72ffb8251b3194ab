// Package gather imports historical bars from a data provider into the
// Parquet bar store so backtests can run offline.
package gather

import (
	"context"
	"fmt"
	"time"
)

// Gatherer is the interface for all data gathering processes.
type Gatherer interface {
	// Name returns the gatherer identifier.
	Name() string
	// Run fetches everything the gatherer is configured for. It returns when
	// done or when ctx is cancelled.
	Run(ctx context.Context) error
}

// DateRange represents a time range for data fetching.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// ParseDateRange parses "2006-01-02" dates. An empty end means today in UTC.
func ParseDateRange(start, end string) (DateRange, error) {
	s, err := time.Parse("2006-01-02", start)
	if err != nil {
		return DateRange{}, fmt.Errorf("parsing start date %q: %w", start, err)
	}
	e := time.Now().UTC().Truncate(24 * time.Hour)
	if end != "" {
		if e, err = time.Parse("2006-01-02", end); err != nil {
			return DateRange{}, fmt.Errorf("parsing end date %q: %w", end, err)
		}
	}
	if e.Before(s) {
		return DateRange{}, fmt.Errorf("end %s before start %s", e.Format("2006-01-02"), s.Format("2006-01-02"))
	}
	return DateRange{Start: s, End: e}, nil
}

// Chunks splits r into consecutive pieces, one per UTC day when daily is
// true and one per calendar year otherwise. Every piece ends with the last
// nanosecond of its day or year, clamped to r.End's day.
func (r DateRange) Chunks(daily bool) []DateRange {
	var out []DateRange
	last := endOfDay(r.End)
	cur := r.Start.UTC()
	for !cur.After(last) {
		var next time.Time
		if daily {
			next = time.Date(cur.Year(), cur.Month(), cur.Day()+1, 0, 0, 0, 0, time.UTC)
		} else {
			next = time.Date(cur.Year()+1, 1, 1, 0, 0, 0, 0, time.UTC)
		}
		end := next.Add(-time.Nanosecond)
		if end.After(last) {
			end = last
		}
		out = append(out, DateRange{Start: cur, End: end})
		cur = next
	}
	return out
}

func endOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, time.UTC).Add(-time.Nanosecond)
}
