package gather

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quantcore/internal/domain"
	"quantcore/internal/store"
	"quantcore/internal/util"
)

// fakeFetcher returns one bar at 14:30 UTC per requested day.
type fakeFetcher struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]int
}

func (f *fakeFetcher) Bars(_ context.Context, symbol string, _ domain.Interval, start, end time.Time) ([]domain.Bar, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := symbol + "@" + start.Format("2006-01-02")
	f.calls = append(f.calls, key)
	if f.fail[key] > 0 {
		f.fail[key]--
		return nil, errors.New("503 service unavailable")
	}
	var bars []domain.Bar
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		ts := time.Date(d.Year(), d.Month(), d.Day(), 14, 30, 0, 0, time.UTC)
		if ts.After(end) {
			break
		}
		bars = append(bars, domain.Bar{Symbol: symbol, Timestamp: ts, Open: 1, High: 1, Low: 1, Close: 1, Volume: 1})
	}
	return bars, nil
}

func (f *fakeFetcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func day(s string) time.Time {
	t, _ := time.Parse("2006-01-02", s)
	return t
}

func TestParseDateRange(t *testing.T) {
	r, err := ParseDateRange("2024-01-02", "2024-01-05")
	require.NoError(t, err)
	assert.Equal(t, day("2024-01-02"), r.Start)
	assert.Equal(t, day("2024-01-05"), r.End)

	_, err = ParseDateRange("2024-01-05", "2024-01-02")
	assert.Error(t, err)
	_, err = ParseDateRange("yesterday", "")
	assert.Error(t, err)
}

func TestChunks(t *testing.T) {
	r := DateRange{Start: day("2023-12-30"), End: day("2024-01-02")}

	days := r.Chunks(true)
	require.Len(t, days, 4)
	assert.Equal(t, day("2023-12-30"), days[0].Start)
	assert.Equal(t, day("2023-12-31").Add(-time.Nanosecond), days[0].End)
	assert.Equal(t, day("2024-01-03").Add(-time.Nanosecond), days[3].End)

	years := r.Chunks(false)
	require.Len(t, years, 2)
	assert.Equal(t, day("2024-01-01").Add(-time.Nanosecond), years[0].End)
	assert.Equal(t, day("2024-01-01"), years[1].Start)
	assert.Equal(t, day("2024-01-03").Add(-time.Nanosecond), years[1].End)
}

func TestMinuteGatherSkipsStoredAndClosedDays(t *testing.T) {
	ps := store.NewParquetStore(t.TempDir())
	f := &fakeFetcher{}
	cal, err := util.NewTradingCalendar(domain.MarketUS)
	require.NoError(t, err)

	// 2024-01-05 is a Friday, 06 and 07 the weekend.
	dates := DateRange{Start: day("2024-01-04"), End: day("2024-01-08")}
	g := NewBarGatherer(f, ps, []string{"aapl"}, domain.IntervalMinute, dates)
	g.Calendar = cal
	g.RetryDelay = time.Millisecond

	require.NoError(t, g.Run(context.Background()))
	assert.Equal(t, Stats{Fetched: 3, Skipped: 2, Bars: 3}, g.Stats())
	assert.True(t, ps.HasBars("AAPL", domain.IntervalMinute, day("2024-01-08")))

	// Everything is on disk now.
	require.NoError(t, g.Run(context.Background()))
	assert.Equal(t, 3, f.count())
	assert.Equal(t, int64(5), g.Stats().Skipped)
}

func TestDailyGatherRefreshesLastYear(t *testing.T) {
	ps := store.NewParquetStore(t.TempDir())
	f := &fakeFetcher{}
	dates := DateRange{Start: day("2023-12-28"), End: day("2024-01-03")}
	g := NewBarGatherer(f, ps, []string{"MSFT"}, domain.IntervalDaily, dates)

	require.NoError(t, g.Run(context.Background()))
	assert.Equal(t, 2, f.count())

	require.NoError(t, g.Run(context.Background()))
	assert.Equal(t, 3, f.count(), "only the current year is fetched again")

	bars, err := ps.ReadBars(context.Background(), "MSFT", domain.IntervalDaily, dates.Start, dates.End.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Len(t, bars, 7)
}

func TestGatherRetriesAndReportsFailures(t *testing.T) {
	ps := store.NewParquetStore(t.TempDir())
	f := &fakeFetcher{fail: map[string]int{"A@2024-01-02": 1, "B@2024-01-02": 5}}
	dates := DateRange{Start: day("2024-01-02"), End: day("2024-01-02")}
	g := NewBarGatherer(f, ps, []string{"A", "B"}, domain.IntervalMinute, dates)
	g.RetryAttempts = 2
	g.RetryDelay = time.Millisecond
	g.Limiter = util.NewRateLimiter(0)

	err := g.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2 chunks failed")
	st := g.Stats()
	assert.Equal(t, int64(1), st.Fetched)
	assert.Equal(t, int64(1), st.Failed)
	assert.True(t, ps.HasBars("A", domain.IntervalMinute, day("2024-01-02")))
	assert.False(t, ps.HasBars("B", domain.IntervalMinute, day("2024-01-02")))
}

func TestGatherValidation(t *testing.T) {
	ps := store.NewParquetStore(t.TempDir())
	dates := DateRange{Start: day("2024-01-02"), End: day("2024-01-02")}
	assert.Error(t, NewBarGatherer(&fakeFetcher{}, ps, nil, domain.IntervalDaily, dates).Run(context.Background()))
	assert.Error(t, NewBarGatherer(&fakeFetcher{}, ps, []string{"A"}, "5M", dates).Run(context.Background()))
	assert.Equal(t, "bars-1D", NewBarGatherer(&fakeFetcher{}, ps, nil, domain.IntervalDaily, dates).Name())
}
