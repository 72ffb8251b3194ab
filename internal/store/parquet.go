package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/parquet-go/parquet-go"

	"quantcore/internal/domain"
)

// Compile-time interface check.
var _ BarStore = (*ParquetStore)(nil)

// ParquetStore implements BarStore using Parquet files on disk.
//
// Layout:
//
//	<DataDir>/<SYMBOL>/<SYMBOL>_<YYYY>_1D.parquet        daily bars
//	<DataDir>/<SYMBOL>/<SYMBOL>_<YYYY>_1W.parquet        weekly bars
//	<DataDir>/<SYMBOL>/<SYMBOL>_<YYYY-MM-DD>_1M.parquet  minute bars
type ParquetStore struct {
	DataDir string

	mu sync.Mutex // serializes read-merge-write cycles
}

// NewParquetStore creates a new ParquetStore rooted at the given data directory.
func NewParquetStore(dataDir string) *ParquetStore {
	return &ParquetStore{DataDir: dataDir}
}

// ---------------------------------------------------------------------------
// Parquet record type (on-disk schema)
// ---------------------------------------------------------------------------

// BarRecord is the Parquet schema for bar data.
type BarRecord struct {
	Symbol     string  `parquet:"symbol"`
	Timestamp  int64   `parquet:"timestamp,timestamp(millisecond)"` // Unix ms
	Open       float64 `parquet:"open"`
	High       float64 `parquet:"high"`
	Low        float64 `parquet:"low"`
	Close      float64 `parquet:"close"`
	Volume     int64   `parquet:"volume"`
	Turnover   float64 `parquet:"turnover"`
	TradeCount int64   `parquet:"trade_count"`
	VWAP       float64 `parquet:"vwap"`
}

func toRecord(b domain.Bar) BarRecord {
	return BarRecord{
		Symbol:     strings.ToUpper(b.Symbol),
		Timestamp:  b.Timestamp.UnixMilli(),
		Open:       b.Open,
		High:       b.High,
		Low:        b.Low,
		Close:      b.Close,
		Volume:     b.Volume,
		Turnover:   b.Turnover,
		TradeCount: b.TradeCount,
		VWAP:       b.VWAP,
	}
}

func (r BarRecord) bar() domain.Bar {
	return domain.Bar{
		Symbol:     r.Symbol,
		Timestamp:  time.UnixMilli(r.Timestamp).UTC(),
		Open:       r.Open,
		High:       r.High,
		Low:        r.Low,
		Close:      r.Close,
		Volume:     r.Volume,
		Turnover:   r.Turnover,
		TradeCount: r.TradeCount,
		VWAP:       r.VWAP,
	}
}

// ---------------------------------------------------------------------------
// BarStore implementation
// ---------------------------------------------------------------------------

// WriteBars writes bars to Parquet files grouped by symbol and by year
// (daily) or day (minute). Existing files are merged, deduplicating by
// timestamp with incoming bars winning.
func (s *ParquetStore) WriteBars(ctx context.Context, interval domain.Interval, bars []domain.Bar) error {
	if !interval.Valid() {
		return fmt.Errorf("unsupported interval %q", interval)
	}
	if len(bars) == 0 {
		return nil
	}

	groups := make(map[string][]BarRecord)
	for _, b := range bars {
		if b.Symbol == "" {
			return fmt.Errorf("bar at %s has no symbol", b.Timestamp.Format(time.RFC3339))
		}
		path := s.barPath(b.Symbol, interval, b.Timestamp)
		groups[path] = append(groups[path], toRecord(b))
	}

	paths := make([]string, 0, len(groups))
	for p := range groups {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return err
		}
		existing, err := readParquetFile[BarRecord](path)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("reading %s: %w", path, err)
		}
		merged := mergeBarRecords(existing, groups[path])
		if err := writeParquetFile(path, merged); err != nil {
			return fmt.Errorf("writing %s: %w", path, err)
		}
	}
	return nil
}

// ReadBars reads bars from Parquet files for the given symbol and time range.
// Missing files are skipped.
func (s *ParquetStore) ReadBars(ctx context.Context, symbol string, interval domain.Interval, start, end time.Time) ([]domain.Bar, error) {
	if !interval.Valid() {
		return nil, fmt.Errorf("unsupported interval %q", interval)
	}
	if end.Before(start) {
		return nil, nil
	}

	var bars []domain.Bar
	for _, path := range s.pathsInRange(symbol, interval, start, end) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		records, err := readParquetFile[BarRecord](path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
		for _, r := range records {
			ts := time.UnixMilli(r.Timestamp)
			if !ts.Before(start) && !ts.After(end) {
				bars = append(bars, r.bar())
			}
		}
	}
	sort.Slice(bars, func(i, j int) bool { return bars[i].Timestamp.Before(bars[j].Timestamp) })
	return bars, nil
}

// HasBars reports whether any file exists for symbol and interval covering
// the local date or year of t.
func (s *ParquetStore) HasBars(symbol string, interval domain.Interval, t time.Time) bool {
	_, err := os.Stat(s.barPath(symbol, interval, t))
	return err == nil
}

// ListSymbols lists all symbols that have a directory under DataDir.
func (s *ParquetStore) ListSymbols(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.DataDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var symbols []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			symbols = append(symbols, e.Name())
		}
	}
	sort.Strings(symbols)
	return symbols, nil
}

// ---------------------------------------------------------------------------
// Path helpers
// ---------------------------------------------------------------------------

// barPath returns the filesystem path of the file holding the bar at t.
func (s *ParquetStore) barPath(symbol string, interval domain.Interval, t time.Time) string {
	sym := strings.ToUpper(symbol)
	t = t.UTC()
	var name string
	if interval == domain.IntervalMinute {
		name = fmt.Sprintf("%s_%s_1M.parquet", sym, t.Format("2006-01-02"))
	} else {
		name = fmt.Sprintf("%s_%d_%s.parquet", sym, t.Year(), interval)
	}
	return filepath.Join(s.DataDir, sym, name)
}

func (s *ParquetStore) pathsInRange(symbol string, interval domain.Interval, start, end time.Time) []string {
	start, end = start.UTC(), end.UTC()
	var paths []string
	if interval == domain.IntervalMinute {
		day := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, time.UTC)
		for ; !day.After(end); day = day.AddDate(0, 0, 1) {
			paths = append(paths, s.barPath(symbol, interval, day))
		}
		return paths
	}
	for year := start.Year(); year <= end.Year(); year++ {
		paths = append(paths, s.barPath(symbol, interval, time.Date(year, 1, 1, 0, 0, 0, 0, time.UTC)))
	}
	return paths
}

// ---------------------------------------------------------------------------
// Parquet file helpers
// ---------------------------------------------------------------------------

// writeParquetFile writes to a temporary file and renames it into place.
func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := parquet.WriteFile(tmp, records); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func readParquetFile[T any](path string) ([]T, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	return parquet.ReadFile[T](path)
}

// mergeBarRecords deduplicates bar records by (symbol, timestamp), preferring
// new records over existing ones.
func mergeBarRecords(existing, incoming []BarRecord) []BarRecord {
	type key struct {
		symbol string
		ts     int64
	}
	seen := make(map[key]BarRecord, len(existing)+len(incoming))
	for _, r := range existing {
		seen[key{r.Symbol, r.Timestamp}] = r
	}
	for _, r := range incoming {
		seen[key{r.Symbol, r.Timestamp}] = r
	}

	merged := make([]BarRecord, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].Timestamp < merged[j].Timestamp
	})
	return merged
}
