package cmd

import (
	"bytes"
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quantcore/internal/config"
	"quantcore/internal/domain"
	"quantcore/internal/store"
)

func TestSplitSymbols(t *testing.T) {
	assert.Equal(t, []string{"AAPL", "HK.00700"}, splitSymbols(" aapl, ,HK.00700,"))
	assert.Nil(t, splitSymbols(""))
}

func TestParseParams(t *testing.T) {
	p, err := parseParams(map[string]string{"period": "20", "k": "1.5"})
	require.NoError(t, err)
	assert.Equal(t, 20.0, p["period"])
	assert.Equal(t, 1.5, p["k"])

	_, err = parseParams(map[string]string{"period": "twenty"})
	assert.ErrorContains(t, err, "not a number")

	p, err = parseParams(nil)
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestSubscriptionsFrom(t *testing.T) {
	cfg = config.Default()
	t.Cleanup(func() { cfg = nil })

	_, err := subscriptionsFrom("", "", nil)
	assert.Error(t, err, "nothing configured")

	_, err = subscriptionsFrom("sma-cross", "", nil)
	assert.ErrorContains(t, err, "--symbols")

	subs, err := subscriptionsFrom("sma-cross", "aapl,msft", map[string]string{"period": "3"})
	require.NoError(t, err)
	require.Len(t, subs, 2)
	assert.Equal(t, "MSFT", subs[1].Symbol)
	assert.Equal(t, 3.0, subs[1].Params["period"])

	cfg.Strategies = []config.StrategySpec{{ID: "rsi-threshold", Symbols: []string{"hk.00700"}}}
	subs, err = subscriptionsFrom("", "", nil)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "HK.00700", subs[0].Symbol)
}

func execute(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	require.NoError(t, rootCmd.Execute(), out.String())
	return out.String()
}

func TestBacktestAndRunsCommands(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("DATA_DIR", filepath.Join(dir, "data"))
	t.Setenv("SQLITE_PATH", filepath.Join(dir, "quantcore.db"))
	t.Setenv("LOG_LEVEL", "error")
	cfgPath := filepath.Join(dir, "quantcore.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("trading:\n  initial_cash: 10000\n  max_pct_per_instrument: 0.5\n"), 0o644))

	t0 := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	bars := make([]domain.Bar, 60)
	for i := range bars {
		c := 100 + 10*math.Sin(float64(i)/3)
		bars[i] = domain.Bar{Symbol: "AAA", Timestamp: t0.AddDate(0, 0, i),
			Open: c, High: c + 1, Low: c - 1, Close: c, Volume: 1000}
	}
	ps := store.NewParquetStore(filepath.Join(dir, "data"))
	require.NoError(t, ps.WriteBars(context.Background(), domain.IntervalDaily, bars))

	out := execute(t, "backtest", "--config", cfgPath,
		"--strategy", "sma-cross", "--symbols", "aaa", "--param", "period=3",
		"--from", "2024-01-01", "--to", "2024-03-31", "--interval", "1D", "--journal")
	assert.Contains(t, out, "1 subscriptions")
	assert.Contains(t, out, "Backtest Result")

	out = execute(t, "runs", "--config", cfgPath)
	assert.Contains(t, out, "backtest")
}

func TestStrategiesCommand(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "quantcore.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("strategies:\n  - id: nope\n    symbols: [X]\n"), 0o644))

	out := execute(t, "strategies", "--config", cfgPath)
	assert.Contains(t, out, "sma-cross")
	assert.Contains(t, out, "unknown strategy")
}

func TestUniverseSelectsSymbols(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("DATA_DIR", filepath.Join(dir, "data"))
	t.Setenv("SQLITE_PATH", filepath.Join(dir, "quantcore.db"))
	t.Setenv("LOG_LEVEL", "error")
	cfgPath := filepath.Join(dir, "quantcore.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("gather:\n  universe:\n    min_turnover: 500000\n"), 0o644))
	t.Cleanup(func() { btUniverse = false })

	t0 := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	var bars []domain.Bar
	for i := 0; i < 60; i++ {
		c := 100 + 10*math.Sin(float64(i)/3)
		ts := t0.AddDate(0, 0, i)
		bars = append(bars,
			domain.Bar{Symbol: "AAA", Timestamp: ts, Open: c, High: c + 1, Low: c - 1, Close: c, Volume: 1000},
			domain.Bar{Symbol: "PENNY", Timestamp: ts, Open: 0.5, High: 0.5, Low: 0.5, Close: 0.5, Volume: 1e7},
			domain.Bar{Symbol: "THIN", Timestamp: ts, Open: 10, High: 10, Low: 10, Close: 10, Volume: 10},
		)
	}
	ps := store.NewParquetStore(filepath.Join(dir, "data"))
	require.NoError(t, ps.WriteBars(context.Background(), domain.IntervalDaily, bars))

	out := execute(t, "gather", "universe", "--config", cfgPath, "--as-of", "2024-02-15")
	assert.Contains(t, out, "AAA")
	assert.NotContains(t, out, "PENNY")
	assert.NotContains(t, out, "THIN")
	assert.Contains(t, out, "1 symbols as of 2024-02-15")

	out = execute(t, "backtest", "--config", cfgPath,
		"--strategy", "sma-cross", "--universe", "--param", "period=3",
		"--from", "2024-02-01", "--to", "2024-03-31", "--interval", "1D")
	assert.Contains(t, out, "1 subscriptions")
}
