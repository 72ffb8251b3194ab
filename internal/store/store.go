// Package store defines storage interfaces for persisting and retrieving
// bars and the trading journal, with Parquet and SQLite implementations.
package store

import (
	"context"
	"time"

	"quantcore/internal/domain"
)

// BarStore persists and retrieves OHLCV bar data.
type BarStore interface {
	// WriteBars persists a batch of bars of one interval, merging with what
	// is already stored.
	WriteBars(ctx context.Context, interval domain.Interval, bars []domain.Bar) error

	// ReadBars returns bars for symbol within [start, end] in timestamp order.
	ReadBars(ctx context.Context, symbol string, interval domain.Interval, start, end time.Time) ([]domain.Bar, error)

	// ListSymbols returns all distinct symbols with stored bars.
	ListSymbols(ctx context.Context) ([]string, error)
}

// Run describes one backtest or live session.
type Run struct {
	ID          string
	Mode        string
	StartedAt   time.Time
	FinishedAt  time.Time
	InitialCash float64
	FinalEquity float64
	Config      string
}

// Journal records what a run did.
type Journal interface {
	SaveRun(ctx context.Context, run Run) error
	FinishRun(ctx context.Context, runID string, finishedAt time.Time, finalEquity float64) error
	GetRun(ctx context.Context, runID string) (Run, error)
	ListRuns(ctx context.Context) ([]Run, error)

	SaveIntent(ctx context.Context, runID string, intent domain.OrderIntent) error
	ListIntents(ctx context.Context, runID string) ([]domain.OrderIntent, error)

	SaveFill(ctx context.Context, runID string, fill domain.Fill) error
	ListFills(ctx context.Context, runID string) ([]domain.Fill, error)

	SavePositions(ctx context.Context, runID string, positions []domain.Position) error
	ListPositions(ctx context.Context, runID string) ([]domain.Position, error)

	SaveEquity(ctx context.Context, runID string, snaps []domain.EquitySnapshot) error
	ListEquity(ctx context.Context, runID string) ([]domain.EquitySnapshot, error)
}
