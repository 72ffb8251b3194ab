package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"quantcore/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface check.
var _ Journal = (*SQLiteStore)(nil)

// ErrRunNotFound is returned by GetRun for an unknown run ID.
var ErrRunNotFound = errors.New("run not found")

// SQLiteStore implements Journal backed by a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id           TEXT PRIMARY KEY,
	mode         TEXT NOT NULL,
	started_at   INTEGER NOT NULL,
	finished_at  INTEGER NOT NULL DEFAULT 0,
	initial_cash REAL NOT NULL,
	final_equity REAL NOT NULL DEFAULT 0,
	config       TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS intents (
	run_id      TEXT NOT NULL,
	seq         INTEGER NOT NULL,
	id          TEXT NOT NULL,
	symbol      TEXT NOT NULL,
	side        TEXT NOT NULL,
	qty         REAL NOT NULL,
	price_hint  REAL NOT NULL,
	strategy_id TEXT NOT NULL,
	ts          INTEGER NOT NULL,
	PRIMARY KEY (run_id, seq)
);
CREATE TABLE IF NOT EXISTS fills (
	run_id      TEXT NOT NULL,
	seq         INTEGER NOT NULL,
	intent_id   TEXT NOT NULL,
	symbol      TEXT NOT NULL,
	side        TEXT NOT NULL,
	qty         REAL NOT NULL,
	price       REAL NOT NULL,
	fees        REAL NOT NULL,
	strategy_id TEXT NOT NULL,
	ts          INTEGER NOT NULL,
	PRIMARY KEY (run_id, seq)
);
CREATE TABLE IF NOT EXISTS positions (
	run_id       TEXT NOT NULL,
	symbol       TEXT NOT NULL,
	qty          REAL NOT NULL,
	avg_cost     REAL NOT NULL,
	realized_pnl REAL NOT NULL,
	PRIMARY KEY (run_id, symbol)
);
CREATE TABLE IF NOT EXISTS equity (
	run_id       TEXT NOT NULL,
	ts           INTEGER NOT NULL,
	cash         REAL NOT NULL,
	market_value REAL NOT NULL,
	equity       REAL NOT NULL,
	PRIMARY KEY (run_id, ts)
);
`

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, migrates
// the schema and returns a ready-to-use SQLiteStore.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// ---------------------------------------------------------------------------
// Runs
// ---------------------------------------------------------------------------

// SaveRun inserts or replaces a run record.
func (s *SQLiteStore) SaveRun(ctx context.Context, r Run) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO runs (id, mode, started_at, finished_at, initial_cash, final_equity, config)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Mode, millis(r.StartedAt), millis(r.FinishedAt), r.InitialCash, r.FinalEquity, r.Config)
	if err != nil {
		return fmt.Errorf("saving run %s: %w", r.ID, err)
	}
	return nil
}

// FinishRun stamps the end time and final equity of a run.
func (s *SQLiteStore) FinishRun(ctx context.Context, runID string, finishedAt time.Time, finalEquity float64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET finished_at = ?, final_equity = ? WHERE id = ?`,
		millis(finishedAt), finalEquity, runID)
	if err != nil {
		return fmt.Errorf("finishing run %s: %w", runID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finishing run %s: %w", runID, ErrRunNotFound)
	}
	return nil
}

// GetRun returns the run with the given ID.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, mode, started_at, finished_at, initial_cash, final_equity, config FROM runs WHERE id = ?`, runID)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("run %s: %w", runID, ErrRunNotFound)
	}
	return r, err
}

// ListRuns returns all runs, most recent first.
func (s *SQLiteStore) ListRuns(ctx context.Context) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, mode, started_at, finished_at, initial_cash, final_equity, config FROM runs ORDER BY started_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (Run, error) {
	var r Run
	var started, finished int64
	if err := sc.Scan(&r.ID, &r.Mode, &started, &finished, &r.InitialCash, &r.FinalEquity, &r.Config); err != nil {
		return Run{}, err
	}
	r.StartedAt, r.FinishedAt = fromMillis(started), fromMillis(finished)
	return r, nil
}

// ---------------------------------------------------------------------------
// Intents and fills
// ---------------------------------------------------------------------------

// SaveIntent appends an intent to the run's journal.
func (s *SQLiteStore) SaveIntent(ctx context.Context, runID string, i domain.OrderIntent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO intents (run_id, seq, id, symbol, side, qty, price_hint, strategy_id, ts)
		 VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM intents WHERE run_id = ?), ?, ?, ?, ?, ?, ?, ?)`,
		runID, runID, i.ID, i.Symbol, string(i.Side), i.Qty, i.PriceHint, i.StrategyID, millis(i.Timestamp))
	if err != nil {
		return fmt.Errorf("saving intent %s: %w", i.ID, err)
	}
	return nil
}

// ListIntents returns the run's intents in submission order.
func (s *SQLiteStore) ListIntents(ctx context.Context, runID string) ([]domain.OrderIntent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, symbol, side, qty, price_hint, strategy_id, ts FROM intents WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("listing intents: %w", err)
	}
	defer rows.Close()

	var out []domain.OrderIntent
	for rows.Next() {
		var i domain.OrderIntent
		var side string
		var ts int64
		if err := rows.Scan(&i.ID, &i.Symbol, &side, &i.Qty, &i.PriceHint, &i.StrategyID, &ts); err != nil {
			return nil, err
		}
		i.Side, i.Timestamp = domain.Side(side), fromMillis(ts)
		out = append(out, i)
	}
	return out, rows.Err()
}

// SaveFill appends a fill to the run's journal.
func (s *SQLiteStore) SaveFill(ctx context.Context, runID string, f domain.Fill) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO fills (run_id, seq, intent_id, symbol, side, qty, price, fees, strategy_id, ts)
		 VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM fills WHERE run_id = ?), ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, runID, f.IntentID, f.Symbol, string(f.Side), f.Qty, f.Price, f.Fees, f.StrategyID, millis(f.Timestamp))
	if err != nil {
		return fmt.Errorf("saving fill for %s: %w", f.IntentID, err)
	}
	return nil
}

// ListFills returns the run's fills in execution order.
func (s *SQLiteStore) ListFills(ctx context.Context, runID string) ([]domain.Fill, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT intent_id, symbol, side, qty, price, fees, strategy_id, ts FROM fills WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("listing fills: %w", err)
	}
	defer rows.Close()

	var out []domain.Fill
	for rows.Next() {
		var f domain.Fill
		var side string
		var ts int64
		if err := rows.Scan(&f.IntentID, &f.Symbol, &side, &f.Qty, &f.Price, &f.Fees, &f.StrategyID, &ts); err != nil {
			return nil, err
		}
		f.Side, f.Timestamp = domain.Side(side), fromMillis(ts)
		out = append(out, f)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Positions and equity
// ---------------------------------------------------------------------------

// SavePositions replaces the run's position records.
func (s *SQLiteStore) SavePositions(ctx context.Context, runID string, positions []domain.Position) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM positions WHERE run_id = ?`, runID); err != nil {
		return fmt.Errorf("clearing positions: %w", err)
	}
	for _, p := range positions {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO positions (run_id, symbol, qty, avg_cost, realized_pnl) VALUES (?, ?, ?, ?, ?)`,
			runID, p.Symbol, p.Qty, p.AvgCost, p.RealizedPnL); err != nil {
			return fmt.Errorf("saving position %s: %w", p.Symbol, err)
		}
	}
	return tx.Commit()
}

// ListPositions returns the run's positions sorted by symbol.
func (s *SQLiteStore) ListPositions(ctx context.Context, runID string) ([]domain.Position, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT symbol, qty, avg_cost, realized_pnl FROM positions WHERE run_id = ? ORDER BY symbol`, runID)
	if err != nil {
		return nil, fmt.Errorf("listing positions: %w", err)
	}
	defer rows.Close()

	var out []domain.Position
	for rows.Next() {
		var p domain.Position
		if err := rows.Scan(&p.Symbol, &p.Qty, &p.AvgCost, &p.RealizedPnL); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SaveEquity upserts equity snapshots keyed by timestamp.
func (s *SQLiteStore) SaveEquity(ctx context.Context, runID string, snaps []domain.EquitySnapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR REPLACE INTO equity (run_id, ts, cash, market_value, equity) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, e := range snaps {
		if _, err := stmt.ExecContext(ctx, runID, millis(e.Timestamp), e.Cash, e.MarketValue, e.Equity); err != nil {
			return fmt.Errorf("saving equity: %w", err)
		}
	}
	return tx.Commit()
}

// ListEquity returns the run's equity curve in time order.
func (s *SQLiteStore) ListEquity(ctx context.Context, runID string) ([]domain.EquitySnapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ts, cash, market_value, equity FROM equity WHERE run_id = ? ORDER BY ts`, runID)
	if err != nil {
		return nil, fmt.Errorf("listing equity: %w", err)
	}
	defer rows.Close()

	var out []domain.EquitySnapshot
	for rows.Next() {
		var e domain.EquitySnapshot
		var ts int64
		if err := rows.Scan(&ts, &e.Cash, &e.MarketValue, &e.Equity); err != nil {
			return nil, err
		}
		e.Timestamp = fromMillis(ts)
		out = append(out, e)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Run recorder
// ---------------------------------------------------------------------------

// RunRecorder journals intents and fills of one run as they happen. It
// satisfies the engine's listener interface.
type RunRecorder struct {
	j     Journal
	runID string
}

// Recorder returns a RunRecorder for runID.
func (s *SQLiteStore) Recorder(runID string) *RunRecorder {
	return &RunRecorder{j: s, runID: runID}
}

// RunID returns the run being recorded.
func (r *RunRecorder) RunID() string { return r.runID }

// OnIntent journals intent.
func (r *RunRecorder) OnIntent(ctx context.Context, intent domain.OrderIntent) error {
	return r.j.SaveIntent(ctx, r.runID, intent)
}

// OnFill journals fill.
func (r *RunRecorder) OnFill(ctx context.Context, fill domain.Fill) error {
	return r.j.SaveFill(ctx, r.runID, fill)
}
