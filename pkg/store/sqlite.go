// Package store persists local position state so a restart does not forget
// what the orchestrator has open.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gregtusar/sigtrader/pkg/models"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// PositionStore is the persistence the position book writes through.
type PositionStore interface {
	SavePosition(ctx context.Context, state models.PositionState) error
	ListPositions(ctx context.Context) ([]models.PositionState, error)
	DeletePosition(ctx context.Context, instrumentID string) error
}

var _ PositionStore = (*SQLiteStore)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS positions (
	instrument_id TEXT PRIMARY KEY,
	side          TEXT NOT NULL,
	open_quantity INTEGER NOT NULL,
	updated_at    TEXT NOT NULL
)`

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at dbPath and makes sure the
// schema exists. ":memory:" gives a private in-memory database.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o750); err != nil {
			return nil, fmt.Errorf("creating database dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// A single connection keeps writes serialized and in-memory databases shared.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SavePosition upserts the state. Flat states are removed instead of stored.
func (s *SQLiteStore) SavePosition(ctx context.Context, state models.PositionState) error {
	if state.IsFlat() {
		return s.DeletePosition(ctx, state.InstrumentID)
	}
	updated := state.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO positions (instrument_id, side, open_quantity, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(instrument_id) DO UPDATE SET side = excluded.side, open_quantity = excluded.open_quantity, updated_at = excluded.updated_at`,
		state.InstrumentID, string(state.Side), state.OpenQuantity, updated.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("saving position %s: %w", state.InstrumentID, err)
	}
	return nil
}

func (s *SQLiteStore) ListPositions(ctx context.Context) ([]models.PositionState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT instrument_id, side, open_quantity, updated_at FROM positions ORDER BY instrument_id`)
	if err != nil {
		return nil, fmt.Errorf("listing positions: %w", err)
	}
	defer rows.Close()

	var states []models.PositionState
	for rows.Next() {
		var (
			st      models.PositionState
			side    string
			updated string
		)
		if err := rows.Scan(&st.InstrumentID, &side, &st.OpenQuantity, &updated); err != nil {
			return nil, fmt.Errorf("scanning position: %w", err)
		}
		st.Side = models.PositionSide(side)
		if t, err := time.Parse(time.RFC3339Nano, updated); err == nil {
			st.UpdatedAt = t
		}
		states = append(states, st)
	}
	return states, rows.Err()
}

func (s *SQLiteStore) DeletePosition(ctx context.Context, instrumentID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM positions WHERE instrument_id = ?`, instrumentID); err != nil {
		return fmt.Errorf("deleting position %s: %w", instrumentID, err)
	}
	return nil
}
