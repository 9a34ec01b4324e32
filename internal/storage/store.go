package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/glebarez/go-sqlite"

	"github.com/dasein108/cex-arbitrage-sub009/internal/event"
	"github.com/dasein108/cex-arbitrage-sub009/internal/hedge"
)

// SQLiteStore keeps contexts and the event journal in one SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database with WAL mode enabled.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	// One writer; SQLite serializes anyway and this avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %s: %w", pragma, err)
		}
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS contexts (
			id TEXT PRIMARY KEY,
			version INTEGER NOT NULL,
			state TEXT NOT NULL,
			payload BLOB NOT NULL,
			updated_at INTEGER NOT NULL
		);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create contexts table: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			engine TEXT NOT NULL,
			seq INTEGER NOT NULL,
			type INTEGER NOT NULL,
			ts INTEGER NOT NULL,
			payload BLOB NOT NULL,
			PRIMARY KEY (engine, seq)
		);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create events table: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) SaveContext(ctx context.Context, c hedge.Context) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal context %s: %w", c.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO contexts (id, version, state, payload, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			version=excluded.version, state=excluded.state,
			payload=excluded.payload, updated_at=excluded.updated_at
		WHERE excluded.version >= contexts.version`,
		c.ID, c.Version, string(c.State), payload, c.UpdatedUnixM,
	)
	if err != nil {
		return fmt.Errorf("failed to save context %s: %w", c.ID, err)
	}
	return nil
}

func (s *SQLiteStore) LoadContext(ctx context.Context, id string) (hedge.Context, bool, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, "SELECT payload FROM contexts WHERE id = ?", id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return hedge.Context{}, false, nil
	}
	if err != nil {
		return hedge.Context{}, false, fmt.Errorf("failed to load context %s: %w", id, err)
	}
	c, err := decodeContext(payload)
	if err != nil {
		return hedge.Context{}, false, err
	}
	return c, true, nil
}

func (s *SQLiteStore) ListContexts(ctx context.Context) ([]hedge.Context, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT payload FROM contexts ORDER BY id ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to query contexts: %w", err)
	}
	defer rows.Close()

	var out []hedge.Context
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan context: %w", err)
		}
		c, err := decodeContext(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) DeleteContext(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM contexts WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete context %s: %w", id, err)
	}
	return nil
}

// Publish appends ev to the journal. Re-publishing a sequence number the
// engine already journaled is a no-op.
func (s *SQLiteStore) Publish(ctx context.Context, ev event.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO events (engine, seq, type, ts, payload) VALUES (?, ?, ?, ?, ?)",
		ev.GetEngine(), ev.GetSeq(), ev.GetType(), ev.GetTs(), payload,
	)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

// GetLastSeq returns the highest journaled sequence number of engine, 0 if
// it has none.
func (s *SQLiteStore) GetLastSeq(ctx context.Context, engine string) (uint64, error) {
	var lastSeq sql.NullInt64
	err := s.db.QueryRowContext(ctx, "SELECT MAX(seq) FROM events WHERE engine = ?", engine).Scan(&lastSeq)
	if err != nil {
		return 0, fmt.Errorf("failed to get last seq: %w", err)
	}
	if !lastSeq.Valid {
		return 0, nil
	}
	return uint64(lastSeq.Int64), nil
}

// LoadEvents returns engine's journal from fromSeq (inclusive) in order.
func (s *SQLiteStore) LoadEvents(ctx context.Context, engine string, fromSeq uint64) ([]event.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT seq, type, payload FROM events WHERE engine = ? AND seq >= ? ORDER BY seq ASC",
		engine, fromSeq,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []event.Event
	for rows.Next() {
		var (
			seq     int64
			evType  int
			payload []byte
		)
		if err := rows.Scan(&seq, &evType, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev, err := event.Decode(event.Type(evType), payload)
		if err != nil {
			return nil, fmt.Errorf("event %s/%d: %w", engine, seq, err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return events, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func decodeContext(payload []byte) (hedge.Context, error) {
	var c hedge.Context
	if err := json.Unmarshal(payload, &c); err != nil {
		return hedge.Context{}, fmt.Errorf("failed to unmarshal context: %w", err)
	}
	return c, nil
}
