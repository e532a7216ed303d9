package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-sqlite3"
)

var (
	// ErrNotFound is returned when a session or schedule lookup has no row.
	ErrNotFound = errors.New("not found")
	// ErrPotNotFound is returned by pot operations on an unknown id.
	ErrPotNotFound = errors.New("pot not found")
)

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const schema = `
CREATE TABLE IF NOT EXISTS pots (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	species_id INTEGER NOT NULL DEFAULT 0,
	status INTEGER NOT NULL DEFAULT 0,
	mode TEXT NOT NULL DEFAULT 'manual',
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS pot_schedules (
	pot_id TEXT PRIMARY KEY REFERENCES pots(id) ON DELETE CASCADE,
	start_hour INTEGER NOT NULL,
	start_minute INTEGER NOT NULL,
	end_hour INTEGER NOT NULL,
	end_minute INTEGER NOT NULL,
	days TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS watering_sessions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	pot_id TEXT NOT NULL REFERENCES pots(id) ON DELETE CASCADE,
	started_at TEXT NOT NULL,
	ended_at TEXT,
	duration_seconds INTEGER,
	water_liters REAL
);

CREATE INDEX IF NOT EXISTS watering_sessions_pot_open ON watering_sessions (pot_id, ended_at);

-- HTTP sessions, used by scs/sqlite3store
CREATE TABLE IF NOT EXISTS sessions (
	token TEXT PRIMARY KEY,
	data BLOB NOT NULL,
	expiry REAL NOT NULL
);

CREATE INDEX IF NOT EXISTS sessions_expiry_idx ON sessions (expiry);
`

// OpenSQLite opens (creating if needed) the database at path and applies the schema.
// ":memory:" gives a private in-memory database.
func OpenSQLite(path string) (*sql.DB, error) {
	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("%s?_foreign_keys=on&_busy_timeout=8000", path)
	database, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// one connection: the in-memory database lives exactly as long as it does
	database.SetMaxOpenConns(1)
	database.SetMaxIdleConns(1)
	database.SetConnMaxLifetime(0)
	if path != ":memory:" {
		database.SetConnMaxIdleTime(30 * time.Second)
	}

	if err := database.Ping(); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := database.Exec(schema); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return database, nil
}

// SQLite is the persistence collaborator of the ledger and the pot control flow.
// Every method is a single statement; nothing spans a transaction.
type SQLite struct {
	db *sql.DB
}

func New(db *sql.DB) *SQLite {
	return &SQLite{db: db}
}

// Ping is used by the readiness check.
func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(timeLayout, raw)
	if err == nil {
		return t.UTC(), nil
	}
	t, err = time.Parse(time.RFC3339Nano, raw)
	if err == nil {
		return t.UTC(), nil
	}
	return time.Time{}, err
}

func isForeignKeyErr(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintForeignKey
}
