package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/LeonardoBeccarini/smartpots/internal/model"
)

const sessionColumns = `id, pot_id, started_at, ended_at, duration_seconds, water_liters`

// OpenSession inserts an open session and returns its id. An unknown pot yields
// ErrPotNotFound.
func (s *SQLite) OpenSession(ctx context.Context, potID string, startedAt time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO watering_sessions (pot_id, started_at) VALUES (?, ?)`,
		potID, formatTime(startedAt),
	)
	if err != nil {
		if isForeignKeyErr(err) {
			return 0, ErrPotNotFound
		}
		return 0, fmt.Errorf("open session: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("open session: %w", err)
	}
	return id, nil
}

// CloseSession sets the end of a session that is still open. A session that is
// unknown or already closed yields ErrNotFound.
func (s *SQLite) CloseSession(ctx context.Context, sessionID int64, endedAt time.Time, durationSeconds int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE watering_sessions
		 SET ended_at = ?, duration_seconds = ?
		 WHERE id = ? AND ended_at IS NULL`,
		formatTime(endedAt), durationSeconds, sessionID,
	)
	if err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	return affectedOne(res, ErrNotFound)
}

// AttachVolume records the water used by a session, replacing any earlier report.
func (s *SQLite) AttachVolume(ctx context.Context, sessionID int64, liters float64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE watering_sessions SET water_liters = ? WHERE id = ?`,
		liters, sessionID,
	)
	if err != nil {
		return fmt.Errorf("attach volume: %w", err)
	}
	return affectedOne(res, ErrNotFound)
}

// FindOpenSession returns the most recent open session of a pot.
func (s *SQLite) FindOpenSession(ctx context.Context, potID string) (*model.WateringSession, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM watering_sessions
		 WHERE pot_id = ? AND ended_at IS NULL
		 ORDER BY id DESC LIMIT 1`,
		potID,
	)
	return scanSession(row)
}

// FindLatestSession returns the most recently started session of a pot, open or not.
func (s *SQLite) FindLatestSession(ctx context.Context, potID string) (*model.WateringSession, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM watering_sessions
		 WHERE pot_id = ?
		 ORDER BY id DESC LIMIT 1`,
		potID,
	)
	return scanSession(row)
}

// ListSessions returns up to limit sessions of a pot, newest first.
func (s *SQLite) ListSessions(ctx context.Context, potID string, limit int) ([]model.WateringSession, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM watering_sessions
		 WHERE pot_id = ?
		 ORDER BY id DESC LIMIT ?`,
		potID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	sessions := make([]model.WateringSession, 0, limit)
	for rows.Next() {
		ws, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *ws)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}

func scanSession(sc scanner) (*model.WateringSession, error) {
	var (
		ws       model.WateringSession
		started  string
		ended    sql.NullString
		duration sql.NullInt64
		liters   sql.NullFloat64
	)
	if err := sc.Scan(&ws.ID, &ws.PotID, &started, &ended, &duration, &liters); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}

	var err error
	if ws.StartedAt, err = parseTime(started); err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	if ended.Valid {
		t, err := parseTime(ended.String)
		if err != nil {
			return nil, fmt.Errorf("parse ended_at: %w", err)
		}
		ws.EndedAt = &t
	}
	if duration.Valid {
		ws.DurationSeconds = &duration.Int64
	}
	if liters.Valid {
		ws.WaterLiters = &liters.Float64
	}
	return &ws, nil
}

func affectedOne(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}
