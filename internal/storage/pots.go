package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/LeonardoBeccarini/smartpots/internal/model"
)

func (s *SQLite) CreatePot(ctx context.Context, p model.Pot) error {
	if p.Mode == "" {
		p.Mode = model.ModeManual
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pots (id, name, species_id, status, mode, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.SpeciesID, p.Status, string(p.Mode), formatTime(p.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("create pot %s: %w", p.ID, err)
	}
	return nil
}

func (s *SQLite) GetPot(ctx context.Context, potID string) (*model.Pot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, species_id, status, mode, created_at FROM pots WHERE id = ?`,
		potID,
	)
	return scanPot(row)
}

func (s *SQLite) ListPots(ctx context.Context) ([]model.Pot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, species_id, status, mode, created_at FROM pots ORDER BY created_at`,
	)
	if err != nil {
		return nil, fmt.Errorf("list pots: %w", err)
	}
	defer rows.Close()

	var pots []model.Pot
	for rows.Next() {
		p, err := scanPot(rows)
		if err != nil {
			return nil, err
		}
		pots = append(pots, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list pots: %w", err)
	}
	return pots, nil
}

func (s *SQLite) SetStatus(ctx context.Context, potID string, on bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE pots SET status = ? WHERE id = ?`, on, potID)
	if err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	return affectedOne(res, ErrPotNotFound)
}

func (s *SQLite) SetMode(ctx context.Context, potID string, mode model.Mode) error {
	res, err := s.db.ExecContext(ctx, `UPDATE pots SET mode = ? WHERE id = ?`, string(mode), potID)
	if err != nil {
		return fmt.Errorf("set mode: %w", err)
	}
	return affectedOne(res, ErrPotNotFound)
}

// DeletePot removes the pot's schedule, then the pot. Its watering sessions go with it.
func (s *SQLite) DeletePot(ctx context.Context, potID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM pot_schedules WHERE pot_id = ?`, potID); err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM pots WHERE id = ?`, potID)
	if err != nil {
		return fmt.Errorf("delete pot: %w", err)
	}
	return affectedOne(res, ErrPotNotFound)
}

// SaveSchedule replaces the pot's schedule.
func (s *SQLite) SaveSchedule(ctx context.Context, sc model.Schedule) error {
	days, err := json.Marshal(sc.Days)
	if err != nil {
		return fmt.Errorf("encode days: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO pot_schedules (pot_id, start_hour, start_minute, end_hour, end_minute, days, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (pot_id) DO UPDATE SET
			start_hour = excluded.start_hour,
			start_minute = excluded.start_minute,
			end_hour = excluded.end_hour,
			end_minute = excluded.end_minute,
			days = excluded.days,
			updated_at = excluded.updated_at`,
		sc.PotID, sc.StartHour, sc.StartMinute, sc.EndHour, sc.EndMinute, string(days), formatTime(time.Now()),
	)
	if err != nil {
		// the only foreign key is pot_id
		if isForeignKeyErr(err) {
			return ErrPotNotFound
		}
		return fmt.Errorf("save schedule: %w", err)
	}
	return nil
}

func (s *SQLite) GetSchedule(ctx context.Context, potID string) (*model.Schedule, error) {
	var (
		sc   = model.Schedule{PotID: potID}
		days string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT start_hour, start_minute, end_hour, end_minute, days FROM pot_schedules WHERE pot_id = ?`,
		potID,
	).Scan(&sc.StartHour, &sc.StartMinute, &sc.EndHour, &sc.EndMinute, &days)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get schedule: %w", err)
	}
	if err := json.Unmarshal([]byte(days), &sc.Days); err != nil {
		return nil, fmt.Errorf("decode days: %w", err)
	}
	return &sc, nil
}

func scanPot(sc scanner) (*model.Pot, error) {
	var (
		p       model.Pot
		mode    string
		created string
	)
	if err := sc.Scan(&p.ID, &p.Name, &p.SpeciesID, &p.Status, &mode, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPotNotFound
		}
		return nil, fmt.Errorf("scan pot: %w", err)
	}
	p.Mode = model.Mode(mode)
	t, err := parseTime(created)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	p.CreatedAt = t
	return &p, nil
}
