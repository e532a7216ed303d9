// Package storagemock is a testify mock of the storage methods used by the ledger,
// the advisory evaluator and the pot control flow.
package storagemock

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/LeonardoBeccarini/smartpots/internal/model"
)

type Store struct {
	mock.Mock
}

func (m *Store) OpenSession(ctx context.Context, potID string, startedAt time.Time) (int64, error) {
	args := m.Called(ctx, potID, startedAt)
	return args.Get(0).(int64), args.Error(1)
}

func (m *Store) CloseSession(ctx context.Context, sessionID int64, endedAt time.Time, durationSeconds int64) error {
	return m.Called(ctx, sessionID, endedAt, durationSeconds).Error(0)
}

func (m *Store) AttachVolume(ctx context.Context, sessionID int64, liters float64) error {
	return m.Called(ctx, sessionID, liters).Error(0)
}

func (m *Store) FindOpenSession(ctx context.Context, potID string) (*model.WateringSession, error) {
	args := m.Called(ctx, potID)
	s, _ := args.Get(0).(*model.WateringSession)
	return s, args.Error(1)
}

func (m *Store) FindLatestSession(ctx context.Context, potID string) (*model.WateringSession, error) {
	args := m.Called(ctx, potID)
	s, _ := args.Get(0).(*model.WateringSession)
	return s, args.Error(1)
}

func (m *Store) ListSessions(ctx context.Context, potID string, limit int) ([]model.WateringSession, error) {
	args := m.Called(ctx, potID, limit)
	s, _ := args.Get(0).([]model.WateringSession)
	return s, args.Error(1)
}

func (m *Store) GetSchedule(ctx context.Context, potID string) (*model.Schedule, error) {
	args := m.Called(ctx, potID)
	s, _ := args.Get(0).(*model.Schedule)
	return s, args.Error(1)
}

func (m *Store) SaveSchedule(ctx context.Context, s model.Schedule) error {
	return m.Called(ctx, s).Error(0)
}

func (m *Store) CreatePot(ctx context.Context, p model.Pot) error {
	return m.Called(ctx, p).Error(0)
}

func (m *Store) GetPot(ctx context.Context, potID string) (*model.Pot, error) {
	args := m.Called(ctx, potID)
	p, _ := args.Get(0).(*model.Pot)
	return p, args.Error(1)
}

func (m *Store) ListPots(ctx context.Context) ([]model.Pot, error) {
	args := m.Called(ctx)
	p, _ := args.Get(0).([]model.Pot)
	return p, args.Error(1)
}

func (m *Store) SetStatus(ctx context.Context, potID string, on bool) error {
	return m.Called(ctx, potID, on).Error(0)
}

func (m *Store) SetMode(ctx context.Context, potID string, mode model.Mode) error {
	return m.Called(ctx, potID, mode).Error(0)
}

func (m *Store) DeletePot(ctx context.Context, potID string) error {
	return m.Called(ctx, potID).Error(0)
}
