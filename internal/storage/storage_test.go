package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeonardoBeccarini/smartpots/internal/model"
)

func newStore(t *testing.T, pots ...string) *SQLite {
	t.Helper()
	db, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	s := New(db)
	for _, id := range pots {
		require.NoError(t, s.CreatePot(context.Background(), model.Pot{ID: id}))
	}
	return s
}

func TestSessionLifecycle(t *testing.T) {
	s := newStore(t, "1")
	ctx := context.Background()
	start := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

	_, err := s.FindOpenSession(ctx, "1")
	assert.True(t, errors.Is(err, ErrNotFound))

	id, err := s.OpenSession(ctx, "1", start)
	require.NoError(t, err)

	open, err := s.FindOpenSession(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, id, open.ID)
	assert.True(t, open.Open())
	assert.True(t, start.Equal(open.StartedAt))

	end := start.Add(95 * time.Second)
	require.NoError(t, s.CloseSession(ctx, id, end, 95))
	assert.True(t, errors.Is(s.CloseSession(ctx, id, end, 95), ErrNotFound), "already closed")

	_, err = s.FindOpenSession(ctx, "1")
	assert.True(t, errors.Is(err, ErrNotFound))

	require.NoError(t, s.AttachVolume(ctx, id, 1.25))
	require.NoError(t, s.AttachVolume(ctx, id, 1.5))
	latest, err := s.FindLatestSession(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, id, latest.ID)
	require.NotNil(t, latest.EndedAt)
	assert.True(t, end.Equal(*latest.EndedAt))
	assert.Equal(t, int64(95), *latest.DurationSeconds)
	assert.Equal(t, 1.5, *latest.WaterLiters, "latest report wins")

	assert.True(t, errors.Is(s.AttachVolume(ctx, 999, 1), ErrNotFound))
}

func TestListSessions(t *testing.T) {
	s := newStore(t, "1", "2")
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		_, err := s.OpenSession(ctx, "1", base.Add(time.Duration(i)*time.Hour))
		require.NoError(t, err)
	}
	_, err := s.OpenSession(ctx, "2", base)
	require.NoError(t, err)

	got, err := s.ListSessions(ctx, "1", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, got[0].StartedAt.After(got[1].StartedAt), "newest first")

	got, err = s.ListSessions(ctx, "3", 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestPots(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	_, err := s.GetPot(ctx, "1")
	assert.True(t, errors.Is(err, ErrPotNotFound))
	assert.True(t, errors.Is(s.SetStatus(ctx, "1", true), ErrPotNotFound))
	assert.True(t, errors.Is(s.SetMode(ctx, "1", model.ModeScheduled), ErrPotNotFound))

	require.NoError(t, s.CreatePot(ctx, model.Pot{ID: "1", Name: "basil", SpeciesID: 4}))
	require.NoError(t, s.SetStatus(ctx, "1", true))
	require.NoError(t, s.SetMode(ctx, "1", model.ModeScheduled))

	p, err := s.GetPot(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, "basil", p.Name)
	assert.Equal(t, int64(4), p.SpeciesID)
	assert.True(t, p.Status)
	assert.Equal(t, model.ModeScheduled, p.Mode)
	assert.False(t, p.CreatedAt.IsZero())

	pots, err := s.ListPots(ctx)
	require.NoError(t, err)
	assert.Len(t, pots, 1)
}

func TestSchedules(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreatePot(ctx, model.Pot{ID: "1"}))

	_, err := s.GetSchedule(ctx, "1")
	assert.True(t, errors.Is(err, ErrNotFound))

	sc := model.Schedule{PotID: "1", StartHour: 22, EndHour: 6, Days: []time.Weekday{time.Friday, time.Saturday}}
	require.NoError(t, s.SaveSchedule(ctx, sc))
	sc.StartHour = 21
	sc.Days = []time.Weekday{time.Sunday}
	require.NoError(t, s.SaveSchedule(ctx, sc), "upsert")

	got, err := s.GetSchedule(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, sc, *got)

	err = s.SaveSchedule(ctx, model.Schedule{PotID: "404", StartHour: 1, EndHour: 2, Days: []time.Weekday{0}})
	assert.True(t, errors.Is(err, ErrPotNotFound))
}

func TestSessionsNeedAKnownPot(t *testing.T) {
	s := newStore(t)
	_, err := s.OpenSession(context.Background(), "ghost", time.Now())
	assert.True(t, errors.Is(err, ErrPotNotFound))
}

func TestDeletePot(t *testing.T) {
	s := newStore(t, "1", "2")
	ctx := context.Background()

	require.NoError(t, s.SaveSchedule(ctx, model.Schedule{PotID: "1", StartHour: 6, EndHour: 7, Days: []time.Weekday{1}}))
	_, err := s.OpenSession(ctx, "1", time.Now())
	require.NoError(t, err)

	require.NoError(t, s.DeletePot(ctx, "1"))
	_, err = s.GetPot(ctx, "1")
	assert.True(t, errors.Is(err, ErrPotNotFound))
	_, err = s.GetSchedule(ctx, "1")
	assert.True(t, errors.Is(err, ErrNotFound))
	sessions, err := s.ListSessions(ctx, "1", 10)
	require.NoError(t, err)
	assert.Empty(t, sessions)

	assert.True(t, errors.Is(s.DeletePot(ctx, "1"), ErrPotNotFound))
	_, err = s.GetPot(ctx, "2")
	assert.NoError(t, err, "other pots are untouched")
}
