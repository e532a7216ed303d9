package ledger

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/LeonardoBeccarini/smartpots/internal/model"
	"github.com/LeonardoBeccarini/smartpots/internal/storage"
	"github.com/LeonardoBeccarini/smartpots/internal/storage/storagemock"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newLedger(t *testing.T) (*Ledger, *storage.SQLite, *clock) {
	t.Helper()
	db, err := storage.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	st := storage.New(db)
	for _, id := range []string{"1", "a", "b"} {
		require.NoError(t, st.CreatePot(context.Background(), model.Pot{ID: id}))
	}
	c := &clock{t: time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)}
	l := New(st, nil)
	l.Now = c.Now
	return l, st, c
}

func openCount(t *testing.T, st *storage.SQLite, potID string) int {
	t.Helper()
	sessions, err := st.ListSessions(context.Background(), potID, 1000)
	require.NoError(t, err)
	n := 0
	for _, s := range sessions {
		if s.Open() {
			n++
		}
	}
	return n
}

func TestPowerOnTwiceOpensOneSession(t *testing.T) {
	l, st, _ := newLedger(t)
	ctx := context.Background()

	out, err := l.PowerOn(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeOpened, out)

	out, err = l.PowerOn(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoOp, out)

	assert.Equal(t, 1, openCount(t, st, "1"))
}

func TestPowerOffWithoutSessionIsNoOp(t *testing.T) {
	l, st, _ := newLedger(t)
	ctx := context.Background()

	out, err := l.PowerOff(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoOp, out)

	sessions, err := st.ListSessions(ctx, "1", 10)
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestPowerOffRecordsDuration(t *testing.T) {
	l, st, c := newLedger(t)
	ctx := context.Background()

	_, err := l.ApplyStatus(ctx, "1", true)
	require.NoError(t, err)
	c.Advance(2*time.Minute + 700*time.Millisecond)
	out, err := l.ApplyStatus(ctx, "1", false)
	require.NoError(t, err)
	assert.Equal(t, OutcomeClosed, out)

	s, err := st.FindLatestSession(ctx, "1")
	require.NoError(t, err)
	require.NotNil(t, s.DurationSeconds)
	assert.Equal(t, int64(120), *s.DurationSeconds)
	assert.True(t, c.Now().Equal(*s.EndedAt))
}

func TestRecordVolume(t *testing.T) {
	ctx := context.Background()

	t.Run("OpenSession", func(t *testing.T) {
		l, st, _ := newLedger(t)
		_, err := l.PowerOn(ctx, "1")
		require.NoError(t, err)

		out, err := l.RecordVolume(ctx, "1", 0.4)
		require.NoError(t, err)
		assert.Equal(t, OutcomeAttached, out)
		s, err := st.FindOpenSession(ctx, "1")
		require.NoError(t, err)
		assert.Equal(t, 0.4, *s.WaterLiters)
	})

	t.Run("AfterCloseWithinWindow", func(t *testing.T) {
		l, st, c := newLedger(t)
		_, err := l.PowerOn(ctx, "1")
		require.NoError(t, err)
		_, err = l.PowerOff(ctx, "1")
		require.NoError(t, err)
		c.Advance(DefaultOrphanWindow)

		out, err := l.RecordVolume(ctx, "1", 2)
		require.NoError(t, err)
		assert.Equal(t, OutcomeAttached, out)
		s, err := st.FindLatestSession(ctx, "1")
		require.NoError(t, err)
		assert.Equal(t, 2.0, *s.WaterLiters)
	})

	t.Run("AfterWindow", func(t *testing.T) {
		l, st, c := newLedger(t)
		_, err := l.PowerOn(ctx, "1")
		require.NoError(t, err)
		_, err = l.PowerOff(ctx, "1")
		require.NoError(t, err)
		c.Advance(DefaultOrphanWindow + time.Second)

		out, err := l.RecordVolume(ctx, "1", 2)
		require.NoError(t, err)
		assert.Equal(t, OutcomeOrphan, out)
		s, err := st.FindLatestSession(ctx, "1")
		require.NoError(t, err)
		assert.Nil(t, s.WaterLiters)
	})

	t.Run("NoSession", func(t *testing.T) {
		l, st, _ := newLedger(t)
		out, err := l.RecordVolume(ctx, "1", 2)
		require.NoError(t, err)
		assert.Equal(t, OutcomeOrphan, out)
		sessions, err := st.ListSessions(ctx, "1", 10)
		require.NoError(t, err)
		assert.Empty(t, sessions, "orphan report creates no row")
	})

	t.Run("Invalid", func(t *testing.T) {
		l, _, _ := newLedger(t)
		_, err := l.PowerOn(ctx, "1")
		require.NoError(t, err)
		for _, v := range []float64{-1, math.NaN(), math.Inf(1)} {
			out, err := l.RecordVolume(ctx, "1", v)
			require.NoError(t, err)
			assert.Equal(t, OutcomeDiscarded, out)
		}
	})
}

func TestStatusReportUpdatesPot(t *testing.T) {
	l, st, _ := newLedger(t)
	ctx := context.Background()

	out, err := l.ApplyStatus(ctx, "1", true)
	require.NoError(t, err)
	assert.Equal(t, OutcomeOpened, out)
	p, err := st.GetPot(ctx, "1")
	require.NoError(t, err)
	assert.True(t, p.Status, "a device switching itself on is reflected on the pot")

	_, err = l.ApplyStatus(ctx, "1", false)
	require.NoError(t, err)
	p, err = st.GetPot(ctx, "1")
	require.NoError(t, err)
	assert.False(t, p.Status)
}

func TestUnknownPotWritesNothing(t *testing.T) {
	l, st, _ := newLedger(t)
	ctx := context.Background()

	out, err := l.ApplyStatus(ctx, "ghost", true)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnknownPot, out)

	out, err = l.PowerOn(ctx, "ghost")
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnknownPot, out)

	sessions, err := st.ListSessions(ctx, "ghost", 10)
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestNeverTwoOpenSessions(t *testing.T) {
	l, st, c := newLedger(t)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 200; i++ {
		pot := []string{"a", "b"}[rng.Intn(2)]
		_, err := l.ApplyStatus(ctx, pot, rng.Intn(2) == 0)
		require.NoError(t, err)
		c.Advance(time.Duration(rng.Intn(5000)) * time.Millisecond)
		assert.LessOrEqual(t, openCount(t, st, "a"), 1)
		assert.LessOrEqual(t, openCount(t, st, "b"), 1)
	}
}

func TestConcurrentPowerOn(t *testing.T) {
	l, st, _ := newLedger(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(on bool) {
			defer wg.Done()
			_, err := l.ApplyStatus(ctx, "1", on)
			assert.NoError(t, err)
		}(i%3 != 0)
	}
	wg.Wait()

	assert.LessOrEqual(t, openCount(t, st, "1"), 1)
	l.mu.Lock()
	assert.Empty(t, l.locks, "per-pot locks are released")
	l.mu.Unlock()
}

func TestStoreErrorsPropagate(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("disk full")

	st := &storagemock.Store{}
	st.On("FindOpenSession", mock.Anything, "1").Return(nil, storage.ErrNotFound)
	st.On("OpenSession", mock.Anything, "1", mock.Anything).Return(int64(0), boom)

	l := New(st, nil)
	_, err := l.PowerOn(ctx, "1")
	assert.ErrorIs(t, err, boom)

	st2 := &storagemock.Store{}
	st2.On("FindLatestSession", mock.Anything, "1").Return(nil, boom)
	l = New(st2, nil)
	_, err = l.RecordVolume(ctx, "1", 1)
	assert.ErrorIs(t, err, boom)

	st.AssertExpectations(t)
	st2.AssertExpectations(t)
}
