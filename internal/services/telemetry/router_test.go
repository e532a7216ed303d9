package telemetry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/LeonardoBeccarini/smartpots/internal/model"
	"github.com/LeonardoBeccarini/smartpots/internal/services/ledger"
	"github.com/LeonardoBeccarini/smartpots/pkg/dedup"
	"github.com/LeonardoBeccarini/smartpots/pkg/rabbitmq/rabbitmqtest"
)

type ledgerMock struct {
	mock.Mock
}

func (m *ledgerMock) ApplyStatus(ctx context.Context, potID string, on bool) (ledger.Outcome, error) {
	args := m.Called(ctx, potID, on)
	return args.Get(0).(ledger.Outcome), args.Error(1)
}

func (m *ledgerMock) RecordVolume(ctx context.Context, potID string, liters float64) (ledger.Outcome, error) {
	args := m.Called(ctx, potID, liters)
	return args.Get(0).(ledger.Outcome), args.Error(1)
}

type replies struct {
	mu     sync.Mutex
	topics []string
}

func (r *replies) Deliver(topic string, _ []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.topics = append(r.topics, topic)
	return true
}

type sink struct {
	logs     []model.LogReport
	statuses []model.StatusReport
}

func (s *sink) WriteLog(_ context.Context, _ string, r model.LogReport, _ time.Time) {
	s.logs = append(s.logs, r)
}

func (s *sink) WriteStatus(_ context.Context, _ string, r model.StatusReport, _ time.Time) {
	s.statuses = append(s.statuses, r)
}

func newRouter() (*Router, *ledgerMock, *replies, *sink) {
	l := &ledgerMock{}
	rp := &replies{}
	s := &sink{}
	return NewRouter(dedup.New(time.Minute, 100), rp, l, s, nil), l, rp, s
}

var msgID uint16

func msg(topic, payload string) *rabbitmqtest.Message {
	msgID++
	return &rabbitmqtest.Message{TopicName: topic, Body: []byte(payload), QoSLevel: 1, ID: msgID}
}

func TestRouteStatus(t *testing.T) {
	r, l, rp, s := newRouter()
	l.On("ApplyStatus", mock.Anything, "4", true).Return(ledger.OutcomeOpened, nil).Once()
	l.On("ApplyStatus", mock.Anything, "4", false).Return(ledger.OutcomeClosed, nil).Once()
	l.On("RecordVolume", mock.Anything, "4", 1.2).Return(ledger.OutcomeAttached, nil).Once()

	require.NoError(t, r.Handle("pot/+/update/+", msg("pot/4/update/status", `{"status":true}`)))
	require.NoError(t, r.Handle("pot/+/update/+", msg("pot/4/update/status", `{"status":false,"water_consumed_liters":1.2}`)))

	l.AssertExpectations(t)
	assert.Empty(t, rp.topics, "status reports never answer requests")
	assert.Len(t, s.statuses, 2)
}

func TestRouteLog(t *testing.T) {
	r, l, rp, s := newRouter()
	l.On("RecordVolume", mock.Anything, "4", 0.5).Return(ledger.OutcomeOrphan, nil).Once()

	require.NoError(t, r.Handle("", msg("pot/4/update/log", `{"light_level":300}`)))
	require.NoError(t, r.Handle("", msg("pot/4/update/log", `{"water_consumed_liters":0.5}`)))

	l.AssertExpectations(t)
	l.AssertNotCalled(t, "ApplyStatus", mock.Anything, mock.Anything, mock.Anything)
	assert.Equal(t, []string{"pot/4/update/log", "pot/4/update/log"}, rp.topics)
	require.Len(t, s.logs, 2)
	assert.Equal(t, 300.0, *s.logs[0].LightLevel)
}

func TestRouteDropsBadInput(t *testing.T) {
	r, l, rp, s := newRouter()

	for _, m := range []*rabbitmqtest.Message{
		msg("pot/4/update", `{"status":true}`),
		msg("pot//update/status", `{"status":true}`),
		msg("pot/4/update/battery", `{"level":3}`),
		msg("pot/4/update/status", `{}`),
		msg("pot/4/update/status", `garbage`),
		msg("pot/4/update/log", `[1,2]`),
		msg("pot/4/update/status", `{"status":true,"water_consumed_liters":-3}`),
	} {
		assert.NoError(t, r.Handle("", m), m.TopicName)
	}

	l.AssertNotCalled(t, "ApplyStatus", mock.Anything, mock.Anything, mock.Anything)
	l.AssertNotCalled(t, "RecordVolume", mock.Anything, mock.Anything, mock.Anything)
	assert.Empty(t, rp.topics)
	assert.Empty(t, s.logs)
	assert.Empty(t, s.statuses)
}

func TestRouteDropsRedelivery(t *testing.T) {
	r, l, _, _ := newRouter()
	l.On("ApplyStatus", mock.Anything, "4", true).Return(ledger.OutcomeOpened, nil).Once()

	first := msg("pot/4/update/status", `{"status":true}`)
	require.NoError(t, r.Handle("", first))

	again := *first
	again.Dup = true
	require.NoError(t, r.Handle("", &again))

	l.AssertNumberOfCalls(t, "ApplyStatus", 1)
}

func TestRouteReturnsStorageErrors(t *testing.T) {
	r, l, _, _ := newRouter()
	boom := errors.New("db locked")
	l.On("ApplyStatus", mock.Anything, "4", true).Return(ledger.Outcome(""), boom)

	assert.ErrorIs(t, r.Handle("", msg("pot/4/update/status", `{"status":true,"water_consumed_liters":1}`)), boom)
	l.AssertNotCalled(t, "RecordVolume", mock.Anything, mock.Anything, mock.Anything)
}
