package advisory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/LeonardoBeccarini/smartpots/internal/model"
	"github.com/LeonardoBeccarini/smartpots/internal/services/device"
	"github.com/LeonardoBeccarini/smartpots/internal/storage"
	"github.com/LeonardoBeccarini/smartpots/internal/storage/storagemock"
	"github.com/LeonardoBeccarini/smartpots/internal/topics"
	"github.com/LeonardoBeccarini/smartpots/pkg/rabbitmq"
	"github.com/LeonardoBeccarini/smartpots/pkg/rabbitmq/rabbitmqtest"
)

// Sunday 2025-06-01
func at(hour int) time.Time {
	return time.Date(2025, 6, 1, hour, 0, 0, 0, time.UTC)
}

func newEvaluator(t *testing.T, timeout time.Duration) (*Evaluator, *device.Waiter, *rabbitmqtest.Client) {
	t.Helper()
	c := rabbitmqtest.NewClient()
	w := device.NewWaiter(rabbitmq.NewPublisher(c), nil)
	cfg := DefaultConfig()
	cfg.Location = time.UTC
	cfg.QueryTimeout = timeout
	return NewEvaluator(w, nil, cfg), w, c
}

func TestPeakHoursSkipDeviceQuery(t *testing.T) {
	e, _, c := newEvaluator(t, time.Second)
	for h := PeakStartHour; h <= PeakEndHour; h++ {
		assert.False(t, e.IsRecommended(context.Background(), "1", at(h)), h)
	}
	assert.Equal(t, 0, c.PublishCount())
}

func TestNoReplyAdvisesAgainst(t *testing.T) {
	e, w, c := newEvaluator(t, 60*time.Millisecond)

	start := time.Now()
	assert.False(t, e.IsRecommended(context.Background(), "1", at(8)))
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
	assert.Equal(t, 1, c.PublishCount())
	assert.Equal(t, 0, w.Pending())
}

func TestSunlightDecides(t *testing.T) {
	for payload, want := range map[string]bool{
		`{"sunny":true}`:      false,
		`{"light_level":100}`: true,
		`{"light_level":950}`: false,
	} {
		t.Run(payload, func(t *testing.T) {
			e, w, c := newEvaluator(t, time.Second)
			c.OnPublish = func(rabbitmqtest.Published) {
				w.Deliver(topics.Telemetry("1", topics.KindLog), []byte(payload))
			}
			assert.Equal(t, want, e.IsRecommended(context.Background(), "1", at(19)))
		})
	}
}

func TestTransportDownAdvisesAgainst(t *testing.T) {
	e, _, c := newEvaluator(t, time.Second)
	c.SetConnected(false)

	a := e.Advise(context.Background(), "1", at(7))
	assert.False(t, a.Recommended)
	assert.Equal(t, ReasonUnavailable, a.Reason)
}

func TestBreakerOpensAfterFailures(t *testing.T) {
	e, _, c := newEvaluator(t, 10*time.Millisecond)
	ctx := context.Background()

	for i := 0; i < int(DefaultConfig().BreakerFailures); i++ {
		assert.False(t, e.IsRecommended(ctx, "1", at(8)))
	}
	n := c.PublishCount()
	assert.Equal(t, int(DefaultConfig().BreakerFailures), n)

	assert.False(t, e.IsRecommended(ctx, "1", at(8)))
	assert.Equal(t, n, c.PublishCount(), "open breaker skips the device")

	e.IsRecommended(ctx, "2", at(8))
	assert.Equal(t, n+1, c.PublishCount(), "breakers are per pot")
}

func TestAdviseWithinSchedule(t *testing.T) {
	st := &storagemock.Store{}
	st.On("GetSchedule", mock.Anything, "1").Return(&model.Schedule{
		PotID: "1", StartHour: 12, EndHour: 14, Days: []time.Weekday{time.Sunday},
	}, nil)
	st.On("GetSchedule", mock.Anything, "2").Return(nil, storage.ErrNotFound)

	c := rabbitmqtest.NewClient()
	cfg := DefaultConfig()
	cfg.Location = time.UTC
	e := NewEvaluator(device.NewWaiter(rabbitmq.NewPublisher(c), nil), st, cfg)

	a := e.Advise(context.Background(), "1", at(13))
	require.False(t, a.Recommended, "schedule never overrides the advisory")
	assert.Equal(t, ReasonPeakHours, a.Reason)
	assert.True(t, a.WithinSchedule)

	a = e.Advise(context.Background(), "2", at(13))
	assert.False(t, a.WithinSchedule)
	st.AssertExpectations(t)
}
