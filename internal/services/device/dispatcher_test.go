package device

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeonardoBeccarini/smartpots/internal/model"
	"github.com/LeonardoBeccarini/smartpots/pkg/errcode"
	"github.com/LeonardoBeccarini/smartpots/pkg/rabbitmq"
	"github.com/LeonardoBeccarini/smartpots/pkg/rabbitmq/rabbitmqtest"
)

func TestDispatcher(t *testing.T) {
	c := rabbitmqtest.NewClient()
	d := NewDispatcher(rabbitmq.NewPublisher(c), nil)
	ctx := context.Background()

	require.NoError(t, d.SendPower(ctx, "3", true))
	require.NoError(t, d.SendPower(ctx, "3", false))
	require.NoError(t, d.SendModeChange(ctx, "3", model.ModeManual, nil))
	require.NoError(t, d.SendSchedule(ctx, "3", model.Schedule{StartHour: 6, EndHour: 7, Days: []time.Weekday{time.Monday}}))

	pub := c.Published()
	require.Len(t, pub, 5)
	for _, p := range pub[:4] {
		assert.Equal(t, "pot/3/command", p.Topic)
		assert.Equal(t, byte(1), p.QoS)
		assert.False(t, p.Retained)
	}
	assert.JSONEq(t, `{"action":"on"}`, string(pub[0].Payload))
	assert.JSONEq(t, `{"action":"off"}`, string(pub[1].Payload))
	assert.JSONEq(t, `{"action":"change_mode","mode":"manual"}`, string(pub[2].Payload))
	assert.JSONEq(t, `{"action":"set_schedule","startHour":6,"startMinute":0,"endHour":7,"endMinute":0,"days":[1]}`, string(pub[3].Payload))

	assert.Equal(t, "pot/3/schedule", pub[4].Topic)
	assert.True(t, pub[4].Retained)
	assert.JSONEq(t, `{"startHour":6,"startMinute":0,"endHour":7,"endMinute":0,"days":[1]}`, string(pub[4].Payload))
}

func TestDispatcherTransportUnavailable(t *testing.T) {
	c := rabbitmqtest.NewClient()
	c.SetConnected(false)
	d := NewDispatcher(rabbitmq.NewPublisher(c), nil)

	err := d.SendPower(context.Background(), "3", true)
	assert.True(t, errors.Is(err, errcode.TransportUnavailable))

	err = d.SendSchedule(context.Background(), "3", model.Schedule{StartHour: 1, EndHour: 2, Days: []time.Weekday{0}})
	assert.True(t, errors.Is(err, errcode.TransportUnavailable))
	assert.Equal(t, 0, c.PublishCount())
}
