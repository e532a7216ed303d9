package rabbitmq

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeonardoBeccarini/smartpots/pkg/errcode"
	"github.com/LeonardoBeccarini/smartpots/pkg/rabbitmq/rabbitmqtest"
)

func TestPublishTo(t *testing.T) {
	ctx := context.Background()

	t.Run("Connected", func(t *testing.T) {
		client := rabbitmqtest.NewClient()
		p := NewPublisher(client)

		require.NoError(t, p.PublishTo(ctx, "pot/1/command", 1, false, []byte(`{"action":"on"}`)))
		pub := client.Published()
		require.Len(t, pub, 1)
		assert.Equal(t, "pot/1/command", pub[0].Topic)
		assert.Equal(t, byte(1), pub[0].QoS)
		assert.JSONEq(t, `{"action":"on"}`, string(pub[0].Payload))
	})

	t.Run("Disconnected", func(t *testing.T) {
		client := rabbitmqtest.NewClient()
		client.SetConnected(false)
		p := NewPublisher(client)

		err := p.PublishTo(ctx, "pot/1/command", 1, false, []byte(`{}`))
		assert.True(t, errors.Is(err, errcode.TransportUnavailable))
		assert.Equal(t, 0, client.PublishCount())
	})

	t.Run("RejectedByClient", func(t *testing.T) {
		client := rabbitmqtest.NewClient()
		client.PublishErr = errors.New("outbound queue full")
		p := NewPublisher(client)

		err := p.PublishTo(ctx, "pot/1/command", 1, false, []byte(`{}`))
		assert.Equal(t, errcode.TransportUnavailable, errcode.Of(err))
	})
}

func TestConsumeMessage(t *testing.T) {
	client := rabbitmqtest.NewClient()

	var handled atomic.Int32
	c := NewConsumer(client, nil, "pot/+/update/+")
	c.SetHandler(func(topic string, msg mqtt.Message) error {
		assert.Equal(t, "pot/+/update/+", topic)
		assert.Equal(t, "pot/3/update/status", msg.Topic())
		handled.Add(1)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.ConsumeMessage(ctx) }()

	require.Eventually(t, func() bool { return client.Subscribed("pot/+/update/+") }, time.Second, 5*time.Millisecond)

	client.Deliver("pot/3/update/status", []byte(`{"status":true}`))
	client.Deliver("other/topic", []byte(`{}`))
	assert.Equal(t, int32(1), handled.Load())

	cancel()
	require.NoError(t, <-done)
	assert.False(t, client.Subscribed("pot/+/update/+"))
}

func TestConsumeMessageSubscribeFails(t *testing.T) {
	client := rabbitmqtest.NewClient()
	client.SetConnected(false)

	err := NewConsumer(client, nil, "pot/+/update/+").ConsumeMessage(context.Background())
	assert.True(t, errors.Is(err, errcode.TransportUnavailable))
}

func TestQosFor(t *testing.T) {
	assert.Equal(t, byte(1), qosFor("pot/+/update/+"))
	assert.Equal(t, byte(1), qosFor("pot/7/command"))
	assert.Equal(t, byte(0), qosFor("sensor/data"))
}
