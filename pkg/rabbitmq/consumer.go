package rabbitmq

import (
	"context"
	"strings"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/LeonardoBeccarini/smartpots/pkg/errcode"
	"github.com/LeonardoBeccarini/smartpots/pkg/log"
)

// Handler processes one inbound message. Returned errors are logged by the consumer.
type Handler func(topic string, message mqtt.Message) error

// IConsumer subscribes a handler and blocks until ctx is done.
type IConsumer interface {
	ConsumeMessage(ctx context.Context) error
	SetHandler(handler Handler)
}

// Consumer subscribes one handler to one or more topic filters.
type Consumer struct {
	client  mqtt.Client
	handler Handler
	topics  []string
}

var _ IConsumer = (*Consumer)(nil)

// NewConsumer creates a Consumer on the shared MQTT client.
func NewConsumer(client mqtt.Client, handler Handler, topics ...string) *Consumer {
	return &Consumer{
		client:  client,
		topics:  topics,
		handler: handler,
	}
}

func (c *Consumer) SetHandler(handler Handler) {
	c.handler = handler
}

// qosFor: device reports are QoS1 so state transitions survive short disconnects.
func qosFor(topic string) byte {
	t := strings.TrimSpace(topic)
	if strings.HasPrefix(t, "pot/") {
		return 1
	}
	return 0
}

// ConsumeMessage subscribes every topic and blocks until ctx is cancelled, then unsubscribes.
// A subscription failure is returned immediately as errcode.TransportUnavailable.
func (c *Consumer) ConsumeMessage(ctx context.Context) error {
	for _, topic := range c.topics {
		topic := topic
		token := c.client.Subscribe(
			topic,
			qosFor(topic),
			func(_ mqtt.Client, msg mqtt.Message) {
				if c.handler == nil {
					log.Ctx(ctx).Warn("no handler set", "topic", topic)
					return
				}
				if err := c.handler(topic, msg); err != nil {
					log.Ctx(ctx).Error("error handling message", "topic", msg.Topic(), "error", err)
				}
			},
		)
		if token.Wait() && token.Error() != nil {
			return errcode.Wrap(errcode.TransportUnavailable, "subscribe "+topic, token.Error())
		}
		log.Ctx(ctx).Info("successfully subscribed", "topic", topic)
	}

	<-ctx.Done()

	if token := c.client.Unsubscribe(c.topics...); token.Wait() && token.Error() != nil {
		log.Ctx(ctx).Warn("unsubscribe failed", "error", token.Error())
	}
	return nil
}
