package rabbitmq

import (
	"context"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/LeonardoBeccarini/smartpots/pkg/errcode"
	"github.com/LeonardoBeccarini/smartpots/pkg/log"
)

// IPublisher publishes raw payloads on arbitrary topics of one connection.
type IPublisher interface {
	// PublishTo hands the payload to the client without waiting for the broker ack.
	// It fails with errcode.TransportUnavailable when the connection is down or the
	// client rejects the message immediately.
	PublishTo(ctx context.Context, topic string, qos byte, retained bool, payload []byte) error
	Close()
}

// Publisher is the IPublisher backed by a paho client.
type Publisher struct {
	client mqtt.Client
}

var _ IPublisher = (*Publisher)(nil)

// NewPublisher creates a Publisher on the shared MQTT client.
func NewPublisher(client mqtt.Client) *Publisher {
	return &Publisher{client: client}
}

func (p *Publisher) PublishTo(ctx context.Context, topic string, qos byte, retained bool, payload []byte) error {
	if p.client == nil || !p.client.IsConnectionOpen() {
		return errcode.Wrap(errcode.TransportUnavailable, "publish "+topic, nil)
	}

	token := p.client.Publish(topic, qos, retained, payload)
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return errcode.Wrap(errcode.TransportUnavailable, "publish "+topic, err)
		}
	default:
		// ack still in flight; report late failures without blocking the caller
		go func() {
			<-token.Done()
			if err := token.Error(); err != nil {
				log.Ctx(ctx).Error("publish failed after enqueue", "topic", topic, "error", err)
			}
		}()
	}

	log.Ctx(ctx).Debug("published", "topic", topic, "qos", qos, "retained", retained, "bytes", len(payload))
	return nil
}

// Close disconnects the underlying client.
func (p *Publisher) Close() {
	if p.client != nil && p.client.IsConnected() {
		p.client.Disconnect(250)
		log.Ctx(context.Background()).Info("MQTT client disconnected")
	}
}
