package rabbitmq

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/LeonardoBeccarini/smartpots/pkg/log"
)

// RabbitMQConfig describes the broker connection. The broker speaks MQTT 3.1.1
// (RabbitMQ MQTT plugin, mosquitto or a public broker all work).
type RabbitMQConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	ClientID string

	ConnectTimeout time.Duration
	MaxRetries     int

	// OnConnect runs after every (re)connection, before subscriptions are restored.
	OnConnect func(mqtt.Client)
	// OnConnectionLost runs when the connection drops; paho reconnects on its own.
	OnConnectionLost func(mqtt.Client, error)
}

func (cfg *RabbitMQConfig) brokerURL() string {
	return fmt.Sprintf("tcp://%s:%d", cfg.Host, cfg.Port)
}

func (cfg *RabbitMQConfig) clientOptions() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.brokerURL())
	if cfg.User != "" {
		opts.SetUsername(cfg.User)
		opts.SetPassword(cfg.Password)
	}
	opts.SetClientID(cfg.ClientID)
	// persistent session so QoS1 telemetry queued while we were away is delivered
	opts.SetCleanSession(false)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(false)
	opts.SetOrderMatters(false)
	if cfg.ConnectTimeout > 0 {
		opts.SetConnectTimeout(cfg.ConnectTimeout)
	}
	if cfg.OnConnect != nil {
		opts.SetOnConnectHandler(cfg.OnConnect)
	}
	if cfg.OnConnectionLost != nil {
		opts.SetConnectionLostHandler(cfg.OnConnectionLost)
	}
	return opts
}

// NewRabbitMQConn connects to the broker with exponential backoff and returns the client.
// The client is disconnected when ctx is done.
func NewRabbitMQConn(cfg *RabbitMQConfig, ctx context.Context) (mqtt.Client, error) {
	opts := cfg.clientOptions()

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 10 * time.Second
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 5
	}

	var client mqtt.Client
	err := backoff.Retry(func() error {
		client = mqtt.NewClient(opts)
		if token := client.Connect(); token.Wait() && token.Error() != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to connect to MQTT broker", "broker", cfg.brokerURL(), "error", token.Error())
			return token.Error()
		}
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(maxRetries-1)), ctx))
	if err != nil {
		return nil, fmt.Errorf("could not establish MQTT connection after retries: %w", err)
	}

	log.Ctx(ctx).InfoContext(ctx, "connected to MQTT broker", "broker", cfg.brokerURL(), "clientID", cfg.ClientID)

	go func() {
		<-ctx.Done()
		client.Disconnect(250)
		log.Ctx(ctx).Info("MQTT connection is closed")
	}()

	return client, nil
}

func CloseRabbitMQConn(client mqtt.Client) {
	if client.IsConnected() {
		client.Disconnect(250)
		log.Ctx(context.Background()).Info("MQTT connection successfully closed")
	}
}
