// Package rabbitmqtest provides an in-memory paho client for tests.
package rabbitmqtest

import (
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Published is one message handed to Client.Publish.
type Published struct {
	Topic    string
	QoS      byte
	Retained bool
	Payload  []byte
}

// Client implements mqtt.Client without a broker. Messages published through it are
// recorded; Deliver pushes inbound messages to matching subscriptions synchronously.
type Client struct {
	mu        sync.Mutex
	connected bool
	published []Published
	subs      map[string]mqtt.MessageHandler
	nextID    uint16

	// PublishErr, when set, completes every publish token with this error.
	PublishErr error
	// OnPublish runs after a publish has been recorded, outside the client lock.
	OnPublish func(Published)
}

var _ mqtt.Client = (*Client)(nil)

func NewClient() *Client {
	return &Client{connected: true, subs: make(map[string]mqtt.MessageHandler)}
}

func (c *Client) SetConnected(connected bool) {
	c.mu.Lock()
	c.connected = connected
	c.mu.Unlock()
}

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Client) IsConnectionOpen() bool { return c.IsConnected() }

func (c *Client) Connect() mqtt.Token {
	c.SetConnected(true)
	return doneToken(nil)
}

func (c *Client) Disconnect(uint) { c.SetConnected(false) }

func (c *Client) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return doneToken(mqtt.ErrNotConnected)
	}
	if c.PublishErr != nil {
		err := c.PublishErr
		c.mu.Unlock()
		return doneToken(err)
	}
	var b []byte
	switch p := payload.(type) {
	case []byte:
		b = append([]byte(nil), p...)
	case string:
		b = []byte(p)
	}
	msg := Published{Topic: topic, QoS: qos, Retained: retained, Payload: b}
	c.published = append(c.published, msg)
	hook := c.OnPublish
	c.mu.Unlock()

	if hook != nil {
		hook(msg)
	}
	return doneToken(nil)
}

func (c *Client) Subscribe(topic string, _ byte, callback mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return doneToken(mqtt.ErrNotConnected)
	}
	c.subs[topic] = callback
	return doneToken(nil)
}

func (c *Client) SubscribeMultiple(filters map[string]byte, callback mqtt.MessageHandler) mqtt.Token {
	for f, q := range filters {
		if t := c.Subscribe(f, q, callback); t.Error() != nil {
			return t
		}
	}
	return doneToken(nil)
}

func (c *Client) Unsubscribe(topics ...string) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range topics {
		delete(c.subs, t)
	}
	return doneToken(nil)
}

func (c *Client) AddRoute(topic string, callback mqtt.MessageHandler) {
	c.mu.Lock()
	c.subs[topic] = callback
	c.mu.Unlock()
}

func (c *Client) OptionsReader() mqtt.ClientOptionsReader { return mqtt.ClientOptionsReader{} }

// Subscribed reports whether a filter is currently subscribed.
func (c *Client) Subscribed(filter string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subs[filter]
	return ok
}

// Published returns a copy of everything published so far.
func (c *Client) Published() []Published {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Published(nil), c.published...)
}

// PublishCount returns how many messages were published.
func (c *Client) PublishCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.published)
}

// Deliver sends a first-delivery QoS1 message to every matching subscription.
func (c *Client) Deliver(topic string, payload []byte) {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.mu.Unlock()
	c.DeliverMessage(&Message{TopicName: topic, Body: payload, QoSLevel: 1, ID: id})
}

// DeliverMessage sends msg to every matching subscription.
func (c *Client) DeliverMessage(msg *Message) {
	c.mu.Lock()
	var handlers []mqtt.MessageHandler
	for filter, h := range c.subs {
		if Match(filter, msg.TopicName) {
			handlers = append(handlers, h)
		}
	}
	c.mu.Unlock()
	for _, h := range handlers {
		h(c, msg)
	}
}

// Match implements MQTT topic filter matching with + and # wildcards.
func Match(filter, topic string) bool {
	fs := strings.Split(filter, "/")
	ts := strings.Split(topic, "/")
	for i, f := range fs {
		if f == "#" {
			return true
		}
		if i >= len(ts) {
			return false
		}
		if f != "+" && f != ts[i] {
			return false
		}
	}
	return len(fs) == len(ts)
}

// Message implements mqtt.Message.
type Message struct {
	TopicName string
	Body      []byte
	QoSLevel  byte
	ID        uint16
	Dup       bool
	Retain    bool
}

var _ mqtt.Message = (*Message)(nil)

func (m *Message) Duplicate() bool   { return m.Dup }
func (m *Message) Qos() byte         { return m.QoSLevel }
func (m *Message) Retained() bool    { return m.Retain }
func (m *Message) Topic() string     { return m.TopicName }
func (m *Message) MessageID() uint16 { return m.ID }
func (m *Message) Payload() []byte   { return m.Body }
func (m *Message) Ack()              {}

type token struct {
	done chan struct{}
	err  error
}

func doneToken(err error) mqtt.Token {
	t := &token{done: make(chan struct{}), err: err}
	close(t.done)
	return t
}

func (t *token) Wait() bool                     { return true }
func (t *token) WaitTimeout(time.Duration) bool { return true }
func (t *token) Done() <-chan struct{}          { return t.done }
func (t *token) Error() error                   { return t.err }
