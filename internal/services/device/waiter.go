package device

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/LeonardoBeccarini/smartpots/internal/metrics"
	"github.com/LeonardoBeccarini/smartpots/internal/model"
	"github.com/LeonardoBeccarini/smartpots/internal/topics"
	"github.com/LeonardoBeccarini/smartpots/pkg/errcode"
	"github.com/LeonardoBeccarini/smartpots/pkg/log"
	"github.com/LeonardoBeccarini/smartpots/pkg/rabbitmq"
)

// DefaultSunnyLightLevel is the light reading at or above which a pot counts as sunny.
const DefaultSunnyLightLevel = 700

type waiting struct {
	id     string
	accept func([]byte) bool
	reply  chan []byte // buffered 1, written at most once
}

// Waiter turns a command plus a reply on a telemetry topic into a blocking call.
// Outstanding requests are kept per topic in registration order.
type Waiter struct {
	pub     rabbitmq.IPublisher
	metrics *metrics.Metrics

	// SunnyLightLevel is the CheckIfSunny threshold for reports without a sunny flag.
	SunnyLightLevel float64

	mu      sync.Mutex
	pending map[string][]*waiting
	count   int
}

func NewWaiter(pub rabbitmq.IPublisher, m *metrics.Metrics) *Waiter {
	return &Waiter{
		pub:             pub,
		metrics:         m,
		SunnyLightLevel: DefaultSunnyLightLevel,
		pending:         make(map[string][]*waiting),
	}
}

// Request publishes cmd on the pot's command topic and waits for the first payload on
// the pot's telemetry topic of the given kind that accept approves. The listener is
// registered before the publish, so a reply can never be missed. Commands that
// implement model.Correlated carry a fresh request id.
func (w *Waiter) Request(ctx context.Context, potID string, kind topics.Kind, cmd model.Command, timeout time.Duration, accept func([]byte) bool) ([]byte, error) {
	id := uuid.New().String()
	if c, ok := cmd.(model.Correlated); ok {
		cmd = c.WithRequestID(id)
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("encode %s command: %w", cmd.CommandAction(), err)
	}
	if accept == nil {
		accept = func([]byte) bool { return true }
	}

	topic := topics.Telemetry(potID, kind)
	p := &waiting{id: id, accept: accept, reply: make(chan []byte, 1)}
	w.register(topic, p)
	defer w.remove(topic, p)

	ctx = log.With(ctx, log.Ctx(ctx).With("requestID", id, "action", string(cmd.CommandAction())))
	started := time.Now()

	if err := w.pub.PublishTo(ctx, topics.Command(potID), 1, false, payload); err != nil {
		w.metrics.Correlation("transport_unavailable", 0)
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case b := <-p.reply:
		w.metrics.Correlation("ok", time.Since(started))
		log.Ctx(ctx).Debug("correlated reply", "topic", topic, "elapsed", time.Since(started))
		return b, nil
	case <-timer.C:
		w.metrics.Correlation("timeout", 0)
		log.Ctx(ctx).Warn("no reply before deadline", "topic", topic, "timeout", timeout)
		return nil, &errcode.E{C: errcode.Timeout, Op: "request " + string(cmd.CommandAction()), Msg: "no reply on " + topic}
	case <-ctx.Done():
		w.metrics.Correlation("canceled", 0)
		return nil, fmt.Errorf("request %s: %w", cmd.CommandAction(), ctx.Err())
	}
}

// RequestAs is Request with the reply decoded into T. Payloads decode rejects are
// ignored rather than settling the request.
func RequestAs[T any](ctx context.Context, w *Waiter, potID string, kind topics.Kind, cmd model.Command, timeout time.Duration, decode func([]byte) (T, error)) (T, error) {
	var zero T
	b, err := w.Request(ctx, potID, kind, cmd, timeout, func(b []byte) bool {
		_, err := decode(b)
		return err == nil
	})
	if err != nil {
		return zero, err
	}
	return decode(b)
}

// Deliver offers an inbound payload to the requests waiting on topic. A payload with a
// request_id only settles the request with that id; one without settles the oldest
// request that accepts it. It reports whether a request was settled.
func (w *Waiter) Deliver(topic string, payload []byte) bool {
	var corr struct {
		RequestID string `json:"request_id"`
	}
	_ = json.Unmarshal(payload, &corr)

	w.mu.Lock()
	defer w.mu.Unlock()

	list := w.pending[topic]
	idx := -1
	if corr.RequestID != "" {
		for i, p := range list {
			if p.id == corr.RequestID && p.accept(payload) {
				idx = i
				break
			}
		}
		// a reply to a request that already ended settles nothing
		if idx < 0 {
			return false
		}
	}
	if idx < 0 {
		for i, p := range list {
			if p.accept(payload) {
				idx = i
				break
			}
		}
	}
	if idx < 0 {
		return false
	}

	p := list[idx]
	w.dropLocked(topic, idx)
	p.reply <- payload
	return true
}

// Pending returns the number of outstanding requests.
func (w *Waiter) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}

// CheckIfSunny asks the pot for a light reading and waits for it on the log topic.
func (w *Waiter) CheckIfSunny(ctx context.Context, potID string, timeout time.Duration) (bool, error) {
	r, err := RequestAs(ctx, w, potID, topics.KindLog, model.NewLightQuery(), timeout, decodeLightReading)
	if err != nil {
		return false, err
	}
	if r.Sunny != nil {
		return *r.Sunny, nil
	}
	return *r.LightLevel >= w.SunnyLightLevel, nil
}

var errNoLightReading = errors.New("log report carries neither sunny nor light_level")

func decodeLightReading(b []byte) (model.LogReport, error) {
	r, err := model.DecodeLogReport(b)
	if err != nil {
		return r, err
	}
	if r.Sunny == nil && r.LightLevel == nil {
		return r, errcode.Wrap(errcode.MalformedMessage, "decode light reading", errNoLightReading)
	}
	return r, nil
}

func (w *Waiter) register(topic string, p *waiting) {
	w.mu.Lock()
	w.pending[topic] = append(w.pending[topic], p)
	w.count++
	n := w.count
	w.mu.Unlock()
	w.metrics.Pending(n)
}

// remove is a no-op when Deliver already dropped p.
func (w *Waiter) remove(topic string, p *waiting) {
	w.mu.Lock()
	for i, q := range w.pending[topic] {
		if q == p {
			w.dropLocked(topic, i)
			break
		}
	}
	n := w.count
	w.mu.Unlock()
	w.metrics.Pending(n)
}

func (w *Waiter) dropLocked(topic string, i int) {
	list := w.pending[topic]
	list = append(list[:i:i], list[i+1:]...)
	if len(list) == 0 {
		delete(w.pending, topic)
	} else {
		w.pending[topic] = list
	}
	w.count--
}
