package telemetry

import (
	"context"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/LeonardoBeccarini/smartpots/internal/metrics"
	"github.com/LeonardoBeccarini/smartpots/internal/model"
	"github.com/LeonardoBeccarini/smartpots/internal/services/ledger"
	"github.com/LeonardoBeccarini/smartpots/internal/topics"
	"github.com/LeonardoBeccarini/smartpots/pkg/dedup"
	"github.com/LeonardoBeccarini/smartpots/pkg/log"
)

// Replies receives payloads that may answer an outstanding device request.
type Replies interface {
	Deliver(topic string, payload []byte) bool
}

type Ledger interface {
	ApplyStatus(ctx context.Context, potID string, on bool) (ledger.Outcome, error)
	RecordVolume(ctx context.Context, potID string, liters float64) (ledger.Outcome, error)
}

// Sink stores decoded reports.
type Sink interface {
	WriteLog(ctx context.Context, potID string, r model.LogReport, at time.Time)
	WriteStatus(ctx context.Context, potID string, r model.StatusReport, at time.Time)
}

// Router dispatches inbound device messages. Malformed input is logged, counted and
// dropped; only storage failures are returned.
type Router struct {
	dedup   *dedup.Deduper
	replies Replies
	ledger  Ledger
	sink    Sink
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewRouter wires the router. sink may be nil when telemetry storage is disabled.
func NewRouter(d *dedup.Deduper, replies Replies, l Ledger, sink Sink, m *metrics.Metrics) *Router {
	return &Router{dedup: d, replies: replies, ledger: l, sink: sink, metrics: m, now: time.Now}
}

// Handle is a rabbitmq.Handler for the telemetry wildcard subscription.
func (r *Router) Handle(_ string, msg mqtt.Message) error {
	ctx := context.Background()
	topic := msg.Topic()

	if r.dedup != nil && r.dedup.Redelivery(dedup.MessageKey(topic, msg.MessageID(), msg.Payload()), msg.Duplicate()) {
		r.metrics.Telemetry("", "duplicate")
		log.Ctx(ctx).Debug("redelivery dropped", "topic", topic, "messageID", msg.MessageID())
		return nil
	}

	potID, kind, err := topics.Parse(topic)
	if err != nil {
		r.metrics.Telemetry("", "malformed")
		log.Ctx(ctx).Warn("unexpected topic", "topic", topic, "error", err)
		return nil
	}
	ctx = log.WithPot(ctx, potID)

	switch kind {
	case topics.KindStatus:
		return r.handleStatus(ctx, potID, msg.Payload())
	case topics.KindLog:
		return r.handleLog(ctx, topic, potID, msg.Payload())
	default:
		r.metrics.Telemetry(string(kind), "unknown_kind")
		log.Ctx(ctx).Info("unknown telemetry kind", "kind", kind)
		return nil
	}
}

func (r *Router) handleStatus(ctx context.Context, potID string, payload []byte) error {
	rep, err := model.DecodeStatusReport(payload)
	if err != nil {
		r.metrics.Telemetry(string(topics.KindStatus), "malformed")
		log.Ctx(ctx).Warn("status report dropped", "error", err)
		return nil
	}
	r.metrics.Telemetry(string(topics.KindStatus), "routed")
	if r.sink != nil {
		r.sink.WriteStatus(ctx, potID, rep, r.now())
	}

	if _, err := r.ledger.ApplyStatus(ctx, potID, *rep.Status); err != nil {
		return err
	}
	if rep.WaterConsumedLiters != nil {
		if _, err := r.ledger.RecordVolume(ctx, potID, *rep.WaterConsumedLiters); err != nil {
			return err
		}
	}
	return nil
}

func (r *Router) handleLog(ctx context.Context, topic, potID string, payload []byte) error {
	rep, err := model.DecodeLogReport(payload)
	if err != nil {
		r.metrics.Telemetry(string(topics.KindLog), "malformed")
		log.Ctx(ctx).Warn("log report dropped", "error", err)
		return nil
	}
	r.metrics.Telemetry(string(topics.KindLog), "routed")

	if r.replies != nil && r.replies.Deliver(topic, payload) {
		log.Ctx(ctx).Debug("log report answered a pending request", "requestID", rep.RequestID)
	}
	if r.sink != nil {
		r.sink.WriteLog(ctx, potID, rep, r.now())
	}
	if rep.WaterConsumedLiters != nil {
		if _, err := r.ledger.RecordVolume(ctx, potID, *rep.WaterConsumedLiters); err != nil {
			return err
		}
	}
	return nil
}
