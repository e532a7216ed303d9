package device

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/LeonardoBeccarini/smartpots/internal/metrics"
	"github.com/LeonardoBeccarini/smartpots/internal/model"
	"github.com/LeonardoBeccarini/smartpots/internal/topics"
	"github.com/LeonardoBeccarini/smartpots/pkg/errcode"
	"github.com/LeonardoBeccarini/smartpots/pkg/log"
	"github.com/LeonardoBeccarini/smartpots/pkg/rabbitmq"
)

// Dispatcher sends fire-and-forget commands to pots. Nothing is retried.
type Dispatcher struct {
	pub     rabbitmq.IPublisher
	metrics *metrics.Metrics
}

func NewDispatcher(pub rabbitmq.IPublisher, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{pub: pub, metrics: m}
}

func (d *Dispatcher) SendPower(ctx context.Context, potID string, on bool) error {
	return d.send(ctx, topics.Command(potID), model.NewPowerCommand(on))
}

func (d *Dispatcher) SendModeChange(ctx context.Context, potID string, mode model.Mode, status *bool) error {
	return d.send(ctx, topics.Command(potID), model.NewModeCommand(mode, status))
}

// SendSchedule sends the set_schedule command and refreshes the retained schedule,
// which a reconnecting pot receives on subscribe.
func (d *Dispatcher) SendSchedule(ctx context.Context, potID string, s model.Schedule) error {
	if err := d.send(ctx, topics.Command(potID), model.NewScheduleCommand(s)); err != nil {
		return err
	}
	b, err := json.Marshal(model.ScheduleFieldsOf(s))
	if err != nil {
		return fmt.Errorf("encode schedule: %w", err)
	}
	return d.pub.PublishTo(ctx, topics.Schedule(potID), 1, true, b)
}

func (d *Dispatcher) send(ctx context.Context, topic string, cmd model.Command) error {
	action := string(cmd.CommandAction())
	b, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("encode %s command: %w", action, err)
	}
	if err := d.pub.PublishTo(ctx, topic, 1, false, b); err != nil {
		d.metrics.Command(action, string(errcode.Of(err)))
		log.Ctx(ctx).Error("command not sent", "topic", topic, "action", action, "error", err)
		return err
	}
	d.metrics.Command(action, "ok")
	log.Ctx(ctx).Info("command sent", "topic", topic, "action", action)
	return nil
}
