// Package pot_simulator is a fake pot firmware: it obeys commands from
// pot/<id>/command and reports on pot/<id>/update/{status,log}.
package pot_simulator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/LeonardoBeccarini/smartpots/internal/model"
	"github.com/LeonardoBeccarini/smartpots/internal/topics"
	"github.com/LeonardoBeccarini/smartpots/pkg/dedup"
	"github.com/LeonardoBeccarini/smartpots/pkg/log"
	"github.com/LeonardoBeccarini/smartpots/pkg/rabbitmq"
)

// SunnyLightLevel is the reading above which the pot flags itself as sunny.
const SunnyLightLevel = 700

// command is the union of every payload the server publishes on the command topic.
type command struct {
	Action    model.Action `json:"action"`
	Mode      model.Mode   `json:"mode,omitempty"`
	Status    *bool        `json:"status,omitempty"`
	RequestID string       `json:"request_id,omitempty"`
	model.ScheduleFields
}

type Simulator struct {
	potID     string
	generator *Generator
	publisher rabbitmq.IPublisher
	deduper   *dedup.Deduper
	ctx       context.Context

	// Location is the pot's local zone for its schedule.
	Location *time.Location
	Now      func() time.Time

	mu       sync.Mutex
	on       bool
	mode     model.Mode
	schedule *model.Schedule
}

func NewSimulator(potID string, publisher rabbitmq.IPublisher, gen *Generator) *Simulator {
	return &Simulator{
		potID:     potID,
		generator: gen,
		publisher: publisher,
		deduper:   dedup.New(dedup.DefaultTTL, 10000),
		ctx:       log.WithPot(context.Background(), potID),
		Location:  time.Local,
		Now:       time.Now,
		mode:      model.ModeManual,
	}
}

// Topics returns the filters the simulator must be subscribed to.
func (s *Simulator) Topics() []string {
	return []string{topics.Command(s.potID), topics.Schedule(s.potID)}
}

// Start subscribes the command handler and publishes a log report every interval
// until ctx is done.
func (s *Simulator) Start(ctx context.Context, consumer rabbitmq.IConsumer, interval time.Duration) error {
	consumer.SetHandler(s.HandleMessage)
	errc := make(chan error, 1)
	go func() { errc <- consumer.ConsumeMessage(ctx) }()

	s.publishStatus(nil)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errc:
			if err != nil {
				return err
			}
		case <-ticker.C:
			s.Tick()
		}
	}
}

// HandleMessage is the rabbitmq.Handler for the command and schedule topics.
func (s *Simulator) HandleMessage(_ string, msg mqtt.Message) error {
	if s.deduper.Redelivery(dedup.MessageKey(msg.Topic(), msg.MessageID(), msg.Payload()), msg.Duplicate()) {
		return nil
	}

	var cmd command
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
		return fmt.Errorf("invalid command on %s: %w", msg.Topic(), err)
	}

	// the retained schedule carries no action
	if msg.Topic() == topics.Schedule(s.potID) {
		return s.setSchedule(cmd.ScheduleFields)
	}

	log.Ctx(s.ctx).Info("command received", "action", cmd.Action)
	switch cmd.Action {
	case model.ActionOn:
		s.power(true)
	case model.ActionOff:
		s.power(false)
	case model.ActionChangeMode:
		if !cmd.Mode.Valid() {
			return fmt.Errorf("invalid mode %q", cmd.Mode)
		}
		s.mu.Lock()
		s.mode = cmd.Mode
		s.mu.Unlock()
		if cmd.Status != nil {
			s.power(*cmd.Status)
		}
	case model.ActionSetSchedule:
		if err := s.setSchedule(cmd.ScheduleFields); err != nil {
			return err
		}
		s.mu.Lock()
		s.mode = model.ModeScheduled
		s.mu.Unlock()
	case model.ActionRequestLight:
		s.answerLight(cmd.RequestID)
	default:
		log.Ctx(s.ctx).Warn("unknown command ignored", "action", cmd.Action)
	}
	return nil
}

func (s *Simulator) setSchedule(f model.ScheduleFields) error {
	sc := model.Schedule{
		PotID:       s.potID,
		StartHour:   f.StartHour,
		StartMinute: f.StartMinute,
		EndHour:     f.EndHour,
		EndMinute:   f.EndMinute,
		Days:        f.Days,
	}
	if err := sc.Validate(); err != nil {
		return fmt.Errorf("invalid schedule: %w", err)
	}
	s.mu.Lock()
	s.schedule = &sc
	s.mu.Unlock()
	return nil
}

// power switches the pump and reports the new state. Switching off reports the
// liters pumped.
func (s *Simulator) power(on bool) {
	now := s.Now()
	s.mu.Lock()
	changed := s.on != on
	s.on = on
	s.mu.Unlock()

	var liters *float64
	if on {
		if changed {
			s.generator.StartWatering(now)
		}
	} else if changed {
		l := s.generator.StopWatering(now)
		liters = &l
	}
	s.publishStatus(liters)
}

// Tick follows the schedule in scheduled mode and publishes a log report.
func (s *Simulator) Tick() {
	now := s.Now()
	s.mu.Lock()
	scheduled := s.mode == model.ModeScheduled && s.schedule != nil
	want := scheduled && s.schedule.Contains(now.In(s.Location))
	on, mode := s.on, s.mode
	s.mu.Unlock()

	if scheduled && want != on {
		s.power(want)
		on = want
	}

	r := s.generator.Next(now)
	rep := model.LogReport{
		Temperature:  &r.Temperature,
		Humidity:     &r.Humidity,
		SoilMoisture: &r.SoilMoisture,
		LightLevel:   &r.LightLevel,
		CurrentMode:  mode,
	}
	if on {
		l := s.generator.Liters(now)
		rep.WaterConsumedLiters = &l
	}
	s.publish(topics.KindLog, rep)
}

func (s *Simulator) answerLight(requestID string) {
	light := s.generator.Light(s.Now())
	sunny := light >= SunnyLightLevel
	s.publish(topics.KindLog, model.LogReport{LightLevel: &light, Sunny: &sunny, RequestID: requestID})
}

func (s *Simulator) publishStatus(liters *float64) {
	s.mu.Lock()
	on := s.on
	s.mu.Unlock()
	s.publish(topics.KindStatus, model.StatusReport{Status: &on, WaterConsumedLiters: liters})
}

func (s *Simulator) publish(kind topics.Kind, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		log.Ctx(s.ctx).Error("marshal report", "kind", kind, "error", err)
		return
	}
	if err := s.publisher.PublishTo(s.ctx, topics.Telemetry(s.potID, kind), 1, false, payload); err != nil {
		log.Ctx(s.ctx).Error("publish report", "kind", kind, "error", err)
	}
}

// Status reports whether the simulated pump is on.
func (s *Simulator) Status() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.on
}
