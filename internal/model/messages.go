package model

import (
	"encoding/json"
	"errors"
	"math"
	"time"

	"github.com/LeonardoBeccarini/smartpots/pkg/errcode"
)

// Action tags a command sent to a pot on its command topic.
type Action string

const (
	ActionOn           Action = "on"
	ActionOff          Action = "off"
	ActionChangeMode   Action = "change_mode"
	ActionRequestLight Action = "request_light"
	ActionSetSchedule  Action = "set_schedule"
)

// Command is any payload published on pot/<id>/command.
type Command interface {
	CommandAction() Action
}

// Correlated commands carry a request id the device echoes in its reply.
type Correlated interface {
	Command
	WithRequestID(id string) Command
}

type PowerCommand struct {
	Action Action `json:"action"`
}

func NewPowerCommand(on bool) PowerCommand {
	if on {
		return PowerCommand{Action: ActionOn}
	}
	return PowerCommand{Action: ActionOff}
}

func (c PowerCommand) CommandAction() Action { return c.Action }

type ModeCommand struct {
	Action Action `json:"action"`
	Mode   Mode   `json:"mode"`
	Status *bool  `json:"status,omitempty"`
}

func NewModeCommand(mode Mode, status *bool) ModeCommand {
	return ModeCommand{Action: ActionChangeMode, Mode: mode, Status: status}
}

func (c ModeCommand) CommandAction() Action { return c.Action }

// ScheduleFields is the schedule as the device firmware reads it.
type ScheduleFields struct {
	StartHour   int            `json:"startHour"`
	StartMinute int            `json:"startMinute"`
	EndHour     int            `json:"endHour"`
	EndMinute   int            `json:"endMinute"`
	Days        []time.Weekday `json:"days"`
}

func ScheduleFieldsOf(s Schedule) ScheduleFields {
	return ScheduleFields{
		StartHour:   s.StartHour,
		StartMinute: s.StartMinute,
		EndHour:     s.EndHour,
		EndMinute:   s.EndMinute,
		Days:        s.Days,
	}
}

type ScheduleCommand struct {
	Action Action `json:"action"`
	ScheduleFields
}

func NewScheduleCommand(s Schedule) ScheduleCommand {
	return ScheduleCommand{Action: ActionSetSchedule, ScheduleFields: ScheduleFieldsOf(s)}
}

func (c ScheduleCommand) CommandAction() Action { return c.Action }

// LightQuery asks the pot for a fresh light reading, answered on pot/<id>/update/log.
type LightQuery struct {
	Action    Action `json:"action"`
	RequestID string `json:"request_id,omitempty"`
}

func NewLightQuery() LightQuery {
	return LightQuery{Action: ActionRequestLight}
}

func (c LightQuery) CommandAction() Action { return c.Action }

func (c LightQuery) WithRequestID(id string) Command {
	c.RequestID = id
	return c
}

// StatusReport arrives on pot/<id>/update/status.
type StatusReport struct {
	Status              *bool    `json:"status"`
	WaterConsumedLiters *float64 `json:"water_consumed_liters,omitempty"`
}

// LogReport arrives on pot/<id>/update/log.
type LogReport struct {
	Temperature         *float64 `json:"temperature,omitempty"`
	Humidity            *float64 `json:"humidity,omitempty"`
	SoilMoisture        *float64 `json:"soil_moisture,omitempty"`
	LightLevel          *float64 `json:"light_level,omitempty"`
	CurrentMode         Mode     `json:"current_mode,omitempty"`
	WaterConsumedLiters *float64 `json:"water_consumed_liters,omitempty"`
	Sunny               *bool    `json:"sunny,omitempty"`
	RequestID           string   `json:"request_id,omitempty"`
}

var (
	errNotObject     = errors.New("payload is not a JSON object")
	errMissingStatus = errors.New("status field missing")
	errBadVolume     = errors.New("water_consumed_liters must be a non-negative number")
)

func malformed(op string, err error) error {
	return errcode.Wrap(errcode.MalformedMessage, op, err)
}

func decodeObject(op string, payload []byte, v any) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil || fields == nil {
		if err == nil {
			err = errNotObject
		}
		return malformed(op, err)
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return malformed(op, err)
	}
	return nil
}

func validVolume(v *float64) bool {
	return v == nil || (!math.IsNaN(*v) && !math.IsInf(*v, 0) && *v >= 0)
}

// DecodeStatusReport parses a status payload; status is required.
func DecodeStatusReport(payload []byte) (StatusReport, error) {
	var r StatusReport
	if err := decodeObject("decode status", payload, &r); err != nil {
		return StatusReport{}, err
	}
	if r.Status == nil {
		return StatusReport{}, malformed("decode status", errMissingStatus)
	}
	if !validVolume(r.WaterConsumedLiters) {
		return StatusReport{}, malformed("decode status", errBadVolume)
	}
	return r, nil
}

// DecodeLogReport parses a log payload. Every field is optional but the payload
// must be a JSON object with well-typed fields.
func DecodeLogReport(payload []byte) (LogReport, error) {
	var r LogReport
	if err := decodeObject("decode log", payload, &r); err != nil {
		return LogReport{}, err
	}
	if !validVolume(r.WaterConsumedLiters) {
		return LogReport{}, malformed("decode log", errBadVolume)
	}
	return r, nil
}
