// Package pots is the user-facing control flow: every request updates the stored pot,
// then the watering ledger, then tells the device.
package pots

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/LeonardoBeccarini/smartpots/internal/model"
	"github.com/LeonardoBeccarini/smartpots/internal/services/advisory"
	"github.com/LeonardoBeccarini/smartpots/internal/services/ledger"
	"github.com/LeonardoBeccarini/smartpots/pkg/log"
)

// ErrInvalid marks a request rejected before any state was touched.
var ErrInvalid = errors.New("invalid request")

type Store interface {
	CreatePot(ctx context.Context, p model.Pot) error
	GetPot(ctx context.Context, potID string) (*model.Pot, error)
	ListPots(ctx context.Context) ([]model.Pot, error)
	SetStatus(ctx context.Context, potID string, on bool) error
	SetMode(ctx context.Context, potID string, mode model.Mode) error
	DeletePot(ctx context.Context, potID string) error
	SaveSchedule(ctx context.Context, s model.Schedule) error
	GetSchedule(ctx context.Context, potID string) (*model.Schedule, error)
	ListSessions(ctx context.Context, potID string, limit int) ([]model.WateringSession, error)
}

type Ledger interface {
	PowerOn(ctx context.Context, potID string) (ledger.Outcome, error)
	PowerOff(ctx context.Context, potID string) (ledger.Outcome, error)
}

type Commands interface {
	SendPower(ctx context.Context, potID string, on bool) error
	SendModeChange(ctx context.Context, potID string, mode model.Mode, status *bool) error
	SendSchedule(ctx context.Context, potID string, s model.Schedule) error
}

type Advisor interface {
	IsRecommended(ctx context.Context, potID string, now time.Time) bool
	Advise(ctx context.Context, potID string, now time.Time) advisory.Advice
}

// Result describes a power request. When NeedsConfirmation is set nothing changed.
type Result struct {
	PotID             string
	Status            bool
	NeedsConfirmation bool
	AlreadyInState    bool
}

type Service struct {
	store    Store
	ledger   Ledger
	commands Commands
	advisor  Advisor
	now      func() time.Time
}

func NewService(store Store, l Ledger, commands Commands, advisor Advisor) *Service {
	return &Service{store: store, ledger: l, commands: commands, advisor: advisor, now: time.Now}
}

// TurnOn switches the pump on. Unless acknowledged, a moment the advisor advises
// against yields NeedsConfirmation instead. A transport error is returned after the
// pot and ledger were updated.
func (s *Service) TurnOn(ctx context.Context, potID string, acknowledged bool) (Result, error) {
	ctx = log.WithPot(ctx, potID)
	if _, err := s.store.GetPot(ctx, potID); err != nil {
		return Result{}, err
	}
	if !acknowledged && !s.advisor.IsRecommended(ctx, potID, s.now()) {
		log.Ctx(ctx).Info("watering advised against, asking for confirmation")
		return Result{PotID: potID, NeedsConfirmation: true}, nil
	}
	return s.power(ctx, potID, true)
}

func (s *Service) TurnOff(ctx context.Context, potID string) (Result, error) {
	return s.power(log.WithPot(ctx, potID), potID, false)
}

func (s *Service) power(ctx context.Context, potID string, on bool) (Result, error) {
	if err := s.store.SetStatus(ctx, potID, on); err != nil {
		return Result{}, err
	}

	transition := s.ledger.PowerOff
	if on {
		transition = s.ledger.PowerOn
	}
	out, err := transition(ctx, potID)
	if err != nil {
		return Result{}, fmt.Errorf("ledger: %w", err)
	}

	res := Result{PotID: potID, Status: on, AlreadyInState: out == ledger.OutcomeNoOp}
	if err := s.commands.SendPower(ctx, potID, on); err != nil {
		return res, err
	}
	return res, nil
}

// ChangeMode stores the mode and forwards it, with an optional pump state, to the pot.
func (s *Service) ChangeMode(ctx context.Context, potID string, mode model.Mode, status *bool) error {
	if !mode.Valid() {
		return fmt.Errorf("%w: unknown mode %q", ErrInvalid, mode)
	}
	ctx = log.WithPot(ctx, potID)
	if err := s.store.SetMode(ctx, potID, mode); err != nil {
		return err
	}
	return s.commands.SendModeChange(ctx, potID, mode, status)
}

// SetSchedule replaces the pot's schedule and switches it to scheduled mode.
func (s *Service) SetSchedule(ctx context.Context, potID string, sc model.Schedule) error {
	sc.PotID = potID
	if err := sc.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	ctx = log.WithPot(ctx, potID)
	if err := s.store.SaveSchedule(ctx, sc); err != nil {
		return err
	}
	if err := s.store.SetMode(ctx, potID, model.ModeScheduled); err != nil {
		return err
	}
	return s.commands.SendSchedule(ctx, potID, sc)
}

func (s *Service) CreatePot(ctx context.Context, p model.Pot) error {
	p.ID = strings.TrimSpace(p.ID)
	if p.ID == "" || strings.ContainsAny(p.ID, "/+#") {
		return fmt.Errorf("%w: pot id must be non-empty and free of MQTT topic characters", ErrInvalid)
	}
	if p.Mode == "" {
		p.Mode = model.ModeManual
	}
	if !p.Mode.Valid() {
		return fmt.Errorf("%w: unknown mode %q", ErrInvalid, p.Mode)
	}
	p.Status = false
	p.CreatedAt = s.now()
	return s.store.CreatePot(ctx, p)
}

func (s *Service) GetPot(ctx context.Context, potID string) (*model.Pot, error) {
	return s.store.GetPot(ctx, potID)
}

// DeletePot removes the pot together with its schedule and watering history.
func (s *Service) DeletePot(ctx context.Context, potID string) error {
	if err := s.store.DeletePot(ctx, potID); err != nil {
		return err
	}
	log.Ctx(log.WithPot(ctx, potID)).Info("pot deleted")
	return nil
}

// Schedule returns a known pot's schedule, storage.ErrNotFound when it has none.
func (s *Service) Schedule(ctx context.Context, potID string) (*model.Schedule, error) {
	if _, err := s.store.GetPot(ctx, potID); err != nil {
		return nil, err
	}
	return s.store.GetSchedule(ctx, potID)
}

func (s *Service) ListPots(ctx context.Context) ([]model.Pot, error) {
	return s.store.ListPots(ctx)
}

// Sessions lists a known pot's watering sessions, newest first.
func (s *Service) Sessions(ctx context.Context, potID string, limit int) ([]model.WateringSession, error) {
	if _, err := s.store.GetPot(ctx, potID); err != nil {
		return nil, err
	}
	return s.store.ListSessions(ctx, potID, limit)
}

func (s *Service) Advice(ctx context.Context, potID string) (advisory.Advice, error) {
	if _, err := s.store.GetPot(ctx, potID); err != nil {
		return advisory.Advice{}, err
	}
	return s.advisor.Advise(log.WithPot(ctx, potID), potID, s.now()), nil
}
