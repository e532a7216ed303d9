// Package advisory decides whether now is a good moment to water a pot.
package advisory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/LeonardoBeccarini/smartpots/internal/model"
	"github.com/LeonardoBeccarini/smartpots/internal/storage"
	"github.com/LeonardoBeccarini/smartpots/pkg/log"
)

// Watering is advised against between these hours, both inclusive.
const (
	PeakStartHour = 12
	PeakEndHour   = 18
)

const (
	ReasonPeakHours   = "peak_hours"
	ReasonSunny       = "sunny"
	ReasonNotSunny    = "not_sunny"
	ReasonUnavailable = "light_unavailable"
)

// SunChecker asks a pot whether it is in strong sunlight.
type SunChecker interface {
	CheckIfSunny(ctx context.Context, potID string, timeout time.Duration) (bool, error)
}

type ScheduleSource interface {
	GetSchedule(ctx context.Context, potID string) (*model.Schedule, error)
}

type Config struct {
	Location     *time.Location
	QueryTimeout time.Duration

	// A pot's breaker opens after BreakerFailures consecutive failed light queries and
	// stays open for BreakerOpen.
	BreakerFailures uint32
	BreakerOpen     time.Duration
	BreakerInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		Location:        time.Local,
		QueryTimeout:    5 * time.Second,
		BreakerFailures: 3,
		BreakerOpen:     time.Minute,
		BreakerInterval: 5 * time.Minute,
	}
}

type Advice struct {
	Recommended bool   `json:"recommended"`
	Reason      string `json:"reason"`
	// WithinSchedule reports whether now falls in the pot's stored window. It does not
	// affect Recommended.
	WithinSchedule bool `json:"withinSchedule"`
}

type Evaluator struct {
	sun       SunChecker
	schedules ScheduleSource
	cfg       Config

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func NewEvaluator(sun SunChecker, schedules ScheduleSource, cfg Config) *Evaluator {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	return &Evaluator{
		sun:       sun,
		schedules: schedules,
		cfg:       cfg,
		breakers:  make(map[string]*gobreaker.CircuitBreaker),
	}
}

// IsRecommended never fails: any doubt answers false.
func (e *Evaluator) IsRecommended(ctx context.Context, potID string, now time.Time) bool {
	recommended, _ := e.recommend(ctx, potID, now)
	return recommended
}

func (e *Evaluator) Advise(ctx context.Context, potID string, now time.Time) Advice {
	a := Advice{}
	a.Recommended, a.Reason = e.recommend(ctx, potID, now)

	if e.schedules != nil {
		s, err := e.schedules.GetSchedule(ctx, potID)
		switch {
		case err == nil:
			a.WithinSchedule = s.Contains(now.In(e.cfg.Location))
		case !errors.Is(err, storage.ErrNotFound):
			log.Ctx(ctx).Warn("schedule lookup failed", "potID", potID, "error", err)
		}
	}
	return a
}

func (e *Evaluator) recommend(ctx context.Context, potID string, now time.Time) (bool, string) {
	if h := now.In(e.cfg.Location).Hour(); h >= PeakStartHour && h <= PeakEndHour {
		return false, ReasonPeakHours
	}

	res, err := e.breaker(potID).Execute(func() (interface{}, error) {
		return e.sun.CheckIfSunny(ctx, potID, e.cfg.QueryTimeout)
	})
	if err != nil {
		log.Ctx(ctx).Warn("light query failed, advising against watering", "potID", potID, "error", err)
		return false, ReasonUnavailable
	}
	if res.(bool) {
		return false, ReasonSunny
	}
	return true, ReasonNotSunny
}

func (e *Evaluator) breaker(potID string) *gobreaker.CircuitBreaker {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cb, ok := e.breakers[potID]; ok {
		return cb
	}
	fails := e.cfg.BreakerFailures
	if fails == 0 {
		fails = 1
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     "light-" + potID,
		Interval: e.cfg.BreakerInterval,
		Timeout:  e.cfg.BreakerOpen,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= fails
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Ctx(context.Background()).Info("breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	e.breakers[potID] = cb
	return cb
}
