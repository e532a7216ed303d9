// Package ledger keeps the watering sessions of each pot consistent with the power
// transitions it is told about, whatever order or multiplicity they arrive in.
package ledger

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/LeonardoBeccarini/smartpots/internal/metrics"
	"github.com/LeonardoBeccarini/smartpots/internal/model"
	"github.com/LeonardoBeccarini/smartpots/internal/storage"
	"github.com/LeonardoBeccarini/smartpots/pkg/errcode"
	"github.com/LeonardoBeccarini/smartpots/pkg/log"
)

// DefaultOrphanWindow is how long after a session closes a late volume report is still attached to it.
const DefaultOrphanWindow = 10 * time.Minute

// Store is the persistence the ledger needs. Lookups return storage.ErrNotFound when
// there is no matching session; OpenSession and SetStatus return storage.ErrPotNotFound
// for an unknown pot.
type Store interface {
	SetStatus(ctx context.Context, potID string, on bool) error
	OpenSession(ctx context.Context, potID string, startedAt time.Time) (int64, error)
	CloseSession(ctx context.Context, sessionID int64, endedAt time.Time, durationSeconds int64) error
	AttachVolume(ctx context.Context, sessionID int64, liters float64) error
	FindOpenSession(ctx context.Context, potID string) (*model.WateringSession, error)
	FindLatestSession(ctx context.Context, potID string) (*model.WateringSession, error)
}

// Outcome tells the caller what a ledger call did. Only storage failures are errors.
type Outcome string

const (
	OutcomeOpened    Outcome = "opened"
	OutcomeClosed    Outcome = "closed"
	OutcomeNoOp      Outcome = "noop"
	OutcomeAttached  Outcome = "attached"
	OutcomeOrphan    Outcome = "orphan"
	OutcomeDiscarded Outcome = "discarded"
	// OutcomeUnknownPot: the report names a pot that is not registered. Nothing is written.
	OutcomeUnknownPot Outcome = "unknown_pot"
)

type Ledger struct {
	store   Store
	metrics *metrics.Metrics

	OrphanWindow time.Duration
	Now          func() time.Time

	mu    sync.Mutex
	locks map[string]*potLock
}

type potLock struct {
	mu   sync.Mutex
	refs int
}

func New(store Store, m *metrics.Metrics) *Ledger {
	return &Ledger{
		store:        store,
		metrics:      m,
		OrphanWindow: DefaultOrphanWindow,
		Now:          time.Now,
		locks:        make(map[string]*potLock),
	}
}

// lock serializes transitions of one pot; other pots are not blocked.
func (l *Ledger) lock(potID string) func() {
	l.mu.Lock()
	pl, ok := l.locks[potID]
	if !ok {
		pl = &potLock{}
		l.locks[potID] = pl
	}
	pl.refs++
	l.mu.Unlock()

	pl.mu.Lock()
	return func() {
		pl.mu.Unlock()
		l.mu.Lock()
		if pl.refs--; pl.refs == 0 {
			delete(l.locks, potID)
		}
		l.mu.Unlock()
	}
}

// PowerOn opens a session unless one is already open.
func (l *Ledger) PowerOn(ctx context.Context, potID string) (Outcome, error) {
	defer l.lock(potID)()
	ctx = log.WithPot(ctx, potID)

	open, err := l.store.FindOpenSession(ctx, potID)
	switch {
	case err == nil:
		l.noop(ctx, "on", open.ID)
		return OutcomeNoOp, nil
	case !errors.Is(err, storage.ErrNotFound):
		return "", err
	}

	id, err := l.store.OpenSession(ctx, potID, l.Now())
	if errors.Is(err, storage.ErrPotNotFound) {
		return l.unknownPot(ctx), nil
	}
	if err != nil {
		return "", err
	}
	l.metrics.Ledger(string(OutcomeOpened))
	log.Ctx(ctx).Info("watering session opened", "sessionID", id)
	return OutcomeOpened, nil
}

// PowerOff closes the open session, if any.
func (l *Ledger) PowerOff(ctx context.Context, potID string) (Outcome, error) {
	defer l.lock(potID)()
	ctx = log.WithPot(ctx, potID)

	open, err := l.store.FindOpenSession(ctx, potID)
	if errors.Is(err, storage.ErrNotFound) {
		l.noop(ctx, "off", 0)
		return OutcomeNoOp, nil
	}
	if err != nil {
		return "", err
	}

	end := l.Now()
	dur := model.DurationBetween(open.StartedAt, end)
	if err := l.store.CloseSession(ctx, open.ID, end, dur); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// closed by someone else between the lookup and the update
			l.noop(ctx, "off", open.ID)
			return OutcomeNoOp, nil
		}
		return "", err
	}
	l.metrics.Ledger(string(OutcomeClosed))
	log.Ctx(ctx).Info("watering session closed", "sessionID", open.ID, "durationSeconds", dur)
	return OutcomeClosed, nil
}

// ApplyStatus applies a status report from the device: the pot's stored status follows
// the report, then the session transition runs. Reports for unregistered pots are dropped.
func (l *Ledger) ApplyStatus(ctx context.Context, potID string, on bool) (Outcome, error) {
	if err := l.store.SetStatus(ctx, potID, on); err != nil {
		if errors.Is(err, storage.ErrPotNotFound) {
			return l.unknownPot(log.WithPot(ctx, potID)), nil
		}
		return "", err
	}
	if on {
		return l.PowerOn(ctx, potID)
	}
	return l.PowerOff(ctx, potID)
}

// RecordVolume attaches a pump volume report to the open session, or to the latest
// session if it closed within OrphanWindow. Anything else is an orphan and is only logged.
func (l *Ledger) RecordVolume(ctx context.Context, potID string, liters float64) (Outcome, error) {
	ctx = log.WithPot(ctx, potID)
	if math.IsNaN(liters) || math.IsInf(liters, 0) || liters < 0 {
		l.metrics.Ledger(string(OutcomeDiscarded))
		log.Ctx(ctx).Warn("volume report discarded", "liters", liters, "code", errcode.MalformedMessage)
		return OutcomeDiscarded, nil
	}

	defer l.lock(potID)()

	s, err := l.store.FindLatestSession(ctx, potID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return "", err
	}
	if err != nil || !l.attachable(s) {
		l.metrics.Ledger(string(OutcomeOrphan))
		log.Ctx(ctx).Warn("volume report has no session", "liters", liters, "code", errcode.OrphanReport)
		return OutcomeOrphan, nil
	}

	if err := l.store.AttachVolume(ctx, s.ID, liters); err != nil {
		return "", err
	}
	l.metrics.Ledger(string(OutcomeAttached))
	log.Ctx(ctx).Info("volume attached", "sessionID", s.ID, "liters", liters)
	return OutcomeAttached, nil
}

func (l *Ledger) attachable(s *model.WateringSession) bool {
	if s.Open() {
		return true
	}
	return l.Now().Sub(*s.EndedAt) <= l.OrphanWindow
}

func (l *Ledger) unknownPot(ctx context.Context) Outcome {
	l.metrics.Ledger(string(OutcomeUnknownPot))
	log.Ctx(ctx).Warn("report for unregistered pot dropped", "code", errcode.OrphanReport)
	return OutcomeUnknownPot
}

func (l *Ledger) noop(ctx context.Context, transition string, sessionID int64) {
	l.metrics.Ledger(string(OutcomeNoOp))
	log.Ctx(ctx).Debug("transition ignored", "transition", transition, "sessionID", sessionID, "code", errcode.NoOpTransition)
}
