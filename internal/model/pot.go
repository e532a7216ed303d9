package model

import "time"

// Mode says who decides when a pot waters: the user or its stored schedule.
type Mode string

const (
	ModeManual    Mode = "manual"
	ModeScheduled Mode = "scheduled"
)

func (m Mode) Valid() bool {
	return m == ModeManual || m == ModeScheduled
}

// Pot is a controllable irrigation unit.
type Pot struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	SpeciesID int64     `json:"type_id"`
	Status    bool      `json:"status"` // pump on/off
	Mode      Mode      `json:"mode"`
	CreatedAt time.Time `json:"date"`
}
