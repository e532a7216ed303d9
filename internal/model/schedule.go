package model

import (
	"errors"
	"fmt"
	"time"
)

// Schedule is the single watering window of a pot.
//
// A window whose end is before its start wraps past midnight; Days then names the
// weekday on which the window opens.
type Schedule struct {
	PotID       string         `json:"pot_id,omitempty"`
	StartHour   int            `json:"startHour"`
	StartMinute int            `json:"startMinute"`
	EndHour     int            `json:"endHour"`
	EndMinute   int            `json:"endMinute"`
	Days        []time.Weekday `json:"days"`
}

func (s Schedule) startOffset() int { return s.StartHour*60 + s.StartMinute }
func (s Schedule) endOffset() int   { return s.EndHour*60 + s.EndMinute }

// Overnight reports whether the window crosses midnight.
func (s Schedule) Overnight() bool {
	return s.endOffset() < s.startOffset()
}

func (s Schedule) Validate() error {
	if s.StartHour < 0 || s.StartHour > 23 || s.EndHour < 0 || s.EndHour > 23 {
		return fmt.Errorf("hours must be within 0-23, got %d and %d", s.StartHour, s.EndHour)
	}
	if s.StartMinute < 0 || s.StartMinute > 59 || s.EndMinute < 0 || s.EndMinute > 59 {
		return fmt.Errorf("minutes must be within 0-59, got %d and %d", s.StartMinute, s.EndMinute)
	}
	if s.startOffset() == s.endOffset() {
		return errors.New("start and end of the window are equal")
	}
	if len(s.Days) == 0 {
		return errors.New("at least one day is required")
	}
	seen := make(map[time.Weekday]bool, len(s.Days))
	for _, d := range s.Days {
		if d < time.Sunday || d > time.Saturday {
			return fmt.Errorf("day %d out of range 0-6", d)
		}
		if seen[d] {
			return fmt.Errorf("day %d listed twice", d)
		}
		seen[d] = true
	}
	return nil
}

func (s Schedule) hasDay(d time.Weekday) bool {
	for _, day := range s.Days {
		if day == d {
			return true
		}
	}
	return false
}

// Contains reports whether t (already in the pot's local time) falls in the window.
// Start is inclusive, end is exclusive.
func (s Schedule) Contains(t time.Time) bool {
	off := t.Hour()*60 + t.Minute()
	start, end := s.startOffset(), s.endOffset()
	if !s.Overnight() {
		return s.hasDay(t.Weekday()) && off >= start && off < end
	}
	if off >= start {
		return s.hasDay(t.Weekday())
	}
	if off < end {
		// the morning part belongs to the window that opened the day before
		return s.hasDay((t.Weekday() + 6) % 7)
	}
	return false
}
