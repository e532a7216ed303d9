package model

import "time"

// WateringSession is one contiguous on→off interval of a pot's pump.
type WateringSession struct {
	ID              int64      `json:"id"`
	PotID           string     `json:"pot_id"`
	StartedAt       time.Time  `json:"start_time"`
	EndedAt         *time.Time `json:"end_time"`
	DurationSeconds *int64     `json:"duration_seconds"`
	WaterLiters     *float64   `json:"water_consumed_liters"`
}

// Open reports whether the session has not been closed yet.
func (s WateringSession) Open() bool {
	return s.EndedAt == nil
}

// DurationBetween is the whole-second duration stored when a session closes.
// Clock skew never yields a negative value.
func DurationBetween(start, end time.Time) int64 {
	d := int64(end.Sub(start) / time.Second)
	if d < 0 {
		return 0
	}
	return d
}
