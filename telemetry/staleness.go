package telemetry

import (
	"time"

	"airwatch-service/models"
)

// Verdict is the live/lagging/down classification of a room
type Verdict string

const (
	Live    Verdict = "live"
	Lagging Verdict = "lagging"
	Down    Verdict = "down"
)

// NoReadingAge is the age reported for a room that never produced a reading
const NoReadingAge = 999.0

// Thresholds configures the classifier
type Thresholds struct {
	Stale time.Duration // at or beyond this age the room is down
	Live  time.Duration // below this age the room is live
}

// DefaultThresholds returns the 5 minute stale and 1 minute live thresholds
func DefaultThresholds() Thresholds {
	return Thresholds{Stale: 5 * time.Minute, Live: time.Minute}
}

// Staleness is the classification result
type Staleness struct {
	Verdict    Verdict `json:"verdict"`
	AgeMinutes float64 `json:"ageMinutes"`
	Synthetic  bool    `json:"synthetic"`
}

// IsStale reports whether the room counts as stale (down)
func (s Staleness) IsStale() bool {
	return s.Verdict == Down
}

// Classify computes a room's freshness from its latest reading and the wall clock.
// A missing or synthetic reading is always down.
func Classify(latest *models.SensorReading, now time.Time, th Thresholds) Staleness {
	if latest == nil {
		return Staleness{Verdict: Down, AgeMinutes: NoReadingAge}
	}

	age := now.Sub(latest.Timestamp).Minutes()
	s := Staleness{AgeMinutes: age, Synthetic: latest.Synthetic}

	switch {
	case latest.Synthetic || age >= th.Stale.Minutes():
		s.Verdict = Down
	case age < th.Live.Minutes():
		s.Verdict = Live
	default:
		s.Verdict = Lagging
	}
	return s
}
