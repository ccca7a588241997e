package models

import (
	"time"
)

// SensorReading represents one normalized sample from a room's sensor node
type SensorReading struct {
	RoomID      string    `json:"roomId"`
	Timestamp   time.Time `json:"timestamp"`
	Temperature float64   `json:"temperature"` // in Celsius
	Humidity    float64   `json:"humidity"`    // relative humidity percentage
	ToxicGas    float64   `json:"toxicGas"`    // MQ-series reading, ppm
	CO2         float64   `json:"co2"`         // MG811 reading, ppm
	Synthetic   bool      `json:"synthetic"`   // produced by the mock generator
}

// RoomSeries is the full visible window of readings for one room.
// It is replaced wholesale on every fetch cycle.
type RoomSeries struct {
	RoomID    string          `json:"roomId"`
	Readings  []SensorReading `json:"readings"`
	FetchedAt time.Time       `json:"fetchedAt"`
	Synthetic bool            `json:"synthetic"`
	Source    string          `json:"source,omitempty"` // failure reason when synthetic
}

// Latest returns the most recent reading, or nil when the series is empty
func (s RoomSeries) Latest() *SensorReading {
	if len(s.Readings) == 0 {
		return nil
	}
	r := s.Readings[len(s.Readings)-1]
	return &r
}

// Tail returns the last n readings (all of them when n exceeds the length)
func (s RoomSeries) Tail(n int) []SensorReading {
	if n <= 0 || n >= len(s.Readings) {
		return s.Readings
	}
	return s.Readings[len(s.Readings)-n:]
}
