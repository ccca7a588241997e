package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status is the safety verdict of an analysis
type Status string

const (
	StatusSafe    Status = "SAFE"
	StatusWarning Status = "WARNING"
	StatusDanger  Status = "DANGER"
)

// Trend describes the direction the air-quality channels are moving in
type Trend string

const (
	TrendStable  Trend = "STABLE"
	TrendRising  Trend = "RISING"
	TrendFalling Trend = "FALLING"
)

// ErrInvalidInsight is returned by Validate for verdicts that fail the schema
var ErrInvalidInsight = errors.New("invalid insight")

// Insight is the verdict of the external analysis step for a room
type Insight struct {
	Status      Status    `json:"status"`
	Trend       Trend     `json:"trend"`
	Confidence  float64   `json:"confidence"`
	Prediction  string    `json:"prediction"`
	Rationale   string    `json:"rationale,omitempty"`
	Outage      bool      `json:"outage"`   // verdict diagnoses a signal loss
	Fallback    bool      `json:"fallback"` // produced locally after an analyzer failure
	Analyzer    string    `json:"analyzer,omitempty"`
	GeneratedAt time.Time `json:"generatedAt"`
}

// Validate checks the verdict against the analyzer output schema
func (i Insight) Validate() error {
	switch i.Status {
	case StatusSafe, StatusWarning, StatusDanger:
	default:
		return fmt.Errorf("%w: unknown status %q", ErrInvalidInsight, i.Status)
	}
	switch i.Trend {
	case TrendStable, TrendRising, TrendFalling:
	default:
		return fmt.Errorf("%w: unknown trend %q", ErrInvalidInsight, i.Trend)
	}
	if i.Confidence < 0 || i.Confidence > 1 || i.Confidence != i.Confidence {
		return fmt.Errorf("%w: confidence %v out of range", ErrInvalidInsight, i.Confidence)
	}
	if strings.TrimSpace(i.Prediction) == "" {
		return fmt.Errorf("%w: empty prediction", ErrInvalidInsight)
	}
	return nil
}

var outageMarkers = []string{
	"down", "offline", "signal lost", "connection lost", "connection broken",
	"connection interrupt", "heartbeat failure", "reached",
}

// DescribesOutage reports whether the verdict already diagnoses a
// down or communication-failure condition
func (i *Insight) DescribesOutage() bool {
	if i == nil {
		return false
	}
	if i.Outage {
		return true
	}
	text := strings.ToLower(i.Prediction + " " + i.Rationale)
	for _, marker := range outageMarkers {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}
