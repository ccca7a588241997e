package analyzer

import (
	"context"
	"errors"
	"time"

	"airwatch-service/models"
)

// DefaultWindow is the number of trailing readings sent to an analyzer
const DefaultWindow = 10

var (
	// ErrEmptyResponse is returned when the analyzer produced no verdict
	ErrEmptyResponse = errors.New("analyzer returned an empty response")
	// ErrInvalidInsight wraps schema violations in an analyzer verdict
	ErrInvalidInsight = models.ErrInvalidInsight
)

// Request is the input of one analysis call
type Request struct {
	RoomID     string
	RoomName   string
	Readings   []models.SensorReading // last N readings, oldest first
	Stale      bool
	AgeMinutes int
}

// Analyzer defines the interface for services that turn recent readings into a verdict
type Analyzer interface {
	// Analyze returns a verdict for the readings. It may fail.
	Analyze(ctx context.Context, req Request) (models.Insight, error)

	// Name returns the analyzer's name
	Name() string
}

// Fallback is the conservative verdict used when the analyzer fails
func Fallback(stale bool, now time.Time) models.Insight {
	insight := models.Insight{
		Status:      models.StatusSafe,
		Trend:       models.TrendStable,
		Confidence:  0,
		Prediction:  "Analysis unavailable. Showing the last known readings without a fresh verdict.",
		Rationale:   "The analysis service did not return a usable verdict.",
		Fallback:    true,
		GeneratedAt: now,
	}
	if stale {
		insight.Status = models.StatusDanger
		insight.Outage = true
		insight.Prediction = "Connection interrupt detected. Pulse clock has exceeded 5 minutes."
		insight.Rationale = "Signal lost. The data age is climbing and current conditions cannot be verified."
	}
	return insight
}

// Validated calls a and rejects verdicts that fail the schema
func Validated(ctx context.Context, a Analyzer, req Request) (models.Insight, error) {
	insight, err := a.Analyze(ctx, req)
	if err != nil {
		return models.Insight{}, err
	}
	if err := insight.Validate(); err != nil {
		return models.Insight{}, err
	}
	if insight.Analyzer == "" {
		insight.Analyzer = a.Name()
	}
	return insight, nil
}
