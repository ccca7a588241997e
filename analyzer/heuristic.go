package analyzer

import (
	"context"
	"fmt"
	"math"
	"time"

	"airwatch-service/models"
)

// Alert thresholds for the air-quality channels, in ppm
const (
	ToxicGasDanger  = 400.0
	CO2Danger       = 1000.0
	ToxicGasWarning = 300.0
	CO2Warning      = 800.0
)

// trendTolerance is the relative change between window halves treated as noise
const trendTolerance = 0.05

// HeuristicAnalyzer produces verdicts locally from fixed thresholds.
// It is used when no remote analyzer is configured.
type HeuristicAnalyzer struct {
	now func() time.Time
}

// NewHeuristicAnalyzer creates a local rule-based analyzer
func NewHeuristicAnalyzer() *HeuristicAnalyzer {
	return &HeuristicAnalyzer{now: time.Now}
}

// Name returns the analyzer name
func (h *HeuristicAnalyzer) Name() string {
	return "Heuristic"
}

// Analyze classifies the latest reading against the alert thresholds and
// derives the trend from the two halves of the window
func (h *HeuristicAnalyzer) Analyze(ctx context.Context, req Request) (models.Insight, error) {
	if err := ctx.Err(); err != nil {
		return models.Insight{}, err
	}
	if len(req.Readings) == 0 {
		return models.Insight{}, ErrEmptyResponse
	}

	latest := req.Readings[len(req.Readings)-1]
	insight := models.Insight{
		Trend:       trendOf(req.Readings),
		Confidence:  math.Min(0.9, 0.5+0.04*float64(len(req.Readings))),
		Analyzer:    h.Name(),
		GeneratedAt: h.now(),
	}

	switch {
	case req.Stale:
		insight.Status = models.StatusDanger
		insight.Trend = models.TrendStable
		insight.Outage = true
		insight.Prediction = fmt.Sprintf("Sensor node is down: no fresh pulse for %d minutes.", req.AgeMinutes)
		insight.Rationale = "Check node power, Wi-Fi and whether the sheet is still published."
	case latest.ToxicGas > ToxicGasDanger || latest.CO2 > CO2Danger:
		insight.Status = models.StatusDanger
		insight.Prediction = fmt.Sprintf("Hazardous air: gas %.0f ppm, CO2 %.0f ppm. Ventilate the room.", latest.ToxicGas, latest.CO2)
		insight.Rationale = "Latest reading exceeds the danger threshold."
	case latest.ToxicGas > ToxicGasWarning || latest.CO2 > CO2Warning:
		insight.Status = models.StatusWarning
		insight.Prediction = fmt.Sprintf("Air quality degrading: gas %.0f ppm, CO2 %.0f ppm.", latest.ToxicGas, latest.CO2)
		insight.Rationale = "Latest reading exceeds the warning threshold."
	default:
		insight.Status = models.StatusSafe
		insight.Prediction = "Air quality within safe limits and the node is pulsing normally."
	}

	return insight, nil
}

// trendOf compares the mean gas+CO2 load of the older and newer halves
func trendOf(readings []models.SensorReading) models.Trend {
	if len(readings) < 2 {
		return models.TrendStable
	}
	mid := len(readings) / 2
	older, newer := load(readings[:mid]), load(readings[mid:])
	if older == 0 {
		if newer > 0 {
			return models.TrendRising
		}
		return models.TrendStable
	}
	change := (newer - older) / older
	switch {
	case change > trendTolerance:
		return models.TrendRising
	case change < -trendTolerance:
		return models.TrendFalling
	default:
		return models.TrendStable
	}
}

func load(readings []models.SensorReading) float64 {
	var sum float64
	for _, r := range readings {
		sum += r.ToxicGas + r.CO2
	}
	return sum / float64(len(readings))
}

var _ Analyzer = (*HeuristicAnalyzer)(nil)
