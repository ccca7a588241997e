package api

import (
	"math"
	"time"

	"airwatch-service/cache"
	"airwatch-service/models"
	"airwatch-service/scheduler"
	"airwatch-service/telemetry"
)

// Alert thresholds for the history view
const (
	AlertToxicGas = 400.0
	AlertCO2      = 1000.0

	// contaminationGas is the peak gas level the analytics summary flags
	contaminationGas = 300.0

	defaultSeriesLimit = 40
)

// RoomSummary is one row of the room list
type RoomSummary struct {
	models.Room
	Staleness   telemetry.Staleness   `json:"staleness"`
	Status      models.Status         `json:"status,omitempty"`
	Trend       models.Trend          `json:"trend,omitempty"`
	Synthetic   bool                  `json:"synthetic"`
	LastReading *models.SensorReading `json:"lastReading,omitempty"`
	UpdatedAt   *time.Time            `json:"updatedAt,omitempty"`
}

// RoomDetail is the full state of one room
type RoomDetail struct {
	RoomSummary
	Insight        *models.Insight  `json:"insight,omitempty"`
	Scheduling     *scheduler.State `json:"scheduling,omitempty"`
	NextAnalysisIn float64          `json:"nextAnalysisInSeconds"`
	FetchError     string           `json:"fetchError,omitempty"`
	Source         string           `json:"source,omitempty"`
	Readings       int              `json:"readings"`
}

// Alert is one threshold violation
type Alert struct {
	Timestamp time.Time `json:"timestamp"`
	Sensor    string    `json:"sensor"`
	Value     float64   `json:"value"`
	Status    string    `json:"status"`
	Synthetic bool      `json:"synthetic"`
}

// ChannelStats summarizes one measured quantity
type ChannelStats struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
	Avg float64 `json:"avg"`
}

// Analytics summarizes a room's visible window
type Analytics struct {
	Samples       int          `json:"samples"`
	Temperature   ChannelStats `json:"temperature"`
	Humidity      ChannelStats `json:"humidity"`
	ToxicGas      ChannelStats `json:"toxicGas"`
	CO2           ChannelStats `json:"co2"`
	Alerts        int          `json:"alerts"`
	Contamination bool         `json:"contamination"`
	From          *time.Time   `json:"from,omitempty"`
	To            *time.Time   `json:"to,omitempty"`
}

func summarize(room models.Room, entry cache.Entry, found bool, now time.Time, th telemetry.Thresholds) RoomSummary {
	s := RoomSummary{Room: room}
	if !found {
		s.Staleness = telemetry.Classify(nil, now, th)
		return s
	}

	latest := entry.Series.Latest()
	s.Staleness = telemetry.Classify(latest, now, th)
	s.Synthetic = entry.Series.Synthetic
	s.LastReading = latest
	updated := entry.UpdatedAt
	s.UpdatedAt = &updated
	if entry.Insight != nil {
		s.Status = entry.Insight.Status
		s.Trend = entry.Insight.Trend
	}
	return s
}

// alerts returns the readings over a threshold, newest first. A reading over
// both thresholds is reported as a toxic gas alert.
func alerts(readings []models.SensorReading) []Alert {
	out := []Alert{}
	for i := len(readings) - 1; i >= 0; i-- {
		r := readings[i]
		switch {
		case r.ToxicGas > AlertToxicGas:
			out = append(out, Alert{Timestamp: r.Timestamp, Sensor: "toxic_gas", Value: r.ToxicGas, Status: string(models.StatusDanger), Synthetic: r.Synthetic})
		case r.CO2 > AlertCO2:
			out = append(out, Alert{Timestamp: r.Timestamp, Sensor: "co2", Value: r.CO2, Status: string(models.StatusDanger), Synthetic: r.Synthetic})
		}
	}
	return out
}

func analytics(readings []models.SensorReading) Analytics {
	a := Analytics{Samples: len(readings)}
	if len(readings) == 0 {
		return a
	}

	a.Temperature = stats(readings, func(r models.SensorReading) float64 { return r.Temperature })
	a.Humidity = stats(readings, func(r models.SensorReading) float64 { return r.Humidity })
	a.ToxicGas = stats(readings, func(r models.SensorReading) float64 { return r.ToxicGas })
	a.CO2 = stats(readings, func(r models.SensorReading) float64 { return r.CO2 })
	a.Alerts = len(alerts(readings))
	a.Contamination = a.ToxicGas.Max > contaminationGas

	from, to := readings[0].Timestamp, readings[len(readings)-1].Timestamp
	a.From, a.To = &from, &to
	return a
}

func stats(readings []models.SensorReading, value func(models.SensorReading) float64) ChannelStats {
	s := ChannelStats{Min: math.Inf(1), Max: math.Inf(-1)}
	var sum float64
	for _, r := range readings {
		v := value(r)
		s.Min = math.Min(s.Min, v)
		s.Max = math.Max(s.Max, v)
		sum += v
	}
	s.Avg = round2(sum / float64(len(readings)))
	return s
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
