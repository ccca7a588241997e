package telemetry

import (
	"math"

	"airwatch-service/models"
)

// DefaultSmoothingWindow is the trailing sample count averaged on the gas channels
const DefaultSmoothingWindow = 5

// Smooth applies a trailing moving average to the toxic gas and CO2 channels.
// For index i >= window-1 both channels become the mean of the trailing
// window raw values rounded to 2 decimals; earlier readings pass through.
// Temperature and humidity are never smoothed. The input is not modified.
func Smooth(readings []models.SensorReading, window int) []models.SensorReading {
	out := make([]models.SensorReading, len(readings))
	copy(out, readings)
	if window <= 1 {
		return out
	}

	for i := window - 1; i < len(readings); i++ {
		var gas, co2 float64
		for _, r := range readings[i-window+1 : i+1] {
			gas += r.ToxicGas
			co2 += r.CO2
		}
		out[i].ToxicGas = round2(gas / float64(window))
		out[i].CO2 = round2(co2 / float64(window))
	}
	return out
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
