package telemetry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"airwatch-service/models"
)

func rampReadings(n int) []models.SensorReading {
	out := make([]models.SensorReading, n)
	for i := range out {
		out[i] = models.SensorReading{
			Timestamp:   fixedNow.Add(time.Duration(i) * time.Minute),
			Temperature: float64(20 + i),
			Humidity:    float64(40 + i),
			ToxicGas:    float64(100 + i),
			CO2:         float64(400 + 10*i),
		}
	}
	return out
}

func TestSmoothTrailingWindow(t *testing.T) {
	in := rampReadings(7)
	out := Smooth(in, 5)
	require.Len(t, out, 7)

	// indices below window-1 pass through
	for i := 0; i < 4; i++ {
		assert.Equal(t, in[i], out[i])
	}

	// index 4 averages raw 0..4
	assert.Equal(t, 102.0, out[4].ToxicGas)
	assert.Equal(t, 420.0, out[4].CO2)
	// index 6 averages raw 2..6, not the already smoothed values
	assert.Equal(t, 104.0, out[6].ToxicGas)
	assert.Equal(t, 440.0, out[6].CO2)

	// temperature and humidity are never smoothed
	for i := range out {
		assert.Equal(t, in[i].Temperature, out[i].Temperature)
		assert.Equal(t, in[i].Humidity, out[i].Humidity)
	}
}

func TestSmoothRoundsToTwoDecimals(t *testing.T) {
	in := make([]models.SensorReading, 3)
	in[0].ToxicGas, in[1].ToxicGas, in[2].ToxicGas = 1, 1, 2
	out := Smooth(in, 3)
	assert.Equal(t, 1.33, out[2].ToxicGas)
}

func TestSmoothIsDeterministicAndPure(t *testing.T) {
	in := rampReadings(12)
	in[7].ToxicGas = 333.333
	snapshot := append([]models.SensorReading(nil), in...)

	a := Smooth(in, DefaultSmoothingWindow)
	b := Smooth(in, DefaultSmoothingWindow)
	assert.Equal(t, a, b)
	assert.Equal(t, snapshot, in, "input must not be mutated")
}

func TestSmoothShortAndDegenerateInputs(t *testing.T) {
	assert.Empty(t, Smooth(nil, 5))
	in := rampReadings(2)
	assert.Equal(t, in, Smooth(in, 5))
	assert.Equal(t, in, Smooth(in, 1))
}
