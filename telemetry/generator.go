package telemetry

import (
	"math/rand/v2"
	"sync"
	"time"

	"airwatch-service/models"
)

// DefaultMockLength is the number of synthetic points generated on failure
const DefaultMockLength = 40

// Generator produces placeholder series when ingestion cannot produce real data.
// Every point it emits is tagged Synthetic.
type Generator struct {
	Length int
	Step   time.Duration
	Offset time.Duration // shifts the last point back from now

	mu  sync.Mutex
	rng *rand.Rand
}

// NewGenerator creates a generator with a randomly seeded source
func NewGenerator() *Generator {
	return NewSeededGenerator(rand.Uint64(), rand.Uint64())
}

// NewSeededGenerator creates a generator with a deterministic source
func NewSeededGenerator(seed1, seed2 uint64) *Generator {
	return &Generator{
		Length: DefaultMockLength,
		Step:   time.Minute,
		rng:    rand.New(rand.NewPCG(seed1, seed2)),
	}
}

// Generate returns a synthetic series, one point per Step, ending at now-Offset
func (g *Generator) Generate(roomID string, now time.Time) models.RoomSeries {
	g.mu.Lock()
	defer g.mu.Unlock()

	length := g.Length
	if length <= 0 {
		length = DefaultMockLength
	}
	step := g.Step
	if step <= 0 {
		step = time.Minute
	}
	end := now.Add(-g.Offset)

	readings := make([]models.SensorReading, length)
	for i := range readings {
		readings[i] = models.SensorReading{
			RoomID:      roomID,
			Timestamp:   end.Add(-time.Duration(length-1-i) * step),
			Temperature: 22 + g.rng.Float64()*5,
			Humidity:    45 + g.rng.Float64()*10,
			ToxicGas:    80 + g.rng.Float64()*40,
			CO2:         380 + g.rng.Float64()*80,
			Synthetic:   true,
		}
	}

	return models.RoomSeries{
		RoomID:    roomID,
		Readings:  readings,
		FetchedAt: now,
		Synthetic: true,
	}
}
