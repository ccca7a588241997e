package collector

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"airwatch-service/cache"
	"airwatch-service/models"
	"airwatch-service/telemetry"
)

func TestMonitorTickReportsTransitions(t *testing.T) {
	base := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)
	c := cache.NewRoomCache()
	c.CommitSeries(models.Room{ID: "lab"}, models.RoomSeries{
		RoomID:   "lab",
		Readings: []models.SensorReading{{RoomID: "lab", Timestamp: base}},
	}, nil)

	m := NewMonitor(c, telemetry.DefaultThresholds(), nil, nil)
	clock := base.Add(10 * time.Second)
	m.now = func() time.Time { return clock }

	// first sighting is not a transition
	assert.Empty(t, m.Tick())

	clock = base.Add(90 * time.Second)
	got := m.Tick()
	require.Len(t, got, 1)
	assert.Equal(t, Transition{RoomID: "lab", From: telemetry.Live, To: telemetry.Lagging, Age: 1.5}, got[0])

	// unchanged verdict
	clock = base.Add(2 * time.Minute)
	assert.Empty(t, m.Tick())

	clock = base.Add(6 * time.Minute)
	got = m.Tick()
	require.Len(t, got, 1)
	assert.Equal(t, telemetry.Down, got[0].To)

	// a fresh fetch brings the room back
	c.CommitSeries(models.Room{ID: "lab"}, models.RoomSeries{
		RoomID:   "lab",
		Readings: []models.SensorReading{{RoomID: "lab", Timestamp: clock}},
	}, nil)
	got = m.Tick()
	require.Len(t, got, 1)
	assert.Equal(t, telemetry.Live, got[0].To)
}

func TestMonitorForgetsRemovedRooms(t *testing.T) {
	c := cache.NewRoomCache()
	c.CommitSeries(models.Room{ID: "lab"}, models.RoomSeries{RoomID: "lab"}, nil)

	m := NewMonitor(c, telemetry.DefaultThresholds(), nil, nil)
	m.Tick()
	c.Remove("lab")
	m.Tick()

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Empty(t, m.verdicts)
}
