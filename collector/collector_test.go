package collector

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"airwatch-service/analyzer"
	"airwatch-service/cache"
	"airwatch-service/models"
	"airwatch-service/publish"
	"airwatch-service/registry"
	"airwatch-service/scheduler"
	"airwatch-service/telemetry"
)

type staticRooms []models.Room

func (s staticRooms) List() ([]models.Room, error) { return s, nil }

// fakeSource serves a live series for every room except those listed in fail
type fakeSource struct {
	mu    sync.Mutex
	fail  map[string]bool
	gate  map[string]chan struct{}
	calls map[string]int
}

func newFakeSource() *fakeSource {
	return &fakeSource{fail: map[string]bool{}, gate: map[string]chan struct{}{}, calls: map[string]int{}}
}

func (f *fakeSource) Name() string { return "fake" }

func (f *fakeSource) FetchSeries(ctx context.Context, room models.Room) (models.RoomSeries, error) {
	f.mu.Lock()
	f.calls[room.ID]++
	fail := f.fail[room.ID]
	gate := f.gate[room.ID]
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}

	now := time.Now()
	if fail {
		series := telemetry.NewSeededGenerator(1, 1).Generate(room.ID, now)
		series.Source = "source error (status 500)"
		return series, errors.New("source error (status 500)")
	}

	readings := make([]models.SensorReading, 20)
	for i := range readings {
		readings[i] = models.SensorReading{
			RoomID:    room.ID,
			Timestamp: now.Add(-time.Duration(19-i) * time.Second),
			ToxicGas:  100,
			CO2:       420,
		}
	}
	return models.RoomSeries{RoomID: room.ID, Readings: readings, FetchedAt: now}, nil
}

func (f *fakeSource) setFail(id string, fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[id] = fail
}

func (f *fakeSource) callCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []publish.InsightEvent
}

func (p *recordingPublisher) Publish(ctx context.Context, ev publish.InsightEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) Close(context.Context) error { return nil }

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

func newTestCollector(rooms RoomLister, src *fakeSource) (*DataCollector, *cache.RoomCache, *scheduler.Scheduler) {
	c := cache.NewRoomCache()
	s := scheduler.New(analyzer.NewHeuristicAnalyzer(), scheduler.DefaultPolicy(), telemetry.DefaultThresholds(), nil)
	return NewDataCollector(rooms, src, c, s, nil), c, s
}

var labAndOffice = staticRooms{
	{ID: "lab", Name: "Lab"},
	{ID: "office", Name: "Office"},
}

func TestRunCycleIsolatesRoomFailures(t *testing.T) {
	src := newFakeSource()
	src.setFail("office", true)
	dc, c, _ := newTestCollector(labAndOffice, src)
	pub := &recordingPublisher{}
	dc.SetPublisher(pub)

	report := dc.RunCycle(context.Background(), CycleOptions{Force: true})
	assert.Equal(t, CycleReport{Rooms: 2, Synthetic: 1, Analyses: 2}, report)

	lab, ok := c.Get("lab")
	require.True(t, ok)
	assert.False(t, lab.Series.Synthetic)
	require.NotNil(t, lab.Insight)
	assert.Equal(t, models.StatusSafe, lab.Insight.Status)

	office, ok := c.Get("office")
	require.True(t, ok)
	assert.True(t, office.Series.Synthetic)
	assert.NotEmpty(t, office.FetchErr)
	require.NotNil(t, office.Insight)
	// synthetic data reads as down
	assert.Equal(t, models.StatusDanger, office.Insight.Status)

	assert.Equal(t, 2, pub.count())
}

func TestInsightKeptWhenFetchFails(t *testing.T) {
	src := newFakeSource()
	dc, c, _ := newTestCollector(staticRooms{{ID: "lab", Name: "Lab"}}, src)

	dc.RunCycle(context.Background(), CycleOptions{Force: true})
	first := c.Insight("lab")
	require.NotNil(t, first)

	// the failed fetch degrades the series but never wipes the verdict
	src.setFail("lab", true)
	dc.RunCycle(context.Background(), CycleOptions{})

	entry, ok := c.Get("lab")
	require.True(t, ok)
	assert.True(t, entry.Series.Synthetic)
	assert.NotNil(t, entry.Insight)
}

func TestForceTargetsOneRoom(t *testing.T) {
	src := newFakeSource()
	dc, _, s := newTestCollector(labAndOffice, src)

	dc.RunCycle(context.Background(), CycleOptions{Force: true})
	labBefore, _ := s.Snapshot("lab")
	officeBefore, _ := s.Snapshot("office")

	time.Sleep(5 * time.Millisecond)
	report := dc.RunCycle(context.Background(), CycleOptions{Force: true, TargetRoom: "office"})
	assert.Equal(t, 1, report.Analyses)

	labAfter, _ := s.Snapshot("lab")
	officeAfter, _ := s.Snapshot("office")
	assert.Equal(t, labBefore.LastAnalysis, labAfter.LastAnalysis)
	assert.True(t, officeAfter.LastAnalysis.After(officeBefore.LastAnalysis))
}

func TestForgetDiscardsRunningCycle(t *testing.T) {
	src := newFakeSource()
	gate := make(chan struct{})
	src.gate["lab"] = gate
	dc, c, _ := newTestCollector(staticRooms{{ID: "lab", Name: "Lab"}}, src)

	done := make(chan CycleReport)
	go func() { done <- dc.RunCycle(context.Background(), CycleOptions{Force: true}) }()

	require.Eventually(t, func() bool { return src.callCount("lab") == 1 }, time.Second, time.Millisecond)
	dc.Forget("lab")
	close(gate)
	<-done

	_, ok := c.Get("lab")
	assert.False(t, ok)
}

func TestReevaluate(t *testing.T) {
	src := newFakeSource()
	dc, c, _ := newTestCollector(staticRooms{{ID: "lab", Name: "Lab"}}, src)

	res := dc.Reevaluate(context.Background(), "lab")
	assert.Equal(t, scheduler.OutcomeSkipped, res.Outcome)

	dc.RunCycle(context.Background(), CycleOptions{})
	require.NotNil(t, c.Insight("lab"))

	// analyzed moments ago and still live: nothing to do
	res = dc.Reevaluate(context.Background(), "lab")
	assert.Nil(t, res.Insight)
}

func TestStartFollowsRegistry(t *testing.T) {
	reg, err := registry.Open(registry.Config{InMemory: true}, nil)
	require.NoError(t, err)
	defer reg.Close()

	_, err = reg.Seed([]models.Room{{ID: "lab", Name: "Lab", SourceURL: "https://example.com/lab.csv"}})
	require.NoError(t, err)

	src := newFakeSource()
	dc, c, _ := newTestCollector(reg, src)
	dc.SetFetchInterval(time.Hour)

	stop := dc.Start(context.Background())
	defer stop()

	require.Eventually(t, func() bool {
		return c.Insight("lab") != nil
	}, 2*time.Second, 5*time.Millisecond)

	office, err := reg.Add(models.Room{Name: "Office", SourceURL: "https://example.com/office.csv"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, ok := c.Get(office.ID)
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	assert.True(t, dc.Refresh("lab"))
	require.Eventually(t, func() bool { return src.callCount("lab") >= 2 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, reg.Remove(office.ID))
	require.Eventually(t, func() bool {
		_, ok := c.Get(office.ID)
		return !ok
	}, 2*time.Second, 5*time.Millisecond)
}
