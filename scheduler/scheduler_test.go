package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"airwatch-service/analyzer"
	"airwatch-service/models"
	"airwatch-service/telemetry"
)

var now = time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)

func liveSeries(n int) models.RoomSeries {
	readings := make([]models.SensorReading, n)
	for i := range readings {
		readings[i] = models.SensorReading{
			RoomID:    "r1",
			Timestamp: now.Add(-time.Duration(n-1-i) * 10 * time.Second),
			ToxicGas:  100,
			CO2:       400,
		}
	}
	return models.RoomSeries{RoomID: "r1", Readings: readings}
}

func staleSeries(n int) models.RoomSeries {
	s := liveSeries(n)
	for i := range s.Readings {
		s.Readings[i].Timestamp = s.Readings[i].Timestamp.Add(-time.Hour)
	}
	return s
}

type fakeAnalyzer struct {
	calls     atomic.Int32
	err       error
	blockRoom string
	block     chan struct{}
	started   chan struct{}
	lastReq   analyzer.Request
	mu        sync.Mutex
}

func (f *fakeAnalyzer) Analyze(ctx context.Context, req analyzer.Request) (models.Insight, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.lastReq = req
	f.mu.Unlock()
	if req.RoomID == f.blockRoom {
		f.started <- struct{}{}
		<-f.block
	}
	if f.err != nil {
		return models.Insight{}, f.err
	}
	return models.Insight{Status: models.StatusSafe, Trend: models.TrendStable, Confidence: 0.8, Prediction: "all clear"}, nil
}

func (f *fakeAnalyzer) Name() string { return "fake" }

func newTestScheduler(a analyzer.Analyzer) *Scheduler {
	s := New(a, DefaultPolicy(), telemetry.DefaultThresholds(), nil)
	s.now = func() time.Time { return now }
	return s
}

func TestDecide(t *testing.T) {
	t.Parallel()

	p := DefaultPolicy()
	live := telemetry.Staleness{Verdict: telemetry.Live}
	lagging := telemetry.Staleness{Verdict: telemetry.Lagging, AgeMinutes: 2}
	down := telemetry.Staleness{Verdict: telemetry.Down, AgeMinutes: 30}
	outage := &models.Insight{Status: models.StatusDanger, Outage: true, Prediction: "offline"}
	healthy := &models.Insight{Status: models.StatusSafe, Prediction: "fine"}
	recent := State{LastAnalysis: now.Add(-time.Minute), LastVerdict: telemetry.Live}
	wasDown := State{LastAnalysis: now.Add(-time.Minute), LastVerdict: telemetry.Down}
	offlineText := &models.Insight{Status: models.StatusWarning, Prediction: "Node went offline twice in the last hour"}

	cases := []struct {
		name string
		in   Input
		st   State
		want Decision
	}{
		{"forced", Input{Forced: true, Staleness: live, Now: now}, recent, Decision{true, ReasonForced}},
		{"forced but in flight", Input{Forced: true, Staleness: live, Now: now}, State{InFlight: true}, Decision{false, ReasonInFlight}},
		{"recent and live", Input{Readings: 40, Staleness: live, Cached: healthy, Now: now}, recent, Decision{}},
		{"interval elapsed", Input{Readings: 40, Staleness: live, Cached: healthy, Now: now}, State{LastAnalysis: now.Add(-6 * time.Minute)}, Decision{true, ReasonInterval}},
		{"interval never analyzed", Input{Readings: 6, Staleness: live, Now: now}, State{}, Decision{true, ReasonInterval}},
		{"cold start guard", Input{Readings: 5, Staleness: live, Now: now}, State{}, Decision{}},
		{"retry backoff", Input{Readings: 40, Staleness: live, Now: now}, State{LastFailure: now.Add(-30 * time.Second)}, Decision{}},
		{"newly down", Input{Readings: 40, Staleness: down, Cached: healthy, Now: now}, recent, Decision{true, ReasonStale}},
		{"down without insight", Input{Staleness: down, Now: now}, recent, Decision{true, ReasonStale}},
		{"down already diagnosed", Input{Readings: 40, Staleness: down, Cached: outage, Now: now}, recent, Decision{}},
		{"down diagnosed by text", Input{Readings: 40, Staleness: down, Cached: &models.Insight{Prediction: "Node is DOWN"}, Now: now}, recent, Decision{}},
		{"live to lagging", Input{Readings: 40, Staleness: lagging, Cached: healthy, Now: now}, recent, Decision{true, ReasonStale}},
		{"still lagging", Input{Readings: 40, Staleness: lagging, Cached: healthy, Now: now}, State{LastAnalysis: recent.LastAnalysis, LastVerdict: telemetry.Lagging}, Decision{}},
		{"recovered", Input{Readings: 40, Staleness: live, Cached: outage, Now: now}, wasDown, Decision{true, ReasonRecovered}},
		{"recovered from text diagnosis", Input{Readings: 40, Staleness: live, Cached: offlineText, Now: now}, wasDown, Decision{true, ReasonRecovered}},
		{"outage text on a steadily live room", Input{Readings: 40, Staleness: live, Cached: offlineText, Now: now}, recent, Decision{}},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, Decide(p, tc.in, tc.st))
		})
	}
}

func TestNextDue(t *testing.T) {
	p := DefaultPolicy()
	assert.Zero(t, NextDue(p, State{}, now))
	assert.Equal(t, 3*time.Minute, NextDue(p, State{LastAnalysis: now.Add(-2 * time.Minute)}, now))
	assert.Zero(t, NextDue(p, State{LastAnalysis: now.Add(-time.Hour)}, now))
}

func TestEvaluateSuccess(t *testing.T) {
	fa := &fakeAnalyzer{}
	s := newTestScheduler(fa)
	room := models.Room{ID: "r1", Name: "Lab"}

	res := s.Evaluate(context.Background(), Request{Room: room, Series: liveSeries(40), Force: true})
	require.NotNil(t, res.Insight)
	assert.Equal(t, OutcomeSuccess, res.Outcome)
	assert.Equal(t, "all clear", res.Insight.Prediction)
	assert.Equal(t, "fake", res.Insight.Analyzer)
	assert.Equal(t, int32(1), fa.calls.Load())

	// last 10 readings only
	assert.Len(t, fa.lastReq.Readings, 10)
	assert.False(t, fa.lastReq.Stale)

	st, ok := s.Snapshot("r1")
	require.True(t, ok)
	assert.Equal(t, now, st.LastAnalysis)
	assert.False(t, st.InFlight)

	// analyzed a moment ago, not forced, still live: no call
	res = s.Evaluate(context.Background(), Request{Room: room, Series: liveSeries(40), Cached: res.Insight})
	assert.Nil(t, res.Insight)
	assert.Equal(t, OutcomeSkipped, res.Outcome)
	assert.Equal(t, int32(1), fa.calls.Load())
}

func TestEvaluateAnalyzerFailureFallsBack(t *testing.T) {
	cases := []struct {
		name   string
		series models.RoomSeries
		status models.Status
	}{
		{"stale room", staleSeries(20), models.StatusDanger},
		{"fresh room", liveSeries(20), models.StatusSafe},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fa := &fakeAnalyzer{err: errors.New("provider exploded")}
			s := newTestScheduler(fa)

			res := s.Evaluate(context.Background(), Request{Room: models.Room{ID: "r1"}, Series: tc.series, Force: true})
			require.NotNil(t, res.Insight)
			assert.Equal(t, OutcomeFallback, res.Outcome)
			assert.Error(t, res.Err)
			assert.Equal(t, tc.status, res.Insight.Status)
			assert.Zero(t, res.Insight.Confidence)
			assert.True(t, res.Insight.Fallback)

			st, _ := s.Snapshot("r1")
			assert.False(t, st.InFlight)
			assert.Equal(t, now, st.LastFailure)
			assert.True(t, st.LastAnalysis.IsZero())
		})
	}
}

type panicAnalyzer struct{}

func (panicAnalyzer) Analyze(context.Context, analyzer.Request) (models.Insight, error) {
	panic("nil map")
}

func (panicAnalyzer) Name() string { return "panic" }

func TestEvaluateRecoversAnalyzerPanic(t *testing.T) {
	s := newTestScheduler(panicAnalyzer{})
	res := s.Evaluate(context.Background(), Request{Room: models.Room{ID: "r1"}, Series: staleSeries(3), Force: true})
	require.NotNil(t, res.Insight)
	assert.Equal(t, models.StatusDanger, res.Insight.Status)
	st, _ := s.Snapshot("r1")
	assert.False(t, st.InFlight)
}

func TestEvaluateSyntheticSeriesIsStale(t *testing.T) {
	fa := &fakeAnalyzer{}
	s := newTestScheduler(fa)
	series := telemetry.NewSeededGenerator(1, 2).Generate("r1", now)

	res := s.Evaluate(context.Background(), Request{Room: models.Room{ID: "r1"}, Series: series})
	assert.Equal(t, ReasonStale, res.Decision.Reason)
	assert.True(t, fa.lastReq.Stale)
	assert.Equal(t, telemetry.Down, res.Staleness.Verdict)
}

func TestEvaluateAtMostOneInFlightPerRoom(t *testing.T) {
	fa := &fakeAnalyzer{blockRoom: "r1", block: make(chan struct{}), started: make(chan struct{})}
	s := newTestScheduler(fa)
	req := Request{Room: models.Room{ID: "r1"}, Series: liveSeries(40), Force: true}

	first := make(chan Result, 1)
	go func() { first <- s.Evaluate(context.Background(), req) }()
	<-fa.started

	// overlapping trigger for the same room is skipped, not queued
	second := s.Evaluate(context.Background(), req)
	assert.Equal(t, ReasonInFlight, second.Decision.Reason)
	assert.Nil(t, second.Insight)

	// other rooms are not blocked
	other := s.Evaluate(context.Background(), Request{Room: models.Room{ID: "r2"}, Series: liveSeries(40), Force: true})
	require.NotNil(t, other.Insight)

	close(fa.block)
	res := <-first
	require.NotNil(t, res.Insight)
	assert.Equal(t, int32(2), fa.calls.Load())

	st, _ := s.Snapshot("r1")
	assert.False(t, st.InFlight)
}

func TestLaggingTransitionSurvivesInFlightSkip(t *testing.T) {
	fa := &fakeAnalyzer{blockRoom: "r1", block: make(chan struct{}), started: make(chan struct{}, 2)}
	s := newTestScheduler(fa)
	room := models.Room{ID: "r1"}

	lagging := liveSeries(40)
	for i := range lagging.Readings {
		lagging.Readings[i].Timestamp = lagging.Readings[i].Timestamp.Add(-2 * time.Minute)
	}

	first := make(chan Result, 1)
	go func() { first <- s.Evaluate(context.Background(), Request{Room: room, Series: liveSeries(40), Force: true}) }()
	<-fa.started

	skipped := s.Evaluate(context.Background(), Request{Room: room, Series: lagging})
	assert.Equal(t, ReasonInFlight, skipped.Decision.Reason)
	assert.Equal(t, telemetry.Lagging, skipped.Staleness.Verdict)

	close(fa.block)
	require.NotNil(t, (<-first).Insight)

	st, _ := s.Snapshot("r1")
	assert.Equal(t, telemetry.Live, st.LastVerdict)

	// the live to lagging transition is still seen once the flight lands
	res := s.Evaluate(context.Background(), Request{Room: room, Series: lagging})
	assert.Equal(t, Decision{Run: true, Reason: ReasonStale}, res.Decision)
	assert.Equal(t, int32(2), fa.calls.Load())
}

func TestForget(t *testing.T) {
	s := newTestScheduler(&fakeAnalyzer{})
	s.Evaluate(context.Background(), Request{Room: models.Room{ID: "r1"}, Series: liveSeries(10), Force: true})
	_, ok := s.Snapshot("r1")
	require.True(t, ok)

	s.Forget("r1")
	_, ok = s.Snapshot("r1")
	assert.False(t, ok)
	assert.Zero(t, s.NextAnalysisIn("r1"))
}
