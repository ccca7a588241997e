package collector

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"airwatch-service/cache"
	"airwatch-service/metrics"
	"airwatch-service/telemetry"
)

// Transition is a change of a room's staleness verdict
type Transition struct {
	RoomID string
	From   telemetry.Verdict
	To     telemetry.Verdict
	Age    float64
}

// Monitor reclassifies every cached room on a wall-clock tick, independently
// of fetch cycles, so a silent room is noticed as it ages.
type Monitor struct {
	cache      *cache.RoomCache
	thresholds telemetry.Thresholds
	metrics    *metrics.Metrics
	logger     *slog.Logger
	interval   time.Duration
	now        func() time.Time

	// OnTransition, when set, is called for every verdict change
	OnTransition func(ctx context.Context, t Transition)

	mu       sync.Mutex
	verdicts map[string]telemetry.Verdict
}

// NewMonitor creates a monitor ticking once a second
func NewMonitor(c *cache.RoomCache, th telemetry.Thresholds, m *metrics.Metrics, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		cache:      c,
		thresholds: th,
		metrics:    m,
		logger:     logger,
		interval:   time.Second,
		now:        time.Now,
		verdicts:   make(map[string]telemetry.Verdict),
	}
}

// Tick classifies every room once and returns the verdict changes. A room
// seen for the first time is not a transition.
func (m *Monitor) Tick() []Transition {
	now := m.now()
	entries := m.cache.All()

	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]struct{}, len(entries))
	var transitions []Transition
	for _, e := range entries {
		seen[e.RoomID] = struct{}{}
		s := telemetry.Classify(e.Series.Latest(), now, m.thresholds)
		m.metrics.SetStaleness(e.RoomID, s)

		prev, known := m.verdicts[e.RoomID]
		m.verdicts[e.RoomID] = s.Verdict
		if !known || prev == s.Verdict {
			continue
		}

		t := Transition{RoomID: e.RoomID, From: prev, To: s.Verdict, Age: s.AgeMinutes}
		transitions = append(transitions, t)
		m.logger.Info("staleness_changed", "room", t.RoomID, "from", t.From, "to", t.To, "age_minutes", int(s.AgeMinutes))
	}

	for id := range m.verdicts {
		if _, ok := seen[id]; !ok {
			delete(m.verdicts, id)
		}
	}
	return transitions
}

// Start begins ticking. The returned function stops the monitor and waits for it.
func (m *Monitor) Start(ctx context.Context) func() {
	monitorCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				for _, t := range m.Tick() {
					if m.OnTransition != nil {
						m.OnTransition(monitorCtx, t)
					}
				}
			case <-monitorCtx.Done():
				return
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}
