package collector

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"airwatch-service/cache"
	"airwatch-service/datasource"
	"airwatch-service/metrics"
	"airwatch-service/models"
	"airwatch-service/publish"
	"airwatch-service/registry"
	"airwatch-service/scheduler"
)

// RoomLister is the read side of the room registry
type RoomLister interface {
	List() ([]models.Room, error)
}

type subscriber interface {
	Subscribe(buffer int) (<-chan registry.Event, func())
}

// CycleOptions controls one fetch cycle
type CycleOptions struct {
	// Force requests an analysis regardless of the interval. With TargetRoom
	// set only that room is forced; the others are still fetched normally.
	Force      bool
	TargetRoom string
}

// CycleReport summarizes a fetch cycle
type CycleReport struct {
	Rooms     int
	Synthetic int
	Analyses  int
	Fallbacks int
}

type roomOutcome struct {
	synthetic bool
	result    scheduler.Result
}

// DataCollector runs fetch cycles over every registered room
type DataCollector struct {
	rooms     RoomLister
	source    datasource.RoomSource
	cache     *cache.RoomCache
	scheduler *scheduler.Scheduler
	publisher publish.InsightPublisher
	metrics   *metrics.Metrics
	logger    *slog.Logger

	fetchInterval time.Duration
	fetchTimeout  time.Duration
	refreshChan   chan string
	nudgeChan     chan string

	mu         sync.Mutex
	tombstones map[string]struct{}
}

// NewDataCollector creates a collector. Rooms are listed at the start of every cycle.
func NewDataCollector(rooms RoomLister, source datasource.RoomSource, c *cache.RoomCache, s *scheduler.Scheduler, logger *slog.Logger) *DataCollector {
	if logger == nil {
		logger = slog.Default()
	}
	return &DataCollector{
		rooms:         rooms,
		source:        source,
		cache:         c,
		scheduler:     s,
		publisher:     publish.Nop{},
		logger:        logger,
		fetchInterval: 30 * time.Second,
		fetchTimeout:  10 * time.Second,
		refreshChan:   make(chan string, 16),
		nudgeChan:     make(chan string, 16),
		tombstones:    make(map[string]struct{}),
	}
}

// SetFetchInterval changes the period of the fetch ticker
func (dc *DataCollector) SetFetchInterval(interval time.Duration) {
	dc.fetchInterval = interval
}

// SetFetchTimeout changes the timeout for one room's download
func (dc *DataCollector) SetFetchTimeout(timeout time.Duration) {
	dc.fetchTimeout = timeout
}

// SetPublisher routes committed insights to p
func (dc *DataCollector) SetPublisher(p publish.InsightPublisher) {
	dc.publisher = p
}

// SetMetrics enables fetch metrics
func (dc *DataCollector) SetMetrics(m *metrics.Metrics) {
	dc.metrics = m
}

// Refresh asks the running collector for a cycle that forces analysis of
// roomID. It reports false when a refresh is already queued to capacity.
func (dc *DataCollector) Refresh(roomID string) bool {
	select {
	case dc.refreshChan <- roomID:
		return true
	default:
		return false
	}
}

// Nudge asks the running collector to re-evaluate a room's committed series
func (dc *DataCollector) Nudge(roomID string) bool {
	select {
	case dc.nudgeChan <- roomID:
		return true
	default:
		return false
	}
}

// Start runs an initial forced cycle, then cycles on the fetch ticker, on
// refresh requests and on registry changes. Nudged rooms are re-evaluated
// without a fetch.
// The returned function can be called to stop collection
func (dc *DataCollector) Start(ctx context.Context) func() {
	collectionCtx, cancelCollection := context.WithCancel(ctx)

	var events <-chan registry.Event
	unsubscribe := func() {}
	if sub, ok := dc.rooms.(subscriber); ok {
		events, unsubscribe = sub.Subscribe(16)
	}

	var wg sync.WaitGroup
	cycle := func(opts CycleOptions) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			dc.RunCycle(collectionCtx, opts)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()

		ticker := time.NewTicker(dc.fetchInterval)
		defer ticker.Stop()

		// Do an initial forced cycle immediately
		cycle(CycleOptions{Force: true})

		for {
			select {
			case <-ticker.C:
				cycle(CycleOptions{})
			case roomID := <-dc.refreshChan:
				cycle(CycleOptions{Force: true, TargetRoom: roomID})
			case roomID := <-dc.nudgeChan:
				wg.Add(1)
				go func() {
					defer wg.Done()
					dc.Reevaluate(collectionCtx, roomID)
				}()
			case ev, ok := <-events:
				if !ok {
					events = nil
					continue
				}
				dc.handleEvent(collectionCtx, &wg, ev)
			case <-collectionCtx.Done():
				return
			}
		}
	}()

	return func() {
		cancelCollection()
		unsubscribe()
		// Wait for in-flight cycles to finish
		wg.Wait()
	}
}

func (dc *DataCollector) handleEvent(ctx context.Context, wg *sync.WaitGroup, ev registry.Event) {
	switch ev.Kind {
	case registry.EventAdded:
		wg.Add(1)
		go func() {
			defer wg.Done()
			dc.collectRoom(ctx, ev.Room, false)
		}()
	case registry.EventRemoved:
		dc.Forget(ev.Room.ID)
	}
}

// Forget drops every trace of a removed room. Results of a cycle that was
// already running for it are discarded.
func (dc *DataCollector) Forget(roomID string) {
	dc.mu.Lock()
	dc.tombstones[roomID] = struct{}{}
	dc.mu.Unlock()

	dc.cache.Remove(roomID)
	dc.scheduler.Forget(roomID)
	dc.metrics.ForgetRoom(roomID)
	dc.logger.Info("room_forgotten", "room", roomID)
}

func (dc *DataCollector) removed(roomID string) bool {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	_, gone := dc.tombstones[roomID]
	return gone
}

// RunCycle fetches every room concurrently and runs the scheduler on each.
// One room's failure never affects another.
func (dc *DataCollector) RunCycle(ctx context.Context, opts CycleOptions) CycleReport {
	rooms, err := dc.rooms.List()
	if err != nil {
		dc.logger.Error("room_list_failed", "error", err)
		return CycleReport{}
	}

	outcomes := make([]roomOutcome, len(rooms))
	var wg sync.WaitGroup
	for i, room := range rooms {
		force := opts.Force && (opts.TargetRoom == "" || opts.TargetRoom == room.ID)
		wg.Add(1)
		go func(i int, room models.Room) {
			defer wg.Done()
			outcomes[i] = dc.collectRoom(ctx, room, force)
		}(i, room)
	}
	wg.Wait()

	report := CycleReport{Rooms: len(rooms)}
	for _, o := range outcomes {
		if o.synthetic {
			report.Synthetic++
		}
		if o.result.Insight != nil {
			report.Analyses++
		}
		if o.result.Outcome == scheduler.OutcomeFallback {
			report.Fallbacks++
		}
	}

	dc.logger.Info("fetch_cycle_complete", "rooms", report.Rooms, "synthetic", report.Synthetic,
		"analyses", report.Analyses, "fallbacks", report.Fallbacks, "forced", opts.Force, "target", opts.TargetRoom)
	return report
}

// collectRoom performs a single fetch, commit and evaluation for a room
func (dc *DataCollector) collectRoom(ctx context.Context, room models.Room, force bool) roomOutcome {
	// Create a context with timeout for this specific request
	fetchCtx, cancel := context.WithTimeout(ctx, dc.fetchTimeout)
	started := time.Now()
	series, fetchErr := dc.source.FetchSeries(fetchCtx, room)
	cancel()
	dc.metrics.FetchResult(room.ID, series.Synthetic, time.Since(started))

	if fetchErr != nil {
		dc.logger.Warn("room_fetch_degraded", "room", room.ID, "source", dc.source.Name(), "error", fetchErr)
	}

	if ctx.Err() != nil || dc.removed(room.ID) {
		return roomOutcome{synthetic: series.Synthetic}
	}
	dc.cache.CommitSeries(room, series, fetchErr)

	result := dc.evaluate(ctx, room, series, force)
	return roomOutcome{synthetic: series.Synthetic, result: result}
}

// Reevaluate runs the scheduler on a room's committed series without
// fetching. It is used when the wall clock, not a fetch, changed the room's
// staleness.
func (dc *DataCollector) Reevaluate(ctx context.Context, roomID string) scheduler.Result {
	entry, ok := dc.cache.Get(roomID)
	if !ok {
		return scheduler.Result{Outcome: scheduler.OutcomeSkipped}
	}
	return dc.evaluate(ctx, entry.Room, entry.Series, false)
}

func (dc *DataCollector) evaluate(ctx context.Context, room models.Room, series models.RoomSeries, force bool) scheduler.Result {
	result := dc.scheduler.Evaluate(ctx, scheduler.Request{
		Room:   room,
		Series: series,
		Force:  force,
		Cached: dc.cache.Insight(room.ID),
	})
	if result.Insight == nil {
		return result
	}

	if !dc.cache.CommitInsight(room.ID, *result.Insight) {
		dc.logger.Info("insight_discarded", "room", room.ID, "reason", "room_removed")
		return result
	}

	err := dc.publisher.Publish(ctx, publish.InsightEvent{
		RoomID:    room.ID,
		RoomName:  room.Name,
		Reason:    string(result.Decision.Reason),
		Insight:   *result.Insight,
		Staleness: result.Staleness,
	})
	if err != nil {
		dc.logger.Warn("insight_publish_failed", "room", room.ID, "error", err)
	}
	return result
}
