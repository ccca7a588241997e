package scheduler

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"airwatch-service/analyzer"
	"airwatch-service/models"
	"airwatch-service/telemetry"
)

// Outcome labels what happened to one evaluation
type Outcome string

const (
	OutcomeSkipped  Outcome = "skipped"
	OutcomeSuccess  Outcome = "success"
	OutcomeFallback Outcome = "fallback"
)

// Observer receives one notification per evaluation
type Observer interface {
	ObserveAnalysis(roomID string, reason Reason, outcome Outcome, took time.Duration)
}

// Request is one room's input for an evaluation
type Request struct {
	Room   models.Room
	Series models.RoomSeries
	Force  bool // the user asked for this room specifically
	Cached *models.Insight
}

// Result is the outcome of an evaluation. Insight is nil when nothing ran.
type Result struct {
	Decision  Decision
	Outcome   Outcome
	Insight   *models.Insight
	Staleness telemetry.Staleness
	Err       error // analyzer failure that produced a fallback insight
}

// Scheduler owns the per-room scheduling state
type Scheduler struct {
	analyzer   analyzer.Analyzer
	policy     Policy
	thresholds telemetry.Thresholds
	logger     *slog.Logger
	observer   Observer
	now        func() time.Time

	mu     sync.Mutex
	states map[string]*State
}

// New creates a scheduler around an analyzer
func New(a analyzer.Analyzer, policy Policy, thresholds telemetry.Thresholds, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		analyzer:   a,
		policy:     policy,
		thresholds: thresholds,
		logger:     logger,
		now:        time.Now,
		states:     make(map[string]*State),
	}
}

// SetObserver registers a metrics observer
func (s *Scheduler) SetObserver(o Observer) {
	s.observer = o
}

// Policy returns the throttling policy in use
func (s *Scheduler) Policy() Policy {
	return s.policy
}

// stateFor must be called with s.mu held
func (s *Scheduler) stateFor(roomID string) *State {
	st, ok := s.states[roomID]
	if !ok {
		st = &State{}
		s.states[roomID] = st
	}
	return st
}

// Evaluate decides whether to analyze a room now and, if so, calls the
// analyzer. A failing or invalid analysis yields the conservative fallback
// insight. The in-flight flag taken here is always released before return.
func (s *Scheduler) Evaluate(ctx context.Context, req Request) Result {
	roomID := req.Room.ID
	now := s.now()
	staleness := telemetry.Classify(req.Series.Latest(), now, s.thresholds)

	s.mu.Lock()
	st := s.stateFor(roomID)
	decision := Decide(s.policy, Input{
		Forced:    req.Force,
		Readings:  len(req.Series.Readings),
		Staleness: staleness,
		Cached:    req.Cached,
		Now:       now,
	}, *st)
	// A skipped in-flight evaluation must not consume a verdict transition
	if decision.Reason != ReasonInFlight {
		st.LastVerdict = staleness.Verdict
	}
	if !decision.Run {
		s.mu.Unlock()
		if decision.Reason == ReasonInFlight {
			s.logger.Info("analysis_skipped", "room", roomID, "reason", decision.Reason)
		}
		s.observe(roomID, decision.Reason, OutcomeSkipped, 0)
		return Result{Decision: decision, Outcome: OutcomeSkipped, Staleness: staleness}
	}
	st.InFlight = true
	s.mu.Unlock()

	defer s.release(roomID)

	started := time.Now()
	insight, err := s.call(ctx, req, staleness)
	took := time.Since(started)

	s.mu.Lock()
	st = s.stateFor(roomID)
	if err != nil {
		st.LastFailure = now
	} else {
		st.LastAnalysis = now
	}
	s.mu.Unlock()

	result := Result{Decision: decision, Insight: &insight, Staleness: staleness, Err: err, Outcome: OutcomeSuccess}
	if err != nil {
		result.Outcome = OutcomeFallback
		s.logger.Warn("analysis_failed", "room", roomID, "reason", decision.Reason, "analyzer", s.analyzer.Name(), "error", err)
	} else {
		s.logger.Info("analysis_complete", "room", roomID, "reason", decision.Reason, "status", insight.Status,
			"trend", insight.Trend, "confidence", insight.Confidence, "took", took.Round(time.Millisecond))
	}
	s.observe(roomID, decision.Reason, result.Outcome, took)
	return result
}

func (s *Scheduler) call(ctx context.Context, req Request, staleness telemetry.Staleness) (insight models.Insight, err error) {
	stale := staleness.IsStale()
	defer func() {
		// An analyzer panic must not take the cycle down with it
		if r := recover(); r != nil {
			s.logger.Error("analyzer_panic", "room", req.Room.ID, "panic", r)
			insight, err = analyzer.Fallback(stale, s.now()), analyzer.ErrEmptyResponse
		}
	}()

	if s.policy.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.policy.CallTimeout)
		defer cancel()
	}

	window := s.policy.Window
	if window <= 0 {
		window = analyzer.DefaultWindow
	}

	insight, err = analyzer.Validated(ctx, s.analyzer, analyzer.Request{
		RoomID:     req.Room.ID,
		RoomName:   req.Room.Name,
		Readings:   req.Series.Tail(window),
		Stale:      stale,
		AgeMinutes: int(math.Round(math.Min(staleness.AgeMinutes, telemetry.NoReadingAge))),
	})
	if err != nil {
		return analyzer.Fallback(stale, s.now()), err
	}
	if insight.GeneratedAt.IsZero() {
		insight.GeneratedAt = s.now()
	}
	return insight, nil
}

func (s *Scheduler) release(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.states[roomID]; ok {
		st.InFlight = false
	}
}

func (s *Scheduler) observe(roomID string, reason Reason, outcome Outcome, took time.Duration) {
	if s.observer != nil {
		s.observer.ObserveAnalysis(roomID, reason, outcome, took)
	}
}

// Snapshot returns a copy of a room's scheduling state
func (s *Scheduler) Snapshot(roomID string) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[roomID]
	if !ok {
		return State{}, false
	}
	return *st, true
}

// NextAnalysisIn returns the time left until the interval rule fires for a room
func (s *Scheduler) NextAnalysisIn(roomID string) time.Duration {
	st, _ := s.Snapshot(roomID)
	return NextDue(s.policy, st, s.now())
}

// Forget drops the state of a removed room
func (s *Scheduler) Forget(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, roomID)
}
