// Package scheduler decides, per room and per refresh cycle, whether the
// expensive external analysis should run, and guarantees at most one
// analysis call in flight per room.
package scheduler

import (
	"time"

	"airwatch-service/models"
	"airwatch-service/telemetry"
)

// Reason explains why an analysis did or did not run
type Reason string

const (
	ReasonNone      Reason = ""
	ReasonForced    Reason = "forced"
	ReasonInterval  Reason = "interval"
	ReasonStale     Reason = "stale"
	ReasonRecovered Reason = "recovered"
	ReasonInFlight  Reason = "inflight"
)

// Policy holds the throttling parameters
type Policy struct {
	Interval     time.Duration // minimum time between scheduled analyses
	MinReadings  int           // cold-start guard: series must be longer than this
	RetryBackoff time.Duration // wait after a failed call before the interval rule retries
	Window       int           // readings sent to the analyzer
	CallTimeout  time.Duration
}

// DefaultPolicy returns the 5 minute interval policy
func DefaultPolicy() Policy {
	return Policy{
		Interval:     5 * time.Minute,
		MinReadings:  5,
		RetryBackoff: time.Minute,
		Window:       10,
		CallTimeout:  45 * time.Second,
	}
}

// State is the per-room scheduling record
type State struct {
	LastAnalysis time.Time         `json:"lastAnalysis"`
	LastFailure  time.Time         `json:"lastFailure"`
	InFlight     bool              `json:"inFlight"`
	LastVerdict  telemetry.Verdict `json:"lastVerdict"`
}

// Input is what the decision looks at for one room in one cycle
type Input struct {
	Forced    bool // a user asked for this specific room
	Readings  int
	Staleness telemetry.Staleness
	Cached    *models.Insight
	Now       time.Time
}

// Decision is the outcome of Decide
type Decision struct {
	Run    bool   `json:"run"`
	Reason Reason `json:"reason"`
}

// Decide is the pure scheduling rule. An analysis runs when it is forced,
// when the room went down (or started lagging) without an outage diagnosis
// on record, when a diagnosed outage recovered, or when the interval elapsed
// for a warmed-up series. A room with a call in flight never runs again.
func Decide(p Policy, in Input, st State) Decision {
	if st.InFlight {
		return Decision{Reason: ReasonInFlight}
	}
	if in.Forced {
		return Decision{Run: true, Reason: ReasonForced}
	}

	switch in.Staleness.Verdict {
	case telemetry.Down:
		if !in.Cached.DescribesOutage() {
			return Decision{Run: true, Reason: ReasonStale}
		}
	case telemetry.Lagging:
		if st.LastVerdict == telemetry.Live && !in.Cached.DescribesOutage() {
			return Decision{Run: true, Reason: ReasonStale}
		}
	case telemetry.Live:
		// only on the way back to live, so an outage-sounding verdict on a
		// steadily live room does not re-run every cycle
		if st.LastVerdict != telemetry.Live && in.Cached.DescribesOutage() {
			return Decision{Run: true, Reason: ReasonRecovered}
		}
	}

	due := in.Now.Sub(st.LastAnalysis) >= p.Interval
	backedOff := st.LastFailure.IsZero() || in.Now.Sub(st.LastFailure) >= p.RetryBackoff
	if due && backedOff && in.Readings > p.MinReadings {
		return Decision{Run: true, Reason: ReasonInterval}
	}

	return Decision{}
}

// NextDue returns how long until the interval rule fires for a room
func NextDue(p Policy, st State, now time.Time) time.Duration {
	if st.LastAnalysis.IsZero() {
		return 0
	}
	remaining := p.Interval - now.Sub(st.LastAnalysis)
	if remaining < 0 {
		return 0
	}
	return remaining
}
