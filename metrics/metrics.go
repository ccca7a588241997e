package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"airwatch-service/scheduler"
	"airwatch-service/telemetry"
)

const namespace = "airwatch"

// Metrics holds the service collectors on a private registry. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
	fetchesTotal      *prometheus.CounterVec
	fetchDuration     prometheus.Histogram
	analysesTotal     *prometheus.CounterVec
	analysisDuration  prometheus.Histogram
	dataAge           *prometheus.GaugeVec
	verdict           *prometheus.GaugeVec
	publishErrors     prometheus.Counter
}

// NewMetrics creates and registers every collector
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total count of HTTP requests processed by route and status.",
		}, []string{"route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Histogram of HTTP request durations by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		fetchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_fetches_total",
			Help:      "Room source fetches by room and result (ok or synthetic).",
		}, []string{"room", "result"}),
		fetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "source_fetch_duration_seconds",
			Help:      "Histogram of room source fetch durations.",
			Buckets:   prometheus.DefBuckets,
		}),
		analysesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "analyses_total",
			Help:      "Scheduler evaluations by reason and outcome.",
		}, []string{"reason", "outcome"}),
		analysisDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "analysis_duration_seconds",
			Help:      "Histogram of analyzer call durations.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}),
		dataAge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "room_data_age_minutes",
			Help:      "Age of the newest reading per room.",
		}, []string{"room"}),
		verdict: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "room_staleness",
			Help:      "Staleness verdict per room (0 live, 1 lagging, 2 down).",
		}, []string{"room"}),
		publishErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "insight_publish_errors_total",
			Help:      "Total insight events that could not be published.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpDuration,
		m.fetchesTotal,
		m.fetchDuration,
		m.analysesTotal,
		m.analysisDuration,
		m.dataAge,
		m.verdict,
		m.publishErrors,
	)

	return m
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

// WrapHandler counts and times requests to next under the route label
func (m *Metrics) WrapHandler(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(recorder, r)

		duration := time.Since(start).Seconds()
		if m != nil {
			m.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
			m.httpDuration.WithLabelValues(route).Observe(duration)
		}
	})
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveAnalysis implements scheduler.Observer
func (m *Metrics) ObserveAnalysis(roomID string, reason scheduler.Reason, outcome scheduler.Outcome, took time.Duration) {
	if m == nil {
		return
	}
	label := string(reason)
	if label == "" {
		label = "none"
	}
	m.analysesTotal.WithLabelValues(label, string(outcome)).Inc()
	if outcome != scheduler.OutcomeSkipped {
		m.analysisDuration.Observe(took.Seconds())
	}
}

// FetchResult records one room download and whether it degraded to synthetic data
func (m *Metrics) FetchResult(roomID string, synthetic bool, took time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if synthetic {
		result = "synthetic"
	}
	m.fetchesTotal.WithLabelValues(roomID, result).Inc()
	m.fetchDuration.Observe(took.Seconds())
}

// SetStaleness updates the data age and verdict gauges of a room
func (m *Metrics) SetStaleness(roomID string, s telemetry.Staleness) {
	if m == nil {
		return
	}
	m.dataAge.WithLabelValues(roomID).Set(s.AgeMinutes)
	var v float64
	switch s.Verdict {
	case telemetry.Lagging:
		v = 1
	case telemetry.Down:
		v = 2
	}
	m.verdict.WithLabelValues(roomID).Set(v)
}

// PublishFailed counts an insight event that was not delivered
func (m *Metrics) PublishFailed() {
	if m == nil {
		return
	}
	m.publishErrors.Inc()
}

// ForgetRoom drops the per-room series of a removed room
func (m *Metrics) ForgetRoom(roomID string) {
	if m == nil {
		return
	}
	m.dataAge.DeleteLabelValues(roomID)
	m.verdict.DeleteLabelValues(roomID)
	m.fetchesTotal.DeleteLabelValues(roomID, "ok")
	m.fetchesTotal.DeleteLabelValues(roomID, "synthetic")
}

var _ scheduler.Observer = (*Metrics)(nil)
