package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for mend.
type Metrics struct {
	// Executor metrics
	AttemptsTotal     *prometheus.CounterVec
	CorrectionsTotal  *prometheus.CounterVec
	RunsTotal         *prometheus.CounterVec
	AttemptDuration   *prometheus.HistogramVec
	CandidatesCaptured prometheus.Counter

	// Pipeline metrics
	PhasesTotal   *prometheus.CounterVec
	PhaseDuration *prometheus.HistogramVec

	// Event bus metrics
	EventsPublished   *prometheus.CounterVec
	ActiveSubscribers prometheus.Gauge

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

var (
	metricsOnce   sync.Once
	sharedMetrics *Metrics
)

// New creates and registers all Prometheus metrics. Registration is
// process-global, so repeated calls return the same set.
func New() *Metrics {
	metricsOnce.Do(func() {
		sharedMetrics = &Metrics{
			AttemptsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "mend_attempts_total",
					Help: "Guarded operation attempts by result",
				},
				[]string{"operation", "result"},
			),
			CorrectionsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "mend_corrections_total",
					Help: "Corrective actions by result",
				},
				[]string{"result"},
			),
			RunsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "mend_guarded_runs_total",
					Help: "Completed guarded runs by result",
				},
				[]string{"operation", "result"},
			),
			AttemptDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "mend_attempt_duration_seconds",
					Help:    "Duration of individual guarded attempts",
					Buckets: prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~82s
				},
				[]string{"operation"},
			),
			CandidatesCaptured: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "mend_candidates_captured_total",
					Help: "Unmatched failures captured for triage",
				},
			),
			PhasesTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "mend_phases_total",
					Help: "Pipeline phases by status",
				},
				[]string{"phase", "status"},
			),
			PhaseDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "mend_phase_duration_seconds",
					Help:    "Duration of pipeline phases",
					Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~3.4m
				},
				[]string{"phase"},
			),
			EventsPublished: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "mend_events_published_total",
					Help: "Events published to the bus by type",
				},
				[]string{"event_type"},
			),
			ActiveSubscribers: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "mend_event_subscribers",
					Help: "Active event bus subscribers",
				},
			),
			HTTPRequestsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "mend_http_requests_total",
					Help: "HTTP requests by path and status",
				},
				[]string{"path", "method", "status"},
			),
			HTTPRequestDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "mend_http_request_duration_seconds",
					Help:    "HTTP request latency",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"path", "method"},
			),
		}
	})
	return sharedMetrics
}
