// Package metrics exposes pipeline and HTTP counters to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/e7canasta/orion-form-coach/internal/session"
)

var states = []session.State{
	session.StateStopped,
	session.StateStarting,
	session.StateRunning,
	session.StatePausing,
	session.StatePaused,
}

// Metrics holds Prometheus counters and gauges for the form coach.
// It implements estimator.Observer and session.Observer.
type Metrics struct {
	registry *prometheus.Registry

	framesReceived   prometheus.Counter
	framesDropped    *prometheus.CounterVec
	inferenceFailed  prometheus.Counter
	posesEmitted     prometheus.Counter
	inferenceLatency prometheus.Histogram

	repsCompleted     *prometheus.CounterVec
	repsAbandoned     *prometheus.CounterVec
	repFormScore      prometheus.Histogram
	violationsActive  *prometheus.CounterVec
	formScore         *prometheus.GaugeVec
	sessionState      *prometheus.GaugeVec
	sessionsPersisted prometheus.Counter
	requestsTotal     prometheus.Counter
	errorsTotal       prometheus.Counter
}

// New creates and registers Prometheus metrics.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		framesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "formcoach_frames_received_total",
			Help: "Total number of camera frames delivered to the session",
		}),
		framesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "formcoach_frames_dropped_total",
			Help: "Frames or results dropped by the pose estimator, by reason",
		}, []string{"reason"}),
		inferenceFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "formcoach_inference_failures_total",
			Help: "Total number of failed pose inferences",
		}),
		posesEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "formcoach_poses_emitted_total",
			Help: "Total number of poses published to the detectors",
		}),
		inferenceLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "formcoach_inference_latency_seconds",
			Help:    "Latency from frame capture to pose emission",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.2, 0.5, 1, 2},
		}),
		repsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "formcoach_reps_completed_total",
			Help: "Completed repetitions by exercise",
		}, []string{"exercise"}),
		repsAbandoned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "formcoach_reps_abandoned_total",
			Help: "Abandoned repetitions by exercise and reason",
		}, []string{"exercise", "reason"}),
		repFormScore: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "formcoach_rep_form_score",
			Help:    "Form score of completed repetitions",
			Buckets: prometheus.LinearBuckets(0.1, 0.1, 10),
		}),
		violationsActive: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "formcoach_violations_activated_total",
			Help: "Violation activations by exercise and rule",
		}, []string{"exercise", "rule"}),
		formScore: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "formcoach_form_score",
			Help: "Latest instantaneous form score by exercise",
		}, []string{"exercise"}),
		sessionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "formcoach_session_state",
			Help: "1 for the current orchestrator lifecycle state, 0 otherwise",
		}, []string{"state"}),
		sessionsPersisted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "formcoach_sessions_persisted_total",
			Help: "Total number of sessions written to the store",
		}),
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "formcoach_http_requests_total",
			Help: "Total number of HTTP requests received",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "formcoach_http_errors_total",
			Help: "Total number of HTTP responses with error status (4xx or 5xx)",
		}),
	}

	m.registry.MustRegister(
		m.framesReceived,
		m.framesDropped,
		m.inferenceFailed,
		m.posesEmitted,
		m.inferenceLatency,
		m.repsCompleted,
		m.repsAbandoned,
		m.repFormScore,
		m.violationsActive,
		m.formScore,
		m.sessionState,
		m.sessionsPersisted,
		m.requestsTotal,
		m.errorsTotal,
	)
	m.StateChanged(session.StateStopped)

	return m
}

// FrameDropped counts an estimator drop.
func (m *Metrics) FrameDropped(reason string) {
	m.framesDropped.WithLabelValues(reason).Inc()
}

// InferenceFailed counts a backend failure.
func (m *Metrics) InferenceFailed() {
	m.inferenceFailed.Inc()
}

// PoseEmitted counts a pose and observes its capture-to-emit latency.
func (m *Metrics) PoseEmitted(latency time.Duration) {
	m.posesEmitted.Inc()
	m.inferenceLatency.Observe(latency.Seconds())
}

// FrameReceived counts a camera frame.
func (m *Metrics) FrameReceived() {
	m.framesReceived.Inc()
}

func (m *Metrics) RepCompleted(exercise string, formScore float64) {
	m.repsCompleted.WithLabelValues(exercise).Inc()
	m.repFormScore.Observe(formScore)
}

func (m *Metrics) RepAbandoned(exercise, reason string) {
	m.repsAbandoned.WithLabelValues(exercise, reason).Inc()
}

func (m *Metrics) ViolationActivated(exercise, ruleID string) {
	m.violationsActive.WithLabelValues(exercise, ruleID).Inc()
}

func (m *Metrics) FormScore(exercise string, score float64) {
	m.formScore.WithLabelValues(exercise).Set(score)
}

// StateChanged sets the lifecycle gauge one-hot.
func (m *Metrics) StateChanged(state session.State) {
	for _, s := range states {
		v := 0.0
		if s == state {
			v = 1
		}
		m.sessionState.WithLabelValues(string(s)).Set(v)
	}
}

// IncSessionsPersisted increments the persisted sessions counter.
func (m *Metrics) IncSessionsPersisted() {
	m.sessionsPersisted.Inc()
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	m.requestsTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	m.errorsTotal.Inc()
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	h := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		h.ServeHTTP(w, r)
	})
}
