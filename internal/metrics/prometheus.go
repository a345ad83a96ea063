package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"fexvoice/internal/domain"
)

// Metrics contains the Prometheus collectors for the activation loop.
// All methods are safe on a nil receiver so callers can run without metrics.
type Metrics struct {
	// Capture session metrics
	SessionsStarted *prometheus.CounterVec
	SessionErrors   *prometheus.CounterVec
	Restarts        *prometheus.CounterVec
	StaleEvents     prometheus.Counter

	// Activation metrics
	WakeWordDetections *prometheus.CounterVec
	State              *prometheus.GaugeVec

	// Dispatch metrics
	Dispatches       *prometheus.CounterVec
	DispatchDuration prometheus.Histogram
}

var allStates = []domain.ActivationState{
	domain.StateIdle,
	domain.StateWaitingForWakeWord,
	domain.StateListening,
	domain.StateDispatching,
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		SessionsStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fexvoice_capture_sessions_started_total",
			Help: "Capture sessions started, by mode",
		}, []string{"mode"}),
		SessionErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fexvoice_capture_session_errors_total",
			Help: "Capture session errors, by mode and device error kind",
		}, []string{"mode", "kind"}),
		Restarts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fexvoice_capture_restarts_scheduled_total",
			Help: "Capture session restarts scheduled by the recovery policy",
		}, []string{"mode"}),
		StaleEvents: factory.NewCounter(prometheus.CounterOpts{
			Name: "fexvoice_stale_events_total",
			Help: "Notifications dropped because their session is no longer current",
		}),
		WakeWordDetections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fexvoice_wake_word_detections_total",
			Help: "Accepted trigger phrases, by canonical phrase",
		}, []string{"phrase"}),
		State: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fexvoice_activation_state",
			Help: "1 for the current activation state, 0 otherwise",
		}, []string{"state"}),
		Dispatches: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fexvoice_dispatches_total",
			Help: "Utterances dispatched to the recommendation backend, by outcome",
		}, []string{"outcome"}),
		DispatchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "fexvoice_dispatch_duration_seconds",
			Help:    "Time from dispatch to settled response",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}),
	}
}

func (m *Metrics) SessionStarted(mode domain.SessionMode) {
	if m == nil {
		return
	}
	m.SessionsStarted.WithLabelValues(string(mode)).Inc()
}

func (m *Metrics) SessionErrored(mode domain.SessionMode, kind domain.CaptureErrorKind) {
	if m == nil {
		return
	}
	m.SessionErrors.WithLabelValues(string(mode), string(kind)).Inc()
}

func (m *Metrics) RestartScheduled(mode domain.SessionMode) {
	if m == nil {
		return
	}
	m.Restarts.WithLabelValues(string(mode)).Inc()
}

func (m *Metrics) StaleEvent() {
	if m == nil {
		return
	}
	m.StaleEvents.Inc()
}

func (m *Metrics) WakeWordDetected(phrase string) {
	if m == nil {
		return
	}
	m.WakeWordDetections.WithLabelValues(phrase).Inc()
}

// ObserveState sets the gauge for state to 1 and every other state to 0.
func (m *Metrics) ObserveState(state domain.ActivationState) {
	if m == nil {
		return
	}
	for _, s := range allStates {
		value := 0.0
		if s == state {
			value = 1
		}
		m.State.WithLabelValues(string(s)).Set(value)
	}
}

// DispatchSettled records the outcome ("success" or "failure") and latency of one dispatch.
func (m *Metrics) DispatchSettled(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.Dispatches.WithLabelValues(outcome).Inc()
	m.DispatchDuration.Observe(elapsed.Seconds())
}
