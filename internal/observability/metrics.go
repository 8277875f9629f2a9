package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service. A nil
// *Metrics is valid and records nothing, so tests can run unregistered.
type Metrics struct {
	SessionState       prometheus.Gauge
	Reconnects         *prometheus.CounterVec
	DroppedAudioFrames prometheus.Counter
	ModelEvents        *prometheus.CounterVec
	Delegations        *prometheus.CounterVec
	MalformedTags      prometheus.Counter
	DelegationLatency  prometheus.Histogram
	CallerMessages     *prometheus.CounterVec

	// Latency is a rolling in-process window behind the perf endpoint.
	Latency *LatencyWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		SessionState: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_state",
			Help:      "Current session state (0 closed, 1 starting, 2 active, 3 reconnecting, 4 failed).",
		}),
		Reconnects: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Stream reconnects by reason.",
		}, []string{"reason"}),
		DroppedAudioFrames: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_audio_frames_total",
			Help:      "Caller audio frames dropped while no stream was active.",
		}),
		ModelEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_events_total",
			Help:      "Decoded model wire events by kind.",
		}, []string{"kind"}),
		Delegations: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delegations_total",
			Help:      "Delegation requests by outcome.",
		}, []string{"outcome"}),
		MalformedTags: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_tags_total",
			Help:      "Delegation tags abandoned before their close marker.",
		}),
		DelegationLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delegation_latency_ms",
			Help:      "Delegation round-trip latency in milliseconds.",
			Buckets:   []float64{250, 500, 1000, 2500, 5000, 10000, 20000, 30000},
		}),
		CallerMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "caller_messages_total",
			Help:      "Caller WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		Latency: NewLatencyWindow(256),
	}
}

// ObserveStage records a rolling-window latency sample.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.Latency.Observe(stage, float64(d.Milliseconds()))
}

// MarkStage counts a duration-free occurrence in the rolling window.
func (m *Metrics) MarkStage(stage string) {
	if m == nil {
		return
	}
	m.Latency.Mark(stage)
}

// LatencySnapshot reports the current rolling-window stats.
func (m *Metrics) LatencySnapshot() LatencySnapshot {
	if m == nil {
		return LatencySnapshot{GeneratedAt: time.Now().UTC()}
	}
	return m.Latency.Snapshot()
}

func (m *Metrics) SetSessionState(state int) {
	if m == nil {
		return
	}
	m.SessionState.Set(float64(state))
}

func (m *Metrics) IncReconnect(reason string) {
	if m == nil {
		return
	}
	m.Reconnects.WithLabelValues(reason).Inc()
}

func (m *Metrics) IncDroppedAudio() {
	if m == nil {
		return
	}
	m.DroppedAudioFrames.Inc()
}

func (m *Metrics) IncModelEvent(kind string) {
	if m == nil {
		return
	}
	m.ModelEvents.WithLabelValues(kind).Inc()
}

func (m *Metrics) IncDelegation(outcome string) {
	if m == nil {
		return
	}
	m.Delegations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncMalformedTag() {
	if m == nil {
		return
	}
	m.MalformedTags.Inc()
}

func (m *Metrics) ObserveDelegationLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.DelegationLatency.Observe(float64(d.Milliseconds()))
}

func (m *Metrics) IncCallerMessage(direction, kind string) {
	if m == nil {
		return
	}
	m.CallerMessages.WithLabelValues(direction, kind).Inc()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
