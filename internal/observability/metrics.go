package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveConversations prometheus.Gauge
	TurnEvents          *prometheus.CounterVec
	StreamFrames        *prometheus.CounterVec
	CapabilityErrors    *prometheus.CounterVec
	TriggerOutcomes     *prometheus.CounterVec
	FirstChunkLatency   prometheus.Histogram
	GatherLatency       prometheus.Histogram

	stages *turnStageWindow
}

// NewMetrics registers the instruments on reg. A nil reg uses the default
// registerer.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		ActiveConversations: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_conversations",
			Help:      "Number of conversations tracked by the registry.",
		}),
		TurnEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turn_events_total",
			Help:      "Turn lifecycle events by type.",
		}, []string{"event"}),
		StreamFrames: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_frames_total",
			Help:      "Frames written to clients by transport and frame type.",
		}, []string{"transport", "type"}),
		CapabilityErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capability_errors_total",
			Help:      "Degraded capability calls by capability.",
		}, []string{"capability"}),
		TriggerOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trigger_outcomes_total",
			Help:      "Generation trigger outcomes.",
		}, []string{"outcome"}),
		FirstChunkLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_chunk_latency_ms",
			Help:      "Latency from turn start to the first streamed chunk in milliseconds.",
			Buckets:   []float64{100, 200, 300, 500, 700, 900, 1200, 2000, 4000},
		}),
		GatherLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gather_latency_ms",
			Help:      "Context gathering phase latency in milliseconds.",
			Buckets:   []float64{50, 100, 200, 350, 500, 800, 1200, 2000},
		}),
		stages: newTurnStageWindow(512),
	}
}

// The helpers below accept a nil receiver so components can run without
// metrics in tests.

func (m *Metrics) TurnEvent(event string) {
	if m == nil {
		return
	}
	m.TurnEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) StreamFrame(transport, frameType string) {
	if m == nil {
		return
	}
	m.StreamFrames.WithLabelValues(transport, frameType).Inc()
}

func (m *Metrics) CapabilityError(capability string) {
	if m == nil {
		return
	}
	m.CapabilityErrors.WithLabelValues(capability).Inc()
}

func (m *Metrics) TriggerOutcome(outcome string) {
	if m == nil {
		return
	}
	m.TriggerOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SetActiveConversations(n int) {
	if m == nil {
		return
	}
	m.ActiveConversations.Set(float64(n))
}

func (m *Metrics) ObserveFirstChunkLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.FirstChunkLatency.Observe(float64(d.Milliseconds()))
	m.stages.Observe(StageFirstChunk, durationMS(d))
}

func (m *Metrics) ObserveGatherLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.GatherLatency.Observe(float64(d.Milliseconds()))
	m.stages.Observe(StageContextReady, durationMS(d))
}

func (m *Metrics) ObserveTurnStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stages.Observe(stage, durationMS(d))
}

func (m *Metrics) ObserveIndicator(name string) {
	if m == nil {
		return
	}
	m.stages.ObserveIndicator(name)
}

func (m *Metrics) TurnStageSnapshot() TurnStageSnapshot {
	if m == nil {
		return newTurnStageWindow(0).Snapshot()
	}
	return m.stages.Snapshot()
}

func (m *Metrics) ResetTurnStages() {
	if m == nil {
		return
	}
	m.stages.Reset()
}

func durationMS(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}

// MetricsHandler serves g, or the default gatherer when g is nil.
func MetricsHandler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
