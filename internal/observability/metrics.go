package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the coordinator. A nil
// *Metrics is valid and records nothing, which keeps component tests free of
// registry plumbing.
type Metrics struct {
	registry *prometheus.Registry

	Transitions       *prometheus.CounterVec
	RejectedEvents    *prometheus.CounterVec
	DedupDecisions    *prometheus.CounterVec
	Utterances        *prometheus.CounterVec
	ResponseOutcomes  *prometheus.CounterVec
	TurnChanges       *prometheus.CounterVec
	LiveSessions      prometheus.Gauge
	SessionEvents     *prometheus.CounterVec
	BusDrops          *prometheus.CounterVec
	WSMessages        *prometheus.CounterVec
	GenerationLatency prometheus.Histogram

	stages *stageWindow
}

// NewMetrics registers every instrument on reg. A nil reg gets a private
// registry, so independent instances never collide.
func NewMetrics(namespace string, reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		Transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mode_transitions_total",
			Help:      "Accepted mode transitions by source state, target state and event.",
		}, []string{"from", "to", "event"}),
		RejectedEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mode_rejected_events_total",
			Help:      "Mode events rejected as illegal for the current state.",
		}, []string{"state", "event"}),
		DedupDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcription_decisions_total",
			Help:      "Transcription deduplicator decisions by outcome.",
		}, []string{"decision"}),
		Utterances: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "utterances_committed_total",
			Help:      "Committed utterances by origin mode.",
		}, []string{"origin"}),
		ResponseOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "response_outcomes_total",
			Help:      "Response generation and dispatch outcomes.",
		}, []string{"outcome"}),
		TurnChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turn_changes_total",
			Help:      "Floor changes by reason.",
		}, []string{"reason"}),
		LiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_agent_sessions",
			Help:      "Number of live ephemeral agent sessions.",
		}),
		SessionEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_session_events_total",
			Help:      "Agent session lifecycle events by type.",
		}, []string{"event"}),
		BusDrops: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_dropped_events_total",
			Help:      "Events dropped for slow subscribers, by kind.",
		}, []string{"kind"}),
		WSMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		GenerationLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "response_generation_latency_ms",
			Help:      "Latency of one response-generation attempt in milliseconds.",
			Buckets:   []float64{100, 250, 500, 900, 1500, 2500, 4000, 8000},
		}),
		stages: newStageWindow(256, 15*time.Minute),
	}
}

// Registry exposes the backing registry so callers can add collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveTransition(from, to, event string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(from, to, event).Inc()
}

func (m *Metrics) ObserveRejected(state, event string) {
	if m == nil {
		return
	}
	m.RejectedEvents.WithLabelValues(state, event).Inc()
}

func (m *Metrics) ObserveDedup(decision string) {
	if m == nil {
		return
	}
	m.DedupDecisions.WithLabelValues(decision).Inc()
}

func (m *Metrics) ObserveUtterance(origin string) {
	if m == nil {
		return
	}
	m.Utterances.WithLabelValues(origin).Inc()
}

func (m *Metrics) ObserveResponse(outcome string) {
	if m == nil {
		return
	}
	m.ResponseOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveTurn(reason string) {
	if m == nil {
		return
	}
	m.TurnChanges.WithLabelValues(reason).Inc()
}

// AddLiveSessions moves the live-session gauge, which is shared by every
// conversation in the process.
func (m *Metrics) AddLiveSessions(delta int) {
	if m == nil {
		return
	}
	m.LiveSessions.Add(float64(delta))
}

func (m *Metrics) ObserveSessionEvent(event string) {
	if m == nil {
		return
	}
	m.SessionEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) ObserveBusDrop(kind string) {
	if m == nil {
		return
	}
	m.BusDrops.WithLabelValues(kind).Inc()
}

func (m *Metrics) ObserveWSMessage(direction, msgType string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

func (m *Metrics) ObserveGeneration(d time.Duration) {
	if m == nil {
		return
	}
	m.GenerationLatency.Observe(float64(d.Milliseconds()))
	m.stages.Observe("generation", d)
}

// ObserveStage records a latency sample for the rolling stage window.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stages.Observe(stage, d)
}

func (m *Metrics) ObserveIndicator(name string) {
	if m == nil {
		return
	}
	m.stages.ObserveIndicator(name)
}

func (m *Metrics) SnapshotStages() StageSnapshot {
	if m == nil {
		return StageSnapshot{GeneratedAt: time.Now().UTC()}
	}
	return m.stages.Snapshot()
}

// Handler serves this instance's registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
