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
	Turns              *prometheus.CounterVec
	TurnLatency        prometheus.Histogram
	GenerationAttempts *prometheus.CounterVec
	ActiveObservers    prometheus.Gauge
	FanoutDeliveries   *prometheus.CounterVec
	WSMessages         *prometheus.CounterVec
	BridgeMessages     *prometheus.CounterVec

	stages *turnStageWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		Turns: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Processed turns by kind and outcome.",
		}, []string{"kind", "outcome"}),
		TurnLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_latency_ms",
			Help:      "End-to-end turn latency in milliseconds.",
			Buckets:   []float64{5, 25, 100, 500, 1000, 2500, 5000, 10000, 30000},
		}),
		GenerationAttempts: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generation_attempts_total",
			Help:      "Generation backend attempts by model and outcome.",
		}, []string{"model", "outcome"}),
		ActiveObservers: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_observers",
			Help:      "Number of joined realtime observer handles.",
		}),
		FanoutDeliveries: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fanout_deliveries_total",
			Help:      "Fan-out sends by result (delivered, removed).",
		}, []string{"result"}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		BridgeMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bridge_messages_total",
			Help:      "Messaging bridge traffic by direction and outcome.",
		}, []string{"direction", "outcome"}),
		stages: newTurnStageWindow(256),
	}
}

func (m *Metrics) ObserveTurn(kind, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Turns.WithLabelValues(kind, outcome).Inc()
	m.TurnLatency.Observe(float64(d.Milliseconds()))
	m.stages.Observe("turn_total", float64(d.Milliseconds()))
	m.stages.ObserveIndicator(kind + "_" + outcome)
}

func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stages.Observe(stage, float64(d.Microseconds())/1000)
}

func (m *Metrics) ObserveGenerationAttempt(model, outcome string) {
	if m == nil {
		return
	}
	m.GenerationAttempts.WithLabelValues(model, outcome).Inc()
}

func (m *Metrics) ObserveFanout(delivered, removed int) {
	if m == nil {
		return
	}
	m.FanoutDeliveries.WithLabelValues("delivered").Add(float64(delivered))
	m.FanoutDeliveries.WithLabelValues("removed").Add(float64(removed))
}

func (m *Metrics) SetActiveObservers(n int) {
	if m == nil {
		return
	}
	m.ActiveObservers.Set(float64(n))
}

func (m *Metrics) ObserveWSMessage(direction, msgType string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

func (m *Metrics) ObserveBridge(direction, outcome string) {
	if m == nil {
		return
	}
	m.BridgeMessages.WithLabelValues(direction, outcome).Inc()
}

// TurnStages returns a rolling-window summary of per-stage turn latencies.
func (m *Metrics) TurnStages() TurnStageSnapshot {
	if m == nil {
		return TurnStageSnapshot{GeneratedAt: time.Now().UTC()}
	}
	return m.stages.Snapshot()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
