// Package metrics holds the Prometheus instrumentation. Everything hangs
// off an explicitly constructed registry so tests and multiple instances
// never share state.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the instruments the simulation exports.
type Metrics struct {
	registry *prometheus.Registry

	TickDuration     prometheus.Histogram
	TradesMatched    prometheus.Counter
	WebhookOutcomes  *prometheus.CounterVec
	ConnectedSockets prometheus.Gauge
	DroppedFrames    prometheus.Counter
	ActionsProcessed *prometheus.CounterVec
}

// New creates and registers all instruments on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "wss_tick_duration_seconds",
			Help:    "Wall-clock time to run one full tick pipeline.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		TradesMatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wss_trades_matched_total",
			Help: "Trades produced by the matching engine.",
		}),
		WebhookOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wss_webhook_deliveries_total",
			Help: "Webhook delivery attempts by outcome.",
		}, []string{"outcome"}),
		ConnectedSockets: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wss_connected_sockets",
			Help: "Currently connected WebSocket clients.",
		}),
		DroppedFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wss_dropped_frames_total",
			Help: "Frames dropped under subscriber backpressure.",
		}),
		ActionsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wss_actions_processed_total",
			Help: "Agent actions processed by type and result.",
		}, []string{"type", "result"}),
	}
	reg.MustRegister(
		m.TickDuration,
		m.TradesMatched,
		m.WebhookOutcomes,
		m.ConnectedSockets,
		m.DroppedFrames,
		m.ActionsProcessed,
	)
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveTick records one pipeline duration.
func (m *Metrics) ObserveTick(d time.Duration) {
	m.TickDuration.Observe(d.Seconds())
}

// ObserveAction counts one processed action.
func (m *Metrics) ObserveAction(actionType string, success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	m.ActionsProcessed.WithLabelValues(actionType, result).Inc()
}
