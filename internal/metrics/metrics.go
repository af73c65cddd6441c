package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors of the server. A nil *Metrics is
// valid and records nothing, so components can be built without it in tests.
type Metrics struct {
	registry *prometheus.Registry

	Dispatches        *prometheus.CounterVec
	ToolTransitions   *prometheus.CounterVec
	QueueLength       *prometheus.GaugeVec
	RunningAutoscans  prometheus.Gauge
	Notifications     *prometheus.CounterVec
	RPCTimeouts       prometheus.Counter
	IngestedResults   *prometheus.CounterVec
	CacheLookups      *prometheus.CounterVec
	ConnectedSessions prometheus.Gauge
	NatsPublishErrors prometheus.Counter
}

// NewMetrics registers every collector on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Dispatches: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pollenisator_dispatches_total",
			Help: "Tool dispatch attempts by outcome",
		}, []string{"outcome"}),
		ToolTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pollenisator_tool_transitions_total",
			Help: "Tool lifecycle transitions by target state",
		}, []string{"to"}),
		QueueLength: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pollenisator_queue_length",
			Help: "Number of queued tools per engagement",
		}, []string{"engagement"}),
		RunningAutoscans: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pollenisator_autoscans_running",
			Help: "Number of running autoscan loops",
		}),
		Notifications: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pollenisator_notifications_total",
			Help: "Change events published by collection",
		}, []string{"collection", "action"}),
		RPCTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Name: "pollenisator_rpc_timeouts_total",
			Help: "Worker RPC requests that timed out",
		}),
		IngestedResults: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pollenisator_ingested_results_total",
			Help: "Result files parsed by plugin and outcome",
		}, []string{"plugin", "outcome"}),
		CacheLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pollenisator_cache_lookups_total",
			Help: "Store cache lookups by collection and result",
		}, []string{"collection", "result"}),
		ConnectedSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pollenisator_bus_sessions",
			Help: "Number of attached bus sessions",
		}),
		NatsPublishErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "pollenisator_nats_publish_errors_total",
			Help: "Total number of NATS publish errors",
		}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) IncDispatch(outcome string) {
	if m == nil {
		return
	}
	m.Dispatches.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncTransition(to string) {
	if m == nil {
		return
	}
	m.ToolTransitions.WithLabelValues(to).Inc()
}

func (m *Metrics) SetQueueLength(engagement string, n int) {
	if m == nil {
		return
	}
	m.QueueLength.WithLabelValues(engagement).Set(float64(n))
}

func (m *Metrics) AutoscanStarted() {
	if m == nil {
		return
	}
	m.RunningAutoscans.Inc()
}

func (m *Metrics) AutoscanStopped() {
	if m == nil {
		return
	}
	m.RunningAutoscans.Dec()
}

func (m *Metrics) IncNotification(collection, action string) {
	if m == nil {
		return
	}
	m.Notifications.WithLabelValues(collection, action).Inc()
}

func (m *Metrics) IncRPCTimeout() {
	if m == nil {
		return
	}
	m.RPCTimeouts.Inc()
}

func (m *Metrics) IncIngested(plugin, outcome string) {
	if m == nil {
		return
	}
	m.IngestedResults.WithLabelValues(plugin, outcome).Inc()
}

// CacheLookup records a store cache hit or miss.
func (m *Metrics) CacheLookup(collection string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.WithLabelValues(collection, result).Inc()
}

func (m *Metrics) SessionAttached() {
	if m == nil {
		return
	}
	m.ConnectedSessions.Inc()
}

func (m *Metrics) SessionDetached() {
	if m == nil {
		return
	}
	m.ConnectedSessions.Dec()
}

func (m *Metrics) IncNatsPublishErrors() {
	if m == nil {
		return
	}
	m.NatsPublishErrors.Inc()
}
