package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "netguard"

// Metrics groups the pipeline collectors on a private registry.
// All methods are safe to call on a nil *Metrics, which makes instrumentation optional.
type Metrics struct {
	registry *prometheus.Registry

	framesRead       prometheus.Counter
	parseFailures    *prometheus.CounterVec
	sessionsEmitted  *prometheus.CounterVec
	emitFailures     prometheus.Counter
	sinkFailures     *prometheus.CounterVec
	queueDrops       prometheus.Counter
	activeFlows      prometheus.Gauge
	resolverLookups  *prometheus.CounterVec
	resolverFailures *prometheus.CounterVec
	riskFallbacks    *prometheus.CounterVec
	busDrops         prometheus.Counter
}

// New creates the collectors and registers them together with the process and Go runtime collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		framesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "capture",
			Name:      "frames_read_total",
			Help:      "Raw frames read from the capture source.",
		}),
		parseFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "capture",
			Name:      "parse_failures_total",
			Help:      "Frames skipped because the IP header could not be parsed.",
		}, []string{"reason"}),
		sessionsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "aggregator",
			Name:      "sessions_emitted_total",
			Help:      "Sessions flushed from the flow table, by risk label.",
		}, []string{"label"}),
		emitFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "aggregator",
			Name:      "emit_failures_total",
			Help:      "Sessions the emit callback rejected.",
		}),
		sinkFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "sink_failures_total",
			Help:      "Session writes that failed, by sink.",
		}, []string{"sink"}),
		queueDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "queue_drops_total",
			Help:      "Sessions dropped because the dispatch queue stayed full.",
		}),
		activeFlows: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "aggregator",
			Name:      "active_flows",
			Help:      "Flows currently accumulating.",
		}),
		resolverLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "resolver",
			Name:      "cache_lookups_total",
			Help:      "Owner cache lookups, by result.",
		}, []string{"result"}),
		resolverFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "resolver",
			Name:      "query_failures_total",
			Help:      "Owner queries that failed, by reason.",
		}, []string{"reason"}),
		riskFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "risk",
			Name:      "fallbacks_total",
			Help:      "Evaluations that degraded to a default result, by reason.",
		}, []string{"reason"}),
		busDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session_bus",
			Name:      "drops_total",
			Help:      "Sessions not delivered to a slow subscriber.",
		}),
	}

	m.registry.MustRegister(
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
		m.framesRead,
		m.parseFailures,
		m.sessionsEmitted,
		m.emitFailures,
		m.sinkFailures,
		m.queueDrops,
		m.activeFlows,
		m.resolverLookups,
		m.resolverFailures,
		m.riskFallbacks,
		m.busDrops,
	)
	return m
}

// Registry exposes the private registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) FrameRead() {
	if m == nil {
		return
	}
	m.framesRead.Inc()
}

func (m *Metrics) ParseFailed(reason string) {
	if m == nil {
		return
	}
	m.parseFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) SessionEmitted(label string) {
	if m == nil {
		return
	}
	m.sessionsEmitted.WithLabelValues(label).Inc()
}

func (m *Metrics) EmitFailed() {
	if m == nil {
		return
	}
	m.emitFailures.Inc()
}

func (m *Metrics) SinkFailed(sink string) {
	if m == nil {
		return
	}
	m.sinkFailures.WithLabelValues(sink).Inc()
}

func (m *Metrics) QueueDropped() {
	if m == nil {
		return
	}
	m.queueDrops.Inc()
}

func (m *Metrics) SetActiveFlows(n int) {
	if m == nil {
		return
	}
	m.activeFlows.Set(float64(n))
}

func (m *Metrics) ResolverCacheHit() {
	if m == nil {
		return
	}
	m.resolverLookups.WithLabelValues("hit").Inc()
}

func (m *Metrics) ResolverCacheMiss() {
	if m == nil {
		return
	}
	m.resolverLookups.WithLabelValues("miss").Inc()
}

func (m *Metrics) ResolverFailed(reason string) {
	if m == nil {
		return
	}
	m.resolverFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) RiskFallback(reason string) {
	if m == nil {
		return
	}
	m.riskFallbacks.WithLabelValues(reason).Inc()
}

func (m *Metrics) BusDropped() {
	if m == nil {
		return
	}
	m.busDrops.Inc()
}
