// Package metrics holds the Prometheus collectors shared by the servers. A
// nil *Metrics is valid and records nothing.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mcpsec"

// Metrics owns a private registry so tests and multiple servers in one
// process do not collide on the default one.
type Metrics struct {
	registry *prometheus.Registry

	cacheHits         *prometheus.CounterVec
	cacheMisses       *prometheus.CounterVec
	reinitializations *prometheus.CounterVec
	sessionFailures   *prometheus.CounterVec
	integrationLoads  *prometheus.CounterVec
	modules           prometheus.Gauge
	tools             prometheus.Gauge
	resources         prometheus.Gauge
}

// New creates and registers every collector.
func New() (*Metrics, error) {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "toolset_cache_hits_total",
			Help:      "Tool listings served from the tool-set cache",
		}, []string{"toolset"}),
		cacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "toolset_cache_misses_total",
			Help:      "Tool listings that required a remote round trip",
		}, []string{"toolset"}),
		reinitializations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "toolset_session_reinitializations_total",
			Help:      "Remote sessions discarded and recreated after a closed-session failure",
		}, []string{"toolset"}),
		sessionFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "toolset_session_failures_total",
			Help:      "Remote sessions that ended with an error",
		}, []string{"toolset"}),
		integrationLoads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "integration_load_total",
			Help:      "Marketplace integration load attempts by result",
		}, []string{"integration", "result"}),
		modules: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "modules_enabled",
			Help:      "Capability modules composed into the server",
		}),
		tools: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tools_registered",
			Help:      "Tools registered on the server",
		}),
		resources: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "resources_registered",
			Help:      "Resources registered on the server",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.cacheHits,
		m.cacheMisses,
		m.reinitializations,
		m.sessionFailures,
		m.integrationLoads,
		m.modules,
		m.tools,
		m.resources,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	} {
		if err := m.registry.Register(c); err != nil {
			return nil, fmt.Errorf("metrics: register collector: %w", err)
		}
	}
	return m, nil
}

// Registry exposes the underlying registry, mainly for tests.
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

func (m *Metrics) CacheHit(toolset string) {
	if m != nil {
		m.cacheHits.WithLabelValues(toolset).Inc()
	}
}

func (m *Metrics) CacheMiss(toolset string) {
	if m != nil {
		m.cacheMisses.WithLabelValues(toolset).Inc()
	}
}

func (m *Metrics) SessionReinitialized(toolset string) {
	if m != nil {
		m.reinitializations.WithLabelValues(toolset).Inc()
	}
}

func (m *Metrics) SessionFailed(toolset string) {
	if m != nil {
		m.sessionFailures.WithLabelValues(toolset).Inc()
	}
}

// IntegrationLoaded records a load attempt; result is "loaded" or "failed".
func (m *Metrics) IntegrationLoaded(integration, result string) {
	if m != nil {
		m.integrationLoads.WithLabelValues(integration, result).Inc()
	}
}

// Composed records the outcome of server composition.
func (m *Metrics) Composed(modules, tools, resources int) {
	if m == nil {
		return
	}
	m.modules.Set(float64(modules))
	m.tools.Set(float64(tools))
	m.resources.Set(float64(resources))
}
