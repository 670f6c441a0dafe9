// Package exporter exposes the service's own Prometheus instrumentation.
package exporter

import (
	"net/http"
	"time"

	"github.com/cam3ron2/jobmetrics/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Upstream labels keyed by profiler timer name. Other timers are not exported.
var upstreamTimers = map[string]string{
	"slurm_auth":  "scheduler_auth",
	"slurm_req":   "scheduler",
	"metrics_req": "influxdb",
}

// Metrics holds the service's collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry
	requests *prometheus.CounterVec
	upstream *prometheus.HistogramVec
	logins   *prometheus.CounterVec
}

// NewMetrics creates the collectors. states may be nil; when set, cached
// authentication state is exported through it.
func NewMetrics(states AuthStateReader, cfg CacheConfig) *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobmetrics_requests_total",
			Help: "Job metrics requests by cluster and result.",
		}, []string{"cluster", "result"}),
		upstream: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "jobmetrics_upstream_duration_seconds",
			Help:    "Duration of calls to upstream APIs.",
			Buckets: prometheus.DefBuckets,
		}, []string{"upstream", "cluster"}),
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobmetrics_auth_logins_total",
			Help: "Scheduler API login attempts by cluster and result.",
		}, []string{"cluster", "result"}),
	}
	registry.MustRegister(m.requests, m.upstream, m.logins)
	if states != nil {
		registry.MustRegister(&authStateCollector{reader: NewCachedStateReader(states, cfg)})
	}
	return m
}

// Handler renders the registry, OpenMetrics when negotiated.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// ObserveRequest counts one finished request. result is "ok" or an error kind.
func (m *Metrics) ObserveRequest(cluster, result string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(cluster, result).Inc()
}

// ObserveLogin counts one login attempt.
func (m *Metrics) ObserveLogin(cluster, result string) {
	if m == nil {
		return
	}
	m.logins.WithLabelValues(cluster, result).Inc()
}

// UpstreamObserver returns a profiler hook recording upstream timers for cluster.
func (m *Metrics) UpstreamObserver(cluster string) telemetry.ObserveFunc {
	if m == nil {
		return nil
	}
	return func(timer string, elapsed time.Duration) {
		upstream, ok := upstreamTimers[timer]
		if !ok {
			return
		}
		m.upstream.WithLabelValues(upstream, cluster).Observe(elapsed.Seconds())
	}
}
