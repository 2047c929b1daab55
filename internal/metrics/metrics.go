package metrics

import (
	"context"
	"net/http"

	"havoc/internal/provider"
	"havoc/internal/report"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "havoc"

// Metrics tracks reconciliation cycles. It is safe for concurrent use.
type Metrics struct {
	registry *prometheus.Registry

	cycles          *prometheus.CounterVec
	deploys         prometheus.Counter
	reloadFailures  prometheus.Counter
	discoveryErrors *prometheus.CounterVec
	poolInstances   *prometheus.GaugeVec
	cycleDuration   prometheus.Histogram
	lastSuccess     prometheus.Gauge
}

// New creates Metrics on a private registry that also carries process and Go collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Reconciliation cycles by outcome.",
		}, []string{"outcome"}),
		deploys: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deploys_total",
			Help:      "Configurations written to disk.",
		}),
		reloadFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reload_failures_total",
			Help:      "Service reloads that failed after a write.",
		}),
		discoveryErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discovery_errors_total",
			Help:      "Failed provider queries.",
		}, []string{"provider"}),
		poolInstances: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_instances",
			Help:      "Instances discovered per pool in the last cycle.",
		}, []string{"pool"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Duration of reconciliation cycles.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
		}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last successful cycle.",
		}),
	}

	m.registry.MustRegister(
		m.cycles,
		m.deploys,
		m.reloadFailures,
		m.discoveryErrors,
		m.poolInstances,
		m.cycleDuration,
		m.lastSuccess,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Publish implements report.Sink
func (m *Metrics) Publish(ctx context.Context, r report.Report) error {
	m.cycles.WithLabelValues(string(r.Outcome)).Inc()
	m.cycleDuration.Observe(r.Duration().Seconds())

	if r.Applied {
		m.deploys.Inc()
	}
	if r.ReloadError != "" {
		m.reloadFailures.Inc()
	}
	if r.Succeeded() {
		m.lastSuccess.Set(float64(r.FinishedAt.Unix()))
	}

	if r.Pools != nil {
		m.poolInstances.Reset()
		for pool, count := range r.Pools {
			m.poolInstances.WithLabelValues(pool).Set(float64(count))
		}
	}
	return nil
}

// DiscoveryFailed counts a failed provider query
func (m *Metrics) DiscoveryFailed(err *provider.DiscoveryError) {
	m.discoveryErrors.WithLabelValues(string(err.Provider)).Inc()
}
