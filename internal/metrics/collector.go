// Package metrics is the prometheus collector for pgfuse: per-DAL-operation
// counters and duration histograms, plus pool/health gauges, served on the
// optional `-o metrics=<addr>` endpoint.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config controls whether and where the metrics endpoint listens.
type Config struct {
	ListenAddress string
	Namespace     string
}

// Collector wraps a private prometheus.Registry with the small set of
// gauges/counters/histograms pgfuse needs; it never shares the global
// default registry so multiple mounts in one process (tests) don't clash.
type Collector struct {
	config   Config
	registry *prometheus.Registry
	server   *http.Server

	operationTotal    *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	poolActive        prometheus.Gauge
	poolIdle          prometheus.Gauge
	poolMax           prometheus.Gauge
	healthState       prometheus.Gauge
}

// NewCollector builds and registers every metric.
func NewCollector(config Config) *Collector {
	if config.Namespace == "" {
		config.Namespace = "pgfuse"
	}
	registry := prometheus.NewRegistry()

	c := &Collector{
		config:   config,
		registry: registry,
		operationTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Name:      "dal_operations_total",
			Help:      "Total DAL operations by name and outcome.",
		}, []string{"operation", "status"}),
		operationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: config.Namespace,
			Name:      "dal_operation_duration_seconds",
			Help:      "DAL operation latency in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 16),
		}, []string{"operation"}),
		poolActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: config.Namespace,
			Name:      "pool_active_connections",
			Help:      "Sessions currently checked out of the pool.",
		}),
		poolIdle: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: config.Namespace,
			Name:      "pool_idle_connections",
			Help:      "Sessions currently idle in the pool.",
		}),
		poolMax: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: config.Namespace,
			Name:      "pool_max_connections",
			Help:      "Configured pool capacity.",
		}),
		healthState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: config.Namespace,
			Name:      "health_state",
			Help:      "0=healthy, 1=degraded, 2=unavailable.",
		}),
	}

	registry.MustRegister(c.operationTotal, c.operationDuration, c.poolActive, c.poolIdle, c.poolMax, c.healthState)
	return c
}

// RecordOperation records one DAL call's outcome and latency.
func (c *Collector) RecordOperation(operation string, duration time.Duration, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	c.operationTotal.WithLabelValues(operation, status).Inc()
	c.operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// SetPoolStats updates the pool gauges.
func (c *Collector) SetPoolStats(active, idle, max int) {
	c.poolActive.Set(float64(active))
	c.poolIdle.Set(float64(idle))
	c.poolMax.Set(float64(max))
}

// SetHealthState updates the health gauge (0/1/2, see health.State).
func (c *Collector) SetHealthState(state int) {
	c.healthState.Set(float64(state))
}

// Gatherer exposes the private registry as a prometheus.Gatherer, for
// callers outside this package that need to inspect recorded metrics (e.g.
// prometheus/testutil.GatherAndCount in another package's tests) without
// reaching into the default global registry Collector deliberately avoids.
func (c *Collector) Gatherer() prometheus.Gatherer {
	return c.registry
}

// Start serves /metrics in the background if ListenAddress is set.
func (c *Collector) Start(ctx context.Context) error {
	if c.config.ListenAddress == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}))

	c.server = &http.Server{
		Addr:              c.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Println("metrics server error:", err)
		}
	}()
	return nil
}

// Stop shuts down the metrics HTTP server, if running.
func (c *Collector) Stop(ctx context.Context) error {
	if c.server == nil {
		return nil
	}
	return c.server.Shutdown(ctx)
}
