package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds the harness's Prometheus instrumentation. It uses a
// private registry so concurrent harness instances in one test binary do not
// collide on the default registry.
type Collector struct {
	registry *prometheus.Registry

	healthPolls     *prometheus.CounterVec
	startupDuration *prometheus.HistogramVec
	readyServices   prometheus.Gauge
	activeTxns      prometheus.Gauge
}

// NewCollector creates a collector with all harness metrics registered.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		healthPolls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harness_health_polls_total",
			Help: "Health poll attempts per service and outcome.",
		}, []string{"service", "outcome"}),
		startupDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "harness_service_startup_seconds",
			Help:    "Time from process launch to healthy, per service.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}, []string{"service"}),
		readyServices: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "harness_ready_services",
			Help: "Number of services currently in the ready state.",
		}),
		activeTxns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "harness_active_transactions",
			Help: "Open per-test database transactions.",
		}),
	}

	c.registry.MustRegister(c.healthPolls, c.startupDuration, c.readyServices, c.activeTxns)
	return c
}

// Registry exposes the private registry for the status server's /metrics
// endpoint.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// ObserveHealthPoll records one health poll attempt.
func (c *Collector) ObserveHealthPoll(service string, healthy bool) {
	outcome := "unhealthy"
	if healthy {
		outcome = "healthy"
	}
	c.healthPolls.WithLabelValues(service, outcome).Inc()
}

// ObserveStartup records the launch-to-healthy duration for a service.
func (c *Collector) ObserveStartup(service string, d time.Duration) {
	c.startupDuration.WithLabelValues(service).Observe(d.Seconds())
}

// SetReadyServices records how many services are ready.
func (c *Collector) SetReadyServices(n int) {
	c.readyServices.Set(float64(n))
}

// SetActiveTransactions records how many per-test transactions are open.
func (c *Collector) SetActiveTransactions(n int) {
	c.activeTxns.Set(float64(n))
}
