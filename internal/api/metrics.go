package api

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects run counters and durations for the /metrics endpoint.
type Metrics struct {
	registry    *prometheus.Registry
	runsTotal   *prometheus.CounterVec
	runFailures *prometheus.CounterVec
	runDuration *prometheus.HistogramVec
}

// NewMetrics builds a self-contained registry so tests can construct
// servers without duplicate-registration panics.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "backtester_runs_total",
			Help: "Completed simulation and walk-forward runs.",
		}, []string{"kind"}),
		runFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "backtester_run_failures_total",
			Help: "Runs that ended with an error.",
		}, []string{"kind"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "backtester_run_duration_seconds",
			Help:    "Wall-clock run duration.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"kind"}),
	}

	m.registry.MustRegister(m.runsTotal, m.runFailures, m.runDuration)
	return m
}

// ObserveRun records one finished run.
func (m *Metrics) ObserveRun(kind string, elapsed time.Duration, err error) {
	m.runsTotal.WithLabelValues(kind).Inc()
	if err != nil {
		m.runFailures.WithLabelValues(kind).Inc()
	}
	m.runDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
}

// Handler serves the Prometheus exposition endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
