package relay

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wakarelay/waka-relay/internal/governance"
)

// Metrics holds all Prometheus metrics for the relay.
type Metrics struct {
	requestsTotal     *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	upstreamDuration  *prometheus.HistogramVec
	secondaryFailures *prometheus.CounterVec
	statusDivergence  *prometheus.CounterVec
	authRejections    *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a metrics instance with its own registry.
func NewMetrics(permits *governance.PermitPool) *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_requests_total",
				Help: "Total number of relayed requests by method and response status",
			},
			[]string{"method", "status"},
		),

		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_request_duration_seconds",
				Help:    "Inbound request latency in seconds, measured to the primary response",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method"},
		),

		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_upstream_duration_seconds",
				Help:    "Upstream call latency in seconds by instance role",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"role", "status"},
		),

		secondaryFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_secondary_failures_total",
				Help: "Total number of failed secondary mirror calls",
			},
			[]string{"instance"},
		),

		statusDivergence: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_status_divergence_total",
				Help: "Total number of secondary outcomes whose success class diverged from the primary",
			},
			[]string{"instance"},
		),

		authRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_auth_rejections_total",
				Help: "Total number of requests rejected by the credential gate",
			},
			[]string{"reason"},
		),

		registry: registry,
	}

	registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.upstreamDuration,
		m.secondaryFailures,
		m.statusDivergence,
		m.authRejections,
	)

	if permits != nil {
		registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "relay_dispatch_permits_in_use",
				Help: "Outbound calls currently holding a dispatch permit",
			},
			func() float64 { return float64(permits.Stats().InUse) },
		))
	}

	return m
}

// Handler returns an HTTP handler serving this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRequest counts one completed inbound request.
func (m *Metrics) RecordRequest(method string, status int, elapsed time.Duration) {
	m.requestsTotal.WithLabelValues(method, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}

// ObserveUpstream records one upstream call. A zero status marks a
// transport failure.
func (m *Metrics) ObserveUpstream(role string, status int, elapsed time.Duration) {
	m.upstreamDuration.WithLabelValues(role, strconv.Itoa(status)).Observe(elapsed.Seconds())
}

// RecordSecondaryFailure counts a failed mirror call.
func (m *Metrics) RecordSecondaryFailure(instance string) {
	m.secondaryFailures.WithLabelValues(instance).Inc()
}

// RecordDivergence counts a secondary whose success class did not match
// the primary's.
func (m *Metrics) RecordDivergence(instance string) {
	m.statusDivergence.WithLabelValues(instance).Inc()
}

// RecordAuthRejection counts a credential gate rejection by reason code.
func (m *Metrics) RecordAuthRejection(reason string) {
	m.authRejections.WithLabelValues(reason).Inc()
}
