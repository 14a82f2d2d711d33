package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/mountebank-testing/mbengine/internal/util"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the imposter request collectors
type Metrics struct {
	registry *prometheus.Registry
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	errors   *prometheus.CounterVec
}

// New registers the collectors on a fresh registry
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mb_imposter_requests_total",
			Help: "Requests handled by imposters, by response type",
		}, []string{"protocol", "port", "response"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mb_imposter_response_seconds",
			Help:    "Time to resolve a response, including behaviors and proxy round trips",
			Buckets: prometheus.DefBuckets,
		}, []string{"protocol", "response"}),
		errors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mb_imposter_errors_total",
			Help: "Failed response resolutions, by error code",
		}, []string{"protocol", "port", "code"}),
	}
}

// ObserveRequest records one resolved (or failed) request
func (m *Metrics) ObserveRequest(protocol string, port int, kind string, duration time.Duration, err error) {
	portLabel := strconv.Itoa(port)
	m.requests.WithLabelValues(protocol, portLabel, kind).Inc()
	m.duration.WithLabelValues(protocol, kind).Observe(duration.Seconds())
	if err != nil {
		code := string(util.CodeOf(err))
		if code == "" {
			code = "internal error"
		}
		m.errors.WithLabelValues(protocol, portLabel, code).Inc()
	}
}

// Handler exposes the registry in the prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
