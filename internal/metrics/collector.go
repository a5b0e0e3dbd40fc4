// Package metrics exposes Prometheus instrumentation for the HTTP surface and
// the relay legs.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Leg outcomes recorded by RecordLeg.
const (
	StatusOK        = "ok"
	StatusDegraded  = "degraded"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Collector owns a private registry so several collectors can coexist in one process.
type Collector struct {
	registry *prometheus.Registry

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	relayInFlight   prometheus.Gauge
	relayRequests   *prometheus.CounterVec
	legTotal        *prometheus.CounterVec
	legDuration     *prometheus.HistogramVec
	tokensTotal     *prometheus.CounterVec
	reasoningLength prometheus.Histogram

	logger *zap.Logger
}

// NewCollector creates a collector whose metric names are prefixed with namespace.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	c := &Collector{
		registry: reg,
		logger:   logger.With(zap.String("component", "metrics")),
	}

	c.httpRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"method", "path"},
	)

	c.relayInFlight = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relay_in_flight",
			Help:      "Number of relay requests currently running",
		},
	)

	c.relayRequests = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_requests_total",
			Help:      "Total number of relay requests by deep model, mode and outcome",
		},
		[]string{"model", "mode", "status"},
	)

	c.legTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_leg_total",
			Help:      "Total number of relay legs by outcome",
		},
		[]string{"leg", "provider", "model", "status"},
	)

	c.legDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "relay_leg_duration_seconds",
			Help:      "Relay leg duration in seconds",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"leg", "provider"},
	)

	c.tokensTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_tokens_total",
			Help:      "Estimated tokens reported in usage",
		},
		[]string{"model", "type"}, // type: prompt, completion
	)

	c.reasoningLength = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "relay_reasoning_bytes",
			Help:      "Size of the reasoning text handed to the answer leg",
			Buckets:   prometheus.ExponentialBuckets(256, 4, 8),
		},
	)

	c.logger.Debug("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// Registry returns the registry backing the collector.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RelayStarted marks a relay request as running and returns the function that ends it.
func (c *Collector) RelayStarted(model, mode string) func(status string) {
	c.relayInFlight.Inc()
	return func(status string) {
		c.relayInFlight.Dec()
		c.relayRequests.WithLabelValues(model, mode, status).Inc()
	}
}

func (c *Collector) RecordLeg(leg, provider, model, status string, duration time.Duration) {
	c.legTotal.WithLabelValues(leg, provider, model, status).Inc()
	c.legDuration.WithLabelValues(leg, provider).Observe(duration.Seconds())
}

func (c *Collector) RecordTokens(model string, prompt, completion int) {
	c.tokensTotal.WithLabelValues(model, "prompt").Add(float64(prompt))
	c.tokensTotal.WithLabelValues(model, "completion").Add(float64(completion))
}

func (c *Collector) RecordReasoningLength(n int) {
	c.reasoningLength.Observe(float64(n))
}

func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
