// Package metrics exposes the orchestrator's Prometheus surface: HTTP
// request instrumentation, inference outcome counters, journal event counts
// and scrape-time gauges over the capacity books.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "persona"

const (
	OutcomeOK      = "ok"
	OutcomeRefused = "refused"
	OutcomeFailed  = "failed"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"path", "method", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"path", "method", "status"},
	)

	httpInflight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "In-flight HTTP requests",
		},
		[]string{"path"},
	)

	inferenceTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "inference",
			Name:      "requests_total",
			Help:      "Total inference requests by outcome",
		},
		[]string{"outcome"},
	)

	inferenceLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "inference",
			Name:      "latency_seconds",
			Help:      "End-to-end inference latency in seconds",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
	)

	inferenceRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "inference",
			Name:      "retries_total",
			Help:      "Total retried inference attempts",
		},
	)

	journalEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "journal",
			Name:      "events_total",
			Help:      "Total journal events by type",
		},
		[]string{"type"},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		httpInflight,
		inferenceTotal,
		inferenceLatency,
		inferenceRetriesTotal,
		journalEventsTotal,
	)
}

// Middleware instruments requests for Prometheus. Labels use the route
// pattern, not the raw path, to keep cardinality bounded.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		httpInflight.WithLabelValues(path).Inc()
		start := time.Now()
		c.Next()
		httpInflight.WithLabelValues(path).Dec()

		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		httpRequestsTotal.WithLabelValues(path, method, status).Inc()
		httpRequestDuration.WithLabelValues(path, method, status).Observe(time.Since(start).Seconds())
	}
}

// Handler serves the scrape endpoint.
func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}

// ObserveInference records one finished inference request.
func ObserveInference(outcome string, latency time.Duration, retries int) {
	inferenceTotal.WithLabelValues(outcome).Inc()
	if outcome == OutcomeOK {
		inferenceLatency.Observe(latency.Seconds())
	}
	if retries > 0 {
		inferenceRetriesTotal.Add(float64(retries))
	}
}

// RecordEvent counts a journal event. Wire it with journal's Observe hook.
func RecordEvent(eventType string) {
	journalEventsTotal.WithLabelValues(eventType).Inc()
}

// RegisterGauge exposes fn as a gauge computed at scrape time. Call once per
// name during wiring; duplicate names panic like any double registration.
func RegisterGauge(name, help string, fn func() float64) {
	prometheus.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}
