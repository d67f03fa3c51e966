package sandbox

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	gatherer prometheus.Gatherer

	requests      *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	registrations *prometheus.CounterVec
	statuses      *prometheus.CounterVec
}

func newMetrics(reg *prometheus.Registry) *metrics {
	f := promauto.With(reg)
	return &metrics{
		gatherer: reg,
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sandbox_requests_total",
			Help: "Total HTTP requests by method, path, and response status.",
		}, []string{"method", "path", "status"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sandbox_request_duration_seconds",
			Help:    "Request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
		registrations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sandbox_registrations_total",
			Help: "Total certificate registrations by result.",
		}, []string{"result"}),
		statuses: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sandbox_envelope_status_total",
			Help: "Total non-zero envelope statuses returned, by code.",
		}, []string{"code"}),
	}
}

// middleware records per-request metrics.
func (m *metrics) middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		m.requests.WithLabelValues(method, path, status).Inc()
		m.duration.WithLabelValues(method, path).Observe(duration)
	}
}

func (m *metrics) handler() gin.HandlerFunc {
	h := promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

func (m *metrics) registration(success bool) {
	if success {
		m.registrations.WithLabelValues("success").Inc()
	} else {
		m.registrations.WithLabelValues("failure").Inc()
	}
}

func (m *metrics) status(code int) {
	m.statuses.WithLabelValues(strconv.Itoa(code)).Inc()
}
