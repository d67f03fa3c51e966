package hebe

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics records client-side call statistics. A nil *Metrics records nothing.
type Metrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	pages    prometheus.Counter
}

// NewMetrics registers the client collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hebe_client_requests_total",
			Help: "Total API calls by HTTP method and outcome.",
		}, []string{"method", "outcome"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hebe_client_request_duration_seconds",
			Help:    "API call duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
		pages: f.NewCounter(prometheus.CounterOpts{
			Name: "hebe_client_pages_total",
			Help: "Total collection pages fetched by the pagination driver.",
		}),
	}
}

func (m *Metrics) observe(method string, err error, d time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(method, outcome(err)).Inc()
	m.duration.WithLabelValues(method).Observe(d.Seconds())
}

func (m *Metrics) page() {
	if m == nil {
		return
	}
	m.pages.Inc()
}

// outcome turns an error into a low-cardinality label value.
func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Kind.String()
	}
	switch {
	case errors.Is(err, ErrFailedRequest):
		return "failed_request"
	case errors.Is(err, ErrNotFoundEndpoint):
		return "not_found_endpoint"
	case errors.Is(err, ErrMethodNotAllowed):
		return "method_not_allowed"
	case errors.Is(err, ErrInvalidResponseContentType):
		return "invalid_content_type"
	case errors.Is(err, ErrInvalidResponseContent):
		return "invalid_content"
	default:
		return "error"
	}
}
