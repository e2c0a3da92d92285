package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Merge outcomes recorded by CartMetrics.
const (
	OutcomeNoGuest  = "no_guest"
	OutcomePromoted = "promoted"
	OutcomeMerged   = "merged"
	OutcomeResumed  = "resumed"
	OutcomeFailed   = "failed"
)

// CartMetrics records cart consolidation and lifecycle activity. A nil
// *CartMetrics is valid and records nothing.
type CartMetrics struct {
	merges        *prometheus.CounterVec
	conflicts     prometheus.Counter
	mergeDuration prometheus.Histogram
	expired       prometheus.Counter
}

func NewCartMetrics(reg prometheus.Registerer) *CartMetrics {
	f := promauto.With(reg)
	return &CartMetrics{
		merges: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cart_merges_total",
			Help: "Guest-to-customer cart merges by outcome.",
		}, []string{"outcome"}),
		conflicts: f.NewCounter(prometheus.CounterOpts{
			Name: "cart_merge_conflicts_total",
			Help: "Merge attempts retried after a concurrent customer cart write.",
		}),
		mergeDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "cart_merge_duration_seconds",
			Help:    "Duration of guest-to-customer cart merges.",
			Buckets: prometheus.DefBuckets,
		}),
		expired: f.NewCounter(prometheus.CounterOpts{
			Name: "cart_guest_expired_total",
			Help: "Guest carts deleted by the expiration sweep.",
		}),
	}
}

func (m *CartMetrics) ObserveMerge(outcome string, started time.Time) {
	if m == nil {
		return
	}
	m.merges.WithLabelValues(outcome).Inc()
	m.mergeDuration.Observe(time.Since(started).Seconds())
}

func (m *CartMetrics) MergeConflict() {
	if m == nil {
		return
	}
	m.conflicts.Inc()
}

func (m *CartMetrics) Expired(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.expired.Add(float64(n))
}

// HTTPMetrics instruments gin routes by their registered pattern.
type HTTPMetrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	inFlight prometheus.Gauge
}

func NewHTTPMetrics(reg prometheus.Registerer) *HTTPMetrics {
	f := promauto.With(reg)
	return &HTTPMetrics{
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"code", "method", "path"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
		inFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "http_requests_in_flight",
			Help: "Current number of HTTP requests being processed.",
		}),
	}
}

func (m *HTTPMetrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		m.inFlight.Inc()
		defer m.inFlight.Dec()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		m.requests.WithLabelValues(strconv.Itoa(c.Writer.Status()), c.Request.Method, path).Inc()
		m.duration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}
