package vendorbridge

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vendorbridge",
			Name:      "requests_total",
			Help:      "HTTP attempts sent to a vendor, by response status class.",
		},
		[]string{"vendor", "call_type", "status"},
	)

	retriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vendorbridge",
			Name:      "retries_total",
			Help:      "Retries scheduled, by reason.",
		},
		[]string{"vendor", "reason"},
	)

	errorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vendorbridge",
			Name:      "errors_total",
			Help:      "Calls that ended in an error, by kind.",
		},
		[]string{"vendor", "kind"},
	)

	rateLimitWaitSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "vendorbridge",
			Name:      "rate_limit_wait_seconds",
			Help:      "Time spent blocked by the rate limiter before an attempt.",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"vendor", "call_type"},
	)

	requestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "vendorbridge",
			Name:      "request_duration_seconds",
			Help:      "Latency of single HTTP attempts.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"vendor", "call_type"},
	)
)

// statusLabel keeps label cardinality low: "2xx", "4xx", ... or "error"
// when no response was received.
func statusLabel(code int) string {
	if code <= 0 {
		return "error"
	}
	return strconv.Itoa(code/100) + "xx"
}
