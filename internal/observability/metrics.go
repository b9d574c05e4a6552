package observability

import (
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/danmuck/sigbridge/internal/transport"
)

// Frame outcomes on the receive path.
const (
	FrameAccepted  = "accepted"
	FrameMalformed = "malformed"
	FrameIgnored   = "ignored"
	FrameUnmapped  = "unmapped"
	FrameDropped   = "queue_full"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sigbridge",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sigbridge",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	framesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sigbridge",
			Name:      "frames_total",
			Help:      "Received frames by outcome.",
		},
		[]string{"result"},
	)
	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "sigbridge",
			Name:      "queue_depth",
			Help:      "Translated signals waiting for the host.",
		},
	)
	offersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sigbridge",
			Name:      "offers_total",
			Help:      "Publication offers by result.",
		},
		[]string{"result"},
	)
	connectTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sigbridge",
			Name:      "connect_total",
			Help:      "Subscription and publication establishment attempts.",
		},
		[]string{"kind", "result"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(httpRequests, httpDuration, framesTotal, queueDepth, offersTotal, connectTotal)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordFrame(result string) {
	RegisterMetrics()
	framesTotal.WithLabelValues(result).Inc()
}

func SetQueueDepth(n int) {
	RegisterMetrics()
	queueDepth.Set(float64(n))
}

// RecordOffer counts one offer under the label OfferResult(err) and returns it.
func RecordOffer(err error) string {
	RegisterMetrics()
	result := OfferResult(err)
	offersTotal.WithLabelValues(result).Inc()
	return result
}

func RecordConnect(kind string, err error) {
	RegisterMetrics()
	result := "ok"
	if err != nil {
		result = "error"
	}
	connectTotal.WithLabelValues(kind, result).Inc()
}

// OfferResult names the outcome of an offer for labels and host messages.
func OfferResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, transport.ErrNotConnected):
		return "not_connected"
	case errors.Is(err, transport.ErrBackPressured):
		return "back_pressured"
	case errors.Is(err, transport.ErrAdminAction):
		return "admin_action"
	case errors.Is(err, transport.ErrPublicationClosed):
		return "closed"
	case errors.Is(err, transport.ErrMaxPositionExceeded):
		return "max_position_exceeded"
	default:
		return "error"
	}
}
