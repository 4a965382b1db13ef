package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "procbus"

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"process", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"process", "method", "path", "status"},
	)
	routeCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "routes_total",
			Help:      "Route calls by dispatch kind and outcome.",
		},
		[]string{"process", "dispatch", "outcome"},
	)
	routeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "route_duration_seconds",
			Help:      "Route call duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"process", "dispatch"},
	)
	publishDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "publish_deliveries_total",
			Help:      "Publish deliveries to remote processes.",
		},
		[]string{"process", "target", "success"},
	)
	connectAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "conn",
			Name:      "connect_attempts_total",
			Help:      "Connection attempts by target process and result.",
		},
		[]string{"target", "result"},
	)
	evictions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "conn",
			Name:      "evictions_total",
			Help:      "Connection entries removed by reason.",
		},
		[]string{"target", "reason"},
	)
	liveConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "conn",
			Name:      "live_connections",
			Help:      "Live remote connections held by a process.",
		},
		[]string{"process"},
	)
	busChannels = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "eventbus",
			Name:      "channels",
			Help:      "Event bus channels with at least one subscriber.",
		},
		[]string{"process"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			routeCalls,
			routeDuration,
			publishDeliveries,
			connectAttempts,
			evictions,
			liveConnections,
			busChannels,
		)
	})
}

func RecordHTTPRequest(process, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(process, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(process, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordRoute(process, dispatch, outcome string, duration time.Duration) {
	RegisterMetrics()
	routeCalls.WithLabelValues(process, dispatch, outcome).Inc()
	routeDuration.WithLabelValues(process, dispatch).Observe(duration.Seconds())
}

func RecordPublishDelivery(process, target string, success bool) {
	RegisterMetrics()
	publishDeliveries.WithLabelValues(process, target, strconv.FormatBool(success)).Inc()
}

func RecordConnectAttempt(target, result string) {
	RegisterMetrics()
	connectAttempts.WithLabelValues(target, result).Inc()
}

func RecordEviction(target, reason string) {
	RegisterMetrics()
	evictions.WithLabelValues(target, reason).Inc()
}

func SetLiveConnections(process string, n int) {
	RegisterMetrics()
	liveConnections.WithLabelValues(process).Set(float64(n))
}

func SetBusChannels(process string, n int) {
	RegisterMetrics()
	busChannels.WithLabelValues(process).Set(float64(n))
}
