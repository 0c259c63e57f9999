package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "uspagent"

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	messagesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "usp",
			Name:      "messages_received_total",
			Help:      "USP messages received by type.",
		},
		[]string{"protocol", "msg_type"},
	)
	responsesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "usp",
			Name:      "responses_total",
			Help:      "Responses sent by request type and outcome.",
		},
		[]string{"msg_type", "outcome"},
	)
	dispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "usp",
			Name:      "dispatch_duration_seconds",
			Help:      "Time from request acceptance to response.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"msg_type"},
	)
	notificationsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "usp",
			Name:      "notifications_total",
			Help:      "Notify messages sent by notification type.",
		},
		[]string{"notif_type", "retry"},
	)
	retransmissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "retransmissions_total",
			Help:      "Retransmissions of unacknowledged messages.",
		},
		[]string{"kind"},
	)
	exhaustions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "exhausted_total",
			Help:      "Messages dropped after the retry budget ran out.",
		},
		[]string{"kind"},
	)
	reassemblyTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "reassembly_timeouts_total",
			Help:      "Segmented payloads dropped before completion.",
		},
	)
	overloadRejections = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "overload_rejections_total",
			Help:      "Queued requests rejected because a peer queue overflowed.",
		},
	)
	duplicateRequests = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "duplicate_requests_total",
			Help:      "Requests answered from the dedup cache.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			messagesReceived, responsesSent, dispatchDuration, notificationsSent,
			retransmissions, exhaustions, reassemblyTimeouts,
			overloadRejections, duplicateRequests,
		)
	})
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}

func RecordMessageReceived(protocol, msgType string) {
	RegisterMetrics()
	messagesReceived.WithLabelValues(protocol, msgType).Inc()
}

// RecordResponse counts one answered request. outcome is "ok" or the
// error code the request was answered with.
func RecordResponse(msgType, outcome string, duration time.Duration) {
	RegisterMetrics()
	responsesSent.WithLabelValues(msgType, outcome).Inc()
	dispatchDuration.WithLabelValues(msgType).Observe(duration.Seconds())
}

func RecordNotification(notifType string, retry bool) {
	RegisterMetrics()
	notificationsSent.WithLabelValues(notifType, strconv.FormatBool(retry)).Inc()
}

func RecordRetransmission(kind string) {
	RegisterMetrics()
	retransmissions.WithLabelValues(kind).Inc()
}

func RecordExhausted(kind string) {
	RegisterMetrics()
	exhaustions.WithLabelValues(kind).Inc()
}

func RecordReassemblyTimeout() {
	RegisterMetrics()
	reassemblyTimeouts.Inc()
}

func RecordOverload() {
	RegisterMetrics()
	overloadRejections.Inc()
}

func RecordDuplicate() {
	RegisterMetrics()
	duplicateRequests.Inc()
}
