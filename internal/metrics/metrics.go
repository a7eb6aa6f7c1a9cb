package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	transportEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_transport_events_total",
			Help: "Transport events by direction and name.",
		},
		[]string{"direction", "event"},
	)
	reconnectAttemptsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_reconnect_attempts_total",
			Help: "Total number of transport reconnect attempts.",
		},
	)
	connectionUp = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatsync_connection_up",
			Help: "1 when the transport session is connected.",
		},
	)
	acksSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_acks_sent_total",
			Help: "Delivery and read acknowledgments sent.",
		},
		[]string{"status"},
	)
	unreadTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatsync_unread_messages",
			Help: "Sum of unread counts across the conversation list.",
		},
	)
	summaryRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_summary_requests_total",
			Help: "Summary generation requests by outcome.",
		},
		[]string{"outcome"},
	)
	summaryRejectedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_summary_rejected_total",
			Help: "Summary payloads rejected during normalization.",
		},
	)
	apiRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_api_requests_total",
			Help: "Control API requests.",
		},
		[]string{"method", "route", "status"},
	)
	apiRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatsync_api_request_duration_seconds",
			Help:    "Control API latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
	outboxSendsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_outbox_sends_total",
			Help: "Outbox send attempts by outcome.",
		},
		[]string{"outcome"},
	)
	exportErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_export_errors_total",
			Help: "Total number of AMQP export errors.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		transportEventsTotal,
		reconnectAttemptsTotal,
		connectionUp,
		acksSentTotal,
		unreadTotal,
		summaryRequestsTotal,
		summaryRejectedTotal,
		apiRequestsTotal,
		apiRequestDuration,
		outboxSendsTotal,
		exportErrorsTotal,
	)
}

func IncTransportEvent(direction, event string) {
	transportEventsTotal.WithLabelValues(direction, event).Inc()
}

func IncReconnectAttempt() {
	reconnectAttemptsTotal.Inc()
}

func SetConnected(up bool) {
	if up {
		connectionUp.Set(1)
		return
	}
	connectionUp.Set(0)
}

func IncAckSent(status string) {
	acksSentTotal.WithLabelValues(status).Inc()
}

func SetUnread(n int) {
	unreadTotal.Set(float64(n))
}

func IncSummaryRequest(outcome string) {
	summaryRequestsTotal.WithLabelValues(outcome).Inc()
}

func IncSummaryRejected() {
	summaryRejectedTotal.Inc()
}

func IncOutboxSend(outcome string) {
	outboxSendsTotal.WithLabelValues(outcome).Inc()
}

func IncExportError() {
	exportErrorsTotal.Inc()
}

// GinMiddleware records request counts and latencies for the control API.
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		status := c.Writer.Status()

		apiRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Inc()
		apiRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}
