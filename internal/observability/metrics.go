package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	sessionFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "esl",
			Subsystem: "session",
			Name:      "frames_total",
			Help:      "Frames classified by sessions, by classification.",
		},
		[]string{"kind"},
	)
	sessionDiagnostics = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "esl",
			Subsystem: "session",
			Name:      "diagnostics_total",
			Help:      "Non-fatal protocol diagnostics raised by sessions.",
		},
		[]string{"kind"},
	)
	sessionCommands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "esl",
			Subsystem: "session",
			Name:      "commands_total",
			Help:      "Commands issued by sessions, by operation and outcome.",
		},
		[]string{"op", "outcome"},
	)
	sessionCommandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "esl",
			Subsystem: "session",
			Name:      "command_duration_seconds",
			Help:      "Time from dequeue to reply for session commands.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"op"},
	)
	sessionsTerminated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "esl",
			Subsystem: "session",
			Name:      "terminated_total",
			Help:      "Sessions terminated, by trigger.",
		},
		[]string{"reason"},
	)
	serverConnections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "esl",
			Subsystem: "server",
			Name:      "connections_total",
			Help:      "Inbound switch connections, by handshake result.",
		},
		[]string{"result"},
	)
	clientReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "esl",
			Subsystem: "client",
			Name:      "reconnects_total",
			Help:      "Reconnections scheduled by clients.",
		},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "esl",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"service", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "esl",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "method", "path", "status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			sessionFrames,
			sessionDiagnostics,
			sessionCommands,
			sessionCommandDuration,
			sessionsTerminated,
			serverConnections,
			clientReconnects,
			httpRequests,
			httpDuration,
		)
	})
}

func RecordFrame(kind string) {
	RegisterMetrics()
	sessionFrames.WithLabelValues(kind).Inc()
}

func RecordDiagnostic(kind string) {
	RegisterMetrics()
	sessionDiagnostics.WithLabelValues(kind).Inc()
}

func RecordCommand(op string, err error, duration time.Duration) {
	RegisterMetrics()
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	sessionCommands.WithLabelValues(op, outcome).Inc()
	sessionCommandDuration.WithLabelValues(op).Observe(duration.Seconds())
}

func RecordTermination(reason string) {
	RegisterMetrics()
	sessionsTerminated.WithLabelValues(reason).Inc()
}

func RecordServerConnection(result string) {
	RegisterMetrics()
	serverConnections.WithLabelValues(result).Inc()
}

func RecordClientReconnect() {
	RegisterMetrics()
	clientReconnects.Inc()
}

func RecordHTTPRequest(service, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(service, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(service, method, path, statusLabel).Observe(duration.Seconds())
}
