package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	streamEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nqchat_stream_events_total",
			Help: "Total number of chat stream events emitted, by type.",
		},
		[]string{"type"},
	)
	activeStreams = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "nqchat_active_streams",
			Help: "Chat turns currently streaming.",
		},
	)
	backendRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nqchat_backend_request_duration_seconds",
			Help:    "Netquery backend call latency by operation and outcome.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"operation", "outcome"},
	)
	sessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "nqchat_sessions_active",
			Help: "Live conversation sessions held by the adapter.",
		},
	)
	feedbackTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nqchat_feedback_total",
			Help: "Feedback submissions stored, by type.",
		},
		[]string{"type"},
	)
)

func init() {
	prometheus.MustRegister(
		streamEventsTotal,
		activeStreams,
		backendRequestDurationSeconds,
		sessionsActive,
		feedbackTotal,
	)
}

func IncrementStreamEvent(eventType string) {
	streamEventsTotal.WithLabelValues(eventType).Inc()
}

// StreamStarted marks a turn as streaming and returns the matching release.
func StreamStarted() func() {
	activeStreams.Inc()
	return activeStreams.Dec
}

func ObserveBackendCall(operation string, err error, elapsed time.Duration) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	backendRequestDurationSeconds.WithLabelValues(operation, outcome).Observe(elapsed.Seconds())
}

func SetSessionsActive(n int) {
	if n < 0 {
		n = 0
	}
	sessionsActive.Set(float64(n))
}

func IncrementFeedback(feedbackType string) {
	feedbackTotal.WithLabelValues(feedbackType).Inc()
}
