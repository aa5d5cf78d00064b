// Package metrics provides Prometheus instrumentation for the MoodCall
// signaling service. It exposes gauges for connection and queue depth,
// counters for match and signaling throughput, and a histogram for
// time-to-match tracking.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Connections tracks the current number of active WebSocket connections.
	Connections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "moodcall_connections",
		Help: "Current number of active WebSocket connections",
	})

	// QueueSize tracks the current number of users waiting, per mood.
	QueueSize = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "moodcall_queue_size",
		Help: "Current number of users waiting in the matching queue",
	}, []string{"mood"})

	// QueueJoins counts queue join operations, including re-joins.
	QueueJoins = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "moodcall_queue_joins_total",
		Help: "Total number of queue joins",
	})

	// QueueEvictions counts entries removed because they waited too long.
	QueueEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "moodcall_queue_evictions_total",
		Help: "Total number of queue entries evicted after exceeding max wait",
	})

	// Matches counts successfully created sessions.
	Matches = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "moodcall_matches_total",
		Help: "Total number of matched pairs",
	})

	// MatchFailures counts pairs that fell through after selection, labeled
	// by reason: "conflict", "session_create", "peer_offline", or "notify".
	MatchFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "moodcall_match_failures_total",
		Help: "Total number of selected pairs that could not be completed",
	}, []string{"reason"})

	// SignalsForwarded counts relayed signaling messages by type.
	SignalsForwarded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "moodcall_signals_forwarded_total",
		Help: "Total number of signaling messages forwarded to peers",
	}, []string{"type"}) // type = "signal_offer", "signal_answer", "signal_ice"

	// SignalsDropped counts signaling messages dropped because the target
	// had no connection on this instance.
	SignalsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "moodcall_signals_dropped_total",
		Help: "Total number of signaling messages dropped",
	}, []string{"type"})

	// SessionsEnded counts ended sessions by trigger: "ended" for an
	// explicit end_call, "partner_disconnected" for a transport close.
	SessionsEnded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "moodcall_sessions_ended_total",
		Help: "Total number of sessions ended",
	}, []string{"reason"})

	// TimeToMatch records the wait between joining the queue and being
	// matched, in seconds.
	TimeToMatch = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "moodcall_time_to_match_seconds",
		Help:    "Time from queue join to match found",
		Buckets: []float64{1, 2, 5, 10, 30, 60, 120, 300},
	})
)

func init() {
	prometheus.MustRegister(
		Connections,
		QueueSize,
		QueueJoins,
		QueueEvictions,
		Matches,
		MatchFailures,
		SignalsForwarded,
		SignalsDropped,
		SessionsEnded,
		TimeToMatch,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
