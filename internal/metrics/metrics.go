// Package metrics defines the Prometheus metrics exported on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SessionEvents counts session lifecycle transitions by event
	// (started, completed, reset, reopened).
	SessionEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "traitlab_session_events_total",
		Help: "Assessment session lifecycle transitions by event",
	}, []string{"event"})

	// AnswersRecorded counts accepted answers.
	AnswersRecorded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "traitlab_answers_recorded_total",
		Help: "Total number of accepted answers",
	})

	// AnswersRejected counts rejected answers by reason.
	AnswersRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "traitlab_answers_rejected_total",
		Help: "Rejected answers by reason",
	}, []string{"reason"}) // invalid_ordinal, invalid_value, no_session

	// Analyses counts produced analyses by source and depth.
	Analyses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "traitlab_analyses_total",
		Help: "Produced analyses by source and depth",
	}, []string{"source", "depth"})

	// AnalyzerOutcomes counts analyzer call outcomes.
	AnalyzerOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "traitlab_analyzer_outcomes_total",
		Help: "Analyzer call outcomes",
	}, []string{"outcome"}) // structured_ok, structured_invalid, transport_failure

	// AnalyzerLatency observes analyzer call duration.
	AnalyzerLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "traitlab_analyzer_duration_seconds",
		Help:    "Analyzer call latency in seconds",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	})

	// Commands counts routed chat commands.
	Commands = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "traitlab_chat_commands_total",
		Help: "Routed chat commands by name",
	}, []string{"command"})

	// WebSocketConnections tracks live chat connections.
	WebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "traitlab_websocket_connections_active",
		Help: "Number of active WebSocket chat connections",
	})

	// SnapshotRuns counts snapshot attempts by result.
	SnapshotRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "traitlab_snapshot_runs_total",
		Help: "State snapshot attempts by result",
	}, []string{"result"})
)

// Handler serves the default Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
