// Package metrics exposes the runtime's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pairagent_http_requests_total",
			Help: "Total HTTP requests processed by the status API",
		},
		[]string{"handler", "method", "code"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pairagent_http_request_duration_seconds",
			Help:    "Status API request duration",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"handler", "method"},
	)

	// Agent metrics
	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pairagent_messages_sent_total",
			Help: "Messages enqueued on an agent's outbox",
		},
		[]string{"agent", "type"},
	)

	MessagesHandled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pairagent_messages_handled_total",
			Help: "Messages dequeued and dispatched by an agent",
		},
		[]string{"agent", "type"},
	)

	HandlerErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pairagent_handler_errors_total",
			Help: "Handler invocations that returned an error or panicked",
		},
		[]string{"agent", "type"},
	)

	BehaviourRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pairagent_behaviour_runs_total",
			Help: "Periodic behaviour firings",
		},
		[]string{"agent", "behaviour"},
	)

	BehaviourSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pairagent_behaviour_skipped_total",
			Help: "Periodic behaviour slots skipped because the previous run overran",
		},
		[]string{"agent", "behaviour"},
	)

	// Transfer metrics
	TransferOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pairagent_transfer_outcomes_total",
			Help: "Terminal transfer submission outcomes",
		},
		[]string{"outcome"},
	)

	TransferAttempts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pairagent_transfer_attempts_total",
			Help: "Signed transfers submitted to the ledger",
		},
	)

	TransferDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pairagent_transfer_duration_seconds",
			Help:    "Time from first attempt to terminal outcome",
			Buckets: []float64{.1, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
	)

	SourceBalance = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pairagent_source_balance",
			Help: "Last observed token balance of the source account",
		},
		[]string{"agent"},
	)
)
