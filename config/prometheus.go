package config

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Statement latency as seen by the worker. It includes connection checkout,
	// marker propagation and result materialisation.
	ExecutionLatencyHistogram = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "sqlstress",
		Name:      "execution_latency_seconds",
		Help:      "Latency of a single stress test execution",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16),
	})

	ExecutionCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sqlstress",
		Name:      "executions_total",
		Help:      "Executions grouped by terminal status",
	}, []string{"status"})

	InflightGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "sqlstress",
		Name:      "inflight_executions",
		Help:      "Executions dispatched and not yet finished",
	})

	// outcome is one of matched, unattributed, decode_error
	EventCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sqlstress",
		Name:      "diagnostic_events_total",
		Help:      "Diagnostic events consumed from the capture session",
	}, []string{"outcome"})

	DroppedMessagesCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sqlstress",
		Name:      "dropped_push_messages_total",
		Help:      "Push messages dropped because an observer could not keep up",
	})

	SubscribersGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "sqlstress",
		Name:      "push_subscribers",
		Help:      "Currently connected push channel observers",
	})

	ReaderReconnectCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sqlstress",
		Name:      "event_reader_reconnects_total",
		Help:      "Reconnect attempts to the diagnostic event feed",
	})

	RunDurationSummary = promauto.NewSummaryVec(prometheus.SummaryOpts{
		Namespace:  "sqlstress",
		Name:       "run_duration_seconds",
		Help:       "Duration of whole stress test runs",
		Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
	}, []string{"outcome"})
)
