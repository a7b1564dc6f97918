// Package telemetry holds the process-wide metrics, tracer and logger
// helpers shared by the learning loops.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ParentCalls counts reference calculator invocations by loop and outcome.
	ParentCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "almlp_parent_calls_total",
		Help: "Reference calculator invocations by loop and outcome",
	}, []string{"loop", "outcome"})

	// ParentCallDuration tracks reference calculator latency.
	ParentCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "almlp_parent_call_duration_seconds",
		Help:    "Reference calculator call duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.0001, 4, 12),
	}, []string{"loop"})

	// GateDecisions counts online gate outcomes.
	GateDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "almlp_gate_decisions_total",
		Help: "Online gate outcomes by decision",
	}, []string{"decision"})

	// Retrains counts surrogate training calls by kind.
	Retrains = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "almlp_retrains_total",
		Help: "Surrogate training calls by kind",
	}, []string{"loop", "kind"})

	// DatasetSize is the current labeled dataset size per loop.
	DatasetSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "almlp_dataset_size",
		Help: "Labeled configurations in the active dataset",
	}, []string{"loop"})

	// SinkFailures counts swallowed persistence errors.
	SinkFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "almlp_sink_failures_total",
		Help: "Persistence sink write failures",
	}, []string{"loop"})

	// OfflineRounds counts completed offline rounds.
	OfflineRounds = promauto.NewCounter(prometheus.CounterOpts{
		Name: "almlp_offline_rounds_total",
		Help: "Completed offline learning rounds",
	})
)

const (
	LoopOnline  = "online"
	LoopOffline = "offline"
)
