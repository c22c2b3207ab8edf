package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StageExecutionsTotal counts stage executions.
	// Labels: stage, result (success, failure, unrecorded)
	StageExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowstate",
			Subsystem: "orchestrator",
			Name:      "stage_executions_total",
			Help:      "Total number of stage executions by stage and result",
		},
		[]string{"stage", "result"},
	)

	// StageDuration tracks stage execution latency.
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "flowstate",
			Subsystem: "orchestrator",
			Name:      "stage_duration_seconds",
			Help:      "Stage execution duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
		},
		[]string{"stage"},
	)

	// EvidenceSkipsTotal counts stages not run because evidence already existed.
	EvidenceSkipsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowstate",
			Subsystem: "orchestrator",
			Name:      "evidence_skips_total",
			Help:      "Total number of stage runs skipped because completion evidence existed",
		},
		[]string{"stage"},
	)

	CycleRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "flowstate",
			Subsystem: "orchestrator",
			Name:      "cycle_retries_total",
			Help:      "Total number of decision cycles rerun after a session conflict",
		},
	)

	// DirectivesTotal counts responses.
	// Labels: kind, code
	DirectivesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowstate",
			Subsystem: "orchestrator",
			Name:      "directives_total",
			Help:      "Total number of directives by kind and code",
		},
		[]string{"kind", "code"},
	)
)
