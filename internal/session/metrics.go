package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConflictsTotal counts optimistic-concurrency conflicts surfaced to callers.
	// Labels: reason (stage_changed, claim, merge_exhausted)
	ConflictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowstate",
			Subsystem: "session",
			Name:      "conflicts_total",
			Help:      "Total number of session write conflicts",
		},
		[]string{"reason"},
	)

	// MergesTotal counts saves that merged concurrent flag changes.
	MergesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "flowstate",
			Subsystem: "session",
			Name:      "flag_merges_total",
			Help:      "Total number of saves that merged concurrent flag-only changes",
		},
	)
)
