package router

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DecisionsTotal counts routing decisions.
	// Labels: kind, source
	DecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowstate",
			Subsystem: "router",
			Name:      "decisions_total",
			Help:      "Total number of routing decisions by kind and source",
		},
		[]string{"kind", "source"},
	)

	// FallbacksTotal counts decisions produced by the fallback policy.
	// Labels: policy (clarify, pattern), kind
	FallbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowstate",
			Subsystem: "router",
			Name:      "fallbacks_total",
			Help:      "Total number of routing fallbacks by policy and resulting kind",
		},
		[]string{"policy", "kind"},
	)
)
