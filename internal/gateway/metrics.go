package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	callsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "toolgate_calls_total",
		Help: "Tool calls by terminal pipeline state.",
	}, []string{"tool", "state"})

	denialsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "toolgate_denials_total",
		Help: "Calls denied before invocation, by kind.",
	}, []string{"kind"})

	invokeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "toolgate_invoke_duration_seconds",
		Help:    "Downstream tool invocation latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"tool"})

	creditsSettled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "toolgate_credits_settled_total",
		Help: "Credits settled against the ledger, by tool.",
	}, []string{"tool"})
)
