package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "collabflow_connections_active",
		Help: "Number of live websocket connections across all rooms.",
	})

	operationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "collabflow_operations_total",
		Help: "Mutation frames processed, by target and outcome.",
	}, []string{"target", "outcome"})

	operationLatencySeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "collabflow_operation_latency_seconds",
		Help:    "Latency of mutation frame handling by target.",
		Buckets: prometheus.DefBuckets,
	}, []string{"target"})
)
