// Copyright 2025 ResearchMesh
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus metrics
var (
	promDispatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "researchmesh_dispatches_total",
			Help: "Total provider dispatch attempts by provider and outcome",
		},
		[]string{"provider", "outcome"},
	)
	promDispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "researchmesh_dispatch_duration_milliseconds",
			Help:    "Provider call duration in milliseconds",
			Buckets: []float64{10, 50, 100, 250, 500, 1000, 2500, 5000, 15000, 60000},
		},
		[]string{"provider"},
	)
	promQuotaDenials = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "researchmesh_quota_denials_total",
			Help: "Reservations denied by the rate limiter, by provider",
		},
		[]string{"provider"},
	)
	promRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "researchmesh_retries_total",
			Help: "Retry attempts after transient provider failures",
		},
		[]string{"provider"},
	)
	promWorkflowsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "researchmesh_workflows_total",
			Help: "Workflows reaching a terminal status",
		},
		[]string{"status"},
	)
	promWorkflowDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "researchmesh_workflow_duration_seconds",
			Help:    "Wall time from workflow start to terminal status",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
	)
	promSpendUSD = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "researchmesh_spend_usd_total",
			Help: "Observed provider spend in USD",
		},
		[]string{"provider"},
	)
)

func init() {
	prometheus.MustRegister(promDispatchesTotal)
	prometheus.MustRegister(promDispatchDuration)
	prometheus.MustRegister(promQuotaDenials)
	prometheus.MustRegister(promRetriesTotal)
	prometheus.MustRegister(promWorkflowsTotal)
	prometheus.MustRegister(promWorkflowDuration)
	prometheus.MustRegister(promSpendUSD)
}

func recordDispatchMetrics(attempt DispatchAttempt) {
	promDispatchesTotal.WithLabelValues(attempt.Provider, string(attempt.Outcome)).Inc()
	switch attempt.Outcome {
	case OutcomeQuotaDenied:
		promQuotaDenials.WithLabelValues(attempt.Provider).Inc()
	case OutcomeSucceeded:
		promDispatchDuration.WithLabelValues(attempt.Provider).
			Observe(float64(attempt.Latency.Milliseconds()))
		promSpendUSD.WithLabelValues(attempt.Provider).Add(attempt.CostUSD)
	default:
		if attempt.Latency > 0 {
			promDispatchDuration.WithLabelValues(attempt.Provider).
				Observe(float64(attempt.Latency.Milliseconds()))
		}
	}
}

func recordWorkflowMetrics(status WorkflowStatus, started time.Time) {
	promWorkflowsTotal.WithLabelValues(string(status)).Inc()
	if !started.IsZero() {
		promWorkflowDuration.Observe(time.Since(started).Seconds())
	}
}
