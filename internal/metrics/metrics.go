// Copyright 2025 The groupq Authors. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

// Package metrics registers the Prometheus collectors the server updates
// while processing tasks. They are registered with the default Prometheus
// registry; nothing in this module serves them over HTTP.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TasksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "groupq",
		Subsystem: "worker",
		Name:      "tasks_processed_total",
		Help:      "Total tasks finalized, labelled by group and terminal state.",
	}, []string{"group", "state"})

	TasksInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "groupq",
		Subsystem: "worker",
		Name:      "tasks_inflight",
		Help:      "Tasks currently being executed by this server.",
	})

	TaskDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "groupq",
		Subsystem: "worker",
		Name:      "task_duration_seconds",
		Help:      "Handler execution time in seconds.",
		Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"group"})

	RetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "groupq",
		Subsystem: "worker",
		Name:      "retries_total",
		Help:      "Total retry attempts scheduled.",
	}, []string{"group"})

	ClaimConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "groupq",
		Subsystem: "scheduler",
		Name:      "claim_conflicts_total",
		Help:      "Claims on an eligible group that returned no task (lost race or head changed).",
	})

	DispatchDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "groupq",
		Subsystem: "scheduler",
		Name:      "dispatch_decisions_total",
		Help:      "Group selections made, labelled by policy.",
	}, []string{"policy"})
)
