// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability exposes Prometheus metrics for the sync service.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Prometheus Metrics for Session Sync
// =============================================================================

var (
	// activeConnections tracks currently open WebSocket connections.
	activeConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "puzzle",
		Subsystem: "sync",
		Name:      "active_connections",
		Help:      "Currently open WebSocket connections",
	})

	// activeSessions tracks sessions in the active set.
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "puzzle",
		Subsystem: "sync",
		Name:      "active_sessions",
		Help:      "Sessions currently in the active set",
	})

	// lockOperations counts lock operations by op and outcome.
	// Labels: op (acquire, renew, release), outcome (granted, denied, error)
	lockOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "puzzle",
		Subsystem: "sync",
		Name:      "lock_operations_total",
		Help:      "Lock operations by op and outcome",
	}, []string{"op", "outcome"})

	// mutationsApplied counts mutations accepted by the fencing gate.
	mutationsApplied = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "puzzle",
		Subsystem: "sync",
		Name:      "mutations_applied_total",
		Help:      "Mutations accepted and sequenced",
	})

	// mutationsRejected counts rejected mutations by reason.
	// Labels: reason (stale_token, not_holder, lock_required, ...)
	mutationsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "puzzle",
		Subsystem: "sync",
		Name:      "mutations_rejected_total",
		Help:      "Mutations rejected by the fencing gate, by reason",
	}, []string{"reason"})

	// mutationLatency measures the apply path from receipt to sequencing.
	mutationLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "puzzle",
		Subsystem: "sync",
		Name:      "mutation_latency_seconds",
		Help:      "Mutation apply latency in seconds",
		Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
	})

	// eventsDropped counts fan-out events shed from slow subscriber
	// queues.
	eventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "puzzle",
		Subsystem: "sync",
		Name:      "events_dropped_total",
		Help:      "Fan-out events dropped from slow subscriber queues",
	})

	// logRecordsDropped counts mutation log records shed on queue
	// overflow.
	logRecordsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "puzzle",
		Subsystem: "sync",
		Name:      "log_records_dropped_total",
		Help:      "Mutation log records dropped on queue overflow",
	})

	// presenceTransitions counts announced presence transitions.
	// Labels: status (online, away, offline)
	presenceTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "puzzle",
		Subsystem: "sync",
		Name:      "presence_transitions_total",
		Help:      "Presence transitions announced, by resulting status",
	}, []string{"status"})

	// opsRateLimited counts client operations refused by the per-connection
	// rate limiter.
	opsRateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "puzzle",
		Subsystem: "sync",
		Name:      "ops_rate_limited_total",
		Help:      "Client operations refused by the per-connection rate limiter",
	})
)

// =============================================================================
// Metrics Recording Functions
// =============================================================================

// ConnectionOpened increments the live connection gauge.
func ConnectionOpened() { activeConnections.Inc() }

// ConnectionClosed decrements the live connection gauge.
func ConnectionClosed() { activeConnections.Dec() }

// SetActiveSessions records the current active session count.
func SetActiveSessions(n int) { activeSessions.Set(float64(n)) }

// RecordLockOperation records one lock operation outcome.
//
// Inputs:
//
//	op - "acquire", "renew", or "release".
//	outcome - "granted", "denied", or "error".
func RecordLockOperation(op, outcome string) {
	lockOperations.WithLabelValues(op, outcome).Inc()
}

// RecordMutationApplied records one accepted mutation and its apply
// latency.
func RecordMutationApplied(d time.Duration) {
	mutationsApplied.Inc()
	mutationLatency.Observe(d.Seconds())
}

// RecordMutationRejected records one rejected mutation by reason.
func RecordMutationRejected(reason string) {
	mutationsRejected.WithLabelValues(reason).Inc()
}

// RecordEventDropped records one fan-out event shed from a slow
// subscriber.
func RecordEventDropped() { eventsDropped.Inc() }

// RecordLogRecordDropped records one mutation log record shed on
// overflow.
func RecordLogRecordDropped() { logRecordsDropped.Inc() }

// RecordPresenceTransition records one announced presence transition.
func RecordPresenceTransition(status string) {
	presenceTransitions.WithLabelValues(status).Inc()
}

// RecordRateLimited records one operation refused by the rate limiter.
func RecordRateLimited() { opsRateLimited.Inc() }
