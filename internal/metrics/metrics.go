// Parley - Real-Time Chat Presence and Message Delivery Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/parley

// Package metrics exposes Prometheus instrumentation for the gateway,
// presence tracker, delivery pipeline, and persistence layer. All
// collectors register through promauto on the default registry and
// are scraped via the /metrics endpoint.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Connection Metrics
	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "parley_active_connections",
			Help: "Current number of open WebSocket sessions",
		},
	)

	ConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parley_connections_total",
			Help: "Total number of WebSocket sessions by how they ended up",
		},
		[]string{"outcome"}, // "accepted", "auth_failed", "evicted", "closed"
	)

	// Presence Metrics
	PresenceTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parley_presence_transitions_total",
			Help: "Total number of presence transitions by resulting status",
		},
		[]string{"status"}, // "online", "away", "offline"
	)

	PresenceFanout = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "parley_presence_fanout_total",
			Help: "Total number of presence envelopes pushed to subscriber sessions",
		},
	)

	// Delivery Metrics
	MessagesSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "parley_messages_sent_total",
			Help: "Total number of messages accepted and persisted",
		},
	)

	MessageStatusAdvances = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parley_message_status_advances_total",
			Help: "Total number of delivery status advances by new status",
		},
		[]string{"status"}, // "delivered", "read"
	)

	MessageMutations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parley_message_mutations_total",
			Help: "Total number of message edits and retractions",
		},
		[]string{"kind"}, // "edit", "unsend"
	)

	PolicyRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parley_policy_rejections_total",
			Help: "Total number of client operations rejected by policy",
		},
		[]string{"code"},
	)

	// Resync Metrics
	ResyncDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "parley_resync_duration_seconds",
			Help:    "Duration of resync reconciliation in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
	)

	ResyncBacklogSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "parley_resync_backlog_size",
			Help:    "Number of messages returned per resync",
			Buckets: []float64{0, 1, 5, 10, 25, 50, 100, 250},
		},
	)

	// Store Metrics
	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parley_store_errors_total",
			Help: "Total number of persistence failures by operation",
		},
		[]string{"operation"},
	)

	StoreBreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "parley_store_breaker_state",
			Help: "Persistence circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
	)
)

// RecordConnection records a session outcome.
func RecordConnection(outcome string) {
	ConnectionsTotal.WithLabelValues(outcome).Inc()
}

// RecordPresenceTransition records a presence transition.
func RecordPresenceTransition(status string) {
	PresenceTransitions.WithLabelValues(status).Inc()
}

// RecordPresenceFanout records presence envelopes pushed to sessions.
func RecordPresenceFanout(sessions int) {
	PresenceFanout.Add(float64(sessions))
}

// RecordResync records one resync reconciliation.
func RecordResync(duration time.Duration, backlog int) {
	ResyncDuration.Observe(duration.Seconds())
	ResyncBacklogSize.Observe(float64(backlog))
}

// RecordStoreError records a persistence failure.
func RecordStoreError(operation string) {
	StoreErrors.WithLabelValues(operation).Inc()
}
