// Fieldbase - Campaign Webhook to Airtable Sync
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fieldbase

// Package metrics provides Prometheus instrumentation for the sync pipeline:
//   - Webhook intake outcomes
//   - Queue depth, claims, and dead-letter volume
//   - Worker processing outcomes and latency
//   - Airtable API call latency, results, and rate-limiter waits
//   - Circuit breaker state
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Webhook intake metrics
	WebhookRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_requests_total",
			Help: "Total webhook requests by source and outcome",
		},
		[]string{"source", "outcome"}, // "accepted", "unauthorized", "unrecognized", "unavailable"
	)

	EventsNormalizedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_normalized_total",
			Help: "Total canonical events produced by the normalizer",
		},
		[]string{"kind"}, // "person", "donation"
	)

	// Queue metrics
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "queue_pending_entries",
			Help: "Current number of pending queue entries",
		},
	)

	QueueDeadLetters = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "queue_dead_letter_entries",
			Help: "Current number of dead-lettered entries",
		},
	)

	QueueOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_operations_total",
			Help: "Total queue operations",
		},
		[]string{"operation"}, // "enqueue", "claim", "ack", "nack", "dead_letter", "replay"
	)

	// Worker metrics
	WorkerProcessingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "worker_processing_duration_seconds",
			Help:    "Time spent processing a claimed entry",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind", "outcome"}, // "applied", "skipped", "transient", "permanent"
	)

	// Airtable destination metrics
	AirtableRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "airtable_request_duration_seconds",
			Help:    "Duration of Airtable API calls",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"operation", "status"}, // operation: "create", "update"
	)

	AirtableRateLimitWait = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "airtable_rate_limit_wait_seconds",
			Help:    "Time spent waiting for a rate limiter token",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_transitions_total",
			Help: "Total circuit breaker state transitions",
		},
		[]string{"name", "from", "to"},
	)

	// HTTP API metrics
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total API requests by endpoint, method and status",
		},
		[]string{"endpoint", "method", "status"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "Duration of API requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint", "method"},
	)

	// Config metrics
	ConfigReloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "config_reloads_total",
			Help: "Total configuration reload attempts",
		},
		[]string{"outcome"}, // "success", "failure"
	)
)

// RecordAPIRequest records an API request with duration.
func RecordAPIRequest(endpoint, method string, status int, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(endpoint, method, strconv.Itoa(status)).Inc()
	APIRequestDuration.WithLabelValues(endpoint, method).Observe(duration.Seconds())
}

// RecordAirtableRequest records a destination API call with duration.
func RecordAirtableRequest(operation string, status int, duration time.Duration) {
	AirtableRequestDuration.WithLabelValues(operation, strconv.Itoa(status)).Observe(duration.Seconds())
}
