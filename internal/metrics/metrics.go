// Presenced - Live Presence Synchronization Engine
// Copyright 2026 S. Mehta (satmap)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/satmap/presenced

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus instrumentation for the presence pipeline:
// - Publisher throughput and throttling
// - Geocoder lookups and cache efficiency
// - Store upserts (applied vs stale-dropped)
// - Change feed publish/consume volume
// - Reconciliation engine state and resnapshots
// - Marker lifecycle operations
// - WebSocket connections and API latency

var (
	// Publisher Metrics
	PositionFixes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "position_fixes_total",
			Help: "Total number of position fixes by outcome",
		},
		[]string{"outcome"}, // "published", "throttled", "invalid", "gated"
	)

	PublishDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "position_publish_duration_seconds",
			Help:    "End-to-end duration of a fix publish (geocode + upsert)",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Geocoder Metrics
	GeocodeLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geocode_lookups_total",
			Help: "Total number of reverse geocode lookups by outcome",
		},
		[]string{"outcome"}, // "ok", "cache", "throttled", "error"
	)

	// Store Metrics
	StoreUpserts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "store_upserts_total",
			Help: "Total number of location upserts by result",
		},
		[]string{"result"}, // "inserted", "updated", "stale", "error"
	)

	StoreDeletes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "store_deletes_total",
			Help: "Total number of location deletes by result",
		},
		[]string{"result"}, // "deleted", "missing", "error"
	)

	SnapshotDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "store_snapshot_duration_seconds",
			Help:    "Duration of presence snapshot queries in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	SnapshotRows = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "store_snapshot_rows",
			Help:    "Number of rows returned by presence snapshots",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
	)

	// Change Feed Metrics
	FeedEventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feed_events_published_total",
			Help: "Total number of change events published to the feed",
		},
		[]string{"op"}, // "insert", "update", "delete"
	)

	FeedEventsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feed_events_received_total",
			Help: "Total number of change events received from the feed",
		},
		[]string{"op"},
	)

	FeedDecodeFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "feed_decode_failures_total",
			Help: "Total number of feed payloads that failed to decode",
		},
	)

	FeedDrops = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "feed_drops_total",
			Help: "Total number of detected feed continuity drops",
		},
	)

	// Reconciliation Metrics
	Resnapshots = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconcile_resnapshots_total",
			Help: "Total number of full resnapshots by trigger",
		},
		[]string{"trigger"}, // "startup", "drop", "decode_failure"
	)

	ReconcileEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconcile_events_total",
			Help: "Total number of change events applied to the presence set",
		},
		[]string{"op", "result"}, // result: "applied", "noop", "filtered"
	)

	PresenceSetSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "presence_set_size",
			Help: "Current number of entries in the presence set",
		},
	)

	// Marker Metrics
	MarkerOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marker_operations_total",
			Help: "Total number of marker lifecycle operations",
		},
		[]string{"op"}, // "create", "move", "update", "remove"
	)

	MarkersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "markers_active",
			Help: "Current number of live markers",
		},
	)

	// WebSocket Metrics
	WSConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "websocket_connections",
			Help: "Current number of active WebSocket connections",
		},
	)

	WSMessagesSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "websocket_messages_sent_total",
			Help: "Total number of WebSocket messages sent",
		},
	)

	WSErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "websocket_errors_total",
			Help: "Total number of WebSocket errors",
		},
		[]string{"error_type"},
	)

	// API Endpoint Metrics
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"method", "endpoint"},
	)

	APIRateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_rate_limit_hits_total",
			Help: "Total number of rate limit rejections",
		},
		[]string{"endpoint"},
	)

	// System Metrics
	AppInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "app_info",
			Help: "Application version and build information",
		},
		[]string{"version", "go_version"},
	)

	AppUptime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "app_uptime_seconds",
			Help: "Application uptime in seconds",
		},
	)
)

// RecordAPIRequest records an API request metric
func RecordAPIRequest(method, endpoint, statusCode string, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	APIRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordFix records a position fix outcome
func RecordFix(outcome string) {
	PositionFixes.WithLabelValues(outcome).Inc()
}

// RecordUpsert records a store upsert result
func RecordUpsert(result string) {
	StoreUpserts.WithLabelValues(result).Inc()
}

// RecordSnapshot records a completed snapshot query
func RecordSnapshot(duration time.Duration, rows int) {
	SnapshotDuration.Observe(duration.Seconds())
	SnapshotRows.Observe(float64(rows))
}

// RecordResnapshot records a full resnapshot and its trigger
func RecordResnapshot(trigger string) {
	Resnapshots.WithLabelValues(trigger).Inc()
}
