// Presenced - Live Presence Synchronization Engine
// Copyright 2026 S. Mehta (satmap)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/satmap/presenced

/*
Package metrics provides Prometheus metrics collection and export for observability.

Metrics are exposed at the /metrics endpoint in Prometheus text format:

	curl http://localhost:8080/metrics

# Available Metrics

Pipeline:
  - position_fixes_total: Position fixes by outcome (counter)
    Labels: outcome (published, throttled, invalid, gated)
  - position_publish_duration_seconds: Fix publish latency (histogram)
  - geocode_lookups_total: Reverse geocode lookups (counter)
    Labels: outcome (ok, cache, throttled, error)

Store:
  - store_upserts_total: Location upserts (counter)
    Labels: result (inserted, updated, stale, error)
  - store_deletes_total: Location deletes (counter)
  - store_snapshot_duration_seconds: Snapshot query latency (histogram)
  - store_snapshot_rows: Snapshot result size (histogram)

Feed and reconciliation:
  - feed_events_published_total / feed_events_received_total (counter)
    Labels: op (insert, update, delete)
  - feed_decode_failures_total, feed_drops_total (counter)
  - reconcile_resnapshots_total: Full resnapshots (counter)
    Labels: trigger (startup, drop, decode_failure)
  - reconcile_events_total: Events applied to the presence set (counter)
    Labels: op, result (applied, noop, filtered)
  - presence_set_size: Current presence set size (gauge)

Surface:
  - marker_operations_total: Marker lifecycle operations (counter)
    Labels: op (create, move, update, remove)
  - markers_active: Live markers (gauge)
  - websocket_connections: Active WebSocket connections (gauge)
  - api_requests_total, api_request_duration_seconds: HTTP metrics

All metric recording functions are thread-safe; the Prometheus client
library handles synchronization internally. Label values come from fixed
constants so cardinality stays bounded (no user IDs in labels).
*/
package metrics
