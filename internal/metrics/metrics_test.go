// Presenced - Live Presence Synchronization Engine
// Copyright 2026 S. Mehta (satmap)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/satmap/presenced

package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordFix(t *testing.T) {
	before := testutil.ToFloat64(PositionFixes.WithLabelValues("published"))
	RecordFix("published")
	after := testutil.ToFloat64(PositionFixes.WithLabelValues("published"))
	if after != before+1 {
		t.Errorf("Expected counter to increase by 1, got %f -> %f", before, after)
	}
}

func TestRecordUpsert(t *testing.T) {
	tests := []string{"inserted", "updated", "stale", "error"}
	for _, result := range tests {
		t.Run(result, func(t *testing.T) {
			before := testutil.ToFloat64(StoreUpserts.WithLabelValues(result))
			RecordUpsert(result)
			after := testutil.ToFloat64(StoreUpserts.WithLabelValues(result))
			if after != before+1 {
				t.Errorf("Expected %s counter to increase by 1", result)
			}
		})
	}
}

func TestRecordResnapshot(t *testing.T) {
	before := testutil.ToFloat64(Resnapshots.WithLabelValues("drop"))
	RecordResnapshot("drop")
	after := testutil.ToFloat64(Resnapshots.WithLabelValues("drop"))
	if after != before+1 {
		t.Error("Expected drop resnapshot counter to increase")
	}
}

func TestRecordAPIRequest(t *testing.T) {
	before := testutil.ToFloat64(APIRequestsTotal.WithLabelValues("GET", "/api/v1/presence", "200"))
	RecordAPIRequest("GET", "/api/v1/presence", "200", 15*time.Millisecond)
	after := testutil.ToFloat64(APIRequestsTotal.WithLabelValues("GET", "/api/v1/presence", "200"))
	if after != before+1 {
		t.Error("Expected request counter to increase")
	}
}

func TestGauges(t *testing.T) {
	PresenceSetSize.Set(7)
	if got := testutil.ToFloat64(PresenceSetSize); got != 7 {
		t.Errorf("Expected presence set size 7, got %f", got)
	}

	MarkersActive.Set(3)
	if got := testutil.ToFloat64(MarkersActive); got != 3 {
		t.Errorf("Expected 3 active markers, got %f", got)
	}
}

func TestRecordSnapshot(t *testing.T) {
	// Histogram observations must not panic; values are inspected via scrape.
	RecordSnapshot(25*time.Millisecond, 42)
}
