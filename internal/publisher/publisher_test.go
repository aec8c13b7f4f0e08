// Presenced - Live Presence Synchronization Engine
// Copyright 2026 S. Mehta (satmap)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/satmap/presenced

package publisher

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/satmap/presenced/internal/consent"
	"github.com/satmap/presenced/internal/logging"
	"github.com/satmap/presenced/internal/models"
	"github.com/satmap/presenced/internal/position"
	"github.com/satmap/presenced/internal/store"
)

//nolint:gochecknoinits // init ensures consistent logging for tests
func init() {
	logging.Init(logging.Config{Level: "info", Output: io.Discard})
}

// fakeGeocoder returns a fixed city, or an error when failing is set.
type fakeGeocoder struct {
	city    string
	failing atomic.Bool
	calls   atomic.Int64
}

func (g *fakeGeocoder) ReverseGeocode(_ context.Context, _, _ float64) (string, error) {
	g.calls.Add(1)
	if g.failing.Load() {
		return "", errors.New("upstream down")
	}
	return g.city, nil
}

func (g *fakeGeocoder) Name() string { return "fake" }

type harness struct {
	gate   *consent.Gate
	source *position.ChannelSource
	geo    *fakeGeocoder
	store  *store.MemStore
	pub    *Publisher
	cancel context.CancelFunc
	done   chan struct{}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		gate:   consent.NewGate(),
		source: position.NewChannelSource(),
		geo:    &fakeGeocoder{city: "Pune"},
		store:  store.NewMemStore(nil),
		done:   make(chan struct{}),
	}
	h.pub = New(Config{
		UserID:      "self",
		MinInterval: time.Millisecond,
	}, h.gate, h.source, h.geo, h.store)

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() {
		defer close(h.done)
		_ = h.pub.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-h.done:
		case <-time.After(2 * time.Second):
			t.Error("Publisher did not stop")
		}
	})
	return h
}

// pushUntil pushes fix repeatedly until cond holds or the deadline hits.
func (h *harness) pushUntil(t *testing.T, fix position.Fix, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		h.source.Push(fix)
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("Condition not reached")
}

func (h *harness) snapshot(t *testing.T) []models.PresenceEntry {
	t.Helper()
	snap, err := h.store.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	return snap
}

func TestPublisher_NothingBeforeGrant(t *testing.T) {
	h := newHarness(t)

	for i := 0; i < 5; i++ {
		h.source.Push(position.Fix{Latitude: 10, Longitude: 20})
		time.Sleep(10 * time.Millisecond)
	}

	if snap := h.snapshot(t); len(snap) != 0 {
		t.Errorf("Expected no writes before grant, got %d", len(snap))
	}
}

func TestPublisher_PublishesAfterGrant(t *testing.T) {
	h := newHarness(t)
	if err := h.gate.Grant(); err != nil {
		t.Fatalf("Grant failed: %v", err)
	}

	h.pushUntil(t, position.Fix{Latitude: 18.52, Longitude: 73.85}, func() bool {
		return len(h.snapshot(t)) == 1
	})

	snap := h.snapshot(t)
	rec := snap[0].Location
	if rec.UserID != "self" {
		t.Errorf("Expected user self, got %s", rec.UserID)
	}
	if rec.Latitude != 18.52 || rec.Longitude != 73.85 {
		t.Errorf("Unexpected coordinates: %+v", rec)
	}
	if rec.CityName() != "Pune" {
		t.Errorf("Expected geocoded city Pune, got %q", rec.CityName())
	}
	if rec.Seq == 0 {
		t.Error("Expected non-zero sequence number")
	}
}

func TestPublisher_RevokeStopsWrites(t *testing.T) {
	h := newHarness(t)
	if err := h.gate.Grant(); err != nil {
		t.Fatalf("Grant failed: %v", err)
	}

	h.pushUntil(t, position.Fix{Latitude: 1, Longitude: 2}, func() bool {
		return len(h.snapshot(t)) == 1
	})

	if err := h.gate.Revoke(); err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}
	// Allow the publisher to observe the revoke and cancel its watch.
	time.Sleep(100 * time.Millisecond)

	seqBefore := h.pub.Seq()
	for i := 0; i < 10; i++ {
		h.source.Push(position.Fix{Latitude: 50, Longitude: 60})
		time.Sleep(10 * time.Millisecond)
	}

	if h.pub.Seq() != seqBefore {
		t.Error("Publisher issued sequence numbers after revoke")
	}
	snap := h.snapshot(t)
	if snap[0].Location.Latitude == 50 {
		t.Error("Write landed after revoke")
	}
}

func TestPublisher_RegrantResumes(t *testing.T) {
	h := newHarness(t)
	if err := h.gate.Grant(); err != nil {
		t.Fatalf("Grant failed: %v", err)
	}
	h.pushUntil(t, position.Fix{Latitude: 1, Longitude: 2}, func() bool {
		return len(h.snapshot(t)) == 1
	})

	if err := h.gate.Revoke(); err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if err := h.gate.Grant(); err != nil {
		t.Fatalf("Re-grant failed: %v", err)
	}

	h.pushUntil(t, position.Fix{Latitude: 3, Longitude: 4}, func() bool {
		snap := h.snapshot(t)
		return len(snap) == 1 && snap[0].Location.Latitude == 3
	})
}

// settleSeq waits until the publisher's sequence counter stops moving,
// so fixes queued by a previous pushUntil cannot bump it mid-assertion.
func (h *harness) settleSeq(t *testing.T) uint64 {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		seq := h.pub.Seq()
		time.Sleep(50 * time.Millisecond)
		if h.pub.Seq() == seq {
			return seq
		}
	}
	t.Fatal("Sequence counter did not settle")
	return 0
}

func TestPublisher_InvalidFixDropped(t *testing.T) {
	h := newHarness(t)
	if err := h.gate.Grant(); err != nil {
		t.Fatalf("Grant failed: %v", err)
	}

	// Establish the watch with a valid fix first.
	h.pushUntil(t, position.Fix{Latitude: 1, Longitude: 2}, func() bool {
		return len(h.snapshot(t)) == 1
	})
	seqBefore := h.settleSeq(t)

	for i := 0; i < 5; i++ {
		h.source.Push(position.Fix{Latitude: 91, Longitude: 0})
		time.Sleep(10 * time.Millisecond)
	}

	if h.pub.Seq() != seqBefore {
		t.Error("Invalid fix consumed a sequence number")
	}
	if snap := h.snapshot(t); snap[0].Location.Latitude != 1 {
		t.Error("Invalid fix reached the store")
	}
}

func TestPublisher_GeocodeFailureKeepsLastCity(t *testing.T) {
	h := newHarness(t)
	if err := h.gate.Grant(); err != nil {
		t.Fatalf("Grant failed: %v", err)
	}

	h.pushUntil(t, position.Fix{Latitude: 18.52, Longitude: 73.85}, func() bool {
		snap := h.snapshot(t)
		return len(snap) == 1 && snap[0].Location.CityName() == "Pune"
	})

	h.geo.failing.Store(true)
	h.pushUntil(t, position.Fix{Latitude: 19.07, Longitude: 72.87}, func() bool {
		snap := h.snapshot(t)
		return len(snap) == 1 && snap[0].Location.Latitude == 19.07
	})

	if city := h.snapshot(t)[0].Location.CityName(); city != "Pune" {
		t.Errorf("Expected last known city Pune after geocode failure, got %q", city)
	}
}

func TestPublisher_SequenceStrictlyIncreases(t *testing.T) {
	h := newHarness(t)
	if err := h.gate.Grant(); err != nil {
		t.Fatalf("Grant failed: %v", err)
	}

	var lastSeq uint64
	for i := 1; i <= 5; i++ {
		lat := float64(i)
		h.pushUntil(t, position.Fix{Latitude: lat, Longitude: 0}, func() bool {
			snap := h.snapshot(t)
			return len(snap) == 1 && snap[0].Location.Latitude == lat
		})
		seq := h.snapshot(t)[0].Location.Seq
		if seq <= lastSeq {
			t.Fatalf("Sequence did not increase: %d after %d", seq, lastSeq)
		}
		lastSeq = seq
	}
}

func TestPublisher_ResumesStoredSequence(t *testing.T) {
	h := newHarness(t)

	// A previous session left a row with a high seq behind.
	res, err := h.store.UpsertLocation(context.Background(), models.LocationRecord{
		UserID:    "self",
		Latitude:  10,
		Longitude: 20,
		UpdatedAt: time.Now().UTC(),
		Seq:       100,
	})
	if err != nil || res != store.ResultInserted {
		t.Fatalf("Seeding store failed: %v (%s)", err, res)
	}

	if err := h.gate.Grant(); err != nil {
		t.Fatalf("Grant failed: %v", err)
	}

	// The new session's writes must land despite the counter restart.
	h.pushUntil(t, position.Fix{Latitude: 33, Longitude: 44}, func() bool {
		snap := h.snapshot(t)
		return len(snap) == 1 && snap[0].Location.Latitude == 33
	})

	if seq := h.snapshot(t)[0].Location.Seq; seq <= 100 {
		t.Errorf("Expected seq above the stored 100, got %d", seq)
	}
}
