// Presenced - Live Presence Synchronization Engine
// Copyright 2026 S. Mehta (satmap)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/satmap/presenced

package reconcile

import (
	"context"
	"errors"
	"io"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/satmap/presenced/internal/logging"
	"github.com/satmap/presenced/internal/models"
)

//nolint:gochecknoinits // init ensures consistent logging for tests
func init() {
	logging.Init(logging.Config{Level: "info", Output: io.Discard})
}

// fakeStore serves canned snapshots and profiles.
type fakeStore struct {
	mu           sync.Mutex
	snapshot     []models.PresenceEntry
	failuresLeft int
	snapCalls    atomic.Int64
	profiles     map[string]models.Profile
	profileCalls atomic.Int64
}

func (s *fakeStore) Snapshot(context.Context) ([]models.PresenceEntry, error) {
	s.snapCalls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failuresLeft > 0 {
		s.failuresLeft--
		return nil, errors.New("store unavailable")
	}
	out := make([]models.PresenceEntry, len(s.snapshot))
	copy(out, s.snapshot)
	return out, nil
}

func (s *fakeStore) GetProfile(_ context.Context, userID string) (models.Profile, error) {
	s.profileCalls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[userID]
	if !ok {
		return models.Profile{}, errors.New("no profile")
	}
	return p, nil
}

func (s *fakeStore) setSnapshot(entries []models.PresenceEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot = entries
}

// captureSink records applied diffs.
type captureSink struct {
	mu    sync.Mutex
	diffs []Diff
}

func (c *captureSink) Apply(d Diff) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.diffs = append(c.diffs, d)
}

func (c *captureSink) all() []Diff {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Diff, len(c.diffs))
	copy(out, c.diffs)
	return out
}

func entry(userID string, lat float64, seq uint64, name string) models.PresenceEntry {
	return models.PresenceEntry{
		Location: models.LocationRecord{
			UserID:    userID,
			Latitude:  lat,
			Longitude: 10,
			UpdatedAt: time.Unix(1700000000, 0).UTC(),
			Seq:       seq,
		},
		Profile: models.Profile{Name: name},
	}
}

func upsertEvent(op models.ChangeOp, ent models.PresenceEntry) models.ChangeEvent {
	ev := models.NewChangeEvent(op, ent.Location.UserID, &ent.Location)
	ev.Profile = ent.Profile
	return *ev
}

type harness struct {
	store  *fakeStore
	events chan models.ChangeEvent
	drops  chan struct{}
	sink   *captureSink
	engine *Engine
}

func newHarness(t *testing.T, initial []models.PresenceEntry) *harness {
	t.Helper()
	h := &harness{
		store:  &fakeStore{snapshot: initial, profiles: make(map[string]models.Profile)},
		events: make(chan models.ChangeEvent, 16),
		drops:  make(chan struct{}, 1),
		sink:   &captureSink{},
	}
	h.engine = New(Config{
		SnapshotInitialWait: 10 * time.Millisecond,
		SnapshotMaxWait:     50 * time.Millisecond,
		ProfileTimeout:      100 * time.Millisecond,
	}, h.store, h.events, h.drops, h.sink)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.engine.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("Engine did not stop")
		}
	})
	return h
}

func (h *harness) waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("Condition not reached")
}

func TestEngine_StartupSnapshot(t *testing.T) {
	h := newHarness(t, []models.PresenceEntry{
		entry("alice", 1, 1, "Alice"),
		entry("bob", 2, 1, "Bob"),
	})

	h.waitFor(t, func() bool { return h.engine.Size() == 2 })

	entries := h.engine.Entries()
	if entries[0].Location.UserID != "alice" || entries[1].Location.UserID != "bob" {
		t.Errorf("Expected ordered entries, got %+v", entries)
	}

	diffs := h.sink.all()
	if len(diffs) != 1 || len(diffs[0].Added) != 2 {
		t.Fatalf("Expected one diff with 2 additions, got %+v", diffs)
	}
}

func TestEngine_UpdateMovesWithoutRemoval(t *testing.T) {
	h := newHarness(t, []models.PresenceEntry{entry("alice", 1, 1, "Alice")})
	h.waitFor(t, func() bool { return h.engine.Size() == 1 })

	h.events <- upsertEvent(models.OpUpdate, entry("alice", 5, 2, "Alice"))
	h.waitFor(t, func() bool {
		e, ok := h.engine.Get("alice")
		return ok && e.Location.Latitude == 5
	})

	for _, d := range h.sink.all() {
		if len(d.Removed) != 0 {
			t.Errorf("Update produced a removal: %+v", d)
		}
	}
}

func TestEngine_DuplicateEventIsNoop(t *testing.T) {
	h := newHarness(t, nil)
	h.waitFor(t, func() bool { return h.store.snapCalls.Load() >= 1 })

	ev := upsertEvent(models.OpInsert, entry("carol", 3, 1, "Carol"))
	h.events <- ev
	h.waitFor(t, func() bool { return h.engine.Size() == 1 })
	before := len(h.sink.all())

	h.events <- ev
	// Give the duplicate time to be processed.
	time.Sleep(100 * time.Millisecond)

	if got := len(h.sink.all()); got != before {
		t.Errorf("Duplicate event produced a diff: %d -> %d", before, got)
	}
}

func TestEngine_StaleSeqIgnored(t *testing.T) {
	h := newHarness(t, []models.PresenceEntry{entry("dan", 7, 5, "Dan")})
	h.waitFor(t, func() bool { return h.engine.Size() == 1 })

	h.events <- upsertEvent(models.OpUpdate, entry("dan", 1, 4, "Dan"))
	time.Sleep(100 * time.Millisecond)

	if e, _ := h.engine.Get("dan"); e.Location.Latitude != 7 {
		t.Errorf("Stale event applied: %+v", e)
	}
}

func TestEngine_DeleteRemoves(t *testing.T) {
	h := newHarness(t, []models.PresenceEntry{entry("eve", 1, 1, "Eve")})
	h.waitFor(t, func() bool { return h.engine.Size() == 1 })

	h.events <- *models.NewChangeEvent(models.OpDelete, "eve", nil)
	h.waitFor(t, func() bool { return h.engine.Size() == 0 })

	diffs := h.sink.all()
	last := diffs[len(diffs)-1]
	if len(last.Removed) != 1 || last.Removed[0] != "eve" {
		t.Errorf("Expected removal diff for eve, got %+v", last)
	}

	// Deleting an absent user emits nothing.
	before := len(h.sink.all())
	h.events <- *models.NewChangeEvent(models.OpDelete, "eve", nil)
	time.Sleep(100 * time.Millisecond)
	if got := len(h.sink.all()); got != before {
		t.Error("Delete of absent user produced a diff")
	}
}

func TestEngine_InvalidCoordinatesFiltered(t *testing.T) {
	h := newHarness(t, nil)
	h.waitFor(t, func() bool { return h.store.snapCalls.Load() >= 1 })

	bad := entry("mallory", 91, 1, "Mallory")
	h.events <- upsertEvent(models.OpInsert, bad)
	time.Sleep(100 * time.Millisecond)

	if h.engine.Size() != 0 {
		t.Error("Event with invalid coordinates entered the presence set")
	}
}

func TestEngine_SnapshotFiltersInvalidCoordinates(t *testing.T) {
	h := newHarness(t, []models.PresenceEntry{
		entry("alice", 1, 1, "Alice"),
		entry("mallory", math.NaN(), 1, "Mallory"),
		entry("trent", 91, 1, "Trent"),
	})

	h.waitFor(t, func() bool { return h.store.snapCalls.Load() >= 1 })
	h.waitFor(t, func() bool { return h.engine.Size() == 1 })

	if _, ok := h.engine.Get("mallory"); ok {
		t.Error("Snapshot entry with NaN coordinates entered the presence set")
	}
	if _, ok := h.engine.Get("trent"); ok {
		t.Error("Snapshot entry with out-of-range latitude entered the presence set")
	}
	for _, d := range h.sink.all() {
		for _, added := range d.Added {
			if added.Location.UserID != "alice" {
				t.Errorf("Invalid snapshot entry reached the sink: %+v", added)
			}
		}
	}
}

func TestEngine_ProfileResolution(t *testing.T) {
	h := newHarness(t, nil)
	h.waitFor(t, func() bool { return h.store.snapCalls.Load() >= 1 })
	h.store.mu.Lock()
	h.store.profiles["frank"] = models.Profile{Name: "Frank", LessonNumber: "Lesson 2"}
	h.store.mu.Unlock()

	// Event arrives without a profile; the engine looks it up.
	ev := upsertEvent(models.OpInsert, models.PresenceEntry{Location: entry("frank", 1, 1, "").Location})
	h.events <- ev
	h.waitFor(t, func() bool {
		e, ok := h.engine.Get("frank")
		return ok && e.Profile.Name == "Frank"
	})

	// A later profile-less event reuses the known profile, no new lookup.
	calls := h.store.profileCalls.Load()
	ev2 := upsertEvent(models.OpUpdate, models.PresenceEntry{Location: entry("frank", 2, 2, "").Location})
	h.events <- ev2
	h.waitFor(t, func() bool {
		e, _ := h.engine.Get("frank")
		return e.Location.Latitude == 2
	})
	if h.store.profileCalls.Load() != calls {
		t.Error("Expected cached profile reuse, got another lookup")
	}
	if e, _ := h.engine.Get("frank"); e.Profile.Name != "Frank" {
		t.Errorf("Profile lost on update: %+v", e.Profile)
	}
}

func TestEngine_DropTriggersResnapshot(t *testing.T) {
	h := newHarness(t, []models.PresenceEntry{entry("alice", 1, 1, "Alice")})
	h.waitFor(t, func() bool { return h.engine.Size() == 1 })

	h.store.setSnapshot([]models.PresenceEntry{
		entry("alice", 9, 2, "Alice"),
		entry("gina", 3, 1, "Gina"),
	})
	h.drops <- struct{}{}

	h.waitFor(t, func() bool { return h.engine.Size() == 2 })
	if e, _ := h.engine.Get("alice"); e.Location.Latitude != 9 {
		t.Errorf("Snapshot update not applied: %+v", e)
	}
}

func TestEngine_SnapshotFailureKeepsLastGood(t *testing.T) {
	h := newHarness(t, []models.PresenceEntry{entry("alice", 1, 1, "Alice")})
	h.waitFor(t, func() bool { return h.engine.Size() == 1 })

	h.store.mu.Lock()
	h.store.failuresLeft = 2
	h.store.snapshot = []models.PresenceEntry{entry("bob", 2, 1, "Bob")}
	h.store.mu.Unlock()
	calls := h.store.snapCalls.Load()
	h.drops <- struct{}{}

	// While retries are failing, the old state must stay visible.
	h.waitFor(t, func() bool { return h.store.snapCalls.Load() > calls })
	if _, ok := h.engine.Get("alice"); !ok {
		t.Error("Presence set cleared during failed resnapshot")
	}

	// Backoff eventually lands the new snapshot.
	h.waitFor(t, func() bool {
		_, ok := h.engine.Get("bob")
		return ok && h.engine.Size() == 1
	})
}

func TestEngine_SnapshotRemovesDeparted(t *testing.T) {
	h := newHarness(t, []models.PresenceEntry{
		entry("alice", 1, 1, "Alice"),
		entry("bob", 2, 1, "Bob"),
	})
	h.waitFor(t, func() bool { return h.engine.Size() == 2 })

	h.store.setSnapshot([]models.PresenceEntry{entry("alice", 1, 1, "Alice")})
	h.drops <- struct{}{}

	h.waitFor(t, func() bool { return h.engine.Size() == 1 })
	diffs := h.sink.all()
	last := diffs[len(diffs)-1]
	if len(last.Removed) != 1 || last.Removed[0] != "bob" {
		t.Errorf("Expected bob removed, got %+v", last)
	}
	// Alice was unchanged; the diff must not touch her.
	if len(last.Added) != 0 || len(last.Updated) != 0 {
		t.Errorf("Unchanged entry appeared in diff: %+v", last)
	}
}

func TestEngine_SnapshotDoesNotRegressNewerLocal(t *testing.T) {
	h := newHarness(t, []models.PresenceEntry{entry("alice", 1, 1, "Alice")})
	h.waitFor(t, func() bool { return h.engine.Size() == 1 })

	// Event runs ahead of what the next snapshot will report.
	h.events <- upsertEvent(models.OpUpdate, entry("alice", 8, 9, "Alice"))
	h.waitFor(t, func() bool {
		e, _ := h.engine.Get("alice")
		return e.Location.Seq == 9
	})

	h.store.setSnapshot([]models.PresenceEntry{entry("alice", 1, 3, "Alice")})
	h.drops <- struct{}{}
	h.waitFor(t, func() bool { return h.store.snapCalls.Load() >= 2 })
	time.Sleep(50 * time.Millisecond)

	if e, _ := h.engine.Get("alice"); e.Location.Seq != 9 {
		t.Errorf("Snapshot regressed a newer local entry: %+v", e.Location)
	}
}
