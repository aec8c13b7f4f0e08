// Presenced - Live Presence Synchronization Engine
// Copyright 2026 S. Mehta (satmap)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/satmap/presenced

// Package reconcile maintains the local presence set: one authoritative
// snapshot merged with an unordered stream of change events. All
// mutations happen on the engine's serve goroutine, so consumers see a
// sequence of consistent states and never a half-applied change. The
// engine emits the difference between consecutive states, which is what
// keeps downstream markers from flickering: an unchanged entry produces
// no diff at all.
package reconcile

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/satmap/presenced/internal/logging"
	"github.com/satmap/presenced/internal/metrics"
	"github.com/satmap/presenced/internal/models"
)

// Diff is the minimal change between two presence states.
type Diff struct {
	Added   []models.PresenceEntry
	Updated []models.PresenceEntry
	Removed []string
}

// Empty reports whether the diff changes nothing.
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Updated) == 0 && len(d.Removed) == 0
}

// DiffSink consumes presence diffs. Apply is always called from the
// engine's serve goroutine, one diff at a time.
type DiffSink interface {
	Apply(diff Diff)
}

// DiffSinkFunc adapts a function to DiffSink.
type DiffSinkFunc func(diff Diff)

// Apply implements DiffSink.
func (f DiffSinkFunc) Apply(diff Diff) { f(diff) }

// Snapshotter is the slice of the store the engine reads from.
type Snapshotter interface {
	Snapshot(ctx context.Context) ([]models.PresenceEntry, error)
	GetProfile(ctx context.Context, userID string) (models.Profile, error)
}

// Config holds engine settings.
type Config struct {
	// SnapshotInitialWait is the first retry delay after a failed
	// snapshot. Default: 500ms
	SnapshotInitialWait time.Duration

	// SnapshotMaxWait caps the retry delay. Default: 30s
	SnapshotMaxWait time.Duration

	// ProfileTimeout bounds the profile lookup for an event that arrived
	// without one. Default: 2s
	ProfileTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.SnapshotInitialWait <= 0 {
		c.SnapshotInitialWait = 500 * time.Millisecond
	}
	if c.SnapshotMaxWait <= 0 {
		c.SnapshotMaxWait = 30 * time.Second
	}
	if c.ProfileTimeout <= 0 {
		c.ProfileTimeout = 2 * time.Second
	}
}

// Engine reconciles snapshots and change events into the presence set.
type Engine struct {
	cfg    Config
	store  Snapshotter
	events <-chan models.ChangeEvent
	drops  <-chan struct{}
	sink   DiffSink

	mu  sync.RWMutex
	set map[string]models.PresenceEntry
}

// New creates an engine. sink may be nil when no consumer wants diffs.
func New(cfg Config, store Snapshotter, events <-chan models.ChangeEvent, drops <-chan struct{}, sink DiffSink) *Engine {
	cfg.applyDefaults()
	if sink == nil {
		sink = DiffSinkFunc(func(Diff) {})
	}
	return &Engine{
		cfg:    cfg,
		store:  store,
		events: events,
		drops:  drops,
		sink:   sink,
		set:    make(map[string]models.PresenceEntry),
	}
}

// Entries returns the current presence set ordered by user ID. Safe to
// call from any goroutine.
func (e *Engine) Entries() []models.PresenceEntry {
	e.mu.RLock()
	out := make([]models.PresenceEntry, 0, len(e.set))
	for _, entry := range e.set {
		out = append(out, entry)
	}
	e.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Location.UserID < out[j].Location.UserID
	})
	return out
}

// Get returns the entry for a user, if present.
func (e *Engine) Get(userID string) (models.PresenceEntry, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	entry, ok := e.set[userID]
	return entry, ok
}

// Size returns the current presence set size.
func (e *Engine) Size() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.set)
}

// Serve implements suture.Service. It loads the initial snapshot, then
// applies events and drop-triggered resnapshots until ctx is cancelled.
func (e *Engine) Serve(ctx context.Context) error {
	if err := e.resnapshot(ctx, "startup"); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-e.events:
			if !ok {
				return nil
			}
			e.applyEvent(ctx, event)
		case <-e.drops:
			if err := e.resnapshot(ctx, "drop"); err != nil {
				return err
			}
		}
	}
}

// resnapshot replaces the presence set with a fresh snapshot, retrying
// with exponential backoff until it succeeds or ctx ends. The last good
// state stays visible throughout; a failing store degrades freshness,
// never presence.
func (e *Engine) resnapshot(ctx context.Context, trigger string) error {
	metrics.RecordResnapshot(trigger)
	logging.Info().Str("trigger", trigger).Msg("resnapshotting presence set")

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = e.cfg.SnapshotInitialWait
	policy.MaxInterval = e.cfg.SnapshotMaxWait
	policy.MaxElapsedTime = 0 // retry until cancelled

	var entries []models.PresenceEntry
	err := backoff.Retry(func() error {
		var err error
		entries, err = e.store.Snapshot(ctx)
		if err != nil {
			logging.Err(err).Str("trigger", trigger).Msg("snapshot failed, will retry")
		}
		return err
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		return err
	}

	e.applySnapshot(entries)
	return nil
}

// applySnapshot diffs the snapshot against the current set and applies
// the difference. An entry whose stored seq is older than what the local
// set already holds is kept at the local version: events can legitimately
// run ahead of a snapshot read.
func (e *Engine) applySnapshot(entries []models.PresenceEntry) {
	next := make(map[string]models.PresenceEntry, len(entries))
	var diff Diff

	e.mu.Lock()
	for _, entry := range entries {
		if !entry.Location.ValidCoordinates() {
			metrics.ReconcileEvents.WithLabelValues("snapshot", "filtered").Inc()
			logging.Warn().
				Str("user_id", entry.Location.UserID).
				Float64("lat", entry.Location.Latitude).
				Float64("lon", entry.Location.Longitude).
				Msg("filtering snapshot entry with invalid coordinates")
			continue
		}
		userID := entry.Location.UserID
		cur, exists := e.set[userID]
		switch {
		case !exists:
			next[userID] = entry
			diff.Added = append(diff.Added, entry)
		case cur.Location.Seq > entry.Location.Seq:
			next[userID] = cur
		case entry.Equal(cur):
			next[userID] = cur
		default:
			next[userID] = entry
			diff.Updated = append(diff.Updated, entry)
		}
	}
	for userID := range e.set {
		if _, ok := next[userID]; !ok {
			diff.Removed = append(diff.Removed, userID)
		}
	}
	e.set = next
	size := len(next)
	e.mu.Unlock()

	metrics.PresenceSetSize.Set(float64(size))
	sort.Strings(diff.Removed)
	if !diff.Empty() {
		e.sink.Apply(diff)
	}
	logging.Info().
		Int("entries", size).
		Int("added", len(diff.Added)).
		Int("updated", len(diff.Updated)).
		Int("removed", len(diff.Removed)).
		Msg("snapshot applied")
}

func (e *Engine) applyEvent(ctx context.Context, event models.ChangeEvent) {
	op := string(event.Op)
	if err := event.Validate(); err != nil {
		metrics.ReconcileEvents.WithLabelValues(op, "filtered").Inc()
		logging.Warn().Err(err).Str("event_id", event.EventID).Msg("dropping invalid change event")
		return
	}

	switch event.Op {
	case models.OpDelete:
		e.applyDelete(event)
	case models.OpInsert, models.OpUpdate:
		e.applyUpsert(ctx, event)
	}
}

func (e *Engine) applyDelete(event models.ChangeEvent) {
	e.mu.Lock()
	_, exists := e.set[event.UserID]
	delete(e.set, event.UserID)
	size := len(e.set)
	e.mu.Unlock()

	if !exists {
		metrics.ReconcileEvents.WithLabelValues("delete", "noop").Inc()
		return
	}
	metrics.ReconcileEvents.WithLabelValues("delete", "applied").Inc()
	metrics.PresenceSetSize.Set(float64(size))
	e.sink.Apply(Diff{Removed: []string{event.UserID}})
}

func (e *Engine) applyUpsert(ctx context.Context, event models.ChangeEvent) {
	op := string(event.Op)
	rec := *event.Record
	if !rec.ValidCoordinates() {
		metrics.ReconcileEvents.WithLabelValues(op, "filtered").Inc()
		logging.Warn().
			Str("user_id", rec.UserID).
			Float64("lat", rec.Latitude).
			Float64("lon", rec.Longitude).
			Msg("filtering event with invalid coordinates")
		return
	}

	e.mu.RLock()
	cur, exists := e.set[rec.UserID]
	e.mu.RUnlock()

	// Unordered delivery: an event older than what we already show is a
	// duplicate or a stray; applying it would make the marker jump back.
	if exists && rec.Seq <= cur.Location.Seq {
		metrics.ReconcileEvents.WithLabelValues(op, "noop").Inc()
		return
	}

	entry := models.PresenceEntry{Location: rec, Profile: event.Profile}
	if entry.Profile.IsZero() {
		entry.Profile = e.resolveProfile(ctx, rec.UserID, cur, exists)
	}

	if exists && entry.Equal(cur) {
		metrics.ReconcileEvents.WithLabelValues(op, "noop").Inc()
		return
	}

	e.mu.Lock()
	e.set[rec.UserID] = entry
	size := len(e.set)
	e.mu.Unlock()

	metrics.ReconcileEvents.WithLabelValues(op, "applied").Inc()
	metrics.PresenceSetSize.Set(float64(size))

	if exists {
		e.sink.Apply(Diff{Updated: []models.PresenceEntry{entry}})
	} else {
		e.sink.Apply(Diff{Added: []models.PresenceEntry{entry}})
	}
}

// resolveProfile finds a profile for an event that carried none: the
// already-known one if we have it, otherwise a bounded store lookup. A
// missing profile is not an error; the entry renders with fallbacks.
func (e *Engine) resolveProfile(ctx context.Context, userID string, cur models.PresenceEntry, known bool) models.Profile {
	if known && !cur.Profile.IsZero() {
		return cur.Profile
	}

	lookupCtx, cancel := context.WithTimeout(ctx, e.cfg.ProfileTimeout)
	defer cancel()

	profile, err := e.store.GetProfile(lookupCtx, userID)
	if err != nil {
		logging.Debug().Err(err).Str("user_id", userID).Msg("profile lookup failed")
		return models.Profile{}
	}
	return profile
}
