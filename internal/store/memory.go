// Presenced - Live Presence Synchronization Engine
// Copyright 2026 S. Mehta (satmap)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/satmap/presenced

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/satmap/presenced/internal/logging"
	"github.com/satmap/presenced/internal/metrics"
	"github.com/satmap/presenced/internal/models"
)

// MemStore is an in-memory Store with the same sequence-guard semantics
// as PGStore. It backs standalone deployments without Postgres and keeps
// pipeline tests free of external services.
type MemStore struct {
	mu        sync.RWMutex
	locations map[string]models.LocationRecord
	profiles  map[string]models.Profile
	publisher ChangePublisher
}

// NewMemStore creates an empty store publishing mutations to publisher.
func NewMemStore(publisher ChangePublisher) *MemStore {
	if publisher == nil {
		publisher = NopPublisher{}
	}
	return &MemStore{
		locations: make(map[string]models.LocationRecord),
		profiles:  make(map[string]models.Profile),
		publisher: publisher,
	}
}

// UpsertLocation implements Store.
func (s *MemStore) UpsertLocation(ctx context.Context, rec models.LocationRecord) (UpsertResult, error) {
	if !rec.ValidCoordinates() {
		metrics.RecordUpsert("error")
		return "", fmt.Errorf("store: invalid coordinates %f,%f", rec.Latitude, rec.Longitude)
	}

	s.mu.Lock()
	prev, exists := s.locations[rec.UserID]
	if exists && rec.Seq <= prev.Seq {
		s.mu.Unlock()
		metrics.RecordUpsert("stale")
		logging.Debug().Str("user_id", rec.UserID).Uint64("seq", rec.Seq).Msg("stale upsert dropped")
		return ResultStale, nil
	}
	s.locations[rec.UserID] = rec
	s.mu.Unlock()

	result := ResultUpdated
	op := models.OpUpdate
	if !exists {
		result = ResultInserted
		op = models.OpInsert
	}
	metrics.RecordUpsert(string(result))

	event := models.NewChangeEvent(op, rec.UserID, &rec)
	if err := s.publisher.PublishChange(ctx, *event); err != nil {
		logging.Err(err).Str("user_id", rec.UserID).Msg("failed to publish change event")
	}
	return result, nil
}

// DeleteLocation implements Store.
func (s *MemStore) DeleteLocation(ctx context.Context, userID string) error {
	s.mu.Lock()
	_, exists := s.locations[userID]
	delete(s.locations, userID)
	s.mu.Unlock()

	if !exists {
		metrics.StoreDeletes.WithLabelValues("missing").Inc()
		return nil
	}
	metrics.StoreDeletes.WithLabelValues("deleted").Inc()

	event := models.NewChangeEvent(models.OpDelete, userID, nil)
	if err := s.publisher.PublishChange(ctx, *event); err != nil {
		logging.Err(err).Str("user_id", userID).Msg("failed to publish delete event")
	}
	return nil
}

// GetLocation implements Store.
func (s *MemStore) GetLocation(_ context.Context, userID string) (models.LocationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.locations[userID]
	if !ok {
		return models.LocationRecord{}, ErrNotFound
	}
	return rec, nil
}

// Snapshot implements Store.
func (s *MemStore) Snapshot(_ context.Context) ([]models.PresenceEntry, error) {
	start := time.Now()

	s.mu.RLock()
	entries := make([]models.PresenceEntry, 0, len(s.locations))
	for userID, rec := range s.locations {
		entries = append(entries, models.PresenceEntry{
			Location: rec,
			Profile:  s.profiles[userID],
		})
	}
	s.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Location.UserID < entries[j].Location.UserID
	})

	metrics.RecordSnapshot(time.Since(start), len(entries))
	return entries, nil
}

// GetProfile implements Store.
func (s *MemStore) GetProfile(_ context.Context, userID string) (models.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[userID]
	if !ok {
		return models.Profile{}, ErrNotFound
	}
	return p, nil
}

// UpsertProfile writes a profile row.
func (s *MemStore) UpsertProfile(_ context.Context, userID string, p models.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[userID] = p
	return nil
}

// Close implements Store.
func (s *MemStore) Close() {}
