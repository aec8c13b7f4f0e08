// Presenced - Live Presence Synchronization Engine
// Copyright 2026 S. Mehta (satmap)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/satmap/presenced

// Package store persists the shared locations table and emits a change
// event for every committed mutation. The sequence guard lives here: an
// upsert carrying a seq at or below the stored row's seq is dropped
// without touching the row or the feed, so delayed writes can never
// regress a position.
package store

import (
	"context"
	"errors"

	"github.com/satmap/presenced/internal/models"
)

// UpsertResult describes what an upsert did to the stored row.
type UpsertResult string

const (
	// ResultInserted means the user had no row and one was created.
	ResultInserted UpsertResult = "inserted"
	// ResultUpdated means an existing row was replaced by a newer write.
	ResultUpdated UpsertResult = "updated"
	// ResultStale means the write carried a seq not greater than the
	// stored one and was discarded.
	ResultStale UpsertResult = "stale"
)

// ErrNotFound is returned when a keyed lookup matches no row.
var ErrNotFound = errors.New("store: not found")

// ChangePublisher receives a change event after each committed mutation.
// The store never publishes for stale-dropped writes.
type ChangePublisher interface {
	PublishChange(ctx context.Context, event models.ChangeEvent) error
}

// Store is the persistence interface shared by the Postgres and in-memory
// backends.
type Store interface {
	// UpsertLocation writes rec keyed on rec.UserID, guarded by seq.
	UpsertLocation(ctx context.Context, rec models.LocationRecord) (UpsertResult, error)

	// GetLocation returns the stored row for a user, or ErrNotFound.
	GetLocation(ctx context.Context, userID string) (models.LocationRecord, error)

	// DeleteLocation removes the user's row. Deleting a missing row is not
	// an error and publishes nothing.
	DeleteLocation(ctx context.Context, userID string) error

	// Snapshot returns the complete authoritative presence state with
	// profiles joined in, ordered by user ID.
	Snapshot(ctx context.Context) ([]models.PresenceEntry, error)

	// GetProfile returns the profile for a user, or ErrNotFound.
	GetProfile(ctx context.Context, userID string) (models.Profile, error)

	// Close releases the backend's resources.
	Close()
}

// NopPublisher discards change events. Used when a store is consulted
// read-only or in tests that do not exercise the feed.
type NopPublisher struct{}

// PublishChange implements ChangePublisher.
func (NopPublisher) PublishChange(context.Context, models.ChangeEvent) error { return nil }
