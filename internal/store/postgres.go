// Presenced - Live Presence Synchronization Engine
// Copyright 2026 S. Mehta (satmap)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/satmap/presenced

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/satmap/presenced/internal/logging"
	"github.com/satmap/presenced/internal/metrics"
	"github.com/satmap/presenced/internal/models"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS profiles (
    user_id       TEXT PRIMARY KEY,
    name          TEXT NOT NULL DEFAULT '',
    lesson_number TEXT NOT NULL DEFAULT '',
    avatar_url    TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS locations (
    user_id    TEXT PRIMARY KEY,
    latitude   DOUBLE PRECISION NOT NULL,
    longitude  DOUBLE PRECISION NOT NULL,
    city       TEXT,
    updated_at TIMESTAMPTZ NOT NULL,
    seq        BIGINT NOT NULL DEFAULT 0
);
`

// The WHERE clause on the conflict action is the stale-write guard: when
// the incoming seq does not exceed the stored one, the UPDATE matches no
// row, RETURNING yields nothing, and the caller sees ResultStale.
const upsertSQL = `
INSERT INTO locations (user_id, latitude, longitude, city, updated_at, seq)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (user_id) DO UPDATE SET
    latitude   = excluded.latitude,
    longitude  = excluded.longitude,
    city       = excluded.city,
    updated_at = excluded.updated_at,
    seq        = excluded.seq
WHERE excluded.seq > locations.seq
RETURNING (xmax = 0) AS inserted
`

const snapshotSQL = `
SELECT l.user_id, l.latitude, l.longitude, l.city, l.updated_at, l.seq,
       COALESCE(p.name, ''), COALESCE(p.lesson_number, ''), COALESCE(p.avatar_url, '')
FROM locations l
LEFT JOIN profiles p ON p.user_id = l.user_id
ORDER BY l.user_id
`

// PGStore is the Postgres-backed Store.
type PGStore struct {
	pool      *pgxpool.Pool
	publisher ChangePublisher
}

// NewPGStore connects to Postgres, ensures the schema, and returns a
// store that publishes committed mutations to publisher.
func NewPGStore(ctx context.Context, dsn string, publisher ChangePublisher) (*PGStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ensure schema: %w", err)
	}
	if publisher == nil {
		publisher = NopPublisher{}
	}

	logging.Info().Msg("connected to postgres")
	return &PGStore{pool: pool, publisher: publisher}, nil
}

// UpsertLocation implements Store.
func (s *PGStore) UpsertLocation(ctx context.Context, rec models.LocationRecord) (UpsertResult, error) {
	if !rec.ValidCoordinates() {
		metrics.RecordUpsert("error")
		return "", fmt.Errorf("store: invalid coordinates %f,%f", rec.Latitude, rec.Longitude)
	}

	var inserted bool
	err := s.pool.QueryRow(ctx, upsertSQL,
		rec.UserID, rec.Latitude, rec.Longitude, rec.City, rec.UpdatedAt, rec.Seq,
	).Scan(&inserted)
	if errors.Is(err, pgx.ErrNoRows) {
		metrics.RecordUpsert("stale")
		logging.Debug().Str("user_id", rec.UserID).Uint64("seq", rec.Seq).Msg("stale upsert dropped")
		return ResultStale, nil
	}
	if err != nil {
		metrics.RecordUpsert("error")
		return "", fmt.Errorf("store: upsert %s: %w", rec.UserID, err)
	}

	result := ResultUpdated
	op := models.OpUpdate
	if inserted {
		result = ResultInserted
		op = models.OpInsert
	}
	metrics.RecordUpsert(string(result))

	event := models.NewChangeEvent(op, rec.UserID, &rec)
	if err := s.publisher.PublishChange(ctx, *event); err != nil {
		// The row is committed; a lost event is recovered by the next
		// resnapshot. Log and move on.
		logging.Err(err).Str("user_id", rec.UserID).Msg("failed to publish change event")
	}
	return result, nil
}

// DeleteLocation implements Store.
func (s *PGStore) DeleteLocation(ctx context.Context, userID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM locations WHERE user_id = $1`, userID)
	if err != nil {
		metrics.StoreDeletes.WithLabelValues("error").Inc()
		return fmt.Errorf("store: delete %s: %w", userID, err)
	}
	if tag.RowsAffected() == 0 {
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
func (s *PGStore) GetLocation(ctx context.Context, userID string) (models.LocationRecord, error) {
	var rec models.LocationRecord
	err := s.pool.QueryRow(ctx,
		`SELECT user_id, latitude, longitude, city, updated_at, seq FROM locations WHERE user_id = $1`,
		userID,
	).Scan(&rec.UserID, &rec.Latitude, &rec.Longitude, &rec.City, &rec.UpdatedAt, &rec.Seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.LocationRecord{}, ErrNotFound
	}
	if err != nil {
		return models.LocationRecord{}, fmt.Errorf("store: get location %s: %w", userID, err)
	}
	return rec, nil
}

// Snapshot implements Store.
func (s *PGStore) Snapshot(ctx context.Context) ([]models.PresenceEntry, error) {
	start := time.Now()
	rows, err := s.pool.Query(ctx, snapshotSQL)
	if err != nil {
		return nil, fmt.Errorf("store: snapshot: %w", err)
	}
	defer rows.Close()

	var entries []models.PresenceEntry
	for rows.Next() {
		var e models.PresenceEntry
		if err := rows.Scan(
			&e.Location.UserID, &e.Location.Latitude, &e.Location.Longitude,
			&e.Location.City, &e.Location.UpdatedAt, &e.Location.Seq,
			&e.Profile.Name, &e.Profile.LessonNumber, &e.Profile.AvatarURL,
		); err != nil {
			return nil, fmt.Errorf("store: scan snapshot row: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: snapshot rows: %w", err)
	}

	metrics.RecordSnapshot(time.Since(start), len(entries))
	return entries, nil
}

// GetProfile implements Store.
func (s *PGStore) GetProfile(ctx context.Context, userID string) (models.Profile, error) {
	var p models.Profile
	err := s.pool.QueryRow(ctx,
		`SELECT name, lesson_number, avatar_url FROM profiles WHERE user_id = $1`, userID,
	).Scan(&p.Name, &p.LessonNumber, &p.AvatarURL)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Profile{}, ErrNotFound
	}
	if err != nil {
		return models.Profile{}, fmt.Errorf("store: get profile %s: %w", userID, err)
	}
	return p, nil
}

// UpsertProfile writes a profile row. Profiles are reference data next to
// the hot locations table; no sequence guard applies.
func (s *PGStore) UpsertProfile(ctx context.Context, userID string, p models.Profile) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO profiles (user_id, name, lesson_number, avatar_url)
VALUES ($1, $2, $3, $4)
ON CONFLICT (user_id) DO UPDATE SET
    name = excluded.name, lesson_number = excluded.lesson_number, avatar_url = excluded.avatar_url`,
		userID, p.Name, p.LessonNumber, p.AvatarURL)
	if err != nil {
		return fmt.Errorf("store: upsert profile %s: %w", userID, err)
	}
	return nil
}

// Ping reports connection health for readiness checks.
func (s *PGStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close implements Store.
func (s *PGStore) Close() {
	s.pool.Close()
}
