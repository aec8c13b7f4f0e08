// Presenced - Live Presence Synchronization Engine
// Copyright 2026 S. Mehta (satmap)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/satmap/presenced

package models

import (
	"math"
	"strings"
	"time"
)

// LocationRecord is one user's broadcast position. Primary key = UserID;
// the store enforces at most one live row per user via upsert semantics.
type LocationRecord struct {
	UserID    string    `json:"user_id"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	City      *string   `json:"city,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`

	// Seq is the per-user monotonic write sequence. The store rejects an
	// upsert whose Seq is behind the last accepted one, so a slow write
	// can never clobber a fresher position.
	Seq uint64 `json:"seq"`
}

// ValidCoordinates reports whether the record's coordinates are finite and
// in range. Records failing this check are filtered at the reconciliation
// boundary and never reach the marker layer.
func (r *LocationRecord) ValidCoordinates() bool {
	return ValidCoordinates(r.Latitude, r.Longitude)
}

// ValidCoordinates reports whether (lat, lon) is a renderable position:
// finite numbers, lat in [-90, 90], lon in [-180, 180].
func ValidCoordinates(lat, lon float64) bool {
	if math.IsNaN(lat) || math.IsInf(lat, 0) {
		return false
	}
	if math.IsNaN(lon) || math.IsInf(lon, 0) {
		return false
	}
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}

// CityName returns the record's city or "" when unset.
func (r *LocationRecord) CityName() string {
	if r.City == nil {
		return ""
	}
	return *r.City
}

// Profile is the read-only enrichment data joined to a LocationRecord by
// user identity. It is owned by the profile subsystem; the presence core
// never writes it.
type Profile struct {
	Name         string `json:"name,omitempty"`
	LessonNumber string `json:"lesson_number,omitempty"`
	AvatarURL    string `json:"avatar_url,omitempty"`
}

// IsZero reports whether the profile carries no enrichment data, which
// signals that a scoped profile re-fetch is needed.
func (p Profile) IsZero() bool {
	return p.Name == "" && p.LessonNumber == "" && p.AvatarURL == ""
}

// RoleTag derives the one-letter role tag shown in marker popups:
// "N" for no lesson, "K" for kriya-level lessons, "L" otherwise.
func (p Profile) RoleTag() string {
	if p.LessonNumber == "" {
		return "N"
	}
	if strings.Contains(strings.ToLower(p.LessonNumber), "k") {
		return "K"
	}
	return "L"
}

// DisplayName returns the profile name or the generic fallback.
func (p Profile) DisplayName() string {
	if p.Name == "" {
		return "User"
	}
	return p.Name
}

// PresenceEntry is the derived, in-memory join of a location record and a
// profile snapshot. It exists only inside the reconciliation engine and the
// diffs it emits; it is never persisted.
type PresenceEntry struct {
	Location LocationRecord `json:"location"`
	Profile  Profile        `json:"profile"`
}

// Equal reports whether two entries are indistinguishable for rendering
// purposes. Replayed feed events produce equal entries, which the engine
// uses to keep event application idempotent.
func (e PresenceEntry) Equal(other PresenceEntry) bool {
	return e.Location.UserID == other.Location.UserID &&
		e.Location.Latitude == other.Location.Latitude &&
		e.Location.Longitude == other.Location.Longitude &&
		e.Location.CityName() == other.Location.CityName() &&
		e.Profile == other.Profile
}
