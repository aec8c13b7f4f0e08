// Presenced - Live Presence Synchronization Engine
// Copyright 2026 S. Mehta (satmap)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/satmap/presenced

// Package markers projects the presence set onto a map surface. Each
// user owns exactly one marker for as long as they stay present; diffs
// move or restyle the existing marker instead of recreating it, which is
// what keeps the rendered map free of flicker.
package markers

import (
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/satmap/presenced/internal/logging"
	"github.com/satmap/presenced/internal/metrics"
	"github.com/satmap/presenced/internal/models"
	"github.com/satmap/presenced/internal/reconcile"
)

// Marker styling constants, self vs everyone else.
const (
	SelfSizePx      = 56
	PeerSizePx      = 48
	SelfBorderColor = "gold"
	PeerBorderColor = "white"
)

// Marker is the renderable state of one user's presence. The manager
// hands the same *Marker to the surface across that user's lifetime, so
// surfaces may key internal state on pointer identity.
type Marker struct {
	UserID    string  `json:"user_id"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`

	Name         string `json:"name"`
	LessonNumber string `json:"lesson_number,omitempty"`
	RoleTag      string `json:"role_tag"`
	City         string `json:"city,omitempty"`
	AvatarURL    string `json:"avatar_url,omitempty"`
	// Initial is the avatar fallback when AvatarURL is empty.
	Initial string `json:"initial"`

	IsSelf      bool   `json:"is_self"`
	SizePx      int    `json:"size_px"`
	BorderColor string `json:"border_color"`

	offsetApplied  bool
	rawLat, rawLon float64
}

// Surface renders markers. Calls arrive one at a time from the manager.
type Surface interface {
	CreateMarker(m *Marker)
	MoveMarker(m *Marker)
	UpdateMarker(m *Marker)
	RemoveMarker(userID string)
}

// Config holds manager settings.
type Config struct {
	// SelfUserID marks which user's marker gets self styling.
	SelfUserID string
}

// Manager owns the user-to-marker mapping. It implements
// reconcile.DiffSink; Apply is the only mutating entry point and is
// called from a single goroutine.
type Manager struct {
	cfg     Config
	surface Surface

	mu      sync.RWMutex
	markers map[string]*Marker
	// cells indexes live markers by rounded coordinate cell, for
	// detecting stacked positions.
	cells map[string]map[string]*Marker
}

// NewManager creates a manager rendering to surface.
func NewManager(cfg Config, surface Surface) *Manager {
	return &Manager{
		cfg:     cfg,
		surface: surface,
		markers: make(map[string]*Marker),
		cells:   make(map[string]map[string]*Marker),
	}
}

// Count returns the number of live markers.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.markers)
}

// Get returns the marker for a user, if present.
func (m *Manager) Get(userID string) (*Marker, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mk, ok := m.markers[userID]
	return mk, ok
}

// Markers returns the current markers. The returned pointers are live;
// callers must not mutate them.
func (m *Manager) Markers() []*Marker {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Marker, 0, len(m.markers))
	for _, mk := range m.markers {
		out = append(out, mk)
	}
	return out
}

// Apply implements reconcile.DiffSink.
func (m *Manager) Apply(diff reconcile.Diff) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, userID := range diff.Removed {
		m.remove(userID)
	}
	for _, entry := range diff.Added {
		m.add(entry)
	}
	for _, entry := range diff.Updated {
		m.update(entry)
	}

	metrics.MarkersActive.Set(float64(len(m.markers)))
}

// Teardown removes every marker from the surface.
func (m *Manager) Teardown() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for userID := range m.markers {
		m.remove(userID)
	}
	metrics.MarkersActive.Set(0)
	logging.Info().Msg("marker surface torn down")
}

func (m *Manager) add(entry models.PresenceEntry) {
	userID := entry.Location.UserID
	if _, exists := m.markers[userID]; exists {
		// An add for a live marker is an update in disguise.
		m.update(entry)
		return
	}

	mk := &Marker{UserID: userID}
	m.style(mk, entry)
	m.place(mk, entry)
	m.markers[userID] = mk
	m.addCell(mk)

	m.surface.CreateMarker(mk)
	metrics.MarkerOps.WithLabelValues("create").Inc()
}

func (m *Manager) update(entry models.PresenceEntry) {
	userID := entry.Location.UserID
	mk, exists := m.markers[userID]
	if !exists {
		m.add(entry)
		return
	}

	oldLat, oldLon := mk.Latitude, mk.Longitude
	oldStyle := *mk
	// Take this marker out of the cell index while repositioning so it
	// does not collide with itself.
	m.dropCell(mk)
	m.style(mk, entry)
	m.place(mk, entry)
	m.addCell(mk)

	moved := mk.Latitude != oldLat || mk.Longitude != oldLon
	restyled := mk.Name != oldStyle.Name ||
		mk.LessonNumber != oldStyle.LessonNumber ||
		mk.RoleTag != oldStyle.RoleTag ||
		mk.City != oldStyle.City ||
		mk.AvatarURL != oldStyle.AvatarURL ||
		mk.Initial != oldStyle.Initial

	if moved {
		m.surface.MoveMarker(mk)
		metrics.MarkerOps.WithLabelValues("move").Inc()
	}
	if restyled {
		m.surface.UpdateMarker(mk)
		metrics.MarkerOps.WithLabelValues("update").Inc()
	}
}

func (m *Manager) remove(userID string) {
	mk, exists := m.markers[userID]
	if !exists {
		return
	}
	delete(m.markers, userID)
	m.dropCell(mk)

	m.surface.RemoveMarker(userID)
	metrics.MarkerOps.WithLabelValues("remove").Inc()
}

func (m *Manager) addCell(mk *Marker) {
	key := cellKey(mk.rawLat, mk.rawLon)
	if m.cells[key] == nil {
		m.cells[key] = make(map[string]*Marker)
	}
	m.cells[key][mk.UserID] = mk
}

func (m *Manager) dropCell(mk *Marker) {
	key := cellKey(mk.rawLat, mk.rawLon)
	delete(m.cells[key], mk.UserID)
	if len(m.cells[key]) == 0 {
		delete(m.cells, key)
	}
}

// style fills the profile-derived fields.
func (m *Manager) style(mk *Marker, entry models.PresenceEntry) {
	mk.Name = entry.Profile.DisplayName()
	mk.LessonNumber = entry.Profile.LessonNumber
	mk.RoleTag = entry.Profile.RoleTag()
	mk.City = entry.Location.CityName()
	mk.AvatarURL = entry.Profile.AvatarURL
	mk.Initial = initial(mk.Name)

	if mk.UserID == m.cfg.SelfUserID {
		mk.IsSelf = true
		mk.SizePx = SelfSizePx
		mk.BorderColor = SelfBorderColor
	} else {
		mk.IsSelf = false
		mk.SizePx = PeerSizePx
		mk.BorderColor = PeerBorderColor
	}
}

// place sets the displayed position. Every marker stacked on a cell
// gets a small deterministic offset derived from its user ID, including
// the marker that was there first, so stacked users fan out the same
// way on every client regardless of arrival order. Once applied the
// offset sticks for the marker's lifetime; toggling it as neighbors
// come and go would itself look like flicker.
func (m *Manager) place(mk *Marker, entry models.PresenceEntry) {
	lat, lon := entry.Location.Latitude, entry.Location.Longitude
	mk.rawLat, mk.rawLon = lat, lon

	if occupants := m.cells[cellKey(lat, lon)]; len(occupants) > 0 {
		mk.offsetApplied = true
		for _, other := range occupants {
			if other.offsetApplied {
				continue
			}
			other.offsetApplied = true
			dLat, dLon := collisionOffset(other.UserID)
			other.Latitude = other.rawLat + dLat
			other.Longitude = other.rawLon + dLon
			m.surface.MoveMarker(other)
			metrics.MarkerOps.WithLabelValues("move").Inc()
		}
	}
	if mk.offsetApplied {
		dLat, dLon := collisionOffset(mk.UserID)
		lat += dLat
		lon += dLon
	}

	mk.Latitude = lat
	mk.Longitude = lon
}

// collisionOffset maps a user ID to a bounded cosmetic displacement,
// at most ~50m in each axis.
func collisionOffset(userID string) (dLat, dLon float64) {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	sum := h.Sum32()

	const scale = 0.0005
	dLat = (float64(sum&0xffff)/0xffff - 0.5) * 2 * scale
	dLon = (float64(sum>>16)/0xffff - 0.5) * 2 * scale
	return dLat, dLon
}

func cellKey(lat, lon float64) string {
	// 3 decimal places, roughly a 110m cell.
	return fmt.Sprintf("%.3f,%.3f", lat, lon)
}

func initial(name string) string {
	for _, r := range name {
		return string(r)
	}
	return "?"
}
