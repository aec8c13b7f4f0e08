// Presenced - Live Presence Synchronization Engine
// Copyright 2026 S. Mehta (satmap)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/satmap/presenced

package websocket

import (
	"github.com/satmap/presenced/internal/markers"
)

// HubSurface renders markers by broadcasting operations to every
// connected client. It implements markers.Surface.
type HubSurface struct {
	hub *Hub
}

// NewHubSurface creates a surface over hub.
func NewHubSurface(hub *Hub) *HubSurface {
	return &HubSurface{hub: hub}
}

// CreateMarker implements markers.Surface.
func (s *HubSurface) CreateMarker(m *markers.Marker) {
	s.hub.Broadcast(MessageTypeMarkerAdd, m)
}

// MoveMarker implements markers.Surface.
func (s *HubSurface) MoveMarker(m *markers.Marker) {
	s.hub.Broadcast(MessageTypeMarkerMove, m)
}

// UpdateMarker implements markers.Surface.
func (s *HubSurface) UpdateMarker(m *markers.Marker) {
	s.hub.Broadcast(MessageTypeMarkerUpdate, m)
}

// RemoveMarker implements markers.Surface.
func (s *HubSurface) RemoveMarker(userID string) {
	s.hub.Broadcast(MessageTypeMarkerRemove, MarkerRemoveData{UserID: userID})
}
