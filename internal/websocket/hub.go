// Presenced - Live Presence Synchronization Engine
// Copyright 2026 S. Mehta (satmap)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/satmap/presenced

// Package websocket fans marker operations out to connected map clients.
// Each client gets a framed snapshot on connect, then incremental marker
// operations as the presence set changes.
package websocket

import (
	"context"
	"sort"
	"sync"

	"github.com/satmap/presenced/internal/logging"
	"github.com/satmap/presenced/internal/markers"
	"github.com/satmap/presenced/internal/metrics"
)

// Message types for WebSocket communication
const (
	MessageTypeMarkerAdd     = "marker_add"
	MessageTypeMarkerMove    = "marker_move"
	MessageTypeMarkerUpdate  = "marker_update"
	MessageTypeMarkerRemove  = "marker_remove"
	MessageTypeSnapshotBegin = "snapshot_begin"
	MessageTypeSnapshotEnd   = "snapshot_end"
	MessageTypePing          = "ping"
	MessageTypePong          = "pong"
)

// Message represents a WebSocket message
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// MapDefaults frames the initial viewport sent with snapshot_begin.
type MapDefaults struct {
	CenterLat float64 `json:"center_lat"`
	CenterLon float64 `json:"center_lon"`
	Zoom      float64 `json:"zoom"`
}

// DefaultMapView is the world view shown before any marker arrives.
var DefaultMapView = MapDefaults{CenterLat: 22, CenterLon: 78, Zoom: 2.2}

// SnapshotBeginData is the payload of a snapshot_begin message. Clients
// show a loading indicator between snapshot_begin and snapshot_end
// instead of rendering a half-loaded map.
type SnapshotBeginData struct {
	Map   MapDefaults `json:"map"`
	Count int         `json:"count"`
}

// MarkerRemoveData is the payload of a marker_remove message.
type MarkerRemoveData struct {
	UserID string `json:"user_id"`
}

// SnapshotProvider supplies the current marker set for newly connected
// clients.
type SnapshotProvider func() []*markers.Marker

// Hub maintains the set of active clients and broadcasts messages to the clients
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan Message
	Register   chan *Client
	Unregister chan *Client
	snapshot   SnapshotProvider
	mu         sync.RWMutex
}

// NewHub creates a hub. snapshot may be nil; clients then start empty
// and catch up from broadcasts.
func NewHub(snapshot SnapshotProvider) *Hub {
	return &Hub{
		broadcast:  make(chan Message, 256),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
		snapshot:   snapshot,
	}
}

// Serve runs the hub until ctx is cancelled. Designed for suture
// supervision: on cancellation all clients are closed and the method
// returns, leaving no orphaned connections for the restarted instance.
//
// Priority-based selection keeps behavior predictable when multiple
// channels are ready: shutdown first, then client lifecycle, then
// broadcasts. Client state is always settled before messages flow.
func (h *Hub) Serve(ctx context.Context) error {
	for {
		// Priority 1: shutdown (non-blocking check)
		select {
		case <-ctx.Done():
			h.shutdown()
			return ctx.Err()
		default:
		}

		// Priority 2: client lifecycle (non-blocking check)
		select {
		case client := <-h.Register:
			h.registerClient(client)
			continue
		case client := <-h.Unregister:
			h.unregisterClient(client)
			continue
		default:
		}

		// Priority 3: broadcasts, or block until anything happens
		select {
		case <-ctx.Done():
			h.shutdown()
			return ctx.Err()
		case client := <-h.Register:
			h.registerClient(client)
		case client := <-h.Unregister:
			h.unregisterClient(client)
		case message := <-h.broadcast:
			h.broadcastToClients(message)
		}
	}
}

func (h *Hub) registerClient(client *Client) {
	h.mu.Lock()
	h.clients[client] = true
	total := len(h.clients)
	h.mu.Unlock()

	metrics.WSConnections.Set(float64(total))
	logging.Info().Int("total_clients", total).Msg("websocket client connected")

	h.sendSnapshot(client)
}

// sendSnapshot queues the framed initial state into one client's send
// buffer. Broadcasts queued afterwards are newer than the snapshot, so
// the client converges even if the set changed mid-handshake.
func (h *Hub) sendSnapshot(client *Client) {
	if h.snapshot == nil {
		return
	}

	marks := h.snapshot()
	sort.Slice(marks, func(i, j int) bool { return marks[i].UserID < marks[j].UserID })

	client.queue(Message{
		Type: MessageTypeSnapshotBegin,
		Data: SnapshotBeginData{Map: DefaultMapView, Count: len(marks)},
	})
	for _, mk := range marks {
		client.queue(Message{Type: MessageTypeMarkerAdd, Data: mk})
	}
	client.queue(Message{Type: MessageTypeSnapshotEnd, Data: nil})
}

func (h *Hub) unregisterClient(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
	total := len(h.clients)
	h.mu.Unlock()

	metrics.WSConnections.Set(float64(total))
	logging.Info().Int("total_clients", total).Msg("websocket client disconnected")
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i].id < clients[j].id })

	for _, client := range clients {
		close(client.send)
		delete(h.clients, client)
	}
	h.mu.Unlock()

	metrics.WSConnections.Set(0)
	logging.Info().
		Str("component", "websocket-hub").
		Int("clients_closed", len(clients)).
		Msg("websocket hub stopped")
}

// broadcastToClients sends a message to all connected clients. Clients
// are visited in ID order so delivery order is reproducible; a client
// whose buffer is full is dropped rather than allowed to stall the rest.
func (h *Hub) broadcastToClients(message Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i].id < clients[j].id })

	var toRemove []*Client
	for _, client := range clients {
		select {
		case client.send <- message:
			metrics.WSMessagesSent.Inc()
		default:
			toRemove = append(toRemove, client)
		}
	}

	for _, client := range toRemove {
		metrics.WSErrors.WithLabelValues("slow_consumer").Inc()
		close(client.send)
		delete(h.clients, client)
	}
	if len(toRemove) > 0 {
		metrics.WSConnections.Set(float64(len(h.clients)))
	}
}

// Broadcast queues a message for all clients. Never blocks; when the
// hub's buffer is full the message is dropped and logged.
func (h *Hub) Broadcast(messageType string, data interface{}) {
	message := Message{Type: messageType, Data: data}
	select {
	case h.broadcast <- message:
	default:
		metrics.WSErrors.WithLabelValues("broadcast_full").Inc()
		logging.Warn().Str("message_type", messageType).Msg("broadcast channel full, dropping message")
	}
}

// GetClientCount returns the number of connected clients
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
