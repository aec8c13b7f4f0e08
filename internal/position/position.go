// Presenced - Live Presence Synchronization Engine
// Copyright 2026 S. Mehta (satmap)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/satmap/presenced

// Package position abstracts the device position stream. The publisher
// consumes fixes through the Source interface; production wires the HTTP
// ingest endpoint to a ChannelSource, tests push fixes directly.
package position

import (
	"context"
	"sync"
	"time"

	"github.com/satmap/presenced/internal/logging"
)

// Fix is a single raw position report from a device.
type Fix struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Accuracy  float64   `json:"accuracy,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Source delivers a stream of position fixes. Watch may be called more
// than once over the lifetime of a source: the publisher re-subscribes
// each time consent is granted and cancels the context on revoke.
type Source interface {
	// Watch returns a channel of fixes scoped to ctx. The returned channel
	// is closed when ctx is cancelled. Implementations must not block on a
	// slow consumer; stale fixes are dropped in favor of newer ones.
	Watch(ctx context.Context) (<-chan Fix, error)
}

// ChannelSource is a Source fed by Push calls. Each Watch gets its own
// forwarding goroutine; a fix that arrives while a watcher's buffer is
// full replaces the buffered one, so watchers always see the freshest
// position rather than a backlog.
type ChannelSource struct {
	mu       sync.Mutex
	watchers map[int]chan Fix
	nextID   int
}

// NewChannelSource creates an empty source with no watchers.
func NewChannelSource() *ChannelSource {
	return &ChannelSource{watchers: make(map[int]chan Fix)}
}

// Push delivers a fix to all current watchers. Never blocks.
func (s *ChannelSource) Push(fix Fix) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ch := range s.watchers {
		// Drop-then-send: only the latest fix matters.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- fix:
		default:
		}
	}
}

// Watch implements Source.
func (s *ChannelSource) Watch(ctx context.Context) (<-chan Fix, error) {
	inner := make(chan Fix, 1)

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.watchers[id] = inner
	n := len(s.watchers)
	s.mu.Unlock()

	logging.Debug().Int("watchers", n).Msg("position watch started")

	out := make(chan Fix)
	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.watchers, id)
			s.mu.Unlock()
			close(out)
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case fix := <-inner:
				select {
				case out <- fix:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
