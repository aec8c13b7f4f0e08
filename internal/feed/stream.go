// Presenced - Live Presence Synchronization Engine
// Copyright 2026 S. Mehta (satmap)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/satmap/presenced

package feed

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/satmap/presenced/internal/models"
)

// StreamConfig holds presence stream settings.
type StreamConfig struct {
	// MaxAge is the event retention window. Presence data is only useful
	// fresh; anything older is recovered from a snapshot anyway.
	// Default: 1h
	MaxAge time.Duration

	// MaxMsgs bounds the stream. Default: 100000
	MaxMsgs int64

	// DuplicateWindow is the Nats-Msg-Id deduplication window.
	// Default: 2m
	DuplicateWindow time.Duration
}

func (c *StreamConfig) applyDefaults() {
	if c.MaxAge <= 0 {
		c.MaxAge = time.Hour
	}
	if c.MaxMsgs == 0 {
		c.MaxMsgs = 100000
	}
	if c.DuplicateWindow <= 0 {
		c.DuplicateWindow = 2 * time.Minute
	}
}

// StreamManager handles the presence stream lifecycle.
type StreamManager struct {
	js     jetstream.JetStream
	config StreamConfig
}

// NewStreamManager creates a stream manager over an existing connection.
func NewStreamManager(nc *nats.Conn, cfg StreamConfig) (*StreamManager, error) {
	cfg.applyDefaults()
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("feed: create jetstream context: %w", err)
	}
	return &StreamManager{js: js, config: cfg}, nil
}

// EnsureStream creates or updates the presence stream.
func (m *StreamManager) EnsureStream(ctx context.Context) (jetstream.Stream, error) {
	streamCfg := jetstream.StreamConfig{
		Name:       models.FeedStreamName,
		Subjects:   []string{models.FeedSubjectWildcard},
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     m.config.MaxAge,
		MaxMsgs:    m.config.MaxMsgs,
		Duplicates: m.config.DuplicateWindow,
		Storage:    jetstream.FileStorage,
		Discard:    jetstream.DiscardOld,
	}

	if _, err := m.js.Stream(ctx, models.FeedStreamName); err == nil {
		stream, err := m.js.UpdateStream(ctx, streamCfg)
		if err != nil {
			return nil, fmt.Errorf("feed: update stream: %w", err)
		}
		return stream, nil
	}

	stream, err := m.js.CreateStream(ctx, streamCfg)
	if err != nil {
		return nil, fmt.Errorf("feed: create stream: %w", err)
	}
	return stream, nil
}

// Info returns current stream state.
func (m *StreamManager) Info(ctx context.Context) (*jetstream.StreamInfo, error) {
	stream, err := m.js.Stream(ctx, models.FeedStreamName)
	if err != nil {
		return nil, fmt.Errorf("feed: get stream: %w", err)
	}
	return stream.Info(ctx)
}
