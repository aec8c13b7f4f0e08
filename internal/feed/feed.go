// Presenced - Live Presence Synchronization Engine
// Copyright 2026 S. Mehta (satmap)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/satmap/presenced

// Package feed carries location change events between the store and the
// reconciliation engine over NATS JetStream. Delivery is unordered from
// the consumer's point of view; ordering is restored downstream by the
// per-record sequence numbers. A detected connection drop surfaces as a
// signal on the subscriber's Drops channel so the consumer can schedule
// a resnapshot instead of trusting a feed with a hole in it.
package feed

import (
	"time"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/satmap/presenced/internal/logging"
)

// PublisherConfig holds settings for the feed publisher.
type PublisherConfig struct {
	// URL is the NATS server connection URL.
	URL string

	// MaxReconnects before the connection is abandoned. Default: 60
	MaxReconnects int

	// ReconnectWait between reconnection attempts. Default: 2s
	ReconnectWait time.Duration

	// TrackMsgID enables JetStream deduplication on Nats-Msg-Id.
	TrackMsgID bool
}

func (c *PublisherConfig) applyDefaults() {
	if c.MaxReconnects == 0 {
		c.MaxReconnects = 60
	}
	if c.ReconnectWait <= 0 {
		c.ReconnectWait = 2 * time.Second
	}
}

// SubscriberConfig holds settings for the feed subscriber.
type SubscriberConfig struct {
	// URL is the NATS server connection URL.
	URL string

	// StreamName binds the consumer to a pre-created stream. Required for
	// wildcard topics: stream names cannot contain wildcards, so
	// auto-provisioning from the topic would fail.
	StreamName string

	// DurableName is the JetStream durable consumer name.
	DurableName string

	// MaxReconnects before the connection is abandoned. Default: 60
	MaxReconnects int

	// ReconnectWait between reconnection attempts. Default: 2s
	ReconnectWait time.Duration

	// AckWaitTimeout before an unacked message is redelivered. Default: 30s
	AckWaitTimeout time.Duration

	// CloseTimeout bounds subscriber shutdown. Default: 10s
	CloseTimeout time.Duration

	// Buffer is the capacity of the decoded event channel. Default: 256
	Buffer int
}

func (c *SubscriberConfig) applyDefaults() {
	if c.MaxReconnects == 0 {
		c.MaxReconnects = 60
	}
	if c.ReconnectWait <= 0 {
		c.ReconnectWait = 2 * time.Second
	}
	if c.AckWaitTimeout <= 0 {
		c.AckWaitTimeout = 30 * time.Second
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = 10 * time.Second
	}
	if c.Buffer <= 0 {
		c.Buffer = 256
	}
}

// wmLogger adapts zerolog to watermill.LoggerAdapter so watermill's
// internals log into the same stream as the rest of the daemon.
type wmLogger struct {
	fields watermill.LogFields
}

// NewWatermillLogger returns a watermill logger backed by the global
// zerolog logger.
func NewWatermillLogger() watermill.LoggerAdapter {
	return &wmLogger{}
}

func (l *wmLogger) Error(msg string, err error, fields watermill.LogFields) {
	ev := logging.Err(err)
	for k, v := range l.fields.Add(fields) {
		ev = ev.Interface(k, v)
	}
	ev.Msg(msg)
}

func (l *wmLogger) Info(msg string, fields watermill.LogFields) {
	ev := logging.Info()
	for k, v := range l.fields.Add(fields) {
		ev = ev.Interface(k, v)
	}
	ev.Msg(msg)
}

func (l *wmLogger) Debug(msg string, fields watermill.LogFields) {
	ev := logging.Debug()
	for k, v := range l.fields.Add(fields) {
		ev = ev.Interface(k, v)
	}
	ev.Msg(msg)
}

func (l *wmLogger) Trace(msg string, fields watermill.LogFields) {
	l.Debug(msg, fields)
}

func (l *wmLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &wmLogger{fields: l.fields.Add(fields)}
}
