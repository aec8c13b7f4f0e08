// Presenced - Live Presence Synchronization Engine
// Copyright 2026 S. Mehta (satmap)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/satmap/presenced

package feed

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"
)

// ServerConfig holds embedded NATS server settings.
type ServerConfig struct {
	// Host to bind. Default: 127.0.0.1
	Host string

	// Port to bind. 0 picks a random free port.
	Port int

	// StoreDir is the JetStream storage directory.
	StoreDir string

	// MaxMemory for JetStream in bytes. Default: 256MB
	MaxMemory int64

	// MaxStore for JetStream on disk in bytes. Default: 1GB
	MaxStore int64
}

func (c *ServerConfig) applyDefaults() {
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.MaxMemory == 0 {
		c.MaxMemory = 256 << 20
	}
	if c.MaxStore == 0 {
		c.MaxStore = 1 << 30
	}
}

// EmbeddedServer wraps an in-process NATS JetStream server so a single
// presenced instance needs no external broker.
type EmbeddedServer struct {
	server    *server.Server
	clientURL string
}

// NewEmbeddedServer creates and starts an embedded NATS server. Returns
// an error if the server is not ready within 30 seconds.
func NewEmbeddedServer(cfg ServerConfig) (*EmbeddedServer, error) {
	cfg.applyDefaults()

	opts := &server.Options{
		ServerName: "presence-feed",
		Host:       cfg.Host,
		Port:       cfg.Port,
		JetStream:  true,
		StoreDir:   cfg.StoreDir,

		JetStreamMaxMemory: cfg.MaxMemory,
		JetStreamMaxStore:  cfg.MaxStore,
		NoLog:              true,
		MaxPayload:         1 << 20, // change events are tiny
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("feed: create embedded server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(30 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("feed: embedded server not ready within timeout")
	}

	return &EmbeddedServer{server: ns, clientURL: ns.ClientURL()}, nil
}

// ClientURL returns the connection URL for clients.
func (s *EmbeddedServer) ClientURL() string {
	return s.clientURL
}

// IsRunning returns server health status.
func (s *EmbeddedServer) IsRunning() bool {
	return s.server.Running()
}

// Shutdown gracefully stops the server.
func (s *EmbeddedServer) Shutdown(ctx context.Context) error {
	s.server.Shutdown()

	done := make(chan struct{})
	go func() {
		s.server.WaitForShutdown()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}
