// Presenced - Live Presence Synchronization Engine
// Copyright 2026 S. Mehta (satmap)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/satmap/presenced

// Package config loads layered application configuration with Koanf v2.
// Precedence is environment variables over config file over built-in
// defaults.
package config

import (
	"time"
)

// Config is the root configuration for the presenced process.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Database  DatabaseConfig  `koanf:"database"`
	NATS      NATSConfig      `koanf:"nats"`
	Geocoder  GeocoderConfig  `koanf:"geocoder"`
	Publisher PublisherConfig `koanf:"publisher"`
	Presence  PresenceConfig  `koanf:"presence"`
	Logging   LoggingConfig   `koanf:"logging"`
}

// ServerConfig configures the HTTP/WebSocket listener.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port" validate:"min=1,max=65535"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	CORSOrigins     []string      `koanf:"cors_origins"`
	// RateLimit caps position ingest requests per client per minute.
	// Zero disables rate limiting.
	RateLimit int `koanf:"rate_limit" validate:"min=0"`
}

// DatabaseConfig selects and configures the locations store.
type DatabaseConfig struct {
	// Driver is "postgres" or "memory". The memory driver is for
	// development and tests only; it loses state on restart.
	Driver          string        `koanf:"driver" validate:"oneof=postgres memory"`
	URL             string        `koanf:"url" validate:"required_if=Driver postgres"`
	MaxConns        int32         `koanf:"max_conns" validate:"min=1"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
}

// NATSConfig configures the JetStream change feed.
type NATSConfig struct {
	URL            string        `koanf:"url" validate:"required"`
	EmbeddedServer bool          `koanf:"embedded_server"`
	StoreDir       string        `koanf:"store_dir"`
	MaxMemory      int64         `koanf:"max_memory"`
	MaxStore       int64         `koanf:"max_store"`
	StreamMaxAge   time.Duration `koanf:"stream_max_age"`
	DurableName    string        `koanf:"durable_name"`
}

// GeocoderConfig configures reverse geocoding of fixes to city names.
type GeocoderConfig struct {
	BaseURL   string `koanf:"base_url" validate:"required,url"`
	UserAgent string `koanf:"user_agent" validate:"required"`
	// RequestsPerSecond caps outbound lookups. The public Nominatim
	// usage policy allows at most 1 req/s.
	RequestsPerSecond float64       `koanf:"requests_per_second" validate:"min=0"`
	CacheSize         int           `koanf:"cache_size" validate:"min=1"`
	Timeout           time.Duration `koanf:"timeout"`
}

// PublisherConfig configures the device-side location publisher.
type PublisherConfig struct {
	Enabled       bool          `koanf:"enabled"`
	UserID        string        `koanf:"user_id" validate:"required_if=Enabled true"`
	MinInterval   time.Duration `koanf:"min_interval"`
	UpsertRetries uint64        `koanf:"upsert_retries" validate:"max=10"`
}

// PresenceConfig tunes the subscriber-side reconciliation engine.
type PresenceConfig struct {
	SelfUserID          string        `koanf:"self_user_id"`
	SnapshotInitialWait time.Duration `koanf:"snapshot_initial_wait"`
	SnapshotMaxWait     time.Duration `koanf:"snapshot_max_wait"`
	ProfileTimeout      time.Duration `koanf:"profile_timeout"`
}

// LoggingConfig configures zerolog output.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json console"`
}

// defaultConfig returns a Config with every field set to a sensible
// default. Defaults are applied first, then overridden by the config
// file and environment variables.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			CORSOrigins:     []string{"*"},
			RateLimit:       120,
		},
		Database: DatabaseConfig{
			Driver:          "memory",
			URL:             "",
			MaxConns:        10,
			ConnMaxLifetime: 30 * time.Minute,
		},
		NATS: NATSConfig{
			URL:            "nats://127.0.0.1:4222",
			EmbeddedServer: true,
			StoreDir:       "/data/presenced/jetstream",
			MaxMemory:      256 << 20,
			MaxStore:       1 << 30,
			StreamMaxAge:   time.Hour,
			DurableName:    "presence-reconciler",
		},
		Geocoder: GeocoderConfig{
			BaseURL:           "https://nominatim.openstreetmap.org/reverse",
			UserAgent:         "presenced/1.0 (presence sync engine)",
			RequestsPerSecond: 1,
			CacheSize:         512,
			Timeout:           3 * time.Second,
		},
		Publisher: PublisherConfig{
			Enabled:       false,
			UserID:        "",
			MinInterval:   5 * time.Second,
			UpsertRetries: 3,
		},
		Presence: PresenceConfig{
			SelfUserID:          "",
			SnapshotInitialWait: 500 * time.Millisecond,
			SnapshotMaxWait:     30 * time.Second,
			ProfileTimeout:      2 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
