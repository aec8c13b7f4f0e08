// Presenced - Live Presence Synchronization Engine
// Copyright 2026 S. Mehta (satmap)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/satmap/presenced

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/satmap/presenced/internal/validation"
)

// DefaultConfigPaths lists the paths where config files are searched in
// order of priority. The first file found wins.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/presenced/config.yaml",
	"/etc/presenced/config.yml",
}

// ConfigPathEnvVar overrides the config file path when set.
const ConfigPathEnvVar = "CONFIG_PATH"

// Load builds the configuration from layered sources:
//  1. Defaults: built-in sensible defaults
//  2. Config file: optional YAML file (if one exists)
//  3. Environment variables: override any setting
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if configPath := findConfigFile(); configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	envProvider := env.Provider("", ".", envTransformFunc)
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks field constraints and the cross-field rules the tags
// cannot express.
func (c *Config) Validate() error {
	if err := validation.ValidateStruct(c); err != nil {
		return err
	}

	if c.Publisher.Enabled && c.Publisher.MinInterval <= 0 {
		return fmt.Errorf("publisher.min_interval must be positive when the publisher is enabled")
	}
	if c.Presence.SnapshotInitialWait <= 0 || c.Presence.SnapshotMaxWait < c.Presence.SnapshotInitialWait {
		return fmt.Errorf("presence snapshot waits must be positive and max >= initial")
	}
	if c.NATS.EmbeddedServer && c.NATS.StoreDir == "" {
		return fmt.Errorf("nats.store_dir is required when the embedded server is enabled")
	}
	return nil
}

// findConfigFile returns the first config file that exists, or "".
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}

	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

// sliceConfigPaths are the paths whose env values arrive as
// comma-separated strings but unmarshal into slices.
var sliceConfigPaths = []string{
	"server.cors_origins",
}

// processSliceFields converts comma-separated string values to slices
// for known slice fields.
func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		val := k.Get(path)
		if val == nil {
			continue
		}
		if _, ok := val.([]interface{}); ok {
			continue
		}
		if _, ok := val.([]string); ok {
			continue
		}

		strVal, ok := val.(string)
		if !ok || strVal == "" {
			continue
		}
		parts := strings.Split(strVal, ",")
		trimmed := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				trimmed = append(trimmed, p)
			}
		}
		if len(trimmed) > 0 {
			if err := k.Set(path, trimmed); err != nil {
				return fmt.Errorf("failed to set %s: %w", path, err)
			}
		}
	}
	return nil
}

// envMappings maps environment variable names to koanf config paths.
// Unlisted variables are ignored so unrelated process environment never
// leaks into the configuration.
var envMappings = map[string]string{
	"http_host":             "server.host",
	"http_port":             "server.port",
	"http_read_timeout":     "server.read_timeout",
	"http_write_timeout":    "server.write_timeout",
	"http_shutdown_timeout": "server.shutdown_timeout",
	"cors_origins":          "server.cors_origins",
	"http_rate_limit":       "server.rate_limit",

	"database_driver":            "database.driver",
	"database_url":               "database.url",
	"database_max_conns":         "database.max_conns",
	"database_conn_max_lifetime": "database.conn_max_lifetime",

	"nats_url":             "nats.url",
	"nats_embedded":        "nats.embedded_server",
	"nats_store_dir":       "nats.store_dir",
	"nats_max_memory":      "nats.max_memory",
	"nats_max_store":       "nats.max_store",
	"nats_stream_max_age":  "nats.stream_max_age",
	"nats_durable_name":    "nats.durable_name",

	"geocoder_base_url":            "geocoder.base_url",
	"geocoder_user_agent":          "geocoder.user_agent",
	"geocoder_requests_per_second": "geocoder.requests_per_second",
	"geocoder_cache_size":          "geocoder.cache_size",
	"geocoder_timeout":             "geocoder.timeout",

	"publisher_enabled":        "publisher.enabled",
	"publisher_user_id":        "publisher.user_id",
	"publisher_min_interval":   "publisher.min_interval",
	"publisher_upsert_retries": "publisher.upsert_retries",

	"presence_self_user_id":          "presence.self_user_id",
	"presence_snapshot_initial_wait": "presence.snapshot_initial_wait",
	"presence_snapshot_max_wait":     "presence.snapshot_max_wait",
	"presence_profile_timeout":       "presence.profile_timeout",

	"log_level":  "logging.level",
	"log_format": "logging.format",
}

// envTransformFunc maps environment variable names to config paths.
// Returning "" drops the variable.
func envTransformFunc(key string) string {
	key = strings.ToLower(key)

	if path, ok := envMappings[key]; ok {
		return path
	}

	// PRESENCED_SERVER_PORT style variables address any path directly.
	if rest, ok := strings.CutPrefix(key, "presenced_"); ok {
		return strings.Replace(rest, "_", ".", 1)
	}

	return ""
}
