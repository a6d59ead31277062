// Parley - Real-Time Chat Presence and Message Delivery Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/parley

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the paths where config files are searched in
// order of priority. The first file found wins.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/parley/config.yaml",
	"/etc/parley/config.yml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "CONFIG_PATH"

// defaultConfig returns a Config with all defaults applied. These are
// layered first, then overridden by the config file and env vars.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8632,
			Timeout:         30 * time.Second,
			RateLimitReqs:   100,
			RateLimitWindow: time.Minute,
			RateLimitOff:    false,
		},
		Auth: AuthConfig{
			JWTSecret:   "",
			TokenExpiry: 24 * time.Hour,
		},
		Store: StoreConfig{
			Path:             "/data/parley",
			InMemory:         false,
			GCInterval:       10 * time.Minute,
			BreakerThreshold: 5,
			BreakerTimeout:   30 * time.Second,
		},
		Presence: PresenceConfig{
			IdleTimeout:   5 * time.Minute,
			OfflineGrace:  15 * time.Second,
			SweepInterval: 5 * time.Second,
		},
		Delivery: DeliveryConfig{
			MaxContentBytes: 64 * 1024,
			UnsendWindow:    0, // no limit
		},
		Resync: ResyncConfig{
			BacklogLimit: 50,
		},
		Registry: RegistryConfig{
			SessionTTL:    5 * time.Minute,
			SweepInterval: time.Minute,
		},
		NATS: NATSConfig{
			Enabled:       false,
			URL:           "nats://127.0.0.1:4222",
			SubjectPrefix: "parley",
			NodeID:        "",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}

// Load loads configuration using koanf v2 with layered sources:
//  1. Defaults from defaultConfig()
//  2. Optional YAML config file
//  3. Environment variables (highest priority)
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

	// HTTP_PORT -> server.port, PRESENCE_IDLE_TIMEOUT -> presence.idle_timeout
	envProvider := env.Provider("", ".", envTransformFunc)
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
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

// findConfigFile searches for a config file in the default paths.
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

// envTransformFunc maps environment variable names to koanf config paths.
// Unmapped keys return empty string and are skipped, which keeps random
// environment variables out of the config.
func envTransformFunc(key string) string {
	key = strings.ToLower(key)

	envMappings := map[string]string{
		// Server mappings
		"http_host":           "server.host",
		"http_port":           "server.port",
		"http_timeout":        "server.timeout",
		"rate_limit_requests": "server.rate_limit_reqs",
		"rate_limit_window":   "server.rate_limit_window",
		"disable_rate_limit":  "server.rate_limit_disabled",

		// Auth mappings
		"jwt_secret":   "auth.jwt_secret",
		"token_expiry": "auth.token_expiry",

		// Store mappings
		"badger_path":             "store.path",
		"badger_in_memory":        "store.in_memory",
		"badger_gc_interval":      "store.gc_interval",
		"store_breaker_threshold": "store.breaker_threshold",
		"store_breaker_timeout":   "store.breaker_timeout",

		// Presence mappings
		"presence_idle_timeout":   "presence.idle_timeout",
		"presence_offline_grace":  "presence.offline_grace",
		"presence_sweep_interval": "presence.sweep_interval",

		// Delivery mappings
		"max_content_bytes": "delivery.max_content_bytes",
		"unsend_window":     "delivery.unsend_window",

		// Resync mappings
		"resync_backlog_limit": "resync.backlog_limit",

		// Registry mappings
		"session_ttl":             "registry.session_ttl",
		"registry_sweep_interval": "registry.sweep_interval",

		// NATS mappings
		"nats_enabled":        "nats.enabled",
		"nats_url":            "nats.url",
		"nats_subject_prefix": "nats.subject_prefix",
		"nats_node_id":        "nats.node_id",

		// Logging mappings
		"log_level":  "logging.level",
		"log_format": "logging.format",
		"log_caller": "logging.caller",
	}

	if mapped, ok := envMappings[key]; ok {
		return mapped
	}
	return ""
}
