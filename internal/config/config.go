// Parley - Real-Time Chat Presence and Message Delivery Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/parley

// Package config loads and validates Parley's configuration.
//
// Configuration is layered with koanf v2:
//  1. Defaults: built-in sensible defaults for every setting
//  2. Config file: optional YAML file (CONFIG_PATH or the default paths)
//  3. Environment variables: override any setting
//
// Config is immutable after Load() and safe for concurrent reads.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Auth     AuthConfig     `koanf:"auth"`
	Store    StoreConfig    `koanf:"store"`
	Presence PresenceConfig `koanf:"presence"`
	Delivery DeliveryConfig `koanf:"delivery"`
	Resync   ResyncConfig   `koanf:"resync"`
	Registry RegistryConfig `koanf:"registry"`
	NATS     NATSConfig     `koanf:"nats"`
	Logging  LoggingConfig  `koanf:"logging"`
}

// ServerConfig holds HTTP and websocket listener settings.
//
// Environment variables: HTTP_HOST, HTTP_PORT, HTTP_TIMEOUT,
// RATE_LIMIT_REQUESTS, RATE_LIMIT_WINDOW, DISABLE_RATE_LIMIT.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port" validate:"min=1,max=65535"`
	Timeout         time.Duration `koanf:"timeout" validate:"min=1s"`
	RateLimitReqs   int           `koanf:"rate_limit_reqs" validate:"min=1"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window" validate:"min=1s"`
	RateLimitOff    bool          `koanf:"rate_limit_disabled"`
}

// AuthConfig holds token verification settings.
//
// JWT_SECRET must be set; there is no anonymous mode.
type AuthConfig struct {
	JWTSecret   string        `koanf:"jwt_secret"`
	TokenExpiry time.Duration `koanf:"token_expiry" validate:"min=1m"`
}

// StoreConfig holds the Badger message store settings.
type StoreConfig struct {
	Path string `koanf:"path" validate:"required"`
	// InMemory runs Badger without disk persistence. Test use only.
	InMemory bool `koanf:"in_memory"`
	// GCInterval is how often the value-log garbage collector runs.
	GCInterval time.Duration `koanf:"gc_interval" validate:"min=1m"`
	// BreakerThreshold is the consecutive-failure count that opens the
	// store circuit breaker.
	BreakerThreshold uint32        `koanf:"breaker_threshold" validate:"min=1"`
	BreakerTimeout   time.Duration `koanf:"breaker_timeout" validate:"min=1s"`
}

// PresenceConfig tunes the presence state machine.
type PresenceConfig struct {
	// IdleTimeout is how long without activity before online becomes away.
	IdleTimeout time.Duration `koanf:"idle_timeout" validate:"min=1s"`
	// OfflineGrace delays the offline broadcast after the last session
	// disconnects so brief reconnects stay invisible.
	OfflineGrace time.Duration `koanf:"offline_grace" validate:"min=0"`
	// SweepInterval is the tick driving idle and grace-expiry flips.
	SweepInterval time.Duration `koanf:"sweep_interval" validate:"min=100ms"`
}

// DeliveryConfig tunes the message pipeline.
type DeliveryConfig struct {
	// MaxContentBytes caps message payload size.
	MaxContentBytes int `koanf:"max_content_bytes" validate:"min=1"`
	// UnsendWindow limits how long after sending a message may be
	// retracted. Zero means no limit.
	UnsendWindow time.Duration `koanf:"unsend_window" validate:"min=0"`
}

// ResyncConfig tunes offline reconciliation.
type ResyncConfig struct {
	// BacklogLimit bounds messages returned per resync.
	BacklogLimit int `koanf:"backlog_limit" validate:"min=1,max=1000"`
}

// RegistryConfig tunes the connection registry.
type RegistryConfig struct {
	// SessionTTL is how long a session may go without activity before the
	// sweeper evicts it.
	SessionTTL    time.Duration `koanf:"session_ttl" validate:"min=1m"`
	SweepInterval time.Duration `koanf:"sweep_interval" validate:"min=1s"`
}

// NATSConfig holds the optional cross-node bridge settings.
type NATSConfig struct {
	Enabled       bool   `koanf:"enabled"`
	URL           string `koanf:"url"`
	SubjectPrefix string `koanf:"subject_prefix"`
	// NodeID identifies this gateway node; bridge events carrying our own
	// node ID are dropped to avoid loops. Auto-generated if empty.
	NodeID string `koanf:"node_id"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error fatal panic disabled"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// Validate checks that the configuration is complete and consistent.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}

	if err := c.validateAuth(); err != nil {
		return err
	}
	if err := c.validateNATS(); err != nil {
		return err
	}
	return c.validatePresence()
}

func (c *Config) validateAuth() error {
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 characters, got %d", len(c.Auth.JWTSecret))
	}
	return nil
}

func (c *Config) validateNATS() error {
	if !c.NATS.Enabled {
		return nil
	}
	if c.NATS.URL == "" {
		return fmt.Errorf("NATS_URL is required when NATS_ENABLED=true")
	}
	if c.NATS.SubjectPrefix == "" {
		return fmt.Errorf("NATS_SUBJECT_PREFIX must not be empty when NATS is enabled")
	}
	return nil
}

func (c *Config) validatePresence() error {
	// The sweeper must tick at least twice per idle window or away flips
	// arrive visibly late.
	if c.Presence.SweepInterval > c.Presence.IdleTimeout/2 {
		return fmt.Errorf("PRESENCE_SWEEP_INTERVAL (%s) must be at most half of PRESENCE_IDLE_TIMEOUT (%s)",
			c.Presence.SweepInterval, c.Presence.IdleTimeout)
	}
	return nil
}
