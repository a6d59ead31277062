// Parley - Real-Time Chat Presence and Message Delivery Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/parley

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// validSecret satisfies the 32-character minimum.
const validSecret = "0123456789abcdef0123456789abcdef"

func validConfig() *Config {
	cfg := defaultConfig()
	cfg.Auth.JWTSecret = validSecret
	return cfg
}

func TestDefaultConfigValidates(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config with secret should validate: %v", err)
	}
}

func TestDefaultValues(t *testing.T) {
	t.Parallel()

	cfg := defaultConfig()

	if cfg.Presence.IdleTimeout != 5*time.Minute {
		t.Errorf("idle timeout = %v, expected 5m", cfg.Presence.IdleTimeout)
	}
	if cfg.Presence.OfflineGrace != 15*time.Second {
		t.Errorf("offline grace = %v, expected 15s", cfg.Presence.OfflineGrace)
	}
	if cfg.Resync.BacklogLimit != 50 {
		t.Errorf("backlog limit = %d, expected 50", cfg.Resync.BacklogLimit)
	}
	if cfg.Delivery.UnsendWindow != 0 {
		t.Errorf("unsend window = %v, expected 0 (unlimited)", cfg.Delivery.UnsendWindow)
	}
	if cfg.NATS.Enabled {
		t.Error("NATS bridge should be disabled by default")
	}
}

func TestValidateAuth(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		secret  string
		wantErr string
	}{
		{"missing", "", "JWT_SECRET is required"},
		{"too short", "short", "at least 32 characters"},
		{"valid", validSecret, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			cfg.Auth.JWTSecret = tt.secret

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got: %v", tt.wantErr, err)
			}
		})
	}
}

func TestValidateNATS(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.NATS.Enabled = true
	cfg.NATS.URL = ""

	if err := cfg.Validate(); err == nil {
		t.Error("expected error for enabled NATS without URL")
	}

	cfg.NATS.URL = "nats://127.0.0.1:4222"
	cfg.NATS.SubjectPrefix = ""
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for enabled NATS without subject prefix")
	}

	cfg.NATS.SubjectPrefix = "parley"
	if err := cfg.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestValidatePresenceSweep(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Presence.IdleTimeout = 10 * time.Second
	cfg.Presence.SweepInterval = 8 * time.Second

	if err := cfg.Validate(); err == nil {
		t.Error("expected error when sweep interval exceeds half the idle timeout")
	}
}

func TestValidatePortRange(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Server.Port = 0

	if err := cfg.Validate(); err == nil {
		t.Error("expected error for port 0")
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("JWT_SECRET", validSecret)
	t.Setenv("HTTP_PORT", "9999")
	t.Setenv("PRESENCE_OFFLINE_GRACE", "30s")
	t.Setenv("RESYNC_BACKLOG_LIMIT", "75")
	t.Setenv("BADGER_PATH", t.TempDir())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Port != 9999 {
		t.Errorf("port = %d, expected 9999 from env", cfg.Server.Port)
	}
	if cfg.Presence.OfflineGrace != 30*time.Second {
		t.Errorf("offline grace = %v, expected 30s from env", cfg.Presence.OfflineGrace)
	}
	if cfg.Resync.BacklogLimit != 75 {
		t.Errorf("backlog limit = %d, expected 75 from env", cfg.Resync.BacklogLimit)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	content := `
server:
  port: 7001
presence:
  idle_timeout: 2m
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv(ConfigPathEnvVar, path)
	t.Setenv("JWT_SECRET", validSecret)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Port != 7001 {
		t.Errorf("port = %d, expected 7001 from file", cfg.Server.Port)
	}
	if cfg.Presence.IdleTimeout != 2*time.Minute {
		t.Errorf("idle timeout = %v, expected 2m from file", cfg.Presence.IdleTimeout)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	if err := os.WriteFile(path, []byte("server:\n  port: 7001\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv(ConfigPathEnvVar, path)
	t.Setenv("JWT_SECRET", validSecret)
	t.Setenv("HTTP_PORT", "7002")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Port != 7002 {
		t.Errorf("port = %d, env must override file", cfg.Server.Port)
	}
}

func TestEnvTransformFunc(t *testing.T) {
	t.Parallel()

	tests := []struct {
		env  string
		path string
	}{
		{"HTTP_PORT", "server.port"},
		{"JWT_SECRET", "auth.jwt_secret"},
		{"PRESENCE_IDLE_TIMEOUT", "presence.idle_timeout"},
		{"UNSEND_WINDOW", "delivery.unsend_window"},
		{"NATS_ENABLED", "nats.enabled"},
		{"PATH", ""},     // unmapped vars are skipped
		{"HOSTNAME", ""}, // unmapped vars are skipped
	}

	for _, tt := range tests {
		t.Run(tt.env, func(t *testing.T) {
			if got := envTransformFunc(tt.env); got != tt.path {
				t.Errorf("envTransformFunc(%q) = %q, expected %q", tt.env, got, tt.path)
			}
		})
	}
}
