// Sentinelarr - Media Server Session Guardian
// Copyright 2026 Sentinelarr contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sentinelarr/sentinelarr

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Port != 3861 {
		t.Errorf("server port = %d, want 3861", cfg.Server.Port)
	}
	if cfg.Events.Transport != "gochannel" {
		t.Errorf("events transport = %q, want gochannel", cfg.Events.Transport)
	}
	if cfg.Lifecycle.CompletionThreshold != 0.85 {
		t.Errorf("completion threshold = %v, want 0.85", cfg.Lifecycle.CompletionThreshold)
	}
	if cfg.Lifecycle.ResumeWindow != 24*time.Hour {
		t.Errorf("resume window = %v, want 24h", cfg.Lifecycle.ResumeWindow)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("logging = %q/%q, want info/json", cfg.Logging.Level, cfg.Logging.Format)
	}
	if len(cfg.MediaServers) != 0 {
		t.Errorf("media servers = %d, want none by default", len(cfg.MediaServers))
	}
}

func TestLoad_ConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	raw := `
server:
  port: 4000
lifecycle:
  completion_threshold: 0.9
media_servers:
  - id: plex-main
    type: plex
    name: Main
    url: http://plex:32400
    api_key: secret
`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv(ConfigPathEnvVar, path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Port != 4000 {
		t.Errorf("server port = %d, want 4000 from file", cfg.Server.Port)
	}
	if cfg.Lifecycle.CompletionThreshold != 0.9 {
		t.Errorf("completion threshold = %v, want 0.9", cfg.Lifecycle.CompletionThreshold)
	}
	if len(cfg.MediaServers) != 1 {
		t.Fatalf("media servers = %d, want 1", len(cfg.MediaServers))
	}
	server := cfg.MediaServers[0]
	if server.ID != "plex-main" || server.Type != "plex" || server.APIKey != "secret" {
		t.Errorf("media server = %+v", server)
	}
	// Unset fields keep their defaults.
	if cfg.Database.MaxMemory != "1GB" {
		t.Errorf("database max memory = %q, want default", cfg.Database.MaxMemory)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: 4000\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv(ConfigPathEnvVar, path)
	t.Setenv("SENTINELARR_SERVER_PORT", "5000")
	t.Setenv("SENTINELARR_LOG_LEVEL", "debug")
	t.Setenv("SENTINELARR_EVENTS_TRANSPORT", "nats")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 5000 {
		t.Errorf("server port = %d, want env override 5000", cfg.Server.Port)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("log level = %q, want debug", cfg.Logging.Level)
	}
	if cfg.Events.Transport != "nats" {
		t.Errorf("events transport = %q, want nats", cfg.Events.Transport)
	}
}

func TestLoad_UnmappedEnvIgnored(t *testing.T) {
	t.Setenv("SENTINELARR_NO_SUCH_KEY", "whatever")

	if _, err := Load(); err != nil {
		t.Fatalf("unmapped env var must be ignored: %v", err)
	}
}

func TestLoad_ValidationFailures(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"bad log level", "SENTINELARR_LOG_LEVEL", "verbose"},
		{"bad transport", "SENTINELARR_EVENTS_TRANSPORT", "kafka"},
		{"port out of range", "SENTINELARR_SERVER_PORT", "70000"},
		{"threshold above one", "SENTINELARR_LIFECYCLE_COMPLETION_THRESHOLD", "1.5"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			if _, err := Load(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestLoad_InvalidMediaServer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	raw := `
media_servers:
  - id: plex-main
    type: kodi
    url: http://plex:32400
`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv(ConfigPathEnvVar, path)

	if _, err := Load(); err == nil {
		t.Error("unsupported server type must fail validation")
	}
}
