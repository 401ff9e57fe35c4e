// Sentinelarr - Media Server Session Guardian
// Copyright 2026 Sentinelarr contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sentinelarr/sentinelarr

// Package config loads layered configuration: built-in defaults, then an
// optional YAML file, then environment variables with the SENTINELARR_
// prefix. Precedence is ENV > file > defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the config file search order.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/sentinelarr/config.yaml",
	"/etc/sentinelarr/config.yml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "SENTINELARR_CONFIG"

// Config is the root configuration.
type Config struct {
	Database  DatabaseConfig  `koanf:"database"`
	Cooldown  CooldownConfig  `koanf:"cooldown"`
	Events    EventsConfig    `koanf:"events"`
	Lifecycle LifecycleConfig `koanf:"lifecycle"`
	Server    ServerConfig    `koanf:"server"`
	Logging   LoggingConfig   `koanf:"logging"`

	// MediaServers declares the monitored servers. They are upserted into
	// the store at startup so terminate calls can resolve credentials.
	MediaServers []MediaServerConfig `koanf:"media_servers" validate:"dive"`
}

// MediaServerConfig declares one monitored media server.
type MediaServerConfig struct {
	ID     string `koanf:"id" validate:"required"`
	Type   string `koanf:"type" validate:"required,oneof=plex jellyfin emby"`
	Name   string `koanf:"name"`
	URL    string `koanf:"url" validate:"required,url"`
	APIKey string `koanf:"api_key"`
}

// DatabaseConfig configures the DuckDB store.
type DatabaseConfig struct {
	Path      string `koanf:"path" validate:"required"`
	MaxMemory string `koanf:"max_memory"`
	Threads   int    `koanf:"threads" validate:"gte=0"`
}

// CooldownConfig configures the badger-backed cooldown store.
type CooldownConfig struct {
	Path string `koanf:"path" validate:"required"`
}

// EventsConfig configures the lifecycle event bus.
type EventsConfig struct {
	Transport string `koanf:"transport" validate:"oneof=gochannel nats"`

	NATSURL      string        `koanf:"nats_url"`
	NATSEmbedded bool          `koanf:"nats_embedded"`
	NATSHost     string        `koanf:"nats_host"`
	NATSPort     int           `koanf:"nats_port" validate:"gte=0,lte=65535"`
	NATSStoreDir string        `koanf:"nats_store_dir"`
	NATSWait     time.Duration `koanf:"nats_reconnect_wait"`
}

// LifecycleConfig tunes the session lifecycle manager.
type LifecycleConfig struct {
	MaxRetries          int           `koanf:"max_retries" validate:"gte=1,lte=20"`
	RetryBackoff        time.Duration `koanf:"retry_backoff"`
	TxTimeout           time.Duration `koanf:"tx_timeout"`
	CompletionThreshold float64       `koanf:"completion_threshold" validate:"gt=0,lte=1"`
	ResumeWindow        time.Duration `koanf:"resume_window"`
	MinDurationMs       int64         `koanf:"min_duration_ms" validate:"gte=0"`
}

// ServerConfig configures the admin HTTP server.
type ServerConfig struct {
	Host    string        `koanf:"host"`
	Port    int           `koanf:"port" validate:"gte=1,lte=65535"`
	Timeout time.Duration `koanf:"timeout"`

	RateLimitReqs   int           `koanf:"rate_limit_requests" validate:"gte=1"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window"`
}

// LoggingConfig configures zerolog output.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// defaultConfig returns the built-in defaults, applied before the file and
// env layers.
func defaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path:      "/data/sentinelarr.duckdb",
			MaxMemory: "1GB",
			Threads:   0, // 0 = runtime.NumCPU()
		},
		Cooldown: CooldownConfig{
			Path: "/data/cooldowns",
		},
		Events: EventsConfig{
			Transport:    "gochannel",
			NATSURL:      "nats://127.0.0.1:4222",
			NATSEmbedded: false,
			NATSHost:     "127.0.0.1",
			NATSPort:     4222,
			NATSStoreDir: "/data/nats/jetstream",
			NATSWait:     2 * time.Second,
		},
		Lifecycle: LifecycleConfig{
			MaxRetries:          3,
			RetryBackoff:        25 * time.Millisecond,
			TxTimeout:           10 * time.Second,
			CompletionThreshold: 0.85,
			ResumeWindow:        24 * time.Hour,
			MinDurationMs:       30_000,
		},
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            3861,
			Timeout:         30 * time.Second,
			RateLimitReqs:   100,
			RateLimitWindow: time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load builds the configuration from defaults, the optional config file, and
// SENTINELARR_-prefixed environment variables, then validates it.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("SENTINELARR_", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

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

// envTransformFunc maps SENTINELARR_ environment variables to config paths.
// Multi-word leaf keys make a naive underscore-to-dot split ambiguous, so
// mappings are explicit; unmapped variables are ignored.
func envTransformFunc(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, "SENTINELARR_"))

	envMappings := map[string]string{
		"database_path":       "database.path",
		"database_max_memory": "database.max_memory",
		"database_threads":    "database.threads",

		"cooldown_path": "cooldown.path",

		"events_transport":           "events.transport",
		"events_nats_url":            "events.nats_url",
		"events_nats_embedded":       "events.nats_embedded",
		"events_nats_host":           "events.nats_host",
		"events_nats_port":           "events.nats_port",
		"events_nats_store_dir":      "events.nats_store_dir",
		"events_nats_reconnect_wait": "events.nats_reconnect_wait",

		"lifecycle_max_retries":          "lifecycle.max_retries",
		"lifecycle_retry_backoff":        "lifecycle.retry_backoff",
		"lifecycle_tx_timeout":           "lifecycle.tx_timeout",
		"lifecycle_completion_threshold": "lifecycle.completion_threshold",
		"lifecycle_resume_window":        "lifecycle.resume_window",
		"lifecycle_min_duration_ms":      "lifecycle.min_duration_ms",

		"server_host":                "server.host",
		"server_port":                "server.port",
		"server_timeout":             "server.timeout",
		"server_rate_limit_requests": "server.rate_limit_requests",
		"server_rate_limit_window":   "server.rate_limit_window",

		"log_level":  "logging.level",
		"log_format": "logging.format",
		"log_caller": "logging.caller",
	}

	if mapped, ok := envMappings[key]; ok {
		return mapped
	}
	return ""
}
