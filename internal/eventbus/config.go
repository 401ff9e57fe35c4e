// Sentinelarr - Media Server Session Guardian
// Copyright 2026 Sentinelarr contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sentinelarr/sentinelarr

// Package eventbus broadcasts session lifecycle events over Watermill. The
// default transport is an in-process Go channel Pub/Sub; deployments that
// fan events out to external consumers switch to NATS JetStream, optionally
// backed by an embedded server.
package eventbus

import (
	"time"
)

// Transport selects the Watermill backend.
type Transport string

const (
	TransportGoChannel Transport = "gochannel"
	TransportNATS      Transport = "nats"
)

// Config configures the event bus.
type Config struct {
	Transport Transport  `koanf:"transport" validate:"omitempty,oneof=gochannel nats"`
	NATS      NATSConfig `koanf:"nats"`
}

// NATSConfig configures the NATS transport and the optional embedded server.
type NATSConfig struct {
	URL string `koanf:"url"`

	// Embedded starts an in-process JetStream server instead of dialing URL.
	Embedded bool   `koanf:"embedded"`
	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
	StoreDir string `koanf:"store_dir"`

	MaxReconnects   int           `koanf:"max_reconnects"`
	ReconnectWait   time.Duration `koanf:"reconnect_wait"`
	ReconnectBuffer int           `koanf:"reconnect_buffer"`
}

// DefaultConfig returns the in-process transport defaults.
func DefaultConfig() Config {
	return Config{
		Transport: TransportGoChannel,
		NATS: NATSConfig{
			URL:             "nats://127.0.0.1:4222",
			Host:            "127.0.0.1",
			Port:            4222,
			MaxReconnects:   -1,
			ReconnectWait:   2 * time.Second,
			ReconnectBuffer: 8 * 1024 * 1024,
		},
	}
}
