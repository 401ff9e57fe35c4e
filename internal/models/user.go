// Sentinelarr - Media Server Session Guardian
// Copyright 2026 Sentinelarr contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sentinelarr/sentinelarr

package models

import (
	"time"

	"github.com/google/uuid"
)

// Trust score bounds. All trust mutations clamp into this range.
const (
	TrustMin     = 0
	TrustMax     = 100
	TrustDefault = 100
)

// ServerUser is a user account on a specific media server.
type ServerUser struct {
	ID       uuid.UUID `json:"id"`
	ServerID string    `json:"server_id"`

	// ServerUserID is the server's own identifier for this account.
	ServerUserID string `json:"server_user_id"`
	Username     string `json:"username"`

	// TrustScore is a bounded [0,100] reputation value, decremented by
	// violations and recovered over time.
	TrustScore int `json:"trust_score"`

	SessionCount   int64      `json:"session_count"`
	LastActivityAt *time.Time `json:"last_activity_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ClampTrust bounds a trust value into [TrustMin, TrustMax].
func ClampTrust(v int) int {
	if v < TrustMin {
		return TrustMin
	}
	if v > TrustMax {
		return TrustMax
	}
	return v
}

// ServerType identifies a media server platform.
type ServerType string

const (
	ServerTypePlex     ServerType = "plex"
	ServerTypeJellyfin ServerType = "jellyfin"
	ServerTypeEmby     ServerType = "emby"
)

// MediaServer is a monitored media server instance.
type MediaServer struct {
	ID   string     `json:"id"`
	Type ServerType `json:"type"`
	Name string     `json:"name"`
	URL  string     `json:"url"`

	// APIKey authenticates terminate and message calls. Never serialized.
	APIKey string `json:"-"`
}
