// Sentinelarr - Media Server Session Guardian
// Copyright 2026 Sentinelarr contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sentinelarr/sentinelarr

// Package models defines the core domain records shared across Sentinelarr:
// playback sessions, server users, policy violations, and action audit rows.
package models

import (
	"time"

	"github.com/google/uuid"
)

// SessionState is the lifecycle state of a playback session.
// Transitions: playing <-> paused -> stopped (terminal).
type SessionState string

const (
	StatePlaying SessionState = "playing"
	StatePaused  SessionState = "paused"
	StateStopped SessionState = "stopped"
)

// Session is a single playback attempt on a media server, from first
// observation of a server-reported session key until it stops.
//
// Invariants maintained by the lifecycle manager:
//   - StoppedAt is set at most once (stop is idempotent)
//   - ReferenceID never changes once set
//   - PausedDurationMs is monotonically non-decreasing while playing/paused
type Session struct {
	ID         uuid.UUID `json:"id"`
	ServerID   string    `json:"server_id"`
	UserID     uuid.UUID `json:"user_id"`
	SessionKey string    `json:"session_key"` // server-local identifier

	State SessionState `json:"state"`

	// Media identity
	RatingKey        string `json:"rating_key"`
	MediaType        string `json:"media_type"` // movie, episode, track
	Title            string `json:"title"`
	ParentTitle      string `json:"parent_title,omitempty"`      // season / album
	GrandparentTitle string `json:"grandparent_title,omitempty"` // show / artist

	// Timing
	StartedAt       time.Time  `json:"started_at"`
	StoppedAt       *time.Time `json:"stopped_at,omitempty"`
	DurationMs      int64      `json:"duration_ms"`       // elapsed net of pauses, set on stop
	TotalDurationMs int64      `json:"total_duration_ms"` // media runtime
	ProgressMs      int64      `json:"progress_ms"`       // playhead position

	// Pause tracking
	LastPausedAt     *time.Time `json:"last_paused_at,omitempty"`
	PausedDurationMs int64      `json:"paused_duration_ms"`

	// ReferenceID links a chain of related sessions (quality changes and
	// resumes). The first session of a chain references itself.
	ReferenceID uuid.UUID `json:"reference_id"`

	// Network
	IPAddress    string  `json:"ip_address,omitempty"`
	Local        bool    `json:"local"`
	City         string  `json:"city,omitempty"`
	Region       string  `json:"region,omitempty"`
	Country      string  `json:"country,omitempty"`
	Latitude     float64 `json:"latitude,omitempty"`
	Longitude    float64 `json:"longitude,omitempty"`
	ASN          string  `json:"asn,omitempty"`
	Organization string  `json:"organization,omitempty"`

	// Device
	DeviceID string `json:"device_id,omitempty"`
	Platform string `json:"platform,omitempty"`
	Player   string `json:"player,omitempty"`
	Product  string `json:"product,omitempty"`

	// Quality snapshot
	VideoDecision   string `json:"video_decision,omitempty"` // directplay, copy, transcode
	AudioDecision   string `json:"audio_decision,omitempty"`
	QualityProfile  string `json:"quality_profile,omitempty"`
	VideoResolution string `json:"video_resolution,omitempty"`
	BitrateKbps     int64  `json:"bitrate_kbps,omitempty"`

	Watched      bool `json:"watched"`
	ForceStopped bool `json:"force_stopped"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Active reports whether the session has not yet stopped.
func (s *Session) Active() bool {
	return s.StoppedAt == nil
}

// Transcoding reports whether the video stream is being transcoded.
func (s *Session) Transcoding() bool {
	return s.VideoDecision == "transcode"
}

// ChainID returns the session's chain reference, falling back to its own ID
// when the reference was never set (pre-migration rows).
func (s *Session) ChainID() uuid.UUID {
	if s.ReferenceID != uuid.Nil {
		return s.ReferenceID
	}
	return s.ID
}

// ProcessedSession is the normalized view of one raw server-reported playback
// entry, produced by a media-server adapter. It is the input to session
// creation and carries no lifecycle state of its own.
type ProcessedSession struct {
	ServerID   string       `json:"server_id"`
	SessionKey string       `json:"session_key"`
	State      SessionState `json:"state"`

	RatingKey        string `json:"rating_key"`
	MediaType        string `json:"media_type"`
	Title            string `json:"title"`
	ParentTitle      string `json:"parent_title,omitempty"`
	GrandparentTitle string `json:"grandparent_title,omitempty"`

	StartedAt       time.Time `json:"started_at"`
	TotalDurationMs int64     `json:"total_duration_ms"`
	ProgressMs      int64     `json:"progress_ms"`

	IPAddress string `json:"ip_address,omitempty"`
	Local     bool   `json:"local"`
	DeviceID  string `json:"device_id,omitempty"`
	Platform  string `json:"platform,omitempty"`
	Player    string `json:"player,omitempty"`
	Product   string `json:"product,omitempty"`

	VideoDecision   string `json:"video_decision,omitempty"`
	AudioDecision   string `json:"audio_decision,omitempty"`
	QualityProfile  string `json:"quality_profile,omitempty"`
	VideoResolution string `json:"video_resolution,omitempty"`
	BitrateKbps     int64  `json:"bitrate_kbps,omitempty"`
}

// Geolocation is the result of resolving an IP address through the external
// geo-IP service.
type Geolocation struct {
	IPAddress    string  `json:"ip_address"`
	City         string  `json:"city,omitempty"`
	Region       string  `json:"region,omitempty"`
	Country      string  `json:"country,omitempty"`
	Latitude     float64 `json:"latitude,omitempty"`
	Longitude    float64 `json:"longitude,omitempty"`
	ASN          string  `json:"asn,omitempty"`
	Organization string  `json:"organization,omitempty"`
}

// SessionView is the denormalized session representation handed to the cache
// and broadcast collaborators. It carries display fields that the raw Session
// record stores only as references.
type SessionView struct {
	Session

	Username   string `json:"username"`
	ServerName string `json:"server_name"`
	ServerType string `json:"server_type"`
}

// CompositeKey returns the server-scoped identity used to match cached
// snapshots against poll outcomes.
func (v *SessionView) CompositeKey() string {
	return v.ServerID + "/" + v.SessionKey
}
