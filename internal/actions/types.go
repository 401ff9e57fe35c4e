// Sentinelarr - Media Server Session Guardian
// Copyright 2026 Sentinelarr contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sentinelarr/sentinelarr

// Package actions executes the ordered action list of a matched rule:
// dispatching each action to its handler, gating on per-(rule,target)
// cooldowns, and routing confirmation-gated actions to a manual approval
// queue. One action's failure never aborts its siblings.
package actions

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/sentinelarr/sentinelarr/internal/models"
	"github.com/sentinelarr/sentinelarr/internal/rules"
)

// Notifier enqueues outbound notifications. Channel formatting and delivery
// live outside the core.
type Notifier interface {
	Enqueue(ctx context.Context, channels []string, subject, body string) error
}

// StreamController performs remote playback side effects against a media
// server.
type StreamController interface {
	// Terminate stops a stream, optionally after a delay and with a
	// message shown to the client.
	Terminate(ctx context.Context, serverID, sessionKey string, delay time.Duration, message string) error

	// SendMessage displays a message on the client without stopping
	// playback.
	SendMessage(ctx context.Context, serverID, sessionKey, message string) error
}

// TrustStore mutates user trust scores. Implementations clamp results into
// [0,100].
type TrustStore interface {
	AdjustTrust(ctx context.Context, userID uuid.UUID, delta int) (int, error)
	SetTrust(ctx context.Context, userID uuid.UUID, value int) (int, error)
}

// ViolationSink records violations for directly executed create_violation
// actions (outside the session-creation transaction, e.g. on confirmation
// approval). The bool result reports whether a row was inserted; false means
// a violation for the (rule, session) pair already existed.
type ViolationSink interface {
	RecordViolation(ctx context.Context, v *models.Violation) (bool, error)
}

// PendingStatus is the approval state of a queued action.
type PendingStatus string

const (
	PendingStatusPending  PendingStatus = "pending"
	PendingStatusApproved PendingStatus = "approved"
	PendingStatusRejected PendingStatus = "rejected"
	PendingStatusExecuted PendingStatus = "executed"
)

// PendingAction is an action awaiting manual approval. It is a plain value
// object so it can be persisted and replayed after restart.
type PendingAction struct {
	ID        uuid.UUID     `json:"id"`
	RuleID    uuid.UUID     `json:"rule_id"`
	RuleName  string        `json:"rule_name"`
	SessionID uuid.UUID     `json:"session_id"`
	UserID    uuid.UUID     `json:"user_id"`
	ServerID  string        `json:"server_id"`
	Action    rules.Action  `json:"action"`
	Status    PendingStatus `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
}

// ConfirmationQueue holds actions that require manual approval before
// execution.
type ConfirmationQueue interface {
	Enqueue(ctx context.Context, pending *PendingAction) error
}

// CooldownStore tracks per-action re-fire gates as expiring keys. Arming is
// a blind set-with-TTL; the rare duplicate fire before a freshly armed key
// becomes visible to a concurrent worker is accepted.
type CooldownStore interface {
	// Active reports whether the cooldown key is currently armed.
	Active(ctx context.Context, key string) (bool, error)

	// Arm (re)sets the key with the given TTL.
	Arm(ctx context.Context, key string, ttl time.Duration) error
}

// Capabilities describes per-platform feature availability. It is computed
// once at startup from the configured servers and passed by reference instead
// of being probed lazily.
type Capabilities struct {
	clientMessaging map[models.ServerType]bool
}

// DefaultCapabilities returns the platform capability matrix for the
// supported media servers. Plex has no client-messaging API.
func DefaultCapabilities() *Capabilities {
	return &Capabilities{
		clientMessaging: map[models.ServerType]bool{
			models.ServerTypePlex:     false,
			models.ServerTypeJellyfin: true,
			models.ServerTypeEmby:     true,
		},
	}
}

// NewCapabilities builds a capability descriptor from an explicit matrix.
func NewCapabilities(clientMessaging map[models.ServerType]bool) *Capabilities {
	m := make(map[models.ServerType]bool, len(clientMessaging))
	for k, v := range clientMessaging {
		m[k] = v
	}
	return &Capabilities{clientMessaging: m}
}

// SupportsClientMessaging reports whether the platform can display messages
// on playback clients.
func (c *Capabilities) SupportsClientMessaging(t models.ServerType) bool {
	return c.clientMessaging[t]
}

// ExecContext carries the evaluation context an action executes against.
type ExecContext struct {
	RuleID   uuid.UUID
	RuleName string

	Session *models.Session
	User    *models.ServerUser
	Server  *models.MediaServer

	// ActiveSessions is the user's active session set (triggering session
	// included) used for target resolution.
	ActiveSessions []*models.Session

	// ViolationID links results to the violation created for the same rule
	// in the triggering transaction, when one exists.
	ViolationID *uuid.UUID
}
