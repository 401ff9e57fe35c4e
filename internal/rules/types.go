// Sentinelarr - Media Server Session Guardian
// Copyright 2026 Sentinelarr contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sentinelarr/sentinelarr

// Package rules implements the policy engine: structured rule definitions,
// pure condition evaluation against a session context, and session-target
// resolution for actions.
//
// A rule is a disjunction of condition groups; each group is a conjunction of
// conditions. A rule matches when at least one of its groups has every
// condition evaluate true. Evaluation performs no I/O, so it can run
// synchronously inside the session-creation database transaction.
package rules

import (
	"time"

	"github.com/google/uuid"

	"github.com/sentinelarr/sentinelarr/internal/models"
)

// Field is the closed set of values a condition can bind against.
type Field string

const (
	// Behavioral aggregates. These are derived from the active-session set
	// and recent-session history supplied in the evaluation context.
	FieldConcurrentStreams Field = "concurrent_streams"
	FieldUniqueIPs         Field = "unique_ips"
	FieldUniqueDevices     Field = "unique_devices"
	FieldUniqueCities      Field = "unique_cities"
	FieldSessionsStarted   Field = "sessions_started"

	// Quality fields, read from the triggering session.
	FieldVideoDecision   Field = "video_decision"
	FieldQualityProfile  Field = "quality_profile"
	FieldVideoResolution Field = "video_resolution"
	FieldBitrateKbps     Field = "bitrate_kbps"
	FieldMediaType       Field = "media_type"

	// User fields.
	FieldTrustScore   Field = "trust_score"
	FieldSessionCount Field = "session_count"

	// Device fields.
	FieldPlatform Field = "platform"
	FieldPlayer   Field = "player"
	FieldDeviceID Field = "device_id"

	// Network fields.
	FieldIPAddress Field = "ip_address"
	FieldLocal     Field = "local"
	FieldCountry   Field = "country"
	FieldCity      Field = "city"
	FieldASN       Field = "asn"

	// Scope fields.
	FieldServerID   Field = "server_id"
	FieldServerType Field = "server_type"
)

// Operator is the closed set of condition operators.
type Operator string

const (
	OpEq          Operator = "eq"
	OpNe          Operator = "ne"
	OpGt          Operator = "gt"
	OpGte         Operator = "gte"
	OpLt          Operator = "lt"
	OpLte         Operator = "lte"
	OpIn          Operator = "in"
	OpNotIn       Operator = "not_in"
	OpContains    Operator = "contains"
	OpNotContains Operator = "not_contains"
)

// Condition binds a field to a value through an operator. WindowHours scopes
// behavioral aggregates to recent history (default 24h when zero);
// ExcludeSameDevice drops sessions sharing the triggering session's device
// from cross-session aggregates.
type Condition struct {
	Field             Field    `json:"field" validate:"required"`
	Operator          Operator `json:"operator" validate:"required"`
	Value             any      `json:"value"`
	WindowHours       int      `json:"window_hours,omitempty" validate:"gte=0"`
	ExcludeSameDevice bool     `json:"exclude_same_device,omitempty"`
}

// ConditionGroup is a conjunctive clause: it matches when every condition
// holds. A group with zero conditions is invalid.
type ConditionGroup struct {
	Conditions []Condition `json:"conditions" validate:"required,min=1,dive"`
}

// ConditionSet is the disjunction of a rule's condition groups. A rule with
// zero groups never matches.
type ConditionSet struct {
	Groups []ConditionGroup `json:"groups" validate:"dive"`
}

// ActionType is the closed set of remediation actions.
type ActionType string

const (
	ActionCreateViolation ActionType = "create_violation"
	ActionLogOnly         ActionType = "log_only"
	ActionNotify          ActionType = "notify"
	ActionAdjustTrust     ActionType = "adjust_trust"
	ActionSetTrust        ActionType = "set_trust"
	ActionResetTrust      ActionType = "reset_trust"
	ActionKillStream      ActionType = "kill_stream"
	ActionMessageClient   ActionType = "message_client"
)

// SessionTarget selects which of a user's active sessions an action applies
// to. The empty value means TargetTriggering.
type SessionTarget string

const (
	TargetTriggering   SessionTarget = "triggering"
	TargetOldest       SessionTarget = "oldest"
	TargetNewest       SessionTarget = "newest"
	TargetAllExceptOne SessionTarget = "all_except_one"
	TargetAllUser      SessionTarget = "all_user"
)

// Action is one entry of a rule's ordered action list. Fields beyond Type
// are interpreted per action type; unused fields are ignored.
type Action struct {
	Type   ActionType    `json:"type" validate:"required"`
	Target SessionTarget `json:"target,omitempty"`

	// create_violation
	Severity models.Severity `json:"severity,omitempty"`

	// adjust_trust (signed delta) and set_trust (absolute value)
	TrustDelta int `json:"trust_delta,omitempty"`
	TrustValue int `json:"trust_value,omitempty" validate:"gte=0,lte=100"`

	// kill_stream
	DelaySeconds int `json:"delay_seconds,omitempty" validate:"gte=0"`

	// notify / kill_stream / message_client
	Message  string   `json:"message,omitempty"`
	Channels []string `json:"channels,omitempty"`

	CooldownMinutes     int  `json:"cooldown_minutes,omitempty" validate:"gte=0"`
	RequireConfirmation bool `json:"require_confirmation,omitempty"`
}

// Rule is a named, optionally scoped policy: a condition set plus an ordered
// action list.
type Rule struct {
	ID      uuid.UUID `json:"id"`
	Name    string    `json:"name" validate:"required"`
	Enabled bool      `json:"enabled"`

	// ServerID scopes the rule to one server; empty applies everywhere.
	ServerID string `json:"server_id,omitempty"`
	// UserID scopes the rule to one server user; nil applies to all users.
	UserID *uuid.UUID `json:"user_id,omitempty"`

	Conditions ConditionSet `json:"conditions"`
	Actions    []Action     `json:"actions" validate:"required,min=1,dive"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EvalContext carries everything evaluation may read. ActiveSessions is the
// user's currently active session set including the triggering session,
// sorted oldest-first by start time. RecentSessions is the user's recent
// history (active and stopped) used by windowed aggregates.
type EvalContext struct {
	Session *models.Session
	User    *models.ServerUser
	Server  *models.MediaServer

	ActiveSessions []*models.Session
	RecentSessions []*models.Session

	Now time.Time
}

// Result is the outcome of evaluating one rule.
type Result struct {
	RuleID        uuid.UUID `json:"rule_id"`
	RuleName      string    `json:"rule_name"`
	Matched       bool      `json:"matched"`
	MatchedGroups []int     `json:"matched_groups,omitempty"`
	Actions       []Action  `json:"actions,omitempty"`

	// Errors records unknown fields or operators encountered while
	// evaluating. Rules are user-authored configuration, so these are
	// reported rather than raised.
	Errors []string `json:"errors,omitempty"`
}
