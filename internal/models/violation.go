// Sentinelarr - Media Server Session Guardian
// Copyright 2026 Sentinelarr contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sentinelarr/sentinelarr

package models

import (
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// Severity classifies a violation.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Violation is an immutable record that a policy rule matched for a session
// and its create_violation action fired. At most one violation exists per
// (rule, session) pair, enforced by a conflict-free insert.
type Violation struct {
	ID        uuid.UUID       `json:"id"`
	RuleID    uuid.UUID       `json:"rule_id"`
	RuleName  string          `json:"rule_name"`
	SessionID uuid.UUID       `json:"session_id"`
	UserID    uuid.UUID       `json:"user_id"`
	ServerID  string          `json:"server_id"`
	Severity  Severity        `json:"severity"`
	Details   json.RawMessage `json:"details,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// ActionResult records the outcome of one executed (or skipped) action.
// Results are persisted for audit and linked to the violation created in the
// same evaluation when one exists.
type ActionResult struct {
	ID          uuid.UUID  `json:"id"`
	RuleID      uuid.UUID  `json:"rule_id"`
	SessionID   uuid.UUID  `json:"session_id"`
	ViolationID *uuid.UUID `json:"violation_id,omitempty"`

	ActionType string `json:"action_type"`
	Success    bool   `json:"success"`
	Skipped    bool   `json:"skipped"`
	SkipReason string `json:"skip_reason,omitempty"`
	Error      string `json:"error,omitempty"`

	ExecutedAt time.Time `json:"executed_at"`
}
