// Sentinelarr - Media Server Session Guardian
// Copyright 2026 Sentinelarr contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sentinelarr/sentinelarr

package database

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/sentinelarr/sentinelarr/internal/models"
)

// RecordViolation inserts a violation outside the creation transaction, for
// directly executed create_violation actions (confirmation approvals and
// manual evaluation). Same conflict-free semantics as the in-transaction
// path.
func (db *DB) RecordViolation(ctx context.Context, v *models.Violation) (bool, error) {
	result, err := db.conn.ExecContext(ctx, `
		INSERT INTO violations (id, rule_id, rule_name, session_id, user_id, server_id, severity, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (rule_id, session_id) DO NOTHING`,
		v.ID, v.RuleID, v.RuleName, v.SessionID, v.UserID, v.ServerID,
		string(v.Severity), string(v.Details), v.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("record violation: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// ViolationsByUser returns a user's violations newest-first.
func (db *DB) ViolationsByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*models.Violation, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, rule_id, rule_name, session_id, user_id, server_id, severity, details, created_at
		FROM violations WHERE user_id = ?
		ORDER BY created_at DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query violations: %w", err)
	}
	defer rows.Close()

	var violations []*models.Violation
	for rows.Next() {
		var v models.Violation
		var severity, details string
		if err := rows.Scan(&v.ID, &v.RuleID, &v.RuleName, &v.SessionID, &v.UserID, &v.ServerID, &severity, &details, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan violation: %w", err)
		}
		v.Severity = models.Severity(severity)
		v.Details = json.RawMessage(details)
		violations = append(violations, &v)
	}
	return violations, rows.Err()
}

// InsertActionResults persists a batch of action audit rows.
func (db *DB) InsertActionResults(ctx context.Context, results []models.ActionResult) error {
	if len(results) == 0 {
		return nil
	}

	for i := range results {
		r := &results[i]
		if r.ID == uuid.Nil {
			r.ID = uuid.New()
		}
		if r.ExecutedAt.IsZero() {
			r.ExecutedAt = time.Now()
		}
		_, err := db.conn.ExecContext(ctx, `
			INSERT INTO action_results (id, rule_id, session_id, violation_id, action_type, success, skipped, skip_reason, error, executed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID, r.RuleID, r.SessionID, r.ViolationID, r.ActionType,
			r.Success, r.Skipped, r.SkipReason, r.Error, r.ExecutedAt,
		)
		if err != nil {
			return fmt.Errorf("insert action result: %w", err)
		}
	}
	return nil
}
