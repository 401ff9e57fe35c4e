// Sentinelarr - Media Server Session Guardian
// Copyright 2026 Sentinelarr contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sentinelarr/sentinelarr

package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sentinelarr/sentinelarr/internal/lifecycle"
	"github.com/sentinelarr/sentinelarr/internal/models"
)

// sessionTx exposes the in-transaction operations of the session-creation
// unit. DuckDB transactions are snapshot-isolated with write-conflict
// detection, which gives this unit the serializable behavior the lifecycle
// manager relies on: two concurrent creations touching the same violation or
// user row cannot both commit.
type sessionTx struct {
	tx *sql.Tx
}

var _ lifecycle.SessionTx = (*sessionTx)(nil)

// CreateSessionTx runs fn inside one transaction and commits on success.
func (db *DB) CreateSessionTx(ctx context.Context, fn func(tx lifecycle.SessionTx) error) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(&sessionTx{tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// InsertSession writes the session row inside the transaction.
func (t *sessionTx) InsertSession(ctx context.Context, s *models.Session) error {
	return insertSession(ctx, t.tx, s)
}

// RecordUserActivity bumps session_count and advances last_activity_at to
// the greater of its prior value and at.
func (t *sessionTx) RecordUserActivity(ctx context.Context, userID uuid.UUID, at time.Time) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE server_users
		SET session_count = session_count + 1,
		    last_activity_at = GREATEST(COALESCE(last_activity_at, TIMESTAMP '1970-01-01'), ?),
		    updated_at = ?
		WHERE id = ?`,
		at, time.Now(), userID,
	)
	if err != nil {
		return fmt.Errorf("record user activity: %w", err)
	}
	return nil
}

// InsertViolation performs the conflict-free insert against the
// (rule_id, session_id) unique constraint. False means the pair already had
// a violation and nothing was written.
func (t *sessionTx) InsertViolation(ctx context.Context, v *models.Violation) (bool, error) {
	result, err := t.tx.ExecContext(ctx, `
		INSERT INTO violations (id, rule_id, rule_name, session_id, user_id, server_id, severity, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (rule_id, session_id) DO NOTHING`,
		v.ID, v.RuleID, v.RuleName, v.SessionID, v.UserID, v.ServerID,
		string(v.Severity), string(v.Details), v.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert violation: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// ApplyTrustPenalty decrements the user's trust score with clamping, inside
// the transaction so the penalty is atomic with the violation insert.
func (t *sessionTx) ApplyTrustPenalty(ctx context.Context, userID uuid.UUID, penalty int) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE server_users
		SET trust_score = GREATEST(0, LEAST(100, trust_score - ?)), updated_at = ?
		WHERE id = ?`,
		penalty, time.Now(), userID,
	)
	if err != nil {
		return fmt.Errorf("apply trust penalty: %w", err)
	}
	return nil
}
