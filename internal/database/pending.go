// Sentinelarr - Media Server Session Guardian
// Copyright 2026 Sentinelarr contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sentinelarr/sentinelarr

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/sentinelarr/sentinelarr/internal/actions"
)

// ErrPendingNotFound is returned when a pending action lookup misses.
var ErrPendingNotFound = errors.New("pending action not found")

// Enqueue persists an action awaiting manual approval.
func (db *DB) Enqueue(ctx context.Context, pending *actions.PendingAction) error {
	if pending.ID == uuid.Nil {
		pending.ID = uuid.New()
	}
	if pending.CreatedAt.IsZero() {
		pending.CreatedAt = time.Now()
	}
	if pending.Status == "" {
		pending.Status = actions.PendingStatusPending
	}

	actionJSON, err := json.Marshal(pending.Action)
	if err != nil {
		return fmt.Errorf("marshal pending action: %w", err)
	}

	_, err = db.conn.ExecContext(ctx, `
		INSERT INTO pending_actions (id, rule_id, rule_name, session_id, user_id, server_id, action, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		pending.ID, pending.RuleID, pending.RuleName, pending.SessionID,
		pending.UserID, pending.ServerID, string(actionJSON),
		string(pending.Status), pending.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("enqueue pending action: %w", err)
	}
	return nil
}

// GetPendingAction returns a single queued action by ID.
func (db *DB) GetPendingAction(ctx context.Context, id uuid.UUID) (*actions.PendingAction, error) {
	row := db.conn.QueryRowContext(ctx, `
		SELECT id, rule_id, rule_name, session_id, user_id, server_id, action, status, created_at
		FROM pending_actions WHERE id = ?`, id)
	p, err := scanPending(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPendingNotFound
	}
	return p, err
}

// ListPendingActions returns queued actions in the given status, oldest-first.
// An empty status lists everything.
func (db *DB) ListPendingActions(ctx context.Context, status actions.PendingStatus, limit int) ([]*actions.PendingAction, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, rule_id, rule_name, session_id, user_id, server_id, action, status, created_at
		FROM pending_actions`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at ASC LIMIT ?`
	args = append(args, limit)

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query pending actions: %w", err)
	}
	defer rows.Close()

	var pendings []*actions.PendingAction
	for rows.Next() {
		p, err := scanPending(rows)
		if err != nil {
			return nil, err
		}
		pendings = append(pendings, p)
	}
	return pendings, rows.Err()
}

// SetPendingStatus transitions a queued action out of the pending state. It
// only moves rows that are still pending, so concurrent approve and reject
// calls cannot both win. The bool result reports whether this call applied
// the transition.
func (db *DB) SetPendingStatus(ctx context.Context, id uuid.UUID, status actions.PendingStatus) (bool, error) {
	result, err := db.conn.ExecContext(ctx, `
		UPDATE pending_actions SET status = ?
		WHERE id = ? AND status = ?`,
		string(status), id, string(actions.PendingStatusPending))
	if err != nil {
		return false, fmt.Errorf("set pending status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// MarkPendingExecuted records that an approved action has been carried out.
func (db *DB) MarkPendingExecuted(ctx context.Context, id uuid.UUID) error {
	_, err := db.conn.ExecContext(ctx, `
		UPDATE pending_actions SET status = ?
		WHERE id = ? AND status = ?`,
		string(actions.PendingStatusExecuted), id, string(actions.PendingStatusApproved))
	if err != nil {
		return fmt.Errorf("mark pending executed: %w", err)
	}
	return nil
}

// LoadExecContext rebuilds the execution context for an approved pending
// action from persisted state. The media server record is optional; missing
// servers only disable capability-aware handling.
func (db *DB) LoadExecContext(ctx context.Context, pending *actions.PendingAction) (actions.ExecContext, error) {
	session, err := db.GetSession(ctx, pending.SessionID)
	if err != nil {
		return actions.ExecContext{}, fmt.Errorf("load session for pending action: %w", err)
	}

	user, err := db.GetUser(ctx, pending.UserID)
	if err != nil {
		return actions.ExecContext{}, fmt.Errorf("load user for pending action: %w", err)
	}

	server, err := db.GetServer(ctx, pending.ServerID)
	if err != nil && !errors.Is(err, ErrServerNotFound) {
		return actions.ExecContext{}, err
	}

	active, err := db.ActiveSessionsByUser(ctx, pending.UserID)
	if err != nil {
		return actions.ExecContext{}, fmt.Errorf("load active sessions for pending action: %w", err)
	}

	return actions.ExecContext{
		RuleID:         pending.RuleID,
		RuleName:       pending.RuleName,
		Session:        session,
		User:           user,
		Server:         server,
		ActiveSessions: active,
	}, nil
}

func scanPending(row rowScanner) (*actions.PendingAction, error) {
	var p actions.PendingAction
	var actionJSON, status string
	err := row.Scan(&p.ID, &p.RuleID, &p.RuleName, &p.SessionID, &p.UserID,
		&p.ServerID, &actionJSON, &status, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan pending action: %w", err)
	}
	if err := json.Unmarshal([]byte(actionJSON), &p.Action); err != nil {
		return nil, fmt.Errorf("unmarshal pending action: %w", err)
	}
	p.Status = actions.PendingStatus(status)
	return &p, nil
}
