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

	"github.com/google/uuid"

	"github.com/sentinelarr/sentinelarr/internal/models"
)

const userColumns = `id, server_id, server_user_id, username, trust_score,
	session_count, last_activity_at, created_at, updated_at`

// GetOrCreateUser resolves a server user by its server-side identity,
// creating the row with the default trust score on first sight.
func (db *DB) GetOrCreateUser(ctx context.Context, serverID, serverUserID, username string) (*models.ServerUser, error) {
	user, err := db.findUserByServerIdentity(ctx, serverID, serverUserID)
	if err != nil {
		return nil, err
	}
	if user != nil {
		return user, nil
	}

	now := time.Now()
	user = &models.ServerUser{
		ID:           uuid.New(),
		ServerID:     serverID,
		ServerUserID: serverUserID,
		Username:     username,
		TrustScore:   models.TrustDefault,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	_, err = db.conn.ExecContext(ctx, `
		INSERT INTO server_users (`+userColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (server_id, server_user_id) DO NOTHING`,
		user.ID, user.ServerID, user.ServerUserID, user.Username, user.TrustScore,
		user.SessionCount, user.LastActivityAt, user.CreatedAt, user.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert server user: %w", err)
	}

	// A concurrent worker may have inserted first; read back the winner.
	return db.findUserByServerIdentity(ctx, serverID, serverUserID)
}

// GetUser loads one server user by ID.
func (db *DB) GetUser(ctx context.Context, id uuid.UUID) (*models.ServerUser, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM server_users WHERE id = ?`, id)
	user, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return user, err
}

func (db *DB) findUserByServerIdentity(ctx context.Context, serverID, serverUserID string) (*models.ServerUser, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM server_users
		 WHERE server_id = ? AND server_user_id = ?`, serverID, serverUserID)
	user, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return user, err
}

// AdjustTrust applies a signed delta to the user's trust score, clamped to
// [0,100], and returns the resulting score.
func (db *DB) AdjustTrust(ctx context.Context, userID uuid.UUID, delta int) (int, error) {
	row := db.conn.QueryRowContext(ctx, `
		UPDATE server_users
		SET trust_score = GREATEST(0, LEAST(100, trust_score + ?)), updated_at = ?
		WHERE id = ?
		RETURNING trust_score`,
		delta, time.Now(), userID,
	)
	var score int
	if err := row.Scan(&score); err != nil {
		return 0, fmt.Errorf("adjust trust: %w", err)
	}
	return score, nil
}

// SetTrust writes an absolute trust score, clamped to [0,100], and returns
// the stored value.
func (db *DB) SetTrust(ctx context.Context, userID uuid.UUID, value int) (int, error) {
	row := db.conn.QueryRowContext(ctx, `
		UPDATE server_users
		SET trust_score = GREATEST(0, LEAST(100, ?)), updated_at = ?
		WHERE id = ?
		RETURNING trust_score`,
		value, time.Now(), userID,
	)
	var score int
	if err := row.Scan(&score); err != nil {
		return 0, fmt.Errorf("set trust: %w", err)
	}
	return score, nil
}

// RecoverTrust increases every user's trust score by amount, clamped to the
// upper bound. Run by the daily recovery job.
func (db *DB) RecoverTrust(ctx context.Context, amount int) error {
	_, err := db.conn.ExecContext(ctx, `
		UPDATE server_users
		SET trust_score = LEAST(100, trust_score + ?), updated_at = ?
		WHERE trust_score < 100`,
		amount, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("recover trust: %w", err)
	}
	return nil
}

func scanUser(row rowScanner) (*models.ServerUser, error) {
	var u models.ServerUser
	var lastActivity sql.NullTime

	err := row.Scan(
		&u.ID, &u.ServerID, &u.ServerUserID, &u.Username, &u.TrustScore,
		&u.SessionCount, &lastActivity, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if lastActivity.Valid {
		t := lastActivity.Time
		u.LastActivityAt = &t
	}
	return &u, nil
}
