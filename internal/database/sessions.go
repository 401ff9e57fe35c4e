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

const sessionColumns = `id, server_id, user_id, session_key, state,
	rating_key, media_type, title, parent_title, grandparent_title,
	started_at, stopped_at, duration_ms, total_duration_ms, progress_ms,
	last_paused_at, paused_duration_ms, reference_id,
	ip_address, local, city, region, country, latitude, longitude, asn, organization,
	device_id, platform, player, product,
	video_decision, audio_decision, quality_profile, video_resolution, bitrate_kbps,
	watched, force_stopped, created_at, updated_at`

// insertSession writes one session row through the given execer, which may
// be the connection or an open transaction.
func insertSession(ctx context.Context, ex execer, s *models.Session) error {
	query := `INSERT INTO sessions (` + sessionColumns + `) VALUES (
		?, ?, ?, ?, ?,
		?, ?, ?, ?, ?,
		?, ?, ?, ?, ?,
		?, ?, ?,
		?, ?, ?, ?, ?, ?, ?, ?, ?,
		?, ?, ?, ?,
		?, ?, ?, ?, ?,
		?, ?, ?, ?
	)`

	_, err := ex.ExecContext(ctx, query,
		s.ID, s.ServerID, s.UserID, s.SessionKey, string(s.State),
		s.RatingKey, s.MediaType, s.Title, s.ParentTitle, s.GrandparentTitle,
		s.StartedAt, s.StoppedAt, s.DurationMs, s.TotalDurationMs, s.ProgressMs,
		s.LastPausedAt, s.PausedDurationMs, s.ReferenceID,
		s.IPAddress, s.Local, s.City, s.Region, s.Country, s.Latitude, s.Longitude, s.ASN, s.Organization,
		s.DeviceID, s.Platform, s.Player, s.Product,
		s.VideoDecision, s.AudioDecision, s.QualityProfile, s.VideoResolution, s.BitrateKbps,
		s.Watched, s.ForceStopped, s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// MarkSessionStopped applies the terminal stop update. The WHERE clause
// conditions on stopped_at IS NULL so concurrent duplicate stops apply
// exactly once; the returned bool reports whether this call won.
func (db *DB) MarkSessionStopped(ctx context.Context, sessionID uuid.UUID, stoppedAt time.Time, durationMs int64, watched, forceStopped bool) (bool, error) {
	result, err := db.conn.ExecContext(ctx, `
		UPDATE sessions
		SET state = ?, stopped_at = ?, duration_ms = ?, watched = ?, force_stopped = ?, updated_at = ?
		WHERE id = ? AND stopped_at IS NULL`,
		string(models.StateStopped), stoppedAt, durationMs, watched, forceStopped, time.Now(), sessionID,
	)
	if err != nil {
		return false, fmt.Errorf("mark session stopped: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// UpdatePlayState overwrites the mutable play-state fields of an active
// session. Playing/paused transitions originate from a single poll source
// per session, so last-write-wins is sufficient here.
func (db *DB) UpdatePlayState(ctx context.Context, sessionID uuid.UUID, state models.SessionState, progressMs int64, lastPausedAt *time.Time, pausedDurationMs int64) error {
	_, err := db.conn.ExecContext(ctx, `
		UPDATE sessions
		SET state = ?, progress_ms = ?, last_paused_at = ?, paused_duration_ms = ?, updated_at = ?
		WHERE id = ? AND stopped_at IS NULL`,
		string(state), progressMs, lastPausedAt, pausedDurationMs, time.Now(), sessionID,
	)
	if err != nil {
		return fmt.Errorf("update play state: %w", err)
	}
	return nil
}

// GetSession loads one session by ID.
func (db *DB) GetSession(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return s, err
}

// FindActiveByServerKey locates the active session for a composite
// server+session-key identity, or nil when none is active.
func (db *DB) FindActiveByServerKey(ctx context.Context, serverID, sessionKey string) (*models.Session, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE server_id = ? AND session_key = ? AND stopped_at IS NULL
		 ORDER BY started_at DESC LIMIT 1`, serverID, sessionKey)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return s, err
}

// ActiveSessionsByUser returns the user's currently active sessions sorted
// oldest-first by start time.
func (db *DB) ActiveSessionsByUser(ctx context.Context, userID uuid.UUID) ([]*models.Session, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE user_id = ? AND stopped_at IS NULL
		 ORDER BY started_at ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("query active sessions: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

// RecentSessionsByUser returns the user's sessions started since the cutoff,
// newest-first. Both active and stopped sessions are included; windowed rule
// aggregates and resume detection both read this history.
func (db *DB) RecentSessionsByUser(ctx context.Context, userID uuid.UUID, since time.Time) ([]*models.Session, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE user_id = ? AND started_at >= ?
		 ORDER BY started_at DESC`, userID, since)
	if err != nil {
		return nil, fmt.Errorf("query recent sessions: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// execer covers *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func scanSession(row rowScanner) (*models.Session, error) {
	var s models.Session
	var state string
	var stoppedAt, lastPausedAt sql.NullTime
	var referenceID uuid.NullUUID

	err := row.Scan(
		&s.ID, &s.ServerID, &s.UserID, &s.SessionKey, &state,
		&s.RatingKey, &s.MediaType, &s.Title, &s.ParentTitle, &s.GrandparentTitle,
		&s.StartedAt, &stoppedAt, &s.DurationMs, &s.TotalDurationMs, &s.ProgressMs,
		&lastPausedAt, &s.PausedDurationMs, &referenceID,
		&s.IPAddress, &s.Local, &s.City, &s.Region, &s.Country, &s.Latitude, &s.Longitude, &s.ASN, &s.Organization,
		&s.DeviceID, &s.Platform, &s.Player, &s.Product,
		&s.VideoDecision, &s.AudioDecision, &s.QualityProfile, &s.VideoResolution, &s.BitrateKbps,
		&s.Watched, &s.ForceStopped, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	s.State = models.SessionState(state)
	if stoppedAt.Valid {
		t := stoppedAt.Time
		s.StoppedAt = &t
	}
	if lastPausedAt.Valid {
		t := lastPausedAt.Time
		s.LastPausedAt = &t
	}
	if referenceID.Valid {
		s.ReferenceID = referenceID.UUID
	}
	return &s, nil
}

func scanSessions(rows *sql.Rows) ([]*models.Session, error) {
	var sessions []*models.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}
