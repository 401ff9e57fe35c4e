// Sentinelarr - Media Server Session Guardian
// Copyright 2026 Sentinelarr contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sentinelarr/sentinelarr

package database

import (
	"context"
	"fmt"
)

// schemaStatements creates all tables. Statements are idempotent so startup
// can run them unconditionally.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS media_servers (
		id VARCHAR PRIMARY KEY,
		type VARCHAR NOT NULL,
		name VARCHAR NOT NULL,
		url VARCHAR NOT NULL,
		api_key VARCHAR NOT NULL DEFAULT ''
	)`,

	`CREATE TABLE IF NOT EXISTS server_users (
		id UUID PRIMARY KEY,
		server_id VARCHAR NOT NULL,
		server_user_id VARCHAR NOT NULL,
		username VARCHAR NOT NULL,
		trust_score INTEGER NOT NULL DEFAULT 100,
		session_count BIGINT NOT NULL DEFAULT 0,
		last_activity_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		UNIQUE (server_id, server_user_id)
	)`,

	`CREATE TABLE IF NOT EXISTS sessions (
		id UUID PRIMARY KEY,
		server_id VARCHAR NOT NULL,
		user_id UUID NOT NULL,
		session_key VARCHAR NOT NULL,
		state VARCHAR NOT NULL,
		rating_key VARCHAR,
		media_type VARCHAR,
		title VARCHAR,
		parent_title VARCHAR,
		grandparent_title VARCHAR,
		started_at TIMESTAMP NOT NULL,
		stopped_at TIMESTAMP,
		duration_ms BIGINT NOT NULL DEFAULT 0,
		total_duration_ms BIGINT NOT NULL DEFAULT 0,
		progress_ms BIGINT NOT NULL DEFAULT 0,
		last_paused_at TIMESTAMP,
		paused_duration_ms BIGINT NOT NULL DEFAULT 0,
		reference_id UUID,
		ip_address VARCHAR,
		local BOOLEAN NOT NULL DEFAULT FALSE,
		city VARCHAR,
		region VARCHAR,
		country VARCHAR,
		latitude DOUBLE NOT NULL DEFAULT 0,
		longitude DOUBLE NOT NULL DEFAULT 0,
		asn VARCHAR,
		organization VARCHAR,
		device_id VARCHAR,
		platform VARCHAR,
		player VARCHAR,
		product VARCHAR,
		video_decision VARCHAR,
		audio_decision VARCHAR,
		quality_profile VARCHAR,
		video_resolution VARCHAR,
		bitrate_kbps BIGINT NOT NULL DEFAULT 0,
		watched BOOLEAN NOT NULL DEFAULT FALSE,
		force_stopped BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		UNIQUE (server_id, session_key, started_at)
	)`,

	`CREATE TABLE IF NOT EXISTS violations (
		id UUID PRIMARY KEY,
		rule_id UUID NOT NULL,
		rule_name VARCHAR NOT NULL,
		session_id UUID NOT NULL,
		user_id UUID NOT NULL,
		server_id VARCHAR NOT NULL,
		severity VARCHAR NOT NULL,
		details VARCHAR,
		created_at TIMESTAMP NOT NULL,
		UNIQUE (rule_id, session_id)
	)`,

	`CREATE TABLE IF NOT EXISTS rules (
		id UUID PRIMARY KEY,
		name VARCHAR NOT NULL,
		enabled BOOLEAN NOT NULL DEFAULT TRUE,
		server_id VARCHAR,
		user_id UUID,
		conditions VARCHAR,
		actions VARCHAR,
		legacy_type VARCHAR,
		legacy_params VARCHAR,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS action_results (
		id UUID PRIMARY KEY,
		rule_id UUID NOT NULL,
		session_id UUID NOT NULL,
		violation_id UUID,
		action_type VARCHAR NOT NULL,
		success BOOLEAN NOT NULL DEFAULT FALSE,
		skipped BOOLEAN NOT NULL DEFAULT FALSE,
		skip_reason VARCHAR,
		error VARCHAR,
		executed_at TIMESTAMP NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS pending_actions (
		id UUID PRIMARY KEY,
		rule_id UUID NOT NULL,
		rule_name VARCHAR NOT NULL,
		session_id UUID NOT NULL,
		user_id UUID NOT NULL,
		server_id VARCHAR NOT NULL,
		action VARCHAR NOT NULL,
		status VARCHAR NOT NULL DEFAULT 'pending',
		created_at TIMESTAMP NOT NULL
	)`,

	`CREATE INDEX IF NOT EXISTS idx_sessions_user_active
		ON sessions (user_id, stopped_at)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_server_key
		ON sessions (server_id, session_key)`,
	`CREATE INDEX IF NOT EXISTS idx_violations_user
		ON violations (user_id, created_at)`,
}

// createSchema runs all schema statements.
func (db *DB) createSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := db.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return nil
}
