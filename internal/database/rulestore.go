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

	"github.com/sentinelarr/sentinelarr/internal/logging"
	"github.com/sentinelarr/sentinelarr/internal/rules"
)

// ErrRuleNotFound is returned when a rule lookup misses.
var ErrRuleNotFound = errors.New("rule not found")

// SaveRule validates and upserts a structured rule. Saving clears any legacy
// columns on the row.
func (db *DB) SaveRule(ctx context.Context, rule *rules.Rule) error {
	if err := rules.ValidateRule(rule); err != nil {
		return err
	}
	if rule.ID == uuid.Nil {
		rule.ID = uuid.New()
	}
	now := time.Now()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now

	conditionsJSON, err := json.Marshal(rule.Conditions)
	if err != nil {
		return fmt.Errorf("marshal conditions: %w", err)
	}
	actionsJSON, err := json.Marshal(rule.Actions)
	if err != nil {
		return fmt.Errorf("marshal actions: %w", err)
	}

	_, err = db.conn.ExecContext(ctx, `
		INSERT INTO rules (id, name, enabled, server_id, user_id, conditions, actions, legacy_type, legacy_params, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, NULL, NULL, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			enabled = excluded.enabled,
			server_id = excluded.server_id,
			user_id = excluded.user_id,
			conditions = excluded.conditions,
			actions = excluded.actions,
			legacy_type = NULL,
			legacy_params = NULL,
			updated_at = excluded.updated_at`,
		rule.ID, rule.Name, rule.Enabled, nullableString(rule.ServerID),
		rule.UserID, string(conditionsJSON), string(actionsJSON),
		rule.CreatedAt, rule.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save rule: %w", err)
	}
	return nil
}

// GetRule returns a single structured rule by ID.
func (db *DB) GetRule(ctx context.Context, id uuid.UUID) (*rules.Rule, error) {
	row := db.conn.QueryRowContext(ctx, `
		SELECT id, name, enabled, server_id, user_id, conditions, actions, created_at, updated_at
		FROM rules WHERE id = ? AND legacy_type IS NULL`, id)
	r, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRuleNotFound
	}
	return r, err
}

// ListRules returns every structured rule, enabled or not.
func (db *DB) ListRules(ctx context.Context) ([]rules.Rule, error) {
	return db.queryRules(ctx, `
		SELECT id, name, enabled, server_id, user_id, conditions, actions, created_at, updated_at
		FROM rules WHERE legacy_type IS NULL
		ORDER BY name ASC`)
}

// ListEnabledRules returns the enabled structured ruleset in stable order.
// This is the set the lifecycle manager evaluates on every session creation.
func (db *DB) ListEnabledRules(ctx context.Context) ([]rules.Rule, error) {
	return db.queryRules(ctx, `
		SELECT id, name, enabled, server_id, user_id, conditions, actions, created_at, updated_at
		FROM rules WHERE enabled AND legacy_type IS NULL
		ORDER BY name ASC`)
}

// DeleteRule removes a rule. Deleting a missing rule is not an error.
func (db *DB) DeleteRule(ctx context.Context, id uuid.UUID) error {
	if _, err := db.conn.ExecContext(ctx, `DELETE FROM rules WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}
	return nil
}

// MigrateLegacyRules converts persisted flat-format rows into the structured
// format in place. Rows that fail conversion are logged and left untouched so
// a malformed row never blocks startup. Returns the number of rows migrated.
func (db *DB) MigrateLegacyRules(ctx context.Context) (int, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, name, legacy_type, legacy_params
		FROM rules WHERE legacy_type IS NOT NULL`)
	if err != nil {
		return 0, fmt.Errorf("query legacy rules: %w", err)
	}

	var legacy []rules.LegacyRule
	for rows.Next() {
		var l rules.LegacyRule
		var params sql.NullString
		if err := rows.Scan(&l.ID, &l.Name, &l.Type, &params); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan legacy rule: %w", err)
		}
		if params.Valid {
			l.Params = json.RawMessage(params.String)
		}
		legacy = append(legacy, l)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	rows.Close()

	converted, failed := rules.ConvertLegacyBatch(legacy)
	for _, convErr := range failed {
		logging.Warn().Err(convErr).Msg("Skipping unconvertible legacy rule")
	}

	migrated := 0
	for i := range converted {
		if err := db.SaveRule(ctx, &converted[i]); err != nil {
			logging.Warn().Err(err).
				Str("rule", converted[i].Name).
				Msg("Failed to persist converted legacy rule")
			continue
		}
		migrated++
	}
	if migrated > 0 {
		logging.Info().Int("count", migrated).Msg("Migrated legacy rules to structured format")
	}
	return migrated, nil
}

func (db *DB) queryRules(ctx context.Context, query string, args ...any) ([]rules.Rule, error) {
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query rules: %w", err)
	}
	defer rows.Close()

	var ruleset []rules.Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		ruleset = append(ruleset, *r)
	}
	return ruleset, rows.Err()
}

func scanRule(row rowScanner) (*rules.Rule, error) {
	var r rules.Rule
	var serverID, conditionsJSON, actionsJSON sql.NullString
	var userID uuid.NullUUID
	err := row.Scan(&r.ID, &r.Name, &r.Enabled, &serverID, &userID,
		&conditionsJSON, &actionsJSON, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan rule: %w", err)
	}
	r.ServerID = serverID.String
	if userID.Valid {
		r.UserID = &userID.UUID
	}
	if conditionsJSON.Valid && conditionsJSON.String != "" {
		if err := json.Unmarshal([]byte(conditionsJSON.String), &r.Conditions); err != nil {
			return nil, fmt.Errorf("unmarshal rule conditions: %w", err)
		}
	}
	if actionsJSON.Valid && actionsJSON.String != "" {
		if err := json.Unmarshal([]byte(actionsJSON.String), &r.Actions); err != nil {
			return nil, fmt.Errorf("unmarshal rule actions: %w", err)
		}
	}
	return &r, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
