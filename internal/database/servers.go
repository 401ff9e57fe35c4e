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

	"github.com/sentinelarr/sentinelarr/internal/models"
)

// ErrServerNotFound is returned when a media server lookup misses.
var ErrServerNotFound = errors.New("media server not found")

// UpsertServer registers or updates a monitored media server.
func (db *DB) UpsertServer(ctx context.Context, server *models.MediaServer) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO media_servers (id, type, name, url, api_key)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			type = excluded.type,
			name = excluded.name,
			url = excluded.url,
			api_key = excluded.api_key`,
		server.ID, string(server.Type), server.Name, server.URL, server.APIKey)
	if err != nil {
		return fmt.Errorf("upsert media server: %w", err)
	}
	return nil
}

// GetServer returns a media server by its identifier.
func (db *DB) GetServer(ctx context.Context, id string) (*models.MediaServer, error) {
	var server models.MediaServer
	var serverType string
	err := db.conn.QueryRowContext(ctx, `
		SELECT id, type, name, url, api_key FROM media_servers WHERE id = ?`, id).
		Scan(&server.ID, &serverType, &server.Name, &server.URL, &server.APIKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrServerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get media server: %w", err)
	}
	server.Type = models.ServerType(serverType)
	return &server, nil
}

// ListServers returns every registered media server.
func (db *DB) ListServers(ctx context.Context) ([]*models.MediaServer, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT id, type, name, url, api_key FROM media_servers ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query media servers: %w", err)
	}
	defer rows.Close()

	var servers []*models.MediaServer
	for rows.Next() {
		var server models.MediaServer
		var serverType string
		if err := rows.Scan(&server.ID, &serverType, &server.Name, &server.URL, &server.APIKey); err != nil {
			return nil, fmt.Errorf("scan media server: %w", err)
		}
		server.Type = models.ServerType(serverType)
		servers = append(servers, &server)
	}
	return servers, rows.Err()
}
