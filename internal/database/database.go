// Sentinelarr - Media Server Session Guardian
// Copyright 2026 Sentinelarr contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sentinelarr/sentinelarr

// Package database implements Sentinelarr's persistence layer on DuckDB:
// session rows, server users, violations, rules, action-result audit rows,
// and the pending-action confirmation queue.
//
// DuckDB uses optimistic concurrency: a write that loses against a
// concurrent transaction fails with a transaction-conflict error instead of
// blocking. IsConflict classifies those errors so callers can retry.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/sentinelarr/sentinelarr/internal/logging"
)

// Config holds database settings.
type Config struct {
	// Path is the database file; ":memory:" opens an in-memory database.
	Path string `koanf:"path" validate:"required"`

	// MaxMemory bounds DuckDB's memory usage (e.g. "1GB").
	MaxMemory string `koanf:"max_memory"`

	// Threads is DuckDB's worker thread count; 0 uses all CPUs.
	Threads int `koanf:"threads" validate:"gte=0"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Path:      "/data/sentinelarr.duckdb",
		MaxMemory: "1GB",
	}
}

// DB wraps the DuckDB connection and provides the data access methods.
type DB struct {
	conn *sql.DB
	cfg  Config
}

// New opens the database and initializes the schema.
func New(cfg Config) (*DB, error) {
	if cfg.Path == "" {
		cfg.Path = DefaultConfig().Path
	}

	if cfg.Path != ":memory:" {
		dir := filepath.Dir(cfg.Path)
		if dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("create database directory %s: %w", dir, err)
			}
		}
	}

	threads := cfg.Threads
	if threads <= 0 {
		threads = runtime.NumCPU()
	}

	connStr := cfg.Path + "?threads=" + fmt.Sprint(threads)
	if cfg.MaxMemory != "" {
		connStr += "&max_memory=" + cfg.MaxMemory
	}

	conn, err := sql.Open("duckdb", connStr)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	conn.SetMaxOpenConns(threads)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(time.Hour)

	db := &DB{conn: conn, cfg: cfg}
	if err := db.createSchema(context.Background()); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	logging.Info().Str("path", cfg.Path).Msg("database opened")
	return db, nil
}

// Close releases the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping verifies connectivity.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// IsConflict reports whether err is a DuckDB transaction conflict that a
// caller should retry.
func (db *DB) IsConflict(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "Transaction conflict") ||
		strings.Contains(msg, "Conflict on update") ||
		strings.Contains(msg, "write-write conflict")
}
