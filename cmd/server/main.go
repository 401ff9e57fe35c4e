// Sentinelarr - Media Server Session Guardian
// Copyright 2026 Sentinelarr contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sentinelarr/sentinelarr

// Command server runs the Sentinelarr daemon: the session lifecycle manager,
// rule engine, action executor, approval worker, event bus, and the HTTP
// surface, all under one supervision tree.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sentinelarr/sentinelarr/internal/actions"
	"github.com/sentinelarr/sentinelarr/internal/api"
	"github.com/sentinelarr/sentinelarr/internal/cache"
	"github.com/sentinelarr/sentinelarr/internal/config"
	"github.com/sentinelarr/sentinelarr/internal/database"
	"github.com/sentinelarr/sentinelarr/internal/eventbus"
	"github.com/sentinelarr/sentinelarr/internal/ingest"
	"github.com/sentinelarr/sentinelarr/internal/lifecycle"
	"github.com/sentinelarr/sentinelarr/internal/logging"
	"github.com/sentinelarr/sentinelarr/internal/mediaserver"
	"github.com/sentinelarr/sentinelarr/internal/models"
	"github.com/sentinelarr/sentinelarr/internal/poll"
	"github.com/sentinelarr/sentinelarr/internal/supervisor"
)

const approvalDrainInterval = 15 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "sentinelarr: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logging.Init(logging.Config{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		Caller:    cfg.Logging.Caller,
		Timestamp: true,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.New(database.Config{
		Path:      cfg.Database.Path,
		MaxMemory: cfg.Database.MaxMemory,
		Threads:   cfg.Database.Threads,
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	migrated, err := db.MigrateLegacyRules(ctx)
	if err != nil {
		return fmt.Errorf("migrate legacy rules: %w", err)
	}
	if migrated > 0 {
		logging.Info().Int("count", migrated).Msg("Migrated legacy rules")
	}

	servers, err := registerServers(ctx, db, cfg.MediaServers)
	if err != nil {
		return err
	}

	cooldowns, err := actions.OpenBadgerCooldownStore(cfg.Cooldown.Path)
	if err != nil {
		return fmt.Errorf("open cooldown store: %w", err)
	}
	defer cooldowns.Close()

	bus, err := eventbus.New(eventbus.Config{
		Transport: eventbus.Transport(cfg.Events.Transport),
		NATS: eventbus.NATSConfig{
			URL:           cfg.Events.NATSURL,
			Embedded:      cfg.Events.NATSEmbedded,
			Host:          cfg.Events.NATSHost,
			Port:          cfg.Events.NATSPort,
			StoreDir:      cfg.Events.NATSStoreDir,
			ReconnectWait: cfg.Events.NATSWait,
		},
	})
	if err != nil {
		return fmt.Errorf("start event bus: %w", err)
	}
	defer bus.Close()

	streams := actions.NewResilientStreamController(mediaserver.NewController(servers))
	executor := actions.NewExecutor(bus, streams, db, db, db, cooldowns, actions.DefaultCapabilities())

	manager := lifecycle.NewManager(db, executor, lifecycle.Config{
		MaxRetries:          cfg.Lifecycle.MaxRetries,
		RetryBackoff:        cfg.Lifecycle.RetryBackoff,
		TxTimeout:           cfg.Lifecycle.TxTimeout,
		CompletionThreshold: cfg.Lifecycle.CompletionThreshold,
		ResumeWindow:        cfg.Lifecycle.ResumeWindow,
		MinDurationMs:       cfg.Lifecycle.MinDurationMs,
	})

	processor := poll.NewProcessor(cache.NewSessionCache(), bus, bus)
	ingestor := ingest.New(db, manager, processor)

	apiServer := api.NewServer(api.Config{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		Timeout:         cfg.Server.Timeout,
		RateLimitReqs:   cfg.Server.RateLimitReqs,
		RateLimitWindow: cfg.Server.RateLimitWindow,
	}, api.NewHandler(db, ingestor))

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	tree.AddWorker(cooldowns)
	tree.AddWorker(actions.NewApprovalWorker(db, executor, approvalDrainInterval))
	tree.AddAPI(apiServer)

	logging.Info().
		Int("servers", len(servers)).
		Str("events_transport", cfg.Events.Transport).
		Msg("Sentinelarr starting")

	if err := tree.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	logging.Info().Msg("Sentinelarr stopped")
	return nil
}

// registerServers upserts the configured media servers and returns the full
// registered set, including servers persisted by earlier runs.
func registerServers(ctx context.Context, db *database.DB, configured []config.MediaServerConfig) ([]mediaserver.ServerConfig, error) {
	for _, sc := range configured {
		name := sc.Name
		if name == "" {
			name = sc.ID
		}
		server := &models.MediaServer{
			ID:     sc.ID,
			Type:   models.ServerType(sc.Type),
			Name:   name,
			URL:    sc.URL,
			APIKey: sc.APIKey,
		}
		if err := db.UpsertServer(ctx, server); err != nil {
			return nil, fmt.Errorf("register media server %s: %w", sc.ID, err)
		}
	}

	registered, err := db.ListServers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list media servers: %w", err)
	}

	servers := make([]mediaserver.ServerConfig, 0, len(registered))
	for _, s := range registered {
		servers = append(servers, mediaserver.ServerConfig{
			ID:     s.ID,
			Type:   s.Type,
			Name:   s.Name,
			URL:    s.URL,
			APIKey: s.APIKey,
		})
	}
	return servers, nil
}
