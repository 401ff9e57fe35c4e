// Sentinelarr - Media Server Session Guardian
// Copyright 2026 Sentinelarr contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sentinelarr/sentinelarr

// Package ingest bridges external session observers (pollers, webhook
// receivers) to the lifecycle manager. It assembles the per-creation context
// the manager needs, runs deferred effects after commit, and feeds the poll
// processor one reconciliation batch per outcome. Failures are isolated per
// session: an error skips that session for the cycle and the next observation
// retries it.
package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sentinelarr/sentinelarr/internal/database"
	"github.com/sentinelarr/sentinelarr/internal/lifecycle"
	"github.com/sentinelarr/sentinelarr/internal/logging"
	"github.com/sentinelarr/sentinelarr/internal/models"
	"github.com/sentinelarr/sentinelarr/internal/poll"
	"github.com/sentinelarr/sentinelarr/internal/rules"
)

// recentWindow bounds how much history is loaded for windowed rule
// aggregates and resume linkage.
const recentWindow = 24 * time.Hour

// Store is the persistence surface the service reads.
type Store interface {
	GetServer(ctx context.Context, id string) (*models.MediaServer, error)
	GetOrCreateUser(ctx context.Context, serverID, serverUserID, username string) (*models.ServerUser, error)
	FindActiveByServerKey(ctx context.Context, serverID, sessionKey string) (*models.Session, error)
	ActiveSessionsByUser(ctx context.Context, userID uuid.UUID) ([]*models.Session, error)
	RecentSessionsByUser(ctx context.Context, userID uuid.UUID, since time.Time) ([]*models.Session, error)
	ListEnabledRules(ctx context.Context) ([]rules.Rule, error)
	UpdatePlayState(ctx context.Context, sessionID uuid.UUID, state models.SessionState, progressMs int64, lastPausedAt *time.Time, pausedDurationMs int64) error
}

// UserIdentity names the server-side account a session belongs to.
type UserIdentity struct {
	ServerUserID string
	Username     string
}

// Service orchestrates observation handling.
type Service struct {
	store     Store
	manager   *lifecycle.Manager
	processor *poll.Processor

	now func() time.Time
}

// New builds the ingest service.
func New(store Store, manager *lifecycle.Manager, processor *poll.Processor) *Service {
	return &Service{store: store, manager: manager, processor: processor, now: time.Now}
}

// HandleObserved processes one observed playback entry: a brand new session,
// a play-state/progress update for a known one, or a media change when a
// known session key reports different content.
func (s *Service) HandleObserved(ctx context.Context, processed models.ProcessedSession, identity UserIdentity, geo *models.Geolocation) error {
	existing, err := s.store.FindActiveByServerKey(ctx, processed.ServerID, processed.SessionKey)
	if err != nil {
		return fmt.Errorf("lookup active session: %w", err)
	}

	if existing == nil {
		return s.handleStarted(ctx, processed, identity, geo)
	}
	if existing.RatingKey != processed.RatingKey {
		return s.handleMediaChange(ctx, existing, processed, identity, geo)
	}
	return s.handleUpdate(ctx, existing, processed, identity)
}

// HandleStopped processes a stop observation for a server session key. A
// missing or already-stopped session is not an error; concurrent processors
// race on stops by design and losers skip all side effects.
func (s *Service) HandleStopped(ctx context.Context, serverID, sessionKey string, stoppedAt time.Time) error {
	session, err := s.store.FindActiveByServerKey(ctx, serverID, sessionKey)
	if err != nil {
		return fmt.Errorf("lookup session for stop: %w", err)
	}
	if session == nil {
		logging.Debug().
			Str("server_id", serverID).
			Str("session_key", sessionKey).
			Msg("Stop observed for unknown session, skipping")
		return nil
	}

	outcome, err := s.manager.StopSession(ctx, session, stoppedAt, lifecycle.StopOptions{})
	if err != nil {
		return err
	}
	if !outcome.Applied {
		return nil
	}

	s.processor.Process(ctx, poll.Batch{
		Stopped: []poll.StoppedRef{{ServerID: serverID, SessionKey: sessionKey}},
	})
	return nil
}

func (s *Service) handleStarted(ctx context.Context, processed models.ProcessedSession, identity UserIdentity, geo *models.Geolocation) error {
	input, server, user, err := s.buildCreateInput(ctx, processed, identity, geo)
	if err != nil {
		return err
	}

	result, err := s.manager.CreateSession(ctx, input)
	if err != nil {
		return err
	}
	s.manager.ExecuteDeferred(ctx, result)

	batch := poll.Batch{
		New: []*models.SessionView{makeView(result.Session, user, server)},
	}
	// A quality change stopped the superseded session inside CreateSession;
	// its old key must be evicted and its stop broadcast like any other.
	if result.Kind == lifecycle.KindQualityChange && result.PreviousStop != nil && result.PreviousStop.Applied {
		prev := result.PreviousStop.Session
		batch.Stopped = []poll.StoppedRef{{ServerID: prev.ServerID, SessionKey: prev.SessionKey}}
	}
	s.processor.Process(ctx, batch)
	return nil
}

func (s *Service) handleMediaChange(ctx context.Context, existing *models.Session, processed models.ProcessedSession, identity UserIdentity, geo *models.Geolocation) error {
	input, server, user, err := s.buildCreateInput(ctx, processed, identity, geo)
	if err != nil {
		return err
	}

	result, err := s.manager.HandleMediaChange(ctx, existing, input)
	if err != nil {
		return err
	}
	if result == nil {
		// Lost the stop race; current state arrives on the next poll.
		return nil
	}
	s.manager.ExecuteDeferred(ctx, result.Created)

	s.processor.Process(ctx, poll.Batch{
		New:     []*models.SessionView{makeView(result.Created.Session, user, server)},
		Stopped: []poll.StoppedRef{{ServerID: existing.ServerID, SessionKey: existing.SessionKey}},
	})
	return nil
}

// handleUpdate applies a play-state overwrite. These are last-write-wins by
// design: each session has a single poll source, so no idempotency guard is
// needed short of the stopped state.
func (s *Service) handleUpdate(ctx context.Context, existing *models.Session, processed models.ProcessedSession, identity UserIdentity) error {
	state := processed.State
	if state == "" || state == models.StateStopped {
		state = existing.State
	}

	lastPausedAt := existing.LastPausedAt
	pausedMs := existing.PausedDurationMs
	now := s.now()

	switch {
	case existing.State != models.StatePaused && state == models.StatePaused:
		lastPausedAt = &now
	case existing.State == models.StatePaused && state == models.StatePlaying:
		if existing.LastPausedAt != nil && now.After(*existing.LastPausedAt) {
			pausedMs += now.Sub(*existing.LastPausedAt).Milliseconds()
		}
		lastPausedAt = nil
	}

	if err := s.store.UpdatePlayState(ctx, existing.ID, state, processed.ProgressMs, lastPausedAt, pausedMs); err != nil {
		return fmt.Errorf("update play state: %w", err)
	}

	existing.State = state
	existing.ProgressMs = processed.ProgressMs
	existing.LastPausedAt = lastPausedAt
	existing.PausedDurationMs = pausedMs

	server, user, err := s.loadServerAndUser(ctx, processed.ServerID, identity)
	if err != nil {
		return err
	}
	s.processor.Process(ctx, poll.Batch{
		Updated: []*models.SessionView{makeView(existing, user, server)},
	})
	return nil
}

func (s *Service) buildCreateInput(ctx context.Context, processed models.ProcessedSession, identity UserIdentity, geo *models.Geolocation) (lifecycle.CreateInput, *models.MediaServer, *models.ServerUser, error) {
	server, user, err := s.loadServerAndUser(ctx, processed.ServerID, identity)
	if err != nil {
		return lifecycle.CreateInput{}, nil, nil, err
	}

	active, err := s.store.ActiveSessionsByUser(ctx, user.ID)
	if err != nil {
		return lifecycle.CreateInput{}, nil, nil, fmt.Errorf("load active sessions: %w", err)
	}
	recent, err := s.store.RecentSessionsByUser(ctx, user.ID, s.now().Add(-recentWindow))
	if err != nil {
		return lifecycle.CreateInput{}, nil, nil, fmt.Errorf("load recent sessions: %w", err)
	}
	ruleset, err := s.store.ListEnabledRules(ctx)
	if err != nil {
		return lifecycle.CreateInput{}, nil, nil, fmt.Errorf("load rules: %w", err)
	}

	return lifecycle.CreateInput{
		Processed:      processed,
		Server:         server,
		User:           user,
		Geo:            geo,
		ActiveRules:    ruleset,
		ActiveSessions: active,
		RecentSessions: recent,
	}, server, user, nil
}

func (s *Service) loadServerAndUser(ctx context.Context, serverID string, identity UserIdentity) (*models.MediaServer, *models.ServerUser, error) {
	server, err := s.store.GetServer(ctx, serverID)
	if err != nil && err != database.ErrServerNotFound {
		return nil, nil, err
	}

	user, err := s.store.GetOrCreateUser(ctx, serverID, identity.ServerUserID, identity.Username)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve user: %w", err)
	}
	return server, user, nil
}

func makeView(session *models.Session, user *models.ServerUser, server *models.MediaServer) *models.SessionView {
	view := &models.SessionView{Session: *session}
	if user != nil {
		view.Username = user.Username
	}
	if server != nil {
		view.ServerName = server.Name
		view.ServerType = string(server.Type)
	}
	return view
}
