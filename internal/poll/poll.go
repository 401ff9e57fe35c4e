// Sentinelarr - Media Server Session Guardian
// Copyright 2026 Sentinelarr contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sentinelarr/sentinelarr

// Package poll reconciles the lifecycle outcomes of one poll cycle against
// the active-session cache and the broadcast layer. Reconciliation is
// incremental: new sessions are added, modified sessions updated in place,
// and stopped sessions evicted by their composite server/session-key
// identity. One event is published per lifecycle transition.
package poll

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/sentinelarr/sentinelarr/internal/logging"
	"github.com/sentinelarr/sentinelarr/internal/metrics"
	"github.com/sentinelarr/sentinelarr/internal/models"
)

// Event types, one per lifecycle transition.
const (
	EventSessionStarted = "session:started"
	EventSessionUpdated = "session:updated"
	EventSessionStopped = "session:stopped"
)

// SessionEvent is the broadcast payload for one lifecycle transition.
type SessionEvent struct {
	EventID   string              `json:"event_id"`
	Type      string              `json:"type"`
	Timestamp time.Time           `json:"timestamp"`
	Session   *models.SessionView `json:"session"`
}

// Cache is the active-session snapshot store the processor reconciles.
// Keys are models.SessionView composite keys (server ID + session key).
type Cache interface {
	// Add stores a snapshot and indexes it under its user.
	Add(view *models.SessionView)

	// Update replaces an existing snapshot. Updating a missing key stores
	// it, so a processor restart converges instead of diverging.
	Update(view *models.SessionView)

	// Remove evicts by composite key and returns the evicted snapshot.
	// The bool result is false when the key was not cached.
	Remove(compositeKey string) (*models.SessionView, bool)

	// ActiveSessionIDs returns the cached session IDs for one user.
	ActiveSessionIDs(userID uuid.UUID) []uuid.UUID
}

// Publisher broadcasts lifecycle events.
type Publisher interface {
	Publish(ctx context.Context, event *SessionEvent) error
}

// Notification is a queued user-facing notification for a started or
// stopped session.
type Notification struct {
	Kind       string    `json:"kind"` // started, stopped
	SessionID  uuid.UUID `json:"session_id"`
	UserID     uuid.UUID `json:"user_id"`
	Username   string    `json:"username"`
	ServerName string    `json:"server_name"`
	Title      string    `json:"title"`
	CreatedAt  time.Time `json:"created_at"`
}

// NotificationQueue accepts notifications for asynchronous delivery.
type NotificationQueue interface {
	QueueNotification(ctx context.Context, n Notification) error
}

// StoppedRef identifies a stopped session by its composite identity. The
// poller only knows the server-reported key; the cached snapshot supplies
// the rest.
type StoppedRef struct {
	ServerID   string
	SessionKey string
}

// Key returns the composite cache key.
func (r StoppedRef) Key() string {
	return r.ServerID + "/" + r.SessionKey
}

// Batch is the outcome set of one poll cycle.
type Batch struct {
	New     []*models.SessionView
	Updated []*models.SessionView
	Stopped []StoppedRef
}

// Processor applies poll batches to the cache and broadcast layer.
type Processor struct {
	cache         Cache
	publisher     Publisher
	notifications NotificationQueue

	now func() time.Time
}

// NewProcessor builds a processor. Publisher and notification queue may be
// nil; the corresponding steps are skipped.
func NewProcessor(cache Cache, publisher Publisher, notifications NotificationQueue) *Processor {
	return &Processor{
		cache:         cache,
		publisher:     publisher,
		notifications: notifications,
		now:           time.Now,
	}
}

// Process reconciles one batch. Stops are reconciled before starts so a
// reused session key (a media change stops the old session and starts its
// successor under the same key) evicts the old snapshot instead of the new
// one. Failures on one session never block the rest of the batch; publish
// and notification errors are logged and the cache mutation stands.
func (p *Processor) Process(ctx context.Context, batch Batch) {
	metrics.PollBatches.Inc()

	for _, ref := range batch.Stopped {
		snapshot, ok := p.cache.Remove(ref.Key())
		if !ok {
			// Already evicted by a concurrent processor.
			metrics.PollReconciled.WithLabelValues("skipped").Inc()
			continue
		}
		metrics.PollReconciled.WithLabelValues("removed").Inc()
		p.publish(ctx, EventSessionStopped, snapshot)
		p.notify(ctx, "stopped", snapshot)
	}

	for _, view := range batch.New {
		p.cache.Add(view)
		metrics.PollReconciled.WithLabelValues("added").Inc()
		p.publish(ctx, EventSessionStarted, view)
		p.notify(ctx, "started", view)
	}

	for _, view := range batch.Updated {
		p.cache.Update(view)
		metrics.PollReconciled.WithLabelValues("updated").Inc()
		p.publish(ctx, EventSessionUpdated, view)
	}
}

func (p *Processor) publish(ctx context.Context, eventType string, view *models.SessionView) {
	if p.publisher == nil {
		return
	}
	event := &SessionEvent{
		EventID:   uuid.New().String(),
		Type:      eventType,
		Timestamp: p.now().UTC(),
		Session:   view,
	}
	if err := p.publisher.Publish(ctx, event); err != nil {
		logging.Error().Err(err).
			Str("event", eventType).
			Str("session_key", view.SessionKey).
			Msg("Failed to publish session event")
		return
	}
	metrics.EventsPublished.WithLabelValues(eventType).Inc()
}

func (p *Processor) notify(ctx context.Context, kind string, view *models.SessionView) {
	if p.notifications == nil {
		return
	}
	n := Notification{
		Kind:       kind,
		SessionID:  view.ID,
		UserID:     view.UserID,
		Username:   view.Username,
		ServerName: view.ServerName,
		Title:      view.Title,
		CreatedAt:  p.now().UTC(),
	}
	if err := p.notifications.QueueNotification(ctx, n); err != nil {
		logging.Error().Err(err).
			Str("kind", kind).
			Str("session_key", view.SessionKey).
			Msg("Failed to queue session notification")
	}
}
