// Sentinelarr - Media Server Session Guardian
// Copyright 2026 Sentinelarr contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sentinelarr/sentinelarr

package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sentinelarr/sentinelarr/internal/logging"
	"github.com/sentinelarr/sentinelarr/internal/metrics"
	"github.com/sentinelarr/sentinelarr/internal/models"
)

// StopOptions modifies stop behavior.
type StopOptions struct {
	// ForceStopped marks the session as administratively terminated
	// (kill_stream) rather than ended by the player.
	ForceStopped bool

	// PreserveWatched keeps the session's existing watched flag instead of
	// recomputing it. Used when a quality change supersedes the session:
	// the partial duration under the old session key must not miscompute
	// the chain's watched status.
	PreserveWatched bool
}

// StopOutcome reports a stop attempt.
type StopOutcome struct {
	Session *models.Session

	// Applied is false when a concurrent stop already terminated the
	// session. Callers must skip all side effects (cache eviction,
	// notification) when Applied is false.
	Applied bool

	DurationMs   int64
	Watched      bool
	ShortSession bool
}

// StopSession terminates a session idempotently. The underlying update is
// conditioned on the session not being stopped yet, so arbitrary concurrent
// duplicate stop triggers apply exactly once; losers observe Applied=false.
func (m *Manager) StopSession(ctx context.Context, session *models.Session, stoppedAt time.Time, opts StopOptions) (*StopOutcome, error) {
	if stoppedAt.IsZero() {
		stoppedAt = m.now()
	}

	durationMs := m.elapsedNetOfPauses(session, stoppedAt)

	watched := session.Watched
	if !opts.PreserveWatched {
		watched = m.computeWatched(session, durationMs)
	}

	applied, err := m.store.MarkSessionStopped(ctx, session.ID, stoppedAt, durationMs, watched, opts.ForceStopped)
	if err != nil {
		return nil, fmt.Errorf("mark session stopped: %w", err)
	}
	if !applied {
		metrics.StopRacesLost.Inc()
		logging.Debug().
			Str("session_key", session.SessionKey).
			Msg("session already stopped by concurrent processor")
		return &StopOutcome{Session: session, Applied: false}, nil
	}

	session.State = models.StateStopped
	session.StoppedAt = &stoppedAt
	session.DurationMs = durationMs
	session.Watched = watched
	session.ForceStopped = opts.ForceStopped
	session.UpdatedAt = m.now()

	metrics.SessionsStopped.WithLabelValues(session.ServerID).Inc()

	return &StopOutcome{
		Session:      session,
		Applied:      true,
		DurationMs:   durationMs,
		Watched:      watched,
		ShortSession: durationMs < m.cfg.MinDurationMs,
	}, nil
}

// MediaChangeResult bundles the two halves of a media change.
type MediaChangeResult struct {
	Stopped *StopOutcome
	Created *CreateResult
}

// HandleMediaChange processes the inverse of a quality change: the same
// server session key reports new content. The existing session is stopped
// and a fresh session is created for the new media. Returns nil (no error)
// when the stop lost a race to a concurrent processor; the caller skips the
// whole change and picks up current state on the next poll.
func (m *Manager) HandleMediaChange(ctx context.Context, existing *models.Session, input CreateInput) (*MediaChangeResult, error) {
	stoppedAt := input.Processed.StartedAt
	if stoppedAt.IsZero() {
		stoppedAt = m.now()
	}

	stop, err := m.StopSession(ctx, existing, stoppedAt, StopOptions{})
	if err != nil {
		return nil, fmt.Errorf("stop session for media change: %w", err)
	}
	if !stop.Applied {
		return nil, nil
	}

	// The old session is stopped; keep it out of the creation's active set.
	input.ActiveSessions = withoutSession(input.ActiveSessions, existing.ID)
	input.kind = KindMediaChange

	created, err := m.CreateSession(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("create session for media change: %w", err)
	}

	return &MediaChangeResult{Stopped: stop, Created: created}, nil
}

// elapsedNetOfPauses computes wall-clock playback time minus accumulated
// pause time. A session stopping while paused accrues its open pause span.
func (m *Manager) elapsedNetOfPauses(session *models.Session, stoppedAt time.Time) int64 {
	pausedMs := session.PausedDurationMs
	if session.State == models.StatePaused && session.LastPausedAt != nil && stoppedAt.After(*session.LastPausedAt) {
		pausedMs += stoppedAt.Sub(*session.LastPausedAt).Milliseconds()
	}

	durationMs := stoppedAt.Sub(session.StartedAt).Milliseconds() - pausedMs
	if durationMs < 0 {
		durationMs = 0
	}
	return durationMs
}

// computeWatched decides the watched flag against the completion threshold.
// Playhead progress is authoritative when reported; wall-clock duration is
// the fallback for servers that do not report progress.
func (m *Manager) computeWatched(session *models.Session, durationMs int64) bool {
	if session.TotalDurationMs <= 0 {
		return false
	}
	threshold := int64(m.cfg.CompletionThreshold * float64(session.TotalDurationMs))
	if session.ProgressMs > 0 {
		return session.ProgressMs >= threshold
	}
	return durationMs >= threshold
}

func withoutSession(sessions []*models.Session, id uuid.UUID) []*models.Session {
	out := make([]*models.Session, 0, len(sessions))
	for _, s := range sessions {
		if s.ID != id {
			out = append(out, s)
		}
	}
	return out
}
