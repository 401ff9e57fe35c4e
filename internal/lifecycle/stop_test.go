// Sentinelarr - Media Server Session Guardian
// Copyright 2026 Sentinelarr contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sentinelarr/sentinelarr

package lifecycle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/sentinelarr/sentinelarr/internal/models"
)

func activeSession(store *mockStore, user *models.ServerUser) *models.Session {
	s := &models.Session{
		ID:              uuid.New(),
		ServerID:        "plex-main",
		UserID:          user.ID,
		SessionKey:      "key-1",
		State:           models.StatePlaying,
		RatingKey:       "movie-1",
		StartedAt:       testNow.Add(-100 * time.Minute),
		TotalDurationMs: 100 * 60 * 1000,
	}
	store.sessions[s.ID] = s
	return s
}

func TestStopSession_Idempotent(t *testing.T) {
	store := newMockStore()
	manager := newTestManager(store)
	session := activeSession(store, testUser())

	first, err := manager.StopSession(context.Background(), session, testNow, StopOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !first.Applied {
		t.Fatal("first stop must apply")
	}

	second, err := manager.StopSession(context.Background(), session, testNow.Add(time.Minute), StopOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.Applied {
		t.Error("second stop must lose and skip side effects")
	}

	// The persisted stop time is the first one.
	persisted := store.sessions[session.ID]
	if !persisted.StoppedAt.Equal(testNow) {
		t.Errorf("stopped_at = %s, want the first stop's %s", persisted.StoppedAt, testNow)
	}
}

func TestStopSession_ConcurrentDuplicatesSingleWinner(t *testing.T) {
	store := newMockStore()
	manager := newTestManager(store)
	user := testUser()
	session := activeSession(store, user)

	const workers = 8
	var wg sync.WaitGroup
	applied := make(chan bool, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Each worker holds its own snapshot, as concurrent poll
			// processors would.
			snapshot := *session
			outcome, err := manager.StopSession(context.Background(), &snapshot, testNow, StopOptions{})
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			applied <- outcome.Applied
		}()
	}
	wg.Wait()
	close(applied)

	wins := 0
	for won := range applied {
		if won {
			wins++
		}
	}
	if wins != 1 {
		t.Errorf("stop applied %d times, want exactly 1", wins)
	}
}

func TestStopSession_WatchedComputation(t *testing.T) {
	tests := []struct {
		name        string
		totalMs     int64
		progressMs  int64
		elapsed     time.Duration
		wantWatched bool
	}{
		{
			name:        "progress beyond threshold",
			totalMs:     100 * 60 * 1000,
			progressMs:  90 * 60 * 1000, // 90% >= 85%
			elapsed:     10 * time.Minute,
			wantWatched: true,
		},
		{
			name:        "progress below threshold",
			totalMs:     100 * 60 * 1000,
			progressMs:  50 * 60 * 1000,
			elapsed:     95 * time.Minute, // wall clock ignored when progress reported
			wantWatched: false,
		},
		{
			name:        "no progress falls back to wall clock",
			totalMs:     100 * 60 * 1000,
			progressMs:  0,
			elapsed:     90 * time.Minute,
			wantWatched: true,
		},
		{
			name:        "unknown media runtime never watched",
			totalMs:     0,
			progressMs:  90 * 60 * 1000,
			elapsed:     90 * time.Minute,
			wantWatched: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMockStore()
			manager := newTestManager(store)
			session := activeSession(store, testUser())
			session.TotalDurationMs = tt.totalMs
			session.ProgressMs = tt.progressMs
			session.StartedAt = testNow.Add(-tt.elapsed)

			outcome, err := manager.StopSession(context.Background(), session, testNow, StopOptions{})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if outcome.Watched != tt.wantWatched {
				t.Errorf("watched = %v, want %v", outcome.Watched, tt.wantWatched)
			}
		})
	}
}

func TestStopSession_DurationNetOfPauses(t *testing.T) {
	store := newMockStore()
	manager := newTestManager(store)
	session := activeSession(store, testUser())

	// 100 minutes elapsed, 20 accrued paused plus a 10-minute open pause.
	pausedAt := testNow.Add(-10 * time.Minute)
	session.State = models.StatePaused
	session.LastPausedAt = &pausedAt
	session.PausedDurationMs = 20 * 60 * 1000

	outcome, err := manager.StopSession(context.Background(), session, testNow, StopOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := int64(70 * 60 * 1000)
	if outcome.DurationMs != want {
		t.Errorf("duration = %d, want %d", outcome.DurationMs, want)
	}
}

func TestStopSession_ShortSessionFlag(t *testing.T) {
	store := newMockStore()
	manager := newTestManager(store)
	session := activeSession(store, testUser())
	session.StartedAt = testNow.Add(-10 * time.Second)

	outcome, err := manager.StopSession(context.Background(), session, testNow, StopOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !outcome.ShortSession {
		t.Error("10-second session should be flagged short under the 30s default")
	}
}

func TestStopSession_ForceStopped(t *testing.T) {
	store := newMockStore()
	manager := newTestManager(store)
	session := activeSession(store, testUser())

	outcome, err := manager.StopSession(context.Background(), session, testNow, StopOptions{ForceStopped: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !outcome.Applied {
		t.Fatal("stop must apply")
	}
	if !store.sessions[session.ID].ForceStopped {
		t.Error("force_stopped must persist")
	}
}

func TestStopSession_ClockSkewClampsToZero(t *testing.T) {
	store := newMockStore()
	manager := newTestManager(store)
	session := activeSession(store, testUser())
	session.StartedAt = testNow.Add(5 * time.Minute) // started "in the future"

	outcome, err := manager.StopSession(context.Background(), session, testNow, StopOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.DurationMs != 0 {
		t.Errorf("duration = %d, want clamped to 0", outcome.DurationMs)
	}
}

func TestHandleMediaChange(t *testing.T) {
	store := newMockStore()
	manager := newTestManager(store)
	user := testUser()
	existing := activeSession(store, user)

	input := createInput(user)
	input.Processed.SessionKey = existing.SessionKey // same key
	input.Processed.RatingKey = "movie-2"            // new content
	input.ActiveSessions = []*models.Session{existing}

	result, err := manager.HandleMediaChange(context.Background(), existing, input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result == nil {
		t.Fatal("expected a media change result")
	}
	if !result.Stopped.Applied {
		t.Error("old session must stop")
	}
	created := result.Created.Session
	if created.RatingKey != "movie-2" {
		t.Errorf("created rating key = %s, want movie-2", created.RatingKey)
	}
	// New content starts a new chain; it does not join the old session's.
	if created.ReferenceID != created.ID {
		t.Errorf("media change must start a fresh chain, got reference %s", created.ReferenceID)
	}
	if result.Created.Kind != KindMediaChange {
		t.Errorf("kind = %q, want %q", result.Created.Kind, KindMediaChange)
	}
}

func TestHandleMediaChange_ResumeClassificationWins(t *testing.T) {
	store := newMockStore()
	manager := newTestManager(store)
	user := testUser()
	existing := activeSession(store, user)

	// The new content was recently stopped, incomplete, with lower progress:
	// the created session resumes that chain even through a media change.
	prior := activeSession(store, user)
	prior.SessionKey = "old-key"
	prior.RatingKey = "movie-2"
	prior.ProgressMs = 500_000
	stoppedAt := testNow.Add(-time.Hour)
	prior.StoppedAt = &stoppedAt
	store.sessions[prior.ID] = prior

	input := createInput(user)
	input.Processed.SessionKey = existing.SessionKey
	input.Processed.RatingKey = "movie-2"
	input.Processed.ProgressMs = 600_000
	input.ActiveSessions = []*models.Session{existing}
	input.RecentSessions = []*models.Session{prior}

	result, err := manager.HandleMediaChange(context.Background(), existing, input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Created.Kind != KindResume {
		t.Errorf("kind = %q, want %q", result.Created.Kind, KindResume)
	}
	if result.Created.Session.ReferenceID != prior.ChainID() {
		t.Errorf("reference = %s, want %s", result.Created.Session.ReferenceID, prior.ChainID())
	}
}

func TestHandleMediaChange_LostStopRace(t *testing.T) {
	store := newMockStore()
	manager := newTestManager(store)
	user := testUser()
	existing := activeSession(store, user)

	// A concurrent processor stopped it first.
	at := testNow
	store.sessions[existing.ID].StoppedAt = &at

	result, err := manager.HandleMediaChange(context.Background(), existing, createInput(user))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != nil {
		t.Error("lost stop race must skip the whole media change")
	}
	// Exactly one session remains: nothing was created.
	if len(store.sessions) != 1 {
		t.Errorf("sessions = %d, want 1", len(store.sessions))
	}
}

func TestExecuteDeferred_NoEffectsIsNoop(t *testing.T) {
	store := newMockStore()
	manager := newTestManager(store)

	results := manager.ExecuteDeferred(context.Background(), &CreateResult{})
	if results != nil {
		t.Errorf("expected nil results, got %v", results)
	}
	if len(store.results) != 0 {
		t.Error("no audit rows should persist")
	}
}
