// Sentinelarr - Media Server Session Guardian
// Copyright 2026 Sentinelarr contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sentinelarr/sentinelarr

package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/sentinelarr/sentinelarr/internal/models"
	"github.com/sentinelarr/sentinelarr/internal/rules"
)

var errConflict = errors.New("transaction conflict")

// mockStore implements Store and SessionTx in memory with the same
// guarantees the real store gives: conditional stop updates, conflict-free
// violation inserts, clamped trust.
type mockStore struct {
	mu sync.Mutex

	sessions   map[uuid.UUID]*models.Session
	violations map[string]*models.Violation // rule/session pair
	trust      map[uuid.UUID]int
	activity   map[uuid.UUID]int
	results    []models.ActionResult

	// conflictsBefore makes the first N transactions fail with a conflict.
	conflictsBefore int
	txAttempts      int
	txErr           error
}

func newMockStore() *mockStore {
	return &mockStore{
		sessions:   make(map[uuid.UUID]*models.Session),
		violations: make(map[string]*models.Violation),
		trust:      make(map[uuid.UUID]int),
		activity:   make(map[uuid.UUID]int),
	}
}

func (m *mockStore) CreateSessionTx(_ context.Context, fn func(tx SessionTx) error) error {
	m.mu.Lock()
	m.txAttempts++
	if m.txErr != nil {
		m.mu.Unlock()
		return m.txErr
	}
	if m.txAttempts <= m.conflictsBefore {
		m.mu.Unlock()
		return errConflict
	}
	m.mu.Unlock()
	return fn(m)
}

func (m *mockStore) MarkSessionStopped(_ context.Context, sessionID uuid.UUID, stoppedAt time.Time, durationMs int64, watched, forceStopped bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok || s.StoppedAt != nil {
		return false, nil
	}
	at := stoppedAt
	s.StoppedAt = &at
	s.State = models.StateStopped
	s.DurationMs = durationMs
	s.Watched = watched
	s.ForceStopped = forceStopped
	return true, nil
}

func (m *mockStore) InsertActionResults(_ context.Context, results []models.ActionResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append(m.results, results...)
	return nil
}

func (m *mockStore) IsConflict(err error) bool {
	return errors.Is(err, errConflict)
}

func (m *mockStore) InsertSession(_ context.Context, s *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *s
	m.sessions[s.ID] = &copied
	return nil
}

func (m *mockStore) RecordUserActivity(_ context.Context, userID uuid.UUID, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activity[userID]++
	return nil
}

func (m *mockStore) InsertViolation(_ context.Context, v *models.Violation) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := v.RuleID.String() + "/" + v.SessionID.String()
	if _, exists := m.violations[key]; exists {
		return false, nil
	}
	m.violations[key] = v
	return true, nil
}

func (m *mockStore) ApplyTrustPenalty(_ context.Context, userID uuid.UUID, penalty int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	score, ok := m.trust[userID]
	if !ok {
		score = models.TrustMax
	}
	m.trust[userID] = models.ClampTrust(score - penalty)
	return nil
}

var testNow = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

func newTestManager(store *mockStore) *Manager {
	m := NewManager(store, nil, Config{RetryBackoff: time.Millisecond})
	m.now = func() time.Time { return testNow }
	return m
}

func createInput(user *models.ServerUser) CreateInput {
	return CreateInput{
		Processed: models.ProcessedSession{
			ServerID:        "plex-main",
			SessionKey:      "key-1",
			RatingKey:       "movie-1",
			MediaType:       "movie",
			Title:           "Test Movie",
			StartedAt:       testNow,
			TotalDurationMs: 2 * 60 * 60 * 1000,
		},
		Server: &models.MediaServer{ID: "plex-main", Type: models.ServerTypePlex, Name: "Main"},
		User:   user,
	}
}

func testUser() *models.ServerUser {
	return &models.ServerUser{ID: uuid.New(), Username: "alice", TrustScore: 100}
}

func TestCreateSession_New(t *testing.T) {
	store := newMockStore()
	manager := newTestManager(store)
	user := testUser()

	result, err := manager.CreateSession(context.Background(), createInput(user))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.Kind != KindNew {
		t.Errorf("kind = %s, want new", result.Kind)
	}
	if result.Session.ReferenceID != result.Session.ID {
		t.Error("a fresh session must reference itself as chain head")
	}
	if _, ok := store.sessions[result.Session.ID]; !ok {
		t.Error("session not persisted")
	}
	if store.activity[user.ID] != 1 {
		t.Errorf("user activity = %d, want 1", store.activity[user.ID])
	}
}

func TestCreateSession_RequiresUser(t *testing.T) {
	manager := newTestManager(newMockStore())
	input := createInput(nil)
	input.User = nil

	if _, err := manager.CreateSession(context.Background(), input); err == nil {
		t.Fatal("expected error for missing user")
	}
}

func TestCreateSession_ViolationAndTrustPenaltyAtomic(t *testing.T) {
	store := newMockStore()
	manager := newTestManager(store)
	user := testUser()

	rule := rules.Rule{
		ID:      uuid.New(),
		Name:    "always",
		Enabled: true,
		Conditions: rules.ConditionSet{Groups: []rules.ConditionGroup{{
			Conditions: []rules.Condition{{Field: rules.FieldMediaType, Operator: rules.OpEq, Value: "movie"}},
		}}},
		Actions: []rules.Action{
			{Type: rules.ActionCreateViolation, Severity: models.SeverityHigh},
			{Type: rules.ActionNotify},
		},
	}

	input := createInput(user)
	input.ActiveRules = []rules.Rule{rule}

	result, err := manager.CreateSession(context.Background(), input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(result.Violations) != 1 {
		t.Fatalf("violations = %d, want 1", len(result.Violations))
	}
	// High severity maps to a 10-point penalty.
	if got := store.trust[user.ID]; got != 90 {
		t.Errorf("trust = %d, want 90", got)
	}
	// The notify action is deferred, carrying the violation link.
	if len(result.PendingEffects) != 1 {
		t.Fatalf("pending effects = %d, want 1", len(result.PendingEffects))
	}
	effect := result.PendingEffects[0]
	if effect.ViolationID == nil || *effect.ViolationID != result.Violations[0].ID {
		t.Error("deferred effect must link the violation created in the same transaction")
	}
	if len(effect.Actions) != 1 || effect.Actions[0].Type != rules.ActionNotify {
		t.Errorf("deferred actions = %+v, want the notify action only", effect.Actions)
	}
}

func TestCreateSession_DuplicateViolationNoDoublePenalty(t *testing.T) {
	store := newMockStore()
	manager := newTestManager(store)
	user := testUser()

	rule := rules.Rule{
		ID:      uuid.New(),
		Name:    "always",
		Enabled: true,
		Conditions: rules.ConditionSet{Groups: []rules.ConditionGroup{{
			Conditions: []rules.Condition{{Field: rules.FieldMediaType, Operator: rules.OpEq, Value: "movie"}},
		}}},
		Actions: []rules.Action{{Type: rules.ActionCreateViolation, Severity: models.SeverityMedium}},
	}

	input := createInput(user)
	input.ActiveRules = []rules.Rule{rule}

	first, err := manager.CreateSession(context.Background(), input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Pre-seed the violation map as if a concurrent worker inserted the same
	// pair, then run the violation path again against the same session.
	matched := rules.Result{RuleID: rule.ID, RuleName: rule.Name, Matched: true}
	_, inserted, err := manager.createViolation(context.Background(), store, first.Session, user, matched, rule.Actions[0])
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inserted {
		t.Error("duplicate (rule, session) violation must not insert")
	}
	// Medium severity is a 5-point penalty, applied exactly once.
	if got := store.trust[user.ID]; got != 95 {
		t.Errorf("trust = %d, want 95 after a single penalty", got)
	}
}

func TestCreateSession_QualityChange(t *testing.T) {
	store := newMockStore()
	manager := newTestManager(store)
	user := testUser()

	previous := &models.Session{
		ID:         uuid.New(),
		ServerID:   "plex-main",
		UserID:     user.ID,
		SessionKey: "key-old",
		State:      models.StatePlaying,
		RatingKey:  "movie-1",
		StartedAt:  testNow.Add(-10 * time.Minute),
		Watched:    true, // preserved through the quality-change stop
	}
	store.sessions[previous.ID] = previous

	input := createInput(user)
	input.Processed.SessionKey = "key-new"
	input.ActiveSessions = []*models.Session{previous}

	result, err := manager.CreateSession(context.Background(), input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.Kind != KindQualityChange {
		t.Fatalf("kind = %s, want quality_change", result.Kind)
	}
	if result.PreviousStop == nil || !result.PreviousStop.Applied {
		t.Fatal("superseded session must be stopped")
	}
	if !result.PreviousStop.Watched {
		t.Error("quality-change stop must preserve the watched flag")
	}
	if result.Session.ReferenceID != previous.ID {
		t.Errorf("chain reference = %s, want predecessor chain head %s", result.Session.ReferenceID, previous.ID)
	}
	// The superseded session is out of the post-creation active set.
	for _, s := range result.ActiveSessions {
		if s.ID == previous.ID {
			t.Error("superseded session must not remain in the active set")
		}
	}
}

func TestCreateSession_QualityChainSurvivesMultipleHops(t *testing.T) {
	store := newMockStore()
	manager := newTestManager(store)
	user := testUser()

	chainHead := uuid.New()
	previous := &models.Session{
		ID:          uuid.New(),
		ServerID:    "plex-main",
		UserID:      user.ID,
		SessionKey:  "key-b",
		State:       models.StatePlaying,
		RatingKey:   "movie-1",
		StartedAt:   testNow.Add(-5 * time.Minute),
		ReferenceID: chainHead, // already second in its chain
	}
	store.sessions[previous.ID] = previous

	input := createInput(user)
	input.Processed.SessionKey = "key-c"
	input.ActiveSessions = []*models.Session{previous}

	result, err := manager.CreateSession(context.Background(), input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Session.ReferenceID != chainHead {
		t.Errorf("third hop reference = %s, want original chain head %s", result.Session.ReferenceID, chainHead)
	}
}

func TestCreateSession_ResumeLinkage(t *testing.T) {
	store := newMockStore()
	manager := newTestManager(store)
	user := testUser()

	stoppedAt := testNow.Add(-2 * time.Hour)
	stopped := &models.Session{
		ID:         uuid.New(),
		ServerID:   "plex-main",
		UserID:     user.ID,
		SessionKey: "key-old",
		RatingKey:  "movie-1",
		StoppedAt:  &stoppedAt,
		ProgressMs: 30 * 60 * 1000,
	}

	tests := []struct {
		name       string
		mutate     func(s *models.Session)
		progressMs int64
		wantResume bool
	}{
		{
			name:       "within window with progress carried forward",
			progressMs: 31 * 60 * 1000,
			wantResume: true,
		},
		{
			name:       "equal progress resumes",
			progressMs: 30 * 60 * 1000,
			wantResume: true,
		},
		{
			name:       "lower progress is a rewatch",
			progressMs: 10 * 60 * 1000,
			wantResume: false,
		},
		{
			name: "watched sessions never resume",
			mutate: func(s *models.Session) {
				s.Watched = true
			},
			progressMs: 31 * 60 * 1000,
			wantResume: false,
		},
		{
			name: "outside the resume window",
			mutate: func(s *models.Session) {
				old := testNow.Add(-25 * time.Hour)
				s.StoppedAt = &old
			},
			progressMs: 31 * 60 * 1000,
			wantResume: false,
		},
		{
			name: "different content",
			mutate: func(s *models.Session) {
				s.RatingKey = "movie-2"
			},
			progressMs: 31 * 60 * 1000,
			wantResume: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			candidate := *stopped
			if tt.mutate != nil {
				tt.mutate(&candidate)
			}

			input := createInput(user)
			input.Processed.ProgressMs = tt.progressMs
			input.RecentSessions = []*models.Session{&candidate}

			result, err := manager.CreateSession(context.Background(), input)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if tt.wantResume {
				if result.Kind != KindResume {
					t.Fatalf("kind = %s, want resume", result.Kind)
				}
				if result.Session.ReferenceID != candidate.ChainID() {
					t.Errorf("reference = %s, want %s", result.Session.ReferenceID, candidate.ChainID())
				}
			} else {
				if result.Kind != KindNew {
					t.Errorf("kind = %s, want new", result.Kind)
				}
			}
		})
	}
}

func TestCreateSession_ConflictRetrySucceeds(t *testing.T) {
	store := newMockStore()
	store.conflictsBefore = 2
	manager := newTestManager(store)

	result, err := manager.CreateSession(context.Background(), createInput(testUser()))
	if err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if result.Session == nil {
		t.Fatal("expected a created session")
	}
	if store.txAttempts != 3 {
		t.Errorf("tx attempts = %d, want 3", store.txAttempts)
	}
}

func TestCreateSession_ConflictsExhausted(t *testing.T) {
	store := newMockStore()
	store.conflictsBefore = 10
	manager := newTestManager(store)

	_, err := manager.CreateSession(context.Background(), createInput(testUser()))
	if err == nil {
		t.Fatal("expected exhaustion error")
	}
	if store.txAttempts != 3 {
		t.Errorf("tx attempts = %d, want the configured 3", store.txAttempts)
	}
}

func TestCreateSession_NonConflictErrorNotRetried(t *testing.T) {
	store := newMockStore()
	store.txErr = errors.New("disk full")
	manager := newTestManager(store)

	_, err := manager.CreateSession(context.Background(), createInput(testUser()))
	if err == nil {
		t.Fatal("expected error")
	}
	if store.txAttempts != 1 {
		t.Errorf("tx attempts = %d, want 1 for a permanent error", store.txAttempts)
	}
}
