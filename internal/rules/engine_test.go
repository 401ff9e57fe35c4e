// Sentinelarr - Media Server Session Guardian
// Copyright 2026 Sentinelarr contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sentinelarr/sentinelarr

package rules

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/sentinelarr/sentinelarr/internal/models"
)

func testSession(opts func(*models.Session)) *models.Session {
	s := &models.Session{
		ID:         uuid.New(),
		ServerID:   "plex-main",
		UserID:     uuid.New(),
		SessionKey: "key-1",
		State:      models.StatePlaying,
		RatingKey:  "12345",
		MediaType:  "movie",
		Title:      "Test Movie",
		StartedAt:  time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		IPAddress:  "203.0.113.10",
		DeviceID:   "device-a",
		Country:    "US",
		City:       "Denver",
	}
	if opts != nil {
		opts(s)
	}
	return s
}

func testContext(session *models.Session) EvalContext {
	return EvalContext{
		Session:        session,
		User:           &models.ServerUser{ID: session.UserID, Username: "alice", TrustScore: 100},
		Server:         &models.MediaServer{ID: session.ServerID, Type: models.ServerTypePlex},
		ActiveSessions: []*models.Session{session},
		Now:            session.StartedAt,
	}
}

func TestEvaluate_ConditionOperators(t *testing.T) {
	tests := []struct {
		name      string
		condition Condition
		session   func(*models.Session)
		want      bool
	}{
		{
			name:      "eq string match",
			condition: Condition{Field: FieldVideoDecision, Operator: OpEq, Value: "transcode"},
			session:   func(s *models.Session) { s.VideoDecision = "transcode" },
			want:      true,
		},
		{
			name:      "eq string case insensitive",
			condition: Condition{Field: FieldCountry, Operator: OpEq, Value: "us"},
			want:      true,
		},
		{
			name:      "ne string",
			condition: Condition{Field: FieldCountry, Operator: OpNe, Value: "DE"},
			want:      true,
		},
		{
			name:      "gt number above",
			condition: Condition{Field: FieldBitrateKbps, Operator: OpGt, Value: float64(8000)},
			session:   func(s *models.Session) { s.BitrateKbps = 12000 },
			want:      true,
		},
		{
			name:      "gt number at boundary",
			condition: Condition{Field: FieldBitrateKbps, Operator: OpGt, Value: float64(8000)},
			session:   func(s *models.Session) { s.BitrateKbps = 8000 },
			want:      false,
		},
		{
			name:      "gte number at boundary",
			condition: Condition{Field: FieldBitrateKbps, Operator: OpGte, Value: float64(8000)},
			session:   func(s *models.Session) { s.BitrateKbps = 8000 },
			want:      true,
		},
		{
			name:      "in string list",
			condition: Condition{Field: FieldCountry, Operator: OpIn, Value: []any{"RU", "US", "CN"}},
			want:      true,
		},
		{
			name:      "not_in string list",
			condition: Condition{Field: FieldCountry, Operator: OpNotIn, Value: []any{"RU", "CN"}},
			want:      true,
		},
		{
			name:      "contains substring",
			condition: Condition{Field: FieldPlayer, Operator: OpContains, Value: "web"},
			session:   func(s *models.Session) { s.Player = "Plex Web Player" },
			want:      true,
		},
		{
			name:      "not_contains substring",
			condition: Condition{Field: FieldPlayer, Operator: OpNotContains, Value: "android"},
			session:   func(s *models.Session) { s.Player = "Plex Web Player" },
			want:      true,
		},
		{
			name:      "bool field eq",
			condition: Condition{Field: FieldLocal, Operator: OpEq, Value: true},
			session:   func(s *models.Session) { s.Local = true },
			want:      true,
		},
		{
			name:      "numeric string value coerced",
			condition: Condition{Field: FieldBitrateKbps, Operator: OpGt, Value: "8000"},
			session:   func(s *models.Session) { s.BitrateKbps = 9000 },
			want:      true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			session := testSession(tt.session)
			rule := Rule{
				ID:         uuid.New(),
				Name:       "test",
				Enabled:    true,
				Conditions: singleGroup(tt.condition),
				Actions:    []Action{{Type: ActionLogOnly}},
			}

			results := Evaluate(testContext(session), []Rule{rule})
			if len(results) != 1 {
				t.Fatalf("expected 1 result, got %d", len(results))
			}
			if len(results[0].Errors) > 0 {
				t.Fatalf("unexpected evaluation errors: %v", results[0].Errors)
			}
			if results[0].Matched != tt.want {
				t.Errorf("matched = %v, want %v", results[0].Matched, tt.want)
			}
		})
	}
}

func TestEvaluate_GroupSemantics(t *testing.T) {
	session := testSession(func(s *models.Session) {
		s.VideoDecision = "transcode"
		s.BitrateKbps = 4000
	})

	// Group 0 fails (bitrate too low), group 1 matches (transcode).
	rule := Rule{
		ID:      uuid.New(),
		Name:    "disjunction",
		Enabled: true,
		Conditions: ConditionSet{Groups: []ConditionGroup{
			{Conditions: []Condition{
				{Field: FieldVideoDecision, Operator: OpEq, Value: "transcode"},
				{Field: FieldBitrateKbps, Operator: OpGt, Value: float64(8000)},
			}},
			{Conditions: []Condition{
				{Field: FieldVideoDecision, Operator: OpEq, Value: "transcode"},
			}},
		}},
		Actions: []Action{{Type: ActionLogOnly}},
	}

	results := Evaluate(testContext(session), []Rule{rule})
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	res := results[0]
	if !res.Matched {
		t.Fatal("expected rule to match via second group")
	}
	if len(res.MatchedGroups) != 1 || res.MatchedGroups[0] != 1 {
		t.Errorf("matched groups = %v, want [1]", res.MatchedGroups)
	}
	if len(res.Actions) != 1 {
		t.Errorf("expected actions attached on match, got %d", len(res.Actions))
	}
}

func TestEvaluate_EmptyGroupsNeverMatch(t *testing.T) {
	rule := Rule{
		ID:      uuid.New(),
		Name:    "empty",
		Enabled: true,
		Actions: []Action{{Type: ActionLogOnly}},
	}

	results := Evaluate(testContext(testSession(nil)), []Rule{rule})
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].Matched {
		t.Error("rule with zero groups must never match")
	}
}

func TestEvaluate_SkipsDisabledAndOutOfScope(t *testing.T) {
	session := testSession(nil)
	otherUser := uuid.New()

	ruleset := []Rule{
		{ID: uuid.New(), Name: "disabled", Enabled: false,
			Conditions: singleGroup(Condition{Field: FieldCountry, Operator: OpEq, Value: "US"}),
			Actions:    []Action{{Type: ActionLogOnly}}},
		{ID: uuid.New(), Name: "other server", Enabled: true, ServerID: "jellyfin-2",
			Conditions: singleGroup(Condition{Field: FieldCountry, Operator: OpEq, Value: "US"}),
			Actions:    []Action{{Type: ActionLogOnly}}},
		{ID: uuid.New(), Name: "other user", Enabled: true, UserID: &otherUser,
			Conditions: singleGroup(Condition{Field: FieldCountry, Operator: OpEq, Value: "US"}),
			Actions:    []Action{{Type: ActionLogOnly}}},
		{ID: uuid.New(), Name: "in scope", Enabled: true, ServerID: "plex-main",
			Conditions: singleGroup(Condition{Field: FieldCountry, Operator: OpEq, Value: "US"}),
			Actions:    []Action{{Type: ActionLogOnly}}},
	}

	results := Evaluate(testContext(session), ruleset)
	if len(results) != 1 {
		t.Fatalf("expected only the in-scope rule to evaluate, got %d results", len(results))
	}
	if results[0].RuleName != "in scope" {
		t.Errorf("evaluated rule = %q, want %q", results[0].RuleName, "in scope")
	}
	if !results[0].Matched {
		t.Error("in-scope rule should match")
	}
}

func TestEvaluate_UnknownFieldReportedNotRaised(t *testing.T) {
	rule := Rule{
		ID:      uuid.New(),
		Name:    "bad field",
		Enabled: true,
		Conditions: ConditionSet{Groups: []ConditionGroup{
			{Conditions: []Condition{{Field: "no_such_field", Operator: OpEq, Value: "x"}}},
			{Conditions: []Condition{{Field: FieldCountry, Operator: OpEq, Value: "US"}}},
		}},
		Actions: []Action{{Type: ActionLogOnly}},
	}

	results := Evaluate(testContext(testSession(nil)), []Rule{rule})
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	res := results[0]
	if len(res.Errors) == 0 {
		t.Error("expected the unknown field to be reported")
	}
	if !res.Matched {
		t.Error("healthy sibling group should still match")
	}
}

func TestEvaluate_ConcurrentStreams(t *testing.T) {
	session := testSession(nil)
	ctx := testContext(session)
	for i := 0; i < 3; i++ {
		ctx.ActiveSessions = append(ctx.ActiveSessions, testSession(func(s *models.Session) {
			s.UserID = session.UserID
		}))
	}

	rule := Rule{
		ID:      uuid.New(),
		Name:    "too many streams",
		Enabled: true,
		Conditions: singleGroup(Condition{
			Field: FieldConcurrentStreams, Operator: OpGt, Value: float64(3),
		}),
		Actions: []Action{{Type: ActionCreateViolation, Severity: models.SeverityMedium}},
	}

	results := Evaluate(ctx, []Rule{rule})
	if !results[0].Matched {
		t.Errorf("4 active streams with limit 3 should match, got %+v", results[0])
	}
}

func TestEvaluate_WindowedAggregates(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	session := testSession(func(s *models.Session) {
		s.StartedAt = now
		s.IPAddress = "203.0.113.1"
		s.DeviceID = "device-a"
	})

	recent := func(age time.Duration, ip, device string) *models.Session {
		return testSession(func(s *models.Session) {
			s.StartedAt = now.Add(-age)
			s.IPAddress = ip
			s.DeviceID = device
		})
	}

	ctx := testContext(session)
	ctx.Now = now
	ctx.RecentSessions = []*models.Session{
		recent(30*time.Minute, "203.0.113.2", "device-b"),
		recent(45*time.Minute, "203.0.113.3", "device-c"),
		// Same device as the triggering session, different IP.
		recent(50*time.Minute, "203.0.113.9", "device-a"),
		// Outside the 1h window; must not count.
		recent(3*time.Hour, "203.0.113.4", "device-d"),
	}

	tests := []struct {
		name      string
		condition Condition
		want      bool
	}{
		{
			name: "unique IPs inside window",
			condition: Condition{
				Field: FieldUniqueIPs, Operator: OpGte, Value: float64(4), WindowHours: 1,
			},
			want: true, // .1 (triggering), .2, .3, .9
		},
		{
			name: "window excludes old sessions",
			condition: Condition{
				Field: FieldUniqueIPs, Operator: OpGte, Value: float64(5), WindowHours: 1,
			},
			want: false, // .4 is 3h old
		},
		{
			name: "wider window includes them",
			condition: Condition{
				Field: FieldUniqueIPs, Operator: OpGte, Value: float64(5), WindowHours: 4,
			},
			want: true,
		},
		{
			name: "exclude same device drops its sessions from the count",
			condition: Condition{
				Field: FieldUniqueIPs, Operator: OpGte, Value: float64(4),
				WindowHours: 1, ExcludeSameDevice: true,
			},
			want: false, // the .9 session shares device-a, leaving 3 IPs
		},
		{
			name: "sessions started counts triggering plus window",
			condition: Condition{
				Field: FieldSessionsStarted, Operator: OpEq, Value: float64(4), WindowHours: 1,
			},
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule := Rule{
				ID: uuid.New(), Name: "windowed", Enabled: true,
				Conditions: singleGroup(tt.condition),
				Actions:    []Action{{Type: ActionLogOnly}},
			}
			results := Evaluate(ctx, []Rule{rule})
			if len(results[0].Errors) > 0 {
				t.Fatalf("unexpected errors: %v", results[0].Errors)
			}
			if results[0].Matched != tt.want {
				t.Errorf("matched = %v, want %v", results[0].Matched, tt.want)
			}
		})
	}
}

func TestMatches_FiltersUnmatched(t *testing.T) {
	results := []Result{
		{RuleName: "a", Matched: true},
		{RuleName: "b", Matched: false},
		{RuleName: "c", Matched: true},
	}
	matched := Matches(results)
	if len(matched) != 2 {
		t.Fatalf("expected 2 matched, got %d", len(matched))
	}
	if matched[0].RuleName != "a" || matched[1].RuleName != "c" {
		t.Errorf("unexpected matched set: %+v", matched)
	}
}
