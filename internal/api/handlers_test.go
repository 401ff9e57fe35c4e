// Sentinelarr - Media Server Session Guardian
// Copyright 2026 Sentinelarr contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sentinelarr/sentinelarr

package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/sentinelarr/sentinelarr/internal/actions"
	"github.com/sentinelarr/sentinelarr/internal/database"
	"github.com/sentinelarr/sentinelarr/internal/ingest"
	"github.com/sentinelarr/sentinelarr/internal/models"
	"github.com/sentinelarr/sentinelarr/internal/rules"
)

type mockAPIStore struct {
	pingErr error

	rules      []rules.Rule
	violations []*models.Violation
	pendings   []*actions.PendingAction

	listedStatus actions.PendingStatus

	setApplied bool
	setErr     error
	getErr     error
}

func (m *mockAPIStore) Ping(_ context.Context) error { return m.pingErr }

func (m *mockAPIStore) ListRules(_ context.Context) ([]rules.Rule, error) {
	return m.rules, nil
}

func (m *mockAPIStore) ViolationsByUser(_ context.Context, userID uuid.UUID, limit int) ([]*models.Violation, error) {
	return m.violations, nil
}

func (m *mockAPIStore) ListPendingActions(_ context.Context, status actions.PendingStatus, limit int) ([]*actions.PendingAction, error) {
	m.listedStatus = status
	return m.pendings, nil
}

func (m *mockAPIStore) GetPendingAction(_ context.Context, id uuid.UUID) (*actions.PendingAction, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	return &actions.PendingAction{ID: id}, nil
}

func (m *mockAPIStore) SetPendingStatus(_ context.Context, id uuid.UUID, status actions.PendingStatus) (bool, error) {
	return m.setApplied, m.setErr
}

type observedCall struct {
	session  models.ProcessedSession
	identity ingest.UserIdentity
	geo      *models.Geolocation
}

type mockIngestor struct {
	observed []observedCall
	stopped  []string

	failKey string // session keys matching this fail
}

func (m *mockIngestor) HandleObserved(_ context.Context, processed models.ProcessedSession, identity ingest.UserIdentity, geo *models.Geolocation) error {
	if m.failKey != "" && processed.SessionKey == m.failKey {
		return errors.New("ingest blew up")
	}
	m.observed = append(m.observed, observedCall{processed, identity, geo})
	return nil
}

func (m *mockIngestor) HandleStopped(_ context.Context, serverID, sessionKey string, stoppedAt time.Time) error {
	if m.failKey != "" && sessionKey == m.failKey {
		return errors.New("ingest blew up")
	}
	m.stopped = append(m.stopped, serverID+"/"+sessionKey)
	return nil
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return body
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name       string
		pingErr    error
		wantCode   int
		wantStatus string
	}{
		{"healthy", nil, http.StatusOK, "ok"},
		{"degraded", errors.New("connection refused"), http.StatusServiceUnavailable, "degraded"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewHandler(&mockAPIStore{pingErr: tt.pingErr}, nil)
			rec := httptest.NewRecorder()
			handler.Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

			if rec.Code != tt.wantCode {
				t.Errorf("code = %d, want %d", rec.Code, tt.wantCode)
			}
			if body := decodeBody(t, rec); body["status"] != tt.wantStatus {
				t.Errorf("status = %v, want %q", body["status"], tt.wantStatus)
			}
		})
	}
}

func TestListRules_EmptyIsArray(t *testing.T) {
	handler := NewHandler(&mockAPIStore{}, nil)
	rec := httptest.NewRecorder()
	handler.ListRules(rec, httptest.NewRequest(http.MethodGet, "/api/v1/rules", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"rules":[]`) {
		t.Errorf("empty rule list must serialize as [], got %s", rec.Body.String())
	}
}

func TestListViolations_RequiresUserID(t *testing.T) {
	handler := NewHandler(&mockAPIStore{}, nil)

	rec := httptest.NewRecorder()
	handler.ListViolations(rec, httptest.NewRequest(http.MethodGet, "/api/v1/violations", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing user_id: code = %d, want 400", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ListViolations(rec, httptest.NewRequest(http.MethodGet, "/api/v1/violations?user_id="+uuid.NewString(), nil))
	if rec.Code != http.StatusOK {
		t.Errorf("valid user_id: code = %d, want 200", rec.Code)
	}
}

func TestListConfirmations_DefaultsToPending(t *testing.T) {
	store := &mockAPIStore{}
	handler := NewHandler(store, nil)

	rec := httptest.NewRecorder()
	handler.ListConfirmations(rec, httptest.NewRequest(http.MethodGet, "/api/v1/confirmations", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	if store.listedStatus != actions.PendingStatusPending {
		t.Errorf("listed status = %q, want pending", store.listedStatus)
	}
}

func withURLParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func TestConfirmationTransitions(t *testing.T) {
	tests := []struct {
		name     string
		id       string
		store    *mockAPIStore
		wantCode int
	}{
		{
			name:     "approved",
			id:       uuid.NewString(),
			store:    &mockAPIStore{setApplied: true},
			wantCode: http.StatusOK,
		},
		{
			name:     "invalid id",
			id:       "not-a-uuid",
			store:    &mockAPIStore{},
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "unknown confirmation",
			id:       uuid.NewString(),
			store:    &mockAPIStore{getErr: database.ErrPendingNotFound},
			wantCode: http.StatusNotFound,
		},
		{
			name:     "already decided",
			id:       uuid.NewString(),
			store:    &mockAPIStore{},
			wantCode: http.StatusConflict,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewHandler(tt.store, nil)
			req := httptest.NewRequest(http.MethodPost, "/api/v1/confirmations/"+tt.id+"/approve", nil)
			rec := httptest.NewRecorder()
			handler.ApproveConfirmation(rec, withURLParam(req, "id", tt.id))

			if rec.Code != tt.wantCode {
				t.Errorf("code = %d, want %d", rec.Code, tt.wantCode)
			}
			if tt.wantCode == http.StatusOK {
				if body := decodeBody(t, rec); body["status"] != string(actions.PendingStatusApproved) {
					t.Errorf("status = %v, want approved", body["status"])
				}
			}
		})
	}
}

func observationBody(t *testing.T, batch ObservationBatch) *strings.Reader {
	t.Helper()
	raw, err := json.Marshal(batch)
	if err != nil {
		t.Fatalf("marshal batch: %v", err)
	}
	return strings.NewReader(string(raw))
}

func submitObservation(key string) Observation {
	obs := Observation{}
	obs.Session = models.ProcessedSession{
		ServerID:   "plex-main",
		SessionKey: key,
		RatingKey:  "movie-1",
		State:      models.StatePlaying,
	}
	obs.User.ServerUserID = "plex-u1"
	obs.User.Username = "alice"
	return obs
}

func TestSubmitObservations(t *testing.T) {
	ingestor := &mockIngestor{failKey: "key-bad"}
	handler := NewHandler(&mockAPIStore{}, ingestor)

	batch := ObservationBatch{
		Observed: []Observation{
			submitObservation("key-1"),
			submitObservation("key-bad"),
			{}, // missing identity fields
		},
		Stopped: []StopObservation{
			{ServerID: "plex-main", SessionKey: "key-2", StoppedAt: time.Now()},
		},
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/observations", observationBody(t, batch))
	handler.SubmitObservations(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("code = %d, want 202", rec.Code)
	}
	var report struct {
		Accepted int `json:"accepted"`
		Failed   int `json:"failed"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report.Accepted != 2 || report.Failed != 2 {
		t.Errorf("report = %+v, want 2 accepted and 2 failed", report)
	}
	if len(ingestor.observed) != 1 || ingestor.observed[0].identity.Username != "alice" {
		t.Errorf("observed calls = %+v", ingestor.observed)
	}
	if len(ingestor.stopped) != 1 || ingestor.stopped[0] != "plex-main/key-2" {
		t.Errorf("stopped calls = %v", ingestor.stopped)
	}
}

func TestSubmitObservations_AllFailed(t *testing.T) {
	ingestor := &mockIngestor{failKey: "key-bad"}
	handler := NewHandler(&mockAPIStore{}, ingestor)

	batch := ObservationBatch{Observed: []Observation{submitObservation("key-bad")}}
	rec := httptest.NewRecorder()
	handler.SubmitObservations(rec, httptest.NewRequest(http.MethodPost, "/api/v1/observations", observationBody(t, batch)))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("code = %d, want 500 when every item failed", rec.Code)
	}
}

func TestSubmitObservations_Malformed(t *testing.T) {
	handler := NewHandler(&mockAPIStore{}, &mockIngestor{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/observations", strings.NewReader("{not json"))
	handler.SubmitObservations(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("code = %d, want 400", rec.Code)
	}
}

func TestSubmitObservations_NoIngestor(t *testing.T) {
	handler := NewHandler(&mockAPIStore{}, nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/observations", strings.NewReader("{}"))
	handler.SubmitObservations(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("code = %d, want 503", rec.Code)
	}
}
