// Sentinelarr - Media Server Session Guardian
// Copyright 2026 Sentinelarr contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sentinelarr/sentinelarr

package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/sentinelarr/sentinelarr/internal/actions"
	"github.com/sentinelarr/sentinelarr/internal/database"
	"github.com/sentinelarr/sentinelarr/internal/models"
	"github.com/sentinelarr/sentinelarr/internal/rules"
)

// Store is the persistence surface the handlers read and mutate.
type Store interface {
	Ping(ctx context.Context) error
	ListRules(ctx context.Context) ([]rules.Rule, error)
	ViolationsByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*models.Violation, error)
	ListPendingActions(ctx context.Context, status actions.PendingStatus, limit int) ([]*actions.PendingAction, error)
	GetPendingAction(ctx context.Context, id uuid.UUID) (*actions.PendingAction, error)
	SetPendingStatus(ctx context.Context, id uuid.UUID, status actions.PendingStatus) (bool, error)
}

// Handler implements the admin endpoints.
type Handler struct {
	store    Store
	ingestor Ingestor
}

// NewHandler builds a handler over the store. The ingestor may be nil, in
// which case observation submission is rejected.
func NewHandler(store Store, ingestor Ingestor) *Handler {
	return &Handler{store: store, ingestor: ingestor}
}

// Health reports liveness and database reachability.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if err := h.store.Ping(r.Context()); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{"status": status})
}

// ListRules returns every persisted rule.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	ruleset, err := h.store.ListRules(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if ruleset == nil {
		ruleset = []rules.Rule{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": ruleset})
}

// ListViolations returns a user's violations. The user_id query parameter is
// required.
func (h *Handler) ListViolations(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(r.URL.Query().Get("user_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("user_id query parameter required"))
		return
	}
	violations, err := h.store.ViolationsByUser(r.Context(), userID, 100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if violations == nil {
		violations = []*models.Violation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"violations": violations})
}

// ListConfirmations returns queued actions. The optional status query
// parameter filters; the default lists actions still awaiting a decision.
func (h *Handler) ListConfirmations(w http.ResponseWriter, r *http.Request) {
	status := actions.PendingStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = actions.PendingStatusPending
	}

	pendings, err := h.store.ListPendingActions(r.Context(), status, 100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if pendings == nil {
		pendings = []*actions.PendingAction{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"confirmations": pendings})
}

// ApproveConfirmation transitions a pending action to approved. Execution is
// asynchronous: the approval worker picks the row up on its next drain.
func (h *Handler) ApproveConfirmation(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, actions.PendingStatusApproved)
}

// RejectConfirmation discards a pending action.
func (h *Handler) RejectConfirmation(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, actions.PendingStatusRejected)
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, status actions.PendingStatus) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid confirmation id"))
		return
	}

	applied, err := h.store.SetPendingStatus(r.Context(), id, status)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !applied {
		// Either the row does not exist or it already left the pending
		// state; distinguish for the caller.
		if _, err := h.store.GetPendingAction(r.Context(), id); errors.Is(err, database.ErrPendingNotFound) {
			writeError(w, http.StatusNotFound, errors.New("confirmation not found"))
			return
		}
		writeError(w, http.StatusConflict, errors.New("confirmation already decided"))
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"id":     id.String(),
		"status": string(status),
	})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
