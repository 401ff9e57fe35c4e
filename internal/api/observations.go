// Sentinelarr - Media Server Session Guardian
// Copyright 2026 Sentinelarr contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sentinelarr/sentinelarr

package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/sentinelarr/sentinelarr/internal/ingest"
	"github.com/sentinelarr/sentinelarr/internal/logging"
	"github.com/sentinelarr/sentinelarr/internal/models"
)

// maxObservationBody bounds a poll batch submission.
const maxObservationBody = 4 << 20

// Ingestor processes observed playback state from external pollers.
type Ingestor interface {
	HandleObserved(ctx context.Context, processed models.ProcessedSession, identity ingest.UserIdentity, geo *models.Geolocation) error
	HandleStopped(ctx context.Context, serverID, sessionKey string, stoppedAt time.Time) error
}

// Observation is one observed playback entry with its user identity.
type Observation struct {
	Session models.ProcessedSession `json:"session"`
	User    struct {
		ServerUserID string `json:"server_user_id"`
		Username     string `json:"username"`
	} `json:"user"`
	Geo *models.Geolocation `json:"geo,omitempty"`
}

// StopObservation reports a session no longer present on the server.
type StopObservation struct {
	ServerID   string    `json:"server_id"`
	SessionKey string    `json:"session_key"`
	StoppedAt  time.Time `json:"stopped_at"`
}

// ObservationBatch is one poll cycle's worth of state from a poller.
type ObservationBatch struct {
	Observed []Observation     `json:"observed"`
	Stopped  []StopObservation `json:"stopped"`
}

type observationReport struct {
	Accepted int `json:"accepted"`
	Failed   int `json:"failed"`
}

// SubmitObservations ingests a poll batch. Items are processed independently;
// a failed item is counted and logged but never blocks its siblings, since the
// next poll cycle retries it.
func (h *Handler) SubmitObservations(w http.ResponseWriter, r *http.Request) {
	if h.ingestor == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("ingest not configured"))
		return
	}

	var batch ObservationBatch
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxObservationBody))
	if err := dec.Decode(&batch); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("malformed observation batch"))
		return
	}

	var report observationReport
	for _, obs := range batch.Observed {
		if obs.Session.ServerID == "" || obs.Session.SessionKey == "" {
			report.Failed++
			continue
		}
		identity := ingest.UserIdentity{
			ServerUserID: obs.User.ServerUserID,
			Username:     obs.User.Username,
		}
		if err := h.ingestor.HandleObserved(r.Context(), obs.Session, identity, obs.Geo); err != nil {
			logging.Error().Err(err).
				Str("server_id", obs.Session.ServerID).
				Str("session_key", obs.Session.SessionKey).
				Msg("Observation ingest failed")
			report.Failed++
			continue
		}
		report.Accepted++
	}

	for _, stop := range batch.Stopped {
		if err := h.ingestor.HandleStopped(r.Context(), stop.ServerID, stop.SessionKey, stop.StoppedAt); err != nil {
			logging.Error().Err(err).
				Str("server_id", stop.ServerID).
				Str("session_key", stop.SessionKey).
				Msg("Stop ingest failed")
			report.Failed++
			continue
		}
		report.Accepted++
	}

	code := http.StatusAccepted
	if report.Failed > 0 && report.Accepted == 0 {
		code = http.StatusInternalServerError
	}
	writeJSON(w, code, report)
}
