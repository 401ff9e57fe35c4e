// Sentinelarr - Media Server Session Guardian
// Copyright 2026 Sentinelarr contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sentinelarr/sentinelarr

// Package lifecycle orchestrates session creation, stop, quality-change and
// media-change as atomic units against the transactional store, running rule
// evaluation inside the creation transaction and returning deferred action
// effects for post-commit execution.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/sentinelarr/sentinelarr/internal/actions"
	"github.com/sentinelarr/sentinelarr/internal/logging"
	"github.com/sentinelarr/sentinelarr/internal/metrics"
	"github.com/sentinelarr/sentinelarr/internal/models"
	"github.com/sentinelarr/sentinelarr/internal/rules"
)

// SessionTx is the slice of store operations available inside the
// session-creation transaction.
type SessionTx interface {
	InsertSession(ctx context.Context, s *models.Session) error

	// RecordUserActivity bumps the user's session count and advances
	// last_activity_at to the greater of its prior value and at.
	RecordUserActivity(ctx context.Context, userID uuid.UUID, at time.Time) error

	// InsertViolation performs a conflict-free insert; false means a
	// violation for the same (rule, session) pair already existed.
	InsertViolation(ctx context.Context, v *models.Violation) (bool, error)

	// ApplyTrustPenalty decrements the user's trust score, clamped to the
	// [0,100] bounds.
	ApplyTrustPenalty(ctx context.Context, userID uuid.UUID, penalty int) error
}

// Store is the persistence boundary of the lifecycle manager.
type Store interface {
	// CreateSessionTx runs fn inside a single transaction at the store's
	// strictest isolation. A conflicting concurrent transaction surfaces
	// as an error for which IsConflict returns true.
	CreateSessionTx(ctx context.Context, fn func(tx SessionTx) error) error

	// MarkSessionStopped applies the stop update conditioned on the
	// session not being stopped yet; false means a concurrent stop won.
	MarkSessionStopped(ctx context.Context, sessionID uuid.UUID, stoppedAt time.Time, durationMs int64, watched, forceStopped bool) (bool, error)

	InsertActionResults(ctx context.Context, results []models.ActionResult) error

	// IsConflict classifies serialization failures that warrant a retry.
	IsConflict(err error) bool
}

// Config tunes the lifecycle manager.
type Config struct {
	// MaxRetries bounds transaction retries after serialization conflicts.
	MaxRetries int

	// RetryBackoff is the initial backoff; it doubles per attempt.
	RetryBackoff time.Duration

	// TxTimeout is the hard wall-clock bound per transaction attempt.
	// Exceeding it aborts the creation as a failure, not a retry.
	TxTimeout time.Duration

	// CompletionThreshold is the watched cutoff as a fraction of the
	// media's total duration.
	CompletionThreshold float64

	// ResumeWindow bounds how far back a stopped, incomplete session can
	// be for a new session of the same content to join its chain.
	ResumeWindow time.Duration

	// MinDurationMs marks sessions shorter than this as short sessions.
	MinDurationMs int64

	// TrustPenalties maps violation severity to the trust decrement
	// applied atomically with the violation insert.
	TrustPenalties map[models.Severity]int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:          3,
		RetryBackoff:        25 * time.Millisecond,
		TxTimeout:           10 * time.Second,
		CompletionThreshold: 0.85,
		ResumeWindow:        24 * time.Hour,
		MinDurationMs:       30_000,
		TrustPenalties: map[models.Severity]int{
			models.SeverityLow:      2,
			models.SeverityMedium:   5,
			models.SeverityHigh:     10,
			models.SeverityCritical: 20,
		},
	}
}

// Manager is the session lifecycle orchestrator.
type Manager struct {
	store    Store
	executor *actions.Executor
	cfg      Config

	// now is swappable for tests.
	now func() time.Time
}

// NewManager creates a lifecycle manager. Zero-valued config fields fall back
// to defaults.
func NewManager(store Store, executor *actions.Executor, cfg Config) *Manager {
	def := DefaultConfig()
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = def.RetryBackoff
	}
	if cfg.TxTimeout <= 0 {
		cfg.TxTimeout = def.TxTimeout
	}
	if cfg.CompletionThreshold <= 0 || cfg.CompletionThreshold > 1 {
		cfg.CompletionThreshold = def.CompletionThreshold
	}
	if cfg.ResumeWindow <= 0 {
		cfg.ResumeWindow = def.ResumeWindow
	}
	if cfg.MinDurationMs <= 0 {
		cfg.MinDurationMs = def.MinDurationMs
	}
	if cfg.TrustPenalties == nil {
		cfg.TrustPenalties = def.TrustPenalties
	}
	return &Manager{store: store, executor: executor, cfg: cfg, now: time.Now}
}

// CreateKind classifies how a created session relates to prior sessions.
type CreateKind string

const (
	KindNew           CreateKind = "new"
	KindQualityChange CreateKind = "quality_change"
	KindResume        CreateKind = "resume"
	KindMediaChange   CreateKind = "media_change"
)

// CreateInput bundles the caller-supplied context for one session creation.
// ActiveSessions is the user's currently active session set (not including
// the incoming session); RecentSessions is the user's recent history.
type CreateInput struct {
	Processed models.ProcessedSession
	Server    *models.MediaServer
	User      *models.ServerUser
	Geo       *models.Geolocation

	ActiveRules    []rules.Rule
	ActiveSessions []*models.Session
	RecentSessions []*models.Session

	// kind reclassifies the creation when no chain linkage claims it.
	// Set by HandleMediaChange; a resume classification still wins.
	kind CreateKind
}

// PendingEffect is one matched rule's deferred (post-commit) action list.
// It is a plain value object so the post-commit boundary is explicit and the
// effects are testable in isolation from the transaction.
type PendingEffect struct {
	RuleID      uuid.UUID    `json:"rule_id"`
	RuleName    string       `json:"rule_name"`
	ViolationID *uuid.UUID   `json:"violation_id,omitempty"`
	Actions     []rules.Action `json:"actions"`
}

// CreateResult is the outcome of one session creation.
type CreateResult struct {
	Session *models.Session
	Kind    CreateKind

	// PreviousStop is the quality-change stop outcome for the superseded
	// session, when one existed.
	PreviousStop *StopOutcome

	Violations     []*models.Violation
	EvalResults    []rules.Result
	PendingEffects []PendingEffect

	// ActiveSessions is the post-creation active set (superseded session
	// excluded, created session included) used for target resolution when
	// the deferred effects run.
	ActiveSessions []*models.Session

	server *models.MediaServer
	user   *models.ServerUser
}

// CreateSession performs the full creation flow: quality-change / resume
// linkage, the atomic insert+evaluate+violate transaction with bounded
// conflict retries, and assembly of the deferred effect list. Deferred
// effects are NOT executed here; call ExecuteDeferred after this returns.
func (m *Manager) CreateSession(ctx context.Context, input CreateInput) (*CreateResult, error) {
	if input.User == nil {
		return nil, fmt.Errorf("create session: user is required")
	}

	result := &CreateResult{Kind: KindNew, server: input.Server, user: input.User}
	session := m.buildSession(input)

	// Quality change: same user and content already playing under a
	// different server session key. The superseded session is stopped
	// idempotently with its watched flag preserved, and its chain
	// reference carries forward.
	previous := findQualityChangePredecessor(input.ActiveSessions, session)
	if previous != nil {
		stop, err := m.StopSession(ctx, previous, session.StartedAt, StopOptions{PreserveWatched: true})
		if err != nil {
			return nil, fmt.Errorf("stop superseded session: %w", err)
		}
		result.Kind = KindQualityChange
		result.PreviousStop = stop
		session.ReferenceID = previous.ChainID()
	} else if ref, ok := m.findResumePredecessor(input.RecentSessions, session); ok {
		// Resume: recently stopped, incomplete session of the same
		// content whose progress the new session carries forward.
		result.Kind = KindResume
		session.ReferenceID = ref
	} else {
		session.ReferenceID = session.ID
	}

	evalActive := buildActiveSet(input.ActiveSessions, previous, session)
	result.ActiveSessions = evalActive

	evalCtx := rules.EvalContext{
		Session:        session,
		User:           input.User,
		Server:         input.Server,
		ActiveSessions: evalActive,
		RecentSessions: input.RecentSessions,
		Now:            m.now(),
	}

	err := m.runCreateTx(ctx, func(tx SessionTx) error {
		// Reset per attempt: the whole transaction re-runs on conflict.
		result.Violations = nil
		result.PendingEffects = nil

		if err := tx.InsertSession(ctx, session); err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		if err := tx.RecordUserActivity(ctx, input.User.ID, session.StartedAt); err != nil {
			return fmt.Errorf("record user activity: %w", err)
		}

		result.EvalResults = rules.Evaluate(evalCtx, input.ActiveRules)
		metrics.RulesEvaluated.Add(float64(len(result.EvalResults)))

		for _, matched := range rules.Matches(result.EvalResults) {
			metrics.RulesMatched.WithLabelValues(matched.RuleName).Inc()

			effect := PendingEffect{RuleID: matched.RuleID, RuleName: matched.RuleName}
			for _, action := range matched.Actions {
				if action.Type != rules.ActionCreateViolation {
					effect.Actions = append(effect.Actions, action)
					continue
				}

				violation, inserted, err := m.createViolation(ctx, tx, session, input.User, matched, action)
				if err != nil {
					return err
				}
				if inserted {
					result.Violations = append(result.Violations, violation)
					id := violation.ID
					effect.ViolationID = &id
				}
			}

			if len(effect.Actions) > 0 {
				result.PendingEffects = append(result.PendingEffects, effect)
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	result.Session = session
	if input.kind != "" && result.Kind == KindNew {
		result.Kind = input.kind
	}
	metrics.SessionsCreated.WithLabelValues(session.ServerID, string(result.Kind)).Inc()
	logging.Info().
		Str("session_key", session.SessionKey).
		Str("server_id", session.ServerID).
		Str("kind", string(result.Kind)).
		Int("violations", len(result.Violations)).
		Msg("session created")

	return result, nil
}

// ExecuteDeferred runs the post-commit effects of a creation and persists
// their audit results. Safe to call with zero pending effects.
func (m *Manager) ExecuteDeferred(ctx context.Context, result *CreateResult) []models.ActionResult {
	if m.executor == nil || len(result.PendingEffects) == 0 {
		return nil
	}

	var all []models.ActionResult
	for _, effect := range result.PendingEffects {
		ec := actions.ExecContext{
			RuleID:         effect.RuleID,
			RuleName:       effect.RuleName,
			Session:        result.Session,
			User:           result.user,
			Server:         result.server,
			ActiveSessions: result.ActiveSessions,
			ViolationID:    effect.ViolationID,
		}
		all = append(all, m.executor.Execute(ctx, ec, effect.Actions)...)
	}

	if len(all) > 0 {
		if err := m.store.InsertActionResults(ctx, all); err != nil {
			logging.Error().Err(err).Msg("failed to persist action results")
		}
	}
	return all
}

// runCreateTx retries the creation transaction on serialization conflicts
// with exponential backoff. Each attempt runs under the configured hard
// timeout; a timeout is a permanent failure, not a conflict.
func (m *Manager) runCreateTx(ctx context.Context, fn func(tx SessionTx) error) error {
	backoff := m.cfg.RetryBackoff
	var lastErr error

	for attempt := 0; attempt < m.cfg.MaxRetries; attempt++ {
		start := time.Now()
		attemptCtx, cancel := context.WithTimeout(ctx, m.cfg.TxTimeout)
		err := m.store.CreateSessionTx(attemptCtx, fn)
		cancel()
		metrics.TxDuration.Observe(time.Since(start).Seconds())

		if err == nil {
			return nil
		}
		lastErr = err

		if errors.Is(err, context.DeadlineExceeded) {
			metrics.TxFailures.WithLabelValues("timeout").Inc()
			return fmt.Errorf("creation transaction timed out: %w", err)
		}
		if !m.store.IsConflict(err) {
			metrics.TxFailures.WithLabelValues("error").Inc()
			return err
		}

		metrics.TxRetries.Inc()
		logging.Debug().Err(err).Int("attempt", attempt+1).Msg("creation transaction conflict, retrying")

		select {
		case <-time.After(backoff):
			backoff *= 2
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	metrics.TxFailures.WithLabelValues("conflict_exhausted").Inc()
	return fmt.Errorf("creation transaction conflicts exhausted after %d attempts: %w", m.cfg.MaxRetries, lastErr)
}

// createViolation inserts the violation row and applies the severity-mapped
// trust penalty atomically with it. The insert is conflict-free: a duplicate
// (rule, session) pair inserts nothing and applies no penalty.
func (m *Manager) createViolation(
	ctx context.Context,
	tx SessionTx,
	session *models.Session,
	user *models.ServerUser,
	matched rules.Result,
	action rules.Action,
) (*models.Violation, bool, error) {
	severity := action.Severity
	if severity == "" {
		severity = models.SeverityMedium
	}

	details, _ := json.Marshal(map[string]any{
		"matched_groups": matched.MatchedGroups,
		"session_key":    session.SessionKey,
		"media_title":    session.Title,
	})

	violation := &models.Violation{
		ID:        uuid.New(),
		RuleID:    matched.RuleID,
		RuleName:  matched.RuleName,
		SessionID: session.ID,
		UserID:    user.ID,
		ServerID:  session.ServerID,
		Severity:  severity,
		Details:   details,
		CreatedAt: m.now(),
	}

	inserted, err := tx.InsertViolation(ctx, violation)
	if err != nil {
		return nil, false, fmt.Errorf("insert violation: %w", err)
	}
	if !inserted {
		return violation, false, nil
	}

	penalty := m.cfg.TrustPenalties[severity]
	if penalty > 0 {
		if err := tx.ApplyTrustPenalty(ctx, user.ID, penalty); err != nil {
			return nil, false, fmt.Errorf("apply trust penalty: %w", err)
		}
	}
	metrics.ViolationsCreated.WithLabelValues(string(severity)).Inc()
	return violation, true, nil
}

// buildSession assembles the session row from the processed record and the
// geo-resolution result.
func (m *Manager) buildSession(input CreateInput) *models.Session {
	p := input.Processed
	now := m.now()

	startedAt := p.StartedAt
	if startedAt.IsZero() {
		startedAt = now
	}
	state := p.State
	if state == "" {
		state = models.StatePlaying
	}

	s := &models.Session{
		ID:               uuid.New(),
		ServerID:         p.ServerID,
		UserID:           input.User.ID,
		SessionKey:       p.SessionKey,
		State:            state,
		RatingKey:        p.RatingKey,
		MediaType:        p.MediaType,
		Title:            p.Title,
		ParentTitle:      p.ParentTitle,
		GrandparentTitle: p.GrandparentTitle,
		StartedAt:        startedAt,
		TotalDurationMs:  p.TotalDurationMs,
		ProgressMs:       p.ProgressMs,
		IPAddress:        p.IPAddress,
		Local:            p.Local,
		DeviceID:         p.DeviceID,
		Platform:         p.Platform,
		Player:           p.Player,
		Product:          p.Product,
		VideoDecision:    p.VideoDecision,
		AudioDecision:    p.AudioDecision,
		QualityProfile:   p.QualityProfile,
		VideoResolution:  p.VideoResolution,
		BitrateKbps:      p.BitrateKbps,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if input.Geo != nil {
		s.City = input.Geo.City
		s.Region = input.Geo.Region
		s.Country = input.Geo.Country
		s.Latitude = input.Geo.Latitude
		s.Longitude = input.Geo.Longitude
		s.ASN = input.Geo.ASN
		s.Organization = input.Geo.Organization
	}

	return s
}

// findQualityChangePredecessor returns the active session the incoming one
// supersedes: same user and content under a different server session key.
func findQualityChangePredecessor(active []*models.Session, incoming *models.Session) *models.Session {
	for _, s := range active {
		if !s.Active() {
			continue
		}
		if s.UserID == incoming.UserID &&
			s.RatingKey == incoming.RatingKey &&
			s.SessionKey != incoming.SessionKey {
			return s
		}
	}
	return nil
}

// findResumePredecessor locates the chain to rejoin: a session of the same
// content stopped within the resume window, not watched to completion, whose
// progress the incoming session meets or exceeds. The most recently stopped
// candidate wins.
func (m *Manager) findResumePredecessor(recent []*models.Session, incoming *models.Session) (uuid.UUID, bool) {
	cutoff := m.now().Add(-m.cfg.ResumeWindow)

	var best *models.Session
	for _, s := range recent {
		if s.StoppedAt == nil || s.Watched {
			continue
		}
		if s.UserID != incoming.UserID || s.RatingKey != incoming.RatingKey {
			continue
		}
		if s.StoppedAt.Before(cutoff) {
			continue
		}
		if incoming.ProgressMs < s.ProgressMs {
			continue
		}
		if best == nil || s.StoppedAt.After(*best.StoppedAt) {
			best = s
		}
	}
	if best == nil {
		return uuid.Nil, false
	}
	return best.ChainID(), true
}

// buildActiveSet produces the post-creation active session set: the caller's
// active set minus the superseded session, plus the created session.
func buildActiveSet(active []*models.Session, superseded, created *models.Session) []*models.Session {
	out := make([]*models.Session, 0, len(active)+1)
	for _, s := range active {
		if superseded != nil && s.ID == superseded.ID {
			continue
		}
		if s.SessionKey == created.SessionKey && s.ServerID == created.ServerID {
			continue
		}
		out = append(out, s)
	}
	return append(out, created)
}
