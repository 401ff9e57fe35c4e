// Sentinelarr - Media Server Session Guardian
// Copyright 2026 Sentinelarr contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sentinelarr/sentinelarr

package actions

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/sentinelarr/sentinelarr/internal/logging"
	"github.com/sentinelarr/sentinelarr/internal/metrics"
	"github.com/sentinelarr/sentinelarr/internal/models"
	"github.com/sentinelarr/sentinelarr/internal/rules"
)

// SkipReasonCooldown is reported when an action is gated by an armed
// cooldown key.
const SkipReasonCooldown = "On cooldown"

// SkipReasonConfirmation is reported when an action is queued for manual
// approval instead of executing.
const SkipReasonConfirmation = "Queued for confirmation"

// SkipReasonUnsupported is reported when the target platform cannot perform
// the action, so the audit trail distinguishes "delivered" from "cannot
// display".
const SkipReasonUnsupported = "Unsupported on platform"

// errUnsupported marks a dispatch outcome that audits as skipped rather
// than executed or failed.
var errUnsupported = errors.New(SkipReasonUnsupported)

// Executor dispatches rule actions to their handlers.
type Executor struct {
	notifier      Notifier
	streams       StreamController
	trust         TrustStore
	violations    ViolationSink
	confirmations ConfirmationQueue
	cooldowns     CooldownStore
	caps          *Capabilities
}

// NewExecutor wires an executor. Any collaborator may be nil; actions that
// need a missing collaborator fail with a descriptive result instead of
// panicking.
func NewExecutor(
	notifier Notifier,
	streams StreamController,
	trust TrustStore,
	violations ViolationSink,
	confirmations ConfirmationQueue,
	cooldowns CooldownStore,
	caps *Capabilities,
) *Executor {
	if caps == nil {
		caps = DefaultCapabilities()
	}
	return &Executor{
		notifier:      notifier,
		streams:       streams,
		trust:         trust,
		violations:    violations,
		confirmations: confirmations,
		cooldowns:     cooldowns,
		caps:          caps,
	}
}

// Execute runs the actions strictly in the order given and returns one
// result per action. Handler errors are captured in the result; they never
// abort sibling actions.
func (e *Executor) Execute(ctx context.Context, ec ExecContext, acts []rules.Action) []models.ActionResult {
	results := make([]models.ActionResult, 0, len(acts))
	for i := range acts {
		results = append(results, e.executeOne(ctx, ec, &acts[i]))
	}
	return results
}

// executeOne applies confirmation and cooldown gating, then dispatches.
func (e *Executor) executeOne(ctx context.Context, ec ExecContext, action *rules.Action) models.ActionResult {
	result := models.ActionResult{
		ID:          uuid.New(),
		RuleID:      ec.RuleID,
		SessionID:   ec.Session.ID,
		ViolationID: ec.ViolationID,
		ActionType:  string(action.Type),
		ExecutedAt:  time.Now(),
	}

	if action.RequireConfirmation {
		if err := e.enqueueConfirmation(ctx, ec, action); err != nil {
			result.Error = fmt.Sprintf("queue for confirmation: %v", err)
			metrics.ActionsFailed.WithLabelValues(string(action.Type)).Inc()
			return result
		}
		result.Skipped = true
		result.SkipReason = SkipReasonConfirmation
		metrics.ActionsSkipped.WithLabelValues(string(action.Type), "confirmation").Inc()
		return result
	}

	if action.CooldownMinutes > 0 && e.cooldowns != nil {
		key := cooldownKey(ec.RuleID, action)
		active, err := e.cooldowns.Active(ctx, key)
		if err != nil {
			logging.Warn().Err(err).Str("key", key).Msg("cooldown check failed, executing anyway")
		} else if active {
			result.Skipped = true
			result.SkipReason = SkipReasonCooldown
			metrics.ActionsSkipped.WithLabelValues(string(action.Type), "cooldown").Inc()
			return result
		}
	}

	if err := e.dispatch(ctx, ec, action); err != nil {
		if errors.Is(err, errUnsupported) {
			result.Skipped = true
			result.SkipReason = SkipReasonUnsupported
			metrics.ActionsSkipped.WithLabelValues(string(action.Type), "capability").Inc()
			return result
		}
		result.Error = err.Error()
		metrics.ActionsFailed.WithLabelValues(string(action.Type)).Inc()
		logging.Error().Err(err).
			Str("rule", ec.RuleName).
			Str("action", string(action.Type)).
			Msg("action failed")
		return result
	}

	result.Success = true
	metrics.ActionsExecuted.WithLabelValues(string(action.Type)).Inc()

	// Arm the cooldown only after a successful execution; a skipped or
	// failed action must not delay the next attempt.
	if action.CooldownMinutes > 0 && e.cooldowns != nil {
		ttl := time.Duration(action.CooldownMinutes) * time.Minute
		if err := e.cooldowns.Arm(ctx, cooldownKey(ec.RuleID, action), ttl); err != nil {
			logging.Warn().Err(err).Str("rule", ec.RuleName).Msg("failed to arm cooldown")
		}
	}

	return result
}

// ExecuteApproved runs one manually approved action. The confirmation gate
// is bypassed; cooldown gating still applies.
func (e *Executor) ExecuteApproved(ctx context.Context, ec ExecContext, action rules.Action) models.ActionResult {
	action.RequireConfirmation = false
	return e.executeOne(ctx, ec, &action)
}

// dispatch routes the action to its handler. The switch covers the closed
// ActionType set; an unknown tag is a descriptive failure, not a panic,
// because rule definitions are user-authored configuration.
func (e *Executor) dispatch(ctx context.Context, ec ExecContext, action *rules.Action) error {
	switch action.Type {
	case rules.ActionCreateViolation:
		return e.executeCreateViolation(ctx, ec, action)
	case rules.ActionLogOnly:
		return e.executeLogOnly(ec, action)
	case rules.ActionNotify:
		return e.executeNotify(ctx, ec, action)
	case rules.ActionAdjustTrust:
		return e.executeAdjustTrust(ctx, ec, action)
	case rules.ActionSetTrust:
		return e.executeSetTrust(ctx, ec, action)
	case rules.ActionResetTrust:
		return e.executeResetTrust(ctx, ec)
	case rules.ActionKillStream:
		return e.executeKillStream(ctx, ec, action)
	case rules.ActionMessageClient:
		return e.executeMessageClient(ctx, ec, action)
	default:
		return fmt.Errorf("unknown action type: %q", action.Type)
	}
}

func (e *Executor) executeCreateViolation(ctx context.Context, ec ExecContext, action *rules.Action) error {
	if e.violations == nil {
		return fmt.Errorf("violation sink not configured")
	}

	severity := action.Severity
	if severity == "" {
		severity = models.SeverityMedium
	}
	details, _ := json.Marshal(map[string]any{
		"rule":        ec.RuleName,
		"session_key": ec.Session.SessionKey,
	})

	_, err := e.violations.RecordViolation(ctx, &models.Violation{
		ID:        uuid.New(),
		RuleID:    ec.RuleID,
		RuleName:  ec.RuleName,
		SessionID: ec.Session.ID,
		UserID:    ec.Session.UserID,
		ServerID:  ec.Session.ServerID,
		Severity:  severity,
		Details:   details,
		CreatedAt: time.Now(),
	})
	return err
}

func (e *Executor) executeLogOnly(ec ExecContext, action *rules.Action) error {
	logging.Info().
		Str("rule", ec.RuleName).
		Str("session_key", ec.Session.SessionKey).
		Str("user_id", ec.Session.UserID.String()).
		Str("message", action.Message).
		Msg("rule matched")
	return nil
}

func (e *Executor) executeNotify(ctx context.Context, ec ExecContext, action *rules.Action) error {
	if e.notifier == nil {
		return fmt.Errorf("notifier not configured")
	}

	subject := fmt.Sprintf("Rule matched: %s", ec.RuleName)
	body := action.Message
	if body == "" {
		body = fmt.Sprintf("Rule %q matched for %s on %s (%s)",
			ec.RuleName, username(ec), ec.Session.ServerID, ec.Session.Title)
	}
	return e.notifier.Enqueue(ctx, action.Channels, subject, body)
}

func (e *Executor) executeAdjustTrust(ctx context.Context, ec ExecContext, action *rules.Action) error {
	if e.trust == nil {
		return fmt.Errorf("trust store not configured")
	}
	score, err := e.trust.AdjustTrust(ctx, ec.Session.UserID, action.TrustDelta)
	if err != nil {
		return err
	}
	logging.Debug().Int("trust_score", score).Str("user_id", ec.Session.UserID.String()).Msg("trust adjusted")
	return nil
}

func (e *Executor) executeSetTrust(ctx context.Context, ec ExecContext, action *rules.Action) error {
	if e.trust == nil {
		return fmt.Errorf("trust store not configured")
	}
	_, err := e.trust.SetTrust(ctx, ec.Session.UserID, models.ClampTrust(action.TrustValue))
	return err
}

func (e *Executor) executeResetTrust(ctx context.Context, ec ExecContext) error {
	if e.trust == nil {
		return fmt.Errorf("trust store not configured")
	}
	_, err := e.trust.SetTrust(ctx, ec.Session.UserID, models.TrustMax)
	return err
}

func (e *Executor) executeKillStream(ctx context.Context, ec ExecContext, action *rules.Action) error {
	if e.streams == nil {
		return fmt.Errorf("stream controller not configured")
	}

	targets := rules.ResolveTarget(action.Target, ec.Session, ec.ActiveSessions)
	delay := time.Duration(action.DelaySeconds) * time.Second

	var failures []string
	for _, target := range targets {
		if err := e.streams.Terminate(ctx, target.ServerID, target.SessionKey, delay, action.Message); err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", target.SessionKey, err))
			continue
		}
		metrics.StreamsTerminated.Inc()
	}
	if len(failures) > 0 {
		return fmt.Errorf("terminate %d/%d streams failed: %s", len(failures), len(targets), strings.Join(failures, "; "))
	}
	return nil
}

func (e *Executor) executeMessageClient(ctx context.Context, ec ExecContext, action *rules.Action) error {
	if e.streams == nil {
		return fmt.Errorf("stream controller not configured")
	}
	if ec.Server != nil && !e.caps.SupportsClientMessaging(ec.Server.Type) {
		logging.Debug().
			Str("server_type", string(ec.Server.Type)).
			Msg("client messaging not supported, skipping")
		return errUnsupported
	}

	var failures []string
	for _, target := range rules.ResolveTarget(action.Target, ec.Session, ec.ActiveSessions) {
		if err := e.streams.SendMessage(ctx, target.ServerID, target.SessionKey, action.Message); err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", target.SessionKey, err))
		}
	}
	if len(failures) > 0 {
		return fmt.Errorf("message clients failed: %s", strings.Join(failures, "; "))
	}
	return nil
}

// enqueueConfirmation parks the action in the manual approval queue.
func (e *Executor) enqueueConfirmation(ctx context.Context, ec ExecContext, action *rules.Action) error {
	if e.confirmations == nil {
		return fmt.Errorf("confirmation queue not configured")
	}
	return e.confirmations.Enqueue(ctx, &PendingAction{
		ID:        uuid.New(),
		RuleID:    ec.RuleID,
		RuleName:  ec.RuleName,
		SessionID: ec.Session.ID,
		UserID:    ec.Session.UserID,
		ServerID:  ec.Session.ServerID,
		Action:    *action,
		Status:    PendingStatusPending,
		CreatedAt: time.Now(),
	})
}

// cooldownKey builds the (rule, target) gate key. The action type is part of
// the key so two differently-typed cooldown actions on one rule do not steal
// each other's window.
func cooldownKey(ruleID uuid.UUID, action *rules.Action) string {
	target := action.Target
	if target == "" {
		target = rules.TargetTriggering
	}
	return fmt.Sprintf("cooldown:%s:%s:%s", ruleID, action.Type, target)
}

func username(ec ExecContext) string {
	if ec.User != nil {
		return ec.User.Username
	}
	return ec.Session.UserID.String()
}
