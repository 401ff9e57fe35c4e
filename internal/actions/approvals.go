// Sentinelarr - Media Server Session Guardian
// Copyright 2026 Sentinelarr contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sentinelarr/sentinelarr

package actions

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/sentinelarr/sentinelarr/internal/logging"
	"github.com/sentinelarr/sentinelarr/internal/models"
)

// ApprovalStore is the persistence surface the approval worker drains.
type ApprovalStore interface {
	ListPendingActions(ctx context.Context, status PendingStatus, limit int) ([]*PendingAction, error)
	MarkPendingExecuted(ctx context.Context, id uuid.UUID) error
	LoadExecContext(ctx context.Context, pending *PendingAction) (ExecContext, error)
	InsertActionResults(ctx context.Context, results []models.ActionResult) error
}

// ApprovalWorker periodically drains approved pending actions and executes
// them. Rows whose context cannot be rebuilt (session or user since purged)
// are marked executed with a failed result rather than retried forever.
type ApprovalWorker struct {
	store    ApprovalStore
	executor *Executor
	interval time.Duration
}

// NewApprovalWorker builds a worker. A zero interval defaults to 15 seconds.
func NewApprovalWorker(store ApprovalStore, executor *Executor, interval time.Duration) *ApprovalWorker {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &ApprovalWorker{store: store, executor: executor, interval: interval}
}

// Serve drains approved actions until the context is canceled. It satisfies
// suture.Service.
func (w *ApprovalWorker) Serve(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.drain(ctx)
		}
	}
}

func (w *ApprovalWorker) drain(ctx context.Context) {
	approved, err := w.store.ListPendingActions(ctx, PendingStatusApproved, 50)
	if err != nil {
		logging.Error().Err(err).Msg("Failed to list approved actions")
		return
	}

	for _, pending := range approved {
		w.executeApproved(ctx, pending)
	}
}

func (w *ApprovalWorker) executeApproved(ctx context.Context, pending *PendingAction) {
	ec, err := w.store.LoadExecContext(ctx, pending)
	if err != nil {
		logging.Warn().Err(err).
			Str("pending_id", pending.ID.String()).
			Msg("Cannot rebuild context for approved action, discarding")
		result := models.ActionResult{
			ID:         uuid.New(),
			RuleID:     pending.RuleID,
			SessionID:  pending.SessionID,
			ActionType: string(pending.Action.Type),
			Error:      err.Error(),
			ExecutedAt: time.Now(),
		}
		if err := w.store.InsertActionResults(ctx, []models.ActionResult{result}); err != nil {
			logging.Error().Err(err).Msg("Failed to record discarded approval result")
		}
		w.markExecuted(ctx, pending.ID)
		return
	}

	result := w.executor.ExecuteApproved(ctx, ec, pending.Action)
	if err := w.store.InsertActionResults(ctx, []models.ActionResult{result}); err != nil {
		logging.Error().Err(err).Msg("Failed to record approval result")
	}
	w.markExecuted(ctx, pending.ID)

	logging.Info().
		Str("pending_id", pending.ID.String()).
		Str("action", string(pending.Action.Type)).
		Bool("success", result.Success).
		Msg("Approved action executed")
}

func (w *ApprovalWorker) markExecuted(ctx context.Context, id uuid.UUID) {
	if err := w.store.MarkPendingExecuted(ctx, id); err != nil {
		logging.Error().Err(err).
			Str("pending_id", id.String()).
			Msg("Failed to mark pending action executed")
	}
}
