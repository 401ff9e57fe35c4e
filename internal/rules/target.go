// Sentinelarr - Media Server Session Guardian
// Copyright 2026 Sentinelarr contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sentinelarr/sentinelarr

package rules

import (
	"sort"

	"github.com/sentinelarr/sentinelarr/internal/models"
)

// ResolveTarget maps a session-targeting directive onto the concrete set of
// sessions an action applies to. The active set is the user's currently
// active sessions including the triggering one; ordering of the input is not
// assumed, sessions are sorted oldest-first by start time before selection.
//
// Directives:
//
//	triggering     -> the session that caused evaluation (default)
//	oldest         -> first of the sorted active set
//	newest         -> last of the sorted active set
//	all_except_one -> every active session but the newest
//	all_user       -> the full sorted active set
func ResolveTarget(target SessionTarget, triggering *models.Session, active []*models.Session) []*models.Session {
	switch target {
	case TargetTriggering, "":
		if triggering == nil {
			return nil
		}
		return []*models.Session{triggering}
	case TargetOldest:
		sorted := sortedByStart(active)
		if len(sorted) == 0 {
			return nil
		}
		return sorted[:1]
	case TargetNewest:
		sorted := sortedByStart(active)
		if len(sorted) == 0 {
			return nil
		}
		return sorted[len(sorted)-1:]
	case TargetAllExceptOne:
		sorted := sortedByStart(active)
		if len(sorted) <= 1 {
			return nil
		}
		return sorted[:len(sorted)-1]
	case TargetAllUser:
		return sortedByStart(active)
	default:
		return nil
	}
}

// sortedByStart returns a copy of the sessions ordered oldest-first. Ties
// break on session ID for deterministic selection.
func sortedByStart(sessions []*models.Session) []*models.Session {
	sorted := make([]*models.Session, len(sessions))
	copy(sorted, sessions)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].StartedAt.Equal(sorted[j].StartedAt) {
			return sorted[i].ID.String() < sorted[j].ID.String()
		}
		return sorted[i].StartedAt.Before(sorted[j].StartedAt)
	})
	return sorted
}
